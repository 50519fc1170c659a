package boundary

import (
	"errors"
	"fmt"
	"path"
	"path/filepath"
	"strings"

	json "github.com/goccy/go-json"
)

// ErrUnmappedPath is returned when a host path lies outside every mount.
var ErrUnmappedPath = errors.New("path is outside every mount")

// mountTable translates host paths into the guest's view of the filesystem.
// An empty table is the identity mount of the host root at "/".
type mountTable []Mount

func newMountTable(mounts []Mount) (mountTable, error) {
	t := make(mountTable, 0, len(mounts))
	for _, m := range mounts {
		host, err := filepath.Abs(m.HostPath)
		if err != nil {
			return nil, fmt.Errorf("mount %s: %w", m.HostPath, err)
		}
		guest := path.Clean("/" + filepath.ToSlash(m.GuestPath))
		t = append(t, Mount{HostPath: host, GuestPath: guest})
	}
	return t, nil
}

// guestPath maps host to the path the engine sees. The mount with the
// longest matching host prefix wins.
func (t mountTable) guestPath(host string) (string, error) {
	abs, err := filepath.Abs(host)
	if err != nil {
		return "", fmt.Errorf("%s: %w", host, err)
	}
	if len(t) == 0 {
		return filepath.ToSlash(abs), nil
	}

	best, bestLen := "", -1
	for _, m := range t {
		rel, err := filepath.Rel(m.HostPath, abs)
		if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			continue
		}
		if len(m.HostPath) > bestLen {
			best, bestLen = path.Join(m.GuestPath, filepath.ToSlash(rel)), len(m.HostPath)
		}
	}
	if bestLen < 0 {
		return "", fmt.Errorf("%w: %s", ErrUnmappedPath, host)
	}
	return best, nil
}

// guestBytes maps a UTF-8 host path. Empty stays empty.
func (t mountTable) guestBytes(host []byte) ([]byte, error) {
	if len(host) == 0 {
		return host, nil
	}
	p, err := t.guestPath(string(host))
	if err != nil {
		return nil, err
	}
	return []byte(p), nil
}

// guestPathList maps every entry of a JSON array of host paths.
func (t mountTable) guestPathList(hostJSON []byte) ([]byte, error) {
	if len(hostJSON) == 0 {
		return hostJSON, nil
	}
	var paths []string
	if err := json.Unmarshal(hostJSON, &paths); err != nil {
		return nil, fmt.Errorf("font paths: %w", err)
	}
	for i, p := range paths {
		g, err := t.guestPath(p)
		if err != nil {
			return nil, err
		}
		paths[i] = g
	}
	return json.Marshal(paths)
}
