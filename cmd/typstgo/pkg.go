package main

import (
	"archive/tar"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/spf13/cobra"
)

var pkgCmd = &cobra.Command{
	Use:   "pkg",
	Short: "Manage Typst packages for offline compilation",
	Long: `Download and manage Typst packages in a local package directory.

Packages are fetched from the Typst package registry and laid out as
<dir>/<namespace>/<name>/<version>, the layout --package-path expects.`,
}

var pkgFetchCmd = &cobra.Command{
	Use:   "fetch [@namespace/name:version...]",
	Short: "Download packages from the registry",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runPkgFetch,
}

var pkgListCmd = &cobra.Command{
	Use:   "list",
	Short: "List downloaded packages",
	RunE:  runPkgList,
}

var pkgRemoveCmd = &cobra.Command{
	Use:   "remove [@namespace/name:version...]",
	Short: "Remove downloaded packages",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runPkgRemove,
}

const defaultRegistry = "https://packages.typst.org"

var (
	pkgDir      string
	pkgRegistry string
)

func init() {
	pkgCmd.PersistentFlags().StringVar(&pkgDir, "dir", ".typstgo/packages", "Package directory")
	pkgFetchCmd.Flags().StringVar(&pkgRegistry, "registry", defaultRegistry, "Package registry base URL")

	pkgCmd.AddCommand(pkgFetchCmd, pkgListCmd, pkgRemoveCmd)
	rootCmd.AddCommand(pkgCmd)
}

var pkgSpecPattern = regexp.MustCompile(`^@([a-z0-9][a-z0-9-]*)/([a-z0-9][a-z0-9_-]*):(\d+\.\d+\.\d+)$`)

type pkgSpec struct {
	Namespace, Name, Version string
}

func (p pkgSpec) String() string {
	return "@" + p.Namespace + "/" + p.Name + ":" + p.Version
}

func (p pkgSpec) dir(base string) string {
	return filepath.Join(base, p.Namespace, p.Name, p.Version)
}

func parsePkgSpec(s string) (pkgSpec, error) {
	m := pkgSpecPattern.FindStringSubmatch(s)
	if m == nil {
		return pkgSpec{}, fmt.Errorf("invalid package %q (expected @namespace/name:x.y.z)", s)
	}
	return pkgSpec{Namespace: m[1], Name: m[2], Version: m[3]}, nil
}

func runPkgFetch(cmd *cobra.Command, args []string) error {
	specs := make([]pkgSpec, 0, len(args))
	for _, a := range args {
		p, err := parsePkgSpec(a)
		if err != nil {
			return err
		}
		specs = append(specs, p)
	}

	out := cmd.OutOrStdout()
	for _, p := range specs {
		dest := p.dir(pkgDir)
		if _, err := os.Stat(dest); err == nil {
			fmt.Fprintf(out, "%s already present\n", p)
			continue
		}
		fmt.Fprintf(out, "Fetching %s...\n", p)
		if err := fetchPackage(cmd, p, dest); err != nil {
			return fmt.Errorf("fetch %s: %w", p, err)
		}
	}
	fmt.Fprintln(out, "Done.")
	return nil
}

func fetchPackage(cmd *cobra.Command, p pkgSpec, dest string) error {
	url := fmt.Sprintf("%s/%s/%s-%s.tar.gz", strings.TrimSuffix(pkgRegistry, "/"), p.Namespace, p.Name, p.Version)
	req, err := http.NewRequestWithContext(cmd.Context(), http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("download: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return errors.New("package not found in registry")
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("registry returned status %d", resp.StatusCode)
	}

	// Extract next to the destination and rename so a failed download
	// never leaves a half-populated package behind.
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}
	tmp, err := os.MkdirTemp(filepath.Dir(dest), ".fetch-*")
	if err != nil {
		return err
	}
	defer os.RemoveAll(tmp)

	if err := extractTarGz(resp.Body, tmp); err != nil {
		return fmt.Errorf("extract: %w", err)
	}
	// MkdirTemp creates 0700 and the mode survives the rename.
	if err := os.Chmod(tmp, 0o755); err != nil {
		return err
	}
	return os.Rename(tmp, dest)
}

// extractTarGz unpacks regular files and directories from a gzipped tar
// into dest. Entries that would land outside dest are rejected.
func extractTarGz(r io.Reader, dest string) error {
	gz, err := gzip.NewReader(r)
	if err != nil {
		return err
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}

		target, err := safeJoin(dest, hdr.Name)
		if err != nil {
			return err
		}
		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := writeFileFrom(target, tr); err != nil {
				return err
			}
		}
	}
}

func safeJoin(dest, name string) (string, error) {
	if filepath.IsAbs(name) {
		return "", fmt.Errorf("archive entry %q is absolute", name)
	}
	target := filepath.Join(dest, name)
	rel, err := filepath.Rel(dest, target)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("archive entry %q escapes the package directory", name)
	}
	return target, nil
}

func writeFileFrom(path string, r io.Reader) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// listPackages walks the namespace/name/version layout.
func listPackages(base string) ([]pkgSpec, error) {
	var specs []pkgSpec
	namespaces, err := os.ReadDir(base)
	if err != nil {
		return nil, err
	}
	for _, ns := range namespaces {
		if !ns.IsDir() || strings.HasPrefix(ns.Name(), ".") {
			continue
		}
		names, _ := os.ReadDir(filepath.Join(base, ns.Name()))
		for _, n := range names {
			if !n.IsDir() || strings.HasPrefix(n.Name(), ".") {
				continue
			}
			versions, _ := os.ReadDir(filepath.Join(base, ns.Name(), n.Name()))
			for _, v := range versions {
				if v.IsDir() && !strings.HasPrefix(v.Name(), ".") {
					specs = append(specs, pkgSpec{Namespace: ns.Name(), Name: n.Name(), Version: v.Name()})
				}
			}
		}
	}
	return specs, nil
}

func runPkgList(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	specs, err := listPackages(pkgDir)
	if errors.Is(err, os.ErrNotExist) || (err == nil && len(specs) == 0) {
		fmt.Fprintln(out, "No packages downloaded.")
		return nil
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Packages in %s:\n", pkgDir)
	for _, p := range specs {
		fmt.Fprintf(out, "  %s\n", p)
	}
	return nil
}

func runPkgRemove(cmd *cobra.Command, args []string) error {
	for _, a := range args {
		p, err := parsePkgSpec(a)
		if err != nil {
			return err
		}
		dir := p.dir(pkgDir)
		if _, err := os.Stat(dir); errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(cmd.ErrOrStderr(), "Warning: %s is not downloaded\n", p)
			continue
		}
		if err := os.RemoveAll(dir); err != nil {
			return fmt.Errorf("remove %s: %w", p, err)
		}
		// Drop now-empty parents so list stays clean.
		os.Remove(filepath.Dir(dir))
		fmt.Fprintf(cmd.OutOrStdout(), "Removed %s\n", p)
	}
	return nil
}
