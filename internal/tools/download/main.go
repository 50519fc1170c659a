// Command download fetches the Typst engine module for local builds and tests.
//
//	go run ./internal/tools/download <url> <output>
//
// When output ends in .zst and the download is not already zstd-compressed,
// it is compressed on the way to disk. An existing output is left alone.
package main

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zstd"
)

// zstd frame magic number.
var zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}

func main() {
	if len(os.Args) != 3 {
		fmt.Fprintln(os.Stderr, "usage: download <url> <output>")
		os.Exit(1)
	}

	url, output := os.Args[1], os.Args[2]

	if _, err := os.Stat(output); err == nil {
		return
	}
	if err := download(url, output); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func download(url, output string) error {
	resp, err := http.Get(url)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("download failed: %s", resp.Status)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if strings.HasSuffix(output, ".zst") && !bytes.HasPrefix(data, zstdMagic) {
		enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedBestCompression))
		if err != nil {
			return err
		}
		data = enc.EncodeAll(data, nil)
		enc.Close()
	}

	if err := os.MkdirAll(filepath.Dir(output), 0o755); err != nil {
		return err
	}
	tmp := output + ".part"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, output)
}
