package main

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/klauspost/compress/gzip"
	"github.com/spf13/cobra"
	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"

	"github.com/goodguyjay/typstgo/boundary"
	"github.com/goodguyjay/typstgo/boundary/boundarytest"
	"github.com/goodguyjay/typstgo/compiler"
)

func executeCommand(root *cobra.Command, args ...string) (string, error) {
	buf := new(bytes.Buffer)
	root.SetOut(buf)
	root.SetErr(buf)
	root.SetArgs(args)
	err := root.Execute()
	return buf.String(), err
}

// useFakeEngine routes setup through a leak-tracking fake for the test.
func useFakeEngine(t *testing.T) *boundarytest.Engine {
	t.Helper()
	fake := boundarytest.New()
	prev := openEngineFunc
	openEngineFunc = func(context.Context, *cobra.Command, config, *zap.Logger) (boundary.Engine, error) {
		return fake, nil
	}
	t.Cleanup(func() { openEngineFunc = prev })
	return fake
}

func TestCLIHelp(t *testing.T) {
	output, err := executeCommand(rootCmd, "--help")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	expectedPhrases := []string{
		"typstgo",
		"WebAssembly",
		"compile",
		"serve",
		"repl",
		"pkg",
		"cache",
		"version",
		"--engine",
	}
	for _, phrase := range expectedPhrases {
		if !strings.Contains(output, phrase) {
			t.Errorf("help output should contain %q", phrase)
		}
	}
}

func TestCLICompileHelp(t *testing.T) {
	output, err := executeCommand(rootCmd, "compile", "--help")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	expectedPhrases := []string{
		"--output",
		"--format",
		"--diag-format",
		"--hash",
		"--jobs",
		"--root",
		"--input",
		"--font-path",
		"--package-path",
		"--no-system-fonts",
	}
	for _, phrase := range expectedPhrases {
		if !strings.Contains(output, phrase) {
			t.Errorf("compile help output should contain %q", phrase)
		}
	}
}

func TestCLIReplHelp(t *testing.T) {
	output, err := executeCommand(rootCmd, "repl", "--help")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, phrase := range []string{"--history", "Command history", ":pages", ":reset"} {
		if !strings.Contains(output, phrase) {
			t.Errorf("repl help output should contain %q", phrase)
		}
	}
}

func TestCLIServeHelp(t *testing.T) {
	output, err := executeCommand(rootCmd, "serve", "--help")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, phrase := range []string{"--addr", "--session-ttl", "--cache-max-age", "/compile", "/sessions"} {
		if !strings.Contains(output, phrase) {
			t.Errorf("serve help output should contain %q", phrase)
		}
	}
}

func TestCLINoEngine(t *testing.T) {
	t.Setenv("TYPSTGO_ENGINE", "")
	dir := t.TempDir()
	src := filepath.Join(dir, "main.typ")
	os.WriteFile(src, []byte("= Hi"), 0o644)

	_, err := executeCommand(rootCmd, "compile", "-o", dir, "-f", "svg", src)
	if err == nil || !strings.Contains(err.Error(), "no engine module") {
		t.Fatalf("expected missing engine error, got %v", err)
	}
}

func TestCLICompileSVG(t *testing.T) {
	fake := useFakeEngine(t)
	dir := t.TempDir()
	src := filepath.Join(dir, "report.typ")
	os.WriteFile(src, []byte("= One #pagebreak() = Two"), 0o644)
	out := filepath.Join(dir, "out")

	output, err := executeCommand(rootCmd, "compile", "-o", out, "-f", "svg",
		"--diag-format", "text", "--hash=false", "--color", "off", src)
	if err != nil {
		t.Fatalf("compile failed: %v\n%s", err, output)
	}

	for _, name := range []string{"report-1.svg", "report-2.svg"} {
		data, err := os.ReadFile(filepath.Join(out, name))
		if err != nil {
			t.Fatalf("missing %s: %v", name, err)
		}
		if !strings.HasPrefix(string(data), "<svg") {
			t.Errorf("%s is not SVG: %q", name, data)
		}
	}
	if !strings.Contains(output, filepath.Join(out, "report-2.svg")) {
		t.Errorf("output should list written files, got %q", output)
	}
	if n := fake.Outstanding().Total(); n != 0 {
		t.Errorf("engine allocations leaked: %d", n)
	}
}

func TestCLICompilePDFWithHash(t *testing.T) {
	useFakeEngine(t)
	dir := t.TempDir()
	src := filepath.Join(dir, "doc.typ")
	os.WriteFile(src, []byte("= Hello"), 0o644)

	output, err := executeCommand(rootCmd, "compile", "-o", dir, "-f", "pdf",
		"--diag-format", "json", "--hash", "--color", "off", src)
	if err != nil {
		t.Fatalf("compile failed: %v\n%s", err, output)
	}

	var reports []fileReport
	if err := json.Unmarshal([]byte(output), &reports); err != nil {
		t.Fatalf("output is not a JSON report: %v\n%s", err, output)
	}
	if len(reports) != 1 || !reports[0].Success || reports[0].Pages != 1 {
		t.Fatalf("unexpected report: %+v", reports)
	}
	if len(reports[0].Outputs) != 1 {
		t.Fatalf("expected one output, got %+v", reports[0].Outputs)
	}
	o := reports[0].Outputs[0]
	want, err := hashFile(filepath.Join(dir, "doc.pdf"))
	if err != nil {
		t.Fatal(err)
	}
	if o.Hash != want || len(o.Hash) != 16 {
		t.Errorf("hash = %q, want %q", o.Hash, want)
	}
}

func TestCLICompileDiagnostics(t *testing.T) {
	useFakeEngine(t)
	dir := t.TempDir()
	src := filepath.Join(dir, "broken.typ")
	os.WriteFile(src, []byte("#f(x"), 0o644)

	output, err := executeCommand(rootCmd, "compile", "-o", dir, "-f", "svg",
		"--diag-format", "text", "--hash=false", "--color", "off", src)
	if err == nil || !strings.Contains(err.Error(), "1 of 1 files failed") {
		t.Fatalf("expected failure, got %v", err)
	}
	for _, want := range []string{"error: unclosed delimiter", "--> " + src + ":1:3", "= hint: add a matching `)`"} {
		if !strings.Contains(output, want) {
			t.Errorf("diagnostic output should contain %q, got:\n%s", want, output)
		}
	}
	if _, err := os.Stat(filepath.Join(dir, "broken-1.svg")); err == nil {
		t.Error("failed compile should not write pages")
	}
}

func TestCLICompileInputs(t *testing.T) {
	useFakeEngine(t)
	dir := t.TempDir()
	src := filepath.Join(dir, "greet.typ")
	os.WriteFile(src, []byte("Hello #sys.inputs.name"), 0o644)

	_, err := executeCommand(rootCmd, "compile", "-o", dir, "-f", "svg",
		"--diag-format", "text", "--hash=false", "--input", "name=World", src)
	if err != nil {
		t.Fatalf("compile failed: %v", err)
	}
	data, _ := os.ReadFile(filepath.Join(dir, "greet-1.svg"))
	if !strings.Contains(string(data), "Hello World") {
		t.Errorf("input not substituted: %s", data)
	}
}

func TestCLICompileBadFormat(t *testing.T) {
	_, err := executeCommand(rootCmd, "compile", "-f", "png", "x.typ")
	if err == nil || !strings.Contains(err.Error(), "unknown format") {
		t.Fatalf("expected format error, got %v", err)
	}
}

func TestCLIVersion(t *testing.T) {
	useFakeEngine(t)
	output, err := executeCommand(rootCmd, "version", "--format", "json")
	if err != nil {
		t.Fatalf("version failed: %v", err)
	}
	var p versionPayload
	if err := json.Unmarshal([]byte(output), &p); err != nil {
		t.Fatalf("bad json %q: %v", output, err)
	}
	if p.Tool != "typstgo" || p.Engine != boundarytest.Version {
		t.Errorf("unexpected payload %+v", p)
	}
}

func TestCLICacheClear(t *testing.T) {
	dir := t.TempDir()
	cache := filepath.Join(dir, "cache")
	os.MkdirAll(filepath.Join(cache, "wazero"), 0o755)
	cfg := filepath.Join(dir, "typstgo.toml")
	os.WriteFile(cfg, []byte("cache_dir = "+quoteTOML(cache)+"\n"), 0o644)
	t.Cleanup(func() { rootCmd.PersistentFlags().Set("config", "") })

	output, err := executeCommand(rootCmd, "cache", "clear", "--config", cfg)
	if err != nil {
		t.Fatalf("cache clear failed: %v", err)
	}
	if !strings.Contains(output, "Cache cleared") {
		t.Errorf("unexpected output %q", output)
	}
	if _, err := os.Stat(cache); !os.IsNotExist(err) {
		t.Error("cache directory should be removed")
	}
}

func quoteTOML(s string) string {
	return "'" + s + "'"
}

func TestParseInput(t *testing.T) {
	tests := []struct {
		in      string
		k, v    string
		wantErr bool
	}{
		{"name=World", "name", "World", false},
		{"eq=a=b", "eq", "a=b", false},
		{"empty=", "empty", "", false},
		{"novalue", "", "", true},
		{"=x", "", "", true},
	}
	for _, tt := range tests {
		k, v, err := parseInput(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("parseInput(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if k != tt.k || v != tt.v {
			t.Errorf("parseInput(%q) = %q, %q", tt.in, k, v)
		}
	}
}

func TestParseMemoryLimit(t *testing.T) {
	tests := map[string]uint32{"16mb": 256, "64MB": 1024, "256mb": 4096, "1gb": 16384, "4gb": 65536}
	for in, want := range tests {
		got, err := parseMemoryLimit(in)
		if err != nil || got != want {
			t.Errorf("parseMemoryLimit(%q) = %d, %v; want %d", in, got, err, want)
		}
	}
	if _, err := parseMemoryLimit("2gb"); err == nil {
		t.Error("expected error for unsupported limit")
	}
}

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "typstgo.toml")
	os.WriteFile(path, []byte(`
engine = "typst.wasm.zst"
memory = "256mb"
font_paths = ["./fonts"]
system_fonts = false

[inputs]
name = "World"

[[mount]]
host = "./assets"
guest = "/assets"

[serve]
addr = ":9000"
session_ttl = "5m"
cache_max_age = "1h"
`), 0o644)

	cfg, err := loadConfig(path)
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if cfg.Engine != "typst.wasm.zst" || cfg.Memory != "256mb" {
		t.Errorf("unexpected engine settings: %+v", cfg)
	}
	if cfg.SystemFonts == nil || *cfg.SystemFonts {
		t.Error("system_fonts should decode as explicit false")
	}
	if cfg.Inputs["name"] != "World" || len(cfg.FontPaths) != 1 {
		t.Errorf("unexpected compiler settings: %+v", cfg)
	}
	if len(cfg.Mounts) != 1 || cfg.Mounts[0].Guest != "/assets" {
		t.Errorf("unexpected mounts: %+v", cfg.Mounts)
	}
	if cfg.Serve.Addr != ":9000" || cfg.Serve.SessionTTL != "5m" || cfg.Serve.CacheMaxAge != "1h" {
		t.Errorf("unexpected serve settings: %+v", cfg.Serve)
	}
}

func TestLoadConfigErrors(t *testing.T) {
	dir := t.TempDir()
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{"unknown key", "engin = \"x\"\n", "unknown key"},
		{"mount without guest", "[[mount]]\nhost = \"a\"\n", "needs host and guest"},
		{"bad toml", "engine = \n", "failed to parse TOML"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(dir, strings.ReplaceAll(tt.name, " ", "_")+".toml")
			os.WriteFile(path, []byte(tt.content), 0o644)
			_, err := loadConfig(path)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}

	if _, err := loadConfig(filepath.Join(dir, "missing.toml")); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("missing file should wrap ErrNotExist, got %v", err)
	}
}

func TestSourceLine(t *testing.T) {
	src := "first\nsecond\r\nthird"
	tests := map[int]string{1: "first", 2: "second", 3: "third", 4: ""}
	for n, want := range tests {
		if got := sourceLine(src, n); got != want {
			t.Errorf("sourceLine(%d) = %q, want %q", n, got, want)
		}
	}
}

func TestCaretSpan(t *testing.T) {
	tests := []struct {
		line           string
		column, length int
		offset, width  int
	}{
		{"#f(x", 3, 1, 2, 1},
		{"日本語x", 3, 3, 4, 2},
		{"日本語x", 4, 1, 6, 1},
		{"abc", 2, 0, 1, 1},
		{"abc", 9, 5, 3, 1},
		{"aé", 2, 1, 1, 1},
	}
	for _, tt := range tests {
		off, w := caretSpan(tt.line, tt.column, tt.length)
		if off != tt.offset || w != tt.width {
			t.Errorf("caretSpan(%q, %d, %d) = %d, %d; want %d, %d",
				tt.line, tt.column, tt.length, off, w, tt.offset, tt.width)
		}
	}
}

func TestDiagPrinterPlain(t *testing.T) {
	var buf bytes.Buffer
	p := newDiagPrinter(&buf, false)
	p.print("main.typ", "#f(x\n", compiler.Diagnostic{
		Severity: compiler.SeverityError,
		Message:  "unclosed delimiter\nHint: add a matching `)`",
		Location: &compiler.Location{Line: 1, Column: 3, Length: 1},
	})

	want := "error: unclosed delimiter\n" +
		" --> main.typ:1:3\n" +
		"  |\n" +
		"1 | #f(x\n" +
		"  |   ^\n" +
		"  = hint: add a matching `)`\n"
	if buf.String() != want {
		t.Errorf("printer output:\n%s\nwant:\n%s", buf.String(), want)
	}

	buf.Reset()
	p.print("main.typ", "", compiler.Diagnostic{Severity: compiler.SeverityWarning, Message: "unused"})
	if got := buf.String(); got != "warning: unused\n  --> main.typ\n" {
		t.Errorf("unlocated diagnostic printed as %q", got)
	}
}

func TestColorEnabled(t *testing.T) {
	var buf bytes.Buffer
	tests := []struct {
		mode string
		want bool
	}{
		{"on", true},
		{"always", true},
		{"off", false},
		{"auto", false},
	}
	for _, tt := range tests {
		got, err := colorEnabled(tt.mode, &buf)
		if err != nil || got != tt.want {
			t.Errorf("colorEnabled(%q) = %v, %v", tt.mode, got, err)
		}
	}
	if _, err := colorEnabled("sometimes", &buf); err == nil {
		t.Error("expected error for invalid mode")
	}
}

func sampleReports() []fileReport {
	return []fileReport{{
		File:    "a.typ",
		Success: false,
		Diagnostics: []diagnosticReport{{
			Severity: "error",
			Message:  "unclosed delimiter",
			Hints:    []string{"add a matching `)`"},
			Line:     1,
			Column:   3,
			Length:   1,
		}},
	}, {
		File:        "b.typ",
		Success:     true,
		Pages:       2,
		Outputs:     []outputReport{{Path: "b-1.svg", Hash: "0011223344556677"}},
		Diagnostics: []diagnosticReport{{Severity: "warning", Message: "careful"}},
	}}
}

func TestWriteReportsJSON(t *testing.T) {
	var buf bytes.Buffer
	if err := writeReports(&buf, "json", sampleReports()); err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{`"file": "a.typ"`, `"column": 3`, `"xxh3": "0011223344556677"`} {
		if !strings.Contains(buf.String(), want) {
			t.Errorf("json report should contain %s:\n%s", want, buf.String())
		}
	}
}

func TestWriteReportsMsgpack(t *testing.T) {
	var buf bytes.Buffer
	if err := writeReports(&buf, "msgpack", sampleReports()); err != nil {
		t.Fatal(err)
	}
	var got []fileReport
	if err := msgpack.Unmarshal(buf.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d reports", len(got))
	}
	if d := got[0].Diagnostics[0]; d.Line != 1 || d.Column != 3 || d.Hints[0] != "add a matching `)`" {
		t.Errorf("diagnostic lost in round trip: %+v", d)
	}
	if got[1].Outputs[0].Hash != "0011223344556677" || got[1].Pages != 2 {
		t.Errorf("report lost in round trip: %+v", got[1])
	}

	if err := writeReports(&buf, "yaml", nil); err == nil {
		t.Error("expected error for unknown format")
	}
}

func TestParsePkgSpec(t *testing.T) {
	p, err := parsePkgSpec("@preview/cetz:0.3.1")
	if err != nil {
		t.Fatal(err)
	}
	if p.Namespace != "preview" || p.Name != "cetz" || p.Version != "0.3.1" {
		t.Errorf("unexpected package %+v", p)
	}
	if p.String() != "@preview/cetz:0.3.1" {
		t.Errorf("String() = %q", p.String())
	}

	for _, bad := range []string{"cetz", "@preview/cetz", "@preview/cetz:1.0", "@../x:1.0.0", "@preview/Up:1.0.0"} {
		if _, err := parsePkgSpec(bad); err == nil {
			t.Errorf("parsePkgSpec(%q) should fail", bad)
		}
	}
}

type tarEntry struct {
	name string
	body string
	dir  bool
}

func makeTarGz(t *testing.T, entries []tarEntry) []byte {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	for _, e := range entries {
		hdr := &tar.Header{Name: e.name, Mode: 0o644, Size: int64(len(e.body)), Typeflag: tar.TypeReg}
		if e.dir {
			hdr = &tar.Header{Name: e.name, Mode: 0o755, Typeflag: tar.TypeDir}
		}
		if err := tw.WriteHeader(hdr); err != nil {
			t.Fatal(err)
		}
		if !e.dir {
			tw.Write([]byte(e.body))
		}
	}
	tw.Close()
	gz.Close()
	return buf.Bytes()
}

func TestExtractTarGz(t *testing.T) {
	dest := t.TempDir()
	archive := makeTarGz(t, []tarEntry{
		{name: "src", dir: true},
		{name: "typst.toml", body: "[package]\nname = \"demo\"\n"},
		{name: "src/lib.typ", body: "#let hi = [hi]"},
	})
	if err := extractTarGz(bytes.NewReader(archive), dest); err != nil {
		t.Fatalf("extract: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(dest, "src", "lib.typ"))
	if err != nil || string(data) != "#let hi = [hi]" {
		t.Errorf("lib.typ = %q, %v", data, err)
	}
}

func TestExtractTarGzRejectsTraversal(t *testing.T) {
	dest := t.TempDir()
	for _, name := range []string{"../escape.typ", "a/../../escape.typ", "/abs.typ"} {
		archive := makeTarGz(t, []tarEntry{{name: name, body: "x"}})
		if err := extractTarGz(bytes.NewReader(archive), dest); err == nil {
			t.Errorf("entry %q should be rejected", name)
		}
	}
	if _, err := os.Stat(filepath.Join(filepath.Dir(dest), "escape.typ")); err == nil {
		t.Error("traversal entry was written outside the destination")
	}
}

func TestCLIPkgWorkflow(t *testing.T) {
	archive := makeTarGz(t, []tarEntry{{name: "lib.typ", body: "#let x = 1"}})
	var requested string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requested = r.URL.Path
		if r.URL.Path != "/preview/demo-0.1.0.tar.gz" {
			http.NotFound(w, r)
			return
		}
		w.Write(archive)
	}))
	defer srv.Close()

	dir := t.TempDir()
	output, err := executeCommand(rootCmd, "pkg", "fetch", "--registry", srv.URL, "--dir", dir, "@preview/demo:0.1.0")
	if err != nil {
		t.Fatalf("fetch failed: %v\n%s", err, output)
	}
	if requested != "/preview/demo-0.1.0.tar.gz" {
		t.Errorf("requested %q", requested)
	}
	if _, err := os.Stat(filepath.Join(dir, "preview", "demo", "0.1.0", "lib.typ")); err != nil {
		t.Fatalf("package not extracted: %v", err)
	}
	if runtime.GOOS != "windows" {
		fi, err := os.Stat(filepath.Join(dir, "preview", "demo", "0.1.0"))
		if err != nil {
			t.Fatal(err)
		}
		if perm := fi.Mode().Perm(); perm != 0o755 {
			t.Errorf("package directory mode %o, want 755", perm)
		}
	}

	output, err = executeCommand(rootCmd, "pkg", "list", "--dir", dir)
	if err != nil || !strings.Contains(output, "@preview/demo:0.1.0") {
		t.Errorf("list output %q, %v", output, err)
	}

	_, err = executeCommand(rootCmd, "pkg", "fetch", "--registry", srv.URL, "--dir", dir, "@preview/missing:1.0.0")
	if err == nil || !strings.Contains(err.Error(), "not found") {
		t.Errorf("expected not found error, got %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "preview", "missing", "1.0.0")); err == nil {
		t.Error("failed fetch left a package directory")
	}

	output, err = executeCommand(rootCmd, "pkg", "remove", "--dir", dir, "@preview/demo:0.1.0")
	if err != nil || !strings.Contains(output, "Removed @preview/demo:0.1.0") {
		t.Errorf("remove output %q, %v", output, err)
	}
	output, _ = executeCommand(rootCmd, "pkg", "list", "--dir", dir)
	if !strings.Contains(output, "No packages downloaded.") {
		t.Errorf("list after remove = %q", output)
	}
}

func TestDurationSetting(t *testing.T) {
	cmd := &cobra.Command{Use: "x"}
	cmd.Flags().Duration("ttl", 0, "")

	if d, err := durationSetting(cmd, "ttl", "", time.Minute); err != nil || d != time.Minute {
		t.Errorf("default = %v, %v", d, err)
	}
	if d, err := durationSetting(cmd, "ttl", "90s", time.Minute); err != nil || d != 90*time.Second {
		t.Errorf("config = %v, %v", d, err)
	}
	if _, err := durationSetting(cmd, "ttl", "soon", time.Minute); err == nil {
		t.Error("expected parse error")
	}
	cmd.Flags().Set("ttl", "2h")
	if d, err := durationSetting(cmd, "ttl", "90s", time.Minute); err != nil || d != 2*time.Hour {
		t.Errorf("flag = %v, %v", d, err)
	}
}
