package main

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/fatih/color"
	json "github.com/goccy/go-json"
	"github.com/mattn/go-runewidth"
	"github.com/vmihailenco/msgpack/v5"
	"golang.org/x/term"

	"github.com/goodguyjay/typstgo/compiler"
)

// fileReport is the machine-readable outcome of compiling one file.
type fileReport struct {
	File        string             `json:"file" msgpack:"file"`
	Success     bool               `json:"success" msgpack:"success"`
	Pages       int                `json:"pages,omitempty" msgpack:"pages,omitempty"`
	Outputs     []outputReport     `json:"outputs,omitempty" msgpack:"outputs,omitempty"`
	Diagnostics []diagnosticReport `json:"diagnostics" msgpack:"diagnostics"`
	Error       string             `json:"error,omitempty" msgpack:"error,omitempty"`
}

type outputReport struct {
	Path string `json:"path" msgpack:"path"`
	Hash string `json:"xxh3,omitempty" msgpack:"xxh3,omitempty"`
}

type diagnosticReport struct {
	Severity string   `json:"severity" msgpack:"severity"`
	Message  string   `json:"message" msgpack:"message"`
	Hints    []string `json:"hints,omitempty" msgpack:"hints,omitempty"`
	Line     int      `json:"line,omitempty" msgpack:"line,omitempty"`
	Column   int      `json:"column,omitempty" msgpack:"column,omitempty"`
	Length   int      `json:"length,omitempty" msgpack:"length,omitempty"`
}

func reportDiagnostics(ds compiler.Diagnostics) []diagnosticReport {
	out := make([]diagnosticReport, 0, len(ds))
	for _, d := range ds {
		r := diagnosticReport{
			Severity: d.Severity.String(),
			Message:  d.Summary(),
			Hints:    d.Hints(),
		}
		if d.Location != nil {
			r.Line, r.Column, r.Length = d.Location.Line, d.Location.Column, d.Location.Length
		}
		out = append(out, r)
	}
	return out
}

// writeReports encodes reports in a machine format.
func writeReports(w io.Writer, format string, reports []fileReport) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(reports)
	case "msgpack":
		return msgpack.NewEncoder(w).Encode(reports)
	}
	return fmt.Errorf("unknown diagnostic format %q", format)
}

// colorEnabled resolves --color against the terminal state of w. Writers
// that are not files never get color in auto mode.
func colorEnabled(mode string, w io.Writer) (bool, error) {
	switch mode {
	case "on", "always":
		return true, nil
	case "off", "never":
		return false, nil
	case "auto", "":
		if os.Getenv("NO_COLOR") != "" {
			return false, nil
		}
		f, ok := w.(*os.File)
		return ok && term.IsTerminal(int(f.Fd())), nil
	}
	return false, fmt.Errorf("invalid --color %q (expected auto, on or off)", mode)
}

// diagPrinter renders diagnostics for humans with a source excerpt and a
// caret line under the reported span.
type diagPrinter struct {
	w       io.Writer
	errorC  *color.Color
	warnC   *color.Color
	accentC *color.Color
	hintC   *color.Color
}

func newDiagPrinter(w io.Writer, useColor bool) *diagPrinter {
	p := &diagPrinter{
		w:       w,
		errorC:  color.New(color.FgRed, color.Bold),
		warnC:   color.New(color.FgYellow, color.Bold),
		accentC: color.New(color.FgBlue, color.Bold),
		hintC:   color.New(color.FgCyan),
	}
	for _, c := range []*color.Color{p.errorC, p.warnC, p.accentC, p.hintC} {
		if useColor {
			c.EnableColor()
		} else {
			c.DisableColor()
		}
	}
	return p
}

func (p *diagPrinter) print(file, source string, d compiler.Diagnostic) {
	label := p.errorC
	if d.Severity == compiler.SeverityWarning {
		label = p.warnC
	}
	fmt.Fprintf(p.w, "%s: %s\n", label.Sprint(d.Severity), d.Summary())

	if d.Location != nil {
		line := sourceLine(source, d.Location.Line)
		gutter := strconv.Itoa(d.Location.Line)
		pad := strings.Repeat(" ", len(gutter))

		fmt.Fprintf(p.w, "%s%s %s:%d:%d\n", pad, p.accentC.Sprint("-->"), file, d.Location.Line, d.Location.Column)
		fmt.Fprintf(p.w, "%s %s\n", pad, p.accentC.Sprint("|"))
		fmt.Fprintf(p.w, "%s %s %s\n", p.accentC.Sprint(gutter), p.accentC.Sprint("|"), line)
		offset, width := caretSpan(line, d.Location.Column, d.Location.Length)
		fmt.Fprintf(p.w, "%s %s %s%s\n", pad, p.accentC.Sprint("|"),
			strings.Repeat(" ", offset), label.Sprint(strings.Repeat("^", width)))
	} else if file != "" {
		fmt.Fprintf(p.w, "  %s %s\n", p.accentC.Sprint("-->"), file)
	}

	for _, h := range d.Hints() {
		fmt.Fprintf(p.w, "  %s %s\n", p.hintC.Sprint("= hint:"), h)
	}
}

func (p *diagPrinter) printAll(file, source string, ds compiler.Diagnostics) {
	for _, d := range ds {
		p.print(file, source, d)
		fmt.Fprintln(p.w)
	}
}

// sourceLine returns the 1-indexed line of source without its newline.
func sourceLine(source string, n int) string {
	for i := 1; i < n; i++ {
		idx := strings.IndexByte(source, '\n')
		if idx < 0 {
			return ""
		}
		source = source[idx+1:]
	}
	line, _, _ := strings.Cut(source, "\n")
	return strings.TrimSuffix(line, "\r")
}

// caretSpan converts a 1-indexed rune column and a byte length into the
// display offset and width of the caret run, so wide characters line up.
func caretSpan(line string, column, length int) (offset, width int) {
	start := 0
	for i := 1; i < column && start < len(line); i++ {
		_, size := utf8.DecodeRuneInString(line[start:])
		start += size
	}
	end := min(start+max(length, 0), len(line))
	for end < len(line) && !utf8.RuneStart(line[end]) {
		end++
	}
	offset = runewidth.StringWidth(line[:start])
	width = max(runewidth.StringWidth(line[start:end]), 1)
	return offset, width
}
