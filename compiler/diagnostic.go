package compiler

import (
	"fmt"
	"strings"

	"github.com/goodguyjay/typstgo/boundary"
	"github.com/goodguyjay/typstgo/wire"
)

// Severity classifies a diagnostic.
type Severity = boundary.Severity

const (
	SeverityError   = boundary.SeverityError
	SeverityWarning = boundary.SeverityWarning
)

const hintPrefix = "\nHint: "

// Location is a 1-indexed source span.
type Location struct {
	Line   int
	Column int
	Length int
}

// Diagnostic is one message produced by a compile.
type Diagnostic struct {
	Severity Severity
	Message  string
	// Location is nil when the engine reported no position.
	Location *Location
}

// Summary returns the message without hints.
func (d Diagnostic) Summary() string {
	msg, _, _ := strings.Cut(d.Message, hintPrefix)
	return msg
}

// Hints returns the hints the engine appended to the message.
func (d Diagnostic) Hints() []string {
	parts := strings.Split(d.Message, hintPrefix)
	if len(parts) < 2 {
		return nil
	}
	return parts[1:]
}

func (d Diagnostic) String() string {
	if d.Location == nil {
		return fmt.Sprintf("%s: %s", d.Severity, d.Summary())
	}
	return fmt.Sprintf("%d:%d: %s: %s", d.Location.Line, d.Location.Column, d.Severity, d.Summary())
}

// Diagnostics is an ordered list as produced by the engine.
type Diagnostics []Diagnostic

// Errors returns the error diagnostics in engine order.
func (ds Diagnostics) Errors() Diagnostics { return ds.filter(SeverityError) }

// Warnings returns the warning diagnostics in engine order.
func (ds Diagnostics) Warnings() Diagnostics { return ds.filter(SeverityWarning) }

// HasErrors reports whether any diagnostic is an error.
func (ds Diagnostics) HasErrors() bool {
	for _, d := range ds {
		if d.Severity == SeverityError {
			return true
		}
	}
	return false
}

func (ds Diagnostics) filter(s Severity) Diagnostics {
	var out Diagnostics
	for _, d := range ds {
		if d.Severity == s {
			out = append(out, d)
		}
	}
	return out
}

// translate copies the diagnostic records of rec into host memory. The
// message buffers belong to the result record and are not freed here.
func translate(e boundary.Engine, rec boundary.ResultRecord) (Diagnostics, error) {
	records, err := e.Diagnostics(rec)
	if err != nil {
		return nil, fmt.Errorf("read diagnostics: %w", err)
	}
	if len(records) == 0 {
		return nil, nil
	}
	out := make(Diagnostics, 0, len(records))
	for i, r := range records {
		msg, err := e.ReadBuffer(r.Message)
		if err != nil {
			return nil, fmt.Errorf("read diagnostic %d: %w", i, err)
		}
		out = append(out, translateRecord(r, msg))
	}
	return out, nil
}

func translateRecord(r boundary.DiagnosticRecord, msg []byte) Diagnostic {
	d := Diagnostic{
		Severity: r.Severity,
		Message:  wire.DecodeText(msg),
	}
	if !r.Location.IsZero() {
		d.Location = &Location{
			Line:   int(r.Location.Line),
			Column: int(r.Location.Column),
			Length: int(r.Location.Length),
		}
	}
	return d
}
