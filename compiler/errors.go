package compiler

import (
	"errors"
	"fmt"
	"strings"

	"github.com/goodguyjay/typstgo/wire"
)

// ErrPrecondition is wrapped by every error detected before the engine is
// called. Nothing native has been touched when it is returned.
var ErrPrecondition = errors.New("precondition failed")

var (
	ErrWorkspace       = fmt.Errorf("%w: workspace root must be an existing directory", ErrPrecondition)
	ErrInvalidArgument = fmt.Errorf("%w: invalid argument", ErrPrecondition)
	ErrSessionClosed   = fmt.Errorf("%w: session closed", ErrPrecondition)
	ErrSessionBusy     = fmt.Errorf("%w: session busy", ErrPrecondition)
	ErrDisposed        = fmt.Errorf("%w: result disposed", ErrPrecondition)
	ErrIndexOutOfRange = fmt.Errorf("%w: page index out of range", ErrPrecondition)
)

// EncodingError reports input that cannot be encoded for the engine.
type EncodingError = wire.EncodingError

// InitializationError is returned when the engine refuses to create a
// compiler for a workspace.
type InitializationError struct {
	Workspace string
	Err       error
}

func (e *InitializationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("create compiler for workspace %q: %v", e.Workspace, e.Err)
	}
	return fmt.Sprintf("create compiler for workspace %q: engine returned no handle", e.Workspace)
}

func (e *InitializationError) Unwrap() error { return e.Err }

// RenderError is returned when the engine produced no output for a render
// or export call. Page is -1 for whole-document operations.
type RenderError struct {
	Op   string
	Page int
	Err  error
}

func (e *RenderError) Error() string {
	if e.Page >= 0 {
		return fmt.Sprintf("%s page %d: %v", e.Op, e.Page, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *RenderError) Unwrap() error { return e.Err }

// CompilationError is a failed compile promoted to an error by Result.Err.
type CompilationError struct {
	Diagnostics Diagnostics
}

func (e *CompilationError) Error() string {
	errs := e.Diagnostics.Errors()
	switch len(errs) {
	case 0:
		return "compilation failed"
	case 1:
		return "compilation failed: " + errs[0].String()
	}
	var b strings.Builder
	fmt.Fprintf(&b, "compilation failed with %d errors:", len(errs))
	for _, d := range errs {
		b.WriteString("\n  ")
		b.WriteString(d.String())
	}
	return b.String()
}
