package boundary

import (
	"context"
	"errors"
)

var (
	// ErrEngineClosed is returned by any use call on a backend after Close.
	// Release calls are still accepted.
	ErrEngineClosed = errors.New("engine closed")
	// ErrZeroHandle is returned when a zero handle is passed to a use call.
	ErrZeroHandle = errors.New("zero handle")
	// ErrMissingExport is returned when a wasm module lacks a required export.
	ErrMissingExport = errors.New("missing required engine export")
)

// Engine is the engine's C-compatible call table, one method per boundary
// call, plus the copy helpers a host needs to read engine memory.
//
// Methods that return a Buffer or BufferArray transfer release
// responsibility to the caller. ReadBuffer and Buffers copy; they never
// release. Implementations must treat release of an empty Buffer or
// BufferArray as a no-op.
//
// A single compiler handle must not be used by two calls at once. Distinct
// handles may be used concurrently.
//
// Release calls (FreeCompiler, FreeResult, FreeBuffer, FreeBufferArray)
// succeed after Close, so owners disposed after their engine still release
// what they hold. A backend whose Close already reclaimed that memory treats
// them as no-ops.
type Engine interface {
	// CreateCompiler creates a compiler rooted at root. A zero handle with a
	// nil error means the engine refused to create it.
	CreateCompiler(root []byte, opts CreateOptions) (CompilerHandle, error)
	FreeCompiler(h CompilerHandle) error

	// Compile compiles source with the given compiler. The returned record
	// must be released with FreeResult.
	Compile(h CompilerHandle, source []byte) (ResultRecord, error)
	// FreeResult releases the diagnostics and, transitively, the document.
	FreeResult(r ResultRecord) error
	// Diagnostics reads the diagnostic records of r. Message buffers remain
	// owned by r.
	Diagnostics(r ResultRecord) ([]DiagnosticRecord, error)

	PageCount(d DocumentHandle) (int, error)
	RenderSVGPage(d DocumentHandle, index int) (Buffer, error)
	RenderSVGAll(d DocumentHandle) (BufferArray, error)
	RenderPDF(d DocumentHandle) (Buffer, error)

	// ReadBuffer returns a host-owned copy of b's bytes.
	ReadBuffer(b Buffer) ([]byte, error)
	// Buffers returns the elements of a, in order. They remain owned by a.
	Buffers(a BufferArray) ([]Buffer, error)
	FreeBuffer(b Buffer) error
	FreeBufferArray(a BufferArray) error

	// ResetCache evicts process-wide cached artifacts older than
	// maxAgeSeconds. Zero evicts everything.
	ResetCache(maxAgeSeconds uint64) error
	// Version reports the engine build version.
	Version() (string, error)

	// Close tears the backend down. Outstanding handles can no longer be
	// used, only released.
	Close(ctx context.Context) error
}
