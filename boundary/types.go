package boundary

import "strconv"

// CompilerHandle is an opaque token for an engine-side compiler instance.
// Zero means absent.
type CompilerHandle uint64

// IsZero reports whether h denotes no compiler.
func (h CompilerHandle) IsZero() bool { return h == 0 }

func (h CompilerHandle) String() string { return "compiler#" + strconv.FormatUint(uint64(h), 16) }

// DocumentHandle is an opaque token for a compiled document. It is owned by
// the ResultRecord that produced it and is freed only through FreeResult.
type DocumentHandle uint64

// IsZero reports whether h denotes no document.
func (h DocumentHandle) IsZero() bool { return h == 0 }

func (h DocumentHandle) String() string { return "document#" + strconv.FormatUint(uint64(h), 16) }

// Buffer is an engine-allocated (pointer, length) byte region.
// A null pointer or zero length means "no data", not an empty string.
type Buffer struct {
	Ptr uint64
	Len uint64
}

// IsEmpty reports whether b carries no data.
func (b Buffer) IsEmpty() bool { return b.Ptr == 0 || b.Len == 0 }

// BufferArray is an engine-allocated contiguous run of Buffers. It is
// released as a unit, which also releases every contained buffer.
type BufferArray struct {
	Ptr uint64
	Len uint64
}

// IsEmpty reports whether a carries no buffers.
func (a BufferArray) IsEmpty() bool { return a.Ptr == 0 || a.Len == 0 }

// Severity is the closed two-valued diagnostic severity of the boundary.
type Severity uint8

const (
	SeverityError   Severity = 0
	SeverityWarning Severity = 1
)

// SeverityFromWire maps a raw severity byte. The engine header reserves a
// third value for hints, which are never emitted as records; anything that
// is not a warning is treated as an error.
func SeverityFromWire(b uint8) Severity {
	if b == uint8(SeverityWarning) {
		return SeverityWarning
	}
	return SeverityError
}

func (s Severity) String() string {
	switch s {
	case SeverityError:
		return "error"
	case SeverityWarning:
		return "warning"
	}
	return "unknown"
}

// Location is a 1-indexed source span. Line zero means no location.
type Location struct {
	Line   uint32
	Column uint32
	Length uint32
}

// IsZero reports whether the location is absent.
func (l Location) IsZero() bool { return l.Line == 0 }

// DiagnosticRecord is one fixed-layout diagnostic as laid out by the engine.
// Message is owned by the enclosing ResultRecord and must not be freed
// on its own.
type DiagnosticRecord struct {
	Severity Severity
	Message  Buffer
	Location Location
}

// ResultRecord is the value returned by the compile call. It owns its
// diagnostics array and, transitively, the document.
type ResultRecord struct {
	Success        bool
	Diagnostics    uint64
	DiagnosticsLen uint64
	Document       DocumentHandle
}

// IsZero reports whether the record holds nothing to release.
func (r ResultRecord) IsZero() bool {
	return (r.Diagnostics == 0 || r.DiagnosticsLen == 0) && r.Document.IsZero()
}

// CreateOptions mirrors the engine's compiler options struct. All byte
// slices are borrowed for the duration of the create call only; a nil or
// empty slice means "engine default".
type CreateOptions struct {
	SystemFonts   bool
	InputsJSON    []byte
	FontPathsJSON []byte
	PackagePath   []byte
}
