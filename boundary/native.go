//go:build typst_native && cgo

package boundary

/*
#cgo LDFLAGS: -ltypst_net_core
#cgo linux LDFLAGS: -lpthread -ldl -lm
#cgo darwin LDFLAGS: -framework CoreFoundation -framework Security

#include <stdint.h>
#include <stddef.h>
#include <stdbool.h>

typedef struct { uint8_t *data; size_t len; } TnBuffer;
typedef struct { TnBuffer *buffers; size_t len; } TnBufferArray;
typedef struct { uint32_t line; uint32_t column; uint32_t length; } TnLocation;
typedef struct {
	uint8_t severity;
	uint8_t *message;
	size_t message_len;
	TnLocation location;
} TnDiagnostic;
typedef struct {
	bool success;
	TnDiagnostic *diagnostics;
	size_t diagnostics_len;
	void *document;
} TnCompileResult;
typedef struct {
	bool include_system_fonts;
	const uint8_t *inputs_json;
	size_t inputs_json_len;
	const uint8_t *custom_font_paths;
	size_t custom_font_paths_len;
	const uint8_t *package_path;
	size_t package_path_len;
} TnCompilerOptions;

const uint8_t *typst_net_version(void);
size_t typst_net_version_len(void);
void *typst_net_compiler_create(const uint8_t *root, size_t root_len, const TnCompilerOptions *options);
void typst_net_compiler_free(void *compiler);
TnCompileResult typst_net_compiler_compile(void *compiler, const uint8_t *source, size_t source_len);
void typst_net_result_free(TnCompileResult result);
size_t typst_net_document_page_count(const void *document);
TnBuffer typst_net_document_render_svg_page(const void *document, size_t page_index);
TnBufferArray typst_net_document_render_svg_all(const void *document);
TnBuffer typst_net_document_render_pdf(const void *document);
void typst_net_buffer_free(TnBuffer buffer);
void typst_net_buffer_array_free(TnBufferArray array);
void typst_net_reset_cache(size_t max_age_seconds);
*/
import "C"

import (
	"context"
	"fmt"
	"runtime"
	"sync/atomic"
	"unsafe"

	"fortio.org/safecast"
)

// NativeEngine is an Engine linked against libtypst_net_core. Handles are
// engine pointers carried as integers; they are never dereferenced here.
//
// NativeEngine adds no locking: calls on distinct compiler handles may run
// concurrently, calls on one handle must be serialized by the caller.
type NativeEngine struct {
	closed atomic.Bool
}

// NewNativeEngine returns the engine bound to the linked library.
func NewNativeEngine() *NativeEngine {
	return &NativeEngine{}
}

func (e *NativeEngine) CreateCompiler(root []byte, opts CreateOptions) (CompilerHandle, error) {
	if e.closed.Load() {
		return 0, ErrEngineClosed
	}

	// The options struct lives in Go memory and points at Go memory, so
	// every referenced slice is pinned for the duration of the call.
	var pinner runtime.Pinner
	defer pinner.Unpin()

	copts := C.TnCompilerOptions{include_system_fonts: C.bool(opts.SystemFonts)}
	copts.inputs_json, copts.inputs_json_len = pinBytes(&pinner, opts.InputsJSON)
	copts.custom_font_paths, copts.custom_font_paths_len = pinBytes(&pinner, opts.FontPathsJSON)
	copts.package_path, copts.package_path_len = pinBytes(&pinner, opts.PackagePath)
	rootPtr, rootLen := pinBytes(&pinner, root)

	h := C.typst_net_compiler_create(rootPtr, rootLen, &copts)
	return CompilerHandle(uintptr(h)), nil
}

func (e *NativeEngine) FreeCompiler(h CompilerHandle) error {
	if h.IsZero() {
		return nil
	}
	C.typst_net_compiler_free(cptr(uint64(h)))
	return nil
}

func (e *NativeEngine) Compile(h CompilerHandle, source []byte) (ResultRecord, error) {
	if e.closed.Load() {
		return ResultRecord{}, ErrEngineClosed
	}
	if h.IsZero() {
		return ResultRecord{}, ErrZeroHandle
	}
	var pinner runtime.Pinner
	defer pinner.Unpin()
	src, n := pinBytes(&pinner, source)

	r := C.typst_net_compiler_compile(cptr(uint64(h)), src, n)
	return ResultRecord{
		Success:        bool(r.success),
		Diagnostics:    uint64(uintptr(unsafe.Pointer(r.diagnostics))),
		DiagnosticsLen: uint64(r.diagnostics_len),
		Document:       DocumentHandle(uintptr(r.document)),
	}, nil
}

func (e *NativeEngine) FreeResult(r ResultRecord) error {
	if r.IsZero() {
		return nil
	}
	C.typst_net_result_free(C.TnCompileResult{
		success:         C.bool(r.Success),
		diagnostics:     (*C.TnDiagnostic)(cptr(r.Diagnostics)),
		diagnostics_len: C.size_t(r.DiagnosticsLen),
		document:        cptr(uint64(r.Document)),
	})
	return nil
}

func (e *NativeEngine) Diagnostics(r ResultRecord) ([]DiagnosticRecord, error) {
	if e.closed.Load() {
		return nil, ErrEngineClosed
	}
	if r.Diagnostics == 0 || r.DiagnosticsLen == 0 {
		return nil, nil
	}
	n, err := safecast.Conv[int](r.DiagnosticsLen)
	if err != nil {
		return nil, fmt.Errorf("diagnostic count: %w", err)
	}
	raw := unsafe.Slice((*C.TnDiagnostic)(cptr(r.Diagnostics)), n)
	out := make([]DiagnosticRecord, 0, n)
	for _, d := range raw {
		out = append(out, DiagnosticRecord{
			Severity: SeverityFromWire(uint8(d.severity)),
			Message:  Buffer{Ptr: uint64(uintptr(unsafe.Pointer(d.message))), Len: uint64(d.message_len)},
			Location: Location{
				Line:   uint32(d.location.line),
				Column: uint32(d.location.column),
				Length: uint32(d.location.length),
			},
		})
	}
	return out, nil
}

func (e *NativeEngine) PageCount(d DocumentHandle) (int, error) {
	if e.closed.Load() {
		return 0, ErrEngineClosed
	}
	if d.IsZero() {
		return 0, ErrZeroHandle
	}
	return safecast.Conv[int](uint64(C.typst_net_document_page_count(cptr(uint64(d)))))
}

func (e *NativeEngine) RenderSVGPage(d DocumentHandle, index int) (Buffer, error) {
	if e.closed.Load() {
		return Buffer{}, ErrEngineClosed
	}
	if d.IsZero() {
		return Buffer{}, ErrZeroHandle
	}
	idx, err := safecast.Conv[uint64](index)
	if err != nil {
		return Buffer{}, fmt.Errorf("page index: %w", err)
	}
	return fromCBuffer(C.typst_net_document_render_svg_page(cptr(uint64(d)), C.size_t(idx))), nil
}

func (e *NativeEngine) RenderSVGAll(d DocumentHandle) (BufferArray, error) {
	if e.closed.Load() {
		return BufferArray{}, ErrEngineClosed
	}
	if d.IsZero() {
		return BufferArray{}, ErrZeroHandle
	}
	a := C.typst_net_document_render_svg_all(cptr(uint64(d)))
	return BufferArray{Ptr: uint64(uintptr(unsafe.Pointer(a.buffers))), Len: uint64(a.len)}, nil
}

func (e *NativeEngine) RenderPDF(d DocumentHandle) (Buffer, error) {
	if e.closed.Load() {
		return Buffer{}, ErrEngineClosed
	}
	if d.IsZero() {
		return Buffer{}, ErrZeroHandle
	}
	return fromCBuffer(C.typst_net_document_render_pdf(cptr(uint64(d)))), nil
}

func (e *NativeEngine) ReadBuffer(b Buffer) ([]byte, error) {
	if e.closed.Load() {
		return nil, ErrEngineClosed
	}
	if b.IsEmpty() {
		return nil, nil
	}
	n, err := safecast.Conv[int32](b.Len)
	if err != nil {
		return nil, fmt.Errorf("buffer length: %w", err)
	}
	return C.GoBytes(cptr(b.Ptr), C.int(n)), nil
}

func (e *NativeEngine) Buffers(a BufferArray) ([]Buffer, error) {
	if e.closed.Load() {
		return nil, ErrEngineClosed
	}
	if a.IsEmpty() {
		return nil, nil
	}
	n, err := safecast.Conv[int](a.Len)
	if err != nil {
		return nil, fmt.Errorf("buffer array length: %w", err)
	}
	raw := unsafe.Slice((*C.TnBuffer)(cptr(a.Ptr)), n)
	out := make([]Buffer, 0, n)
	for _, b := range raw {
		out = append(out, fromCBuffer(b))
	}
	return out, nil
}

func (e *NativeEngine) FreeBuffer(b Buffer) error {
	if b.IsEmpty() {
		return nil
	}
	C.typst_net_buffer_free(C.TnBuffer{data: (*C.uint8_t)(cptr(b.Ptr)), len: C.size_t(b.Len)})
	return nil
}

func (e *NativeEngine) FreeBufferArray(a BufferArray) error {
	if a.IsEmpty() {
		return nil
	}
	C.typst_net_buffer_array_free(C.TnBufferArray{buffers: (*C.TnBuffer)(cptr(a.Ptr)), len: C.size_t(a.Len)})
	return nil
}

func (e *NativeEngine) ResetCache(maxAgeSeconds uint64) error {
	if e.closed.Load() {
		return ErrEngineClosed
	}
	C.typst_net_reset_cache(C.size_t(maxAgeSeconds))
	return nil
}

func (e *NativeEngine) Version() (string, error) {
	if e.closed.Load() {
		return "", ErrEngineClosed
	}
	n, err := safecast.Conv[int32](uint64(C.typst_net_version_len()))
	if err != nil {
		return "", err
	}
	return string(C.GoBytes(unsafe.Pointer(C.typst_net_version()), C.int(n))), nil
}

// Close refuses further use calls. The shared library stays loaded, so
// release calls keep freeing engine memory after Close.
func (e *NativeEngine) Close(context.Context) error {
	e.closed.Store(true)
	return nil
}

func pinBytes(p *runtime.Pinner, b []byte) (*C.uint8_t, C.size_t) {
	if len(b) == 0 {
		return nil, 0
	}
	p.Pin(&b[0])
	return (*C.uint8_t)(unsafe.Pointer(&b[0])), C.size_t(len(b))
}

func fromCBuffer(b C.TnBuffer) Buffer {
	return Buffer{Ptr: uint64(uintptr(unsafe.Pointer(b.data))), Len: uint64(b.len)}
}

// cptr turns an engine address back into a pointer for passing to C.
// The address always refers to engine-allocated memory.
func cptr(addr uint64) unsafe.Pointer {
	return unsafe.Pointer(uintptr(addr))
}

var _ Engine = (*NativeEngine)(nil)
