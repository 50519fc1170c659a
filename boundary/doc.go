// Package boundary defines the fixed call table of the Typst compilation
// engine and the ownership rules for every value that crosses it.
//
// # Overview
//
// The engine is an external collaborator reached through a C-compatible
// interface. It hands out opaque handles (compiler and document) and
// engine-allocated byte buffers. Handles are capabilities: the host never
// dereferences them, it only passes them back to the engine. Buffers stay
// engine-owned until the host copies them out and releases them.
//
// Two backends implement [Engine]:
//
//   - [WasmEngine] drives the engine compiled to a wasm32 C ABI through
//     wazero. Guest linear memory plays the role of native memory.
//   - NativeEngine (build tag typst_native) links libtypst_net_core with cgo.
//
// The boundarytest subpackage provides an in-process engine that tracks
// every outstanding allocation, for leak and double-free testing.
//
// # Ownership
//
// Every [Buffer] and [BufferArray] returned by an engine call must be
// released exactly once, and only after its bytes have been copied into
// host memory. [TakeBuffer] and [TakeBufferArray] encode that ordering so
// call sites never release by hand:
//
//	svg, err := boundary.TakeBuffer(engine,
//	    func() (boundary.Buffer, error) { return engine.RenderSVGPage(doc, 0) },
//	    func(b []byte) (string, error) { return string(b), nil },
//	)
//
// Handle release goes through [Once], which invokes the engine's free call
// at most once even under concurrent disposal.
package boundary
