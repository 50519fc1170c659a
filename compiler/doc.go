// Package compiler is the host-facing API for compiling Typst documents
// through a boundary.Engine.
//
// # Basic Usage
//
//	engine, err := boundary.NewWasmEngine(ctx, module)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer engine.Close(ctx)
//
//	c, err := compiler.New(engine, "./docs")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer c.Close()
//
//	res, err := c.Compile("= Hello")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer res.Close()
//
//	if err := res.Err(); err != nil {
//	    log.Fatal(err) // *compiler.CompilationError
//	}
//	svg, err := res.Document.RenderPage(0)
//
// # Ownership
//
// A Compiler and a Result each own native memory and must be closed.
// Close is idempotent and safe to call concurrently. A Document borrows
// from its Result: once the Result is closed every Document call fails
// with ErrDisposed. Compilers and Results that become unreachable without
// being closed are reclaimed by a runtime cleanup, which logs a warning;
// do not rely on it.
//
// # Concurrency
//
// Separate Compilers may be used from separate goroutines. A single
// Compiler serves one Compile at a time; an overlapping call returns
// ErrSessionBusy. Renders on a Document may run concurrently.
//
// # Errors
//
// Errors detected before the engine is called wrap ErrPrecondition.
// Engine refusals are *InitializationError or *RenderError. A compile that
// fails on the document's own errors is returned as a Result with
// Success false, not as an error.
package compiler
