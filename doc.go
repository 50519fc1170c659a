// Package typstgo compiles Typst documents from Go through an embedded
// Typst engine.
//
// # Overview
//
// The engine runs as a WebAssembly module under wazero, or as a linked C
// library when built with -tags typst_native. Every allocation the engine
// hands back is owned by exactly one Go value and released exactly once,
// whether through Close or a cleanup when the owner is garbage collected.
//
// # Basic Usage
//
//	module, _ := boundary.LoadWasmModule("typst.wasm.zst")
//	engine, _ := boundary.NewWasmEngine(ctx, module, boundary.WithDiskCache())
//	defer engine.Close(ctx)
//
//	c, _ := compiler.New(engine, "./docs",
//	    compiler.WithInput("title", "Report"))
//	defer c.Close()
//
//	res, _ := c.Compile(`= #sys.inputs.title`)
//	defer res.Close()
//
//	if !res.Success {
//	    for _, d := range res.Diagnostics.Errors() {
//	        fmt.Println(d)
//	    }
//	    return
//	}
//	pages, _ := res.Document.RenderAllPages()
//	pdf, _ := res.Document.RenderPDF()
//
// # Packages
//
// See [compiler] for sessions, results and diagnostics, [boundary] for the
// engine interface and ownership helpers, and [wire] for the text and JSON
// encodings that cross the boundary. The typstgo command in cmd/typstgo
// wraps all of it as a CLI, HTTP server and REPL.
package typstgo
