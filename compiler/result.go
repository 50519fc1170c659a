package compiler

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"go.uber.org/zap"

	"github.com/goodguyjay/typstgo/boundary"
	"github.com/goodguyjay/typstgo/wire"
)

var errNoDocument = errors.New("engine reported success without a document")

// Result is the outcome of one Compile. It owns native memory until Close.
type Result struct {
	Success     bool
	Diagnostics Diagnostics
	// Document is nil unless Success is true.
	Document *Document

	engine  boundary.Engine
	life    *lifecycle
	release func() error
	cleanup runtime.Cleanup
}

// newResult takes ownership of rec. On error rec has been freed.
func newResult(e boundary.Engine, rec boundary.ResultRecord, logger *zap.Logger) (_ *Result, err error) {
	release := func() error {
		if err := e.FreeResult(rec); err != nil {
			return fmt.Errorf("free result: %w", err)
		}
		return nil
	}
	defer func() {
		if err != nil {
			err = errors.Join(err, release())
		}
	}()

	diags, err := translate(e, rec)
	if err != nil {
		return nil, err
	}

	r := &Result{
		Success:     rec.Success,
		Diagnostics: diags,
		engine:      e,
		life:        &lifecycle{},
		release:     release,
	}
	if rec.Success {
		if rec.Document.IsZero() {
			return nil, &RenderError{Op: "compile", Page: -1, Err: errNoDocument}
		}
		n, err := e.PageCount(rec.Document)
		if err != nil {
			return nil, fmt.Errorf("page count: %w", err)
		}
		r.Document = &Document{result: r, handle: rec.Document, pages: n}
	}
	r.cleanup = runtime.AddCleanup(r, reclaim(release, logger), r.life)
	return r, nil
}

// Err returns nil for a successful compile and a *CompilationError
// carrying the diagnostics otherwise.
func (r *Result) Err() error {
	if r.Success {
		return nil
	}
	return &CompilationError{Diagnostics: r.Diagnostics}
}

// Close invalidates the Document and frees the native result, which also
// frees the document. It waits for in-flight renders and is safe to call
// more than once.
func (r *Result) Close() error {
	return r.life.close(func() error {
		r.cleanup.Stop()
		return r.release()
	})
}

// Document is a successfully compiled document. It is valid until its
// Result is closed; afterwards every render fails with ErrDisposed.
type Document struct {
	result *Result
	handle boundary.DocumentHandle
	pages  int
}

// PageCount returns the number of pages. It is fixed at compile time and
// never reaches the engine, so unlike the render methods it stays readable
// after the Result is closed.
func (d *Document) PageCount() int { return d.pages }

// RenderPage renders one page as SVG.
func (d *Document) RenderPage(index int) (string, error) {
	if err := d.result.life.enter(ErrDisposed); err != nil {
		return "", err
	}
	defer d.result.life.leave()

	if index < 0 || index >= d.pages {
		return "", fmt.Errorf("%w: page %d of %d", ErrIndexOutOfRange, index, d.pages)
	}

	e := d.result.engine
	svg, err := boundary.TakeBuffer(e,
		func() (boundary.Buffer, error) { return e.RenderSVGPage(d.handle, index) },
		decodeText,
	)
	if err != nil {
		return "", &RenderError{Op: "render", Page: index, Err: err}
	}
	return svg, nil
}

// RenderAllPages renders every page as SVG in page order. The output is
// identical to calling RenderPage for each index.
func (d *Document) RenderAllPages() ([]string, error) {
	if err := d.result.life.enter(ErrDisposed); err != nil {
		return nil, err
	}
	defer d.result.life.leave()

	e := d.result.engine
	pages, err := boundary.TakeBufferArray(e,
		func() (boundary.BufferArray, error) { return e.RenderSVGAll(d.handle) },
		func(bufs [][]byte) ([]string, error) {
			out := make([]string, len(bufs))
			for i, b := range bufs {
				if len(b) == 0 {
					return nil, fmt.Errorf("page %d: %w", i, boundary.ErrEmptyBuffer)
				}
				out[i] = wire.DecodeText(b)
			}
			return out, nil
		},
	)
	if err != nil {
		return nil, &RenderError{Op: "render all", Page: -1, Err: err}
	}
	if len(pages) != d.pages {
		return nil, &RenderError{Op: "render all", Page: -1,
			Err: fmt.Errorf("engine returned %d pages, document has %d", len(pages), d.pages)}
	}
	return pages, nil
}

// RenderPDF exports the whole document. The bytes are returned as the
// engine produced them, copied into Go memory.
func (d *Document) RenderPDF() ([]byte, error) {
	if err := d.result.life.enter(ErrDisposed); err != nil {
		return nil, err
	}
	defer d.result.life.leave()

	e := d.result.engine
	pdf, err := boundary.TakeBuffer(e,
		func() (boundary.Buffer, error) { return e.RenderPDF(d.handle) },
		func(b []byte) ([]byte, error) { return b, nil },
	)
	if err != nil {
		return nil, &RenderError{Op: "export pdf", Page: -1, Err: err}
	}
	return pdf, nil
}

// WritePages renders every page and writes it to dir as
// prefix-N.svg, N starting at 1. It returns the written paths.
func (d *Document) WritePages(dir, prefix string) ([]string, error) {
	pages, err := d.RenderAllPages()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create output directory: %w", err)
	}
	paths := make([]string, 0, len(pages))
	for i, svg := range pages {
		p := filepath.Join(dir, fmt.Sprintf("%s-%d.svg", prefix, i+1))
		if err := os.WriteFile(p, []byte(svg), 0o644); err != nil {
			return paths, fmt.Errorf("write page %d: %w", i+1, err)
		}
		paths = append(paths, p)
	}
	return paths, nil
}

func decodeText(b []byte) (string, error) {
	return wire.DecodeText(b), nil
}
