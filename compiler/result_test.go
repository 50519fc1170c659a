package compiler

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/goodguyjay/typstgo/boundary"
	"github.com/goodguyjay/typstgo/boundary/boundarytest"
)

const threePages = "= One\n#pagebreak()\n= Two\n#pagebreak()\n= Three"

func TestRenderPageBounds(t *testing.T) {
	c, engine := newTestCompiler(t)
	res := mustCompile(t, c, threePages)
	doc := res.Document
	n := doc.PageCount()
	before := engine.Calls("render-svg-page")

	for _, idx := range []int{-1, n} {
		_, err := doc.RenderPage(idx)
		if !errors.Is(err, ErrIndexOutOfRange) {
			t.Errorf("page %d: expected ErrIndexOutOfRange, got %v", idx, err)
		}
		if !errors.Is(err, ErrPrecondition) {
			t.Errorf("page %d: out of range must be a precondition error", idx)
		}
	}
	if engine.Calls("render-svg-page") != before {
		t.Error("out of range index reached the engine")
	}

	svg, err := doc.RenderPage(n - 1)
	if err != nil {
		t.Fatalf("last page: %v", err)
	}
	if !strings.Contains(svg, `data-page="3"`) {
		t.Errorf("unexpected svg %q", svg)
	}
}

func TestRenderAfterResultClose(t *testing.T) {
	c, engine := newTestCompiler(t)
	res, err := c.Compile(threePages)
	if err != nil {
		t.Fatal(err)
	}
	doc := res.Document
	if err := res.Close(); err != nil {
		t.Fatal(err)
	}

	if _, err := doc.RenderPage(0); !errors.Is(err, ErrDisposed) {
		t.Errorf("RenderPage: expected ErrDisposed, got %v", err)
	}
	if _, err := doc.RenderAllPages(); !errors.Is(err, ErrDisposed) {
		t.Errorf("RenderAllPages: expected ErrDisposed, got %v", err)
	}
	if _, err := doc.RenderPDF(); !errors.Is(err, ErrDisposed) {
		t.Errorf("RenderPDF: expected ErrDisposed, got %v", err)
	}
	if doc.PageCount() != 3 {
		t.Error("page count must stay readable after close")
	}
	if v := engine.Violations(); len(v) > 0 {
		t.Errorf("protocol violations: %v", v)
	}
}

func TestResultCloseIdempotent(t *testing.T) {
	c, engine := newTestCompiler(t)
	res, err := c.Compile("#warn(\"w\")\n= Body")
	if err != nil {
		t.Fatal(err)
	}

	var g errgroup.Group
	for range 8 {
		g.Go(res.Close)
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
	if err := res.Close(); err != nil {
		t.Fatal(err)
	}
	if n := engine.Calls("free-result"); n != 1 {
		t.Errorf("expected one free, got %d", n)
	}
	c.Close()
	assertClean(t, engine)
}

func TestFailedResultClose(t *testing.T) {
	c, engine := newTestCompiler(t)
	res, err := c.Compile("(")
	if err != nil {
		t.Fatal(err)
	}
	if err := res.Close(); err != nil {
		t.Fatal(err)
	}
	c.Close()
	assertClean(t, engine)
}

func TestRenderConsistency(t *testing.T) {
	c, engine := newTestCompiler(t)
	res := mustCompile(t, c, threePages)
	doc := res.Document

	all, err := doc.RenderAllPages()
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != doc.PageCount() {
		t.Fatalf("expected %d pages, got %d", doc.PageCount(), len(all))
	}
	for i := range all {
		one, err := doc.RenderPage(i)
		if err != nil {
			t.Fatalf("page %d: %v", i, err)
		}
		if one != all[i] {
			t.Errorf("page %d differs:\n  single: %q\n  all:    %q", i, one, all[i])
		}
	}

	out := engine.Outstanding()
	if out.Buffers != 0 || out.BufferArrays != 0 {
		t.Errorf("render buffers not released: %+v", out)
	}
}

func TestRenderPDF(t *testing.T) {
	c, engine := newTestCompiler(t)
	res := mustCompile(t, c, threePages)

	pdf, err := res.Document.RenderPDF()
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.HasPrefix(pdf, []byte("%PDF-")) {
		t.Errorf("unexpected pdf header %q", pdf[:min(len(pdf), 8)])
	}
	if engine.Outstanding().Buffers != 0 {
		t.Error("pdf buffer not released")
	}

	// The copy must survive the native result.
	res.Close()
	if !bytes.HasSuffix(pdf, []byte("%%EOF\n")) {
		t.Error("pdf bytes changed after close")
	}
}

func TestEmptyRenderIsRenderError(t *testing.T) {
	c, engine := newTestCompiler(t)
	res := mustCompile(t, c, threePages)
	engine.SetFaults(boundarytest.Faults{EmptyRender: true})

	checks := map[string]func() error{
		"page": func() error { _, err := res.Document.RenderPage(0); return err },
		"all":  func() error { _, err := res.Document.RenderAllPages(); return err },
		"pdf":  func() error { _, err := res.Document.RenderPDF(); return err },
	}
	for name, fn := range checks {
		err := fn()
		var re *RenderError
		if !errors.As(err, &re) {
			t.Errorf("%s: expected *RenderError, got %v", name, err)
			continue
		}
		if !errors.Is(err, boundary.ErrEmptyBuffer) {
			t.Errorf("%s: expected ErrEmptyBuffer cause, got %v", name, err)
		}
		if errors.Is(err, ErrPrecondition) || errors.Is(err, ErrDisposed) {
			t.Errorf("%s: render errors must be distinguishable from precondition errors", name)
		}
	}
}

func TestEmptyPDFIsRenderError(t *testing.T) {
	c, engine := newTestCompiler(t)
	res := mustCompile(t, c, "= Hello")
	engine.SetFaults(boundarytest.Faults{EmptyPDF: true})

	var re *RenderError
	if _, err := res.Document.RenderPDF(); !errors.As(err, &re) {
		t.Fatalf("expected *RenderError, got %v", err)
	}
	if re.Page != -1 {
		t.Errorf("expected whole-document page marker, got %d", re.Page)
	}
}

func TestConcurrentRendersAndClose(t *testing.T) {
	c, engine := newTestCompiler(t)
	res, err := c.Compile(threePages)
	if err != nil {
		t.Fatal(err)
	}
	doc := res.Document

	var g errgroup.Group
	for i := range 16 {
		g.Go(func() error {
			_, err := doc.RenderPage(i % doc.PageCount())
			if err != nil && !errors.Is(err, ErrDisposed) {
				return err
			}
			return nil
		})
	}
	g.Go(res.Close)
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
	c.Close()
	assertClean(t, engine)
}

func TestWarningsAndUnlocatedErrors(t *testing.T) {
	c, _ := newTestCompiler(t)

	warn := mustCompile(t, c, "= Title\n  #warn(\"deprecated\")")
	if !warn.Success {
		t.Fatal("warnings must not fail the compile")
	}
	w := warn.Diagnostics.Warnings()
	if len(w) != 1 || w[0].Location == nil {
		t.Fatalf("expected one located warning, got %v", warn.Diagnostics)
	}
	if w[0].Location.Line != 2 || w[0].Location.Column != 3 {
		t.Errorf("expected 2:3, got %d:%d", w[0].Location.Line, w[0].Location.Column)
	}

	fail := mustCompile(t, c, "#fail(\"no location\")")
	if fail.Success {
		t.Fatal("expected failure")
	}
	if len(fail.Diagnostics) != 1 || fail.Diagnostics[0].Location != nil {
		t.Errorf("expected one unlocated error, got %v", fail.Diagnostics)
	}
}

func TestWritePages(t *testing.T) {
	c, _ := newTestCompiler(t)
	res := mustCompile(t, c, threePages)
	dir := filepath.Join(t.TempDir(), "out")

	paths, err := res.Document.WritePages(dir, "doc")
	if err != nil {
		t.Fatal(err)
	}
	if len(paths) != 3 {
		t.Fatalf("expected 3 files, got %v", paths)
	}
	data, err := os.ReadFile(filepath.Join(dir, "doc-2.svg"))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "= Two") {
		t.Errorf("unexpected page 2 content %q", data)
	}
}

func waitForReclaim(t *testing.T, engine *boundarytest.Engine, what string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for engine.Outstanding().Total() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("leaked %s was never reclaimed: %+v", what, engine.Outstanding())
		}
		runtime.GC()
		time.Sleep(10 * time.Millisecond)
	}
}

func TestCleanupReclaimsLeakedResult(t *testing.T) {
	engine := boundarytest.New()
	c, err := New(engine, t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	func() {
		if _, err := c.Compile("= Leak\n#warn(\"kept\")"); err != nil {
			t.Fatal(err)
		}
	}()
	if err := c.Close(); err != nil {
		t.Fatal(err)
	}

	waitForReclaim(t, engine, "result")
	if n := engine.Calls("free-result"); n != 1 {
		t.Errorf("expected one free-result, got %d", n)
	}
	if v := engine.Violations(); len(v) > 0 {
		t.Errorf("protocol violations: %v", v)
	}
}

func TestDocumentKeepsResultAlive(t *testing.T) {
	engine := boundarytest.New()
	c, err := New(engine, t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	doc := func() *Document {
		res, err := c.Compile(threePages)
		if err != nil || !res.Success {
			t.Fatalf("compile: %v", err)
		}
		return res.Document
	}()

	for range 5 {
		runtime.GC()
		time.Sleep(5 * time.Millisecond)
	}
	if engine.Calls("free-result") != 0 {
		t.Fatal("result reclaimed while its document was reachable")
	}
	if _, err := doc.RenderPage(2); err != nil {
		t.Fatalf("render through a document whose result went out of scope: %v", err)
	}
	runtime.KeepAlive(doc)

	doc = nil
	c.Close()
	waitForReclaim(t, engine, "document")
	if n := engine.Calls("free-result"); n != 1 {
		t.Errorf("expected one free-result, got %d", n)
	}
}
