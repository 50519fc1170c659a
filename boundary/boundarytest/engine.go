// Package boundarytest provides an in-process boundary.Engine for tests.
//
// The engine compiles a tiny stand-in markup (pages separated by
// "#pagebreak()", delimiters must balance, "#warn(\"...\")" emits a warning,
// "#fail(\"...\")" emits an error without a location) and keeps a ledger of
// every handle and buffer it has handed out. Tests assert on Outstanding
// for leaks and on Violations for double frees, use-after-free and
// concurrent use of one compiler handle. Misuse is recorded, never crashes.
package boundarytest

import (
	"context"
	"errors"
	"fmt"
	"html"
	"os"
	"strings"
	"sync"
	"unicode/utf8"

	json "github.com/goccy/go-json"

	"github.com/goodguyjay/typstgo/boundary"
)

// ErrUnknownHandle is returned for handles or buffers the engine does not
// currently own.
var ErrUnknownHandle = errors.New("boundarytest: unknown or freed handle")

// Version is the string reported by Engine.Version.
const Version = "0.0.0-boundarytest"

// Faults injects engine-side failures.
type Faults struct {
	// NullCompiler makes CreateCompiler return a zero handle.
	NullCompiler bool
	// CreateErr is returned by CreateCompiler. With LeakOnCreateErr the
	// handle is allocated and returned alongside the error.
	CreateErr       error
	LeakOnCreateErr bool
	// CompileErr is returned by Compile before anything is allocated.
	CompileErr error
	// EmptyRender makes every render call return an empty buffer or array.
	EmptyRender bool
	// EmptyPDF makes only RenderPDF return an empty buffer.
	EmptyPDF bool
}

// Outstanding counts live engine allocations.
type Outstanding struct {
	Compilers    int
	Results      int
	Documents    int
	Buffers      int
	BufferArrays int
}

// Total sums every live allocation.
func (o Outstanding) Total() int {
	return o.Compilers + o.Results + o.Documents + o.Buffers + o.BufferArrays
}

type fakeCompiler struct {
	root     string
	inputs   map[string]string
	inflight int
}

type fakeDocument struct {
	pages []string
}

type fakeResult struct {
	messages []uint64
}

// Engine is a leak-tracking boundary.Engine. The zero value is not usable;
// call New.
type Engine struct {
	mu         sync.Mutex
	next       uint64
	faults     Faults
	compilers  map[uint64]*fakeCompiler
	documents  map[uint64]*fakeDocument
	results    map[uint64]*fakeResult
	records    map[uint64][]boundary.DiagnosticRecord
	buffers    map[uint64][]byte
	owned      map[uint64]bool
	arrays     map[uint64][]boundary.Buffer
	calls      map[string]int
	violations []string
	peak       int
	closed     bool
}

// New returns an empty engine.
func New() *Engine {
	return &Engine{
		next:      0x1000,
		compilers: make(map[uint64]*fakeCompiler),
		documents: make(map[uint64]*fakeDocument),
		results:   make(map[uint64]*fakeResult),
		records:   make(map[uint64][]boundary.DiagnosticRecord),
		buffers:   make(map[uint64][]byte),
		owned:     make(map[uint64]bool),
		arrays:    make(map[uint64][]boundary.Buffer),
		calls:     make(map[string]int),
	}
}

// SetFaults replaces the injected faults.
func (e *Engine) SetFaults(f Faults) {
	e.mu.Lock()
	e.faults = f
	e.mu.Unlock()
}

// Outstanding reports live allocations.
func (e *Engine) Outstanding() Outstanding {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.outstandingLocked()
}

func (e *Engine) outstandingLocked() Outstanding {
	return Outstanding{
		Compilers:    len(e.compilers),
		Results:      len(e.results),
		Documents:    len(e.documents),
		Buffers:      len(e.buffers),
		BufferArrays: len(e.arrays),
	}
}

// Peak reports the highest Outstanding().Total() observed.
func (e *Engine) Peak() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.peak
}

// Violations returns every recorded protocol violation.
func (e *Engine) Violations() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.violations...)
}

// Calls reports how many times the named boundary call ran, e.g. "create".
func (e *Engine) Calls(name string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls[name]
}

// TotalCalls reports the number of boundary calls of any kind.
func (e *Engine) TotalCalls() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, c := range e.calls {
		n += c
	}
	return n
}

func (e *Engine) violate(format string, args ...any) {
	e.violations = append(e.violations, fmt.Sprintf(format, args...))
}

func (e *Engine) enter(call string) error {
	e.calls[call]++
	if e.closed {
		e.violate("%s after engine close", call)
		return boundary.ErrEngineClosed
	}
	return nil
}

// release counts a release call. Releases stay valid after Close.
func (e *Engine) release(call string) {
	e.calls[call]++
}

func (e *Engine) addr(size int) uint64 {
	a := e.next
	e.next += uint64(size+15)&^15 + 16
	return a
}

func (e *Engine) trackPeak() {
	if t := e.outstandingLocked().Total(); t > e.peak {
		e.peak = t
	}
}

func (e *Engine) allocBuffer(data []byte, owned bool) boundary.Buffer {
	if len(data) == 0 {
		return boundary.Buffer{}
	}
	a := e.addr(len(data))
	e.buffers[a] = append([]byte(nil), data...)
	if owned {
		e.owned[a] = true
	}
	e.trackPeak()
	return boundary.Buffer{Ptr: a, Len: uint64(len(data))}
}

func (e *Engine) CreateCompiler(root []byte, opts boundary.CreateOptions) (boundary.CompilerHandle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.enter("create"); err != nil {
		return 0, err
	}
	if e.faults.NullCompiler {
		return 0, nil
	}
	if e.faults.CreateErr != nil && !e.faults.LeakOnCreateErr {
		return 0, e.faults.CreateErr
	}

	if len(root) == 0 || !utf8.Valid(root) {
		return 0, nil
	}
	if fi, err := os.Stat(string(root)); err != nil || !fi.IsDir() {
		return 0, nil
	}
	c := &fakeCompiler{root: string(root)}
	if len(opts.InputsJSON) > 0 {
		if err := json.Unmarshal(opts.InputsJSON, &c.inputs); err != nil {
			return 0, nil
		}
	}
	if len(opts.FontPathsJSON) > 0 {
		var paths []string
		if err := json.Unmarshal(opts.FontPathsJSON, &paths); err != nil {
			return 0, nil
		}
	}

	a := e.addr(64)
	e.compilers[a] = c
	e.trackPeak()
	return boundary.CompilerHandle(a), e.faults.CreateErr
}

func (e *Engine) FreeCompiler(h boundary.CompilerHandle) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.release("free-compiler")
	if h.IsZero() {
		e.violate("free-compiler called with zero handle")
		return nil
	}
	c, ok := e.compilers[uint64(h)]
	if !ok {
		e.violate("double free of %s", h)
		return ErrUnknownHandle
	}
	if c.inflight > 0 {
		e.violate("free of %s while a call is in flight", h)
	}
	delete(e.compilers, uint64(h))
	return nil
}

func (e *Engine) Compile(h boundary.CompilerHandle, source []byte) (boundary.ResultRecord, error) {
	e.mu.Lock()
	if err := e.enter("compile"); err != nil {
		e.mu.Unlock()
		return boundary.ResultRecord{}, err
	}
	c, ok := e.compilers[uint64(h)]
	if !ok {
		e.violate("compile on unknown %s", h)
		e.mu.Unlock()
		return boundary.ResultRecord{}, ErrUnknownHandle
	}
	if e.faults.CompileErr != nil {
		e.mu.Unlock()
		return boundary.ResultRecord{}, e.faults.CompileErr
	}
	c.inflight++
	if c.inflight > 1 {
		e.violate("concurrent use of %s", h)
	}
	e.mu.Unlock()

	out := compileSource(source, c.inputs)

	e.mu.Lock()
	defer e.mu.Unlock()
	c.inflight--

	var rec boundary.ResultRecord
	if len(out.diags) > 0 {
		records := make([]boundary.DiagnosticRecord, 0, len(out.diags))
		res := &fakeResult{}
		for _, d := range out.diags {
			msg := e.allocBuffer([]byte(d.message), true)
			if !msg.IsEmpty() {
				res.messages = append(res.messages, msg.Ptr)
			}
			records = append(records, boundary.DiagnosticRecord{Severity: d.severity, Message: msg, Location: d.loc})
		}
		a := e.addr(len(records) * 24)
		e.records[a] = records
		e.results[a] = res
		rec.Diagnostics = a
		rec.DiagnosticsLen = uint64(len(records))
	}
	rec.Success = out.success
	if out.success {
		a := e.addr(128)
		e.documents[a] = &fakeDocument{pages: out.pages}
		rec.Document = boundary.DocumentHandle(a)
	}
	e.trackPeak()
	return rec, nil
}

func (e *Engine) FreeResult(r boundary.ResultRecord) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.release("free-result")
	var err error
	if r.Diagnostics != 0 && r.DiagnosticsLen != 0 {
		res, ok := e.results[r.Diagnostics]
		if !ok {
			e.violate("double free of result diagnostics %#x", r.Diagnostics)
			err = ErrUnknownHandle
		} else {
			for _, m := range res.messages {
				delete(e.buffers, m)
				delete(e.owned, m)
			}
			delete(e.results, r.Diagnostics)
			delete(e.records, r.Diagnostics)
		}
	}
	if !r.Document.IsZero() {
		if _, ok := e.documents[uint64(r.Document)]; !ok {
			e.violate("double free of %s", r.Document)
			err = ErrUnknownHandle
		}
		delete(e.documents, uint64(r.Document))
	}
	return err
}

func (e *Engine) Diagnostics(r boundary.ResultRecord) ([]boundary.DiagnosticRecord, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.enter("diagnostics"); err != nil {
		return nil, err
	}
	if r.Diagnostics == 0 || r.DiagnosticsLen == 0 {
		return nil, nil
	}
	recs, ok := e.records[r.Diagnostics]
	if !ok {
		e.violate("read of freed diagnostics %#x", r.Diagnostics)
		return nil, ErrUnknownHandle
	}
	return append([]boundary.DiagnosticRecord(nil), recs...), nil
}

func (e *Engine) document(call string, d boundary.DocumentHandle) (*fakeDocument, error) {
	if err := e.enter(call); err != nil {
		return nil, err
	}
	doc, ok := e.documents[uint64(d)]
	if !ok {
		e.violate("%s on unknown %s", call, d)
		return nil, ErrUnknownHandle
	}
	return doc, nil
}

func (e *Engine) PageCount(d boundary.DocumentHandle) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	doc, err := e.document("page-count", d)
	if err != nil {
		return 0, err
	}
	return len(doc.pages), nil
}

func (e *Engine) RenderSVGPage(d boundary.DocumentHandle, index int) (boundary.Buffer, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	doc, err := e.document("render-svg-page", d)
	if err != nil {
		return boundary.Buffer{}, err
	}
	if e.faults.EmptyRender || index < 0 || index >= len(doc.pages) {
		return boundary.Buffer{}, nil
	}
	return e.allocBuffer([]byte(renderSVG(index, doc.pages[index])), false), nil
}

func (e *Engine) RenderSVGAll(d boundary.DocumentHandle) (boundary.BufferArray, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	doc, err := e.document("render-svg-all", d)
	if err != nil {
		return boundary.BufferArray{}, err
	}
	if e.faults.EmptyRender {
		return boundary.BufferArray{}, nil
	}
	elems := make([]boundary.Buffer, len(doc.pages))
	for i, p := range doc.pages {
		elems[i] = e.allocBuffer([]byte(renderSVG(i, p)), true)
	}
	a := e.addr(len(elems) * 16)
	e.arrays[a] = elems
	e.trackPeak()
	return boundary.BufferArray{Ptr: a, Len: uint64(len(elems))}, nil
}

func (e *Engine) RenderPDF(d boundary.DocumentHandle) (boundary.Buffer, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	doc, err := e.document("render-pdf", d)
	if err != nil {
		return boundary.Buffer{}, err
	}
	if e.faults.EmptyRender || e.faults.EmptyPDF {
		return boundary.Buffer{}, nil
	}
	return e.allocBuffer(renderPDF(doc.pages), false), nil
}

func (e *Engine) ReadBuffer(b boundary.Buffer) ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.enter("read-buffer"); err != nil {
		return nil, err
	}
	if b.IsEmpty() {
		return nil, nil
	}
	data, ok := e.buffers[b.Ptr]
	if !ok {
		e.violate("read of freed buffer %#x", b.Ptr)
		return nil, ErrUnknownHandle
	}
	if uint64(len(data)) != b.Len {
		e.violate("buffer %#x read with length %d, allocated %d", b.Ptr, b.Len, len(data))
		return nil, ErrUnknownHandle
	}
	return append([]byte(nil), data...), nil
}

func (e *Engine) Buffers(a boundary.BufferArray) ([]boundary.Buffer, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.enter("read-buffer-array"); err != nil {
		return nil, err
	}
	if a.IsEmpty() {
		return nil, nil
	}
	elems, ok := e.arrays[a.Ptr]
	if !ok {
		e.violate("read of freed buffer array %#x", a.Ptr)
		return nil, ErrUnknownHandle
	}
	return append([]boundary.Buffer(nil), elems...), nil
}

func (e *Engine) FreeBuffer(b boundary.Buffer) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.release("free-buffer")
	if b.IsEmpty() {
		return nil
	}
	if e.owned[b.Ptr] {
		e.violate("free of owned buffer %#x", b.Ptr)
		return ErrUnknownHandle
	}
	if _, ok := e.buffers[b.Ptr]; !ok {
		e.violate("double free of buffer %#x", b.Ptr)
		return ErrUnknownHandle
	}
	delete(e.buffers, b.Ptr)
	return nil
}

func (e *Engine) FreeBufferArray(a boundary.BufferArray) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.release("free-buffer-array")
	if a.IsEmpty() {
		return nil
	}
	elems, ok := e.arrays[a.Ptr]
	if !ok {
		e.violate("double free of buffer array %#x", a.Ptr)
		return ErrUnknownHandle
	}
	for _, b := range elems {
		delete(e.buffers, b.Ptr)
		delete(e.owned, b.Ptr)
	}
	delete(e.arrays, a.Ptr)
	return nil
}

func (e *Engine) ResetCache(uint64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.enter("reset-cache")
}

func (e *Engine) Version() (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.enter("version"); err != nil {
		return "", err
	}
	return Version, nil
}

// Close marks the engine closed. Later use calls fail and are recorded as
// violations; release calls still free what they name.
func (e *Engine) Close(context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	return nil
}

func renderSVG(index int, content string) string {
	var b strings.Builder
	fmt.Fprintf(&b, `<svg xmlns="http://www.w3.org/2000/svg" class="typst-doc" data-page="%d" width="595.28pt" height="841.89pt">`, index+1)
	b.WriteString(`<text x="72" y="72">`)
	b.WriteString(html.EscapeString(strings.TrimSpace(content)))
	b.WriteString(`</text></svg>`)
	return b.String()
}

func renderPDF(pages []string) []byte {
	var b strings.Builder
	b.WriteString("%PDF-1.7\n")
	for i, p := range pages {
		fmt.Fprintf(&b, "%% page %d: %d bytes\n", i+1, len(strings.TrimSpace(p)))
	}
	b.WriteString("%%EOF\n")
	return []byte(b.String())
}

var _ boundary.Engine = (*Engine)(nil)
