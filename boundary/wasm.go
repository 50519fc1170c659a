package boundary

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"strings"
	"sync"

	"fortio.org/safecast"
	"github.com/klauspost/compress/zstd"
	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"
)

// Engine exports. Structs returned by value use the wasm32 C ABI: the
// caller passes a return slot pointer as the first parameter. Structs
// passed by value are passed as a pointer to a caller-owned copy.
const (
	exportAlloc           = "typst_net_alloc"
	exportDealloc         = "typst_net_dealloc"
	exportVersion         = "typst_net_version"
	exportVersionLen      = "typst_net_version_len"
	exportCompilerCreate  = "typst_net_compiler_create"
	exportCompilerFree    = "typst_net_compiler_free"
	exportCompile         = "typst_net_compiler_compile"
	exportResultFree      = "typst_net_result_free"
	exportPageCount       = "typst_net_document_page_count"
	exportRenderSVGPage   = "typst_net_document_render_svg_page"
	exportRenderSVGAll    = "typst_net_document_render_svg_all"
	exportRenderPDF       = "typst_net_document_render_pdf"
	exportBufferFree      = "typst_net_buffer_free"
	exportBufferArrayFree = "typst_net_buffer_array_free"
	exportResetCache      = "typst_net_reset_cache"
)

var le = binary.LittleEndian

// wasm32 record layouts.
//
//	Buffer, BufferArray  {ptr u32; len u32}                              8 bytes
//	Diagnostic           {severity u8; _ [3]; msg u32; msg_len u32;
//	                      line u32; column u32; length u32}              24 bytes
//	CompileResult        {success u8; _ [3]; diags u32; diags_len u32;
//	                      document u32}                                   16 bytes
//	CompilerOptions      {system_fonts u8; _ [3]; inputs u32; inputs_len u32;
//	                      fonts u32; fonts_len u32; pkg u32; pkg_len u32} 28 bytes
const (
	bufferSize     = 8
	diagnosticSize = 24
	scratchSize    = 32
)

// WasmOption configures a Runtime or a WasmEngine instance.
type WasmOption func(*wasmConfig)

type wasmConfig struct {
	diskCache        bool
	cacheDir         string
	memoryLimitPages uint32
	mounts           []Mount
	logger           *zap.Logger
}

// Mount exposes a host directory to the engine read-only under guestPath.
type Mount struct {
	HostPath  string
	GuestPath string
}

func defaultWasmConfig() wasmConfig {
	return wasmConfig{logger: zap.NewNop()}
}

// WithDiskCache enables wazero's persistent compilation cache. Without a
// directory the cache lives under XDG_CACHE_HOME/typstgo or ~/.cache/typstgo.
func WithDiskCache(dir ...string) WasmOption {
	return func(c *wasmConfig) {
		c.diskCache = true
		if len(dir) > 0 && dir[0] != "" {
			c.cacheDir = dir[0]
		}
	}
}

// WithMemoryLimit caps guest memory in 64KiB pages. Zero keeps wazero's default.
func WithMemoryLimit(pages uint32) WasmOption {
	return func(c *wasmConfig) {
		c.memoryLimitPages = pages
	}
}

// WithMount adds a read-only directory mount. When no mount is given the
// host root is mounted at "/" so absolute host paths resolve unchanged.
// Otherwise workspace, font and package paths passed to CreateCompiler are
// rewritten to their guest location and must lie under some mount.
func WithMount(hostPath, guestPath string) WasmOption {
	return func(c *wasmConfig) {
		c.mounts = append(c.mounts, Mount{HostPath: hostPath, GuestPath: guestPath})
	}
}

// WithWasmLogger sets the logger used for trap and teardown reports.
func WithWasmLogger(l *zap.Logger) WasmOption {
	return func(c *wasmConfig) {
		if l != nil {
			c.logger = l
		}
	}
}

// LoadWasmModule reads an engine module from disk. Files ending in ".zst"
// are zstd-decompressed.
func LoadWasmModule(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read engine module: %w", err)
	}
	if !strings.HasSuffix(path, ".zst") {
		return data, nil
	}
	dec, err := zstd.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("open zstd engine module: %w", err)
	}
	defer dec.Close()
	out, err := io.ReadAll(dec)
	if err != nil {
		return nil, fmt.Errorf("decompress engine module: %w", err)
	}
	return out, nil
}

// WasmEngine is an Engine backed by one instance of the engine's wasm
// module. Guest calls are serialized internally, so one WasmEngine may
// serve many compiler handles from many goroutines.
type WasmEngine struct {
	ctx        context.Context
	rt         *Runtime
	ownRuntime bool
	module     api.Module
	mem        api.Memory
	logger     *zap.Logger
	scratch    uint32

	fnAlloc           api.Function
	fnDealloc         api.Function
	fnVersion         api.Function
	fnVersionLen      api.Function
	fnCompilerCreate  api.Function
	fnCompilerFree    api.Function
	fnCompile         api.Function
	fnResultFree      api.Function
	fnPageCount       api.Function
	fnRenderSVGPage   api.Function
	fnRenderSVGAll    api.Function
	fnRenderPDF       api.Function
	fnBufferFree      api.Function
	fnBufferArrayFree api.Function
	fnResetCache      api.Function

	// mounts translates host paths handed to CreateCompiler.
	mounts mountTable

	mu     sync.Mutex
	closed bool
}

// NewWasmEngine compiles and instantiates module on a private Runtime that
// is closed together with the engine.
func NewWasmEngine(ctx context.Context, module []byte, opts ...WasmOption) (*WasmEngine, error) {
	rt, err := NewRuntime(ctx, opts...)
	if err != nil {
		return nil, err
	}
	e, err := rt.Instantiate(ctx, module, opts...)
	if err != nil {
		_ = rt.Close(ctx)
		return nil, err
	}
	e.ownRuntime = true
	return e, nil
}

func newWasmEngine(ctx context.Context, rt *Runtime, module api.Module, logger *zap.Logger) (*WasmEngine, error) {
	e := &WasmEngine{
		ctx:    ctx,
		rt:     rt,
		module: module,
		mem:    module.Memory(),
		logger: logger,
	}

	exports := []struct {
		name string
		dst  *api.Function
	}{
		{exportAlloc, &e.fnAlloc},
		{exportDealloc, &e.fnDealloc},
		{exportVersion, &e.fnVersion},
		{exportVersionLen, &e.fnVersionLen},
		{exportCompilerCreate, &e.fnCompilerCreate},
		{exportCompilerFree, &e.fnCompilerFree},
		{exportCompile, &e.fnCompile},
		{exportResultFree, &e.fnResultFree},
		{exportPageCount, &e.fnPageCount},
		{exportRenderSVGPage, &e.fnRenderSVGPage},
		{exportRenderSVGAll, &e.fnRenderSVGAll},
		{exportRenderPDF, &e.fnRenderPDF},
		{exportBufferFree, &e.fnBufferFree},
		{exportBufferArrayFree, &e.fnBufferArrayFree},
		{exportResetCache, &e.fnResetCache},
	}
	var missing []string
	for _, x := range exports {
		*x.dst = module.ExportedFunction(x.name)
		if *x.dst == nil {
			missing = append(missing, x.name)
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: %v", ErrMissingExport, missing)
	}
	if e.mem == nil {
		return nil, fmt.Errorf("%w: memory", ErrMissingExport)
	}

	ptr, err := e.alloc(scratchSize)
	if err != nil {
		return nil, fmt.Errorf("allocate scratch: %w", err)
	}
	e.scratch = ptr
	return e, nil
}

func (e *WasmEngine) CreateCompiler(root []byte, opts CreateOptions) (CompilerHandle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return 0, ErrEngineClosed
	}

	var frees []func()
	defer func() {
		for _, free := range frees {
			free()
		}
	}()
	lend := func(b []byte) (uint32, uint32, error) {
		ptr, n, free, err := e.borrow(b)
		if err == nil {
			frees = append(frees, free)
		}
		return ptr, n, err
	}

	// The engine resolves paths inside the guest, so host paths are
	// rewritten to where the mounts expose them.
	root, err := e.mounts.guestBytes(root)
	if err != nil {
		return 0, fmt.Errorf("workspace root: %w", err)
	}
	if opts.PackagePath, err = e.mounts.guestBytes(opts.PackagePath); err != nil {
		return 0, fmt.Errorf("package path: %w", err)
	}
	if opts.FontPathsJSON, err = e.mounts.guestPathList(opts.FontPathsJSON); err != nil {
		return 0, err
	}

	rootPtr, rootLen, err := lend(root)
	if err != nil {
		return 0, err
	}
	inPtr, inLen, err := lend(opts.InputsJSON)
	if err != nil {
		return 0, err
	}
	fontPtr, fontLen, err := lend(opts.FontPathsJSON)
	if err != nil {
		return 0, err
	}
	pkgPtr, pkgLen, err := lend(opts.PackagePath)
	if err != nil {
		return 0, err
	}

	var fonts byte
	if opts.SystemFonts {
		fonts = 1
	}
	o := e.scratch
	ok := e.mem.WriteByte(o, fonts) &&
		e.mem.WriteUint32Le(o+4, inPtr) && e.mem.WriteUint32Le(o+8, inLen) &&
		e.mem.WriteUint32Le(o+12, fontPtr) && e.mem.WriteUint32Le(o+16, fontLen) &&
		e.mem.WriteUint32Le(o+20, pkgPtr) && e.mem.WriteUint32Le(o+24, pkgLen)
	if !ok {
		return 0, fmt.Errorf("write compiler options: out of guest memory range")
	}

	res, err := e.call(e.fnCompilerCreate, exportCompilerCreate, uint64(rootPtr), uint64(rootLen), uint64(o))
	if err != nil {
		return 0, err
	}
	return CompilerHandle(uint32(res[0])), nil
}

func (e *WasmEngine) FreeCompiler(h CompilerHandle) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	if h.IsZero() {
		return nil
	}
	ptr, err := guestPtr(uint64(h))
	if err != nil {
		return err
	}
	_, err = e.call(e.fnCompilerFree, exportCompilerFree, uint64(ptr))
	return err
}

func (e *WasmEngine) Compile(h CompilerHandle, source []byte) (ResultRecord, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ResultRecord{}, ErrEngineClosed
	}
	if h.IsZero() {
		return ResultRecord{}, ErrZeroHandle
	}
	hp, err := guestPtr(uint64(h))
	if err != nil {
		return ResultRecord{}, err
	}
	src, n, free, err := e.borrow(source)
	if err != nil {
		return ResultRecord{}, err
	}
	defer free()

	if _, err := e.call(e.fnCompile, exportCompile, uint64(e.scratch), uint64(hp), uint64(src), uint64(n)); err != nil {
		return ResultRecord{}, err
	}

	success, ok1 := e.mem.ReadByte(e.scratch)
	diags, ok2 := e.mem.ReadUint32Le(e.scratch + 4)
	diagsLen, ok3 := e.mem.ReadUint32Le(e.scratch + 8)
	doc, ok4 := e.mem.ReadUint32Le(e.scratch + 12)
	if !ok1 || !ok2 || !ok3 || !ok4 {
		return ResultRecord{}, fmt.Errorf("read compile result: out of guest memory range")
	}
	return ResultRecord{
		Success:        success != 0,
		Diagnostics:    uint64(diags),
		DiagnosticsLen: uint64(diagsLen),
		Document:       DocumentHandle(doc),
	}, nil
}

func (e *WasmEngine) FreeResult(r ResultRecord) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	if r.IsZero() {
		return nil
	}
	diags, err1 := guestPtr(r.Diagnostics)
	diagsLen, err2 := guestPtr(r.DiagnosticsLen)
	doc, err3 := guestPtr(uint64(r.Document))
	if err1 != nil || err2 != nil || err3 != nil {
		return fmt.Errorf("free result: record does not fit wasm32")
	}
	var success byte
	if r.Success {
		success = 1
	}
	o := e.scratch
	ok := e.mem.WriteByte(o, success) &&
		e.mem.WriteUint32Le(o+4, diags) &&
		e.mem.WriteUint32Le(o+8, diagsLen) &&
		e.mem.WriteUint32Le(o+12, doc)
	if !ok {
		return fmt.Errorf("write compile result: out of guest memory range")
	}
	_, err := e.call(e.fnResultFree, exportResultFree, uint64(o))
	return err
}

func (e *WasmEngine) Diagnostics(r ResultRecord) ([]DiagnosticRecord, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, ErrEngineClosed
	}
	if r.Diagnostics == 0 || r.DiagnosticsLen == 0 {
		return nil, nil
	}
	base, err := guestPtr(r.Diagnostics)
	if err != nil {
		return nil, err
	}
	count, err := safecast.Conv[uint32](r.DiagnosticsLen)
	if err != nil {
		return nil, fmt.Errorf("diagnostic count: %w", err)
	}
	if _, err := safecast.Conv[uint32](uint64(base) + uint64(count)*diagnosticSize); err != nil {
		return nil, fmt.Errorf("diagnostic array exceeds guest memory: %w", err)
	}

	out := make([]DiagnosticRecord, 0, count)
	for i := uint32(0); i < count; i++ {
		at := base + i*diagnosticSize
		raw, ok := e.mem.Read(at, diagnosticSize)
		if !ok {
			return nil, fmt.Errorf("read diagnostic %d: out of guest memory range", i)
		}
		out = append(out, DiagnosticRecord{
			Severity: SeverityFromWire(raw[0]),
			Message:  Buffer{Ptr: uint64(le.Uint32(raw[4:])), Len: uint64(le.Uint32(raw[8:]))},
			Location: Location{Line: le.Uint32(raw[12:]), Column: le.Uint32(raw[16:]), Length: le.Uint32(raw[20:])},
		})
	}
	return out, nil
}

func (e *WasmEngine) PageCount(d DocumentHandle) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return 0, ErrEngineClosed
	}
	if d.IsZero() {
		return 0, ErrZeroHandle
	}
	dp, err := guestPtr(uint64(d))
	if err != nil {
		return 0, err
	}
	res, err := e.call(e.fnPageCount, exportPageCount, uint64(dp))
	if err != nil {
		return 0, err
	}
	return safecast.Conv[int](uint32(res[0]))
}

func (e *WasmEngine) RenderSVGPage(d DocumentHandle, index int) (Buffer, error) {
	idx, err := safecast.Conv[uint32](index)
	if err != nil {
		return Buffer{}, fmt.Errorf("page index: %w", err)
	}
	return e.bufferCall(d, e.fnRenderSVGPage, exportRenderSVGPage, uint64(idx))
}

func (e *WasmEngine) RenderSVGAll(d DocumentHandle) (BufferArray, error) {
	b, err := e.bufferCall(d, e.fnRenderSVGAll, exportRenderSVGAll)
	return BufferArray(b), err
}

func (e *WasmEngine) RenderPDF(d DocumentHandle) (Buffer, error) {
	return e.bufferCall(d, e.fnRenderPDF, exportRenderPDF)
}

// bufferCall invokes a document export that returns a Buffer-shaped struct
// through the return slot.
func (e *WasmEngine) bufferCall(d DocumentHandle, fn api.Function, name string, extra ...uint64) (Buffer, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return Buffer{}, ErrEngineClosed
	}
	if d.IsZero() {
		return Buffer{}, ErrZeroHandle
	}
	dp, err := guestPtr(uint64(d))
	if err != nil {
		return Buffer{}, err
	}
	params := append([]uint64{uint64(e.scratch), uint64(dp)}, extra...)
	if _, err := e.call(fn, name, params...); err != nil {
		return Buffer{}, err
	}
	return e.readBufferStruct(e.scratch)
}

func (e *WasmEngine) ReadBuffer(b Buffer) ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, ErrEngineClosed
	}
	if b.IsEmpty() {
		return nil, nil
	}
	ptr, err := guestPtr(b.Ptr)
	if err != nil {
		return nil, err
	}
	n, err := safecast.Conv[uint32](b.Len)
	if err != nil {
		return nil, fmt.Errorf("buffer length: %w", err)
	}
	view, ok := e.mem.Read(ptr, n)
	if !ok {
		return nil, fmt.Errorf("read buffer: out of guest memory range")
	}
	// view aliases guest memory, which the next call may grow or reuse.
	out := make([]byte, len(view))
	copy(out, view)
	return out, nil
}

func (e *WasmEngine) Buffers(a BufferArray) ([]Buffer, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, ErrEngineClosed
	}
	if a.IsEmpty() {
		return nil, nil
	}
	base, err := guestPtr(a.Ptr)
	if err != nil {
		return nil, err
	}
	count, err := safecast.Conv[uint32](a.Len)
	if err != nil {
		return nil, fmt.Errorf("buffer array length: %w", err)
	}
	if _, err := safecast.Conv[uint32](uint64(base) + uint64(count)*bufferSize); err != nil {
		return nil, fmt.Errorf("buffer array exceeds guest memory: %w", err)
	}
	out := make([]Buffer, 0, count)
	for i := uint32(0); i < count; i++ {
		b, err := e.readBufferStruct(base + i*bufferSize)
		if err != nil {
			return nil, fmt.Errorf("buffer %d: %w", i, err)
		}
		out = append(out, b)
	}
	return out, nil
}

func (e *WasmEngine) FreeBuffer(b Buffer) error {
	return e.freeBufferStruct(b, e.fnBufferFree, exportBufferFree)
}

func (e *WasmEngine) FreeBufferArray(a BufferArray) error {
	return e.freeBufferStruct(Buffer(a), e.fnBufferArrayFree, exportBufferArrayFree)
}

func (e *WasmEngine) freeBufferStruct(b Buffer, fn api.Function, name string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	if b.IsEmpty() {
		return nil
	}
	ptr, err1 := guestPtr(b.Ptr)
	n, err2 := guestPtr(b.Len)
	if err1 != nil || err2 != nil {
		return fmt.Errorf("%s: buffer does not fit wasm32", name)
	}
	if !e.mem.WriteUint32Le(e.scratch, ptr) || !e.mem.WriteUint32Le(e.scratch+4, n) {
		return fmt.Errorf("%s: out of guest memory range", name)
	}
	_, err := e.call(fn, name, uint64(e.scratch))
	return err
}

func (e *WasmEngine) ResetCache(maxAgeSeconds uint64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrEngineClosed
	}
	age, err := safecast.Conv[uint32](maxAgeSeconds)
	if err != nil {
		age = math.MaxUint32
	}
	_, err = e.call(e.fnResetCache, exportResetCache, uint64(age))
	return err
}

func (e *WasmEngine) Version() (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return "", ErrEngineClosed
	}
	ptr, err := e.call(e.fnVersion, exportVersion)
	if err != nil {
		return "", err
	}
	n, err := e.call(e.fnVersionLen, exportVersionLen)
	if err != nil {
		return "", err
	}
	// Static engine memory; copied, never freed.
	view, ok := e.mem.Read(uint32(ptr[0]), uint32(n[0]))
	if !ok {
		return "", fmt.Errorf("read version: out of guest memory range")
	}
	return string(view), nil
}

// Close closes the module instance and, for engines created with
// NewWasmEngine, the runtime behind it. Guest memory goes with the
// instance, so release calls after Close have nothing left to free.
func (e *WasmEngine) Close(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true

	err := e.module.Close(ctx)
	if err != nil {
		e.logger.Warn("close engine module", zap.Error(err))
	}
	if e.ownRuntime {
		if rerr := e.rt.Close(ctx); rerr != nil && err == nil {
			err = rerr
		}
	}
	return err
}

func (e *WasmEngine) call(fn api.Function, name string, params ...uint64) ([]uint64, error) {
	res, err := fn.Call(e.ctx, params...)
	if err != nil {
		e.logger.Error("engine call trapped", zap.String("export", name), zap.Error(err))
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return res, nil
}

func (e *WasmEngine) alloc(size uint32) (uint32, error) {
	res, err := e.call(e.fnAlloc, exportAlloc, uint64(size))
	if err != nil {
		return 0, err
	}
	ptr := uint32(res[0])
	if ptr == 0 {
		return 0, fmt.Errorf("guest allocation of %d bytes failed", size)
	}
	return ptr, nil
}

// borrow copies b into guest memory for the duration of one call. The
// returned free func must run after that call returns. Empty input lends
// a null pointer.
func (e *WasmEngine) borrow(b []byte) (ptr, n uint32, free func(), err error) {
	if len(b) == 0 {
		return 0, 0, func() {}, nil
	}
	n, err = safecast.Conv[uint32](len(b))
	if err != nil {
		return 0, 0, nil, fmt.Errorf("argument length: %w", err)
	}
	ptr, err = e.alloc(n)
	if err != nil {
		return 0, 0, nil, err
	}
	free = func() {
		if _, err := e.call(e.fnDealloc, exportDealloc, uint64(ptr), uint64(n)); err != nil {
			e.logger.Warn("dealloc borrowed argument", zap.Uint32("ptr", ptr), zap.Uint32("size", n), zap.Error(err))
		}
	}
	if !e.mem.Write(ptr, b) {
		free()
		return 0, 0, nil, fmt.Errorf("write argument: out of guest memory range")
	}
	return ptr, n, free, nil
}

func (e *WasmEngine) readBufferStruct(at uint32) (Buffer, error) {
	raw, ok := e.mem.Read(at, bufferSize)
	if !ok {
		return Buffer{}, fmt.Errorf("read buffer struct: out of guest memory range")
	}
	return Buffer{Ptr: uint64(le.Uint32(raw)), Len: uint64(le.Uint32(raw[4:]))}, nil
}

func guestPtr(v uint64) (uint32, error) {
	p, err := safecast.Conv[uint32](v)
	if err != nil {
		return 0, fmt.Errorf("value %d does not fit wasm32: %w", v, err)
	}
	return p, nil
}

var _ Engine = (*WasmEngine)(nil)
