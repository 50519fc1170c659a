package boundary

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"github.com/zeebo/xxh3"
	"go.uber.org/zap"
)

// Runtime owns a wazero runtime and memoises compiled engine modules.
// Each Instantiate call yields an independent WasmEngine with its own
// guest memory and engine caches.
type Runtime struct {
	runtime  wazero.Runtime
	cache    wazero.CompilationCache
	compiled map[uint64]wazero.CompiledModule
	logger   *zap.Logger
	mu       sync.RWMutex
	closed   bool
}

// NewRuntime creates a Runtime with WASI preview1 available to the engine.
func NewRuntime(ctx context.Context, opts ...WasmOption) (*Runtime, error) {
	cfg := defaultWasmConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	var cache wazero.CompilationCache
	var err error

	if cfg.diskCache {
		cacheDir := cfg.cacheDir
		if cacheDir == "" {
			cacheDir = DefaultCacheDir()
		}
		cache, err = wazero.NewCompilationCacheWithDir(cacheDir)
		if err != nil {
			return nil, fmt.Errorf("create disk cache: %w", err)
		}
	}

	rtConfig := wazero.NewRuntimeConfig()
	if cache != nil {
		rtConfig = rtConfig.WithCompilationCache(cache)
	}
	if cfg.memoryLimitPages > 0 {
		rtConfig = rtConfig.WithMemoryLimitPages(cfg.memoryLimitPages)
	}

	rt := wazero.NewRuntimeWithConfig(ctx, rtConfig)
	if _, err := wasi_snapshot_preview1.Instantiate(ctx, rt); err != nil {
		if cache != nil {
			cache.Close(ctx)
		}
		rt.Close(ctx)
		return nil, fmt.Errorf("instantiate WASI: %w", err)
	}

	return &Runtime{
		runtime:  rt,
		cache:    cache,
		compiled: make(map[uint64]wazero.CompiledModule),
		logger:   cfg.logger,
	}, nil
}

// Instantiate starts a new engine instance from module.
func (r *Runtime) Instantiate(ctx context.Context, module []byte, opts ...WasmOption) (*WasmEngine, error) {
	cfg := defaultWasmConfig()
	cfg.logger = r.logger
	for _, opt := range opts {
		opt(&cfg)
	}

	mounts, err := newMountTable(cfg.mounts)
	if err != nil {
		return nil, err
	}
	compiled, err := r.getCompiled(ctx, module)
	if err != nil {
		return nil, err
	}

	fsConfig := wazero.NewFSConfig()
	if len(cfg.mounts) == 0 {
		fsConfig = fsConfig.WithReadOnlyDirMount("/", "/")
	}
	for _, m := range mounts {
		fsConfig = fsConfig.WithReadOnlyDirMount(m.HostPath, m.GuestPath)
	}

	moduleConfig := wazero.NewModuleConfig().
		WithFSConfig(fsConfig).
		WithSysWalltime().
		WithSysNanotime().
		WithStartFunctions("_initialize").
		WithName("")

	mod, err := r.runtime.InstantiateModule(ctx, compiled, moduleConfig)
	if err != nil {
		return nil, fmt.Errorf("instantiate engine: %w", err)
	}

	e, err := newWasmEngine(ctx, r, mod, cfg.logger)
	if err != nil {
		mod.Close(ctx)
		return nil, err
	}
	e.mounts = mounts
	cfg.logger.Debug("engine instantiated", zap.Int("mounts", len(cfg.mounts)))
	return e, nil
}

// getCompiled returns a cached compiled module, compiling if necessary.
func (r *Runtime) getCompiled(ctx context.Context, module []byte) (wazero.CompiledModule, error) {
	key := xxh3.Hash(module)

	r.mu.RLock()
	if r.closed {
		r.mu.RUnlock()
		return nil, ErrEngineClosed
	}
	if compiled, ok := r.compiled[key]; ok {
		r.mu.RUnlock()
		return compiled, nil
	}
	r.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, ErrEngineClosed
	}
	if compiled, ok := r.compiled[key]; ok {
		return compiled, nil
	}

	compiled, err := r.runtime.CompileModule(ctx, module)
	if err != nil {
		return nil, fmt.Errorf("compile engine module: %w", err)
	}

	r.compiled[key] = compiled
	return compiled, nil
}

// Close releases the runtime, every engine instantiated from it and the
// compilation cache.
func (r *Runtime) Close(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil
	}
	r.closed = true

	var errs []error
	if err := r.runtime.Close(ctx); err != nil {
		errs = append(errs, err)
	}
	if r.cache != nil {
		if err := r.cache.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}

	if len(errs) > 0 {
		return errs[0]
	}
	return nil
}

// DefaultCacheDir is where WithDiskCache stores compiled modules when no
// directory is given.
func DefaultCacheDir() string {
	if dir := os.Getenv("XDG_CACHE_HOME"); dir != "" {
		return filepath.Join(dir, "typstgo")
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".cache", "typstgo")
	}
	return filepath.Join(os.TempDir(), "typstgo-cache")
}
