package compiler

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/goodguyjay/typstgo/boundary"
	"github.com/goodguyjay/typstgo/wire"
)

// afterCreate runs between acquiring a compiler handle and handing the
// Compiler to the caller. Tests set it to inject construction failures.
var afterCreate func()

// Compiler is a session bound to one engine-side compiler instance.
//
// A Compiler must not be used by two goroutines at once. Overlapping
// Compile calls fail fast with ErrSessionBusy instead of racing inside
// the engine. Distinct Compilers are independent.
type Compiler struct {
	engine  boundary.Engine
	handle  boundary.CompilerHandle
	root    string
	logger  *zap.Logger
	life    *lifecycle
	release func() error
	cleanup runtime.Cleanup
	busy    atomic.Bool
}

// New creates a compiler rooted at workspaceRoot, which must be an
// existing directory. A relative root is resolved against the current
// working directory before it reaches the engine. Every check that does
// not need the engine runs before the engine is called.
func New(engine boundary.Engine, workspaceRoot string, opts ...Option) (*Compiler, error) {
	if engine == nil {
		return nil, fmt.Errorf("%w: nil engine", ErrInvalidArgument)
	}
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	if workspaceRoot == "" {
		return nil, fmt.Errorf("%w: empty path", ErrWorkspace)
	}
	if fi, err := os.Stat(workspaceRoot); err != nil || !fi.IsDir() {
		return nil, fmt.Errorf("%w: %s", ErrWorkspace, workspaceRoot)
	}
	// The engine does not share the host's working directory.
	root, err := filepath.Abs(workspaceRoot)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrWorkspace, workspaceRoot, err)
	}

	inputs, err := wire.Inputs(cfg.inputs)
	if err != nil {
		return nil, err
	}
	fonts, err := wire.FontPaths(cfg.fontPaths)
	if err != nil {
		return nil, err
	}
	pkg, err := wire.Bytes("package path", []byte(cfg.packagePath))
	if err != nil {
		return nil, err
	}

	var handle boundary.CompilerHandle
	err = wire.Text("workspace root", root, func(b []byte) error {
		h, err := engine.CreateCompiler(b, boundary.CreateOptions{
			SystemFonts:   cfg.systemFonts,
			InputsJSON:    inputs,
			FontPathsJSON: fonts,
			PackagePath:   pkg,
		})
		handle = h
		return err
	})

	return adopt(engine, handle, err, root, cfg.logger)
}

// adopt wraps a freshly created handle. Whatever happens before the
// Compiler is returned, including a panic, a non-zero handle that was not
// handed over is freed.
func adopt(engine boundary.Engine, handle boundary.CompilerHandle, createErr error, root string, logger *zap.Logger) (_ *Compiler, err error) {
	adopted := false
	defer func() {
		if adopted || handle.IsZero() {
			return
		}
		if ferr := engine.FreeCompiler(handle); ferr != nil {
			logger.Warn("free compiler after failed construction", zap.Stringer("handle", handle), zap.Error(ferr))
			err = errors.Join(err, ferr)
		}
	}()

	if createErr != nil {
		return nil, &InitializationError{Workspace: root, Err: createErr}
	}
	if handle.IsZero() {
		return nil, &InitializationError{Workspace: root}
	}

	if afterCreate != nil {
		afterCreate()
	}

	c := &Compiler{
		engine: engine,
		handle: handle,
		root:   root,
		logger: logger.With(zap.Stringer("handle", handle)),
		life:   &lifecycle{},
	}
	c.release = releaseCompiler(engine, handle)
	c.cleanup = runtime.AddCleanup(c, reclaim(c.release, c.logger), c.life)

	adopted = true
	c.logger.Debug("compiler created", zap.String("workspace", root))
	return c, nil
}

func releaseCompiler(engine boundary.Engine, h boundary.CompilerHandle) func() error {
	return func() error {
		if err := engine.FreeCompiler(h); err != nil {
			return fmt.Errorf("free %s: %w", h, err)
		}
		return nil
	}
}

// reclaim builds the cleanup run when an owner is collected without being
// closed. It must not reference the owner itself.
func reclaim(release func() error, logger *zap.Logger) func(*lifecycle) {
	return func(l *lifecycle) {
		logger.Warn("reclaiming native handle that was never closed")
		if err := l.close(release); err != nil {
			logger.Error("reclaim failed", zap.Error(err))
		}
	}
}

// Compile compiles source. A failed compile is not an error: inspect
// Result.Success and Result.Diagnostics, or call Result.Err.
func (c *Compiler) Compile(source string) (*Result, error) {
	return c.compile(func(fn func([]byte) error) error {
		return wire.Text("source", source, fn)
	})
}

// CompileBytes is Compile for UTF-8 bytes. A nil source is rejected with
// ErrInvalidArgument; an empty non-nil source compiles an empty document.
func (c *Compiler) CompileBytes(source []byte) (*Result, error) {
	if source == nil {
		return nil, fmt.Errorf("%w: nil source", ErrInvalidArgument)
	}
	return c.compile(func(fn func([]byte) error) error {
		b, err := wire.Bytes("source", source)
		if err != nil {
			return err
		}
		return fn(b)
	})
}

func (c *Compiler) compile(encode func(func([]byte) error) error) (*Result, error) {
	if err := c.life.enter(ErrSessionClosed); err != nil {
		return nil, err
	}
	defer c.life.leave()

	if !c.busy.CompareAndSwap(false, true) {
		return nil, ErrSessionBusy
	}
	defer c.busy.Store(false)

	start := time.Now()
	var rec boundary.ResultRecord
	called := false
	err := encode(func(src []byte) error {
		called = true
		var err error
		rec, err = c.engine.Compile(c.handle, src)
		return err
	})
	if err != nil {
		if !called {
			return nil, err
		}
		if !rec.IsZero() {
			err = errors.Join(err, c.engine.FreeResult(rec))
		}
		return nil, fmt.Errorf("compile: %w", err)
	}

	res, err := newResult(c.engine, rec, c.logger)
	if err != nil {
		return nil, err
	}
	c.logger.Debug("compiled",
		zap.Bool("success", res.Success),
		zap.Int("diagnostics", len(res.Diagnostics)),
		zap.Duration("elapsed", time.Since(start)),
	)
	return res, nil
}

// Root returns the absolute workspace root.
func (c *Compiler) Root() string { return c.root }

// Closed reports whether Close has been called.
func (c *Compiler) Closed() bool { return c.life.isClosed() }

// ResetCache evicts engine cache entries older than maxAge. It affects the
// whole engine, not just this compiler, and is allowed after Close.
func (c *Compiler) ResetCache(maxAge time.Duration) error {
	return ResetCache(c.engine, maxAge)
}

// Close frees the compiler handle. It waits for an in-flight Compile and
// is safe to call more than once. Results already returned stay valid.
func (c *Compiler) Close() error {
	return c.life.close(func() error {
		c.cleanup.Stop()
		c.logger.Debug("compiler closed")
		return c.release()
	})
}

// ResetCache evicts cache entries older than maxAge from the engine.
// Zero evicts everything. Ages below one second round up to one second.
// It never invalidates live compilers or results.
func ResetCache(engine boundary.Engine, maxAge time.Duration) error {
	if engine == nil {
		return fmt.Errorf("%w: nil engine", ErrInvalidArgument)
	}
	if maxAge < 0 {
		return fmt.Errorf("%w: negative max age %s", ErrInvalidArgument, maxAge)
	}
	secs := uint64(maxAge / time.Second)
	if maxAge%time.Second != 0 {
		secs++
	}
	if err := engine.ResetCache(secs); err != nil {
		return fmt.Errorf("reset cache: %w", err)
	}
	return nil
}

// Version returns the engine version string.
func Version(engine boundary.Engine) (string, error) {
	if engine == nil {
		return "", fmt.Errorf("%w: nil engine", ErrInvalidArgument)
	}
	v, err := engine.Version()
	if err != nil {
		return "", fmt.Errorf("engine version: %w", err)
	}
	return v, nil
}
