package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/goodguyjay/typstgo/boundary"
	"github.com/goodguyjay/typstgo/compiler"
)

var rootCmd = &cobra.Command{
	Use:   "typstgo",
	Short: "Compile Typst documents through an embedded engine",
	Long: `typstgo - Compile Typst documents to SVG and PDF.

The Typst engine runs as a WebAssembly module inside the process. Point
--engine (or TYPSTGO_ENGINE, or "engine" in typstgo.toml) at the engine's
.wasm or .wasm.zst file.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().String("engine", "", "Engine module path (.wasm or .wasm.zst)")
	rootCmd.PersistentFlags().String("config", "", "Config file (default: ./typstgo.toml if present)")
	rootCmd.PersistentFlags().Bool("no-cache", false, "Disable compilation cache")
	rootCmd.PersistentFlags().String("memory", "", "Engine memory limit: 16mb, 64mb, 256mb, 1gb, 4gb")
	rootCmd.PersistentFlags().String("color", "auto", "Colorize output (auto|on|off)")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "Verbose logging")
}

// addCompilerFlags registers the flags that shape a compiler session.
func addCompilerFlags(cmd *cobra.Command) {
	cmd.Flags().String("root", "", "Workspace root (default: directory of the input)")
	cmd.Flags().StringArray("input", nil, "Set sys.inputs key=value (repeatable)")
	cmd.Flags().StringSlice("font-path", nil, "Additional font directory (repeatable)")
	cmd.Flags().String("package-path", "", "Directory packages are resolved from")
	cmd.Flags().Bool("no-system-fonts", false, "Do not use fonts installed on the system")
}

// env carries what every command needs: config, logger and engine.
type env struct {
	cfg    config
	logger *zap.Logger
	engine boundary.Engine
}

// openEngineFunc is replaced in tests.
var openEngineFunc = openEngine

func setup(cmd *cobra.Command) (*env, error) {
	cfg, err := loadConfigFromFlags(cmd)
	if err != nil {
		return nil, err
	}
	verbose, _ := cmd.Flags().GetBool("verbose")
	logger, err := newLogger(verbose)
	if err != nil {
		return nil, err
	}
	engine, err := openEngineFunc(cmd.Context(), cmd, cfg, logger)
	if err != nil {
		logger.Sync()
		return nil, err
	}
	return &env{cfg: cfg, logger: logger, engine: engine}, nil
}

func (e *env) close(ctx context.Context) {
	if err := e.engine.Close(ctx); err != nil {
		e.logger.Warn("close engine", zap.Error(err))
	}
	e.logger.Sync()
}

func newLogger(verbose bool) (*zap.Logger, error) {
	if !verbose {
		return zap.NewNop(), nil
	}
	return zap.NewDevelopment()
}

var errNoEngine = errors.New("no engine module: pass --engine, set TYPSTGO_ENGINE or set engine in typstgo.toml")

func openEngine(ctx context.Context, cmd *cobra.Command, cfg config, logger *zap.Logger) (boundary.Engine, error) {
	path, _ := cmd.Flags().GetString("engine")
	if path == "" {
		path = os.Getenv("TYPSTGO_ENGINE")
	}
	if path == "" {
		path = cfg.Engine
	}
	if path == "" {
		return nil, errNoEngine
	}
	if path == "native" {
		if newNativeEngine == nil {
			return nil, errors.New("this build has no native engine (build with -tags typst_native)")
		}
		return newNativeEngine(), nil
	}

	module, err := boundary.LoadWasmModule(path)
	if err != nil {
		return nil, err
	}

	opts := []boundary.WasmOption{boundary.WithWasmLogger(logger)}
	noCache, _ := cmd.Flags().GetBool("no-cache")
	if !noCache {
		opts = append(opts, boundary.WithDiskCache(cfg.CacheDir))
	}
	memory, _ := cmd.Flags().GetString("memory")
	if memory == "" {
		memory = cfg.Memory
	}
	if memory != "" {
		pages, err := parseMemoryLimit(memory)
		if err != nil {
			return nil, err
		}
		opts = append(opts, boundary.WithMemoryLimit(pages))
	}
	for _, m := range cfg.Mounts {
		opts = append(opts, boundary.WithMount(m.Host, m.Guest))
	}

	engine, err := boundary.NewWasmEngine(ctx, module, opts...)
	if err != nil {
		return nil, fmt.Errorf("load engine %s: %w", path, err)
	}
	return engine, nil
}

// newNativeEngine is set when built with the typst_native tag.
var newNativeEngine func() boundary.Engine

func parseMemoryLimit(s string) (uint32, error) {
	switch strings.ToLower(s) {
	case "16mb":
		return 256, nil
	case "64mb":
		return 1024, nil
	case "256mb":
		return 4096, nil
	case "1gb":
		return 16384, nil
	case "4gb":
		return 65536, nil
	}
	return 0, fmt.Errorf("invalid memory limit %q (expected 16mb, 64mb, 256mb, 1gb or 4gb)", s)
}

// compilerOptions merges config file values with flags. Flags win.
func compilerOptions(cmd *cobra.Command, cfg config, logger *zap.Logger) ([]compiler.Option, error) {
	opts := []compiler.Option{compiler.WithLogger(logger)}

	if len(cfg.Inputs) > 0 {
		opts = append(opts, compiler.WithInputs(cfg.Inputs))
	}
	inputs, _ := cmd.Flags().GetStringArray("input")
	for _, kv := range inputs {
		k, v, err := parseInput(kv)
		if err != nil {
			return nil, err
		}
		opts = append(opts, compiler.WithInput(k, v))
	}

	fonts, _ := cmd.Flags().GetStringSlice("font-path")
	opts = append(opts, compiler.WithFontPaths(append(cfg.FontPaths, fonts...)...))

	pkg, _ := cmd.Flags().GetString("package-path")
	if pkg == "" {
		pkg = cfg.PackagePath
	}
	if pkg != "" {
		opts = append(opts, compiler.WithPackagePath(pkg))
	}

	systemFonts := cfg.SystemFonts == nil || *cfg.SystemFonts
	if noSystem, _ := cmd.Flags().GetBool("no-system-fonts"); noSystem {
		systemFonts = false
	}
	opts = append(opts, compiler.WithSystemFonts(systemFonts))
	return opts, nil
}

func parseInput(kv string) (string, string, error) {
	k, v, ok := strings.Cut(kv, "=")
	if !ok || k == "" {
		return "", "", fmt.Errorf("invalid input %q (expected key=value)", kv)
	}
	return k, v, nil
}
