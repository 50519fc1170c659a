package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"

	"github.com/spf13/cobra"
	"github.com/zeebo/xxh3"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/goodguyjay/typstgo/compiler"
)

var compileCmd = &cobra.Command{
	Use:   "compile [files...]",
	Short: "Compile documents to SVG or PDF",
	Long: `Compile one or more Typst files.

Each file gets its own compiler session; files are compiled concurrently.
SVG output writes one file per page (name-1.svg, name-2.svg, ...). PDF
output writes name.pdf.

Source can be provided via:
  - File arguments: typstgo compile report.typ
  - Stdin: echo '= Hello' | typstgo compile -`,
	Args: cobra.MinimumNArgs(1),
	RunE: runCompile,
}

func init() {
	compileCmd.Flags().StringP("output", "o", ".", "Output directory")
	compileCmd.Flags().StringP("format", "f", "svg", "Output format: svg, pdf")
	compileCmd.Flags().String("diag-format", "text", "Diagnostic format: text, json, msgpack")
	compileCmd.Flags().Bool("hash", false, "Print an xxh3 digest of every output file")
	compileCmd.Flags().IntP("jobs", "j", runtime.NumCPU(), "Maximum files compiled at once")
	addCompilerFlags(compileCmd)
	rootCmd.AddCommand(compileCmd)
}

func runCompile(cmd *cobra.Command, args []string) error {
	outDir, _ := cmd.Flags().GetString("output")
	format, _ := cmd.Flags().GetString("format")
	diagFormat, _ := cmd.Flags().GetString("diag-format")
	withHash, _ := cmd.Flags().GetBool("hash")
	jobs, _ := cmd.Flags().GetInt("jobs")
	colorMode, _ := cmd.Flags().GetString("color")

	if format != "svg" && format != "pdf" {
		return fmt.Errorf("unknown format %q: use svg or pdf", format)
	}
	if diagFormat != "text" && diagFormat != "json" && diagFormat != "msgpack" {
		return fmt.Errorf("unknown diagnostic format %q: use text, json or msgpack", diagFormat)
	}
	useColor, err := colorEnabled(colorMode, cmd.ErrOrStderr())
	if err != nil {
		return err
	}

	e, err := setup(cmd)
	if err != nil {
		return err
	}
	defer e.close(cmd.Context())

	opts, err := compilerOptions(cmd, e.cfg, e.logger)
	if err != nil {
		return err
	}
	rootFlag, _ := cmd.Flags().GetString("root")
	if rootFlag == "" {
		rootFlag = e.cfg.Root
	}

	jobCfg := compileJob{
		outDir:   outDir,
		format:   format,
		withHash: withHash,
		root:     rootFlag,
		opts:     opts,
		logger:   e.logger,
	}

	reports := make([]fileReport, len(args))
	sources := make([]string, len(args))
	diags := make([]compiler.Diagnostics, len(args))
	var g errgroup.Group
	g.SetLimit(max(jobs, 1))
	for i, file := range args {
		g.Go(func() error {
			src, err := readSource(file, cmd.InOrStdin())
			if err != nil {
				reports[i] = fileReport{File: file, Error: err.Error()}
				return nil
			}
			sources[i] = src
			reports[i], diags[i] = jobCfg.run(e, file, src)
			return nil
		})
	}
	g.Wait()

	failed := 0
	for _, r := range reports {
		if !r.Success {
			failed++
		}
	}

	if diagFormat != "text" {
		if err := writeReports(cmd.OutOrStdout(), diagFormat, reports); err != nil {
			return err
		}
	} else {
		printer := newDiagPrinter(cmd.ErrOrStderr(), useColor)
		printTextReports(cmd.OutOrStdout(), printer, reports, sources, diags)
	}

	if failed > 0 {
		return fmt.Errorf("%d of %d files failed", failed, len(args))
	}
	return nil
}

type compileJob struct {
	outDir   string
	format   string
	withHash bool
	root     string
	opts     []compiler.Option
	logger   *zap.Logger
}

// outDirMu serializes output directory creation across jobs.
var outDirMu sync.Mutex

func (j compileJob) run(e *env, file, src string) (fileReport, compiler.Diagnostics) {
	report := fileReport{File: file}
	root := j.root
	if root == "" {
		root = "."
		if file != "-" {
			root = filepath.Dir(file)
		}
	}

	c, err := compiler.New(e.engine, root, j.opts...)
	if err != nil {
		report.Error = err.Error()
		return report, nil
	}
	defer c.Close()

	res, err := c.Compile(src)
	if err != nil {
		report.Error = err.Error()
		return report, nil
	}
	defer res.Close()

	report.Success = res.Success
	report.Diagnostics = reportDiagnostics(res.Diagnostics)
	if !res.Success {
		return report, res.Diagnostics
	}
	report.Pages = res.Document.PageCount()

	outDirMu.Lock()
	err = os.MkdirAll(j.outDir, 0o755)
	outDirMu.Unlock()
	if err != nil {
		report.Success = false
		report.Error = err.Error()
		return report, res.Diagnostics
	}

	base := outputBase(file)
	var written []string
	switch j.format {
	case "pdf":
		var pdf []byte
		pdf, err = res.Document.RenderPDF()
		if err == nil {
			p := filepath.Join(j.outDir, base+".pdf")
			if err = os.WriteFile(p, pdf, 0o644); err == nil {
				written = append(written, p)
			}
		}
	default:
		written, err = res.Document.WritePages(j.outDir, base)
	}
	if err != nil {
		report.Success = false
		report.Error = err.Error()
	}

	for _, p := range written {
		out := outputReport{Path: p}
		if j.withHash {
			if out.Hash, err = hashFile(p); err != nil {
				j.logger.Warn("hash output", zap.String("path", p), zap.Error(err))
			}
		}
		report.Outputs = append(report.Outputs, out)
	}
	j.logger.Debug("compiled file", zap.String("file", file), zap.Int("outputs", len(written)))
	return report, res.Diagnostics
}

func readSource(file string, stdin io.Reader) (string, error) {
	if file == "-" {
		data, err := io.ReadAll(stdin)
		return string(data), err
	}
	data, err := os.ReadFile(file)
	return string(data), err
}

func outputBase(file string) string {
	if file == "-" {
		return "stdin"
	}
	return strings.TrimSuffix(filepath.Base(file), filepath.Ext(file))
}

func hashFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%016x", xxh3.Hash(data)), nil
}

func printTextReports(out io.Writer, p *diagPrinter, reports []fileReport, sources []string, diags []compiler.Diagnostics) {
	for i, r := range reports {
		if r.Error != "" {
			fmt.Fprintf(p.w, "%s: %s: %s\n", p.errorC.Sprint("error"), r.File, r.Error)
		}
		p.printAll(r.File, sources[i], diags[i])
		for _, o := range r.Outputs {
			if o.Hash != "" {
				fmt.Fprintf(out, "%s  %s\n", o.Hash, o.Path)
			} else {
				fmt.Fprintln(out, o.Path)
			}
		}
	}
}
