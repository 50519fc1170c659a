package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/chzyer/readline"
	"github.com/spf13/cobra"

	"github.com/goodguyjay/typstgo/compiler"
)

var replCmd = &cobra.Command{
	Use:   "repl",
	Short: "Interactive compiler session",
	Long: `Start an interactive session that compiles each entry as a document.

Features:
  - Command history (up/down arrows)
  - Line editing (left/right, backspace, delete)
  - History search (Ctrl+R)
  - Multi-line input (end line with \)

Commands:
  :pages         Page count of the last successful document
  :page N        Print page N (1-indexed) of the last document as SVG
  :reset [AGE]   Evict engine cache entries older than AGE (default 0s)

Type 'exit' or 'quit' to end the session, or press Ctrl+D.`,
	RunE: runRepl,
}

func init() {
	replCmd.Flags().String("history", "", "History file path (default: ~/.typstgo_history)")
	addCompilerFlags(replCmd)
	rootCmd.AddCommand(replCmd)
}

func runRepl(cmd *cobra.Command, args []string) error {
	historyFile, _ := cmd.Flags().GetString("history")
	if historyFile == "" {
		home, _ := os.UserHomeDir()
		historyFile = filepath.Join(home, ".typstgo_history")
	}
	colorMode, _ := cmd.Flags().GetString("color")
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
	root, _ := cmd.Flags().GetString("root")
	if root == "" {
		root = e.cfg.Root
	}
	if root == "" {
		root = "."
	}

	c, err := compiler.New(e.engine, root, opts...)
	if err != nil {
		return fmt.Errorf("starting session: %w", err)
	}
	defer c.Close()

	rl, err := readline.NewEx(&readline.Config{
		Prompt:            ">>> ",
		HistoryFile:       historyFile,
		HistoryLimit:      1000,
		InterruptPrompt:   "^C",
		EOFPrompt:         "exit",
		HistorySearchFold: true,
	})
	if err != nil {
		return fmt.Errorf("initializing readline: %w", err)
	}
	defer rl.Close()

	v, _ := compiler.Version(e.engine)
	fmt.Fprintf(cmd.ErrOrStderr(), "typstgo REPL, engine %s (type 'exit' to quit, Ctrl+D to exit)\n", v)

	r := &repl{
		compiler: c,
		out:      cmd.OutOrStdout(),
		printer:  newDiagPrinter(cmd.ErrOrStderr(), useColor),
	}
	defer r.drop()

	var multiLine strings.Builder
	inMultiLine := false

	for {
		line, err := rl.Readline()
		if err != nil {
			if errors.Is(err, readline.ErrInterrupt) {
				if inMultiLine {
					multiLine.Reset()
					inMultiLine = false
					rl.SetPrompt(">>> ")
				}
				continue
			}
			if errors.Is(err, io.EOF) {
				fmt.Fprintln(r.out)
				return nil
			}
			return fmt.Errorf("reading input: %w", err)
		}

		if strings.HasSuffix(line, "\\") {
			multiLine.WriteString(strings.TrimSuffix(line, "\\"))
			multiLine.WriteString("\n")
			inMultiLine = true
			rl.SetPrompt("... ")
			continue
		}
		if inMultiLine {
			multiLine.WriteString(line)
			line = multiLine.String()
			multiLine.Reset()
			inMultiLine = false
			rl.SetPrompt(">>> ")
		}

		if strings.TrimSpace(line) == "" {
			continue
		}
		if done := r.eval(line); done {
			return nil
		}
	}
}

// repl holds the last successful result so :pages and :page can inspect it.
type repl struct {
	compiler *compiler.Compiler
	last     *compiler.Result
	out      io.Writer
	printer  *diagPrinter
}

// eval handles one entry and reports whether the session should end.
func (r *repl) eval(line string) bool {
	trimmed := strings.TrimSpace(line)
	switch {
	case trimmed == "exit" || trimmed == "quit":
		return true
	case strings.HasPrefix(trimmed, ":"):
		if err := r.command(trimmed); err != nil {
			fmt.Fprintf(r.printer.w, "%s: %v\n", r.printer.errorC.Sprint("error"), err)
		}
		return false
	}

	res, err := r.compiler.Compile(line)
	if err != nil {
		fmt.Fprintf(r.printer.w, "%s: %v\n", r.printer.errorC.Sprint("error"), err)
		return false
	}
	r.printer.printAll("<repl>", line, res.Diagnostics)
	if !res.Success {
		res.Close()
		return false
	}
	r.drop()
	r.last = res
	fmt.Fprintf(r.out, "ok: %d page(s)\n", res.Document.PageCount())
	return false
}

func (r *repl) command(line string) error {
	name, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)
	switch name {
	case ":pages":
		if r.last == nil {
			return errors.New("no document yet")
		}
		fmt.Fprintln(r.out, r.last.Document.PageCount())
	case ":page":
		if r.last == nil {
			return errors.New("no document yet")
		}
		n, err := strconv.Atoi(arg)
		if err != nil {
			return fmt.Errorf("usage: :page N")
		}
		svg, err := r.last.Document.RenderPage(n - 1)
		if err != nil {
			return err
		}
		fmt.Fprintln(r.out, svg)
	case ":reset":
		age := time.Duration(0)
		if arg != "" {
			d, err := time.ParseDuration(arg)
			if err != nil {
				return fmt.Errorf("usage: :reset [AGE]: %w", err)
			}
			age = d
		}
		if err := r.compiler.ResetCache(age); err != nil {
			return err
		}
		fmt.Fprintln(r.out, "cache reset")
	default:
		return fmt.Errorf("unknown command %s", name)
	}
	return nil
}

func (r *repl) drop() {
	if r.last != nil {
		r.last.Close()
		r.last = nil
	}
}
