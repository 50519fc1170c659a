package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"
	json "github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"github.com/goodguyjay/typstgo/compiler"
)

// Overridden at build time via -ldflags "-X main.version=... -X main.gitCommit=...".
var (
	version   = "0.1.0-dev"
	gitCommit = ""
)

type versionPayload struct {
	Tool      string `json:"tool"`
	Version   string `json:"version"`
	GitCommit string `json:"git_commit,omitempty"`
	Engine    string `json:"engine,omitempty"`
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show typstgo and engine versions",
	Long: `Show the typstgo version. When an engine is configured its version is
reported too; an engine that fails to load is not an error here.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		format, _ := cmd.Flags().GetString("format")
		format = strings.ToLower(format)
		if format != "pretty" && format != "json" {
			return fmt.Errorf("unsupported format %q (must be pretty or json)", format)
		}

		payload := versionPayload{Tool: "typstgo", Version: version, GitCommit: gitCommit}
		if e, err := setup(cmd); err == nil {
			payload.Engine, _ = compiler.Version(e.engine)
			e.close(cmd.Context())
		}

		if format == "json" {
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(payload)
		}
		colorMode, _ := cmd.Flags().GetString("color")
		useColor, err := colorEnabled(colorMode, cmd.OutOrStdout())
		if err != nil {
			return err
		}
		renderVersionPretty(cmd.OutOrStdout(), payload, useColor)
		return nil
	},
}

func init() {
	versionCmd.Flags().String("format", "pretty", "Output format (pretty|json)")
	rootCmd.AddCommand(versionCmd)
}

func renderVersionPretty(out io.Writer, p versionPayload, useColor bool) {
	name := color.New(color.FgBlue, color.Bold)
	ver := color.New(color.FgGreen, color.Bold)
	if useColor {
		name.EnableColor()
		ver.EnableColor()
	} else {
		name.DisableColor()
		ver.DisableColor()
	}

	fmt.Fprintf(out, "%s %s\n", name.Sprint("typstgo"), ver.Sprint(p.Version))
	if p.GitCommit != "" {
		fmt.Fprintf(out, "commit: %s\n", p.GitCommit)
	}
	engine := p.Engine
	if engine == "" {
		engine = "not loaded"
	}
	fmt.Fprintf(out, "engine: %s\n", engine)
}
