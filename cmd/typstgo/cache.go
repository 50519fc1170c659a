package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/goodguyjay/typstgo/boundary"
)

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Compilation cache management commands",
}

var cacheClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Remove compiled engine modules from the disk cache",
	Long: `Remove the on-disk cache of compiled engine modules. The next run
recompiles the engine. In-engine document caches are evicted with
"typstgo serve --cache-max-age" or ":reset" in the REPL.`,
	RunE: runCacheClear,
}

var cacheDirCmd = &cobra.Command{
	Use:   "dir",
	Short: "Print the disk cache directory",
	RunE: func(cmd *cobra.Command, args []string) error {
		dir, err := cacheDir(cmd)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), dir)
		return nil
	},
}

func init() {
	cacheCmd.AddCommand(cacheClearCmd, cacheDirCmd)
	rootCmd.AddCommand(cacheCmd)
}

func cacheDir(cmd *cobra.Command) (string, error) {
	cfg, err := loadConfigFromFlags(cmd)
	if err != nil {
		return "", err
	}
	if cfg.CacheDir != "" {
		return cfg.CacheDir, nil
	}
	return boundary.DefaultCacheDir(), nil
}

func runCacheClear(cmd *cobra.Command, args []string) error {
	dir, err := cacheDir(cmd)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(dir); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to clear cache: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Cache cleared (%s).\n", dir)
	return nil
}
