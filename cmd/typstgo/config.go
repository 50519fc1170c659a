package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
	"github.com/spf13/cobra"
)

const defaultConfigFile = "typstgo.toml"

// config is the optional typstgo.toml. Every field can be overridden by a
// flag.
type config struct {
	Engine      string            `toml:"engine"`
	CacheDir    string            `toml:"cache_dir"`
	Memory      string            `toml:"memory"`
	Root        string            `toml:"root"`
	PackagePath string            `toml:"package_path"`
	FontPaths   []string          `toml:"font_paths"`
	SystemFonts *bool             `toml:"system_fonts"`
	Inputs      map[string]string `toml:"inputs"`
	Mounts      []mountConfig     `toml:"mount"`
	Serve       serveConfig       `toml:"serve"`
}

type mountConfig struct {
	Host  string `toml:"host"`
	Guest string `toml:"guest"`
}

type serveConfig struct {
	Addr        string `toml:"addr"`
	SessionTTL  string `toml:"session_ttl"`
	CacheMaxAge string `toml:"cache_max_age"`
}

func loadConfigFromFlags(cmd *cobra.Command) (config, error) {
	path, _ := cmd.Flags().GetString("config")
	if path != "" {
		return loadConfig(path)
	}
	if _, err := os.Stat(defaultConfigFile); err == nil {
		return loadConfig(defaultConfigFile)
	}
	return config{}, nil
}

func loadConfig(path string) (config, error) {
	var cfg config
	meta, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return config{}, fmt.Errorf("config %s: %w", path, err)
		}
		return config{}, fmt.Errorf("%s: failed to parse TOML: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return config{}, fmt.Errorf("%s: unknown key %q", path, undecoded[0].String())
	}
	for i, m := range cfg.Mounts {
		if m.Host == "" || m.Guest == "" {
			return config{}, fmt.Errorf("%s: mount %d needs host and guest", path, i+1)
		}
	}
	return cfg, nil
}
