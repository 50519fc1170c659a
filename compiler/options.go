package compiler

import (
	"maps"

	"go.uber.org/zap"
)

// Option configures a Compiler.
type Option func(*config)

type config struct {
	inputs      map[string]string
	fontPaths   []string
	packagePath string
	systemFonts bool
	logger      *zap.Logger
}

func defaultConfig() config {
	return config{
		systemFonts: true,
		logger:      zap.NewNop(),
	}
}

// WithInputs sets the values visible to documents as sys.inputs. Later
// calls merge into earlier ones.
func WithInputs(inputs map[string]string) Option {
	return func(c *config) {
		if c.inputs == nil {
			c.inputs = make(map[string]string, len(inputs))
		}
		maps.Copy(c.inputs, inputs)
	}
}

// WithInput sets a single sys.inputs value.
func WithInput(key, value string) Option {
	return func(c *config) {
		if c.inputs == nil {
			c.inputs = make(map[string]string)
		}
		c.inputs[key] = value
	}
}

// WithFontPaths adds directories searched for fonts.
func WithFontPaths(paths ...string) Option {
	return func(c *config) {
		c.fontPaths = append(c.fontPaths, paths...)
	}
}

// WithPackagePath sets the directory packages are resolved from.
func WithPackagePath(path string) Option {
	return func(c *config) {
		c.packagePath = path
	}
}

// WithSystemFonts controls whether fonts installed on the host are
// visible. Default is true.
func WithSystemFonts(enabled bool) Option {
	return func(c *config) {
		c.systemFonts = enabled
	}
}

// WithLogger sets the logger. Default discards everything.
func WithLogger(l *zap.Logger) Option {
	return func(c *config) {
		if l != nil {
			c.logger = l
		}
	}
}
