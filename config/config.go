// Package config handles classkit.toml tool configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Config represents a classkit.toml tool configuration.
type Config struct {
	Analysis Analysis `toml:"analysis"`
	Cache    Cache    `toml:"cache"`
	Log      Log      `toml:"log"`

	// Dir is the directory containing the classkit.toml file (set at load time).
	Dir string `toml:"-"`
}

// Analysis bounds the per-method work the tool accepts. Methods exceeding
// a bound are reported and skipped rather than analyzed.
type Analysis struct {
	MaxInstructions int `toml:"max-instructions"`
	MaxLocals       int `toml:"max-locals"`
	MaxStack        int `toml:"max-stack"`
}

// Cache configures the persistent result store.
type Cache struct {
	Enabled bool   `toml:"enabled"`
	Path    string `toml:"path"`
}

// Log configures diagnostic output.
type Log struct {
	Verbosity int `toml:"verbosity"`
}

// Default returns the configuration used when no classkit.toml exists.
// The JVM caps code length, locals and stack at 65535 slots each.
func Default() *Config {
	return &Config{
		Analysis: Analysis{
			MaxInstructions: 65535,
			MaxLocals:       65535,
			MaxStack:        65535,
		},
		Cache: Cache{Enabled: true},
	}
}

// Load parses a classkit.toml file from the given directory. A missing
// file is not an error; the defaults apply.
func Load(dir string) (*Config, error) {
	path := filepath.Join(dir, "classkit.toml")
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		c := Default()
		c.Dir = dir
		return c, nil
	}
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}

	c := Default()
	if err := toml.Unmarshal(data, c); err != nil {
		return nil, fmt.Errorf("parse error in %s: %w", path, err)
	}
	c.Dir = dir
	return c, nil
}

// Validate rejects configurations the tool cannot honor.
func (c *Config) Validate() error {
	if c.Analysis.MaxInstructions <= 0 {
		return fmt.Errorf("analysis.max-instructions must be positive, got %d", c.Analysis.MaxInstructions)
	}
	if c.Analysis.MaxLocals <= 0 || c.Analysis.MaxLocals > 65535 {
		return fmt.Errorf("analysis.max-locals must be in 1..65535, got %d", c.Analysis.MaxLocals)
	}
	if c.Analysis.MaxStack <= 0 || c.Analysis.MaxStack > 65535 {
		return fmt.Errorf("analysis.max-stack must be in 1..65535, got %d", c.Analysis.MaxStack)
	}
	return nil
}
