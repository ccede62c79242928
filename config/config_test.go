package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	tomlContent := `
[analysis]
max-instructions = 5000
max-locals = 256
max-stack = 128

[cache]
enabled = false
path = "/tmp/classkit-test.db"

[log]
verbosity = 2
`
	if err := os.WriteFile(filepath.Join(dir, "classkit.toml"), []byte(tomlContent), 0644); err != nil {
		t.Fatal(err)
	}

	c, err := Load(dir)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if c.Analysis.MaxInstructions != 5000 {
		t.Errorf("max-instructions = %d, want 5000", c.Analysis.MaxInstructions)
	}
	if c.Analysis.MaxLocals != 256 {
		t.Errorf("max-locals = %d, want 256", c.Analysis.MaxLocals)
	}
	if c.Analysis.MaxStack != 128 {
		t.Errorf("max-stack = %d, want 128", c.Analysis.MaxStack)
	}
	if c.Cache.Enabled {
		t.Error("cache enabled = true, want false")
	}
	if c.Cache.Path != "/tmp/classkit-test.db" {
		t.Errorf("cache path = %q", c.Cache.Path)
	}
	if c.Log.Verbosity != 2 {
		t.Errorf("verbosity = %d, want 2", c.Log.Verbosity)
	}
	if c.Dir != dir {
		t.Errorf("dir = %q, want %q", c.Dir, dir)
	}
	if err := c.Validate(); err != nil {
		t.Errorf("Validate failed: %v", err)
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	c, err := Load(t.TempDir())
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if c.Analysis.MaxInstructions != 65535 || c.Analysis.MaxLocals != 65535 || c.Analysis.MaxStack != 65535 {
		t.Errorf("defaults = %+v, want JVM limits", c.Analysis)
	}
	if !c.Cache.Enabled {
		t.Error("cache should default to enabled")
	}
}

func TestLoadConfigPartial(t *testing.T) {
	dir := t.TempDir()
	tomlContent := `
[analysis]
max-locals = 10
`
	if err := os.WriteFile(filepath.Join(dir, "classkit.toml"), []byte(tomlContent), 0644); err != nil {
		t.Fatal(err)
	}
	c, err := Load(dir)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if c.Analysis.MaxLocals != 10 {
		t.Errorf("max-locals = %d, want 10", c.Analysis.MaxLocals)
	}
	// Unset keys keep their defaults.
	if c.Analysis.MaxInstructions != 65535 {
		t.Errorf("max-instructions = %d, want default 65535", c.Analysis.MaxInstructions)
	}
}

func TestValidate(t *testing.T) {
	bad := []*Config{
		{Analysis: Analysis{MaxInstructions: 0, MaxLocals: 1, MaxStack: 1}},
		{Analysis: Analysis{MaxInstructions: 1, MaxLocals: 0, MaxStack: 1}},
		{Analysis: Analysis{MaxInstructions: 1, MaxLocals: 1, MaxStack: 70000}},
	}
	for i, c := range bad {
		if err := c.Validate(); err == nil {
			t.Errorf("config %d accepted", i)
		}
	}
	if err := Default().Validate(); err != nil {
		t.Errorf("default config rejected: %v", err)
	}
}
