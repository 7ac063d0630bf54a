package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	// Missing file is not an error; every default must survive validation.
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("Load with missing file: %v", err)
	}

	if cfg.Run.MaxWorkers != 4 {
		t.Errorf("run.max_workers = %d, want 4", cfg.Run.MaxWorkers)
	}
	if cfg.Run.MaxAttempts != 3 {
		t.Errorf("run.max_attempts = %d, want 3", cfg.Run.MaxAttempts)
	}
	if cfg.Memory.Budget != 512*1024 {
		t.Errorf("memory.budget = %d, want %d", cfg.Memory.Budget, 512*1024)
	}
	if !cfg.Phases.References {
		t.Error("phases.references should default to true")
	}
	if cfg.Phases.Refinement {
		t.Error("phases.refinement should default to false")
	}
	if cfg.Index.EmbeddingWeight != 0.7 || cfg.Index.ProximityWeight != 0.3 {
		t.Errorf("index weights = %v/%v, want 0.7/0.3",
			cfg.Index.EmbeddingWeight, cfg.Index.ProximityWeight)
	}
}

func TestLoadFileOverrides(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.yaml")
	content := `
run:
  max_workers: 8
memory:
  budget: 2048
phases:
  references: false
  timeouts:
    generate-code: 1h
agents:
  coder:
    command: codex
    model: gpt-5
tools:
  mcp:
    - name: search
      command: mcp-search
      args: ["--stdio"]
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("writing config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Run.MaxWorkers != 8 {
		t.Errorf("run.max_workers = %d, want 8", cfg.Run.MaxWorkers)
	}
	// Untouched fields keep defaults.
	if cfg.Run.MaxAttempts != 3 {
		t.Errorf("run.max_attempts = %d, want default 3", cfg.Run.MaxAttempts)
	}
	if cfg.Memory.Budget != 2048 {
		t.Errorf("memory.budget = %d, want 2048", cfg.Memory.Budget)
	}
	if cfg.Phases.References {
		t.Error("phases.references should be overridden to false")
	}
	if got := cfg.Phases.Timeouts["generate-code"]; got != time.Hour {
		t.Errorf("generate-code timeout = %v, want 1h", got)
	}

	coder, ok := cfg.Agents["coder"]
	if !ok {
		t.Fatal("agent coder not loaded")
	}
	if coder.Command != "codex" || coder.Model != "gpt-5" {
		t.Errorf("coder = %+v", coder)
	}
	if coder.Timeout == 0 {
		t.Error("agent timeout default not applied")
	}

	if len(cfg.Tools.MCP) != 1 || cfg.Tools.MCP[0].Name != "search" {
		t.Errorf("tools.mcp = %+v", cfg.Tools.MCP)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.yaml")
	if err := os.WriteFile(path, []byte("run:\n  max_workers: 8\n"), 0o600); err != nil {
		t.Fatalf("writing config: %v", err)
	}

	t.Setenv("PAPERFORGE_RUN_MAX_WORKERS", "2")
	t.Setenv("PAPERFORGE_LOG_LEVEL", "debug")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	// Environment beats file.
	if cfg.Run.MaxWorkers != 2 {
		t.Errorf("run.max_workers = %d, want env override 2", cfg.Run.MaxWorkers)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("log.level = %q, want debug", cfg.Log.Level)
	}
}

func TestLoadMalformedYAML(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.yaml")
	if err := os.WriteFile(path, []byte("run: [unclosed"), 0o600); err != nil {
		t.Fatalf("writing config: %v", err)
	}

	if _, err := Load(path); err == nil {
		t.Fatal("expected error for malformed YAML, got nil")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero workers", func(c *Config) { c.Run.MaxWorkers = 0 }},
		{"zero attempts", func(c *Config) { c.Run.MaxAttempts = 0 }},
		{"negative budget", func(c *Config) { c.Memory.Budget = -1 }},
		{"negative weight", func(c *Config) { c.Index.EmbeddingWeight = -0.5 }},
		{"zero weights", func(c *Config) {
			c.Index.EmbeddingWeight = 0
			c.Index.ProximityWeight = 0
		}},
		{"threshold above one", func(c *Config) { c.Phases.CompletenessThreshold = 1.5 }},
		{"unknown log level", func(c *Config) { c.Log.Level = "verbose" }},
		{"unknown log format", func(c *Config) { c.Log.Format = "xml" }},
		{"mcp server without command", func(c *Config) {
			c.Tools.MCP = []MCPServerConfig{{Name: "broken"}}
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error, got nil")
			}
		})
	}

	if err := Default().Validate(); err != nil {
		t.Errorf("defaults failed validation: %v", err)
	}
}
