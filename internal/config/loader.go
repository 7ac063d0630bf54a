// Package config loads the engine configuration from YAML with
// environment-variable overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

// envPrefix namespaces environment overrides: PAPERFORGE_RUN_MAX_WORKERS
// maps to run.max_workers.
const envPrefix = "PAPERFORGE_"

const maxConfigFileSize = 1 << 20

// Load reads configuration with the usual precedence, highest first:
// environment variables, the YAML file at path, built-in defaults.
// A missing file is not an error; an unreadable or oversized one is.
// If path is empty the conventional location is used.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if path == "" {
		p, err := DefaultPath()
		if err != nil {
			return nil, err
		}
		path = p
	}

	if info, err := os.Stat(path); err == nil {
		if info.Size() > maxConfigFileSize {
			return nil, fmt.Errorf("config file too large: %d bytes (max %d)", info.Size(), maxConfigFileSize)
		}
		content, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}

	// PAPERFORGE_RUN_MAX_WORKERS -> run.max_workers: strip the prefix,
	// lowercase, then split section from field on the first underscore.
	if err := k.Load(env.Provider(envPrefix, ".", func(s string) string {
		lower := strings.ToLower(strings.TrimPrefix(s, envPrefix))
		parts := strings.SplitN(lower, "_", 2)
		if len(parts) == 1 {
			return lower
		}
		return parts[0] + "." + parts[1]
	}), nil); err != nil {
		return nil, fmt.Errorf("loading environment overrides: %w", err)
	}

	// Unmarshal over a fully-defaulted struct so absent keys keep their
	// defaults, including true-by-default booleans.
	cfg := Default()
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	applyDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// DefaultPath returns the conventional config file location.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("getting home directory: %w", err)
	}
	return filepath.Join(home, ".config", "paperforge", "config.yaml"), nil
}

// Validate checks invariants that would otherwise surface as confusing
// runtime failures.
func (c *Config) Validate() error {
	if c.Run.MaxWorkers < 1 {
		return fmt.Errorf("run.max_workers must be at least 1, got %d", c.Run.MaxWorkers)
	}
	if c.Run.MaxAttempts < 1 {
		return fmt.Errorf("run.max_attempts must be at least 1, got %d", c.Run.MaxAttempts)
	}
	if c.Memory.Budget <= 0 {
		return fmt.Errorf("memory.budget must be positive, got %d", c.Memory.Budget)
	}
	if c.Index.EmbeddingWeight < 0 || c.Index.ProximityWeight < 0 {
		return fmt.Errorf("index weights must be non-negative")
	}
	if c.Index.EmbeddingWeight+c.Index.ProximityWeight == 0 {
		return fmt.Errorf("index weights must not both be zero")
	}
	if c.Phases.CompletenessThreshold <= 0 || c.Phases.CompletenessThreshold > 1 {
		return fmt.Errorf("phases.completeness_threshold must be in (0, 1], got %v", c.Phases.CompletenessThreshold)
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level must be one of debug, info, warn, error; got %q", c.Log.Level)
	}
	switch c.Log.Format {
	case "console", "json":
	default:
		return fmt.Errorf("log.format must be console or json, got %q", c.Log.Format)
	}
	for i, mcp := range c.Tools.MCP {
		if mcp.Name == "" || mcp.Command == "" {
			return fmt.Errorf("tools.mcp[%d] needs both name and command", i)
		}
	}
	return nil
}
