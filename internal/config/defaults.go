package config

import "time"

// Default returns the built-in configuration. Loaded files and environment
// variables override individual fields.
func Default() *Config {
	return &Config{
		Run: RunConfig{
			MaxWorkers:    4,
			MaxAttempts:   3,
			RetryInitial:  500 * time.Millisecond,
			RetryMax:      30 * time.Second,
			ShutdownGrace: 10 * time.Second,
		},
		Memory: MemoryConfig{
			Budget: 512 * 1024,
		},
		Index: IndexConfig{
			EmbeddingDim:    128,
			EmbeddingWeight: 0.7,
			ProximityWeight: 0.3,
			MaxGraphDepth:   4,
		},
		Tools: ToolsConfig{
			ExecTimeout: 5 * time.Minute,
			HTTPTimeout: 30 * time.Second,
		},
		Agents: map[string]AgentConfig{
			"analyst": {
				Command: "claude",
				Timeout: 10 * time.Minute,
			},
			"planner": {
				Command: "claude",
				Timeout: 15 * time.Minute,
			},
			"coder": {
				Command: "claude",
				Timeout: 30 * time.Minute,
			},
		},
		Phases: PhasesConfig{
			Timeouts: map[string]time.Duration{
				"analyze-intent":   5 * time.Minute,
				"analyze-document": 15 * time.Minute,
				"plan":             20 * time.Minute,
				"mine-references":  10 * time.Minute,
				"index-code":       10 * time.Minute,
				"generate-code":    45 * time.Minute,
				"refine-code":      20 * time.Minute,
			},
			CompletenessThreshold: 0.85,
			MaxPlanRounds:         3,
			References:            true,
			Refinement:            false,
		},
		Paths: PathsConfig{
			Workspace: "~/.local/share/paperforge/workspaces",
			Database:  "~/.local/share/paperforge/runs.db",
			Inbox:     "~/.local/share/paperforge/inbox",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// applyDefaults fills nil maps and slices so callers can index without
// checking. Scalar defaults come from Default.
func applyDefaults(cfg *Config) {
	if cfg.Agents == nil {
		cfg.Agents = make(map[string]AgentConfig)
	}
	if cfg.Phases.Timeouts == nil {
		cfg.Phases.Timeouts = make(map[string]time.Duration)
	}
	for name, agent := range cfg.Agents {
		if agent.Command == "" {
			agent.Command = "claude"
		}
		if agent.Timeout == 0 {
			agent.Timeout = 15 * time.Minute
		}
		cfg.Agents[name] = agent
	}
}
