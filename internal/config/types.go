package config

import "time"

// Config is the top-level configuration tree.
type Config struct {
	Run    RunConfig              `koanf:"run" yaml:"run"`
	Memory MemoryConfig           `koanf:"memory" yaml:"memory"`
	Index  IndexConfig            `koanf:"index" yaml:"index"`
	Tools  ToolsConfig            `koanf:"tools" yaml:"tools"`
	Agents map[string]AgentConfig `koanf:"agents" yaml:"agents"`
	Phases PhasesConfig           `koanf:"phases" yaml:"phases"`
	Paths  PathsConfig            `koanf:"paths" yaml:"paths"`
	Log    LogConfig              `koanf:"log" yaml:"log"`
}

// RunConfig tunes the coordinating loop and its worker pool.
type RunConfig struct {
	MaxWorkers    int           `koanf:"max_workers" yaml:"max_workers"`       // concurrency ceiling for phase execution
	MaxAttempts   int           `koanf:"max_attempts" yaml:"max_attempts"`     // attempts per task before it fails for good
	RetryInitial  time.Duration `koanf:"retry_initial" yaml:"retry_initial"`   // first retry backoff interval
	RetryMax      time.Duration `koanf:"retry_max" yaml:"retry_max"`           // backoff ceiling
	ShutdownGrace time.Duration `koanf:"shutdown_grace" yaml:"shutdown_grace"` // wait for in-flight tasks on cancel
}

// MemoryConfig bounds the context memory store.
type MemoryConfig struct {
	Budget int `koanf:"budget" yaml:"budget"` // total bytes across hot, warm and cold tiers
}

// IndexConfig tunes the code relationship index.
type IndexConfig struct {
	EmbeddingDim    int     `koanf:"embedding_dim" yaml:"embedding_dim"`
	EmbeddingWeight float64 `koanf:"embedding_weight" yaml:"embedding_weight"` // weight of vector similarity in combined score
	ProximityWeight float64 `koanf:"proximity_weight" yaml:"proximity_weight"` // weight of graph proximity in combined score
	MaxGraphDepth   int     `koanf:"max_graph_depth" yaml:"max_graph_depth"`   // BFS horizon for anchor proximity
}

// ToolsConfig governs the tool gateway and its MCP servers.
type ToolsConfig struct {
	ExecTimeout time.Duration     `koanf:"exec_timeout" yaml:"exec_timeout"`
	HTTPTimeout time.Duration     `koanf:"http_timeout" yaml:"http_timeout"`
	MCP         []MCPServerConfig `koanf:"mcp" yaml:"mcp,omitempty"`
}

// MCPServerConfig describes one stdio MCP server to launch and register.
type MCPServerConfig struct {
	Name    string   `koanf:"name" yaml:"name"`
	Command string   `koanf:"command" yaml:"command"`
	Args    []string `koanf:"args" yaml:"args,omitempty"`
	Env     []string `koanf:"env" yaml:"env,omitempty"`
}

// AgentConfig defines a role-specific CLI agent invocation.
type AgentConfig struct {
	Command string        `koanf:"command" yaml:"command"`
	Args    []string      `koanf:"args" yaml:"args,omitempty"`
	Model   string        `koanf:"model" yaml:"model,omitempty"`
	Timeout time.Duration `koanf:"timeout" yaml:"timeout"`
}

// PhasesConfig tunes individual pipeline phases.
type PhasesConfig struct {
	// Timeouts maps a phase kind name ("generate-code") to its deadline.
	// A missing entry means no per-phase deadline.
	Timeouts              map[string]time.Duration `koanf:"timeouts" yaml:"timeouts"`
	CompletenessThreshold float64                  `koanf:"completeness_threshold" yaml:"completeness_threshold"`
	MaxPlanRounds         int                      `koanf:"max_plan_rounds" yaml:"max_plan_rounds"`
	References            bool                     `koanf:"references" yaml:"references"` // mine reference repositories before generating
	Refinement            bool                     `koanf:"refinement" yaml:"refinement"` // run the refine pass after generation
}

// PathsConfig locates on-disk state.
type PathsConfig struct {
	Workspace string `koanf:"workspace" yaml:"workspace"` // run workspaces and artifacts
	Database  string `koanf:"database" yaml:"database"`   // SQLite snapshot database
	Inbox     string `koanf:"inbox" yaml:"inbox"`         // clarification drop directory
}

// LogConfig controls structured logging output.
type LogConfig struct {
	Level  string `koanf:"level" yaml:"level"`   // debug, info, warn, error
	Format string `koanf:"format" yaml:"format"` // console or json
}
