// Package logging builds the zap logger shared by all components.
// Components receive named child loggers (log.Named("orchestrator")) and
// attach structured fields; only main decides exit codes.
package logging

import (
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New creates a logger writing to stderr.
// level is one of debug/info/warn/error; format is "console" or "json".
func New(level, format string) (*zap.Logger, error) {
	return build(level, format, []string{"stderr"})
}

// NewFile creates a logger appending to the file at path, creating parent
// directories as needed. Used when the terminal is occupied by the UI.
func NewFile(level, format, path string) (*zap.Logger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating log directory: %w", err)
	}
	return build(level, format, []string{path})
}

func build(level, format string, outputs []string) (*zap.Logger, error) {
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	if format == "" {
		format = "console"
	}
	if format != "console" && format != "json" {
		return nil, fmt.Errorf("invalid log format %q (want console or json)", format)
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	if format == "console" {
		encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
	}

	cfg := zap.Config{
		Level:            zap.NewAtomicLevelAt(lvl),
		Encoding:         format,
		EncoderConfig:    encCfg,
		OutputPaths:      outputs,
		ErrorOutputPaths: outputs,
	}

	logger, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("building logger: %w", err)
	}
	return logger, nil
}

// Nop returns a logger that discards everything. Used by tests and as the
// fallback when a component is constructed without a logger.
func Nop() *zap.Logger {
	return zap.NewNop()
}
