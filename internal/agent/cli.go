package agent

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aristath/paperforge/internal/proc"
)

// Config describes how to reach one reasoning CLI.
type Config struct {
	Command   string        // CLI binary, e.g. "claude"
	Args      []string      // extra args placed before the generated ones
	Model     string        // optional model override
	System    string        // default system prompt
	WorkDir   string        // working directory for the subprocess
	Timeout   time.Duration // per-turn timeout, 0 means none
	SessionID string        // resume an existing session when set
}

// CLIAgent talks to a coding CLI in the claude style: a subprocess per turn,
// --session-id on the first call and --resume afterwards, JSON envelope on
// stdout. CLIs that print plain text or NDJSON streams still work through
// the fallback parsing.
type CLIAgent struct {
	command   string
	extraArgs []string
	model     string
	system    string
	workDir   string
	timeout   time.Duration
	procs     *proc.Manager
	log       *zap.Logger

	mu        sync.Mutex // one turn at a time per conversation
	sessionID string
	started   bool
}

// New creates an agent for one conversation. A fresh session ID is generated
// unless the config resumes an existing one.
func New(cfg Config, procs *proc.Manager, log *zap.Logger) (*CLIAgent, error) {
	if cfg.Command == "" {
		return nil, errors.New("agent command is required")
	}
	if log == nil {
		log = zap.NewNop()
	}
	sessionID := cfg.SessionID
	started := sessionID != ""
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	return &CLIAgent{
		command:   cfg.Command,
		extraArgs: append([]string(nil), cfg.Args...),
		model:     cfg.Model,
		system:    cfg.System,
		workDir:   cfg.WorkDir,
		timeout:   cfg.Timeout,
		procs:     procs,
		log:       log,
		sessionID: sessionID,
		started:   started,
	}, nil
}

// Send runs one turn of the conversation.
func (a *CLIAgent) Send(ctx context.Context, req Request) (Response, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	args := a.buildArgs(req, a.started)
	if a.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.timeout)
		defer cancel()
	}

	cmd := proc.Command(ctx, a.command, args...)
	cmd.Dir = a.workDir

	start := time.Now()
	stdout, stderr, err := proc.Run(ctx, cmd, a.procs)
	if err != nil {
		return Response{}, fmt.Errorf("agent %s: %w", a.command, err)
	}

	resp := parseResponse(stdout)
	if resp.Content == "" && len(stderr) > 0 {
		// Some CLIs report refusals on stderr with a zero exit.
		resp.Content = strings.TrimSpace(string(stderr))
	}
	if resp.SessionID != "" {
		a.sessionID = resp.SessionID
	} else {
		resp.SessionID = a.sessionID
	}
	a.started = true

	a.log.Debug("agent turn complete",
		zap.String("command", a.command),
		zap.String("session", a.sessionID),
		zap.Int("reply_bytes", len(resp.Content)),
		zap.Duration("took", time.Since(start)))
	return resp, nil
}

// SessionID returns the conversation identifier.
func (a *CLIAgent) SessionID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.sessionID
}

// Close is a no-op: the CLI runs subprocess-per-turn, nothing stays open.
func (a *CLIAgent) Close() error {
	return nil
}

// buildArgs constructs the CLI arguments for one turn. isResume selects
// --resume over --session-id.
func (a *CLIAgent) buildArgs(req Request, isResume bool) []string {
	args := append([]string(nil), a.extraArgs...)
	args = append(args, "-p", req.Prompt, "--output-format", "json")

	if isResume {
		args = append(args, "--resume", a.sessionID)
	} else {
		args = append(args, "--session-id", a.sessionID)
	}

	if a.model != "" {
		args = append(args, "--model", a.model)
	}

	system := req.System
	if system == "" {
		system = a.system
	}
	if system != "" {
		args = append(args, "--system-prompt", system)
	}

	return args
}

// envelope covers the reply shapes the known CLIs print: a flat result
// string, a nested content array, or a plain content field.
type envelope struct {
	SessionID string          `json:"session_id"`
	Content   string          `json:"content"`
	Result    json.RawMessage `json:"result"`
}

// text extracts the reply text from an envelope, or "" when it has none.
func (e *envelope) text() string {
	if len(e.Result) > 0 {
		var flat string
		if err := json.Unmarshal(e.Result, &flat); err == nil {
			return flat
		}
		var nested struct {
			Content []struct {
				Type string `json:"type"`
				Text string `json:"text"`
			} `json:"content"`
		}
		if err := json.Unmarshal(e.Result, &nested); err == nil {
			var b strings.Builder
			for _, item := range nested.Content {
				if item.Type == "text" {
					b.WriteString(item.Text)
				}
			}
			if b.Len() > 0 {
				return b.String()
			}
		}
	}
	return e.Content
}

// parseResponse decodes a CLI reply. Tries a single JSON envelope, then an
// NDJSON stream of envelopes, then falls back to the raw output so a CLI
// without JSON support still produces a usable reply.
func parseResponse(data []byte) Response {
	trimmed := bytes.TrimSpace(data)

	var env envelope
	if err := json.Unmarshal(trimmed, &env); err == nil {
		if content := env.text(); content != "" {
			return Response{Content: content, SessionID: env.SessionID}
		}
	}

	// NDJSON stream: accumulate content lines, keep the last session id seen.
	var (
		parts     []string
		sessionID string
		parsedAny bool
	)
	scanner := bufio.NewScanner(bytes.NewReader(trimmed))
	scanner.Buffer(make([]byte, 0, 64*1024), 4<<20)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var lineEnv envelope
		if err := json.Unmarshal(line, &lineEnv); err != nil {
			parsedAny = false
			break
		}
		parsedAny = true
		if lineEnv.SessionID != "" {
			sessionID = lineEnv.SessionID
		}
		if content := lineEnv.text(); content != "" {
			parts = append(parts, content)
		}
	}
	if parsedAny && len(parts) > 0 {
		return Response{Content: strings.Join(parts, "\n"), SessionID: sessionID}
	}

	return Response{Content: string(trimmed)}
}
