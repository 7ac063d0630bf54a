// Package gateway is the single entry point through which executors reach
// external capability: filesystem access, shell execution, HTTP fetches and
// MCP-served tools. Every invocation passes through a per-tool circuit
// breaker wrapped in exponential-backoff retry, so a flapping collaborator
// degrades into clean transient errors instead of hung pipelines.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/aristath/paperforge/internal/fault"
)

// Args carries the named arguments of a tool invocation. Values arrive as
// loose JSON-ish types; the typed getters below normalize the common cases.
type Args map[string]any

// String returns the string value under key, or "" when absent or mistyped.
func (a Args) String(key string) string {
	v, _ := a[key].(string)
	return v
}

// Int returns the integer value under key, accepting float64 as produced by
// JSON decoding. Returns 0 when absent or mistyped.
func (a Args) Int(key string) int {
	switch v := a[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}

// Bool returns the boolean value under key, or false when absent.
func (a Args) Bool(key string) bool {
	v, _ := a[key].(bool)
	return v
}

// Strings returns the string-slice value under key, accepting []any with
// string elements. Returns nil when absent or mistyped.
func (a Args) Strings(key string) []string {
	switch v := a[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil
			}
			out = append(out, s)
		}
		return out
	}
	return nil
}

// Result is the outcome of a tool invocation: the primary textual content
// plus structured side-channel fields (exit codes, content types, paths).
type Result struct {
	Content string
	Fields  map[string]string
}

// Tool is a single named capability.
type Tool interface {
	Name() string
	Description() string
	Invoke(ctx context.Context, args Args) (Result, error)
}

// Invoker dispatches a named tool invocation. Executors depend on this
// interface rather than on the concrete Gateway so tests can substitute
// scripted tool behavior. Has reports availability, letting a phase degrade
// when an optional tool (a search MCP server, say) is not configured.
type Invoker interface {
	Invoke(ctx context.Context, tool string, args Args) (Result, error)
	Has(tool string) bool
}

// Registry holds the tools available to a run, keyed by name.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry creates an empty tool registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds a tool. Names are global: registering a second tool under an
// already-taken name is an error, so misconfigured MCP servers surface at
// startup instead of shadowing each other silently.
func (r *Registry) Register(t Tool) error {
	name := t.Name()
	if name == "" {
		return errors.New("tool has empty name")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[name]; exists {
		return fmt.Errorf("tool %q already registered", name)
	}
	r.tools[name] = t
	return nil
}

// Get looks up a tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Names returns the registered tool names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Gateway wraps a Registry with per-tool resilience. It implements Invoker.
type Gateway struct {
	reg      *Registry
	breakers *CircuitBreakerRegistry
	retry    RetryConfig
	log      *zap.Logger
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithLogger sets the gateway logger.
func WithLogger(log *zap.Logger) Option {
	return func(g *Gateway) { g.log = log }
}

// WithRetryConfig overrides the retry policy applied around every invocation.
func WithRetryConfig(cfg RetryConfig) Option {
	return func(g *Gateway) { g.retry = cfg }
}

// New creates a Gateway over the given registry.
func New(reg *Registry, opts ...Option) *Gateway {
	g := &Gateway{
		reg:   reg,
		retry: DefaultRetryConfig(),
		log:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(g)
	}
	g.breakers = NewCircuitBreakerRegistry(g.log)
	return g
}

// Has reports whether a tool is registered.
func (g *Gateway) Has(name string) bool {
	_, ok := g.reg.Get(name)
	return ok
}

// Invoke dispatches a tool call through the tool's circuit breaker with
// exponential-backoff retry. Transient failures that survive the retry
// budget come back as *fault.TransientToolError; gap, planning and fatal
// errors from the tool pass through unchanged so the orchestrator can apply
// its own policy. An unknown tool name is unsatisfiable, not retryable.
func (g *Gateway) Invoke(ctx context.Context, name string, args Args) (Result, error) {
	tool, ok := g.reg.Get(name)
	if !ok {
		return Result{}, &fault.FatalAgentError{Reason: fmt.Sprintf("unknown tool %q", name)}
	}

	cb := g.breakers.Get(name)

	var res Result
	operation := func() error {
		// Check context first - fail fast if cancelled
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}

		out, err := cb.Execute(func() (interface{}, error) {
			return tool.Invoke(ctx, args)
		})
		if err != nil {
			// Circuit is open - stop this invocation, the breaker timeout
			// decides when the tool gets probed again.
			if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
				return backoff.Permanent(fmt.Errorf("tool %q unavailable: %w", name, err))
			}

			// Context cancelled mid-call - stop retrying
			if ctx.Err() != nil {
				return backoff.Permanent(err)
			}

			// Errors carrying their own policy are not the retry loop's to
			// absorb: gaps, planning conflicts and fatal conditions go
			// straight back to the orchestrator.
			if IsPermanent(err) || fault.Classify(err) != fault.ClassTransient {
				return backoff.Permanent(err)
			}

			g.log.Debug("tool invocation failed, retrying",
				zap.String("tool", name),
				zap.Error(err))
			return err
		}

		res = out.(Result)
		return nil
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = g.retry.InitialInterval
	policy.MaxInterval = g.retry.MaxInterval
	policy.MaxElapsedTime = g.retry.MaxElapsedTime
	policy.Multiplier = g.retry.Multiplier
	policy.RandomizationFactor = g.retry.RandomizationFactor

	if err := backoff.Retry(operation, backoff.WithContext(policy, ctx)); err != nil {
		return Result{}, g.classifyFailure(name, err)
	}
	return res, nil
}

// classifyFailure decides what the caller sees after the retry budget is
// spent. Cancellation and non-transient faults pass through untouched;
// everything else is a transient tool failure attributed to the tool.
func (g *Gateway) classifyFailure(tool string, err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	if IsPermanent(err) {
		return err
	}
	if fault.Classify(err) != fault.ClassTransient {
		return err
	}
	g.log.Warn("tool invocation exhausted retries",
		zap.String("tool", tool),
		zap.Error(err))
	return &fault.TransientToolError{Tool: tool, Err: err}
}
