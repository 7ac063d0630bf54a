// Package executor implements the pipeline's phase executors. Each phase
// kind has exactly one executor; the coordinating loop dispatches a task by
// looking its kind up in the Registry. Executors do the phase's work against
// the shared services in Env and report results as an outputs map or a typed
// fault; they never touch the task graph.
package executor

import (
	"context"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/aristath/paperforge/internal/agent"
	"github.com/aristath/paperforge/internal/events"
	"github.com/aristath/paperforge/internal/fault"
	"github.com/aristath/paperforge/internal/gateway"
	"github.com/aristath/paperforge/internal/index"
	"github.com/aristath/paperforge/internal/memory"
	"github.com/aristath/paperforge/internal/plan"
	"github.com/aristath/paperforge/internal/task"
	"github.com/aristath/paperforge/internal/workspace"
)

// Agent roles the standard executors converse with. Each maps to an entry
// in the agents configuration.
const (
	RoleAnalyst = "analyst"
	RolePlanner = "planner"
	RoleCoder   = "coder"
)

// Env carries the shared services an executor works against. Memory, Tools,
// Agents, Index and Workspace are required; Live, Bus and Log may be nil.
type Env struct {
	Memory    *memory.Store
	Index     *index.Index
	Tools     gateway.Invoker
	Agents    agent.Provider
	Workspace *workspace.Workspace
	Live      *plan.LiveState
	Bus       *events.Bus
	Log       *zap.Logger
}

func (e *Env) logger() *zap.Logger {
	if e.Log == nil {
		return zap.NewNop()
	}
	return e.Log
}

func (e *Env) publish(topic string, ev events.Event) {
	if e.Bus != nil {
		e.Bus.Publish(topic, ev)
	}
}

// progress reports how far through its work a phase is.
func (e *Env) progress(t *task.PhaseTask, percent int, summary string) {
	e.publish(events.TopicTask, events.TaskProgressEvent{
		ID:        t.ID,
		Phase:     t.Kind.String(),
		Percent:   percent,
		Summary:   summary,
		Timestamp: time.Now(),
	})
}

// askClarification records a planning question and announces it. Questions
// already pending or answered are not re-raised. Returns the question's
// stable id.
func (e *Env) askClarification(taskID, question string) string {
	id := plan.ClarificationID(question)
	if e.Live == nil {
		return id
	}
	if _, ok := e.Live.Answers()[id]; ok {
		return id
	}
	if _, ok := e.Live.Pending()[id]; ok {
		return id
	}
	e.Live.AskClarification(id, question)
	e.publish(events.TopicPlan, events.ClarificationRequestedEvent{
		ID:        taskID,
		Question:  question,
		Timestamp: time.Now(),
	})
	return id
}

// Executor runs one phase kind.
type Executor interface {
	Kind() task.Kind
	Execute(ctx context.Context, t *task.PhaseTask, env *Env) (map[string]string, error)
}

// Registry is the dispatch table from phase kind to executor.
type Registry struct {
	executors map[task.Kind]Executor
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{executors: make(map[task.Kind]Executor)}
}

// Register installs an executor for its kind. A later registration replaces
// an earlier one, so callers can substitute a custom phase implementation.
func (r *Registry) Register(e Executor) {
	r.executors[e.Kind()] = e
}

// Get returns the executor for a kind.
func (r *Registry) Get(kind task.Kind) (Executor, bool) {
	e, ok := r.executors[kind]
	return e, ok
}

// Kinds returns the registered kinds sorted by name.
func (r *Registry) Kinds() []task.Kind {
	kinds := make([]task.Kind, 0, len(r.executors))
	for k := range r.executors {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i].String() < kinds[j].String() })
	return kinds
}

// Standard returns a registry with all seven pipeline executors.
func Standard(cfg Settings) *Registry {
	cfg = cfg.withDefaults()
	r := NewRegistry()
	r.Register(NewIntentExecutor(cfg))
	r.Register(NewDocumentExecutor(cfg))
	r.Register(NewPlanExecutor(cfg))
	r.Register(NewReferenceExecutor(cfg))
	r.Register(NewIndexExecutor(cfg))
	r.Register(NewGenerateExecutor(cfg))
	r.Register(NewRefineExecutor(cfg))
	return r
}

// Settings tunes the standard executors.
type Settings struct {
	// CompletenessThreshold is the blueprint score the plan phase aims for.
	CompletenessThreshold float64
	// MaxPlanRounds bounds blueprint regeneration inside the plan phase.
	MaxPlanRounds int
	// MaxRefineRounds bounds fix attempts inside the refine phase.
	MaxRefineRounds int
	// MaxReferences caps how many reference repositories get cloned.
	MaxReferences int
	// QueryTopK is how many index hits feed each generation prompt.
	QueryTopK int
	// MaxPromptBytes caps any single block of material in a prompt.
	MaxPromptBytes int
	// MaxIndexFiles caps how many files one indexing pass ingests.
	MaxIndexFiles int
	// MaxIndexFileBytes caps the content stored per indexed file.
	MaxIndexFileBytes int
	// SearchTool names the optional discovery tool (usually MCP-provided);
	// mine-references degrades to agent knowledge when it is absent.
	SearchTool string
	// Checks maps a blueprint language to the static check commands the
	// refine phase runs in the workspace sandbox.
	Checks map[string][]string
}

func (s Settings) withDefaults() Settings {
	if s.CompletenessThreshold <= 0 || s.CompletenessThreshold > 1 {
		s.CompletenessThreshold = 0.85
	}
	if s.MaxPlanRounds <= 0 {
		s.MaxPlanRounds = 3
	}
	if s.MaxRefineRounds <= 0 {
		s.MaxRefineRounds = 2
	}
	if s.MaxReferences <= 0 {
		s.MaxReferences = 3
	}
	if s.QueryTopK <= 0 {
		s.QueryTopK = 8
	}
	if s.MaxPromptBytes <= 0 {
		s.MaxPromptBytes = 96 * 1024
	}
	if s.MaxIndexFiles <= 0 {
		s.MaxIndexFiles = 400
	}
	if s.MaxIndexFileBytes <= 0 {
		s.MaxIndexFileBytes = 16 * 1024
	}
	if s.SearchTool == "" {
		s.SearchTool = "web_search"
	}
	if s.Checks == nil {
		s.Checks = map[string][]string{
			"go":     {"go build ./..."},
			"python": {"python -m compileall -q ."},
			"rust":   {"cargo check --quiet"},
		}
	}
	return s
}

// recall fetches a context key an upstream phase produced. A key lost to
// eviction is a specification gap: the replanner inserts a task that
// re-derives it from the source material.
func recall(env *Env, taskID, key string) (string, error) {
	if payload, ok := env.Memory.Get(key); ok {
		return payload, nil
	}
	return "", &fault.SpecificationGapError{
		TaskID:  taskID,
		Missing: []string{key},
		Hint:    "lost to context eviction",
	}
}

// missingKeys returns the gap keys a remediation task was inserted for.
// Empty for first-line pipeline tasks.
func missingKeys(t *task.PhaseTask) []string {
	raw := t.Inputs["missing"]
	if raw == "" {
		return nil
	}
	var keys []string
	for _, key := range strings.Split(raw, ",") {
		if key = strings.TrimSpace(key); key != "" {
			keys = append(keys, key)
		}
	}
	return keys
}

// clarificationAnswers renders every answered question as prompt material:
// live answers first, overlaid by the answers pinned into the task when it
// was inserted (they survive restarts).
func clarificationAnswers(t *task.PhaseTask, env *Env) string {
	merged := make(map[string]string)
	if env.Live != nil {
		for id, answer := range env.Live.Answers() {
			merged[id] = answer
		}
	}
	for key, value := range t.Inputs {
		if strings.HasPrefix(key, plan.PrefixClarify) {
			merged[strings.TrimPrefix(key, plan.PrefixClarify)] = value
		}
	}
	if len(merged) == 0 {
		return ""
	}
	ids := make([]string, 0, len(merged))
	for id := range merged {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	var b strings.Builder
	for _, id := range ids {
		b.WriteString("- ")
		b.WriteString(id)
		b.WriteString(": ")
		b.WriteString(merged[id])
		b.WriteString("\n")
	}
	return b.String()
}

// clip bounds a block of prompt material, marking the cut.
func clip(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	return s[:max] + "\n[truncated]"
}

// slugify reduces free text to a key-safe identifier.
func slugify(s string) string {
	var b strings.Builder
	lastDash := true
	for _, r := range strings.ToLower(strings.TrimSpace(s)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastDash = false
		default:
			if !lastDash {
				b.WriteByte('-')
				lastDash = true
			}
		}
	}
	slug := strings.Trim(b.String(), "-")
	if len(slug) > 48 {
		slug = strings.Trim(slug[:48], "-")
	}
	if slug == "" {
		return "item"
	}
	return slug
}

// normalizeGapKeys maps agent-reported missing items onto the context key
// vocabulary: already-prefixed keys pass through, free text becomes a doc:
// section key.
func normalizeGapKeys(keys []string) []string {
	var out []string
	for _, key := range keys {
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		switch {
		case strings.HasPrefix(key, plan.PrefixContext),
			strings.HasPrefix(key, plan.PrefixReference),
			strings.HasPrefix(key, plan.PrefixDocument),
			strings.HasPrefix(key, plan.PrefixCode):
			out = append(out, key)
		default:
			out = append(out, plan.PrefixDocument+slugify(key))
		}
	}
	return out
}
