// Package orchestrator drives one submission end to end. A single
// coordinating loop owns the task graph and applies the retry, replan, and
// failure policies; a bounded worker pool executes Ready tasks through the
// phase executor registry. Workers never mutate shared state; they report
// results over the loop's mailbox, and a dependent task only becomes Ready
// after the loop has committed its producers' outputs.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aristath/paperforge/internal/events"
	"github.com/aristath/paperforge/internal/executor"
	"github.com/aristath/paperforge/internal/graph"
	"github.com/aristath/paperforge/internal/plan"
	"github.com/aristath/paperforge/internal/task"
	"github.com/aristath/paperforge/internal/workspace"
)

// Settings tunes the coordinating loop.
type Settings struct {
	MaxWorkers    int                      // concurrency ceiling for phase execution
	MaxAttempts   int                      // attempts per task before it fails for good
	RetryInitial  time.Duration            // first retry backoff interval
	RetryMax      time.Duration            // backoff ceiling
	ShutdownGrace time.Duration            // wait for in-flight tasks after cancel
	Timeouts      map[string]time.Duration // phase kind name -> execution deadline
}

func (s Settings) withDefaults() Settings {
	if s.MaxWorkers <= 0 {
		s.MaxWorkers = 4
	}
	if s.MaxAttempts <= 0 {
		s.MaxAttempts = 3
	}
	if s.RetryInitial <= 0 {
		s.RetryInitial = 500 * time.Millisecond
	}
	if s.RetryMax <= 0 {
		s.RetryMax = 30 * time.Second
	}
	if s.ShutdownGrace <= 0 {
		s.ShutdownGrace = 10 * time.Second
	}
	return s
}

// Deps are the collaborators one orchestrator instance drives. Planner,
// Registry, Env and Workspaces are required; Live defaults to a fresh
// state, Store and Bus may be nil.
type Deps struct {
	Planner    *plan.Planner
	Live       *plan.LiveState
	Registry   *executor.Registry
	Env        *executor.Env // shared executor services; Workspace is bound by Submit or Restore
	Workspaces *workspace.Manager
	Store      Snapshotter // optional snapshot persistence
	Bus        *events.Bus // optional progress events
	Log        *zap.Logger
}

// Orchestrator coordinates one run.
type Orchestrator struct {
	cfg  Settings
	deps Deps
	log  *zap.Logger

	// results is sized to the worker count so a finishing worker never
	// blocks behind queued control messages.
	results  chan resultMsg
	ctrl     chan message
	loopDone chan struct{}

	mu        sync.Mutex
	state     *OrchestrationState
	cancelRun context.CancelFunc
	started   bool

	// retries holds the per-task backoff policy; attempts bound retries,
	// not elapsed time.
	retries map[string]backoff.BackOff
}

// New creates an orchestrator for a single run.
func New(cfg Settings, deps Deps) *Orchestrator {
	if deps.Live == nil {
		deps.Live = plan.NewLiveState()
	}
	log := deps.Log
	if log == nil {
		log = zap.NewNop()
	}
	cfg = cfg.withDefaults()
	return &Orchestrator{
		cfg:      cfg,
		deps:     deps,
		log:      log,
		results:  make(chan resultMsg, cfg.MaxWorkers),
		ctrl:     make(chan message, 16),
		loopDone: make(chan struct{}),
		retries:  make(map[string]backoff.BackOff),
	}
}

// Submit stages the input into a fresh run workspace, decomposes it into
// the initial task graph, stores the source record, and persists the first
// snapshot. Returns the run ID.
func (o *Orchestrator) Submit(ctx context.Context, input plan.Input) (string, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.state != nil {
		return "", errors.New("orchestrator already owns a run")
	}

	runID := newRunID()
	ws, err := o.deps.Workspaces.Create(runID)
	if err != nil {
		return "", fmt.Errorf("creating workspace for run %s: %w", runID, err)
	}
	o.deps.Env.Workspace = ws

	staged, err := stageInput(ws, input)
	if err != nil {
		return "", fmt.Errorf("staging input: %w", err)
	}

	payload, err := plan.RenderSource(staged)
	if err != nil {
		return "", err
	}
	if err := o.deps.Env.Memory.Put(plan.KeySource, payload); err != nil {
		return "", fmt.Errorf("storing run input: %w", err)
	}

	g, err := o.deps.Planner.Decompose(staged, o.deps.Live)
	if err != nil {
		return "", err
	}

	o.state = &OrchestrationState{
		RunID:           runID,
		Input:           staged,
		Graph:           g,
		AggregateStatus: RunPending,
	}
	if o.deps.Store != nil {
		if err := o.deps.Store.SaveRun(ctx, o.snapshot()); err != nil {
			return "", fmt.Errorf("saving initial snapshot: %w", err)
		}
	}

	o.log.Info("run submitted",
		zap.String("run", runID),
		zap.Stringer("source", staged.Kind),
		zap.Int("tasks", g.Len()))
	return runID, nil
}

// Restore loads a persisted snapshot instead of decomposing fresh input.
// Completed and Failed tasks keep their status; everything else returns to
// Pending with its attempt count intact, so the run resumes where it
// stopped without re-executing finished work.
func (o *Orchestrator) Restore(snap *Snapshot) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.state != nil {
		return errors.New("orchestrator already owns a run")
	}

	ws, err := o.deps.Workspaces.Open(snap.RunID)
	if err != nil {
		return fmt.Errorf("opening workspace for run %s: %w", snap.RunID, err)
	}
	o.deps.Env.Workspace = ws

	g := graph.New()
	for _, t := range snap.Tasks {
		rt := t.Clone()
		if !rt.Status.Terminal() {
			rt.Status = task.StatusPending
		}
		if err := g.Add(rt); err != nil {
			return fmt.Errorf("rebuilding graph for run %s: %w", snap.RunID, err)
		}
	}
	if _, err := g.Validate(); err != nil {
		return fmt.Errorf("restored graph for run %s is invalid: %w", snap.RunID, err)
	}

	// Context memory does not survive restarts. Re-seed the source record;
	// evicted analysis products regenerate through the usual gap path.
	payload, err := plan.RenderSource(snap.Input)
	if err != nil {
		return err
	}
	if err := o.deps.Env.Memory.Put(plan.KeySource, payload); err != nil {
		return fmt.Errorf("restoring run input: %w", err)
	}

	live := o.deps.Live
	live.RestoreFingerprints(snap.Fingerprints)
	for id, answer := range snap.Answers {
		live.Answer(id, answer)
	}
	for id, question := range snap.Questions {
		live.AskClarification(id, question)
	}

	o.state = &OrchestrationState{
		RunID:           snap.RunID,
		Input:           snap.Input,
		Graph:           g,
		History:         append([]HistoryEntry(nil), snap.History...),
		AggregateStatus: RunPending,
		StartedAt:       snap.StartedAt,
	}

	o.log.Info("run restored",
		zap.String("run", snap.RunID),
		zap.Int("tasks", g.Len()),
		zap.Int("history", len(snap.History)))
	return nil
}

// RunID returns the active run's identifier, or "" before Submit/Restore.
func (o *Orchestrator) RunID() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.state == nil {
		return ""
	}
	return o.state.RunID
}

// Report delivers an executor's successful result to the coordinating loop.
func (o *Orchestrator) Report(taskID string, outputs map[string]string) {
	o.report(resultMsg{taskID: taskID, outputs: outputs})
}

// ReportFailure delivers an executor's error to the coordinating loop,
// which classifies it and applies retry, replan, or terminal failure.
func (o *Orchestrator) ReportFailure(taskID string, err error) {
	o.report(resultMsg{taskID: taskID, err: err})
}

func (o *Orchestrator) report(res resultMsg) {
	select {
	case o.results <- res:
	case <-o.loopDone:
	}
}

// Clarify merges an out-of-band answer into the planner's live state. The
// next replan and any executor that consults the live state see it. Returns
// whether the answer matched a pending question.
func (o *Orchestrator) Clarify(id, answer string) bool {
	matched := o.deps.Live.Answer(id, answer)
	o.publish(events.TopicPlan, events.ClarificationReceivedEvent{
		ID:        id,
		Answer:    answer,
		Timestamp: time.Now(),
	})
	o.sendCtrl(clarifyMsg{id: id})
	o.log.Info("clarification received", zap.String("id", id), zap.Bool("pending", matched))
	return matched
}

// Cancel stops dispatch and cooperatively cancels in-flight executors. The
// run drains to Cancelled within the shutdown grace period.
func (o *Orchestrator) Cancel() {
	o.mu.Lock()
	cancel := o.cancelRun
	o.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// resultMsg carries one executor outcome; exactly one of outputs/err is set.
type resultMsg struct {
	taskID  string
	outputs map[string]string
	err     error
}

// message is the control mailbox vocabulary: everything that is not a
// worker result.
type message interface{ isMessage() }

// requeueMsg fires when a retry backoff timer elapses.
type requeueMsg struct {
	taskID string
}

// clarifyMsg nudges the loop to persist after an answer lands.
type clarifyMsg struct {
	id string
}

func (requeueMsg) isMessage() {}
func (clarifyMsg) isMessage() {}

// sendCtrl queues a control message without ever blocking past run end.
func (o *Orchestrator) sendCtrl(msg message) {
	select {
	case o.ctrl <- msg:
	case <-o.loopDone:
	}
}

func (o *Orchestrator) publish(topic string, ev events.Event) {
	if o.deps.Bus != nil {
		o.deps.Bus.Publish(topic, ev)
	}
}

// newRunID builds a sortable, collision-resistant run identifier.
func newRunID() string {
	return time.Now().UTC().Format("20060102-150405") + "-" + uuid.NewString()[:8]
}

// stageInput copies a file input into the run workspace so every later
// phase (and a resumed run) reads the same bytes through the gateway's
// workspace root. Text and URL inputs pass through unchanged.
func stageInput(ws *workspace.Workspace, input plan.Input) (plan.Input, error) {
	if input.Kind != plan.SourceFile {
		return input, nil
	}
	data, err := os.ReadFile(input.Path)
	if err != nil {
		return plan.Input{}, fmt.Errorf("reading input document: %w", err)
	}
	rel := path.Join("input", filepath.Base(input.Path))
	if err := ws.WriteArtifact(rel, data); err != nil {
		return plan.Input{}, err
	}
	staged := input
	staged.Path = rel
	if staged.Title == "" {
		base := filepath.Base(input.Path)
		staged.Title = strings.TrimSuffix(base, filepath.Ext(base))
	}
	return staged, nil
}

// pinnedInputs lists the context keys a task's inputs reference, so the
// memory store will not evict them mid-execution.
func pinnedInputs(t *task.PhaseTask) []string {
	prefixes := []string{plan.PrefixContext, plan.PrefixReference, plan.PrefixDocument, plan.PrefixCode}
	var keys []string
	for _, v := range t.Inputs {
		for _, prefix := range prefixes {
			if strings.HasPrefix(v, prefix) {
				keys = append(keys, v)
				break
			}
		}
	}
	sort.Strings(keys)
	return keys
}
