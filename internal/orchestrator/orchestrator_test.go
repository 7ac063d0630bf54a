package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/aristath/paperforge/internal/events"
	"github.com/aristath/paperforge/internal/executor"
	"github.com/aristath/paperforge/internal/fault"
	"github.com/aristath/paperforge/internal/index"
	"github.com/aristath/paperforge/internal/memory"
	"github.com/aristath/paperforge/internal/plan"
	"github.com/aristath/paperforge/internal/task"
	"github.com/aristath/paperforge/internal/workspace"
)

var pipelineKinds = []task.Kind{
	task.KindAnalyzeIntent,
	task.KindAnalyzeDocument,
	task.KindPlan,
	task.KindGenerateCode,
}

func testSettings() Settings {
	return Settings{
		MaxWorkers:    1,
		MaxAttempts:   3,
		RetryInitial:  time.Millisecond,
		RetryMax:      5 * time.Millisecond,
		ShutdownGrace: 2 * time.Second,
	}
}

type stubExecutor struct {
	kind task.Kind
	fn   func(context.Context, *task.PhaseTask, *executor.Env) (map[string]string, error)
}

func (s stubExecutor) Kind() task.Kind { return s.kind }

func (s stubExecutor) Execute(ctx context.Context, t *task.PhaseTask, env *executor.Env) (map[string]string, error) {
	return s.fn(ctx, t, env)
}

type snapshotRecorder struct {
	mu    sync.Mutex
	saves []*Snapshot
}

func (r *snapshotRecorder) SaveRun(_ context.Context, snap *Snapshot) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.saves = append(r.saves, snap)
	return nil
}

func (r *snapshotRecorder) last() *Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.saves) == 0 {
		return nil
	}
	return r.saves[len(r.saves)-1]
}

type harness struct {
	t     *testing.T
	orc   *Orchestrator
	reg   *executor.Registry
	env   *executor.Env
	live  *plan.LiveState
	bus   *events.Bus
	snaps *snapshotRecorder
	mgr   *workspace.Manager

	mu    sync.Mutex
	execs map[string]int // task ID -> execution count
}

func newHarness(t *testing.T, cfg Settings) *harness {
	return newHarnessWithBase(t, cfg, t.TempDir())
}

func newHarnessWithBase(t *testing.T, cfg Settings, base string) *harness {
	t.Helper()
	mgr, err := workspace.NewManager(base, zap.NewNop())
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	ix, err := index.New(32)
	if err != nil {
		t.Fatalf("index.New: %v", err)
	}
	live := plan.NewLiveState()
	bus := events.NewBus()
	t.Cleanup(bus.Close)
	reg := executor.NewRegistry()
	env := &executor.Env{
		Memory: memory.New(1 << 20),
		Index:  ix,
		Live:   live,
		Bus:    bus,
		Log:    zap.NewNop(),
	}
	h := &harness{
		t:     t,
		reg:   reg,
		env:   env,
		live:  live,
		bus:   bus,
		snaps: &snapshotRecorder{},
		mgr:   mgr,
		execs: make(map[string]int),
	}
	h.orc = New(cfg, Deps{
		Planner:    plan.NewPlanner(plan.Options{}, nil),
		Live:       live,
		Registry:   reg,
		Env:        env,
		Workspaces: mgr,
		Store:      h.snaps,
		Bus:        bus,
	})
	return h
}

// stub registers an executor for a kind; the harness counts executions by
// task ID before the behavior runs, so fn sees count >= 1.
func (h *harness) stub(kind task.Kind, fn func(context.Context, *task.PhaseTask) (map[string]string, error)) {
	h.reg.Register(stubExecutor{kind: kind, fn: func(ctx context.Context, pt *task.PhaseTask, _ *executor.Env) (map[string]string, error) {
		h.mu.Lock()
		h.execs[pt.ID]++
		h.mu.Unlock()
		return fn(ctx, pt)
	}})
}

func (h *harness) ok(kinds ...task.Kind) {
	for _, k := range kinds {
		h.stub(k, func(context.Context, *task.PhaseTask) (map[string]string, error) {
			return map[string]string{"done": "yes"}, nil
		})
	}
}

func (h *harness) execCount(id string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.execs[id]
}

func (h *harness) submit() string {
	h.t.Helper()
	runID, err := h.orc.Submit(context.Background(), plan.Input{
		Kind:  plan.SourceText,
		Title: "test run",
		Text:  "implement the protocol described above",
	})
	if err != nil {
		h.t.Fatalf("Submit: %v", err)
	}
	return runID
}

func (h *harness) run() *RunReport {
	h.t.Helper()
	report, err := h.orc.Run(context.Background())
	if err != nil {
		h.t.Fatalf("Run: %v", err)
	}
	return report
}

func findTask(t *testing.T, snap *Snapshot, id string) *task.PhaseTask {
	t.Helper()
	for _, pt := range snap.Tasks {
		if pt.ID == id {
			return pt
		}
	}
	t.Fatalf("task %q not in snapshot", id)
	return nil
}

func retryEntries(snap *Snapshot, id string) int {
	n := 0
	for _, e := range snap.History {
		if e.TaskID == id && e.Status == task.StatusRetrying {
			n++
		}
	}
	return n
}

func TestRunCompletesPipeline(t *testing.T) {
	h := newHarness(t, testSettings())
	h.ok(pipelineKinds...)
	h.submit()

	report := h.run()
	if report.Status != RunCompleted {
		t.Fatalf("status = %v, failures = %+v", report.Status, report.Failures)
	}
	if report.Total != 4 || report.Completed != 4 || report.Failed != 0 {
		t.Fatalf("report counts = %+v", report)
	}

	snap := h.snaps.last()
	if snap == nil || snap.Status != RunCompleted {
		t.Fatalf("final snapshot = %+v", snap)
	}
	for _, pt := range snap.Tasks {
		if pt.Status != task.StatusCompleted {
			t.Fatalf("task %s finished as %v", pt.ID, pt.Status)
		}
		if pt.Outputs["done"] != "yes" {
			t.Fatalf("task %s outputs not committed: %v", pt.ID, pt.Outputs)
		}
	}

	// Completion order respects the data dependencies.
	completed := make(map[string]int)
	for i, e := range snap.History {
		if e.Status == task.StatusCompleted {
			completed[e.TaskID] = i
		}
	}
	chain := []string{"analyze-intent", "analyze-document", "plan", "generate-code"}
	for i := 1; i < len(chain); i++ {
		if completed[chain[i-1]] > completed[chain[i]] {
			t.Fatalf("%s completed after %s", chain[i-1], chain[i])
		}
	}
}

func TestSubmitStagesFileInput(t *testing.T) {
	h := newHarness(t, testSettings())
	h.ok(pipelineKinds...)

	docPath := filepath.Join(t.TempDir(), "window paper.txt")
	if err := os.WriteFile(docPath, []byte("sliding window protocol"), 0o644); err != nil {
		t.Fatal(err)
	}

	runID, err := h.orc.Submit(context.Background(), plan.Input{Kind: plan.SourceFile, Path: docPath})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if runID == "" {
		t.Fatal("empty run ID")
	}

	payload, ok := h.env.Memory.Get(plan.KeySource)
	if !ok {
		t.Fatal("source record not stored")
	}
	in, err := plan.ParseStoredSource(payload)
	if err != nil {
		t.Fatalf("ParseStoredSource: %v", err)
	}
	if in.Path != "input/window paper.txt" {
		t.Fatalf("staged path = %q", in.Path)
	}
	if in.Title != "window paper" {
		t.Fatalf("derived title = %q", in.Title)
	}

	data, err := h.env.Workspace.ReadArtifact(in.Path)
	if err != nil {
		t.Fatalf("ReadArtifact: %v", err)
	}
	if string(data) != "sliding window protocol" {
		t.Fatalf("staged bytes = %q", data)
	}

	snap := h.snaps.last()
	if snap == nil || snap.RunID != runID || snap.Status != RunPending || len(snap.Tasks) != 4 {
		t.Fatalf("initial snapshot = %+v", snap)
	}
}

func TestSubmitTwiceRejected(t *testing.T) {
	h := newHarness(t, testSettings())
	h.ok(pipelineKinds...)
	h.submit()

	_, err := h.orc.Submit(context.Background(), plan.Input{Kind: plan.SourceText, Text: "again"})
	if err == nil || !strings.Contains(err.Error(), "already owns") {
		t.Fatalf("second Submit error = %v", err)
	}
}

func TestRunWithoutSubmit(t *testing.T) {
	h := newHarness(t, testSettings())
	if _, err := h.orc.Run(context.Background()); err == nil {
		t.Fatal("Run without a submitted run should fail")
	}
}

func TestDeterministicHistory(t *testing.T) {
	transcript := func() []string {
		h := newHarness(t, testSettings())
		h.ok(task.KindAnalyzeIntent, task.KindPlan, task.KindGenerateCode)
		h.stub(task.KindAnalyzeDocument, func(_ context.Context, pt *task.PhaseTask) (map[string]string, error) {
			if h.execCount(pt.ID) == 1 {
				return nil, errors.New("analyst connection reset")
			}
			return map[string]string{"done": "yes"}, nil
		})
		h.submit()
		if report := h.run(); report.Status != RunCompleted {
			t.Fatalf("status = %v, failures = %+v", report.Status, report.Failures)
		}

		var seq []string
		for _, e := range h.snaps.last().History {
			seq = append(seq, fmt.Sprintf("%s|%s|%d", e.TaskID, e.Status, e.Attempt))
		}
		return seq
	}

	first, second := transcript(), transcript()
	if !reflect.DeepEqual(first, second) {
		t.Fatalf("identical runs diverged:\n%v\n%v", first, second)
	}
}

func TestTransientRetryRecovery(t *testing.T) {
	h := newHarness(t, testSettings())
	h.ok(task.KindAnalyzeIntent, task.KindPlan, task.KindGenerateCode)
	h.stub(task.KindAnalyzeDocument, func(_ context.Context, pt *task.PhaseTask) (map[string]string, error) {
		if h.execCount(pt.ID) < 3 {
			return nil, errors.New("rate limited")
		}
		return map[string]string{"done": "yes"}, nil
	})
	h.submit()

	report := h.run()
	if report.Status != RunCompleted {
		t.Fatalf("status = %v, failures = %+v", report.Status, report.Failures)
	}

	snap := h.snaps.last()
	doc := findTask(t, snap, "analyze-document")
	if doc.AttemptCount != 3 {
		t.Fatalf("attempts = %d, want 3", doc.AttemptCount)
	}
	if n := retryEntries(snap, "analyze-document"); n != 2 {
		t.Fatalf("retry history entries = %d, want 2", n)
	}
}

func TestRetryExhaustion(t *testing.T) {
	cfg := testSettings()
	cfg.MaxAttempts = 2
	h := newHarness(t, cfg)
	h.ok(task.KindAnalyzeIntent, task.KindAnalyzeDocument, task.KindPlan)
	h.stub(task.KindGenerateCode, func(context.Context, *task.PhaseTask) (map[string]string, error) {
		return nil, errors.New("sandbox flake")
	})
	h.submit()

	report := h.run()
	if report.Status != RunFailed {
		t.Fatalf("status = %v", report.Status)
	}
	if h.execCount("generate-code") != 2 {
		t.Fatalf("executions = %d, want exactly the attempt limit", h.execCount("generate-code"))
	}

	gen := findTask(t, h.snaps.last(), "generate-code")
	if gen.Status != task.StatusFailed || gen.AttemptCount != 2 {
		t.Fatalf("task = %+v", gen)
	}
	if len(report.Failures) != 1 {
		t.Fatalf("failures = %+v", report.Failures)
	}
	reason := report.Failures[0].Reason
	if !strings.Contains(reason, "retries exhausted") || !strings.Contains(reason, "sandbox flake") {
		t.Fatalf("failure reason = %q", reason)
	}
}

func TestDiamondDependency(t *testing.T) {
	cfg := testSettings()
	cfg.MaxWorkers = 4
	h := newHarness(t, cfg)

	const runID = "run-diamond"
	if _, err := h.mgr.Create(runID); err != nil {
		t.Fatalf("Create workspace: %v", err)
	}
	mk := func(id string, kind task.Kind, deps ...string) *task.PhaseTask {
		return &task.PhaseTask{ID: id, Kind: kind, Status: task.StatusPending, DependsOn: deps}
	}
	snap := &Snapshot{
		RunID: runID,
		Input: plan.Input{Kind: plan.SourceText, Text: "diamond"},
		Tasks: []*task.PhaseTask{
			mk("a", task.KindAnalyzeIntent),
			mk("b", task.KindAnalyzeDocument),
			mk("c", task.KindMineReferences),
			mk("d", task.KindGenerateCode, "a", "b", "c"),
		},
	}
	if err := h.orc.Restore(snap); err != nil {
		t.Fatalf("Restore: %v", err)
	}

	var mu sync.Mutex
	done := make(map[string]bool)
	finish := func(_ context.Context, pt *task.PhaseTask) (map[string]string, error) {
		mu.Lock()
		done[pt.ID] = true
		mu.Unlock()
		return nil, nil
	}
	h.stub(task.KindAnalyzeIntent, finish)
	h.stub(task.KindAnalyzeDocument, finish)
	h.stub(task.KindMineReferences, finish)
	h.stub(task.KindGenerateCode, func(_ context.Context, pt *task.PhaseTask) (map[string]string, error) {
		mu.Lock()
		defer mu.Unlock()
		for _, dep := range []string{"a", "b", "c"} {
			if !done[dep] {
				return nil, fmt.Errorf("dependency %s had not finished when %s started", dep, pt.ID)
			}
		}
		return nil, nil
	})

	report := h.run()
	if report.Status != RunCompleted || report.Completed != 4 {
		t.Fatalf("report = %+v, failures = %+v", report, report.Failures)
	}
}

func TestGapTriggersReplan(t *testing.T) {
	h := newHarness(t, testSettings())
	h.ok(task.KindAnalyzeIntent, task.KindAnalyzeDocument, task.KindPlan)
	h.stub(task.KindGenerateCode, func(_ context.Context, pt *task.PhaseTask) (map[string]string, error) {
		if h.execCount(pt.ID) == 1 {
			return nil, &fault.SpecificationGapError{
				TaskID:  pt.ID,
				Missing: []string{"doc:eviction-policy"},
				Hint:    "need the eviction rules",
			}
		}
		return map[string]string{"artifacts": "a.go"}, nil
	})
	planEvents := h.bus.Subscribe(events.TopicPlan, 8)
	h.submit()

	report := h.run()
	if report.Status != RunCompleted {
		t.Fatalf("status = %v, failures = %+v", report.Status, report.Failures)
	}
	if report.Total != 5 {
		t.Fatalf("graph did not grow by one remediation task: total = %d", report.Total)
	}

	snap := h.snaps.last()
	var remID string
	for _, pt := range snap.Tasks {
		if strings.HasPrefix(pt.ID, "analyze-document-gap-") {
			remID = pt.ID
		}
	}
	if remID == "" {
		t.Fatalf("no remediation task in %+v", snap.Tasks)
	}
	rem := findTask(t, snap, remID)
	if rem.Status != task.StatusCompleted {
		t.Fatalf("remediation task status = %v", rem.Status)
	}
	if rem.Inputs["missing"] != "doc:eviction-policy" || rem.Inputs["for"] != "generate-code" {
		t.Fatalf("remediation inputs = %v", rem.Inputs)
	}
	if rem.Inputs["hint"] != "need the eviction rules" {
		t.Fatalf("remediation hint = %q", rem.Inputs["hint"])
	}

	gen := findTask(t, snap, "generate-code")
	if gen.Status != task.StatusCompleted || gen.AttemptCount != 2 {
		t.Fatalf("gapped task = %+v", gen)
	}

	found := false
	for {
		var ev events.Event
		select {
		case ev = <-planEvents:
		default:
			ev = nil
		}
		if ev == nil {
			break
		}
		if re, ok := ev.(events.ReplanEvent); ok {
			found = true
			if re.ID != "generate-code" || len(re.Inserted) != 1 || re.Inserted[0] != remID {
				t.Fatalf("replan event = %+v", re)
			}
		}
	}
	if !found {
		t.Fatal("no replan event published")
	}
}

func TestDuplicateGapFailsBranch(t *testing.T) {
	h := newHarness(t, testSettings())
	h.ok(task.KindAnalyzeIntent, task.KindAnalyzeDocument, task.KindPlan)
	h.stub(task.KindGenerateCode, func(_ context.Context, pt *task.PhaseTask) (map[string]string, error) {
		return nil, &fault.SpecificationGapError{
			TaskID:  pt.ID,
			Missing: []string{"doc:eviction-policy"},
			Hint:    "need the eviction rules",
		}
	})
	h.submit()

	report := h.run()
	if report.Status != RunFailed {
		t.Fatalf("status = %v", report.Status)
	}
	if report.Total != 5 {
		t.Fatalf("repeated gap must not grow the graph again: total = %d", report.Total)
	}
	if h.execCount("generate-code") != 2 {
		t.Fatalf("executions = %d, want 2 (original attempt plus one after remediation)", h.execCount("generate-code"))
	}

	gen := findTask(t, h.snaps.last(), "generate-code")
	if gen.Status != task.StatusFailed || !strings.Contains(gen.LastError, "already planned") {
		t.Fatalf("gapped task = %+v", gen)
	}
}

func TestFatalFailureCascades(t *testing.T) {
	h := newHarness(t, testSettings())
	h.ok(task.KindAnalyzeIntent, task.KindPlan, task.KindGenerateCode)
	h.stub(task.KindAnalyzeDocument, func(_ context.Context, pt *task.PhaseTask) (map[string]string, error) {
		return nil, &fault.FatalAgentError{TaskID: pt.ID, Reason: "source document unreadable"}
	})
	h.submit()

	report := h.run()
	if report.Status != RunFailed {
		t.Fatalf("status = %v", report.Status)
	}
	if report.Completed != 1 || report.Failed != 3 {
		t.Fatalf("report counts = %+v", report)
	}
	if h.execCount("plan") != 0 || h.execCount("generate-code") != 0 {
		t.Fatal("dependents of a fatal failure must not execute")
	}

	snap := h.snaps.last()
	doc := findTask(t, snap, "analyze-document")
	if doc.AttemptCount != 1 {
		t.Fatalf("fatal failure retried: attempts = %d", doc.AttemptCount)
	}
	if n := retryEntries(snap, "analyze-document"); n != 0 {
		t.Fatalf("fatal failure has %d retry entries", n)
	}
	planTask := findTask(t, snap, "plan")
	if planTask.Status != task.StatusFailed || !strings.Contains(planTask.LastError, "dependency analyze-document failed") {
		t.Fatalf("cascaded task = %+v", planTask)
	}
}

func TestCancelMidRun(t *testing.T) {
	h := newHarness(t, testSettings())
	h.ok(task.KindAnalyzeIntent, task.KindPlan, task.KindGenerateCode)

	var once sync.Once
	started := make(chan struct{})
	h.stub(task.KindAnalyzeDocument, func(ctx context.Context, _ *task.PhaseTask) (map[string]string, error) {
		once.Do(func() { close(started) })
		<-ctx.Done()
		return nil, ctx.Err()
	})
	h.submit()

	var report *RunReport
	done := make(chan struct{})
	go func() {
		report, _ = h.orc.Run(context.Background())
		close(done)
	}()

	<-started
	h.orc.Cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("run did not stop after cancel")
	}
	if report == nil || report.Status != RunCancelled {
		t.Fatalf("report = %+v", report)
	}
	if h.execCount("plan") != 0 || h.execCount("generate-code") != 0 {
		t.Fatal("tasks dispatched after cancellation")
	}
	if snap := h.snaps.last(); snap.Status != RunCancelled {
		t.Fatalf("final snapshot status = %v", snap.Status)
	}
}

func TestPhaseTimeoutIsTransient(t *testing.T) {
	cfg := testSettings()
	cfg.Timeouts = map[string]time.Duration{"analyze-intent": 20 * time.Millisecond}
	h := newHarness(t, cfg)
	h.ok(task.KindAnalyzeDocument, task.KindPlan, task.KindGenerateCode)
	h.stub(task.KindAnalyzeIntent, func(ctx context.Context, pt *task.PhaseTask) (map[string]string, error) {
		if h.execCount(pt.ID) == 1 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(time.Second):
				return nil, errors.New("deadline never fired")
			}
		}
		return map[string]string{"done": "yes"}, nil
	})
	h.submit()

	report := h.run()
	if report.Status != RunCompleted {
		t.Fatalf("status = %v, failures = %+v", report.Status, report.Failures)
	}

	snap := h.snaps.last()
	intent := findTask(t, snap, "analyze-intent")
	if intent.AttemptCount != 2 {
		t.Fatalf("attempts = %d, want 2", intent.AttemptCount)
	}
	if n := retryEntries(snap, "analyze-intent"); n != 1 {
		t.Fatalf("retry entries = %d, want 1", n)
	}
}

func TestClarifyFeedsLiveState(t *testing.T) {
	h := newHarness(t, testSettings())
	h.live.AskClarification("q-lang", "Which language should the artifact use?")
	received := h.bus.Subscribe(events.TopicPlan, 4)

	if !h.orc.Clarify("q-lang", "Python 3.12") {
		t.Fatal("answer to a pending question reported as unmatched")
	}
	if got := h.live.Answers()["q-lang"]; got != "Python 3.12" {
		t.Fatalf("answer = %q", got)
	}

	select {
	case ev := <-received:
		cr, ok := ev.(events.ClarificationReceivedEvent)
		if !ok || cr.ID != "q-lang" || cr.Answer != "Python 3.12" {
			t.Fatalf("event = %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("no clarification event published")
	}

	// Unsolicited answers are kept but reported as unmatched.
	if h.orc.Clarify("q-unknown", "whatever") {
		t.Fatal("unsolicited answer reported as matching a pending question")
	}
}

func TestRestoreResumesWithoutReexecution(t *testing.T) {
	base := t.TempDir()

	h1 := newHarnessWithBase(t, testSettings(), base)
	h1.ok(pipelineKinds...)
	h1.submit()
	if report := h1.run(); report.Status != RunCompleted {
		t.Fatalf("first run status = %v", report.Status)
	}
	final := h1.snaps.last()

	// Rewind the snapshot to a mid-run crash: plan was executing, generate
	// had not started.
	resume := *final
	for _, pt := range resume.Tasks {
		switch pt.ID {
		case "plan":
			pt.Status = task.StatusExecuting
			pt.Outputs = nil
		case "generate-code":
			pt.Status = task.StatusPending
			pt.Outputs = nil
		}
	}

	h2 := newHarnessWithBase(t, testSettings(), base)
	h2.ok(pipelineKinds...)
	if err := h2.orc.Restore(&resume); err != nil {
		t.Fatalf("Restore: %v", err)
	}

	report := h2.run()
	if report.Status != RunCompleted {
		t.Fatalf("resumed run status = %v, failures = %+v", report.Status, report.Failures)
	}
	if h2.execCount("analyze-intent") != 0 || h2.execCount("analyze-document") != 0 {
		t.Fatal("completed tasks re-executed on resume")
	}
	if h2.execCount("plan") != 1 || h2.execCount("generate-code") != 1 {
		t.Fatalf("unfinished tasks not resumed: plan=%d generate=%d",
			h2.execCount("plan"), h2.execCount("generate-code"))
	}
	if _, ok := h2.env.Memory.Get(plan.KeySource); !ok {
		t.Fatal("source record not reseeded on restore")
	}
}

func TestNoExecutorRegisteredFailsFatally(t *testing.T) {
	h := newHarness(t, testSettings())
	h.ok(task.KindAnalyzeIntent, task.KindAnalyzeDocument, task.KindGenerateCode)
	// No executor for the plan phase.
	h.submit()

	report := h.run()
	if report.Status != RunFailed {
		t.Fatalf("status = %v", report.Status)
	}

	snap := h.snaps.last()
	planTask := findTask(t, snap, "plan")
	if planTask.Status != task.StatusFailed || !strings.Contains(planTask.LastError, "no executor registered") {
		t.Fatalf("plan task = %+v", planTask)
	}
	if planTask.AttemptCount != 1 {
		t.Fatalf("missing executor retried: attempts = %d", planTask.AttemptCount)
	}
	if h.execCount("generate-code") != 0 {
		t.Fatal("dependent executed after fatal dispatch failure")
	}
}

func TestPinnedInputs(t *testing.T) {
	pt := &task.PhaseTask{Inputs: map[string]string{
		"blueprint": "ctx:blueprint",
		"refs":      "ref:",
		"section":   "doc:tiers",
		"artifact":  "code:a.go",
		"hint":      "free text about nothing",
		"for":       "generate-code",
	}}
	got := pinnedInputs(pt)
	want := []string{"code:a.go", "ctx:blueprint", "doc:tiers", "ref:"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("pinnedInputs = %v, want %v", got, want)
	}
}

func TestRunStatusRoundTrip(t *testing.T) {
	for st := RunPending; st <= RunCancelled; st++ {
		parsed, err := ParseRunStatus(st.String())
		if err != nil {
			t.Fatalf("ParseRunStatus(%q): %v", st.String(), err)
		}
		if parsed != st {
			t.Fatalf("round trip %v -> %v", st, parsed)
		}
	}
	if _, err := ParseRunStatus("bogus"); err == nil {
		t.Fatal("bogus status parsed")
	}

	terminal := map[RunStatus]bool{RunCompleted: true, RunFailed: true, RunCancelled: true}
	for st := RunPending; st <= RunCancelled; st++ {
		if st.Terminal() != terminal[st] {
			t.Fatalf("Terminal(%v) = %v", st, st.Terminal())
		}
	}
}
