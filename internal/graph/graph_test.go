package graph

import (
	"strings"
	"testing"

	"github.com/aristath/paperforge/internal/task"
)

func newTask(id string, deps ...string) *task.PhaseTask {
	return &task.PhaseTask{
		ID:        id,
		Kind:      task.KindGenerateCode,
		Status:    task.StatusPending,
		DependsOn: deps,
	}
}

func mustAdd(t *testing.T, g *TaskGraph, tasks ...*task.PhaseTask) {
	t.Helper()
	for _, pt := range tasks {
		if err := g.Add(pt); err != nil {
			t.Fatalf("Add(%s): %v", pt.ID, err)
		}
	}
}

func complete(t *testing.T, g *TaskGraph, ids ...string) {
	t.Helper()
	for _, id := range ids {
		if err := g.SetStatus(id, task.StatusReady); err != nil {
			t.Fatalf("SetStatus(%s, ready): %v", id, err)
		}
		if _, err := g.MarkExecuting(id); err != nil {
			t.Fatalf("MarkExecuting(%s): %v", id, err)
		}
		if err := g.MarkCompleted(id, nil); err != nil {
			t.Fatalf("MarkCompleted(%s): %v", id, err)
		}
	}
}

func TestAdd(t *testing.T) {
	tests := []struct {
		name        string
		setup       func(*TaskGraph)
		add         *task.PhaseTask
		wantErr     bool
		errContains string
	}{
		{
			name: "simple task",
			add:  newTask("a"),
		},
		{
			name: "empty ID rejected",
			add:  newTask(""),
			wantErr:     true,
			errContains: "empty ID",
		},
		{
			name: "duplicate ID rejected",
			setup: func(g *TaskGraph) {
				mustAdd(t, g, newTask("a"))
			},
			add:         newTask("a"),
			wantErr:     true,
			errContains: "already exists",
		},
		{
			name: "forward dependency reference allowed",
			add:  newTask("a", "not-yet-added"),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := New()
			if tt.setup != nil {
				tt.setup(g)
			}
			err := g.Add(tt.add)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error, got nil")
				}
				if !strings.Contains(err.Error(), tt.errContains) {
					t.Errorf("error %q does not contain %q", err, tt.errContains)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestAddAssignsSequence(t *testing.T) {
	g := New()
	mustAdd(t, g, newTask("a"), newTask("b"), newTask("c"))

	for i, id := range []string{"a", "b", "c"} {
		got, ok := g.Get(id)
		if !ok {
			t.Fatalf("Get(%s): not found", id)
		}
		if got.Seq != i {
			t.Errorf("task %s: Seq = %d, want %d", id, got.Seq, i)
		}
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name        string
		setup       func(*TaskGraph)
		wantErr     bool
		errContains string
		wantOrder   []string
	}{
		{
			name: "linear chain",
			setup: func(g *TaskGraph) {
				mustAdd(t, g, newTask("a"), newTask("b", "a"), newTask("c", "b"))
			},
			wantOrder: []string{"a", "b", "c"},
		},
		{
			name: "dangling dependency",
			setup: func(g *TaskGraph) {
				mustAdd(t, g, newTask("a", "ghost"))
			},
			wantErr:     true,
			errContains: "non-existent",
		},
		{
			name: "two-task cycle",
			setup: func(g *TaskGraph) {
				mustAdd(t, g, newTask("a", "b"), newTask("b", "a"))
			},
			wantErr:     true,
			errContains: "cycle",
		},
		{
			name: "self cycle",
			setup: func(g *TaskGraph) {
				mustAdd(t, g, newTask("a", "a"))
			},
			wantErr:     true,
			errContains: "cycle",
		},
		{
			name:      "empty graph",
			setup:     func(g *TaskGraph) {},
			wantOrder: []string{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := New()
			tt.setup(g)
			order, err := g.Validate()
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error, got nil")
				}
				if !strings.Contains(err.Error(), tt.errContains) {
					t.Errorf("error %q does not contain %q", err, tt.errContains)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if len(order) != len(tt.wantOrder) {
				t.Fatalf("order = %v, want %v", order, tt.wantOrder)
			}
			pos := make(map[string]int, len(order))
			for i, id := range order {
				pos[id] = i
			}
			// Dependencies must sort before their dependents.
			for _, pt := range g.Tasks() {
				for _, dep := range pt.DependsOn {
					if pos[dep] > pos[pt.ID] {
						t.Errorf("dependency %s sorted after %s", dep, pt.ID)
					}
				}
			}
		})
	}
}

func TestExtendRejectsCycleAndRollsBack(t *testing.T) {
	g := New()
	mustAdd(t, g, newTask("a"), newTask("b", "a"))

	// Inserting c depending on b while making a depend on c closes a loop.
	err := g.Extend(
		[]*task.PhaseTask{newTask("c", "b")},
		map[string][]string{"a": {"c"}},
	)
	if err == nil {
		t.Fatal("expected cycle error, got nil")
	}
	if !strings.Contains(err.Error(), "cycle") {
		t.Errorf("error %q does not mention cycle", err)
	}

	// Graph unchanged: c absent, a's dependencies untouched.
	if g.Len() != 2 {
		t.Errorf("Len() = %d, want 2", g.Len())
	}
	if _, ok := g.Get("c"); ok {
		t.Error("rejected task c was committed")
	}
	a, _ := g.Get("a")
	if len(a.DependsOn) != 0 {
		t.Errorf("a.DependsOn = %v, want empty", a.DependsOn)
	}
	if _, err := g.Validate(); err != nil {
		t.Errorf("graph invalid after rejected extension: %v", err)
	}
}

func TestExtendInsertsRemediationSubgraph(t *testing.T) {
	g := New()
	mustAdd(t, g, newTask("analyze"), newTask("generate", "analyze"))
	complete(t, g, "analyze")
	if err := g.SetStatus("generate", task.StatusReady); err != nil {
		t.Fatal(err)
	}
	if _, err := g.MarkExecuting("generate"); err != nil {
		t.Fatal(err)
	}
	if err := g.MarkAwaitingReplan("generate", "missing reference"); err != nil {
		t.Fatal(err)
	}

	err := g.Extend(
		[]*task.PhaseTask{newTask("mine-gap")},
		map[string][]string{"generate": {"mine-gap"}},
	)
	if err != nil {
		t.Fatalf("Extend: %v", err)
	}

	gen, _ := g.Get("generate")
	if len(gen.DependsOn) != 2 {
		t.Fatalf("generate.DependsOn = %v, want 2 entries", gen.DependsOn)
	}

	// Not yet satisfied: the remediation task is still pending.
	if ids := g.PromoteReplanned(); len(ids) != 0 {
		t.Fatalf("PromoteReplanned before remediation = %v, want none", ids)
	}

	complete(t, g, "mine-gap")
	ids := g.PromoteReplanned()
	if len(ids) != 1 || ids[0] != "generate" {
		t.Fatalf("PromoteReplanned = %v, want [generate]", ids)
	}
	gen, _ = g.Get("generate")
	if gen.Status != task.StatusPending {
		t.Errorf("generate status = %s, want pending", gen.Status)
	}
}

func TestPromoteReadyDiamond(t *testing.T) {
	g := New()
	mustAdd(t, g,
		newTask("a"),
		newTask("b"),
		newTask("c"),
		newTask("d", "a", "b", "c"),
	)

	promoted := g.PromoteReady()
	if len(promoted) != 3 {
		t.Fatalf("promoted = %v, want the three roots", promoted)
	}

	complete(t, g, "a", "b")
	if ids := g.PromoteReady(); len(ids) != 0 {
		t.Fatalf("d promoted with incomplete dependency: %v", ids)
	}

	complete(t, g, "c")
	ids := g.PromoteReady()
	if len(ids) != 1 || ids[0] != "d" {
		t.Fatalf("promoted = %v, want [d]", ids)
	}
}

func TestReadyOrdering(t *testing.T) {
	// shallow has no dependents; deep heads a three-task chain. Both are
	// ready, so deep must dispatch first despite its later insertion.
	g := New()
	mustAdd(t, g,
		newTask("shallow"),
		newTask("deep"),
		newTask("mid", "deep"),
		newTask("sink", "mid"),
	)
	g.PromoteReady()

	ready := g.Ready()
	if len(ready) != 2 {
		t.Fatalf("Ready() returned %d tasks, want 2", len(ready))
	}
	if ready[0].ID != "deep" || ready[1].ID != "shallow" {
		t.Errorf("order = [%s %s], want [deep shallow]", ready[0].ID, ready[1].ID)
	}

	if got := g.CriticalPath("deep"); got != 2 {
		t.Errorf("CriticalPath(deep) = %d, want 2", got)
	}
	if got := g.CriticalPath("shallow"); got != 0 {
		t.Errorf("CriticalPath(shallow) = %d, want 0", got)
	}
}

func TestReadyOrderingTieBreak(t *testing.T) {
	g := New()
	mustAdd(t, g, newTask("first"), newTask("second"), newTask("third"))
	g.PromoteReady()

	ready := g.Ready()
	want := []string{"first", "second", "third"}
	for i, pt := range ready {
		if pt.ID != want[i] {
			t.Fatalf("ready[%d] = %s, want %s (insertion order tie-break)", i, pt.ID, want[i])
		}
	}
}

func TestMarkExecutingCountsAttempts(t *testing.T) {
	g := New()
	mustAdd(t, g, newTask("a"))
	g.PromoteReady()

	n, err := g.MarkExecuting("a")
	if err != nil {
		t.Fatalf("MarkExecuting: %v", err)
	}
	if n != 1 {
		t.Errorf("attempt = %d, want 1", n)
	}

	if err := g.MarkRetrying("a", "boom"); err != nil {
		t.Fatal(err)
	}
	if err := g.SetStatus("a", task.StatusReady); err != nil {
		t.Fatal(err)
	}
	n, err = g.MarkExecuting("a")
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("attempt after retry = %d, want 2", n)
	}
	got, _ := g.Get("a")
	if got.LastError != "boom" {
		t.Errorf("LastError = %q, want boom", got.LastError)
	}
}

func TestInvalidTransitionRejected(t *testing.T) {
	g := New()
	mustAdd(t, g, newTask("a"))

	if err := g.SetStatus("a", task.StatusCompleted); err == nil {
		t.Error("pending -> completed accepted")
	}
	if err := g.SetStatus("missing", task.StatusReady); err == nil {
		t.Error("transition on unknown task accepted")
	}
}

func TestFailDependentsCascade(t *testing.T) {
	// root -> mid -> leaf, plus an unrelated task that must survive.
	g := New()
	mustAdd(t, g,
		newTask("root"),
		newTask("mid", "root"),
		newTask("leaf", "mid"),
		newTask("other"),
	)
	g.PromoteReady()
	if _, err := g.MarkExecuting("root"); err != nil {
		t.Fatal(err)
	}
	if err := g.MarkFailed("root", "agent crash"); err != nil {
		t.Fatal(err)
	}

	failed := g.FailDependents("root", "dependency root failed")
	if len(failed) != 2 || failed[0] != "mid" || failed[1] != "leaf" {
		t.Fatalf("failed = %v, want [mid leaf]", failed)
	}

	for _, id := range []string{"mid", "leaf"} {
		got, _ := g.Get(id)
		if got.Status != task.StatusFailed {
			t.Errorf("%s status = %s, want failed", id, got.Status)
		}
		if got.LastError != "dependency root failed" {
			t.Errorf("%s LastError = %q", id, got.LastError)
		}
	}

	other, _ := g.Get("other")
	if other.Status == task.StatusFailed {
		t.Error("unrelated task caught in cascade")
	}
}

func TestFailDependentsSkipsTerminal(t *testing.T) {
	g := New()
	mustAdd(t, g, newTask("root"), newTask("done", "root"))
	complete(t, g, "root", "done")

	if failed := g.FailDependents("root", "late failure"); len(failed) != 0 {
		t.Errorf("completed dependent re-failed: %v", failed)
	}
}

func TestCountsAndAllTerminal(t *testing.T) {
	g := New()
	mustAdd(t, g, newTask("a"), newTask("b", "a"))
	g.PromoteReady()

	counts := g.Counts()
	if counts[task.StatusReady] != 1 || counts[task.StatusPending] != 1 {
		t.Errorf("counts = %v", counts)
	}
	if g.AllTerminal() {
		t.Error("AllTerminal true with live tasks")
	}

	complete(t, g, "a")
	g.PromoteReady()
	complete(t, g, "b")
	if !g.AllTerminal() {
		t.Error("AllTerminal false with all tasks completed")
	}
}

func TestGetReturnsCopy(t *testing.T) {
	g := New()
	pt := newTask("a")
	pt.Inputs = map[string]string{"k": "v"}
	mustAdd(t, g, pt)

	got, _ := g.Get("a")
	got.Inputs["k"] = "mutated"
	got.Status = task.StatusFailed

	again, _ := g.Get("a")
	if again.Inputs["k"] != "v" {
		t.Error("caller mutation leaked into graph")
	}
	if again.Status != task.StatusPending {
		t.Error("caller status change leaked into graph")
	}
}
