// Package graph implements the task graph for one run: an arena of phase
// tasks addressed by stable string IDs with explicit dependency edges.
// Every insertion, including mid-run replanning, revalidates acyclicity;
// a rejected insertion leaves the graph untouched.
package graph

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/gammazero/toposort"

	"github.com/aristath/paperforge/internal/task"
)

// TaskGraph is a directed acyclic graph of phase tasks.
type TaskGraph struct {
	mu         sync.RWMutex
	tasks      map[string]*task.PhaseTask
	dependents map[string][]string // taskID -> tasks that depend on it
	nextSeq    int
	heights    map[string]int // memoized critical-path heights; nil when stale
}

// New creates an empty task graph.
func New() *TaskGraph {
	return &TaskGraph{
		tasks:      make(map[string]*task.PhaseTask),
		dependents: make(map[string][]string),
	}
}

// Add inserts a task and assigns its insertion sequence number.
// Returns an error if the task ID already exists. Dependencies need not
// exist yet; Validate catches dangling references.
func (g *TaskGraph) Add(t *task.PhaseTask) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.addLocked(t)
}

func (g *TaskGraph) addLocked(t *task.PhaseTask) error {
	if t.ID == "" {
		return fmt.Errorf("task has empty ID")
	}
	if _, exists := g.tasks[t.ID]; exists {
		return fmt.Errorf("task with ID %q already exists", t.ID)
	}

	t.Seq = g.nextSeq
	g.nextSeq++
	g.tasks[t.ID] = t

	for _, depID := range t.DependsOn {
		g.dependents[depID] = append(g.dependents[depID], t.ID)
	}

	g.heights = nil
	return nil
}

// Validate runs a topological sort over the whole graph.
// Returns ordered task IDs, or an error naming the cycle or the dangling
// dependency. Also verifies no task was lost to a disconnected component.
func (g *TaskGraph) Validate() ([]string, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	deps := make(map[string][]string, len(g.tasks))
	for id, t := range g.tasks {
		deps[id] = t.DependsOn
	}
	return validateEdges(deps)
}

// validateEdges topologically sorts an id -> dependency-IDs map.
// Shared by Validate and the scratch check inside Extend.
func validateEdges(deps map[string][]string) ([]string, error) {
	for id, depIDs := range deps {
		for _, depID := range depIDs {
			if _, exists := deps[depID]; !exists {
				return nil, fmt.Errorf("task %q depends on non-existent task %q", id, depID)
			}
		}
	}

	var edges []toposort.Edge
	for id, depIDs := range deps {
		if len(depIDs) == 0 {
			// Root task: nil-edge keeps it in the sort result.
			edges = append(edges, toposort.Edge{nil, id})
		} else {
			for _, depID := range depIDs {
				edges = append(edges, toposort.Edge{depID, id})
			}
		}
	}

	sorted, err := toposort.Toposort(edges)
	if err != nil {
		return nil, fmt.Errorf("task graph contains cycle: %w", err)
	}

	order := make([]string, 0, len(sorted))
	for _, id := range sorted {
		if id != nil {
			order = append(order, id.(string))
		}
	}

	if len(order) != len(deps) {
		found := make(map[string]bool, len(order))
		for _, id := range order {
			found[id] = true
		}
		var missing []string
		for id := range deps {
			if !found[id] {
				missing = append(missing, id)
			}
		}
		sort.Strings(missing)
		return nil, fmt.Errorf("topological sort lost %d tasks: %s", len(missing), strings.Join(missing, ", "))
	}

	return order, nil
}

// Extend atomically inserts new tasks and new dependency edges on existing
// tasks. The combined result is validated on a scratch copy first; on any
// error the graph is unchanged. extraDeps maps an existing task ID to
// additional dependency IDs it gains (the replanned task depending on its
// remediation subgraph).
func (g *TaskGraph) Extend(add []*task.PhaseTask, extraDeps map[string][]string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	// Build the scratch dependency map: current graph + additions.
	deps := make(map[string][]string, len(g.tasks)+len(add))
	for id, t := range g.tasks {
		deps[id] = append([]string(nil), t.DependsOn...)
	}
	for _, t := range add {
		if t.ID == "" {
			return fmt.Errorf("task has empty ID")
		}
		if _, exists := deps[t.ID]; exists {
			return fmt.Errorf("task with ID %q already exists", t.ID)
		}
		deps[t.ID] = append([]string(nil), t.DependsOn...)
	}
	for id, newDeps := range extraDeps {
		if _, exists := deps[id]; !exists {
			return fmt.Errorf("cannot add dependencies to non-existent task %q", id)
		}
		deps[id] = append(deps[id], newDeps...)
	}

	if _, err := validateEdges(deps); err != nil {
		return err
	}

	// Scratch validated; commit.
	for _, t := range add {
		if err := g.addLocked(t); err != nil {
			return err
		}
	}
	for id, newDeps := range extraDeps {
		t := g.tasks[id]
		t.DependsOn = append(t.DependsOn, newDeps...)
		for _, depID := range newDeps {
			g.dependents[depID] = append(g.dependents[depID], id)
		}
	}

	g.heights = nil
	return nil
}

// Get returns a copy of the task by ID.
func (g *TaskGraph) Get(id string) (*task.PhaseTask, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	t, exists := g.tasks[id]
	if !exists {
		return nil, false
	}
	return t.Clone(), true
}

// Tasks returns copies of all tasks in insertion order.
func (g *TaskGraph) Tasks() []*task.PhaseTask {
	g.mu.RLock()
	defer g.mu.RUnlock()

	out := make([]*task.PhaseTask, 0, len(g.tasks))
	for _, t := range g.tasks {
		out = append(out, t.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out
}

// Len returns the number of tasks.
func (g *TaskGraph) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.tasks)
}

// Dependents returns the IDs of tasks directly depending on the given task.
func (g *TaskGraph) Dependents(id string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return append([]string(nil), g.dependents[id]...)
}

// depsCompleted reports whether every dependency of t is Completed.
func (g *TaskGraph) depsCompleted(t *task.PhaseTask) bool {
	for _, depID := range t.DependsOn {
		dep, exists := g.tasks[depID]
		if !exists || dep.Status != task.StatusCompleted {
			return false
		}
	}
	return true
}

// PromoteReady moves every Pending task whose dependencies are all
// Completed to Ready. Returns the promoted IDs in insertion order.
func (g *TaskGraph) PromoteReady() []string {
	g.mu.Lock()
	defer g.mu.Unlock()

	var promoted []string
	for _, t := range g.tasks {
		if t.Status != task.StatusPending {
			continue
		}
		if g.depsCompleted(t) {
			t.Status = task.StatusReady
			promoted = append(promoted, t.ID)
		}
	}
	g.sortBySeq(promoted)
	return promoted
}

// PromoteReplanned moves every AwaitingReplan task whose dependencies
// (including replan insertions) are all Completed back to Pending, so the
// next PromoteReady pass schedules it again. Returns the IDs in insertion
// order.
func (g *TaskGraph) PromoteReplanned() []string {
	g.mu.Lock()
	defer g.mu.Unlock()

	var promoted []string
	for _, t := range g.tasks {
		if t.Status != task.StatusAwaitingReplan {
			continue
		}
		if g.depsCompleted(t) {
			t.Status = task.StatusPending
			promoted = append(promoted, t.ID)
		}
	}
	g.sortBySeq(promoted)
	return promoted
}

// Ready returns copies of all Ready tasks ordered for dispatch: critical
// path first (longest remaining dependency chain), ties broken by insertion
// order.
func (g *TaskGraph) Ready() []*task.PhaseTask {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.computeHeights()

	var ready []*task.PhaseTask
	for _, t := range g.tasks {
		if t.Status == task.StatusReady {
			ready = append(ready, t.Clone())
		}
	}
	sort.Slice(ready, func(i, j int) bool {
		hi, hj := g.heights[ready[i].ID], g.heights[ready[j].ID]
		if hi != hj {
			return hi > hj
		}
		return ready[i].Seq < ready[j].Seq
	})
	return ready
}

// CriticalPath returns the length of the longest dependency chain hanging
// off the given task (0 for a sink).
func (g *TaskGraph) CriticalPath(id string) int {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.computeHeights()
	return g.heights[id]
}

// computeHeights fills the memoized longest-path-to-sink table.
// Caller holds the write lock. The graph is validated acyclic before
// scheduling starts, so the recursion terminates.
func (g *TaskGraph) computeHeights() {
	if g.heights != nil {
		return
	}
	g.heights = make(map[string]int, len(g.tasks))
	var height func(id string) int
	height = func(id string) int {
		if h, ok := g.heights[id]; ok {
			return h
		}
		best := 0
		for _, depID := range g.dependents[id] {
			if _, exists := g.tasks[depID]; !exists {
				continue
			}
			if h := height(depID) + 1; h > best {
				best = h
			}
		}
		g.heights[id] = best
		return best
	}
	for id := range g.tasks {
		height(id)
	}
}

// SetStatus applies a validated status transition.
func (g *TaskGraph) SetStatus(id string, to task.Status) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.setStatusLocked(id, to)
}

func (g *TaskGraph) setStatusLocked(id string, to task.Status) error {
	t, exists := g.tasks[id]
	if !exists {
		return fmt.Errorf("task %q not found", id)
	}
	if err := task.ValidateTransition(t.Status, to); err != nil {
		return fmt.Errorf("task %q: %w", id, err)
	}
	t.Status = to
	return nil
}

// MarkExecuting transitions a Ready task to Executing and increments its
// attempt count. Returns the new attempt count.
func (g *TaskGraph) MarkExecuting(id string) (int, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if err := g.setStatusLocked(id, task.StatusExecuting); err != nil {
		return 0, err
	}
	t := g.tasks[id]
	t.AttemptCount++
	return t.AttemptCount, nil
}

// MarkCompleted transitions an Executing task to Completed and records its
// outputs.
func (g *TaskGraph) MarkCompleted(id string, outputs map[string]string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if err := g.setStatusLocked(id, task.StatusCompleted); err != nil {
		return err
	}
	t := g.tasks[id]
	t.Outputs = outputs
	t.LastError = ""
	return nil
}

// MarkRetrying transitions an Executing task to Retrying and records the
// error that triggered the retry.
func (g *TaskGraph) MarkRetrying(id string, errMsg string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if err := g.setStatusLocked(id, task.StatusRetrying); err != nil {
		return err
	}
	g.tasks[id].LastError = errMsg
	return nil
}

// MarkAwaitingReplan parks an Executing task that reported a gap.
func (g *TaskGraph) MarkAwaitingReplan(id string, errMsg string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if err := g.setStatusLocked(id, task.StatusAwaitingReplan); err != nil {
		return err
	}
	g.tasks[id].LastError = errMsg
	return nil
}

// MarkFailed transitions a task to Failed and records the error.
func (g *TaskGraph) MarkFailed(id string, errMsg string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if err := g.setStatusLocked(id, task.StatusFailed); err != nil {
		return err
	}
	g.tasks[id].LastError = errMsg
	return nil
}

// FailDependents marks every non-terminal transitive dependent of the given
// task as Failed, recording the cascade reason. Tasks are visited breadth
// first in insertion order so the failure history is deterministic.
// Returns the IDs that were failed.
func (g *TaskGraph) FailDependents(id string, reason string) []string {
	g.mu.Lock()
	defer g.mu.Unlock()

	var failed []string
	visited := map[string]bool{id: true}
	frontier := append([]string(nil), g.dependents[id]...)
	g.sortBySeq(frontier)

	for len(frontier) > 0 {
		cur := frontier[0]
		frontier = frontier[1:]
		if visited[cur] {
			continue
		}
		visited[cur] = true

		t, exists := g.tasks[cur]
		if !exists {
			continue
		}
		if !t.Status.Terminal() {
			t.Status = task.StatusFailed
			t.LastError = reason
			failed = append(failed, cur)
		}

		next := append([]string(nil), g.dependents[cur]...)
		g.sortBySeq(next)
		frontier = append(frontier, next...)
	}
	return failed
}

// Counts returns the number of tasks per status.
func (g *TaskGraph) Counts() map[task.Status]int {
	g.mu.RLock()
	defer g.mu.RUnlock()

	counts := make(map[task.Status]int)
	for _, t := range g.tasks {
		counts[t.Status]++
	}
	return counts
}

// AllTerminal reports whether every task is Completed or Failed.
func (g *TaskGraph) AllTerminal() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()

	for _, t := range g.tasks {
		if !t.Status.Terminal() {
			return false
		}
	}
	return true
}

// sortBySeq orders task IDs by insertion sequence. Caller holds a lock.
func (g *TaskGraph) sortBySeq(ids []string) {
	sort.Slice(ids, func(i, j int) bool {
		ti, iok := g.tasks[ids[i]]
		tj, jok := g.tasks[ids[j]]
		if !iok || !jok {
			return ids[i] < ids[j]
		}
		return ti.Seq < tj.Seq
	})
}
