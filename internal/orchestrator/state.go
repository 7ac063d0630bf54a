package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/aristath/paperforge/internal/graph"
	"github.com/aristath/paperforge/internal/index"
	"github.com/aristath/paperforge/internal/memory"
	"github.com/aristath/paperforge/internal/plan"
	"github.com/aristath/paperforge/internal/task"
)

// RunStatus is the aggregate status of a run.
type RunStatus int

const (
	RunPending    RunStatus = iota // submitted, loop not started
	RunRunning                     // loop dispatching
	RunCancelling                  // cancel observed, draining in-flight work
	RunCompleted                   // every task finished successfully (terminal)
	RunFailed                      // at least one task failed (terminal)
	RunCancelled                   // drained after cancellation (terminal)
)

// String returns the status name used in events, logs, and storage.
func (s RunStatus) String() string {
	switch s {
	case RunPending:
		return "pending"
	case RunRunning:
		return "running"
	case RunCancelling:
		return "cancelling"
	case RunCompleted:
		return "completed"
	case RunFailed:
		return "failed"
	case RunCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// ParseRunStatus maps a status name back to its RunStatus.
func ParseRunStatus(s string) (RunStatus, error) {
	for st := RunPending; st <= RunCancelled; st++ {
		if st.String() == s {
			return st, nil
		}
	}
	return 0, fmt.Errorf("unknown run status %q", s)
}

// Terminal reports whether the run is finished.
func (s RunStatus) Terminal() bool {
	return s == RunCompleted || s == RunFailed || s == RunCancelled
}

// HistoryEntry records one task status transition. The sequence of entries
// is the run's audit log: with deterministic executors and a single worker,
// two identical runs produce identical sequences.
type HistoryEntry struct {
	TaskID  string
	Phase   string
	Status  task.Status
	Attempt int
	Note    string // error text for failures and retries, empty otherwise
	At      time.Time
}

// OrchestrationState owns all mutable state of one run. It is never a
// package global: each Orchestrator instance carries exactly one, so
// independent pipelines can run side by side in a process.
type OrchestrationState struct {
	RunID           string
	Input           plan.Input
	Graph           *graph.TaskGraph
	History         []HistoryEntry
	AggregateStatus RunStatus
	StartedAt       time.Time
}

// Snapshot is the persistable view of a run: everything needed to resume
// after a crash without re-executing completed tasks. Context memory
// payloads are deliberately absent: only the key index survives, and
// evicted analysis products regenerate through the gap path on resume.
type Snapshot struct {
	RunID        string
	Input        plan.Input
	Status       RunStatus
	Tasks        []*task.PhaseTask // insertion order
	History      []HistoryEntry
	MemoryKeys   []memory.KeyInfo
	IndexSummary index.Summary
	Fingerprints []string          // gap fingerprints already planned for
	Answers      map[string]string // clarification answers received
	Questions    map[string]string // clarification questions still pending
	StartedAt    time.Time
}

// Snapshotter persists run snapshots. It is called after every committed
// transition, so implementations should make SaveRun idempotent per run.
type Snapshotter interface {
	SaveRun(ctx context.Context, snap *Snapshot) error
}

// RunReport summarizes a finished run.
type RunReport struct {
	RunID     string
	Status    RunStatus
	Total     int
	Completed int
	Failed    int
	Duration  time.Duration
	Failures  []TaskFailure // one entry per failed task, insertion order
}

// TaskFailure is one entry of the aggregated failure report.
type TaskFailure struct {
	TaskID   string
	Phase    string
	Attempts int
	Reason   string
}
