// Package events defines the engine's progress events and the channel-based
// bus that fans them out to observers (TUI, log sink, tests).
package events

import (
	"time"
)

// Event is the base interface for all events.
type Event interface {
	EventType() string
	TaskID() string
}

// Topic constants.
const (
	TopicRun    = "run"
	TopicTask   = "task"
	TopicPlan   = "plan"
	TopicMemory = "memory"
)

// Event type constants.
const (
	EventTypeRunStarted             = "run.started"
	EventTypeRunFinished            = "run.finished"
	EventTypeRunProgress            = "run.progress"
	EventTypeTaskStatus             = "task.status"
	EventTypeTaskProgress           = "task.progress"
	EventTypeTaskRetry              = "task.retry"
	EventTypeReplan                 = "plan.replan"
	EventTypeClarificationRequested = "plan.clarification_requested"
	EventTypeClarificationReceived  = "plan.clarification_received"
	EventTypeMemoryPressure         = "memory.pressure"
)

// RunStartedEvent is published once when a run's graph is validated and
// scheduling begins.
type RunStartedEvent struct {
	RunID     string
	Title     string
	Total     int // tasks in the initial graph
	Timestamp time.Time
}

func (e RunStartedEvent) EventType() string { return EventTypeRunStarted }
func (e RunStartedEvent) TaskID() string    { return "" }

// RunFinishedEvent is published when the coordinating loop exits.
type RunFinishedEvent struct {
	RunID     string
	Status    string // completed, failed, cancelled
	Completed int
	Failed    int
	Duration  time.Duration
	Timestamp time.Time
}

func (e RunFinishedEvent) EventType() string { return EventTypeRunFinished }
func (e RunFinishedEvent) TaskID() string    { return "" }

// RunProgressEvent carries per-status task counts after every transition.
type RunProgressEvent struct {
	RunID          string
	Total          int
	Pending        int
	Ready          int
	Executing      int
	Completed      int
	Retrying       int
	AwaitingReplan int
	Failed         int
	Timestamp      time.Time
}

func (e RunProgressEvent) EventType() string { return EventTypeRunProgress }
func (e RunProgressEvent) TaskID() string    { return "" }

// TaskStatusEvent is published on every task status transition.
type TaskStatusEvent struct {
	ID        string
	Phase     string // kind name, e.g. "generate-code"
	Status    string
	Attempt   int
	Summary   string // human-readable transition note
	Timestamp time.Time
}

func (e TaskStatusEvent) EventType() string { return EventTypeTaskStatus }
func (e TaskStatusEvent) TaskID() string    { return e.ID }

// TaskProgressEvent reports incremental progress inside an executing phase.
type TaskProgressEvent struct {
	ID        string
	Phase     string
	Percent   int // 0-100 within the phase
	Summary   string
	Timestamp time.Time
}

func (e TaskProgressEvent) EventType() string { return EventTypeTaskProgress }
func (e TaskProgressEvent) TaskID() string    { return e.ID }

// TaskRetryEvent is published when a transient failure schedules another
// attempt.
type TaskRetryEvent struct {
	ID        string
	Phase     string
	Attempt   int // the attempt that just failed
	Delay     time.Duration
	Reason    string
	Timestamp time.Time
}

func (e TaskRetryEvent) EventType() string { return EventTypeTaskRetry }
func (e TaskRetryEvent) TaskID() string    { return e.ID }

// ReplanEvent is published when a specification gap inserts remediation
// tasks into the graph.
type ReplanEvent struct {
	ID          string // the task that reported the gap
	Fingerprint string
	Inserted    []string // IDs of the remediation tasks
	Timestamp   time.Time
}

func (e ReplanEvent) EventType() string { return EventTypeReplan }
func (e ReplanEvent) TaskID() string    { return e.ID }

// ClarificationRequestedEvent asks the user to resolve a planning question.
type ClarificationRequestedEvent struct {
	ID        string // requesting task
	Question  string
	Timestamp time.Time
}

func (e ClarificationRequestedEvent) EventType() string { return EventTypeClarificationRequested }
func (e ClarificationRequestedEvent) TaskID() string    { return e.ID }

// ClarificationReceivedEvent records an answer arriving via the inbox or API.
type ClarificationReceivedEvent struct {
	ID        string
	Answer    string
	Timestamp time.Time
}

func (e ClarificationReceivedEvent) EventType() string { return EventTypeClarificationReceived }
func (e ClarificationReceivedEvent) TaskID() string    { return e.ID }

// MemoryPressureEvent is published when the context store evicts records to
// stay inside its budget.
type MemoryPressureEvent struct {
	Evicted    int
	FreedBytes int
	Timestamp  time.Time
}

func (e MemoryPressureEvent) EventType() string { return EventTypeMemoryPressure }
func (e MemoryPressureEvent) TaskID() string    { return "" }
