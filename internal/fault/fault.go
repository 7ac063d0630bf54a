// Package fault defines the error taxonomy shared by the pipeline components.
// Executors, the tool gateway, the memory store, and the planner signal
// conditions through these types; the orchestrator classifies them with
// errors.As and applies the matching policy (retry, replan, or terminal
// failure).
package fault

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Class is the policy bucket an error falls into.
type Class int

const (
	// ClassTransient errors are retried with backoff up to the attempt limit.
	ClassTransient Class = iota
	// ClassGap routes the task to replanning instead of failing it.
	ClassGap
	// ClassPlanningConflict marks a branch as unplannable; not retried.
	ClassPlanningConflict
	// ClassContextPressure is retried like a transient error, after backoff,
	// to give other tasks time to release hot records.
	ClassContextPressure
	// ClassFatal fails the task and all of its dependents.
	ClassFatal
)

// String returns the class name for logs and events.
func (c Class) String() string {
	switch c {
	case ClassTransient:
		return "transient"
	case ClassGap:
		return "gap"
	case ClassPlanningConflict:
		return "planning-conflict"
	case ClassContextPressure:
		return "context-pressure"
	case ClassFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// TransientToolError wraps a recoverable tool failure (timeout, rate limit,
// connection reset). The orchestrator retries the owning task with backoff.
type TransientToolError struct {
	Tool string
	Err  error
}

func (e *TransientToolError) Error() string {
	if e.Tool == "" {
		return fmt.Sprintf("transient tool error: %v", e.Err)
	}
	return fmt.Sprintf("transient error from tool %q: %v", e.Tool, e.Err)
}

func (e *TransientToolError) Unwrap() error { return e.Err }

// SpecificationGapError reports that required upstream information is absent.
// It is not a failure: the orchestrator parks the task and asks the planner
// to extend the graph so the missing keys get produced.
type SpecificationGapError struct {
	TaskID  string
	Missing []string // context keys or artifact names the task could not find
	Hint    string   // free-form description of what would fill the gap
}

func (e *SpecificationGapError) Error() string {
	return fmt.Sprintf("task %s: missing upstream information: %s", e.TaskID, strings.Join(e.Missing, ", "))
}

// PlanningConflictError means a replan was rejected: the insertion would
// create a cycle, or an identical gap was already planned for once.
type PlanningConflictError struct {
	Reason      string
	Fingerprint string
}

func (e *PlanningConflictError) Error() string {
	if e.Fingerprint == "" {
		return fmt.Sprintf("planning conflict: %s", e.Reason)
	}
	return fmt.Sprintf("planning conflict (gap %s): %s", e.Fingerprint, e.Reason)
}

// ContextPressureError is raised by the memory store when eviction cannot
// free the requested budget without dropping records owned by in-flight
// tasks. Treated like a transient failure by the retry policy.
type ContextPressureError struct {
	Requested int
	Budget    int
	Held      int // bytes pinned by in-flight owners
}

func (e *ContextPressureError) Error() string {
	return fmt.Sprintf("context memory pressure: need %d within budget %d, %d held by in-flight tasks", e.Requested, e.Budget, e.Held)
}

// FatalAgentError marks a task as provably unsatisfiable with its inputs.
// The task and its transitive dependents fail without further retries.
type FatalAgentError struct {
	TaskID string
	Reason string
	Err    error
}

func (e *FatalAgentError) Error() string {
	prefix := "unsatisfiable"
	if e.TaskID != "" {
		prefix = fmt.Sprintf("task %s unsatisfiable", e.TaskID)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", prefix, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s: %s", prefix, e.Reason)
}

func (e *FatalAgentError) Unwrap() error { return e.Err }

// Classify maps an error to its policy class. Unknown errors default to
// transient so a flaky tool or agent does not kill a run outright; genuinely
// unsatisfiable work must say so with a FatalAgentError.
func Classify(err error) Class {
	var gap *SpecificationGapError
	if errors.As(err, &gap) {
		return ClassGap
	}
	var conflict *PlanningConflictError
	if errors.As(err, &conflict) {
		return ClassPlanningConflict
	}
	var pressure *ContextPressureError
	if errors.As(err, &pressure) {
		return ClassContextPressure
	}
	var fatal *FatalAgentError
	if errors.As(err, &fatal) {
		return ClassFatal
	}
	// Deadline overruns are timeouts, which the retry policy owns.
	if errors.Is(err, context.DeadlineExceeded) {
		return ClassTransient
	}
	return ClassTransient
}

// AsGap extracts a SpecificationGapError from an error chain.
func AsGap(err error) (*SpecificationGapError, bool) {
	var gap *SpecificationGapError
	ok := errors.As(err, &gap)
	return gap, ok
}
