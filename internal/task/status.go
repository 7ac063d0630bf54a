package task

import (
	"fmt"
)

// Status represents the current state of a phase task.
type Status int

const (
	StatusPending        Status = iota // Waiting for dependencies
	StatusReady                        // Dependencies completed, waiting for a worker slot
	StatusExecuting                    // Running on a worker
	StatusCompleted                    // Finished successfully (terminal)
	StatusRetrying                     // Failed transiently, waiting out the backoff delay
	StatusAwaitingReplan               // Reported a gap; parked until replanned dependencies complete
	StatusFailed                       // Finished unsuccessfully (terminal)
)

// String returns the status name used in events, logs, and storage.
func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusReady:
		return "ready"
	case StatusExecuting:
		return "executing"
	case StatusCompleted:
		return "completed"
	case StatusRetrying:
		return "retrying"
	case StatusAwaitingReplan:
		return "awaiting-replan"
	case StatusFailed:
		return "failed"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// ParseStatus maps a status name back to its Status.
func ParseStatus(s string) (Status, error) {
	for st := StatusPending; st <= StatusFailed; st++ {
		if st.String() == s {
			return st, nil
		}
	}
	return 0, fmt.Errorf("unknown task status %q", s)
}

// Terminal reports whether a status is final. Terminal tasks are immutable.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// validTransitions encodes the task state machine:
//
//	Pending -> Ready -> Executing -> {Completed | Retrying | AwaitingReplan | Failed}
//
// Retrying returns to Ready until the attempt limit is hit. AwaitingReplan
// returns to Pending once its replanned dependencies complete. Executing
// may return to Pending when an in-flight task is requeued by cancellation
// or crash recovery. Pending and Ready may fail directly through dependency
// cascade.
var validTransitions = map[Status]map[Status]bool{
	StatusPending: {
		StatusReady:  true,
		StatusFailed: true,
	},
	StatusReady: {
		StatusExecuting: true,
		StatusPending:   true,
		StatusFailed:    true,
	},
	StatusExecuting: {
		StatusCompleted:      true,
		StatusRetrying:       true,
		StatusAwaitingReplan: true,
		StatusFailed:         true,
		StatusPending:        true,
	},
	StatusRetrying: {
		StatusReady:  true,
		StatusFailed: true,
	},
	StatusAwaitingReplan: {
		StatusPending: true,
		StatusFailed:  true,
	},
	StatusCompleted: {},
	StatusFailed:    {},
}

// ValidateTransition returns an error if moving from one status to another
// is not allowed by the state machine.
func ValidateTransition(from, to Status) error {
	allowed, ok := validTransitions[from]
	if !ok {
		return fmt.Errorf("unknown task status %v", from)
	}
	if !allowed[to] {
		return fmt.Errorf("invalid task transition %v -> %v", from, to)
	}
	return nil
}
