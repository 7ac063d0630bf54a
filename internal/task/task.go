// Package task defines the phase task model and its status state machine.
package task

import (
	"fmt"
)

// Kind identifies the pipeline phase a task belongs to.
type Kind int

const (
	KindAnalyzeIntent   Kind = iota // Extract goals and constraints from the input
	KindAnalyzeDocument             // Extract concepts and algorithms from the source document
	KindPlan                        // Produce the implementation blueprint
	KindMineReferences              // Discover and download reference repositories
	KindIndexCode                   // Ingest discovered code into the relationship index
	KindGenerateCode                // Generate target files from the blueprint
	KindRefineCode                  // Static checks and sandboxed fixes on generated files
)

// String returns the stable phase name used in config, events, and storage.
func (k Kind) String() string {
	switch k {
	case KindAnalyzeIntent:
		return "analyze-intent"
	case KindAnalyzeDocument:
		return "analyze-document"
	case KindPlan:
		return "plan"
	case KindMineReferences:
		return "mine-references"
	case KindIndexCode:
		return "index-code"
	case KindGenerateCode:
		return "generate-code"
	case KindRefineCode:
		return "refine-code"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// ParseKind maps a phase name back to its Kind.
func ParseKind(s string) (Kind, error) {
	for k := KindAnalyzeIntent; k <= KindRefineCode; k++ {
		if k.String() == s {
			return k, nil
		}
	}
	return 0, fmt.Errorf("unknown phase kind %q", s)
}

// PhaseTask is a unit of work bound to one pipeline phase. It is owned by
// the orchestrator and mutated only through validated transitions; terminal
// tasks are immutable.
type PhaseTask struct {
	ID           string
	Kind         Kind
	Status       Status
	DependsOn    []string          // producer task IDs this task consumes
	Inputs       map[string]string // named references, typically context memory keys
	Outputs      map[string]string // filled on completion
	AttemptCount int
	LastError    string
	Seq          int // insertion order, assigned by the graph
}

// Clone returns a deep copy so callers can read task state without holding
// graph locks.
func (t *PhaseTask) Clone() *PhaseTask {
	if t == nil {
		return nil
	}

	cp := *t
	if t.DependsOn != nil {
		cp.DependsOn = append([]string(nil), t.DependsOn...)
	}
	if t.Inputs != nil {
		cp.Inputs = make(map[string]string, len(t.Inputs))
		for k, v := range t.Inputs {
			cp.Inputs[k] = v
		}
	}
	if t.Outputs != nil {
		cp.Outputs = make(map[string]string, len(t.Outputs))
		for k, v := range t.Outputs {
			cp.Outputs[k] = v
		}
	}
	return &cp
}
