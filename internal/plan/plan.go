package plan

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/aristath/paperforge/internal/fault"
	"github.com/aristath/paperforge/internal/graph"
	"github.com/aristath/paperforge/internal/task"
)

// Context memory keys shared by the planner and the executors. The planner
// owns the vocabulary; executors produce and consume records under these
// names.
const (
	KeySource    = "ctx:source"    // raw input material, written at submit
	KeyIntent    = "ctx:intent"    // intent analysis product
	KeyDocument  = "ctx:document"  // document analysis product
	KeyBlueprint = "ctx:blueprint" // the YAML blueprint
	KeyIndex     = "ctx:index"     // indexing phase summary

	// Prefixes for keyed families of records.
	PrefixContext   = "ctx:"     // singleton phase products, the Key* names above
	PrefixReference = "ref:"     // mined reference material, ref:<name>
	PrefixDocument  = "doc:"     // document sections, doc:<section>
	PrefixCode      = "code:"    // generated artifact summaries, code:<path>
	PrefixClarify   = "clarify:" // merged clarification answers, clarify:<id>
)

// Options control the shape of the initial graph.
type Options struct {
	References bool // mine and index reference repositories
	Refinement bool // run the refine phase after generation
}

// Planner is the task decomposer.
type Planner struct {
	opts Options
	log  *zap.Logger
}

// NewPlanner creates a planner.
func NewPlanner(opts Options, log *zap.Logger) *Planner {
	if log == nil {
		log = zap.NewNop()
	}
	return &Planner{opts: opts, log: log}
}

// Decompose builds the initial task graph for an input. Edges encode data
// dependencies: the plan consumes both analyses, generation consumes the
// plan (and the index when reference intelligence is on), refinement
// consumes generation's output.
func (p *Planner) Decompose(input Input, live *LiveState) (*graph.TaskGraph, error) {
	if err := input.Validate(); err != nil {
		return nil, fmt.Errorf("decompose: %w", err)
	}

	g := graph.New()
	add := func(t *task.PhaseTask) error {
		if err := g.Add(t); err != nil {
			return fmt.Errorf("decompose: %w", err)
		}
		return nil
	}

	intent := &task.PhaseTask{
		ID:     task.KindAnalyzeIntent.String(),
		Kind:   task.KindAnalyzeIntent,
		Status: task.StatusPending,
		Inputs: map[string]string{"source": KeySource},
	}
	document := &task.PhaseTask{
		ID:        task.KindAnalyzeDocument.String(),
		Kind:      task.KindAnalyzeDocument,
		Status:    task.StatusPending,
		DependsOn: []string{intent.ID},
		Inputs:    map[string]string{"source": KeySource, "intent": KeyIntent},
	}
	planTask := &task.PhaseTask{
		ID:        task.KindPlan.String(),
		Kind:      task.KindPlan,
		Status:    task.StatusPending,
		DependsOn: []string{intent.ID, document.ID},
		Inputs:    map[string]string{"intent": KeyIntent, "document": KeyDocument},
	}
	if err := add(intent); err != nil {
		return nil, err
	}
	if err := add(document); err != nil {
		return nil, err
	}
	if err := add(planTask); err != nil {
		return nil, err
	}

	generateDeps := []string{planTask.ID}
	if p.opts.References {
		mine := &task.PhaseTask{
			ID:        task.KindMineReferences.String(),
			Kind:      task.KindMineReferences,
			Status:    task.StatusPending,
			DependsOn: []string{document.ID},
			Inputs:    map[string]string{"document": KeyDocument},
		}
		indexTask := &task.PhaseTask{
			ID:        task.KindIndexCode.String(),
			Kind:      task.KindIndexCode,
			Status:    task.StatusPending,
			DependsOn: []string{mine.ID},
			Inputs:    map[string]string{"references": PrefixReference},
		}
		if err := add(mine); err != nil {
			return nil, err
		}
		if err := add(indexTask); err != nil {
			return nil, err
		}
		generateDeps = append(generateDeps, indexTask.ID)
	}

	generate := &task.PhaseTask{
		ID:        task.KindGenerateCode.String(),
		Kind:      task.KindGenerateCode,
		Status:    task.StatusPending,
		DependsOn: generateDeps,
		Inputs:    map[string]string{"blueprint": KeyBlueprint},
	}
	if err := add(generate); err != nil {
		return nil, err
	}

	if p.opts.Refinement {
		refine := &task.PhaseTask{
			ID:        task.KindRefineCode.String(),
			Kind:      task.KindRefineCode,
			Status:    task.StatusPending,
			DependsOn: []string{generate.ID},
			Inputs:    map[string]string{"blueprint": KeyBlueprint},
		}
		if err := add(refine); err != nil {
			return nil, err
		}
	}

	if _, err := g.Validate(); err != nil {
		return nil, fmt.Errorf("decompose produced an invalid graph: %w", err)
	}

	p.log.Info("decomposed input into task graph",
		zap.Stringer("source", input.Kind),
		zap.Int("tasks", g.Len()),
		zap.Bool("references", p.opts.References),
		zap.Bool("refinement", p.opts.Refinement))
	return g, nil
}

// Fingerprint derives the stable identity of a gap report: same task, same
// missing keys (order-independent), same hint, same fingerprint.
func Fingerprint(gap *fault.SpecificationGapError) string {
	missing := append([]string(nil), gap.Missing...)
	sort.Strings(missing)

	h := sha256.New()
	h.Write([]byte(gap.TaskID))
	h.Write([]byte{0})
	for _, key := range missing {
		h.Write([]byte(key))
		h.Write([]byte{0})
	}
	h.Write([]byte(gap.Hint))
	return hex.EncodeToString(h.Sum(nil))[:16]
}

// ClarificationID derives the stable identity of a clarification question
// from its text, so re-asking the same question maps onto the same pending
// slot and an inbox answer can reference it.
func ClarificationID(question string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(question)))
	return "q-" + hex.EncodeToString(sum[:])[:8]
}

// Replan extends the graph with remediation tasks for a gap report. The
// gapped task gains dependencies on the inserted tasks, so it re-enters the
// pipeline only after they complete. Duplicate gaps (same fingerprint) and
// extensions that would break the graph fail with PlanningConflictError and
// leave the graph unchanged. Returns the inserted task IDs.
func (p *Planner) Replan(g *graph.TaskGraph, gap *fault.SpecificationGapError, live *LiveState) ([]string, error) {
	if gap == nil || gap.TaskID == "" {
		return nil, &fault.PlanningConflictError{Reason: "gap report names no task"}
	}
	if len(gap.Missing) == 0 {
		return nil, &fault.PlanningConflictError{Reason: fmt.Sprintf("gap from task %s names no missing keys", gap.TaskID)}
	}

	fp := Fingerprint(gap)
	if live.SeenGap(fp) {
		return nil, &fault.PlanningConflictError{
			Reason:      fmt.Sprintf("gap from task %s already planned for", gap.TaskID),
			Fingerprint: fp,
		}
	}

	inserted := p.remediation(gap, fp, live)
	ids := make([]string, len(inserted))
	for i, t := range inserted {
		ids[i] = t.ID
	}

	extraDeps := map[string][]string{gap.TaskID: ids}
	if err := g.Extend(inserted, extraDeps); err != nil {
		return nil, &fault.PlanningConflictError{
			Reason:      fmt.Sprintf("extending graph for task %s: %v", gap.TaskID, err),
			Fingerprint: fp,
		}
	}
	live.RecordGap(fp)

	p.log.Info("graph extended for specification gap",
		zap.String("task", gap.TaskID),
		zap.String("fingerprint", fp),
		zap.Strings("inserted", ids))
	return ids, nil
}

// remediation builds the tasks that produce a gap's missing keys. Missing
// reference material gets a mine→index chain; everything else gets a focused
// document re-analysis. Merged clarification answers ride along as inputs.
func (p *Planner) remediation(gap *fault.SpecificationGapError, fp string, live *LiveState) []*task.PhaseTask {
	var refKeys, docKeys []string
	for _, key := range gap.Missing {
		if strings.HasPrefix(key, PrefixReference) {
			refKeys = append(refKeys, key)
		} else {
			docKeys = append(docKeys, key)
		}
	}
	sort.Strings(refKeys)
	sort.Strings(docKeys)

	inputs := func(missing []string) map[string]string {
		in := map[string]string{
			"missing": strings.Join(missing, ","),
			"for":     gap.TaskID,
		}
		if gap.Hint != "" {
			in["hint"] = gap.Hint
		}
		for id, answer := range live.Answers() {
			in[PrefixClarify+id] = answer
		}
		return in
	}

	short := fp[:8]
	var tasks []*task.PhaseTask
	if len(refKeys) > 0 {
		mine := &task.PhaseTask{
			ID:     fmt.Sprintf("%s-gap-%s", task.KindMineReferences, short),
			Kind:   task.KindMineReferences,
			Status: task.StatusPending,
			Inputs: inputs(refKeys),
		}
		index := &task.PhaseTask{
			ID:        fmt.Sprintf("%s-gap-%s", task.KindIndexCode, short),
			Kind:      task.KindIndexCode,
			Status:    task.StatusPending,
			DependsOn: []string{mine.ID},
			Inputs:    inputs(refKeys),
		}
		tasks = append(tasks, mine, index)
	}
	if len(docKeys) > 0 {
		analyze := &task.PhaseTask{
			ID:     fmt.Sprintf("%s-gap-%s", task.KindAnalyzeDocument, short),
			Kind:   task.KindAnalyzeDocument,
			Status: task.StatusPending,
			Inputs: inputs(docKeys),
		}
		tasks = append(tasks, analyze)
	}
	return tasks
}
