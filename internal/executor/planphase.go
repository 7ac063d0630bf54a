package executor

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/aristath/paperforge/internal/agent"
	"github.com/aristath/paperforge/internal/fault"
	"github.com/aristath/paperforge/internal/gateway"
	"github.com/aristath/paperforge/internal/plan"
	"github.com/aristath/paperforge/internal/task"
)

// PlanExecutor turns the intent and document analyses into the blueprint.
// It regenerates the blueprint a bounded number of rounds until the
// completeness threshold is met, raising the planner's questions as
// clarification requests along the way. Rounds exhausted below threshold
// become a specification gap when the planner named what it lacked, and a
// logged best-effort plan when it did not.
type PlanExecutor struct {
	cfg Settings
}

func NewPlanExecutor(cfg Settings) *PlanExecutor {
	return &PlanExecutor{cfg: cfg.withDefaults()}
}

func (e *PlanExecutor) Kind() task.Kind { return task.KindPlan }

func (e *PlanExecutor) Execute(ctx context.Context, t *task.PhaseTask, env *Env) (map[string]string, error) {
	intent, err := recall(env, t.ID, plan.KeyIntent)
	if err != nil {
		return nil, err
	}
	document, err := recall(env, t.ID, plan.KeyDocument)
	if err != nil {
		return nil, err
	}

	planner, err := env.Agents.Get(RolePlanner)
	if err != nil {
		return nil, &fault.FatalAgentError{TaskID: t.ID, Reason: "no planner agent configured", Err: err}
	}

	var best *plan.Blueprint
	bestScore := 0.0
	feedback := ""
	for round := 1; round <= e.cfg.MaxPlanRounds; round++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		resp, err := planner.Send(ctx, agent.Request{Prompt: e.prompt(t, env, intent, document, feedback)})
		if err != nil {
			return nil, err
		}

		bp, err := plan.ExtractBlueprint(resp.Content)
		if err != nil {
			feedback = fmt.Sprintf("Your previous reply could not be used: %v. Reply with exactly one fenced YAML blueprint.", err)
			env.logger().Warn("unusable blueprint reply", zap.Int("round", round), zap.Error(err))
			continue
		}
		for _, q := range bp.Questions {
			env.askClarification(t.ID, q)
		}

		score := bp.EffectiveCompleteness()
		if best == nil || score > bestScore {
			best, bestScore = bp, score
		}
		env.progress(t, round*100/e.cfg.MaxPlanRounds,
			fmt.Sprintf("blueprint round %d: completeness %.2f", round, score))
		if score >= e.cfg.CompletenessThreshold {
			break
		}
		feedback = fmt.Sprintf(
			"Completeness %.2f is below the %.2f target. Give every file a concrete purpose naming the identifiers it defines, group files into components, and list anything you are missing under `missing`.",
			score, e.cfg.CompletenessThreshold)
	}

	if best == nil {
		return nil, fmt.Errorf("planner produced no usable blueprint in %d rounds", e.cfg.MaxPlanRounds)
	}
	if bestScore < e.cfg.CompletenessThreshold {
		if missing := normalizeGapKeys(best.Missing); len(missing) > 0 {
			return nil, &fault.SpecificationGapError{
				TaskID:  t.ID,
				Missing: missing,
				Hint:    fmt.Sprintf("blueprint completeness %.2f below %.2f", bestScore, e.cfg.CompletenessThreshold),
			}
		}
		env.logger().Warn("proceeding with sub-threshold blueprint",
			zap.Float64("completeness", bestScore),
			zap.Float64("threshold", e.cfg.CompletenessThreshold))
	}

	data, err := best.Marshal()
	if err != nil {
		return nil, fmt.Errorf("marshaling blueprint: %w", err)
	}
	if err := env.Memory.Put(plan.KeyBlueprint, string(data)); err != nil {
		return nil, err
	}
	// The blueprint is also a run artifact, inspectable and hand-editable.
	if _, err := env.Tools.Invoke(ctx, "fs_write", gateway.Args{"path": "plan/blueprint.yaml", "content": string(data)}); err != nil {
		return nil, err
	}

	return map[string]string{
		"blueprint":    plan.KeyBlueprint,
		"completeness": fmt.Sprintf("%.2f", bestScore),
		"files":        strconv.Itoa(len(best.Files)),
	}, nil
}

func (e *PlanExecutor) prompt(t *task.PhaseTask, env *Env, intent, document, feedback string) string {
	var b strings.Builder
	b.WriteString("Design the implementation blueprint for the analyzed system. " +
		"Reply with exactly one fenced YAML document in this shape:\n\n" +
		"```yaml\n" +
		"title: <project title>\n" +
		"summary: <one paragraph>\n" +
		"language: <implementation language>\n" +
		"components:\n" +
		"  - name: <component>\n" +
		"    description: <what it does>\n" +
		"    files: [<target paths>]\n" +
		"files:\n" +
		"  - path: <workspace-relative path>\n" +
		"    purpose: <what this file implements, naming its key identifiers>\n" +
		"    depends_on: [<paths that must be generated first>]\n" +
		"completeness: <0.0-1.0, how fully the analysis covers what these files need>\n" +
		"questions: [<ambiguities a human should resolve>]\n" +
		"missing: [<context you lacked, as ref:<topic> or doc:<section> keys>]\n" +
		"```\n")

	fmt.Fprintf(&b, "\nIntent analysis:\n%s\n", clip(intent, e.cfg.MaxPromptBytes/4))
	fmt.Fprintf(&b, "\nDocument analysis:\n%s\n", clip(document, e.cfg.MaxPromptBytes))
	if answers := clarificationAnswers(t, env); answers != "" {
		fmt.Fprintf(&b, "\nAnswered clarifications:\n%s", answers)
	}
	if feedback != "" {
		fmt.Fprintf(&b, "\nFeedback on your previous attempt:\n%s\n", feedback)
	}
	return b.String()
}
