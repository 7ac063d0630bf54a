package executor

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/aristath/paperforge/internal/agent"
	"github.com/aristath/paperforge/internal/fault"
	"github.com/aristath/paperforge/internal/gateway"
	"github.com/aristath/paperforge/internal/plan"
	"github.com/aristath/paperforge/internal/task"
)

// loadSource reads the run input descriptor stored at submit. Without it
// the run cannot proceed at all, so absence is fatal rather than a gap.
func loadSource(env *Env, t *task.PhaseTask) (plan.Input, error) {
	payload, ok := env.Memory.Get(plan.KeySource)
	if !ok {
		return plan.Input{}, &fault.FatalAgentError{TaskID: t.ID, Reason: "run input missing from context memory"}
	}
	src, err := plan.ParseStoredSource(payload)
	if err != nil {
		return plan.Input{}, &fault.FatalAgentError{TaskID: t.ID, Reason: "run input descriptor unusable", Err: err}
	}
	return src, nil
}

// describeSource renders the input for the intent prompt: inline text in
// full, local files by path plus a short excerpt, URLs by reference only
// (the document phase fetches them).
func describeSource(ctx context.Context, env *Env, src plan.Input, maxBytes int) string {
	var b strings.Builder
	if src.Title != "" {
		fmt.Fprintf(&b, "Title: %s\n", src.Title)
	}
	switch src.Kind {
	case plan.SourceText:
		fmt.Fprintf(&b, "Request text:\n%s\n", clip(src.Text, maxBytes))
	case plan.SourceFile:
		fmt.Fprintf(&b, "Source document: %s\n", src.Path)
		if res, err := env.Tools.Invoke(ctx, "fs_read", gateway.Args{"path": src.Path}); err == nil {
			fmt.Fprintf(&b, "Document excerpt:\n%s\n", clip(res.Content, 8*1024))
		}
	case plan.SourceURL:
		fmt.Fprintf(&b, "Source document: %s (not yet fetched)\n", src.URL)
	}
	if len(src.Options) > 0 {
		keys := make([]string, 0, len(src.Options))
		for k := range src.Options {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteString("Run options:\n")
		for _, k := range keys {
			fmt.Fprintf(&b, "- %s: %s\n", k, src.Options[k])
		}
	}
	return b.String()
}

// IntentExecutor characterizes what the run is being asked to build: the
// engineering goal, requirements, constraints and the vocabulary worth
// preserving through the pipeline.
type IntentExecutor struct {
	cfg Settings
}

func NewIntentExecutor(cfg Settings) *IntentExecutor {
	return &IntentExecutor{cfg: cfg.withDefaults()}
}

func (e *IntentExecutor) Kind() task.Kind { return task.KindAnalyzeIntent }

func (e *IntentExecutor) Execute(ctx context.Context, t *task.PhaseTask, env *Env) (map[string]string, error) {
	src, err := loadSource(env, t)
	if err != nil {
		return nil, err
	}

	material := describeSource(ctx, env, src, e.cfg.MaxPromptBytes)

	analyst, err := env.Agents.Get(RoleAnalyst)
	if err != nil {
		return nil, &fault.FatalAgentError{TaskID: t.ID, Reason: "no analyst agent configured", Err: err}
	}

	prompt := fmt.Sprintf(`Characterize the following request before an implementation plan is made.

%s

Respond with:
1. The engineering intent in one paragraph: what is to be built.
2. Functional requirements as a bullet list.
3. Constraints and explicit non-goals.
4. Domain vocabulary (names, symbols, constants) later phases must preserve.`, material)

	resp, err := analyst.Send(ctx, agent.Request{Prompt: prompt})
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(resp.Content) == "" {
		return nil, fmt.Errorf("analyst returned an empty intent analysis")
	}

	if err := env.Memory.Put(plan.KeyIntent, resp.Content); err != nil {
		return nil, err
	}
	env.progress(t, 100, "intent characterized")
	return map[string]string{"intent": plan.KeyIntent}, nil
}

// DocumentExecutor digests the source document into the structured analysis
// downstream phases plan and generate from. A remediation instance (inserted
// by a replan) re-derives the specific context keys named in its inputs
// instead of the full digest.
type DocumentExecutor struct {
	cfg Settings
}

func NewDocumentExecutor(cfg Settings) *DocumentExecutor {
	return &DocumentExecutor{cfg: cfg.withDefaults()}
}

func (e *DocumentExecutor) Kind() task.Kind { return task.KindAnalyzeDocument }

func (e *DocumentExecutor) Execute(ctx context.Context, t *task.PhaseTask, env *Env) (map[string]string, error) {
	src, err := loadSource(env, t)
	if err != nil {
		return nil, err
	}

	material, err := e.materialize(ctx, t, env, src)
	if err != nil {
		return nil, err
	}
	env.progress(t, 30, "source material loaded")

	focus := missingKeys(t)
	prompt := e.prompt(t, env, material, focus)

	analyst, err := env.Agents.Get(RoleAnalyst)
	if err != nil {
		return nil, &fault.FatalAgentError{TaskID: t.ID, Reason: "no analyst agent configured", Err: err}
	}
	resp, err := analyst.Send(ctx, agent.Request{Prompt: prompt})
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(resp.Content) == "" {
		return nil, fmt.Errorf("analyst returned an empty document analysis")
	}

	if len(focus) > 0 {
		records := make(map[string]string, len(focus))
		for _, key := range focus {
			records[key] = resp.Content
		}
		if err := env.Memory.PutAll(records); err != nil {
			return nil, err
		}
		env.progress(t, 100, fmt.Sprintf("re-derived %d context keys", len(focus)))
		return map[string]string{"document": strings.Join(focus, ",")}, nil
	}

	if err := env.Memory.Put(plan.KeyDocument, resp.Content); err != nil {
		return nil, err
	}
	env.progress(t, 100, "document digested")
	return map[string]string{"document": plan.KeyDocument}, nil
}

// materialize obtains the document text: inline for text sources, fs_read
// for local files, http_fetch (with a workspace copy) for URLs. Permanent
// tool failures mean the source itself is unusable, which no retry fixes.
func (e *DocumentExecutor) materialize(ctx context.Context, t *task.PhaseTask, env *Env, src plan.Input) (string, error) {
	switch src.Kind {
	case plan.SourceText:
		return clip(src.Text, e.cfg.MaxPromptBytes), nil

	case plan.SourceFile:
		res, err := env.Tools.Invoke(ctx, "fs_read", gateway.Args{"path": src.Path})
		if err != nil {
			if gateway.IsPermanent(err) {
				return "", &fault.FatalAgentError{TaskID: t.ID, Reason: fmt.Sprintf("source document %s unreadable", src.Path), Err: err}
			}
			return "", err
		}
		return clip(res.Content, e.cfg.MaxPromptBytes), nil

	case plan.SourceURL:
		res, err := env.Tools.Invoke(ctx, "http_fetch", gateway.Args{"url": src.URL})
		if err != nil {
			if gateway.IsPermanent(err) {
				return "", &fault.FatalAgentError{TaskID: t.ID, Reason: fmt.Sprintf("source document %s unavailable", src.URL), Err: err}
			}
			return "", err
		}
		if err := env.Workspace.WriteArtifact("input/source.txt", []byte(res.Content)); err != nil {
			env.logger().Warn("could not keep a workspace copy of the source", zap.Error(err))
		}
		return clip(res.Content, e.cfg.MaxPromptBytes), nil

	default:
		return "", &fault.FatalAgentError{TaskID: t.ID, Reason: fmt.Sprintf("unknown source kind %v", src.Kind)}
	}
}

func (e *DocumentExecutor) prompt(t *task.PhaseTask, env *Env, material string, focus []string) string {
	var b strings.Builder
	if len(focus) > 0 {
		fmt.Fprintf(&b, `The implementation pipeline is missing context under these keys:
%s
`, strings.Join(focus, "\n"))
		if hint := t.Inputs["hint"]; hint != "" {
			fmt.Fprintf(&b, "Reported reason: %s\n", hint)
		}
		if answers := clarificationAnswers(t, env); answers != "" {
			fmt.Fprintf(&b, "Clarifications already answered:\n%s", answers)
		}
		b.WriteString(`
Re-read the source material below and produce exactly the analysis those keys
ask for. Preserve every identifier, formula and constant verbatim.

`)
	} else {
		if intent, ok := env.Memory.Get(plan.KeyIntent); ok {
			fmt.Fprintf(&b, "Stated intent of the run:\n%s\n\n", clip(intent, 4*1024))
		}
		b.WriteString(`Digest the source material below for an implementation team. Cover:
1. Overview and system architecture.
2. Every algorithm, with formulas and constants verbatim.
3. Data structures and their invariants.
4. Interfaces and wire or file formats.
5. Evaluation setup and expected results, if described.
Preserve the source's own identifiers; do not rename anything.

`)
	}
	b.WriteString("Source material:\n")
	b.WriteString(material)
	return b.String()
}
