package executor

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/aristath/paperforge/internal/agent"
	"github.com/aristath/paperforge/internal/fault"
	"github.com/aristath/paperforge/internal/gateway"
	"github.com/aristath/paperforge/internal/index"
	"github.com/aristath/paperforge/internal/plan"
	"github.com/aristath/paperforge/internal/task"
)

// RefineExecutor validates the generated artifacts by running the
// language's check commands in the workspace through the gateway's exec
// tool, feeding failures back to the coder and applying the corrected
// files, up to a bounded number of rounds. Git snapshots bracket the phase
// so the net effect ships as a patch artifact.
type RefineExecutor struct {
	cfg Settings
}

func NewRefineExecutor(cfg Settings) *RefineExecutor {
	return &RefineExecutor{cfg: cfg.withDefaults()}
}

func (e *RefineExecutor) Kind() task.Kind { return task.KindRefineCode }

type checkFailure struct {
	command string
	output  string
}

func (e *RefineExecutor) Execute(ctx context.Context, t *task.PhaseTask, env *Env) (map[string]string, error) {
	language := e.language(env)
	checks := e.cfg.Checks[language]
	if len(checks) == 0 {
		env.logger().Info("no check commands configured, skipping refinement",
			zap.String("task", t.ID), zap.String("language", language))
		return map[string]string{"refined": "skipped", "language": language}, nil
	}
	if !env.Tools.Has("shell_exec") {
		env.logger().Warn("no exec tool available, skipping refinement", zap.String("task", t.ID))
		return map[string]string{"refined": "skipped", "language": language}, nil
	}

	snapshots := true
	if err := env.Workspace.InitGit(ctx); err != nil {
		env.logger().Warn("workspace snapshots unavailable", zap.Error(err))
		snapshots = false
	}
	preRef := ""
	if snapshots {
		ref, err := env.Workspace.Snapshot(ctx, "pre-refine")
		if err != nil {
			env.logger().Warn("could not snapshot workspace", zap.Error(err))
			snapshots = false
		} else {
			preRef = ref
		}
	}

	coder, err := env.Agents.Get(RoleCoder)
	if err != nil {
		return nil, &fault.FatalAgentError{TaskID: t.ID, Reason: "no coder agent configured", Err: err}
	}

	clean := false
	rounds := 0
	var failures []checkFailure
	for round := 0; ; round++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		failures, err = e.runChecks(ctx, env, checks)
		if err != nil {
			return nil, err
		}
		env.progress(t, (round+1)*100/(e.cfg.MaxRefineRounds+1),
			fmt.Sprintf("round %d: %d failing checks", round, len(failures)))
		if len(failures) == 0 {
			clean = true
			break
		}
		if round >= e.cfg.MaxRefineRounds {
			break
		}
		rounds = round + 1

		applied, err := e.fixRound(ctx, t, env, coder, language, failures)
		if err != nil {
			return nil, err
		}
		if applied == 0 {
			env.logger().Warn("coder produced no usable corrections", zap.String("task", t.ID))
			break
		}
		if snapshots {
			if _, err := env.Workspace.Snapshot(ctx, fmt.Sprintf("refine-%d", rounds)); err != nil {
				env.logger().Warn("could not snapshot workspace", zap.Error(err))
			}
		}
	}

	if snapshots && preRef != "" {
		if diff, err := env.Workspace.Diff(ctx, preRef); err == nil && strings.TrimSpace(diff) != "" {
			if err := env.Workspace.WriteArtifact("refine/changes.patch", []byte(diff)); err != nil {
				env.logger().Warn("could not record refinement patch", zap.Error(err))
			}
		}
	}

	status := "clean"
	if !clean {
		status = "issues-remain"
	}
	env.progress(t, 100, "refinement "+status)
	return map[string]string{
		"refined":  status,
		"rounds":   strconv.Itoa(rounds),
		"failures": strconv.Itoa(len(failures)),
	}, nil
}

// language resolves the check suite to run: the blueprint's declared
// language when one is stored, else the dominant artifact extension.
func (e *RefineExecutor) language(env *Env) string {
	if raw, ok := env.Memory.Get(plan.KeyBlueprint); ok {
		if bp, err := plan.ParseBlueprint([]byte(raw)); err == nil && bp.Language != "" {
			return strings.ToLower(bp.Language)
		}
	}
	artifacts, err := env.Workspace.Artifacts()
	if err != nil {
		return ""
	}
	counts := make(map[string]int)
	for _, a := range artifacts {
		if lang, ok := languageFor(a.Path); ok {
			counts[lang]++
		}
	}
	langs := make([]string, 0, len(counts))
	for lang := range counts {
		langs = append(langs, lang)
	}
	sort.Strings(langs)
	best := ""
	for _, lang := range langs {
		if best == "" || counts[lang] > counts[best] {
			best = lang
		}
	}
	return best
}

// runChecks executes every configured check command and collects the
// failures. A nonzero exit is a finding, not an error; only a broken exec
// environment aborts.
func (e *RefineExecutor) runChecks(ctx context.Context, env *Env, checks []string) ([]checkFailure, error) {
	var failures []checkFailure
	for _, command := range checks {
		res, err := env.Tools.Invoke(ctx, "shell_exec", gateway.Args{"command": command, "dir": "."})
		if err != nil {
			return nil, fmt.Errorf("running check %q: %w", command, err)
		}
		if res.Fields["exit_code"] == "0" {
			continue
		}
		output := res.Content
		if stderr := res.Fields["stderr"]; stderr != "" {
			output += "\n" + stderr
		}
		failures = append(failures, checkFailure{
			command: command,
			output:  clip(strings.TrimSpace(output), 2000),
		})
	}
	return failures, nil
}

// fixRound shows the coder the failures plus the implicated files and
// applies every corrected file in the reply. Returns how many files were
// rewritten.
func (e *RefineExecutor) fixRound(ctx context.Context, t *task.PhaseTask, env *Env, coder agent.Agent, language string, failures []checkFailure) (int, error) {
	prompt := e.fixPrompt(t, env, language, failures)
	for attempt := 0; attempt < 2; attempt++ {
		resp, err := coder.Send(ctx, agent.Request{Prompt: prompt})
		if err != nil {
			return 0, err
		}
		fixes := fileBlocks(resp.Content)
		if len(fixes) == 0 {
			prompt = "Reply with one fenced code block per corrected file. Tag each fence with the workspace-relative file path."
			continue
		}

		paths := make([]string, 0, len(fixes))
		for p := range fixes {
			paths = append(paths, p)
		}
		sort.Strings(paths)

		applied := 0
		for _, p := range paths {
			code := fixes[p]
			if _, err := env.Tools.Invoke(ctx, "fs_write", gateway.Args{"path": p, "content": code}); err != nil {
				return applied, err
			}
			key := plan.PrefixCode + p
			env.Memory.Acquire(t.ID, key)
			if err := env.Memory.Put(key, code); err != nil {
				return applied, err
			}
			if err := env.Memory.Compress(key); err != nil {
				env.logger().Warn("could not compress artifact summary", zap.String("key", key), zap.Error(err))
			}
			e.reindex(ctx, env, language, p, code)
			applied++
		}
		return applied, nil
	}
	return 0, nil
}

func (e *RefineExecutor) fixPrompt(t *task.PhaseTask, env *Env, language string, failures []checkFailure) string {
	var b strings.Builder
	b.WriteString("The generated project fails its checks. Fix the code so every check passes.\n")
	if language != "" {
		fmt.Fprintf(&b, "Language: %s\n", language)
	}
	b.WriteString("\nFailing checks:\n")
	for _, f := range failures {
		fmt.Fprintf(&b, "$ %s\n%s\n\n", f.command, f.output)
	}
	if files := e.implicatedFiles(env, failures); files != "" {
		b.WriteString("Current contents of the implicated files:\n")
		b.WriteString(files)
	}
	if answers := clarificationAnswers(t, env); answers != "" {
		b.WriteString("\nAnswered clarifications:\n")
		b.WriteString(answers)
	}
	b.WriteString(`
Reply with one fenced code block per corrected file, the fence tagged with
the workspace-relative file path, for example:

` + "```" + `src/main.py
<full corrected contents>
` + "```" + `

Include each corrected file in full. Do not include unchanged files.
`)
	return b.String()
}

// implicatedFiles pulls the artifacts the failure output mentions by name,
// capped so the prompt stays within budget.
func (e *RefineExecutor) implicatedFiles(env *Env, failures []checkFailure) string {
	artifacts, err := env.Workspace.Artifacts()
	if err != nil {
		return ""
	}
	var joined strings.Builder
	for _, f := range failures {
		joined.WriteString(f.output)
		joined.WriteString("\n")
	}
	mentioned := joined.String()

	const maxFiles = 6
	var b strings.Builder
	picked := 0
	for _, a := range artifacts {
		if picked >= maxFiles {
			break
		}
		if !strings.Contains(mentioned, a.Path) && !strings.Contains(mentioned, "/"+a.Path) {
			continue
		}
		data, err := env.Workspace.ReadArtifact(a.Path)
		if err != nil {
			continue
		}
		fmt.Fprintf(&b, "### %s\n%s\n\n", a.Path, clip(string(data), 8000))
		picked++
	}
	return b.String()
}

// reindex refreshes the index entity for a corrected file. Edges union with
// what generation recorded, so dependency links survive.
func (e *RefineExecutor) reindex(ctx context.Context, env *Env, language, path, code string) {
	lang, ok := languageFor(path)
	if !ok {
		lang = language
	}
	err := env.Index.Ingest(ctx, index.Entity{
		ID:      "ws:" + path,
		Kind:    index.KindFile,
		Content: clip(code, e.cfg.MaxIndexFileBytes),
		Attributes: map[string]string{
			"path":     path,
			"origin":   "generated",
			"language": lang,
		},
		Edges: importEdges(lang, code),
	})
	if err != nil {
		env.logger().Warn("could not index corrected file", zap.String("path", path), zap.Error(err))
	}
}

// fileBlocks maps path-tagged fences in a reply to their contents. A fence
// counts as a file when the last token of its info string looks like a
// workspace path rather than a language tag.
func fileBlocks(reply string) map[string]string {
	fixes := make(map[string]string)
	for _, b := range allFencedBlocks(reply) {
		fields := strings.Fields(b.info)
		if len(fields) == 0 {
			continue
		}
		candidate := strings.TrimPrefix(fields[len(fields)-1], "path=")
		if !strings.ContainsAny(candidate, "./") || strings.HasPrefix(candidate, "..") {
			continue
		}
		fixes[candidate] = b.body
	}
	return fixes
}
