package executor

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/aristath/paperforge/internal/agent"
	"github.com/aristath/paperforge/internal/fault"
	"github.com/aristath/paperforge/internal/gateway"
	"github.com/aristath/paperforge/internal/index"
	"github.com/aristath/paperforge/internal/memory"
	"github.com/aristath/paperforge/internal/plan"
	"github.com/aristath/paperforge/internal/task"
)

// GenerateExecutor produces the blueprint's target files one by one in
// dependency order. Per file it assembles a working context from the
// analyses, the identifier summaries of already-generated dependencies and
// the index's nearest entities, invokes the coder, writes the artifact
// through the gateway, commits an identifier-preserving summary back to
// memory and ingests the new file into the index so later files can anchor
// on it.
type GenerateExecutor struct {
	cfg Settings
}

func NewGenerateExecutor(cfg Settings) *GenerateExecutor {
	return &GenerateExecutor{cfg: cfg.withDefaults()}
}

func (e *GenerateExecutor) Kind() task.Kind { return task.KindGenerateCode }

func (e *GenerateExecutor) Execute(ctx context.Context, t *task.PhaseTask, env *Env) (map[string]string, error) {
	rawBlueprint, err := recall(env, t.ID, plan.KeyBlueprint)
	if err != nil {
		return nil, err
	}
	bp, err := plan.ParseBlueprint([]byte(rawBlueprint))
	if err != nil {
		return nil, &fault.FatalAgentError{TaskID: t.ID, Reason: "stored blueprint unusable", Err: err}
	}
	order, err := bp.FileOrder()
	if err != nil {
		return nil, &fault.PlanningConflictError{Reason: err.Error()}
	}

	intent, err := recall(env, t.ID, plan.KeyIntent)
	if err != nil {
		return nil, err
	}
	document, _ := env.Memory.Get(plan.KeyDocument)

	coder, err := env.Agents.Get(RoleCoder)
	if err != nil {
		return nil, &fault.FatalAgentError{TaskID: t.ID, Reason: "no coder agent configured", Err: err}
	}

	byPath := make(map[string]plan.TargetFile, len(bp.Files))
	for _, f := range bp.Files {
		byPath[f.Path] = f
	}
	references := referenceInventory(env)

	written := make([]string, 0, len(order))
	for i, target := range order {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		tf := byPath[target]

		depSummaries, err := e.dependencySummaries(env, t, tf)
		if err != nil {
			return nil, err
		}
		anchors := make([]string, 0, len(tf.DependsOn))
		for _, dep := range tf.DependsOn {
			anchors = append(anchors, "ws:"+dep)
		}
		hits, err := env.Index.Query(ctx, tf.Purpose+" "+target, e.cfg.QueryTopK, anchors...)
		if err != nil {
			return nil, fmt.Errorf("querying index for %s: %w", target, err)
		}

		code, err := e.generateOne(ctx, t, env, coder, bp, tf, intent, document, depSummaries, renderHits(hits), references)
		if err != nil {
			return nil, err
		}

		if _, err := env.Tools.Invoke(ctx, "fs_write", gateway.Args{"path": target, "content": code}); err != nil {
			return nil, err
		}

		key := plan.PrefixCode + target
		env.Memory.Acquire(t.ID, key)
		if err := env.Memory.Put(key, code); err != nil {
			return nil, err
		}
		// Demote immediately: dependents need the identifier summary, the
		// workspace holds the full text.
		if err := env.Memory.Compress(key); err != nil {
			env.logger().Warn("could not compress artifact summary", zap.String("key", key), zap.Error(err))
		}

		e.ingestGenerated(ctx, env, bp, target, tf, code)
		written = append(written, target)
		env.progress(t, (i+1)*100/len(order), "wrote "+target)
	}

	return map[string]string{
		"artifacts": strings.Join(written, ","),
		"files":     strconv.Itoa(len(written)),
	}, nil
}

// dependencySummaries collects the identifier summaries of the target's
// dependencies, regenerating any summary that was evicted from the
// workspace copy of the artifact.
func (e *GenerateExecutor) dependencySummaries(env *Env, t *task.PhaseTask, tf plan.TargetFile) (string, error) {
	var b strings.Builder
	for _, dep := range tf.DependsOn {
		key := plan.PrefixCode + dep
		env.Memory.Acquire(t.ID, key)
		summary, err := env.Memory.Fill(key, func() (string, error) {
			data, err := env.Workspace.ReadArtifact(dep)
			if err != nil {
				return "", err
			}
			return memory.IdentifierCompressor{}.Compress(string(data)), nil
		})
		if err != nil {
			return "", fmt.Errorf("dependency %s of %s unavailable: %w", dep, tf.Path, err)
		}
		fmt.Fprintf(&b, "### %s\n%s\n", dep, clip(summary, 8*1024))
	}
	return b.String(), nil
}

// generateOne asks the coder for one file, nudging once when the reply
// carries no code block. A structured gap reply aborts the phase with the
// gap report.
func (e *GenerateExecutor) generateOne(ctx context.Context, t *task.PhaseTask, env *Env, coder agent.Agent, bp *plan.Blueprint, tf plan.TargetFile, intent, document, deps, hits, references string) (string, error) {
	prompt := e.prompt(t, env, bp, tf, intent, document, deps, hits, references)
	for attempt := 0; attempt < 2; attempt++ {
		resp, err := coder.Send(ctx, agent.Request{Prompt: prompt})
		if err != nil {
			return "", err
		}
		if gap := gapFromReply(resp.Content, t.ID); gap != nil {
			return "", gap
		}
		if code, ok := codeBlock(resp.Content, langTags(bp.Language, tf.Path)...); ok {
			return code, nil
		}
		prompt = fmt.Sprintf("Reply with only the complete contents of %s in a single fenced code block.", tf.Path)
	}
	return "", fmt.Errorf("coder returned no code block for %s", tf.Path)
}

func (e *GenerateExecutor) prompt(t *task.PhaseTask, env *Env, bp *plan.Blueprint, tf plan.TargetFile, intent, document, deps, hits, references string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Write the complete contents of `%s`.\n\n", tf.Path)
	fmt.Fprintf(&b, "Project: %s\n", bp.Title)
	if bp.Summary != "" {
		fmt.Fprintf(&b, "Summary: %s\n", bp.Summary)
	}
	if bp.Language != "" {
		fmt.Fprintf(&b, "Language: %s\n", bp.Language)
	}
	fmt.Fprintf(&b, "Purpose of this file: %s\n", tf.Purpose)
	for _, c := range bp.Components {
		if containsString(c.Files, tf.Path) {
			fmt.Fprintf(&b, "Component: %s - %s\n", c.Name, c.Description)
			break
		}
	}

	fmt.Fprintf(&b, "\nIntent:\n%s\n", clip(intent, 4*1024))
	if document != "" {
		fmt.Fprintf(&b, "\nDocument analysis:\n%s\n", clip(document, e.cfg.MaxPromptBytes/3))
	}
	if deps != "" {
		fmt.Fprintf(&b, "\nInterfaces of already-generated dependencies:\n%s", deps)
	}
	if hits != "" {
		fmt.Fprintf(&b, "\nRelated indexed code:\n%s", hits)
	}
	if references != "" {
		fmt.Fprintf(&b, "\nReference repositories in the workspace:\n%s", references)
	}
	if answers := clarificationAnswers(t, env); answers != "" {
		fmt.Fprintf(&b, "\nAnswered clarifications:\n%s", answers)
	}

	b.WriteString(`
Reply with exactly one fenced code block containing the full file, no prose.
If essential information is missing from the context above, reply instead
with a fenced YAML block:

` + "```yaml" + `
gap:
  missing: [<ref:<topic> or doc:<section> keys>]
  hint: <what you need and why>
` + "```" + `
`)
	return b.String()
}

// ingestGenerated publishes the new artifact into the index so later files
// can anchor on it. Indexing is advisory; a failure does not fail the phase.
func (e *GenerateExecutor) ingestGenerated(ctx context.Context, env *Env, bp *plan.Blueprint, target string, tf plan.TargetFile, code string) {
	lang, ok := languageFor(target)
	if !ok {
		lang = strings.ToLower(bp.Language)
	}
	edges := make([]index.Edge, 0, len(tf.DependsOn))
	for _, dep := range tf.DependsOn {
		edges = append(edges, index.Edge{Kind: "reference", To: "ws:" + dep})
	}
	edges = append(edges, importEdges(lang, code)...)

	err := env.Index.Ingest(ctx, index.Entity{
		ID:      "ws:" + target,
		Kind:    index.KindFile,
		Content: clip(code, e.cfg.MaxIndexFileBytes),
		Attributes: map[string]string{
			"path":     target,
			"origin":   "generated",
			"language": lang,
		},
		Edges: edges,
	})
	if err != nil {
		env.logger().Warn("could not index generated file", zap.String("path", target), zap.Error(err))
	}
}

// referenceInventory renders the mined references as one prompt block.
func referenceInventory(env *Env) string {
	var b strings.Builder
	for _, info := range env.Memory.Keys() {
		if !strings.HasPrefix(info.Key, plan.PrefixReference) {
			continue
		}
		payload, ok := env.Memory.Get(info.Key)
		if !ok {
			continue
		}
		var rec refRecord
		if err := yaml.Unmarshal([]byte(payload), &rec); err != nil || rec.Path == "" {
			continue
		}
		fmt.Fprintf(&b, "- %s at %s", rec.Name, rec.Path)
		if rec.Reason != "" {
			fmt.Fprintf(&b, ": %s", rec.Reason)
		}
		b.WriteString("\n")
	}
	return b.String()
}

// renderHits formats index results as prompt context.
func renderHits(hits []index.Result) string {
	var b strings.Builder
	for _, hit := range hits {
		fmt.Fprintf(&b, "### %s (score %.2f)\n%s\n", hit.Entity.ID, hit.Score, clip(hit.Entity.Content, 800))
	}
	return b.String()
}

// gapFromReply parses a structured gap report out of an agent reply.
func gapFromReply(reply, taskID string) *fault.SpecificationGapError {
	block, ok := plan.FencedBlock(reply, "yaml")
	if !ok {
		return nil
	}
	var parsed struct {
		Gap *struct {
			Missing []string `yaml:"missing"`
			Hint    string   `yaml:"hint"`
		} `yaml:"gap"`
	}
	if err := yaml.Unmarshal([]byte(block), &parsed); err != nil || parsed.Gap == nil {
		return nil
	}
	missing := normalizeGapKeys(parsed.Gap.Missing)
	if len(missing) == 0 {
		return nil
	}
	return &fault.SpecificationGapError{TaskID: taskID, Missing: missing, Hint: parsed.Gap.Hint}
}

type fencedCode struct {
	info string
	body string
}

// allFencedBlocks collects every ``` fence in a reply in order. Info strings
// keep their case; file-path tags depend on it.
func allFencedBlocks(text string) []fencedCode {
	var blocks []fencedCode
	lines := strings.Split(text, "\n")
	start := -1
	info := ""
	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		if start == -1 {
			if strings.HasPrefix(trimmed, "```") {
				start = i
				info = strings.TrimSpace(strings.TrimPrefix(trimmed, "```"))
			}
			continue
		}
		if trimmed == "```" {
			blocks = append(blocks, fencedCode{info: info, body: strings.Join(lines[start+1:i], "\n")})
			start = -1
		}
	}
	return blocks
}

// codeBlock picks the code out of a coder reply: the first fence tagged with
// a wanted language, else the first fence that is not YAML.
func codeBlock(reply string, want ...string) (string, bool) {
	blocks := allFencedBlocks(reply)
	for _, b := range blocks {
		info := strings.ToLower(b.info)
		for _, w := range want {
			if info == w {
				return b.body, true
			}
		}
	}
	for _, b := range blocks {
		info := strings.ToLower(b.info)
		if info != "yaml" && info != "yml" {
			return b.body, true
		}
	}
	return "", false
}

var languageAliases = map[string][]string{
	"go":         {"golang"},
	"python":     {"py"},
	"javascript": {"js"},
	"typescript": {"ts"},
	"rust":       {"rs"},
}

// langTags lists the fence info strings that count as code for a target.
func langTags(language, path string) []string {
	var tags []string
	add := func(tag string) {
		if tag != "" && !containsString(tags, tag) {
			tags = append(tags, tag)
			for _, alias := range languageAliases[tag] {
				if !containsString(tags, alias) {
					tags = append(tags, alias)
				}
			}
		}
	}
	if lang, ok := languageFor(path); ok {
		add(lang)
	}
	add(strings.ToLower(strings.TrimSpace(language)))
	return tags
}
