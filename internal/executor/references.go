package executor

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/aristath/paperforge/internal/agent"
	"github.com/aristath/paperforge/internal/fault"
	"github.com/aristath/paperforge/internal/gateway"
	"github.com/aristath/paperforge/internal/index"
	"github.com/aristath/paperforge/internal/plan"
	"github.com/aristath/paperforge/internal/task"
)

// refRecord is the context-store payload under a ref: key: where a mined
// reference lives and why it was chosen. Pointer records (resolved_by set,
// no path) satisfy a requested gap key by naming the records that cover it.
type refRecord struct {
	Name       string   `yaml:"name"`
	URL        string   `yaml:"url,omitempty"`
	Reason     string   `yaml:"reason,omitempty"`
	Path       string   `yaml:"path,omitempty"` // workspace-relative clone location
	ResolvedBy []string `yaml:"resolved_by,omitempty"`
}

// refSuggestions is the YAML contract the analyst replies with.
type refSuggestions struct {
	References []struct {
		Name   string `yaml:"name"`
		URL    string `yaml:"url"`
		Reason string `yaml:"reason,omitempty"`
	} `yaml:"references"`
}

// ReferenceExecutor discovers reference repositories for the analyzed
// system and clones them into the workspace. Discovery uses the configured
// search tool when one is registered and the analyst's own knowledge
// otherwise. Mining is best-effort for the primary pipeline; a remediation
// instance must produce something for the keys it was inserted for.
type ReferenceExecutor struct {
	cfg Settings
}

func NewReferenceExecutor(cfg Settings) *ReferenceExecutor {
	return &ReferenceExecutor{cfg: cfg.withDefaults()}
}

func (e *ReferenceExecutor) Kind() task.Kind { return task.KindMineReferences }

func (e *ReferenceExecutor) Execute(ctx context.Context, t *task.PhaseTask, env *Env) (map[string]string, error) {
	document, err := recall(env, t.ID, plan.KeyDocument)
	if err != nil {
		return nil, err
	}
	intent, _ := env.Memory.Get(plan.KeyIntent)
	targets := missingKeys(t)

	var searched string
	if env.Tools.Has(e.cfg.SearchTool) {
		query := searchQuery(intent, document, targets)
		res, err := env.Tools.Invoke(ctx, e.cfg.SearchTool, gateway.Args{
			"query": query,
			"count": e.cfg.MaxReferences * 2,
		})
		if err != nil {
			env.logger().Warn("reference search failed", zap.String("tool", e.cfg.SearchTool), zap.Error(err))
		} else {
			searched = res.Content
		}
	}
	env.progress(t, 20, "discovery material assembled")

	analyst, err := env.Agents.Get(RoleAnalyst)
	if err != nil {
		return nil, &fault.FatalAgentError{TaskID: t.ID, Reason: "no analyst agent configured", Err: err}
	}
	resp, err := analyst.Send(ctx, agent.Request{Prompt: e.prompt(t, env, intent, document, searched, targets)})
	if err != nil {
		return nil, err
	}

	suggestions, err := parseSuggestions(resp.Content)
	if err != nil {
		return nil, fmt.Errorf("reference suggestions unusable: %w", err)
	}
	if len(suggestions.References) > e.cfg.MaxReferences {
		suggestions.References = suggestions.References[:e.cfg.MaxReferences]
	}

	var keys []string
	cloned := 0
	for i, ref := range suggestions.References {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if ref.URL == "" {
			continue
		}
		name := ref.Name
		if name == "" {
			name = strings.TrimSuffix(path.Base(ref.URL), ".git")
		}
		slug := slugify(name)
		dest := "refs/" + slug
		key := plan.PrefixReference + slug

		// A prior attempt may have cloned this one already.
		if _, err := env.Tools.Invoke(ctx, "fs_list", gateway.Args{"path": dest}); err != nil {
			if _, err := env.Tools.Invoke(ctx, "repo_clone", gateway.Args{"url": ref.URL, "dest": dest}); err != nil {
				env.logger().Warn("reference clone failed",
					zap.String("url", ref.URL), zap.Error(err))
				continue
			}
		}

		record, err := yaml.Marshal(refRecord{Name: name, URL: ref.URL, Reason: ref.Reason, Path: dest})
		if err != nil {
			return nil, fmt.Errorf("rendering reference record: %w", err)
		}
		if err := env.Memory.Put(key, string(record)); err != nil {
			return nil, err
		}
		keys = append(keys, key)
		cloned++
		env.progress(t, 20+(i+1)*80/len(suggestions.References), "cloned "+slug)
	}

	// Requested gap keys that no clone landed on resolve to pointer records,
	// so the re-run of the gapped task finds them populated.
	for _, target := range targets {
		if containsString(keys, target) {
			continue
		}
		if len(keys) == 0 {
			return nil, fmt.Errorf("no reference obtained for %s", target)
		}
		pointer, err := yaml.Marshal(refRecord{Name: strings.TrimPrefix(target, plan.PrefixReference), ResolvedBy: keys})
		if err != nil {
			return nil, fmt.Errorf("rendering reference record: %w", err)
		}
		if err := env.Memory.Put(target, string(pointer)); err != nil {
			return nil, err
		}
		keys = append(keys, target)
	}

	if len(keys) == 0 {
		env.logger().Warn("no references mined; generation will rely on the analyses alone")
	}
	return map[string]string{
		"references": strings.Join(keys, ","),
		"cloned":     strconv.Itoa(cloned),
	}, nil
}

func (e *ReferenceExecutor) prompt(t *task.PhaseTask, env *Env, intent, document, searched string, targets []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, `Suggest up to %d public git repositories that would serve as reference
implementations for the system described below. Prefer small, readable
codebases over frameworks. Reply with one fenced YAML document:

`+"```yaml"+`
references:
  - name: <short name>
    url: <git clone URL>
    reason: <what to learn from it>
`+"```"+`
`, e.cfg.MaxReferences)

	if len(targets) > 0 {
		fmt.Fprintf(&b, "\nThe pipeline specifically lacks material for: %s\n", strings.Join(targets, ", "))
		if hint := t.Inputs["hint"]; hint != "" {
			fmt.Fprintf(&b, "Reported reason: %s\n", hint)
		}
	}
	if answers := clarificationAnswers(t, env); answers != "" {
		fmt.Fprintf(&b, "\nAnswered clarifications:\n%s", answers)
	}
	if intent != "" {
		fmt.Fprintf(&b, "\nIntent analysis:\n%s\n", clip(intent, 4*1024))
	}
	fmt.Fprintf(&b, "\nDocument analysis:\n%s\n", clip(document, e.cfg.MaxPromptBytes/2))
	if searched != "" {
		fmt.Fprintf(&b, "\nWeb search results:\n%s\n", clip(searched, e.cfg.MaxPromptBytes/4))
	}
	return b.String()
}

// searchQuery derives a short discovery query from the analyses.
func searchQuery(intent, document string, targets []string) string {
	if len(targets) > 0 {
		topics := make([]string, 0, len(targets))
		for _, t := range targets {
			topics = append(topics, strings.TrimPrefix(t, plan.PrefixReference))
		}
		return strings.Join(topics, " ") + " reference implementation"
	}
	seed := firstLine(intent)
	if seed == "" {
		seed = firstLine(document)
	}
	return clip(seed, 160) + " reference implementation github"
}

func firstLine(s string) string {
	for _, line := range strings.Split(s, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			return line
		}
	}
	return ""
}

func containsString(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}

func parseSuggestions(reply string) (refSuggestions, error) {
	body := reply
	if block, ok := plan.FencedBlock(reply, "yaml"); ok {
		body = block
	} else if block, ok := plan.FencedBlock(reply, ""); ok {
		body = block
	}
	var out refSuggestions
	if err := yaml.Unmarshal([]byte(body), &out); err != nil {
		return refSuggestions{}, err
	}
	return out, nil
}

// IndexExecutor ingests the mined reference repositories into the code
// relationship index: one module entity per reference, one file entity per
// source file, reference edges tying files to their module and import edges
// tying files to the modules they name.
type IndexExecutor struct {
	cfg Settings
}

func NewIndexExecutor(cfg Settings) *IndexExecutor {
	return &IndexExecutor{cfg: cfg.withDefaults()}
}

func (e *IndexExecutor) Kind() task.Kind { return task.KindIndexCode }

func (e *IndexExecutor) Execute(ctx context.Context, t *task.PhaseTask, env *Env) (map[string]string, error) {
	prefix := t.Inputs["references"]
	if prefix == "" {
		prefix = plan.PrefixReference
	}

	type minedRef struct {
		key string
		rec refRecord
	}
	var refs []minedRef
	for _, info := range env.Memory.Keys() {
		if !strings.HasPrefix(info.Key, prefix) {
			continue
		}
		payload, ok := env.Memory.Get(info.Key)
		if !ok {
			continue
		}
		var rec refRecord
		if err := yaml.Unmarshal([]byte(payload), &rec); err != nil {
			env.logger().Warn("unreadable reference record", zap.String("key", info.Key), zap.Error(err))
			continue
		}
		if rec.Path == "" {
			continue // pointer record, nothing to walk
		}
		refs = append(refs, minedRef{key: info.Key, rec: rec})
	}

	artifacts, err := env.Workspace.Artifacts()
	if err != nil {
		return nil, fmt.Errorf("walking workspace: %w", err)
	}

	files := 0
ingest:
	for i, ref := range refs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		batch := []index.Entity{{
			ID:      ref.key,
			Kind:    index.KindModule,
			Content: ref.rec.Reason,
			Attributes: map[string]string{
				"name": ref.rec.Name,
				"url":  ref.rec.URL,
				"path": ref.rec.Path,
			},
		}}
		for _, art := range artifacts {
			if !strings.HasPrefix(art.Path, ref.rec.Path+"/") {
				continue
			}
			if files >= e.cfg.MaxIndexFiles {
				if err := env.Index.Ingest(ctx, batch...); err != nil {
					return nil, err
				}
				env.logger().Warn("index file cap reached", zap.Int("cap", e.cfg.MaxIndexFiles))
				break ingest
			}
			lang, ok := languageFor(art.Path)
			if !ok || art.Size == 0 || art.Size > 1<<20 {
				continue
			}
			data, err := env.Workspace.ReadArtifact(art.Path)
			if err != nil {
				env.logger().Warn("unreadable reference file", zap.String("path", art.Path), zap.Error(err))
				continue
			}
			if isBinary(data) {
				continue
			}
			content := clip(string(data), e.cfg.MaxIndexFileBytes)
			edges := append([]index.Edge{{Kind: "reference", To: ref.key}}, importEdges(lang, content)...)
			batch = append(batch, index.Entity{
				ID:      ref.key + "/" + strings.TrimPrefix(art.Path, ref.rec.Path+"/"),
				Kind:    index.KindFile,
				Content: content,
				Attributes: map[string]string{
					"path":     art.Path,
					"language": lang,
					"ref":      ref.key,
				},
				Edges: edges,
			})
			files++
		}
		if err := env.Index.Ingest(ctx, batch...); err != nil {
			return nil, err
		}
		env.progress(t, (i+1)*100/len(refs), "indexed "+ref.rec.Name)
	}

	summary := env.Index.Summarize()
	rendered, err := yaml.Marshal(struct {
		Entities   int            `yaml:"entities"`
		Edges      int            `yaml:"edges"`
		PerKind    map[string]int `yaml:"per_kind,omitempty"`
		Files      int            `yaml:"files"`
		References int            `yaml:"references"`
	}{summary.Entities, summary.Edges, summary.PerKind, files, len(refs)})
	if err != nil {
		return nil, fmt.Errorf("rendering index summary: %w", err)
	}
	if err := env.Memory.Put(plan.KeyIndex, string(rendered)); err != nil {
		return nil, err
	}

	return map[string]string{
		"indexed":  plan.KeyIndex,
		"entities": strconv.Itoa(summary.Entities),
		"files":    strconv.Itoa(files),
	}, nil
}

// sourceLanguages maps file extensions to the language tag used for import
// scanning and prompt context.
var sourceLanguages = map[string]string{
	".go":   "go",
	".py":   "python",
	".js":   "javascript",
	".ts":   "typescript",
	".rs":   "rust",
	".java": "java",
	".c":    "c",
	".h":    "c",
	".cpp":  "cpp",
	".hpp":  "cpp",
	".rb":   "ruby",
	".md":   "markdown",
	".yaml": "yaml",
	".yml":  "yaml",
	".toml": "toml",
	".json": "json",
	".sh":   "shell",
}

func languageFor(p string) (string, bool) {
	lang, ok := sourceLanguages[strings.ToLower(filepath.Ext(p))]
	return lang, ok
}

var jsImportPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?m)from\s+['"]([^'"]+)['"]`),
	regexp.MustCompile(`require\(['"]([^'"]+)['"]\)`),
}

var importPatterns = map[string][]*regexp.Regexp{
	"go": {
		regexp.MustCompile(`(?m)^import\s+"([^"]+)"`),
		regexp.MustCompile(`(?m)^\t"([^"]+)"`),
	},
	"python": {
		regexp.MustCompile(`(?m)^\s*(?:from|import)\s+([A-Za-z_][\w.]*)`),
	},
	"javascript": jsImportPatterns,
	"typescript": jsImportPatterns,
	"rust": {
		regexp.MustCompile(`(?m)^use\s+([A-Za-z_][\w:]*)`),
	},
	"java": {
		regexp.MustCompile(`(?m)^import\s+([\w.]+)`),
	},
}

// importEdges extracts the modules a file names, as edges to synthetic
// module: entities. Two files importing the same module become two-hop
// graph neighbors even across references.
func importEdges(lang, content string) []index.Edge {
	patterns := importPatterns[lang]
	if len(patterns) == 0 {
		return nil
	}
	seen := make(map[string]bool)
	var edges []index.Edge
	for _, pattern := range patterns {
		for _, m := range pattern.FindAllStringSubmatch(content, 64) {
			target := m[1]
			if target == "" || seen[target] {
				continue
			}
			seen[target] = true
			edges = append(edges, index.Edge{Kind: "import", To: "module:" + target})
			if len(edges) >= 32 {
				return edges
			}
		}
	}
	return edges
}

func isBinary(data []byte) bool {
	head := data
	if len(head) > 512 {
		head = head[:512]
	}
	return bytes.IndexByte(head, 0) >= 0
}
