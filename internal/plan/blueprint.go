package plan

import (
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// TargetFile is one file the generation phase must produce.
type TargetFile struct {
	Path      string   `yaml:"path"`
	Purpose   string   `yaml:"purpose,omitempty"`
	DependsOn []string `yaml:"depends_on,omitempty"` // other target paths generated first
}

// Component groups target files into a named part of the system.
type Component struct {
	Name        string   `yaml:"name"`
	Description string   `yaml:"description,omitempty"`
	Files       []string `yaml:"files,omitempty"`
}

// Blueprint is the planning phase's product: what to build, file by file.
// It is YAML so a run's plan can be inspected and hand-edited. Questions are
// ambiguities the planner wants resolved out-of-band; Missing names context
// keys the planner lacked (ref:/doc: vocabulary). Neither blocks the plan:
// the blueprint is always the planner's best effort.
type Blueprint struct {
	Title        string       `yaml:"title"`
	Summary      string       `yaml:"summary,omitempty"`
	Language     string       `yaml:"language,omitempty"`
	Components   []Component  `yaml:"components,omitempty"`
	Files        []TargetFile `yaml:"files"`
	Completeness float64      `yaml:"completeness,omitempty"`
	Questions    []string     `yaml:"questions,omitempty"`
	Missing      []string     `yaml:"missing,omitempty"`
}

// Validate checks the blueprint is internally consistent.
func (b *Blueprint) Validate() error {
	if strings.TrimSpace(b.Title) == "" {
		return errors.New("blueprint has no title")
	}
	if len(b.Files) == 0 {
		return errors.New("blueprint names no target files")
	}
	if b.Completeness < 0 || b.Completeness > 1 {
		return fmt.Errorf("completeness %v outside [0,1]", b.Completeness)
	}

	paths := make(map[string]bool, len(b.Files))
	for i, f := range b.Files {
		if f.Path == "" {
			return fmt.Errorf("file %d has no path", i)
		}
		if filepath.IsAbs(f.Path) || strings.HasPrefix(f.Path, "..") {
			return fmt.Errorf("file path %q must be workspace-relative", f.Path)
		}
		if paths[f.Path] {
			return fmt.Errorf("duplicate target file %q", f.Path)
		}
		paths[f.Path] = true
	}
	for _, f := range b.Files {
		for _, dep := range f.DependsOn {
			if !paths[dep] {
				return fmt.Errorf("file %q depends on unknown target %q", f.Path, dep)
			}
		}
	}
	for _, c := range b.Components {
		for _, path := range c.Files {
			if !paths[path] {
				return fmt.Errorf("component %q references unknown target %q", c.Name, path)
			}
		}
	}
	return nil
}

// Score is the structural completeness estimate used when the planner did
// not report one: the fraction of target files carrying a stated purpose,
// discounted when no component structure exists.
func (b *Blueprint) Score() float64 {
	if len(b.Files) == 0 {
		return 0
	}
	described := 0
	for _, f := range b.Files {
		if strings.TrimSpace(f.Purpose) != "" {
			described++
		}
	}
	score := float64(described) / float64(len(b.Files))
	if len(b.Components) == 0 {
		score *= 0.8
	}
	return score
}

// EffectiveCompleteness is the reported completeness, falling back to the
// structural score when the planner reported none.
func (b *Blueprint) EffectiveCompleteness() float64 {
	if b.Completeness > 0 {
		return b.Completeness
	}
	return b.Score()
}

// FileOrder returns the target paths in a deterministic generation order:
// dependencies before dependents, lexicographic among the simultaneously
// eligible. A dependency cycle between files is an error.
func (b *Blueprint) FileOrder() ([]string, error) {
	deps := make(map[string][]string, len(b.Files))
	for _, f := range b.Files {
		deps[f.Path] = f.DependsOn
	}

	done := make(map[string]bool, len(deps))
	order := make([]string, 0, len(deps))
	for len(order) < len(deps) {
		var eligible []string
		for path, fileDeps := range deps {
			if done[path] {
				continue
			}
			ready := true
			for _, dep := range fileDeps {
				if !done[dep] {
					ready = false
					break
				}
			}
			if ready {
				eligible = append(eligible, path)
			}
		}
		if len(eligible) == 0 {
			return nil, errors.New("target file dependencies contain a cycle")
		}
		sort.Strings(eligible)
		for _, path := range eligible {
			done[path] = true
			order = append(order, path)
		}
	}
	return order, nil
}

// Marshal renders the blueprint as YAML.
func (b *Blueprint) Marshal() ([]byte, error) {
	return yaml.Marshal(b)
}

// ParseBlueprint decodes and validates a YAML blueprint.
func ParseBlueprint(data []byte) (*Blueprint, error) {
	var b Blueprint
	if err := yaml.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("parse blueprint: %w", err)
	}
	if err := b.Validate(); err != nil {
		return nil, fmt.Errorf("invalid blueprint: %w", err)
	}
	return &b, nil
}

// ExtractBlueprint pulls a blueprint out of an agent reply: the first fenced
// YAML block if present, otherwise the whole reply.
func ExtractBlueprint(reply string) (*Blueprint, error) {
	if block, ok := FencedBlock(reply, "yaml"); ok {
		return ParseBlueprint([]byte(block))
	}
	if block, ok := FencedBlock(reply, ""); ok {
		return ParseBlueprint([]byte(block))
	}
	return ParseBlueprint([]byte(reply))
}

// FencedBlock returns the body of the first ``` fence with the given info
// string ("" matches any fence). Executors use it to pull structured YAML
// out of free-form agent replies.
func FencedBlock(text, info string) (string, bool) {
	lines := strings.Split(text, "\n")
	start := -1
	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		if start == -1 {
			if strings.HasPrefix(trimmed, "```") {
				lang := strings.TrimSpace(strings.TrimPrefix(trimmed, "```"))
				if info == "" || strings.EqualFold(lang, info) {
					start = i
				}
			}
			continue
		}
		if trimmed == "```" {
			return strings.Join(lines[start+1:i], "\n"), true
		}
	}
	return "", false
}
