// Package plan is the task decomposer: it turns a run input into the initial
// task graph, extends the graph when executors report specification gaps,
// and owns the blueprint model the planning phase produces.
package plan

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// SourceKind says where the run input comes from.
type SourceKind int

const (
	// SourceText is an inline prompt or pasted paper text.
	SourceText SourceKind = iota
	// SourceFile is a local document path.
	SourceFile
	// SourceURL is a remote document fetched through the gateway.
	SourceURL
)

// String returns the stable source-kind name.
func (k SourceKind) String() string {
	switch k {
	case SourceText:
		return "text"
	case SourceFile:
		return "file"
	case SourceURL:
		return "url"
	default:
		return fmt.Sprintf("source(%d)", int(k))
	}
}

// Input is one run's source material.
type Input struct {
	Kind    SourceKind
	Title   string
	Text    string            // inline content, for SourceText
	Path    string            // document path, for SourceFile
	URL     string            // document location, for SourceURL
	Options map[string]string // free-form flags forwarded to executors
}

// Validate checks the input names exactly the field its kind requires.
func (in *Input) Validate() error {
	switch in.Kind {
	case SourceText:
		if strings.TrimSpace(in.Text) == "" {
			return errors.New("text input is empty")
		}
	case SourceFile:
		if in.Path == "" {
			return errors.New("file input has no path")
		}
	case SourceURL:
		if in.URL == "" {
			return errors.New("url input has no url")
		}
	default:
		return fmt.Errorf("unknown source kind %d", int(in.Kind))
	}
	return nil
}

// ParseSource builds an Input from a CLI argument: a URL, an existing file
// path, or inline text, in that order of preference.
func ParseSource(arg string) Input {
	trimmed := strings.TrimSpace(arg)
	if strings.HasPrefix(trimmed, "http://") || strings.HasPrefix(trimmed, "https://") {
		return Input{Kind: SourceURL, URL: trimmed}
	}
	if info, err := os.Stat(trimmed); err == nil && !info.IsDir() {
		return Input{Kind: SourceFile, Path: trimmed}
	}
	return Input{Kind: SourceText, Text: arg}
}

// storedSource is the YAML shape of an input in the context store; the kind
// travels as its name so stored payloads stay readable.
type storedSource struct {
	Kind    string            `yaml:"kind"`
	Title   string            `yaml:"title,omitempty"`
	Text    string            `yaml:"text,omitempty"`
	Path    string            `yaml:"path,omitempty"`
	URL     string            `yaml:"url,omitempty"`
	Options map[string]string `yaml:"options,omitempty"`
}

// RenderSource serializes an input for the context store under KeySource.
func RenderSource(in Input) (string, error) {
	data, err := yaml.Marshal(storedSource{
		Kind:    in.Kind.String(),
		Title:   in.Title,
		Text:    in.Text,
		Path:    in.Path,
		URL:     in.URL,
		Options: in.Options,
	})
	if err != nil {
		return "", fmt.Errorf("render source: %w", err)
	}
	return string(data), nil
}

// ParseStoredSource is the inverse of RenderSource.
func ParseStoredSource(payload string) (Input, error) {
	var stored storedSource
	if err := yaml.Unmarshal([]byte(payload), &stored); err != nil {
		return Input{}, fmt.Errorf("parse stored source: %w", err)
	}
	in := Input{
		Title:   stored.Title,
		Text:    stored.Text,
		Path:    stored.Path,
		URL:     stored.URL,
		Options: stored.Options,
	}
	switch stored.Kind {
	case SourceText.String():
		in.Kind = SourceText
	case SourceFile.String():
		in.Kind = SourceFile
	case SourceURL.String():
		in.Kind = SourceURL
	default:
		return Input{}, fmt.Errorf("stored source has unknown kind %q", stored.Kind)
	}
	return in, in.Validate()
}
