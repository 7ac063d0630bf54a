// Package workspace manages the per-run directories where generated
// artifacts land. Every run gets its own root; writes are confined to it.
// A workspace can be git-backed so refinement phases diff their iterations.
package workspace

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/aristath/paperforge/internal/proc"
)

// Manager creates and enumerates run workspaces under a base directory.
type Manager struct {
	base string
	log  *zap.Logger
}

// NewManager creates the base directory if needed and returns a manager over
// it.
func NewManager(base string, log *zap.Logger) (*Manager, error) {
	if base == "" {
		return nil, errors.New("workspace base directory is required")
	}
	if log == nil {
		log = zap.NewNop()
	}
	if err := os.MkdirAll(base, 0o755); err != nil {
		return nil, fmt.Errorf("create workspace base: %w", err)
	}
	return &Manager{base: base, log: log}, nil
}

// Create makes a new workspace for the run. The run must not already have
// one; resumed runs go through Open.
func (m *Manager) Create(runID string) (*Workspace, error) {
	root, err := m.runRoot(runID)
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(root); err == nil {
		return nil, fmt.Errorf("workspace for run %s already exists", runID)
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create workspace: %w", err)
	}
	m.log.Debug("workspace created", zap.String("run", runID), zap.String("root", root))
	return &Workspace{runID: runID, root: root}, nil
}

// Open returns the existing workspace for the run.
func (m *Manager) Open(runID string) (*Workspace, error) {
	root, err := m.runRoot(runID)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("open workspace for run %s: %w", runID, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("workspace path %s is not a directory", root)
	}
	return &Workspace{runID: runID, root: root}, nil
}

// List returns the run IDs that have workspaces, sorted.
func (m *Manager) List() ([]string, error) {
	entries, err := os.ReadDir(m.base)
	if err != nil {
		return nil, fmt.Errorf("list workspaces: %w", err)
	}
	var runs []string
	for _, entry := range entries {
		if entry.IsDir() {
			runs = append(runs, entry.Name())
		}
	}
	sort.Strings(runs)
	return runs, nil
}

// Remove deletes the run's workspace and everything in it.
func (m *Manager) Remove(runID string) error {
	root, err := m.runRoot(runID)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(root); err != nil {
		return fmt.Errorf("remove workspace for run %s: %w", runID, err)
	}
	m.log.Debug("workspace removed", zap.String("run", runID))
	return nil
}

// Prune deletes the oldest workspaces until at most keep remain. Returns the
// removed run IDs.
func (m *Manager) Prune(keep int) ([]string, error) {
	if keep < 0 {
		keep = 0
	}
	entries, err := os.ReadDir(m.base)
	if err != nil {
		return nil, fmt.Errorf("prune workspaces: %w", err)
	}

	type aged struct {
		runID string
		mtime time.Time
	}
	var dirs []aged
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		dirs = append(dirs, aged{runID: entry.Name(), mtime: info.ModTime()})
	}
	if len(dirs) <= keep {
		return nil, nil
	}

	sort.Slice(dirs, func(i, j int) bool { return dirs[i].mtime.Before(dirs[j].mtime) })

	var removed []string
	for _, d := range dirs[:len(dirs)-keep] {
		if err := m.Remove(d.runID); err != nil {
			return removed, err
		}
		removed = append(removed, d.runID)
	}
	m.log.Info("workspaces pruned", zap.Int("removed", len(removed)), zap.Int("kept", keep))
	return removed, nil
}

func (m *Manager) runRoot(runID string) (string, error) {
	if runID == "" || strings.ContainsAny(runID, "/\\") || runID == "." || runID == ".." {
		return "", fmt.Errorf("invalid run id %q", runID)
	}
	return filepath.Join(m.base, runID), nil
}

// Artifact is one generated file inside a workspace.
type Artifact struct {
	Path string // workspace-relative
	Size int64
}

// Workspace is one run's artifact directory.
type Workspace struct {
	runID string
	root  string

	gitMu sync.Mutex // serializes git operations within the workspace
}

// RunID returns the owning run's identifier.
func (w *Workspace) RunID() string { return w.runID }

// Root returns the workspace root directory.
func (w *Workspace) Root() string { return w.root }

// Path resolves rel inside the workspace, rejecting escapes.
func (w *Workspace) Path(rel string) (string, error) {
	if rel == "" {
		return "", errors.New("artifact path is required")
	}
	abs := filepath.Join(w.root, rel)
	if abs != w.root && !strings.HasPrefix(abs, w.root+string(filepath.Separator)) {
		return "", fmt.Errorf("artifact path %q escapes the workspace", rel)
	}
	return abs, nil
}

// WriteArtifact writes data under the workspace, creating parent directories.
func (w *Workspace) WriteArtifact(rel string, data []byte) error {
	path, err := w.Path(rel)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("write artifact %s: %w", rel, err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write artifact %s: %w", rel, err)
	}
	return nil
}

// ReadArtifact reads a workspace file.
func (w *Workspace) ReadArtifact(rel string) ([]byte, error) {
	path, err := w.Path(rel)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read artifact %s: %w", rel, err)
	}
	return data, nil
}

// Artifacts walks the workspace and returns every regular file, sorted by
// path. The .git directory is skipped.
func (w *Workspace) Artifacts() ([]Artifact, error) {
	var artifacts []Artifact
	err := filepath.WalkDir(w.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if d.Name() == ".git" {
				return filepath.SkipDir
			}
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(w.root, path)
		if err != nil {
			return err
		}
		artifacts = append(artifacts, Artifact{Path: rel, Size: info.Size()})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk workspace: %w", err)
	}
	sort.Slice(artifacts, func(i, j int) bool { return artifacts[i].Path < artifacts[j].Path })
	return artifacts, nil
}

// InitGit makes the workspace a git repository so later phases can snapshot
// and diff their output. Calling it on an initialized workspace is a no-op.
func (w *Workspace) InitGit(ctx context.Context) error {
	w.gitMu.Lock()
	defer w.gitMu.Unlock()

	if _, err := os.Stat(filepath.Join(w.root, ".git")); err == nil {
		return nil
	}
	if err := w.git(ctx, "init", "-q"); err != nil {
		return err
	}
	// Commits need an identity; keep it repo-local.
	if err := w.git(ctx, "config", "user.email", "paperforge@localhost"); err != nil {
		return err
	}
	return w.git(ctx, "config", "user.name", "paperforge")
}

// Snapshot commits the current workspace state and returns the commit hash.
// The label becomes the commit message.
func (w *Workspace) Snapshot(ctx context.Context, label string) (string, error) {
	w.gitMu.Lock()
	defer w.gitMu.Unlock()

	if label == "" {
		label = "snapshot"
	}
	if err := w.git(ctx, "add", "-A"); err != nil {
		return "", err
	}
	if err := w.git(ctx, "commit", "-q", "--allow-empty", "-m", label); err != nil {
		return "", err
	}
	out, err := w.gitOutput(ctx, "rev-parse", "HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// Diff returns the textual diff from the given commit to the working tree.
func (w *Workspace) Diff(ctx context.Context, fromRef string) (string, error) {
	w.gitMu.Lock()
	defer w.gitMu.Unlock()

	if fromRef == "" {
		return "", errors.New("diff requires a base ref")
	}
	return w.gitOutput(ctx, "diff", fromRef)
}

func (w *Workspace) git(ctx context.Context, args ...string) error {
	_, err := w.gitOutput(ctx, args...)
	return err
}

func (w *Workspace) gitOutput(ctx context.Context, args ...string) (string, error) {
	cmd := proc.Command(ctx, "git", args...)
	cmd.Dir = w.root
	stdout, stderr, err := proc.Run(ctx, cmd, nil)
	if err != nil {
		return "", fmt.Errorf("git %s: %w (output: %s)", strings.Join(args, " "), err, strings.TrimSpace(string(stderr)))
	}
	return string(stdout), nil
}
