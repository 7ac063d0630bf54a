package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/aristath/paperforge/internal/proc"
)

const (
	// maxReadBytes caps fs_read payloads so a generated artifact cannot blow
	// up the caller's context budget in one call.
	maxReadBytes = 4 << 20
	// defaultFetchBytes caps http_fetch response bodies.
	defaultFetchBytes = 2 << 20
)

// confine resolves rel against root and rejects results that escape it.
// Absolute inputs are treated as root-relative, so a tool argument can never
// name a path outside the workspace.
func confine(root, rel string) (string, error) {
	if rel == "" {
		return "", Permanent(errors.New("path is required"))
	}
	abs := filepath.Join(root, rel)
	cleanRoot := filepath.Clean(root)
	if abs != cleanRoot && !strings.HasPrefix(abs, cleanRoot+string(filepath.Separator)) {
		return "", Permanent(fmt.Errorf("path %q escapes the workspace", rel))
	}
	return abs, nil
}

// FileReadTool reads a file from the workspace.
type FileReadTool struct {
	Root string
}

func (t *FileReadTool) Name() string { return "fs_read" }

func (t *FileReadTool) Description() string {
	return "Read a file from the workspace. Args: path (workspace-relative)."
}

func (t *FileReadTool) Invoke(ctx context.Context, args Args) (Result, error) {
	path, err := confine(t.Root, args.String("path"))
	if err != nil {
		return Result{}, err
	}
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Result{}, Permanent(fmt.Errorf("fs_read: %w", err))
		}
		return Result{}, fmt.Errorf("fs_read: %w", err)
	}
	if info.IsDir() {
		return Result{}, Permanent(fmt.Errorf("fs_read: %q is a directory", args.String("path")))
	}
	if info.Size() > maxReadBytes {
		return Result{}, Permanent(fmt.Errorf("fs_read: %q is %d bytes, limit is %d", args.String("path"), info.Size(), maxReadBytes))
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Result{}, fmt.Errorf("fs_read: %w", err)
	}
	return Result{
		Content: string(data),
		Fields:  map[string]string{"path": path, "bytes": strconv.Itoa(len(data))},
	}, nil
}

// FileWriteTool writes a file into the workspace, creating parent
// directories as needed.
type FileWriteTool struct {
	Root string
}

func (t *FileWriteTool) Name() string { return "fs_write" }

func (t *FileWriteTool) Description() string {
	return "Write a file into the workspace. Args: path (workspace-relative), content."
}

func (t *FileWriteTool) Invoke(ctx context.Context, args Args) (Result, error) {
	path, err := confine(t.Root, args.String("path"))
	if err != nil {
		return Result{}, err
	}
	content, ok := args["content"].(string)
	if !ok {
		return Result{}, Permanent(errors.New("fs_write: content is required"))
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return Result{}, fmt.Errorf("fs_write: %w", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return Result{}, fmt.Errorf("fs_write: %w", err)
	}
	return Result{
		Fields: map[string]string{"path": path, "bytes": strconv.Itoa(len(content))},
	}, nil
}

// FileListTool lists a workspace directory, one entry per line, directories
// suffixed with a slash.
type FileListTool struct {
	Root string
}

func (t *FileListTool) Name() string { return "fs_list" }

func (t *FileListTool) Description() string {
	return "List a workspace directory. Args: path (workspace-relative, defaults to the root)."
}

func (t *FileListTool) Invoke(ctx context.Context, args Args) (Result, error) {
	rel := args.String("path")
	if rel == "" {
		rel = "."
	}
	path, err := confine(t.Root, rel)
	if err != nil {
		return Result{}, err
	}
	entries, err := os.ReadDir(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Result{}, Permanent(fmt.Errorf("fs_list: %w", err))
		}
		return Result{}, fmt.Errorf("fs_list: %w", err)
	}
	var b strings.Builder
	for _, entry := range entries {
		b.WriteString(entry.Name())
		if entry.IsDir() {
			b.WriteByte('/')
		}
		b.WriteByte('\n')
	}
	return Result{
		Content: b.String(),
		Fields:  map[string]string{"path": path, "entries": strconv.Itoa(len(entries))},
	}, nil
}

// ExecTool runs a shell command inside the workspace. A non-zero exit status
// is data, not an invocation failure: the coder phases need to see compiler
// and test output to act on it.
type ExecTool struct {
	Root    string
	Timeout time.Duration
	Procs   *proc.Manager
}

func (t *ExecTool) Name() string { return "shell_exec" }

func (t *ExecTool) Description() string {
	return "Run a shell command in the workspace. Args: command, dir (optional, workspace-relative)."
}

func (t *ExecTool) Invoke(ctx context.Context, args Args) (Result, error) {
	command := args.String("command")
	if command == "" {
		return Result{}, Permanent(errors.New("shell_exec: command is required"))
	}
	dir := t.Root
	if d := args.String("dir"); d != "" {
		confined, err := confine(t.Root, d)
		if err != nil {
			return Result{}, err
		}
		dir = confined
	}
	if t.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.Timeout)
		defer cancel()
	}

	cmd := proc.Command(ctx, "bash", "-c", command)
	cmd.Dir = dir
	stdout, stderr, err := proc.Run(ctx, cmd, t.Procs)

	exit := 0
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return Result{}, fmt.Errorf("shell_exec: %w", err)
		}
		exit = exitErr.ExitCode()
	}
	return Result{
		Content: string(stdout),
		Fields: map[string]string{
			"exit_code": strconv.Itoa(exit),
			"stderr":    string(stderr),
		},
	}, nil
}

// HTTPFetchTool performs a GET against an external URL. Server-side errors
// and rate limits stay retryable; client errors are permanent.
type HTTPFetchTool struct {
	Client   *http.Client
	MaxBytes int64
}

func (t *HTTPFetchTool) Name() string { return "http_fetch" }

func (t *HTTPFetchTool) Description() string {
	return "Fetch a URL with HTTP GET. Args: url."
}

func (t *HTTPFetchTool) Invoke(ctx context.Context, args Args) (Result, error) {
	url := args.String("url")
	if url == "" {
		return Result{}, Permanent(errors.New("http_fetch: url is required"))
	}
	client := t.Client
	if client == nil {
		client = http.DefaultClient
	}
	limit := t.MaxBytes
	if limit <= 0 {
		limit = defaultFetchBytes
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Result{}, Permanent(fmt.Errorf("http_fetch: %w", err))
	}
	resp, err := client.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("http_fetch %s: %w", url, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return Result{}, fmt.Errorf("http_fetch %s: status %d", url, resp.StatusCode)
	case resp.StatusCode >= 400:
		return Result{}, Permanent(fmt.Errorf("http_fetch %s: status %d", url, resp.StatusCode))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, limit))
	if err != nil {
		return Result{}, fmt.Errorf("http_fetch %s: read body: %w", url, err)
	}
	return Result{
		Content: string(body),
		Fields: map[string]string{
			"status":       strconv.Itoa(resp.StatusCode),
			"content_type": resp.Header.Get("Content-Type"),
			"url":          resp.Request.URL.String(),
		},
	}, nil
}

// RepoCloneTool clones a git repository into the workspace for reference
// mining.
type RepoCloneTool struct {
	Root    string
	Timeout time.Duration
	Procs   *proc.Manager
}

func (t *RepoCloneTool) Name() string { return "repo_clone" }

func (t *RepoCloneTool) Description() string {
	return "Shallow-clone a git repository into the workspace. Args: url, dest (workspace-relative)."
}

func (t *RepoCloneTool) Invoke(ctx context.Context, args Args) (Result, error) {
	url := args.String("url")
	if url == "" {
		return Result{}, Permanent(errors.New("repo_clone: url is required"))
	}
	dest, err := confine(t.Root, args.String("dest"))
	if err != nil {
		return Result{}, err
	}
	if _, err := os.Stat(dest); err == nil {
		return Result{}, Permanent(fmt.Errorf("repo_clone: destination %q already exists", args.String("dest")))
	}
	if t.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.Timeout)
		defer cancel()
	}

	cmd := proc.Command(ctx, "git", "clone", "--depth", "1", "--single-branch", url, dest)
	_, stderr, err := proc.Run(ctx, cmd, t.Procs)
	if err != nil {
		return Result{}, fmt.Errorf("repo_clone %s: %w", url, err)
	}
	return Result{
		Content: string(stderr), // git reports progress on stderr
		Fields:  map[string]string{"path": dest},
	}, nil
}

// Builtins bundles the construction parameters of the builtin tool set.
type Builtins struct {
	Root        string
	Procs       *proc.Manager
	ExecTimeout time.Duration
	HTTPTimeout time.Duration
}

// Register adds the builtin tools to reg.
func (b Builtins) Register(reg *Registry) error {
	httpClient := &http.Client{Timeout: b.HTTPTimeout}
	tools := []Tool{
		&FileReadTool{Root: b.Root},
		&FileWriteTool{Root: b.Root},
		&FileListTool{Root: b.Root},
		&ExecTool{Root: b.Root, Timeout: b.ExecTimeout, Procs: b.Procs},
		&HTTPFetchTool{Client: httpClient},
		&RepoCloneTool{Root: b.Root, Timeout: b.ExecTimeout, Procs: b.Procs},
	}
	for _, t := range tools {
		if err := reg.Register(t); err != nil {
			return err
		}
	}
	return nil
}
