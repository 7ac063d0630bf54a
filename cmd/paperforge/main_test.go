package main

import (
	"bytes"
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/aristath/paperforge/internal/orchestrator"
	"github.com/aristath/paperforge/internal/proc"
)

// TestManagerKillAllOnShutdown verifies that the process manager terminates
// tracked subprocesses during simulated shutdown.
func TestManagerKillAllOnShutdown(t *testing.T) {
	pm := proc.NewManager()

	cmd := proc.Command(context.Background(), "sleep", "60")
	if err := cmd.Start(); err != nil {
		t.Fatalf("starting subprocess: %v", err)
	}
	pm.Track(cmd)

	if count := pm.Count(); count != 1 {
		t.Errorf("expected 1 tracked process, got %d", count)
	}

	if err := pm.KillAll(); err != nil {
		t.Errorf("KillAll() failed: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		done <- cmd.Wait()
	}()

	select {
	case err := <-done:
		if err == nil {
			t.Error("expected the killed process to report a non-nil exit")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("process did not terminate after KillAll()")
	}

	// KillAll does not untrack; that happens when the runner's Wait returns.
	if count := pm.Count(); count != 1 {
		t.Errorf("expected the process to stay tracked after KillAll, got %d", count)
	}
	pm.Untrack(cmd)
	if count := pm.Count(); count != 0 {
		t.Errorf("expected 0 tracked processes after Untrack, got %d", count)
	}
}

// TestSignalContextCancellation verifies that signal.NotifyContext produces
// a context that cancels when a signal is received.
func TestSignalContextCancellation(t *testing.T) {
	// SIGUSR1 is safe to send to ourselves.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGUSR1)
	defer stop()

	if err := syscall.Kill(os.Getpid(), syscall.SIGUSR1); err != nil {
		t.Fatalf("sending SIGUSR1: %v", err)
	}

	select {
	case <-ctx.Done():
	case <-time.After(1 * time.Second):
		t.Fatal("context did not cancel after SIGUSR1")
	}

	if err := ctx.Err(); err != context.Canceled {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

// TestShutdownTimeout verifies the bounded-wait pattern execute relies on
// when a channel never delivers.
func TestShutdownTimeout(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	blockChan := make(chan struct{})

	start := time.Now()
	select {
	case <-blockChan:
		t.Fatal("unexpected receive from blockChan")
	case <-ctx.Done():
		elapsed := time.Since(start)
		if elapsed < 50*time.Millisecond {
			t.Errorf("timeout fired too early: %v", elapsed)
		}
		if elapsed > 100*time.Millisecond {
			t.Errorf("timeout fired too late: %v", elapsed)
		}
	}

	if err := ctx.Err(); err != context.DeadlineExceeded {
		t.Errorf("expected context.DeadlineExceeded, got %v", err)
	}
}

func TestWaitUIReturnsOnExit(t *testing.T) {
	ch := make(chan error, 1)
	ch <- nil

	start := time.Now()
	waitUI(ch)
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("waitUI should return immediately when the UI already exited, took %v", elapsed)
	}
}

func TestExpandPath(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skipf("no home directory: %v", err)
	}

	cases := []struct {
		in   string
		want string
	}{
		{"~/.local/share/paperforge", filepath.Join(home, ".local", "share", "paperforge")},
		{"~", home},
		{"/var/lib/paperforge", "/var/lib/paperforge"},
		{"relative/dir", "relative/dir"},
		{"~other/dir", "~other/dir"}, // only the current user's home expands
	}
	for _, tc := range cases {
		got, err := expandPath(tc.in)
		if err != nil {
			t.Fatalf("expandPath(%q): %v", tc.in, err)
		}
		if got != tc.want {
			t.Errorf("expandPath(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestPrintReport(t *testing.T) {
	var buf bytes.Buffer
	code := printReport(&buf, &orchestrator.RunReport{
		RunID:     "run-20260314-093000-0a1b2c3d",
		Status:    orchestrator.RunCompleted,
		Total:     5,
		Completed: 5,
		Duration:  90 * time.Second,
	})
	if code != 0 {
		t.Errorf("completed run should exit 0, got %d", code)
	}
	out := buf.String()
	if !strings.Contains(out, "5/5 tasks") {
		t.Errorf("summary missing task counts: %q", out)
	}
	if !strings.Contains(out, "1m30s") {
		t.Errorf("summary missing duration: %q", out)
	}

	buf.Reset()
	code = printReport(&buf, &orchestrator.RunReport{
		RunID:     "run-20260314-093000-0a1b2c3d",
		Status:    orchestrator.RunFailed,
		Total:     5,
		Completed: 4,
		Failed:    1,
		Duration:  time.Minute,
		Failures: []orchestrator.TaskFailure{
			{TaskID: "generate-code-api", Phase: "generate-code", Attempts: 3, Reason: "agent timeout"},
		},
	})
	if code != 1 {
		t.Errorf("failed run should exit 1, got %d", code)
	}
	out = buf.String()
	if !strings.Contains(out, "generate-code-api") || !strings.Contains(out, "after 3 attempts") {
		t.Errorf("missing failure detail: %q", out)
	}
}

func TestRunVersion(t *testing.T) {
	if code := run([]string{"version"}); code != 0 {
		t.Errorf("version should exit 0, got %d", code)
	}
}

func TestRunUnknownCommand(t *testing.T) {
	if code := run([]string{"frobnicate"}); code != 2 {
		t.Errorf("unknown command should exit 2, got %d", code)
	}
}

func TestRunNoArgs(t *testing.T) {
	if code := run(nil); code != 2 {
		t.Errorf("bare invocation should print usage and exit 2, got %d", code)
	}
}

func TestCmdInit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")

	if code := cmdInit(path); code != 0 {
		t.Fatalf("init should exit 0, got %d", code)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("config file not written: %v", err)
	}

	// A second init must not clobber the file.
	if code := cmdInit(path); code != 1 {
		t.Errorf("init over an existing config should exit 1, got %d", code)
	}
}
