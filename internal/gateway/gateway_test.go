package gateway

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sony/gobreaker"

	"github.com/aristath/paperforge/internal/fault"
)

// scriptedTool returns its configured responses in order. Each entry is
// either a Result or an error.
type scriptedTool struct {
	name      string
	mu        sync.Mutex
	responses []any
	callCount int
}

func (t *scriptedTool) Name() string        { return t.name }
func (t *scriptedTool) Description() string { return "scripted test tool" }

func (t *scriptedTool) Invoke(ctx context.Context, args Args) (Result, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.callCount >= len(t.responses) {
		return Result{}, fmt.Errorf("unexpected call %d (only %d responses configured)", t.callCount+1, len(t.responses))
	}
	resp := t.responses[t.callCount]
	t.callCount++

	switch v := resp.(type) {
	case Result:
		return v, nil
	case error:
		return Result{}, v
	default:
		return Result{}, fmt.Errorf("invalid response type: %T", v)
	}
}

func (t *scriptedTool) CallCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.callCount
}

// failingScript builds n identical error responses.
func failingScript(n int, msg string) []any {
	responses := make([]any, n)
	for i := range responses {
		responses[i] = fmt.Errorf("%s %d", msg, i+1)
	}
	return responses
}

// fastRetry keeps test retry loops in the millisecond range.
func fastRetry() RetryConfig {
	return RetryConfig{
		InitialInterval:     5 * time.Millisecond,
		MaxInterval:         20 * time.Millisecond,
		MaxElapsedTime:      200 * time.Millisecond,
		Multiplier:          2.0,
		RandomizationFactor: 0.5,
	}
}

func newTestGateway(t *testing.T, tools ...Tool) *Gateway {
	t.Helper()
	reg := NewRegistry()
	for _, tool := range tools {
		if err := reg.Register(tool); err != nil {
			t.Fatalf("register %s: %v", tool.Name(), err)
		}
	}
	return New(reg, WithRetryConfig(fastRetry()))
}

func TestInvoke_TransientThenSuccess(t *testing.T) {
	tool := &scriptedTool{
		name: "flaky",
		responses: []any{
			fmt.Errorf("transient error 1"),
			fmt.Errorf("transient error 2"),
			Result{Content: "success"},
		},
	}
	g := newTestGateway(t, tool)

	res, err := g.Invoke(context.Background(), "flaky", nil)
	if err != nil {
		t.Fatalf("expected success after retries, got error: %v", err)
	}
	if res.Content != "success" {
		t.Errorf("expected content 'success', got %q", res.Content)
	}
	if tool.CallCount() != 3 {
		t.Errorf("expected 3 calls (2 failures + 1 success), got %d", tool.CallCount())
	}
}

func TestInvoke_ExhaustedRetriesWrapTransient(t *testing.T) {
	tool := &scriptedTool{name: "dead", responses: failingScript(100, "persistent error")}
	g := newTestGateway(t, tool)

	_, err := g.Invoke(context.Background(), "dead", nil)
	if err == nil {
		t.Fatal("expected error after retry exhaustion")
	}
	var transient *fault.TransientToolError
	if !errors.As(err, &transient) {
		t.Fatalf("expected TransientToolError, got %T: %v", err, err)
	}
	if transient.Tool != "dead" {
		t.Errorf("expected tool name 'dead' in error, got %q", transient.Tool)
	}
	if tool.CallCount() < 2 {
		t.Errorf("expected multiple attempts before giving up, got %d", tool.CallCount())
	}
}

func TestInvoke_UnknownToolIsFatal(t *testing.T) {
	g := newTestGateway(t)

	_, err := g.Invoke(context.Background(), "no-such-tool", nil)
	if err == nil {
		t.Fatal("expected error for unknown tool")
	}
	if got := fault.Classify(err); got != fault.ClassFatal {
		t.Errorf("expected fatal classification for unknown tool, got %v", got)
	}
	if !strings.Contains(err.Error(), "no-such-tool") {
		t.Errorf("expected tool name in error, got: %v", err)
	}
}

func TestInvoke_PermanentErrorNotRetried(t *testing.T) {
	tool := &scriptedTool{
		name:      "strict",
		responses: []any{Permanent(errors.New("path escapes the workspace"))},
	}
	g := newTestGateway(t, tool)

	_, err := g.Invoke(context.Background(), "strict", nil)
	if err == nil {
		t.Fatal("expected error")
	}
	if tool.CallCount() != 1 {
		t.Errorf("permanent error should not be retried, got %d calls", tool.CallCount())
	}
	if !IsPermanent(err) {
		t.Errorf("expected permanent marker to survive, got: %v", err)
	}
	var transient *fault.TransientToolError
	if errors.As(err, &transient) {
		t.Error("permanent error must not be wrapped as transient")
	}
}

func TestInvoke_GapPassesThrough(t *testing.T) {
	gap := &fault.SpecificationGapError{
		TaskID:  "impl-core",
		Missing: []string{"ref:window-protocol"},
	}
	tool := &scriptedTool{name: "search", responses: []any{gap}}
	g := newTestGateway(t, tool)

	_, err := g.Invoke(context.Background(), "search", nil)
	if err == nil {
		t.Fatal("expected error")
	}
	if tool.CallCount() != 1 {
		t.Errorf("gap error should not be retried, got %d calls", tool.CallCount())
	}
	got, ok := fault.AsGap(err)
	if !ok {
		t.Fatalf("expected SpecificationGapError to pass through, got %T: %v", err, err)
	}
	if got.TaskID != "impl-core" {
		t.Errorf("gap lost its task reference: %+v", got)
	}
}

func TestInvoke_ContextCancelledStopsRetry(t *testing.T) {
	tool := &scriptedTool{name: "slow", responses: failingScript(100, "error")}
	reg := NewRegistry()
	if err := reg.Register(tool); err != nil {
		t.Fatal(err)
	}
	g := New(reg, WithRetryConfig(RetryConfig{
		InitialInterval:     50 * time.Millisecond,
		MaxInterval:         200 * time.Millisecond,
		MaxElapsedTime:      10 * time.Second, // long budget, context should cut it short
		Multiplier:          2.0,
		RandomizationFactor: 0.5,
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := g.Invoke(ctx, "slow", nil)
	elapsed := time.Since(start)

	if err == nil {
		t.Fatal("expected error due to context cancellation")
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected context.DeadlineExceeded, got: %v", err)
	}
	if elapsed > 500*time.Millisecond {
		t.Errorf("Invoke took %v, expected context to stop retries well before the retry budget", elapsed)
	}
}

func TestInvoke_CircuitOpensAfterConsecutiveFailures(t *testing.T) {
	tool := &scriptedTool{name: "broken", responses: failingScript(100, "persistent error")}
	g := newTestGateway(t, tool)
	cb := g.breakers.Get("broken")

	ctx := context.Background()
	for i := range 7 {
		_, err := g.Invoke(ctx, "broken", nil)
		if err == nil {
			t.Fatalf("call %d: expected error, got success", i+1)
		}
		if cb.State() == gobreaker.StateOpen {
			break
		}
	}
	if state := cb.State(); state != gobreaker.StateOpen {
		t.Fatalf("expected circuit open after repeated failures, got state: %v", state)
	}

	// With the circuit open the next invocation fails fast without touching
	// the tool.
	before := tool.CallCount()
	start := time.Now()
	_, err := g.Invoke(ctx, "broken", nil)
	if err == nil {
		t.Fatal("expected error while circuit is open")
	}
	if !errors.Is(err, gobreaker.ErrOpenState) {
		t.Errorf("expected ErrOpenState in chain, got: %v", err)
	}
	var transient *fault.TransientToolError
	if !errors.As(err, &transient) {
		t.Errorf("open circuit should surface as transient, got %T: %v", err, err)
	}
	if tool.CallCount() != before {
		t.Errorf("open circuit must not reach the tool, calls went %d -> %d", before, tool.CallCount())
	}
	if elapsed := time.Since(start); elapsed > 100*time.Millisecond {
		t.Errorf("open-circuit failure took %v, expected fast rejection", elapsed)
	}
}

func TestInvoke_CancellationNotCountedByBreaker(t *testing.T) {
	// The tool itself reports cancellation (an inner deadline); the breaker
	// must not treat that as tool failure.
	tool := &scriptedTool{name: "cancelly", responses: make([]any, 100)}
	for i := range tool.responses {
		tool.responses[i] = context.Canceled
	}
	g := newTestGateway(t, tool)
	cb := g.breakers.Get("cancelly")

	for range 5 {
		_, err := g.Invoke(context.Background(), "cancelly", nil)
		if err == nil {
			t.Fatal("expected error")
		}
	}
	if state := cb.State(); state != gobreaker.StateClosed {
		t.Errorf("expected circuit to remain closed after cancellations, got state: %v", state)
	}
}

func TestRegistry_Register(t *testing.T) {
	reg := NewRegistry()
	if err := reg.Register(&scriptedTool{name: "alpha"}); err != nil {
		t.Fatalf("first register failed: %v", err)
	}

	if err := reg.Register(&scriptedTool{name: "alpha"}); err == nil {
		t.Error("expected duplicate name to be rejected")
	}
	if err := reg.Register(&scriptedTool{name: ""}); err == nil {
		t.Error("expected empty name to be rejected")
	}

	if _, ok := reg.Get("alpha"); !ok {
		t.Error("registered tool not found")
	}
	if _, ok := reg.Get("beta"); ok {
		t.Error("unregistered tool found")
	}
}

func TestRegistry_NamesSorted(t *testing.T) {
	reg := NewRegistry()
	for _, name := range []string{"zeta", "alpha", "mid"} {
		if err := reg.Register(&scriptedTool{name: name}); err != nil {
			t.Fatal(err)
		}
	}
	got := reg.Names()
	want := []string{"alpha", "mid", "zeta"}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}
}

func TestCircuitBreakerRegistry_PerTool(t *testing.T) {
	registry := NewCircuitBreakerRegistry(nil)

	cb1a := registry.Get("fs_read")
	cb1b := registry.Get("fs_read")
	cb2 := registry.Get("http_fetch")

	if cb1a != cb1b {
		t.Error("expected same circuit breaker instance for 'fs_read'")
	}
	if cb1a == cb2 {
		t.Error("expected different circuit breaker instances per tool")
	}
	if cb1a.Name() != "fs_read" {
		t.Errorf("expected breaker name 'fs_read', got %q", cb1a.Name())
	}
}

func TestPermanentMarker(t *testing.T) {
	if Permanent(nil) != nil {
		t.Error("Permanent(nil) should be nil")
	}

	base := errors.New("boom")
	marked := Permanent(base)
	if !IsPermanent(marked) {
		t.Error("expected marked error to report permanent")
	}
	if !errors.Is(marked, base) {
		t.Error("expected marker to preserve the error chain")
	}
	if IsPermanent(base) {
		t.Error("unmarked error must not report permanent")
	}
	if IsPermanent(fmt.Errorf("wrapped: %w", marked)) != true {
		t.Error("marker should survive further wrapping")
	}
}
