// Command paperforge turns a research paper or written specification into a
// working code repository through a staged agent pipeline.
//
// Usage:
//
//	paperforge [flags] run <file|url|text>   start a new run
//	paperforge [flags] resume [run-id]       continue an interrupted run
//	paperforge runs                          list stored runs
//	paperforge prune [-keep n]               delete old runs and workspaces
//	paperforge init                          write the default config file
//	paperforge version                       print the version
//
// Flags go before the command. By default a run opens a full-screen terminal
// UI; -plain logs progress to stderr instead, for scripts and CI.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"go.uber.org/zap"

	"github.com/aristath/paperforge/internal/agent"
	"github.com/aristath/paperforge/internal/config"
	"github.com/aristath/paperforge/internal/events"
	"github.com/aristath/paperforge/internal/executor"
	"github.com/aristath/paperforge/internal/gateway"
	"github.com/aristath/paperforge/internal/inbox"
	"github.com/aristath/paperforge/internal/index"
	"github.com/aristath/paperforge/internal/logging"
	"github.com/aristath/paperforge/internal/memory"
	"github.com/aristath/paperforge/internal/orchestrator"
	"github.com/aristath/paperforge/internal/persistence"
	"github.com/aristath/paperforge/internal/plan"
	"github.com/aristath/paperforge/internal/proc"
	"github.com/aristath/paperforge/internal/tui"
	"github.com/aristath/paperforge/internal/workspace"
)

// version is stamped at build time via -ldflags "-X main.version=...".
var version = "dev"

const usageText = `paperforge - turn a paper into a repository

Usage:
  paperforge [flags] run <file|url|text>   start a new run
  paperforge [flags] resume [run-id]       continue an interrupted run
  paperforge runs                          list stored runs
  paperforge prune [-keep n]               delete old runs and workspaces
  paperforge init                          write the default config file
  paperforge version                       print the version

Flags:
  -config path   config file (default ~/.config/paperforge/config.yaml)
  -plain         log to stderr instead of opening the terminal UI
`

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := flag.NewFlagSet("paperforge", flag.ExitOnError)
	configPath := fs.String("config", "", "config file path")
	plain := fs.Bool("plain", false, "log to stderr instead of opening the terminal UI")
	fs.Usage = func() { fmt.Fprint(os.Stderr, usageText) }
	fs.Parse(args)

	rest := fs.Args()
	if len(rest) == 0 {
		fs.Usage()
		return 2
	}
	cmd, cmdArgs := rest[0], rest[1:]

	switch cmd {
	case "run", "resume", "runs", "prune":
		// Engine commands, dispatched below once config is loaded.
	case "version":
		fmt.Printf("paperforge %s\n", version)
		return 0
	case "init":
		return cmdInit(*configPath)
	default:
		fmt.Fprintf(os.Stderr, "paperforge: unknown command %q\n\n", cmd)
		fs.Usage()
		return 2
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "paperforge: %v\n", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch cmd {
	case "run":
		if len(cmdArgs) != 1 {
			fmt.Fprintln(os.Stderr, "usage: paperforge run <file|url|text>")
			return 2
		}
		return cmdRun(ctx, stop, cfg, cmdArgs[0], *plain)
	case "resume":
		runID := ""
		if len(cmdArgs) > 0 {
			runID = cmdArgs[0]
		}
		return cmdResume(ctx, stop, cfg, runID, *plain)
	case "runs":
		return cmdRuns(ctx, cfg)
	default:
		return cmdPrune(ctx, cfg, cmdArgs)
	}
}

// cmdRun starts a fresh run from a source document.
func cmdRun(ctx context.Context, stop context.CancelFunc, cfg *config.Config, source string, plain bool) int {
	log, err := openLogger(cfg, plain)
	if err != nil {
		fmt.Fprintf(os.Stderr, "paperforge: %v\n", err)
		return 1
	}
	defer log.Sync()

	e, err := buildEngine(ctx, cfg, log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "paperforge: %v\n", err)
		return 1
	}
	defer e.Close()

	input := plan.ParseSource(source)
	runID, err := e.orch.Submit(ctx, input)
	if err != nil {
		fmt.Fprintf(os.Stderr, "paperforge: starting run: %v\n", err)
		return 1
	}
	if err := e.bindWorkspaceTools(); err != nil {
		fmt.Fprintf(os.Stderr, "paperforge: %v\n", err)
		return 1
	}
	log.Info("run submitted",
		zap.String("run_id", runID),
		zap.Stringer("source", input.Kind))

	return execute(ctx, stop, e, plain)
}

// cmdResume continues a stored run; with no argument, the most recent one.
func cmdResume(ctx context.Context, stop context.CancelFunc, cfg *config.Config, runID string, plain bool) int {
	log, err := openLogger(cfg, plain)
	if err != nil {
		fmt.Fprintf(os.Stderr, "paperforge: %v\n", err)
		return 1
	}
	defer log.Sync()

	e, err := buildEngine(ctx, cfg, log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "paperforge: %v\n", err)
		return 1
	}
	defer e.Close()

	if runID == "" {
		runID, err = e.store.LatestRun(ctx)
		if errors.Is(err, persistence.ErrNoRun) {
			fmt.Fprintln(os.Stderr, "paperforge: no stored runs to resume")
			return 1
		}
		if err != nil {
			fmt.Fprintf(os.Stderr, "paperforge: %v\n", err)
			return 1
		}
	}

	snap, err := e.store.LoadRun(ctx, runID)
	if errors.Is(err, persistence.ErrNoRun) {
		fmt.Fprintf(os.Stderr, "paperforge: no such run: %s\n", runID)
		return 1
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "paperforge: loading run %s: %v\n", runID, err)
		return 1
	}
	if err := e.orch.Restore(snap); err != nil {
		fmt.Fprintf(os.Stderr, "paperforge: restoring run %s: %v\n", runID, err)
		return 1
	}
	if err := e.bindWorkspaceTools(); err != nil {
		fmt.Fprintf(os.Stderr, "paperforge: %v\n", err)
		return 1
	}
	log.Info("run restored", zap.String("run_id", runID))

	return execute(ctx, stop, e, plain)
}

// cmdRuns prints the stored runs, newest first.
func cmdRuns(ctx context.Context, cfg *config.Config) int {
	dbPath, err := expandPath(cfg.Paths.Database)
	if err != nil {
		fmt.Fprintf(os.Stderr, "paperforge: %v\n", err)
		return 1
	}
	store, err := persistence.Open(ctx, dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "paperforge: %v\n", err)
		return 1
	}
	defer store.Close()

	runs, err := store.ListRuns(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "paperforge: %v\n", err)
		return 1
	}
	if len(runs) == 0 {
		fmt.Println("no stored runs")
		return 0
	}
	fmt.Printf("%-34s  %-10s  %5s  %-16s  %s\n", "RUN", "STATUS", "TASKS", "UPDATED", "TITLE")
	for _, r := range runs {
		fmt.Printf("%-34s  %-10s  %5d  %-16s  %s\n",
			r.RunID, r.Status, r.Tasks, r.UpdatedAt.Local().Format("2006-01-02 15:04"), r.Title)
	}
	return 0
}

// cmdPrune drops all but the most recent runs from the database and removes
// their workspaces.
func cmdPrune(ctx context.Context, cfg *config.Config, args []string) int {
	fs := flag.NewFlagSet("prune", flag.ExitOnError)
	keep := fs.Int("keep", 5, "most recent runs to keep")
	fs.Parse(args)

	dbPath, err := expandPath(cfg.Paths.Database)
	if err != nil {
		fmt.Fprintf(os.Stderr, "paperforge: %v\n", err)
		return 1
	}
	wsPath, err := expandPath(cfg.Paths.Workspace)
	if err != nil {
		fmt.Fprintf(os.Stderr, "paperforge: %v\n", err)
		return 1
	}

	store, err := persistence.Open(ctx, dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "paperforge: %v\n", err)
		return 1
	}
	defer store.Close()

	removed, err := store.PruneRuns(ctx, *keep)
	if err != nil {
		fmt.Fprintf(os.Stderr, "paperforge: pruning runs: %v\n", err)
		return 1
	}

	workspaces, err := workspace.NewManager(wsPath, logging.Nop())
	if err != nil {
		fmt.Fprintf(os.Stderr, "paperforge: %v\n", err)
		return 1
	}
	wsRemoved, err := workspaces.Prune(*keep)
	if err != nil {
		fmt.Fprintf(os.Stderr, "paperforge: pruning workspaces: %v\n", err)
		return 1
	}

	for _, id := range removed {
		fmt.Printf("removed run %s\n", id)
	}
	for _, id := range wsRemoved {
		fmt.Printf("removed workspace %s\n", id)
	}
	if len(removed) == 0 && len(wsRemoved) == 0 {
		fmt.Println("nothing to prune")
	}
	return 0
}

// cmdInit writes the default configuration for editing. Refuses to clobber
// an existing file.
func cmdInit(path string) int {
	if path == "" {
		p, err := config.DefaultPath()
		if err != nil {
			fmt.Fprintf(os.Stderr, "paperforge: %v\n", err)
			return 1
		}
		path = p
	}
	if _, err := os.Stat(path); err == nil {
		fmt.Fprintf(os.Stderr, "paperforge: config already exists at %s\n", path)
		return 1
	}
	if err := config.Save(config.Default(), path); err != nil {
		fmt.Fprintf(os.Stderr, "paperforge: %v\n", err)
		return 1
	}
	fmt.Printf("wrote default config to %s\n", path)
	return 0
}

// engine bundles everything one run needs. Close releases the pieces in
// reverse dependency order and is safe on a partially built engine.
type engine struct {
	cfg        *config.Config
	log        *zap.Logger
	bus        *events.Bus
	procs      *proc.Manager
	store      *persistence.RunStore
	workspaces *workspace.Manager
	toolReg    *gateway.Registry
	agents     *agent.Roster
	env        *executor.Env
	orch       *orchestrator.Orchestrator
	inbox      *inbox.Watcher
	mcp        []*gateway.MCPServer
}

func buildEngine(ctx context.Context, cfg *config.Config, log *zap.Logger) (*engine, error) {
	dbPath, err := expandPath(cfg.Paths.Database)
	if err != nil {
		return nil, err
	}
	wsPath, err := expandPath(cfg.Paths.Workspace)
	if err != nil {
		return nil, err
	}
	inboxPath, err := expandPath(cfg.Paths.Inbox)
	if err != nil {
		return nil, err
	}

	e := &engine{
		cfg:   cfg,
		log:   log,
		bus:   events.NewBus(),
		procs: proc.NewManager(),
	}
	ok := false
	defer func() {
		if !ok {
			e.Close()
		}
	}()

	e.store, err = persistence.Open(ctx, dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening run store: %w", err)
	}
	e.workspaces, err = workspace.NewManager(wsPath, log.Named("workspace"))
	if err != nil {
		return nil, fmt.Errorf("preparing workspaces: %w", err)
	}

	bus := e.bus
	mem := memory.New(cfg.Memory.Budget, memory.WithEvictionNotify(func(count, freedBytes int) {
		bus.Publish(events.TopicMemory, events.MemoryPressureEvent{
			Evicted:    count,
			FreedBytes: freedBytes,
			Timestamp:  time.Now(),
		})
	}))

	idx, err := index.New(cfg.Index.EmbeddingDim,
		index.WithScorer(index.WeightedScorer{
			Embedding: cfg.Index.EmbeddingWeight,
			Proximity: cfg.Index.ProximityWeight,
		}),
		index.WithMaxGraphDepth(cfg.Index.MaxGraphDepth),
	)
	if err != nil {
		return nil, fmt.Errorf("building code index: %w", err)
	}

	e.toolReg = gateway.NewRegistry()
	gw := gateway.New(e.toolReg, gateway.WithLogger(log.Named("gateway")))

	// External MCP servers are optional capability, not infrastructure: a
	// server that fails to come up costs its tools, not the run.
	for _, mc := range cfg.Tools.MCP {
		srv, err := gateway.ConnectMCP(ctx, mc.Name, mc.Command, mc.Args, mc.Env, log.Named("mcp"))
		if err != nil {
			log.Warn("mcp server unavailable", zap.String("server", mc.Name), zap.Error(err))
			continue
		}
		if err := srv.Register(e.toolReg); err != nil {
			log.Warn("mcp tools not registered", zap.String("server", mc.Name), zap.Error(err))
			srv.Close()
			continue
		}
		e.mcp = append(e.mcp, srv)
		log.Info("mcp server connected",
			zap.String("server", mc.Name),
			zap.Strings("tools", srv.ToolNames()))
	}

	agentCfgs := make(map[string]agent.Config, len(cfg.Agents))
	for role, ac := range cfg.Agents {
		agentCfgs[role] = agent.Config{
			Command: ac.Command,
			Args:    ac.Args,
			Model:   ac.Model,
			Timeout: ac.Timeout,
		}
	}
	e.agents = agent.NewRoster(agentCfgs, e.procs, log.Named("agent"))

	live := plan.NewLiveState()
	e.env = &executor.Env{
		Memory: mem,
		Index:  idx,
		Tools:  gw,
		Agents: e.agents,
		Live:   live,
		Bus:    e.bus,
		Log:    log.Named("executor"),
	}

	e.orch = orchestrator.New(orchestrator.Settings{
		MaxWorkers:    cfg.Run.MaxWorkers,
		MaxAttempts:   cfg.Run.MaxAttempts,
		RetryInitial:  cfg.Run.RetryInitial,
		RetryMax:      cfg.Run.RetryMax,
		ShutdownGrace: cfg.Run.ShutdownGrace,
		Timeouts:      cfg.Phases.Timeouts,
	}, orchestrator.Deps{
		Planner: plan.NewPlanner(plan.Options{
			References: cfg.Phases.References,
			Refinement: cfg.Phases.Refinement,
		}, log.Named("planner")),
		Live: live,
		Registry: executor.Standard(executor.Settings{
			CompletenessThreshold: cfg.Phases.CompletenessThreshold,
			MaxPlanRounds:         cfg.Phases.MaxPlanRounds,
		}),
		Env:        e.env,
		Workspaces: e.workspaces,
		Store:      e.store,
		Bus:        e.bus,
		Log:        log.Named("orchestrator"),
	})

	e.inbox = inbox.New(inboxPath, e.orch, log.Named("inbox"))
	if err := e.inbox.Start(ctx); err != nil {
		return nil, fmt.Errorf("opening clarification inbox: %w", err)
	}

	ok = true
	return e, nil
}

// bindWorkspaceTools registers the filesystem, shell, fetch and clone tools
// rooted at the run workspace. Must run after Submit or Restore binds one;
// the gateway resolves tools at call time, so registering here is early
// enough for the first executing task.
func (e *engine) bindWorkspaceTools() error {
	if e.env.Workspace == nil {
		return errors.New("no run workspace bound")
	}
	b := gateway.Builtins{
		Root:        e.env.Workspace.Root(),
		Procs:       e.procs,
		ExecTimeout: e.cfg.Tools.ExecTimeout,
		HTTPTimeout: e.cfg.Tools.HTTPTimeout,
	}
	return b.Register(e.toolReg)
}

func (e *engine) Close() {
	if e.inbox != nil {
		e.inbox.Close()
	}
	for _, srv := range e.mcp {
		srv.Close()
	}
	if e.agents != nil {
		if err := e.agents.Close(); err != nil {
			e.log.Warn("closing agents", zap.Error(err))
		}
	}
	if err := e.procs.KillAll(); err != nil {
		e.log.Warn("killing subprocesses", zap.Error(err))
	}
	e.bus.Close()
	if e.store != nil {
		if err := e.store.Close(); err != nil {
			e.log.Warn("closing run store", zap.Error(err))
		}
	}
}

// runOutcome pairs the report with the run error for channel delivery.
type runOutcome struct {
	report *orchestrator.RunReport
	err    error
}

// execute drives a submitted or restored run to completion. In plain mode it
// blocks on the run loop and prints the report. Otherwise it runs the
// terminal UI alongside the loop and reconciles the three ways out: the user
// quits the UI, the run finishes, or a signal arrives.
func execute(ctx context.Context, stop context.CancelFunc, e *engine, plain bool) int {
	if plain {
		report, err := e.orch.Run(ctx)
		if err != nil {
			e.log.Error("run aborted", zap.Error(err))
			return 1
		}
		return printReport(os.Stdout, report)
	}

	p := tea.NewProgram(tui.New(e.bus, e.orch), tea.WithAltScreen())

	uiErr := make(chan error, 1)
	go func() {
		_, err := p.Run()
		uiErr <- err
	}()

	done := make(chan runOutcome, 1)
	go func() {
		report, err := e.orch.Run(ctx)
		done <- runOutcome{report, err}
	}()

	// A cancelled run still drains in-flight tasks for ShutdownGrace, so
	// waits on done get a little extra on top.
	drainWait := e.cfg.Run.ShutdownGrace + 5*time.Second

	var res runOutcome
	select {
	case err := <-uiErr:
		// User left the UI before the run finished.
		if err != nil {
			fmt.Fprintf(os.Stderr, "paperforge: terminal ui: %v\n", err)
		}
		e.orch.Cancel()
		select {
		case res = <-done:
		case <-time.After(drainWait):
			fmt.Fprintln(os.Stderr, "paperforge: run did not stop in time, exiting")
			return 1
		}

	case res = <-done:
		if res.err != nil {
			// The run loop itself broke; no finish banner is coming,
			// so take the UI down rather than leave it hanging.
			p.Quit()
			waitUI(uiErr)
			break
		}
		// The UI stays up showing the finish banner until the user
		// quits or a signal lands.
		select {
		case err := <-uiErr:
			if err != nil {
				fmt.Fprintf(os.Stderr, "paperforge: terminal ui: %v\n", err)
			}
		case <-ctx.Done():
			stop()
			p.Quit()
			waitUI(uiErr)
		}

	case <-ctx.Done():
		// Ctrl+C or SIGTERM. Restoring default signal handling first
		// means a second Ctrl+C force-exits.
		stop()
		if err := e.procs.KillAll(); err != nil {
			e.log.Warn("killing subprocesses", zap.Error(err))
		}
		p.Quit()
		waitUI(uiErr)
		select {
		case res = <-done:
		case <-time.After(drainWait):
			fmt.Fprintln(os.Stderr, "paperforge: run did not stop in time, exiting")
			return 1
		}
	}

	if res.err != nil {
		e.log.Error("run aborted", zap.Error(res.err))
		fmt.Fprintf(os.Stderr, "paperforge: run aborted: %v\n", res.err)
		return 1
	}
	return printReport(os.Stdout, res.report)
}

// waitUI gives the UI a bounded window to restore the terminal.
func waitUI(uiErr <-chan error) {
	select {
	case <-uiErr:
	case <-time.After(10 * time.Second):
		fmt.Fprintln(os.Stderr, "paperforge: terminal ui did not exit in time")
	}
}

// printReport writes the final run summary and maps its status to an exit
// code: 0 for a completed run, 1 for anything else.
func printReport(w io.Writer, r *orchestrator.RunReport) int {
	fmt.Fprintf(w, "run %s: %s, %d/%d tasks in %s\n",
		r.RunID, r.Status, r.Completed, r.Total, r.Duration.Round(time.Second))
	for _, f := range r.Failures {
		fmt.Fprintf(w, "  %s (%s) failed after %d attempts: %s\n",
			f.TaskID, f.Phase, f.Attempts, f.Reason)
	}
	if r.Status == orchestrator.RunCompleted {
		return 0
	}
	return 1
}

// openLogger picks the log sink: stderr in plain mode, a file next to the
// database otherwise so log lines don't tear the UI.
func openLogger(cfg *config.Config, plain bool) (*zap.Logger, error) {
	if plain {
		return logging.New(cfg.Log.Level, cfg.Log.Format)
	}
	dbPath, err := expandPath(cfg.Paths.Database)
	if err != nil {
		return nil, err
	}
	return logging.NewFile(cfg.Log.Level, cfg.Log.Format, filepath.Join(filepath.Dir(dbPath), "paperforge.log"))
}

// expandPath resolves a leading "~/" against the current user's home
// directory; other paths pass through untouched.
func expandPath(path string) (string, error) {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving home directory: %w", err)
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~")), nil
}
