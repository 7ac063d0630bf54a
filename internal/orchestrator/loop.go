package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/aristath/paperforge/internal/events"
	"github.com/aristath/paperforge/internal/fault"
	"github.com/aristath/paperforge/internal/plan"
	"github.com/aristath/paperforge/internal/task"
)

// Run starts the coordinating loop and the worker pool, and returns when
// the run reaches a terminal aggregate status or the context is cancelled.
// All graph mutation happens on this goroutine; workers only execute phases
// and report back through the mailbox.
func (o *Orchestrator) Run(ctx context.Context) (*RunReport, error) {
	o.mu.Lock()
	if o.state == nil {
		o.mu.Unlock()
		return nil, errors.New("no run submitted")
	}
	if o.started {
		o.mu.Unlock()
		return nil, errors.New("run already started")
	}
	o.started = true
	st := o.state
	runCtx, cancel := context.WithCancel(ctx)
	o.cancelRun = cancel
	o.mu.Unlock()
	defer cancel()

	st.AggregateStatus = RunRunning
	if st.StartedAt.IsZero() {
		st.StartedAt = time.Now()
	}

	pool, poolCtx := errgroup.WithContext(runCtx)
	pool.SetLimit(o.cfg.MaxWorkers)

	o.publish(events.TopicRun, events.RunStartedEvent{
		RunID:     st.RunID,
		Title:     st.Input.Title,
		Total:     st.Graph.Len(),
		Timestamp: time.Now(),
	})
	o.log.Info("run started",
		zap.String("run", st.RunID),
		zap.Int("tasks", st.Graph.Len()),
		zap.Int("workers", o.cfg.MaxWorkers))

	inflight := 0
	o.advance(poolCtx, pool, &inflight)

	cancelled := false
loop:
	for {
		if st.Graph.AllTerminal() && inflight == 0 {
			break
		}
		select {
		case res := <-o.results:
			o.handleResult(res, &inflight)
			o.advance(poolCtx, pool, &inflight)
		case msg := <-o.ctrl:
			o.handleCtrl(msg)
			o.advance(poolCtx, pool, &inflight)
		case <-runCtx.Done():
			cancelled = true
			break loop
		}
	}

	if cancelled {
		o.drain(&inflight)
	}

	// Unblock any worker still trying to report, then join the pool.
	close(o.loopDone)
	_ = pool.Wait()

	return o.finish(cancelled), nil
}

// advance promotes tasks whose dependencies completed and dispatches Ready
// tasks to workers while slots are free. Scheduling only; never blocks.
func (o *Orchestrator) advance(ctx context.Context, pool *errgroup.Group, inflight *int) {
	st := o.state
	st.Graph.PromoteReplanned()
	st.Graph.PromoteReady()

	for _, ready := range st.Graph.Ready() {
		if *inflight >= o.cfg.MaxWorkers {
			break
		}
		attempt, err := st.Graph.MarkExecuting(ready.ID)
		if err != nil {
			o.log.Error("dispatch transition failed", zap.String("task", ready.ID), zap.Error(err))
			continue
		}
		t, _ := st.Graph.Get(ready.ID)
		*inflight++
		o.record(t, "")
		o.log.Info("task dispatched",
			zap.String("task", t.ID),
			zap.String("phase", t.Kind.String()),
			zap.Int("attempt", attempt),
			zap.Int("critical_path", st.Graph.CriticalPath(t.ID)))

		worker := t
		pool.Go(func() error {
			outputs, execErr := o.execute(ctx, worker)
			if execErr != nil {
				o.ReportFailure(worker.ID, execErr)
			} else {
				o.Report(worker.ID, outputs)
			}
			return nil
		})
	}
}

// execute runs one task on a worker goroutine. The task is a detached
// clone; graph mutation happens back on the loop when the result lands.
func (o *Orchestrator) execute(ctx context.Context, t *task.PhaseTask) (map[string]string, error) {
	exec, ok := o.deps.Registry.Get(t.Kind)
	if !ok {
		return nil, &fault.FatalAgentError{
			TaskID: t.ID,
			Reason: fmt.Sprintf("no executor registered for phase %s", t.Kind),
		}
	}

	if deadline := o.cfg.Timeouts[t.Kind.String()]; deadline > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, deadline)
		defer cancel()
	}

	if mem := o.deps.Env.Memory; mem != nil {
		mem.Acquire(t.ID, pinnedInputs(t)...)
		defer mem.Release(t.ID)
	}

	return exec.Execute(ctx, t, o.deps.Env)
}

// handleResult commits one worker outcome. Runs on the loop goroutine.
func (o *Orchestrator) handleResult(res resultMsg, inflight *int) {
	t, ok := o.state.Graph.Get(res.taskID)
	if !ok || t.Status != task.StatusExecuting {
		o.log.Warn("result for task not executing", zap.String("task", res.taskID))
		return
	}
	*inflight--
	if res.err == nil {
		o.complete(res.taskID, res.outputs)
	} else {
		o.fail(res.taskID, res.err)
	}
	o.persist()
	o.progressEvent()
}

// handleCtrl commits one control message. Runs on the loop goroutine.
func (o *Orchestrator) handleCtrl(msg message) {
	switch m := msg.(type) {
	case requeueMsg:
		o.requeue(m.taskID)
	case clarifyMsg:
		o.persist()
	}
}

func (o *Orchestrator) complete(id string, outputs map[string]string) {
	st := o.state
	if err := st.Graph.MarkCompleted(id, outputs); err != nil {
		o.log.Error("completion for unknown or mis-stated task", zap.String("task", id), zap.Error(err))
		return
	}
	t, _ := st.Graph.Get(id)
	o.record(t, "")
	o.log.Info("task completed",
		zap.String("task", id),
		zap.String("phase", t.Kind.String()),
		zap.Int("attempt", t.AttemptCount))
}

// fail classifies an executor error and applies the matching policy:
// transient and pressure failures retry with backoff, gaps extend the plan,
// conflicts and fatal errors end the branch.
func (o *Orchestrator) fail(id string, execErr error) {
	t, ok := o.state.Graph.Get(id)
	if !ok {
		o.log.Error("failure for unknown task", zap.String("task", id), zap.Error(execErr))
		return
	}

	class := fault.Classify(execErr)
	o.log.Warn("task failed",
		zap.String("task", id),
		zap.String("phase", t.Kind.String()),
		zap.Stringer("class", class),
		zap.Int("attempt", t.AttemptCount),
		zap.Error(execErr))

	switch class {
	case fault.ClassGap:
		o.replan(id, execErr)
	case fault.ClassPlanningConflict, fault.ClassFatal:
		o.terminalFailure(id, execErr.Error())
	default: // transient, context pressure
		o.retry(t, class, execErr)
	}
}

// retry schedules another attempt, or fails the task for good once the
// attempt limit is reached. The backoff timer fires a requeue message into
// the loop rather than parking a worker.
func (o *Orchestrator) retry(t *task.PhaseTask, class fault.Class, execErr error) {
	if t.AttemptCount >= o.cfg.MaxAttempts {
		o.terminalFailure(t.ID, fmt.Sprintf("retries exhausted after %d attempts: %v", t.AttemptCount, execErr))
		return
	}
	if err := o.state.Graph.MarkRetrying(t.ID, execErr.Error()); err != nil {
		o.log.Error("retry transition failed", zap.String("task", t.ID), zap.Error(err))
		return
	}
	rt, _ := o.state.Graph.Get(t.ID)
	o.record(rt, execErr.Error())

	delay := o.nextDelay(t.ID)
	o.publish(events.TopicTask, events.TaskRetryEvent{
		ID:        t.ID,
		Phase:     t.Kind.String(),
		Attempt:   t.AttemptCount,
		Delay:     delay,
		Reason:    execErr.Error(),
		Timestamp: time.Now(),
	})
	o.log.Info("retry scheduled",
		zap.String("task", t.ID),
		zap.Stringer("class", class),
		zap.Int("attempt", t.AttemptCount),
		zap.Duration("delay", delay))

	id := t.ID
	time.AfterFunc(delay, func() { o.sendCtrl(requeueMsg{taskID: id}) })
}

// requeue moves a Retrying task back to Ready when its backoff elapses. A
// task that failed or was cancelled while the timer ran is left alone.
func (o *Orchestrator) requeue(id string) {
	if err := o.state.Graph.SetStatus(id, task.StatusReady); err != nil {
		o.log.Debug("requeue skipped", zap.String("task", id), zap.Error(err))
	}
}

// replan parks the gapped task and asks the planner to extend the graph
// with tasks that produce the missing keys. A rejected extension (cycle or
// duplicate gap) makes the branch unplannable and fails it.
func (o *Orchestrator) replan(id string, execErr error) {
	st := o.state
	gap, _ := fault.AsGap(execErr)

	if err := st.Graph.MarkAwaitingReplan(id, execErr.Error()); err != nil {
		o.log.Error("replan transition failed", zap.String("task", id), zap.Error(err))
		return
	}
	pt, _ := st.Graph.Get(id)
	o.record(pt, execErr.Error())

	inserted, err := o.deps.Planner.Replan(st.Graph, gap, o.deps.Live)
	if err != nil {
		o.terminalFailure(id, err.Error())
		return
	}

	o.publish(events.TopicPlan, events.ReplanEvent{
		ID:          id,
		Fingerprint: plan.Fingerprint(gap),
		Inserted:    inserted,
		Timestamp:   time.Now(),
	})
	o.log.Info("graph extended for gap",
		zap.String("task", id),
		zap.Strings("missing", gap.Missing),
		zap.Strings("inserted", inserted))
}

// terminalFailure fails a task and cascades to every non-terminal
// transitive dependent, so no dependent ever executes on missing inputs.
func (o *Orchestrator) terminalFailure(id, reason string) {
	st := o.state
	if err := st.Graph.MarkFailed(id, reason); err != nil {
		o.log.Error("failure transition failed", zap.String("task", id), zap.Error(err))
		return
	}
	ft, _ := st.Graph.Get(id)
	o.record(ft, reason)

	cascadeReason := fmt.Sprintf("dependency %s failed", id)
	cascade := st.Graph.FailDependents(id, cascadeReason)
	for _, depID := range cascade {
		if ct, ok := st.Graph.Get(depID); ok {
			o.record(ct, cascadeReason)
		}
	}
	if len(cascade) > 0 {
		o.log.Warn("failure cascaded to dependents",
			zap.String("task", id),
			zap.Strings("dependents", cascade))
	}
}

// drain waits out in-flight work after cancellation. Results are still
// recorded; nothing new is dispatched and failures are not rescheduled.
func (o *Orchestrator) drain(inflight *int) {
	st := o.state
	st.AggregateStatus = RunCancelling
	o.log.Info("run cancelling", zap.String("run", st.RunID), zap.Int("inflight", *inflight))

	grace := time.NewTimer(o.cfg.ShutdownGrace)
	defer grace.Stop()

	for *inflight > 0 {
		select {
		case res := <-o.results:
			*inflight--
			if res.err == nil {
				o.complete(res.taskID, res.outputs)
				continue
			}
			// Cancelled workers usually report ctx.Canceled.
			if err := st.Graph.MarkFailed(res.taskID, res.err.Error()); err == nil {
				if ft, ok := st.Graph.Get(res.taskID); ok {
					o.record(ft, res.err.Error())
				}
			}
		case <-grace.C:
			o.log.Warn("shutdown grace expired with tasks in flight", zap.Int("inflight", *inflight))
			return
		}
	}
}

// record appends a history entry for the task's current status and mirrors
// it onto the event bus.
func (o *Orchestrator) record(t *task.PhaseTask, note string) {
	now := time.Now()
	o.state.History = append(o.state.History, HistoryEntry{
		TaskID:  t.ID,
		Phase:   t.Kind.String(),
		Status:  t.Status,
		Attempt: t.AttemptCount,
		Note:    note,
		At:      now,
	})
	o.publish(events.TopicTask, events.TaskStatusEvent{
		ID:        t.ID,
		Phase:     t.Kind.String(),
		Status:    t.Status.String(),
		Attempt:   t.AttemptCount,
		Summary:   note,
		Timestamp: now,
	})
}

// nextDelay draws the task's next backoff interval.
func (o *Orchestrator) nextDelay(id string) time.Duration {
	bo, ok := o.retries[id]
	if !ok {
		policy := backoff.NewExponentialBackOff()
		policy.InitialInterval = o.cfg.RetryInitial
		policy.MaxInterval = o.cfg.RetryMax
		policy.MaxElapsedTime = 0 // attempts bound retries, not wall clock
		policy.Reset()
		bo = policy
		o.retries[id] = bo
	}
	delay := bo.NextBackOff()
	if delay == backoff.Stop {
		delay = o.cfg.RetryMax
	}
	return delay
}

// persist saves the current snapshot. Saves run on a background context so
// a snapshot still lands mid-cancel; resume depends on the last one.
func (o *Orchestrator) persist() {
	if o.deps.Store == nil {
		return
	}
	if err := o.deps.Store.SaveRun(context.Background(), o.snapshot()); err != nil {
		o.log.Warn("snapshot save failed", zap.String("run", o.state.RunID), zap.Error(err))
	}
}

// snapshot assembles the persistable view of the run.
func (o *Orchestrator) snapshot() *Snapshot {
	st := o.state
	snap := &Snapshot{
		RunID:     st.RunID,
		Input:     st.Input,
		Status:    st.AggregateStatus,
		Tasks:     st.Graph.Tasks(),
		History:   append([]HistoryEntry(nil), st.History...),
		StartedAt: st.StartedAt,
	}
	if env := o.deps.Env; env != nil {
		if env.Memory != nil {
			snap.MemoryKeys = env.Memory.Keys()
		}
		if env.Index != nil {
			snap.IndexSummary = env.Index.Summarize()
		}
	}
	if live := o.deps.Live; live != nil {
		snap.Fingerprints = live.Fingerprints()
		snap.Answers = live.Answers()
		snap.Questions = live.Pending()
	}
	return snap
}

// progressEvent publishes the per-status task counts.
func (o *Orchestrator) progressEvent() {
	st := o.state
	counts := st.Graph.Counts()
	o.publish(events.TopicRun, events.RunProgressEvent{
		RunID:          st.RunID,
		Total:          st.Graph.Len(),
		Pending:        counts[task.StatusPending],
		Ready:          counts[task.StatusReady],
		Executing:      counts[task.StatusExecuting],
		Completed:      counts[task.StatusCompleted],
		Retrying:       counts[task.StatusRetrying],
		AwaitingReplan: counts[task.StatusAwaitingReplan],
		Failed:         counts[task.StatusFailed],
		Timestamp:      time.Now(),
	})
}

// finish settles the aggregate status, persists the final snapshot, and
// builds the run report. Failed tasks are aggregated into one report so the
// caller never has to treat a partial artifact as complete.
func (o *Orchestrator) finish(cancelled bool) *RunReport {
	st := o.state
	counts := st.Graph.Counts()
	switch {
	case cancelled:
		st.AggregateStatus = RunCancelled
	case counts[task.StatusFailed] > 0:
		st.AggregateStatus = RunFailed
	default:
		st.AggregateStatus = RunCompleted
	}

	report := &RunReport{
		RunID:     st.RunID,
		Status:    st.AggregateStatus,
		Total:     st.Graph.Len(),
		Completed: counts[task.StatusCompleted],
		Failed:    counts[task.StatusFailed],
		Duration:  time.Since(st.StartedAt),
	}
	for _, t := range st.Graph.Tasks() {
		if t.Status == task.StatusFailed {
			report.Failures = append(report.Failures, TaskFailure{
				TaskID:   t.ID,
				Phase:    t.Kind.String(),
				Attempts: t.AttemptCount,
				Reason:   t.LastError,
			})
		}
	}

	o.persist()
	o.publish(events.TopicRun, events.RunFinishedEvent{
		RunID:     st.RunID,
		Status:    st.AggregateStatus.String(),
		Completed: report.Completed,
		Failed:    report.Failed,
		Duration:  report.Duration,
		Timestamp: time.Now(),
	})
	o.log.Info("run finished",
		zap.String("run", st.RunID),
		zap.Stringer("status", st.AggregateStatus),
		zap.Int("completed", report.Completed),
		zap.Int("failed", report.Failed),
		zap.Duration("duration", report.Duration))
	return report
}
