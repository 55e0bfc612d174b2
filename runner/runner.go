package runner

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hupe1980/convomesh/core"
	"github.com/hupe1980/convomesh/engine"
	"github.com/hupe1980/convomesh/flow"
	"github.com/hupe1980/convomesh/logging"
	"github.com/hupe1980/convomesh/memory"
	"github.com/hupe1980/convomesh/metrics"
	"github.com/hupe1980/convomesh/session"
)

// Executor runs one workflow execution. *engine.Engine implements it.
type Executor interface {
	Execute(ctx context.Context, req engine.Request) (*core.RunResult, error)
}

// Workflows resolves workflow names. *flow.Catalog implements it.
type Workflows interface {
	Get(name string) (*flow.Workflow, error)
}

// Turns persists the conversation around a run. *memory.Manager implements it.
type Turns interface {
	AppendTurn(ctx context.Context, threadID string, role core.Role, content string) (core.MemoryRecord, error)
}

var (
	_ Executor  = (*engine.Engine)(nil)
	_ Workflows = (*flow.Catalog)(nil)
	_ Turns     = (*memory.Manager)(nil)
)

// Options holds dependency and configuration overrides passed to New().
type Options struct {
	// MaxConcurrentRuns is the size of the worker pool.
	MaxConcurrentRuns int
	// QueueSize bounds runs accepted but not yet picked up by a worker.
	QueueSize int
	// MaxWait bounds how long Submit blocks in ModeWait.
	MaxWait time.Duration
	// RunBudget is the wall clock budget of a single run.
	RunBudget time.Duration
	// DefaultWorkflow is used when a submission names none.
	DefaultWorkflow string

	Threads core.ThreadStore
	Runs    core.RunStore
	Turns   Turns
	Logger  logging.Logger
	Metrics *metrics.Metrics
	Events  core.EventSink
}

// SubmitRequest describes one inbound message.
type SubmitRequest struct {
	ThreadID string
	Message  string
	Workflow string
	Mode     core.Mode
	// Seed is merged over the thread metadata to form the initial context.
	Seed map[string]any
}

// Runner coordinates runs: it records them, schedules them on the worker
// pool, applies status transitions and persists turns. Public methods are
// safe for concurrent use.
type Runner struct {
	executor  Executor
	workflows Workflows
	opts      Options

	queue  chan *job
	closed chan struct{}

	mu     sync.Mutex // guards active and serializes status transitions
	active map[string]*job

	wg        sync.WaitGroup
	closeOnce sync.Once
}

// job is a run travelling through the pool.
type job struct {
	runID    string
	threadID string
	tenantID string
	input    string
	wf       *flow.Workflow
	seed     map[string]any
	mode     core.Mode

	// partial is the result as of the last merge barrier.
	partial atomic.Pointer[core.RunResult]

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

func (j *job) signalStop() { j.stopOnce.Do(func() { close(j.stop) }) }

// New constructs a Runner and starts its workers.
func New(executor Executor, workflows Workflows, optFns ...func(o *Options)) *Runner {
	store := session.NewInMemoryStore()
	opts := Options{
		MaxConcurrentRuns: 10,
		QueueSize:         100,
		MaxWait:           30 * time.Second,
		RunBudget:         90 * time.Second,
		DefaultWorkflow:   flow.VariantChat,
		Threads:           store,
		Runs:              store,
		Turns:             memory.NewManager(),
		Logger:            logging.NoOpLogger{},
		Events:            core.NoOpSink{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.MaxConcurrentRuns <= 0 {
		opts.MaxConcurrentRuns = 1
	}
	if opts.QueueSize < 0 {
		opts.QueueSize = 0
	}

	r := &Runner{
		executor:  executor,
		workflows: workflows,
		opts:      opts,
		queue:     make(chan *job, opts.QueueSize),
		closed:    make(chan struct{}),
		active:    make(map[string]*job),
	}
	for i := 0; i < opts.MaxConcurrentRuns; i++ {
		r.wg.Add(1)
		go r.worker()
	}
	return r
}

// Submit creates a run for the message and schedules it.
func (r *Runner) Submit(ctx context.Context, req SubmitRequest) (*core.Run, error) {
	if strings.TrimSpace(req.Message) == "" {
		return nil, core.NewError(core.CodeInvalidRequest, "message is empty", nil)
	}
	mode := req.Mode
	if mode == "" {
		mode = core.ModeWait
	}
	if mode != core.ModeWait && mode != core.ModeAsync {
		return nil, core.NewError(core.CodeInvalidRequest, fmt.Sprintf("unknown mode %q", mode), nil)
	}

	thread, err := r.opts.Threads.GetThread(ctx, req.ThreadID)
	if err != nil {
		return nil, err
	}
	name := req.Workflow
	if name == "" {
		name = r.opts.DefaultWorkflow
	}
	wf, err := r.workflows.Get(name)
	if err != nil {
		return nil, err
	}

	run := core.NewRun(thread, wf.Name(), req.Message)
	if err := r.opts.Runs.CreateRun(ctx, run); err != nil {
		return nil, fmt.Errorf("record run: %w", err)
	}

	seed := maps.Clone(thread.Metadata)
	if seed == nil {
		seed = map[string]any{}
	}
	maps.Copy(seed, req.Seed)

	j := &job{
		runID:    run.ID,
		threadID: run.ThreadID,
		tenantID: run.TenantID,
		input:    run.Input,
		wf:       wf,
		seed:     seed,
		mode:     mode,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	r.mu.Lock()
	r.active[run.ID] = j
	r.mu.Unlock()

	r.publish(j, core.EventRunQueued, map[string]any{"workflow": wf.Name(), "mode": string(mode)})

	select {
	case <-r.closed:
		r.finishQueued(j, core.RunStatusCancelled, core.NewError(core.CodeRunCancelled, "runner closed", nil))
		return r.GetStatus(ctx, run.ID)
	default:
	}

	select {
	case r.queue <- j:
	case <-r.closed:
		r.finishQueued(j, core.RunStatusCancelled, core.NewError(core.CodeRunCancelled, "runner closed", nil))
		return r.GetStatus(ctx, run.ID)
	case <-ctx.Done():
		r.finishQueued(j, core.RunStatusCancelled, core.NewError(core.CodeRunCancelled, "submission abandoned", ctx.Err()))
		return r.GetStatus(context.WithoutCancel(ctx), run.ID)
	}

	if mode == core.ModeWait {
		timer := time.NewTimer(r.opts.MaxWait)
		defer timer.Stop()
		select {
		case <-j.done:
		case <-timer.C:
			r.opts.Logger.Info("max wait elapsed, returning current snapshot", "run_id", run.ID)
		case <-ctx.Done():
			return r.GetStatus(context.WithoutCancel(ctx), run.ID)
		}
	}
	return r.GetStatus(ctx, run.ID)
}

// GetStatus returns the current run snapshot.
func (r *Runner) GetStatus(ctx context.Context, runID string) (*core.Run, error) {
	return r.opts.Runs.GetRun(ctx, runID)
}

// Cancel stops a run. Terminal runs are left untouched. A queued run is
// cancelled at once; a running run finishes its in-flight stages and then
// becomes cancelled.
func (r *Runner) Cancel(ctx context.Context, runID string) (*core.Run, error) {
	run, err := r.opts.Runs.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run.Status.IsTerminal() {
		return run, nil
	}

	r.mu.Lock()
	j, ok := r.active[runID]
	r.mu.Unlock()
	if !ok {
		return run, nil
	}

	j.signalStop()
	// Only a run no worker has picked up yet is cancelled here. A running
	// one halts at its next wave boundary.
	qctx := core.WithScope(context.Background(), core.Scope{TenantID: j.tenantID, ThreadID: j.threadID, RunID: j.runID})
	if _, ok := r.finishFrom(qctx, j, core.RunStatusQueued, core.RunStatusCancelled, nil, core.NewError(core.CodeRunCancelled, "run cancelled", nil)); ok {
		r.release(j)
	}
	return r.opts.Runs.GetRun(ctx, runID)
}

// Wait blocks until the run is terminal or ctx is done.
func (r *Runner) Wait(ctx context.Context, runID string) (*core.Run, error) {
	r.mu.Lock()
	j, ok := r.active[runID]
	r.mu.Unlock()
	if ok {
		select {
		case <-j.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return r.GetStatus(ctx, runID)
}

// Close stops accepting work, signals every active run to stop and waits for
// the workers to drain.
func (r *Runner) Close() {
	r.closeOnce.Do(func() {
		close(r.closed)
		r.mu.Lock()
		for _, j := range r.active {
			j.signalStop()
		}
		r.mu.Unlock()
		r.wg.Wait()
	})
}

func (r *Runner) worker() {
	defer r.wg.Done()
	for {
		select {
		case <-r.closed:
			r.drain()
			return
		case j := <-r.queue:
			r.process(j)
		}
	}
}

// drain cancels runs that were queued when the runner closed.
func (r *Runner) drain() {
	for {
		select {
		case j := <-r.queue:
			r.finishQueued(j, core.RunStatusCancelled, core.NewError(core.CodeRunCancelled, "runner closed", nil))
		default:
			return
		}
	}
}

// process executes one run on the calling worker.
func (r *Runner) process(j *job) {
	ctx := core.WithScope(context.Background(), core.Scope{TenantID: j.tenantID, ThreadID: j.threadID, RunID: j.runID})

	started, ok := r.transition(ctx, j, core.RunStatusQueued, core.RunStatusRunning, func(run *core.Run) {
		now := time.Now().UTC()
		run.StartedAt = &now
	})
	if !ok {
		r.release(j)
		return
	}
	r.publish(j, core.EventRunStarted, nil)

	if _, err := r.opts.Turns.AppendTurn(ctx, j.threadID, core.RoleUser, j.input); err != nil {
		r.opts.Logger.Warn("append user turn failed", "run_id", j.runID, "thread_id", j.threadID, "error", err)
	}

	type outcome struct {
		res *core.RunResult
		err error
	}
	out := make(chan outcome, 1)
	go func() {
		res, err := r.executor.Execute(ctx, engine.Request{
			Workflow: j.wf,
			Run:      started,
			Seed:     j.seed,
			Stop:     j.stop,
			OnMerge:  func(partial *core.RunResult) { r.progress(ctx, j, partial) },
		})
		out <- outcome{res, err}
	}()

	budget := time.NewTimer(r.opts.RunBudget)
	defer budget.Stop()

	select {
	case o := <-out:
		r.complete(ctx, j, o.res, o.err)
	case <-budget.C:
		j.signalStop()
		// A waiting caller gets the best result available; async runs
		// discard it.
		var partial *core.RunResult
		if j.mode == core.ModeWait {
			partial = j.partial.Load()
		}
		r.finish(ctx, j, core.RunStatusFailed, partial,
			core.NewError(core.CodeRunTimeout, fmt.Sprintf("run exceeded its %s budget", r.opts.RunBudget), nil))
		// the engine halts at its next wave boundary; out is buffered so its
		// late result is dropped without blocking
	}
	r.release(j)
}

// complete maps the engine outcome to a terminal status.
func (r *Runner) complete(ctx context.Context, j *job, res *core.RunResult, err error) {
	switch {
	case err == nil:
		if _, ok := r.finish(ctx, j, core.RunStatusSucceeded, res, nil); ok && res.Response != "" {
			if _, err := r.opts.Turns.AppendTurn(ctx, j.threadID, core.RoleAssistant, res.Response); err != nil {
				r.opts.Logger.Warn("append assistant turn failed", "run_id", j.runID, "thread_id", j.threadID, "error", err)
			}
		}
	case errors.Is(err, core.ErrRunCancelled):
		r.finish(ctx, j, core.RunStatusCancelled, res, err)
	default:
		r.finish(ctx, j, core.RunStatusFailed, res, err)
	}
}

// progress stores the partial result on a run that is still running.
func (r *Runner) progress(ctx context.Context, j *job, partial *core.RunResult) {
	j.partial.Store(partial)

	r.mu.Lock()
	defer r.mu.Unlock()
	run, err := r.opts.Runs.GetRun(ctx, j.runID)
	if err != nil || run.Status != core.RunStatusRunning {
		return
	}
	run.Result = partial
	if err := r.opts.Runs.UpdateRun(ctx, run); err != nil {
		r.opts.Logger.Warn("record run progress failed", "run_id", j.runID, "error", err)
	}
}

// finish applies a terminal transition from any live status and records it.
func (r *Runner) finish(ctx context.Context, j *job, to core.RunStatus, res *core.RunResult, cause error) (*core.Run, bool) {
	return r.finishFrom(ctx, j, "", to, res, cause)
}

// finishFrom is finish restricted to runs currently in status from. An
// empty from accepts any status.
func (r *Runner) finishFrom(ctx context.Context, j *job, from, to core.RunStatus, res *core.RunResult, cause error) (*core.Run, bool) {
	run, ok := r.transition(ctx, j, from, to, func(run *core.Run) {
		now := time.Now().UTC()
		run.FinishedAt = &now
		run.Result = res
		run.Error = core.DetailOf(cause)
	})
	if !ok {
		return nil, false
	}

	var elapsed time.Duration
	if run.StartedAt != nil {
		elapsed = run.FinishedAt.Sub(*run.StartedAt)
	}
	r.opts.Metrics.ObserveRun(run.Workflow, string(to), elapsed)

	data := map[string]any{"status": string(to), "duration_ms": elapsed.Milliseconds()}
	if run.Error != nil {
		data["error_code"] = string(run.Error.Code)
		r.opts.Logger.Warn("run finished", "run_id", run.ID, "status", string(to), "code", string(run.Error.Code), "detail", run.Error.Detail)
	} else {
		r.opts.Logger.Info("run finished", "run_id", run.ID, "status", string(to), "duration", elapsed)
	}
	if run.Result != nil {
		data["rejected"] = run.Result.Rejected
		data["cost"] = run.Result.Cost
	}
	r.publish(j, core.EventRunFinished, data)
	return run, true
}

// finishQueued terminates a run that never reached a worker.
func (r *Runner) finishQueued(j *job, to core.RunStatus, cause error) {
	ctx := core.WithScope(context.Background(), core.Scope{TenantID: j.tenantID, ThreadID: j.threadID, RunID: j.runID})
	r.finish(ctx, j, to, nil, cause)
	r.release(j)
}

// transition moves the stored run from status from (any, when empty) to
// status to. The check and the update happen under one lock. It reports
// false, leaving the run untouched, when the run is elsewhere or the
// transition is not legal.
func (r *Runner) transition(ctx context.Context, j *job, from, to core.RunStatus, mutate func(*core.Run)) (*core.Run, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	run, err := r.opts.Runs.GetRun(ctx, j.runID)
	if err != nil {
		r.opts.Logger.Error("load run failed", "run_id", j.runID, "error", err)
		return nil, false
	}
	if (from != "" && run.Status != from) || !core.CanTransition(run.Status, to) {
		r.opts.Logger.Debug("ignoring run transition", "run_id", j.runID, "from", string(run.Status), "to", string(to))
		return nil, false
	}

	from = run.Status
	run.Status = to
	if mutate != nil {
		mutate(run)
	}
	if err := r.opts.Runs.UpdateRun(ctx, run); err != nil {
		r.opts.Logger.Error("update run failed", "run_id", j.runID, "error", err)
		return nil, false
	}
	if l, ok := r.opts.Logger.(*logging.ConvoLogger); ok {
		l.WithRun(run.ThreadID, run.ID).LogRunTransition(run.ID, string(from), string(to))
	}
	return run, true
}

// release forgets the job and wakes waiters once the run is terminal. It is
// safe to call more than once.
func (r *Runner) release(j *job) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.active[j.runID]; !ok {
		return
	}
	run, err := r.opts.Runs.GetRun(context.Background(), j.runID)
	if err == nil && !run.Status.IsTerminal() {
		return
	}
	delete(r.active, j.runID)
	close(j.done)
}

func (r *Runner) publish(j *job, t core.EventType, data map[string]any) {
	ctx := core.WithScope(context.Background(), core.Scope{TenantID: j.tenantID, ThreadID: j.threadID, RunID: j.runID})
	ev := core.NewEvent(ctx, t)
	ev.Data = data
	r.opts.Events.Publish(ev)
}
