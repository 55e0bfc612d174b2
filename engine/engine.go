package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/hupe1980/convomesh/agent"
	"github.com/hupe1980/convomesh/core"
	"github.com/hupe1980/convomesh/flow"
	"github.com/hupe1980/convomesh/logging"
	"github.com/hupe1980/convomesh/memory"
	"github.com/hupe1980/convomesh/metrics"
)

// DefaultBlockedResponse is returned to the customer when a stage such as
// compliance deliberately halts the workflow.
const DefaultBlockedResponse = "Sorry, I can't help with that request."

// Memory is the part of the tiered memory the orchestrator needs: a read
// snapshot before the first wave and long-term writes after success.
type Memory interface {
	Snapshot(ctx context.Context, tenantID, threadID, query string) (core.MemorySnapshot, error)
	IndexDocument(ctx context.Context, tenantID string, doc core.MemoryDocument) (core.MemoryDocument, error)
}

var _ Memory = (*memory.Manager)(nil)

// Options configures an Engine instance using the functional options pattern.
//
// Every dependency has a default so New(router) is immediately usable:
// in-memory tiered memory, no callbacks, no-op logging and events, the
// global OpenTelemetry tracer and no metrics.
//
// Example:
//
//	eng := engine.New(executor, func(o *engine.Options) {
//	    o.Memory = manager
//	    o.Logger = logger
//	    o.MaxModelCalls = 12
//	})
type Options struct {
	// Memory provides the snapshot handed to stages and applies memory writes.
	// Defaults to an in-memory manager.
	Memory Memory

	// Callbacks hooks into the orchestration loop. Optional.
	Callbacks *CallbackManager

	// BlockedResponse replaces the reply when a stage short-circuits.
	BlockedResponse string

	// MaxModelCalls caps the stage executions of one run. 0 is unlimited.
	MaxModelCalls int

	// MaxParallel caps concurrently executing stages within one run.
	// 0 runs every ready stage at once.
	MaxParallel int

	Logger  logging.Logger
	Metrics *metrics.Metrics
	Events  core.EventSink
	Tracer  trace.Tracer
}

// Engine is the workflow orchestrator. It executes a compiled workflow for
// one run: ready stages run concurrently, their results are merged at a
// barrier, and only then are dependents released.
//
// Run lifecycle handled here (the runner owns status transitions):
//  1. Take one memory snapshot. A short-term failure marks it degraded.
//  2. Repeatedly compute the ready set, execute it and merge the results
//     in declaration order.
//  3. Stop starting stages when a fail-closed stage fails, a stage
//     short-circuits, or the context is done. Unexecuted stages are merged
//     as skipped and the state is sealed.
//  4. On success compose the reply from the terminal stages and apply the
//     requested memory writes.
//
// The Engine holds no per-run state and is safe for concurrent use.
type Engine struct {
	runtime *agent.Runtime
	opts    Options
}

// New creates an engine routing stage calls through router.
func New(router agent.Router, optFns ...func(o *Options)) *Engine {
	opts := Options{
		BlockedResponse: DefaultBlockedResponse,
		Logger:          logging.NoOpLogger{},
		Events:          core.NoOpSink{},
		Tracer:          otel.Tracer("github.com/hupe1980/convomesh/engine"),
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Memory == nil {
		opts.Memory = memory.NewManager(func(o *memory.ManagerOptions) { o.Logger = opts.Logger })
	}

	rt := agent.NewRuntime(router, func(o *agent.RuntimeOptions) {
		o.Logger = opts.Logger
		o.Metrics = opts.Metrics
		o.Events = opts.Events
		o.Tracer = opts.Tracer
	})
	return &Engine{runtime: rt, opts: opts}
}

// Request describes one workflow execution.
type Request struct {
	Workflow *flow.Workflow
	Run      *core.Run
	// Seed is copied into the run context (for example the tenant's language).
	Seed map[string]any
	// Stop requests a graceful halt: stages already executing finish and
	// are merged, no further stage starts. Optional.
	Stop <-chan struct{}
	// OnMerge receives a partial result after every merge barrier that does
	// not end the run. It is called from the executing goroutine. Optional.
	OnMerge func(partial *core.RunResult)
}

// Execute runs req.Workflow for req.Run.
//
// The returned result is never nil and lists every stage of the workflow.
// A nil error means the run succeeded, possibly with a partial, rejected
// result. A non-nil error is the coded cause of failure: a failed
// fail-closed stage, an exhausted call budget, a failing callback,
// ErrRunCancelled after Stop, or the context error.
func (e *Engine) Execute(ctx context.Context, req Request) (*core.RunResult, error) {
	run, wf := req.Run, req.Workflow
	ctx = core.WithScope(ctx, core.Scope{TenantID: run.TenantID, ThreadID: run.ThreadID, RunID: run.ID})
	ctx, span := e.opts.Tracer.Start(ctx, "workflow "+wf.Name(), trace.WithAttributes(
		attribute.String("convomesh.workflow", wf.Name()),
		attribute.String("convomesh.run_id", run.ID),
		attribute.String("convomesh.thread_id", run.ThreadID),
	))
	defer span.End()

	x := &execution{
		engine:  e,
		wf:      wf,
		run:     run.Clone(),
		state:   core.NewThreadState(run, req.Seed),
		budget:  core.NewCallBudget(e.opts.MaxModelCalls),
		done:    map[string]bool{},
		stop:    req.Stop,
		onMerge: req.OnMerge,
	}

	mem, err := e.opts.Memory.Snapshot(ctx, run.TenantID, run.ThreadID, run.Input)
	if err != nil {
		e.opts.Logger.Warn("memory snapshot degraded", "run_id", run.ID, "thread_id", run.ThreadID, "error", err)
	}
	x.mem = mem

	res, err := x.loop(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(core.CodeOf(err)))
	}
	span.SetAttributes(
		attribute.Bool("convomesh.rejected", res.Rejected),
		attribute.Bool("convomesh.partial", res.Partial),
		attribute.Int("convomesh.model_calls", x.budget.Used()),
	)
	return res, err
}

// execution is the per-run bookkeeping. It is owned by one Execute call.
type execution struct {
	engine  *Engine
	wf      *flow.Workflow
	run     *core.Run
	state   *core.ThreadState
	mem     core.MemorySnapshot
	budget  *core.CallBudget
	done    map[string]bool
	stop    <-chan struct{}
	onMerge func(*core.RunResult)
}

func (x *execution) stopped() bool {
	select {
	case <-x.stop:
		return true
	default:
		return false
	}
}

func (x *execution) loop(ctx context.Context) (*core.RunResult, error) {
	for {
		if err := ctx.Err(); err != nil {
			return x.halt(), err
		}
		if x.stopped() {
			return x.halt(), core.NewError(core.CodeRunCancelled, "run cancelled", nil)
		}

		ready := x.wf.Ready(x.done)
		if len(ready) == 0 {
			return x.complete(ctx), nil
		}

		results, waveErr := x.wave(ctx, ready)

		var shortCircuit *core.StageResult
		for i, name := range ready {
			res := results[i]
			if stage, _ := x.wf.Stage(name); !stage.MayShortCircuit() {
				res.ShortCircuit = false
			}
			if err := x.state.Merge(res); err != nil {
				return x.halt(), core.NewError(core.CodeInternal, "merge stage result", err)
			}
			x.done[name] = true
			if res.ShortCircuit && res.Status == core.StageStatusOK && shortCircuit == nil {
				shortCircuit = &results[i]
			}
		}

		if waveErr != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return x.halt(), ctxErr
			}
			return x.halt(), waveErr
		}

		if shortCircuit != nil {
			x.notify(ctx, CallbackOnShortCircuit, &CallbackContext{Stage: shortCircuit.Stage, Result: shortCircuit})
			x.engine.opts.Logger.Info("workflow short-circuited", "run_id", x.run.ID, "stage", shortCircuit.Stage)
			res := x.halt()
			res.Rejected = true
			res.Response = x.engine.opts.BlockedResponse
			return res, nil
		}

		if x.onMerge != nil && len(x.wf.Ready(x.done)) > 0 {
			progress := x.result()
			progress.Partial = true
			x.onMerge(progress)
		}
	}
}

// wave executes ready stages concurrently against one shared view and
// returns their results in the order of ready. The error is the first
// fail-closed failure (or callback error) in that order.
func (x *execution) wave(ctx context.Context, ready []string) ([]core.StageResult, error) {
	view := x.state.View()
	results := make([]core.StageResult, len(ready))
	errs := make([]error, len(ready))

	var g errgroup.Group
	if x.engine.opts.MaxParallel > 0 {
		g.SetLimit(x.engine.opts.MaxParallel)
	}
	for i, name := range ready {
		stage, _ := x.wf.Stage(name)
		g.Go(func() error {
			results[i], errs[i] = x.execute(ctx, stage, view)
			return errs[i]
		})
	}
	_ = g.Wait()

	for _, err := range errs {
		if err != nil {
			return results, err
		}
	}
	return results, nil
}

func (x *execution) execute(ctx context.Context, stage core.Stage, view core.StateView) (core.StageResult, error) {
	name := stage.Name()
	failed := func(err error) (core.StageResult, error) {
		res := core.StageResult{Stage: name, Status: core.StageStatusFailed, Error: core.DetailOf(err)}
		x.notify(ctx, CallbackOnError, &CallbackContext{Stage: name, Result: &res, Err: err})
		return res, err
	}

	if err := x.engine.opts.Callbacks.ExecuteCallbacks(ctx, CallbackBeforeStage, x.callbackContext(name)); err != nil {
		return failed(core.NewError(core.CodeStageFailed, fmt.Sprintf("before %s callback", name), err))
	}
	if err := x.budget.Reserve(name); err != nil {
		return failed(err)
	}

	res, err := x.engine.runtime.Execute(ctx, stage, view, x.mem)
	if err != nil {
		x.notify(ctx, CallbackOnError, &CallbackContext{Stage: name, Result: &res, Err: err})
		return res, err
	}

	cc := x.callbackContext(name)
	cc.Result = &res
	if err := x.engine.opts.Callbacks.ExecuteCallbacks(ctx, CallbackAfterStage, cc); err != nil {
		return failed(core.NewError(core.CodeStageFailed, fmt.Sprintf("after %s callback", name), err))
	}
	return res, nil
}

func (x *execution) callbackContext(stage string) *CallbackContext {
	return &CallbackContext{Run: x.run, Workflow: x.wf.Name(), Stage: stage}
}

// notify runs notification callbacks; their errors are only logged.
func (x *execution) notify(ctx context.Context, t CallbackType, cc *CallbackContext) {
	cc.Run, cc.Workflow = x.run, x.wf.Name()
	if err := x.engine.opts.Callbacks.ExecuteCallbacks(ctx, t, cc); err != nil {
		x.engine.opts.Logger.Warn("callback failed", "type", string(t), "stage", cc.Stage, "error", err)
	}
}

// halt marks every unexecuted stage skipped, seals the state and returns the
// partial result.
func (x *execution) halt() *core.RunResult {
	for _, name := range x.wf.Stages() {
		if !x.done[name] {
			_ = x.state.Merge(core.SkippedResult(name))
			x.done[name] = true
		}
	}
	x.state.Seal()
	return x.result()
}

// complete seals the state, composes the reply and applies memory writes.
func (x *execution) complete(ctx context.Context) *core.RunResult {
	x.state.Seal()
	res := x.result()
	if r, ok := res.Stage(x.wf.Response()); ok && r.Status == core.StageStatusOK {
		res.Response = responseText(r.Output)
	}
	x.applyMemoryWrites(ctx, res.Stages)
	return res
}

func (x *execution) result() *core.RunResult {
	stages := x.state.Results()
	res := &core.RunResult{Stages: stages, Outputs: map[string]json.RawMessage{}}
	for _, s := range stages {
		if s.Status != core.StageStatusOK {
			res.Partial = true
		}
		if s.Cost != nil {
			res.Cost += s.Cost.Cost
		}
	}
	for _, name := range x.wf.Outputs() {
		if r, ok := res.Stage(name); ok && r.Status == core.StageStatusOK {
			res.Outputs[name] = r.Output
		}
	}
	return res
}

// applyMemoryWrites promotes requested writes of non-fallback results into
// long-term memory. Failures are logged and swallowed.
func (x *execution) applyMemoryWrites(ctx context.Context, stages []core.StageResult) {
	for _, s := range stages {
		if s.Status != core.StageStatusOK || s.Fallback {
			continue
		}
		for _, w := range s.Memory {
			subject := w.SubjectID
			if subject == "" {
				subject = x.run.ThreadID
			}
			meta := map[string]string{"run_id": x.run.ID, "stage": s.Stage}
			for k, v := range w.Metadata {
				meta[k] = v
			}
			doc := core.MemoryDocument{TenantID: x.run.TenantID, SubjectID: subject, Content: w.Content, Metadata: meta}
			if _, err := x.engine.opts.Memory.IndexDocument(ctx, x.run.TenantID, doc); err != nil {
				x.engine.opts.Logger.Warn("memory write failed", "run_id", x.run.ID, "stage", s.Stage, "error", err)
			}
		}
	}
}

// responseText extracts the "response" field of a JSON object output, or
// falls back to the raw output.
func responseText(raw json.RawMessage) string {
	var out struct {
		Response *string `json:"response"`
	}
	if err := json.Unmarshal(raw, &out); err == nil && out.Response != nil {
		return *out.Response
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return strings.TrimSpace(string(raw))
}
