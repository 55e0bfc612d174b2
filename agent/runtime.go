package agent

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/hupe1980/convomesh/core"
	"github.com/hupe1980/convomesh/logging"
	"github.com/hupe1980/convomesh/metrics"
	"github.com/hupe1980/convomesh/model"
	"github.com/hupe1980/convomesh/provider"
)

// Router routes a stage request through provider selection and failover.
type Router interface {
	Route(ctx context.Context, stageType string, c provider.Constraints, req model.Request, timeout time.Duration) (*provider.Result, error)
}

// RouterFunc adapts a function to Router.
type RouterFunc func(ctx context.Context, stageType string, c provider.Constraints, req model.Request, timeout time.Duration) (*provider.Result, error)

// Route implements Router.
func (f RouterFunc) Route(ctx context.Context, stageType string, c provider.Constraints, req model.Request, timeout time.Duration) (*provider.Result, error) {
	return f(ctx, stageType, c, req, timeout)
}

var _ Router = (*provider.Executor)(nil)

// RuntimeOptions configure a Runtime.
type RuntimeOptions struct {
	Logger  logging.Logger
	Metrics *metrics.Metrics
	Events  core.EventSink
	Tracer  trace.Tracer
}

// Runtime executes stages: it builds the request, routes it with failover,
// parses the result and applies the stage's failure policy.
type Runtime struct {
	router Router
	opts   RuntimeOptions
}

// NewRuntime creates a runtime over router.
func NewRuntime(router Router, optFns ...func(o *RuntimeOptions)) *Runtime {
	opts := RuntimeOptions{
		Logger: logging.NoOpLogger{},
		Events: core.NoOpSink{},
		Tracer: otel.Tracer("github.com/hupe1980/convomesh/agent"),
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Runtime{router: router, opts: opts}
}

// Execute runs stage against an immutable view and memory snapshot.
//
// A failed fail-open stage yields its neutral fallback with Fallback set and
// a nil error. A failed fail-closed stage, or any stage interrupted by ctx,
// yields a failed result together with the error.
func (rt *Runtime) Execute(ctx context.Context, stage core.Stage, view core.StateView, mem core.MemorySnapshot) (core.StageResult, error) {
	scope := core.ScopeFrom(ctx)
	scope.Stage = stage.Name()
	ctx = core.WithScope(ctx, scope)

	ctx, span := rt.opts.Tracer.Start(ctx, "stage "+stage.Name(), trace.WithAttributes(
		attribute.String("convomesh.stage", stage.Name()),
		attribute.String("convomesh.stage_type", stage.Kind()),
		attribute.String("convomesh.run_id", view.RunID),
	))
	defer span.End()

	start := time.Now()
	res, attempts, err := rt.run(ctx, stage, view, mem)
	elapsed := time.Since(start)

	if err != nil {
		detail := core.DetailOf(err)
		if stage.Policy() == core.FailOpen && ctx.Err() == nil {
			rt.opts.Logger.Warn("stage failed, using fallback", "stage", stage.Name(), "run_id", view.RunID, "error", err)
			res = stage.Fallback(view)
			res.Stage = stage.Name()
			res.Status = core.StageStatusOK
			res.Fallback = true
			res.ShortCircuit = false
			res.Error = detail
			err = nil
		} else {
			res = core.StageResult{Stage: stage.Name(), Status: core.StageStatusFailed, Error: detail}
			span.RecordError(err)
			span.SetStatus(codes.Error, string(detail.Code))
		}
		res.Attempts = attempts
	}
	res.Latency = elapsed
	if l, ok := rt.opts.Logger.(*logging.ConvoLogger); ok {
		l.LogStageExecution(stage.Name(), string(res.Status), elapsed, err)
	}

	span.SetAttributes(
		attribute.String("convomesh.stage_status", string(res.Status)),
		attribute.Bool("convomesh.fallback", res.Fallback),
		attribute.String("convomesh.provider", res.Provider),
	)
	rt.opts.Metrics.ObserveStage(stage.Name(), string(res.Status), res.Fallback, elapsed)

	ev := core.NewEvent(ctx, core.EventStageCompleted)
	ev.Provider = res.Provider
	ev.Data = map[string]any{
		"status":     string(res.Status),
		"fallback":   res.Fallback,
		"attempts":   res.Attempts,
		"latency_ms": elapsed.Milliseconds(),
	}
	rt.opts.Events.Publish(ev)

	return res, err
}

func (rt *Runtime) run(ctx context.Context, stage core.Stage, view core.StateView, mem core.MemorySnapshot) (core.StageResult, int, error) {
	if mem.Degraded && stage.RequiresMemory() {
		return core.StageResult{}, 0, core.NewError(core.CodeMemoryUnavailable, fmt.Sprintf("short-term memory unavailable for %s", stage.Name()), nil)
	}

	req, err := stage.BuildRequest(view, mem)
	if err != nil {
		return core.StageResult{}, 0, core.NewError(core.CodeStageFailed, fmt.Sprintf("build %s request", stage.Name()), err)
	}

	c := provider.Constraints{
		Language:     view.String(core.ContextLanguage),
		Capabilities: stage.Capabilities(),
	}
	out, err := rt.router.Route(ctx, stage.Kind(), c, req, stage.Timeout())
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return core.StageResult{}, 0, ctxErr
		}
		var fe *provider.FailoverError
		if errors.As(err, &fe) {
			return core.StageResult{}, fe.Attempts, core.NewError(core.CodeProviderExhausted, fmt.Sprintf("all providers failed for %s", stage.Name()), err)
		}
		return core.StageResult{}, 0, core.NewError(core.CodeStageFailed, fmt.Sprintf("%s provider call", stage.Name()), err)
	}

	res, err := stage.ParseResult(out.Response)
	if err != nil {
		return core.StageResult{}, out.Attempts, core.NewError(core.CodeStageFailed, fmt.Sprintf("invalid %s output", stage.Name()), err)
	}

	res.Stage = stage.Name()
	res.Status = core.StageStatusOK
	res.Provider = out.Descriptor.ProviderID
	res.Model = out.Descriptor.ModelID
	res.Attempts = out.Attempts
	res.Cost = out.Cost
	return res, out.Attempts, nil
}
