package provider

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/hupe1980/convomesh/core"
	"github.com/hupe1980/convomesh/logging"
	"github.com/hupe1980/convomesh/metrics"
	"github.com/hupe1980/convomesh/model"
)

// ExecutorOptions configure an Executor.
type ExecutorOptions struct {
	Retry RetryPolicy
	// DefaultTimeout applies when neither the call nor the descriptor sets one.
	DefaultTimeout time.Duration
	Logger         logging.Logger
	Metrics        *metrics.Metrics
	Events         core.EventSink
	Tracer         trace.Tracer
	// Sleep waits between retries; tests replace it to avoid real delays.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Result is a successful provider call.
type Result struct {
	Response   *model.Response
	Descriptor Descriptor
	Latency    time.Duration
	// Attempts counts every Invoke made by InvokeWithFailover, including failures.
	Attempts int
	Cost     *core.CostEstimate
}

// Executor performs provider calls against a Registry.
type Executor struct {
	registry *Registry
	opts     ExecutorOptions
}

// NewExecutor creates an executor over registry.
func NewExecutor(registry *Registry, optFns ...func(o *ExecutorOptions)) *Executor {
	opts := ExecutorOptions{
		Retry:          DefaultRetryPolicy(),
		DefaultTimeout: 20 * time.Second,
		Logger:         logging.NoOpLogger{},
		Events:         core.NoOpSink{},
		Tracer:         otel.Tracer("github.com/hupe1980/convomesh/provider"),
		Sleep:          sleepCtx,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Retry.MaxAttempts <= 0 {
		opts.Retry.MaxAttempts = 1
	}
	return &Executor{registry: registry, opts: opts}
}

// Registry returns the underlying registry.
func (e *Executor) Registry() *Registry { return e.registry }

// Invoke performs a single call against d. Transient failures count towards
// the key's circuit breaker; local rejections and caller cancellation do not.
func (e *Executor) Invoke(ctx context.Context, d Descriptor, req model.Request, timeout time.Duration) (*Result, error) {
	key := d.Key()
	ent, ok := e.registry.lookup(key)
	if !ok {
		return nil, &Error{Key: key, Kind: Permanent, Err: ErrUnknownProvider}
	}

	if !ent.breaker.Allow() {
		e.opts.Metrics.ObserveProviderCall(d.ProviderID, d.ModelID, "rejected", 0)
		return nil, &Error{Key: key, Kind: Transient, Err: ErrCircuitOpen}
	}
	if err := ent.limiter.Acquire(ctx); err != nil {
		ent.breaker.Release()
		e.opts.Metrics.ObserveProviderCall(d.ProviderID, d.ModelID, "rejected", 0)
		return nil, &Error{Key: key, Kind: Transient, Err: err}
	}

	if ent.desc.Timeout > 0 {
		timeout = ent.desc.Timeout
	}
	if timeout <= 0 {
		timeout = e.opts.DefaultTimeout
	}

	ctx, span := e.opts.Tracer.Start(ctx, "provider.invoke", trace.WithAttributes(
		attribute.String("provider.id", d.ProviderID),
		attribute.String("provider.model", d.ModelID),
	))
	defer span.End()

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	resp, err := model.Collect(callCtx, ent.model, req)
	elapsed := time.Since(start)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "provider call failed")

		if ctx.Err() != nil {
			// the caller gave up; this says nothing about provider health
			ent.breaker.Release()
			return nil, ctx.Err()
		}

		kind := Classify(err)
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			kind = Transient
		}
		if kind == Transient {
			ent.breaker.RecordFailure()
			ent.latency.observe(elapsed)
		} else {
			ent.breaker.Release()
		}

		e.opts.Metrics.ObserveProviderCall(d.ProviderID, d.ModelID, kind.String(), elapsed)
		if l, ok := e.opts.Logger.(*logging.ConvoLogger); ok {
			l.LogProviderCall(string(key), 0, elapsed, err)
		} else {
			e.opts.Logger.Debug("provider call failed", "provider", string(key), "kind", kind.String(), "duration", elapsed, "error", err)
		}
		return nil, &Error{Key: key, Kind: kind, Err: err}
	}

	ent.breaker.RecordSuccess()
	ent.latency.observe(elapsed)

	cost := EstimateCost(ent.desc, resp.Usage)
	span.SetAttributes(
		attribute.Int("provider.prompt_tokens", cost.PromptTokens),
		attribute.Int("provider.completion_tokens", cost.CompletionTokens),
	)

	ev := core.NewEvent(ctx, core.EventCostEstimated)
	ev.Provider = string(key)
	ev.Cost = cost
	e.opts.Events.Publish(ev)

	e.opts.Metrics.ObserveProviderCall(d.ProviderID, d.ModelID, "success", elapsed)
	e.opts.Metrics.ObserveUsage(d.ProviderID, d.ModelID, cost.PromptTokens, cost.CompletionTokens, cost.Cost)
	if l, ok := e.opts.Logger.(*logging.ConvoLogger); ok {
		l.LogProviderCall(string(key), cost.PromptTokens+cost.CompletionTokens, elapsed, nil)
	} else {
		e.opts.Logger.Debug("provider call succeeded", "provider", string(key), "duration", elapsed)
	}

	return &Result{Response: resp, Descriptor: ent.desc, Latency: elapsed, Attempts: 1, Cost: cost}, nil
}

// InvokeWithFailover tries candidates in order, retrying transient failures
// with backoff on each candidate, and stops at the first success. Open
// breakers and rate limit rejections move on to the next candidate at once.
func (e *Executor) InvokeWithFailover(ctx context.Context, stageType string, req model.Request, candidates []Descriptor, timeout time.Duration) (*Result, error) {
	attempts := 0
	var lastErr error

	for _, d := range candidates {
		for try := 1; try <= e.opts.Retry.MaxAttempts; try++ {
			if err := ctx.Err(); err != nil {
				return nil, err
			}

			attempts++
			res, err := e.Invoke(ctx, d, req, timeout)
			if err == nil {
				res.Attempts = attempts
				return res, nil
			}
			lastErr = err

			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if errors.Is(err, ErrCircuitOpen) || errors.Is(err, ErrRateLimited) || !IsTransient(err) {
				break
			}
			if try < e.opts.Retry.MaxAttempts {
				if err := e.opts.Sleep(ctx, e.opts.Retry.Backoff(try)); err != nil {
					return nil, err
				}
			}
		}
	}

	if lastErr == nil {
		lastErr = ErrNoProvider
	}
	e.opts.Metrics.FailoverExhausted(stageType)
	e.opts.Logger.Warn("failover exhausted", "stage_type", stageType, "attempts", attempts, "error", lastErr)

	return nil, &FailoverError{StageType: stageType, Attempts: attempts, Last: lastErr}
}

// Route selects candidates for stageType under c and invokes them with failover.
func (e *Executor) Route(ctx context.Context, stageType string, c Constraints, req model.Request, timeout time.Duration) (*Result, error) {
	return e.InvokeWithFailover(ctx, stageType, req, e.registry.Candidates(stageType, c), timeout)
}
