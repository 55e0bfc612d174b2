package runner

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/convomesh/agent"
	"github.com/hupe1980/convomesh/core"
	"github.com/hupe1980/convomesh/engine"
	"github.com/hupe1980/convomesh/flow"
	"github.com/hupe1980/convomesh/internal/testutil"
	"github.com/hupe1980/convomesh/memory"
	"github.com/hupe1980/convomesh/model"
	"github.com/hupe1980/convomesh/provider"
	"github.com/hupe1980/convomesh/session"
)

type executorFunc func(ctx context.Context, req engine.Request) (*core.RunResult, error)

func (f executorFunc) Execute(ctx context.Context, req engine.Request) (*core.RunResult, error) {
	return f(ctx, req)
}

func reply(text string) executorFunc {
	return func(context.Context, engine.Request) (*core.RunResult, error) {
		return &core.RunResult{Response: text}, nil
	}
}

// blocking holds every run until release is closed or the run is told to stop.
func blocking(release <-chan struct{}) executorFunc {
	return func(_ context.Context, req engine.Request) (*core.RunResult, error) {
		select {
		case <-release:
			return &core.RunResult{Response: "late"}, nil
		case <-req.Stop:
			return &core.RunResult{Partial: true}, core.NewError(core.CodeRunCancelled, "run cancelled", nil)
		}
	}
}

type recorder struct {
	mu     sync.Mutex
	events []core.Event
}

func (r *recorder) Publish(ev core.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) types(runID string) []core.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []core.EventType
	for _, ev := range r.events {
		if ev.RunID == runID {
			out = append(out, ev.Type)
		}
	}
	return out
}

type fixture struct {
	runner *Runner
	store  *session.InMemoryStore
	turns  *memory.Manager
	events *recorder
}

func newFixture(t *testing.T, exec Executor, optFns ...func(o *Options)) *fixture {
	t.Helper()
	catalog, err := flow.BuiltinCatalog(agent.DefaultRegistry())
	require.NoError(t, err)

	f := &fixture{
		store:  session.NewInMemoryStore(),
		turns:  memory.NewManager(),
		events: &recorder{},
	}
	require.NoError(t, f.store.CreateThread(context.Background(), core.NewThread("t1", "acme")))

	f.runner = New(exec, catalog, append([]func(o *Options){func(o *Options) {
		o.Threads, o.Runs = f.store, f.store
		o.Turns = f.turns
		o.Events = f.events
		o.MaxWait = 5 * time.Second
	}}, optFns...)...)
	t.Cleanup(f.runner.Close)
	return f
}

func (f *fixture) submit(t *testing.T, mode core.Mode) *core.Run {
	t.Helper()
	run, err := f.runner.Submit(context.Background(), SubmitRequest{ThreadID: "t1", Message: "hello", Workflow: flow.VariantQuick, Mode: mode})
	require.NoError(t, err)
	return run
}

func TestRunner_WaitModeSucceeds(t *testing.T) {
	f := newFixture(t, reply("hi there"))

	run := f.submit(t, core.ModeWait)
	assert.Equal(t, core.RunStatusSucceeded, run.Status)
	assert.Equal(t, "hi there", run.Result.Response)
	assert.Equal(t, flow.VariantQuick, run.Workflow)
	require.NotNil(t, run.StartedAt)
	require.NotNil(t, run.FinishedAt)
	assert.Nil(t, run.Error)

	turns, err := f.turns.GetRecentTurns(context.Background(), "t1", 10, core.Chronological)
	require.NoError(t, err)
	require.Len(t, turns, 2)
	assert.Equal(t, core.RoleUser, turns[0].Role)
	assert.Equal(t, "hello", turns[0].Content)
	assert.Equal(t, core.RoleAssistant, turns[1].Role)
	assert.Equal(t, "hi there", turns[1].Content)

	assert.Equal(t, []core.EventType{core.EventRunQueued, core.EventRunStarted, core.EventRunFinished}, f.events.types(run.ID))
}

func TestRunner_SeedCarriesThreadMetadata(t *testing.T) {
	var seen map[string]any
	f := newFixture(t, executorFunc(func(_ context.Context, req engine.Request) (*core.RunResult, error) {
		seen = req.Seed
		return &core.RunResult{Response: "ok"}, nil
	}))
	_, err := f.store.MergeThreadMetadata(context.Background(), "t1", map[string]any{core.ContextLanguage: "de", "plan": "pro"})
	require.NoError(t, err)

	_, err = f.runner.Submit(context.Background(), SubmitRequest{
		ThreadID: "t1", Message: "hallo", Workflow: flow.VariantQuick,
		Seed: map[string]any{"plan": "enterprise"},
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{core.ContextLanguage: "de", "plan": "enterprise"}, seen)
}

func TestRunner_GetStatusIsIdempotent(t *testing.T) {
	f := newFixture(t, reply("hi"))
	run := f.submit(t, core.ModeWait)

	a, err := f.runner.GetStatus(context.Background(), run.ID)
	require.NoError(t, err)
	b, err := f.runner.GetStatus(context.Background(), run.ID)
	require.NoError(t, err)

	ja, err := json.Marshal(a)
	require.NoError(t, err)
	jb, err := json.Marshal(b)
	require.NoError(t, err)
	assert.Equal(t, string(ja), string(jb))
}

func TestRunner_AsyncMode(t *testing.T) {
	release := make(chan struct{})
	f := newFixture(t, blocking(release))

	run := f.submit(t, core.ModeAsync)
	assert.Contains(t, []core.RunStatus{core.RunStatusQueued, core.RunStatusRunning}, run.Status)

	close(release)
	done, err := f.runner.Wait(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, core.RunStatusSucceeded, done.Status)
	assert.Equal(t, "late", done.Result.Response)
}

func TestRunner_MaxWaitReturnsRunningSnapshot(t *testing.T) {
	release := make(chan struct{})
	f := newFixture(t, blocking(release), func(o *Options) { o.MaxWait = 20 * time.Millisecond })

	run := f.submit(t, core.ModeWait)
	assert.Equal(t, core.RunStatusRunning, run.Status)
	assert.Nil(t, run.FinishedAt)

	close(release)
	done, err := f.runner.Wait(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, core.RunStatusSucceeded, done.Status)
}

func TestRunner_CancelRunning(t *testing.T) {
	f := newFixture(t, blocking(make(chan struct{})))

	run := f.submit(t, core.ModeAsync)
	require.Eventually(t, func() bool {
		r, _ := f.runner.GetStatus(context.Background(), run.ID)
		return r.Status == core.RunStatusRunning
	}, time.Second, time.Millisecond)

	_, err := f.runner.Cancel(context.Background(), run.ID)
	require.NoError(t, err)

	done, err := f.runner.Wait(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, core.RunStatusCancelled, done.Status)
	assert.Equal(t, core.CodeRunCancelled, done.Error.Code)
	assert.True(t, done.Result.Partial)

	again, err := f.runner.Cancel(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, done, again, "cancelling a terminal run is a no-op")
}

func TestRunner_CancelQueued(t *testing.T) {
	release := make(chan struct{})
	f := newFixture(t, blocking(release), func(o *Options) { o.MaxConcurrentRuns = 1 })

	first := f.submit(t, core.ModeAsync)
	require.Eventually(t, func() bool {
		r, _ := f.runner.GetStatus(context.Background(), first.ID)
		return r.Status == core.RunStatusRunning
	}, time.Second, time.Millisecond)

	second := f.submit(t, core.ModeAsync)
	assert.Equal(t, core.RunStatusQueued, second.Status)

	cancelled, err := f.runner.Cancel(context.Background(), second.ID)
	require.NoError(t, err)
	assert.Equal(t, core.RunStatusCancelled, cancelled.Status)
	assert.Nil(t, cancelled.StartedAt)

	close(release)
	done, err := f.runner.Wait(context.Background(), first.ID)
	require.NoError(t, err)
	assert.Equal(t, core.RunStatusSucceeded, done.Status)

	after, err := f.runner.GetStatus(context.Background(), second.ID)
	require.NoError(t, err)
	assert.Equal(t, core.RunStatusCancelled, after.Status, "the worker skips cancelled runs")
}

func TestRunner_RunBudgetExceeded(t *testing.T) {
	var stopped sync.WaitGroup
	stopped.Add(1)
	f := newFixture(t, executorFunc(func(_ context.Context, req engine.Request) (*core.RunResult, error) {
		<-req.Stop
		defer stopped.Done()
		return &core.RunResult{Response: "too late"}, nil
	}), func(o *Options) { o.RunBudget = 20 * time.Millisecond })

	run := f.submit(t, core.ModeWait)
	assert.Equal(t, core.RunStatusFailed, run.Status)
	assert.Equal(t, core.CodeRunTimeout, run.Error.Code)

	stopped.Wait()
	after, err := f.runner.GetStatus(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, core.RunStatusFailed, after.Status, "late results are discarded")
	assert.Nil(t, after.Result)
}

func TestRunner_FailedRunKeepsPartialResult(t *testing.T) {
	f := newFixture(t, executorFunc(func(context.Context, engine.Request) (*core.RunResult, error) {
		return &core.RunResult{Partial: true, Stages: []core.StageResult{{Stage: "compliance", Status: core.StageStatusFailed}}},
			core.NewError(core.CodeProviderExhausted, "all providers failed for compliance", nil)
	}))

	run := f.submit(t, core.ModeWait)
	assert.Equal(t, core.RunStatusFailed, run.Status)
	assert.Equal(t, &core.ErrorDetail{Code: core.CodeProviderExhausted, Detail: "all providers failed for compliance"}, run.Error)
	require.NotNil(t, run.Result)
	assert.True(t, run.Result.Partial)

	turns, err := f.turns.GetRecentTurns(context.Background(), "t1", 10, core.Chronological)
	require.NoError(t, err)
	assert.Len(t, turns, 1, "only the user turn is stored for failed runs")
}

func TestRunner_SubmitValidation(t *testing.T) {
	f := newFixture(t, reply("hi"))
	ctx := context.Background()

	tests := []struct {
		name string
		req  SubmitRequest
		want error
	}{
		{"empty message", SubmitRequest{ThreadID: "t1", Message: "  "}, core.ErrInvalidRequest},
		{"unknown mode", SubmitRequest{ThreadID: "t1", Message: "hi", Mode: "later"}, core.ErrInvalidRequest},
		{"unknown thread", SubmitRequest{ThreadID: "nope", Message: "hi"}, core.ErrNotFound},
		{"unknown workflow", SubmitRequest{ThreadID: "t1", Message: "hi", Workflow: "nope"}, core.ErrWorkflowInvalid},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.runner.Submit(ctx, tt.req)
			assert.ErrorIs(t, err, tt.want)
		})
	}

	runs, err := f.store.ListRuns(ctx, "t1")
	require.NoError(t, err)
	assert.Empty(t, runs, "rejected submissions create no run")
}

func TestRunner_CloseCancelsActiveRuns(t *testing.T) {
	f := newFixture(t, blocking(make(chan struct{})))
	run := f.submit(t, core.ModeAsync)

	f.runner.Close()

	after, err := f.runner.GetStatus(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, core.RunStatusCancelled, after.Status)

	late, err := f.runner.Submit(context.Background(), SubmitRequest{ThreadID: "t1", Message: "hi", Workflow: flow.VariantQuick})
	require.NoError(t, err)
	assert.Equal(t, core.RunStatusCancelled, late.Status)
}

func TestRunner_WithEngine(t *testing.T) {
	m := model.NewMockModel("mock-1", "mock")
	m.SetResponder(testutil.ChatResponder().Respond)
	reg := provider.NewRegistry()
	require.NoError(t, reg.Register(provider.Descriptor{ProviderID: "mock", ModelID: "mock-1"}, m))
	exec := provider.NewExecutor(reg)

	turns := memory.NewManager()
	eng := engine.New(exec, func(o *engine.Options) { o.Memory = turns })
	f := newFixture(t, eng, func(o *Options) { o.Turns = turns })

	run, err := f.runner.Submit(context.Background(), SubmitRequest{ThreadID: "t1", Message: "hello", Workflow: flow.VariantBasic})
	require.NoError(t, err)
	assert.Equal(t, core.RunStatusSucceeded, run.Status)
	assert.Equal(t, "Hello! How can I help you today?", run.Result.Response)
	assert.Len(t, run.Result.Stages, 3)

	gen, ok := run.Result.Stage(agent.StageGeneration)
	require.True(t, ok)
	assert.Equal(t, "mock", gen.Provider)
}

func mergedThenBlock(release <-chan struct{}) executorFunc {
	return func(_ context.Context, req engine.Request) (*core.RunResult, error) {
		req.OnMerge(&core.RunResult{Partial: true, Stages: []core.StageResult{{Stage: "compliance", Status: core.StageStatusOK}}})
		select {
		case <-release:
		case <-req.Stop:
		}
		return &core.RunResult{Response: "late"}, nil
	}
}

func TestRunner_MaxWaitSnapshotCarriesMergedStages(t *testing.T) {
	release := make(chan struct{})
	f := newFixture(t, mergedThenBlock(release), func(o *Options) { o.MaxWait = 100 * time.Millisecond })

	run := f.submit(t, core.ModeWait)
	assert.Equal(t, core.RunStatusRunning, run.Status)
	require.NotNil(t, run.Result)
	assert.True(t, run.Result.Partial)
	require.Len(t, run.Result.Stages, 1)
	assert.Equal(t, "compliance", run.Result.Stages[0].Stage)

	close(release)
	done, err := f.runner.Wait(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, core.RunStatusSucceeded, done.Status)
	assert.False(t, done.Result.Partial)
	assert.Equal(t, "late", done.Result.Response)
}

func TestRunner_RunBudgetKeepsLastMergeInWaitMode(t *testing.T) {
	f := newFixture(t, mergedThenBlock(make(chan struct{})), func(o *Options) { o.RunBudget = 50 * time.Millisecond })

	run := f.submit(t, core.ModeWait)
	assert.Equal(t, core.RunStatusFailed, run.Status)
	assert.Equal(t, core.CodeRunTimeout, run.Error.Code)
	require.NotNil(t, run.Result)
	assert.True(t, run.Result.Partial)
	require.Len(t, run.Result.Stages, 1)
	assert.Equal(t, "compliance", run.Result.Stages[0].Stage)
}

func TestRunner_RunBudgetDiscardsProgressInAsyncMode(t *testing.T) {
	f := newFixture(t, mergedThenBlock(make(chan struct{})), func(o *Options) { o.RunBudget = 50 * time.Millisecond })

	run := f.submit(t, core.ModeAsync)
	done, err := f.runner.Wait(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, core.RunStatusFailed, done.Status)
	assert.Equal(t, core.CodeRunTimeout, done.Error.Code)
	assert.Nil(t, done.Result)
}

func TestRunner_QueuedOnlyTransitionLeavesRunningRunAlone(t *testing.T) {
	release := make(chan struct{})
	f := newFixture(t, blocking(release))

	run := f.submit(t, core.ModeAsync)
	require.Eventually(t, func() bool {
		r, _ := f.runner.GetStatus(context.Background(), run.ID)
		return r.Status == core.RunStatusRunning
	}, time.Second, time.Millisecond)

	f.runner.mu.Lock()
	j := f.runner.active[run.ID]
	f.runner.mu.Unlock()
	require.NotNil(t, j)

	_, ok := f.runner.finishFrom(context.Background(), j, core.RunStatusQueued, core.RunStatusCancelled, nil, nil)
	assert.False(t, ok)

	current, err := f.runner.GetStatus(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, core.RunStatusRunning, current.Status)

	close(release)
	done, err := f.runner.Wait(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, core.RunStatusSucceeded, done.Status)
}
