package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/convomesh/core"
	"github.com/hupe1980/convomesh/internal/testutil"
	"github.com/hupe1980/convomesh/logging"
	"github.com/hupe1980/convomesh/model"
	"github.com/hupe1980/convomesh/provider"
)

type eventLog struct {
	mu     sync.Mutex
	events []core.Event
}

func (l *eventLog) Publish(ev core.Event) {
	l.mu.Lock()
	l.events = append(l.events, ev)
	l.mu.Unlock()
}

func (l *eventLog) all() []core.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]core.Event(nil), l.events...)
}

func answer(text string) RouterFunc {
	return func(context.Context, string, provider.Constraints, model.Request, time.Duration) (*provider.Result, error) {
		return &provider.Result{
			Response:   &model.Response{Text: text},
			Descriptor: provider.Descriptor{ProviderID: "openai", ModelID: "gpt-4o-mini"},
			Latency:    5 * time.Millisecond,
			Attempts:   2,
			Cost:       &core.CostEstimate{Provider: "openai", Model: "gpt-4o-mini", Cost: 0.01},
		}, nil
	}
}

func exhausted(attempts int) RouterFunc {
	return func(context.Context, string, provider.Constraints, model.Request, time.Duration) (*provider.Result, error) {
		return nil, &provider.FailoverError{StageType: "x", Attempts: attempts, Last: errors.New("timeout")}
	}
}

func TestRuntime_Success(t *testing.T) {
	events := &eventLog{}
	var gotScope core.Scope
	var gotConstraints provider.Constraints
	var gotTimeout time.Duration

	router := RouterFunc(func(ctx context.Context, stageType string, c provider.Constraints, req model.Request, timeout time.Duration) (*provider.Result, error) {
		gotScope, gotConstraints, gotTimeout = core.ScopeFrom(ctx), c, timeout
		return answer(`{"label":"positive","score":0.9}`)(ctx, stageType, c, req, timeout)
	})
	rt := NewRuntime(router, func(o *RuntimeOptions) { o.Events = events })

	ctx := core.WithScope(context.Background(), core.Scope{TenantID: "acme", RunID: "r1"})
	view := newTestView(t, map[string]any{core.ContextLanguage: "en-GB"})

	res, err := rt.Execute(ctx, NewSentimentStage(), view, core.MemorySnapshot{})
	require.NoError(t, err)
	assert.Equal(t, core.StageStatusOK, res.Status)
	assert.Equal(t, "openai", res.Provider)
	assert.Equal(t, "gpt-4o-mini", res.Model)
	assert.Equal(t, 2, res.Attempts)
	assert.InDelta(t, 0.01, res.Cost.Cost, 1e-9)
	assert.False(t, res.Fallback)

	assert.Equal(t, StageSentiment, gotScope.Stage)
	assert.Equal(t, "acme", gotScope.TenantID)
	assert.Equal(t, "en-GB", gotConstraints.Language)
	assert.Equal(t, 10*time.Second, gotTimeout)

	evs := events.all()
	require.Len(t, evs, 1)
	assert.Equal(t, core.EventStageCompleted, evs[0].Type)
	assert.Equal(t, StageSentiment, evs[0].Stage)
	assert.Equal(t, "ok", evs[0].Data["status"])
}

func TestRuntime_FailOpenFallback(t *testing.T) {
	rt := NewRuntime(exhausted(4))

	res, err := rt.Execute(context.Background(), NewSentimentStage(), newTestView(t, nil), core.MemorySnapshot{})
	require.NoError(t, err)
	assert.Equal(t, core.StageStatusOK, res.Status)
	assert.True(t, res.Fallback)
	assert.Equal(t, 4, res.Attempts)
	require.NotNil(t, res.Error)
	assert.Equal(t, core.CodeProviderExhausted, res.Error.Code)

	var out SentimentOutput
	require.NoError(t, res.Decode(&out))
	assert.Equal(t, "neutral", out.Label)
}

func TestRuntime_LogsStageExecution(t *testing.T) {
	buf := &bytes.Buffer{}
	rt := NewRuntime(exhausted(2), func(o *RuntimeOptions) {
		o.Logger = logging.NewLogger(&logging.LoggerConfig{Level: logging.LogLevelError, Output: buf})
	})

	_, err := rt.Execute(context.Background(), NewComplianceStage(), newTestView(t, nil), core.MemorySnapshot{})
	require.Error(t, err)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 1)
	var entry map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &entry))
	assert.Equal(t, "Stage execution failed", entry["msg"])
	assert.Equal(t, StageCompliance, entry["stage"])
	assert.Equal(t, string(core.StageStatusFailed), entry["status"])
}

func TestRuntime_FailClosed(t *testing.T) {
	rt := NewRuntime(exhausted(2))

	res, err := rt.Execute(context.Background(), NewGenerationStage(), newTestView(t, nil), core.MemorySnapshot{})
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrProviderExhausted)
	assert.Equal(t, core.StageStatusFailed, res.Status)
	assert.Equal(t, core.CodeProviderExhausted, res.Error.Code)
	assert.Equal(t, "all providers failed for generation", res.Error.Detail)
	assert.NotContains(t, res.Error.Detail, "timeout", "raw provider errors must not leak")
}

func TestRuntime_InvalidOutput(t *testing.T) {
	rt := NewRuntime(answer("not json"))

	res, err := rt.Execute(context.Background(), NewComplianceStage(), newTestView(t, nil), core.MemorySnapshot{})
	require.Error(t, err)
	assert.Equal(t, core.CodeStageFailed, res.Error.Code)
	assert.Equal(t, 2, res.Attempts)

	res, err = rt.Execute(context.Background(), NewIntentStage(), newTestView(t, nil), core.MemorySnapshot{})
	require.NoError(t, err)
	assert.True(t, res.Fallback)
}

func TestRuntime_RequiresMemory(t *testing.T) {
	calls := 0
	router := RouterFunc(func(ctx context.Context, st string, c provider.Constraints, req model.Request, d time.Duration) (*provider.Result, error) {
		calls++
		return answer(`{"label":"neutral","score":0}`)(ctx, st, c, req, d)
	})
	rt := NewRuntime(router)
	degraded := core.MemorySnapshot{Degraded: true}

	res, err := rt.Execute(context.Background(), NewSentimentStage(WithRequiresMemory(), WithPolicy(core.FailClosed)), newTestView(t, nil), degraded)
	assert.ErrorIs(t, err, core.ErrMemoryUnavailable)
	assert.Equal(t, core.StageStatusFailed, res.Status)

	res, err = rt.Execute(context.Background(), NewSentimentStage(WithRequiresMemory()), newTestView(t, nil), degraded)
	require.NoError(t, err)
	assert.True(t, res.Fallback)
	assert.Equal(t, core.CodeMemoryUnavailable, res.Error.Code)

	_, err = rt.Execute(context.Background(), NewSentimentStage(), newTestView(t, nil), degraded)
	require.NoError(t, err)
	assert.Equal(t, 1, calls, "stages without the requirement proceed on degraded memory")
}

func TestRuntime_CancelledContextNeverFallsBack(t *testing.T) {
	router := RouterFunc(func(ctx context.Context, _ string, _ provider.Constraints, _ model.Request, _ time.Duration) (*provider.Result, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	rt := NewRuntime(router)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := rt.Execute(ctx, NewSentimentStage(), newTestView(t, nil), core.MemorySnapshot{})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, core.StageStatusFailed, res.Status)
	assert.False(t, res.Fallback)
	assert.Equal(t, core.CodeRunCancelled, res.Error.Code)
}

func TestRuntime_WithExecutor(t *testing.T) {
	responder := testutil.ChatResponder()
	m := model.NewMockModel("mock-1", "mock")
	m.SetResponder(responder.Respond)

	reg := provider.NewRegistry()
	require.NoError(t, reg.Register(provider.Descriptor{ProviderID: "mock", ModelID: "mock-1"}, m))
	rt := NewRuntime(provider.NewExecutor(reg))

	res, err := rt.Execute(context.Background(), NewSentimentStage(), newTestView(t, nil), core.MemorySnapshot{})
	require.NoError(t, err)
	assert.Equal(t, "mock", res.Provider)
	assert.Equal(t, 1, res.Attempts)
	assert.Equal(t, 1, responder.Hits("Classify the sentiment"))
	assert.Equal(t, "positive", res.Context["sentiment"])
}

func TestSummarizer(t *testing.T) {
	var gotType string
	var gotReq model.Request
	router := RouterFunc(func(_ context.Context, st string, _ provider.Constraints, req model.Request, _ time.Duration) (*provider.Result, error) {
		gotType, gotReq = st, req
		return &provider.Result{Response: &model.Response{Text: " short summary "}}, nil
	})
	s := NewSummarizer(router, 0)

	out, err := s.Summarize(context.Background(), []core.MemoryRecord{
		{Role: core.RoleUser, Content: "hi"},
		{Role: core.RoleAssistant, Content: "hello"},
	})
	require.NoError(t, err)
	assert.Equal(t, "short summary", out)
	assert.Equal(t, SummaryStageType, gotType)
	assert.Equal(t, "user: hi\nassistant: hello\n", gotReq.LastUserMessage())

	out, err = s.Summarize(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, out)
}
