package convomesh

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/convomesh/config"
	"github.com/hupe1980/convomesh/core"
	"github.com/hupe1980/convomesh/flow"
	"github.com/hupe1980/convomesh/internal/testutil"
	"github.com/hupe1980/convomesh/logging"
	"github.com/hupe1980/convomesh/model"
	"github.com/hupe1980/convomesh/provider"
)

func newMesh(t *testing.T, optFns ...func(o *Options)) (*ConvoMesh, *model.MockModel) {
	t.Helper()
	m, err := New(optFns...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close(context.Background()) })

	mock := model.NewMockModel("mock-1", "mock")
	mock.SetResponder(testutil.ChatResponder().Respond)
	require.NoError(t, m.RegisterProvider(provider.Descriptor{ProviderID: "mock", ModelID: "mock-1"}, mock))
	return m, mock
}

func drain(ch <-chan core.Event) []core.Event {
	var out []core.Event
	for {
		select {
		case ev := <-ch:
			out = append(out, ev)
		default:
			return out
		}
	}
}

func hasEvent(events []core.Event, t core.EventType) bool {
	for _, ev := range events {
		if ev.Type == t {
			return true
		}
	}
	return false
}

func TestConvoMesh_Conversation(t *testing.T) {
	m, _ := newMesh(t, func(o *Options) {
		o.Tenants = map[string]Tenant{"acme": {Language: "de", Workflow: flow.VariantBasic}}
	})
	ctx := context.Background()

	th, err := m.CreateThread(ctx, "acme", map[string]any{"plan": "pro"})
	require.NoError(t, err)
	assert.Equal(t, "de", th.Metadata[core.ContextLanguage])

	run, err := m.Submit(ctx, SubmitRequest{ThreadID: th.ID, Message: "hello"})
	require.NoError(t, err)
	assert.Equal(t, core.RunStatusSucceeded, run.Status)
	assert.Equal(t, flow.VariantBasic, run.Workflow, "the tenant workflow applies when none is named")
	assert.Equal(t, "Hello! How can I help you today?", run.Result.Response)

	history, err := m.History(ctx, th.ID, 10)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "hello", history[0].Content)
	assert.Equal(t, run.Result.Response, history[1].Content)

	events := drain(m.Events())
	assert.True(t, hasEvent(events, core.EventRunFinished))
	assert.True(t, hasEvent(events, core.EventStageCompleted))
	assert.True(t, hasEvent(events, core.EventCostEstimated))

	status, err := m.GetStatus(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, core.RunStatusSucceeded, status.Status)
	assert.Equal(t, run.Result.Response, status.Result.Response)
}

func TestConvoMesh_BreakerTransitionsAreStreamed(t *testing.T) {
	m, mock := newMesh(t, func(o *Options) {
		o.Breaker = provider.BreakerConfig{Threshold: 1, Window: time.Minute, Cooldown: time.Minute}
		o.Retry.MaxAttempts = 1
	})
	mock.SetError(errors.New("503 service unavailable"))
	ctx := context.Background()

	th, err := m.CreateThread(ctx, "acme", nil)
	require.NoError(t, err)
	run, err := m.Submit(ctx, SubmitRequest{ThreadID: th.ID, Message: "hello", Workflow: flow.VariantQuick})
	require.NoError(t, err)
	assert.Equal(t, core.RunStatusFailed, run.Status)
	assert.Equal(t, core.CodeProviderExhausted, run.Error.Code)

	var transition *core.Event
	for _, ev := range drain(m.Events()) {
		if ev.Type == core.EventBreakerTransition {
			transition = &ev
		}
	}
	require.NotNil(t, transition)
	assert.Equal(t, "mock/mock-1", transition.Provider)
	assert.Equal(t, "open", transition.Data["to"])

	status := m.Providers()
	require.Len(t, status, 1)
}

func TestNew_RejectsInvalidWorkflows(t *testing.T) {
	_, err := New(func(o *Options) {
		o.Workflows = []flow.Graph{{Name: "loop", Nodes: []flow.Node{
			{Stage: "sentiment", After: []string{"generation"}},
			{Stage: "generation", After: []string{"sentiment"}},
		}, Response: "generation"}}
	})
	assert.ErrorIs(t, err, core.ErrWorkflowInvalid)

	_, err = New(func(o *Options) { o.DefaultWorkflow = "missing" })
	assert.ErrorIs(t, err, core.ErrWorkflowInvalid)
}

func TestNew_CustomWorkflow(t *testing.T) {
	m, _ := newMesh(t, func(o *Options) {
		o.Workflows = []flow.Graph{{Name: "screened", Nodes: []flow.Node{
			{Stage: "compliance"},
			{Stage: "generation", After: []string{"compliance"}},
		}, Response: "generation"}}
	})
	assert.Equal(t, []string{"basic", "chat", "quick", "screened"}, m.Workflows())
}

func TestCreateThread_RequiresTenant(t *testing.T) {
	m, _ := newMesh(t)
	_, err := m.CreateThread(context.Background(), "", nil)
	assert.ErrorIs(t, err, core.ErrInvalidRequest)
}

func TestModelFactory(t *testing.T) {
	t.Setenv("DEEPSEEK_API_KEY", "sk-test")
	t.Setenv("CUSTOM_KEY", "sk-custom")
	factory := NewModelFactory(context.Background())

	m, err := factory(provider.Descriptor{ProviderID: "deepseek", ModelID: "deepseek-chat"})
	require.NoError(t, err)
	assert.NotNil(t, m)

	_, err = factory(provider.Descriptor{ProviderID: "gateway", ModelID: "x", BaseURL: "http://localhost:8080/v1", APIKeyEnv: "CUSTOM_KEY"})
	require.NoError(t, err)

	_, err = factory(provider.Descriptor{ProviderID: "carrier-pigeon", ModelID: "x"})
	assert.Error(t, err)

	assert.Equal(t, "sk-custom", APIKey(provider.Descriptor{ProviderID: "openai", APIKeyEnv: "CUSTOM_KEY"}))
	assert.Equal(t, "sk-test", APIKey(provider.Descriptor{ProviderID: "deepseek"}))
}

func TestNewFromConfig(t *testing.T) {
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Log.Level = "error"
	cfg.Memory.Backend = "sqlite"
	cfg.Memory.Path = filepath.Join(dir, "memory.db")
	cfg.Memory.Vector.Backend = "sqlite"
	cfg.Sessions = config.SessionConfig{Backend: "sqlite", DSN: filepath.Join(dir, "sessions.db")}
	cfg.Memory.Janitor = "@every 1h"
	require.NoError(t, cfg.Validate())

	m, err := NewFromConfig(context.Background(), cfg)
	require.NoError(t, err)

	th, err := m.CreateThread(context.Background(), "acme", nil)
	require.NoError(t, err)
	got, err := m.GetThread(context.Background(), th.ID)
	require.NoError(t, err)
	assert.Equal(t, "acme", got.TenantID)

	require.NoError(t, m.Close(context.Background()))
	require.NoError(t, m.Close(context.Background()), "close is idempotent")
}

func TestNewFromConfig_KeepsDefaultsNotInConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Log.Level = "error"

	m, err := NewFromConfig(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close(context.Background()) })
	assert.Equal(t, []string{"basic", "chat", "quick"}, m.Workflows())

	mock := model.NewMockModel("mock-1", "mock")
	mock.SetResponder(testutil.ChatResponder().Respond)
	require.NoError(t, m.RegisterProvider(provider.Descriptor{ProviderID: "mock", ModelID: "mock-1"}, mock))

	th, err := m.CreateThread(context.Background(), "acme", nil)
	require.NoError(t, err)
	run, err := m.Submit(context.Background(), SubmitRequest{ThreadID: th.ID, Message: "hello", Workflow: flow.VariantBasic})
	require.NoError(t, err)
	assert.Equal(t, core.RunStatusSucceeded, run.Status)
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) lines(t *testing.T) []map[string]any {
	t.Helper()
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(b.buf.String()), "\n") {
		m := map[string]any{}
		require.NoError(t, json.Unmarshal([]byte(line), &m))
		out = append(out, m)
	}
	return out
}

func TestConvoMesh_TagsLogsWithComponent(t *testing.T) {
	out := &syncBuffer{}
	m, _ := newMesh(t, func(o *Options) {
		o.Logger = logging.NewLogger(&logging.LoggerConfig{Level: logging.LogLevelInfo, Output: out})
	})
	ctx := context.Background()

	th, err := m.CreateThread(ctx, "acme", nil)
	require.NoError(t, err)
	run, err := m.Submit(ctx, SubmitRequest{ThreadID: th.ID, Message: "hello", Workflow: flow.VariantQuick})
	require.NoError(t, err)
	require.Equal(t, core.RunStatusSucceeded, run.Status)

	var transitions, providerCalls int
	for _, line := range out.lines(t) {
		switch line["msg"] {
		case "Run transition":
			transitions++
			assert.Equal(t, "runner", line["component"])
			assert.Equal(t, th.ID, line["thread_id"])
			assert.Equal(t, run.ID, line["run_id"])
		case "Provider call completed":
			providerCalls++
			assert.Equal(t, "provider", line["component"])
			assert.Equal(t, "mock/mock-1", line["provider"])
		case "Stage execution completed":
			assert.Equal(t, "engine", line["component"])
		}
	}
	assert.Equal(t, 2, transitions, "queued to running to succeeded")
	assert.Equal(t, 1, providerCalls)
}
