// Package convomesh provides a high-level façade over the conversational
// pipeline: provider registry and failover executor, tiered memory, workflow
// engine and run controller. Most applications interact with this package by:
//  1. Creating a ConvoMesh via New() (optionally overriding default in-memory services)
//  2. Registering providers (RegisterProvider or Options.Providers)
//  3. Creating a thread per conversation and submitting messages to it
//
// Every default is safe for local development and testing; production
// deployments typically start from NewFromConfig with durable stores and a
// structured logger.
package convomesh

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/hupe1980/convomesh/agent"
	"github.com/hupe1980/convomesh/core"
	"github.com/hupe1980/convomesh/engine"
	"github.com/hupe1980/convomesh/flow"
	"github.com/hupe1980/convomesh/logging"
	"github.com/hupe1980/convomesh/memory"
	"github.com/hupe1980/convomesh/metrics"
	"github.com/hupe1980/convomesh/model"
	"github.com/hupe1980/convomesh/provider"
	"github.com/hupe1980/convomesh/runner"
	"github.com/hupe1980/convomesh/session"
)

// SubmitRequest describes one inbound message.
type SubmitRequest = runner.SubmitRequest

// Tenant seeds the threads created for one tenant.
type Tenant struct {
	// Language is copied into new threads as the reply language.
	Language string
	// Workflow is used when a submission names none.
	Workflow string
}

// Options configures the ConvoMesh instance.
type Options struct {
	// Providers are loaded into the registry through ModelFactory at startup.
	Providers    []provider.Descriptor
	ModelFactory provider.ModelFactory
	Breaker      provider.BreakerConfig
	Scorer       provider.Scorer
	Retry        provider.RetryPolicy
	// ProviderTimeout is the per-attempt timeout when a descriptor sets none.
	ProviderTimeout time.Duration

	// Stages resolves the stage names used by workflows.
	Stages *agent.Registry
	// Workflows are compiled next to the built-in variants.
	Workflows []flow.Graph

	// Memory tiers. LongTerm, Vector and Embedder are optional.
	ShortTerm        core.ShortTermStore
	LongTerm         core.LongTermStore
	Vector           core.VectorStore
	Embedder         model.Embedder
	SummaryThreshold int
	MemoryIOTimeout  time.Duration
	// JanitorSchedule enables the expiry purge for stores implementing
	// memory.Purger. Empty disables it.
	JanitorSchedule string

	Threads core.ThreadStore
	Runs    core.RunStore

	MaxModelCalls   int
	MaxParallel     int
	BlockedResponse string
	Callbacks       *engine.CallbackManager

	Workers         int
	QueueSize       int
	MaxWait         time.Duration
	RunBudget       time.Duration
	DefaultWorkflow string

	Tenants map[string]Tenant

	Logger  logging.Logger
	Metrics *metrics.Metrics
	// EventSink receives every event in addition to the Events channel.
	EventSink   core.EventSink
	EventBuffer int

	// closers release resources created on the caller's behalf, last first.
	closers []func(ctx context.Context) error
}

// ConvoMesh is the high-level façade aggregating the pipeline components.
type ConvoMesh struct {
	opts     Options
	registry *provider.Registry
	executor *provider.Executor
	memory   *memory.Manager
	catalog  *flow.Catalog
	engine   *engine.Engine
	runner   *runner.Runner
	events   *core.ChannelSink
	janitor  *memory.Janitor

	closeOnce sync.Once
	closeErr  error
}

// New creates a ConvoMesh with optional overrides. Any unset store is
// initialized with an in-memory implementation. Workflows are validated here,
// so a broken graph fails startup rather than a run.
func New(optFns ...func(o *Options)) (*ConvoMesh, error) {
	opts := DefaultOptions()
	for _, fn := range optFns {
		fn(&opts)
	}
	return newConvoMesh(opts)
}

// DefaultOptions returns the options New starts from: in-memory stores, the
// builtin stages and workflows, and no-op logging.
func DefaultOptions() Options {
	store := session.NewInMemoryStore()
	short := memory.NewInMemoryStore()
	return Options{
		Breaker:          provider.DefaultBreakerConfig(),
		Retry:            provider.DefaultRetryPolicy(),
		ProviderTimeout:  20 * time.Second,
		Stages:           agent.DefaultRegistry(),
		ShortTerm:        short,
		LongTerm:         short,
		SummaryThreshold: 15,
		MemoryIOTimeout:  2 * time.Second,
		Threads:          store,
		Runs:             store,
		MaxModelCalls:    20,
		Workers:          10,
		QueueSize:        100,
		MaxWait:          30 * time.Second,
		RunBudget:        90 * time.Second,
		DefaultWorkflow:  flow.VariantChat,
		Logger:           logging.NoOpLogger{},
		EventBuffer:      256,
	}
}

func newConvoMesh(opts Options) (*ConvoMesh, error) {
	if opts.Stages == nil {
		opts.Stages = agent.DefaultRegistry()
	}
	if opts.ModelFactory == nil {
		opts.ModelFactory = NewModelFactory(context.Background())
	}

	m := &ConvoMesh{opts: opts, events: core.NewChannelSink(opts.EventBuffer)}
	var sink core.EventSink = m.events
	if opts.EventSink != nil {
		sink = core.MultiSink{m.events, opts.EventSink}
	}

	m.registry = provider.NewRegistry(func(o *provider.RegistryOptions) {
		o.Breaker = opts.Breaker
		if opts.Scorer != nil {
			o.Scorer = opts.Scorer
		}
		o.Logger = componentLogger(opts.Logger, "provider")
		o.OnBreakerTransition = func(key provider.Key, from, to provider.BreakerState, cooldown time.Duration) {
			m.onBreakerTransition(sink, key, from, to, cooldown)
		}
	})
	if len(opts.Providers) > 0 {
		if err := m.registry.Reload(opts.Providers, opts.ModelFactory); err != nil {
			return nil, fmt.Errorf("load providers: %w", err)
		}
	}

	m.executor = provider.NewExecutor(m.registry, func(o *provider.ExecutorOptions) {
		o.Retry = opts.Retry
		o.DefaultTimeout = opts.ProviderTimeout
		o.Logger = componentLogger(opts.Logger, "provider")
		o.Metrics = opts.Metrics
		o.Events = sink
	})

	m.memory = memory.NewManager(func(o *memory.ManagerOptions) {
		o.ShortTerm = opts.ShortTerm
		o.LongTerm = opts.LongTerm
		o.Vector = opts.Vector
		o.Embedder = opts.Embedder
		o.Summarizer = agent.NewSummarizer(m.executor, 0)
		o.SummaryThreshold = opts.SummaryThreshold
		o.IOTimeout = opts.MemoryIOTimeout
		o.Logger = componentLogger(opts.Logger, "memory")
	})

	catalog, err := flow.BuiltinCatalog(opts.Stages)
	if err != nil {
		return nil, err
	}
	for _, g := range opts.Workflows {
		wf, err := flow.Compile(g, opts.Stages)
		if err != nil {
			return nil, err
		}
		if err := catalog.Add(wf); err != nil {
			return nil, err
		}
	}
	m.catalog = catalog
	if _, err := catalog.Get(opts.DefaultWorkflow); err != nil {
		return nil, fmt.Errorf("default workflow: %w", err)
	}

	m.engine = engine.New(m.executor, func(o *engine.Options) {
		o.Memory = m.memory
		o.Callbacks = opts.Callbacks
		if opts.BlockedResponse != "" {
			o.BlockedResponse = opts.BlockedResponse
		}
		o.MaxModelCalls = opts.MaxModelCalls
		o.MaxParallel = opts.MaxParallel
		o.Logger = componentLogger(opts.Logger, "engine")
		o.Metrics = opts.Metrics
		o.Events = sink
	})

	m.runner = runner.New(m.engine, m.catalog, func(o *runner.Options) {
		o.MaxConcurrentRuns = opts.Workers
		o.QueueSize = opts.QueueSize
		o.MaxWait = opts.MaxWait
		o.RunBudget = opts.RunBudget
		o.DefaultWorkflow = opts.DefaultWorkflow
		o.Threads = opts.Threads
		o.Runs = opts.Runs
		o.Turns = m.memory
		o.Logger = componentLogger(opts.Logger, "runner")
		o.Metrics = opts.Metrics
		o.Events = sink
	})

	if opts.JanitorSchedule != "" {
		purgers := collectPurgers(opts.ShortTerm, opts.LongTerm, opts.Vector)
		j, err := memory.NewJanitor(opts.JanitorSchedule, componentLogger(opts.Logger, "janitor"), purgers...)
		if err != nil {
			m.runner.Close()
			return nil, err
		}
		j.Start()
		m.janitor = j
	}

	return m, nil
}

// componentLogger tags a ConvoLogger with the component it is handed to.
// Other loggers are returned unchanged.
func componentLogger(l logging.Logger, component string) logging.Logger {
	if cl, ok := l.(*logging.ConvoLogger); ok {
		return cl.WithComponent(component)
	}
	return l
}

func collectPurgers(stores ...any) []memory.Purger {
	var out []memory.Purger
	seen := map[any]bool{}
	for _, s := range stores {
		p, ok := s.(memory.Purger)
		if !ok || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, p)
	}
	return out
}

func (m *ConvoMesh) onBreakerTransition(sink core.EventSink, key provider.Key, from, to provider.BreakerState, cooldown time.Duration) {
	providerID, _, _ := strings.Cut(string(key), "/")
	m.opts.Metrics.BreakerTransition(providerID, string(to))
	if l, ok := m.opts.Logger.(*logging.ConvoLogger); ok {
		l.LogBreakerTransition(string(key), string(from), string(to), cooldown)
	} else {
		m.opts.Logger.Warn("breaker transition", "provider", string(key), "from", string(from), "to", string(to), "cooldown", cooldown)
	}

	ev := core.NewEvent(context.Background(), core.EventBreakerTransition)
	ev.Provider = string(key)
	ev.Data = map[string]any{"from": string(from), "to": string(to), "cooldown_ms": cooldown.Milliseconds()}
	sink.Publish(ev)
}

// RegisterProvider adds a provider model to the registry.
func (m *ConvoMesh) RegisterProvider(d provider.Descriptor, mdl model.Model) error {
	return m.registry.Register(d, mdl)
}

// ReloadProviders replaces the provider set. Live breaker state is kept for
// keys present before and after.
func (m *ConvoMesh) ReloadProviders(descs []provider.Descriptor) error {
	return m.registry.Reload(descs, m.opts.ModelFactory)
}

// Providers returns the health of every registered provider.
func (m *ConvoMesh) Providers() []provider.Status { return m.registry.Snapshot() }

// Workflows lists the workflow variants that can be submitted.
func (m *ConvoMesh) Workflows() []string { return m.catalog.Names() }

// Workflow returns the compiled workflow called name.
func (m *ConvoMesh) Workflow(name string) (*flow.Workflow, error) { return m.catalog.Get(name) }

// CreateThread starts a conversation for tenantID. Tenant defaults are
// applied first so metadata may override them.
func (m *ConvoMesh) CreateThread(ctx context.Context, tenantID string, metadata map[string]any) (*core.Thread, error) {
	if tenantID == "" {
		return nil, core.NewError(core.CodeInvalidRequest, "tenant id is required", nil)
	}
	t := core.NewThread("", tenantID)
	if tenant, ok := m.opts.Tenants[tenantID]; ok && tenant.Language != "" {
		t.Metadata[core.ContextLanguage] = tenant.Language
	}
	maps.Copy(t.Metadata, metadata)
	if err := m.opts.Threads.CreateThread(ctx, t); err != nil {
		return nil, fmt.Errorf("create thread: %w", err)
	}
	return t, nil
}

// GetThread returns a thread.
func (m *ConvoMesh) GetThread(ctx context.Context, threadID string) (*core.Thread, error) {
	return m.opts.Threads.GetThread(ctx, threadID)
}

// Submit creates a run for a message on a thread. See runner.Runner.Submit.
func (m *ConvoMesh) Submit(ctx context.Context, req SubmitRequest) (*core.Run, error) {
	if req.Workflow == "" && len(m.opts.Tenants) > 0 {
		if t, err := m.opts.Threads.GetThread(ctx, req.ThreadID); err == nil {
			req.Workflow = m.opts.Tenants[t.TenantID].Workflow
		}
	}
	return m.runner.Submit(ctx, req)
}

// GetStatus returns the current run snapshot.
func (m *ConvoMesh) GetStatus(ctx context.Context, runID string) (*core.Run, error) {
	return m.runner.GetStatus(ctx, runID)
}

// Wait blocks until the run is terminal.
func (m *ConvoMesh) Wait(ctx context.Context, runID string) (*core.Run, error) {
	return m.runner.Wait(ctx, runID)
}

// Cancel stops a run. Terminal runs are left untouched.
func (m *ConvoMesh) Cancel(ctx context.Context, runID string) (*core.Run, error) {
	return m.runner.Cancel(ctx, runID)
}

// History returns the recent turns of a thread oldest first.
func (m *ConvoMesh) History(ctx context.Context, threadID string, limit int) ([]core.MemoryRecord, error) {
	return m.memory.GetRecentTurns(ctx, threadID, limit, core.Chronological)
}

// Events streams lifecycle, stage, cost and breaker events. Events are
// dropped rather than blocking the pipeline when nobody reads.
func (m *ConvoMesh) Events() <-chan core.Event { return m.events.Events() }

// MetricsHandler serves the Prometheus collectors, if configured.
func (m *ConvoMesh) MetricsHandler() http.Handler {
	if m.opts.Metrics == nil {
		return http.NotFoundHandler()
	}
	return m.opts.Metrics.Handler()
}

// Close stops the runner and the janitor, waits for pending summaries and
// releases owned resources.
func (m *ConvoMesh) Close(ctx context.Context) error {
	m.closeOnce.Do(func() {
		m.runner.Close()
		if m.janitor != nil {
			m.janitor.Stop()
		}
		m.memory.Wait()
		m.events.Close()

		var errs []error
		for i := len(m.opts.closers) - 1; i >= 0; i-- {
			if err := m.opts.closers[i](ctx); err != nil {
				errs = append(errs, err)
			}
		}
		m.closeErr = errors.Join(errs...)
	})
	return m.closeErr
}
