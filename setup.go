package convomesh

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/hupe1980/convomesh/config"
	"github.com/hupe1980/convomesh/core"
	"github.com/hupe1980/convomesh/logging"
	"github.com/hupe1980/convomesh/memory"
	"github.com/hupe1980/convomesh/metrics"
	"github.com/hupe1980/convomesh/model/compat"
	"github.com/hupe1980/convomesh/provider"
	"github.com/hupe1980/convomesh/session"
	"github.com/hupe1980/convomesh/telemetry"
)

// NewFromConfig wires every backend named by cfg and returns a ready
// ConvoMesh. Resources opened here are released by Close. optFns run last and
// may override anything derived from cfg.
func NewFromConfig(ctx context.Context, cfg *config.Config, optFns ...func(o *Options)) (*ConvoMesh, error) {
	b := &builder{cfg: cfg}
	opts, err := b.options(ctx)
	if err != nil {
		b.release(ctx)
		return nil, err
	}

	for _, fn := range optFns {
		fn(&opts)
	}
	m, err := newConvoMesh(opts)
	if err != nil {
		b.release(ctx)
		return nil, err
	}
	return m, nil
}

// builder collects closers while backends are opened so a failure halfway
// releases what was already opened.
type builder struct {
	cfg     *config.Config
	closers []func(ctx context.Context) error
}

func (b *builder) closeWith(fn func() error) {
	b.closers = append(b.closers, func(context.Context) error { return fn() })
}

func (b *builder) release(ctx context.Context) {
	for i := len(b.closers) - 1; i >= 0; i-- {
		_ = b.closers[i](ctx)
	}
}

func (b *builder) options(ctx context.Context) (Options, error) {
	cfg := b.cfg

	logger := logging.NewLogger(&logging.LoggerConfig{
		Level:     logging.ParseLevel(cfg.Log.Level),
		Format:    cfg.Log.Format,
		Output:    os.Stderr,
		Component: "convomesh",
	})

	shutdown, err := telemetry.Init(ctx, cfg.Telemetry)
	if err != nil {
		return Options{}, err
	}
	b.closers = append(b.closers, shutdown)

	opts := DefaultOptions()
	opts.Providers = cfg.Providers
	opts.ModelFactory = NewModelFactory(ctx)
	opts.Breaker = cfg.Breaker
	opts.Retry = cfg.Retry
	opts.SummaryThreshold = cfg.Memory.SummaryThreshold
	opts.MemoryIOTimeout = cfg.Memory.IOTimeout
	opts.JanitorSchedule = cfg.Memory.Janitor
	opts.MaxModelCalls = cfg.Engine.MaxModelCalls
	opts.MaxParallel = cfg.Engine.MaxParallel
	opts.BlockedResponse = cfg.Engine.BlockedResponse
	opts.Workers = cfg.Runner.Workers
	opts.QueueSize = cfg.Runner.QueueSize
	opts.MaxWait = cfg.Runner.MaxWait
	opts.RunBudget = cfg.Runner.RunBudget
	opts.DefaultWorkflow = cfg.Runner.DefaultWorkflow
	opts.Workflows = cfg.Workflows
	opts.Logger = logger
	opts.Metrics = metrics.New(prometheus.NewRegistry())
	if opts.Tenants == nil && len(cfg.Tenants) > 0 {
		opts.Tenants = make(map[string]Tenant, len(cfg.Tenants))
		for id, t := range cfg.Tenants {
			opts.Tenants[id] = Tenant{Language: t.Language, Workflow: t.Workflow}
		}
	}

	if err := b.memory(ctx, &opts, logger); err != nil {
		return Options{}, err
	}
	if err := b.sessions(ctx, &opts); err != nil {
		return Options{}, err
	}
	opts.closers = b.closers
	return opts, nil
}

func (b *builder) memory(ctx context.Context, opts *Options, logger logging.Logger) error {
	mc := b.cfg.Memory
	window := func(o *memory.WindowOptions) {
		o.Window = mc.Window
		o.TTL = mc.TTL
	}

	var sqlite *memory.SQLiteStore
	switch mc.Backend {
	case "sqlite":
		s, err := memory.NewSQLiteStore(ctx, mc.Path, window)
		if err != nil {
			return err
		}
		b.closeWith(s.Close)
		sqlite = s
		opts.ShortTerm, opts.LongTerm = s, s
	default:
		s := memory.NewInMemoryStore(window)
		opts.ShortTerm, opts.LongTerm = s, s
	}

	switch mc.Vector.Backend {
	case "memory":
		opts.Vector = memory.NewInMemoryVectorStore(time.Now)
	case "sqlite":
		opts.Vector = sqlite
	case "pgvector":
		s, err := memory.NewPgVectorStore(ctx, mc.Vector.DSN, func(o *memory.PgVectorOptions) {
			o.Dimensions = mc.Vector.Dimensions
			o.Migrate = true
			o.Logger = logger
		})
		if err != nil {
			return err
		}
		b.closeWith(s.Close)
		opts.Vector = s
	case "qdrant":
		q := mc.Vector.Qdrant
		s, err := memory.NewQdrantStore(func(o *memory.QdrantOptions) {
			o.Host, o.Port, o.APIKey, o.UseTLS = q.Host, q.Port, q.APIKey, q.UseTLS
			o.Collection = q.Collection
			if mc.Vector.Dimensions > 0 {
				o.Dimensions = uint64(mc.Vector.Dimensions)
			}
			o.Logger = logger
		})
		if err != nil {
			return err
		}
		b.closeWith(s.Close)
		if err := s.EnsureCollection(ctx); err != nil {
			return err
		}
		opts.Vector = s
	}

	if opts.Vector != nil && mc.Embedding.Model != "" {
		key := os.Getenv(mc.Embedding.APIKeyEnv)
		if mc.Embedding.APIKeyEnv == "" {
			key = os.Getenv("OPENAI_API_KEY")
		}
		e, err := compat.NewEmbedder(key, mc.Embedding.BaseURL, mc.Embedding.Model)
		if err != nil {
			return fmt.Errorf("embedder: %w", err)
		}
		opts.Embedder = e
	}
	return nil
}

func (b *builder) sessions(ctx context.Context, opts *Options) error {
	sc := b.cfg.Sessions
	var store interface {
		core.ThreadStore
		core.RunStore
	}
	switch sc.Backend {
	case "sqlite":
		s, err := session.NewSQLiteStore(ctx, sc.DSN)
		if err != nil {
			return err
		}
		b.closeWith(s.Close)
		store = s
	case "postgres":
		s, err := session.NewPostgresStore(ctx, sc.DSN, nil)
		if err != nil {
			return err
		}
		b.closeWith(s.Close)
		if err := s.Migrate(ctx); err != nil {
			return err
		}
		store = s
	default:
		store = session.NewInMemoryStore()
	}
	opts.Threads, opts.Runs = store, store
	return nil
}

// ProviderSummary is a printable view of a descriptor.
func ProviderSummary(d provider.Descriptor) string {
	return fmt.Sprintf("%s priority=%d stage_types=%v languages=%v", d.Key(), d.Priority, d.StageTypes, d.Languages)
}
