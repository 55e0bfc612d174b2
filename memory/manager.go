package memory

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/hupe1980/convomesh/core"
	"github.com/hupe1980/convomesh/logging"
	"github.com/hupe1980/convomesh/model"
)

// Summarizer condenses a thread window into a long-term summary.
type Summarizer interface {
	Summarize(ctx context.Context, turns []core.MemoryRecord) (string, error)
}

// SummarizerFunc adapts a function to Summarizer.
type SummarizerFunc func(ctx context.Context, turns []core.MemoryRecord) (string, error)

// Summarize implements Summarizer.
func (f SummarizerFunc) Summarize(ctx context.Context, turns []core.MemoryRecord) (string, error) {
	return f(ctx, turns)
}

// ManagerOptions configure a Manager.
type ManagerOptions struct {
	ShortTerm core.ShortTermStore
	LongTerm  core.LongTermStore
	Vector    core.VectorStore
	// Embedder turns documents and queries into vectors. Without it the
	// vector store is bypassed.
	Embedder model.Embedder
	// Summarizer enables promotion of the short-term window into long-term
	// summaries every SummaryThreshold turns.
	Summarizer       Summarizer
	SummaryThreshold int
	// IOTimeout bounds every store call.
	IOTimeout time.Duration
	// SnapshotTurns and SnapshotDocuments bound the context handed to stages.
	SnapshotTurns     int
	SnapshotDocuments int
	Logger            logging.Logger
}

// Manager combines the memory tiers behind one contract. Short-term failures
// are returned as memory_unavailable errors; long-term failures are logged
// and swallowed on read paths.
type Manager struct {
	opts      ManagerOptions
	summaries singleflight.Group
	wg        sync.WaitGroup
}

// NewManager creates a manager. Unset tiers default to an in-memory short-term
// store and no-op long-term and vector stores.
func NewManager(optFns ...func(o *ManagerOptions)) *Manager {
	opts := ManagerOptions{
		SummaryThreshold:  15,
		IOTimeout:         2 * time.Second,
		SnapshotTurns:     DefaultWindow,
		SnapshotDocuments: 5,
		Logger:            logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.ShortTerm == nil {
		opts.ShortTerm = NewInMemoryStore()
	}
	if opts.LongTerm == nil {
		opts.LongTerm = NoOpLongTermStore{}
	}
	if opts.Vector == nil {
		opts.Vector = NoOpVectorStore{}
	}
	return &Manager{opts: opts}
}

func (m *Manager) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if m.opts.IOTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, m.opts.IOTimeout)
}

func unavailable(op string, err error) error {
	return core.NewError(core.CodeMemoryUnavailable, fmt.Sprintf("%s failed", op), err)
}

// AppendTurn appends to the thread's short-term window. Reaching a multiple
// of the summary threshold schedules a background summary for the tenant in
// the context scope.
func (m *Manager) AppendTurn(ctx context.Context, threadID string, role core.Role, content string) (core.MemoryRecord, error) {
	callCtx, cancel := m.withTimeout(ctx)
	defer cancel()

	rec, err := m.opts.ShortTerm.AppendTurn(callCtx, threadID, role, content)
	if err != nil {
		return core.MemoryRecord{}, unavailable("append turn", err)
	}

	if m.opts.Summarizer != nil && m.opts.SummaryThreshold > 0 && rec.Seq%int64(m.opts.SummaryThreshold) == 0 {
		m.scheduleSummary(ctx, core.ScopeFrom(ctx).TenantID, threadID)
	}
	return rec, nil
}

// GetRecentTurns returns at most limit turns; an unknown thread yields an empty slice.
func (m *Manager) GetRecentTurns(ctx context.Context, threadID string, limit int, order core.Order) ([]core.MemoryRecord, error) {
	callCtx, cancel := m.withTimeout(ctx)
	defer cancel()

	turns, err := m.opts.ShortTerm.RecentTurns(callCtx, threadID, limit, order)
	if err != nil {
		return nil, unavailable("read turns", err)
	}
	return turns, nil
}

// IndexDocument stores doc in the long-term tier and, when an embedder is
// configured, in the vector tier. Unconfigured backends succeed without storing.
func (m *Manager) IndexDocument(ctx context.Context, tenantID string, doc core.MemoryDocument) (core.MemoryDocument, error) {
	doc.TenantID = tenantID

	callCtx, cancel := m.withTimeout(ctx)
	defer cancel()

	if m.opts.Embedder != nil && len(doc.Embedding) == 0 {
		vectors, err := m.opts.Embedder.Embed(callCtx, []string{doc.Content})
		if err != nil {
			m.opts.Logger.Warn("embedding document failed", "tenant_id", tenantID, "error", err)
		} else if len(vectors) == 1 {
			doc.Embedding = vectors[0]
		}
	}

	stored, err := m.opts.LongTerm.IndexDocument(callCtx, doc)
	if err != nil {
		return core.MemoryDocument{}, fmt.Errorf("memory: index document: %w", err)
	}
	if len(stored.Embedding) > 0 {
		if err := m.opts.Vector.UpsertDocument(callCtx, stored); err != nil {
			return stored, fmt.Errorf("memory: upsert vector: %w", err)
		}
	}
	return stored, nil
}

// SearchSimilar returns at most topK documents by descending similarity.
func (m *Manager) SearchSimilar(ctx context.Context, tenantID string, embedding []float32, topK int) ([]core.MemoryDocument, error) {
	callCtx, cancel := m.withTimeout(ctx)
	defer cancel()

	docs, err := m.opts.Vector.SearchSimilar(callCtx, tenantID, embedding, topK)
	if err != nil {
		return nil, fmt.Errorf("memory: search similar: %w", err)
	}
	return docs, nil
}

// Snapshot assembles the context for one run: recent turns in chronological
// order plus the thread's summaries and documents similar to query. A
// short-term failure marks the snapshot degraded and is returned alongside it.
func (m *Manager) Snapshot(ctx context.Context, tenantID, threadID, query string) (core.MemorySnapshot, error) {
	snap := core.MemorySnapshot{Turns: []core.MemoryRecord{}, Documents: []core.MemoryDocument{}}

	turns, err := m.GetRecentTurns(ctx, threadID, m.opts.SnapshotTurns, core.Chronological)
	if err != nil {
		snap.Degraded = true
	} else {
		snap.Turns = turns
	}

	snap.Documents = m.longTermContext(ctx, tenantID, threadID, query)
	return snap, err
}

func (m *Manager) longTermContext(ctx context.Context, tenantID, threadID, query string) []core.MemoryDocument {
	limit := m.opts.SnapshotDocuments
	seen := map[string]bool{}
	docs := make([]core.MemoryDocument, 0, limit)

	add := func(found []core.MemoryDocument) {
		for _, d := range found {
			if len(docs) >= limit || seen[d.ID] {
				continue
			}
			seen[d.ID] = true
			d.Embedding = nil
			docs = append(docs, d)
		}
	}

	callCtx, cancel := m.withTimeout(ctx)
	defer cancel()

	summaries, err := m.opts.LongTerm.FindDocuments(callCtx, tenantID, core.DocumentQuery{SubjectID: threadID, Limit: limit})
	if err != nil {
		m.opts.Logger.Warn("long-term lookup failed", "tenant_id", tenantID, "thread_id", threadID, "error", err)
	}
	add(summaries)

	if query == "" || m.opts.Embedder == nil || len(docs) >= limit {
		return docs
	}
	vectors, err := m.opts.Embedder.Embed(callCtx, []string{query})
	if err != nil || len(vectors) != 1 {
		m.opts.Logger.Warn("embedding query failed", "tenant_id", tenantID, "error", err)
		return docs
	}
	similar, err := m.opts.Vector.SearchSimilar(callCtx, tenantID, vectors[0], limit)
	if err != nil {
		m.opts.Logger.Warn("similarity search failed", "tenant_id", tenantID, "error", err)
		return docs
	}
	add(similar)
	return docs
}

// scheduleSummary runs at most one summary per thread at a time. The work is
// detached from the caller so request cancellation does not abort it.
func (m *Manager) scheduleSummary(ctx context.Context, tenantID, threadID string) {
	bg := context.WithoutCancel(ctx)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		_, _, _ = m.summaries.Do(threadID, func() (any, error) {
			err := m.summarize(bg, tenantID, threadID)
			if err != nil {
				m.opts.Logger.Warn("summary promotion failed", "tenant_id", tenantID, "thread_id", threadID, "error", err)
			}
			return nil, err
		})
	}()
}

func (m *Manager) summarize(ctx context.Context, tenantID, threadID string) error {
	turns, err := m.GetRecentTurns(ctx, threadID, 0, core.Chronological)
	if err != nil {
		return err
	}
	if len(turns) == 0 {
		return nil
	}

	text, err := m.opts.Summarizer.Summarize(ctx, turns)
	if err != nil {
		return fmt.Errorf("summarize: %w", err)
	}
	if text == "" {
		return nil
	}

	last := turns[len(turns)-1].Seq
	_, err = m.IndexDocument(ctx, tenantID, core.MemoryDocument{
		SubjectID: threadID,
		Content:   text,
		Metadata: map[string]string{
			"kind":        "summary",
			"through_seq": strconv.FormatInt(last, 10),
		},
	})
	if err == nil {
		m.opts.Logger.Debug("summary promoted", "tenant_id", tenantID, "thread_id", threadID, "through_seq", last)
	}
	return err
}

// Wait blocks until scheduled summaries have finished.
func (m *Manager) Wait() { m.wg.Wait() }
