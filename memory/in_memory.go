package memory

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/hupe1980/convomesh/core"
)

const (
	// DefaultWindow is the short-term window size per thread.
	DefaultWindow = 20
	// DefaultTTL is the rolling expiry refreshed on every append.
	DefaultTTL = time.Hour
)

// WindowOptions configure short-term stores.
type WindowOptions struct {
	// Window is the maximum number of turns kept per thread.
	Window int
	// TTL is the rolling expiry of a thread's window.
	TTL time.Duration
	// Now is the clock used for expiry.
	Now func() time.Time
}

func defaultWindowOptions() WindowOptions {
	return WindowOptions{Window: DefaultWindow, TTL: DefaultTTL, Now: time.Now}
}

func (o *WindowOptions) normalize() {
	if o.Window <= 0 {
		o.Window = DefaultWindow
	}
	if o.TTL <= 0 {
		o.TTL = DefaultTTL
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// threadLog is the window of one thread. Its mutex serializes appends so the
// sequence numbers follow append order.
type threadLog struct {
	mu        sync.Mutex
	records   []core.MemoryRecord
	nextSeq   int64
	expiresAt time.Time
	// removed is set when Purge drops the log from the thread map.
	removed bool
}

// InMemoryStore is a process-local memory store. It offers:
//  1. A bounded short-term window per thread with rolling expiry
//  2. Tenant scoped long-term documents with substring search
//
// Threads are partitioned: the store mutex only guards the thread map and
// each thread log carries its own lock. Suitable for tests, demos and single
// process deployments.
type InMemoryStore struct {
	opts WindowOptions

	mu      sync.RWMutex
	threads map[string]*threadLog

	docMu sync.RWMutex
	docs  map[string][]core.MemoryDocument // tenantID -> documents in insertion order
}

// NewInMemoryStore creates a new in-memory store.
func NewInMemoryStore(optFns ...func(o *WindowOptions)) *InMemoryStore {
	opts := defaultWindowOptions()
	for _, fn := range optFns {
		fn(&opts)
	}
	opts.normalize()

	return &InMemoryStore{
		opts:    opts,
		threads: make(map[string]*threadLog),
		docs:    make(map[string][]core.MemoryDocument),
	}
}

func (m *InMemoryStore) thread(threadID string, create bool) *threadLog {
	m.mu.RLock()
	tl, ok := m.threads[threadID]
	m.mu.RUnlock()
	if ok || !create {
		return tl
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if tl, ok = m.threads[threadID]; !ok {
		tl = &threadLog{}
		m.threads[threadID] = tl
	}
	return tl
}

// AppendTurn implements core.ShortTermStore.
func (m *InMemoryStore) AppendTurn(ctx context.Context, threadID string, role core.Role, content string) (core.MemoryRecord, error) {
	if err := ctx.Err(); err != nil {
		return core.MemoryRecord{}, err
	}

	var tl *threadLog
	for {
		tl = m.thread(threadID, true)
		tl.mu.Lock()
		if !tl.removed {
			break
		}
		tl.mu.Unlock()
	}
	defer tl.mu.Unlock()

	now := m.opts.Now()
	if !tl.expiresAt.IsZero() && !now.Before(tl.expiresAt) {
		tl.records = tl.records[:0]
	}

	tl.nextSeq++
	tl.expiresAt = now.Add(m.opts.TTL)
	rec := core.MemoryRecord{
		ThreadID:  threadID,
		Role:      role,
		Content:   content,
		Seq:       tl.nextSeq,
		CreatedAt: now,
		ExpiresAt: tl.expiresAt,
	}

	tl.records = append(tl.records, rec)
	if over := len(tl.records) - m.opts.Window; over > 0 {
		tl.records = slices.Delete(tl.records, 0, over)
	}
	for i := range tl.records {
		tl.records[i].ExpiresAt = tl.expiresAt
	}
	return rec, nil
}

// RecentTurns implements core.ShortTermStore. Missing or expired threads
// yield an empty slice.
func (m *InMemoryStore) RecentTurns(ctx context.Context, threadID string, limit int, order core.Order) ([]core.MemoryRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	tl := m.thread(threadID, false)
	if tl == nil {
		return []core.MemoryRecord{}, nil
	}

	tl.mu.Lock()
	defer tl.mu.Unlock()

	if !m.opts.Now().Before(tl.expiresAt) {
		return []core.MemoryRecord{}, nil
	}
	return selectRecent(tl.records, limit, order), nil
}

// selectRecent copies the newest limit records of a chronological slice.
func selectRecent(records []core.MemoryRecord, limit int, order core.Order) []core.MemoryRecord {
	start := 0
	if limit > 0 && len(records) > limit {
		start = len(records) - limit
	}
	out := slices.Clone(records[start:])
	if out == nil {
		out = []core.MemoryRecord{}
	}
	if order == core.NewestFirst {
		slices.Reverse(out)
	}
	return out
}

// IndexDocument implements core.LongTermStore.
func (m *InMemoryStore) IndexDocument(ctx context.Context, doc core.MemoryDocument) (core.MemoryDocument, error) {
	if err := ctx.Err(); err != nil {
		return core.MemoryDocument{}, err
	}
	doc = prepareDocument(doc, m.opts.Now())

	m.docMu.Lock()
	defer m.docMu.Unlock()

	docs := m.docs[doc.TenantID]
	if i := slices.IndexFunc(docs, func(d core.MemoryDocument) bool { return d.ID == doc.ID }); i >= 0 {
		docs[i] = doc
	} else {
		m.docs[doc.TenantID] = append(docs, doc)
	}
	return cloneDocument(doc), nil
}

// FindDocuments implements core.LongTermStore. Results are newest first.
func (m *InMemoryStore) FindDocuments(ctx context.Context, tenantID string, q core.DocumentQuery) ([]core.MemoryDocument, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	now := m.opts.Now()
	needle := strings.ToLower(q.Contains)

	m.docMu.RLock()
	defer m.docMu.RUnlock()

	docs := m.docs[tenantID]
	out := make([]core.MemoryDocument, 0)
	for i := len(docs) - 1; i >= 0; i-- {
		d := docs[i]
		if d.Expired(now) {
			continue
		}
		if q.SubjectID != "" && d.SubjectID != q.SubjectID {
			continue
		}
		if needle != "" && !strings.Contains(strings.ToLower(d.Content), needle) {
			continue
		}
		out = append(out, cloneDocument(d))
		if q.Limit > 0 && len(out) >= q.Limit {
			break
		}
	}
	return out, nil
}

// Purge implements Purger. It drops expired thread windows and documents.
func (m *InMemoryStore) Purge(ctx context.Context) (int, error) {
	now := m.opts.Now()
	purged := 0

	m.mu.Lock()
	for id, tl := range m.threads {
		tl.mu.Lock()
		if !tl.expiresAt.IsZero() && !now.Before(tl.expiresAt) {
			purged += len(tl.records)
			tl.removed = true
			delete(m.threads, id)
		}
		tl.mu.Unlock()
	}
	m.mu.Unlock()

	m.docMu.Lock()
	for tenant, docs := range m.docs {
		kept := slices.DeleteFunc(docs, func(d core.MemoryDocument) bool { return d.Expired(now) })
		purged += len(docs) - len(kept)
		m.docs[tenant] = kept
	}
	m.docMu.Unlock()

	return purged, ctx.Err()
}

// prepareDocument fills the ID and timestamp of a new document.
func prepareDocument(doc core.MemoryDocument, now time.Time) core.MemoryDocument {
	if doc.ID == "" {
		doc.ID = core.NewID()
	}
	if doc.Timestamp.IsZero() {
		doc.Timestamp = now
	}
	return cloneDocument(doc)
}

func cloneDocument(d core.MemoryDocument) core.MemoryDocument {
	d.Embedding = slices.Clone(d.Embedding)
	if d.ExpiresAt != nil {
		t := *d.ExpiresAt
		d.ExpiresAt = &t
	}
	if d.Metadata != nil {
		md := make(map[string]string, len(d.Metadata))
		for k, v := range d.Metadata {
			md[k] = v
		}
		d.Metadata = md
	}
	return d
}
