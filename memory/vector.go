package memory

import (
	"context"
	"math"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/hupe1980/convomesh/core"
)

// InMemoryVectorStore ranks documents by cosine similarity with a linear scan.
type InMemoryVectorStore struct {
	mu   sync.RWMutex
	docs map[string]map[string]core.MemoryDocument // tenantID -> id -> document
	now  func() time.Time
}

// NewInMemoryVectorStore creates an empty vector store. now may be nil.
func NewInMemoryVectorStore(now func() time.Time) *InMemoryVectorStore {
	if now == nil {
		now = time.Now
	}
	return &InMemoryVectorStore{docs: make(map[string]map[string]core.MemoryDocument), now: now}
}

// UpsertDocument implements core.VectorStore. Documents without an embedding are ignored.
func (s *InMemoryVectorStore) UpsertDocument(ctx context.Context, doc core.MemoryDocument) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(doc.Embedding) == 0 {
		return nil
	}
	doc = prepareDocument(doc, s.now())

	s.mu.Lock()
	defer s.mu.Unlock()

	tenant, ok := s.docs[doc.TenantID]
	if !ok {
		tenant = make(map[string]core.MemoryDocument)
		s.docs[doc.TenantID] = tenant
	}
	tenant[doc.ID] = doc
	return nil
}

// SearchSimilar implements core.VectorStore.
func (s *InMemoryVectorStore) SearchSimilar(ctx context.Context, tenantID string, embedding []float32, topK int) ([]core.MemoryDocument, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	now := s.now()

	s.mu.RLock()
	candidates := make([]core.MemoryDocument, 0, len(s.docs[tenantID]))
	for _, d := range s.docs[tenantID] {
		if d.Expired(now) {
			continue
		}
		d = cloneDocument(d)
		d.Score = cosineSimilarity(embedding, d.Embedding)
		candidates = append(candidates, d)
	}
	s.mu.RUnlock()

	return rankByScore(candidates, topK), nil
}

// Purge implements Purger.
func (s *InMemoryVectorStore) Purge(ctx context.Context) (int, error) {
	now := s.now()
	purged := 0

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, tenant := range s.docs {
		for id, d := range tenant {
			if d.Expired(now) {
				delete(tenant, id)
				purged++
			}
		}
	}
	return purged, ctx.Err()
}

// rankByScore orders by descending score (ties by ID) and keeps topK.
func rankByScore(docs []core.MemoryDocument, topK int) []core.MemoryDocument {
	sort.SliceStable(docs, func(i, j int) bool {
		if docs[i].Score != docs[j].Score {
			return docs[i].Score > docs[j].Score
		}
		return docs[i].ID < docs[j].ID
	})
	if topK > 0 && len(docs) > topK {
		docs = slices.Clip(docs[:topK])
	}
	return docs
}

// cosineSimilarity returns 0 for mismatched or zero vectors.
func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}

	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
