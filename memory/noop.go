package memory

import (
	"context"

	"github.com/hupe1980/convomesh/core"
)

// Purger removes expired records and documents. Stores implementing it can
// be scheduled on a Janitor.
type Purger interface {
	Purge(ctx context.Context) (int, error)
}

// NoOpLongTermStore stands in for an unconfigured long-term backend.
// Indexing succeeds without storing anything and searches find nothing.
type NoOpLongTermStore struct{}

// IndexDocument implements core.LongTermStore.
func (NoOpLongTermStore) IndexDocument(_ context.Context, doc core.MemoryDocument) (core.MemoryDocument, error) {
	return doc, nil
}

// FindDocuments implements core.LongTermStore.
func (NoOpLongTermStore) FindDocuments(context.Context, string, core.DocumentQuery) ([]core.MemoryDocument, error) {
	return []core.MemoryDocument{}, nil
}

// NoOpVectorStore stands in for an unconfigured vector backend.
type NoOpVectorStore struct{}

// UpsertDocument implements core.VectorStore.
func (NoOpVectorStore) UpsertDocument(context.Context, core.MemoryDocument) error { return nil }

// SearchSimilar implements core.VectorStore.
func (NoOpVectorStore) SearchSimilar(context.Context, string, []float32, int) ([]core.MemoryDocument, error) {
	return []core.MemoryDocument{}, nil
}

var (
	_ core.ShortTermStore = (*InMemoryStore)(nil)
	_ core.LongTermStore  = (*InMemoryStore)(nil)
	_ Purger              = (*InMemoryStore)(nil)
	_ core.VectorStore    = (*InMemoryVectorStore)(nil)
	_ Purger              = (*InMemoryVectorStore)(nil)
	_ core.LongTermStore  = NoOpLongTermStore{}
	_ core.VectorStore    = NoOpVectorStore{}
)
