package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/convomesh/core"
)

func TestCosineSimilarity(t *testing.T) {
	assert.InDelta(t, 1.0, cosineSimilarity([]float32{1, 2}, []float32{2, 4}), 1e-9)
	assert.InDelta(t, 0.0, cosineSimilarity([]float32{1, 0}, []float32{0, 1}), 1e-9)
	assert.Zero(t, cosineSimilarity([]float32{1}, []float32{1, 2}))
	assert.Zero(t, cosineSimilarity([]float32{0, 0}, []float32{1, 1}))
}

func TestInMemoryVectorStore_RanksByDescendingSimilarity(t *testing.T) {
	ctx := context.Background()
	store := NewInMemoryVectorStore(nil)

	require.NoError(t, store.UpsertDocument(ctx, core.MemoryDocument{ID: "a", TenantID: "acme", Embedding: []float32{1, 0, 0}}))
	require.NoError(t, store.UpsertDocument(ctx, core.MemoryDocument{ID: "b", TenantID: "acme", Embedding: []float32{0.7, 0.7, 0}}))
	require.NoError(t, store.UpsertDocument(ctx, core.MemoryDocument{ID: "c", TenantID: "acme", Embedding: []float32{0, 0, 1}}))
	require.NoError(t, store.UpsertDocument(ctx, core.MemoryDocument{ID: "x", TenantID: "other", Embedding: []float32{1, 0, 0}}))
	require.NoError(t, store.UpsertDocument(ctx, core.MemoryDocument{ID: "no-vector", TenantID: "acme"}))

	docs, err := store.SearchSimilar(ctx, "acme", []float32{1, 0.1, 0}, 2)
	require.NoError(t, err)
	require.Len(t, docs, 2)
	assert.Equal(t, "a", docs[0].ID)
	assert.Equal(t, "b", docs[1].ID)
	assert.Greater(t, docs[0].Score, docs[1].Score)

	none, err := store.SearchSimilar(ctx, "nobody", []float32{1, 0, 0}, 5)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestNoOpStores(t *testing.T) {
	ctx := context.Background()

	doc, err := NoOpLongTermStore{}.IndexDocument(ctx, core.MemoryDocument{Content: "x"})
	require.NoError(t, err)
	assert.Equal(t, "x", doc.Content)

	docs, err := NoOpLongTermStore{}.FindDocuments(ctx, "t", core.DocumentQuery{})
	require.NoError(t, err)
	assert.Empty(t, docs)

	assert.NoError(t, NoOpVectorStore{}.UpsertDocument(ctx, doc))
	similar, err := NoOpVectorStore{}.SearchSimilar(ctx, "t", []float32{1}, 3)
	require.NoError(t, err)
	assert.Empty(t, similar)
}
