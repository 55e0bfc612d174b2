package memory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/convomesh/core"
	"github.com/hupe1980/convomesh/internal/testutil"
)

func newSQLiteStore(t *testing.T, optFns ...func(o *WindowOptions)) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(context.Background(), filepath.Join(t.TempDir(), "memory.db"), optFns...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestSQLiteStore_WindowScenario(t *testing.T) {
	ctx := context.Background()
	store := newSQLiteStore(t, func(o *WindowOptions) { o.Window = 3 })

	for i := 1; i <= 5; i++ {
		rec, err := store.AppendTurn(ctx, "t1", core.RoleUser, fmt.Sprintf("m%d", i))
		require.NoError(t, err)
		assert.Equal(t, int64(i), rec.Seq)
	}

	turns, err := store.RecentTurns(ctx, "t1", 10, core.Chronological)
	require.NoError(t, err)
	assert.Equal(t, []string{"m3", "m4", "m5"}, contents(turns))

	newest, err := store.RecentTurns(ctx, "t1", 1, core.NewestFirst)
	require.NoError(t, err)
	assert.Equal(t, []string{"m5"}, contents(newest))

	empty, err := store.RecentTurns(ctx, "nobody", 10, core.Chronological)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestSQLiteStore_ExpiryAndPurge(t *testing.T) {
	ctx := context.Background()
	clock := testutil.NewClock()
	store := newSQLiteStore(t, func(o *WindowOptions) {
		o.TTL = time.Minute
		o.Now = clock.Now
	})

	_, err := store.AppendTurn(ctx, "t1", core.RoleUser, "hello")
	require.NoError(t, err)
	_, err = store.AppendTurn(ctx, "t1", core.RoleAssistant, "hi")
	require.NoError(t, err)

	clock.Advance(2 * time.Minute)
	turns, err := store.RecentTurns(ctx, "t1", 10, core.Chronological)
	require.NoError(t, err)
	assert.Empty(t, turns)

	n, err := store.Purge(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	rec, err := store.AppendTurn(ctx, "t1", core.RoleUser, "again")
	require.NoError(t, err)
	assert.Equal(t, int64(1), rec.Seq)
}

func TestSQLiteStore_Documents(t *testing.T) {
	ctx := context.Background()
	clock := testutil.NewClock()
	store := newSQLiteStore(t, func(o *WindowOptions) { o.Now = clock.Now })

	first, err := store.IndexDocument(ctx, core.MemoryDocument{
		TenantID: "acme", SubjectID: "t1", Content: "Customer prefers 50% discounts",
		Metadata: map[string]string{"kind": "summary"},
	})
	require.NoError(t, err)
	clock.Advance(time.Second)
	_, err = store.IndexDocument(ctx, core.MemoryDocument{TenantID: "acme", SubjectID: "t2", Content: "Budget is limited"})
	require.NoError(t, err)

	docs, err := store.FindDocuments(ctx, "acme", core.DocumentQuery{})
	require.NoError(t, err)
	require.Len(t, docs, 2)
	assert.Equal(t, "Budget is limited", docs[0].Content)

	docs, err = store.FindDocuments(ctx, "acme", core.DocumentQuery{Contains: "50%"})
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, first.ID, docs[0].ID)
	assert.Equal(t, map[string]string{"kind": "summary"}, docs[0].Metadata)

	docs, err = store.FindDocuments(ctx, "acme", core.DocumentQuery{Contains: "0_"})
	require.NoError(t, err)
	assert.Empty(t, docs, "LIKE wildcards are escaped")

	docs, err = store.FindDocuments(ctx, "acme", core.DocumentQuery{SubjectID: "t2", Limit: 1})
	require.NoError(t, err)
	require.Len(t, docs, 1)
}

func TestSQLiteStore_SearchSimilar(t *testing.T) {
	ctx := context.Background()
	store := newSQLiteStore(t)

	require.NoError(t, store.UpsertDocument(ctx, core.MemoryDocument{ID: "a", TenantID: "acme", Content: "a", Embedding: []float32{1, 0}}))
	require.NoError(t, store.UpsertDocument(ctx, core.MemoryDocument{ID: "b", TenantID: "acme", Content: "b", Embedding: []float32{0, 1}}))
	require.NoError(t, store.UpsertDocument(ctx, core.MemoryDocument{ID: "c", TenantID: "acme", Content: "c"}))

	docs, err := store.SearchSimilar(ctx, "acme", []float32{0.1, 1}, 5)
	require.NoError(t, err)
	require.Len(t, docs, 2)
	assert.Equal(t, "b", docs[0].ID)
	assert.Equal(t, []float32{0, 1}, docs[0].Embedding)
}

func TestNewSQLiteStore_OpenError(t *testing.T) {
	orig := openDB
	t.Cleanup(func() { openDB = orig })
	openDB = func(string, string) (*sql.DB, error) { return nil, errors.New("boom") }

	_, err := NewSQLiteStore(context.Background(), "ignored.db")
	assert.ErrorContains(t, err, "boom")
}

func TestEmbeddingRoundTrip(t *testing.T) {
	v := []float32{0.25, -1.5, 3}
	assert.Equal(t, v, decodeEmbedding(encodeEmbedding(v)))
	assert.Nil(t, encodeEmbedding(nil))
	assert.Nil(t, decodeEmbedding(nil))
}
