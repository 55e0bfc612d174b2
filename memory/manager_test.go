package memory

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/convomesh/core"
	"github.com/hupe1980/convomesh/model"
)

type failingShortTerm struct{}

func (failingShortTerm) AppendTurn(context.Context, string, core.Role, string) (core.MemoryRecord, error) {
	return core.MemoryRecord{}, errors.New("connection refused")
}

func (failingShortTerm) RecentTurns(context.Context, string, int, core.Order) ([]core.MemoryRecord, error) {
	return nil, errors.New("connection refused")
}

type failingLongTerm struct{ NoOpLongTermStore }

func (failingLongTerm) FindDocuments(context.Context, string, core.DocumentQuery) ([]core.MemoryDocument, error) {
	return nil, errors.New("index offline")
}

func TestManager_DefaultsToInMemoryAndNoOp(t *testing.T) {
	ctx := context.Background()
	m := NewManager()

	_, err := m.AppendTurn(ctx, "t1", core.RoleUser, "hello")
	require.NoError(t, err)

	turns, err := m.GetRecentTurns(ctx, "t1", 10, core.Chronological)
	require.NoError(t, err)
	assert.Equal(t, []string{"hello"}, contents(turns))

	doc, err := m.IndexDocument(ctx, "acme", core.MemoryDocument{Content: "x"})
	require.NoError(t, err)
	assert.Equal(t, "acme", doc.TenantID)

	similar, err := m.SearchSimilar(ctx, "acme", []float32{1}, 3)
	require.NoError(t, err)
	assert.Empty(t, similar)
}

func TestManager_ShortTermFailureIsMemoryUnavailable(t *testing.T) {
	ctx := context.Background()
	m := NewManager(func(o *ManagerOptions) { o.ShortTerm = failingShortTerm{} })

	_, err := m.AppendTurn(ctx, "t1", core.RoleUser, "hello")
	assert.ErrorIs(t, err, core.ErrMemoryUnavailable)

	snap, err := m.Snapshot(ctx, "acme", "t1", "hello")
	assert.ErrorIs(t, err, core.ErrMemoryUnavailable)
	assert.True(t, snap.Degraded)
	assert.NotNil(t, snap.Turns)
	assert.Empty(t, snap.Turns)
}

func TestManager_SnapshotMergesTiers(t *testing.T) {
	ctx := context.Background()
	store := NewInMemoryStore()
	m := NewManager(func(o *ManagerOptions) {
		o.ShortTerm = store
		o.LongTerm = store
		o.Vector = NewInMemoryVectorStore(nil)
		o.Embedder = model.MockEmbedder{}
		o.SnapshotDocuments = 2
	})

	for _, msg := range []string{"hi", "looking for shoes"} {
		_, err := m.AppendTurn(ctx, "t1", core.RoleUser, msg)
		require.NoError(t, err)
	}
	summary, err := m.IndexDocument(ctx, "acme", core.MemoryDocument{SubjectID: "t1", Content: "earlier: asked about sizes"})
	require.NoError(t, err)
	assert.NotEmpty(t, summary.Embedding, "embedder fills the vector")
	_, err = m.IndexDocument(ctx, "acme", core.MemoryDocument{SubjectID: "t9", Content: "running shoes catalogue"})
	require.NoError(t, err)

	snap, err := m.Snapshot(ctx, "acme", "t1", "running shoes")
	require.NoError(t, err)
	assert.False(t, snap.Degraded)
	assert.Equal(t, []string{"hi", "looking for shoes"}, contents(snap.Turns))
	require.Len(t, snap.Documents, 2)
	assert.Equal(t, summary.ID, snap.Documents[0].ID, "thread summaries come first")
	assert.Equal(t, "running shoes catalogue", snap.Documents[1].Content)
	assert.Nil(t, snap.Documents[0].Embedding)
}

func TestManager_LongTermFailureIsSwallowedOnRead(t *testing.T) {
	m := NewManager(func(o *ManagerOptions) { o.LongTerm = failingLongTerm{} })
	_, err := m.AppendTurn(context.Background(), "t1", core.RoleUser, "hello")
	require.NoError(t, err)

	snap, err := m.Snapshot(context.Background(), "acme", "t1", "hello")
	require.NoError(t, err)
	assert.Empty(t, snap.Documents)
	assert.Len(t, snap.Turns, 1)
}

func TestManager_SummaryPromotion(t *testing.T) {
	store := NewInMemoryStore()
	var calls atomic.Int32
	m := NewManager(func(o *ManagerOptions) {
		o.ShortTerm = store
		o.LongTerm = store
		o.SummaryThreshold = 3
		o.Summarizer = SummarizerFunc(func(_ context.Context, turns []core.MemoryRecord) (string, error) {
			calls.Add(1)
			return fmt.Sprintf("summary of %d turns: %s", len(turns), strings.Join(contents(turns), ",")), nil
		})
	})

	ctx := core.WithScope(context.Background(), core.Scope{TenantID: "acme"})
	for i := 1; i <= 7; i++ {
		_, err := m.AppendTurn(ctx, "t1", core.RoleUser, fmt.Sprintf("m%d", i))
		require.NoError(t, err)
		m.Wait()
	}

	assert.Equal(t, int32(2), calls.Load())

	docs, err := store.FindDocuments(context.Background(), "acme", core.DocumentQuery{SubjectID: "t1"})
	require.NoError(t, err)
	require.Len(t, docs, 2)
	assert.Equal(t, "summary of 6 turns: m1,m2,m3,m4,m5,m6", docs[0].Content)
	assert.Equal(t, "summary", docs[0].Metadata["kind"])
	assert.Equal(t, "6", docs[0].Metadata["through_seq"])
}
