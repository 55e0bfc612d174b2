package memory

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"

	"github.com/hupe1980/convomesh/core"
	"github.com/hupe1980/convomesh/logging"
)

// QdrantOptions configure a QdrantStore.
type QdrantOptions struct {
	Host       string
	Port       int
	APIKey     string
	UseTLS     bool
	Collection string
	Dimensions uint64
	Logger     logging.Logger
	Now        func() time.Time
}

// QdrantStore is a vector store backed by a Qdrant collection. Tenant
// isolation is a payload filter applied to every query.
type QdrantStore struct {
	client *qdrant.Client
	opts   QdrantOptions
}

// NewQdrantStore connects to Qdrant over gRPC.
func NewQdrantStore(optFns ...func(o *QdrantOptions)) (*QdrantStore, error) {
	opts := QdrantOptions{
		Host:       "localhost",
		Port:       6334,
		Collection: "convomesh_memory",
		Dimensions: 1536,
		Logger:     logging.NoOpLogger{},
		Now:        time.Now,
	}
	for _, fn := range optFns {
		fn(&opts)
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   opts.Host,
		Port:   opts.Port,
		APIKey: opts.APIKey,
		UseTLS: opts.UseTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("memory: connect to qdrant at %s:%d: %w", opts.Host, opts.Port, err)
	}
	return &QdrantStore{client: client, opts: opts}, nil
}

// Close closes the gRPC connection.
func (q *QdrantStore) Close() error { return q.client.Close() }

// EnsureCollection creates the collection and the tenant payload index.
func (q *QdrantStore) EnsureCollection(ctx context.Context) error {
	exists, err := q.client.CollectionExists(ctx, q.opts.Collection)
	if err != nil {
		return fmt.Errorf("memory: check collection exists: %w", err)
	}
	if !exists {
		if err := q.client.CreateCollection(ctx, &qdrant.CreateCollection{
			CollectionName: q.opts.Collection,
			VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
				Size:     q.opts.Dimensions,
				Distance: qdrant.Distance_Cosine,
			}),
		}); err != nil {
			return fmt.Errorf("memory: create collection %q: %w", q.opts.Collection, err)
		}
	}

	keywordType := qdrant.FieldType_FieldTypeKeyword
	if _, err := q.client.CreateFieldIndex(ctx, &qdrant.CreateFieldIndexCollection{
		CollectionName: q.opts.Collection,
		FieldName:      "tenant_id",
		FieldType:      &keywordType,
	}); err != nil {
		return fmt.Errorf("memory: ensure tenant index: %w", err)
	}

	q.opts.Logger.Info("qdrant collection ready", "collection", q.opts.Collection)
	return nil
}

// UpsertDocument implements core.VectorStore.
func (q *QdrantStore) UpsertDocument(ctx context.Context, doc core.MemoryDocument) error {
	if len(doc.Embedding) == 0 {
		return nil
	}
	doc = prepareDocument(doc, q.opts.Now())

	_, err := q.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: q.opts.Collection,
		Wait:           qdrant.PtrOf(true),
		Points:         []*qdrant.PointStruct{toPoint(doc)},
	})
	if err != nil {
		return fmt.Errorf("memory: qdrant upsert %s: %w", doc.ID, err)
	}
	return nil
}

// SearchSimilar implements core.VectorStore.
func (q *QdrantStore) SearchSimilar(ctx context.Context, tenantID string, embedding []float32, topK int) ([]core.MemoryDocument, error) {
	if len(embedding) == 0 {
		return []core.MemoryDocument{}, nil
	}
	if topK <= 0 {
		topK = 10
	}
	limit := uint64(topK)

	scored, err := q.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: q.opts.Collection,
		Query:          qdrant.NewQueryDense(embedding),
		Filter:         tenantFilter(tenantID, q.opts.Now()),
		Limit:          &limit,
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, fmt.Errorf("memory: qdrant query: %w", err)
	}

	out := make([]core.MemoryDocument, 0, len(scored))
	for _, sp := range scored {
		doc := fromPayload(sp.GetPayload())
		doc.Score = float64(sp.GetScore())
		out = append(out, doc)
	}
	return out, nil
}

// Purge implements Purger.
func (q *QdrantStore) Purge(ctx context.Context) (int, error) {
	filter := &qdrant.Filter{Must: []*qdrant.Condition{
		qdrant.NewRange("expires_unix", &qdrant.Range{Lte: qdrant.PtrOf(float64(q.opts.Now().Unix()))}),
	}}

	n, err := q.client.Count(ctx, &qdrant.CountPoints{CollectionName: q.opts.Collection, Filter: filter, Exact: qdrant.PtrOf(true)})
	if err != nil {
		return 0, fmt.Errorf("memory: qdrant count expired: %w", err)
	}
	if n == 0 {
		return 0, nil
	}

	_, err = q.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: q.opts.Collection,
		Wait:           qdrant.PtrOf(true),
		Points: &qdrant.PointsSelector{
			PointsSelectorOneOf: &qdrant.PointsSelector_Filter{Filter: filter},
		},
	})
	if err != nil {
		return 0, fmt.Errorf("memory: qdrant purge: %w", err)
	}
	return int(n), nil
}

// tenantFilter restricts to the tenant and excludes expired points. Points
// without an expiry never match the range and are kept.
func tenantFilter(tenantID string, now time.Time) *qdrant.Filter {
	return &qdrant.Filter{
		Must:    []*qdrant.Condition{qdrant.NewMatch("tenant_id", tenantID)},
		MustNot: []*qdrant.Condition{
			qdrant.NewRange("expires_unix", &qdrant.Range{Lte: qdrant.PtrOf(float64(now.Unix()))}),
		},
	}
}

// pointID maps a document ID onto the UUID space Qdrant accepts.
func pointID(docID string) string {
	if id, err := uuid.Parse(docID); err == nil {
		return id.String()
	}
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(docID)).String()
}

func toPoint(doc core.MemoryDocument) *qdrant.PointStruct {
	payload := map[string]any{
		"doc_id":         doc.ID,
		"tenant_id":      doc.TenantID,
		"subject_id":     doc.SubjectID,
		"content":        doc.Content,
		"timestamp_unix": doc.Timestamp.UnixNano(),
	}
	if doc.ExpiresAt != nil {
		payload["expires_unix"] = doc.ExpiresAt.Unix()
	}
	if len(doc.Metadata) > 0 {
		md := make(map[string]any, len(doc.Metadata))
		for k, v := range doc.Metadata {
			md[k] = v
		}
		payload["metadata"] = md
	}

	return &qdrant.PointStruct{
		Id:      qdrant.NewID(pointID(doc.ID)),
		Vectors: qdrant.NewVectorsDense(doc.Embedding),
		Payload: qdrant.NewValueMap(payload),
	}
}

func fromPayload(p map[string]*qdrant.Value) core.MemoryDocument {
	doc := core.MemoryDocument{
		ID:        p["doc_id"].GetStringValue(),
		TenantID:  p["tenant_id"].GetStringValue(),
		SubjectID: p["subject_id"].GetStringValue(),
		Content:   p["content"].GetStringValue(),
		Timestamp: time.Unix(0, p["timestamp_unix"].GetIntegerValue()).UTC(),
	}
	if v, ok := p["expires_unix"]; ok {
		t := time.Unix(v.GetIntegerValue(), 0).UTC()
		doc.ExpiresAt = &t
	}
	if fields := p["metadata"].GetStructValue().GetFields(); len(fields) > 0 {
		doc.Metadata = make(map[string]string, len(fields))
		for k, v := range fields {
			doc.Metadata[k] = v.GetStringValue()
		}
	}
	return doc
}

var (
	_ core.VectorStore = (*QdrantStore)(nil)
	_ Purger           = (*QdrantStore)(nil)
)
