package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
	pgxvector "github.com/pgvector/pgvector-go/pgx"

	"github.com/hupe1980/convomesh/core"
	"github.com/hupe1980/convomesh/logging"
)

// PgVectorOptions configure a PgVectorStore.
type PgVectorOptions struct {
	// Dimensions of the embedding column, e.g. 1536 for text-embedding-3-small.
	Dimensions int
	// Migrate creates the extension, table and indexes when true.
	Migrate bool
	Logger  logging.Logger
	Now     func() time.Time
}

// pgQuerier is the subset of *pgxpool.Pool used by the store.
type pgQuerier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// PgVectorStore keeps long-term documents in Postgres and ranks them with
// the pgvector cosine distance operator.
type PgVectorStore struct {
	db    pgQuerier
	close func()
	opts  PgVectorOptions
}

// NewPgVectorStore connects a pool to dsn. pgvector types are registered on
// every new connection.
func NewPgVectorStore(ctx context.Context, dsn string, optFns ...func(o *PgVectorOptions)) (*PgVectorStore, error) {
	opts := PgVectorOptions{Dimensions: 1536, Migrate: true, Logger: logging.NoOpLogger{}, Now: time.Now}
	for _, fn := range optFns {
		fn(&opts)
	}

	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("memory: parse postgres dsn: %w", err)
	}
	poolCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		if err := pgxvector.RegisterTypes(ctx, conn); err != nil {
			// the extension may not exist until migrate runs
			opts.Logger.Debug("pgvector types not registered", "error", err)
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("memory: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("memory: ping postgres: %w", err)
	}

	s := &PgVectorStore{db: pool, close: pool.Close, opts: opts}
	if opts.Migrate {
		if err := s.migrate(ctx); err != nil {
			pool.Close()
			return nil, err
		}
		// connections opened before the extension existed lack the vector type
		pool.Reset()
	}
	return s, nil
}

// Close releases the pool.
func (s *PgVectorStore) Close() error {
	if s.close != nil {
		s.close()
	}
	return nil
}

func (s *PgVectorStore) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE EXTENSION IF NOT EXISTS vector`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS memory_documents (
			id         TEXT PRIMARY KEY,
			tenant_id  TEXT NOT NULL,
			subject_id TEXT NOT NULL DEFAULT '',
			content    TEXT NOT NULL,
			ts         TIMESTAMPTZ NOT NULL,
			embedding  vector(%d),
			expires_at TIMESTAMPTZ,
			metadata   JSONB
		)`, s.opts.Dimensions),
		`CREATE INDEX IF NOT EXISTS idx_memory_documents_tenant ON memory_documents (tenant_id, ts DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_memory_documents_embedding ON memory_documents USING hnsw (embedding vector_cosine_ops)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("memory: migrate pgvector: %w", err)
		}
	}
	return nil
}

// IndexDocument implements core.LongTermStore.
func (s *PgVectorStore) IndexDocument(ctx context.Context, doc core.MemoryDocument) (core.MemoryDocument, error) {
	doc = prepareDocument(doc, s.opts.Now())
	if err := s.upsert(ctx, doc); err != nil {
		return core.MemoryDocument{}, err
	}
	return doc, nil
}

// UpsertDocument implements core.VectorStore.
func (s *PgVectorStore) UpsertDocument(ctx context.Context, doc core.MemoryDocument) error {
	if len(doc.Embedding) == 0 {
		return nil
	}
	if len(doc.Embedding) != s.opts.Dimensions {
		return fmt.Errorf("memory: embedding has %d dimensions, want %d", len(doc.Embedding), s.opts.Dimensions)
	}
	return s.upsert(ctx, prepareDocument(doc, s.opts.Now()))
}

func (s *PgVectorStore) upsert(ctx context.Context, doc core.MemoryDocument) error {
	var embedding *pgvector.Vector
	if len(doc.Embedding) > 0 {
		v := pgvector.NewVector(doc.Embedding)
		embedding = &v
	}
	var metadata []byte
	if len(doc.Metadata) > 0 {
		b, err := json.Marshal(doc.Metadata)
		if err != nil {
			return fmt.Errorf("memory: marshal metadata: %w", err)
		}
		metadata = b
	}

	_, err := s.db.Exec(ctx, `
		INSERT INTO memory_documents (id, tenant_id, subject_id, content, ts, embedding, expires_at, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			content = EXCLUDED.content, ts = EXCLUDED.ts,
			embedding = COALESCE(EXCLUDED.embedding, memory_documents.embedding),
			expires_at = EXCLUDED.expires_at, metadata = EXCLUDED.metadata`,
		doc.ID, doc.TenantID, doc.SubjectID, doc.Content, doc.Timestamp, embedding, doc.ExpiresAt, metadata)
	if err != nil {
		return fmt.Errorf("memory: upsert document: %w", err)
	}
	return nil
}

// FindDocuments implements core.LongTermStore.
func (s *PgVectorStore) FindDocuments(ctx context.Context, tenantID string, q core.DocumentQuery) ([]core.MemoryDocument, error) {
	var (
		where = []string{"tenant_id = $1", "(expires_at IS NULL OR expires_at > $2)"}
		args  = []any{tenantID, s.opts.Now()}
	)
	if q.SubjectID != "" {
		args = append(args, q.SubjectID)
		where = append(where, fmt.Sprintf("subject_id = $%d", len(args)))
	}
	if q.Contains != "" {
		args = append(args, "%"+escapeLike(q.Contains)+"%")
		where = append(where, fmt.Sprintf("content ILIKE $%d", len(args)))
	}

	query := `SELECT id, tenant_id, subject_id, content, ts, embedding, expires_at, metadata, 0::float8
		FROM memory_documents WHERE ` + strings.Join(where, " AND ") + ` ORDER BY ts DESC, id`
	if q.Limit > 0 {
		args = append(args, q.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	return s.query(ctx, query, args...)
}

// SearchSimilar implements core.VectorStore.
func (s *PgVectorStore) SearchSimilar(ctx context.Context, tenantID string, embedding []float32, topK int) ([]core.MemoryDocument, error) {
	if len(embedding) == 0 {
		return []core.MemoryDocument{}, nil
	}
	if topK <= 0 {
		topK = 10
	}
	return s.query(ctx, `
		SELECT id, tenant_id, subject_id, content, ts, embedding, expires_at, metadata, 1 - (embedding <=> $2) AS score
		FROM memory_documents
		WHERE tenant_id = $1 AND embedding IS NOT NULL AND (expires_at IS NULL OR expires_at > $3)
		ORDER BY embedding <=> $2, id
		LIMIT $4`, tenantID, pgvector.NewVector(embedding), s.opts.Now(), topK)
}

func (s *PgVectorStore) query(ctx context.Context, query string, args ...any) ([]core.MemoryDocument, error) {
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("memory: query documents: %w", err)
	}
	defer rows.Close()

	out := make([]core.MemoryDocument, 0)
	for rows.Next() {
		var (
			d         core.MemoryDocument
			embedding *pgvector.Vector
			metadata  []byte
		)
		if err := rows.Scan(&d.ID, &d.TenantID, &d.SubjectID, &d.Content, &d.Timestamp, &embedding, &d.ExpiresAt, &metadata, &d.Score); err != nil {
			return nil, fmt.Errorf("memory: scan document: %w", err)
		}
		if embedding != nil {
			d.Embedding = embedding.Slice()
		}
		if len(metadata) > 0 {
			if err := json.Unmarshal(metadata, &d.Metadata); err != nil {
				return nil, fmt.Errorf("memory: decode metadata of %s: %w", d.ID, err)
			}
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("memory: iterate documents: %w", err)
	}
	return out, nil
}

// Purge implements Purger.
func (s *PgVectorStore) Purge(ctx context.Context) (int, error) {
	tag, err := s.db.Exec(ctx, `DELETE FROM memory_documents WHERE expires_at IS NOT NULL AND expires_at <= $1`, s.opts.Now())
	if err != nil {
		return 0, fmt.Errorf("memory: purge documents: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

var (
	_ core.LongTermStore = (*PgVectorStore)(nil)
	_ core.VectorStore   = (*PgVectorStore)(nil)
	_ Purger             = (*PgVectorStore)(nil)
)
