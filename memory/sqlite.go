package memory

import (
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"slices"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hupe1980/convomesh/core"
)

// openDB is a package-level var to allow test injection.
var openDB = sql.Open

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS memory_threads (
	thread_id  TEXT PRIMARY KEY,
	last_seq   INTEGER NOT NULL,
	expires_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS memory_turns (
	thread_id  TEXT NOT NULL,
	seq        INTEGER NOT NULL,
	role       TEXT NOT NULL,
	content    TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	PRIMARY KEY (thread_id, seq)
);
CREATE TABLE IF NOT EXISTS memory_documents (
	id         TEXT PRIMARY KEY,
	tenant_id  TEXT NOT NULL,
	subject_id TEXT NOT NULL DEFAULT '',
	content    TEXT NOT NULL,
	timestamp  INTEGER NOT NULL,
	embedding  BLOB,
	expires_at INTEGER,
	metadata   TEXT
);
CREATE INDEX IF NOT EXISTS idx_memory_documents_tenant ON memory_documents(tenant_id, timestamp);
`

// SQLiteStore persists short-term windows and long-term documents in a
// single SQLite database. Similarity search scans the tenant's embeddings
// and ranks them by cosine similarity in Go.
type SQLiteStore struct {
	db   *sql.DB
	opts WindowOptions
}

// NewSQLiteStore opens (or creates) the database at path.
func NewSQLiteStore(ctx context.Context, path string, optFns ...func(o *WindowOptions)) (*SQLiteStore, error) {
	opts := defaultWindowOptions()
	for _, fn := range optFns {
		fn(&opts)
	}
	opts.normalize()

	db, err := openDB("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("memory: open sqlite %s: %w", path, err)
	}
	// one writer at a time; SQLite would otherwise report SQLITE_BUSY under load
	db.SetMaxOpenConns(1)

	for _, stmt := range []string{"PRAGMA journal_mode=WAL", "PRAGMA busy_timeout=5000", sqliteSchema} {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("memory: init sqlite: %w", err)
		}
	}
	return &SQLiteStore{db: db, opts: opts}, nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error { return s.db.Close() }

// AppendTurn implements core.ShortTermStore. The transaction serializes
// appends to the same thread.
func (s *SQLiteStore) AppendTurn(ctx context.Context, threadID string, role core.Role, content string) (core.MemoryRecord, error) {
	now := s.opts.Now()
	expires := now.Add(s.opts.TTL)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return core.MemoryRecord{}, fmt.Errorf("memory: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var lastSeq, prevExpiry int64
	err = tx.QueryRowContext(ctx, `SELECT last_seq, expires_at FROM memory_threads WHERE thread_id = ?`, threadID).Scan(&lastSeq, &prevExpiry)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return core.MemoryRecord{}, fmt.Errorf("memory: load thread: %w", err)
	case prevExpiry <= now.UnixNano():
		if _, err := tx.ExecContext(ctx, `DELETE FROM memory_turns WHERE thread_id = ?`, threadID); err != nil {
			return core.MemoryRecord{}, fmt.Errorf("memory: reset expired thread: %w", err)
		}
	}

	seq := lastSeq + 1
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO memory_threads (thread_id, last_seq, expires_at) VALUES (?, ?, ?)
		ON CONFLICT(thread_id) DO UPDATE SET last_seq = excluded.last_seq, expires_at = excluded.expires_at`,
		threadID, seq, expires.UnixNano()); err != nil {
		return core.MemoryRecord{}, fmt.Errorf("memory: update thread: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO memory_turns (thread_id, seq, role, content, created_at) VALUES (?, ?, ?, ?, ?)`,
		threadID, seq, string(role), content, now.UnixNano()); err != nil {
		return core.MemoryRecord{}, fmt.Errorf("memory: insert turn: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM memory_turns WHERE thread_id = ? AND seq <= ?`, threadID, seq-int64(s.opts.Window)); err != nil {
		return core.MemoryRecord{}, fmt.Errorf("memory: evict turns: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return core.MemoryRecord{}, fmt.Errorf("memory: commit: %w", err)
	}
	return core.MemoryRecord{ThreadID: threadID, Role: role, Content: content, Seq: seq, CreatedAt: now, ExpiresAt: expires}, nil
}

// RecentTurns implements core.ShortTermStore.
func (s *SQLiteStore) RecentTurns(ctx context.Context, threadID string, limit int, order core.Order) ([]core.MemoryRecord, error) {
	if limit <= 0 {
		limit = s.opts.Window
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT t.seq, t.role, t.content, t.created_at, h.expires_at
		FROM memory_turns t JOIN memory_threads h ON h.thread_id = t.thread_id
		WHERE t.thread_id = ? AND h.expires_at > ?
		ORDER BY t.seq DESC LIMIT ?`, threadID, s.opts.Now().UnixNano(), limit)
	if err != nil {
		return nil, fmt.Errorf("memory: query turns: %w", err)
	}
	defer rows.Close()

	out := make([]core.MemoryRecord, 0, limit)
	for rows.Next() {
		var (
			rec              core.MemoryRecord
			role             string
			created, expires int64
		)
		if err := rows.Scan(&rec.Seq, &role, &rec.Content, &created, &expires); err != nil {
			return nil, fmt.Errorf("memory: scan turn: %w", err)
		}
		rec.ThreadID = threadID
		rec.Role = core.Role(role)
		rec.CreatedAt = time.Unix(0, created).UTC()
		rec.ExpiresAt = time.Unix(0, expires).UTC()
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if order == core.Chronological {
		slices.Reverse(out)
	}
	return out, nil
}

// IndexDocument implements core.LongTermStore.
func (s *SQLiteStore) IndexDocument(ctx context.Context, doc core.MemoryDocument) (core.MemoryDocument, error) {
	doc = prepareDocument(doc, s.opts.Now())
	if err := s.upsert(ctx, doc); err != nil {
		return core.MemoryDocument{}, err
	}
	return doc, nil
}

// UpsertDocument implements core.VectorStore.
func (s *SQLiteStore) UpsertDocument(ctx context.Context, doc core.MemoryDocument) error {
	if len(doc.Embedding) == 0 {
		return nil
	}
	return s.upsert(ctx, prepareDocument(doc, s.opts.Now()))
}

func (s *SQLiteStore) upsert(ctx context.Context, doc core.MemoryDocument) error {
	var metadata sql.NullString
	if len(doc.Metadata) > 0 {
		b, err := json.Marshal(doc.Metadata)
		if err != nil {
			return fmt.Errorf("memory: marshal metadata: %w", err)
		}
		metadata = sql.NullString{String: string(b), Valid: true}
	}
	var expires sql.NullInt64
	if doc.ExpiresAt != nil {
		expires = sql.NullInt64{Int64: doc.ExpiresAt.UnixNano(), Valid: true}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO memory_documents (id, tenant_id, subject_id, content, timestamp, embedding, expires_at, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		doc.ID, doc.TenantID, doc.SubjectID, doc.Content, doc.Timestamp.UnixNano(),
		encodeEmbedding(doc.Embedding), expires, metadata)
	if err != nil {
		return fmt.Errorf("memory: upsert document: %w", err)
	}
	return nil
}

// FindDocuments implements core.LongTermStore. Results are newest first.
func (s *SQLiteStore) FindDocuments(ctx context.Context, tenantID string, q core.DocumentQuery) ([]core.MemoryDocument, error) {
	query := `SELECT id, tenant_id, subject_id, content, timestamp, embedding, expires_at, metadata
		FROM memory_documents WHERE tenant_id = ? AND (expires_at IS NULL OR expires_at > ?)`
	args := []any{tenantID, s.opts.Now().UnixNano()}

	if q.SubjectID != "" {
		query += " AND subject_id = ?"
		args = append(args, q.SubjectID)
	}
	if q.Contains != "" {
		query += ` AND lower(content) LIKE ? ESCAPE '\'`
		args = append(args, "%"+escapeLike(strings.ToLower(q.Contains))+"%")
	}
	query += " ORDER BY timestamp DESC, id"
	if q.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, q.Limit)
	}

	return s.queryDocuments(ctx, query, args...)
}

// SearchSimilar implements core.VectorStore.
func (s *SQLiteStore) SearchSimilar(ctx context.Context, tenantID string, embedding []float32, topK int) ([]core.MemoryDocument, error) {
	docs, err := s.queryDocuments(ctx, `SELECT id, tenant_id, subject_id, content, timestamp, embedding, expires_at, metadata
		FROM memory_documents WHERE tenant_id = ? AND embedding IS NOT NULL AND (expires_at IS NULL OR expires_at > ?)`,
		tenantID, s.opts.Now().UnixNano())
	if err != nil {
		return nil, err
	}
	for i := range docs {
		docs[i].Score = cosineSimilarity(embedding, docs[i].Embedding)
	}
	return rankByScore(docs, topK), nil
}

func (s *SQLiteStore) queryDocuments(ctx context.Context, query string, args ...any) ([]core.MemoryDocument, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("memory: query documents: %w", err)
	}
	defer rows.Close()

	out := make([]core.MemoryDocument, 0)
	for rows.Next() {
		var (
			d         core.MemoryDocument
			ts        int64
			embedding []byte
			expires   sql.NullInt64
			metadata  sql.NullString
		)
		if err := rows.Scan(&d.ID, &d.TenantID, &d.SubjectID, &d.Content, &ts, &embedding, &expires, &metadata); err != nil {
			return nil, fmt.Errorf("memory: scan document: %w", err)
		}
		d.Timestamp = time.Unix(0, ts).UTC()
		d.Embedding = decodeEmbedding(embedding)
		if expires.Valid {
			t := time.Unix(0, expires.Int64).UTC()
			d.ExpiresAt = &t
		}
		if metadata.Valid {
			if err := json.Unmarshal([]byte(metadata.String), &d.Metadata); err != nil {
				return nil, fmt.Errorf("memory: decode metadata of %s: %w", d.ID, err)
			}
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// Purge implements Purger.
func (s *SQLiteStore) Purge(ctx context.Context) (int, error) {
	now := s.opts.Now().UnixNano()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("memory: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	turns, err := tx.ExecContext(ctx,
		`DELETE FROM memory_turns WHERE thread_id IN (SELECT thread_id FROM memory_threads WHERE expires_at <= ?)`, now)
	if err != nil {
		return 0, fmt.Errorf("memory: purge turns: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM memory_threads WHERE expires_at <= ?`, now); err != nil {
		return 0, fmt.Errorf("memory: purge threads: %w", err)
	}
	docs, err := tx.ExecContext(ctx, `DELETE FROM memory_documents WHERE expires_at IS NOT NULL AND expires_at <= ?`, now)
	if err != nil {
		return 0, fmt.Errorf("memory: purge documents: %w", err)
	}

	nTurns, _ := turns.RowsAffected()
	nDocs, _ := docs.RowsAffected()
	purged := nTurns + nDocs

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("memory: commit purge: %w", err)
	}
	return int(purged), nil
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}

// encodeEmbedding stores float32 values little endian.
func encodeEmbedding(v []float32) []byte {
	if len(v) == 0 {
		return nil
	}
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

func decodeEmbedding(b []byte) []float32 {
	if len(b) < 4 {
		return nil
	}
	out := make([]float32, len(b)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return out
}

var (
	_ core.ShortTermStore = (*SQLiteStore)(nil)
	_ core.LongTermStore  = (*SQLiteStore)(nil)
	_ core.VectorStore    = (*SQLiteStore)(nil)
	_ Purger              = (*SQLiteStore)(nil)
)
