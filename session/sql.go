package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/hupe1980/convomesh/core"
)

// dialect captures the few places SQLite and Postgres disagree.
type dialect struct {
	name      string
	numbered  bool   // $1 placeholders instead of ?
	forUpdate string // row lock suffix for read-modify-write
}

var (
	sqliteDialect   = dialect{name: "sqlite"}
	postgresDialect = dialect{name: "postgres", numbered: true, forUpdate: " FOR UPDATE"}
)

// rebind rewrites ? placeholders for dialects that number them.
func (d dialect) rebind(query string) string {
	if !d.numbered {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// sqlStore implements the thread and run stores over database/sql.
// Timestamps are stored as unix nanoseconds so both dialects share one codec.
type sqlStore struct {
	db      *sql.DB
	dialect dialect
}

const threadColumns = `id, tenant_id, created_at, metadata`

const runColumns = `id, thread_id, tenant_id, workflow, input, status, created_at, started_at, finished_at, result, error`

// CreateThread stores a new thread.
func (s *sqlStore) CreateThread(ctx context.Context, t *core.Thread) error {
	meta, err := json.Marshal(t.Metadata)
	if err != nil {
		return fmt.Errorf("session: encode thread metadata: %w", err)
	}
	_, err = s.db.ExecContext(ctx, s.dialect.rebind(`INSERT INTO threads (`+threadColumns+`) VALUES (?, ?, ?, ?)`),
		t.ID, t.TenantID, t.CreatedAt.UnixNano(), string(meta))
	if err != nil {
		return fmt.Errorf("session: create thread: %w", err)
	}
	return nil
}

// GetThread loads a thread.
func (s *sqlStore) GetThread(ctx context.Context, id string) (*core.Thread, error) {
	row := s.db.QueryRowContext(ctx, s.dialect.rebind(`SELECT `+threadColumns+` FROM threads WHERE id = ?`), id)
	t, err := scanThread(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, threadNotFound(id)
	}
	if err != nil {
		return nil, fmt.Errorf("session: get thread: %w", err)
	}
	return t, nil
}

// MergeThreadMetadata merges delta inside a transaction.
func (s *sqlStore) MergeThreadMetadata(ctx context.Context, id string, delta map[string]any) (*core.Thread, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("session: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, s.dialect.rebind(`SELECT `+threadColumns+` FROM threads WHERE id = ?`+s.dialect.forUpdate), id)
	t, err := scanThread(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, threadNotFound(id)
	}
	if err != nil {
		return nil, fmt.Errorf("session: load thread: %w", err)
	}

	t.MergeMetadata(delta)
	meta, err := json.Marshal(t.Metadata)
	if err != nil {
		return nil, fmt.Errorf("session: encode thread metadata: %w", err)
	}
	if _, err := tx.ExecContext(ctx, s.dialect.rebind(`UPDATE threads SET metadata = ? WHERE id = ?`), string(meta), id); err != nil {
		return nil, fmt.Errorf("session: update thread: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("session: commit: %w", err)
	}
	return t, nil
}

// CreateRun stores a new run.
func (s *sqlStore) CreateRun(ctx context.Context, r *core.Run) error {
	args, err := runArgs(r)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, s.dialect.rebind(`INSERT INTO runs (`+runColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`), args...)
	if err != nil {
		return fmt.Errorf("session: create run: %w", err)
	}
	return nil
}

// GetRun loads a run.
func (s *sqlStore) GetRun(ctx context.Context, id string) (*core.Run, error) {
	row := s.db.QueryRowContext(ctx, s.dialect.rebind(`SELECT `+runColumns+` FROM runs WHERE id = ?`), id)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, runNotFound(id)
	}
	if err != nil {
		return nil, fmt.Errorf("session: get run: %w", err)
	}
	return r, nil
}

// UpdateRun overwrites the mutable columns of a run.
func (s *sqlStore) UpdateRun(ctx context.Context, r *core.Run) error {
	result, errJSON, err := encodeOutcome(r)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, s.dialect.rebind(`
		UPDATE runs
		SET status = ?, started_at = ?, finished_at = ?, result = ?, error = ?
		WHERE id = ?`),
		string(r.Status), nullTime(r.StartedAt), nullTime(r.FinishedAt), result, errJSON, r.ID)
	if err != nil {
		return fmt.Errorf("session: update run: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return runNotFound(r.ID)
	}
	return nil
}

// ListRuns returns a thread's runs oldest first.
func (s *sqlStore) ListRuns(ctx context.Context, threadID string) ([]*core.Run, error) {
	rows, err := s.db.QueryContext(ctx, s.dialect.rebind(`SELECT `+runColumns+` FROM runs WHERE thread_id = ? ORDER BY created_at, id`), threadID)
	if err != nil {
		return nil, fmt.Errorf("session: list runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*core.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("session: scan run: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("session: list runs: %w", err)
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanThread(row scanner) (*core.Thread, error) {
	var (
		t       core.Thread
		created int64
		meta    sql.NullString
	)
	if err := row.Scan(&t.ID, &t.TenantID, &created, &meta); err != nil {
		return nil, err
	}
	t.CreatedAt = time.Unix(0, created).UTC()
	t.Metadata = map[string]any{}
	if meta.Valid && meta.String != "" {
		if err := json.Unmarshal([]byte(meta.String), &t.Metadata); err != nil {
			return nil, fmt.Errorf("decode thread metadata: %w", err)
		}
	}
	return &t, nil
}

func scanRun(row scanner) (*core.Run, error) {
	var (
		r                 core.Run
		status            string
		created           int64
		started, finished sql.NullInt64
		result, errJSON   sql.NullString
	)
	if err := row.Scan(&r.ID, &r.ThreadID, &r.TenantID, &r.Workflow, &r.Input, &status,
		&created, &started, &finished, &result, &errJSON); err != nil {
		return nil, err
	}
	r.Status = core.RunStatus(status)
	r.CreatedAt = time.Unix(0, created).UTC()
	r.StartedAt = fromNullTime(started)
	r.FinishedAt = fromNullTime(finished)
	if result.Valid && result.String != "" {
		r.Result = &core.RunResult{}
		if err := json.Unmarshal([]byte(result.String), r.Result); err != nil {
			return nil, fmt.Errorf("decode run result: %w", err)
		}
	}
	if errJSON.Valid && errJSON.String != "" {
		r.Error = &core.ErrorDetail{}
		if err := json.Unmarshal([]byte(errJSON.String), r.Error); err != nil {
			return nil, fmt.Errorf("decode run error: %w", err)
		}
	}
	return &r, nil
}

func runArgs(r *core.Run) ([]any, error) {
	result, errJSON, err := encodeOutcome(r)
	if err != nil {
		return nil, err
	}
	return []any{
		r.ID, r.ThreadID, r.TenantID, r.Workflow, r.Input, string(r.Status),
		r.CreatedAt.UnixNano(), nullTime(r.StartedAt), nullTime(r.FinishedAt), result, errJSON,
	}, nil
}

func encodeOutcome(r *core.Run) (result, errJSON sql.NullString, err error) {
	if r.Result != nil {
		b, err := json.Marshal(r.Result)
		if err != nil {
			return result, errJSON, fmt.Errorf("session: encode run result: %w", err)
		}
		result = sql.NullString{String: string(b), Valid: true}
	}
	if r.Error != nil {
		b, err := json.Marshal(r.Error)
		if err != nil {
			return result, errJSON, fmt.Errorf("session: encode run error: %w", err)
		}
		errJSON = sql.NullString{String: string(b), Valid: true}
	}
	return result, errJSON, nil
}

func nullTime(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}

func fromNullTime(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.Unix(0, v.Int64).UTC()
	return &t
}

var (
	_ core.ThreadStore = (*SQLiteStore)(nil)
	_ core.RunStore    = (*SQLiteStore)(nil)
	_ core.ThreadStore = (*PostgresStore)(nil)
	_ core.RunStore    = (*PostgresStore)(nil)
)
