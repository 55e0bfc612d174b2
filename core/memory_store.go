package core

import (
	"context"
	"time"
)

// Role is the author of a short-term memory record.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Order selects how recent turns are returned.
type Order int

const (
	// Chronological returns oldest first.
	Chronological Order = iota
	// NewestFirst returns most recent first.
	NewestFirst
)

// MemoryRecord is one short-term turn. Seq increases monotonically per thread.
type MemoryRecord struct {
	ThreadID  string    `json:"thread_id"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Seq       int64     `json:"seq"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// MemoryDocument is a long-term memory entry. Score is filled by searches.
type MemoryDocument struct {
	ID        string            `json:"id"`
	TenantID  string            `json:"tenant_id"`
	SubjectID string            `json:"subject_id"`
	Content   string            `json:"content"`
	Timestamp time.Time         `json:"timestamp"`
	Embedding []float32         `json:"embedding,omitempty"`
	ExpiresAt *time.Time        `json:"expires_at,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Score     float64           `json:"score,omitempty"`
}

// Expired reports whether the document is past its expiry at now.
func (d MemoryDocument) Expired(now time.Time) bool {
	return d.ExpiresAt != nil && !now.Before(*d.ExpiresAt)
}

// DocumentQuery filters long-term documents by content.
type DocumentQuery struct {
	SubjectID string
	// Contains is a case-insensitive substring filter. Empty matches everything.
	Contains string
	Limit    int
}

// ShortTermStore is the bounded, fast per-thread window. Implementations
// serialize appends per thread and evict the oldest records beyond the window.
type ShortTermStore interface {
	AppendTurn(ctx context.Context, threadID string, role Role, content string) (MemoryRecord, error)
	RecentTurns(ctx context.Context, threadID string, limit int, order Order) ([]MemoryRecord, error)
}

// LongTermStore is the optional indexed document store.
type LongTermStore interface {
	IndexDocument(ctx context.Context, doc MemoryDocument) (MemoryDocument, error)
	FindDocuments(ctx context.Context, tenantID string, q DocumentQuery) ([]MemoryDocument, error)
}

// VectorStore is the optional similarity index. SearchSimilar returns at most
// topK documents by descending similarity.
type VectorStore interface {
	UpsertDocument(ctx context.Context, doc MemoryDocument) error
	SearchSimilar(ctx context.Context, tenantID string, embedding []float32, topK int) ([]MemoryDocument, error)
}
