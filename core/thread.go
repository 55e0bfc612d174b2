package core

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// NewID returns a new random identifier.
func NewID() string { return uuid.NewString() }

// Thread is a durable conversation identity spanning multiple runs. Only the
// metadata map changes after creation and only through MergeMetadata.
type Thread struct {
	ID        string         `json:"id"`
	TenantID  string         `json:"tenant_id"`
	CreatedAt time.Time      `json:"created_at"`
	Metadata  map[string]any `json:"metadata"`
}

// NewThread creates a thread for tenantID. An empty id is replaced by a fresh one.
func NewThread(id, tenantID string) *Thread {
	if id == "" {
		id = NewID()
	}
	return &Thread{ID: id, TenantID: tenantID, CreatedAt: time.Now().UTC(), Metadata: map[string]any{}}
}

// MergeMetadata copies delta into the metadata map. Existing keys are overwritten.
func (t *Thread) MergeMetadata(delta map[string]any) {
	if t.Metadata == nil {
		t.Metadata = make(map[string]any, len(delta))
	}
	for k, v := range delta {
		t.Metadata[k] = v
	}
}

// Clone returns a copy safe for independent mutation.
func (t *Thread) Clone() *Thread {
	c := *t
	c.Metadata = make(map[string]any, len(t.Metadata))
	for k, v := range t.Metadata {
		c.Metadata[k] = v
	}
	return &c
}

// ThreadStore persists threads.
type ThreadStore interface {
	CreateThread(ctx context.Context, t *Thread) error
	GetThread(ctx context.Context, id string) (*Thread, error)
	MergeThreadMetadata(ctx context.Context, id string, delta map[string]any) (*Thread, error)
}
