// Package checkpoint stores how far each subscription has durably published.
package checkpoint

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/md-rashed-zaman/outboxrelay/services/outbox-relay/internal/replication"
)

// Checkpoint names the last record whose transaction, and everything before
// it, has been acknowledged by the bus.
type Checkpoint struct {
	Subscription string
	Position     replication.Position
	MessageID    uuid.UUID
	EventID      uuid.UUID
	UpdatedAt    time.Time
}

// Repository persists checkpoints. Save never moves a checkpoint backwards.
type Repository interface {
	Load(ctx context.Context, subscription string) (Checkpoint, bool, error)
	Save(ctx context.Context, cp Checkpoint) error
}

type MemoryRepository struct {
	mu    sync.Mutex
	items map[string]Checkpoint
	saves int
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{items: make(map[string]Checkpoint)}
}

func (r *MemoryRepository) Load(_ context.Context, subscription string) (Checkpoint, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp, ok := r.items[subscription]
	return cp, ok, nil
}

func (r *MemoryRepository) Save(_ context.Context, cp Checkpoint) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.saves++
	if cur, ok := r.items[cp.Subscription]; ok && cur.Position > cp.Position {
		return nil
	}
	if cp.UpdatedAt.IsZero() {
		cp.UpdatedAt = time.Now().UTC()
	}
	r.items[cp.Subscription] = cp
	return nil
}

func (r *MemoryRepository) Reset(_ context.Context, subscription string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.items, subscription)
	return nil
}

// Saves counts Save calls, including ones that did not move the checkpoint.
func (r *MemoryRepository) Saves() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.saves
}
