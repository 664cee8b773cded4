// Package deadletter keeps outbox rows that could not be published so an
// operator can inspect and replay them.
package deadletter

import (
	"context"
	"sync"
	"time"

	"github.com/md-rashed-zaman/outboxrelay/services/outbox-relay/internal/replication"
)

type Entry struct {
	Subscription string
	Position     replication.Position
	// MessageID is empty when the row id itself could not be read.
	MessageID string
	EventType string
	Reason    string
	Error     string
	Columns   map[string][]byte
	CreatedAt time.Time
}

type Store interface {
	Put(ctx context.Context, e Entry) error
}

type MemoryStore struct {
	mu      sync.Mutex
	entries []Entry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Put(_ context.Context, e Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	s.entries = append(s.entries, e)
	return nil
}

func (s *MemoryStore) Entries() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Entry(nil), s.entries...)
}
