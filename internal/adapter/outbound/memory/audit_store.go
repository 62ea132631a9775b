package memory

import (
	"context"
	"sync"

	"github.com/apathy-ca/sark-sub006/internal/domain/audit"
)

// AuditStore is an in-memory append-only audit store, deduplicating on
// event id. Used in tests and as a bounded fallback when no durable store
// is configured.
type AuditStore struct {
	mu     sync.RWMutex
	events []audit.Event
	seen   map[string]struct{}
}

var _ audit.Store = (*AuditStore)(nil)

// NewAuditStore creates an empty store.
func NewAuditStore() *AuditStore {
	return &AuditStore{seen: make(map[string]struct{})}
}

// Append writes a batch of events, skipping ids already stored.
func (s *AuditStore) Append(ctx context.Context, events ...audit.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ev := range events {
		if _, dup := s.seen[ev.ID]; dup {
			continue
		}
		s.seen[ev.ID] = struct{}{}
		s.events = append(s.events, ev)
	}
	return nil
}

// Events returns a copy of all stored events in append order.
func (s *AuditStore) Events() []audit.Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]audit.Event, len(s.events))
	copy(out, s.events)
	return out
}

// Len returns the number of stored events.
func (s *AuditStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.events)
}
