package outbox

import (
	"context"
	"sync"

	"github.com/mindcare/realtime-core/internal/domain"
)

// MemoryStore implements Store in memory. It backs tests and ephemeral runs
// where durability across restarts is not needed.
type MemoryStore struct {
	mu     sync.Mutex
	events []*domain.PendingRewardEvent
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Append persists a new event.
func (m *MemoryStore) Append(_ context.Context, ev *domain.PendingRewardEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	clone := cloneEvent(ev)
	m.events = append(m.events, clone)
	return nil
}

// Update persists the current attempts/status of an existing event.
func (m *MemoryStore) Update(_ context.Context, ev *domain.PendingRewardEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, existing := range m.events {
		if existing.IdempotencyKey == ev.IdempotencyKey {
			m.events[i] = cloneEvent(ev)
			return nil
		}
	}
	return nil
}

// Delete removes an event.
func (m *MemoryStore) Delete(_ context.Context, idempotencyKey string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, existing := range m.events {
		if existing.IdempotencyKey == idempotencyKey {
			m.events = append(m.events[:i], m.events[i+1:]...)
			return nil
		}
	}
	return nil
}

// List returns all events for a user in enqueue order.
func (m *MemoryStore) List(_ context.Context, userID string) ([]*domain.PendingRewardEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var events []*domain.PendingRewardEvent
	for _, ev := range m.events {
		if ev.UserID == userID {
			events = append(events, cloneEvent(ev))
		}
	}
	return events, nil
}

// Clear removes all events for a user.
func (m *MemoryStore) Clear(_ context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.events[:0]
	for _, ev := range m.events {
		if ev.UserID != userID {
			kept = append(kept, ev)
		}
	}
	m.events = kept
	return nil
}

// Close is a no-op for the in-memory store.
func (m *MemoryStore) Close() error { return nil }

func cloneEvent(ev *domain.PendingRewardEvent) *domain.PendingRewardEvent {
	clone := *ev
	if ev.Metadata != nil {
		clone.Metadata = make(map[string]any, len(ev.Metadata))
		for k, v := range ev.Metadata {
			clone.Metadata[k] = v
		}
	}
	return &clone
}
