// Package outbox provides the durable, ordered queue of pending reward
// events: enqueue with a deterministic idempotency key, FIFO flush to the
// backend with bounded retries, and persistence that survives restarts.
package outbox

import (
	"context"

	"github.com/mindcare/realtime-core/internal/domain"
)

// Store persists the reward queue. The store is the source of truth: the
// in-memory queue is rebuilt from it at startup, never the reverse. The
// outbox is the only writer.
type Store interface {
	// Append persists a new event.
	Append(ctx context.Context, ev *domain.PendingRewardEvent) error

	// Update persists the current attempts/status of an existing event,
	// identified by its idempotency key.
	Update(ctx context.Context, ev *domain.PendingRewardEvent) error

	// Delete removes an event after the backend confirmed acceptance.
	Delete(ctx context.Context, idempotencyKey string) error

	// List returns all events for a user in enqueue order.
	List(ctx context.Context, userID string) ([]*domain.PendingRewardEvent, error)

	// Clear removes all events for a user regardless of status.
	Clear(ctx context.Context, userID string) error

	// Close releases store resources.
	Close() error
}
