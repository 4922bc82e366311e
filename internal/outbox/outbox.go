package outbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/mindcare/realtime-core/internal/domain"
	"github.com/mindcare/realtime-core/internal/rewards"
)

// Submitter delivers one reward event to the backend. rewards.Client is the
// production implementation.
type Submitter interface {
	Submit(ctx context.Context, ev *domain.PendingRewardEvent) (rewards.Result, error)
}

// FlushResult summarizes one flush pass.
type FlushResult struct {
	// Attempted is the number of delivery attempts made.
	Attempted int
	// Synced is the number of events the backend accepted.
	Synced int
	// Failed is the number of events marked failed during this pass.
	Failed int
	// Remaining is the number of events still queued afterwards.
	Remaining int
}

// Outbox is the durable reward queue. Delivery is at-least-once: an event is
// persisted before any network call and removed only after the backend
// confirms acceptance; the backend dedups on the idempotency key for an
// exactly-once user-visible effect.
type Outbox struct {
	store       Store
	client      Submitter
	userID      string
	maxAttempts int
	flights     singleflight.Group

	mu    sync.Mutex
	queue []*domain.PendingRewardEvent
}

// New creates an outbox and rebuilds its in-memory queue from the store.
// The store is the source of truth after a restart.
func New(ctx context.Context, store Store, client Submitter, userID string, maxAttempts int) (*Outbox, error) {
	if maxAttempts <= 0 {
		maxAttempts = 5
	}

	queue, err := store.List(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("rebuild outbox from store: %w", err)
	}

	// A crash mid-flush can leave events in syncing; they were never
	// confirmed, so they go back to pending (at-least-once).
	for _, ev := range queue {
		if ev.Status == domain.RewardSyncing {
			ev.Status = domain.RewardPending
			if err := store.Update(ctx, ev); err != nil {
				slog.Warn("Failed to reset in-flight reward event", "idempotency_key", ev.IdempotencyKey, "error", err)
			}
		}
	}

	if len(queue) > 0 {
		slog.Info("Reward outbox restored", "user_id", userID, "pending_events", len(queue))
	}

	return &Outbox{
		store:       store,
		client:      client,
		userID:      userID,
		maxAttempts: maxAttempts,
		queue:       queue,
	}, nil
}

// Enqueue appends a reward event with a deterministic idempotency key and
// persists it before returning. Re-enqueueing the same logical event within
// the key's time bucket is a no-op.
func (o *Outbox) Enqueue(activityType, entityID string, metadata map[string]any) error {
	now := time.Now()
	key := domain.IdempotencyKey(activityType, entityID, now)

	o.mu.Lock()
	defer o.mu.Unlock()

	for _, existing := range o.queue {
		if existing.IdempotencyKey == key {
			slog.Debug("Duplicate reward enqueue ignored", "activity_type", activityType, "idempotency_key", key)
			return nil
		}
	}

	ev := &domain.PendingRewardEvent{
		ActivityType:   activityType,
		Metadata:       metadata,
		EnqueuedAt:     now,
		IdempotencyKey: key,
		Status:         domain.RewardPending,
		UserID:         o.userID,
	}

	// Persist before the event becomes visible to flush.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := o.store.Append(ctx, ev); err != nil {
		return fmt.Errorf("persist reward event: %w", err)
	}

	o.queue = append(o.queue, ev)
	slog.Info("Reward event enqueued",
		"activity_type", activityType,
		"idempotency_key", key,
		"queued", len(o.queue))
	return nil
}

// Pending returns a snapshot of the queue in enqueue order.
func (o *Outbox) Pending() []domain.PendingRewardEvent {
	o.mu.Lock()
	defer o.mu.Unlock()
	snapshot := make([]domain.PendingRewardEvent, 0, len(o.queue))
	for _, ev := range o.queue {
		snapshot = append(snapshot, *ev)
	}
	return snapshot
}

// Flush delivers queued events in enqueue order, one at a time. A re-entrant
// call while a flush is in progress joins the in-progress flush and returns
// its result. Events that exhaust the attempt budget or are rejected by the
// backend are marked failed, retained, and skipped by later flushes.
func (o *Outbox) Flush(ctx context.Context) (FlushResult, error) {
	v, err, _ := o.flights.Do("flush", func() (any, error) {
		return o.flushOnce(ctx), nil
	})
	if err != nil {
		return FlushResult{}, err
	}
	return v.(FlushResult), nil
}

func (o *Outbox) flushOnce(ctx context.Context) FlushResult {
	var result FlushResult

	for _, ev := range o.candidates() {
		if ctx.Err() != nil {
			break
		}

		o.markSyncing(ctx, ev)
		result.Attempted++

		res, err := o.client.Submit(ctx, ev)
		switch {
		case err == nil && res.Accepted:
			o.confirm(ctx, ev, res.ServerID)
			result.Synced++

		case errors.Is(err, rewards.ErrRejected):
			// A malformed payload cannot succeed on retry.
			slog.Error("Reward event rejected by backend",
				"activity_type", ev.ActivityType,
				"idempotency_key", ev.IdempotencyKey,
				"error", err)
			o.markFailed(ctx, ev)
			result.Failed++

		default:
			reason := "not accepted"
			if err != nil {
				reason = err.Error()
			}
			if ev.Attempts >= o.maxAttempts {
				slog.Error("Reward event exhausted retry budget",
					"activity_type", ev.ActivityType,
					"idempotency_key", ev.IdempotencyKey,
					"attempts", ev.Attempts,
					"reason", reason)
				o.markFailed(ctx, ev)
				result.Failed++
			} else {
				slog.Warn("Reward submission failed, will retry",
					"activity_type", ev.ActivityType,
					"idempotency_key", ev.IdempotencyKey,
					"attempts", ev.Attempts,
					"reason", reason)
				o.markPending(ctx, ev)
			}
		}
	}

	o.mu.Lock()
	result.Remaining = len(o.queue)
	o.mu.Unlock()
	return result
}

// candidates returns the deliverable events in enqueue order. Failed events
// are terminal for normal flushes; RetryFailed re-arms them.
func (o *Outbox) candidates() []*domain.PendingRewardEvent {
	o.mu.Lock()
	defer o.mu.Unlock()
	var out []*domain.PendingRewardEvent
	for _, ev := range o.queue {
		if ev.Status == domain.RewardPending {
			out = append(out, ev)
		}
	}
	return out
}

func (o *Outbox) markSyncing(ctx context.Context, ev *domain.PendingRewardEvent) {
	o.mu.Lock()
	ev.Status = domain.RewardSyncing
	ev.Attempts++
	o.mu.Unlock()
	o.persist(ctx, ev)
}

func (o *Outbox) markPending(ctx context.Context, ev *domain.PendingRewardEvent) {
	o.mu.Lock()
	ev.Status = domain.RewardPending
	o.mu.Unlock()
	o.persist(ctx, ev)
}

func (o *Outbox) markFailed(ctx context.Context, ev *domain.PendingRewardEvent) {
	o.mu.Lock()
	ev.Status = domain.RewardFailed
	o.mu.Unlock()
	o.persist(ctx, ev)
}

// confirm removes a delivered event from the persisted queue. Removal only
// ever happens after the backend's acknowledgement.
func (o *Outbox) confirm(ctx context.Context, ev *domain.PendingRewardEvent, serverID string) {
	if err := o.store.Delete(ctx, ev.IdempotencyKey); err != nil {
		// The event stays queued as synced; the backend dedups the redelivery.
		slog.Warn("Failed to remove synced reward event", "idempotency_key", ev.IdempotencyKey, "error", err)
	}

	o.mu.Lock()
	ev.Status = domain.RewardSynced
	for i, queued := range o.queue {
		if queued.IdempotencyKey == ev.IdempotencyKey {
			o.queue = append(o.queue[:i], o.queue[i+1:]...)
			break
		}
	}
	o.mu.Unlock()

	slog.Info("Reward event synced",
		"activity_type", ev.ActivityType,
		"idempotency_key", ev.IdempotencyKey,
		"server_id", serverID)
}

func (o *Outbox) persist(ctx context.Context, ev *domain.PendingRewardEvent) {
	o.mu.Lock()
	clone := *ev
	o.mu.Unlock()
	if err := o.store.Update(ctx, &clone); err != nil {
		slog.Warn("Failed to persist reward event state", "idempotency_key", ev.IdempotencyKey, "error", err)
	}
}

// RetryFailed re-arms failed events for delivery: status back to pending,
// attempts reset. Returns the number of events re-armed.
func (o *Outbox) RetryFailed(ctx context.Context) int {
	o.mu.Lock()
	var rearmed []*domain.PendingRewardEvent
	for _, ev := range o.queue {
		if ev.Status == domain.RewardFailed {
			ev.Status = domain.RewardPending
			ev.Attempts = 0
			rearmed = append(rearmed, ev)
		}
	}
	o.mu.Unlock()

	for _, ev := range rearmed {
		o.persist(ctx, ev)
	}
	if len(rearmed) > 0 {
		slog.Info("Failed reward events re-armed", "count", len(rearmed))
	}
	return len(rearmed)
}

// Clear discards all entries regardless of status. An explicit user or test
// action, not part of normal operation.
func (o *Outbox) Clear(ctx context.Context) error {
	if err := o.store.Clear(ctx, o.userID); err != nil {
		return fmt.Errorf("clear outbox store: %w", err)
	}
	o.mu.Lock()
	o.queue = nil
	o.mu.Unlock()
	slog.Info("Reward outbox cleared", "user_id", o.userID)
	return nil
}
