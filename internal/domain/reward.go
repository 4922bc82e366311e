package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// RewardStatus is the delivery state of a queued reward event.
type RewardStatus string

const (
	// RewardPending means the event is persisted and awaiting delivery.
	RewardPending RewardStatus = "pending"
	// RewardSyncing means a delivery attempt is in flight.
	RewardSyncing RewardStatus = "syncing"
	// RewardSynced means the backend confirmed acceptance.
	RewardSynced RewardStatus = "synced"
	// RewardFailed means delivery was abandoned: either the attempt cap was
	// reached or the backend rejected the payload outright.
	RewardFailed RewardStatus = "failed"
)

// ActivityChatCompletion is the activity type for a completed conversation.
const ActivityChatCompletion = "chat_completion"

// PendingRewardEvent is one entry in the durable reward outbox. It is
// persisted on every mutation and removed only after the backend confirms
// acceptance or the caller purges the queue.
type PendingRewardEvent struct {
	ActivityType   string
	Metadata       map[string]any
	EnqueuedAt     time.Time
	IdempotencyKey string
	Attempts       int
	Status         RewardStatus
	UserID         string
}

// idempotencyBucket truncates timestamps so retries of the same logical
// event within the window collapse to one key.
const idempotencyBucket = time.Minute

// IdempotencyKey derives a deterministic dedup key from the activity type,
// the owning entity (session or record ID), and the time bucket the event
// was created in. The backend treats this as its dedup key, so the same
// logical completion enqueued twice produces one user-visible reward.
func IdempotencyKey(activityType, entityID string, at time.Time) string {
	bucket := at.UTC().Truncate(idempotencyBucket).Format(time.RFC3339)
	sum := sha256.Sum256([]byte(activityType + "|" + entityID + "|" + bucket))
	return hex.EncodeToString(sum[:16])
}
