// Package session tracks per-conversation metrics and decides, exactly once
// per session, whether a completed conversation earned a reward.
package session

import (
	"log/slog"
	"sync"
	"time"

	"github.com/mindcare/realtime-core/internal/dispatch"
	"github.com/mindcare/realtime-core/internal/domain"
	"github.com/mindcare/realtime-core/internal/realtime"
)

// Enqueuer accepts reward events for durable at-least-once delivery.
type Enqueuer interface {
	Enqueue(activityType, entityID string, metadata map[string]any) error
}

// Tracker observes dispatcher events and connection lifecycle to accumulate
// session metrics. A conversation can end through two independent paths — a
// transport disconnect or the hosting surface being torn down — and both call
// EvaluateCompletion; the Completed flag on the session is the single
// synchronization point that prevents double rewards.
type Tracker struct {
	outbox Enqueuer
	now    func() time.Time

	mu      sync.Mutex
	current *domain.Session
}

// NewTracker creates a tracker enqueueing rewards into outbox.
func NewTracker(outbox Enqueuer) *Tracker {
	return &Tracker{
		outbox: outbox,
		now:    time.Now,
	}
}

// Session returns a copy of the current session, or nil when no conversation
// is active.
func (t *Tracker) Session() *domain.Session {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.current == nil {
		return nil
	}
	s := *t.current
	return &s
}

// OnConnectionStateChange implements realtime.StateObserver. Entering
// Connected starts a fresh session keyed by the connection ID.
func (t *Tracker) OnConnectionStateChange(state realtime.State, connectionID string) {
	if state != realtime.StateConnected {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.current = domain.NewSession(connectionID, t.now())
	slog.Info("Chat session started", "session_id", connectionID)
}

// HandleEvent implements dispatch.Subscriber. User messages increment the
// session's message count; a disconnect event runs the completion check.
func (t *Tracker) HandleEvent(ev dispatch.Event) {
	switch ev := ev.(type) {
	case dispatch.MessageEvent:
		if ev.Message.Kind != domain.MessageUser {
			return
		}
		t.mu.Lock()
		if t.current != nil {
			t.current.UserMessageCount++
		}
		t.mu.Unlock()

	case dispatch.DisconnectEvent:
		t.EvaluateCompletion(domain.TriggerDisconnect)
	}
}

// EvaluateCompletion runs the completion predicate for the current session.
// It is idempotent per session: the first caller that observes an eligible,
// uncompleted session enqueues exactly one chat_completion reward; every
// later call is a no-op. Returns true when a reward was enqueued.
func (t *Tracker) EvaluateCompletion(trigger domain.CompletionTrigger) bool {
	t.mu.Lock()
	s := t.current
	if s == nil || s.Completed || !s.RewardEligible() {
		t.mu.Unlock()
		return false
	}
	s.Completed = true
	sessionID := s.SessionID
	messageCount := s.UserMessageCount
	durationMinutes := s.DurationMinutes(t.now())
	t.mu.Unlock()

	slog.Info("Chat session completed",
		"session_id", sessionID,
		"message_count", messageCount,
		"duration_minutes", durationMinutes,
		"trigger", string(trigger))

	err := t.outbox.Enqueue(domain.ActivityChatCompletion, sessionID, map[string]any{
		"messageCount":      messageCount,
		"durationMinutes":   durationMinutes,
		"sessionId":         sessionID,
		"completionTrigger": string(trigger),
	})
	if err != nil {
		// The session stays completed: a persistence failure must not turn
		// into a duplicate reward on the next trigger.
		slog.Error("Failed to enqueue completion reward", "session_id", sessionID, "error", err)
		return false
	}
	return true
}
