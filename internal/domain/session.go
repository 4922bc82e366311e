package domain

import (
	"time"
)

// CompletionTrigger names the teardown path that ended a session.
type CompletionTrigger string

const (
	// TriggerDisconnect means the realtime transport dropped or was closed.
	TriggerDisconnect CompletionTrigger = "disconnect"
	// TriggerUnmount means the hosting surface was torn down before the
	// transport reported a disconnect.
	TriggerUnmount CompletionTrigger = "component_unmount"
)

// CompletionMessageThreshold is the minimum number of user messages for a
// session to be reward-eligible.
const CompletionMessageThreshold = 3

// Session accumulates per-conversation metrics. One Session exists per
// connected period; the Completed flag is set at most once.
type Session struct {
	SessionID        string
	StartedAt        time.Time
	UserMessageCount int
	Completed        bool
}

// NewSession starts tracking a conversation identified by the connection ID.
func NewSession(sessionID string, startedAt time.Time) *Session {
	return &Session{
		SessionID: sessionID,
		StartedAt: startedAt,
	}
}

// RewardEligible reports whether the session has enough user messages to
// earn the completion reward.
func (s *Session) RewardEligible() bool {
	return s.UserMessageCount >= CompletionMessageThreshold
}

// DurationMinutes returns the whole minutes elapsed since the session started.
func (s *Session) DurationMinutes(now time.Time) int {
	return int(now.Sub(s.StartedAt) / time.Minute)
}
