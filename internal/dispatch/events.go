// Package dispatch validates inbound realtime frames, shapes them into typed
// domain events, and fans them out to subscribers. It also owns the expiry
// timers for transient conversational indicators.
package dispatch

import (
	"encoding/json"

	"github.com/mindcare/realtime-core/internal/domain"
)

// EventKind is the closed set of inbound event kinds the dispatcher accepts.
type EventKind string

const (
	KindMessage            EventKind = "message"
	KindSystem             EventKind = "system"
	KindTyping             EventKind = "typing"
	KindError              EventKind = "error"
	KindEmotionalAwareness EventKind = "emotional_awareness"
	KindEmotionalStatus    EventKind = "emotional_status"
	KindConnect            EventKind = "connect"
	KindDisconnect         EventKind = "disconnect"
)

// Event is one validated inbound domain event.
type Event interface {
	Kind() EventKind
}

// MessageEvent carries a chat message from the backend, including echoed
// user messages.
type MessageEvent struct {
	Message domain.ChatMessage
}

// Kind implements Event.
func (MessageEvent) Kind() EventKind { return KindMessage }

// SystemEvent carries a server-generated notice.
type SystemEvent struct {
	Message domain.ChatMessage
}

// Kind implements Event.
func (SystemEvent) Kind() EventKind { return KindSystem }

// TypingEvent signals that the backend started or stopped composing a reply.
type TypingEvent struct {
	Typing bool
}

// Kind implements Event.
func (TypingEvent) Kind() EventKind { return KindTyping }

// ErrorEvent carries a backend error notice. It is cosmetic state, never a
// Go error.
type ErrorEvent struct {
	Message string
}

// Kind implements Event.
func (ErrorEvent) Kind() EventKind { return KindError }

// EmotionalAwarenessEvent carries the emotions the backend detected in the
// conversation, optionally with a proactive initiative message.
type EmotionalAwarenessEvent struct {
	Emotions          []string `json:"emotions,omitempty"`
	Type              string   `json:"type,omitempty"`
	Message           string   `json:"message,omitempty"`
	ConversationCount int      `json:"conversation_count,omitempty"`
	Context           string   `json:"context,omitempty"`
	Timestamp         string   `json:"timestamp,omitempty"`
}

// Kind implements Event.
func (EmotionalAwarenessEvent) Kind() EventKind { return KindEmotionalAwareness }

// EmotionalStatusEvent carries a point-in-time emotional state snapshot.
type EmotionalStatusEvent struct {
	UserID         string          `json:"userId"`
	EmotionalState json.RawMessage `json:"emotional_state"`
	Timestamp      string          `json:"timestamp"`
}

// Kind implements Event.
func (EmotionalStatusEvent) Kind() EventKind { return KindEmotionalStatus }

// ConnectEvent signals that the join-room handshake was acknowledged.
type ConnectEvent struct{}

// Kind implements Event.
func (ConnectEvent) Kind() EventKind { return KindConnect }

// DisconnectEvent signals that the transport dropped or was closed.
type DisconnectEvent struct{}

// Kind implements Event.
func (DisconnectEvent) Kind() EventKind { return KindDisconnect }
