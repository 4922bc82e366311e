// Package domain defines the core data model for the realtime session
// and reward synchronization core.
package domain

import (
	"time"

	"github.com/google/uuid"
)

// MessageKind identifies the author of a chat message.
type MessageKind string

const (
	// MessageUser is a message authored by the user.
	MessageUser MessageKind = "user"
	// MessageAI is a message authored by the conversational backend.
	MessageAI MessageKind = "ai"
	// MessageSystem is a server-generated notice (welcome, errors).
	MessageSystem MessageKind = "system"
)

// Valid reports whether the kind is one of the known message kinds.
func (k MessageKind) Valid() bool {
	switch k {
	case MessageUser, MessageAI, MessageSystem:
		return true
	}
	return false
}

// ChatMessage is a single message in the conversation. Immutable once created.
type ChatMessage struct {
	ID        string      `json:"id"`
	Kind      MessageKind `json:"type"`
	Text      string      `json:"text"`
	Timestamp string      `json:"timestamp"`
	UserID    string      `json:"userId,omitempty"`
	Context   string      `json:"context,omitempty"`

	// Backend emotion fields consumed by the avatar driver.
	EmotionalContext []string `json:"emotional_context,omitempty"`
	AvatarEmotion    string   `json:"avatar_emotion,omitempty"`
	EmotionIntensity int      `json:"emotion_intensity,omitempty"`
}

// NewUserMessage builds an outbound user message with a fresh ID and
// an RFC3339 timestamp.
func NewUserMessage(text, userID, context string) ChatMessage {
	return ChatMessage{
		ID:        "user-" + uuid.NewString(),
		Kind:      MessageUser,
		Text:      text,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		UserID:    userID,
		Context:   context,
	}
}
