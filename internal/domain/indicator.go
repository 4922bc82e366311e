package domain

import (
	"time"
)

// IndicatorKind identifies a transient conversational indicator.
type IndicatorKind string

const (
	// IndicatorTyping shows that the backend is composing a reply. It has no
	// expiry timer; the server clears it with a typing=false frame.
	IndicatorTyping IndicatorKind = "typing"
	// IndicatorEmotionalAwareness surfaces the emotions the backend detected.
	IndicatorEmotionalAwareness IndicatorKind = "emotional_awareness"
	// IndicatorAiInitiative surfaces a proactive message from the backend.
	IndicatorAiInitiative IndicatorKind = "ai_initiative"
)

// TransientIndicator is UI-facing state with a bounded lifetime. A newer
// indicator of the same kind supersedes the previous one; expiry destroys it.
type TransientIndicator struct {
	Kind IndicatorKind
	// Emotions is set for emotional_awareness indicators.
	Emotions []string
	// Message is set for ai_initiative indicators.
	Message string
	// Typing is set for typing indicators.
	Typing bool
	// ExpiresAt is zero for indicators without a timer.
	ExpiresAt time.Time
}
