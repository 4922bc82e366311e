package dispatch

import (
	"sync"

	"github.com/mindcare/realtime-core/internal/domain"
)

// AvatarState is the full signal the avatar renderer consumes: a discrete
// emotion label plus loading/transitioning flags. The core never reaches
// into rendering internals.
type AvatarState struct {
	Emotion       string
	Loading       bool
	Transitioning bool
}

// AvatarSink receives avatar state updates.
type AvatarSink func(AvatarState)

// backend emotion labels that don't map directly onto an avatar expression.
var emotionAliases = map[string]string{
	"anxious":    "concerned",
	"stressed":   "concerned",
	"worried":    "concerned",
	"frustrated": "concerned",
	"lonely":     "sad",
	"hopeful":    "happy",
	"calm":       "neutral",
}

var knownEmotions = map[string]bool{
	"happy":      true,
	"sad":        true,
	"concerned":  true,
	"supportive": true,
	"excited":    true,
	"neutral":    true,
}

func mapEmotion(label string) string {
	if alias, ok := emotionAliases[label]; ok {
		return alias
	}
	if knownEmotions[label] {
		return label
	}
	return "neutral"
}

// AvatarDriver derives the avatar signal from dispatched events: AI replies
// carry a backend-selected emotion, typing shows a thinking state, and
// emotional awareness updates re-apply the detected emotion to the avatar.
type AvatarDriver struct {
	mu    sync.Mutex
	state AvatarState
	sink  AvatarSink
}

// NewAvatarDriver creates a driver pushing updates into sink. A nil sink is
// allowed; State still tracks.
func NewAvatarDriver(sink AvatarSink) *AvatarDriver {
	return &AvatarDriver{
		state: AvatarState{Emotion: "neutral"},
		sink:  sink,
	}
}

// State returns the current avatar signal.
func (a *AvatarDriver) State() AvatarState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// HandleEvent implements Subscriber.
func (a *AvatarDriver) HandleEvent(ev Event) {
	switch ev := ev.(type) {
	case TypingEvent:
		if ev.Typing {
			a.update(AvatarState{Emotion: "neutral", Loading: true})
		} else {
			a.update(AvatarState{Emotion: a.State().Emotion})
		}

	case MessageEvent:
		if ev.Message.Kind != domain.MessageAI {
			return
		}
		emotion := ev.Message.AvatarEmotion
		if emotion == "" && len(ev.Message.EmotionalContext) > 0 {
			emotion = ev.Message.EmotionalContext[0]
		}
		a.update(AvatarState{Emotion: mapEmotion(emotion), Transitioning: true})

	case EmotionalAwarenessEvent:
		if len(ev.Emotions) > 0 {
			a.update(AvatarState{Emotion: mapEmotion(ev.Emotions[0]), Transitioning: true})
		}
	}
}

func (a *AvatarDriver) update(next AvatarState) {
	a.mu.Lock()
	if a.state == next {
		a.mu.Unlock()
		return
	}
	a.state = next
	sink := a.sink
	a.mu.Unlock()

	if sink != nil {
		sink(next)
	}
}
