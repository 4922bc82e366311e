package dispatch

import (
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/mindcare/realtime-core/internal/domain"
	"github.com/mindcare/realtime-core/internal/realtime"
)

// Subscriber receives validated domain events in subscription order.
type Subscriber interface {
	HandleEvent(ev Event)
}

// Dispatcher converts raw transport frames into typed events and fans them
// out. Unknown event names and malformed payloads for known names are logged
// and dropped; nothing propagates to subscribers as an error.
type Dispatcher struct {
	indicators *IndicatorStore

	mu          sync.Mutex
	subscribers []Subscriber
	closed      bool
}

// NewDispatcher creates a dispatcher owning the given indicator store.
func NewDispatcher(indicators *IndicatorStore) *Dispatcher {
	return &Dispatcher{indicators: indicators}
}

// Subscribe registers a subscriber. Delivery follows subscription order.
func (d *Dispatcher) Subscribe(s Subscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.subscribers = append(d.subscribers, s)
}

// Indicators returns the indicator store the dispatcher maintains.
func (d *Dispatcher) Indicators() *IndicatorStore {
	return d.indicators
}

// Close unsubscribes all listeners and cancels all pending indicator timers.
// Frames dispatched afterwards are dropped.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	d.closed = true
	d.subscribers = nil
	d.mu.Unlock()
	d.indicators.Close()
}

// Dispatch validates one raw frame and delivers the resulting event. It
// implements realtime.FrameHandler.
func (d *Dispatcher) Dispatch(frame []byte) {
	var env realtime.Envelope
	if err := realtime.DecodeEnvelope(frame, &env); err != nil {
		slog.Warn("Dropping undecodable frame", "error", err)
		return
	}

	ev, ok := d.shape(env)
	if !ok {
		return
	}

	d.applyIndicators(ev)
	d.fanOut(ev)
}

// shape converts a wire envelope into a typed event. The second return value
// is false when the event name is unknown or the payload is malformed.
func (d *Dispatcher) shape(env realtime.Envelope) (Event, bool) {
	switch env.Event {
	case realtime.EventChatMessage:
		var msg domain.ChatMessage
		if err := json.Unmarshal(env.Data, &msg); err != nil {
			slog.Warn("Dropping malformed chat message", "error", err)
			return nil, false
		}
		if !msg.Kind.Valid() {
			slog.Warn("Dropping chat message with unknown kind", "kind", string(msg.Kind))
			return nil, false
		}
		return MessageEvent{Message: msg}, true

	case realtime.EventChatSystem:
		var msg domain.ChatMessage
		if err := json.Unmarshal(env.Data, &msg); err != nil {
			slog.Warn("Dropping malformed system message", "error", err)
			return nil, false
		}
		if msg.Kind == "" {
			msg.Kind = domain.MessageSystem
		}
		return SystemEvent{Message: msg}, true

	case realtime.EventChatTyping:
		// The backend has sent both a bare boolean and {"typing": bool}
		// over time; accept either.
		var typing bool
		if err := json.Unmarshal(env.Data, &typing); err != nil {
			var payload struct {
				Typing bool `json:"typing"`
			}
			if err := json.Unmarshal(env.Data, &payload); err != nil {
				slog.Warn("Dropping malformed typing frame", "error", err)
				return nil, false
			}
			typing = payload.Typing
		}
		return TypingEvent{Typing: typing}, true

	case realtime.EventChatError:
		var payload struct {
			Message string `json:"message"`
		}
		if err := json.Unmarshal(env.Data, &payload); err != nil || payload.Message == "" {
			slog.Warn("Dropping malformed error frame", "error", err)
			return nil, false
		}
		return ErrorEvent{Message: payload.Message}, true

	case realtime.EventEmotionalAwareness:
		var ev EmotionalAwarenessEvent
		if err := json.Unmarshal(env.Data, &ev); err != nil {
			slog.Warn("Dropping malformed emotional awareness frame", "error", err)
			return nil, false
		}
		return ev, true

	case realtime.EventEmotionalStatus:
		var ev EmotionalStatusEvent
		if err := json.Unmarshal(env.Data, &ev); err != nil || ev.UserID == "" {
			slog.Warn("Dropping malformed emotional status frame", "error", err)
			return nil, false
		}
		return ev, true

	case realtime.EventConnect:
		return ConnectEvent{}, true

	case realtime.EventDisconnect:
		return DisconnectEvent{}, true

	default:
		slog.Warn("Dropping unknown event", "event", env.Event)
		return nil, false
	}
}

// applyIndicators updates transient indicator state for events that carry it.
// An awareness event with a non-empty emotion list shows the awareness
// indicator; if it also carries an initiative message, the initiative
// indicator is shown on its own independent timer.
func (d *Dispatcher) applyIndicators(ev Event) {
	switch ev := ev.(type) {
	case TypingEvent:
		d.indicators.SetTyping(ev.Typing)
	case EmotionalAwarenessEvent:
		if len(ev.Emotions) > 0 {
			d.indicators.SetAwareness(ev.Emotions)
		}
		if ev.Type != "" && ev.Message != "" {
			d.indicators.SetInitiative(ev.Message)
		}
	case MessageEvent:
		// An AI reply implicitly ends the typing state even if the server
		// never sends typing=false.
		if ev.Message.Kind == domain.MessageAI {
			d.indicators.SetTyping(false)
		}
	}
}

func (d *Dispatcher) fanOut(ev Event) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	subscribers := make([]Subscriber, len(d.subscribers))
	copy(subscribers, d.subscribers)
	d.mu.Unlock()

	for _, s := range subscribers {
		s.HandleEvent(ev)
	}
}
