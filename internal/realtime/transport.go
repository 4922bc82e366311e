package realtime

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/coder/websocket"
)

// Named events exchanged with the conversational backend. One JSON envelope
// per text frame.
const (
	// Outbound.
	EventJoinRoom               = "join_room"
	EventChatMessage            = "chat:message"
	EventRequestProactive       = "request_proactive_message"
	EventInitiateCheckIn        = "initiate_check_in"
	EventRequestEmotionalStatus = "request_emotional_status"

	// Inbound.
	EventConnect            = "connect"
	EventDisconnect         = "disconnect"
	EventChatSystem         = "chat:system"
	EventChatTyping         = "chat:typing"
	EventChatError          = "chat:error"
	EventEmotionalAwareness = "chat:emotional_awareness"
	EventEmotionalStatus    = "emotional_status_update"
)

// Envelope is the wire framing for every event in either direction.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// EncodeEnvelope marshals an event name and payload into one wire frame.
func EncodeEnvelope(event string, payload any) ([]byte, error) {
	var data json.RawMessage
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal %s payload: %w", event, err)
		}
		data = raw
	}
	frame, err := json.Marshal(Envelope{Event: event, Data: data})
	if err != nil {
		return nil, fmt.Errorf("marshal %s envelope: %w", event, err)
	}
	return frame, nil
}

// DecodeEnvelope unmarshals one wire frame. Frames without an event name are
// rejected.
func DecodeEnvelope(frame []byte, env *Envelope) error {
	if err := json.Unmarshal(frame, env); err != nil {
		return fmt.Errorf("unmarshal envelope: %w", err)
	}
	if env.Event == "" {
		return fmt.Errorf("envelope missing event name")
	}
	return nil
}

// Transport is one established realtime connection. Implementations must be
// safe for one concurrent reader and one concurrent writer.
type Transport interface {
	// Read blocks until the next frame arrives or the connection drops.
	Read(ctx context.Context) ([]byte, error)
	// Write sends one frame.
	Write(ctx context.Context, frame []byte) error
	// Close tears the connection down.
	Close(reason string) error
}

// Dialer establishes a Transport. Tests substitute a fake; production uses
// WebsocketDialer.
type Dialer func(ctx context.Context, url string) (Transport, error)

type wsTransport struct {
	conn *websocket.Conn
}

// WebsocketDialer dials the backend over a websocket.
func WebsocketDialer(ctx context.Context, url string) (Transport, error) {
	//nolint:bodyclose // coder/websocket owns the hijacked response body.
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	return &wsTransport{conn: conn}, nil
}

func (t *wsTransport) Read(ctx context.Context) ([]byte, error) {
	_, frame, err := t.conn.Read(ctx)
	if err != nil {
		return nil, err
	}
	return frame, nil
}

func (t *wsTransport) Write(ctx context.Context, frame []byte) error {
	return t.conn.Write(ctx, websocket.MessageText, frame)
}

func (t *wsTransport) Close(reason string) error {
	return t.conn.Close(websocket.StatusNormalClosure, reason)
}
