package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/mindcare/realtime-core/internal/domain"
	"github.com/mindcare/realtime-core/internal/realtime"
)

const awarenessEveryNMessages = 3

// ChatHandler serves the realtime chat websocket. It implements the same
// wire contract the production conversational backend speaks: join_room
// handshake, echoed user messages, typing indicators around canned AI
// replies, and periodic emotional awareness frames.
type ChatHandler struct {
	rooms          *RoomRegistry
	allowedOrigins []string
	replyDelay     time.Duration
}

// NewChatHandler creates a chat handler. replyDelay is the simulated AI
// thinking time between the typing indicator and the reply.
func NewChatHandler(rooms *RoomRegistry, allowedOrigins []string, replyDelay time.Duration) *ChatHandler {
	return &ChatHandler{
		rooms:          rooms,
		allowedOrigins: allowedOrigins,
		replyDelay:     replyDelay,
	}
}

// ServeWS upgrades the request and runs the session loop until the client
// disconnects.
func (h *ChatHandler) ServeWS(ctx context.Context, conn *websocket.Conn) {
	roomID, err := h.handshake(ctx, conn)
	if err != nil {
		slog.Warn("Websocket handshake failed", "error", err)
		_ = conn.Close(websocket.StatusPolicyViolation, "handshake failed")
		return
	}

	h.rooms.Register(roomID, conn)
	defer h.rooms.Unregister(roomID, conn)

	session := &chatSession{
		handler: h,
		conn:    conn,
		roomID:  roomID,
	}
	session.welcome(ctx)
	session.loop(ctx)
}

// handshake waits for join_room and acknowledges it with a connect frame.
func (h *ChatHandler) handshake(ctx context.Context, conn *websocket.Conn) (string, error) {
	hsCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	_, frame, err := conn.Read(hsCtx)
	if err != nil {
		return "", err
	}

	var env realtime.Envelope
	if err := realtime.DecodeEnvelope(frame, &env); err != nil {
		return "", err
	}
	if env.Event != realtime.EventJoinRoom {
		return "", fmt.Errorf("expected %s, got %s", realtime.EventJoinRoom, env.Event)
	}

	var roomID string
	if err := json.Unmarshal(env.Data, &roomID); err != nil || roomID == "" {
		roomID = uuid.NewString()
	}

	ack, err := realtime.EncodeEnvelope(realtime.EventConnect, map[string]string{"connectionId": roomID})
	if err != nil {
		return "", err
	}
	if err := conn.Write(ctx, websocket.MessageText, ack); err != nil {
		return "", err
	}
	return roomID, nil
}

// chatSession is the per-connection conversation state.
type chatSession struct {
	handler      *ChatHandler
	conn         *websocket.Conn
	roomID       string
	messageCount int
}

func (s *chatSession) loop(ctx context.Context) {
	for {
		_, frame, err := s.conn.Read(ctx)
		if err != nil {
			slog.Info("Chat connection closed", "room_id", s.roomID, "error", err)
			return
		}

		var env realtime.Envelope
		if err := realtime.DecodeEnvelope(frame, &env); err != nil {
			slog.Warn("Dropping malformed chat frame", "room_id", s.roomID, "error", err)
			continue
		}

		switch env.Event {
		case realtime.EventChatMessage:
			s.handleUserMessage(ctx, env.Data)
		case realtime.EventRequestProactive:
			s.sendInitiative(ctx)
		case realtime.EventInitiateCheckIn:
			s.sendSystem(ctx, "Just checking in. How has your day been so far?")
		case realtime.EventRequestEmotionalStatus:
			s.sendEmotionalStatus(ctx)
		default:
			slog.Debug("Ignoring unhandled chat event", "room_id", s.roomID, "event", env.Event)
		}
	}
}

func (s *chatSession) welcome(ctx context.Context) {
	s.sendSystem(ctx, "Welcome back. This is a safe space — share whatever is on your mind.")
}

func (s *chatSession) handleUserMessage(ctx context.Context, data json.RawMessage) {
	var msg domain.ChatMessage
	if err := json.Unmarshal(data, &msg); err != nil || msg.Text == "" {
		s.sendError(ctx, "message could not be processed")
		return
	}
	s.messageCount++

	// Echo the user message back so every client in the room renders it.
	s.send(ctx, realtime.EventChatMessage, msg)

	s.send(ctx, realtime.EventChatTyping, map[string]bool{"typing": true})
	if s.handler.replyDelay > 0 {
		select {
		case <-time.After(s.handler.replyDelay):
		case <-ctx.Done():
			return
		}
	}

	emotions := detectEmotions(msg.Text)
	reply := domain.ChatMessage{
		ID:               "ai-" + uuid.NewString(),
		Kind:             domain.MessageAI,
		Text:             replyFor(emotions),
		Timestamp:        time.Now().UTC().Format(time.RFC3339),
		EmotionalContext: emotions,
		AvatarEmotion:    avatarEmotionFor(emotions),
	}
	s.send(ctx, realtime.EventChatMessage, reply)
	s.send(ctx, realtime.EventChatTyping, map[string]bool{"typing": false})

	if s.messageCount%awarenessEveryNMessages == 0 {
		s.send(ctx, realtime.EventEmotionalAwareness, map[string]any{
			"emotions":           emotions,
			"conversation_count": s.messageCount,
			"timestamp":          time.Now().UTC().Format(time.RFC3339),
		})
	}
}

func (s *chatSession) sendInitiative(ctx context.Context) {
	s.send(ctx, realtime.EventEmotionalAwareness, map[string]any{
		"type":      "proactive_support",
		"message":   "I noticed you have been quiet for a bit. Would you like to talk about it?",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *chatSession) sendEmotionalStatus(ctx context.Context) {
	s.send(ctx, realtime.EventEmotionalStatus, map[string]any{
		"userId": s.roomID,
		"emotional_state": map[string]any{
			"primary":   "neutral",
			"intensity": 3,
		},
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *chatSession) sendSystem(ctx context.Context, text string) {
	s.send(ctx, realtime.EventChatSystem, domain.ChatMessage{
		ID:        "system-" + uuid.NewString(),
		Kind:      domain.MessageSystem,
		Text:      text,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *chatSession) sendError(ctx context.Context, message string) {
	s.send(ctx, realtime.EventChatError, map[string]string{"message": message})
}

func (s *chatSession) send(ctx context.Context, event string, payload any) {
	frame, err := realtime.EncodeEnvelope(event, payload)
	if err != nil {
		slog.Error("Failed to encode chat frame", "room_id", s.roomID, "event", event, "error", err)
		return
	}
	writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := s.conn.Write(writeCtx, websocket.MessageText, frame); err != nil {
		slog.Warn("Failed to write chat frame", "room_id", s.roomID, "event", event, "error", err)
	}
}

var emotionKeywords = []struct {
	emotion  string
	keywords []string
}{
	{"sad", []string{"sad", "down", "lonely", "crying", "hopeless"}},
	{"concerned", []string{"anxious", "worried", "stressed", "scared", "overwhelmed", "panic"}},
	{"happy", []string{"happy", "great", "excited", "glad", "wonderful"}},
}

// detectEmotions runs a keyword scan over the message text. Deliberately
// simple: the dev server only needs plausible emotional context, not a model.
func detectEmotions(text string) []string {
	lowered := strings.ToLower(text)
	var found []string
	for _, entry := range emotionKeywords {
		for _, kw := range entry.keywords {
			if strings.Contains(lowered, kw) {
				found = append(found, entry.emotion)
				break
			}
		}
	}
	if len(found) == 0 {
		found = []string{"neutral"}
	}
	return found
}

func avatarEmotionFor(emotions []string) string {
	for _, e := range emotions {
		switch e {
		case "sad":
			return "supportive"
		case "concerned":
			return "concerned"
		case "happy":
			return "happy"
		}
	}
	return "neutral"
}

func replyFor(emotions []string) string {
	for _, e := range emotions {
		switch e {
		case "sad":
			return "I'm sorry you're feeling this way. I'm here with you — would you like to tell me more about what's been weighing on you?"
		case "concerned":
			return "That sounds really stressful. Let's slow down together — what feels most pressing right now?"
		case "happy":
			return "That's wonderful to hear! What's been the best part?"
		}
	}
	return "Thank you for sharing that with me. How does it feel to say it out loud?"
}
