package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mindcare/realtime-core/internal/domain"
	"github.com/mindcare/realtime-core/internal/realtime"
)

func dialChat(t *testing.T) *websocket.Conn {
	t.Helper()

	rooms := NewRoomRegistry()
	chat := NewChatHandler(rooms, nil, 0)
	handler := NewWSHandler(chat, "*", true)

	srv := httptest.NewServer(http.HandlerFunc(handler.ServeHTTP))
	t.Cleanup(srv.Close)
	t.Cleanup(rooms.CloseAll)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)

	//nolint:bodyclose // coder/websocket owns the hijacked response body.
	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "test done") })
	return conn
}

func writeEnvelope(t *testing.T, conn *websocket.Conn, event string, payload any) {
	t.Helper()
	frame, err := realtime.EncodeEnvelope(event, payload)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, conn.Write(ctx, websocket.MessageText, frame))
}

func readEnvelope(t *testing.T, conn *websocket.Conn) realtime.Envelope {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, frame, err := conn.Read(ctx)
	require.NoError(t, err)

	var env realtime.Envelope
	require.NoError(t, realtime.DecodeEnvelope(frame, &env))
	return env
}

func TestChatHandshakeAndWelcome(t *testing.T) {
	conn := dialChat(t)

	writeEnvelope(t, conn, realtime.EventJoinRoom, "room-1")

	ack := readEnvelope(t, conn)
	assert.Equal(t, realtime.EventConnect, ack.Event)

	var ackData map[string]string
	require.NoError(t, json.Unmarshal(ack.Data, &ackData))
	assert.Equal(t, "room-1", ackData["connectionId"])

	welcome := readEnvelope(t, conn)
	assert.Equal(t, realtime.EventChatSystem, welcome.Event)
}

func TestChatMessageEchoAndReply(t *testing.T) {
	conn := dialChat(t)
	writeEnvelope(t, conn, realtime.EventJoinRoom, "room-1")
	readEnvelope(t, conn) // connect ack
	readEnvelope(t, conn) // welcome

	msg := domain.NewUserMessage("I feel really anxious today", "user-1", "general")
	writeEnvelope(t, conn, realtime.EventChatMessage, msg)

	echo := readEnvelope(t, conn)
	require.Equal(t, realtime.EventChatMessage, echo.Event)
	var echoed domain.ChatMessage
	require.NoError(t, json.Unmarshal(echo.Data, &echoed))
	assert.Equal(t, msg.Text, echoed.Text)
	assert.Equal(t, domain.MessageUser, echoed.Kind)

	typingOn := readEnvelope(t, conn)
	assert.Equal(t, realtime.EventChatTyping, typingOn.Event)

	reply := readEnvelope(t, conn)
	require.Equal(t, realtime.EventChatMessage, reply.Event)
	var aiMsg domain.ChatMessage
	require.NoError(t, json.Unmarshal(reply.Data, &aiMsg))
	assert.Equal(t, domain.MessageAI, aiMsg.Kind)
	assert.Equal(t, "concerned", aiMsg.AvatarEmotion)
	assert.Contains(t, aiMsg.EmotionalContext, "concerned")

	typingOff := readEnvelope(t, conn)
	assert.Equal(t, realtime.EventChatTyping, typingOff.Event)
	var typing map[string]bool
	require.NoError(t, json.Unmarshal(typingOff.Data, &typing))
	assert.False(t, typing["typing"])
}

func TestChatEmotionalStatusRequest(t *testing.T) {
	conn := dialChat(t)
	writeEnvelope(t, conn, realtime.EventJoinRoom, "room-1")
	readEnvelope(t, conn) // connect ack
	readEnvelope(t, conn) // welcome

	writeEnvelope(t, conn, realtime.EventRequestEmotionalStatus, nil)

	status := readEnvelope(t, conn)
	require.Equal(t, realtime.EventEmotionalStatus, status.Event)

	var payload struct {
		UserID string `json:"userId"`
	}
	require.NoError(t, json.Unmarshal(status.Data, &payload))
	assert.Equal(t, "room-1", payload.UserID)
}

func TestDetectEmotions(t *testing.T) {
	tests := []struct {
		text string
		want []string
	}{
		{"I feel so sad and lonely", []string{"sad"}},
		{"work has me stressed and worried", []string{"concerned"}},
		{"today was great, I'm happy", []string{"happy"}},
		{"I'm sad but also excited and happy", []string{"sad", "happy"}},
		{"nothing in particular", []string{"neutral"}},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, detectEmotions(tt.text), "text %q", tt.text)
	}
}
