package server

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/coder/websocket"
)

// WSHandler upgrades HTTP requests to the chat websocket.
type WSHandler struct {
	chat          *ChatHandler
	allowedOrigin string
	isDev         bool
}

// NewWSHandler creates the upgrade handler.
func NewWSHandler(chat *ChatHandler, allowedOrigin string, isDev bool) *WSHandler {
	return &WSHandler{
		chat:          chat,
		allowedOrigin: allowedOrigin,
		isDev:         isDev,
	}
}

func (h *WSHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	slog.Info("Chat websocket connection request", "ip", r.RemoteAddr)

	if !h.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		slog.Error("Failed to accept websocket", "error", err)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "session ended"); closeErr != nil {
			slog.Debug("Failed to close websocket", "error", closeErr)
		}
	}()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	h.chat.ServeWS(ctx, ws)
}

func (h *WSHandler) checkOrigin(r *http.Request) bool {
	if h.isDev {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" || h.allowedOrigin == "*" {
		return true
	}
	if origin == h.allowedOrigin {
		return true
	}
	slog.Warn("Websocket origin rejected", "origin", origin, "allowed", h.allowedOrigin)
	return false
}
