// Package server implements the development backend: the realtime chat
// websocket contract and the reward REST endpoint the client core runs
// against.
package server

import (
	"log/slog"
	"sync"

	"github.com/coder/websocket"
)

// RoomRegistry tracks the active websocket connection per room. A room is
// keyed by the connection ID the client supplies in join_room.
type RoomRegistry struct {
	mu    sync.RWMutex
	rooms map[string]*websocket.Conn
}

// NewRoomRegistry creates an empty registry.
func NewRoomRegistry() *RoomRegistry {
	return &RoomRegistry{
		rooms: make(map[string]*websocket.Conn),
	}
}

// Get returns the active connection for a room.
func (r *RoomRegistry) Get(roomID string) *websocket.Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.rooms[roomID]
}

// Register adds a connection to a room, replacing any stale one.
func (r *RoomRegistry) Register(roomID string, conn *websocket.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.rooms[roomID]; ok && existing != conn {
		_ = existing.Close(websocket.StatusNormalClosure, "room replaced")
	}
	r.rooms[roomID] = conn
	slog.Info("Chat room joined", "room_id", roomID)
}

// Unregister removes a connection from a room if it is still the active one.
func (r *RoomRegistry) Unregister(roomID string, conn *websocket.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if current, ok := r.rooms[roomID]; ok && current == conn {
		delete(r.rooms, roomID)
		slog.Info("Chat room left", "room_id", roomID)
	}
}

// CloseAll terminates every active room connection.
func (r *RoomRegistry) CloseAll() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for roomID, conn := range r.rooms {
		_ = conn.Close(websocket.StatusNormalClosure, "server shutting down")
		delete(r.rooms, roomID)
	}
}
