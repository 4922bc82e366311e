// Package realtime manages the lifecycle of the websocket connection to the
// conversational backend: connect, join-room handshake, bounded reconnect,
// and clean teardown. It carries no business logic; inbound frames are handed
// to a single raw-frame handler.
package realtime

// State is the connection lifecycle state. Exactly one Manager (and thus one
// State) exists per client instance.
type State int

const (
	// StateDisconnected is the initial state and the result of an explicit
	// Disconnect call.
	StateDisconnected State = iota
	// StateConnecting means the first dial and handshake are in progress.
	StateConnecting
	// StateConnected means the join-room handshake was acknowledged.
	StateConnected
	// StateReconnecting means the transport dropped and retries are running.
	StateReconnecting
	// StateFailed means the retry budget is exhausted. Terminal until an
	// explicit Connect call.
	StateFailed
)

// String returns the lowercase name of the state.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}
