package realtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mindcare/realtime-core/internal/config"
)

var (
	// ErrConnectInProgress is returned when Connect is called while a
	// connect or reconnect cycle is already running.
	ErrConnectInProgress = errors.New("connect already in progress")
	// ErrAlreadyConnected is returned when Connect is called on a live
	// connection.
	ErrAlreadyConnected = errors.New("already connected")
	// ErrNotConnected is returned by Send when no live connection exists.
	ErrNotConnected = errors.New("not connected")
)

const (
	dialTimeout      = 10 * time.Second
	handshakeTimeout = 10 * time.Second
	writeTimeout     = 5 * time.Second
)

// StateObserver receives connection state transitions. Exactly one
// notification fires per transition; consecutive duplicate states are never
// emitted.
type StateObserver interface {
	OnConnectionStateChange(state State, connectionID string)
}

// FrameHandler receives every inbound frame in arrival order, including the
// handshake ack and synthesized disconnect frames.
type FrameHandler func(frame []byte)

// Manager owns one realtime connection: dial, join-room handshake, bounded
// reconnect with capped exponential backoff, and teardown.
type Manager struct {
	url     string
	dialer  Dialer
	cfg     config.ReconnectConfig
	handler FrameHandler

	mu        sync.Mutex
	state     State
	conn      Transport
	connID    string
	observers []StateObserver
	cancel    context.CancelFunc
	done      chan struct{}
	closing   bool
}

// NewManager creates a connection manager. The dialer is injectable so tests
// can substitute a fake transport.
func NewManager(url string, dialer Dialer, cfg config.ReconnectConfig) *Manager {
	return &Manager{
		url:    url,
		dialer: dialer,
		cfg:    cfg,
		state:  StateDisconnected,
	}
}

// SetFrameHandler installs the inbound frame handler. Must be called before
// Connect.
func (m *Manager) SetFrameHandler(h FrameHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handler = h
}

// OnStateChange registers a state observer. Must be called before Connect.
func (m *Manager) OnStateChange(o StateObserver) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.observers = append(m.observers, o)
}

// State returns the current connection state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// ConnectionID returns the identifier of the current connection, or "" when
// not connected. A fresh ID is minted on every successful dial.
func (m *Manager) ConnectionID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connID
}

// Connect starts the connection lifecycle. It returns immediately; progress
// is reported through state observers. Overlapping calls while a cycle is
// running are rejected. After StateFailed, calling Connect again starts a
// fresh cycle.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	switch m.state {
	case StateConnecting, StateReconnecting:
		m.mu.Unlock()
		return ErrConnectInProgress
	case StateConnected:
		m.mu.Unlock()
		return ErrAlreadyConnected
	case StateDisconnected, StateFailed:
	}

	m.closing = false
	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})
	done := m.done
	// Transition while still holding the lock: a concurrent Connect must
	// observe Connecting, not the stale pre-transition state.
	observers, connID, changed := m.transitionLocked(StateConnecting)
	m.mu.Unlock()

	if changed {
		m.notify(StateConnecting, connID, observers)
	}
	go m.run(runCtx, done)
	return nil
}

// Disconnect tears the connection down and blocks until the lifecycle
// goroutine has exited. The final state is StateDisconnected. Must not be
// called from inside an observer callback.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	m.closing = true
	cancel := m.cancel
	done := m.done
	conn := m.conn
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		if err := conn.Close("client disconnect"); err != nil {
			slog.Debug("Failed to close transport", "error", err)
		}
	}
	if done != nil {
		<-done
	}

	m.mu.Lock()
	if !m.closing {
		// A fresh Connect started after this teardown drained; emitting
		// Disconnected now would stomp the new cycle.
		m.mu.Unlock()
		return
	}
	observers, connID, changed := m.transitionLocked(StateDisconnected)
	m.mu.Unlock()
	if changed {
		m.notify(StateDisconnected, connID, observers)
	}
}

// Send emits one outbound event on the live connection.
func (m *Manager) Send(ctx context.Context, event string, payload any) error {
	m.mu.Lock()
	conn := m.conn
	state := m.state
	m.mu.Unlock()

	if state != StateConnected || conn == nil {
		return ErrNotConnected
	}

	frame, err := EncodeEnvelope(event, payload)
	if err != nil {
		return err
	}

	writeCtx, cancelWrite := context.WithTimeout(ctx, writeTimeout)
	defer cancelWrite()
	if err := conn.Write(writeCtx, frame); err != nil {
		return fmt.Errorf("write %s: %w", event, err)
	}
	return nil
}

// run drives dial/handshake/read cycles until teardown, retry exhaustion, or
// context cancellation.
func (m *Manager) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	attempt := 0
	for {
		if ctx.Err() != nil {
			m.setState(StateDisconnected)
			return
		}

		attempt++
		conn, connID, err := m.establish(ctx)
		if err != nil {
			if m.isClosing() || ctx.Err() != nil {
				m.setState(StateDisconnected)
				return
			}
			slog.Warn("Connection attempt failed",
				"attempt", attempt,
				"max_attempts", m.cfg.MaxAttempts,
				"error", err)
			if attempt >= m.cfg.MaxAttempts {
				slog.Error("Connection retry budget exhausted", "attempts", attempt)
				m.setState(StateFailed)
				return
			}
			m.setState(StateReconnecting)
			select {
			case <-time.After(m.backoffDelay(attempt)):
			case <-ctx.Done():
				m.setState(StateDisconnected)
				return
			}
			continue
		}

		m.mu.Lock()
		m.conn = conn
		m.connID = connID
		m.mu.Unlock()
		m.setState(StateConnected)
		attempt = 0

		readErr := m.readPump(ctx, conn)

		m.mu.Lock()
		m.conn = nil
		m.mu.Unlock()
		if closeErr := conn.Close("read loop ended"); closeErr != nil {
			slog.Debug("Failed to close transport after read loop", "error", closeErr)
		}

		if m.isClosing() || ctx.Err() != nil {
			m.setState(StateDisconnected)
			return
		}

		slog.Warn("Transport dropped, reconnecting", "connection_id", connID, "error", readErr)
		m.deliver([]byte(`{"event":"disconnect"}`))
		m.setState(StateReconnecting)
	}
}

// establish dials the transport, sends join_room, and waits for the server's
// connect ack. The ack frame is delivered to the handler so downstream
// subscribers observe the connect event.
func (m *Manager) establish(ctx context.Context) (Transport, string, error) {
	dialCtx, cancelDial := context.WithTimeout(ctx, dialTimeout)
	defer cancelDial()

	conn, err := m.dialer(dialCtx, m.url)
	if err != nil {
		return nil, "", err
	}

	connID := uuid.NewString()

	frame, err := EncodeEnvelope(EventJoinRoom, connID)
	if err != nil {
		_ = conn.Close("handshake failed")
		return nil, "", err
	}
	writeCtx, cancelWrite := context.WithTimeout(ctx, writeTimeout)
	defer cancelWrite()
	if err := conn.Write(writeCtx, frame); err != nil {
		_ = conn.Close("handshake failed")
		return nil, "", fmt.Errorf("send join_room: %w", err)
	}

	ackCtx, cancelAck := context.WithTimeout(ctx, handshakeTimeout)
	defer cancelAck()
	ack, err := m.awaitConnectAck(ackCtx, conn)
	if err != nil {
		_ = conn.Close("handshake failed")
		return nil, "", fmt.Errorf("await connect ack: %w", err)
	}

	m.deliver(ack)
	slog.Info("Realtime connection established", "connection_id", connID)
	return conn, connID, nil
}

func (m *Manager) awaitConnectAck(ctx context.Context, conn Transport) ([]byte, error) {
	for {
		frame, err := conn.Read(ctx)
		if err != nil {
			return nil, err
		}
		var env Envelope
		if err := DecodeEnvelope(frame, &env); err != nil {
			slog.Debug("Dropping malformed frame during handshake", "error", err)
			continue
		}
		if env.Event == EventConnect {
			return frame, nil
		}
		// The server may slip other frames in before the ack; drop them
		// rather than fail the handshake.
		slog.Debug("Dropping pre-ack frame", "event", env.Event)
	}
}

func (m *Manager) readPump(ctx context.Context, conn Transport) error {
	for {
		frame, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		m.deliver(frame)
	}
}

func (m *Manager) deliver(frame []byte) {
	m.mu.Lock()
	h := m.handler
	m.mu.Unlock()
	if h != nil {
		h(frame)
	}
}

func (m *Manager) isClosing() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closing
}

// backoffDelay computes the capped exponential delay before the next attempt:
// base, 2*base, 4*base... up to the configured ceiling.
func (m *Manager) backoffDelay(attempt int) time.Duration {
	delay := m.cfg.BaseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= m.cfg.MaxDelay {
			return m.cfg.MaxDelay
		}
	}
	if delay > m.cfg.MaxDelay {
		return m.cfg.MaxDelay
	}
	return delay
}

// setState records a transition and notifies observers. Duplicate
// consecutive states are suppressed; observer callbacks run without the lock.
func (m *Manager) setState(s State) {
	m.mu.Lock()
	observers, connID, changed := m.transitionLocked(s)
	m.mu.Unlock()
	if changed {
		m.notify(s, connID, observers)
	}
}

// transitionLocked records the new state and snapshots the observers to
// notify. Callers hold m.mu and notify after unlocking.
func (m *Manager) transitionLocked(s State) ([]StateObserver, string, bool) {
	if m.state == s {
		return nil, "", false
	}
	m.state = s
	observers := make([]StateObserver, len(m.observers))
	copy(observers, m.observers)
	return observers, m.connID, true
}

func (m *Manager) notify(s State, connID string, observers []StateObserver) {
	slog.Info("Connection state changed", "state", s.String(), "connection_id", connID)
	for _, o := range observers {
		o.OnConnectionStateChange(s, connID)
	}
}
