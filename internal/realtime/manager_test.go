package realtime

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mindcare/realtime-core/internal/config"
)

func testReconnectConfig() config.ReconnectConfig {
	return config.ReconnectConfig{
		MaxAttempts: 5,
		BaseDelay:   time.Millisecond,
		MaxDelay:    5 * time.Millisecond,
	}
}

// fakeConn is a scriptable Transport. Writes of join_room are acknowledged
// with a connect frame, mirroring the backend handshake.
type fakeConn struct {
	inbound   chan []byte
	closed    chan struct{}
	closeOnce sync.Once

	mu     sync.Mutex
	writes [][]byte
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		inbound: make(chan []byte, 16),
		closed:  make(chan struct{}),
	}
}

func (c *fakeConn) Read(ctx context.Context) ([]byte, error) {
	select {
	case frame := <-c.inbound:
		return frame, nil
	case <-c.closed:
		return nil, errors.New("connection closed")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *fakeConn) Write(_ context.Context, frame []byte) error {
	select {
	case <-c.closed:
		return errors.New("connection closed")
	default:
	}

	c.mu.Lock()
	c.writes = append(c.writes, append([]byte(nil), frame...))
	c.mu.Unlock()

	var env Envelope
	if err := DecodeEnvelope(frame, &env); err == nil && env.Event == EventJoinRoom {
		ack, _ := EncodeEnvelope(EventConnect, map[string]string{"connectionId": "srv"})
		c.inbound <- ack
	}
	return nil
}

func (c *fakeConn) Close(string) error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) writtenEvents() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var events []string
	for _, frame := range c.writes {
		var env Envelope
		if DecodeEnvelope(frame, &env) == nil {
			events = append(events, env.Event)
		}
	}
	return events
}

// fakeDialer hands out fakeConns, optionally failing or stalling dials.
type fakeDialer struct {
	mu        sync.Mutex
	conns     []*fakeConn
	dials     int
	failDials int           // fail the first N dials
	gate      chan struct{} // when set, dials wait here first
}

func (d *fakeDialer) dial(ctx context.Context, _ string) (Transport, error) {
	d.mu.Lock()
	d.dials++
	n := d.dials
	gate := d.gate
	d.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if n <= d.failDials {
		return nil, errors.New("dial refused")
	}

	conn := newFakeConn()
	d.mu.Lock()
	d.conns = append(d.conns, conn)
	d.mu.Unlock()
	return conn, nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *fakeDialer) conn(i int) *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.conns[i]
}

// stateRecorder collects state transitions on a channel.
type stateRecorder struct {
	ch chan State
}

func newStateRecorder() *stateRecorder {
	return &stateRecorder{ch: make(chan State, 64)}
}

func (r *stateRecorder) OnConnectionStateChange(state State, _ string) {
	r.ch <- state
}

func (r *stateRecorder) waitFor(t *testing.T, want State) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case got := <-r.ch:
			if got == want {
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for state %s", want)
		}
	}
}

// frameCollector is a FrameHandler recording delivered frames.
type frameCollector struct {
	mu     sync.Mutex
	frames [][]byte
	signal chan struct{}
}

func newFrameCollector() *frameCollector {
	return &frameCollector{signal: make(chan struct{}, 64)}
}

func (f *frameCollector) handle(frame []byte) {
	f.mu.Lock()
	f.frames = append(f.frames, append([]byte(nil), frame...))
	f.mu.Unlock()
	f.signal <- struct{}{}
}

func (f *frameCollector) waitForEvent(t *testing.T, event string) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	seen := 0
	for {
		select {
		case <-f.signal:
			f.mu.Lock()
			frames := f.frames[seen:]
			seen = len(f.frames)
			f.mu.Unlock()
			for _, frame := range frames {
				var env Envelope
				if DecodeEnvelope(frame, &env) == nil && env.Event == event {
					return
				}
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s frame", event)
		}
	}
}

func TestManagerConnectAndDisconnect(t *testing.T) {
	dialer := &fakeDialer{}
	rec := newStateRecorder()
	frames := newFrameCollector()

	m := NewManager("ws://test/chat", dialer.dial, testReconnectConfig())
	m.SetFrameHandler(frames.handle)
	m.OnStateChange(rec)

	require.NoError(t, m.Connect(context.Background()))
	rec.waitFor(t, StateConnecting)
	rec.waitFor(t, StateConnected)

	assert.NotEmpty(t, m.ConnectionID())
	assert.Equal(t, ErrAlreadyConnected, m.Connect(context.Background()))

	// The handshake ack reaches the frame handler.
	frames.waitForEvent(t, EventConnect)
	assert.Equal(t, []string{EventJoinRoom}, dialer.conn(0).writtenEvents())

	require.NoError(t, m.Send(context.Background(), EventChatMessage, map[string]string{"text": "hi"}))

	m.Disconnect()
	rec.waitFor(t, StateDisconnected)
	assert.Equal(t, ErrNotConnected, m.Send(context.Background(), EventChatMessage, nil))
}

func TestManagerRetryBudgetExhaustion(t *testing.T) {
	dialer := &fakeDialer{failDials: 100}
	rec := newStateRecorder()

	cfg := testReconnectConfig()
	cfg.MaxAttempts = 3
	m := NewManager("ws://test/chat", dialer.dial, cfg)
	m.OnStateChange(rec)

	require.NoError(t, m.Connect(context.Background()))
	rec.waitFor(t, StateFailed)

	assert.Equal(t, 3, dialer.dialCount(), "no attempt beyond the budget")
	assert.Equal(t, StateFailed, m.State())

	// Failed is terminal for the cycle, but a fresh Connect is allowed.
	require.NoError(t, m.Connect(context.Background()))
	rec.waitFor(t, StateFailed)
	assert.Equal(t, 6, dialer.dialCount())
}

func TestManagerReconnectsOnTransportDrop(t *testing.T) {
	dialer := &fakeDialer{}
	rec := newStateRecorder()
	frames := newFrameCollector()

	m := NewManager("ws://test/chat", dialer.dial, testReconnectConfig())
	m.SetFrameHandler(frames.handle)
	m.OnStateChange(rec)

	require.NoError(t, m.Connect(context.Background()))
	rec.waitFor(t, StateConnected)
	firstID := m.ConnectionID()

	// Kill the transport out from under the manager.
	require.NoError(t, dialer.conn(0).Close("dropped"))

	frames.waitForEvent(t, EventDisconnect)
	rec.waitFor(t, StateReconnecting)
	rec.waitFor(t, StateConnected)
	assert.NotEqual(t, firstID, m.ConnectionID(), "reconnect mints a fresh connection ID")

	m.Disconnect()
	rec.waitFor(t, StateDisconnected)
}

func TestManagerRejectsOverlappingConnect(t *testing.T) {
	gate := make(chan struct{})
	dialer := &fakeDialer{gate: gate}
	rec := newStateRecorder()

	m := NewManager("ws://test/chat", dialer.dial, testReconnectConfig())
	m.OnStateChange(rec)

	require.NoError(t, m.Connect(context.Background()))
	rec.waitFor(t, StateConnecting)
	assert.Equal(t, ErrConnectInProgress, m.Connect(context.Background()))

	close(gate)
	rec.waitFor(t, StateConnected)
	m.Disconnect()
}

func TestManagerNoDuplicateStateNotifications(t *testing.T) {
	dialer := &fakeDialer{}
	rec := newStateRecorder()

	m := NewManager("ws://test/chat", dialer.dial, testReconnectConfig())
	m.OnStateChange(rec)

	require.NoError(t, m.Connect(context.Background()))
	rec.waitFor(t, StateConnected)
	m.Disconnect()
	rec.waitFor(t, StateDisconnected)

	close(rec.ch)
	var states []State
	for s := range rec.ch {
		states = append(states, s)
	}
	// Remaining buffered states, if any, must not repeat their predecessor.
	prev := StateDisconnected
	for _, s := range states {
		assert.NotEqual(t, prev, s, "consecutive duplicate state emitted")
		prev = s
	}
}

func TestConcurrentConnectStartsSingleLifecycle(t *testing.T) {
	const racers = 8

	for i := 0; i < 50; i++ {
		dialer := &fakeDialer{}
		rec := newStateRecorder()
		m := NewManager("ws://test/chat", dialer.dial, testReconnectConfig())
		m.OnStateChange(rec)

		start := make(chan struct{})
		errs := make(chan error, racers)
		var wg sync.WaitGroup
		for j := 0; j < racers; j++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				<-start
				errs <- m.Connect(context.Background())
			}()
		}
		close(start)
		wg.Wait()
		close(errs)

		accepted := 0
		for err := range errs {
			switch err {
			case nil:
				accepted++
			case ErrConnectInProgress, ErrAlreadyConnected:
			default:
				t.Fatalf("iteration %d: unexpected error %v", i, err)
			}
		}
		require.Equal(t, 1, accepted, "iteration %d: exactly one Connect call may win", i)

		rec.waitFor(t, StateConnected)
		m.Disconnect()
		rec.waitFor(t, StateDisconnected)
		assert.Equal(t, 1, dialer.dialCount(), "iteration %d: a lost Connect race must not dial", i)
	}
}

func TestBackoffDelayCapped(t *testing.T) {
	cfg := config.ReconnectConfig{
		MaxAttempts: 10,
		BaseDelay:   time.Second,
		MaxDelay:    30 * time.Second,
	}
	m := NewManager("ws://test", nil, cfg)

	want := []time.Duration{
		time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
		30 * time.Second,
		30 * time.Second,
	}
	for i, expected := range want {
		assert.Equal(t, expected, m.backoffDelay(i+1), "attempt %d", i+1)
	}
}
