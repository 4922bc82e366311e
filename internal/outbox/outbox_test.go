package outbox

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mindcare/realtime-core/internal/domain"
	"github.com/mindcare/realtime-core/internal/rewards"
)

// fakeSubmitter scripts backend responses per call.
type fakeSubmitter struct {
	mu      sync.Mutex
	calls   []string
	respond func(ev *domain.PendingRewardEvent) (rewards.Result, error)

	started chan struct{} // signaled on first call, if set
	release chan struct{} // blocks calls until closed, if set
	once    sync.Once
}

func (f *fakeSubmitter) Submit(_ context.Context, ev *domain.PendingRewardEvent) (rewards.Result, error) {
	if f.started != nil {
		f.once.Do(func() { close(f.started) })
	}
	if f.release != nil {
		<-f.release
	}

	f.mu.Lock()
	f.calls = append(f.calls, ev.IdempotencyKey)
	f.mu.Unlock()

	if f.respond != nil {
		return f.respond(ev)
	}
	return rewards.Result{Accepted: true, ServerID: "srv-" + ev.IdempotencyKey[:8]}, nil
}

func (f *fakeSubmitter) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func newTestOutbox(t *testing.T, sub Submitter) (*Outbox, *MemoryStore) {
	t.Helper()
	store := NewMemoryStore()
	box, err := New(context.Background(), store, sub, "user-1", 5)
	require.NoError(t, err)
	return box, store
}

func TestEnqueuePersistsBeforeDelivery(t *testing.T) {
	box, store := newTestOutbox(t, &fakeSubmitter{})

	require.NoError(t, box.Enqueue(domain.ActivityChatCompletion, "session-1", map[string]any{"messageCount": 3}))

	persisted, err := store.List(context.Background(), "user-1")
	require.NoError(t, err)
	require.Len(t, persisted, 1)
	assert.Equal(t, domain.RewardPending, persisted[0].Status)
	assert.Zero(t, persisted[0].Attempts)
}

func TestEnqueueDeduplicatesSameLogicalEvent(t *testing.T) {
	box, _ := newTestOutbox(t, &fakeSubmitter{})

	require.NoError(t, box.Enqueue(domain.ActivityChatCompletion, "session-1", nil))
	require.NoError(t, box.Enqueue(domain.ActivityChatCompletion, "session-1", nil))

	assert.Len(t, box.Pending(), 1)
}

func TestFlushDeliversInEnqueueOrder(t *testing.T) {
	sub := &fakeSubmitter{}
	box, store := newTestOutbox(t, sub)

	var keys []string
	for i := 0; i < 3; i++ {
		require.NoError(t, box.Enqueue(domain.ActivityChatCompletion, fmt.Sprintf("session-%d", i), nil))
	}
	for _, ev := range box.Pending() {
		keys = append(keys, ev.IdempotencyKey)
	}

	result, err := box.Flush(context.Background())
	require.NoError(t, err)
	assert.Equal(t, FlushResult{Attempted: 3, Synced: 3, Failed: 0, Remaining: 0}, result)
	assert.Equal(t, keys, sub.calls, "delivery must follow enqueue order")

	persisted, err := store.List(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Empty(t, persisted, "confirmed events are removed from the store")
	assert.Empty(t, box.Pending())
}

func TestRetryableFailureExhaustsAttemptBudget(t *testing.T) {
	sub := &fakeSubmitter{respond: func(*domain.PendingRewardEvent) (rewards.Result, error) {
		return rewards.Result{}, errors.New("backend unavailable: status 503")
	}}
	box, store := newTestOutbox(t, sub)
	require.NoError(t, box.Enqueue(domain.ActivityChatCompletion, "session-1", nil))

	for i := 1; i <= 4; i++ {
		result, err := box.Flush(context.Background())
		require.NoError(t, err)
		assert.Equal(t, FlushResult{Attempted: 1, Remaining: 1}, result)
		assert.Equal(t, i, box.Pending()[0].Attempts)
		assert.Equal(t, domain.RewardPending, box.Pending()[0].Status)
	}

	// Fifth failure hits the cap: the event is retained but marked failed.
	result, err := box.Flush(context.Background())
	require.NoError(t, err)
	assert.Equal(t, FlushResult{Attempted: 1, Failed: 1, Remaining: 1}, result)
	assert.Equal(t, domain.RewardFailed, box.Pending()[0].Status)

	// Later flushes skip it entirely; attempts stay frozen.
	result, err = box.Flush(context.Background())
	require.NoError(t, err)
	assert.Equal(t, FlushResult{Remaining: 1}, result)
	assert.Equal(t, 5, sub.callCount())

	persisted, err := store.List(context.Background(), "user-1")
	require.NoError(t, err)
	require.Len(t, persisted, 1)
	assert.Equal(t, domain.RewardFailed, persisted[0].Status)
	assert.Equal(t, 5, persisted[0].Attempts)
}

func TestRejectionFailsWithoutRetry(t *testing.T) {
	sub := &fakeSubmitter{respond: func(*domain.PendingRewardEvent) (rewards.Result, error) {
		return rewards.Result{}, fmt.Errorf("%w: status 400", rewards.ErrRejected)
	}}
	box, _ := newTestOutbox(t, sub)
	require.NoError(t, box.Enqueue(domain.ActivityChatCompletion, "session-1", nil))

	result, err := box.Flush(context.Background())
	require.NoError(t, err)
	assert.Equal(t, FlushResult{Attempted: 1, Failed: 1, Remaining: 1}, result)

	result, err = box.Flush(context.Background())
	require.NoError(t, err)
	assert.Zero(t, result.Attempted)
	assert.Equal(t, 1, sub.callCount(), "a rejected payload is never retried")
}

func TestEmptyFlushMakesNoNetworkCalls(t *testing.T) {
	sub := &fakeSubmitter{}
	box, _ := newTestOutbox(t, sub)

	result, err := box.Flush(context.Background())
	require.NoError(t, err)
	assert.Equal(t, FlushResult{}, result)
	assert.Zero(t, sub.callCount())
}

func TestConcurrentFlushJoinsInFlightPass(t *testing.T) {
	sub := &fakeSubmitter{
		started: make(chan struct{}),
		release: make(chan struct{}),
	}
	box, _ := newTestOutbox(t, sub)
	require.NoError(t, box.Enqueue(domain.ActivityChatCompletion, "session-1", nil))

	results := make(chan FlushResult, 2)
	flush := func() {
		result, err := box.Flush(context.Background())
		require.NoError(t, err)
		results <- result
	}

	go flush()
	<-sub.started // first flush is mid-delivery
	go flush()
	time.Sleep(20 * time.Millisecond)
	close(sub.release)

	first := <-results
	second := <-results
	assert.Equal(t, first, second, "the joining caller observes the in-flight result")
	assert.Equal(t, 1, sub.callCount(), "one delivery despite two flush calls")
}

func TestRestartRestoresQueueFromStore(t *testing.T) {
	store := NewMemoryStore()
	box1, err := New(context.Background(), store, &fakeSubmitter{}, "user-1", 5)
	require.NoError(t, err)

	require.NoError(t, box1.Enqueue(domain.ActivityChatCompletion, "session-1", map[string]any{"messageCount": 3}))
	require.NoError(t, box1.Enqueue(domain.ActivityChatCompletion, "session-2", nil))
	before := box1.Pending()

	box2, err := New(context.Background(), store, &fakeSubmitter{}, "user-1", 5)
	require.NoError(t, err)
	after := box2.Pending()

	require.Len(t, after, 2)
	for i := range before {
		assert.Equal(t, before[i].IdempotencyKey, after[i].IdempotencyKey)
		assert.Equal(t, before[i].ActivityType, after[i].ActivityType)
		assert.Equal(t, before[i].Metadata, after[i].Metadata)
	}
}

func TestRecoveryResetsInFlightEvents(t *testing.T) {
	store := NewMemoryStore()
	require.NoError(t, store.Append(context.Background(), &domain.PendingRewardEvent{
		ActivityType:   domain.ActivityChatCompletion,
		IdempotencyKey: "stuck-key",
		EnqueuedAt:     time.Now(),
		Attempts:       2,
		Status:         domain.RewardSyncing,
		UserID:         "user-1",
	}))

	box, err := New(context.Background(), store, &fakeSubmitter{}, "user-1", 5)
	require.NoError(t, err)

	pending := box.Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, domain.RewardPending, pending[0].Status, "a crash mid-flush must not strand the event")

	persisted, err := store.List(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Equal(t, domain.RewardPending, persisted[0].Status)
}

func TestRetryFailedReArmsForDelivery(t *testing.T) {
	rejected := true
	sub := &fakeSubmitter{respond: func(ev *domain.PendingRewardEvent) (rewards.Result, error) {
		if rejected {
			return rewards.Result{}, fmt.Errorf("%w: status 422", rewards.ErrRejected)
		}
		return rewards.Result{Accepted: true, ServerID: "srv-1"}, nil
	}}
	box, _ := newTestOutbox(t, sub)
	require.NoError(t, box.Enqueue(domain.ActivityChatCompletion, "session-1", nil))

	_, err := box.Flush(context.Background())
	require.NoError(t, err)
	require.Equal(t, domain.RewardFailed, box.Pending()[0].Status)

	assert.Equal(t, 1, box.RetryFailed(context.Background()))
	assert.Equal(t, domain.RewardPending, box.Pending()[0].Status)
	assert.Zero(t, box.Pending()[0].Attempts)

	rejected = false
	result, err := box.Flush(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.Synced)
	assert.Empty(t, box.Pending())
}

func TestClearDiscardsEverything(t *testing.T) {
	box, store := newTestOutbox(t, &fakeSubmitter{})
	require.NoError(t, box.Enqueue(domain.ActivityChatCompletion, "session-1", nil))
	require.NoError(t, box.Enqueue(domain.ActivityChatCompletion, "session-2", nil))

	require.NoError(t, box.Clear(context.Background()))

	assert.Empty(t, box.Pending())
	persisted, err := store.List(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Empty(t, persisted)
}
