package notify

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/coldtrace/internal/record"
	"github.com/roach88/coldtrace/internal/store"
)

type fakeOutbox struct {
	mu      sync.Mutex
	pending []store.OutboxEntry
	status  map[string]string
	tries   map[string]int
}

func newFakeOutbox(pending ...store.OutboxEntry) *fakeOutbox {
	return &fakeOutbox{pending: pending, status: map[string]string{}, tries: map[string]int{}}
}

func (o *fakeOutbox) PendingNotifications(context.Context, int) ([]store.OutboxEntry, error) {
	return o.pending, nil
}

func (o *fakeOutbox) set(id, status string, attempts int) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.status[id] = status
	o.tries[id] = attempts
	return nil
}

func (o *fakeOutbox) MarkDelivered(_ context.Context, id string, attempts int, _ time.Time) error {
	return o.set(id, store.OutboxDelivered, attempts)
}

func (o *fakeOutbox) MarkDropped(_ context.Context, id string, attempts int, _ string, _ time.Time) error {
	return o.set(id, store.OutboxDropped, attempts)
}

func (o *fakeOutbox) RecordAttempt(_ context.Context, id string, attempts int, _ string, _ time.Time) error {
	return o.set(id, store.OutboxPending, attempts)
}

// flakySink fails the first n calls per notification.
type flakySink struct {
	mu    sync.Mutex
	fails int
	calls map[string]int
	order []string
}

func (s *flakySink) Notify(_ context.Context, n record.Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.calls == nil {
		s.calls = map[string]int{}
	}
	s.calls[n.ID]++
	if s.calls[n.ID] <= s.fails {
		return errors.New("unavailable")
	}
	s.order = append(s.order, n.ID)
	return nil
}

func noSleep(sleeps *[]time.Duration) func(context.Context, time.Duration) error {
	return func(_ context.Context, d time.Duration) error {
		*sleeps = append(*sleeps, d)
		return nil
	}
}

func TestBackoff(t *testing.T) {
	base, ceiling := 100*time.Millisecond, time.Second
	assert.Equal(t, 100*time.Millisecond, Backoff(1, base, ceiling))
	assert.Equal(t, 200*time.Millisecond, Backoff(2, base, ceiling))
	assert.Equal(t, 400*time.Millisecond, Backoff(3, base, ceiling))
	assert.Equal(t, 800*time.Millisecond, Backoff(4, base, ceiling))
	assert.Equal(t, time.Second, Backoff(5, base, ceiling))
	assert.Equal(t, time.Second, Backoff(60, base, ceiling))
	assert.Equal(t, 100*time.Millisecond, Backoff(0, base, ceiling))
}

func TestDispatcher_RetriesThenDelivers(t *testing.T) {
	outbox := newFakeOutbox()
	sink := &flakySink{fails: 2}
	var sleeps []time.Duration
	d := NewDispatcher(outbox, sink,
		WithRetry(5, 10*time.Millisecond, time.Second),
		WithSleep(noSleep(&sleeps)),
	)

	d.Enqueue(deviationNotification("n1"))
	require.NoError(t, d.Drain(context.Background()))

	assert.Equal(t, store.OutboxDelivered, outbox.status["n1"])
	assert.Equal(t, 3, outbox.tries["n1"])
	assert.Equal(t, []time.Duration{10 * time.Millisecond, 20 * time.Millisecond}, sleeps)
}

func TestDispatcher_DropsAfterMaxAttempts(t *testing.T) {
	outbox := newFakeOutbox()
	sink := &flakySink{fails: 100}
	var sleeps []time.Duration
	d := NewDispatcher(outbox, sink, WithRetry(3, time.Millisecond, time.Millisecond), WithSleep(noSleep(&sleeps)))

	d.Enqueue(deviationNotification("n1"), deviationNotification("n2"))
	require.NoError(t, d.Drain(context.Background()))

	// Dropping one notification does not block the next.
	assert.Equal(t, store.OutboxDropped, outbox.status["n1"])
	assert.Equal(t, store.OutboxDropped, outbox.status["n2"])
	assert.Equal(t, 3, outbox.tries["n1"])
	assert.Len(t, sleeps, 4)
}

func TestDispatcher_FailingSinkDoesNotDuplicateHealthyOnes(t *testing.T) {
	path := filepath.Join(t.TempDir(), "alerts.jsonl")
	up := &flakySink{}
	down := &flakySink{fails: 100}
	outbox := newFakeOutbox()
	var sleeps []time.Duration
	d := NewDispatcher(outbox, NewMultiSink(NewJSONLSink(path), up, down),
		WithRetry(5, time.Millisecond, time.Millisecond),
		WithSleep(noSleep(&sleeps)),
	)

	d.Enqueue(deviationNotification("n1"))
	require.NoError(t, d.Drain(context.Background()))

	assert.Equal(t, store.OutboxDropped, outbox.status["n1"])
	assert.Equal(t, 5, down.calls["n1"])
	assert.Equal(t, 1, up.calls["n1"])

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, 1, strings.Count(string(data), "\n"))
}

func TestDispatcher_RecoverResumesAttemptCount(t *testing.T) {
	outbox := newFakeOutbox(store.OutboxEntry{Notification: changeNotification("n9"), Status: store.OutboxPending, Attempts: 2})
	sink := &flakySink{fails: 100}
	var sleeps []time.Duration
	d := NewDispatcher(outbox, sink, WithRetry(3, time.Millisecond, time.Millisecond), WithSleep(noSleep(&sleeps)))

	n, err := d.Recover(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.NoError(t, d.Drain(context.Background()))

	assert.Equal(t, store.OutboxDropped, outbox.status["n9"])
	assert.Equal(t, 1, sink.calls["n9"])
}

func TestDispatcher_RunDeliversInOrderAndStops(t *testing.T) {
	outbox := newFakeOutbox()
	sink := &flakySink{}
	d := NewDispatcher(outbox, sink)

	done := make(chan error, 1)
	go func() { done <- d.Run(context.Background()) }()

	d.Enqueue(deviationNotification("a"), deviationNotification("b"), changeNotification("c"))
	d.Stop()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("dispatcher did not stop")
	}
	assert.Equal(t, []string{"a", "b", "c"}, sink.order)
	assert.False(t, d.Enqueue(deviationNotification("late")))
}

func TestDispatcher_RunCancelled(t *testing.T) {
	d := NewDispatcher(newFakeOutbox(), &flakySink{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, d.Run(ctx), context.Canceled)
}
