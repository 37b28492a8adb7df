package notify

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/roach88/coldtrace/internal/queue"
	"github.com/roach88/coldtrace/internal/record"
	"github.com/roach88/coldtrace/internal/store"
)

// Outbox is the durable side of delivery. Implemented by *store.Store.
type Outbox interface {
	PendingNotifications(ctx context.Context, limit int) ([]store.OutboxEntry, error)
	MarkDelivered(ctx context.Context, id string, attempts int, at time.Time) error
	MarkDropped(ctx context.Context, id string, attempts int, lastErr string, at time.Time) error
	RecordAttempt(ctx context.Context, id string, attempts int, lastErr string, at time.Time) error
}

// forgetter is implemented by sinks that keep per-notification retry state.
type forgetter interface {
	Forget(id string)
}

// Default retry policy.
const (
	DefaultMaxAttempts = 5
	DefaultBaseDelay   = 500 * time.Millisecond
	DefaultMaxDelay    = 30 * time.Second
)

// Dispatcher delivers committed notifications in commit order.
//
// Thread-safety model:
//   - Enqueue(): safe from any goroutine
//   - Run(): must be called from exactly one goroutine
type Dispatcher struct {
	outbox Outbox
	sink   Sink
	queue  *queue.Queue[store.OutboxEntry]
	logger *slog.Logger

	maxAttempts int
	baseDelay   time.Duration
	maxDelay    time.Duration

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithRetry sets the retry policy. Zero values keep the defaults.
func WithRetry(maxAttempts int, baseDelay, maxDelay time.Duration) Option {
	return func(d *Dispatcher) {
		if maxAttempts > 0 {
			d.maxAttempts = maxAttempts
		}
		if baseDelay > 0 {
			d.baseDelay = baseDelay
		}
		if maxDelay > 0 {
			d.maxDelay = maxDelay
		}
	}
}

// WithLogger sets the logger used for delivery failures.
func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) {
		d.logger = l
	}
}

// WithNow sets the time source used to stamp outbox updates.
func WithNow(now func() time.Time) Option {
	return func(d *Dispatcher) {
		d.now = now
	}
}

// WithSleep replaces the backoff wait, e.g. to make tests instant.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(d *Dispatcher) {
		d.sleep = sleep
	}
}

// NewDispatcher creates a dispatcher delivering from outbox to sink.
func NewDispatcher(outbox Outbox, sink Sink, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		outbox:      outbox,
		sink:        sink,
		queue:       queue.New[store.OutboxEntry](),
		logger:      slog.Default(),
		maxAttempts: DefaultMaxAttempts,
		baseDelay:   DefaultBaseDelay,
		maxDelay:    DefaultMaxDelay,
		now:         func() time.Time { return time.Now().UTC() },
		sleep:       sleepContext,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Enqueue schedules committed notifications for delivery.
// Returns false if the dispatcher has been stopped.
func (d *Dispatcher) Enqueue(ns ...record.Notification) bool {
	for _, n := range ns {
		if !d.queue.Enqueue(store.OutboxEntry{Notification: n, Status: store.OutboxPending}) {
			return false
		}
	}
	return true
}

// Recover re-queues every pending outbox row, e.g. after a restart.
// Returns the number of rows queued.
func (d *Dispatcher) Recover(ctx context.Context) (int, error) {
	pending, err := d.outbox.PendingNotifications(ctx, 0)
	if err != nil {
		return 0, fmt.Errorf("recover outbox: %w", err)
	}
	for _, e := range pending {
		d.queue.Enqueue(e)
	}
	if len(pending) > 0 {
		d.logger.Info("re-queued pending notifications", "count", len(pending))
	}
	return len(pending), nil
}

// Run delivers queued notifications until ctx is cancelled or Stop is
// called and the queue has drained.
func (d *Dispatcher) Run(ctx context.Context) error {
	for {
		entry, ok := d.queue.TryDequeue()
		if ok {
			if err := d.deliver(ctx, entry); err != nil {
				return err
			}
			continue
		}

		select {
		case <-ctx.Done():
			d.queue.Close()
			return ctx.Err()
		case <-d.queue.Wait():
			if d.queue.Closed() && d.queue.Len() == 0 {
				return nil
			}
		}
	}
}

// Stop stops accepting notifications. Run returns once the queue drains.
func (d *Dispatcher) Stop() {
	d.queue.Close()
}

// Drain delivers everything currently queued and returns, without waiting
// for new notifications. Used by one-shot CLI commands.
func (d *Dispatcher) Drain(ctx context.Context) error {
	for {
		entry, ok := d.queue.TryDequeue()
		if !ok {
			return nil
		}
		if err := d.deliver(ctx, entry); err != nil {
			return err
		}
	}
}

// deliver attempts one notification until it succeeds or runs out of
// attempts. Only context cancellation and outbox failures are returned;
// a dropped notification is logged and swallowed.
func (d *Dispatcher) deliver(ctx context.Context, entry store.OutboxEntry) error {
	n := entry.Notification
	attempts := entry.Attempts

	for {
		attempts++
		err := d.sink.Notify(ctx, n)
		if err == nil {
			if err := d.outbox.MarkDelivered(ctx, n.ID, attempts, d.now()); err != nil {
				return fmt.Errorf("deliver %s: %w", n.ID, err)
			}
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if attempts >= d.maxAttempts {
			d.logger.Error("notification delivery failure",
				"notification_id", n.ID,
				"kind", n.Kind,
				"facility_id", n.FacilityID,
				"attempts", attempts,
				"error", err,
			)
			if f, ok := d.sink.(forgetter); ok {
				f.Forget(n.ID)
			}
			if err := d.outbox.MarkDropped(ctx, n.ID, attempts, err.Error(), d.now()); err != nil {
				return fmt.Errorf("deliver %s: %w", n.ID, err)
			}
			return nil
		}

		d.logger.Warn("notification delivery failed, retrying",
			"notification_id", n.ID,
			"attempt", attempts,
			"error", err,
		)
		if err := d.outbox.RecordAttempt(ctx, n.ID, attempts, err.Error(), d.now()); err != nil {
			return fmt.Errorf("deliver %s: %w", n.ID, err)
		}
		if err := d.sleep(ctx, Backoff(attempts, d.baseDelay, d.maxDelay)); err != nil {
			return err
		}
	}
}

// Backoff returns the wait after the given failed attempt (1-based):
// base * 2^(attempt-1), capped at ceiling.
func Backoff(attempt int, base, ceiling time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= ceiling || d <= 0 {
			return ceiling
		}
	}
	if d > ceiling {
		return ceiling
	}
	return d
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
