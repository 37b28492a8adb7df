package engine

import (
	"context"
	"errors"
	"log/slog"

	"github.com/roach88/coldtrace/internal/detector"
	"github.com/roach88/coldtrace/internal/queue"
	"github.com/roach88/coldtrace/internal/record"
)

// errLaneClosed is returned when work is submitted after Stop.
var errLaneClosed = errors.New("engine stopped")

// task is one unit of work executed on a lane goroutine.
type task struct {
	ctx  context.Context
	run  func(ctx context.Context, l *lane) (any, error)
	done chan taskResult
}

type taskResult struct {
	value any
	err   error
}

// lane serialises all detection work for one facility.
//
// detectors is touched only by the lane goroutine.
type lane struct {
	facilityID string
	queue      *queue.Queue[task]
	detectors  map[record.Metric]*detector.Detector
	logger     *slog.Logger
}

func newLane(facilityID string, logger *slog.Logger) *lane {
	return &lane{
		facilityID: facilityID,
		queue:      queue.New[task](),
		detectors:  make(map[record.Metric]*detector.Detector),
		logger:     logger.With("facility_id", facilityID),
	}
}

// run drains the lane until it is closed and empty.
// Must be called from exactly one goroutine.
func (l *lane) run() {
	for {
		t, ok := l.queue.TryDequeue()
		if ok {
			value, err := t.run(t.ctx, l)
			t.done <- taskResult{value: value, err: err}
			continue
		}

		<-l.queue.Wait()
		if l.queue.Closed() && l.queue.Len() == 0 {
			l.logger.Debug("lane stopped")
			return
		}
	}
}

// do submits fn and waits for its result or ctx cancellation. A task
// already queued when ctx is cancelled still runs; its result is dropped.
func (l *lane) do(ctx context.Context, fn func(ctx context.Context, l *lane) (any, error)) (any, error) {
	t := task{ctx: ctx, run: fn, done: make(chan taskResult, 1)}
	if !l.queue.Enqueue(t) {
		return nil, errLaneClosed
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-t.done:
		return r.value, r.err
	}
}
