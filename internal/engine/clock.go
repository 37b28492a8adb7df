package engine

import (
	"sync"
	"time"
)

// Clock supplies processing timestamps: incident opened/resolved times,
// audit entries and outbox rows. Reading timestamps always come from the
// reading itself.
type Clock interface {
	Now() time.Time
}

// SystemClock is the wall clock in UTC.
type SystemClock struct{}

// Now returns the current UTC time.
func (SystemClock) Now() time.Time {
	return time.Now().UTC()
}

// SteppingClock returns a fixed start time advanced by a constant step on
// every call. Used by scenarios and tests for byte-identical traces.
//
// Thread-safety: SteppingClock is safe for concurrent use via internal mutex.
type SteppingClock struct {
	mu   sync.Mutex
	next time.Time
	step time.Duration
}

// NewSteppingClock creates a clock whose first Now() returns start.
func NewSteppingClock(start time.Time, step time.Duration) *SteppingClock {
	return &SteppingClock{next: start.UTC(), step: step}
}

// Now returns the next timestamp.
func (c *SteppingClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.next
	c.next = c.next.Add(c.step)
	return t
}
