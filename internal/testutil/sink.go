package testutil

import (
	"context"
	"sync"

	"github.com/roach88/coldtrace/internal/record"
)

// RecordingSink keeps every notification it receives, in delivery order.
// It satisfies notify.Sink.
type RecordingSink struct {
	mu  sync.Mutex
	got []record.Notification
}

// Notify records n.
func (s *RecordingSink) Notify(_ context.Context, n record.Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.got = append(s.got, n)
	return nil
}

// Notifications returns a copy of what has been delivered so far.
func (s *RecordingSink) Notifications() []record.Notification {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]record.Notification(nil), s.got...)
}

// Take returns the notifications delivered since the last Take.
func (s *RecordingSink) Take() []record.Notification {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.got
	s.got = nil
	return out
}
