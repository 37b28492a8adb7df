package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/roach88/coldtrace/internal/record"
)

// Sink receives notifications. Implementations must be safe for concurrent
// use; the dispatcher calls Notify from a single goroutine but CLI commands
// may share a sink.
type Sink interface {
	Notify(ctx context.Context, n record.Notification) error
}

// LogSink writes each notification as a structured log line.
type LogSink struct {
	Logger *slog.Logger
}

// Notify implements Sink.
func (s LogSink) Notify(ctx context.Context, n record.Notification) error {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}

	attrs := []any{
		"notification_id", n.ID,
		"kind", n.Kind,
		"facility_id", n.FacilityID,
	}
	switch {
	case n.Deviation != nil:
		attrs = append(attrs,
			"deviation_id", n.Deviation.ID,
			"deviation_kind", n.Deviation.Kind,
			"severity", n.Deviation.Severity.Level,
			"start", n.Deviation.Start,
			"end", n.Deviation.End,
		)
	case n.Change != nil:
		attrs = append(attrs,
			"incident_id", n.Change.IncidentID,
			"action", n.Change.Action,
			"from_state", n.Change.FromState,
			"to_state", n.Change.ToState,
			"actor", n.Change.Actor,
		)
	}
	logger.InfoContext(ctx, "notification", attrs...)
	return nil
}

// JSONLSink appends one JSON object per notification to a file.
type JSONLSink struct {
	mu   sync.Mutex
	path string
}

// NewJSONLSink creates a sink appending to path. The file is opened per
// write so external log rotation is honoured.
func NewJSONLSink(path string) *JSONLSink {
	return &JSONLSink{path: path}
}

// Notify implements Sink.
func (s *JSONLSink) Notify(_ context.Context, n record.Notification) error {
	line, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("jsonl sink: marshal: %w", err)
	}
	line = append(line, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.OpenFile(s.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("jsonl sink: open: %w", err)
	}
	if _, err := f.Write(line); err != nil {
		f.Close()
		return fmt.Errorf("jsonl sink: write: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("jsonl sink: close: %w", err)
	}
	return nil
}

// MultiSink fans a notification out to every sink. All pending sinks are
// attempted and the joined error of the failures is returned. Sinks that
// already accepted a notification are skipped when it is retried, so a
// failing webhook does not duplicate entries in the log or JSONL file.
type MultiSink struct {
	sinks []Sink

	mu   sync.Mutex
	done map[string][]bool // notification ID -> accepted, per sink
}

// NewMultiSink creates a fan-out over sinks.
func NewMultiSink(sinks ...Sink) *MultiSink {
	return &MultiSink{sinks: sinks, done: map[string][]bool{}}
}

// Len returns the number of child sinks.
func (m *MultiSink) Len() int {
	return len(m.sinks)
}

// Notify implements Sink.
func (m *MultiSink) Notify(ctx context.Context, n record.Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	accepted := m.done[n.ID]
	if accepted == nil {
		accepted = make([]bool, len(m.sinks))
	}

	var errs []error
	for i, s := range m.sinks {
		if accepted[i] {
			continue
		}
		if err := s.Notify(ctx, n); err != nil {
			errs = append(errs, err)
			continue
		}
		accepted[i] = true
	}

	if len(errs) == 0 {
		delete(m.done, n.ID)
		return nil
	}
	m.done[n.ID] = accepted
	return errors.Join(errs...)
}

// Forget discards the per-sink progress of a notification that will not be
// retried.
func (m *MultiSink) Forget(id string) {
	m.mu.Lock()
	delete(m.done, id)
	m.mu.Unlock()
}
