package store

import (
	"context"
	"fmt"

	"github.com/roach88/coldtrace/internal/record"
)

// StreamState is the persisted detector state of one stream, used to
// resume detection after a restart.
type StreamState struct {
	FacilityID string
	Metric     record.Metric
	State      []byte
	ReadingSeq int64 // store sequence of the last reading applied to State
}

// RecoveryState summarises what a restarted engine must resume.
type RecoveryState struct {
	Streams        []StreamState
	IncompleteJobs []string // reevaluation job IDs with completed = 0
	PendingOutbox  int
}

// ReadRecoveryState loads everything needed to resume after a crash.
// Streams are ordered by facility then metric, jobs by ID.
func (s *Store) ReadRecoveryState(ctx context.Context) (RecoveryState, error) {
	streams, err := s.readStreamStates(ctx)
	if err != nil {
		return RecoveryState{}, fmt.Errorf("read recovery state: %w", err)
	}

	jobs, err := s.readIncompleteJobs(ctx)
	if err != nil {
		return RecoveryState{}, fmt.Errorf("read recovery state: %w", err)
	}

	var pending int
	err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM outbox WHERE status = ?`, OutboxPending).Scan(&pending)
	if err != nil {
		return RecoveryState{}, fmt.Errorf("read recovery state: count outbox: %w", err)
	}

	return RecoveryState{Streams: streams, IncompleteJobs: jobs, PendingOutbox: pending}, nil
}

func (s *Store) readStreamStates(ctx context.Context) ([]StreamState, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT facility_id, metric, state_json, reading_seq
		FROM detector_state
		ORDER BY facility_id COLLATE BINARY ASC, metric COLLATE BINARY ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query detector state: %w", err)
	}
	defer rows.Close()

	streams := []StreamState{}
	for rows.Next() {
		var (
			st     StreamState
			metric string
			state  string
		)
		if err := rows.Scan(&st.FacilityID, &metric, &state, &st.ReadingSeq); err != nil {
			return nil, fmt.Errorf("scan detector state: %w", err)
		}
		st.Metric = record.Metric(metric)
		st.State = []byte(state)
		streams = append(streams, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate detector state: %w", err)
	}
	return streams, nil
}

func (s *Store) readIncompleteJobs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT job_id FROM reevaluation_checkpoints
		WHERE completed = 0
		ORDER BY job_id COLLATE BINARY ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query checkpoints: %w", err)
	}
	defer rows.Close()

	jobs := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan checkpoint: %w", err)
		}
		jobs = append(jobs, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate checkpoints: %w", err)
	}
	return jobs, nil
}
