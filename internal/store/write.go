package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/coldtrace/internal/record"
)

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// CommitReading atomically appends a reading with its consequences.
//
// The reading is inserted with ON CONFLICT(id) DO NOTHING. If it already
// exists the transaction is abandoned and Inserted=false is returned, so
// re-ingesting an identical reading is a no-op. Otherwise the detector state
// is replaced and each deviation is written via writeDeviation.
func (s *Store) CommitReading(ctx context.Context, c ReadingCommit) (CommitResult, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return CommitResult{}, fmt.Errorf("commit reading: begin tx: %w", err)
	}
	defer tx.Rollback() // No-op if committed

	r := c.Reading
	result, err := tx.ExecContext(ctx, `
		INSERT INTO readings
		(id, facility_id, metric, ts, value, unit)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`,
		r.ID,
		r.FacilityID,
		string(r.Metric),
		toNanos(r.Timestamp),
		r.Value.String(),
		string(r.Unit),
	)
	if err != nil {
		return CommitResult{}, fmt.Errorf("commit reading: insert reading: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return CommitResult{}, fmt.Errorf("commit reading: rows affected: %w", err)
	}
	if rowsAffected == 0 {
		var seq int64
		if err := tx.QueryRowContext(ctx, `SELECT seq FROM readings WHERE id = ?`, r.ID).Scan(&seq); err != nil {
			return CommitResult{}, fmt.Errorf("commit reading: select existing: %w", err)
		}
		return CommitResult{Inserted: false, Seq: seq, NewDeviations: []string{}}, nil
	}

	seq, err := result.LastInsertId()
	if err != nil {
		return CommitResult{}, fmt.Errorf("commit reading: last insert id: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO detector_state (facility_id, metric, state_json, reading_seq)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(facility_id, metric) DO UPDATE SET
			state_json = excluded.state_json,
			reading_seq = excluded.reading_seq
	`, r.FacilityID, string(r.Metric), string(c.DetectorState), seq)
	if err != nil {
		return CommitResult{}, fmt.Errorf("commit reading: write detector state: %w", err)
	}

	newDeviations, err := writeDeviations(ctx, tx, c.Deviations)
	if err != nil {
		return CommitResult{}, fmt.Errorf("commit reading: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return CommitResult{}, fmt.Errorf("commit reading: commit: %w", err)
	}

	return CommitResult{Inserted: true, Seq: seq, NewDeviations: newDeviations}, nil
}

// CommitDeviations atomically writes deviations that were not caused by a
// new reading, e.g. a window closed by Flush. The detector state for the
// stream is replaced when state is non-nil.
func (s *Store) CommitDeviations(ctx context.Context, facilityID string, metric record.Metric, state []byte, devs []DeviationWrite) ([]string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("commit deviations: begin tx: %w", err)
	}
	defer tx.Rollback()

	if state != nil {
		_, err = tx.ExecContext(ctx, `
			UPDATE detector_state SET state_json = ?
			WHERE facility_id = ? AND metric = ?
		`, string(state), facilityID, string(metric))
		if err != nil {
			return nil, fmt.Errorf("commit deviations: write detector state: %w", err)
		}
	}

	newDeviations, err := writeDeviations(ctx, tx, devs)
	if err != nil {
		return nil, fmt.Errorf("commit deviations: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit deviations: commit: %w", err)
	}
	return newDeviations, nil
}

// CommitReevaluationBatch atomically writes a batch of recomputed deviations
// together with the job checkpoint that covers them.
func (s *Store) CommitReevaluationBatch(ctx context.Context, cp Checkpoint, devs []DeviationWrite) ([]string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("commit reevaluation batch: begin tx: %w", err)
	}
	defer tx.Rollback()

	newDeviations, err := writeDeviations(ctx, tx, devs)
	if err != nil {
		return nil, fmt.Errorf("commit reevaluation batch: %w", err)
	}

	if err := writeCheckpoint(ctx, tx, cp); err != nil {
		return nil, fmt.Errorf("commit reevaluation batch: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit reevaluation batch: commit: %w", err)
	}
	return newDeviations, nil
}

// SaveCheckpoint writes a checkpoint outside a batch, e.g. on job start.
func (s *Store) SaveCheckpoint(ctx context.Context, cp Checkpoint) error {
	if err := writeCheckpoint(ctx, s.db, cp); err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	return nil
}

// WriteIncidentChange atomically persists one lifecycle step, its audit entry
// and its notifications.
//
// Returns ErrConflict if the incident was modified since PrevVersion, and
// ErrNotFound if it does not exist.
func (s *Store) WriteIncidentChange(ctx context.Context, ch IncidentChange, notifications []record.Notification) (record.AuditEntry, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return record.AuditEntry{}, fmt.Errorf("write incident change: begin tx: %w", err)
	}
	defer tx.Rollback()

	entry, err := applyIncidentChange(ctx, tx, ch)
	if err != nil {
		return record.AuditEntry{}, fmt.Errorf("write incident change: %w", err)
	}

	for _, n := range notifications {
		if err := insertOutbox(ctx, tx, n); err != nil {
			return record.AuditEntry{}, fmt.Errorf("write incident change: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return record.AuditEntry{}, fmt.Errorf("write incident change: commit: %w", err)
	}
	return entry, nil
}

// writeDeviations inserts each deviation and, only for new ones, its incident
// change and notifications. Returns the IDs of newly inserted deviations.
func writeDeviations(ctx context.Context, tx *sql.Tx, devs []DeviationWrite) ([]string, error) {
	inserted := []string{}
	for _, d := range devs {
		ok, err := insertDeviation(ctx, tx, d.Event)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		inserted = append(inserted, d.Event.ID)

		if d.Incident != nil {
			if _, err := applyIncidentChange(ctx, tx, *d.Incident); err != nil {
				return nil, err
			}
		}
		for _, n := range d.Notifications {
			if err := insertOutbox(ctx, tx, n); err != nil {
				return nil, err
			}
		}
	}
	return inserted, nil
}

func insertDeviation(ctx context.Context, tx *sql.Tx, ev record.DeviationEvent) (bool, error) {
	readingIDs, err := marshalStrings(ev.ReadingIDs)
	if err != nil {
		return false, fmt.Errorf("insert deviation: %w", err)
	}

	result, err := tx.ExecContext(ctx, `
		INSERT INTO deviations
		(id, facility_id, metric, kind, start_ts, end_ts, direction,
		 min_value, max_value, mean_value, max_excursion,
		 severity_level, severity_rank, reading_ids, rule_id, config_version,
		 certification_lapsed, source)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`,
		ev.ID,
		ev.FacilityID,
		string(ev.Metric),
		string(ev.Kind),
		toNanos(ev.Start),
		toNanos(ev.End),
		string(ev.Direction),
		ev.Min.String(),
		ev.Max.String(),
		ev.Mean.String(),
		ev.MaxExcursion.String(),
		ev.Severity.Level,
		ev.Severity.Rank,
		readingIDs,
		ev.RuleID,
		ev.ConfigVersion,
		boolInt(ev.CertificationLapsed),
		string(ev.Source),
	)
	if err != nil {
		return false, fmt.Errorf("insert deviation: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert deviation: rows affected: %w", err)
	}
	return n > 0, nil
}

// applyIncidentChange writes the incident row, its deviation links and the
// audit entry. Returns the audit entry with its assigned Seq.
func applyIncidentChange(ctx context.Context, tx *sql.Tx, ch IncidentChange) (record.AuditEntry, error) {
	inc := ch.Incident

	preventive, err := marshalStrings(inc.PreventiveMeasures)
	if err != nil {
		return record.AuditEntry{}, err
	}
	products, err := marshalStrings(inc.AffectedProducts)
	if err != nil {
		return record.AuditEntry{}, err
	}

	if ch.PrevVersion == 0 {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO incidents
			(id, facility_id, metric, type, state, severity_level, severity_rank,
			 manual_justification, root_cause, corrective_action_plan,
			 preventive_measures, affected_products, financial_impact,
			 regulatory_impact, resolution_notes, closure_reason,
			 opened_at, resolved_at, closed_at, version)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`,
			inc.ID, inc.FacilityID, string(inc.Metric), string(inc.Type), string(inc.State),
			inc.Severity.Level, inc.Severity.Rank,
			inc.ManualJustification, inc.RootCause, inc.CorrectiveActionPlan,
			preventive, products, nullDecimal(inc.FinancialImpact),
			inc.RegulatoryImpact, inc.ResolutionNotes, inc.ClosureReason,
			toNanos(inc.OpenedAt), nullNanos(inc.ResolvedAt), nullNanos(inc.ClosedAt), inc.Version,
		)
		if err != nil {
			return record.AuditEntry{}, fmt.Errorf("insert incident: %w", err)
		}
	} else {
		result, err := tx.ExecContext(ctx, `
			UPDATE incidents SET
				state = ?, severity_level = ?, severity_rank = ?,
				root_cause = ?, corrective_action_plan = ?,
				preventive_measures = ?, affected_products = ?, financial_impact = ?,
				regulatory_impact = ?, resolution_notes = ?, closure_reason = ?,
				resolved_at = ?, closed_at = ?, version = ?
			WHERE id = ? AND version = ?
		`,
			string(inc.State), inc.Severity.Level, inc.Severity.Rank,
			inc.RootCause, inc.CorrectiveActionPlan,
			preventive, products, nullDecimal(inc.FinancialImpact),
			inc.RegulatoryImpact, inc.ResolutionNotes, inc.ClosureReason,
			nullNanos(inc.ResolvedAt), nullNanos(inc.ClosedAt), inc.Version,
			inc.ID, ch.PrevVersion,
		)
		if err != nil {
			return record.AuditEntry{}, fmt.Errorf("update incident: %w", err)
		}
		n, err := result.RowsAffected()
		if err != nil {
			return record.AuditEntry{}, fmt.Errorf("update incident: rows affected: %w", err)
		}
		if n == 0 {
			var exists int
			err := tx.QueryRowContext(ctx, `SELECT 1 FROM incidents WHERE id = ?`, inc.ID).Scan(&exists)
			if errors.Is(err, sql.ErrNoRows) {
				return record.AuditEntry{}, fmt.Errorf("update incident %s: %w", inc.ID, ErrNotFound)
			}
			if err != nil {
				return record.AuditEntry{}, fmt.Errorf("update incident: %w", err)
			}
			return record.AuditEntry{}, fmt.Errorf("update incident %s at version %d: %w", inc.ID, ch.PrevVersion, ErrConflict)
		}
	}

	for i, devID := range inc.DeviationIDs {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO incident_deviations (incident_id, deviation_id, position)
			VALUES (?, ?, ?)
			ON CONFLICT(incident_id, deviation_id) DO NOTHING
		`, inc.ID, devID, i)
		if err != nil {
			return record.AuditEntry{}, fmt.Errorf("link deviation %s: %w", devID, err)
		}
	}

	return insertAudit(ctx, tx, ch.Audit)
}

func insertAudit(ctx context.Context, tx *sql.Tx, e record.AuditEntry) (record.AuditEntry, error) {
	if e.ID == "" {
		return record.AuditEntry{}, fmt.Errorf("insert audit entry: empty id")
	}

	err := tx.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(seq), 0) + 1 FROM audit_entries WHERE incident_id = ?
	`, e.IncidentID).Scan(&e.Seq)
	if err != nil {
		return record.AuditEntry{}, fmt.Errorf("insert audit entry: next seq: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO audit_entries
		(id, incident_id, seq, actor, at, action, from_state, to_state, note)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		e.ID, e.IncidentID, e.Seq, e.Actor, toNanos(e.At),
		string(e.Action), string(e.FromState), string(e.ToState), e.Note,
	)
	if err != nil {
		return record.AuditEntry{}, fmt.Errorf("insert audit entry: %w", err)
	}
	return e, nil
}

func insertOutbox(ctx context.Context, tx *sql.Tx, n record.Notification) error {
	payload, err := marshalJSON(n)
	if err != nil {
		return fmt.Errorf("insert outbox: marshal: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO outbox (id, kind, payload, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`, n.ID, string(n.Kind), payload, OutboxPending, toNanos(n.CreatedAt), toNanos(n.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert outbox: %w", err)
	}
	return nil
}

func writeCheckpoint(ctx context.Context, db execer, cp Checkpoint) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO reevaluation_checkpoints
		(job_id, facility_id, metric, from_ts, to_ts, config_version, last_ts,
		 state_json, processed, emitted, completed, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(job_id) DO UPDATE SET
			facility_id = excluded.facility_id,
			metric = excluded.metric,
			from_ts = excluded.from_ts,
			to_ts = excluded.to_ts,
			config_version = excluded.config_version,
			last_ts = excluded.last_ts,
			state_json = excluded.state_json,
			processed = excluded.processed,
			emitted = excluded.emitted,
			completed = excluded.completed,
			updated_at = excluded.updated_at
	`,
		cp.JobID, cp.FacilityID, string(cp.Metric),
		toNanos(cp.From), toNanos(cp.To), cp.ConfigVersion,
		nullNanos(cp.LastTimestamp), string(cp.State),
		cp.Processed, cp.Emitted, boolInt(cp.Completed), toNanos(cp.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("write checkpoint: %w", err)
	}
	return nil
}

// MarkDelivered records a successful delivery.
func (s *Store) MarkDelivered(ctx context.Context, id string, attempts int, at time.Time) error {
	return s.updateOutbox(ctx, id, OutboxDelivered, attempts, "", at)
}

// MarkDropped records that delivery was abandoned after max attempts.
func (s *Store) MarkDropped(ctx context.Context, id string, attempts int, lastErr string, at time.Time) error {
	return s.updateOutbox(ctx, id, OutboxDropped, attempts, lastErr, at)
}

// RecordAttempt records a failed attempt that will be retried.
func (s *Store) RecordAttempt(ctx context.Context, id string, attempts int, lastErr string, at time.Time) error {
	return s.updateOutbox(ctx, id, OutboxPending, attempts, lastErr, at)
}

func (s *Store) updateOutbox(ctx context.Context, id, status string, attempts int, lastErr string, at time.Time) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE outbox SET status = ?, attempts = ?, last_error = ?, updated_at = ?
		WHERE id = ?
	`, status, attempts, lastErr, toNanos(at), id)
	if err != nil {
		return fmt.Errorf("update outbox: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update outbox: rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("update outbox %s: %w", id, ErrNotFound)
	}
	return nil
}
