package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/coldtrace/internal/record"
)

const readingColumns = `id, facility_id, metric, ts, value, unit, seq`

// ReadReading retrieves a reading by its content-addressed ID.
// Returns ErrNotFound if it does not exist.
func (s *Store) ReadReading(ctx context.Context, id string) (record.Reading, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+readingColumns+` FROM readings WHERE id = ?`, id)
	r, err := scanReading(row)
	if errors.Is(err, sql.ErrNoRows) {
		return record.Reading{}, fmt.Errorf("read reading %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return record.Reading{}, fmt.Errorf("read reading: %w", err)
	}
	return r, nil
}

// ReadingAt retrieves the reading of a stream at exactly ts.
// Returns ErrNotFound if the stream has none.
func (s *Store) ReadingAt(ctx context.Context, facilityID string, metric record.Metric, ts time.Time) (record.Reading, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+readingColumns+` FROM readings
		WHERE facility_id = ? AND metric = ? AND ts = ?
		ORDER BY id COLLATE BINARY ASC LIMIT 1`,
		facilityID, string(metric), toNanos(ts))
	r, err := scanReading(row)
	if errors.Is(err, sql.ErrNoRows) {
		return record.Reading{}, fmt.Errorf("read reading %s/%s@%s: %w", facilityID, metric, ts.Format(time.RFC3339Nano), ErrNotFound)
	}
	if err != nil {
		return record.Reading{}, fmt.Errorf("read reading: %w", err)
	}
	return r, nil
}

// QueryReadings returns readings of one stream ordered by timestamp.
func (s *Store) QueryReadings(ctx context.Context, q ReadingQuery) ([]record.Reading, error) {
	var w where
	w.add("facility_id = ?", q.FacilityID)
	w.add("metric = ?", string(q.Metric))
	w.addIf(!q.From.IsZero(), "ts >= ?", toNanos(q.From))
	w.addIf(!q.To.IsZero(), "ts <= ?", toNanos(q.To))
	if q.After != nil {
		w.add("ts > ?", toNanos(*q.After))
	}

	query := `SELECT ` + readingColumns + ` FROM readings` + w.sql() + ` ORDER BY ts ASC, id COLLATE BINARY ASC`
	if q.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", q.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, w.params...)
	if err != nil {
		return nil, fmt.Errorf("query readings: %w", err)
	}
	defer rows.Close()

	readings := []record.Reading{}
	for rows.Next() {
		r, err := scanReading(rows)
		if err != nil {
			return nil, fmt.Errorf("scan reading: %w", err)
		}
		readings = append(readings, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate readings: %w", err)
	}
	return readings, nil
}

func scanReading(row scanner) (record.Reading, error) {
	var (
		r      record.Reading
		metric string
		unit   string
		ts     int64
		value  string
	)
	if err := row.Scan(&r.ID, &r.FacilityID, &metric, &ts, &value, &unit, &r.Seq); err != nil {
		return record.Reading{}, err
	}
	d, err := parseDecimal("value", value)
	if err != nil {
		return record.Reading{}, err
	}
	r.Metric = record.Metric(metric)
	r.Unit = record.Unit(unit)
	r.Timestamp = fromNanos(ts)
	r.Value = d
	return r, nil
}

// ReadDetectorState returns the serialised detector state of a stream.
// Returns found=false if the stream has no accepted readings yet.
func (s *Store) ReadDetectorState(ctx context.Context, facilityID string, metric record.Metric) ([]byte, bool, error) {
	var state string
	err := s.db.QueryRowContext(ctx, `
		SELECT state_json FROM detector_state WHERE facility_id = ? AND metric = ?
	`, facilityID, string(metric)).Scan(&state)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("read detector state: %w", err)
	}
	return []byte(state), true, nil
}

const deviationColumns = `id, facility_id, metric, kind, start_ts, end_ts, direction,
	min_value, max_value, mean_value, max_excursion, severity_level, severity_rank,
	reading_ids, rule_id, config_version, certification_lapsed, source`

// ReadDeviation retrieves a deviation by ID.
// Returns ErrNotFound if it does not exist.
func (s *Store) ReadDeviation(ctx context.Context, id string) (record.DeviationEvent, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+deviationColumns+` FROM deviations WHERE id = ?`, id)
	ev, err := scanDeviation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return record.DeviationEvent{}, fmt.Errorf("read deviation %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return record.DeviationEvent{}, fmt.Errorf("read deviation: %w", err)
	}
	return ev, nil
}

// QueryDeviations returns deviations overlapping [From, To], ordered by
// start time then ID.
func (s *Store) QueryDeviations(ctx context.Context, q DeviationQuery) ([]record.DeviationEvent, error) {
	var w where
	w.addIf(q.FacilityID != "", "facility_id = ?", q.FacilityID)
	w.addIf(q.Metric != "", "metric = ?", string(q.Metric))
	w.addIf(!q.From.IsZero(), "end_ts >= ?", toNanos(q.From))
	w.addIf(!q.To.IsZero(), "start_ts <= ?", toNanos(q.To))
	w.addIf(q.Source != "", "source = ?", string(q.Source))
	w.addIf(q.ConfigVersion != "", "config_version = ?", q.ConfigVersion)

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+deviationColumns+` FROM deviations`+w.sql()+` ORDER BY start_ts ASC, id COLLATE BINARY ASC`,
		w.params...)
	if err != nil {
		return nil, fmt.Errorf("query deviations: %w", err)
	}
	defer rows.Close()

	events := []record.DeviationEvent{}
	for rows.Next() {
		ev, err := scanDeviation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan deviation: %w", err)
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate deviations: %w", err)
	}
	return events, nil
}

func scanDeviation(row scanner) (record.DeviationEvent, error) {
	var (
		ev                              record.DeviationEvent
		metric, kind, direction, source string
		start, end                      int64
		minV, maxV, meanV, maxExc       string
		readingIDs                      string
		lapsed                          int
	)
	err := row.Scan(&ev.ID, &ev.FacilityID, &metric, &kind, &start, &end, &direction,
		&minV, &maxV, &meanV, &maxExc, &ev.Severity.Level, &ev.Severity.Rank,
		&readingIDs, &ev.RuleID, &ev.ConfigVersion, &lapsed, &source)
	if err != nil {
		return record.DeviationEvent{}, err
	}

	ev.Metric = record.Metric(metric)
	ev.Kind = record.DeviationKind(kind)
	ev.Direction = record.Direction(direction)
	ev.Source = record.DeviationSource(source)
	ev.Start = fromNanos(start)
	ev.End = fromNanos(end)
	ev.Duration = ev.End.Sub(ev.Start)
	ev.CertificationLapsed = lapsed != 0

	if ev.Min, err = parseDecimal("min_value", minV); err != nil {
		return record.DeviationEvent{}, err
	}
	if ev.Max, err = parseDecimal("max_value", maxV); err != nil {
		return record.DeviationEvent{}, err
	}
	if ev.Mean, err = parseDecimal("mean_value", meanV); err != nil {
		return record.DeviationEvent{}, err
	}
	if ev.MaxExcursion, err = parseDecimal("max_excursion", maxExc); err != nil {
		return record.DeviationEvent{}, err
	}
	if ev.ReadingIDs, err = unmarshalStrings(readingIDs); err != nil {
		return record.DeviationEvent{}, err
	}
	return ev, nil
}

const incidentColumns = `id, facility_id, metric, type, state, severity_level, severity_rank,
	manual_justification, root_cause, corrective_action_plan, preventive_measures,
	affected_products, financial_impact, regulatory_impact, resolution_notes,
	closure_reason, opened_at, resolved_at, closed_at, version`

// ReadIncident retrieves an incident with its linked deviation IDs.
// Returns ErrNotFound if it does not exist.
func (s *Store) ReadIncident(ctx context.Context, id string) (record.Incident, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+incidentColumns+` FROM incidents WHERE id = ?`, id)
	inc, err := scanIncident(row)
	if errors.Is(err, sql.ErrNoRows) {
		return record.Incident{}, fmt.Errorf("read incident %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return record.Incident{}, fmt.Errorf("read incident: %w", err)
	}

	if inc.DeviationIDs, err = s.incidentDeviationIDs(ctx, id); err != nil {
		return record.Incident{}, err
	}
	return inc, nil
}

// ListIncidents returns incidents ordered by opening time then ID.
func (s *Store) ListIncidents(ctx context.Context, q IncidentQuery) ([]record.Incident, error) {
	var w where
	w.addIf(q.FacilityID != "", "facility_id = ?", q.FacilityID)
	w.addIf(q.Metric != "", "metric = ?", string(q.Metric))
	if q.OpenOnly {
		w.add("NOT "+in("state", 2), string(record.StateResolved), string(record.StateClosedWithoutAction))
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+incidentColumns+` FROM incidents`+w.sql()+` ORDER BY opened_at ASC, id COLLATE BINARY ASC`,
		w.params...)
	if err != nil {
		return nil, fmt.Errorf("query incidents: %w", err)
	}

	incidents := []record.Incident{}
	for rows.Next() {
		inc, err := scanIncident(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan incident: %w", err)
		}
		incidents = append(incidents, inc)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("iterate incidents: %w", err)
	}
	// Close before issuing follow-up queries: the pool holds one connection.
	rows.Close()

	for i := range incidents {
		ids, err := s.incidentDeviationIDs(ctx, incidents[i].ID)
		if err != nil {
			return nil, err
		}
		incidents[i].DeviationIDs = ids
	}
	return incidents, nil
}

// IncidentForDeviation returns the ID of the incident referencing a
// deviation, or "" if none does.
func (s *Store) IncidentForDeviation(ctx context.Context, deviationID string) (string, error) {
	var id string
	err := s.db.QueryRowContext(ctx, `
		SELECT incident_id FROM incident_deviations WHERE deviation_id = ?
	`, deviationID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("incident for deviation: %w", err)
	}
	return id, nil
}

func (s *Store) incidentDeviationIDs(ctx context.Context, incidentID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT deviation_id FROM incident_deviations
		WHERE incident_id = ?
		ORDER BY position ASC, deviation_id COLLATE BINARY ASC
	`, incidentID)
	if err != nil {
		return nil, fmt.Errorf("query incident deviations: %w", err)
	}
	defer rows.Close()

	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan incident deviation: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate incident deviations: %w", err)
	}
	return ids, nil
}

func scanIncident(row scanner) (record.Incident, error) {
	var (
		inc                  record.Incident
		metric, typ, state   string
		preventive, products string
		financial            sql.NullString
		openedAt             int64
		resolvedAt, closedAt sql.NullInt64
	)
	err := row.Scan(&inc.ID, &inc.FacilityID, &metric, &typ, &state,
		&inc.Severity.Level, &inc.Severity.Rank,
		&inc.ManualJustification, &inc.RootCause, &inc.CorrectiveActionPlan, &preventive,
		&products, &financial, &inc.RegulatoryImpact, &inc.ResolutionNotes,
		&inc.ClosureReason, &openedAt, &resolvedAt, &closedAt, &inc.Version)
	if err != nil {
		return record.Incident{}, err
	}

	inc.Metric = record.Metric(metric)
	inc.Type = record.IncidentType(typ)
	inc.State = record.IncidentState(state)
	inc.OpenedAt = fromNanos(openedAt)
	inc.ResolvedAt = fromNullNanos(resolvedAt)
	inc.ClosedAt = fromNullNanos(closedAt)
	inc.DeviationIDs = []string{}

	if inc.PreventiveMeasures, err = unmarshalStrings(preventive); err != nil {
		return record.Incident{}, err
	}
	if inc.AffectedProducts, err = unmarshalStrings(products); err != nil {
		return record.Incident{}, err
	}
	if inc.FinancialImpact, err = fromNullDecimal("financial_impact", financial); err != nil {
		return record.Incident{}, err
	}
	return inc, nil
}

// ReadAuditTrail returns the audit entries of an incident in sequence order.
func (s *Store) ReadAuditTrail(ctx context.Context, incidentID string) ([]record.AuditEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, incident_id, seq, actor, at, action, from_state, to_state, note
		FROM audit_entries
		WHERE incident_id = ?
		ORDER BY seq ASC, id COLLATE BINARY ASC
	`, incidentID)
	if err != nil {
		return nil, fmt.Errorf("query audit trail: %w", err)
	}
	defer rows.Close()

	entries := []record.AuditEntry{}
	for rows.Next() {
		var (
			e                record.AuditEntry
			at               int64
			action, from, to string
		)
		if err := rows.Scan(&e.ID, &e.IncidentID, &e.Seq, &e.Actor, &at, &action, &from, &to, &e.Note); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		e.At = fromNanos(at)
		e.Action = record.AuditAction(action)
		e.FromState = record.IncidentState(from)
		e.ToState = record.IncidentState(to)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit trail: %w", err)
	}
	return entries, nil
}

// PendingNotifications returns undelivered outbox entries in commit order.
func (s *Store) PendingNotifications(ctx context.Context, limit int) ([]OutboxEntry, error) {
	query := `
		SELECT seq, payload, status, attempts, last_error, updated_at
		FROM outbox
		WHERE status = ?
		ORDER BY seq ASC`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	return s.queryOutbox(ctx, query, OutboxPending)
}

// ReadOutbox returns all outbox entries in commit order.
func (s *Store) ReadOutbox(ctx context.Context) ([]OutboxEntry, error) {
	return s.queryOutbox(ctx, `
		SELECT seq, payload, status, attempts, last_error, updated_at
		FROM outbox
		ORDER BY seq ASC`)
}

func (s *Store) queryOutbox(ctx context.Context, query string, args ...any) ([]OutboxEntry, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query outbox: %w", err)
	}
	defer rows.Close()

	entries := []OutboxEntry{}
	for rows.Next() {
		var (
			e         OutboxEntry
			payload   string
			updatedAt int64
		)
		if err := rows.Scan(&e.Seq, &payload, &e.Status, &e.Attempts, &e.LastError, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan outbox: %w", err)
		}
		if err := unmarshalNotification(payload, &e.Notification); err != nil {
			return nil, err
		}
		e.UpdatedAt = fromNanos(updatedAt)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate outbox: %w", err)
	}
	return entries, nil
}

// ReadCheckpoint returns the checkpoint of a reevaluation job.
// Returns found=false if the job has never run.
func (s *Store) ReadCheckpoint(ctx context.Context, jobID string) (Checkpoint, bool, error) {
	var (
		cp                Checkpoint
		metric, state     string
		from, to, updated int64
		last              sql.NullInt64
		completed         int
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT job_id, facility_id, metric, from_ts, to_ts, config_version, last_ts,
		       state_json, processed, emitted, completed, updated_at
		FROM reevaluation_checkpoints
		WHERE job_id = ?
	`, jobID).Scan(&cp.JobID, &cp.FacilityID, &metric, &from, &to, &cp.ConfigVersion, &last,
		&state, &cp.Processed, &cp.Emitted, &completed, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return Checkpoint{}, false, nil
	}
	if err != nil {
		return Checkpoint{}, false, fmt.Errorf("read checkpoint: %w", err)
	}

	cp.Metric = record.Metric(metric)
	cp.From = fromNanos(from)
	cp.To = fromNanos(to)
	cp.LastTimestamp = fromNullNanos(last)
	cp.State = []byte(state)
	cp.Completed = completed != 0
	cp.UpdatedAt = fromNanos(updated)
	return cp, true, nil
}

// CountReadings returns the number of stored readings for a stream.
func (s *Store) CountReadings(ctx context.Context, facilityID string, metric record.Metric, from, to time.Time) (int, error) {
	var w where
	w.add("facility_id = ?", facilityID)
	w.add("metric = ?", string(metric))
	w.addIf(!from.IsZero(), "ts >= ?", toNanos(from))
	w.addIf(!to.IsZero(), "ts <= ?", toNanos(to))

	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM readings`+w.sql(), w.params...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count readings: %w", err)
	}
	return n, nil
}
