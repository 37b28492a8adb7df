package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/roach88/coldtrace/internal/detector"
	"github.com/roach88/coldtrace/internal/incident"
	"github.com/roach88/coldtrace/internal/record"
	"github.com/roach88/coldtrace/internal/store"
	"github.com/roach88/coldtrace/internal/thresholds"
)

// ReadingInput is one sensor measurement submitted for ingestion.
type ReadingInput struct {
	FacilityID string
	Metric     record.Metric // default temperature
	Timestamp  time.Time
	Value      decimal.Decimal
	Unit       record.Unit // default: the applicable rule's unit
}

// IngestResult reports what ingesting a reading changed.
type IngestResult struct {
	// Reading is the stored reading, normalised to the rule's unit.
	Reading record.Reading

	// Duplicate is true when an identical reading was already stored;
	// nothing else happened.
	Duplicate bool

	// Deviations lists the deviations recorded because of this reading.
	Deviations []record.DeviationEvent

	// IncidentIDs lists the incidents opened or extended, parallel to
	// Deviations.
	IncidentIDs []string
}

// IngestReading evaluates and durably records one reading.
//
// Readings of a stream must arrive in strictly increasing timestamp order.
// Re-submitting an identical reading is a no-op that returns the stored
// reading with Duplicate set; a different value at an already accepted
// timestamp, or an older timestamp, is OUT_OF_ORDER_READING.
func (e *Engine) IngestReading(ctx context.Context, in ReadingInput) (IngestResult, error) {
	if in.FacilityID == "" {
		return IngestResult{}, invalidReading("", "facility id is required")
	}
	if in.Metric == "" {
		in.Metric = record.MetricTemperature
	}
	if !in.Metric.Valid() {
		return IngestResult{}, invalidReading(in.FacilityID, "unknown metric %q", in.Metric)
	}
	if in.Timestamp.IsZero() {
		return IngestResult{}, invalidReading(in.FacilityID, "timestamp is required")
	}
	if in.Unit != "" && !in.Unit.ForMetric(in.Metric) {
		return IngestResult{}, invalidReading(in.FacilityID, "unit %q cannot express %s", in.Unit, in.Metric)
	}
	in.Timestamp = in.Timestamp.UTC()

	return onLane(ctx, e, in.FacilityID, func(ctx context.Context, l *lane) (IngestResult, error) {
		return e.ingest(ctx, l, in)
	})
}

// ingest runs on the facility lane.
func (e *Engine) ingest(ctx context.Context, l *lane, in ReadingInput) (IngestResult, error) {
	// Duplicates are recognised before any rule lookup, so a resend stays
	// a no-op after the table changes.
	if stored, ok, err := e.acceptedAt(ctx, in); err != nil || ok {
		if err != nil {
			return IngestResult{}, err
		}
		return IngestResult{Reading: stored, Duplicate: true, Deviations: []record.DeviationEvent{}, IncidentIDs: []string{}}, nil
	}

	table, err := e.requireConfig(in.FacilityID)
	if err != nil {
		return IngestResult{}, err
	}
	facility, err := e.facility(ctx, in.FacilityID)
	if err != nil {
		return IngestResult{}, wrap(err, "read facility", in.FacilityID, "")
	}

	res, err := thresholds.Resolve(*table, facility, in.Metric, in.Timestamp)
	if err != nil {
		return IngestResult{}, wrap(err, "resolve threshold", in.FacilityID, "")
	}

	reading, err := normalise(in, res.Rule)
	if err != nil {
		return IngestResult{}, err
	}

	current, err := e.detectorFor(ctx, l, in.Metric)
	if err != nil {
		return IngestResult{}, err
	}

	// Work on a copy so a failed commit leaves the lane's state untouched.
	next := detector.Restore(current.State())
	events, err := next.Observe(reading, res)
	if err != nil {
		return IngestResult{}, wrap(err, "observe reading", in.FacilityID, "")
	}

	stateJSON, err := json.Marshal(next.State())
	if err != nil {
		return IngestResult{}, wrap(err, "marshal detector state", in.FacilityID, "")
	}

	plan, unlock, err := e.planDeviations(ctx, events, true)
	defer unlock()
	if err != nil {
		return IngestResult{}, err
	}

	commit, err := e.store.CommitReading(ctx, store.ReadingCommit{
		Reading:       reading,
		DetectorState: stateJSON,
		Deviations:    plan.writes,
	})
	if err != nil {
		return IngestResult{}, wrap(err, "commit reading", in.FacilityID, "")
	}
	if !commit.Inserted {
		// Lost a race with another process appending the same reading.
		stored, err := e.store.ReadReading(ctx, reading.ID)
		if err != nil {
			return IngestResult{}, wrap(err, "read reading", in.FacilityID, "")
		}
		return IngestResult{Reading: stored, Duplicate: true, Deviations: []record.DeviationEvent{}, IncidentIDs: []string{}}, nil
	}

	l.detectors[in.Metric] = next
	reading.Seq = commit.Seq
	e.dispatch(plan.notifications)

	for i, ev := range plan.events {
		l.logger.Info("deviation recorded",
			"event", "deviation",
			"deviation_id", ev.ID,
			"metric", ev.Metric,
			"kind", ev.Kind,
			"severity", ev.Severity.Level,
			"start", ev.Start,
			"end", ev.End,
			"incident_id", plan.incidentIDs[i],
		)
	}

	return IngestResult{
		Reading:     reading,
		Deviations:  plan.events,
		IncidentIDs: plan.incidentIDs,
	}, nil
}

// acceptedAt reports whether the stream already holds a reading at the
// input's timestamp. An equal value (after converting the input to the
// stored unit) is a duplicate; any other value is OUT_OF_ORDER_READING.
func (e *Engine) acceptedAt(ctx context.Context, in ReadingInput) (record.Reading, bool, error) {
	stored, err := e.store.ReadingAt(ctx, in.FacilityID, in.Metric, in.Timestamp)
	if errors.Is(err, store.ErrNotFound) {
		return record.Reading{}, false, nil
	}
	if err != nil {
		return record.Reading{}, false, wrap(err, "read reading", in.FacilityID, "")
	}

	unit := in.Unit
	if unit == "" {
		unit = stored.Unit
	}
	value, err := record.ConvertUnit(in.Value, unit, stored.Unit)
	if err != nil {
		return record.Reading{}, false, invalidReading(in.FacilityID, "%v", err)
	}
	if !value.Equal(stored.Value) {
		msg := fmt.Sprintf("%s reading at %s already accepted with value %s %s",
			in.Metric, in.Timestamp.Format(time.RFC3339Nano), stored.Value, stored.Unit)
		return record.Reading{}, false, &EngineError{
			Code:       ErrCodeOutOfOrder,
			Message:    msg,
			FacilityID: in.FacilityID,
		}
	}
	return stored, true, nil
}

// normalise builds the stored reading: the value is converted to the
// rule's unit and the content ID is computed over the converted form.
func normalise(in ReadingInput, rule thresholds.ThresholdRule) (record.Reading, error) {
	unit := in.Unit
	if unit == "" {
		unit = rule.Unit
	}
	value := in.Value
	if rule.Unit != "" && unit != rule.Unit {
		converted, err := record.ConvertUnit(value, unit, rule.Unit)
		if err != nil {
			return record.Reading{}, invalidReading(in.FacilityID, "%v", err)
		}
		value, unit = converted, rule.Unit
	}

	id, err := record.ReadingID(in.FacilityID, in.Metric, in.Timestamp, value, unit)
	if err != nil {
		return record.Reading{}, invalidReading(in.FacilityID, "%v", err)
	}
	return record.Reading{
		ID:         id,
		FacilityID: in.FacilityID,
		Metric:     in.Metric,
		Timestamp:  in.Timestamp,
		Value:      value,
		Unit:       unit,
	}, nil
}

// detectorFor returns the lane's detector for metric, restoring it from
// the store on first use.
func (e *Engine) detectorFor(ctx context.Context, l *lane, metric record.Metric) (*detector.Detector, error) {
	if d, ok := l.detectors[metric]; ok {
		return d, nil
	}

	data, found, err := e.store.ReadDetectorState(ctx, l.facilityID, metric)
	if err != nil {
		return nil, wrap(err, "read detector state", l.facilityID, "")
	}
	if !found {
		d := detector.New(l.facilityID, metric)
		l.detectors[metric] = d
		return d, nil
	}

	var st detector.State
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, wrap(err, "unmarshal detector state", l.facilityID, "")
	}
	d := detector.Restore(st)
	l.detectors[metric] = d
	return d, nil
}

// deviationPlan is the set of writes caused by new deviations.
type deviationPlan struct {
	writes        []store.DeviationWrite
	events        []record.DeviationEvent
	incidentIDs   []string
	notifications []record.Notification
}

// planDeviations builds the writes for events not yet stored. When
// openIncidents is false the deviations are recorded without incidents or
// notifications.
//
// With merging enabled the returned unlock releases the lock held on the
// incident being extended; it must be called after the commit.
func (e *Engine) planDeviations(ctx context.Context, events []record.DeviationEvent, openIncidents bool) (deviationPlan, func(), error) {
	plan := deviationPlan{
		writes:        []store.DeviationWrite{},
		events:        []record.DeviationEvent{},
		incidentIDs:   []string{},
		notifications: []record.Notification{},
	}
	unlock := func() {}

	// Incidents extended earlier in this batch, by facility/metric.
	merged := map[string]*record.Incident{}

	for _, ev := range events {
		if _, err := e.store.ReadDeviation(ctx, ev.ID); err == nil {
			continue
		} else if !errors.Is(err, store.ErrNotFound) {
			return plan, unlock, wrap(err, "read deviation", ev.FacilityID, "")
		}

		now := e.clock.Now()
		w := store.DeviationWrite{Event: ev}
		incidentID := ""

		if openIncidents {
			change, err := e.incidentFor(ctx, ev, now, merged, &unlock)
			if err != nil {
				return plan, unlock, err
			}
			w.Incident = change
			incidentID = change.Incident.ID

			w.Notifications = []record.Notification{
				e.deviationNotification(ev, now),
				e.changeNotification(change.Incident, change.Audit, now),
			}
			plan.notifications = append(plan.notifications, w.Notifications...)
		}

		plan.writes = append(plan.writes, w)
		plan.events = append(plan.events, ev)
		plan.incidentIDs = append(plan.incidentIDs, incidentID)
	}
	return plan, unlock, nil
}

// incidentFor opens a new incident for ev, or extends the latest open one
// of the same stream when merging is enabled.
func (e *Engine) incidentFor(ctx context.Context, ev record.DeviationEvent, now time.Time, merged map[string]*record.Incident, unlock *func()) (*store.IncidentChange, error) {
	if e.mergeOpen {
		key := ev.FacilityID + "/" + string(ev.Metric)
		target, ok := merged[key]
		if !ok {
			open, err := e.store.ListIncidents(ctx, store.IncidentQuery{FacilityID: ev.FacilityID, Metric: ev.Metric, OpenOnly: true})
			if err != nil {
				return nil, wrap(err, "list incidents", ev.FacilityID, "")
			}
			if len(open) > 0 {
				latest := open[len(open)-1]
				release := e.incidentLocks.Lock(latest.ID)
				prev := *unlock
				*unlock = func() { release(); prev() }

				// Re-read under the lock: a transition may have closed it.
				fresh, err := e.store.ReadIncident(ctx, latest.ID)
				if err != nil {
					return nil, wrap(err, "read incident", ev.FacilityID, latest.ID)
				}
				if !fresh.State.Terminal() {
					target = &fresh
					merged[key] = target
				}
			}
		}

		if target != nil {
			next, entry, err := incident.LinkDeviation(*target, ev, incident.SystemActor,
				fmt.Sprintf("linked %s deviation %s (severity %s)", ev.Kind, ev.ID, ev.Severity.Level), now)
			if err != nil {
				return nil, wrap(err, "link deviation", ev.FacilityID, target.ID)
			}
			entry.ID = e.ids.Generate()
			change := &store.IncidentChange{Incident: next, PrevVersion: target.Version, Audit: entry}
			*target = next
			return change, nil
		}
	}

	inc, entry, err := incident.OpenFromDeviation(e.ids.Generate(), ev, now)
	if err != nil {
		return nil, wrap(err, "open incident", ev.FacilityID, "")
	}
	entry.ID = e.ids.Generate()
	if e.mergeOpen {
		key := ev.FacilityID + "/" + string(ev.Metric)
		opened := inc
		merged[key] = &opened
	}
	return &store.IncidentChange{Incident: inc, Audit: entry}, nil
}

func (e *Engine) deviationNotification(ev record.DeviationEvent, now time.Time) record.Notification {
	evCopy := ev
	return record.Notification{
		ID:         e.ids.Generate(),
		Kind:       record.NotifyDeviation,
		FacilityID: ev.FacilityID,
		Deviation:  &evCopy,
		CreatedAt:  now,
	}
}

func (e *Engine) changeNotification(inc record.Incident, entry record.AuditEntry, now time.Time) record.Notification {
	return record.Notification{
		ID:         e.ids.Generate(),
		Kind:       record.NotifyIncidentStateChange,
		FacilityID: inc.FacilityID,
		Change: &record.IncidentStateChange{
			IncidentID: inc.ID,
			Action:     entry.Action,
			FromState:  entry.FromState,
			ToState:    entry.ToState,
			Actor:      entry.Actor,
			Note:       entry.Note,
			Severity:   inc.Severity,
			At:         entry.At,
		},
		CreatedAt: now,
	}
}

// Flush closes any open candidate window of the facility's streams as if
// the streams had ended, recording the resulting deviations.
func (e *Engine) Flush(ctx context.Context, facilityID string) ([]record.DeviationEvent, error) {
	if facilityID == "" {
		return nil, invalidReading("", "facility id is required")
	}
	return onLane(ctx, e, facilityID, func(ctx context.Context, l *lane) ([]record.DeviationEvent, error) {
		recorded := []record.DeviationEvent{}
		for _, metric := range []record.Metric{record.MetricTemperature, record.MetricHumidity} {
			current, err := e.detectorFor(ctx, l, metric)
			if err != nil {
				return nil, err
			}
			next := detector.Restore(current.State())
			events, err := next.Flush()
			if err != nil {
				return nil, wrap(err, "flush detector", facilityID, "")
			}
			if len(events) == 0 {
				continue
			}

			stateJSON, err := json.Marshal(next.State())
			if err != nil {
				return nil, wrap(err, "marshal detector state", facilityID, "")
			}
			plan, unlock, err := e.planDeviations(ctx, events, true)
			if err != nil {
				unlock()
				return nil, err
			}
			_, err = e.store.CommitDeviations(ctx, facilityID, metric, stateJSON, plan.writes)
			unlock()
			if err != nil {
				return nil, wrap(err, "commit deviations", facilityID, "")
			}

			l.detectors[metric] = next
			e.dispatch(plan.notifications)
			recorded = append(recorded, plan.events...)
		}
		return recorded, nil
	})
}
