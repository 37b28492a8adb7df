package engine

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/roach88/coldtrace/internal/incident"
	"github.com/roach88/coldtrace/internal/record"
	"github.com/roach88/coldtrace/internal/store"
)

// TransitionInput is one state-changing incident step.
type TransitionInput struct {
	IncidentID         string
	Transition         string // begin_investigation, plan_corrective_action, resolve, close_without_action
	Actor              string
	Note               string
	PreventiveMeasures []string
}

// TransitionIncident applies a lifecycle step and records its audit entry.
func (e *Engine) TransitionIncident(ctx context.Context, in TransitionInput) (record.Incident, error) {
	action, err := incident.ParseAction(in.Transition)
	if err != nil {
		return record.Incident{}, wrap(err, "transition incident", "", in.IncidentID)
	}
	req := incident.TransitionRequest{
		Action:             action,
		Actor:              in.Actor,
		Note:               in.Note,
		PreventiveMeasures: in.PreventiveMeasures,
	}
	return e.mutateIncident(ctx, in.IncidentID, "transition incident", func(inc record.Incident, now time.Time) (record.Incident, record.AuditEntry, error) {
		return incident.Transition(inc, req, now)
	})
}

// ManualIncidentInput raises an incident without an originating deviation.
type ManualIncidentInput struct {
	FacilityID    string
	Metric        record.Metric
	Actor         string
	Justification string
	Severity      record.Severity
}

// OpenManualIncident opens an incident raised by an operator.
func (e *Engine) OpenManualIncident(ctx context.Context, in ManualIncidentInput) (record.Incident, error) {
	if in.Metric != "" && !in.Metric.Valid() {
		return record.Incident{}, invalidReading(in.FacilityID, "unknown metric %q", in.Metric)
	}

	now := e.clock.Now()
	inc, entry, err := incident.OpenManual(e.ids.Generate(), incident.ManualRequest{
		FacilityID:    in.FacilityID,
		Metric:        in.Metric,
		Actor:         in.Actor,
		Justification: in.Justification,
		Severity:      in.Severity,
	}, now)
	if err != nil {
		return record.Incident{}, wrap(err, "open manual incident", in.FacilityID, "")
	}
	entry.ID = e.ids.Generate()

	n := e.changeNotification(inc, entry, now)
	if _, err := e.store.WriteIncidentChange(ctx, store.IncidentChange{Incident: inc, Audit: entry}, []record.Notification{n}); err != nil {
		return record.Incident{}, wrap(err, "open manual incident", in.FacilityID, inc.ID)
	}
	e.dispatch([]record.Notification{n})

	e.logger.Info("incident opened",
		"event", "incident_opened",
		"incident_id", inc.ID,
		"facility_id", inc.FacilityID,
		"actor", in.Actor,
	)
	return inc, nil
}

// LinkDeviation attaches a recorded deviation to an open incident. A
// deviation is referenced by at most one incident.
func (e *Engine) LinkDeviation(ctx context.Context, incidentID, deviationID, actor, note string) (record.Incident, error) {
	ev, err := e.store.ReadDeviation(ctx, deviationID)
	if err != nil {
		return record.Incident{}, wrap(err, "read deviation", "", incidentID)
	}

	return e.mutateIncident(ctx, incidentID, "link deviation", func(inc record.Incident, now time.Time) (record.Incident, record.AuditEntry, error) {
		owner, err := e.store.IncidentForDeviation(ctx, deviationID)
		if err != nil {
			return inc, record.AuditEntry{}, err
		}
		if owner != "" && owner != incidentID {
			return inc, record.AuditEntry{}, &incident.InvalidTransitionError{
				IncidentID: inc.ID,
				State:      inc.State,
				Action:     string(record.ActionLinkDeviation),
				Reason:     "deviation already linked to incident " + owner,
			}
		}
		return incident.LinkDeviation(inc, ev, actor, note, now)
	})
}

// ImpactInput is an impact assessment for an incident.
type ImpactInput struct {
	IncidentID       string
	AffectedProducts []string
	FinancialImpact  *decimal.Decimal
	RegulatoryImpact string
	Actor            string
	Note             string
}

// AnnotateImpact records product, financial and regulatory impact.
func (e *Engine) AnnotateImpact(ctx context.Context, in ImpactInput) (record.Incident, error) {
	impact := incident.Impact{
		AffectedProducts: in.AffectedProducts,
		FinancialImpact:  in.FinancialImpact,
		RegulatoryImpact: in.RegulatoryImpact,
	}
	return e.mutateIncident(ctx, in.IncidentID, "annotate impact", func(inc record.Incident, now time.Time) (record.Incident, record.AuditEntry, error) {
		return incident.AnnotateImpact(inc, impact, in.Actor, in.Note, now)
	})
}

// mutateIncident runs one lifecycle step under the incident's lock and
// persists it with an optimistic version check.
func (e *Engine) mutateIncident(ctx context.Context, incidentID, op string, step func(inc record.Incident, now time.Time) (record.Incident, record.AuditEntry, error)) (record.Incident, error) {
	if incidentID == "" {
		return record.Incident{}, invalidReading("", "incident id is required")
	}

	unlock := e.incidentLocks.Lock(incidentID)
	defer unlock()

	inc, err := e.store.ReadIncident(ctx, incidentID)
	if err != nil {
		return record.Incident{}, wrap(err, op, "", incidentID)
	}

	now := e.clock.Now()
	next, entry, err := step(inc, now)
	if err != nil {
		return record.Incident{}, wrap(err, op, inc.FacilityID, incidentID)
	}
	entry.ID = e.ids.Generate()

	n := e.changeNotification(next, entry, now)
	_, err = e.store.WriteIncidentChange(ctx, store.IncidentChange{
		Incident:    next,
		PrevVersion: inc.Version,
		Audit:       entry,
	}, []record.Notification{n})
	if err != nil {
		return record.Incident{}, wrap(err, op, inc.FacilityID, incidentID)
	}
	e.dispatch([]record.Notification{n})

	e.logger.Info("incident updated",
		"event", string(entry.Action),
		"incident_id", incidentID,
		"facility_id", next.FacilityID,
		"from_state", entry.FromState,
		"to_state", entry.ToState,
		"actor", entry.Actor,
		"version", next.Version,
	)
	return next, nil
}

// GetIncident returns one incident.
func (e *Engine) GetIncident(ctx context.Context, incidentID string) (record.Incident, error) {
	inc, err := e.store.ReadIncident(ctx, incidentID)
	if err != nil {
		return record.Incident{}, wrap(err, "get incident", "", incidentID)
	}
	return inc, nil
}

// GetOpenIncidents returns the non-terminal incidents of a facility, oldest
// first. An empty facility ID lists every facility.
func (e *Engine) GetOpenIncidents(ctx context.Context, facilityID string) ([]record.Incident, error) {
	incs, err := e.store.ListIncidents(ctx, store.IncidentQuery{FacilityID: facilityID, OpenOnly: true})
	if err != nil {
		return nil, wrap(err, "get open incidents", facilityID, "")
	}
	return incs, nil
}

// ListIncidents returns incidents matching q.
func (e *Engine) ListIncidents(ctx context.Context, q store.IncidentQuery) ([]record.Incident, error) {
	incs, err := e.store.ListIncidents(ctx, q)
	if err != nil {
		return nil, wrap(err, "list incidents", q.FacilityID, "")
	}
	return incs, nil
}

// AuditTrail returns the audit entries of an incident in order.
func (e *Engine) AuditTrail(ctx context.Context, incidentID string) ([]record.AuditEntry, error) {
	if _, err := e.store.ReadIncident(ctx, incidentID); err != nil {
		return nil, wrap(err, "audit trail", "", incidentID)
	}
	entries, err := e.store.ReadAuditTrail(ctx, incidentID)
	if err != nil {
		return nil, wrap(err, "audit trail", "", incidentID)
	}
	return entries, nil
}

// GetDeviationEvents returns the deviations of a facility overlapping
// [from, to], ordered by start time. Zero bounds are open.
func (e *Engine) GetDeviationEvents(ctx context.Context, facilityID string, from, to time.Time) ([]record.DeviationEvent, error) {
	if !from.IsZero() && !to.IsZero() && to.Before(from) {
		return nil, invalidReading(facilityID, "range end %s is before start %s",
			to.Format(time.RFC3339), from.Format(time.RFC3339))
	}
	evs, err := e.store.QueryDeviations(ctx, store.DeviationQuery{FacilityID: facilityID, From: from, To: to})
	if err != nil {
		return nil, wrap(err, "get deviation events", facilityID, "")
	}
	return evs, nil
}
