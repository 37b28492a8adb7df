package incident

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/roach88/coldtrace/internal/record"
)

// SystemActor is the actor recorded for steps the engine takes on its own.
const SystemActor = "system"

// edge is one allowed state change.
type edge struct {
	from []record.IncidentState
	to   record.IncidentState
}

var edges = map[record.AuditAction]edge{
	record.ActionBeginInvestigation: {
		from: []record.IncidentState{record.StateOpen},
		to:   record.StateInvestigating,
	},
	record.ActionPlanCorrectiveAction: {
		from: []record.IncidentState{record.StateInvestigating},
		to:   record.StateCorrectiveActionPlanned,
	},
	record.ActionResolve: {
		from: []record.IncidentState{record.StateCorrectiveActionPlanned},
		to:   record.StateResolved,
	},
	record.ActionCloseWithoutAction: {
		from: []record.IncidentState{record.StateOpen, record.StateInvestigating},
		to:   record.StateClosedWithoutAction,
	},
}

// ParseAction maps a transition name to its audit action.
// Only state-changing transitions are accepted.
func ParseAction(name string) (record.AuditAction, error) {
	a := record.AuditAction(strings.TrimSpace(name))
	if _, ok := edges[a]; !ok {
		return "", &InvalidTransitionError{Action: name, Reason: "unknown transition"}
	}
	return a, nil
}

// Allowed lists the transitions permitted from state s, in a stable order.
func Allowed(s record.IncidentState) []record.AuditAction {
	var out []record.AuditAction
	for _, a := range []record.AuditAction{
		record.ActionBeginInvestigation,
		record.ActionPlanCorrectiveAction,
		record.ActionResolve,
		record.ActionCloseWithoutAction,
	} {
		if permits(edges[a], s) {
			out = append(out, a)
		}
	}
	return out
}

func permits(e edge, s record.IncidentState) bool {
	for _, f := range e.from {
		if f == s {
			return true
		}
	}
	return false
}

// TransitionRequest is one state-changing step.
type TransitionRequest struct {
	Action             record.AuditAction
	Actor              string
	Note               string   // findings, plan, resolution notes or closure reason
	PreventiveMeasures []string // plan_corrective_action only
}

// Transition applies a state-changing step.
//
// The state check runs before argument checks: a step that is not allowed
// from the current state is reported as such even when its note is empty.
func Transition(inc record.Incident, req TransitionRequest, at time.Time) (record.Incident, record.AuditEntry, error) {
	e, ok := edges[req.Action]
	if !ok {
		return inc, record.AuditEntry{}, invalid(inc, string(req.Action), "unknown transition")
	}
	if !permits(e, inc.State) {
		return inc, record.AuditEntry{}, invalid(inc, string(req.Action),
			fmt.Sprintf("not allowed from %s", inc.State))
	}
	if err := requireActorAndNote(inc, string(req.Action), req.Actor, req.Note); err != nil {
		return inc, record.AuditEntry{}, err
	}

	next := clone(inc)
	next.State = e.to
	next.Version++

	note := strings.TrimSpace(req.Note)
	switch req.Action {
	case record.ActionBeginInvestigation:
		next.RootCause = note
	case record.ActionPlanCorrectiveAction:
		next.CorrectiveActionPlan = note
		next.PreventiveMeasures = append(next.PreventiveMeasures, req.PreventiveMeasures...)
	case record.ActionResolve:
		next.ResolutionNotes = note
		ts := at
		next.ResolvedAt = &ts
	case record.ActionCloseWithoutAction:
		next.ClosureReason = note
		ts := at
		next.ClosedAt = &ts
	}

	return next, audit(inc, next, req.Action, req.Actor, note, at), nil
}

// OpenFromDeviation creates an open incident for a newly recorded deviation.
func OpenFromDeviation(id string, ev record.DeviationEvent, at time.Time) (record.Incident, record.AuditEntry, error) {
	if id == "" {
		return record.Incident{}, record.AuditEntry{}, fmt.Errorf("open incident: empty id")
	}

	inc := record.Incident{
		ID:           id,
		FacilityID:   ev.FacilityID,
		Metric:       ev.Metric,
		Type:         typeFor(ev),
		State:        record.StateOpen,
		Severity:     ev.Severity,
		DeviationIDs: []string{ev.ID},
		OpenedAt:     at,
		Version:      1,
	}

	note := fmt.Sprintf("opened for %s %s deviation %s (%s to %s, severity %s)",
		ev.Metric, ev.Kind, ev.ID,
		ev.Start.UTC().Format(time.RFC3339), ev.End.UTC().Format(time.RFC3339),
		ev.Severity.Level)

	return inc, audit(record.Incident{ID: id}, inc, record.ActionOpen, SystemActor, note, at), nil
}

// ManualRequest opens an incident without an originating deviation.
type ManualRequest struct {
	FacilityID    string
	Metric        record.Metric
	Actor         string
	Justification string
	Severity      record.Severity
}

// OpenManual creates an open incident raised by an operator.
func OpenManual(id string, req ManualRequest, at time.Time) (record.Incident, record.AuditEntry, error) {
	placeholder := record.Incident{ID: id}
	if req.FacilityID == "" {
		return record.Incident{}, record.AuditEntry{}, invalid(placeholder, string(record.ActionOpen), "facility is required")
	}
	if err := requireActorAndNote(placeholder, string(record.ActionOpen), req.Actor, req.Justification); err != nil {
		return record.Incident{}, record.AuditEntry{}, err
	}

	inc := record.Incident{
		ID:                  id,
		FacilityID:          req.FacilityID,
		Metric:              req.Metric,
		Type:                record.IncidentManual,
		State:               record.StateOpen,
		Severity:            req.Severity,
		DeviationIDs:        []string{},
		ManualJustification: strings.TrimSpace(req.Justification),
		OpenedAt:            at,
		Version:             1,
	}

	return inc, audit(placeholder, inc, record.ActionOpen, req.Actor, inc.ManualJustification, at), nil
}

// LinkDeviation attaches a further deviation to a non-terminal incident.
// The incident severity is raised to the deviation's when it is higher.
func LinkDeviation(inc record.Incident, ev record.DeviationEvent, actor, note string, at time.Time) (record.Incident, record.AuditEntry, error) {
	action := string(record.ActionLinkDeviation)
	if inc.State.Terminal() {
		return inc, record.AuditEntry{}, invalid(inc, action, "incident is closed")
	}
	if err := requireActorAndNote(inc, action, actor, note); err != nil {
		return inc, record.AuditEntry{}, err
	}
	if ev.FacilityID != inc.FacilityID {
		return inc, record.AuditEntry{}, invalid(inc, action,
			fmt.Sprintf("deviation belongs to facility %s", ev.FacilityID))
	}
	for _, id := range inc.DeviationIDs {
		if id == ev.ID {
			return inc, record.AuditEntry{}, invalid(inc, action, "deviation already linked")
		}
	}

	next := clone(inc)
	next.DeviationIDs = append(next.DeviationIDs, ev.ID)
	if ev.Severity.Rank > next.Severity.Rank || next.Severity.Level == "" {
		next.Severity = ev.Severity
	}
	next.Version++

	return next, audit(inc, next, record.ActionLinkDeviation, actor, strings.TrimSpace(note), at), nil
}

// Impact is the product, financial and regulatory assessment of an incident.
// Nil or empty fields leave the current value unchanged.
type Impact struct {
	AffectedProducts []string
	FinancialImpact  *decimal.Decimal
	RegulatoryImpact string
}

// AnnotateImpact records an impact assessment on a non-terminal incident.
func AnnotateImpact(inc record.Incident, impact Impact, actor, note string, at time.Time) (record.Incident, record.AuditEntry, error) {
	action := string(record.ActionAnnotateImpact)
	if inc.State.Terminal() {
		return inc, record.AuditEntry{}, invalid(inc, action, "incident is closed")
	}
	if err := requireActorAndNote(inc, action, actor, note); err != nil {
		return inc, record.AuditEntry{}, err
	}
	if impact.FinancialImpact != nil && impact.FinancialImpact.IsNegative() {
		return inc, record.AuditEntry{}, invalid(inc, action, "financial impact must not be negative")
	}

	next := clone(inc)
	if len(impact.AffectedProducts) > 0 {
		next.AffectedProducts = mergeUnique(next.AffectedProducts, impact.AffectedProducts)
	}
	if impact.FinancialImpact != nil {
		fi := *impact.FinancialImpact
		next.FinancialImpact = &fi
	}
	if impact.RegulatoryImpact != "" {
		next.RegulatoryImpact = impact.RegulatoryImpact
	}
	next.Version++

	return next, audit(inc, next, record.ActionAnnotateImpact, actor, strings.TrimSpace(note), at), nil
}

func requireActorAndNote(inc record.Incident, action, actor, note string) error {
	if strings.TrimSpace(actor) == "" {
		return invalid(inc, action, "actor is required")
	}
	if strings.TrimSpace(note) == "" {
		return invalid(inc, action, "justification is required")
	}
	return nil
}

func audit(prev, next record.Incident, action record.AuditAction, actor, note string, at time.Time) record.AuditEntry {
	return record.AuditEntry{
		IncidentID: next.ID,
		Actor:      actor,
		At:         at,
		Action:     action,
		FromState:  prev.State,
		ToState:    next.State,
		Note:       note,
	}
}

func typeFor(ev record.DeviationEvent) record.IncidentType {
	if ev.Kind == record.KindMonitoringGap {
		return record.IncidentMonitoringGap
	}
	if ev.Metric == record.MetricHumidity {
		return record.IncidentHumidityExcursion
	}
	return record.IncidentTemperatureExcursion
}

func clone(inc record.Incident) record.Incident {
	out := inc
	out.DeviationIDs = append([]string{}, inc.DeviationIDs...)
	out.PreventiveMeasures = append([]string(nil), inc.PreventiveMeasures...)
	out.AffectedProducts = append([]string(nil), inc.AffectedProducts...)
	return out
}

func mergeUnique(existing, add []string) []string {
	seen := make(map[string]bool, len(existing))
	out := append([]string(nil), existing...)
	for _, p := range existing {
		seen[p] = true
	}
	for _, p := range add {
		if p = strings.TrimSpace(p); p != "" && !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}
	return out
}
