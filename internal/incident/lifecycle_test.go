package incident

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/coldtrace/internal/record"
)

var at = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func deviation(id string, rank int) record.DeviationEvent {
	levels := []string{"minor", "major", "critical"}
	return record.DeviationEvent{
		ID:         id,
		FacilityID: "fac-1",
		Metric:     record.MetricTemperature,
		Kind:       record.KindExcursion,
		Start:      at.Add(-time.Hour),
		End:        at.Add(-30 * time.Minute),
		Severity:   record.Severity{Level: levels[rank], Rank: rank},
	}
}

func openIncident(t *testing.T) record.Incident {
	t.Helper()
	inc, _, err := OpenFromDeviation("inc-1", deviation("dev-1", 0), at)
	require.NoError(t, err)
	return inc
}

func step(t *testing.T, inc record.Incident, action record.AuditAction, note string) record.Incident {
	t.Helper()
	next, _, err := Transition(inc, TransitionRequest{Action: action, Actor: "qa.lead", Note: note}, at)
	require.NoError(t, err)
	return next
}

func TestOpenFromDeviation(t *testing.T) {
	inc, entry, err := OpenFromDeviation("inc-1", deviation("dev-1", 1), at)
	require.NoError(t, err)

	assert.Equal(t, record.StateOpen, inc.State)
	assert.Equal(t, record.IncidentTemperatureExcursion, inc.Type)
	assert.Equal(t, []string{"dev-1"}, inc.DeviationIDs)
	assert.Equal(t, "major", inc.Severity.Level)
	assert.Equal(t, 1, inc.Version)
	assert.Equal(t, at, inc.OpenedAt)

	assert.Equal(t, "inc-1", entry.IncidentID)
	assert.Equal(t, SystemActor, entry.Actor)
	assert.Equal(t, record.ActionOpen, entry.Action)
	assert.Equal(t, record.IncidentState(""), entry.FromState)
	assert.Equal(t, record.StateOpen, entry.ToState)
	assert.Contains(t, entry.Note, "dev-1")
}

func TestOpenFromDeviation_Types(t *testing.T) {
	gap := deviation("dev-gap", 0)
	gap.Kind = record.KindMonitoringGap
	inc, _, err := OpenFromDeviation("inc-g", gap, at)
	require.NoError(t, err)
	assert.Equal(t, record.IncidentMonitoringGap, inc.Type)

	hum := deviation("dev-h", 0)
	hum.Metric = record.MetricHumidity
	inc, _, err = OpenFromDeviation("inc-h", hum, at)
	require.NoError(t, err)
	assert.Equal(t, record.IncidentHumidityExcursion, inc.Type)

	_, _, err = OpenFromDeviation("", hum, at)
	assert.Error(t, err)
}

func TestTransition_HappyPath(t *testing.T) {
	inc := openIncident(t)

	inc = step(t, inc, record.ActionBeginInvestigation, "door seal failed on unit 3")
	assert.Equal(t, record.StateInvestigating, inc.State)
	assert.Equal(t, "door seal failed on unit 3", inc.RootCause)

	next, entry, err := Transition(inc, TransitionRequest{
		Action:             record.ActionPlanCorrectiveAction,
		Actor:              "qa.lead",
		Note:               "replace seal, quarantine batch",
		PreventiveMeasures: []string{"weekly seal inspection"},
	}, at)
	require.NoError(t, err)
	assert.Equal(t, record.StateCorrectiveActionPlanned, next.State)
	assert.Equal(t, "replace seal, quarantine batch", next.CorrectiveActionPlan)
	assert.Equal(t, []string{"weekly seal inspection"}, next.PreventiveMeasures)
	assert.Equal(t, record.StateInvestigating, entry.FromState)
	assert.Equal(t, record.StateCorrectiveActionPlanned, entry.ToState)

	resolved := step(t, next, record.ActionResolve, "seal replaced, batch released after stability review")
	assert.Equal(t, record.StateResolved, resolved.State)
	require.NotNil(t, resolved.ResolvedAt)
	assert.Equal(t, at, *resolved.ResolvedAt)
	assert.Equal(t, 4, resolved.Version)
	assert.True(t, resolved.State.Terminal())
}

func TestTransition_CloseWithoutAction(t *testing.T) {
	for _, from := range []record.AuditAction{"", record.ActionBeginInvestigation} {
		inc := openIncident(t)
		if from != "" {
			inc = step(t, inc, from, "looking")
		}

		closed := step(t, inc, record.ActionCloseWithoutAction, "sensor fault confirmed")
		assert.Equal(t, record.StateClosedWithoutAction, closed.State)
		assert.Equal(t, "sensor fault confirmed", closed.ClosureReason)
		require.NotNil(t, closed.ClosedAt)
	}
}

func TestTransition_InvalidFromState(t *testing.T) {
	inc := openIncident(t)
	investigating := step(t, inc, record.ActionBeginInvestigation, "checking")
	planned := step(t, investigating, record.ActionPlanCorrectiveAction, "plan")
	resolved := step(t, planned, record.ActionResolve, "done")

	tests := []struct {
		name   string
		inc    record.Incident
		action record.AuditAction
	}{
		{"resolve from open", inc, record.ActionResolve},
		{"plan from open", inc, record.ActionPlanCorrectiveAction},
		{"resolve from investigating", investigating, record.ActionResolve},
		{"investigate twice", investigating, record.ActionBeginInvestigation},
		{"close after plan", planned, record.ActionCloseWithoutAction},
		{"anything after resolve", resolved, record.ActionBeginInvestigation},
		{"unknown", inc, record.AuditAction("escalate")},
		{"link is not a transition", inc, record.ActionLinkDeviation},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, _, err := Transition(tt.inc, TransitionRequest{Action: tt.action, Actor: "qa", Note: "note"}, at)
			require.Error(t, err)
			assert.True(t, IsInvalidTransition(err))
			assert.Equal(t, tt.inc, got, "incident unchanged")
		})
	}
}

// Resolving an investigating incident with empty notes is a state error,
// and the incident stays investigating.
func TestTransition_StateCheckedBeforeNote(t *testing.T) {
	inc := step(t, openIncident(t), record.ActionBeginInvestigation, "checking")

	got, _, err := Transition(inc, TransitionRequest{Action: record.ActionResolve, Actor: "qa", Note: ""}, at)
	require.Error(t, err)
	assert.True(t, IsInvalidTransition(err))
	assert.Contains(t, err.Error(), "not allowed from investigating")
	assert.Equal(t, record.StateInvestigating, got.State)
}

func TestTransition_RequiresActorAndNote(t *testing.T) {
	inc := openIncident(t)

	_, _, err := Transition(inc, TransitionRequest{Action: record.ActionBeginInvestigation, Actor: " ", Note: "x"}, at)
	assert.True(t, IsInvalidTransition(err))
	assert.Contains(t, err.Error(), "actor")

	_, _, err = Transition(inc, TransitionRequest{Action: record.ActionBeginInvestigation, Actor: "qa", Note: "\t"}, at)
	assert.True(t, IsInvalidTransition(err))
	assert.Contains(t, err.Error(), "justification")
}

func TestTransition_DoesNotAliasInput(t *testing.T) {
	inc := step(t, openIncident(t), record.ActionBeginInvestigation, "checking")
	inc.PreventiveMeasures = []string{"a"}

	next, _, err := Transition(inc, TransitionRequest{
		Action: record.ActionPlanCorrectiveAction, Actor: "qa", Note: "plan",
		PreventiveMeasures: []string{"b"},
	}, at)
	require.NoError(t, err)

	assert.Equal(t, []string{"a"}, inc.PreventiveMeasures)
	assert.Equal(t, []string{"a", "b"}, next.PreventiveMeasures)
}

func TestOpenManual(t *testing.T) {
	inc, entry, err := OpenManual("inc-m", ManualRequest{
		FacilityID:    "fac-1",
		Metric:        record.MetricTemperature,
		Actor:         "site.manager",
		Justification: "freezer alarm heard, logger offline",
		Severity:      record.Severity{Level: "major", Rank: 1},
	}, at)
	require.NoError(t, err)

	assert.Equal(t, record.IncidentManual, inc.Type)
	assert.Equal(t, record.StateOpen, inc.State)
	assert.Empty(t, inc.DeviationIDs)
	assert.Equal(t, "freezer alarm heard, logger offline", inc.ManualJustification)
	assert.Equal(t, "site.manager", entry.Actor)

	_, _, err = OpenManual("inc-m", ManualRequest{FacilityID: "fac-1", Actor: "x"}, at)
	assert.True(t, IsInvalidTransition(err))

	_, _, err = OpenManual("inc-m", ManualRequest{Actor: "x", Justification: "y"}, at)
	assert.True(t, IsInvalidTransition(err))
}

func TestLinkDeviation(t *testing.T) {
	inc := openIncident(t)

	next, entry, err := LinkDeviation(inc, deviation("dev-2", 2), "system", "recurrence at same site", at)
	require.NoError(t, err)
	assert.Equal(t, []string{"dev-1", "dev-2"}, next.DeviationIDs)
	assert.Equal(t, "critical", next.Severity.Level, "severity raised")
	assert.Equal(t, record.StateOpen, entry.FromState)
	assert.Equal(t, record.StateOpen, entry.ToState)
	assert.Equal(t, record.ActionLinkDeviation, entry.Action)

	// Lower severity does not downgrade.
	next2, _, err := LinkDeviation(next, deviation("dev-3", 0), "system", "again", at)
	require.NoError(t, err)
	assert.Equal(t, "critical", next2.Severity.Level)

	_, _, err = LinkDeviation(next, deviation("dev-2", 2), "system", "dup", at)
	assert.True(t, IsInvalidTransition(err))

	other := deviation("dev-9", 0)
	other.FacilityID = "fac-2"
	_, _, err = LinkDeviation(next, other, "system", "wrong site", at)
	assert.True(t, IsInvalidTransition(err))

	closed := step(t, inc, record.ActionCloseWithoutAction, "noise")
	_, _, err = LinkDeviation(closed, deviation("dev-4", 0), "system", "late", at)
	assert.True(t, IsInvalidTransition(err))
}

func TestAnnotateImpact(t *testing.T) {
	inc := openIncident(t)
	cost := decimal.RequireFromString("12500.00")

	next, entry, err := AnnotateImpact(inc, Impact{
		AffectedProducts: []string{"MMR lot 44A", "MMR lot 44A", "Insulin lot 9"},
		FinancialImpact:  &cost,
		RegulatoryImpact: "reportable to regulator within 15 days",
	}, "qa.lead", "initial assessment", at)
	require.NoError(t, err)

	assert.Equal(t, []string{"MMR lot 44A", "Insulin lot 9"}, next.AffectedProducts)
	require.NotNil(t, next.FinancialImpact)
	assert.True(t, cost.Equal(*next.FinancialImpact))
	assert.Equal(t, record.StateOpen, next.State)
	assert.Equal(t, record.ActionAnnotateImpact, entry.Action)
	assert.Equal(t, inc.Version+1, next.Version)

	neg := decimal.NewFromInt(-1)
	_, _, err = AnnotateImpact(inc, Impact{FinancialImpact: &neg}, "qa", "oops", at)
	assert.True(t, IsInvalidTransition(err))
}

func TestParseAction(t *testing.T) {
	a, err := ParseAction("resolve")
	require.NoError(t, err)
	assert.Equal(t, record.ActionResolve, a)

	_, err = ParseAction("annotate_impact")
	assert.True(t, IsInvalidTransition(err))
}

func TestAllowed(t *testing.T) {
	assert.Equal(t, []record.AuditAction{record.ActionBeginInvestigation, record.ActionCloseWithoutAction}, Allowed(record.StateOpen))
	assert.Equal(t, []record.AuditAction{record.ActionPlanCorrectiveAction, record.ActionCloseWithoutAction}, Allowed(record.StateInvestigating))
	assert.Equal(t, []record.AuditAction{record.ActionResolve}, Allowed(record.StateCorrectiveActionPlanned))
	assert.Empty(t, Allowed(record.StateResolved))
	assert.Empty(t, Allowed(record.StateClosedWithoutAction))
}
