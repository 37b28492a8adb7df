package store

import (
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/roach88/coldtrace/internal/record"
)

var t0 = time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)

func testReading(t *testing.T, facility string, offset time.Duration, value string) record.Reading {
	t.Helper()
	v := decimal.RequireFromString(value)
	ts := t0.Add(offset)
	id, err := record.ReadingID(facility, record.MetricTemperature, ts, v, record.UnitCelsius)
	require.NoError(t, err)
	return record.Reading{
		ID:         id,
		FacilityID: facility,
		Metric:     record.MetricTemperature,
		Timestamp:  ts,
		Value:      v,
		Unit:       record.UnitCelsius,
	}
}

func testDeviation(t *testing.T, facility string, start, end time.Duration) record.DeviationEvent {
	t.Helper()
	s, e := t0.Add(start), t0.Add(end)
	id, err := record.DeviationID(facility, record.MetricTemperature, record.KindExcursion, s, e, "cfg-1")
	require.NoError(t, err)
	return record.DeviationEvent{
		ID:            id,
		FacilityID:    facility,
		Metric:        record.MetricTemperature,
		Kind:          record.KindExcursion,
		Start:         s,
		End:           e,
		Duration:      e.Sub(s),
		Direction:     record.DirectionAbove,
		Min:           decimal.RequireFromString("8.5"),
		Max:           decimal.RequireFromString("10"),
		Mean:          decimal.RequireFromString("9.25"),
		MaxExcursion:  decimal.RequireFromString("3"),
		Severity:      record.Severity{Level: "major", Rank: 1},
		ReadingIDs:    []string{"r1", "r2"},
		RuleID:        "vaccine-temperature",
		ConfigVersion: "cfg-1",
		Source:        record.SourceLive,
	}
}

func testIncident(id string, ev record.DeviationEvent) record.Incident {
	return record.Incident{
		ID:           id,
		FacilityID:   ev.FacilityID,
		Metric:       ev.Metric,
		Type:         record.IncidentTemperatureExcursion,
		State:        record.StateOpen,
		Severity:     ev.Severity,
		DeviationIDs: []string{ev.ID},
		OpenedAt:     ev.End,
		Version:      1,
	}
}

func testAudit(incidentID string, n int, action record.AuditAction, from, to record.IncidentState) record.AuditEntry {
	return record.AuditEntry{
		ID:         fmt.Sprintf("audit-%s-%d", incidentID, n),
		IncidentID: incidentID,
		Actor:      "system",
		At:         t0.Add(time.Duration(n) * time.Minute),
		Action:     action,
		FromState:  from,
		ToState:    to,
		Note:       "step",
	}
}

func testNotification(id string, ev record.DeviationEvent) record.Notification {
	evCopy := ev
	return record.Notification{
		ID:         id,
		Kind:       record.NotifyDeviation,
		FacilityID: ev.FacilityID,
		Deviation:  &evCopy,
		CreatedAt:  ev.End,
	}
}

// openDeviationWrite builds a deviation that opens incident incID.
func openDeviationWrite(t *testing.T, incID string, start, end time.Duration) DeviationWrite {
	t.Helper()
	ev := testDeviation(t, "depot-north", start, end)
	inc := testIncident(incID, ev)
	return DeviationWrite{
		Event: ev,
		Incident: &IncidentChange{
			Incident: inc,
			Audit:    testAudit(incID, 1, record.ActionOpen, "", record.StateOpen),
		},
		Notifications: []record.Notification{testNotification("n-"+incID, ev)},
	}
}
