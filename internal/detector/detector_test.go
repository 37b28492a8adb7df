package detector

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/coldtrace/internal/record"
	"github.com/roach88/coldtrace/internal/thresholds"
)

var base = time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func decPtr(s string) *decimal.Decimal {
	d := dec(s)
	return &d
}

func band(lower, upper string) thresholds.Resolution {
	return thresholds.Resolution{
		Rule: thresholds.ThresholdRule{
			ID:     "rule-1",
			Scope:  thresholds.ScopeGlobal,
			Metric: record.MetricTemperature,
			Unit:   record.UnitCelsius,
			Lower:  dec(lower),
			Upper:  dec(upper),
			Bands: []thresholds.SeverityBand{
				{Level: "minor"},
				{Level: "major", MinExcursion: decPtr("3")},
				{Level: "critical", MinExcursion: decPtr("6"), MinDuration: 4 * time.Hour},
			},
		},
		ConfigVersion:      "cfg-1",
		CertificationValid: true,
	}
}

func reading(i int, value string) record.Reading {
	ts := base.Add(time.Duration(i) * 15 * time.Minute)
	v := dec(value)
	return record.Reading{
		ID:         record.MustReadingID("fac-1", record.MetricTemperature, ts, v, record.UnitCelsius),
		FacilityID: "fac-1",
		Metric:     record.MetricTemperature,
		Timestamp:  ts,
		Value:      v,
		Unit:       record.UnitCelsius,
	}
}

func feed(t *testing.T, d *Detector, res thresholds.Resolution, values ...string) []record.DeviationEvent {
	t.Helper()
	var out []record.DeviationEvent
	for i, v := range values {
		evs, err := d.Observe(reading(i, v), res)
		require.NoError(t, err)
		out = append(out, evs...)
	}
	return out
}

func TestDetector_SustainedExcursion(t *testing.T) {
	res := band("2", "7")
	res.Rule.GraceReadings = 2
	d := New("fac-1", record.MetricTemperature)

	events := feed(t, d, res, "2", "2", "8", "9", "8", "2")

	require.Len(t, events, 1)
	ev := events[0]
	assert.Equal(t, record.KindExcursion, ev.Kind)
	assert.Equal(t, reading(2, "8").Timestamp, ev.Start)
	assert.Equal(t, reading(4, "8").Timestamp, ev.End)
	assert.Equal(t, 30*time.Minute, ev.Duration)
	assert.Len(t, ev.ReadingIDs, 3)
	assert.Equal(t, record.DirectionAbove, ev.Direction)
	assert.True(t, dec("8").Equal(ev.Min))
	assert.True(t, dec("9").Equal(ev.Max))
	assert.True(t, dec("8.333333").Equal(ev.Mean), "mean was %s", ev.Mean)
	assert.True(t, dec("2").Equal(ev.MaxExcursion))
	assert.Equal(t, record.Severity{Level: "minor", Rank: 0}, ev.Severity)
	assert.Equal(t, "rule-1", ev.RuleID)
	assert.Equal(t, "cfg-1", ev.ConfigVersion)
	assert.Equal(t, record.SourceLive, ev.Source)
	assert.False(t, ev.CertificationLapsed)
}

func TestDetector_BoundaryValuesAreInBand(t *testing.T) {
	res := band("2", "8")
	res.Rule.GraceReadings = 2
	d := New("fac-1", record.MetricTemperature)

	// Only the 9 is out of band, which is shorter than the grace period.
	events := feed(t, d, res, "2", "2", "8", "9", "8", "2")
	assert.Empty(t, events)

	events = feed(t, New("fac-1", record.MetricTemperature), res, "2", "8", "2", "8")
	assert.Empty(t, events)
}

func TestDetector_ShorterThanGraceProducesNothing(t *testing.T) {
	res := band("2", "8")
	res.Rule.GracePeriod = 30 * time.Minute
	d := New("fac-1", record.MetricTemperature)

	// 15 minutes out of band.
	events := feed(t, d, res, "5", "10", "11", "5")
	assert.Empty(t, events)
	assert.Nil(t, d.State().Window, "window is discarded on close")
}

func TestDetector_GraceByDuration(t *testing.T) {
	res := band("2", "8")
	res.Rule.GracePeriod = 30 * time.Minute
	d := New("fac-1", record.MetricTemperature)

	events := feed(t, d, res, "5", "10", "11", "10", "5")
	require.Len(t, events, 1)
	assert.Equal(t, 30*time.Minute, events[0].Duration)
}

func TestDetector_ZeroGraceReportsSingleReading(t *testing.T) {
	d := New("fac-1", record.MetricTemperature)
	events := feed(t, d, band("2", "8"), "5", "8.1", "5")

	require.Len(t, events, 1)
	assert.Equal(t, time.Duration(0), events[0].Duration)
	assert.Len(t, events[0].ReadingIDs, 1)
}

func TestDetector_DirectionChangeKeepsOneWindow(t *testing.T) {
	d := New("fac-1", record.MetricTemperature)
	events := feed(t, d, band("2", "8"), "5", "9", "-3", "5")

	require.Len(t, events, 1)
	assert.Equal(t, record.DirectionBoth, events[0].Direction)
	assert.True(t, dec("5").Equal(events[0].MaxExcursion), "largest excursion on either side")
	assert.Equal(t, "major", events[0].Severity.Level)
}

func TestDetector_OutOfOrderDoesNotMutate(t *testing.T) {
	d := New("fac-1", record.MetricTemperature)
	res := band("2", "8")
	feed(t, d, res, "5", "9")
	before := d.State()

	for _, r := range []record.Reading{reading(0, "12"), reading(1, "12")} {
		_, err := d.Observe(r, res)
		require.Error(t, err)
		assert.True(t, IsOutOfOrder(err))
	}

	assert.Equal(t, before, d.State())
}

func TestDetector_RejectsForeignReadings(t *testing.T) {
	d := New("fac-1", record.MetricTemperature)
	res := band("2", "8")

	r := reading(0, "5")
	r.FacilityID = "fac-2"
	_, err := d.Observe(r, res)
	assert.ErrorIs(t, err, ErrStreamMismatch)

	r = reading(0, "41")
	r.Unit = record.UnitFahrenheit
	_, err = d.Observe(r, res)
	assert.ErrorIs(t, err, ErrUnitMismatch)

	assert.False(t, d.State().HasLast)
}

func TestDetector_MonitoringGap(t *testing.T) {
	res := band("2", "8")
	res.Rule.MaxGap = 20 * time.Minute
	d := New("fac-1", record.MetricTemperature)

	_, err := d.Observe(reading(0, "5"), res)
	require.NoError(t, err)
	_, err = d.Observe(reading(1, "9"), res)
	require.NoError(t, err)

	// 45 minutes of silence closes the open excursion and reports the gap.
	events, err := d.Observe(reading(4, "5"), res)
	require.NoError(t, err)
	require.Len(t, events, 2)

	assert.Equal(t, record.KindExcursion, events[0].Kind)
	assert.Equal(t, record.KindMonitoringGap, events[1].Kind)
	assert.Equal(t, reading(1, "9").Timestamp, events[1].Start)
	assert.Equal(t, reading(4, "5").Timestamp, events[1].End)
	assert.Equal(t, 45*time.Minute, events[1].Duration)
	assert.Equal(t, record.DirectionNone, events[1].Direction)
	assert.Equal(t, []string{reading(1, "9").ID, reading(4, "5").ID}, events[1].ReadingIDs)
	assert.NotEqual(t, events[0].ID, events[1].ID)
}

func TestDetector_GapThenExcursionStartsNewWindow(t *testing.T) {
	res := band("2", "8")
	res.Rule.MaxGap = 20 * time.Minute
	d := New("fac-1", record.MetricTemperature)

	feed(t, d, res, "9")
	events, err := d.Observe(reading(3, "10"), res)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, record.KindExcursion, events[0].Kind)
	assert.Equal(t, record.KindMonitoringGap, events[1].Kind)

	w := d.State().Window
	require.NotNil(t, w)
	assert.Equal(t, reading(3, "10").Timestamp, w.Start)
}

func TestDetector_FlushClosesWindow(t *testing.T) {
	res := band("2", "8")
	res.Rule.GraceReadings = 2
	d := New("fac-1", record.MetricTemperature)

	assert.Empty(t, feed(t, d, res, "5", "9", "10"))

	events, err := d.Flush()
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Len(t, events[0].ReadingIDs, 2)

	events, err = d.Flush()
	require.NoError(t, err)
	assert.Empty(t, events, "second flush has nothing to close")
}

func TestDetector_CertificationLapseRecorded(t *testing.T) {
	res := band("2", "8")
	d := New("fac-1", record.MetricTemperature)

	_, err := d.Observe(reading(0, "9"), res)
	require.NoError(t, err)

	lapsed := res
	lapsed.CertificationValid = false
	_, err = d.Observe(reading(1, "9"), lapsed)
	require.NoError(t, err)

	events, err := d.Flush()
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.True(t, events[0].CertificationLapsed)
}

func TestDetector_RestoreFromSerialisedState(t *testing.T) {
	res := band("2", "7")
	res.Rule.GraceReadings = 2
	values := []string{"2", "2", "8", "9", "8", "2"}

	uninterrupted := feed(t, New("fac-1", record.MetricTemperature), res, values...)

	d := New("fac-1", record.MetricTemperature)
	for i, v := range values[:4] {
		_, err := d.Observe(reading(i, v), res)
		require.NoError(t, err)
	}

	raw, err := json.Marshal(d.State())
	require.NoError(t, err)
	var restored State
	require.NoError(t, json.Unmarshal(raw, &restored))

	d2 := Restore(restored)
	var resumed []record.DeviationEvent
	for i, v := range values[4:] {
		evs, err := d2.Observe(reading(i+4, v), res)
		require.NoError(t, err)
		resumed = append(resumed, evs...)
	}

	require.Len(t, resumed, 1)
	assert.Equal(t, uninterrupted[0].ID, resumed[0].ID)
	assert.Equal(t, uninterrupted[0].ReadingIDs, resumed[0].ReadingIDs)
	assert.True(t, uninterrupted[0].Mean.Equal(resumed[0].Mean))
}

func TestDetector_WithSource(t *testing.T) {
	d := New("fac-1", record.MetricTemperature, WithSource(record.SourceReevaluation))
	events := feed(t, d, band("2", "8"), "9", "5")

	require.Len(t, events, 1)
	assert.Equal(t, record.SourceReevaluation, events[0].Source)
}

func TestDetector_DeterministicIDs(t *testing.T) {
	res := band("2", "8")
	values := []string{"5", "9", "9.5", "5", "1", "5"}

	a := feed(t, New("fac-1", record.MetricTemperature), res, values...)
	b := feed(t, New("fac-1", record.MetricTemperature), res, values...)

	require.Len(t, a, 2)
	for i := range a {
		assert.Equal(t, a[i].ID, b[i].ID, fmt.Sprintf("event %d", i))
	}

	other := res
	other.ConfigVersion = "cfg-2"
	c := feed(t, New("fac-1", record.MetricTemperature), other, values...)
	assert.NotEqual(t, a[0].ID, c[0].ID, "config version is part of the identity")
}
