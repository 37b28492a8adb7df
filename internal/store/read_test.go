package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/coldtrace/internal/record"
	"github.com/roach88/coldtrace/internal/thresholds"
)

func TestQueryReadings_OrderAndPaging(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	// Insert out of timestamp order; queries must still return ts order.
	for _, off := range []time.Duration{20, 0, 10, 30} {
		r := testReading(t, "depot-north", off*time.Minute, "5")
		_, err := s.CommitReading(ctx, ReadingCommit{Reading: r, DetectorState: []byte(`{}`)})
		require.NoError(t, err)
	}
	_, err := s.CommitReading(ctx, ReadingCommit{Reading: testReading(t, "pharmacy-12", 0, "5"), DetectorState: []byte(`{}`)})
	require.NoError(t, err)

	all, err := s.QueryReadings(ctx, ReadingQuery{FacilityID: "depot-north", Metric: record.MetricTemperature})
	require.NoError(t, err)
	require.Len(t, all, 4)
	for i := 1; i < len(all); i++ {
		assert.True(t, all[i-1].Timestamp.Before(all[i].Timestamp))
	}

	after := t0.Add(10 * time.Minute)
	page, err := s.QueryReadings(ctx, ReadingQuery{
		FacilityID: "depot-north",
		Metric:     record.MetricTemperature,
		After:      &after,
		Limit:      1,
	})
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.True(t, t0.Add(20*time.Minute).Equal(page[0].Timestamp))

	bounded, err := s.QueryReadings(ctx, ReadingQuery{
		FacilityID: "depot-north",
		Metric:     record.MetricTemperature,
		From:       t0.Add(10 * time.Minute),
		To:         t0.Add(20 * time.Minute),
	})
	require.NoError(t, err)
	assert.Len(t, bounded, 2)
}

func TestReadingAt(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	r := testReading(t, "depot-north", 15*time.Minute, "6.5")
	_, err := s.CommitReading(ctx, ReadingCommit{Reading: r, DetectorState: []byte(`{}`)})
	require.NoError(t, err)

	got, err := s.ReadingAt(ctx, "depot-north", record.MetricTemperature, t0.Add(15*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, r.ID, got.ID)
	assert.True(t, r.Value.Equal(got.Value))

	_, err = s.ReadingAt(ctx, "depot-north", record.MetricTemperature, t0)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.ReadingAt(ctx, "depot-north", record.MetricHumidity, t0.Add(15*time.Minute))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestQueryReadings_EmptyIsNotNil(t *testing.T) {
	s := createTestStore(t)

	got, err := s.QueryReadings(context.Background(), ReadingQuery{FacilityID: "x", Metric: record.MetricHumidity})
	require.NoError(t, err)
	assert.NotNil(t, got)
	assert.Empty(t, got)
}

func TestQueryDeviations_Overlap(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	early := openDeviationWrite(t, "inc-1", 0, time.Hour)
	late := openDeviationWrite(t, "inc-2", 5*time.Hour, 6*time.Hour)
	_, err := s.CommitDeviations(ctx, "depot-north", record.MetricTemperature, nil, []DeviationWrite{late, early})
	require.NoError(t, err)

	all, err := s.QueryDeviations(ctx, DeviationQuery{FacilityID: "depot-north"})
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, early.Event.ID, all[0].ID)

	// Range touching only the end of the first deviation.
	got, err := s.QueryDeviations(ctx, DeviationQuery{FacilityID: "depot-north", From: t0.Add(time.Hour), To: t0.Add(2 * time.Hour)})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, early.Event.ID, got[0].ID)

	none, err := s.QueryDeviations(ctx, DeviationQuery{FacilityID: "depot-north", Source: record.SourceReevaluation})
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestListIncidents_OpenOnly(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	a := openDeviationWrite(t, "inc-a", 0, time.Hour)
	b := openDeviationWrite(t, "inc-b", 2*time.Hour, 3*time.Hour)
	_, err := s.CommitDeviations(ctx, "depot-north", record.MetricTemperature, nil, []DeviationWrite{a, b})
	require.NoError(t, err)

	closed := a.Incident.Incident
	closed.State = record.StateClosedWithoutAction
	closed.ClosureReason = "sensor fault"
	closed.Version = 2
	_, err = s.WriteIncidentChange(ctx, IncidentChange{
		Incident:    closed,
		PrevVersion: 1,
		Audit:       testAudit("inc-a", 2, record.ActionCloseWithoutAction, record.StateOpen, record.StateClosedWithoutAction),
	}, nil)
	require.NoError(t, err)

	open, err := s.ListIncidents(ctx, IncidentQuery{FacilityID: "depot-north", OpenOnly: true})
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, "inc-b", open[0].ID)
	assert.Equal(t, []string{b.Event.ID}, open[0].DeviationIDs)

	all, err := s.ListIncidents(ctx, IncidentQuery{})
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestReadIncident_NotFound(t *testing.T) {
	s := createTestStore(t)
	_, err := s.ReadIncident(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFacility_UpsertAndList(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	until := t0.Add(365 * 24 * time.Hour)
	f := record.Facility{ID: "depot-north", Name: "Depot North", Type: "vaccine", CertifiedUntil: &until, BackupSystems: true}
	require.NoError(t, s.UpsertFacility(ctx, f, t0))

	f.Name = "Depot North (renamed)"
	require.NoError(t, s.UpsertFacility(ctx, f, t0.Add(time.Minute)))
	require.NoError(t, s.UpsertFacility(ctx, record.Facility{ID: "annex", Name: "Annex"}, t0))

	got, err := s.ReadFacility(ctx, "depot-north")
	require.NoError(t, err)
	assert.Equal(t, "Depot North (renamed)", got.Name)
	assert.True(t, got.BackupSystems)
	require.NotNil(t, got.CertifiedUntil)
	assert.True(t, until.Equal(*got.CertifiedUntil))
	assert.Nil(t, got.CertifiedFrom)

	list, err := s.ListFacilities(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "annex", list[0].ID)

	_, err = s.ReadFacility(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestConfig_SaveAndLatest(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	_, err := s.LatestConfig(ctx)
	assert.ErrorIs(t, err, ErrNotFound)

	v1 := thresholds.ConfigTable{Version: "v1"}
	v2 := thresholds.ConfigTable{Version: "v2"}

	inserted, err := s.SaveConfig(ctx, v1, t0)
	require.NoError(t, err)
	assert.True(t, inserted)
	_, err = s.SaveConfig(ctx, v2, t0)
	require.NoError(t, err)

	latest, err := s.LatestConfig(ctx)
	require.NoError(t, err)
	assert.Equal(t, "v2", latest.Version)

	// Reloading an older version makes it current again.
	inserted, err = s.SaveConfig(ctx, v1, t0.Add(time.Hour))
	require.NoError(t, err)
	assert.False(t, inserted)
	latest, err = s.LatestConfig(ctx)
	require.NoError(t, err)
	assert.Equal(t, "v1", latest.Version)

	_, err = s.SaveConfig(ctx, thresholds.ConfigTable{}, t0)
	assert.Error(t, err)
}

func TestReadRecoveryState_Streams(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	_, err := s.CommitReading(ctx, ReadingCommit{Reading: testReading(t, "pharmacy-12", 0, "5"), DetectorState: []byte(`{"p":1}`)})
	require.NoError(t, err)
	_, err = s.CommitReading(ctx, ReadingCommit{Reading: testReading(t, "depot-north", 0, "5"), DetectorState: []byte(`{"d":1}`)})
	require.NoError(t, err)

	rec, err := s.ReadRecoveryState(ctx)
	require.NoError(t, err)
	require.Len(t, rec.Streams, 2)
	assert.Equal(t, "depot-north", rec.Streams[0].FacilityID)
	assert.Equal(t, int64(2), rec.Streams[0].ReadingSeq)
	assert.JSONEq(t, `{"p":1}`, string(rec.Streams[1].State))
}
