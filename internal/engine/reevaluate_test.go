package engine

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/coldtrace/internal/record"
	"github.com/roach88/coldtrace/internal/store"
)

// loosened ingests the example stream under a band too wide to trip, then
// tightens the band to [2,7].
func loosened(t *testing.T) (*Engine, *store.Store) {
	t.Helper()
	s := setupTestStore(t)
	e := newTestEngine(t, s)
	ctx := context.Background()

	_, err := e.LoadConfig(ctx, configWithUpper(t, "10"))
	require.NoError(t, err)
	results := ingestAll(t, e, "2", "2", "8", "9", "8", "2")
	require.Empty(t, deviationsOf(results))

	_, err = e.LoadConfig(ctx, configWithUpper(t, "7"))
	require.NoError(t, err)
	return e, s
}

func window() ReevaluationRequest {
	return ReevaluationRequest{FacilityID: "depot-north", From: base, To: base.Add(2 * time.Hour), BatchSize: 4}
}

func TestReevaluate_FindsDeviationAcrossBatches(t *testing.T) {
	e, s := loosened(t)
	ctx := context.Background()

	res, err := e.Reevaluate(ctx, window())
	require.NoError(t, err)
	assert.Equal(t, 6, res.Processed)
	assert.Equal(t, 1, res.Emitted)
	assert.False(t, res.Resumed)
	assert.Equal(t, e.Config().Version, res.ConfigVersion)

	require.Len(t, res.Deviations, 1)
	dev := res.Deviations[0]
	assert.Equal(t, record.SourceReevaluation, dev.Source)
	assert.Equal(t, base.Add(30*time.Minute), dev.Start)
	assert.Equal(t, base.Add(60*time.Minute), dev.End)

	// Analysis only: no incident, no notification.
	incidents, err := e.ListIncidents(ctx, store.IncidentQuery{})
	require.NoError(t, err)
	assert.Empty(t, incidents)
	pending, err := s.PendingNotifications(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, pending)

	cp, found, err := s.ReadCheckpoint(ctx, res.JobID)
	require.NoError(t, err)
	require.True(t, found)
	assert.True(t, cp.Completed)
}

func TestReevaluate_CompletedJobIsNoop(t *testing.T) {
	e, _ := loosened(t)
	ctx := context.Background()

	_, err := e.Reevaluate(ctx, window())
	require.NoError(t, err)

	again, err := e.Reevaluate(ctx, window())
	require.NoError(t, err)
	assert.Equal(t, 6, again.Processed)
	assert.Equal(t, 1, again.Emitted)
	assert.Empty(t, again.Deviations)

	events, err := e.GetDeviationEvents(ctx, "depot-north", time.Time{}, time.Time{})
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestReevaluate_ConfigChangeRestartsJob(t *testing.T) {
	e, _ := loosened(t)
	ctx := context.Background()

	_, err := e.Reevaluate(ctx, window())
	require.NoError(t, err)

	// With upper 8.5 only the single 9 is out of band, under the grace count.
	_, err = e.LoadConfig(ctx, configWithUpper(t, "8.5"))
	require.NoError(t, err)

	res, err := e.Reevaluate(ctx, window())
	require.NoError(t, err)
	assert.False(t, res.Resumed)
	assert.Equal(t, 6, res.Processed)
	assert.Equal(t, 0, res.Emitted)
	assert.Equal(t, e.Config().Version, res.ConfigVersion)
}

func TestReevaluate_MatchesLiveDeviations(t *testing.T) {
	e := newTestEngine(t, setupTestStore(t))
	ctx := context.Background()

	ingestAll(t, e, "2", "2", "8", "9", "8", "2")

	res, err := e.Reevaluate(ctx, window())
	require.NoError(t, err)
	assert.Equal(t, 0, res.Emitted, "live deviation already recorded under this config")
}

func TestReevaluate_OpenIncidents(t *testing.T) {
	e, s := loosened(t)
	ctx := context.Background()

	req := window()
	req.OpenIncidents = true
	res, err := e.Reevaluate(ctx, req)
	require.NoError(t, err)
	require.Len(t, res.Deviations, 1)

	open, err := e.GetOpenIncidents(ctx, "depot-north")
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, []string{res.Deviations[0].ID}, open[0].DeviationIDs)

	pending, err := s.PendingNotifications(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, pending, 2)
}

func TestReevaluate_InvalidRequest(t *testing.T) {
	e := newTestEngine(t, setupTestStore(t))
	ctx := context.Background()

	_, err := e.Reevaluate(ctx, ReevaluationRequest{From: base, To: base})
	assert.True(t, IsInvalidReading(err))

	_, err = e.Reevaluate(ctx, ReevaluationRequest{FacilityID: "depot-north", From: base, To: base.Add(-time.Hour)})
	assert.True(t, IsInvalidReading(err))

	_, err = e.Reevaluate(ctx, ReevaluationRequest{FacilityID: "depot-north", Metric: "pressure", From: base, To: base})
	assert.True(t, IsInvalidReading(err))
}

func TestVerifyReevaluation(t *testing.T) {
	e, _ := loosened(t)
	ctx := context.Background()

	_, err := e.Reevaluate(ctx, window())
	require.NoError(t, err)

	v, err := e.VerifyReevaluation(ctx, window())
	require.NoError(t, err)
	assert.True(t, v.Match)
	assert.Empty(t, v.Diff)
	assert.Equal(t, 1, v.Stored)
	assert.Equal(t, 1, v.Recomputed)

	_, err = e.LoadConfig(ctx, configWithUpper(t, "8.5"))
	require.NoError(t, err)

	v, err = e.VerifyReevaluation(ctx, window())
	require.NoError(t, err)
	assert.False(t, v.Match)
	assert.Equal(t, 0, v.Recomputed)
	assert.True(t, strings.HasPrefix(v.Diff, "- excursion temperature"), "diff:\n%s", v.Diff)
	assert.NotContains(t, v.Diff, "+ ")
}

func TestLineDiff(t *testing.T) {
	assert.Empty(t, lineDiff("a\nb\n", "a\nb\n"))
	assert.Equal(t, "  a\n- b\n+ c\n", lineDiff("a\nb\n", "a\nc\n"))
}
