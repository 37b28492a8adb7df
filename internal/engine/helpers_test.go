package engine

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/roach88/coldtrace/internal/compiler"
	"github.com/roach88/coldtrace/internal/record"
	"github.com/roach88/coldtrace/internal/store"
	"github.com/roach88/coldtrace/internal/thresholds"
)

var base = time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

// configWithUpper returns a table whose temperature band is [2, upper] C.
func configWithUpper(t *testing.T, upper string) *thresholds.ConfigTable {
	t.Helper()
	src := fmt.Sprintf(`
facilities: "depot-north": {name: "Depot North", type: "vaccine"}
rules: {
	"global-temperature": {
		metric: "temperature", unit: "C", lower: 2, upper: %s
		grace_readings: 2
		max_gap:        "1h"
		effective_from: "2026-01-01T00:00:00Z"
		severity: [{level: "minor"}, {level: "major", min_excursion: 3}]
	}
	"global-humidity": {
		metric: "humidity", unit: "%%RH", lower: 30, upper: 60
		effective_from: "2026-01-01T00:00:00Z"
		severity: [{level: "minor"}]
	}
}
`, upper)
	table, err := compiler.CompileSource("test.cue", []byte(src))
	require.NoError(t, err)
	return table
}

func setupTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(t.TempDir() + "/test.db")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// newTestEngine starts an engine with band [2,7] loaded.
func newTestEngine(t *testing.T, s *store.Store, opts ...Option) *Engine {
	t.Helper()
	opts = append([]Option{
		WithClock(NewSteppingClock(base.Add(24*time.Hour), time.Second)),
		WithIDGenerator(NewSequenceGenerator("id")),
	}, opts...)
	e := New(s, opts...)
	require.NoError(t, e.Start(context.Background()))
	t.Cleanup(e.Stop)
	if e.Config() == nil {
		_, err := e.LoadConfig(context.Background(), configWithUpper(t, "7"))
		require.NoError(t, err)
	}
	return e
}

// reading i is taken i*15 minutes after base.
func sample(i int, value string) ReadingInput {
	return ReadingInput{
		FacilityID: "depot-north",
		Timestamp:  base.Add(time.Duration(i) * 15 * time.Minute),
		Value:      decimal.RequireFromString(value),
	}
}

func ingestAll(t *testing.T, e *Engine, values ...string) []IngestResult {
	t.Helper()
	var out []IngestResult
	for i, v := range values {
		res, err := e.IngestReading(context.Background(), sample(i, v))
		require.NoError(t, err, "reading %d", i)
		out = append(out, res)
	}
	return out
}

func deviationsOf(results []IngestResult) []record.DeviationEvent {
	var out []record.DeviationEvent
	for _, r := range results {
		out = append(out, r.Deviations...)
	}
	return out
}
