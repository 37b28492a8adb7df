package detector

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"pgregory.net/rapid"

	"github.com/roach88/coldtrace/internal/record"
	"github.com/roach88/coldtrace/internal/thresholds"
)

// A contiguous out-of-band run yields exactly one event if it meets the grace
// period and none otherwise.
func TestDetector_Property_OneEventPerSustainedRun(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		grace := rapid.IntRange(1, 6).Draw(t, "grace_readings")
		runLen := rapid.IntRange(1, 10).Draw(t, "run_len")
		lead := rapid.IntRange(0, 3).Draw(t, "lead")

		res := band("2", "8")
		res.Rule.GraceReadings = grace
		d := New("fac-1", record.MetricTemperature)

		var events []record.DeviationEvent
		i := 0
		observe := func(v decimal.Decimal) {
			evs, err := d.Observe(reading(i, v.String()), res)
			if err != nil {
				t.Fatalf("observe: %v", err)
			}
			events = append(events, evs...)
			i++
		}

		for j := 0; j < lead; j++ {
			observe(decimal.NewFromInt(int64(rapid.IntRange(2, 8).Draw(t, "in"))))
		}
		for j := 0; j < runLen; j++ {
			above := rapid.Bool().Draw(t, "above")
			off := decimal.NewFromInt(int64(rapid.IntRange(1, 20).Draw(t, "off")))
			if above {
				observe(decimal.NewFromInt(8).Add(off))
			} else {
				observe(decimal.NewFromInt(2).Sub(off))
			}
		}
		observe(decimal.NewFromInt(5))

		if runLen >= grace {
			if len(events) != 1 {
				t.Fatalf("expected 1 event, got %d", len(events))
			}
			if len(events[0].ReadingIDs) != runLen {
				t.Fatalf("event covers %d readings, run was %d", len(events[0].ReadingIDs), runLen)
			}
		} else if len(events) != 0 {
			t.Fatalf("run of %d under grace %d produced %d events", runLen, grace, len(events))
		}
	})
}

// Severity never decreases when one dimension grows and the other is fixed.
func TestClassify_Property_Monotonic(t *testing.T) {
	bands := []thresholds.SeverityBand{
		{Level: "minor"},
		{Level: "major", MinExcursion: decPtr("2"), MinDuration: time.Hour},
		{Level: "critical", MinExcursion: decPtr("5"), MinExposure: decPtr("600"), MinDuration: 6 * time.Hour},
	}

	rapid.Check(t, func(t *rapid.T) {
		exc := decimal.NewFromInt(int64(rapid.IntRange(0, 1000).Draw(t, "exc"))).Div(decimal.NewFromInt(100))
		more := exc.Add(decimal.NewFromInt(int64(rapid.IntRange(0, 1000).Draw(t, "more"))).Div(decimal.NewFromInt(100)))
		dur := time.Duration(rapid.IntRange(0, 600).Draw(t, "dur_min")) * time.Minute
		longer := dur + time.Duration(rapid.IntRange(0, 600).Draw(t, "extra_min"))*time.Minute

		base := Classify(bands, exc, dur).Rank
		if r := Classify(bands, more, dur).Rank; r < base {
			t.Fatalf("severity dropped from %d to %d as excursion grew %s -> %s", base, r, exc, more)
		}
		if r := Classify(bands, exc, longer).Rank; r < base {
			t.Fatalf("severity dropped from %d to %d as duration grew %s -> %s", base, r, dur, longer)
		}
	})
}
