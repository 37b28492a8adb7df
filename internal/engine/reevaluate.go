package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/sergi/go-diff/diffmatchpatch"

	"github.com/roach88/coldtrace/internal/detector"
	"github.com/roach88/coldtrace/internal/record"
	"github.com/roach88/coldtrace/internal/store"
	"github.com/roach88/coldtrace/internal/thresholds"
)

// ReevaluationRequest replays stored readings under the active thresholds.
type ReevaluationRequest struct {
	JobID      string // default derived from facility, metric and range
	FacilityID string
	Metric     record.Metric // default temperature
	From       time.Time
	To         time.Time
	BatchSize  int // default: engine batch size

	// OpenIncidents opens incidents and sends notifications for deviations
	// the replay discovers. Off by default: reevaluation is an analysis.
	OpenIncidents bool
}

// ReevaluationResult summarises a reevaluation job.
type ReevaluationResult struct {
	JobID         string
	ConfigVersion string
	Processed     int  // readings replayed, including earlier runs
	Emitted       int  // deviations recorded, including earlier runs
	Resumed       bool // continued from a checkpoint
	Skipped       int  // readings no rule covered, in this run

	// Deviations lists the deviations newly recorded by this run.
	Deviations []record.DeviationEvent
}

func (r *ReevaluationRequest) normalise(defaultBatch int) error {
	if r.FacilityID == "" {
		return invalidReading("", "facility id is required")
	}
	if r.Metric == "" {
		r.Metric = record.MetricTemperature
	}
	if !r.Metric.Valid() {
		return invalidReading(r.FacilityID, "unknown metric %q", r.Metric)
	}
	if r.From.IsZero() || r.To.IsZero() || r.To.Before(r.From) {
		return invalidReading(r.FacilityID, "reevaluation needs a range with from <= to")
	}
	r.From, r.To = r.From.UTC(), r.To.UTC()
	if r.BatchSize <= 0 {
		r.BatchSize = defaultBatch
	}
	if r.JobID == "" {
		r.JobID = fmt.Sprintf("%s/%s/%s/%s", r.FacilityID, r.Metric,
			r.From.Format(time.RFC3339Nano), r.To.Format(time.RFC3339Nano))
	}
	return nil
}

// Reevaluate replays the readings of one stream in [From, To] through a
// fresh detector under the active threshold table.
//
// Deviations are written with Source=reevaluation and are idempotent:
// a deviation that already exists is not written again. Each batch commits
// its deviations together with a checkpoint, so re-running the same job ID
// after a crash resumes where it stopped. A job whose checkpoint was taken
// under a different config version restarts from the beginning.
func (e *Engine) Reevaluate(ctx context.Context, req ReevaluationRequest) (ReevaluationResult, error) {
	if err := req.normalise(e.batchSize); err != nil {
		return ReevaluationResult{}, err
	}
	table, err := e.requireConfig(req.FacilityID)
	if err != nil {
		return ReevaluationResult{}, err
	}

	cp, found, err := e.store.ReadCheckpoint(ctx, req.JobID)
	if err != nil {
		return ReevaluationResult{}, wrap(err, "read checkpoint", req.FacilityID, "")
	}

	result := ReevaluationResult{JobID: req.JobID, ConfigVersion: table.Version, Deviations: []record.DeviationEvent{}}
	det := detector.New(req.FacilityID, req.Metric, detector.WithSource(record.SourceReevaluation))

	switch {
	case found && cp.ConfigVersion == table.Version && cp.Completed:
		result.Processed, result.Emitted = cp.Processed, cp.Emitted
		return result, nil

	case found && cp.ConfigVersion == table.Version:
		var st detector.State
		if err := json.Unmarshal(cp.State, &st); err != nil {
			return ReevaluationResult{}, wrap(err, "unmarshal checkpoint", req.FacilityID, "")
		}
		det = detector.Restore(st, detector.WithSource(record.SourceReevaluation))
		result.Resumed = true
		e.logger.Info("resuming reevaluation", "job_id", req.JobID, "processed", cp.Processed)

	default:
		if found {
			e.logger.Info("config changed, restarting reevaluation",
				"job_id", req.JobID, "from_version", cp.ConfigVersion, "to_version", table.Version)
		}
		cp = store.Checkpoint{JobID: req.JobID}
	}

	cp.FacilityID, cp.Metric = req.FacilityID, req.Metric
	cp.From, cp.To = req.From, req.To
	cp.ConfigVersion = table.Version

	facility, err := e.facility(ctx, req.FacilityID)
	if err != nil {
		return ReevaluationResult{}, wrap(err, "read facility", req.FacilityID, "")
	}

	for {
		done, err := onLane(ctx, e, req.FacilityID, func(ctx context.Context, _ *lane) (bool, error) {
			return e.reevaluateBatch(ctx, req, *table, facility, det, &cp, &result)
		})
		if err != nil {
			return ReevaluationResult{}, err
		}
		if done {
			break
		}
	}

	result.Processed, result.Emitted = cp.Processed, cp.Emitted
	e.logger.Info("reevaluation complete",
		"job_id", req.JobID,
		"config_version", table.Version,
		"processed", cp.Processed,
		"emitted", cp.Emitted,
		"skipped", result.Skipped,
	)
	return result, nil
}

// reevaluateBatch processes one batch and commits it with the checkpoint.
// Runs on the facility lane so it never interleaves with live ingestion.
func (e *Engine) reevaluateBatch(ctx context.Context, req ReevaluationRequest, table thresholds.ConfigTable, facility record.Facility, det *detector.Detector, cp *store.Checkpoint, result *ReevaluationResult) (bool, error) {
	readings, err := e.store.QueryReadings(ctx, store.ReadingQuery{
		FacilityID: req.FacilityID,
		Metric:     req.Metric,
		From:       req.From,
		To:         req.To,
		After:      cp.LastTimestamp,
		Limit:      req.BatchSize,
	})
	if err != nil {
		return false, wrap(err, "query readings", req.FacilityID, "")
	}

	events, skipped, err := replay(det, table, facility, readings)
	if err != nil {
		return false, wrap(err, "replay readings", req.FacilityID, "")
	}
	result.Skipped += skipped

	done := len(readings) < req.BatchSize
	if done {
		flushed, err := det.Flush()
		if err != nil {
			return false, wrap(err, "flush detector", req.FacilityID, "")
		}
		events = append(events, flushed...)
	}

	plan, unlock, err := e.planDeviations(ctx, events, req.OpenIncidents)
	defer unlock()
	if err != nil {
		return false, err
	}

	stateJSON, err := json.Marshal(det.State())
	if err != nil {
		return false, wrap(err, "marshal detector state", req.FacilityID, "")
	}
	if n := len(readings); n > 0 {
		last := readings[n-1].Timestamp
		cp.LastTimestamp = &last
	}
	cp.State = stateJSON
	cp.Processed += len(readings)
	cp.Emitted += len(plan.events)
	cp.Completed = done
	cp.UpdatedAt = e.clock.Now()

	if _, err := e.store.CommitReevaluationBatch(ctx, *cp, plan.writes); err != nil {
		return false, wrap(err, "commit reevaluation batch", req.FacilityID, "")
	}
	e.dispatch(plan.notifications)
	result.Deviations = append(result.Deviations, plan.events...)
	return done, nil
}

// replay feeds readings through det, resolving each against table.
// Readings no rule covers are skipped and counted.
func replay(det *detector.Detector, table thresholds.ConfigTable, facility record.Facility, readings []record.Reading) ([]record.DeviationEvent, int, error) {
	var events []record.DeviationEvent
	skipped := 0
	for _, r := range readings {
		res, err := thresholds.Resolve(table, facility, r.Metric, r.Timestamp)
		if thresholds.IsNoApplicableThreshold(err) {
			skipped++
			continue
		}
		if err != nil {
			return nil, skipped, err
		}
		if res.Rule.Unit != "" && r.Unit != res.Rule.Unit {
			v, err := record.ConvertUnit(r.Value, r.Unit, res.Rule.Unit)
			if err != nil {
				return nil, skipped, err
			}
			r.Value, r.Unit = v, res.Rule.Unit
		}
		evs, err := det.Observe(r, res)
		if err != nil {
			return nil, skipped, err
		}
		events = append(events, evs...)
	}
	return events, skipped, nil
}

// VerifyResult compares stored deviations with a fresh recomputation.
type VerifyResult struct {
	ConfigVersion string
	Stored        int
	Recomputed    int
	Match         bool
	Diff          string // line diff, "-" stored only, "+" recomputed only
}

// VerifyReevaluation recomputes the deviations of a stream in [From, To]
// under the active thresholds without writing anything, and diffs them
// against the stored deviations of any source.
func (e *Engine) VerifyReevaluation(ctx context.Context, req ReevaluationRequest) (VerifyResult, error) {
	if err := req.normalise(e.batchSize); err != nil {
		return VerifyResult{}, err
	}
	table, err := e.requireConfig(req.FacilityID)
	if err != nil {
		return VerifyResult{}, err
	}
	facility, err := e.facility(ctx, req.FacilityID)
	if err != nil {
		return VerifyResult{}, wrap(err, "read facility", req.FacilityID, "")
	}

	readings, err := e.store.QueryReadings(ctx, store.ReadingQuery{
		FacilityID: req.FacilityID,
		Metric:     req.Metric,
		From:       req.From,
		To:         req.To,
	})
	if err != nil {
		return VerifyResult{}, wrap(err, "query readings", req.FacilityID, "")
	}

	det := detector.New(req.FacilityID, req.Metric, detector.WithSource(record.SourceReevaluation))
	recomputed, _, err := replay(det, *table, facility, readings)
	if err != nil {
		return VerifyResult{}, wrap(err, "replay readings", req.FacilityID, "")
	}
	flushed, err := det.Flush()
	if err != nil {
		return VerifyResult{}, wrap(err, "flush detector", req.FacilityID, "")
	}
	recomputed = append(recomputed, flushed...)

	stored, err := e.store.QueryDeviations(ctx, store.DeviationQuery{
		FacilityID: req.FacilityID,
		Metric:     req.Metric,
		From:       req.From,
		To:         req.To,
	})
	if err != nil {
		return VerifyResult{}, wrap(err, "query deviations", req.FacilityID, "")
	}

	before, after := summarise(stored), summarise(recomputed)
	return VerifyResult{
		ConfigVersion: table.Version,
		Stored:        len(stored),
		Recomputed:    len(recomputed),
		Match:         before == after,
		Diff:          lineDiff(before, after),
	}, nil
}

// summarise renders deviations one per line, omitting fields that depend
// on the config version or the producing path.
func summarise(evs []record.DeviationEvent) string {
	var b strings.Builder
	for _, ev := range dedupe(evs) {
		fmt.Fprintf(&b, "%s %s %s..%s %s severity=%s max_excursion=%s rule=%s\n",
			ev.Kind, ev.Metric,
			ev.Start.UTC().Format(time.RFC3339), ev.End.UTC().Format(time.RFC3339),
			ev.Direction, ev.Severity.Level, ev.MaxExcursion.String(), ev.RuleID)
	}
	return b.String()
}

// dedupe drops repeated windows recorded under several config versions,
// keeping the first.
func dedupe(evs []record.DeviationEvent) []record.DeviationEvent {
	seen := make(map[string]bool, len(evs))
	out := make([]record.DeviationEvent, 0, len(evs))
	for _, ev := range evs {
		key := fmt.Sprintf("%s|%d|%d", ev.Kind, ev.Start.UnixNano(), ev.End.UnixNano())
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, ev)
	}
	return out
}

// lineDiff returns a line-oriented diff of a and b, or "" when equal.
func lineDiff(a, b string) string {
	if a == b {
		return ""
	}
	dmp := diffmatchpatch.New()
	ca, cb, lines := dmp.DiffLinesToChars(a, b)
	diffs := dmp.DiffCharsToLines(dmp.DiffMain(ca, cb, false), lines)

	var out strings.Builder
	for _, d := range diffs {
		prefix := "  "
		switch d.Type {
		case diffmatchpatch.DiffDelete:
			prefix = "- "
		case diffmatchpatch.DiffInsert:
			prefix = "+ "
		}
		for _, line := range strings.SplitAfter(d.Text, "\n") {
			if line == "" {
				continue
			}
			out.WriteString(prefix)
			out.WriteString(line)
		}
	}
	return out.String()
}
