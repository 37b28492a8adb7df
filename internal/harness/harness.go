package harness

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/roach88/coldtrace/internal/compiler"
	"github.com/roach88/coldtrace/internal/engine"
	"github.com/roach88/coldtrace/internal/notify"
	"github.com/roach88/coldtrace/internal/record"
	"github.com/roach88/coldtrace/internal/store"
	"github.com/roach88/coldtrace/internal/testutil"
)

// epoch is the processing clock before the first reading.
var epoch = time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)

// Harness executes one scenario.
type Harness struct {
	store      *store.Store
	engine     *engine.Engine
	dispatcher *notify.Dispatcher
	sink       *testutil.RecordingSink
	clock      *testutil.ManualClock
	logger     *slog.Logger

	// ordinals maps incident IDs to the order the scenario opened them.
	ordinals  map[string]int
	incidents []string
}

// Run executes a scenario in a fresh in-memory store and returns the
// result. An error is returned only when the run itself could not proceed;
// failed expectations are reported in the result.
func Run(scenario *Scenario) (*Result, error) {
	h, err := newHarness(scenario)
	if err != nil {
		return nil, err
	}
	defer h.close()
	return h.run(context.Background(), scenario)
}

func newHarness(scenario *Scenario) (*Harness, error) {
	st, err := store.Open(":memory:")
	if err != nil {
		return nil, fmt.Errorf("failed to create in-memory store: %w", err)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	sink := &testutil.RecordingSink{}
	clock := testutil.NewManualClock(epoch)
	dispatcher := notify.NewDispatcher(st, sink, notify.WithLogger(logger), notify.WithNow(clock.Now))

	eng := engine.New(st,
		engine.WithClock(clock),
		engine.WithIDGenerator(engine.NewSequenceGenerator("h")),
		engine.WithLogger(logger),
		engine.WithDispatcher(dispatcher),
		engine.WithMergeOpenIncidents(scenario.MergeOpenIncidents),
	)
	if err := eng.Start(context.Background()); err != nil {
		st.Close()
		return nil, fmt.Errorf("failed to start engine: %w", err)
	}

	return &Harness{
		store:      st,
		engine:     eng,
		dispatcher: dispatcher,
		sink:       sink,
		clock:      clock,
		logger:     logger,
		ordinals:   make(map[string]int),
	}, nil
}

func (h *Harness) close() {
	h.engine.Stop()
	h.store.Close()
}

func (h *Harness) run(ctx context.Context, scenario *Scenario) (*Result, error) {
	if err := h.loadConfig(ctx, scenario.Config); err != nil {
		return nil, err
	}

	result := NewResult()
	for i, step := range scenario.Steps {
		if err := h.executeStep(ctx, i, step, result); err != nil {
			return nil, fmt.Errorf("step %d: %w", i, err)
		}
	}

	for _, msg := range h.evaluateAssertions(ctx, result, scenario.Assertions) {
		result.AddError(msg)
	}
	return result, nil
}

func (h *Harness) loadConfig(ctx context.Context, path string) error {
	table, err := compiler.LoadFile(path)
	if err != nil {
		return fmt.Errorf("failed to compile config %s: %w", path, err)
	}
	if _, err := h.engine.LoadConfig(ctx, table); err != nil {
		return fmt.Errorf("failed to load config %s: %w", path, err)
	}
	return nil
}

// outcome collects what a step did, for its expect clause.
type outcome struct {
	code       engine.ErrorCode
	deviations int
	duplicate  bool
	state      record.IncidentState
	emitted    int
}

// executeStep runs one step, records its trace and checks its expect
// clause. Engine errors are outcomes, not harness failures.
func (h *Harness) executeStep(ctx context.Context, i int, step Step, result *Result) error {
	var out outcome
	var err error

	switch {
	case step.Ingest != nil:
		out, err = h.ingest(ctx, i, step.Ingest, result)
	case step.Flush != "":
		out, err = h.flush(ctx, i, step.Flush, result)
	case step.Transition != nil:
		out, err = h.transition(ctx, i, step.Transition, result)
	case step.Reevaluate != nil:
		out, err = h.reevaluate(ctx, i, step.Reevaluate, result)
	case step.LoadConfig != "":
		err = h.loadConfig(ctx, step.LoadConfig)
	}
	if err != nil {
		code := engine.CodeOf(err)
		if code == "" {
			return err
		}
		out.code = code
		result.add(i, EventError, map[string]any{"code": string(code)})
	}

	if err := h.dispatcher.Drain(ctx); err != nil {
		return fmt.Errorf("drain notifications: %w", err)
	}
	for _, n := range h.sink.Take() {
		result.add(i, EventNotification, h.notificationFields(n))
	}

	h.checkExpect(i, step.Expect, out, result)
	h.logger.Info("scenario step completed", "step", i, "error_code", string(out.code))
	return nil
}

func (h *Harness) ingest(ctx context.Context, i int, in *IngestStep, result *Result) (outcome, error) {
	var out outcome
	at, err := parseTime(in.At)
	if err != nil {
		return out, err
	}
	var every time.Duration
	if in.Every != "" {
		if every, err = time.ParseDuration(in.Every); err != nil {
			return out, err
		}
	}

	for j, raw := range in.Values {
		value, err := decimal.NewFromString(raw)
		if err != nil {
			return out, err
		}
		ts := at.Add(time.Duration(j) * every)
		h.clock.Set(ts)

		res, err := h.engine.IngestReading(ctx, engine.ReadingInput{
			FacilityID: in.Facility,
			Metric:     record.Metric(in.Metric),
			Timestamp:  ts,
			Value:      value,
			Unit:       record.Unit(in.Unit),
		})
		if err != nil {
			return out, err
		}

		fields := map[string]any{
			"facility": res.Reading.FacilityID,
			"metric":   string(res.Reading.Metric),
			"at":       formatTime(res.Reading.Timestamp),
			"value":    res.Reading.Value.String(),
			"unit":     string(res.Reading.Unit),
		}
		if res.Duplicate {
			fields["duplicate"] = true
		}
		result.add(i, EventReading, fields)

		h.recordDeviations(ctx, i, res.Deviations, res.IncidentIDs, result)
		out.deviations += len(res.Deviations)
		out.duplicate = res.Duplicate
	}
	return out, nil
}

func (h *Harness) flush(ctx context.Context, i int, facilityID string, result *Result) (outcome, error) {
	h.clock.Advance(time.Minute)
	evs, err := h.engine.Flush(ctx, facilityID)
	if err != nil {
		return outcome{}, err
	}
	ids := make([]string, len(evs))
	for j, ev := range evs {
		ids[j] = h.owner(ctx, ev.ID)
	}
	h.recordDeviations(ctx, i, evs, ids, result)
	return outcome{deviations: len(evs)}, nil
}

func (h *Harness) transition(ctx context.Context, i int, tr *TransitionStep, result *Result) (outcome, error) {
	if tr.Incident > len(h.incidents) {
		return outcome{}, fmt.Errorf("incident %d was never opened (%d so far)", tr.Incident, len(h.incidents))
	}
	id := h.incidents[tr.Incident-1]

	before, err := h.engine.GetIncident(ctx, id)
	if err != nil {
		return outcome{}, err
	}

	h.clock.Advance(time.Minute)
	inc, err := h.engine.TransitionIncident(ctx, engine.TransitionInput{
		IncidentID:         id,
		Transition:         tr.Action,
		Actor:              tr.Actor,
		Note:               tr.Note,
		PreventiveMeasures: tr.PreventiveMeasures,
	})
	if err != nil {
		return outcome{state: before.State}, err
	}

	result.add(i, EventTransition, map[string]any{
		"incident": tr.Incident,
		"action":   tr.Action,
		"from":     string(before.State),
		"to":       string(inc.State),
		"actor":    tr.Actor,
	})
	return outcome{state: inc.State}, nil
}

func (h *Harness) reevaluate(ctx context.Context, i int, r *ReevaluateStep, result *Result) (outcome, error) {
	from, err := parseTime(r.From)
	if err != nil {
		return outcome{}, err
	}
	to, err := parseTime(r.To)
	if err != nil {
		return outcome{}, err
	}

	h.clock.Advance(time.Minute)
	res, err := h.engine.Reevaluate(ctx, engine.ReevaluationRequest{
		FacilityID:    r.Facility,
		Metric:        record.Metric(r.Metric),
		From:          from,
		To:            to,
		BatchSize:     r.BatchSize,
		OpenIncidents: r.OpenIncidents,
	})
	if err != nil {
		return outcome{}, err
	}

	ids := make([]string, len(res.Deviations))
	if r.OpenIncidents {
		for j, ev := range res.Deviations {
			ids[j] = h.owner(ctx, ev.ID)
		}
	}
	h.recordDeviations(ctx, i, res.Deviations, ids, result)
	result.add(i, EventReevaluation, map[string]any{
		"processed": res.Processed,
		"emitted":   res.Emitted,
		"skipped":   res.Skipped,
		"resumed":   res.Resumed,
	})
	return outcome{deviations: len(res.Deviations), emitted: res.Emitted}, nil
}

// recordDeviations adds deviation events and the incident step each one
// caused. incidentIDs is parallel to evs; empty entries opened nothing.
func (h *Harness) recordDeviations(ctx context.Context, i int, evs []record.DeviationEvent, incidentIDs []string, result *Result) {
	for j, ev := range evs {
		result.add(i, EventDeviation, deviationFields(ev))

		if j >= len(incidentIDs) || incidentIDs[j] == "" {
			continue
		}
		id := incidentIDs[j]
		action := record.ActionLinkDeviation
		if _, seen := h.ordinals[id]; !seen {
			action = record.ActionOpen
		}
		ordinal := h.ordinal(id)

		state := record.StateOpen
		if inc, err := h.engine.GetIncident(ctx, id); err == nil {
			state = inc.State
		}
		result.add(i, EventIncident, map[string]any{
			"incident": ordinal,
			"action":   string(action),
			"state":    string(state),
		})
	}
}

// owner returns the incident a stored deviation belongs to, or "".
func (h *Harness) owner(ctx context.Context, deviationID string) string {
	id, err := h.store.IncidentForDeviation(ctx, deviationID)
	if err != nil {
		return ""
	}
	return id
}

// ordinal returns the scenario-local number of an incident, assigning the
// next one on first sight.
func (h *Harness) ordinal(id string) int {
	if n, ok := h.ordinals[id]; ok {
		return n
	}
	h.incidents = append(h.incidents, id)
	h.ordinals[id] = len(h.incidents)
	return len(h.incidents)
}

func (h *Harness) notificationFields(n record.Notification) map[string]any {
	fields := map[string]any{"kind": string(n.Kind)}
	switch {
	case n.Deviation != nil:
		fields["deviation_kind"] = string(n.Deviation.Kind)
		fields["severity"] = n.Deviation.Severity.Level
	case n.Change != nil:
		fields["incident"] = h.ordinal(n.Change.IncidentID)
		fields["action"] = string(n.Change.Action)
		fields["state"] = string(n.Change.ToState)
	}
	return fields
}

func (h *Harness) checkExpect(i int, exp *Expect, out outcome, result *Result) {
	if exp == nil {
		if out.code != "" {
			result.AddError(fmt.Sprintf("step %d: unexpected error %s", i, out.code))
		}
		return
	}

	if string(out.code) != exp.Error {
		switch {
		case exp.Error == "":
			result.AddError(fmt.Sprintf("step %d: unexpected error %s", i, out.code))
		case out.code == "":
			result.AddError(fmt.Sprintf("step %d: expected error %s, step succeeded", i, exp.Error))
		default:
			result.AddError(fmt.Sprintf("step %d: expected error %s, got %s", i, exp.Error, out.code))
		}
	}
	if exp.Deviations != nil && *exp.Deviations != out.deviations {
		result.AddError(fmt.Sprintf("step %d: expected %d deviations, got %d", i, *exp.Deviations, out.deviations))
	}
	if exp.Duplicate != nil && *exp.Duplicate != out.duplicate {
		result.AddError(fmt.Sprintf("step %d: expected duplicate=%t, got %t", i, *exp.Duplicate, out.duplicate))
	}
	if exp.State != "" && exp.State != string(out.state) {
		result.AddError(fmt.Sprintf("step %d: expected state %s, got %s", i, exp.State, out.state))
	}
	if exp.Emitted != nil && *exp.Emitted != out.emitted {
		result.AddError(fmt.Sprintf("step %d: expected %d emitted, got %d", i, *exp.Emitted, out.emitted))
	}
}

func deviationFields(ev record.DeviationEvent) map[string]any {
	return map[string]any{
		"facility":      ev.FacilityID,
		"metric":        string(ev.Metric),
		"kind":          string(ev.Kind),
		"start":         formatTime(ev.Start),
		"end":           formatTime(ev.End),
		"direction":     string(ev.Direction),
		"max_excursion": ev.MaxExcursion.String(),
		"severity":      ev.Severity.Level,
		"source":        string(ev.Source),
		"readings":      len(ev.ReadingIDs),
	}
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
