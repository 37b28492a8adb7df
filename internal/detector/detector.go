package detector

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/roach88/coldtrace/internal/record"
	"github.com/roach88/coldtrace/internal/thresholds"
)

// meanPlaces is the number of decimal places kept on window means.
const meanPlaces = 6

// Window is an open candidate excursion.
//
// The window keeps the rule and config version in force when it opened; the
// grace period and severity bands of that rule decide the outcome even if a
// later reading resolves to a different rule.
type Window struct {
	Start               time.Time                `json:"start"`
	End                 time.Time                `json:"end"`
	ReadingIDs          []string                 `json:"reading_ids"`
	Count               int                      `json:"count"`
	Min                 decimal.Decimal          `json:"min"`
	Max                 decimal.Decimal          `json:"max"`
	Sum                 decimal.Decimal          `json:"sum"`
	MaxExcursion        decimal.Decimal          `json:"max_excursion"`
	Above               bool                     `json:"above"`
	Below               bool                     `json:"below"`
	CertificationLapsed bool                     `json:"certification_lapsed"`
	Rule                thresholds.ThresholdRule `json:"rule"`
	ConfigVersion       string                   `json:"config_version"`
}

// State is the serialisable detector state for one stream.
type State struct {
	FacilityID    string        `json:"facility_id"`
	Metric        record.Metric `json:"metric"`
	HasLast       bool          `json:"has_last"`
	LastTimestamp time.Time     `json:"last_timestamp"`
	LastReadingID string        `json:"last_reading_id"`
	Window        *Window       `json:"window,omitempty"`
}

// Detector evaluates one ordered reading stream.
type Detector struct {
	state  State
	source record.DeviationSource
}

// Option configures a Detector.
type Option func(*Detector)

// WithSource tags emitted events with the path that produced them.
// Default: record.SourceLive.
func WithSource(source record.DeviationSource) Option {
	return func(d *Detector) {
		d.source = source
	}
}

// New creates a detector with empty state.
func New(facilityID string, metric record.Metric, opts ...Option) *Detector {
	return Restore(State{FacilityID: facilityID, Metric: metric}, opts...)
}

// Restore creates a detector that resumes from a persisted state.
func Restore(state State, opts ...Option) *Detector {
	d := &Detector{
		state:  cloneState(state),
		source: record.SourceLive,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// State returns a copy of the current state.
func (d *Detector) State() State {
	return cloneState(d.state)
}

// Observe evaluates one reading against its resolved threshold.
//
// The reading must belong to this stream, be expressed in the rule's unit,
// and be strictly later than the previous reading. On error the state is
// unchanged. Returned events are in chronological order: a monitoring gap
// and the excursion it interrupted may both be reported by one call.
func (d *Detector) Observe(r record.Reading, res thresholds.Resolution) ([]record.DeviationEvent, error) {
	if r.FacilityID != d.state.FacilityID || r.Metric != d.state.Metric {
		return nil, fmt.Errorf("%w: got %s/%s, want %s/%s", ErrStreamMismatch,
			r.FacilityID, r.Metric, d.state.FacilityID, d.state.Metric)
	}
	if res.Rule.Unit != "" && r.Unit != res.Rule.Unit {
		return nil, fmt.Errorf("%w: got %s, want %s", ErrUnitMismatch, r.Unit, res.Rule.Unit)
	}
	if d.state.HasLast && !r.Timestamp.After(d.state.LastTimestamp) {
		return nil, &OutOfOrderError{
			FacilityID: r.FacilityID,
			Metric:     r.Metric,
			Timestamp:  r.Timestamp,
			Last:       d.state.LastTimestamp,
		}
	}

	var events []record.DeviationEvent

	if d.state.HasLast && res.Rule.MaxGap > 0 && r.Timestamp.Sub(d.state.LastTimestamp) > res.Rule.MaxGap {
		if ev, ok, err := d.closeWindow(); err != nil {
			return nil, err
		} else if ok {
			events = append(events, ev)
		}

		gap, err := d.gapEvent(r, res)
		if err != nil {
			return nil, err
		}
		events = append(events, gap)
	}

	if excursion, above, out := outOfBand(r.Value, res.Rule); out {
		d.extendWindow(r, res, excursion, above)
	} else if ev, ok, err := d.closeWindow(); err != nil {
		return nil, err
	} else if ok {
		events = append(events, ev)
	}

	d.state.HasLast = true
	d.state.LastTimestamp = r.Timestamp
	d.state.LastReadingID = r.ID

	return events, nil
}

// Flush closes any open window as if the stream ended.
func (d *Detector) Flush() ([]record.DeviationEvent, error) {
	ev, ok, err := d.closeWindow()
	if err != nil || !ok {
		return nil, err
	}
	return []record.DeviationEvent{ev}, nil
}

// outOfBand reports the absolute excursion and side of v relative to rule.
// Boundary values are in-band.
func outOfBand(v decimal.Decimal, rule thresholds.ThresholdRule) (excursion decimal.Decimal, above bool, out bool) {
	switch {
	case v.GreaterThan(rule.Upper):
		return v.Sub(rule.Upper), true, true
	case v.LessThan(rule.Lower):
		return rule.Lower.Sub(v), false, true
	}
	return decimal.Zero, false, false
}

func (d *Detector) extendWindow(r record.Reading, res thresholds.Resolution, excursion decimal.Decimal, above bool) {
	w := d.state.Window
	if w == nil {
		w = &Window{
			Start:         r.Timestamp,
			Min:           r.Value,
			Max:           r.Value,
			Sum:           decimal.Zero,
			MaxExcursion:  excursion,
			Rule:          res.Rule,
			ConfigVersion: res.ConfigVersion,
		}
		d.state.Window = w
	}

	w.End = r.Timestamp
	w.ReadingIDs = append(w.ReadingIDs, r.ID)
	w.Count++
	w.Sum = w.Sum.Add(r.Value)
	if r.Value.LessThan(w.Min) {
		w.Min = r.Value
	}
	if r.Value.GreaterThan(w.Max) {
		w.Max = r.Value
	}
	if excursion.GreaterThan(w.MaxExcursion) {
		w.MaxExcursion = excursion
	}
	if above {
		w.Above = true
	} else {
		w.Below = true
	}
	if !res.CertificationValid {
		w.CertificationLapsed = true
	}
}

// closeWindow clears the open window and reports it if it meets the grace
// period of the rule it opened under.
func (d *Detector) closeWindow() (record.DeviationEvent, bool, error) {
	w := d.state.Window
	if w == nil {
		return record.DeviationEvent{}, false, nil
	}

	duration := w.End.Sub(w.Start)
	if duration < w.Rule.GracePeriod || w.Count < w.Rule.GraceReadings {
		d.state.Window = nil
		return record.DeviationEvent{}, false, nil
	}

	id, err := record.DeviationID(d.state.FacilityID, d.state.Metric, record.KindExcursion, w.Start, w.End, w.ConfigVersion)
	if err != nil {
		return record.DeviationEvent{}, false, fmt.Errorf("close window: %w", err)
	}

	ev := record.DeviationEvent{
		ID:                  id,
		FacilityID:          d.state.FacilityID,
		Metric:              d.state.Metric,
		Kind:                record.KindExcursion,
		Start:               w.Start,
		End:                 w.End,
		Duration:            duration,
		Direction:           direction(w),
		Min:                 w.Min,
		Max:                 w.Max,
		Mean:                w.Sum.Div(decimal.NewFromInt(int64(w.Count))).Round(meanPlaces),
		MaxExcursion:        w.MaxExcursion,
		Severity:            Classify(w.Rule.Bands, w.MaxExcursion, duration),
		ReadingIDs:          append([]string(nil), w.ReadingIDs...),
		RuleID:              w.Rule.ID,
		ConfigVersion:       w.ConfigVersion,
		CertificationLapsed: w.CertificationLapsed,
		Source:              d.source,
	}

	d.state.Window = nil
	return ev, true, nil
}

// gapEvent reports the silence between the previous reading and r.
func (d *Detector) gapEvent(r record.Reading, res thresholds.Resolution) (record.DeviationEvent, error) {
	start := d.state.LastTimestamp
	duration := r.Timestamp.Sub(start)

	id, err := record.DeviationID(d.state.FacilityID, d.state.Metric, record.KindMonitoringGap, start, r.Timestamp, res.ConfigVersion)
	if err != nil {
		return record.DeviationEvent{}, fmt.Errorf("gap event: %w", err)
	}

	return record.DeviationEvent{
		ID:                  id,
		FacilityID:          d.state.FacilityID,
		Metric:              d.state.Metric,
		Kind:                record.KindMonitoringGap,
		Start:               start,
		End:                 r.Timestamp,
		Duration:            duration,
		Direction:           record.DirectionNone,
		Min:                 decimal.Zero,
		Max:                 decimal.Zero,
		Mean:                decimal.Zero,
		MaxExcursion:        decimal.Zero,
		Severity:            Classify(res.Rule.Bands, decimal.Zero, duration),
		ReadingIDs:          []string{d.state.LastReadingID, r.ID},
		RuleID:              res.Rule.ID,
		ConfigVersion:       res.ConfigVersion,
		CertificationLapsed: !res.CertificationValid,
		Source:              d.source,
	}, nil
}

func direction(w *Window) record.Direction {
	switch {
	case w.Above && w.Below:
		return record.DirectionBoth
	case w.Above:
		return record.DirectionAbove
	case w.Below:
		return record.DirectionBelow
	}
	return record.DirectionNone
}

func cloneState(s State) State {
	out := s
	if s.Window != nil {
		w := *s.Window
		w.ReadingIDs = append([]string(nil), s.Window.ReadingIDs...)
		out.Window = &w
	}
	return out
}
