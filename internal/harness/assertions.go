package harness

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/roach88/coldtrace/internal/record"
	"github.com/roach88/coldtrace/internal/store"
)

// AssertionError is returned when an assertion fails.
type AssertionError struct {
	Type     string
	Expected string
	Actual   string
	Trace    []TraceEvent // included for trace assertions
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder

	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	if len(e.Trace) > 0 {
		fmt.Fprintf(&buf, "\nFull trace:\n")
		for _, event := range e.Trace {
			fmt.Fprintf(&buf, "  [%d] step %d %s %s\n", event.Seq, event.Step, event.Type, formatFields(event.Fields))
		}
	}
	return buf.String()
}

func assertTraceContains(trace []TraceEvent, a Assertion) error {
	for _, event := range trace {
		if event.Type == a.Event && matchFields(event.Fields, a.Fields) {
			return nil
		}
	}
	return &AssertionError{
		Type:     AssertTraceContains,
		Expected: fmt.Sprintf("%s event with %s", a.Event, formatFields(a.Fields)),
		Actual:   "not found in trace",
		Trace:    trace,
	}
}

// assertTraceOrder checks that the first occurrence of each event type
// comes in the given order. Other events may come between them.
func assertTraceOrder(trace []TraceEvent, a Assertion) error {
	positions := make(map[string]int)
	for i, event := range trace {
		if _, seen := positions[event.Type]; !seen {
			positions[event.Type] = i + 1
		}
	}

	for _, typ := range a.Events {
		if positions[typ] == 0 {
			return &AssertionError{
				Type:     AssertTraceOrder,
				Expected: fmt.Sprintf("all events present: %v", a.Events),
				Actual:   fmt.Sprintf("missing event: %s", typ),
				Trace:    trace,
			}
		}
	}
	for i := 1; i < len(a.Events); i++ {
		prev, curr := a.Events[i-1], a.Events[i]
		if positions[prev] >= positions[curr] {
			return &AssertionError{
				Type:     AssertTraceOrder,
				Expected: fmt.Sprintf("events in order: %v", a.Events),
				Actual: fmt.Sprintf("%s (pos %d) should be before %s (pos %d)",
					prev, positions[prev], curr, positions[curr]),
				Trace: trace,
			}
		}
	}
	return nil
}

func assertTraceCount(trace []TraceEvent, a Assertion) error {
	count := 0
	for _, event := range trace {
		if event.Type == a.Event && matchFields(event.Fields, a.Fields) {
			count++
		}
	}
	if count != a.Count {
		return &AssertionError{
			Type:     AssertTraceCount,
			Expected: fmt.Sprintf("%d %s events with %s", a.Count, a.Event, formatFields(a.Fields)),
			Actual:   fmt.Sprintf("%d occurrences", count),
			Trace:    trace,
		}
	}
	return nil
}

// assertFinalState checks that exactly one row matches Where and that it
// includes Expect.
func (h *Harness) assertFinalState(ctx context.Context, a Assertion) error {
	rows, err := h.rows(ctx, a.Table)
	if err != nil {
		return &AssertionError{
			Type:     AssertFinalState,
			Expected: fmt.Sprintf("read %s", a.Table),
			Actual:   fmt.Sprintf("read error: %v", err),
		}
	}

	var matched []map[string]any
	for _, row := range rows {
		if matchFields(row, a.Where) {
			matched = append(matched, row)
		}
	}

	switch len(matched) {
	case 0:
		return &AssertionError{
			Type:     AssertFinalState,
			Expected: fmt.Sprintf("row in %s where %s", a.Table, formatFields(a.Where)),
			Actual:   "row not found",
		}
	case 1:
	default:
		return &AssertionError{
			Type:     AssertFinalState,
			Expected: fmt.Sprintf("exactly one row in %s where %s", a.Table, formatFields(a.Where)),
			Actual:   fmt.Sprintf("%d rows matched (assertion is ambiguous)", len(matched)),
		}
	}

	row := matched[0]
	keys := sortedKeys(a.Expect)
	for _, key := range keys {
		actual, exists := row[key]
		if !exists {
			return &AssertionError{
				Type:     AssertFinalState,
				Expected: fmt.Sprintf("field %q to exist", key),
				Actual:   fmt.Sprintf("fields present: %v", sortedKeys(row)),
			}
		}
		if !valuesEqual(actual, a.Expect[key]) {
			return &AssertionError{
				Type:     AssertFinalState,
				Expected: fmt.Sprintf("field %q = %v", key, a.Expect[key]),
				Actual:   fmt.Sprintf("field %q = %v", key, actual),
			}
		}
	}
	return nil
}

// rows renders a table as flat rows keyed like the trace fields.
func (h *Harness) rows(ctx context.Context, table string) ([]map[string]any, error) {
	switch table {
	case TableIncidents:
		incs, err := h.store.ListIncidents(ctx, store.IncidentQuery{})
		if err != nil {
			return nil, err
		}
		out := make([]map[string]any, len(incs))
		for i, inc := range incs {
			out[i] = h.incidentRow(inc)
		}
		return out, nil

	case TableDeviations:
		evs, err := h.store.QueryDeviations(ctx, store.DeviationQuery{})
		if err != nil {
			return nil, err
		}
		out := make([]map[string]any, len(evs))
		for i, ev := range evs {
			out[i] = deviationFields(ev)
		}
		return out, nil
	}
	return nil, fmt.Errorf("unknown table %q", table)
}

func (h *Harness) incidentRow(inc record.Incident) map[string]any {
	return map[string]any{
		"incident":   h.ordinal(inc.ID),
		"facility":   inc.FacilityID,
		"metric":     string(inc.Metric),
		"type":       string(inc.Type),
		"state":      string(inc.State),
		"severity":   inc.Severity.Level,
		"deviations": len(inc.DeviationIDs),
		"version":    inc.Version,
	}
}

// matchFields reports whether actual includes every key of expected with
// an equal value. Extra keys in actual are ignored.
func matchFields(actual, expected map[string]any) bool {
	for key, want := range expected {
		got, exists := actual[key]
		if !exists || !valuesEqual(got, want) {
			return false
		}
	}
	return true
}

// valuesEqual compares by printed form so YAML numbers match ints and
// decimal strings match their YAML scalars.
func valuesEqual(actual, expected any) bool {
	if actual == nil || expected == nil {
		return actual == nil && expected == nil
	}
	return fmt.Sprint(actual) == fmt.Sprint(expected)
}

func formatFields(fields map[string]any) string {
	if len(fields) == 0 {
		return "(any)"
	}
	keys := sortedKeys(fields)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s=%v", k, fields[k])
	}
	return strings.Join(parts, " ")
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// evaluateAssertions returns one message per failed assertion.
func (h *Harness) evaluateAssertions(ctx context.Context, result *Result, assertions []Assertion) []string {
	var errs []string
	for i, a := range assertions {
		var err error
		switch a.Type {
		case AssertTraceContains:
			err = assertTraceContains(result.Trace, a)
		case AssertTraceOrder:
			err = assertTraceOrder(result.Trace, a)
		case AssertTraceCount:
			err = assertTraceCount(result.Trace, a)
		case AssertFinalState:
			err = h.assertFinalState(ctx, a)
		default:
			err = fmt.Errorf("assertion[%d]: unknown assertion type %q", i, a.Type)
		}
		if err != nil {
			errs = append(errs, err.Error())
		}
	}
	return errs
}
