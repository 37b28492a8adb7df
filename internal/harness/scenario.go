package harness

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/roach88/coldtrace/internal/incident"
	"github.com/roach88/coldtrace/internal/record"
)

// Scenario is a scripted run of the engine with expectations.
type Scenario struct {
	// Name uniquely identifies this scenario; it names the golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Config is the CUE threshold file loaded before the first step.
	Config string `yaml:"config"`

	// MergeOpenIncidents links new deviations into the open incident of
	// the same stream instead of opening another.
	MergeOpenIncidents bool `yaml:"merge_open_incidents,omitempty"`

	Steps      []Step      `yaml:"steps"`
	Assertions []Assertion `yaml:"assertions"`
}

// Step is one scenario action. Exactly one of the action fields is set.
type Step struct {
	Ingest     *IngestStep     `yaml:"ingest,omitempty"`
	Flush      string          `yaml:"flush,omitempty"` // facility ID
	Transition *TransitionStep `yaml:"transition,omitempty"`
	Reevaluate *ReevaluateStep `yaml:"reevaluate,omitempty"`
	LoadConfig string          `yaml:"load_config,omitempty"` // CUE file

	// Expect is checked against the step's outcome. Without it the step
	// must succeed.
	Expect *Expect `yaml:"expect,omitempty"`
}

// IngestStep submits one reading, or a series spaced Every apart.
type IngestStep struct {
	Facility string   `yaml:"facility"`
	Metric   string   `yaml:"metric,omitempty"`
	Unit     string   `yaml:"unit,omitempty"`
	At       string   `yaml:"at"`
	Every    string   `yaml:"every,omitempty"`
	Values   []string `yaml:"values"`
}

// TransitionStep applies a lifecycle transition.
type TransitionStep struct {
	Incident           int      `yaml:"incident"`
	Action             string   `yaml:"action"`
	Actor              string   `yaml:"actor"`
	Note               string   `yaml:"note"`
	PreventiveMeasures []string `yaml:"preventive_measures,omitempty"`
}

// ReevaluateStep replays a stream under the active thresholds.
type ReevaluateStep struct {
	Facility      string `yaml:"facility"`
	Metric        string `yaml:"metric,omitempty"`
	From          string `yaml:"from"`
	To            string `yaml:"to"`
	BatchSize     int    `yaml:"batch_size,omitempty"`
	OpenIncidents bool   `yaml:"open_incidents,omitempty"`
}

// Expect describes a step's expected outcome. Unset fields are not checked.
type Expect struct {
	Error      string `yaml:"error,omitempty"` // engine error code
	Deviations *int   `yaml:"deviations,omitempty"`
	Duplicate  *bool  `yaml:"duplicate,omitempty"` // last reading of the step
	State      string `yaml:"state,omitempty"`     // incident state after a transition
	Emitted    *int   `yaml:"emitted,omitempty"`   // reevaluation
}

// Assertion validates the trace or the final store contents.
type Assertion struct {
	Type string `yaml:"type"`

	// Event is the trace event type (trace_contains, trace_count).
	Event string `yaml:"event,omitempty"`

	// Fields is a subset match on the event's fields.
	Fields map[string]any `yaml:"fields,omitempty"`

	// Count is the exact number of matching events (trace_count).
	Count int `yaml:"count,omitempty"`

	// Events is the expected order of event types (trace_order).
	Events []string `yaml:"events,omitempty"`

	// Table is incidents or deviations (final_state).
	Table  string         `yaml:"table,omitempty"`
	Where  map[string]any `yaml:"where,omitempty"`
	Expect map[string]any `yaml:"expect,omitempty"`
}

// Assertion type constants.
const (
	AssertTraceContains = "trace_contains"
	AssertTraceOrder    = "trace_order"
	AssertTraceCount    = "trace_count"
	AssertFinalState    = "final_state"
)

// Tables readable by final_state.
const (
	TableIncidents  = "incidents"
	TableDeviations = "deviations"
)

// LoadScenario reads a scenario file. Config paths are resolved relative
// to the file's directory. Unknown fields are rejected.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data, filepath.Dir(path))
}

// ParseScenario parses scenario YAML, resolving relative paths against
// baseDir.
func ParseScenario(data []byte, baseDir string) (*Scenario, error) {
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	scenario.Config = resolve(baseDir, scenario.Config)
	for i := range scenario.Steps {
		scenario.Steps[i].LoadConfig = resolve(baseDir, scenario.Steps[i].LoadConfig)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

func resolve(baseDir, path string) string {
	if path == "" || filepath.IsAbs(path) || baseDir == "" {
		return path
	}
	return filepath.Join(baseDir, path)
}

func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if s.Config == "" {
		return fmt.Errorf("config is required")
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}
	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}

	if _, err := os.Stat(s.Config); os.IsNotExist(err) {
		return fmt.Errorf("config file not found: %s", s.Config)
	}

	for i := range s.Steps {
		if err := validateStep(i, &s.Steps[i]); err != nil {
			return err
		}
	}
	for i := range s.Assertions {
		if err := validateAssertion(i, &s.Assertions[i]); err != nil {
			return err
		}
	}
	return nil
}

func validateStep(index int, st *Step) error {
	set := 0
	for _, present := range []bool{st.Ingest != nil, st.Flush != "", st.Transition != nil, st.Reevaluate != nil, st.LoadConfig != ""} {
		if present {
			set++
		}
	}
	if set != 1 {
		return fmt.Errorf("steps[%d]: exactly one action is required, got %d", index, set)
	}

	switch {
	case st.Ingest != nil:
		in := st.Ingest
		if in.Facility == "" {
			return fmt.Errorf("steps[%d].ingest: facility is required", index)
		}
		if _, err := parseTime(in.At); err != nil {
			return fmt.Errorf("steps[%d].ingest: %w", index, err)
		}
		if len(in.Values) == 0 {
			return fmt.Errorf("steps[%d].ingest: values must be non-empty", index)
		}
		if len(in.Values) > 1 {
			if d, err := time.ParseDuration(in.Every); err != nil || d <= 0 {
				return fmt.Errorf("steps[%d].ingest: every must be a positive duration for a series", index)
			}
		}
		for j, v := range in.Values {
			if _, err := decimal.NewFromString(v); err != nil {
				return fmt.Errorf("steps[%d].ingest: values[%d] %q is not a decimal", index, j, v)
			}
		}
		if in.Metric != "" && !record.Metric(in.Metric).Valid() {
			return fmt.Errorf("steps[%d].ingest: unknown metric %q", index, in.Metric)
		}

	case st.Transition != nil:
		if st.Transition.Incident < 1 {
			return fmt.Errorf("steps[%d].transition: incident must be >= 1", index)
		}
		if _, err := incident.ParseAction(st.Transition.Action); err != nil && (st.Expect == nil || st.Expect.Error == "") {
			return fmt.Errorf("steps[%d].transition: %w", index, err)
		}

	case st.Reevaluate != nil:
		r := st.Reevaluate
		if r.Facility == "" {
			return fmt.Errorf("steps[%d].reevaluate: facility is required", index)
		}
		if _, err := parseTime(r.From); err != nil {
			return fmt.Errorf("steps[%d].reevaluate: from: %w", index, err)
		}
		if _, err := parseTime(r.To); err != nil {
			return fmt.Errorf("steps[%d].reevaluate: to: %w", index, err)
		}

	case st.LoadConfig != "":
		if _, err := os.Stat(st.LoadConfig); os.IsNotExist(err) {
			return fmt.Errorf("steps[%d]: config file not found: %s", index, st.LoadConfig)
		}
	}
	return nil
}

func validateAssertion(index int, a *Assertion) error {
	switch a.Type {
	case "":
		return fmt.Errorf("assertions[%d]: type is required", index)
	case AssertTraceContains:
		if a.Event == "" {
			return fmt.Errorf("assertions[%d]: event is required for trace_contains", index)
		}
	case AssertTraceOrder:
		if len(a.Events) == 0 {
			return fmt.Errorf("assertions[%d]: events list is required for trace_order", index)
		}
	case AssertTraceCount:
		if a.Event == "" {
			return fmt.Errorf("assertions[%d]: event is required for trace_count", index)
		}
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for trace_count", index)
		}
	case AssertFinalState:
		if a.Table != TableIncidents && a.Table != TableDeviations {
			return fmt.Errorf("assertions[%d]: final_state table must be %s or %s", index, TableIncidents, TableDeviations)
		}
		if len(a.Expect) == 0 {
			return fmt.Errorf("assertions[%d]: expect is required for final_state", index)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	return nil
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("%q is not an RFC 3339 timestamp", s)
	}
	return t.UTC(), nil
}
