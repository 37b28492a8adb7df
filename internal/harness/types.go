package harness

// Trace event types.
const (
	EventReading      = "reading"
	EventDeviation    = "deviation"
	EventIncident     = "incident"
	EventTransition   = "transition"
	EventNotification = "notification"
	EventReevaluation = "reevaluation"
	EventError        = "error"
)

// TraceEvent is one observable effect of a scenario step.
type TraceEvent struct {
	Seq    int64          `json:"seq"`
	Step   int            `json:"step"`
	Type   string         `json:"type"`
	Fields map[string]any `json:"fields"`
}

// Result is the outcome of a scenario run.
type Result struct {
	// Pass is true when every expect clause and assertion held.
	Pass bool `json:"pass"`

	// Trace holds the events of all steps in order.
	Trace []TraceEvent `json:"trace"`

	// Errors holds failure messages; empty when Pass is true.
	Errors []string `json:"errors,omitempty"`
}

// NewResult creates a passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Errors: []string{},
	}
}

// AddError records a failure.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// add appends an event with the next sequence number.
func (r *Result) add(step int, typ string, fields map[string]any) {
	r.Trace = append(r.Trace, TraceEvent{
		Seq:    int64(len(r.Trace) + 1),
		Step:   step,
		Type:   typ,
		Fields: fields,
	})
}
