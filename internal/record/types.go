package record

import (
	"time"

	"github.com/shopspring/decimal"
)

// Metric identifies what a sensor measures.
type Metric string

const (
	MetricTemperature Metric = "temperature"
	MetricHumidity    Metric = "humidity"
)

// Valid reports whether m is a known metric.
func (m Metric) Valid() bool {
	return m == MetricTemperature || m == MetricHumidity
}

// Unit is the unit a reading value is expressed in.
type Unit string

const (
	UnitCelsius          Unit = "C"
	UnitFahrenheit       Unit = "F"
	UnitKelvin           Unit = "K"
	UnitRelativeHumidity Unit = "%RH"
)

// Facility is a monitored storage or transport site.
type Facility struct {
	ID                  string     `json:"id"`
	Name                string     `json:"name"`
	Location            string     `json:"location,omitempty"`
	Type                string     `json:"type,omitempty"` // e.g. "vaccine", "refrigerated_drug", "device"
	CertificationStatus string     `json:"certification_status,omitempty"`
	CertifiedFrom       *time.Time `json:"certified_from,omitempty"`
	CertifiedUntil      *time.Time `json:"certified_until,omitempty"`
	BackupSystems       bool       `json:"backup_systems"`
}

// CertifiedAt reports whether the facility certification window covers t.
// A facility with no window configured is treated as certified.
func (f Facility) CertifiedAt(t time.Time) bool {
	if f.CertifiedFrom != nil && t.Before(*f.CertifiedFrom) {
		return false
	}
	if f.CertifiedUntil != nil && !t.Before(*f.CertifiedUntil) {
		return false
	}
	return true
}

// Reading is a single immutable sensor measurement.
type Reading struct {
	ID         string          `json:"id"` // Content-addressed, see ReadingID
	FacilityID string          `json:"facility_id"`
	Metric     Metric          `json:"metric"`
	Timestamp  time.Time       `json:"timestamp"`
	Value      decimal.Decimal `json:"value"`
	Unit       Unit            `json:"unit"`
	Seq        int64           `json:"seq"` // Assigned by the store on append
}

// DeviationKind distinguishes excursions from monitoring gaps.
type DeviationKind string

const (
	KindExcursion     DeviationKind = "excursion"
	KindMonitoringGap DeviationKind = "monitoring_gap"
)

// Direction records which bound an excursion violated.
type Direction string

const (
	DirectionAbove Direction = "above"
	DirectionBelow Direction = "below"
	DirectionBoth  Direction = "both"
	DirectionNone  Direction = "none"
)

// DeviationSource records which path produced a deviation.
type DeviationSource string

const (
	SourceLive         DeviationSource = "live"
	SourceReevaluation DeviationSource = "reevaluation"
)

// Severity is an ordinal severity level. Rank 0 is the lowest configured band.
type Severity struct {
	Level string `json:"level"`
	Rank  int    `json:"rank"`
}

// DeviationEvent is a recorded, time-bounded excursion outside tolerance,
// or a gap in monitoring cadence. Never mutated after creation.
type DeviationEvent struct {
	ID                  string          `json:"id"`
	FacilityID          string          `json:"facility_id"`
	Metric              Metric          `json:"metric"`
	Kind                DeviationKind   `json:"kind"`
	Start               time.Time       `json:"start"`
	End                 time.Time       `json:"end"`
	Duration            time.Duration   `json:"duration"`
	Direction           Direction       `json:"direction"`
	Min                 decimal.Decimal `json:"min"`
	Max                 decimal.Decimal `json:"max"`
	Mean                decimal.Decimal `json:"mean"`
	MaxExcursion        decimal.Decimal `json:"max_excursion"`
	Severity            Severity        `json:"severity"`
	ReadingIDs          []string        `json:"reading_ids"`
	RuleID              string          `json:"rule_id"`
	ConfigVersion       string          `json:"config_version"`
	CertificationLapsed bool            `json:"certification_lapsed"`
	Source              DeviationSource `json:"source"`
}

// IncidentState is a state in the incident lifecycle.
type IncidentState string

const (
	StateOpen                    IncidentState = "open"
	StateInvestigating           IncidentState = "investigating"
	StateCorrectiveActionPlanned IncidentState = "corrective_action_planned"
	StateResolved                IncidentState = "resolved"
	StateClosedWithoutAction     IncidentState = "closed_without_action"
)

// Terminal reports whether no further transitions are possible.
func (s IncidentState) Terminal() bool {
	return s == StateResolved || s == StateClosedWithoutAction
}

// IncidentType classifies how an incident arose.
type IncidentType string

const (
	IncidentTemperatureExcursion IncidentType = "temperature_excursion"
	IncidentHumidityExcursion    IncidentType = "humidity_excursion"
	IncidentMonitoringGap        IncidentType = "monitoring_gap"
	IncidentManual               IncidentType = "manual"
)

// Incident is a tracked remediation workflow.
// Mutated only through lifecycle operations; Version guards concurrent updates.
type Incident struct {
	ID                   string           `json:"id"`
	FacilityID           string           `json:"facility_id"`
	Metric               Metric           `json:"metric,omitempty"`
	Type                 IncidentType     `json:"type"`
	State                IncidentState    `json:"state"`
	Severity             Severity         `json:"severity"`
	DeviationIDs         []string         `json:"deviation_ids"`
	ManualJustification  string           `json:"manual_justification,omitempty"`
	RootCause            string           `json:"root_cause,omitempty"`
	CorrectiveActionPlan string           `json:"corrective_action_plan,omitempty"`
	PreventiveMeasures   []string         `json:"preventive_measures,omitempty"`
	AffectedProducts     []string         `json:"affected_products,omitempty"`
	FinancialImpact      *decimal.Decimal `json:"financial_impact,omitempty"`
	RegulatoryImpact     string           `json:"regulatory_impact,omitempty"`
	ResolutionNotes      string           `json:"resolution_notes,omitempty"`
	ClosureReason        string           `json:"closure_reason,omitempty"`
	OpenedAt             time.Time        `json:"opened_at"`
	ResolvedAt           *time.Time       `json:"resolved_at,omitempty"`
	ClosedAt             *time.Time       `json:"closed_at,omitempty"`
	Version              int              `json:"version"`
}

// AuditAction names what an audit entry records.
type AuditAction string

const (
	ActionOpen                 AuditAction = "open"
	ActionBeginInvestigation   AuditAction = "begin_investigation"
	ActionPlanCorrectiveAction AuditAction = "plan_corrective_action"
	ActionResolve              AuditAction = "resolve"
	ActionCloseWithoutAction   AuditAction = "close_without_action"
	ActionLinkDeviation        AuditAction = "link_deviation"
	ActionAnnotateImpact       AuditAction = "annotate_impact"
)

// AuditEntry is an immutable record of one incident lifecycle step.
type AuditEntry struct {
	ID         string        `json:"id"`
	IncidentID string        `json:"incident_id"`
	Seq        int64         `json:"seq"` // Per-incident, starting at 1
	Actor      string        `json:"actor"`
	At         time.Time     `json:"at"`
	Action     AuditAction   `json:"action"`
	FromState  IncidentState `json:"from_state"`
	ToState    IncidentState `json:"to_state"`
	Note       string        `json:"note"`
}

// NotificationKind distinguishes outbound notification payloads.
type NotificationKind string

const (
	NotifyDeviation           NotificationKind = "deviation"
	NotifyIncidentStateChange NotificationKind = "incident_state_change"
)

// IncidentStateChange describes a lifecycle step for notification sinks.
type IncidentStateChange struct {
	IncidentID string        `json:"incident_id"`
	Action     AuditAction   `json:"action"`
	FromState  IncidentState `json:"from_state"`
	ToState    IncidentState `json:"to_state"`
	Actor      string        `json:"actor"`
	Note       string        `json:"note"`
	Severity   Severity      `json:"severity"`
	At         time.Time     `json:"at"`
}

// Notification is an outbound event delivered to a notification sink.
// Exactly one of Deviation or Change is set, according to Kind.
type Notification struct {
	ID         string               `json:"id"`
	Kind       NotificationKind     `json:"kind"`
	FacilityID string               `json:"facility_id"`
	Deviation  *DeviationEvent      `json:"deviation,omitempty"`
	Change     *IncidentStateChange `json:"change,omitempty"`
	CreatedAt  time.Time            `json:"created_at"`
}
