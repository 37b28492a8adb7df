package thresholds

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/roach88/coldtrace/internal/record"
)

// Scope is the layer a rule applies to.
type Scope string

const (
	ScopeGlobal       Scope = "global"
	ScopeFacilityType Scope = "facility_type"
	ScopeFacility     Scope = "facility"
)

// specificity orders scopes; higher wins.
func (s Scope) specificity() int {
	switch s {
	case ScopeFacility:
		return 3
	case ScopeFacilityType:
		return 2
	case ScopeGlobal:
		return 1
	}
	return 0
}

// SeverityBand is one ordinal severity level.
//
// A band matches a deviation when ANY of its configured minima is reached.
// Zero-valued criteria are unconfigured. Bands are listed lowest first and
// the first band is the floor every deviation receives.
type SeverityBand struct {
	Level        string           `json:"level"`
	MinExcursion *decimal.Decimal `json:"min_excursion,omitempty"`
	MinDuration  time.Duration    `json:"min_duration,omitempty"`
	MinExposure  *decimal.Decimal `json:"min_exposure,omitempty"` // excursion x minutes
}

// ThresholdRule is one row of the versioned threshold table.
type ThresholdRule struct {
	ID             string          `json:"id"`
	Scope          Scope           `json:"scope"`
	FacilityType   string          `json:"facility_type,omitempty"`
	FacilityID     string          `json:"facility_id,omitempty"`
	Metric         record.Metric   `json:"metric"`
	Unit           record.Unit     `json:"unit"`
	Lower          decimal.Decimal `json:"lower"`
	Upper          decimal.Decimal `json:"upper"`
	GracePeriod    time.Duration   `json:"grace_period"`
	GraceReadings  int             `json:"grace_readings"`
	MaxGap         time.Duration   `json:"max_gap,omitempty"` // 0 disables gap detection
	EffectiveFrom  time.Time       `json:"effective_from"`
	EffectiveUntil *time.Time      `json:"effective_until,omitempty"`
	Bands          []SeverityBand  `json:"bands"`
}

// EffectiveAt reports whether t falls in [EffectiveFrom, EffectiveUntil).
func (r ThresholdRule) EffectiveAt(t time.Time) bool {
	if t.Before(r.EffectiveFrom) {
		return false
	}
	if r.EffectiveUntil != nil && !t.Before(*r.EffectiveUntil) {
		return false
	}
	return true
}

// appliesTo reports whether the rule targets the facility.
func (r ThresholdRule) appliesTo(f record.Facility) bool {
	switch r.Scope {
	case ScopeGlobal:
		return true
	case ScopeFacilityType:
		return f.Type != "" && r.FacilityType == f.Type
	case ScopeFacility:
		return r.FacilityID == f.ID
	}
	return false
}

// ConfigTable is an immutable, versioned threshold configuration.
type ConfigTable struct {
	Version    string            `json:"version"`
	Facilities []record.Facility `json:"facilities,omitempty"`
	Rules      []ThresholdRule   `json:"rules"`
}

// Resolution is the effective threshold for one reading.
type Resolution struct {
	Rule               ThresholdRule
	ConfigVersion      string
	CertificationValid bool
}
