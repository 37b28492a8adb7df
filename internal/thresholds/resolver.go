package thresholds

import (
	"fmt"
	"time"

	"github.com/roach88/coldtrace/internal/record"
)

// Resolve returns the effective rule for facility/metric at time at.
//
// Candidates must match the metric, target the facility, and be effective at
// at. The most specific scope wins; within a scope the rule with the latest
// EffectiveFrom wins; remaining ties are broken by the lexically smallest
// rule ID so the outcome never depends on table order.
func Resolve(table ConfigTable, facility record.Facility, metric record.Metric, at time.Time) (Resolution, error) {
	var (
		best  ThresholdRule
		found bool
	)

	for _, rule := range table.Rules {
		if rule.Metric != metric || !rule.appliesTo(facility) || !rule.EffectiveAt(at) {
			continue
		}
		if !found || outranks(rule, best) {
			best = rule
			found = true
		}
	}

	if !found {
		return Resolution{}, &NoApplicableThresholdError{
			FacilityID: facility.ID,
			Metric:     metric,
			At:         at,
		}
	}

	return Resolution{
		Rule:               best,
		ConfigVersion:      table.Version,
		CertificationValid: facility.CertifiedAt(at),
	}, nil
}

// outranks reports whether a should be preferred over b.
func outranks(a, b ThresholdRule) bool {
	if sa, sb := a.Scope.specificity(), b.Scope.specificity(); sa != sb {
		return sa > sb
	}
	if !a.EffectiveFrom.Equal(b.EffectiveFrom) {
		return a.EffectiveFrom.After(b.EffectiveFrom)
	}
	return a.ID < b.ID
}

// Facility looks up a facility declared in the table.
func (t ConfigTable) Facility(id string) (record.Facility, bool) {
	for _, f := range t.Facilities {
		if f.ID == id {
			return f, true
		}
	}
	return record.Facility{}, false
}

// Validate checks structural invariants of the table.
// The compiler calls this after decoding; tests and the engine call it for
// tables built in code.
func (t ConfigTable) Validate() error {
	seen := make(map[string]bool, len(t.Rules))
	for _, r := range t.Rules {
		if r.ID == "" {
			return fmt.Errorf("rule with empty id")
		}
		if seen[r.ID] {
			return fmt.Errorf("duplicate rule id: %s", r.ID)
		}
		seen[r.ID] = true

		if err := r.validate(); err != nil {
			return fmt.Errorf("rule %s: %w", r.ID, err)
		}
	}
	return nil
}

func (r ThresholdRule) validate() error {
	if !r.Metric.Valid() {
		return fmt.Errorf("unknown metric %q", r.Metric)
	}
	switch r.Scope {
	case ScopeGlobal:
	case ScopeFacilityType:
		if r.FacilityType == "" {
			return fmt.Errorf("facility_type scope requires facility_type")
		}
	case ScopeFacility:
		if r.FacilityID == "" {
			return fmt.Errorf("facility scope requires facility_id")
		}
	default:
		return fmt.Errorf("unknown scope %q", r.Scope)
	}
	if r.Lower.GreaterThan(r.Upper) {
		return fmt.Errorf("lower bound %s exceeds upper bound %s", r.Lower, r.Upper)
	}
	if r.GracePeriod < 0 || r.GraceReadings < 0 || r.MaxGap < 0 {
		return fmt.Errorf("grace period, grace readings and max gap must be non-negative")
	}
	if r.EffectiveUntil != nil && !r.EffectiveUntil.After(r.EffectiveFrom) {
		return fmt.Errorf("effective_until must be after effective_from")
	}
	if len(r.Bands) == 0 {
		return fmt.Errorf("at least one severity band is required")
	}
	levels := make(map[string]bool, len(r.Bands))
	for _, b := range r.Bands {
		if b.Level == "" {
			return fmt.Errorf("severity band with empty level")
		}
		if levels[b.Level] {
			return fmt.Errorf("duplicate severity level %q", b.Level)
		}
		levels[b.Level] = true
	}
	return nil
}
