package compiler

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/roach88/coldtrace/internal/record"
	"github.com/roach88/coldtrace/internal/thresholds"
)

// Validation error codes (E100-E199)
const (
	// Table-level errors (E100-E109)
	ErrNoRules          = "E100" // at least one rule required
	ErrDuplicateID      = "E101" // duplicate rule or facility id
	ErrUnknownFacility  = "E102" // facility rule names an undeclared facility
	ErrCertWindowEmpty  = "E103" // certified_until not after certified_from
	ErrOverlappingRules = "E104" // two rules in one scope share effective_from

	// Rule errors (E110-E119)
	ErrInvalidRule  = "E110" // structural rule error
	ErrUnitMismatch = "E111" // unit cannot express the metric
	ErrBandOrder    = "E112" // band minima decrease with rank
)

// ValidationError represents a threshold table validation error.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
	Code    string `json:"code"`
}

// Error implements the error interface.
func (e ValidationError) Error() string {
	return fmt.Sprintf("[%s] %s: %s", e.Code, e.Field, e.Message)
}

// ValidationErrors is returned by CompileConfig when a table decodes but
// fails validation.
type ValidationErrors []ValidationError

// Error implements the error interface.
func (v ValidationErrors) Error() string {
	msgs := make([]string, len(v))
	for i, e := range v {
		msgs[i] = e.Error()
	}
	return strings.Join(msgs, "; ")
}

// Validate checks a compiled table against schema rules.
// Returns all errors found (does not fail-fast).
func Validate(table *thresholds.ConfigTable) []ValidationError {
	var errs []ValidationError

	if len(table.Rules) == 0 {
		errs = append(errs, ValidationError{
			Field:   "rules",
			Message: "at least one threshold rule is required",
			Code:    ErrNoRules,
		})
	}

	facilities := make(map[string]bool, len(table.Facilities))
	for _, f := range table.Facilities {
		field := "facilities." + f.ID
		if facilities[f.ID] {
			errs = append(errs, ValidationError{Field: field, Message: "duplicate facility id", Code: ErrDuplicateID})
		}
		facilities[f.ID] = true

		if f.CertifiedFrom != nil && f.CertifiedUntil != nil && !f.CertifiedUntil.After(*f.CertifiedFrom) {
			errs = append(errs, ValidationError{
				Field:   field + ".certified_until",
				Message: "certified_until must be after certified_from",
				Code:    ErrCertWindowEmpty,
			})
		}
	}

	ids := make(map[string]bool, len(table.Rules))
	for _, r := range table.Rules {
		field := "rules." + r.ID
		if ids[r.ID] {
			errs = append(errs, ValidationError{Field: field, Message: "duplicate rule id", Code: ErrDuplicateID})
			continue
		}
		ids[r.ID] = true

		if err := (thresholds.ConfigTable{Rules: []thresholds.ThresholdRule{r}}).Validate(); err != nil {
			errs = append(errs, ValidationError{Field: field, Message: err.Error(), Code: ErrInvalidRule})
		}

		if !r.Unit.ForMetric(r.Metric) {
			errs = append(errs, ValidationError{
				Field:   field + ".unit",
				Message: fmt.Sprintf("unit %s cannot express %s", r.Unit, r.Metric),
				Code:    ErrUnitMismatch,
			})
		}

		// Facilities may be registered at runtime, so only check when the
		// table declares any.
		if r.Scope == thresholds.ScopeFacility && len(table.Facilities) > 0 && !facilities[r.FacilityID] {
			errs = append(errs, ValidationError{
				Field:   field + ".facility_id",
				Message: fmt.Sprintf("facility %q is not declared", r.FacilityID),
				Code:    ErrUnknownFacility,
			})
		}

		errs = append(errs, validateBandOrder(field, r.Bands)...)
	}

	errs = append(errs, validateOverlaps(table.Rules)...)

	return errs
}

// validateBandOrder requires min_duration and min_excursion to never drop
// below the largest value configured on a lower band.
func validateBandOrder(field string, bands []thresholds.SeverityBand) []ValidationError {
	var errs []ValidationError

	var (
		maxDuration  time.Duration
		maxExcursion *decimal.Decimal
	)
	for i, b := range bands {
		if b.MinDuration > 0 {
			if b.MinDuration < maxDuration {
				errs = append(errs, ValidationError{
					Field:   fmt.Sprintf("%s.severity[%d].min_duration", field, i),
					Message: fmt.Sprintf("band %q has a shorter min_duration than a lower band", b.Level),
					Code:    ErrBandOrder,
				})
			} else {
				maxDuration = b.MinDuration
			}
		}
		if b.MinExcursion != nil {
			if maxExcursion != nil && b.MinExcursion.LessThan(*maxExcursion) {
				errs = append(errs, ValidationError{
					Field:   fmt.Sprintf("%s.severity[%d].min_excursion", field, i),
					Message: fmt.Sprintf("band %q has a smaller min_excursion than a lower band", b.Level),
					Code:    ErrBandOrder,
				})
			} else {
				maxExcursion = b.MinExcursion
			}
		}
	}
	return errs
}

// validateOverlaps rejects rules in the same scope target that take effect
// at the same instant; their precedence would hinge on rule IDs alone.
func validateOverlaps(rules []thresholds.ThresholdRule) []ValidationError {
	var errs []ValidationError

	seen := make(map[string]string)
	for _, r := range rules {
		key := fmt.Sprintf("%s|%s|%s|%s|%s", r.Scope, r.FacilityType, r.FacilityID, r.Metric, r.EffectiveFrom.UTC().Format(time.RFC3339Nano))
		if other, ok := seen[key]; ok {
			errs = append(errs, ValidationError{
				Field:   "rules." + r.ID,
				Message: fmt.Sprintf("takes effect at the same time and scope as rule %q", other),
				Code:    ErrOverlappingRules,
			})
			continue
		}
		seen[key] = r.ID
	}
	return errs
}

// TableVersion computes the content hash identifying a table.
func TableVersion(table *thresholds.ConfigTable) (string, error) {
	rules := make([]any, 0, len(table.Rules))
	for _, r := range table.Rules {
		rules = append(rules, rulePayload(r))
	}

	facilities := make([]any, 0, len(table.Facilities))
	sorted := append([]record.Facility(nil), table.Facilities...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })
	for _, f := range sorted {
		facilities = append(facilities, facilityPayload(f))
	}

	version, err := record.ConfigHash(map[string]any{
		"rules":      rules,
		"facilities": facilities,
	})
	if err != nil {
		return "", fmt.Errorf("table version: %w", err)
	}
	return version, nil
}

func rulePayload(r thresholds.ThresholdRule) map[string]any {
	bands := make([]any, 0, len(r.Bands))
	for _, b := range r.Bands {
		bp := map[string]any{
			"level":        b.Level,
			"min_duration": b.MinDuration,
		}
		if b.MinExcursion != nil {
			bp["min_excursion"] = *b.MinExcursion
		}
		if b.MinExposure != nil {
			bp["min_exposure"] = *b.MinExposure
		}
		bands = append(bands, bp)
	}

	p := map[string]any{
		"id":             r.ID,
		"scope":          string(r.Scope),
		"facility_type":  r.FacilityType,
		"facility_id":    r.FacilityID,
		"metric":         r.Metric,
		"unit":           r.Unit,
		"lower":          r.Lower,
		"upper":          r.Upper,
		"grace_period":   r.GracePeriod,
		"grace_readings": r.GraceReadings,
		"max_gap":        r.MaxGap,
		"effective_from": r.EffectiveFrom,
		"bands":          bands,
	}
	if r.EffectiveUntil != nil {
		p["effective_until"] = *r.EffectiveUntil
	}
	return p
}

func facilityPayload(f record.Facility) map[string]any {
	p := map[string]any{
		"id":                   f.ID,
		"name":                 f.Name,
		"location":             f.Location,
		"type":                 f.Type,
		"certification_status": f.CertificationStatus,
		"backup_systems":       f.BackupSystems,
	}
	if f.CertifiedFrom != nil {
		p["certified_from"] = *f.CertifiedFrom
	}
	if f.CertifiedUntil != nil {
		p["certified_until"] = *f.CertifiedUntil
	}
	return p
}
