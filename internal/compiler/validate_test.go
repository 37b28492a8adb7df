package compiler

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"github.com/roach88/coldtrace/internal/record"
	"github.com/roach88/coldtrace/internal/thresholds"
)

var from = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func validRule(id string) thresholds.ThresholdRule {
	return thresholds.ThresholdRule{
		ID:            id,
		Scope:         thresholds.ScopeGlobal,
		Metric:        record.MetricTemperature,
		Unit:          record.UnitCelsius,
		Lower:         decimal.NewFromInt(2),
		Upper:         decimal.NewFromInt(8),
		EffectiveFrom: from,
		Bands:         []thresholds.SeverityBand{{Level: "minor"}},
	}
}

func codes(errs []ValidationError) []string {
	out := make([]string, len(errs))
	for i, e := range errs {
		out[i] = e.Code
	}
	return out
}

func TestValidate_Valid(t *testing.T) {
	table := &thresholds.ConfigTable{Rules: []thresholds.ThresholdRule{validRule("a")}}
	assert.Empty(t, Validate(table))
}

func TestValidate_NoRules(t *testing.T) {
	assert.Equal(t, []string{ErrNoRules}, codes(Validate(&thresholds.ConfigTable{})))
}

func TestValidate_DuplicateIDs(t *testing.T) {
	b := validRule("a")
	b.EffectiveFrom = from.Add(time.Hour)
	table := &thresholds.ConfigTable{
		Facilities: []record.Facility{{ID: "f"}, {ID: "f"}},
		Rules:      []thresholds.ThresholdRule{validRule("a"), b},
	}
	assert.Equal(t, []string{ErrDuplicateID, ErrDuplicateID}, codes(Validate(table)))
}

func TestValidate_CertificationWindow(t *testing.T) {
	until := from
	table := &thresholds.ConfigTable{
		Facilities: []record.Facility{{ID: "f", CertifiedFrom: &from, CertifiedUntil: &until}},
		Rules:      []thresholds.ThresholdRule{validRule("a")},
	}
	assert.Equal(t, []string{ErrCertWindowEmpty}, codes(Validate(table)))
}

func TestValidate_BandOrder(t *testing.T) {
	r := validRule("a")
	two, one := decimal.NewFromInt(2), decimal.NewFromInt(1)
	r.Bands = []thresholds.SeverityBand{
		{Level: "minor"},
		{Level: "major", MinExcursion: &two, MinDuration: 2 * time.Hour},
		{Level: "critical", MinExcursion: &one, MinDuration: time.Hour},
	}
	table := &thresholds.ConfigTable{Rules: []thresholds.ThresholdRule{r}}
	assert.Equal(t, []string{ErrBandOrder, ErrBandOrder}, codes(Validate(table)))
}

func TestValidate_OverlappingRules(t *testing.T) {
	table := &thresholds.ConfigTable{Rules: []thresholds.ThresholdRule{validRule("a"), validRule("b")}}
	errs := Validate(table)
	assert.Equal(t, []string{ErrOverlappingRules}, codes(errs))
	assert.Contains(t, errs[0].Error(), `rule "a"`)
}

func TestTableVersion_IgnoresFacilityOrder(t *testing.T) {
	rules := []thresholds.ThresholdRule{validRule("a")}
	a := &thresholds.ConfigTable{Facilities: []record.Facility{{ID: "x"}, {ID: "y"}}, Rules: rules}
	b := &thresholds.ConfigTable{Facilities: []record.Facility{{ID: "y"}, {ID: "x"}}, Rules: rules}

	va, err := TableVersion(a)
	assert.NoError(t, err)
	vb, err := TableVersion(b)
	assert.NoError(t, err)
	assert.Equal(t, va, vb)
}
