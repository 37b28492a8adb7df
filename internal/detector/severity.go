package detector

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/roach88/coldtrace/internal/record"
	"github.com/roach88/coldtrace/internal/thresholds"
)

// Exposure is excursion magnitude multiplied by duration in minutes.
func Exposure(excursion decimal.Decimal, duration time.Duration) decimal.Decimal {
	minutes := decimal.NewFromInt(int64(duration)).Div(decimal.NewFromInt(int64(time.Minute)))
	return excursion.Mul(minutes)
}

// Classify returns the highest band whose criteria are met.
//
// The first band is the floor and always matches. Any later band matches
// when at least one of its configured minima is reached; a later band with
// no criteria never matches. Because each criterion is a lower bound, the
// result is non-decreasing in both excursion and duration.
func Classify(bands []thresholds.SeverityBand, excursion decimal.Decimal, duration time.Duration) record.Severity {
	if len(bands) == 0 {
		return record.Severity{}
	}

	exposure := Exposure(excursion, duration)
	for i := len(bands) - 1; i > 0; i-- {
		if bandMatches(bands[i], excursion, duration, exposure) {
			return record.Severity{Level: bands[i].Level, Rank: i}
		}
	}
	return record.Severity{Level: bands[0].Level, Rank: 0}
}

func bandMatches(b thresholds.SeverityBand, excursion decimal.Decimal, duration time.Duration, exposure decimal.Decimal) bool {
	if b.MinExcursion != nil && excursion.GreaterThanOrEqual(*b.MinExcursion) {
		return true
	}
	if b.MinDuration > 0 && duration >= b.MinDuration {
		return true
	}
	if b.MinExposure != nil && exposure.GreaterThanOrEqual(*b.MinExposure) {
		return true
	}
	return false
}
