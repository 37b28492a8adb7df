package thresholds

import (
	"errors"
	"fmt"
	"time"

	"github.com/roach88/coldtrace/internal/record"
)

// NoApplicableThresholdError is returned when no rule covers a reading.
type NoApplicableThresholdError struct {
	FacilityID string
	Metric     record.Metric
	At         time.Time
}

// Error implements the error interface.
func (e *NoApplicableThresholdError) Error() string {
	return fmt.Sprintf("no applicable threshold for facility %s metric %s at %s",
		e.FacilityID, e.Metric, e.At.UTC().Format(time.RFC3339))
}

// IsNoApplicableThreshold returns true if err is a NoApplicableThresholdError.
// Uses errors.As to handle wrapped errors.
func IsNoApplicableThreshold(err error) bool {
	var ne *NoApplicableThresholdError
	return errors.As(err, &ne)
}
