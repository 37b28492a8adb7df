package detector

import (
	"errors"
	"fmt"
	"time"

	"github.com/roach88/coldtrace/internal/record"
)

// OutOfOrderError is returned when a reading does not advance the stream.
// The detector state is unchanged when this is returned.
type OutOfOrderError struct {
	FacilityID string
	Metric     record.Metric
	Timestamp  time.Time
	Last       time.Time
}

// Error implements the error interface.
func (e *OutOfOrderError) Error() string {
	return fmt.Sprintf("out-of-order reading for %s/%s: %s is not after %s",
		e.FacilityID, e.Metric,
		e.Timestamp.UTC().Format(time.RFC3339Nano),
		e.Last.UTC().Format(time.RFC3339Nano))
}

// IsOutOfOrder returns true if err is an OutOfOrderError.
func IsOutOfOrder(err error) bool {
	var oe *OutOfOrderError
	return errors.As(err, &oe)
}

// ErrStreamMismatch is returned when a reading belongs to another stream.
var ErrStreamMismatch = errors.New("reading does not belong to this stream")

// ErrUnitMismatch is returned when a reading is not in the rule's unit.
var ErrUnitMismatch = errors.New("reading unit does not match threshold unit")
