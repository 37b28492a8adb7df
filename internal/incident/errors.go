package incident

import (
	"errors"
	"fmt"

	"github.com/roach88/coldtrace/internal/record"
)

// InvalidTransitionError reports a lifecycle step that is not permitted.
type InvalidTransitionError struct {
	IncidentID string
	State      record.IncidentState
	Action     string
	Reason     string
}

// Error implements the error interface.
func (e *InvalidTransitionError) Error() string {
	if e.IncidentID == "" {
		return fmt.Sprintf("invalid transition %q: %s", e.Action, e.Reason)
	}
	return fmt.Sprintf("invalid transition %q for incident %s in state %s: %s",
		e.Action, e.IncidentID, e.State, e.Reason)
}

// IsInvalidTransition returns true if err is an InvalidTransitionError.
// Uses errors.As to handle wrapped errors.
func IsInvalidTransition(err error) bool {
	var te *InvalidTransitionError
	return errors.As(err, &te)
}

func invalid(inc record.Incident, action, reason string) *InvalidTransitionError {
	return &InvalidTransitionError{
		IncidentID: inc.ID,
		State:      inc.State,
		Action:     action,
		Reason:     reason,
	}
}
