package engine

import (
	"errors"
	"fmt"

	"github.com/roach88/coldtrace/internal/detector"
	"github.com/roach88/coldtrace/internal/incident"
	"github.com/roach88/coldtrace/internal/store"
	"github.com/roach88/coldtrace/internal/thresholds"
)

// ErrorCode categorizes engine errors.
type ErrorCode string

const (
	// ErrCodeOutOfOrder indicates a reading older than, or conflicting with,
	// the last accepted reading of its stream.
	ErrCodeOutOfOrder ErrorCode = "OUT_OF_ORDER_READING"

	// ErrCodeNoThreshold indicates no rule covers the reading.
	ErrCodeNoThreshold ErrorCode = "NO_APPLICABLE_THRESHOLD"

	// ErrCodeInvalidTransition indicates a lifecycle step that is not allowed.
	ErrCodeInvalidTransition ErrorCode = "INVALID_TRANSITION"

	// ErrCodeDeliveryFailure indicates a notification was dropped.
	ErrCodeDeliveryFailure ErrorCode = "NOTIFICATION_DELIVERY_FAILURE"

	// ErrCodeStorageUnavailable indicates a store read or write failed.
	ErrCodeStorageUnavailable ErrorCode = "STORAGE_UNAVAILABLE"

	// ErrCodeNotFound indicates an unknown incident or deviation.
	ErrCodeNotFound ErrorCode = "NOT_FOUND"

	// ErrCodeConcurrentModification indicates the incident changed underneath.
	ErrCodeConcurrentModification ErrorCode = "CONCURRENT_MODIFICATION"

	// ErrCodeInvalidReading indicates a malformed reading or request.
	ErrCodeInvalidReading ErrorCode = "INVALID_READING"
)

// EngineError is the error type returned by every Engine operation.
type EngineError struct {
	// Code identifies the error category.
	Code ErrorCode

	// Message is a human-readable description.
	Message string

	// FacilityID identifies the affected facility, if any.
	FacilityID string

	// IncidentID identifies the affected incident, if any.
	IncidentID string

	// Err is the underlying cause.
	Err error
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	msg := e.Message
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	switch {
	case e.IncidentID != "":
		return fmt.Sprintf("%s: %s (incident=%s)", e.Code, msg, e.IncidentID)
	case e.FacilityID != "":
		return fmt.Sprintf("%s: %s (facility=%s)", e.Code, msg, e.FacilityID)
	}
	return fmt.Sprintf("%s: %s", e.Code, msg)
}

// Unwrap returns the underlying cause.
func (e *EngineError) Unwrap() error {
	return e.Err
}

// CodeOf returns the code of an EngineError in err's chain, or "".
func CodeOf(err error) ErrorCode {
	var ee *EngineError
	if errors.As(err, &ee) {
		return ee.Code
	}
	return ""
}

// IsOutOfOrder returns true if err is an out-of-order reading error.
func IsOutOfOrder(err error) bool { return CodeOf(err) == ErrCodeOutOfOrder }

// IsNoThreshold returns true if no threshold applied to a reading.
func IsNoThreshold(err error) bool { return CodeOf(err) == ErrCodeNoThreshold }

// IsInvalidTransition returns true if a lifecycle step was rejected.
func IsInvalidTransition(err error) bool { return CodeOf(err) == ErrCodeInvalidTransition }

// IsStorageUnavailable returns true if the store failed.
func IsStorageUnavailable(err error) bool { return CodeOf(err) == ErrCodeStorageUnavailable }

// IsNotFound returns true if the requested incident or deviation is unknown.
func IsNotFound(err error) bool { return CodeOf(err) == ErrCodeNotFound }

// IsConcurrentModification returns true if an incident update lost a race.
func IsConcurrentModification(err error) bool {
	return CodeOf(err) == ErrCodeConcurrentModification
}

// IsInvalidReading returns true if the request was malformed.
func IsInvalidReading(err error) bool { return CodeOf(err) == ErrCodeInvalidReading }

func invalidReading(facilityID, format string, args ...any) *EngineError {
	return &EngineError{
		Code:       ErrCodeInvalidReading,
		Message:    fmt.Sprintf(format, args...),
		FacilityID: facilityID,
	}
}

// wrap maps errors from the domain packages and the store onto an
// EngineError. EngineErrors pass through unchanged.
func wrap(err error, msg, facilityID, incidentID string) error {
	if err == nil {
		return nil
	}
	var ee *EngineError
	if errors.As(err, &ee) {
		return err
	}

	code := ErrCodeStorageUnavailable
	switch {
	case detector.IsOutOfOrder(err):
		code = ErrCodeOutOfOrder
	case thresholds.IsNoApplicableThreshold(err):
		code = ErrCodeNoThreshold
	case incident.IsInvalidTransition(err):
		code = ErrCodeInvalidTransition
	case errors.Is(err, store.ErrNotFound):
		code = ErrCodeNotFound
	case errors.Is(err, store.ErrConflict):
		code = ErrCodeConcurrentModification
	case errors.Is(err, detector.ErrUnitMismatch), errors.Is(err, detector.ErrStreamMismatch):
		code = ErrCodeInvalidReading
	}

	return &EngineError{
		Code:       code,
		Message:    msg,
		FacilityID: facilityID,
		IncidentID: incidentID,
		Err:        err,
	}
}
