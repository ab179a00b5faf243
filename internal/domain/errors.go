package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound     = errors.New("resource not found")
	ErrUnauthorized = errors.New("unauthorized")
	ErrForbidden    = errors.New("forbidden")
	ErrInvalidInput = errors.New("invalid input")
	ErrConflict     = errors.New("resource conflict")
	ErrUnavailable  = errors.New("dependency unavailable")

	// ErrInvariantViolation means a caller bypassed the state machine.
	// Operations hitting it abort instead of persisting a corrupted booking.
	ErrInvariantViolation = errors.New("invariant violation")
)

// Lifecycle errors wrap one of the classes above, so callers can match
// either the exact failure or its class with errors.Is.
var (
	ErrInvalidOTP        = fmt.Errorf("%w: invalid otp", ErrInvalidInput)
	ErrOTPExpired        = fmt.Errorf("%w: otp expired", ErrInvalidInput)
	ErrInvalidTransition = fmt.Errorf("%w: transition not allowed from current status", ErrInvalidInput)
	ErrNotYetCompleted   = fmt.Errorf("%w: booking not yet completed", ErrInvalidInput)
	ErrNotRatable        = fmt.Errorf("%w: booking is not eligible for rating", ErrInvalidInput)

	ErrOTPAlreadyConsumed = fmt.Errorf("%w: otp already consumed", ErrConflict)
	ErrTransitionApplied  = fmt.Errorf("%w: transition already applied", ErrConflict)
	ErrAlreadyPaid        = fmt.Errorf("%w: completion payment already made", ErrConflict)
	ErrAlreadyRated       = fmt.Errorf("%w: booking already rated", ErrConflict)

	ErrPaymentGateway = fmt.Errorf("%w: payment gateway error", ErrUnavailable)
)

// ValidationError represents a field-level validation failure.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Field + ": " + e.Message
}
