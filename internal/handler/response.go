package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/sumire/homeservices/internal/domain"
)

// Envelope is the standard API response wrapper.
type Envelope struct {
	Data  any       `json:"data,omitempty"`
	Meta  *Meta     `json:"meta,omitempty"`
	Error *APIError `json:"error,omitempty"`
}

// Meta carries response metadata.
type Meta struct {
	RequestID string `json:"request_id,omitempty"`
}

// APIError represents an error in the API response.
type APIError struct {
	Code    string       `json:"code"`
	Message string       `json:"message"`
	Details []FieldError `json:"details,omitempty"`
}

// FieldError represents a field-level validation error.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// JSON writes a JSON response with the standard envelope.
func JSON(c echo.Context, status int, data any) error {
	return c.JSON(status, Envelope{Data: data, Meta: meta(c)})
}

func meta(c echo.Context) *Meta {
	id := c.Response().Header().Get(echo.HeaderXRequestID)
	if id == "" {
		return nil
	}
	return &Meta{RequestID: id}
}

// HTTPErrorHandler is the global error handler for echo.
func HTTPErrorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	status, apiErr := mapError(err)
	if jsonErr := c.JSON(status, Envelope{Meta: meta(c), Error: &apiErr}); jsonErr != nil {
		slog.Error("failed to send error response", "error", jsonErr)
	}
}

// errorCodes lists specific failures ahead of the classes they wrap.
var errorCodes = []struct {
	err     error
	status  int
	code    string
	message string
}{
	{domain.ErrInvalidOTP, http.StatusUnprocessableEntity, "invalid_otp", "The code is not valid"},
	{domain.ErrOTPExpired, http.StatusUnprocessableEntity, "otp_expired", "The code has expired, request a new one"},
	{domain.ErrInvalidTransition, http.StatusUnprocessableEntity, "invalid_transition", "The booking cannot move to that state from its current status"},
	{domain.ErrNotYetCompleted, http.StatusUnprocessableEntity, "not_yet_completed", "The booking is not completed yet"},
	{domain.ErrNotRatable, http.StatusUnprocessableEntity, "not_ratable", "The booking cannot be rated"},
	{domain.ErrOTPAlreadyConsumed, http.StatusConflict, "otp_already_consumed", "The code was already used"},
	{domain.ErrTransitionApplied, http.StatusConflict, "transition_already_applied", "The booking is already past that state"},
	{domain.ErrAlreadyPaid, http.StatusConflict, "already_paid", "The completion payment was already made"},
	{domain.ErrAlreadyRated, http.StatusConflict, "already_rated", "The booking was already rated"},
	{domain.ErrPaymentGateway, http.StatusBadGateway, "payment_gateway_error", "The payment could not be processed, try again"},
}

func mapError(err error) (int, APIError) {
	// Handle echo's own HTTP errors (404, 405, etc.)
	var echoErr *echo.HTTPError
	if errors.As(err, &echoErr) {
		msg, _ := echoErr.Message.(string)
		if msg == "" {
			msg = http.StatusText(echoErr.Code)
		}
		return echoErr.Code, APIError{
			Code:    http.StatusText(echoErr.Code),
			Message: msg,
		}
	}

	var validationErr *domain.ValidationError
	if errors.As(err, &validationErr) {
		return http.StatusUnprocessableEntity, APIError{
			Code:    "validation_error",
			Message: "Validation failed",
			Details: []FieldError{
				{Field: validationErr.Field, Message: validationErr.Message},
			},
		}
	}

	for _, ec := range errorCodes {
		if errors.Is(err, ec.err) {
			return ec.status, APIError{Code: ec.code, Message: ec.message}
		}
	}

	switch {
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound, APIError{
			Code:    "not_found",
			Message: "The requested resource was not found",
		}
	case errors.Is(err, domain.ErrUnauthorized):
		return http.StatusUnauthorized, APIError{
			Code:    "unauthorized",
			Message: "Authentication is required",
		}
	case errors.Is(err, domain.ErrForbidden):
		return http.StatusForbidden, APIError{
			Code:    "forbidden",
			Message: "You do not have permission to perform this action",
		}
	case errors.Is(err, domain.ErrInvalidInput):
		return http.StatusBadRequest, APIError{
			Code:    "invalid_input",
			Message: "The request body is invalid",
		}
	case errors.Is(err, domain.ErrConflict):
		return http.StatusConflict, APIError{
			Code:    "conflict",
			Message: "The booking changed, refetch it and try again",
		}
	case errors.Is(err, domain.ErrUnavailable):
		slog.Error("dependency unavailable", "error", err)
		return http.StatusServiceUnavailable, APIError{
			Code:    "unavailable",
			Message: "A dependency is unavailable, try again later",
		}
	case errors.Is(err, domain.ErrInvariantViolation):
		slog.Error("invariant violation", "error", err)
		return http.StatusInternalServerError, APIError{
			Code:    "invariant_violation",
			Message: "The operation was aborted",
		}
	default:
		slog.Error("unhandled error", "error", err)
		return http.StatusInternalServerError, APIError{
			Code:    "internal_error",
			Message: "An unexpected error occurred",
		}
	}
}
