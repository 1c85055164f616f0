package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Common error types
var (
	ErrNotFound     = errors.New("resource not found")
	ErrUnauthorized = errors.New("unauthorized")
	ErrForbidden    = errors.New("forbidden")
	ErrBadRequest   = errors.New("bad request")
	ErrConflict     = errors.New("conflict")
	ErrInternal     = errors.New("internal error")
	ErrValidation   = errors.New("validation error")

	// Evaluation pipeline failures
	ErrInput                 = errors.New("invalid input")
	ErrCapabilityUnavailable = errors.New("capability unavailable")
	ErrNoPoseDetected        = errors.New("no pose detected")
	ErrPersistence           = errors.New("persistence failure")
	ErrInvalidTransition     = errors.New("invalid state transition")
	ErrRateLimited           = errors.New("rate limited")
)

// AppError represents an application error with context
type AppError struct {
	Err        error             `json:"-"`
	Message    string            `json:"message"`
	Code       string            `json:"code"`
	HTTPStatus int               `json:"-"`
	Details    map[string]string `json:"details,omitempty"`
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// NotFound creates a not found error
func NotFound(resource string, id string) *AppError {
	return &AppError{
		Err:        ErrNotFound,
		Message:    fmt.Sprintf("%s not found", resource),
		Code:       "NOT_FOUND",
		HTTPStatus: http.StatusNotFound,
		Details:    map[string]string{"resource": resource, "id": id},
	}
}

// Unauthorized creates an unauthorized error
func Unauthorized(message string) *AppError {
	return &AppError{
		Err:        ErrUnauthorized,
		Message:    message,
		Code:       "UNAUTHORIZED",
		HTTPStatus: http.StatusUnauthorized,
	}
}

// Forbidden creates a forbidden error
func Forbidden(message string) *AppError {
	return &AppError{
		Err:        ErrForbidden,
		Message:    message,
		Code:       "FORBIDDEN",
		HTTPStatus: http.StatusForbidden,
	}
}

// BadRequest creates a bad request error
func BadRequest(message string) *AppError {
	return &AppError{
		Err:        ErrBadRequest,
		Message:    message,
		Code:       "BAD_REQUEST",
		HTTPStatus: http.StatusBadRequest,
	}
}

// Validation creates a validation error with field details
func Validation(message string, details map[string]string) *AppError {
	return &AppError{
		Err:        ErrValidation,
		Message:    message,
		Code:       "VALIDATION_ERROR",
		HTTPStatus: http.StatusBadRequest,
		Details:    details,
	}
}

// Conflict creates a conflict error
func Conflict(message string) *AppError {
	return &AppError{
		Err:        ErrConflict,
		Message:    message,
		Code:       "CONFLICT",
		HTTPStatus: http.StatusConflict,
	}
}

// Internal creates an internal error
func Internal(err error) *AppError {
	return &AppError{
		Err:        err,
		Message:    "internal server error",
		Code:       "INTERNAL_ERROR",
		HTTPStatus: http.StatusInternalServerError,
	}
}

// Input reports a user-correctable problem with submitted data (bad file
// type, oversized upload, empty input). Never retried.
func Input(message string) *AppError {
	return &AppError{
		Err:        ErrInput,
		Message:    message,
		Code:       "INPUT_ERROR",
		HTTPStatus: http.StatusBadRequest,
	}
}

// CapabilityUnavailable reports a missing model or camera. Terminal for the
// session; the client offers a manual retry.
func CapabilityUnavailable(message string, err error) *AppError {
	return &AppError{
		Err:        fmt.Errorf("%w: %v", ErrCapabilityUnavailable, err),
		Message:    message,
		Code:       "CAPABILITY_UNAVAILABLE",
		HTTPStatus: http.StatusServiceUnavailable,
	}
}

// RateLimited reports a client sending faster than allowed.
func RateLimited(message string) *AppError {
	return &AppError{
		Err:        ErrRateLimited,
		Message:    message,
		Code:       "RATE_LIMITED",
		HTTPStatus: http.StatusTooManyRequests,
	}
}

// NoPoseDetected reports that offline extraction retained zero frames.
func NoPoseDetected() *AppError {
	return &AppError{
		Err:        ErrNoPoseDetected,
		Message:    "no person detected in any sampled frame",
		Code:       "NO_POSE_DETECTED",
		HTTPStatus: http.StatusUnprocessableEntity,
	}
}

// Persistence reports that the store rejected a write. Recoverable: the
// caller keeps its data and may retry.
func Persistence(err error) *AppError {
	return &AppError{
		Err:        fmt.Errorf("%w: %v", ErrPersistence, err),
		Message:    "failed to persist evaluation",
		Code:       "PERSISTENCE_FAILURE",
		HTTPStatus: http.StatusBadGateway,
	}
}

// InvalidTransition reports an event that is not allowed in the current state.
func InvalidTransition(from, event string) *AppError {
	return &AppError{
		Err:        ErrInvalidTransition,
		Message:    fmt.Sprintf("cannot %s while %s", event, from),
		Code:       "INVALID_TRANSITION",
		HTTPStatus: http.StatusConflict,
		Details:    map[string]string{"state": from, "event": event},
	}
}

// Wrap wraps an error with additional context
func Wrap(err error, message string) *AppError {
	var appErr *AppError
	if errors.As(err, &appErr) {
		appErr.Message = fmt.Sprintf("%s: %s", message, appErr.Message)
		return appErr
	}
	return &AppError{
		Err:        err,
		Message:    message,
		Code:       "INTERNAL_ERROR",
		HTTPStatus: http.StatusInternalServerError,
	}
}

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's chain that matches target.
func As(err error, target any) bool {
	return errors.As(err, target)
}
