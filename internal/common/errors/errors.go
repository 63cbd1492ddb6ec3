// Package errors provides custom error types for the Codebench control plane.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Error codes as constants
const (
	ErrCodeNotFound           = "NOT_FOUND"
	ErrCodeBadRequest         = "BAD_REQUEST"
	ErrCodeInternalError      = "INTERNAL_ERROR"
	ErrCodeConflict           = "CONFLICT"
	ErrCodeValidationError    = "VALIDATION_ERROR"
	ErrCodeServiceUnavailable = "SERVICE_UNAVAILABLE"

	// Sandbox orchestration codes
	ErrCodeSessionNotFound    = "SESSION_NOT_FOUND"
	ErrCodeRuntimeUnavailable = "RUNTIME_UNAVAILABLE"
	ErrCodeProvisionFailed    = "PROVISION_FAILED"
	ErrCodeCommandTimeout     = "COMMAND_TIMEOUT"
	ErrCodeSandboxUnhealthy   = "SANDBOX_UNHEALTHY"
	ErrCodeQuotaExceeded      = "QUOTA_EXCEEDED"
)

// AppError represents an application-specific error with additional context.
type AppError struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	HTTPStatus int    `json:"http_status"`
	Err        error  `json:"-"`
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the wrapped error for use with errors.Is and errors.As.
func (e *AppError) Unwrap() error {
	return e.Err
}

// NotFound creates a new not found error for a resource.
func NotFound(resource string, id string) *AppError {
	return &AppError{
		Code:       ErrCodeNotFound,
		Message:    fmt.Sprintf("%s with id '%s' not found", resource, id),
		HTTPStatus: http.StatusNotFound,
	}
}

// BadRequest creates a new bad request error.
func BadRequest(message string) *AppError {
	return &AppError{
		Code:       ErrCodeBadRequest,
		Message:    message,
		HTTPStatus: http.StatusBadRequest,
	}
}

// InternalError creates a new internal server error with a wrapped underlying error.
func InternalError(message string, err error) *AppError {
	return &AppError{
		Code:       ErrCodeInternalError,
		Message:    message,
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

// Conflict creates a new conflict error.
func Conflict(message string) *AppError {
	return &AppError{
		Code:       ErrCodeConflict,
		Message:    message,
		HTTPStatus: http.StatusConflict,
	}
}

// ValidationError creates a new validation error for a specific field.
func ValidationError(field string, message string) *AppError {
	return &AppError{
		Code:       ErrCodeValidationError,
		Message:    fmt.Sprintf("validation failed for field '%s': %s", field, message),
		HTTPStatus: http.StatusBadRequest,
	}
}

// SessionNotFound creates an error for an unknown session key.
// Callers that promised a false/nil contract should check IsSessionNotFound
// instead of surfacing this to users.
func SessionNotFound(key string) *AppError {
	return &AppError{
		Code:       ErrCodeSessionNotFound,
		Message:    fmt.Sprintf("no active session for key '%s'", key),
		HTTPStatus: http.StatusNotFound,
	}
}

// RuntimeUnavailable creates an error indicating no sandbox runtime is reachable.
func RuntimeUnavailable(runtime string, err error) *AppError {
	return &AppError{
		Code:       ErrCodeRuntimeUnavailable,
		Message:    fmt.Sprintf("sandbox runtime '%s' is unavailable", runtime),
		HTTPStatus: http.StatusServiceUnavailable,
		Err:        err,
	}
}

// ProvisionFailed creates an error for a failed sandbox provision.
func ProvisionFailed(key string, err error) *AppError {
	return &AppError{
		Code:       ErrCodeProvisionFailed,
		Message:    fmt.Sprintf("failed to provision sandbox for session '%s'", key),
		HTTPStatus: http.StatusBadGateway,
		Err:        err,
	}
}

// CommandTimeout creates an error for a command exceeding its read timeout.
func CommandTimeout(key string) *AppError {
	return &AppError{
		Code:       ErrCodeCommandTimeout,
		Message:    fmt.Sprintf("command timed out in session '%s'", key),
		HTTPStatus: http.StatusGatewayTimeout,
	}
}

// SandboxUnhealthy creates an error for a sandbox that is no longer running.
func SandboxUnhealthy(key string, err error) *AppError {
	return &AppError{
		Code:       ErrCodeSandboxUnhealthy,
		Message:    fmt.Sprintf("sandbox for session '%s' is unhealthy", key),
		HTTPStatus: http.StatusBadGateway,
		Err:        err,
	}
}

// QuotaExceeded creates an error for quota limits that could not be satisfied
// by eviction.
func QuotaExceeded(message string) *AppError {
	return &AppError{
		Code:       ErrCodeQuotaExceeded,
		Message:    message,
		HTTPStatus: http.StatusTooManyRequests,
	}
}

// Wrap wraps an existing error with additional context, returning an AppError.
func Wrap(err error, message string) *AppError {
	if err == nil {
		return nil
	}

	// If the error is already an AppError, preserve its code and status
	var appErr *AppError
	if errors.As(err, &appErr) {
		return &AppError{
			Code:       appErr.Code,
			Message:    fmt.Sprintf("%s: %s", message, appErr.Message),
			HTTPStatus: appErr.HTTPStatus,
			Err:        err,
		}
	}

	// Otherwise, wrap as an internal error
	return &AppError{
		Code:       ErrCodeInternalError,
		Message:    message,
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

// hasCode checks if the error carries the given application code.
func hasCode(err error, code string) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == code
	}
	return false
}

// IsNotFound checks if the error is a not found error.
func IsNotFound(err error) bool {
	return hasCode(err, ErrCodeNotFound)
}

// IsSessionNotFound checks if the error is a session not found error.
func IsSessionNotFound(err error) bool {
	return hasCode(err, ErrCodeSessionNotFound)
}

// IsRuntimeUnavailable checks if the error indicates an unreachable runtime.
func IsRuntimeUnavailable(err error) bool {
	return hasCode(err, ErrCodeRuntimeUnavailable)
}

// IsSandboxUnhealthy checks if the error indicates a non-running sandbox.
func IsSandboxUnhealthy(err error) bool {
	return hasCode(err, ErrCodeSandboxUnhealthy)
}

// IsCommandTimeout checks if the error is a command timeout.
func IsCommandTimeout(err error) bool {
	return hasCode(err, ErrCodeCommandTimeout)
}

// GetHTTPStatus returns the HTTP status code for an error.
// Returns 500 Internal Server Error if the error is not an AppError.
func GetHTTPStatus(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.HTTPStatus
	}
	return http.StatusInternalServerError
}
