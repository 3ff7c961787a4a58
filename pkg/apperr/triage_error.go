package apperr

import (
	"errors"
	"fmt"
)

// Error codes
const (
	// Operator-facing, never retried
	CodeConfiguration = "CONFIGURATION"
	CodePermission    = "PERMISSION"

	// External classifier failures
	CodeAPI   = "API"
	CodeQuota = "QUOTA"

	// Caller errors
	CodeValidation = "VALIDATION"
	CodeNotFound   = "NOT_FOUND"
	CodeConflict   = "CONFLICT"

	CodeInternal = "INTERNAL"
)

// AppError represents a structured application error
type AppError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	Err     error          `json:"-"`
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// Is matches another AppError by code so errors.Is works against the sentinels below.
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	if !ok {
		return false
	}
	return t.Code == e.Code && t.Message == ""
}

func (e *AppError) WithDetail(key string, value any) *AppError {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

func (e *AppError) WithError(err error) *AppError {
	e.Err = err
	return e
}

// Constructor functions
func New(code, message string) *AppError {
	return &AppError{Code: code, Message: message}
}

func Wrap(err error, code, message string) *AppError {
	return &AppError{Code: code, Message: message, Err: err}
}

func Configuration(message string) *AppError {
	return &AppError{Code: CodeConfiguration, Message: message}
}

func Permission(service string, err error) *AppError {
	return &AppError{
		Code:    CodePermission,
		Message: fmt.Sprintf("permission denied by %s", service),
		Details: map[string]any{"service": service},
		Err:     err,
	}
}

func API(service string, err error) *AppError {
	return &AppError{
		Code:    CodeAPI,
		Message: fmt.Sprintf("external service error: %s", service),
		Details: map[string]any{"service": service},
		Err:     err,
	}
}

func Quota(service string, err error) *AppError {
	return &AppError{
		Code:    CodeQuota,
		Message: fmt.Sprintf("rate limit exceeded: %s", service),
		Details: map[string]any{"service": service},
		Err:     err,
	}
}

func Validation(message string) *AppError {
	return &AppError{Code: CodeValidation, Message: message}
}

func InvalidInput(field, reason string) *AppError {
	return &AppError{
		Code:    CodeValidation,
		Message: fmt.Sprintf("invalid input for '%s': %s", field, reason),
		Details: map[string]any{"field": field},
	}
}

func NotFound(resource string) *AppError {
	return &AppError{
		Code:    CodeNotFound,
		Message: fmt.Sprintf("%s not found", resource),
	}
}

func Conflict(message string) *AppError {
	return &AppError{Code: CodeConflict, Message: message}
}

func Internal(err error) *AppError {
	return &AppError{Code: CodeInternal, Message: "internal error", Err: err}
}

// Sentinels for errors.Is comparisons by code.
var (
	ErrConfiguration = &AppError{Code: CodeConfiguration}
	ErrPermission    = &AppError{Code: CodePermission}
	ErrAPI           = &AppError{Code: CodeAPI}
	ErrQuota         = &AppError{Code: CodeQuota}
	ErrValidation    = &AppError{Code: CodeValidation}
	ErrNotFound      = &AppError{Code: CodeNotFound}
	ErrConflict      = &AppError{Code: CodeConflict}
)

// Helper functions
func IsAppError(err error) bool {
	var appErr *AppError
	return errors.As(err, &appErr)
}

func AsAppError(err error) *AppError {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}
	return Internal(err)
}

// CodeOf returns the code of the first AppError in the chain, or "" when there is none.
func CodeOf(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return ""
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code string) bool {
	return CodeOf(err) == code
}

// IsRetryable is true for transient classifier failures and rate limits only.
func IsRetryable(err error) bool {
	switch CodeOf(err) {
	case CodeAPI, CodeQuota:
		return true
	default:
		return false
	}
}
