// Package apperror defines the error vocabulary shared by every layer.
//
// SENTINELS + TYPED ERROR:
// Each failure category has a sentinel (ErrValidation, ErrBusy, ...) and every
// AppError wraps exactly one of them. Callers test the category with
// errors.Is and pull out the human-readable message with errors.As.
// The HTTP layer is the only place that turns a category into a status code.
package apperror

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrValidation   = errors.New("Validation Error")
	ErrBusy         = errors.New("server busy")
	ErrUnauthorized = errors.New("unauthorized")
	ErrInternal     = errors.New("internal error")
)

type AppError struct {
	Err     error  // sentinel category
	Message string // Human-readable error message
	Field   string // Optional: field causing the error
}

func (e *AppError) Error() string {
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Err
}

func NotFound(resource, id string) *AppError {
	return &AppError{
		Err:     ErrNotFound,
		Message: fmt.Sprintf("%s not found with id %s", resource, id),
	}
}

func ValidationFailed(field, message string) *AppError {
	return &AppError{
		Err:     ErrValidation,
		Message: message,
		Field:   field,
	}
}

// Busy reports that admission control turned the request away.
// HTTP handlers map this to 503 Service Unavailable.
func Busy(message string) *AppError {
	return &AppError{
		Err:     ErrBusy,
		Message: message,
	}
}

// Unauthorized reports a missing or invalid caller credential.
func Unauthorized(message string) *AppError {
	return &AppError{
		Err:     ErrUnauthorized,
		Message: message,
	}
}

// Internal wraps an infrastructure failure. The cause stays reachable through
// errors.Is/As for logging, but Error() only returns the generic message so
// nothing host-specific reaches the caller by accident.
func Internal(message string, cause error) *AppError {
	return &AppError{
		Err:     errors.Join(ErrInternal, cause),
		Message: message,
	}
}
