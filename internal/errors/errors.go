// Package errors provides the service-wide error taxonomy. Every error that
// crosses a package boundary carries an ErrorCode so handlers can map it to a
// transport status without string matching.
package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"

	pkgerrors "github.com/pkg/errors"
)

// ErrorCode classifies an error for callers and transports.
type ErrorCode string

const (
	ErrCodeInvalidInput       ErrorCode = "INVALID_INPUT"
	ErrCodeNotFound           ErrorCode = "NOT_FOUND"
	ErrCodeConflict           ErrorCode = "CONFLICT"
	ErrCodeUnauthorized       ErrorCode = "UNAUTHORIZED"
	ErrCodeInternal           ErrorCode = "INTERNAL"
	ErrCodeStateTransition    ErrorCode = "STATE_TRANSITION"
	ErrCodeConcurrency        ErrorCode = "CONCURRENCY_CONFLICT"
	ErrCodeExternalDependency ErrorCode = "EXTERNAL_DEPENDENCY"
)

// AppError is the concrete error type returned by repositories and services.
type AppError struct {
	Code    ErrorCode
	Message string
	Field   string
	Details map[string]interface{}
	Err     error
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *AppError) Unwrap() error { return e.Err }

// ErrorCode implements Coder.
func (e *AppError) ErrorCode() ErrorCode { return e.Code }

// Coder is implemented by errors that know their own code (for example
// workflow.StateTransitionError).
type Coder interface {
	ErrorCode() ErrorCode
}

// New creates an error with the given code and message.
func New(code ErrorCode, message string) *AppError {
	return &AppError{Code: code, Message: message}
}

// Wrap attaches a code and message to a cause. The cause keeps its stack so
// zerolog's pkgerrors marshaler can print it.
func Wrap(err error, code ErrorCode, message string) *AppError {
	return &AppError{Code: code, Message: message, Err: pkgerrors.WithStack(err)}
}

// NotFound reports a missing resource.
func NotFound(resource, id string) *AppError {
	return &AppError{
		Code:    ErrCodeNotFound,
		Message: fmt.Sprintf("%s not found: %s", resource, id),
		Details: map[string]interface{}{"resource": resource, "id": id},
	}
}

// InvalidInput reports a malformed request field. No state is changed.
func InvalidInput(field, message string) *AppError {
	return &AppError{
		Code:    ErrCodeInvalidInput,
		Message: fmt.Sprintf("invalid %s: %s", field, message),
		Field:   field,
	}
}

// Concurrency reports lock contention or a stale version. Callers retry.
func Concurrency(message string, cause error) *AppError {
	e := &AppError{Code: ErrCodeConcurrency, Message: message}
	if cause != nil {
		e.Err = pkgerrors.WithStack(cause)
	}
	return e
}

// ExternalDependency reports an unavailable collaborator.
func ExternalDependency(dependency string, cause error) *AppError {
	return &AppError{
		Code:    ErrCodeExternalDependency,
		Message: fmt.Sprintf("%s unavailable", dependency),
		Details: map[string]interface{}{"dependency": dependency},
		Err:     pkgerrors.WithStack(cause),
	}
}

// CodeOf returns the code of the first coded error in the chain, or
// ErrCodeInternal.
func CodeOf(err error) ErrorCode {
	if err == nil {
		return ""
	}
	var c Coder
	if stderrors.As(err, &c) {
		return c.ErrorCode()
	}
	return ErrCodeInternal
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code ErrorCode) bool {
	return err != nil && CodeOf(err) == code
}

// Is and As re-export the standard library helpers so callers need a single
// errors import.
func Is(err, target error) bool { return stderrors.Is(err, target) }

func As(err error, target any) bool { return stderrors.As(err, target) }

// HTTPStatus maps a code to an HTTP status.
func HTTPStatus(code ErrorCode) int {
	switch code {
	case ErrCodeInvalidInput:
		return http.StatusBadRequest
	case ErrCodeNotFound:
		return http.StatusNotFound
	case ErrCodeConflict, ErrCodeConcurrency:
		return http.StatusConflict
	case ErrCodeStateTransition:
		return http.StatusUnprocessableEntity
	case ErrCodeUnauthorized:
		return http.StatusUnauthorized
	case ErrCodeExternalDependency:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
