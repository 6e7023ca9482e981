// Package domainerrors carries the error taxonomy shared by services and
// transports. Services return *Error values; transports translate the Code
// into a status (HTTP) or a reply code (queue).
package domainerrors

import (
	"errors"
	"net/http"
)

// Code identifies an error class. Codes are stable and appear in API
// responses, queue replies and audit records.
type Code string

const (
	CodeUnauthorized       Code = "unauthorized"
	CodeForbidden          Code = "forbidden"
	CodeSameActorForbidden Code = "same_actor_forbidden"
	CodeInvalidState       Code = "invalid_state"
	CodeIncompleteProfile  Code = "incomplete_profile"
	CodeReasonRequired     Code = "reason_required"
	CodeNotFound           Code = "not_found"
	CodeAllocationFailure  Code = "allocation_failure"
	CodeTransportFailure   Code = "transport_failure"

	CodeBadRequest         Code = "bad_request"
	CodeValidation         Code = "validation_error"
	CodeInvalidInput       Code = "invalid_input"
	CodeInvariantViolation Code = "invariant_violation"
	CodeConflict           Code = "conflict"
	CodeTimeout            Code = "timeout"
	CodeRateLimited        Code = "rate_limit_exceeded"
	CodeInternal           Code = "internal_error"
)

// Error is a coded domain error. The message is safe to show to callers
// unless the code is CodeInternal.
type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error with the same code and message, which lets tests
// use errors.Is against a freshly constructed value.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return e.Code == t.Code && e.Message == t.Message
}

// New creates a coded error.
func New(code Code, msg string) error {
	return &Error{Code: code, Message: msg}
}

// Wrap attaches a code and message to an underlying error.
func Wrap(err error, code Code, msg string) error {
	if err == nil {
		return nil
	}
	return &Error{Code: code, Message: msg, Err: err}
}

// CodeOf returns the outermost code in the chain, or CodeInternal when the
// chain carries no coded error.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

// HasCode reports whether the outermost coded error in err's chain has code.
func HasCode(err error, code Code) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}

// Is is shorthand for HasCode.
func Is(err error, code Code) bool {
	return HasCode(err, code)
}

// Message returns the caller-safe message of the outermost coded error.
func Message(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Message
	}
	return ""
}

// Retryable reports whether the caller may retry the operation unchanged.
func Retryable(err error) bool {
	switch CodeOf(err) {
	case CodeAllocationFailure, CodeTransportFailure, CodeTimeout:
		return true
	default:
		return false
	}
}

// ToHTTPStatus maps a code to the HTTP status used by the API layer.
func ToHTTPStatus(code Code) int {
	switch code {
	case CodeUnauthorized:
		return http.StatusUnauthorized
	case CodeForbidden, CodeSameActorForbidden:
		return http.StatusForbidden
	case CodeNotFound:
		return http.StatusNotFound
	case CodeInvalidState, CodeConflict:
		return http.StatusConflict
	case CodeIncompleteProfile:
		return http.StatusUnprocessableEntity
	case CodeReasonRequired, CodeBadRequest, CodeValidation, CodeInvalidInput, CodeInvariantViolation:
		return http.StatusBadRequest
	case CodeAllocationFailure:
		return http.StatusBadGateway
	case CodeTransportFailure:
		return http.StatusServiceUnavailable
	case CodeTimeout:
		return http.StatusGatewayTimeout
	case CodeRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}
