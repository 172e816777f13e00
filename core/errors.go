package core

import (
	"errors"
	"fmt"
	"net/http"
)

// SubCode identifies the class of a request failure. Every error that
// crosses the engine boundary carries one, together with the HTTP status
// it maps to on both the REST and GraphQL surfaces.
type SubCode string

const (
	CodeBadRequest            SubCode = "BadRequest"
	CodeAuthenticationFailed  SubCode = "AuthenticationFailed"
	CodeAuthorizationFailed   SubCode = "AuthorizationFailed"
	CodeEntityNotFound        SubCode = "EntityNotFound"
	CodeItemAlreadyExists     SubCode = "ItemAlreadyExists"
	CodeUnexpectedError       SubCode = "UnexpectedError"
	CodeDatabaseOperationFail SubCode = "DatabaseOperationFailed"
	CodeServiceBusy           SubCode = "ServiceBusy"
	CodeErrorInInitialization SubCode = "ErrorInInitialization"
)

// Status returns the HTTP status for the sub-code.
func (c SubCode) Status() int {
	switch c {
	case CodeBadRequest:
		return http.StatusBadRequest
	case CodeAuthenticationFailed:
		return http.StatusUnauthorized
	case CodeAuthorizationFailed:
		return http.StatusForbidden
	case CodeEntityNotFound:
		return http.StatusNotFound
	case CodeItemAlreadyExists:
		return http.StatusConflict
	case CodeServiceBusy, CodeErrorInInitialization:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Error is the engine's request-level error type. Planner, authorization
// and executor failures are all surfaced as one of these; the response
// shaper never sees them.
type Error struct {
	Code    SubCode `json:"code"`
	Status  int     `json:"status"`
	Message string  `json:"message"`
	cause   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// NewError creates a request error with the given sub-code.
func NewError(code SubCode, format string, args ...interface{}) *Error {
	return &Error{
		Code:    code,
		Status:  code.Status(),
		Message: fmt.Sprintf(format, args...),
	}
}

// WrapError attaches a sub-code to an underlying error. The cause is kept
// for logs; what the client sees depends on the host mode (see Redact).
func WrapError(code SubCode, err error) *Error {
	return &Error{
		Code:    code,
		Status:  code.Status(),
		Message: err.Error(),
		cause:   err,
	}
}

// AsError classifies err as an *Error, defaulting to UnexpectedError for
// anything the engine did not produce itself.
func AsError(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return WrapError(CodeUnexpectedError, err)
}

// Redact replaces driver and internal error text with a generic message.
// Applied to 5xx errors in production mode so database error strings are
// never echoed to clients.
func (e *Error) Redact() *Error {
	if e.Status < http.StatusInternalServerError {
		return e
	}
	return &Error{
		Code:    e.Code,
		Status:  e.Status,
		Message: "an unexpected error occurred while processing the request",
		cause:   e.cause,
	}
}
