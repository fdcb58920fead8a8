// Package kiwierr is the flat error taxonomy shared by every component.
//
// The teacher's style is ad hoc per-package error strings checked with
// errors.Is/errors.As; this spec calls for one error value carrying an
// HTTP-mappable code plus a human message, with the underlying cause kept
// only for logs. One place maps it to an HTTP status; one place maps a
// bare Go error into it at a component boundary.
package kiwierr

import (
	"errors"
	"fmt"
	"net/http"
)

// Code is one of the taxonomy entries from the specification's error design.
type Code string

const (
	BadCredentials               Code = "bad_credentials"
	BadReturnURI                 Code = "bad_return_uri"
	BadPermissions               Code = "bad_permissions"
	InvalidInput                 Code = "invalid_input"
	NotFound                     Code = "not_found"
	ExpectationFailed            Code = "expectation_failed"
	InternalAuthorisationFailure Code = "internal_authorisation_failure"
	ContainerIDNotFound          Code = "container_id_not_found"
	NetworkNameNotFound          Code = "network_name_not_found"
	Serialisation                Code = "serialisation"
	Internal                     Code = "internal"
)

// statusByCode maps each taxonomy code to its HTTP status.
var statusByCode = map[Code]int{
	BadCredentials:               http.StatusUnauthorized,
	BadReturnURI:                 http.StatusUnauthorized,
	BadPermissions:               http.StatusForbidden,
	InvalidInput:                 http.StatusBadRequest,
	NotFound:                     http.StatusNotFound,
	ExpectationFailed:            http.StatusExpectationFailed,
	InternalAuthorisationFailure: http.StatusInternalServerError,
	ContainerIDNotFound:          http.StatusInternalServerError,
	NetworkNameNotFound:          http.StatusInternalServerError,
	Serialisation:                http.StatusInternalServerError,
	Internal:                     http.StatusInternalServerError,
}

// Error is the flat {code, message} value returned by every fallible
// operation in this module. Cause is kept for logging only — it is never
// serialised to a client.
type Error struct {
	Code    Code
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds an Error with no underlying cause.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap builds an Error that carries cause for logs while exposing only
// message to callers.
func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}

// Status returns the HTTP status an Error (or a plain error, coerced to
// Internal) should be reported as.
func Status(err error) int {
	var e *Error
	if errors.As(err, &e) {
		if status, ok := statusByCode[e.Code]; ok {
			return status
		}
	}
	return http.StatusInternalServerError
}

// ClientMessage returns the text that is safe to send to a caller: the
// Error's own message for anything below 500, and the literal
// "internal server error" for anything the taxonomy maps to 500 — the
// underlying cause is never leaked over the wire.
func ClientMessage(err error) string {
	status := Status(err)
	if status >= 500 {
		return "internal server error"
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Message
	}
	return err.Error()
}

// CodeOf returns the taxonomy code of err, or Internal if err is not an
// *Error (e.g. it escaped a library call unmapped).
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return Internal
}
