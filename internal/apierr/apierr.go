// Package apierr defines the typed error surface of classd.
// Every user-visible failure carries a stable numeric code plus a
// human-readable message; infrastructure errors are wrapped with %w and
// surfaced as InternalServerError unless a more specific code applies.
package apierr

import (
	"errors"
	"fmt"
)

// Error codes. The numbering is part of the wire contract and never changes.
const (
	CodeInternalServerError = 1
	CodeConnectionFailed    = 100
	CodeObjectNotFound      = 101
	CodeInvalidQuery        = 102
	CodeInvalidClassName    = 103
	CodeMissingObjectID     = 104
	CodeInvalidKeyName      = 105
	CodeInvalidJSON         = 107
	CodeIncorrectType       = 111
	CodeInvalidACL          = 123
	CodeInvalidEmailAddress   = 125
	CodeAmbiguousDeviceToken  = 132
	CodeMissingRequiredField  = 135
	CodeChangedImmutableField = 136
	CodeDuplicateValue        = 137
	CodeInvalidRoleName     = 139
	CodeScriptFailed        = 141
	CodeValidationError     = 142
	CodeOperationForbidden  = 119

	CodeUsernameMissing             = 200
	CodePasswordMissing             = 201
	CodeUsernameTaken               = 202
	CodeEmailTaken                  = 203
	CodeEmailMissing                = 204
	CodeSessionMissing              = 206
	CodeMustCreateUserThroughSignup = 207
	CodeAccountAlreadyLinked        = 208
	CodeInvalidSessionToken         = 209
	CodeUnsupportedService          = 252
)

// Error is the single error type surfaced to API callers.
type Error struct {
	Code    int
	Message string
	cause   error
}

// New creates an Error with the given code and message.
func New(code int, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates an Error that records an underlying cause for errors.Is/As
// while presenting the given code and message to callers.
func Wrap(err error, code int, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), cause: err}
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("code=%d: %s", e.Code, e.Message)
}

// Unwrap exposes the underlying cause, if any.
func (e *Error) Unwrap() error {
	return e.cause
}

// As extracts an *Error from an error chain, or nil.
func As(err error) *Error {
	var ae *Error
	if errors.As(err, &ae) {
		return ae
	}
	return nil
}

// Is reports whether err carries the given API error code.
func Is(err error, code int) bool {
	if ae := As(err); ae != nil {
		return ae.Code == code
	}
	return false
}

// HTTPStatus maps an error code to an HTTP status. Anything unrecognized
// is a 400: the store already succeeded or failed deterministically, and
// the remaining codes all describe caller mistakes.
func HTTPStatus(code int) int {
	switch code {
	case CodeInternalServerError, CodeConnectionFailed:
		return 500
	case CodeObjectNotFound:
		return 404
	case CodeOperationForbidden, CodeInvalidSessionToken, CodeSessionMissing:
		return 403
	case CodeUsernameTaken, CodeEmailTaken, CodeDuplicateValue, CodeAccountAlreadyLinked:
		return 409
	default:
		return 400
	}
}
