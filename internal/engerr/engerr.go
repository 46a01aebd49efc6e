// Package engerr defines the error taxonomy of spec.md §7 as a single
// concrete type, rather than scattering ad hoc sentinel errors across
// every component.
package engerr

import (
	"fmt"

	"github.com/pkg/errors"
)

// Code is one of the taxonomy entries from spec.md §7.
type Code string

const (
	Validation        Code = "validation"
	NotFound          Code = "not_found"
	Conflict          Code = "conflict"
	Unauthorized      Code = "unauthorized"
	Forbidden         Code = "forbidden"
	Connection        Code = "connection"
	Transfer          Code = "transfer"
	Scan              Code = "scan"
	System            Code = "system"
	Spawn             Code = "spawn"
	Timeout           Code = "timeout"
	ResourceExhausted Code = "resource_exhausted"
)

// Error carries a taxonomy Code, a human message, and optional
// structured details, with the original cause preserved through
// Unwrap for github.com/pkg/errors-style wrapping.
type Error struct {
	Code    Code
	Message string
	Details map[string]any
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// New constructs an Error with no underlying cause.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap constructs an Error that preserves cause via Unwrap, mirroring
// github.com/pkg/errors.Wrap's call shape.
func Wrap(cause error, code Code, message string) *Error {
	if cause == nil {
		return New(code, message)
	}
	return &Error{Code: code, Message: message, cause: errors.WithStack(cause)}
}

// WithDetails attaches structured details and returns the receiver for
// chaining at the construction site.
func (e *Error) WithDetails(d map[string]any) *Error {
	e.Details = d
	return e
}

// CodeOf extracts the Code of err if it is (or wraps) an *Error,
// otherwise returns System.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return System
}
