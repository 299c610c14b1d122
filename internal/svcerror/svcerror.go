// Package svcerror defines the typed error returned by the service layer.
// Every failure carries a dotted code (operation.reason) and a Kind that
// transports map to a user-facing category.
package svcerror

import (
	"errors"
	"fmt"
)

// Kind classifies a service failure.
type Kind string

const (
	// KindValidation marks user-correctable input or state problems.
	KindValidation Kind = "validation"
	// KindAuthorization marks actions the actor is not permitted to take.
	KindAuthorization Kind = "authorization"
	// KindNotFound marks references to records that do not exist.
	KindNotFound Kind = "not_found"
	// KindPersistence marks storage failures.
	KindPersistence Kind = "persistence"
)

// Error is the error type returned by services.
type Error struct {
	code string
	kind Kind
	err  error
}

func (e *Error) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *Error) Unwrap() error {
	return e.err
}

// Code returns the dotted error code, e.g. "redlines.approve.missing_sr_number".
func (e *Error) Code() string {
	return e.code
}

// Kind returns the failure category.
func (e *Error) Kind() Kind {
	return e.kind
}

// New builds an Error for the operation and reason.
func New(operation, reason string, kind Kind, cause error) error {
	return &Error{
		code: fmt.Sprintf("%s.%s", operation, reason),
		kind: kind,
		err:  cause,
	}
}

// KindOf returns the Kind of err, or KindPersistence when err is not a service error.
func KindOf(err error) Kind {
	var serviceErr *Error
	if errors.As(err, &serviceErr) {
		return serviceErr.kind
	}
	return KindPersistence
}

// CodeOf returns the code carried by err, or an empty string.
func CodeOf(err error) string {
	var serviceErr *Error
	if errors.As(err, &serviceErr) {
		return serviceErr.code
	}
	return ""
}
