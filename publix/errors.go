// Copyright (c) 2025 Daniel Kuo.
// Source-available; no permission granted to use, copy, modify, or distribute. See LICENSE.

package publix

import (
	"errors"
	"fmt"
)

type ErrorKind int

const (
	KindBadRequest ErrorKind = iota + 1
	KindForbidden
	KindNotFound
	KindInternal
	// KindForbiddenReload marks a non-reloadable component started a second time.
	// Callers finish the run unsuccessfully instead of reporting an error.
	KindForbiddenReload
)

func (k ErrorKind) String() string {
	switch k {
	case KindBadRequest:
		return "bad_request"
	case KindForbidden, KindForbiddenReload:
		return "forbidden"
	case KindNotFound:
		return "not_found"
	default:
		return "internal_error"
	}
}

// Error is returned by every run-protocol operation for expected failures.
type Error struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *Error) Error() string { return e.Message }

func (e *Error) Unwrap() error { return e.Err }

func NewBadRequest(format string, args ...any) error {
	return &Error{Kind: KindBadRequest, Message: fmt.Sprintf(format, args...)}
}

func NewForbidden(format string, args ...any) error {
	return &Error{Kind: KindForbidden, Message: fmt.Sprintf(format, args...)}
}

func NewNotFound(format string, args ...any) error {
	return &Error{Kind: KindNotFound, Message: fmt.Sprintf(format, args...)}
}

func NewForbiddenReload(format string, args ...any) error {
	return &Error{Kind: KindForbiddenReload, Message: fmt.Sprintf(format, args...)}
}

// NewInternal wraps an unexpected failure. The message shown to participants stays generic.
func NewInternal(err error) error {
	return &Error{Kind: KindInternal, Message: "internal server error", Err: err}
}

// AsError extracts an *Error from err.
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// KindOf returns the kind of err, treating anything that is not an *Error as internal.
func KindOf(err error) ErrorKind {
	if e, ok := AsError(err); ok {
		return e.Kind
	}
	return KindInternal
}
