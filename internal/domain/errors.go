package domain

import (
	"errors"
	"fmt"
)

// ErrorKind classifies failures so callers can map them to transport semantics
// and workers can decide retry behavior.
type ErrorKind string

const (
	KindValidation   ErrorKind = "ValidationError"
	KindPrecondition ErrorKind = "PreconditionError"
	KindNotFound     ErrorKind = "NotFoundError"
	KindConflict     ErrorKind = "ConflictError"
	KindExecution    ErrorKind = "ExecutionFailure"
	KindTransient    ErrorKind = "TransientFailure"
	KindCanceled     ErrorKind = "Canceled"
)

// ErrBranchBusy marks the branch-lock rejection so pollers can tell a busy
// target branch apart from other precondition failures.
var ErrBranchBusy = errors.New("target branch busy")

// Error is a kind-carrying error. Creation paths return it before any side
// effect so invariant violations are never silently coerced.
type Error struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// E constructs a kinded error with a formatted message.
func E(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind to an underlying error.
func Wrap(kind ErrorKind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// KindOf extracts the kind from err, or KindExecution when untyped.
func KindOf(err error) ErrorKind {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	return KindExecution
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind ErrorKind) bool {
	return KindOf(err) == kind
}

// Retryable reports whether err should consume a retry attempt rather than
// failing the node immediately.
func Retryable(err error) bool {
	return IsKind(err, KindTransient)
}
