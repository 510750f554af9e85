// Package apperr defines the typed error taxonomy shared across the
// scheduling core. Every failure is returned as a value the caller can
// inspect by kind; nothing is retried here except where the lifecycle
// explicitly bounds a concurrency retry.
package apperr

import (
	"errors"
	"fmt"
)

type Kind int

const (
	KindValidation Kind = iota
	KindNotFound
	KindSchedulingConflict
	KindPolicyViolation
	KindInvalidTransition
	KindConcurrencyConflict
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation_error"
	case KindNotFound:
		return "not_found"
	case KindSchedulingConflict:
		return "scheduling_conflict"
	case KindPolicyViolation:
		return "policy_violation"
	case KindInvalidTransition:
		return "invalid_transition"
	case KindConcurrencyConflict:
		return "concurrency_conflict"
	default:
		return "unknown"
	}
}

type Error struct {
	Kind Kind
	Msg  string
	// ConflictIDs carries the appointment ids blocking a requested time
	// range, populated only for scheduling conflicts.
	ConflictIDs []string
	wrapped     error
}

func (e *Error) Error() string {
	if e.wrapped != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.wrapped)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error {
	return e.wrapped
}

func Validation(format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Msg: fmt.Sprintf(format, args...)}
}

func NotFound(format string, args ...any) *Error {
	return &Error{Kind: KindNotFound, Msg: fmt.Sprintf(format, args...)}
}

func Conflict(msg string, conflictIDs []string) *Error {
	return &Error{Kind: KindSchedulingConflict, Msg: msg, ConflictIDs: conflictIDs}
}

func Policy(format string, args ...any) *Error {
	return &Error{Kind: KindPolicyViolation, Msg: fmt.Sprintf(format, args...)}
}

func Transition(from, to string) *Error {
	return &Error{Kind: KindInvalidTransition, Msg: fmt.Sprintf("transition %s -> %s is not allowed", from, to)}
}

func Concurrency(msg string, wrapped error) *Error {
	return &Error{Kind: KindConcurrencyConflict, Msg: msg, wrapped: wrapped}
}

// IsKind reports whether err (or anything it wraps) is an *Error of the
// given kind.
func IsKind(err error, kind Kind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == kind
}

// From extracts the typed error, or nil when err carries none.
func From(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return nil
}
