package models

import (
	"errors"
	"fmt"
)

// ErrorKind is the normalized failure taxonomy of the nullification subsystem.
type ErrorKind string

const (
	// KindMapping: malformed input to the identity mapper. Always a caller bug, never retried.
	KindMapping ErrorKind = "mapping"

	// KindInvalidParameter: accumulator parameters failed validity checks. Callers degrade
	// to hash-set-only operation.
	KindInvalidParameter ErrorKind = "invalid_parameter"

	// KindSync: registry failure during a full sync. Prior state is left untouched.
	KindSync ErrorKind = "sync"

	// KindVerification: an authoritative check failed for a reason other than
	// "not nullified". Must never be read as a negative answer.
	KindVerification ErrorKind = "verification"
)

// Error wraps subsystem failures with a kind and the operation that produced them.
type Error struct {
	Kind    ErrorKind
	Op      string
	Message string
	Err     error
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s [%s]: %s: %v", e.Op, e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s [%s]: %s", e.Op, e.Kind, e.Message)
}

// Unwrap supports error unwrapping
func (e *Error) Unwrap() error {
	return e.Err
}

func newError(kind ErrorKind, op, message string, err error) *Error {
	return &Error{Kind: kind, Op: op, Message: message, Err: err}
}

// MappingError reports malformed identity mapper input.
func MappingError(op, message string) *Error {
	return newError(KindMapping, op, message, nil)
}

// InvalidParameterError reports accumulator parameters that fail validation.
func InvalidParameterError(op, message string) *Error {
	return newError(KindInvalidParameter, op, message, nil)
}

// SyncError wraps a registry failure that aborted a full sync.
func SyncError(op, message string, err error) *Error {
	return newError(KindSync, op, message, err)
}

// VerificationError wraps a failed authoritative registry query.
func VerificationError(op, message string, err error) *Error {
	return newError(KindVerification, op, message, err)
}

// IsKind reports whether any error in err's chain is an *Error of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// KindOf extracts the error kind, or "" when err is not a subsystem error.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// ErrAccumulatorUnavailable is returned by witness checks when the mirror holds no
// usable accumulator (registry parameters uninitialized or invalid).
var ErrAccumulatorUnavailable = errors.New("accumulator unavailable")
