// Package errs defines the machine-readable error kinds used across Foundry.
// Every error returned from the façade carries a kind, a short human message,
// and an optional remediation hint. Formatting is the caller's concern.
package errs

import (
	"errors"
	"fmt"
)

// Kind classifies an error for programmatic handling.
type Kind string

const (
	KindValidation Kind = "validation" // Caller provided invalid fields
	KindNotFound   Kind = "not_found"  // Referenced ID does not exist
	KindConflict   Kind = "conflict"   // An invariant would be violated
	KindDependency Kind = "dependency" // Task dependency unmet or cycle detected
	KindSubprocess Kind = "subprocess" // External tool failed or timed out
	KindIO         Kind = "io"         // Filesystem or lock failure
	KindSchema     Kind = "schema"     // Persisted data cannot be deserialized
	KindFatal      Kind = "fatal"      // Runtime invariant broken
)

// Error is a classified error with an optional remediation hint.
type Error struct {
	Kind    Kind   `json:"kind"`
	Message string `json:"message"`
	Hint    string `json:"hint,omitempty"`
	Err     error  `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the wrapped cause, if any.
func (e *Error) Unwrap() error {
	return e.Err
}

// WithHint attaches a remediation hint and returns the error.
func (e *Error) WithHint(hint string) *Error {
	e.Hint = hint
	return e
}

// New creates a classified error.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf creates a classified error with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap classifies an underlying error.
func Wrap(kind Kind, err error, message string) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// KindOf returns the kind of err, or "" if err carries no kind.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}
