// Package fault defines the error taxonomy shared across the document,
// sync, and gateway layers. Every failure that crosses the gateway
// boundary is one of these kinds, so callers get a structured failure
// they can branch on instead of an opaque error string.
package fault

import (
	"errors"
	"fmt"
)

// Kind classifies a failure.
type Kind string

const (
	// SchemaViolation: a document payload is malformed, with required
	// fields missing or a value of the wrong shape.
	SchemaViolation Kind = "schema_violation"

	// Validation: a tool argument or precondition failed, such as an
	// illegal status transition.
	Validation Kind = "validation"

	// Timeout: a sandboxed execution exceeded its time bound.
	Timeout Kind = "timeout"

	// Transport: a hub or peer send failed. Recoverable; the connection
	// manager retries, and local writes are never affected.
	Transport Kind = "transport"

	// NotFound: a referenced task or entry does not exist.
	NotFound Kind = "not_found"

	// Execution: sandboxed code raised an error of its own. Distinct from
	// Validation so a script bug is not reported as a bad argument.
	Execution Kind = "execution"
)

// Error is a classified failure. Message is safe to surface to tool
// callers; Err carries the underlying cause for logs.
type Error struct {
	Kind    Kind
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

// Is matches two fault errors by kind, so errors.Is(err, &Error{Kind: k})
// works without comparing messages.
func (e *Error) Is(target error) bool {
	var fe *Error
	if !errors.As(target, &fe) {
		return false
	}
	return e.Kind == fe.Kind
}

// New creates a fault of the given kind.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates a fault of the given kind around an underlying cause.
func Wrap(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// Schemaf reports a malformed document payload.
func Schemaf(format string, args ...any) *Error { return New(SchemaViolation, format, args...) }

// Validationf reports a failed argument check or precondition.
func Validationf(format string, args ...any) *Error { return New(Validation, format, args...) }

// Timeoutf reports an exceeded execution bound.
func Timeoutf(format string, args ...any) *Error { return New(Timeout, format, args...) }

// Transportf reports a failed hub or peer send.
func Transportf(format string, args ...any) *Error { return New(Transport, format, args...) }

// NotFoundf reports a missing task or entry.
func NotFoundf(format string, args ...any) *Error { return New(NotFound, format, args...) }

// Executionf reports an error raised by sandboxed code.
func Executionf(format string, args ...any) *Error { return New(Execution, format, args...) }

// KindOf returns the kind of err if it is (or wraps) a fault Error, and ""
// otherwise.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return ""
}

// IsKind reports whether err is (or wraps) a fault of the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}
