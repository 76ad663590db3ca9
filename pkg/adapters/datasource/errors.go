package datasource

import (
	"errors"
	"fmt"
)

// ExecErrorKind classifies execution failures for retry and reporting
// decisions upstream.
type ExecErrorKind string

const (
	ExecErrTimeout          ExecErrorKind = "TIMEOUT"
	ExecErrCancelled        ExecErrorKind = "CANCELLED"
	ExecErrPermissionDenied ExecErrorKind = "PERMISSION_DENIED"
	ExecErrSyntax           ExecErrorKind = "SYNTAX_ERROR"
	ExecErrUnavailable      ExecErrorKind = "UNAVAILABLE"
	ExecErrUnknown          ExecErrorKind = "UNKNOWN"
)

// ExecError wraps a warehouse error with its classification.
type ExecError struct {
	Kind  ExecErrorKind
	Cause error
}

func (e *ExecError) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Cause)
}

func (e *ExecError) Unwrap() error {
	return e.Cause
}

// Retryable reports whether a fresh attempt could succeed.
// Only transient availability failures qualify.
func (e *ExecError) Retryable() bool {
	return e.Kind == ExecErrUnavailable
}

// Retryable reports whether err carries a retryable ExecError.
func Retryable(err error) bool {
	var execErr *ExecError
	return errors.As(err, &execErr) && execErr.Retryable()
}

// KindOf returns the ExecErrorKind carried by err, or "" when err is
// not an ExecError.
func KindOf(err error) ExecErrorKind {
	var execErr *ExecError
	if errors.As(err, &execErr) {
		return execErr.Kind
	}
	return ""
}
