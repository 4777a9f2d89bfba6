package query

import (
	"fmt"

	apperrors "github.com/louisbranch/cmsread/internal/platform/errors"
)

// ErrorKind classifies compilation failures.
type ErrorKind string

const (
	// Malformed input cannot be parsed.
	Malformed ErrorKind = "malformed"
	// UnknownField references a property the model does not have.
	UnknownField ErrorKind = "unknown_field"
	// TypeMismatch uses an operator or literal the property's kind rejects.
	TypeMismatch ErrorKind = "type_mismatch"
	// UnsupportedOperator is valid query syntax the translator cannot run.
	UnsupportedOperator ErrorKind = "unsupported"
)

// CompilationError reports why a query string was rejected.
type CompilationError struct {
	Kind ErrorKind
	// Reason is a human-readable explanation safe to show callers.
	Reason string
	// Option is the query option the error belongs to, e.g. "$filter".
	Option string
	// Offset is the byte offset into the option value, or -1 if unknown.
	Offset int
}

func (e *CompilationError) Error() string {
	if e.Option != "" && e.Offset >= 0 {
		return fmt.Sprintf("%s query: %s (%s at %d)", e.Kind, e.Reason, e.Option, e.Offset)
	}
	if e.Option != "" {
		return fmt.Sprintf("%s query: %s (%s)", e.Kind, e.Reason, e.Option)
	}
	return fmt.Sprintf("%s query: %s", e.Kind, e.Reason)
}

// Code maps the error kind to the shared error code.
func (e *CompilationError) Code() apperrors.Code {
	switch e.Kind {
	case UnknownField:
		return apperrors.CodeQueryUnknownField
	case TypeMismatch:
		return apperrors.CodeQueryTypeMismatch
	case UnsupportedOperator:
		return apperrors.CodeQueryUnsupported
	default:
		return apperrors.CodeQueryMalformed
	}
}

// AppError converts the error into a coded application error.
func (e *CompilationError) AppError() *apperrors.Error {
	metadata := map[string]string{"kind": string(e.Kind)}
	if e.Option != "" {
		metadata["option"] = e.Option
	}
	if e.Offset >= 0 {
		metadata["offset"] = fmt.Sprint(e.Offset)
	}
	return &apperrors.Error{
		Code:     e.Code(),
		Message:  e.Reason,
		Metadata: metadata,
		Cause:    e,
	}
}

func errorf(kind ErrorKind, offset int, format string, args ...any) *CompilationError {
	return &CompilationError{Kind: kind, Reason: fmt.Sprintf(format, args...), Offset: offset}
}
