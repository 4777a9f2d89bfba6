// Package errors provides structured, code-carrying errors for cmsread.
package errors

import "google.golang.org/grpc/codes"

// Code is a machine-readable error code.
type Code string

const (
	// CodeUnknown represents an unknown error.
	CodeUnknown Code = "UNKNOWN"

	// Query compilation errors
	CodeQueryMalformed    Code = "QUERY_MALFORMED"
	CodeQueryUnknownField Code = "QUERY_UNKNOWN_FIELD"
	CodeQueryTypeMismatch Code = "QUERY_TYPE_MISMATCH"
	CodeQueryUnsupported  Code = "QUERY_UNSUPPORTED"

	// Query execution errors
	CodeQueryTimeout       Code = "QUERY_TIMEOUT"
	CodeStorageUnavailable Code = "STORAGE_UNAVAILABLE"
	CodePageTokenInvalid   Code = "PAGE_TOKEN_INVALID"

	// Projection errors
	CodeProjectionApply Code = "PROJECTION_APPLY"

	// Lookup errors
	CodeNotFound Code = "NOT_FOUND"
)

// GRPCCode maps domain codes to gRPC status codes.
func (c Code) GRPCCode() codes.Code {
	switch c {
	// InvalidArgument - the caller sent something we cannot compile
	case CodeQueryMalformed,
		CodeQueryUnknownField,
		CodeQueryTypeMismatch,
		CodePageTokenInvalid:
		return codes.InvalidArgument

	// Unimplemented - valid syntax the translator does not support
	case CodeQueryUnsupported:
		return codes.Unimplemented

	case CodeQueryTimeout:
		return codes.DeadlineExceeded

	case CodeStorageUnavailable:
		return codes.Unavailable

	case CodeNotFound:
		return codes.NotFound

	case CodeProjectionApply:
		return codes.DataLoss

	default:
		return codes.Internal
	}
}

// Retryable reports whether a caller may retry the same request unchanged.
func (c Code) Retryable() bool {
	switch c {
	case CodeStorageUnavailable, CodeQueryTimeout:
		return true
	default:
		return false
	}
}
