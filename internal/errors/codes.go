// Package errors provides structured error handling for the messaging core.
package errors

import (
	"net/http"

	"google.golang.org/grpc/codes"
)

// Code is a machine-readable error code.
type Code string

const (
	// CodeUnknown represents an unknown error.
	CodeUnknown Code = "UNKNOWN"

	// Dispatcher errors
	CodeNotAuthenticated Code = "NOT_AUTHENTICATED"
	CodeNotSubscribed    Code = "NOT_SUBSCRIBED"
	CodeInvalidPayload   Code = "INVALID_PAYLOAD"

	// Session registry errors
	CodeAlreadyAttached Code = "ALREADY_ATTACHED"

	// Chat session resolver errors
	CodeInvalidParticipants Code = "INVALID_PARTICIPANTS"
	// CodeSessionConflict marks a lost create race; it is recovered inside the
	// resolver by re-fetching the winning session and never surfaces to callers.
	CodeSessionConflict Code = "SESSION_CONFLICT"

	// Storage errors
	CodeStorageUnavailable Code = "STORAGE_UNAVAILABLE"
	CodeNotFound           Code = "NOT_FOUND"
)

// GRPCCode maps domain codes to gRPC status codes.
func (c Code) GRPCCode() codes.Code {
	switch c {
	case CodeNotAuthenticated:
		return codes.Unauthenticated
	case CodeNotSubscribed:
		return codes.FailedPrecondition
	case CodeInvalidPayload, CodeInvalidParticipants:
		return codes.InvalidArgument
	case CodeAlreadyAttached, CodeSessionConflict:
		return codes.AlreadyExists
	case CodeStorageUnavailable:
		return codes.Unavailable
	case CodeNotFound:
		return codes.NotFound
	default:
		return codes.Internal
	}
}

// HTTPStatus maps domain codes to HTTP status codes for the REST surface.
func (c Code) HTTPStatus() int {
	switch c {
	case CodeNotAuthenticated:
		return http.StatusUnauthorized
	case CodeNotSubscribed:
		return http.StatusForbidden
	case CodeInvalidPayload, CodeInvalidParticipants:
		return http.StatusBadRequest
	case CodeAlreadyAttached, CodeSessionConflict:
		return http.StatusConflict
	case CodeStorageUnavailable:
		return http.StatusServiceUnavailable
	case CodeNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}
