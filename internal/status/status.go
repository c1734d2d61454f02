// Package status defines the single error taxonomy shared by every
// component of the auction server. Every error that crosses a package
// boundary is a *Error carrying one of the Kind values below; nothing
// else should escape as a bare error.
package status

import (
	"errors"
	"fmt"
	"net/http"

	"google.golang.org/grpc/codes"
)

// Kind is the internal error classification. It maps one-to-one onto
// both gRPC status codes and HTTP status codes.
type Kind int

const (
	// Unknown is never constructed directly; it exists so the zero value
	// of Kind is not mistaken for a valid classification.
	Unknown Kind = iota
	InvalidArgument
	NotFound
	PermissionDenied
	Unavailable
	FailedPrecondition
	Internal
)

func (k Kind) String() string {
	switch k {
	case InvalidArgument:
		return "invalid-argument"
	case NotFound:
		return "not-found"
	case PermissionDenied:
		return "permission-denied"
	case Unavailable:
		return "unavailable"
	case FailedPrecondition:
		return "failed-precondition"
	case Internal:
		return "internal"
	default:
		return "unknown"
	}
}

// ToGRPCCode maps a Kind to its corresponding gRPC status code.
func (k Kind) ToGRPCCode() codes.Code {
	switch k {
	case InvalidArgument:
		return codes.InvalidArgument
	case NotFound:
		return codes.NotFound
	case PermissionDenied:
		return codes.PermissionDenied
	case Unavailable:
		return codes.Unavailable
	case FailedPrecondition:
		return codes.FailedPrecondition
	case Internal:
		return codes.Internal
	default:
		return codes.Unknown
	}
}

// ToHTTPStatus maps a Kind to the HTTP status code used by the transport
// layer's JSON handlers, which stand in for the RPC shell fronting this
// service in a full deployment.
func (k Kind) ToHTTPStatus() int {
	switch k {
	case InvalidArgument:
		return http.StatusBadRequest
	case NotFound:
		return http.StatusNotFound
	case PermissionDenied:
		return http.StatusForbidden
	case Unavailable:
		return http.StatusServiceUnavailable
	case FailedPrecondition:
		return http.StatusPreconditionFailed
	case Internal:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

// Error is the concrete error type every internal package returns.
type Error struct {
	Kind    Kind
	Message string
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// New constructs an *Error with no wrapped cause.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf is New with fmt.Sprintf-style formatting.
func Newf(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a Kind and message to an underlying error, preserving it
// for errors.Unwrap/errors.Is/errors.As.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, cause: cause}
}

// ParseKind is the inverse of Kind.String, used to carry a Kind across
// a process boundary (the sandbox IPC framing) as plain text.
func ParseKind(s string) Kind {
	switch s {
	case "invalid-argument":
		return InvalidArgument
	case "not-found":
		return NotFound
	case "permission-denied":
		return PermissionDenied
	case "unavailable":
		return Unavailable
	case "failed-precondition":
		return FailedPrecondition
	case "internal":
		return Internal
	default:
		return Internal
	}
}

// KindOf extracts the Kind from err if it (or something it wraps) is a
// *Error; otherwise it returns Internal, since an error that escaped the
// taxonomy is itself a bug, not a classified failure.
func KindOf(err error) Kind {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	return Internal
}
