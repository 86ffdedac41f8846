// Package errs defines the typed errors shared by the registry, client
// directory, connection broker and token issuer. Transport layers are the
// only place these are translated into HTTP or gRPC responses.
package errs

import (
	"errors"
	"fmt"
	"net/http"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Kind classifies an error for propagation and transport mapping.
type Kind int

const (
	KindInternal Kind = iota
	KindConfiguration
	KindNotFound
	KindAuth
	KindForbidden
	KindConnection
	KindConflict
	KindBadRequest
)

func (k Kind) String() string {
	switch k {
	case KindConfiguration:
		return "configuration"
	case KindNotFound:
		return "not_found"
	case KindAuth:
		return "auth"
	case KindForbidden:
		return "forbidden"
	case KindConnection:
		return "connection"
	case KindConflict:
		return "conflict"
	case KindBadRequest:
		return "bad_request"
	default:
		return "internal"
	}
}

// Auth failure reasons.
const (
	ReasonInvalidCredentials = "invalid_credentials"
	ReasonExpired            = "expired"
	ReasonInvalid            = "invalid"
	ReasonRevoked            = "revoked"
	ReasonWrongType          = "wrong_type"
)

// Error is a classified error with the operation that produced it.
type Error struct {
	Kind    Kind
	Op      string
	Message string
	Reason  string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// GRPCStatus lets status.FromError recover a code from a wrapped *Error.
func (e *Error) GRPCStatus() *status.Status {
	return status.New(grpcCode(e.Kind), e.Message)
}

// New builds an *Error without a cause.
func New(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Message: fmt.Sprintf(format, args...)}
}

// Wrap builds an *Error around cause.
func Wrap(kind Kind, op string, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Message: fmt.Sprintf(format, args...), Err: cause}
}

func NotFound(op, format string, args ...any) *Error {
	return New(KindNotFound, op, format, args...)
}

func Conflict(op, format string, args ...any) *Error {
	return New(KindConflict, op, format, args...)
}

func BadRequest(op, format string, args ...any) *Error {
	return New(KindBadRequest, op, format, args...)
}

func Configuration(op, format string, args ...any) *Error {
	return New(KindConfiguration, op, format, args...)
}

func Forbidden(op, format string, args ...any) *Error {
	return New(KindForbidden, op, format, args...)
}

// Auth builds an authentication failure carrying one of the Reason* values.
func Auth(op, reason, format string, args ...any) *Error {
	e := New(KindAuth, op, format, args...)
	e.Reason = reason
	return e
}

// Connection wraps a pool construction or probe failure.
func Connection(op string, cause error, format string, args ...any) *Error {
	return Wrap(KindConnection, op, cause, format, args...)
}

// Internal wraps an unexpected storage or driver failure.
func Internal(op string, cause error, format string, args ...any) *Error {
	return Wrap(KindInternal, op, cause, format, args...)
}

// KindOf returns the Kind of the first *Error in err's chain, or KindInternal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	if err == nil {
		return false
	}
	return KindOf(err) == kind
}

// ReasonOf returns the auth reason attached to err, if any.
func ReasonOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Reason
	}
	return ""
}

// MessageOf returns the client-safe message of err. Internal errors are masked.
func MessageOf(err error) string {
	var e *Error
	if errors.As(err, &e) && e.Kind != KindInternal && e.Kind != KindConfiguration {
		return e.Message
	}
	return "internal server error"
}

// HTTPStatus maps err to an HTTP status code.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindNotFound:
		return http.StatusNotFound
	case KindAuth:
		return http.StatusUnauthorized
	case KindForbidden:
		return http.StatusForbidden
	case KindConflict:
		return http.StatusConflict
	case KindBadRequest:
		return http.StatusBadRequest
	case KindConnection:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func grpcCode(kind Kind) codes.Code {
	switch kind {
	case KindNotFound:
		return codes.NotFound
	case KindAuth:
		return codes.Unauthenticated
	case KindForbidden:
		return codes.PermissionDenied
	case KindConflict:
		return codes.AlreadyExists
	case KindBadRequest:
		return codes.InvalidArgument
	case KindConnection:
		return codes.Unavailable
	default:
		return codes.Internal
	}
}
