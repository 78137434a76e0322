// Package apperr implements the RPC error taxonomy from spec.md §7: a small
// closed set of codes that every handler translates backend failures into,
// so that cryptographic and storage detail never leaks into a client-visible
// message.
package apperr

import "fmt"

// Code is one of the seven error codes the RPC surface is allowed to return.
type Code string

const (
	InvalidRequest     Code = "INVALID_REQUEST"
	Unauthorized       Code = "UNAUTHORIZED"
	NotFound           Code = "NOT_FOUND"
	Conflict           Code = "CONFLICT"
	FailedPrecondition Code = "FAILED_PRECONDITION"
	InternalError      Code = "INTERNAL_ERROR"
	Protocol           Code = "PROTOCOL"
)

// Error is the structured error every handler returns; Details carries only
// opaque codes, never raw backend error strings.
type Error struct {
	Code    Code
	Message string
	Details string
	cause   error
}

func (e *Error) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Code, e.Message, e.Details)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// New builds an Error with the given code and message.
func New(code Code, message string, details ...string) *Error {
	e := &Error{Code: code, Message: message}
	if len(details) > 0 {
		e.Details = details[0]
	}
	return e
}

// Wrap attaches an internal cause to an Error without leaking its text to
// the Details field — the cause is only reachable via errors.Unwrap for
// server-side logging.
func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, cause: cause}
}

// Is lets errors.Is match on Code (sentinel-free comparisons of this kind).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// From extracts an *Error from err, falling back to an opaque InternalError
// so storage/transport faults never surface raw detail to the caller.
func From(err error) *Error {
	if err == nil {
		return nil
	}
	if appErr, ok := err.(*Error); ok {
		return appErr
	}
	return &Error{Code: InternalError, Message: "internal error", cause: err}
}

// Predefined errors used across handlers.
var (
	ErrUsernameTaken     = New(Conflict, "username already registered")
	ErrUserNotFound      = New(NotFound, "user not found")
	ErrDeviceNotFound    = New(NotFound, "device not found")
	ErrInvalidToken      = New(Unauthorized, "invalid or expired token")
	ErrTokenKindMismatch = New(Unauthorized, "token kind does not match operation")
	ErrBadSignature      = New(InvalidRequest, "signed pre-key signature verification failed")
	ErrNoOneTimePreKey   = New(NotFound, "no unconsumed one-time pre-key")
	ErrKeyPackageUsed    = New(Conflict, "mls key package already consumed")
	ErrSearchPrefix      = New(InvalidRequest, "search prefix must be at least 2 characters")
)
