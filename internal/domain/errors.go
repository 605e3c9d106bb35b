package domain

import (
	"errors"
	"fmt"
)

// Kind classifies a failure so transports can map it to a status.
type Kind string

const (
	KindNotFound     Kind = "NOT_FOUND"
	KindForbidden    Kind = "FORBIDDEN"
	KindConflict     Kind = "CONFLICT"
	KindBadRequest   Kind = "BAD_REQUEST"
	KindUnauthorized Kind = "UNAUTHORIZED"
	KindUnavailable  Kind = "UNAVAILABLE"
	KindInternal     Kind = "INTERNAL"
)

// Error is a command-level failure with a stable kind and code.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s (%v)", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches another *Error with the same kind and code, so sentinels still
// compare equal after WithMessage.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind && e.Code == t.Code
}

// WithMessage returns a copy of e carrying a more specific message.
func (e *Error) WithMessage(msg string) *Error {
	out := *e
	out.Message = msg
	return &out
}

func newError(kind Kind, code, msg string) *Error {
	return &Error{Kind: kind, Code: code, Message: msg}
}

// BadRequest builds a malformed-input failure.
func BadRequest(code, msg string) *Error {
	return newError(KindBadRequest, code, msg)
}

// Internal wraps an unexpected lower-level error.
func Internal(err error) *Error {
	return &Error{Kind: KindInternal, Code: "INTERNAL", Message: "internal server error", Err: err}
}

var (
	// ErrSessionNotFound is returned when a quiz session does not exist.
	ErrSessionNotFound = newError(KindNotFound, "SESSION_NOT_FOUND", "quiz session not found")
	// ErrAttemptNotFound is returned when the caller never started an attempt.
	ErrAttemptNotFound = newError(KindNotFound, "ATTEMPT_NOT_FOUND", "attempt not found")

	ErrNotOwner         = newError(KindForbidden, "NOT_OWNER", "only the session owner can do this")
	ErrRoleNotAllowed   = newError(KindForbidden, "ROLE_NOT_ALLOWED", "role not allowed")
	ErrNotAllowed       = newError(KindForbidden, "NOT_ALLOWED", "not allowed")
	ErrRealtimeReadOnly = newError(KindForbidden, "REALTIME_READ_ONLY", "lifecycle changes are not accepted over the realtime channel")

	ErrSessionEnded      = newError(KindConflict, "SESSION_ENDED", "quiz already ended")
	ErrSessionNotActive  = newError(KindConflict, "SESSION_NOT_ACTIVE", "quiz is not active")
	ErrSessionNotDraft   = newError(KindConflict, "SESSION_NOT_DRAFT", "quiz can only be changed while in draft")
	ErrSessionNotStarted = newError(KindConflict, "SESSION_NOT_STARTED", "quiz not started yet")
	ErrLateJoinClosed    = newError(KindConflict, "LATE_JOIN_CLOSED", "quiz already started")
	ErrAlreadySubmitted  = newError(KindConflict, "ALREADY_SUBMITTED", "attempt already submitted")
	ErrAttemptNotActive  = newError(KindConflict, "ATTEMPT_NOT_ACTIVE", "attempt not active")
	ErrJoinCodeExhausted = newError(KindConflict, "JOIN_CODE_EXHAUSTED", "could not allocate a unique join code")
	ErrConcurrentUpdate  = newError(KindConflict, "CONCURRENT_UPDATE", "too many concurrent updates, retry")

	ErrUnauthenticated = newError(KindUnauthorized, "UNAUTHENTICATED", "unauthenticated")

	ErrGeneratorUnavailable = newError(KindUnavailable, "GENERATOR_UNAVAILABLE", "question generation is not configured")
)

// Store contract errors. Repositories return these; the service layer never
// lets them escape unconverted.
var (
	ErrNotFound        = errors.New("record not found")
	ErrDuplicate       = errors.New("duplicate key")
	ErrVersionConflict = errors.New("version conflict")
)

// KindOf returns the kind of err, or KindInternal for foreign errors.
func KindOf(err error) Kind {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	return KindInternal
}

// AsError converts any error into an *Error, wrapping foreign ones as internal.
func AsError(err error) *Error {
	var de *Error
	if errors.As(err, &de) {
		return de
	}
	return Internal(err)
}
