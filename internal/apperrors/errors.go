package apperrors

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Kind classifies an error for callers and transports.
type Kind int

const (
	KindInternal Kind = iota
	KindInvalidArgument
	KindUnauthenticated
	KindPermissionDenied
	KindNotFound
	KindAlreadyExists
	KindFailedPrecondition
	KindResourceExhausted
	KindConflict
)

func (k Kind) String() string {
	switch k {
	case KindInvalidArgument:
		return "invalid_argument"
	case KindUnauthenticated:
		return "unauthenticated"
	case KindPermissionDenied:
		return "permission_denied"
	case KindNotFound:
		return "not_found"
	case KindAlreadyExists:
		return "already_exists"
	case KindFailedPrecondition:
		return "failed_precondition"
	case KindResourceExhausted:
		return "resource_exhausted"
	case KindConflict:
		return "conflict"
	default:
		return "internal"
	}
}

// Error is the typed error returned by every domain package.
type Error struct {
	Kind    Kind
	Message string
	Err     error

	// RetryAfter is set on lockout and rate-limit errors.
	RetryAfter time.Duration
	// Details carries non-sensitive, caller-visible flags such as
	// "requires_captcha".
	Details map[string]interface{}
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s (%v)", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// WithDetail returns a copy of e carrying key=value.
func (e *Error) WithDetail(key string, value interface{}) *Error {
	out := *e
	out.Details = make(map[string]interface{}, len(e.Details)+1)
	for k, v := range e.Details {
		out.Details[k] = v
	}
	out.Details[key] = value
	return &out
}

func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

func InvalidArgument(message string) *Error  { return New(KindInvalidArgument, message) }
func Unauthenticated(message string) *Error  { return New(KindUnauthenticated, message) }
func PermissionDenied(message string) *Error { return New(KindPermissionDenied, message) }
func NotFound(message string) *Error         { return New(KindNotFound, message) }
func AlreadyExists(message string) *Error    { return New(KindAlreadyExists, message) }
func FailedPrecondition(message string) *Error {
	return New(KindFailedPrecondition, message)
}
func Conflict(message string) *Error { return New(KindConflict, message) }

// Internal hides err from the caller-facing message.
func Internal(message string, err error) *Error {
	return Wrap(KindInternal, message, err)
}

// ResourceExhausted carries the time after which the caller may retry.
func ResourceExhausted(message string, retryAfter time.Duration) *Error {
	return &Error{Kind: KindResourceExhausted, Message: message, RetryAfter: retryAfter}
}

// KindOf reports the Kind of err. Errors that are not *Error are Internal.
func KindOf(err error) Kind {
	if err == nil {
		return KindInternal
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	if err == nil {
		return false
	}
	return KindOf(err) == kind
}

// As is errors.As specialised to *Error.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// HTTPStatus maps a Kind to the HTTP status the transport should use.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindInvalidArgument:
		return http.StatusBadRequest
	case KindUnauthenticated:
		return http.StatusUnauthorized
	case KindPermissionDenied:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindAlreadyExists, KindConflict:
		return http.StatusConflict
	case KindFailedPrecondition:
		return http.StatusPreconditionFailed
	case KindResourceExhausted:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}
