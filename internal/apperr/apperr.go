// Package apperr classifies failures crossing the HTTP boundary.
//
// Handlers map an *Error to a status code and a stable snake_case code. Anything
// that is not an *Error is treated as internal.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

type Kind string

const (
	KindAuthentication     Kind = "authentication"
	KindAuthorization      Kind = "authorization"
	KindValidation         Kind = "validation"
	KindNotFound           Kind = "not_found"
	KindRateLimit          Kind = "rate_limit"
	KindUsageLimit         Kind = "usage_limit"
	KindDeploymentMismatch Kind = "deployment_mismatch"
	KindConflict           Kind = "conflict"
	KindUnavailable        Kind = "unavailable"
	KindInternal           Kind = "internal"
)

type Error struct {
	Kind       Kind
	Code       string
	Message    string
	Details    []string
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Code, e.Err)
	}
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return e.Code
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error by kind and code so callers can compare against the
// package-level sentinels below.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind && (t.Code == "" || e.Code == t.Code)
}

func (e *Error) Status() int {
	return StatusFor(e.Kind)
}

func StatusFor(kind Kind) int {
	switch kind {
	case KindAuthentication:
		return http.StatusUnauthorized
	case KindAuthorization:
		return http.StatusForbidden
	case KindValidation:
		return http.StatusBadRequest
	case KindNotFound, KindDeploymentMismatch:
		return http.StatusNotFound
	case KindRateLimit:
		return http.StatusTooManyRequests
	case KindUsageLimit:
		return http.StatusPaymentRequired
	case KindConflict:
		return http.StatusConflict
	case KindUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func New(kind Kind, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

func Wrap(kind Kind, code string, err error) *Error {
	return &Error{Kind: kind, Code: code, Err: err}
}

func Validation(code string, details ...string) *Error {
	return &Error{Kind: KindValidation, Code: code, Details: details}
}

func NotFound() *Error {
	return &Error{Kind: KindNotFound, Code: "not_found"}
}

func Unauthenticated(code string) *Error {
	return &Error{Kind: KindAuthentication, Code: code}
}

func Forbidden(code string) *Error {
	return &Error{Kind: KindAuthorization, Code: code}
}

func RateLimited(code string, retryAfter time.Duration) *Error {
	return &Error{Kind: KindRateLimit, Code: code, RetryAfter: retryAfter}
}

func Internal(err error) *Error {
	return &Error{Kind: KindInternal, Code: "internal_error", Err: err}
}

// From returns err as an *Error, classifying unknown errors as internal.
func From(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return Internal(err)
}

func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}
