// Package apperr is the error taxonomy shared by every dialbridge component.
// Handlers map a Kind to an HTTP status; everything else wraps with %w.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

type Kind string

const (
	KindBadRequest        Kind = "bad_request"
	KindUnauthorized      Kind = "unauthorized"
	KindUpstream          Kind = "upstream_error"
	KindNotFound          Kind = "not_found"
	KindRateLimited       Kind = "rate_limited"
	KindMisconfigured     Kind = "server_misconfigured"
	KindNoDialableRecords Kind = "no_dialable_records"
	KindInternal          Kind = "internal"
)

type Error struct {
	Kind           Kind
	Msg            string
	UpstreamStatus int
	RetryAfter     time.Duration
	Skipped        int
	Err            error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

func BadRequest(format string, args ...any) *Error {
	return &Error{Kind: KindBadRequest, Msg: fmt.Sprintf(format, args...)}
}

// Unauthorized always carries the reconnect instruction surfaced to the browser.
func Unauthorized(msg string, err error) *Error {
	return &Error{Kind: KindUnauthorized, Msg: msg, Err: err}
}

func Upstream(status int, msg string, err error) *Error {
	return &Error{Kind: KindUpstream, Msg: msg, UpstreamStatus: status, Err: err}
}

func NotFound(format string, args ...any) *Error {
	return &Error{Kind: KindNotFound, Msg: fmt.Sprintf(format, args...)}
}

func RateLimited(retryAfter time.Duration) *Error {
	return &Error{Kind: KindRateLimited, Msg: "too many requests", RetryAfter: retryAfter}
}

func Misconfigured(err error) *Error {
	return &Error{Kind: KindMisconfigured, Msg: "server misconfigured", Err: err}
}

func NoDialableRecords(skipped int) *Error {
	return &Error{
		Kind:    KindNoDialableRecords,
		Msg:     "no records with a phone number or email",
		Skipped: skipped,
	}
}

// KindOf returns KindInternal for errors outside the taxonomy.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

func HTTPStatus(kind Kind) int {
	switch kind {
	case KindBadRequest:
		return http.StatusBadRequest
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindUpstream:
		return http.StatusBadGateway
	case KindNotFound:
		return http.StatusNotFound
	case KindRateLimited:
		return http.StatusTooManyRequests
	case KindNoDialableRecords:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}
