// Package apperr defines the platform's error taxonomy. Every failure that
// crosses a component boundary carries a Kind so handlers and workers can map
// it to an HTTP status or a retry decision without string matching.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for callers.
type Kind string

const (
	KindInternal            Kind = "internal"
	KindUnauthenticated     Kind = "unauthenticated"
	KindForbidden           Kind = "forbidden"
	KindNotFound            Kind = "not_found"
	KindAlreadyExists       Kind = "already_exists"
	KindValidation          Kind = "validation"
	KindUpstreamThrottled   Kind = "upstream_throttled"
	KindUpstreamUnavailable Kind = "upstream_unavailable"
	KindPartialFailure      Kind = "partial_failure"
)

// Error is a classified error with a message safe to show to callers.
type Error struct {
	Kind    Kind
	Message string
	// Details holds individual messages for errors that collect several
	// problems, like request validation.
	Details []string
	Err     error
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the wrapped cause for errors.Is/As support.
func (e *Error) Unwrap() error { return e.Err }

// New creates an error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf creates an error of the given kind with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap classifies an existing error.
func Wrap(err error, kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// Unauthenticated is returned for bad, missing or expired credentials.
func Unauthenticated(reason string) *Error { return New(KindUnauthenticated, reason) }

// Forbidden is returned when an authenticated or anonymous caller may not
// use a resource.
func Forbidden(reason string) *Error { return New(KindForbidden, reason) }

// NotFound is returned when a resource is absent.
func NotFound(message string) *Error { return New(KindNotFound, message) }

// AlreadyExists is returned for duplicate user-chosen unique names.
func AlreadyExists(message string) *Error { return New(KindAlreadyExists, message) }

// Validation collects one or more malformed-parameter messages.
func Validation(details ...string) *Error {
	msg := "invalid request"
	if len(details) == 1 {
		msg = details[0]
	}
	return &Error{Kind: KindValidation, Message: msg, Details: details}
}

// KindOf returns the kind of the first classified error in err's chain, or
// KindInternal when there is none.
func KindOf(err error) Kind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return KindInternal
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// Message returns the caller-safe message for err. Unclassified errors get a
// generic message so internal details never leak.
func Message(err error) string {
	var ae *Error
	if errors.As(err, &ae) && ae.Kind != KindInternal {
		return ae.Message
	}
	return "internal server error"
}

// Details returns the collected messages of a validation error.
func Details(err error) []string {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Details
	}
	return nil
}

// HTTPStatus maps an error to the status code returned by the HTTP surface.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindUnauthenticated:
		return http.StatusUnauthorized
	case KindForbidden:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindAlreadyExists:
		return http.StatusConflict
	case KindValidation:
		return http.StatusBadRequest
	case KindUpstreamThrottled:
		return http.StatusTooManyRequests
	case KindUpstreamUnavailable:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// Retryable reports whether a queue should redeliver a task that failed
// with err.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindValidation, KindUnauthenticated, KindForbidden, KindAlreadyExists:
		return false
	default:
		return true
	}
}
