// Package apperr defines the error kinds shared by the lifecycle and gateway
// components and their mapping onto HTTP status codes.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error so callers can decide how to react to it.
type Kind string

const (
	Invalid                Kind = "invalid"
	Conflict               Kind = "conflict"
	NotFound               Kind = "not_found"
	Unauthenticated        Kind = "unauthenticated"
	Unauthorized           Kind = "unauthorized"
	QuotaExceeded          Kind = "quota_exceeded"
	Unavailable            Kind = "unavailable"
	UnsupportedLanguage    Kind = "unsupported_language"
	BuildFailed            Kind = "build_failed"
	StartFailed            Kind = "start_failed"
	ProvisionerUnavailable Kind = "provisioner_unavailable"
	UpstreamTimeout        Kind = "upstream_timeout"
	UpstreamError          Kind = "upstream_error"
	ProviderError          Kind = "provider_error"
	Internal               Kind = "internal"
)

// Error is a classified error. Message is safe to show to callers; Err is
// the underlying cause and only goes to logs.
type Error struct {
	Kind    Kind
	Message string
	Err     error

	// Populated for QuotaExceeded.
	Window string
	Used   int64
	Limit  int64
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches another *Error by kind, so errors.Is(err, apperr.New(apperr.NotFound, ""))
// behaves as a kind check.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// New creates an error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf creates an error of the given kind with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind and a safe message to a cause.
func Wrap(kind Kind, err error, message string) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// Quota builds a QuotaExceeded error carrying the counter that rejected the call.
func Quota(window string, used, limit int64) *Error {
	return &Error{
		Kind:    QuotaExceeded,
		Message: fmt.Sprintf("%s quota exceeded (%d/%d)", window, used, limit),
		Window:  window,
		Used:    used,
		Limit:   limit,
	}
}

// KindOf returns the kind of err, or Internal for unclassified errors.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Internal
}

// Is reports whether err is classified as kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// MessageOf returns the caller-safe message of err.
func MessageOf(err error) string {
	var e *Error
	if errors.As(err, &e) && e.Message != "" {
		return e.Message
	}
	return "internal error"
}

// HTTPStatus maps a kind onto the status code returned to HTTP callers.
func HTTPStatus(kind Kind) int {
	switch kind {
	case Invalid, UnsupportedLanguage:
		return http.StatusBadRequest
	case Unauthenticated:
		return http.StatusUnauthorized
	case Unauthorized:
		return http.StatusForbidden
	case NotFound:
		return http.StatusNotFound
	case Conflict:
		return http.StatusConflict
	case QuotaExceeded:
		return http.StatusTooManyRequests
	case UpstreamError, ProviderError:
		return http.StatusBadGateway
	case Unavailable, ProvisionerUnavailable:
		return http.StatusServiceUnavailable
	case UpstreamTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
