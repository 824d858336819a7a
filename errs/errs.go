// Package errs holds the error taxonomy shared by every discordcore
// component (gateway, REST, cache, config, shard). It is a standalone leaf
// package so that components can report structured errors without
// importing the root discordcore package, which itself imports those
// components to assemble Client. The root package re-exports these types
// and constructors under their original names for API compatibility.
package errs

import (
	"errors"
	"fmt"
	"time"
)

// Kind classifies why an operation failed, per spec §7. Kind is intentionally
// not a Go error type on its own — components return *Error wrapping a Kind
// so callers can both errors.Is against a sentinel and read structured
// fields (retry-after, status code) off the same value.
type Kind int

const (
	// KindTransport covers connection refusal, TLS failure, socket read
	// errors. Recovered internally by the owning controller; callers
	// normally never see it directly.
	KindTransport Kind = iota
	// KindProtocol covers malformed JSON, unknown opcodes, missing
	// required fields. Logged and dropped at the boundary it occurred.
	KindProtocol
	// KindAuthentication covers REST 401 and gateway close code 4004.
	// Fatal; never retried.
	KindAuthentication
	// KindRateLimit covers a 429 response. Carries RetryAfter.
	KindRateLimit
	// KindValidation covers invalid constructor/call inputs, raised
	// immediately and synchronously.
	KindValidation
	// KindPermission covers REST 403.
	KindPermission
	// KindHTTP covers any other non-success REST status.
	KindHTTP
	// KindGatewayClose covers a non-resumable close code after retries
	// are exhausted.
	KindGatewayClose
	// KindShutdown covers an operation submitted after the owning
	// pipeline or connection has shut down.
	KindShutdown
)

func (k Kind) String() string {
	switch k {
	case KindTransport:
		return "transport"
	case KindProtocol:
		return "protocol"
	case KindAuthentication:
		return "authentication"
	case KindRateLimit:
		return "rate_limited"
	case KindValidation:
		return "validation"
	case KindPermission:
		return "permission"
	case KindHTTP:
		return "http"
	case KindGatewayClose:
		return "gateway_close"
	case KindShutdown:
		return "shutdown"
	default:
		return "unknown"
	}
}

// Error is the concrete error value every component returns. Status and
// Message are populated for REST-origin errors; RetryAfter for
// KindRateLimit; Code for gateway close errors.
type Error struct {
	Kind       Kind
	Message    string
	Status     int
	RetryAfter time.Duration
	Code       int
	Err        error // underlying cause, if any
}

func (e *Error) Error() string {
	switch {
	case e.Status != 0 && e.Message != "":
		return fmt.Sprintf("%s: %d %s", e.Kind, e.Status, e.Message)
	case e.Message != "":
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	case e.Err != nil:
		return fmt.Sprintf("%s: %s", e.Kind, e.Err.Error())
	default:
		return e.Kind.String()
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Is lets errors.Is(err, ErrShutdown) etc. match purely on Kind, ignoring
// the per-instance fields.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Message != "" || t.Status != 0 {
		return false
	}
	return e.Kind == t.Kind
}

// Sentinels usable with errors.Is for the common, fieldless cases.
var (
	ErrShutdown      = &Error{Kind: KindShutdown}
	ErrAuthFailed    = &Error{Kind: KindAuthentication}
	ErrValidation    = &Error{Kind: KindValidation}
	ErrGatewayClosed = &Error{Kind: KindGatewayClose}
)

// NewValidationError builds a KindValidation error, for invalid inputs
// rejected immediately at construction or call time.
func NewValidationError(format string, args ...interface{}) *Error {
	return &Error{Kind: KindValidation, Message: fmt.Sprintf(format, args...)}
}

// NewTransportError wraps a lower-level transport failure (dial, TLS, read).
func NewTransportError(err error) *Error {
	return &Error{Kind: KindTransport, Err: err}
}

// NewProtocolError reports a malformed or unexpected payload at a protocol
// boundary. Always non-fatal to the caller's loop.
func NewProtocolError(format string, args ...interface{}) *Error {
	return &Error{Kind: KindProtocol, Message: fmt.Sprintf(format, args...)}
}

// NewHTTPError wraps a REST response with status >= 400 other than 401,
// 403 and 429.
func NewHTTPError(status int, message string) *Error {
	return &Error{Kind: KindHTTP, Status: status, Message: message}
}

// NewRateLimitError records a 429 response's retry-after.
func NewRateLimitError(retryAfter time.Duration) *Error {
	return &Error{Kind: KindRateLimit, RetryAfter: retryAfter, Message: "rate limited"}
}

// NewPermissionError wraps a REST 403.
func NewPermissionError(message string) *Error {
	return &Error{Kind: KindPermission, Status: 403, Message: message}
}

// NewAuthenticationError wraps a REST 401 or a 4004 gateway close.
func NewAuthenticationError(message string) *Error {
	return &Error{Kind: KindAuthentication, Status: 401, Message: message}
}

// NewGatewayCloseError reports a non-resumable close after retries are
// exhausted.
func NewGatewayCloseError(code int, message string) *Error {
	return &Error{Kind: KindGatewayClose, Code: code, Message: message}
}

// NewShutdownError reports a submission made after shutdown.
func NewShutdownError() *Error {
	return &Error{Kind: KindShutdown, Message: "shut down"}
}

// AsCoreError is a convenience errors.As wrapper for call sites that want
// the structured fields without importing "errors" directly.
func AsCoreError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}
