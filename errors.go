// Package discordcore is the concurrent core of a Discord bot client: a
// gateway session engine, a REST request pipeline, and the event dispatcher
// that sits between them and user code. See SPEC_FULL.md for the component
// breakdown; this file re-exports the error taxonomy shared by every
// component. The taxonomy itself lives in discordcore/errs, a leaf package
// with no dependency on this package, so that components (cache, rest,
// gateway, config, shard) can report structured errors without an import
// cycle back through the Client-assembling root package.
package discordcore

import "discordcore/errs"

type Kind = errs.Kind

const (
	KindTransport      = errs.KindTransport
	KindProtocol       = errs.KindProtocol
	KindAuthentication = errs.KindAuthentication
	KindRateLimit      = errs.KindRateLimit
	KindValidation     = errs.KindValidation
	KindPermission     = errs.KindPermission
	KindHTTP           = errs.KindHTTP
	KindGatewayClose   = errs.KindGatewayClose
	KindShutdown       = errs.KindShutdown
)

// Error is the concrete error value every component returns. Status and
// Message are populated for REST-origin errors; RetryAfter for
// KindRateLimit; Code for gateway close errors.
type Error = errs.Error

// Sentinels usable with errors.Is for the common, fieldless cases.
var (
	ErrShutdown      = errs.ErrShutdown
	ErrAuthFailed    = errs.ErrAuthFailed
	ErrValidation    = errs.ErrValidation
	ErrGatewayClosed = errs.ErrGatewayClosed
)

// NewValidationError builds a KindValidation error, for invalid inputs
// rejected immediately at construction or call time.
var NewValidationError = errs.NewValidationError

// NewTransportError wraps a lower-level transport failure (dial, TLS, read).
var NewTransportError = errs.NewTransportError

// NewProtocolError reports a malformed or unexpected payload at a protocol
// boundary. Always non-fatal to the caller's loop.
var NewProtocolError = errs.NewProtocolError

// NewHTTPError wraps a REST response with status >= 400 other than 401,
// 403 and 429.
var NewHTTPError = errs.NewHTTPError

// NewRateLimitError records a 429 response's retry-after.
var NewRateLimitError = errs.NewRateLimitError

// NewPermissionError wraps a REST 403.
var NewPermissionError = errs.NewPermissionError

// NewAuthenticationError wraps a REST 401 or a 4004 gateway close.
var NewAuthenticationError = errs.NewAuthenticationError

// NewGatewayCloseError reports a non-resumable close after retries are
// exhausted.
var NewGatewayCloseError = errs.NewGatewayCloseError

// NewShutdownError reports a submission made after shutdown.
var NewShutdownError = errs.NewShutdownError

// AsCoreError is a convenience errors.As wrapper for call sites that want
// the structured fields without importing "errors" directly.
var AsCoreError = errs.AsCoreError
