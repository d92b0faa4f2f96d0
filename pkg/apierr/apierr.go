// Package apierr defines the gateway's error taxonomy and HTTP status mapping,
// written to the wire in the Anthropic error envelope.
package apierr

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/valyala/fasthttp"
)

// Wire error type constants (Anthropic error envelope "type" field).
const (
	TypeInvalidRequest = "invalid_request_error"
	TypeNotFound       = "not_found_error"
	TypeRateLimit      = "rate_limit_error"
	TypeAPIError       = "api_error"
	TypeOverloaded     = "overloaded_error"
	TypeTimeout        = "timeout_error"
)

// StatusCoder is implemented by every gateway error that maps to an HTTP status.
type StatusCoder interface {
	HTTPStatus() int
}

// ── Taxonomy ─────────────────────────────────────────────────────────────────
//
// Each error class is a distinct type so callers can branch with errors.As.
// None of them are ever collapsed into a generic "provider error".

// ValidationError — the incoming request body is structurally malformed.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "invalid request: " + e.Reason
	}
	return fmt.Sprintf("invalid request: field %q: %s", e.Field, e.Reason)
}

func (e *ValidationError) HTTPStatus() int { return fasthttp.StatusBadRequest }

// RoutingError — no route binding matches the requested virtual route.
type RoutingError struct {
	Route string
}

func (e *RoutingError) Error() string {
	return fmt.Sprintf("no binding for route %q", e.Route)
}

func (e *RoutingError) HTTPStatus() int { return fasthttp.StatusNotFound }

// ConfigError — startup-only configuration failure. The process exits; this
// error never reaches a client.
type ConfigError struct {
	Reason string
}

func (e *ConfigError) Error() string { return "config: " + e.Reason }

// ProtocolLeakError — a payload crossed a dialect boundary carrying fields
// from the opposing dialect. Always a bug in a transformer or adapter.
type ProtocolLeakError struct {
	Dialect string
	Keys    []string
}

func (e *ProtocolLeakError) Error() string {
	return fmt.Sprintf("protocol leak into %s payload: fields %v", e.Dialect, e.Keys)
}

func (e *ProtocolLeakError) HTTPStatus() int { return fasthttp.StatusInternalServerError }

// NoAvailableProviderError — every binding on the route has an exhausted pool.
type NoAvailableProviderError struct {
	Route string
}

func (e *NoAvailableProviderError) Error() string {
	return fmt.Sprintf("route %q: all provider bindings exhausted", e.Route)
}

func (e *NoAvailableProviderError) HTTPStatus() int { return fasthttp.StatusServiceUnavailable }

// NoAvailableCredentialError — the selected binding's pool has no selectable key.
type NoAvailableCredentialError struct {
	Provider string
}

func (e *NoAvailableCredentialError) Error() string {
	return fmt.Sprintf("provider %q: no available credential", e.Provider)
}

func (e *NoAvailableCredentialError) HTTPStatus() int { return fasthttp.StatusServiceUnavailable }

// UpstreamTransientError — retryable upstream failure (5xx, transport, 429)
// that survived the retry budget.
type UpstreamTransientError struct {
	Provider string
	Status   int
	Attempts int
	Err      error
}

func (e *UpstreamTransientError) Error() string {
	return fmt.Sprintf("upstream %s: transient failure after %d attempt(s): %v",
		e.Provider, e.Attempts, e.Err)
}

func (e *UpstreamTransientError) Unwrap() error   { return e.Err }
func (e *UpstreamTransientError) HTTPStatus() int { return fasthttp.StatusBadGateway }

// UpstreamClientError — 4xx from upstream, surfaced without retry.
type UpstreamClientError struct {
	Provider string
	Status   int
	Message  string
}

func (e *UpstreamClientError) Error() string {
	return fmt.Sprintf("upstream %s: %s (status=%d)", e.Provider, e.Message, e.Status)
}

func (e *UpstreamClientError) HTTPStatus() int {
	if e.Status >= 400 && e.Status < 500 {
		return e.Status
	}
	return fasthttp.StatusBadGateway
}

// UpstreamServerError — 5xx from upstream past the retry budget.
type UpstreamServerError struct {
	Provider string
	Status   int
	Message  string
}

func (e *UpstreamServerError) Error() string {
	return fmt.Sprintf("upstream %s: %s (status=%d)", e.Provider, e.Message, e.Status)
}

func (e *UpstreamServerError) HTTPStatus() int { return fasthttp.StatusBadGateway }

// CancelledError — the caller dropped the connection or cancelled the request.
type CancelledError struct {
	RequestID string
}

func (e *CancelledError) Error() string { return "request cancelled: " + e.RequestID }

// HTTPStatus returns 499 (client closed request, nginx convention).
func (e *CancelledError) HTTPStatus() int { return 499 }

// TimeoutError — the per-binding overall deadline fired.
type TimeoutError struct {
	Provider string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("upstream %s: request deadline exceeded", e.Provider)
}

func (e *TimeoutError) HTTPStatus() int { return fasthttp.StatusGatewayTimeout }

// ── Wire envelope ────────────────────────────────────────────────────────────

type (
	// APIError is the inner error object of the Anthropic error envelope.
	APIError struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	}
	envelope struct {
		Type  string   `json:"type"`
		Error APIError `json:"error"`
	}
)

// Write writes an Anthropic-format error envelope with the given HTTP status.
func Write(ctx *fasthttp.RequestCtx, status int, errType, message string) {
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	body, _ := json.Marshal(envelope{
		Type:  "error",
		Error: APIError{Type: errType, Message: message},
	})
	ctx.SetBody(body)
}

// WriteError maps a gateway error onto the wire. Unknown errors become a 502.
func WriteError(ctx *fasthttp.RequestCtx, err error) {
	status := fasthttp.StatusBadGateway
	var sc StatusCoder
	if errors.As(err, &sc) {
		status = sc.HTTPStatus()
	}
	Write(ctx, status, WireType(err), err.Error())
}

// WireType returns the envelope "type" string for a taxonomy error.
func WireType(err error) string {
	var (
		ve  *ValidationError
		re  *RoutingError
		ple *ProtocolLeakError
		np  *NoAvailableProviderError
		nc  *NoAvailableCredentialError
		uc  *UpstreamClientError
		te  *TimeoutError
	)
	switch {
	case errors.As(err, &ve):
		return TypeInvalidRequest
	case errors.As(err, &re):
		return TypeNotFound
	case errors.As(err, &ple):
		return TypeAPIError
	case errors.As(err, &np), errors.As(err, &nc):
		return TypeOverloaded
	case errors.As(err, &uc):
		if uc.Status == fasthttp.StatusTooManyRequests {
			return TypeRateLimit
		}
		return TypeInvalidRequest
	case errors.As(err, &te):
		return TypeTimeout
	default:
		return TypeAPIError
	}
}

// SSEFrame renders the error as a single terminal SSE error event so that an
// aborted stream is never truncated silently.
func SSEFrame(err error) []byte {
	body, _ := json.Marshal(envelope{
		Type:  "error",
		Error: APIError{Type: WireType(err), Message: err.Error()},
	})
	return []byte("event: error\ndata: " + string(body) + "\n\n")
}
