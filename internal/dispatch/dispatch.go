// Package dispatch opens upstream connections for pipeline bindings. It owns
// credential selection, retry policy, outcome classification, and the backoff
// schedule; it is the only pipeline stage that retries.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/nulpointcorp/claude-router/internal/routing"
	"github.com/nulpointcorp/claude-router/internal/transform"
	"github.com/nulpointcorp/claude-router/pkg/apierr"
)

// Class is the terminal-outcome classification of one upstream attempt.
type Class int

const (
	ClassSuccess     Class = iota
	ClassAuth              // 401 / 403 — credential exhausted
	ClassRateLimited       // 429 — credential cooldown
	ClassServer            // 5xx — transient, no credential state change
	ClassTransport         // connection refused / DNS / timeout
	ClassClient            // other 4xx — surface immediately
	ClassPartial           // stream aborted mid-response
)

func (c Class) String() string {
	switch c {
	case ClassSuccess:
		return "success"
	case ClassAuth:
		return "auth"
	case ClassRateLimited:
		return "rate_limited"
	case ClassServer:
		return "server"
	case ClassTransport:
		return "transport"
	case ClassClient:
		return "client"
	case ClassPartial:
		return "partial"
	}
	return "unknown"
}

// Result is the outcome of a successful dispatch: either a complete upstream
// response or a live chunk stream, never both.
type Result struct {
	Upstream *transform.Upstream
	Stream   <-chan transform.StreamChunk
}

// Client is one dialect's upstream connector.
type Client interface {
	Dialect() routing.Dialect
	Do(ctx context.Context, p *transform.Payload, apiKey string, stream bool, b *routing.Binding) (*Result, error)
}

// upstreamError is the classified HTTP failure returned by dialect clients.
type upstreamError struct {
	Provider string
	Status   int
	Message  string
}

func (e *upstreamError) Error() string {
	return fmt.Sprintf("%s: %s (status=%d)", e.Provider, e.Message, e.Status)
}

func (e *upstreamError) HTTPStatus() int { return e.Status }

// Backoff schedule: exponential with separate multipliers for transport
// failures (fast networks recover quickly) and everything else.
const (
	backoffBase          = 200 * time.Millisecond
	backoffMultTransport = 1.5
	backoffMultDefault   = 2.0
	backoffMax           = 5 * time.Second
)

// Dispatcher routes payloads to dialect clients with credential rotation.
type Dispatcher struct {
	clients map[routing.Dialect]Client
	log     *slog.Logger

	// OnAttempt, when set, observes every upstream attempt (metrics hook).
	OnAttempt func(provider, class string, dur time.Duration)

	// OnFailure, when set, receives classified failures (error-sample sink).
	OnFailure func(requestID, provider string, attempt int, status int, class string, err error)
}

// New creates a dispatcher over the given dialect clients.
func New(clients []Client, log *slog.Logger) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	m := make(map[routing.Dialect]Client, len(clients))
	for _, c := range clients {
		m[c.Dialect()] = c
	}
	return &Dispatcher{clients: m, log: log}
}

// Dispatch runs the attempt loop for one binding:
//
//   - at most b.MaxRetries+1 attempts over the whole request;
//   - at most maxRetriesPerKey attempts on any single credential;
//   - credential state transitions per classification (auth → exhausted,
//     429 → cooldown, 5xx/transport → no change);
//   - other 4xx surface immediately without retry;
//   - exhausted budget fails with the last classified error — never a
//     fabricated success.
func (d *Dispatcher) Dispatch(ctx context.Context, b *routing.Binding, p *transform.Payload, stream bool, requestID string) (*Result, error) {
	client, ok := d.clients[b.Dialect]
	if !ok {
		return nil, fmt.Errorf("dispatch: no client for dialect %q", b.Dialect)
	}

	maxAttempts := b.MaxRetries + 1
	perKey := make(map[string]int)

	var lastErr error
	var lastClass Class

	for attempt := 0; attempt < maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, ctxError(err, b, requestID)
		}

		lease, err := d.acquireWithBudget(b.Pool, perKey)
		if err != nil {
			if lastErr != nil {
				break // report the classified failure, not the empty pool
			}
			return nil, err
		}
		perKey[lease.Key]++

		start := time.Now()
		res, err := client.Do(ctx, p, lease.Key, stream, b)
		dur := time.Since(start)

		class := Classify(err)
		if d.OnAttempt != nil {
			d.OnAttempt(b.Provider, class.String(), dur)
		}

		if err == nil {
			b.Pool.MarkSuccess(lease)
			return res, nil
		}

		status := 0
		var ue *upstreamError
		if errors.As(err, &ue) {
			status = ue.Status
		}
		if d.OnFailure != nil {
			d.OnFailure(requestID, b.Provider, attempt+1, status, class.String(), err)
		}
		d.log.WarnContext(ctx, "upstream_attempt_failed",
			slog.String("request_id", requestID),
			slog.String("provider", b.Provider),
			slog.Int("attempt", attempt+1),
			slog.Int("status", status),
			slog.String("class", class.String()),
			slog.String("error", err.Error()),
		)

		lastErr, lastClass = err, class

		switch class {
		case ClassAuth:
			b.Pool.MarkExhausted(lease)
		case ClassRateLimited:
			b.Pool.MarkRateLimited(lease)
		case ClassServer, ClassTransport:
			// transient — no credential state change
		case ClassClient:
			return nil, &apierr.UpstreamClientError{
				Provider: b.Provider, Status: status, Message: ue.Message,
			}
		case ClassPartial:
			// Mid-stream aborts are not retried: replaying risks duplicated
			// output. The emitter surfaces what arrived plus an error frame.
			return nil, err
		}

		if attempt+1 < maxAttempts {
			if err := sleepBackoff(ctx, attempt, class); err != nil {
				return nil, ctxError(err, b, requestID)
			}
		}
	}

	return nil, d.exhausted(b, lastErr, lastClass, maxAttempts)
}

// acquireWithBudget selects a credential that still has per-key attempts
// left, cycling through the pool at most once.
func (d *Dispatcher) acquireWithBudget(pool *routing.CredentialPool, perKey map[string]int) (routing.Lease, error) {
	for i := 0; i < pool.Size(); i++ {
		lease, err := pool.Acquire()
		if err != nil {
			return routing.Lease{}, err
		}
		if perKey[lease.Key] < pool.MaxRetriesPerKey() {
			return lease, nil
		}
	}
	return routing.Lease{}, &apierr.NoAvailableCredentialError{Provider: pool.Provider()}
}

func (d *Dispatcher) exhausted(b *routing.Binding, lastErr error, class Class, attempts int) error {
	if lastErr == nil {
		return &apierr.NoAvailableCredentialError{Provider: b.Provider}
	}
	status := 0
	var ue *upstreamError
	if errors.As(lastErr, &ue) {
		status = ue.Status
	}
	switch class {
	case ClassServer:
		return &apierr.UpstreamServerError{Provider: b.Provider, Status: status, Message: lastErr.Error()}
	default:
		return &apierr.UpstreamTransientError{
			Provider: b.Provider, Status: status, Attempts: attempts, Err: lastErr,
		}
	}
}

// Classify maps an attempt error onto the outcome table.
func Classify(err error) Class {
	if err == nil {
		return ClassSuccess
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ClassTransport
	}
	var ue *upstreamError
	if errors.As(err, &ue) {
		switch {
		case ue.Status == 401 || ue.Status == 403:
			return ClassAuth
		case ue.Status == 429:
			return ClassRateLimited
		case ue.Status >= 500:
			return ClassServer
		case ue.Status >= 400:
			return ClassClient
		}
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return ClassTransport
	}
	var pe *partialStreamError
	if errors.As(err, &pe) {
		return ClassPartial
	}
	return ClassTransport
}

// partialStreamError marks a stream that aborted after bytes were delivered.
type partialStreamError struct {
	Provider string
	Err      error
}

func (e *partialStreamError) Error() string {
	return fmt.Sprintf("%s: stream aborted mid-response: %v", e.Provider, e.Err)
}

func (e *partialStreamError) Unwrap() error { return e.Err }

// sleepBackoff waits the exponential delay for the next attempt; cancelling
// the context aborts the pending attempt immediately.
func sleepBackoff(ctx context.Context, attempt int, class Class) error {
	mult := backoffMultDefault
	if class == ClassTransport {
		mult = backoffMultTransport
	}
	delay := backoffBase
	for i := 0; i < attempt; i++ {
		delay = time.Duration(float64(delay) * mult)
	}
	if delay > backoffMax {
		delay = backoffMax
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func ctxError(err error, b *routing.Binding, requestID string) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return &apierr.TimeoutError{Provider: b.Provider}
	}
	return &apierr.CancelledError{RequestID: requestID}
}
