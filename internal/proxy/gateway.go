// Package proxy is the gateway's ingress: it accepts Anthropic Messages
// requests and drives them through the pipeline stages — session coordinator,
// router, transformer, protocol validator, compatibility adapter, dispatch —
// and back up again, as JSON or as an Anthropic SSE stream.
//
// Key design constraints:
//   - Requests of one conversation are strictly serialized; the conversation
//     slot is released only after the final downstream event.
//   - A protocol leak aborts the request before any upstream call.
//   - Streams always end with a terminator, even on upstream failure.
package proxy

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/claude-router/internal/anthropic"
	"github.com/nulpointcorp/claude-router/internal/cache"
	"github.com/nulpointcorp/claude-router/internal/compat"
	"github.com/nulpointcorp/claude-router/internal/dispatch"
	"github.com/nulpointcorp/claude-router/internal/logger"
	"github.com/nulpointcorp/claude-router/internal/metrics"
	"github.com/nulpointcorp/claude-router/internal/protocol"
	"github.com/nulpointcorp/claude-router/internal/routing"
	"github.com/nulpointcorp/claude-router/internal/session"
	"github.com/nulpointcorp/claude-router/internal/transform"
	"github.com/nulpointcorp/claude-router/pkg/apierr"
)

const xCacheHIT, xCacheMISS = "HIT", "MISS"

// GatewayOptions holds optional tuning parameters for a Gateway. All fields
// have sensible defaults and can be omitted.
type GatewayOptions struct {
	// Logger is the structured logger for request events. Defaults to
	// slog.Default when nil.
	Logger *slog.Logger

	// Metrics enables Prometheus metrics collection. Nil disables metrics.
	Metrics *metrics.Registry

	// Samples is the classified-failure sink. Nil disables sampling.
	Samples *logger.Sink

	// Cache enables the non-streaming response cache. Nil disables it.
	Cache    cache.Store
	CacheTTL time.Duration

	// CachePolicy bypasses caching for matching routes or model names.
	CachePolicy *cache.Policy

	// TraceRequests logs full request/response metadata at DEBUG.
	TraceRequests bool
}

// Gateway is the ingress handler — all dependencies are injected via the
// constructor so they can be replaced with doubles in unit tests.
type Gateway struct {
	table      *routing.Table
	coord      *session.Coordinator
	dispatcher *dispatch.Dispatcher

	baseCtx context.Context
	log     *slog.Logger
	metrics *metrics.Registry
	samples *logger.Sink

	cache       cache.Store
	cacheTTL    time.Duration
	cachePolicy *cache.Policy

	corsOrigins   []string
	traceRequests bool
}

// NewGateway creates a fully wired Gateway.
func NewGateway(
	baseCtx context.Context,
	table *routing.Table,
	coord *session.Coordinator,
	dispatcher *dispatch.Dispatcher,
	opts GatewayOptions,
) *Gateway {
	if baseCtx == nil {
		panic("gateway: context must not be nil")
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	cacheTTL := opts.CacheTTL
	if cacheTTL <= 0 {
		cacheTTL = time.Hour
	}

	return &Gateway{
		table:         table,
		coord:         coord,
		dispatcher:    dispatcher,
		baseCtx:       baseCtx,
		log:           log,
		metrics:       opts.Metrics,
		samples:       opts.Samples,
		cache:         opts.Cache,
		cacheTTL:      cacheTTL,
		cachePolicy:   opts.CachePolicy,
		traceRequests: opts.TraceRequests,
	}
}

// SetCORSOrigins configures the allowed CORS origins for the gateway.
func (g *Gateway) SetCORSOrigins(origins []string) {
	g.corsOrigins = origins
}

// envelope is the runtime value threaded through the pipeline for one request.
type envelope struct {
	ticket    *session.Ticket
	route     string
	binding   *routing.Binding
	streaming bool
}

// dispatchMessages handles POST /v1/messages.
func (g *Gateway) dispatchMessages(ctx *fasthttp.RequestCtx) {
	start := time.Now()
	route := "unresolved"
	servedProvider := "unknown"
	cacheLabel := "bypass"

	if g.metrics != nil {
		g.metrics.IncInFlight()
	}
	finishMetrics := func(status int) {
		if g.metrics == nil {
			return
		}
		dur := time.Since(start)
		g.metrics.DecInFlight()
		g.metrics.ObserveHTTP("messages", status, dur)
		g.metrics.RecordRequest(servedProvider, status)
		g.metrics.ObserveGatewayRequest(servedProvider, route, cacheLabel, dur)
		g.metrics.SetSessionStats(statTriple(g.coord))
	}

	// 1. Structural validation of the Anthropic shape.
	req, err := anthropic.Decode(ctx.PostBody())
	if err != nil {
		apierr.WriteError(ctx, err)
		finishMetrics(ctx.Response.StatusCode())
		return
	}
	// 2. Conversation identity + sequencing through the coordinator.
	sessionID, conversationID := conversationIdentity(ctx)
	ticket, err := g.coord.Acquire(ctx, sessionID, conversationID)
	if err != nil {
		apierr.WriteError(ctx, err)
		finishMetrics(ctx.Response.StatusCode())
		return
	}

	// The slot is released exactly once, after the final downstream event.
	var releaseOnce sync.Once
	release := func() { releaseOnce.Do(func() { g.coord.Release(ticket) }) }

	fail := func(err error) {
		apierr.WriteError(ctx, err)
		release()
		finishMetrics(ctx.Response.StatusCode())
	}

	// 3. Route resolution: explicit metadata route → exact match → prefix
	// rule → default. Never a silent fallback for an explicit route.
	explicit := ""
	if req.Metadata != nil {
		explicit = req.Metadata.VirtualRoute
	}
	route, err = g.table.Resolve(req.Model, explicit)
	if err != nil {
		route = "unresolved"
		fail(err)
		return
	}

	// 4. Binding selection.
	binding, err := g.table.Select(route)
	if err != nil {
		fail(err)
		return
	}
	servedProvider = binding.Provider

	env := &envelope{ticket: ticket, route: route, binding: binding, streaming: req.Stream}

	g.log.InfoContext(ctx, "request",
		slog.String("request_id", ticket.RequestID),
		slog.String("model", req.Model),
		slog.String("route", route),
		slog.String("provider", binding.Provider),
		slog.String("target_model", binding.Model),
		slog.Bool("stream", req.Stream),
	)

	// 5. Cache lookup — non-streaming only; the policy can bypass whole
	// routes or individual model names.
	cacheEligible := !req.Stream && g.cache != nil &&
		!g.cachePolicy.Bypass(route, req.Model)
	var cacheKey cache.Key
	if g.metrics != nil && !cacheEligible {
		g.metrics.CacheGetBypass()
	}
	if cacheEligible {
		cacheKey = cache.NewKey(route, binding.Provider, binding.Model, req.Raw())
		if body, ok := g.cache.Fetch(ctx, cacheKey); ok {
			cacheLabel = "hit"
			if g.metrics != nil {
				g.metrics.CacheGetHit()
			}
			ctx.Response.Header.Set("X-Cache", xCacheHIT)
			ctx.SetContentType("application/json")
			ctx.SetStatusCode(fasthttp.StatusOK)
			ctx.SetBody(body)
			release()
			finishMetrics(fasthttp.StatusOK)
			return
		}
		cacheLabel = "miss"
		if g.metrics != nil {
			g.metrics.CacheGetMiss()
		}
	}

	// 6. Transform descent.
	tr, err := transform.ForDialect(binding.Dialect)
	if err != nil {
		fail(err)
		return
	}
	payload, err := tr.EncodeRequest(req, binding.Model)
	if err != nil {
		fail(&apierr.ValidationError{Reason: err.Error()})
		return
	}

	// 7. Protocol enforcement — a leak aborts before any upstream call.
	if err := protocol.ValidateDescent(payload, binding); err != nil {
		var leak *apierr.ProtocolLeakError
		if errors.As(err, &leak) && g.metrics != nil {
			g.metrics.RecordProtocolLeak(leak.Dialect)
		}
		g.log.ErrorContext(ctx, "protocol_leak",
			slog.String("request_id", ticket.RequestID),
			slog.String("provider", binding.Provider),
			slog.String("error", err.Error()),
		)
		fail(err)
		return
	}

	// 8. Server-compatibility quirks.
	adapter, err := compat.ForTag(binding.Stages.CompatAdapter)
	if err != nil {
		fail(err)
		return
	}
	if err := adapter.AdaptRequest(payload, binding); err != nil {
		fail(err)
		return
	}

	// 9. Dispatch with the per-binding overall deadline.
	dispatchCtx, cancel := context.WithTimeout(ctx, binding.Timeout)

	result, err := g.dispatcher.Dispatch(dispatchCtx, binding, payload, req.Stream, ticket.RequestID)
	if err != nil {
		cancel()
		g.logFailure(ctx, env, err, time.Since(start))
		fail(err)
		return
	}

	// 10a. Streaming ascent.
	if req.Stream && result.Stream != nil {
		g.writeSSE(ctx, env, result.Stream, func(status int) {
			cancel()
			release()
			finishMetrics(status)
		})
		return
	}
	defer cancel()

	// 10b. Non-streaming ascent: validate → adapt → transform → respond.
	if err := protocol.ValidateAscent(result.Upstream, binding); err != nil {
		fail(err)
		return
	}
	if err := adapter.AdaptResponse(result.Upstream, binding); err != nil {
		fail(err)
		return
	}
	resp, err := tr.DecodeResponse(result.Upstream, ticket.RequestID, binding.Model)
	if err != nil {
		fail(err)
		return
	}

	body, err := json.Marshal(resp)
	if err != nil {
		fail(&apierr.UpstreamServerError{Provider: binding.Provider, Message: "failed to serialize response"})
		return
	}

	// 11. Populate cache for future identical requests. Save applies the
	// cacheability rules itself (partial or unfinished responses never
	// enter).
	if cacheEligible {
		if err := g.cache.Save(ctx, cacheKey, resp, body, g.cacheTTL); err != nil {
			if g.metrics != nil {
				g.metrics.CacheSetError()
			}
		} else if g.metrics != nil {
			g.metrics.CacheSetOK()
		}
	}

	if g.metrics != nil {
		g.metrics.AddTokens(binding.Provider, route, resp.Usage.InputTokens, resp.Usage.OutputTokens)
	}
	if g.traceRequests {
		g.log.DebugContext(ctx, "response_ok",
			slog.String("request_id", ticket.RequestID),
			slog.String("provider", binding.Provider),
			slog.String("stop_reason", resp.StopReason),
			slog.Int("input_tokens", resp.Usage.InputTokens),
			slog.Int("output_tokens", resp.Usage.OutputTokens),
			slog.Duration("elapsed", time.Since(start)),
		)
	}

	ctx.Response.Header.Set("X-Cache", xCacheMISS)
	ctx.SetStatusCode(fasthttp.StatusOK)
	ctx.SetContentType("application/json")
	ctx.SetBody(body)
	release()
	finishMetrics(fasthttp.StatusOK)
}

// writeSSE streams the upstream chunk sequence as Anthropic SSE events. The
// conversation slot is released — via done — only after the terminal event
// has been written, which is what makes same-conversation ordering hold for
// streams.
func (g *Gateway) writeSSE(ctx *fasthttp.RequestCtx, env *envelope, chunks <-chan transform.StreamChunk, done func(status int)) {
	ctx.SetContentType("text/event-stream")
	ctx.Response.Header.Set("Cache-Control", "no-cache")
	ctx.Response.Header.Set("Connection", "keep-alive")
	ctx.SetStatusCode(fasthttp.StatusOK)

	requestID := env.ticket.RequestID
	model := env.binding.Model

	var doneOnce sync.Once
	finish := func(status int) { doneOnce.Do(func() { done(status) }) }

	ctx.SetBodyStreamWriter(func(w *bufio.Writer) {
		defer func() { recover() }() //nolint:errcheck // panic recovery in stream writer
		defer finish(fasthttp.StatusOK)

		emitter := transform.NewEmitter(requestID, model, func(frame []byte) error {
			if _, err := w.Write(frame); err != nil {
				return err
			}
			return w.Flush()
		})

		var usage anthropic.Usage
		for chunk := range chunks {
			if chunk.Usage != nil {
				usage = *chunk.Usage
			}
			if err := emitter.Emit(chunk); err != nil {
				// Client went away: cancel the upstream first so the chunk
				// channel closes, drain it, then close any open blocks.
				finish(499)
				for range chunks {
				}
				_ = emitter.Finish(&apierr.CancelledError{RequestID: requestID})
				return
			}
		}
		if err := emitter.Finish(nil); err != nil {
			return
		}

		if g.metrics != nil {
			g.metrics.AddTokens(env.binding.Provider, env.route, usage.InputTokens, usage.OutputTokens)
		}
		if g.traceRequests {
			g.log.DebugContext(g.baseCtx, "stream_complete",
				slog.String("request_id", requestID),
				slog.String("provider", env.binding.Provider),
				slog.Int("output_tokens", usage.OutputTokens),
			)
		}
	})
}

// logFailure logs and samples a classified dispatch failure with the full
// request chain.
func (g *Gateway) logFailure(ctx *fasthttp.RequestCtx, env *envelope, err error, elapsed time.Duration) {
	g.log.ErrorContext(ctx, "dispatch_failed",
		slog.String("request_id", env.ticket.RequestID),
		slog.String("route", env.route),
		slog.String("provider", env.binding.Provider),
		slog.String("error", err.Error()),
		slog.Duration("elapsed", elapsed),
	)
	if g.samples != nil {
		status := 0
		var sc apierr.StatusCoder
		if errors.As(err, &sc) {
			status = sc.HTTPStatus()
		}
		g.samples.Record(logger.ErrorSample{
			RequestID:      env.ticket.RequestID,
			Provider:       env.binding.Provider,
			Route:          env.route,
			UpstreamStatus: status,
			Class:          apierr.WireType(err),
			Error:          err.Error(),
		})
	}
}

// conversationIdentity extracts the session and conversation ids from the
// recognized headers; a request with none gets a fresh identity.
func conversationIdentity(ctx *fasthttp.RequestCtx) (sessionID, conversationID string) {
	conversationID = string(ctx.Request.Header.Peek("x-conversation-id"))
	if conversationID == "" {
		conversationID = string(ctx.Request.Header.Peek("claude-conversation-id"))
	}
	sessionID = string(ctx.Request.Header.Peek("x-session-id"))

	switch {
	case sessionID == "" && conversationID == "":
		sessionID = uuid.New().String()
		conversationID = "main"
	case sessionID == "":
		sessionID = conversationID
	case conversationID == "":
		conversationID = "main"
	}
	return sessionID, conversationID
}

func statTriple(coord *session.Coordinator) (int, int, int) {
	s := coord.Snapshot()
	return s.Sessions, s.Conversations, s.Waiting
}
