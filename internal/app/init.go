package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	crCache "github.com/nulpointcorp/claude-router/internal/cache"
	"github.com/nulpointcorp/claude-router/internal/dispatch"
	"github.com/nulpointcorp/claude-router/internal/logger"
	"github.com/nulpointcorp/claude-router/internal/metrics"
	"github.com/nulpointcorp/claude-router/internal/proxy"
	"github.com/nulpointcorp/claude-router/internal/routing"
	"github.com/nulpointcorp/claude-router/internal/session"
)

// attemptTimeout is the per-attempt HTTP budget of the dialect clients; the
// per-binding overall timeout (incl. retries) is enforced by the gateway.
const attemptTimeout = 30 * time.Second

// initInfra establishes optional external connections.
// Redis is only required when cache.mode=redis.
func (a *App) initInfra(ctx context.Context) error {
	if a.cfg.Cache.Mode == "redis" {
		a.log.Info("connecting to redis", slog.String("url", redactURL(a.cfg.Redis.URL)))

		rdb, err := connectRedis(ctx, a.cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		a.rdb = rdb
		a.log.Info("redis connected")
	}

	return nil
}

// initRouting runs the route preprocessor: the immutable routing table with
// materialized bindings and credential pools. Any config violation fails
// startup here — no partial tables.
func (a *App) initRouting(_ context.Context) error {
	table, err := routing.Materialize(a.cfg)
	if err != nil {
		return err
	}
	a.table = table

	a.log.Info("routing table materialized",
		slog.Any("routes", table.Routes()),
	)
	return nil
}

// initServices creates the session coordinator, cache backend, metrics
// registry, and the error-sample sink.
func (a *App) initServices(ctx context.Context) error {
	a.coord = session.NewCoordinator(ctx, a.cfg.Session, a.log)

	switch a.cfg.Cache.Mode {
	case "redis":
		a.redisCache = crCache.NewRedisStoreFromClient(a.rdb)
		a.log.Info("cache backend: redis")
	case "memory":
		a.log.Info("cache backend: memory (in-process)")
	case "none":
		a.log.Info("cache backend: disabled")
	default:
		return fmt.Errorf("unknown cache mode: %s", a.cfg.Cache.Mode)
	}

	a.prom = metrics.New()
	a.prom.SetBuildInfo(a.version)

	if a.cfg.Debug.Enabled {
		sink, err := logger.New(ctx, a.cfg.Debug.LogDir, a.log)
		if err != nil {
			return fmt.Errorf("error-sample sink: %w", err)
		}
		a.samples = sink
		a.log.Info("error-sample sink enabled", slog.String("dir", a.cfg.Debug.LogDir))
	}

	return nil
}

// initGateway wires the dispatch clients and the ingress together.
func (a *App) initGateway(_ context.Context) error {
	dispatcher := dispatch.New([]dispatch.Client{
		dispatch.NewOpenAIClient(attemptTimeout),
		dispatch.NewGeminiClient(attemptTimeout),
		dispatch.NewCodeWhispererClient(attemptTimeout),
		dispatch.NewAnthropicClient(attemptTimeout),
	}, a.log)

	dispatcher.OnAttempt = func(provider, class string, dur time.Duration) {
		a.prom.ObserveUpstreamAttempt(provider, class, dur)
	}
	if a.samples != nil {
		sink := a.samples
		dispatcher.OnFailure = func(requestID, provider string, attempt, status int, class string, err error) {
			sink.Record(logger.ErrorSample{
				RequestID:      requestID,
				Provider:       provider,
				Attempt:        attempt,
				UpstreamStatus: status,
				Class:          class,
				Error:          err.Error(),
			})
		}
	}

	// ── Determine cache implementation ────────────────────────────────────────
	var cacheImpl crCache.Store
	switch a.cfg.Cache.Mode {
	case "redis":
		cacheImpl = a.redisCache
	case "memory":
		cacheImpl = crCache.NewMemoryStore(a.cfg.Cache.MaxEntries)
	case "none":
		// nil cache — gateway handles nil gracefully (no caching)
	}

	var policy *crCache.Policy
	if len(a.cfg.Cache.ExcludeRoutes) > 0 || len(a.cfg.Cache.ExcludeExact) > 0 || len(a.cfg.Cache.ExcludePatterns) > 0 {
		pol, err := crCache.NewPolicy(a.cfg.Cache.ExcludeRoutes, a.cfg.Cache.ExcludeExact, a.cfg.Cache.ExcludePatterns)
		if err != nil {
			return fmt.Errorf("cache policy: %w", err)
		}
		policy = pol
		a.log.Info("cache bypass rules loaded", slog.Int("rules", pol.Len()))
	}

	gw := proxy.NewGateway(a.baseCtx, a.table, a.coord, dispatcher, proxy.GatewayOptions{
		Logger:        a.log,
		Metrics:       a.prom,
		Samples:       a.samples,
		Cache:         cacheImpl,
		CacheTTL:      a.cfg.Cache.TTL,
		CachePolicy:   policy,
		TraceRequests: a.cfg.Debug.TraceRequests,
	})

	a.mgmt = &proxy.ManagementRoutes{
		Metrics: a.prom.Handler(),
	}

	a.gw = gw
	return nil
}
