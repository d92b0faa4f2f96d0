// Package metrics provides a Prometheus metrics registry for the gateway.
//
// All metrics are scoped to a private registry (not the global default) so
// they don't interfere with host-level metrics when embedded in other
// applications. The /metrics HTTP handler is exposed via Handler().
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
)

// Registry holds all exported metrics.
type Registry struct {
	reg *prometheus.Registry

	// gateway_inflight_requests
	inFlight prometheus.Gauge

	// gateway_http_requests_total{route,status}
	httpRequestsTotal *prometheus.CounterVec

	// gateway_http_request_duration_seconds{route}
	httpDuration *prometheus.HistogramVec

	// gateway_requests_total{provider,status}
	requestsTotal *prometheus.CounterVec

	// gateway_request_duration_seconds{provider,route,cache}
	requestDuration *prometheus.HistogramVec

	// gateway_upstream_attempts_total{provider,outcome}
	upstreamAttempts *prometheus.CounterVec

	// gateway_upstream_attempt_duration_seconds{provider,outcome}
	upstreamDuration *prometheus.HistogramVec

	// gateway_credential_state{provider,state}
	credentialState *prometheus.GaugeVec

	// gateway_sessions / gateway_conversations / gateway_conversation_waiters
	sessions            prometheus.Gauge
	conversations       prometheus.Gauge
	conversationWaiters prometheus.Gauge

	// gateway_cache_operations_total{op,result}
	cacheOps *prometheus.CounterVec

	// gateway_protocol_leaks_total{dialect}
	protocolLeaks *prometheus.CounterVec

	// gateway_tokens_total{provider,route,direction}
	tokensTotal *prometheus.CounterVec

	// gateway_build_info{version}
	buildInfo *prometheus.GaugeVec

	metricsHandler fasthttp.RequestHandler
}

func New() *Registry {
	reg := prometheus.NewRegistry()

	// Baseline runtime metrics even with a private registry.
	reg.MustRegister(prometheus.NewGoCollector())
	reg.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	r := &Registry{
		reg: reg,

		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_inflight_requests",
			Help: "Current number of in-flight requests handled by the gateway",
		}),

		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_http_requests_total",
				Help: "Total number of HTTP requests handled by the gateway",
			},
			[]string{"route", "status"},
		),

		httpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds (end-to-end, includes queueing + upstream)",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30, 60},
			},
			[]string{"route"},
		),

		requestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_requests_total",
				Help: "Total number of routed requests",
			},
			[]string{"provider", "status"},
		),

		requestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_request_duration_seconds",
				Help:    "End-to-end request duration (gateway perspective) in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30, 60},
			},
			[]string{"provider", "route", "cache"},
		),

		upstreamAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_upstream_attempts_total",
				Help: "Total upstream attempts by classified outcome (includes retries)",
			},
			[]string{"provider", "outcome"},
		),

		upstreamDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_upstream_attempt_duration_seconds",
				Help:    "Upstream attempt duration in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30, 60},
			},
			[]string{"provider", "outcome"},
		),

		credentialState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "gateway_credential_state",
				Help: "Number of pool credentials per state (healthy/cooling_down/exhausted)",
			},
			[]string{"provider", "state"},
		),

		sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_sessions",
			Help: "Live sessions tracked by the coordinator",
		}),

		conversations: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_conversations",
			Help: "Live conversations tracked by the coordinator",
		}),

		conversationWaiters: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_conversation_waiters",
			Help: "Requests currently queued behind their conversation slot",
		}),

		cacheOps: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_cache_operations_total",
				Help: "Cache operations by type and result",
			},
			[]string{"op", "result"},
		),

		protocolLeaks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_protocol_leaks_total",
				Help: "Payloads rejected by the protocol validator (always a bug)",
			},
			[]string{"dialect"},
		),

		tokensTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_tokens_total",
				Help: "Token usage totals derived from upstream usage fields",
			},
			[]string{"provider", "route", "direction"},
		),

		buildInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "gateway_build_info",
				Help: "Build information",
			},
			[]string{"version"},
		),
	}

	reg.MustRegister(
		r.inFlight,
		r.httpRequestsTotal,
		r.httpDuration,
		r.requestsTotal,
		r.requestDuration,
		r.upstreamAttempts,
		r.upstreamDuration,
		r.credentialState,
		r.sessions,
		r.conversations,
		r.conversationWaiters,
		r.cacheOps,
		r.protocolLeaks,
		r.tokensTotal,
		r.buildInfo,
	)

	h := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	r.metricsHandler = fasthttpadaptor.NewFastHTTPHandler(h)

	return r
}

func (r *Registry) IncInFlight() { r.inFlight.Inc() }
func (r *Registry) DecInFlight() { r.inFlight.Dec() }

// ObserveHTTP records end-to-end HTTP metrics for one ingress request.
func (r *Registry) ObserveHTTP(route string, statusCode int, dur time.Duration) {
	status := strconv.Itoa(statusCode)
	r.httpRequestsTotal.WithLabelValues(route, status).Inc()
	r.httpDuration.WithLabelValues(route).Observe(dur.Seconds())
}

// RecordRequest records the routed-request counter by served provider.
func (r *Registry) RecordRequest(provider string, statusCode int) {
	r.requestsTotal.WithLabelValues(provider, strconv.Itoa(statusCode)).Inc()
}

// ObserveGatewayRequest records per-provider request latency and cache status.
func (r *Registry) ObserveGatewayRequest(provider, route, cache string, dur time.Duration) {
	r.requestDuration.WithLabelValues(provider, route, cache).Observe(dur.Seconds())
}

// ObserveUpstreamAttempt records one classified upstream attempt.
func (r *Registry) ObserveUpstreamAttempt(provider, outcome string, dur time.Duration) {
	r.upstreamAttempts.WithLabelValues(provider, outcome).Inc()
	r.upstreamDuration.WithLabelValues(provider, outcome).Observe(dur.Seconds())
}

// SetCredentialStates publishes the per-state credential counts of one pool.
func (r *Registry) SetCredentialStates(provider string, healthy, coolingDown, exhausted int) {
	r.credentialState.WithLabelValues(provider, "healthy").Set(float64(healthy))
	r.credentialState.WithLabelValues(provider, "cooling_down").Set(float64(coolingDown))
	r.credentialState.WithLabelValues(provider, "exhausted").Set(float64(exhausted))
}

// SetSessionStats publishes coordinator load gauges.
func (r *Registry) SetSessionStats(sessions, conversations, waiters int) {
	r.sessions.Set(float64(sessions))
	r.conversations.Set(float64(conversations))
	r.conversationWaiters.Set(float64(waiters))
}

func (r *Registry) CacheGetHit()    { r.cacheOps.WithLabelValues("get", "hit").Inc() }
func (r *Registry) CacheGetMiss()   { r.cacheOps.WithLabelValues("get", "miss").Inc() }
func (r *Registry) CacheGetBypass() { r.cacheOps.WithLabelValues("get", "bypass").Inc() }
func (r *Registry) CacheSetOK()     { r.cacheOps.WithLabelValues("set", "ok").Inc() }
func (r *Registry) CacheSetError()  { r.cacheOps.WithLabelValues("set", "error").Inc() }

// RecordProtocolLeak counts a validator rejection.
func (r *Registry) RecordProtocolLeak(dialect string) {
	r.protocolLeaks.WithLabelValues(dialect).Inc()
}

// AddTokens records upstream token usage.
func (r *Registry) AddTokens(provider, route string, inputTokens, outputTokens int) {
	if inputTokens > 0 {
		r.tokensTotal.WithLabelValues(provider, route, "input").Add(float64(inputTokens))
	}
	if outputTokens > 0 {
		r.tokensTotal.WithLabelValues(provider, route, "output").Add(float64(outputTokens))
	}
}

func (r *Registry) SetBuildInfo(version string) {
	// Gauge is used so the time series always exists.
	r.buildInfo.WithLabelValues(version).Set(1)
}

func (r *Registry) Handler() fasthttp.RequestHandler {
	return r.metricsHandler
}

func (r *Registry) PromRegistry() *prometheus.Registry { return r.reg }
