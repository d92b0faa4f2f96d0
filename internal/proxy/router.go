package proxy

import (
	"encoding/json"
	"time"

	"github.com/fasthttp/router"
	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/claude-router/internal/routing"
)

// RouteHandler is a fasthttp handler function.
type RouteHandler = fasthttp.RequestHandler

// ManagementRoutes holds optional management API handler functions
// that are registered alongside the ingress routes.
type ManagementRoutes struct {
	Metrics RouteHandler
}

// Start starts the HTTP server on addr (e.g. ":3456") in ingress-only mode,
// without management routes.
func (g *Gateway) Start(addr string) error {
	return g.StartWithRoutes(addr, nil)
}

// StartWithRoutes starts the HTTP server with optional management routes.
func (g *Gateway) StartWithRoutes(addr string, mgmt *ManagementRoutes) error {
	r := router.New()

	r.POST("/v1/messages", g.handleMessages)
	r.GET("/health", g.handleHealth)

	if mgmt != nil && mgmt.Metrics != nil {
		r.GET("/metrics", mgmt.Metrics)
	}

	handler := applyMiddleware(r.Handler,
		recovery,
		requestID,
		timing,
		corsHandler(g.corsOrigins),
		securityHeaders,
	)

	srv := &fasthttp.Server{
		Handler:            handler,
		ReadTimeout:        60 * time.Second,
		WriteTimeout:       0, // streams run until the upstream closes
		CloseOnShutdown:    true,
		MaxRequestBodySize: 32 << 20,
	}

	// Stop listening once the gateway's base context ends so that
	// ListenAndServe returns.
	go func() {
		<-g.baseCtx.Done()
		_ = srv.Shutdown()
	}()

	return srv.ListenAndServe(addr)
}

func (g *Gateway) handleMessages(ctx *fasthttp.RequestCtx) {
	g.dispatchMessages(ctx)
}

// handleHealth reports per-route binding state (credential pools) and
// session-coordinator load.
func (g *Gateway) handleHealth(ctx *fasthttp.RequestCtx) {
	type bindingHealth struct {
		Provider    string                     `json:"provider"`
		Model       string                     `json:"model"`
		Priority    int                        `json:"priority"`
		Credentials []routing.CredentialStatus `json:"credentials"`
	}

	routes := make(map[string][]bindingHealth)
	degraded := false
	for _, name := range g.table.Routes() {
		bindings, _ := g.table.Bindings(name)
		for _, b := range bindings {
			routes[name] = append(routes[name], bindingHealth{
				Provider:    b.Provider,
				Model:       b.Model,
				Priority:    b.Priority,
				Credentials: b.Pool.Snapshot(),
			})
		}
		if _, err := g.table.Select(name); err != nil {
			degraded = true
		}
	}

	status := "ok"
	code := fasthttp.StatusOK
	if degraded {
		status = "degraded"
		code = fasthttp.StatusServiceUnavailable
	}

	ctx.SetStatusCode(code)
	writeJSON(ctx, map[string]any{
		"status":   status,
		"routes":   routes,
		"sessions": g.coord.Snapshot(),
	})
}

func writeJSON(ctx *fasthttp.RequestCtx, v any) {
	ctx.SetContentType("application/json")
	data, _ := json.Marshal(v)
	ctx.SetBody(data)
}
