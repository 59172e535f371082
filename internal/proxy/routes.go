package proxy

import (
	"time"

	"github.com/fasthttp/router"
	"github.com/valyala/fasthttp"

	gwrouter "github.com/cognitude/gateway/internal/router"
)

// ManagementRoutes holds optional handlers registered alongside the proxy
// routes.
type ManagementRoutes struct {
	Metrics fasthttp.RequestHandler
}

// Handler builds the full route table wrapped in the middleware chain.
func (g *Gateway) Handler(mgmt *ManagementRoutes) fasthttp.RequestHandler {
	r := router.New()

	// OpenAI-compatible surface.
	r.POST("/v1/chat/completions", func(ctx *fasthttp.RequestCtx) {
		g.handleChat(ctx, gwrouter.ModeExplicit)
	})
	r.POST("/v1/smart/completions", func(ctx *fasthttp.RequestCtx) {
		g.handleChat(ctx, gwrouter.ModeCost)
	})
	r.POST("/v1/smart/analyze", g.handleAnalyze)

	// Management surface.
	r.GET("/providers", g.handleListProviders)
	r.POST("/providers", g.handleCreateProvider)
	r.PUT("/providers/{id}", g.handleUpdateProvider)
	r.DELETE("/providers/{id}", g.handleDeleteProvider)

	r.GET("/rate-limits/config", g.handleGetRateLimits)
	r.PUT("/rate-limits/config", g.handlePutRateLimits)
	r.POST("/rate-limits/config", g.handlePutRateLimits)

	r.GET("/alerts/channels", g.handleListAlertChannels)
	r.POST("/alerts/channels", g.handleCreateAlertChannel)
	r.DELETE("/alerts/channels/{id}", g.handleDeleteAlertChannel)
	r.GET("/alerts/config", g.handleListAlertConfigs)
	r.POST("/alerts/config", g.handleUpsertAlertConfig)
	r.PUT("/alerts/config", g.handleUpsertAlertConfig)

	r.GET("/analytics/usage", g.handleAnalyticsUsage)
	r.GET("/analytics/recommendations", g.handleAnalyticsRecommendations)

	r.GET("/cache/stats", g.handleCacheStats)
	r.POST("/cache/clear", g.handleCacheClear)

	// Operational surface — unauthenticated.
	r.GET("/health", g.handleHealth)
	r.GET("/readiness", g.handleReadiness)
	if mgmt != nil && mgmt.Metrics != nil {
		r.GET("/metrics", mgmt.Metrics)
	}

	return applyMiddleware(r.Handler,
		recovery,
		requestID,
		timing,
		corsHandler(g.corsOrigins),
		securityHeaders,
	)
}

// Start starts the HTTP server on addr (e.g. ":8080") and blocks.
func (g *Gateway) Start(addr string, mgmt *ManagementRoutes) error {
	srv := &fasthttp.Server{
		Handler:      g.Handler(mgmt),
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 60 * time.Second,
	}
	return srv.ListenAndServe(addr)
}

func (g *Gateway) handleHealth(ctx *fasthttp.RequestCtx) {
	g.writeJSON(ctx, g.health.Snapshot())
}

func (g *Gateway) handleReadiness(ctx *fasthttp.RequestCtx) {
	if g.health.ReadinessOK() {
		g.writeJSON(ctx, map[string]string{"status": "ok"})
		return
	}
	ctx.SetStatusCode(fasthttp.StatusServiceUnavailable)
	g.writeJSON(ctx, map[string]string{"status": "unavailable"})
}

// Close stops the background health prober.
func (g *Gateway) Close() {
	if g.health != nil {
		g.health.Close()
	}
}
