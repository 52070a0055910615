package gateway

import (
	"time"

	"github.com/fasthttp/router"
	"github.com/valyala/fasthttp"
)

// Router builds the full API route table with the middleware pipeline
// applied. metricsHandler serves /api/metrics when non-nil.
func (g *Gateway) Router(metricsHandler fasthttp.RequestHandler) fasthttp.RequestHandler {
	r := router.New()

	r.POST("/api/ask", g.handleAsk)
	r.POST("/api/submit", g.handleSubmit)
	r.GET("/api/query/{id}", g.handleQuery)
	r.DELETE("/api/request/{id}", g.handleCancel)
	r.GET("/api/requests", g.handleListRequests)

	r.GET("/api/status", g.handleStatus)
	r.GET("/api/health", g.handleHealth)
	if metricsHandler != nil {
		r.GET("/api/metrics", metricsHandler)
	}

	r.POST("/api/provider/{name}/toggle", g.handleProviderToggle)

	r.GET("/api/cache/stats", g.handleCacheStats)
	r.POST("/api/cache/clear", g.handleCacheClear)
	r.POST("/api/cache/cleanup", g.handleCacheCleanup)

	r.GET("/api/keys", g.handleKeysList)
	r.POST("/api/keys", g.handleKeysCreate)
	r.DELETE("/api/keys/{id}", g.handleKeysDelete)

	r.GET("/api/costs/summary", g.handleCostsSummary)
	r.GET("/api/costs/by-provider", g.handleCostsByProvider)
	r.GET("/api/costs/by-day", g.handleCostsByDay)

	r.GET("/api/ws", g.handleWebSocket)

	return applyMiddleware(r.Handler,
		recovery,
		requestID,
		timing,
		g.authenticate,
		securityHeaders,
	)
}

// Serve starts the HTTP server on addr and blocks.
func (g *Gateway) Serve(addr string, metricsHandler fasthttp.RequestHandler) error {
	srv := &fasthttp.Server{
		Handler:      g.Router(metricsHandler),
		ReadTimeout:  60 * time.Second,
		// Long-poll waits and WebSocket upgrades manage their own deadlines.
		WriteTimeout: 0,
	}
	return srv.ListenAndServe(addr)
}
