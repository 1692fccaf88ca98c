package proxy

import (
	"encoding/json"
	"sort"
	"time"

	"github.com/berryapi/gateway/internal/health"
	"github.com/fasthttp/router"
	"github.com/valyala/fasthttp"
)

// RouteHandler is a fasthttp handler function.
type RouteHandler = fasthttp.RequestHandler

// ManagementRoutes holds optional management API handler functions
// that are registered alongside the proxy routes.
type ManagementRoutes struct {
	Metrics RouteHandler
}

// Start starts the HTTP server on addr (e.g. ":8080") in proxy-only mode,
// without management routes.
func (g *Gateway) Start(addr string) error {
	return g.StartWithRoutes(addr, nil)
}

// StartWithRoutes starts the HTTP server with optional management routes.
func (g *Gateway) StartWithRoutes(addr string, mgmt *ManagementRoutes) error {
	r := router.New()

	r.POST("/v1/chat/completions", g.handleChatCompletions)
	r.POST("/v1/completions", g.handleCompletions)
	r.POST("/v1/embeddings", g.handleEmbeddings)
	r.GET("/v1/models", g.handleModels)
	r.GET("/admin/backends", g.handleAdminBackends)
	r.GET("/health", g.handleHealth)
	r.GET("/readiness", g.handleReadiness)

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
		Handler:      handler,
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 60 * time.Second,
	}

	return srv.ListenAndServe(addr)
}

func (g *Gateway) handleChatCompletions(ctx *fasthttp.RequestCtx) {
	g.dispatchChat(ctx)
}

func (g *Gateway) handleCompletions(ctx *fasthttp.RequestCtx) {
	g.dispatchChat(ctx)
}

func (g *Gateway) handleEmbeddings(ctx *fasthttp.RequestCtx) {
	g.dispatchEmbeddings(ctx)
}

// modelListEntry mirrors the OpenAI GET /v1/models list item shape.
type modelListEntry struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
}

// handleModels serves GET /v1/models: the logical models the authenticated
// user is allowed to address.
func (g *Gateway) handleModels(ctx *fasthttp.RequestCtx) {
	user, ok := g.authenticatedUser(ctx)
	if !ok {
		return
	}

	var ids []string
	for id, lm := range g.cfg.Models {
		if !lm.Enabled || !user.AllowsModel(id) {
			continue
		}
		ids = append(ids, id)
	}
	sort.Strings(ids)

	entries := make([]modelListEntry, len(ids))
	for i, id := range ids {
		entries[i] = modelListEntry{ID: id, Object: "model", OwnedBy: "berryapi"}
	}

	writeJSON(ctx, map[string]any{"object": "list", "data": entries})
}

// backendSnapshot is the JSON shape served by GET /admin/backends: the
// static config plus the live dynamic state driving selection for one
// backend slot.
type backendSnapshot struct {
	Model            string  `json:"model"`
	Index            int     `json:"index"`
	Provider         string  `json:"provider"`
	BackendModel     string  `json:"backend_model"`
	Status           string  `json:"status"`
	BreakerState     string  `json:"breaker_state"`
	LatencyEWMAMs    float64 `json:"latency_ewma_ms"`
	WeightMultiplier float64 `json:"weight_multiplier"`
	ConsecutiveFails int     `json:"consecutive_failures"`
	Enabled          bool    `json:"enabled"`
}

// handleAdminBackends serves GET /admin/backends: a live snapshot of every
// configured backend's health and breaker state, gated to users tagged
// "admin" in config.
func (g *Gateway) handleAdminBackends(ctx *fasthttp.RequestCtx) {
	user, ok := g.authenticatedUser(ctx)
	if !ok {
		return
	}
	if !hasTag(user.Tags, "admin") {
		ctx.SetStatusCode(fasthttp.StatusForbidden)
		writeJSON(ctx, map[string]string{"error": "admin access required"})
		return
	}

	var modelIDs []string
	for id := range g.cfg.Models {
		modelIDs = append(modelIDs, id)
	}
	sort.Strings(modelIDs)

	var out []backendSnapshot
	for _, modelID := range modelIDs {
		lm := g.cfg.Models[modelID]
		for i, b := range lm.Backends {
			id := health.BackendID{Model: modelID, Index: i}
			snap := g.health.Snapshot(id)
			out = append(out, backendSnapshot{
				Model:            modelID,
				Index:            i,
				Provider:         b.Provider,
				BackendModel:     b.Model,
				Status:           snap.Status.String(),
				BreakerState:     g.breaker.StateOf(id).String(),
				LatencyEWMAMs:    snap.LatencyEWMAMillis,
				WeightMultiplier: snap.WeightMultiplier,
				ConsecutiveFails: snap.ConsecutiveFailures,
				Enabled:          b.Enabled,
			})
		}
	}

	writeJSON(ctx, map[string]any{"backends": out})
}

func hasTag(tags []string, tag string) bool {
	for _, t := range tags {
		if t == tag {
			return true
		}
	}
	return false
}

func (g *Gateway) handleHealth(ctx *fasthttp.RequestCtx) {
	writeJSON(ctx, map[string]any{"status": "ok"})
}

func (g *Gateway) handleReadiness(ctx *fasthttp.RequestCtx) {
	if g.cacheReady == nil || g.cacheReady() {
		writeJSON(ctx, map[string]string{"status": "ok"})
		return
	}
	ctx.SetStatusCode(fasthttp.StatusServiceUnavailable)
	writeJSON(ctx, map[string]string{"status": "unavailable"})
}

func writeJSON(ctx *fasthttp.RequestCtx, v any) {
	ctx.SetContentType("application/json")
	data, _ := json.Marshal(v)
	ctx.SetBody(data)
}
