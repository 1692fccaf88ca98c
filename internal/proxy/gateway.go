// Package proxy is the core LLM request dispatcher: the HTTP surface that
// sits in front of the retry driver, selector, health registry and circuit
// breaker.
//
// The Gateway receives an incoming OpenAI-compatible request, authenticates
// the bearer token against the configured user table, resolves the logical
// model the client addressed, checks the cache, and dispatches through the
// retry driver — which picks a backend, forwards the request, and fails
// over transparently on recoverable errors.
//
// Key design constraints, carried over from the teacher:
//   - Proxy overhead is kept off the hot path: cache, metrics, and the async
//     request logger are optional and nil-safe.
//   - All I/O uses context.Context so timeouts propagate correctly.
//   - Streaming responses are pass-through (SSE); they are never cached.
package proxy

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/berryapi/gateway/internal/auth"
	"github.com/berryapi/gateway/internal/breaker"
	"github.com/berryapi/gateway/internal/cache"
	"github.com/berryapi/gateway/internal/config"
	"github.com/berryapi/gateway/internal/health"
	"github.com/berryapi/gateway/internal/logger"
	"github.com/berryapi/gateway/internal/metrics"
	"github.com/berryapi/gateway/internal/providers"
	"github.com/berryapi/gateway/internal/selector"
	"github.com/berryapi/gateway/pkg/apierr"
	"github.com/valyala/fasthttp"
)

const (
	xCacheHIT  = "HIT"
	xCacheMISS = "MISS"
)

// GatewayOptions holds optional tuning parameters for a Gateway. All fields
// have sensible defaults and can be omitted.
type GatewayOptions struct {
	// Logger is the structured logger used for request events and failover
	// diagnostics. Defaults to slog.Default() when nil.
	Logger *slog.Logger

	// Metrics enables Prometheus metrics collection. When nil, metrics are disabled.
	Metrics *metrics.Registry

	// CacheTTL controls the default TTL for cached responses.
	// Default: 1h.
	CacheTTL time.Duration
}

// Gateway is the main proxy — all dependencies are injected via the constructor
// so they can be replaced with mock doubles in unit tests.
type Gateway struct {
	cfg       *config.Config
	provs     map[string]providers.Provider
	cache     cache.Cache
	health    *health.Registry
	breaker   *breaker.Breaker
	selector  *selector.Selector
	retry     *RetryDriver
	auth      *auth.Authenticator
	cacheReady func() bool
	baseCtx   context.Context
	log       *slog.Logger
	metrics   *metrics.Registry

	cacheTTL time.Duration

	reqLogger       *logger.Logger
	cacheExclusions *cache.ExclusionList

	// CORS allowed origins. Nil, empty, or ["*"] means allow all (see corsHandler).
	corsOrigins []string
}

// SetCORSOrigins configures the allowed CORS origins for the gateway.
func (g *Gateway) SetCORSOrigins(origins []string) {
	g.corsOrigins = origins
}

// SetLogger injects the async request logger (e.g. for ClickHouse or stdout).
func (g *Gateway) SetLogger(l *logger.Logger) {
	g.reqLogger = l
}

// SetCacheExclusions injects the cache exclusion list.
// Requests whose model name matches any rule skip both cache GET and SET.
func (g *Gateway) SetCacheExclusions(el *cache.ExclusionList) {
	g.cacheExclusions = el
}

// NewGateway creates a Gateway with default settings.
func NewGateway(
	ctx context.Context,
	cfg *config.Config,
	provs map[string]providers.Provider,
	c cache.Cache,
) *Gateway {
	return NewGatewayWithOptions(ctx, cfg, provs, c, nil, GatewayOptions{})
}

// NewGatewayWithOptions creates a fully configured Gateway, wiring the health
// registry, circuit breaker, selector, and retry driver from cfg.Settings.
func NewGatewayWithOptions(
	baseCtx context.Context,
	cfg *config.Config,
	provs map[string]providers.Provider,
	c cache.Cache,
	cacheReady func() bool,
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
	if cacheReady == nil {
		cacheReady = func() bool { return true }
	}

	hr := health.NewRegistry(float64(cfg.Settings.RequestTimeoutSeconds) * 1000)
	brk := breaker.New(breaker.Config{
		ErrorThreshold: cfg.Settings.CircuitBreakerFailureThreshold,
		TimeWindow:     cfg.Settings.CircuitBreakerCooldown(),
		Cooldown:       cfg.Settings.CircuitBreakerCooldown(),
	})
	sel := selector.New(hr, brk)
	fwd := NewForwarder()
	rd := NewRetryDriver(sel, brk, hr, fwd, provs, cfg.Settings, log, opts.Metrics)

	gw := &Gateway{
		cfg:        cfg,
		provs:      provs,
		cache:      c,
		health:     hr,
		breaker:    brk,
		selector:   sel,
		retry:      rd,
		auth:       auth.New(cfg),
		cacheReady: cacheReady,
		baseCtx:    baseCtx,
		log:        log,
		metrics:    opts.Metrics,
		cacheTTL:   cacheTTL,
	}

	return gw
}

// Health returns the health registry backing this gateway, used by the
// active prober and the admin snapshot endpoint.
func (g *Gateway) Health() *health.Registry { return g.health }

// Breaker returns the circuit breaker backing this gateway.
func (g *Gateway) Breaker() *breaker.Breaker { return g.breaker }

// ── Internal request / response types ─────────────────────────────────────────

type (
	// inboundEmbeddingRequest mirrors the OpenAI POST /v1/embeddings body.
	// The "input" field accepts a string or array of strings; we normalise
	// to []string via a custom unmarshal in parseEmbeddingInput.
	inboundEmbeddingRequest struct {
		Model          string          `json:"model"`
		Input          json.RawMessage `json:"input"`
		EncodingFormat string          `json:"encoding_format"`
	}

	outboundEmbeddingData struct {
		Object    string    `json:"object"`
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	}

	outboundEmbeddingUsage struct {
		PromptTokens int `json:"prompt_tokens"`
		TotalTokens  int `json:"total_tokens"`
	}

	outboundEmbeddingResponse struct {
		Object string                  `json:"object"`
		Data   []outboundEmbeddingData `json:"data"`
		Model  string                  `json:"model"`
		Usage  outboundEmbeddingUsage  `json:"usage"`
	}
)

// parseEmbeddingInput converts the raw JSON "input" field into []string.
// The OpenAI API accepts either a bare string or an array of strings.
func parseEmbeddingInput(raw json.RawMessage) ([]string, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("'input' is required")
	}
	var arr []string
	if err := json.Unmarshal(raw, &arr); err == nil {
		if len(arr) == 0 {
			return nil, fmt.Errorf("'input' must not be empty")
		}
		return arr, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if s == "" {
			return nil, fmt.Errorf("'input' must not be empty")
		}
		return []string{s}, nil
	}
	return nil, fmt.Errorf("'input' must be a string or array of strings")
}

// authenticatedUser extracts and resolves the bearer token, writing the
// AuthFailed response directly when it does not resolve to an enabled user.
func (g *Gateway) authenticatedUser(ctx *fasthttp.RequestCtx) (config.User, bool) {
	header := string(ctx.Request.Header.Peek("Authorization"))
	user, err := g.auth.Authenticate(header)
	if err != nil {
		apierr.Write(ctx, fasthttp.StatusUnauthorized,
			"invalid or missing API key", apierr.TypeAuthenticationErr, apierr.CodeInvalidAPIKey)
		return config.User{}, false
	}
	return user, true
}

// resolveModel looks up the logical model the client addressed and checks
// it against the user's allowed_models list.
func (g *Gateway) resolveModel(ctx *fasthttp.RequestCtx, user config.User, clientModel string) (config.LogicalModel, bool) {
	lm, ok := g.cfg.ModelByClientName(clientModel)
	if !ok || !lm.Enabled {
		apierr.Write(ctx, fasthttp.StatusNotFound,
			fmt.Sprintf("model %q does not exist", clientModel),
			apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return config.LogicalModel{}, false
	}
	if err := auth.Authorize(user, lm.ID); err != nil {
		apierr.Write(ctx, fasthttp.StatusForbidden,
			fmt.Sprintf("model %q is not allowed for this API key", clientModel),
			apierr.TypeInvalidRequest, "model_not_allowed")
		return config.LogicalModel{}, false
	}
	return lm, true
}

// dispatchEmbeddings handles POST /v1/embeddings.
func (g *Gateway) dispatchEmbeddings(ctx *fasthttp.RequestCtx) {
	start := time.Now()
	route := "embeddings"
	reqBytes := len(ctx.PostBody())
	servedProvider := "unknown"
	inputTokens := 0
	respBytes := -1

	if g.metrics != nil {
		g.metrics.IncInFlight()
	}
	defer func() {
		if g.metrics == nil {
			return
		}
		g.metrics.DecInFlight()
		status := ctx.Response.StatusCode()
		dur := time.Since(start)
		if respBytes < 0 {
			respBytes = len(ctx.Response.Body())
		}
		g.metrics.ObserveHTTP(route, status, dur, reqBytes, respBytes)
		g.metrics.RecordRequest(servedProvider, status, dur.Milliseconds())
		g.metrics.AddTokens(servedProvider, route, inputTokens, 0, false)
	}()

	reqID, _ := ctx.UserValue("request_id").(string)

	user, ok := g.authenticatedUser(ctx)
	if !ok {
		return
	}

	var req inboundEmbeddingRequest
	if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
		apierr.Write(ctx, fasthttp.StatusBadRequest,
			fmt.Sprintf("invalid JSON: %s", err.Error()),
			apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}
	if req.Model == "" {
		apierr.Write(ctx, fasthttp.StatusBadRequest,
			"field 'model' is required",
			apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}

	inputs, err := parseEmbeddingInput(req.Input)
	if err != nil {
		apierr.Write(ctx, fasthttp.StatusBadRequest,
			err.Error(), apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}

	model, ok := g.resolveModel(ctx, user, req.Model)
	if !ok {
		return
	}

	g.log.InfoContext(ctx, "embedding_request",
		slog.String("request_id", reqID),
		slog.String("model", req.Model),
		slog.Int("inputs", len(inputs)),
	)

	embReq := &providers.EmbeddingRequest{
		Input:       inputs,
		WorkspaceID: user.ID,
		RequestID:   reqID,
	}

	provCtx, cancel := context.WithTimeout(ctx, g.cfg.Settings.RequestTimeout())
	defer cancel()

	embResp, usedProvider, err := g.dispatchEmbeddingBackend(provCtx, model, embReq)
	if err != nil {
		g.log.ErrorContext(ctx, "embedding_error",
			slog.String("request_id", reqID),
			slog.String("model", req.Model),
			slog.String("error", err.Error()),
			slog.Duration("elapsed", time.Since(start)),
		)
		writeDispatchError(ctx, err)
		return
	}
	servedProvider = usedProvider

	outData := make([]outboundEmbeddingData, len(embResp.Data))
	for i, d := range embResp.Data {
		outData[i] = outboundEmbeddingData{Object: "embedding", Index: d.Index, Embedding: d.Embedding}
	}
	out := outboundEmbeddingResponse{
		Object: "list",
		Data:   outData,
		Model:  embResp.Model,
		Usage: outboundEmbeddingUsage{
			PromptTokens: embResp.Usage.InputTokens,
			TotalTokens:  embResp.Usage.InputTokens,
		},
	}
	inputTokens = embResp.Usage.InputTokens

	body, err := json.Marshal(out)
	if err != nil {
		apierr.Write(ctx, fasthttp.StatusInternalServerError,
			"failed to serialize response", apierr.TypeServerError, apierr.CodeInternalError)
		return
	}

	ctx.SetStatusCode(fasthttp.StatusOK)
	ctx.SetContentType("application/json")
	ctx.SetBody(body)
	respBytes = len(body)
}

// dispatchEmbeddingBackend runs a selector-driven retry loop over the
// logical model's backends for an embedding request. It mirrors
// RetryDriver.Dispatch's bookkeeping (health + breaker updates, attempt
// bound) but calls providers.EmbeddingProvider.Embed instead of
// Provider.Request, since the embeddings API is not part of the chat
// forwarder's Outcome contract.
func (g *Gateway) dispatchEmbeddingBackend(
	ctx context.Context, model config.LogicalModel, req *providers.EmbeddingRequest,
) (*providers.EmbeddingResponse, string, error) {
	eligible := g.selector.EligibleCount(model)
	attemptsRemaining := min(g.cfg.Settings.MaxInternalRetries, eligible)
	if attemptsRemaining == 0 {
		return nil, "", ErrNoHealthyBackends
	}

	tried := make(map[int]bool)
	attempts := 0
	var lastErr error
	var lastKind health.FailureKind

	for attemptsRemaining > 0 {
		cand, err := g.selector.Pick(model, tried)
		if err != nil {
			break
		}
		prov, ok := g.provs[cand.Backend.Provider]
		if !ok {
			tried[cand.ID.Index] = true
			attemptsRemaining--
			continue
		}
		if !g.breaker.Allow(cand.ID) {
			tried[cand.ID.Index] = true
			attemptsRemaining--
			continue
		}

		embedder, ok := prov.(providers.EmbeddingProvider)
		if !ok {
			tried[cand.ID.Index] = true
			attemptsRemaining--
			lastErr = fmt.Errorf("provider %q does not support embeddings", prov.Name())
			continue
		}

		backendReq := *req
		backendReq.Model = cand.Backend.Model

		start := time.Now()
		resp, err := embedder.Embed(ctx, &backendReq)
		elapsed := time.Since(start)
		attempts++

		if err == nil {
			g.health.RecordSuccess(cand.ID, elapsed)
			g.breaker.RecordSuccess(cand.ID)
			return resp, prov.Name(), nil
		}

		kind, fatal := classify(err)
		if fatal {
			if kind == health.FailureUpstreamAuth {
				g.health.RecordFailure(cand.ID, kind, g.cfg.Settings.CircuitBreakerFailureThreshold)
				g.breaker.RecordFailure(cand.ID)
			}
			return nil, "", &FatalUpstreamError{Outcome: Outcome{Kind: OutcomeFatal, FailureKind: kind, Err: err}}
		}

		g.health.RecordFailure(cand.ID, kind, g.cfg.Settings.CircuitBreakerFailureThreshold)
		g.breaker.RecordFailure(cand.ID)
		lastErr, lastKind = err, kind
		tried[cand.ID.Index] = true
		attemptsRemaining--
	}

	if attempts == 0 {
		return nil, "", ErrNoHealthyBackends
	}
	return nil, "", &AllBackendsFailedError{Attempts: attempts, LastKind: lastKind, LastErr: lastErr}
}

type (
	inboundMessage struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}
	inboundRequest struct {
		Model       string           `json:"model"`
		Messages    []inboundMessage `json:"messages"`
		Stream      bool             `json:"stream"`
		Temperature float64          `json:"temperature"`
		MaxTokens   int              `json:"max_tokens"`
	}

	outboundUsage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	}

	outboundMessage struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}

	outboundChoice struct {
		Index        int             `json:"index"`
		Message      outboundMessage `json:"message"`
		FinishReason string          `json:"finish_reason"`
	}

	outboundResponse struct {
		ID      string           `json:"id"`
		Object  string           `json:"object"`
		Created int64            `json:"created"`
		Model   string           `json:"model"`
		Choices []outboundChoice `json:"choices"`
		Usage   outboundUsage    `json:"usage"`
	}
)

// dispatchChat is the core handler for /v1/chat/completions and /v1/completions.
func (g *Gateway) dispatchChat(ctx *fasthttp.RequestCtx) {
	start := time.Now()
	path := string(ctx.Path())
	route := "chat_completions"
	if path == "/v1/completions" {
		route = "completions"
	}
	reqBytes := len(ctx.PostBody())
	servedProvider := "unknown"
	cacheLabel := "bypass" // hit|miss|bypass
	inputTokens, outputTokens := 0, 0
	cached := false
	streaming := false
	respBytes := -1

	if g.metrics != nil {
		g.metrics.IncInFlight()
	}
	defer func() {
		if g.metrics == nil {
			return
		}
		if streaming {
			return // finalised by the stream writer
		}
		g.metrics.DecInFlight()
		status := ctx.Response.StatusCode()
		dur := time.Since(start)
		if respBytes < 0 {
			respBytes = len(ctx.Response.Body())
		}
		g.metrics.ObserveHTTP(route, status, dur, reqBytes, respBytes)
		g.metrics.RecordRequest(servedProvider, status, dur.Milliseconds())
		g.metrics.ObserveGatewayRequest(servedProvider, route, cacheLabel, dur)
		g.metrics.AddTokens(servedProvider, route, inputTokens, outputTokens, cached)
	}()

	reqID, _ := ctx.UserValue("request_id").(string)

	user, ok := g.authenticatedUser(ctx)
	if !ok {
		return
	}

	var req inboundRequest
	if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
		apierr.Write(ctx, fasthttp.StatusBadRequest,
			fmt.Sprintf("invalid JSON: %s", err.Error()),
			apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}
	if req.Model == "" {
		apierr.Write(ctx, fasthttp.StatusBadRequest,
			"field 'model' is required",
			apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}

	model, ok := g.resolveModel(ctx, user, req.Model)
	if !ok {
		return
	}
	servedProvider = model.ID

	g.log.InfoContext(ctx, "request",
		slog.String("request_id", reqID),
		slog.String("model", req.Model),
		slog.String("strategy", string(model.Strategy)),
		slog.Bool("stream", req.Stream),
	)

	msgs := make([]providers.Message, len(req.Messages))
	for i, m := range req.Messages {
		msgs[i] = providers.Message{Role: m.Role, Content: m.Content}
	}

	proxyReq := &providers.ProxyRequest{
		Model:       req.Model,
		Messages:    msgs,
		Stream:      req.Stream,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
		RequestID:   reqID,
		WorkspaceID: user.ID,
	}

	// Cache lookup — non-streaming only; skip excluded models.
	cacheEligible := !req.Stream && g.cache != nil && (g.cacheExclusions == nil || !g.cacheExclusions.Matches(req.Model))
	if g.metrics != nil && !cacheEligible {
		g.metrics.CacheGetBypass()
	}
	if cacheEligible {
		cacheKey := buildCacheKey(model.ID, proxyReq)
		if cachedBody, ok := g.cache.Get(ctx, cacheKey); ok {
			cacheLabel = "hit"
			cached = true
			respBytes = len(cachedBody)
			if g.metrics != nil {
				g.metrics.CacheGetHit()
			}
			g.log.DebugContext(ctx, "cache_hit",
				slog.String("request_id", reqID),
				slog.String("model", req.Model),
			)
			ctx.Response.Header.Set("X-Cache", xCacheHIT)
			ctx.SetContentType("application/json")
			ctx.SetStatusCode(fasthttp.StatusOK)
			ctx.SetBody(cachedBody)

			var cu struct {
				Usage struct {
					PromptTokens     int `json:"prompt_tokens"`
					CompletionTokens int `json:"completion_tokens"`
				} `json:"usage"`
			}
			if err := json.Unmarshal(cachedBody, &cu); err == nil {
				inputTokens = cu.Usage.PromptTokens
				outputTokens = cu.Usage.CompletionTokens
			}

			g.logRequest(reqID, model.ID, req.Model, inputTokens, outputTokens, time.Since(start), fasthttp.StatusOK, true)
			return
		}
		cacheLabel = "miss"
		if g.metrics != nil {
			g.metrics.CacheGetMiss()
		}
	}

	dispatchCtx, cancel := context.WithTimeout(ctx, g.cfg.Settings.RequestTimeout())
	defer cancel()

	resp, backendID, backendProvider, err := g.retry.Dispatch(dispatchCtx, model, proxyReq)
	if err != nil {
		g.log.ErrorContext(ctx, "dispatch_error",
			slog.String("request_id", reqID),
			slog.String("model", model.ID),
			slog.String("error", err.Error()),
			slog.Duration("elapsed", time.Since(start)),
		)
		writeDispatchError(ctx, err)
		g.logRequest(reqID, model.ID, req.Model, 0, 0, time.Since(start), ctx.Response.StatusCode(), false)
		return
	}

	// Streaming — SSE pass-through. Responses are never cached for streams.
	if req.Stream && resp.Stream != nil {
		streaming = true
		capturedStart := start
		capturedReqBytes := reqBytes
		capturedRoute := route
		capturedModel := model.ID
		onStreamError := func(kind health.FailureKind) {
			g.retry.ReportStreamFailure(backendID, backendProvider, kind)
		}
		writeSSE(ctx, resp, onStreamError, func(outputTokens int) {
			g.logRequest(reqID, capturedModel, resp.Model, 0, outputTokens, time.Since(capturedStart), fasthttp.StatusOK, false)
			if g.metrics != nil {
				dur := time.Since(capturedStart)
				g.metrics.ObserveHTTP(capturedRoute, fasthttp.StatusOK, dur, capturedReqBytes, -1)
				g.metrics.RecordRequest(capturedModel, fasthttp.StatusOK, dur.Milliseconds())
				g.metrics.ObserveGatewayRequest(capturedModel, capturedRoute, "bypass", dur)
				g.metrics.AddTokens(capturedModel, capturedRoute, 0, outputTokens, false)
				g.metrics.DecInFlight()
			}
		})
		return
	}

	out := outboundResponse{
		ID:      resp.ID,
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   resp.Model,
		Choices: []outboundChoice{
			{Index: 0, Message: outboundMessage{Role: "assistant", Content: resp.Content}, FinishReason: "stop"},
		},
		Usage: outboundUsage{
			PromptTokens:     resp.Usage.InputTokens,
			CompletionTokens: resp.Usage.OutputTokens,
			TotalTokens:      resp.Usage.InputTokens + resp.Usage.OutputTokens,
		},
	}

	body, err := json.Marshal(out)
	if err != nil {
		apierr.Write(ctx, fasthttp.StatusInternalServerError,
			"failed to serialize response", apierr.TypeServerError, apierr.CodeInternalError)
		return
	}

	if cacheEligible {
		cacheKey := buildCacheKey(model.ID, proxyReq)
		if err := g.cache.Set(ctx, cacheKey, body, g.cacheTTL); err != nil {
			if g.metrics != nil {
				g.metrics.CacheSetError()
			}
		} else if g.metrics != nil {
			g.metrics.CacheSetOK()
		}
	}

	g.logRequest(reqID, model.ID, req.Model, resp.Usage.InputTokens, resp.Usage.OutputTokens, time.Since(start), fasthttp.StatusOK, false)
	inputTokens = resp.Usage.InputTokens
	outputTokens = resp.Usage.OutputTokens

	g.log.DebugContext(ctx, "response_ok",
		slog.String("request_id", reqID),
		slog.String("model", resp.Model),
		slog.Int("input_tokens", resp.Usage.InputTokens),
		slog.Int("output_tokens", resp.Usage.OutputTokens),
		slog.Duration("elapsed", time.Since(start)),
	)

	ctx.Response.Header.Set("X-Cache", xCacheMISS)
	ctx.SetStatusCode(fasthttp.StatusOK)
	ctx.SetContentType("application/json")
	ctx.SetBody(body)
	respBytes = len(body)
}

// logRequest enqueues a RequestLog entry to the async logger. Never blocks.
func (g *Gateway) logRequest(
	requestID, provider, model string,
	inputTokens, outputTokens int,
	latency time.Duration,
	status int,
	isCached bool,
) {
	if g.reqLogger == nil {
		return
	}

	reqUUID, _ := uuid.Parse(requestID)

	latencyMs := uint16(latency.Milliseconds())
	if latency.Milliseconds() > 65535 {
		latencyMs = 65535
	}

	g.reqLogger.Log(logger.RequestLog{
		ID:           reqUUID,
		Provider:     provider,
		Model:        model,
		InputTokens:  uint32(inputTokens),
		OutputTokens: uint32(outputTokens),
		LatencyMs:    latencyMs,
		Status:       uint16(status),
		Cached:       isCached,
		CreatedAt:    time.Now(),
	})
}

// buildCacheKey returns a deterministic SHA-256 cache key for the request,
// scoped by logical model so two logical models that happen to resolve to
// the same upstream model name never collide.
func buildCacheKey(logicalModel string, req *providers.ProxyRequest) string {
	type msg struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}
	msgs := make([]msg, len(req.Messages))
	for i, m := range req.Messages {
		msgs[i] = msg{Role: m.Role, Content: m.Content}
	}
	data, _ := json.Marshal(struct {
		W    string `json:"w"`
		M    string `json:"m"`
		T    string `json:"t"`
		MT   int    `json:"mt"`
		Msgs []msg  `json:"msgs"`
	}{
		req.WorkspaceID,
		logicalModel,
		fmt.Sprintf("%.2f", req.Temperature),
		req.MaxTokens,
		msgs,
	})
	h := sha256.Sum256(data)
	return "cache:" + hex.EncodeToString(h[:])
}

// writeDispatchError maps a RetryDriver.Dispatch error to the HTTP response
// per spec's error taxonomy (§7): NoHealthyBackends -> 503,
// AllBackendsFailed -> 502 (body echoes the last upstream error kind),
// FatalUpstreamError -> the upstream status passed through, with the upstream
// error message in the gateway's JSON error envelope (the upstream body
// itself is not forwarded).
func writeDispatchError(ctx *fasthttp.RequestCtx, err error) {
	var fatal *FatalUpstreamError
	if errors.As(err, &fatal) {
		if sc, ok := fatal.Outcome.Err.(providers.StatusCoder); ok {
			apierr.Write(ctx, sc.HTTPStatus(),
				fatal.Outcome.Err.Error(), apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
			return
		}
		apierr.Write(ctx, fasthttp.StatusBadRequest,
			fatal.Outcome.Err.Error(), apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}

	var allFailed *AllBackendsFailedError
	if errors.As(err, &allFailed) {
		apierr.Write(ctx, fasthttp.StatusBadGateway,
			fmt.Sprintf("all backends failed: %s", allFailed.LastKind.String()),
			apierr.TypeProviderError, apierr.CodeProviderError)
		return
	}

	if errors.Is(err, ErrNoHealthyBackends) {
		apierr.Write(ctx, fasthttp.StatusServiceUnavailable,
			"no healthy backends available for this model",
			apierr.TypeProviderError, "no_healthy_backends")
		return
	}

	if errors.Is(err, context.DeadlineExceeded) {
		apierr.WriteTimeout(ctx)
		return
	}

	apierr.Write(ctx, fasthttp.StatusBadGateway,
		err.Error(), apierr.TypeProviderError, apierr.CodeProviderError)
}

// writeSSE streams response chunks from the provider as Server-Sent Events.
// onComplete is called once the stream drains with an estimated output token
// count (≈ chars/4), enabling async logging for streaming requests.
//
// onStreamError is called at most once, the moment a chunk with
// FinishReason == "error" is observed — i.e. the provider's stream goroutine
// hit a terminal error after FirstByteSent already committed this backend to
// the client (see providers/openai's handleStreaming, which synthesizes
// exactly such a chunk from stream.Err()). The retry driver can no longer
// fail over at this point, but the backend's health/breaker state still
// needs the failure recorded — spec's S4 scenario.
func writeSSE(ctx *fasthttp.RequestCtx, resp *providers.ProxyResponse, onStreamError func(kind health.FailureKind), onComplete func(outputTokens int)) {
	ctx.SetContentType("text/event-stream")
	ctx.Response.Header.Set("Cache-Control", "no-cache")
	ctx.Response.Header.Set("Connection", "keep-alive")
	ctx.SetStatusCode(fasthttp.StatusOK)

	ctx.SetBodyStreamWriter(func(w *bufio.Writer) {
		defer func() { recover() }() //nolint:errcheck // panic recovery in stream writer

		var sb strings.Builder
		streamFailed := false
		for chunk := range resp.Stream {
			sb.WriteString(chunk.Content)

			if chunk.FinishReason == "error" && !streamFailed {
				streamFailed = true
				if onStreamError != nil {
					onStreamError(health.FailureNetwork)
				}
			}

			delta := map[string]any{
				"id":      "chatcmpl-stream",
				"object":  "chat.completion.chunk",
				"created": time.Now().Unix(),
				"choices": []map[string]any{
					{
						"index": 0,
						"delta": map[string]string{"content": chunk.Content},
						"finish_reason": func() any {
							if chunk.FinishReason != "" {
								return chunk.FinishReason
							}
							return nil
						}(),
					},
				},
			}
			data, _ := json.Marshal(delta)
			fmt.Fprintf(w, "data: %s\n\n", data)
			w.Flush() //nolint:errcheck
		}

		fmt.Fprint(w, "data: [DONE]\n\n")
		w.Flush() //nolint:errcheck

		estimated := sb.Len() / 4
		if estimated == 0 {
			estimated = 1
		}
		if onComplete != nil {
			onComplete(estimated)
		}
	})
}
