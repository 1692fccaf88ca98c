// Package app wires up all subsystems and owns the application lifecycle.
//
// Startup order:
//  1. initInfra     — external connections (Redis when cache_mode=redis)
//  2. initProviders — LLM provider clients, one per [providers.<id>] entry
//  3. initServices  — cache backend, Prometheus metrics registry
//  4. initGateway   — proxy + management routes
package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	npCache "github.com/berryapi/gateway/internal/cache"
	"github.com/berryapi/gateway/internal/config"
	"github.com/berryapi/gateway/internal/logger"
	"github.com/berryapi/gateway/internal/metrics"
	"github.com/berryapi/gateway/internal/providers"
	anthropicprov "github.com/berryapi/gateway/internal/providers/anthropic"
	azureprov "github.com/berryapi/gateway/internal/providers/azure"
	bedrockprov "github.com/berryapi/gateway/internal/providers/bedrock"
	geminiprov "github.com/berryapi/gateway/internal/providers/gemini"
	mistralprov "github.com/berryapi/gateway/internal/providers/mistral"
	openaiprov "github.com/berryapi/gateway/internal/providers/openai"
	openaicompatprov "github.com/berryapi/gateway/internal/providers/openaicompat"
	vertexaiprov "github.com/berryapi/gateway/internal/providers/vertexai"
	"github.com/berryapi/gateway/internal/proxy"
)

// App owns all long-lived resources and exposes Run / Close.
type App struct {
	version string
	cfg     *config.Config
	baseCtx context.Context
	log     *slog.Logger

	// Optional external connections — nil when not configured.
	rdb *redis.Client

	reqLogger *logger.Logger
	memCache  *npCache.MemoryCache

	prom *metrics.Registry

	provs  map[string]providers.Provider
	mgmt   *proxy.ManagementRoutes
	gw     *proxy.Gateway
	prober *proxy.Prober
}

// New initialises all subsystems and returns a ready-to-run App.
// All resources allocated here are released by Close.
func New(ctx context.Context, cfg *config.Config, log *slog.Logger, version string) (*App, error) {
	if ctx == nil {
		return nil, fmt.Errorf("app: context must not be nil")
	}

	a := &App{cfg: cfg, version: version, baseCtx: ctx, log: log}

	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"infra", a.initInfra},
		{"providers", a.initProviders},
		{"services", a.initServices},
		{"gateway", a.initGateway},
	}

	for _, s := range steps {
		if err := s.fn(ctx); err != nil {
			a.Close()
			return nil, fmt.Errorf("app: init %s: %w", s.name, err)
		}
	}

	return a, nil
}

// Run starts the HTTP server and blocks until ctx is cancelled or an error
// occurs. It closes the app gracefully when returning.
func (a *App) Run(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", a.cfg.Port)

	a.log.Info("starting gateway",
		slog.String("version", a.version),
		slog.String("addr", addr),
		slog.String("cache_mode", a.cfg.CacheMode),
		slog.Int("providers", len(a.provs)),
		slog.Int("models", len(a.cfg.Models)),
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.gw.StartWithRoutes(addr, a.mgmt)
	})

	g.Go(func() error {
		<-gctx.Done()
		a.Close()
		return nil
	})

	return g.Wait()
}

// Close releases all resources in reverse-init order. Safe to call multiple
// times from one goroutine; concurrent calls are not synchronized.
func (a *App) Close() {
	if a.prober != nil {
		a.prober.Close()
		a.prober = nil
	}
	if a.reqLogger != nil {
		if err := a.reqLogger.Close(); err != nil {
			a.log.Error("logger close error", slog.String("error", err.Error()))
		}
		a.reqLogger = nil
	}
	if a.memCache != nil {
		a.memCache.Close()
		a.memCache = nil
	}
	if a.rdb != nil {
		if err := a.rdb.Close(); err != nil {
			a.log.Error("redis close error", slog.String("error", err.Error()))
		}
		a.rdb = nil
	}
}

// ── Private helpers ──────────────────────────────────────────────────────────

// connectRedis parses the URL and verifies connectivity with a PING.
// Returns an error — callers decide whether to fatal or degrade.
func connectRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}

	rdb := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	return rdb, nil
}

// redisPinger returns a zero-argument probe function used by the readiness
// endpoint. Reuses the existing client — no new connections.
func redisPinger(ctx context.Context, rdb *redis.Client) func() bool {
	return func() bool {
		pingCtx, cancel := context.WithTimeout(ctx, time.Second)
		defer cancel()
		return rdb.Ping(pingCtx).Err() == nil
	}
}

// buildProviders constructs one providers.Provider per enabled entry in
// cfg.Providers, dispatching on its Kind to the matching vendor client.
// Every constructed client is wrapped with providers.WithName so its
// reported Name() is the configured id rather than the vendor's own
// hardcoded constant — required since a deployment may run several
// same-vendor providers (e.g. two OpenAI-compatible relays) under distinct
// ids.
func buildProviders(ctx context.Context, cfg *config.Config) (map[string]providers.Provider, error) {
	provs := make(map[string]providers.Provider, len(cfg.Providers))

	for id, p := range cfg.Providers {
		if !p.Enabled {
			continue
		}

		prov, err := buildProvider(ctx, p)
		if err != nil {
			return nil, fmt.Errorf("provider %q: %w", id, err)
		}
		if prov == nil {
			continue
		}
		provs[id] = providers.WithName(prov, id)
	}

	return provs, nil
}

func buildProvider(ctx context.Context, p config.Provider) (providers.Provider, error) {
	switch p.Kind {
	case "openai":
		opts := []openaiprov.Option{openaiprov.WithBaseURL(p.BaseURL)}
		if len(p.Headers) > 0 {
			opts = append(opts, openaiprov.WithHeaders(p.Headers))
		}
		return openaiprov.New(p.APIKey, opts...), nil

	case "anthropic":
		opts := []anthropicprov.Option{anthropicprov.WithBaseURL(p.BaseURL)}
		if len(p.Headers) > 0 {
			opts = append(opts, anthropicprov.WithHeaders(p.Headers))
		}
		return anthropicprov.New(p.APIKey, opts...), nil

	case "gemini":
		var opts []geminiprov.Option
		if p.BaseURL != "" {
			opts = append(opts, geminiprov.WithBaseURL(p.BaseURL))
		}
		if len(p.Headers) > 0 {
			opts = append(opts, geminiprov.WithHeaders(p.Headers))
		}
		return geminiprov.New(ctx, p.APIKey, opts...), nil

	case "mistral":
		var opts []mistralprov.Option
		if p.BaseURL != "" {
			opts = append(opts, mistralprov.WithBaseURL(p.BaseURL))
		}
		if len(p.Headers) > 0 {
			opts = append(opts, mistralprov.WithHeaders(p.Headers))
		}
		return mistralprov.New(p.APIKey, opts...), nil

	case "openai_compatible":
		if p.BaseURL == "" {
			return nil, fmt.Errorf("base_url is required for kind=openai_compatible")
		}
		return openaicompatprov.New(p.Name, p.APIKey, p.BaseURL, p.Headers), nil

	case "vertexai":
		if p.BaseURL == "" {
			return nil, fmt.Errorf("base_url must hold the GCP project id for kind=vertexai")
		}
		var opts []vertexaiprov.Option
		if len(p.Headers) > 0 {
			opts = append(opts, vertexaiprov.WithHeaders(p.Headers))
		}
		return vertexaiprov.New(ctx, p.BaseURL, opts...)

	case "bedrock":
		if p.BaseURL == "" {
			return nil, fmt.Errorf("base_url must hold the AWS region for kind=bedrock")
		}
		accessKey, secretKey, ok := splitCredential(p.APIKey)
		if !ok {
			return nil, fmt.Errorf("api_key must be \"<access_key>:<secret_key>\" for kind=bedrock")
		}
		var opts []bedrockprov.Option
		if len(p.Headers) > 0 {
			opts = append(opts, bedrockprov.WithHeaders(p.Headers))
		}
		return bedrockprov.New(accessKey, secretKey, p.BaseURL, opts...), nil

	case "azure":
		// Azure derives the deployment name from the model string at request
		// time (see providers/azure's model-routing doc comment), so no
		// per-model wiring is needed here beyond the endpoint, key, and headers.
		var opts []azureprov.Option
		if len(p.Headers) > 0 {
			opts = append(opts, azureprov.WithHeaders(p.Headers))
		}
		return azureprov.New(p.BaseURL, p.APIKey, "2024-12-01-preview", opts...), nil

	default:
		return nil, fmt.Errorf("unknown provider kind %q", p.Kind)
	}
}

// splitCredential parses an "access_key:secret_key" api_key value used by
// the bedrock provider kind, which needs two credential halves rather than
// one bearer token.
func splitCredential(raw string) (accessKey, secretKey string, ok bool) {
	for i := 0; i < len(raw); i++ {
		if raw[i] == ':' {
			return raw[:i], raw[i+1:], true
		}
	}
	return "", "", false
}
