package app

import (
	"context"
	"fmt"
	"log/slog"

	npCache "github.com/berryapi/gateway/internal/cache"
	"github.com/berryapi/gateway/internal/logger"
	"github.com/berryapi/gateway/internal/metrics"
	"github.com/berryapi/gateway/internal/proxy"
)

// initInfra establishes optional external connections.
// Redis is only required when cache_mode=redis.
func (a *App) initInfra(ctx context.Context) error {
	if a.cfg.CacheMode == "redis" {
		a.log.Info("connecting to redis", slog.String("url", redactURL(a.cfg.RedisURL)))

		rdb, err := connectRedis(ctx, a.cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		a.rdb = rdb
		a.log.Info("redis connected")
	}

	return nil
}

// initProviders builds the LLM provider map from cfg.Providers. At least one
// enabled provider must exist; config.Validate() does not check this
// directly, so the all-disabled case is rejected here.
func (a *App) initProviders(ctx context.Context) error {
	provs, err := buildProviders(ctx, a.cfg)
	if err != nil {
		return err
	}
	if len(provs) == 0 {
		return fmt.Errorf("no enabled providers configured")
	}
	a.provs = provs

	ids := make([]string, 0, len(a.provs))
	for id := range a.provs {
		ids = append(ids, id)
	}
	a.log.Info("providers loaded", slog.Any("providers", ids))

	return nil
}

// initServices creates the cache backend and Prometheus metrics registry.
func (a *App) initServices(ctx context.Context) error {
	switch a.cfg.CacheMode {
	case "redis":
		// ExactCache wraps the already-connected Redis client, built in initGateway.
		a.log.Info("cache backend: redis")

	case "memory":
		// MemoryCache — zero external dependencies, not shared across replicas.
		a.memCache = npCache.NewMemoryCache(ctx)
		a.log.Info("cache backend: memory (in-process)")

	case "none":
		a.log.Info("cache backend: disabled")

	default:
		return fmt.Errorf("unknown cache mode: %s", a.cfg.CacheMode)
	}

	a.prom = metrics.New()
	a.prom.SetBuildInfo(a.version)

	l, err := logger.New(ctx, a.cfg.ClickHouseDSN, a.log)
	if err != nil {
		return fmt.Errorf("request logger: %w", err)
	}
	a.reqLogger = l
	if a.cfg.ClickHouseDSN != "" {
		a.log.Info("request logging enabled", slog.String("sink", "clickhouse"))
	} else {
		a.log.Info("request logging enabled", slog.String("sink", "slog"))
	}

	return nil
}

// initGateway wires together the Gateway with all configured subsystems.
func (a *App) initGateway(_ context.Context) error {
	// ── Determine cache implementation ────────────────────────────────────────
	var cacheImpl npCache.Cache
	var cacheReady func() bool

	switch a.cfg.CacheMode {
	case "redis":
		cacheImpl = npCache.NewExactCacheFromClient(a.rdb)
		cacheReady = redisPinger(a.baseCtx, a.rdb)
	case "memory":
		cacheImpl = a.memCache
		cacheReady = func() bool { return true }
	case "none":
		// nil cache — gateway handles nil gracefully (no caching).
	}

	// ── Build the gateway ────────────────────────────────────────────────────
	opts := proxy.GatewayOptions{
		Logger:   a.log,
		Metrics:  a.prom,
		CacheTTL: a.cfg.CacheTTL,
	}

	gw := proxy.NewGatewayWithOptions(a.baseCtx, a.cfg, a.provs, cacheImpl, cacheReady, opts)

	// ── Optional subsystems ──────────────────────────────────────────────────

	if a.reqLogger != nil {
		gw.SetLogger(a.reqLogger)
	}

	gw.SetCORSOrigins(a.cfg.CORSOrigins)

	// ── Management routes ────────────────────────────────────────────────────
	a.mgmt = &proxy.ManagementRoutes{
		Metrics: a.prom.Handler(),
	}

	a.gw = gw

	// ── Active prober ────────────────────────────────────────────────────────
	// Runs independently of any request traffic; shares the gateway's health
	// registry so its passive and active observations land in the same
	// per-backend record. Started here (after the gateway exists, since it
	// borrows the registry/breaker the gateway just built) and stopped in
	// Close.
	a.prober = proxy.NewProber(a.cfg.Models, a.provs, gw.Health(), gw.Breaker(), a.prom, a.cfg.Settings, a.log)

	return nil
}

// redactURL replaces the userinfo portion of a URL with "***" for safe logging.
// e.g. "redis://:secret@localhost:6379" → "redis://***@localhost:6379"
func redactURL(raw string) string {
	for i, c := range raw {
		if c == '@' {
			// Find the scheme end ("://") and keep only scheme + "***" + @host.
			for j := i - 1; j >= 0; j-- {
				if j+2 < len(raw) && raw[j:j+3] == "://" {
					return raw[:j+3] + "***" + raw[i:]
				}
			}
			return "***" + raw[i:]
		}
	}
	return raw
}
