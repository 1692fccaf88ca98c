package proxy

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/berryapi/gateway/internal/breaker"
	"github.com/berryapi/gateway/internal/config"
	"github.com/berryapi/gateway/internal/health"
	"github.com/berryapi/gateway/internal/metrics"
	"github.com/berryapi/gateway/internal/providers"
)

// Prober runs background active health checks against every per_token
// backend on two cadences: the configured main interval for all of them, and
// a faster recovery interval restricted to backends currently Unhealthy, so
// a recovered backend is promoted back to Healthy sooner than the next full
// sweep would catch it.
//
// per_request backends are never actively probed — billing for them is
// per-call, so an extra probe call is itself a billable request. Their
// health is passive-only, updated solely from RecordSuccess/RecordFailure
// during real traffic. Adapted from the teacher's HealthChecker ticker +
// per-target fan-out in healthchecker.go, generalized from one flag per
// provider to a full health.Snapshot per backend slot.
type Prober struct {
	models    map[string]config.LogicalModel
	providers map[string]providers.Provider
	health    *health.Registry
	breaker   *breaker.Breaker
	metrics   *metrics.Registry

	mainInterval     time.Duration
	recoveryInterval time.Duration
	timeout          time.Duration
	unhealthyAt      int

	log *slog.Logger

	done chan struct{}
	wg   sync.WaitGroup
}

// NewProber creates a Prober and immediately starts its background tickers.
// brk drives Open->HalfOpen->Closed transitions for backends with no live
// traffic — without it, an idle backend behind an open breaker could only
// ever be reopened by a request that happens to pick it, which may never
// happen once the selector starts excluding it. met may be nil.
func NewProber(
	models map[string]config.LogicalModel,
	provs map[string]providers.Provider,
	hr *health.Registry,
	brk *breaker.Breaker,
	met *metrics.Registry,
	settings config.Settings,
	log *slog.Logger,
) *Prober {
	p := &Prober{
		models:           models,
		providers:        provs,
		health:           hr,
		breaker:          brk,
		metrics:          met,
		mainInterval:     settings.HealthCheckInterval(),
		recoveryInterval: settings.RecoveryCheckInterval(),
		timeout:          settings.HealthCheckTimeout(),
		unhealthyAt:      settings.CircuitBreakerFailureThreshold,
		log:              log,
		done:             make(chan struct{}),
	}

	p.wg.Add(2)
	go p.runMain()
	go p.runRecovery()

	return p
}

// Close stops both ticker goroutines and waits for in-flight probes to
// return.
func (p *Prober) Close() {
	close(p.done)
	p.wg.Wait()
}

func (p *Prober) runMain() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.mainInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.sweep(func(snap health.Snapshot) bool { return true })
		case <-p.done:
			return
		}
	}
}

func (p *Prober) runRecovery() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.recoveryInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.sweep(func(snap health.Snapshot) bool { return snap.Status == health.Unhealthy })
		case <-p.done:
			return
		}
	}
}

// sweep probes every enabled, per_token backend whose current snapshot
// passes include, in parallel.
func (p *Prober) sweep(include func(health.Snapshot) bool) {
	var wg sync.WaitGroup
	for modelID, lm := range p.models {
		if !lm.Enabled {
			continue
		}
		for i, b := range lm.Backends {
			if !b.Enabled || b.BillingMode == config.BillingPerRequest {
				continue
			}
			prov, ok := p.providers[b.Provider]
			if !ok {
				continue
			}
			id := health.BackendID{Model: modelID, Index: i}
			if !include(p.health.Snapshot(id)) {
				continue
			}

			wg.Add(1)
			go func(id health.BackendID, providerID string, prov providers.Provider) {
				defer wg.Done()
				p.probeOne(id, providerID, prov)
			}(id, b.Provider, prov)
		}
	}
	wg.Wait()
}

// probeOne runs one active health check. It gates the attempt through the
// breaker exactly as the retry driver gates a live request: Allow returns
// false while a backend is Open and still cooling down, or while a
// half-open probe is already in flight, so a probe is only actually sent
// when it can legitimately move the breaker's state. A probe success or
// failure is then reported back through RecordSuccess/RecordFailure, which
// is what lets a backend with no live traffic recover from Open on its own.
func (p *Prober) probeOne(id health.BackendID, providerID string, prov providers.Provider) {
	if p.breaker != nil && !p.breaker.Allow(id) {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()

	p.health.RecordActiveProbe(id)

	start := time.Now()
	err := prov.HealthCheck(ctx)
	elapsed := time.Since(start)

	if err != nil {
		p.health.RecordFailure(id, health.FailureNetwork, p.unhealthyAt)
		if p.breaker != nil {
			p.breaker.RecordFailure(id)
		}
		p.syncMetrics(id, providerID)
		if p.log != nil {
			p.log.Warn("active_probe_failed",
				slog.String("model", id.Model),
				slog.Int("backend_index", id.Index),
				slog.String("provider", prov.Name()),
				slog.String("error", err.Error()),
			)
		}
		return
	}
	p.health.RecordSuccess(id, elapsed)
	if p.breaker != nil {
		p.breaker.RecordSuccess(id)
	}
	p.syncMetrics(id, providerID)
}

// syncMetrics pushes a fresh snapshot for one backend into the metrics
// registry, if one is configured — this is the only periodic source that
// covers every configured backend, including ones with no live traffic.
func (p *Prober) syncMetrics(id health.BackendID, providerID string) {
	if p.metrics == nil {
		return
	}
	snap := p.health.Snapshot(id)
	state := int64(0)
	if p.breaker != nil {
		state = int64(p.breaker.StateOf(id))
	}
	p.metrics.SyncBackend(id.Model, id.Index, providerID, snap.Status, snap.LatencyEWMAMillis, snap.WeightMultiplier, state)
}
