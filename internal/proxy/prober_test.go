package proxy

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/berryapi/gateway/internal/breaker"
	"github.com/berryapi/gateway/internal/config"
	"github.com/berryapi/gateway/internal/health"
	"github.com/berryapi/gateway/internal/providers"
)

type countingProvider struct {
	name    string
	calls   int32
	failing bool
}

func (p *countingProvider) Name() string { return p.name }

func (p *countingProvider) Request(ctx context.Context, req *providers.ProxyRequest) (*providers.ProxyResponse, error) {
	return nil, errors.New("not used by prober tests")
}

func (p *countingProvider) HealthCheck(ctx context.Context) error {
	atomic.AddInt32(&p.calls, 1)
	if p.failing {
		return errors.New("unreachable")
	}
	return nil
}

func (p *countingProvider) callCount() int32 { return atomic.LoadInt32(&p.calls) }

func newTestModels(perToken, perRequest config.BillingMode) map[string]config.LogicalModel {
	return map[string]config.LogicalModel{
		"m": {
			ID:      "m",
			Enabled: true,
			Backends: []config.Backend{
				{Provider: "a", Model: "x", Enabled: true, BillingMode: perToken},
				{Provider: "b", Model: "x", Enabled: true, BillingMode: perRequest},
			},
		},
	}
}

func TestProber_SweepSkipsPerRequestBackends(t *testing.T) {
	h := health.NewRegistry(30_000)
	perToken := &countingProvider{name: "a"}
	perRequest := &countingProvider{name: "b"}

	p := &Prober{
		models: newTestModels(config.BillingPerToken, config.BillingPerRequest),
		providers: map[string]providers.Provider{
			"a": perToken,
			"b": perRequest,
		},
		health:      h,
		timeout:     time.Second,
		unhealthyAt: 3,
	}

	p.sweep(func(health.Snapshot) bool { return true })

	if perToken.callCount() != 1 {
		t.Errorf("expected per_token backend probed once, got %d", perToken.callCount())
	}
	if perRequest.callCount() != 0 {
		t.Errorf("expected per_request backend never probed, got %d", perRequest.callCount())
	}

	snap := h.Snapshot(health.BackendID{Model: "m", Index: 0})
	if snap.LastActiveProbeAt.IsZero() {
		t.Error("expected probed backend to have a recorded active-probe timestamp")
	}
}

func TestProber_RecoverySweepOnlyProbesUnhealthy(t *testing.T) {
	h := health.NewRegistry(30_000)
	healthyProv := &countingProvider{name: "a"}
	unhealthyProv := &countingProvider{name: "b"}

	models := map[string]config.LogicalModel{
		"m": {
			ID:      "m",
			Enabled: true,
			Backends: []config.Backend{
				{Provider: "a", Model: "x", Enabled: true, BillingMode: config.BillingPerToken},
				{Provider: "b", Model: "x", Enabled: true, BillingMode: config.BillingPerToken},
			},
		},
	}

	idUnhealthy := health.BackendID{Model: "m", Index: 1}
	h.RecordFailure(idUnhealthy, health.FailureUpstream5xx, 3)
	h.RecordFailure(idUnhealthy, health.FailureUpstream5xx, 3)
	h.RecordFailure(idUnhealthy, health.FailureUpstream5xx, 3)
	if h.Snapshot(idUnhealthy).Status != health.Unhealthy {
		t.Fatal("expected backend 1 to be Unhealthy before the recovery sweep")
	}

	p := &Prober{
		models: models,
		providers: map[string]providers.Provider{
			"a": healthyProv,
			"b": unhealthyProv,
		},
		health:      h,
		timeout:     time.Second,
		unhealthyAt: 3,
	}

	p.sweep(func(snap health.Snapshot) bool { return snap.Status == health.Unhealthy })

	if healthyProv.callCount() != 0 {
		t.Errorf("expected already-healthy backend skipped by recovery sweep, got %d calls", healthyProv.callCount())
	}
	if unhealthyProv.callCount() != 1 {
		t.Errorf("expected unhealthy backend probed by recovery sweep, got %d calls", unhealthyProv.callCount())
	}
}

func TestProber_FailedProbeRecordsFailure(t *testing.T) {
	h := health.NewRegistry(30_000)
	failing := &countingProvider{name: "a", failing: true}

	p := &Prober{
		models: map[string]config.LogicalModel{
			"m": {
				ID:      "m",
				Enabled: true,
				Backends: []config.Backend{
					{Provider: "a", Model: "x", Enabled: true, BillingMode: config.BillingPerToken},
				},
			},
		},
		providers:   map[string]providers.Provider{"a": failing},
		health:      h,
		timeout:     time.Second,
		unhealthyAt: 3,
	}

	p.sweep(func(health.Snapshot) bool { return true })

	snap := h.Snapshot(health.BackendID{Model: "m", Index: 0})
	if snap.ConsecutiveFailures != 1 {
		t.Errorf("expected consecutive_failures=1 after one failed probe, got %d", snap.ConsecutiveFailures)
	}
}

// An idle backend with no live traffic can only ever leave Open via the
// background prober — this confirms probeOne actually drives that
// transition instead of treating health and breaker state independently.
func TestProber_RecoversOpenBreakerOnSuccessfulProbe(t *testing.T) {
	h := health.NewRegistry(30_000)
	brk := breaker.New(breaker.Config{ErrorThreshold: 1, TimeWindow: time.Minute, Cooldown: 0})
	id := health.BackendID{Model: "m", Index: 0}
	brk.RecordFailure(id) // trips the breaker open (threshold=1)
	if brk.StateOf(id) != breaker.Open {
		t.Fatal("expected breaker to be Open after a tripping failure")
	}

	recovered := &countingProvider{name: "a"}
	p := &Prober{
		models: map[string]config.LogicalModel{
			"m": {
				ID:      "m",
				Enabled: true,
				Backends: []config.Backend{
					{Provider: "a", Model: "x", Enabled: true, BillingMode: config.BillingPerToken},
				},
			},
		},
		providers:   map[string]providers.Provider{"a": recovered},
		health:      h,
		breaker:     brk,
		timeout:     time.Second,
		unhealthyAt: 3,
	}

	p.sweep(func(health.Snapshot) bool { return true })

	if recovered.callCount() != 1 {
		t.Fatalf("expected the probe to be admitted (cooldown=0), got %d calls", recovered.callCount())
	}
	if brk.StateOf(id) != breaker.Closed {
		t.Errorf("expected a successful active probe to close the breaker, got %v", brk.StateOf(id))
	}
}

// While the cooldown has not elapsed, Allow keeps denying — the prober must
// not send probes that the breaker itself would have rejected from a live
// request, since that would defeat the single-in-flight-probe invariant.
func TestProber_SkipsProbeWhileBreakerCoolingDown(t *testing.T) {
	h := health.NewRegistry(30_000)
	brk := breaker.New(breaker.Config{ErrorThreshold: 1, TimeWindow: time.Minute, Cooldown: time.Hour})
	id := health.BackendID{Model: "m", Index: 0}
	brk.RecordFailure(id)

	prov := &countingProvider{name: "a"}
	p := &Prober{
		models: map[string]config.LogicalModel{
			"m": {
				ID:      "m",
				Enabled: true,
				Backends: []config.Backend{
					{Provider: "a", Model: "x", Enabled: true, BillingMode: config.BillingPerToken},
				},
			},
		},
		providers:   map[string]providers.Provider{"a": prov},
		health:      h,
		breaker:     brk,
		timeout:     time.Second,
		unhealthyAt: 3,
	}

	p.sweep(func(health.Snapshot) bool { return true })

	if prov.callCount() != 0 {
		t.Errorf("expected probe skipped during cooldown, got %d calls", prov.callCount())
	}
	if brk.StateOf(id) != breaker.Open {
		t.Errorf("expected breaker to remain Open during cooldown, got %v", brk.StateOf(id))
	}
}
