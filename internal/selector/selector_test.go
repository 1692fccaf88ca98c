package selector

import (
	"testing"
	"time"

	"github.com/berryapi/gateway/internal/breaker"
	"github.com/berryapi/gateway/internal/config"
	"github.com/berryapi/gateway/internal/health"
)

func newTestSelector() (*Selector, *health.Registry, *breaker.Breaker) {
	h := health.NewRegistry(30_000)
	b := breaker.New(breaker.Config{ErrorThreshold: 3, TimeWindow: 60 * time.Second, Cooldown: 30 * time.Second})
	return New(h, b), h, b
}

func weightedModel() config.LogicalModel {
	return config.LogicalModel{
		ID:       "m",
		Strategy: config.StrategyWeightedRandom,
		Enabled:  true,
		Backends: []config.Backend{
			{Provider: "a", Model: "x", Weight: 0.7, Priority: 0, Enabled: true},
			{Provider: "b", Model: "x", Weight: 0.3, Priority: 0, Enabled: true},
		},
	}
}

// S1 — weighted split.
func TestSelector_WeightedRandomConvergesToConfiguredWeights(t *testing.T) {
	sel, _, _ := newTestSelector()
	model := weightedModel()

	counts := map[int]int{}
	const n = 10_000
	for i := 0; i < n; i++ {
		c, err := sel.Pick(model, nil)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		counts[c.ID.Index]++
	}

	if counts[0] < 6_500 || counts[0] > 7_500 {
		t.Errorf("expected backend 0 picked ~7000/10000 times, got %d", counts[0])
	}
}

func TestSelector_RoundRobinIsUniform(t *testing.T) {
	sel, _, _ := newTestSelector()
	model := config.LogicalModel{
		ID:       "m",
		Strategy: config.StrategyRoundRobin,
		Enabled:  true,
		Backends: []config.Backend{
			{Provider: "a", Model: "x", Weight: 1, Priority: 0, Enabled: true},
			{Provider: "b", Model: "x", Weight: 1, Priority: 0, Enabled: true},
		},
	}

	counts := map[int]int{}
	for i := 0; i < 100; i++ {
		c, err := sel.Pick(model, nil)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		counts[c.ID.Index]++
	}

	if counts[0] != 50 || counts[1] != 50 {
		t.Errorf("expected exactly even split over 100 picks, got %v", counts)
	}
}

func TestSelector_FailoverPrefersLowerPriority(t *testing.T) {
	sel, _, _ := newTestSelector()
	model := config.LogicalModel{
		ID:       "m",
		Strategy: config.StrategyFailover,
		Enabled:  true,
		Backends: []config.Backend{
			{Provider: "a", Model: "x", Weight: 1, Priority: 1, Enabled: true},
			{Provider: "b", Model: "x", Weight: 1, Priority: 0, Enabled: true},
		},
	}

	c, err := sel.Pick(model, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c.ID.Index != 1 {
		t.Errorf("expected backend with lower priority (index 1) picked, got %d", c.ID.Index)
	}
}

// S6-adjacent: open breaker excludes a backend from every tier.
func TestSelector_SkipsOpenBreaker(t *testing.T) {
	sel, _, b := newTestSelector()
	model := config.LogicalModel{
		ID:       "m",
		Strategy: config.StrategyFailover,
		Enabled:  true,
		Backends: []config.Backend{
			{Provider: "a", Model: "x", Weight: 1, Priority: 0, Enabled: true},
			{Provider: "b", Model: "x", Weight: 1, Priority: 1, Enabled: true},
		},
	}

	id0 := health.BackendID{Model: "m", Index: 0}
	for i := 0; i < 3; i++ {
		b.RecordFailure(id0)
	}

	c, err := sel.Pick(model, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c.ID.Index != 1 {
		t.Errorf("expected backend 1 since backend 0's breaker is open, got %d", c.ID.Index)
	}
}

func TestSelector_NoHealthyBackendsWhenAllOpen(t *testing.T) {
	sel, _, b := newTestSelector()
	model := config.LogicalModel{
		ID:       "m",
		Strategy: config.StrategyFailover,
		Enabled:  true,
		Backends: []config.Backend{
			{Provider: "a", Model: "x", Weight: 1, Priority: 0, Enabled: true},
		},
	}

	id0 := health.BackendID{Model: "m", Index: 0}
	for i := 0; i < 3; i++ {
		b.RecordFailure(id0)
	}

	_, err := sel.Pick(model, nil)
	if err != ErrNoHealthyBackends {
		t.Errorf("expected ErrNoHealthyBackends, got %v", err)
	}
}

func TestSelector_LeastLatencyFallsBackToRoundRobinAtSeed(t *testing.T) {
	sel, _, _ := newTestSelector()
	model := config.LogicalModel{
		ID:       "m",
		Strategy: config.StrategyLeastLatency,
		Enabled:  true,
		Backends: []config.Backend{
			{Provider: "a", Model: "x", Weight: 1, Priority: 0, Enabled: true},
			{Provider: "b", Model: "x", Weight: 1, Priority: 0, Enabled: true},
		},
	}

	counts := map[int]int{}
	for i := 0; i < 10; i++ {
		c, err := sel.Pick(model, nil)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		counts[c.ID.Index]++
	}
	if counts[0] == 0 || counts[1] == 0 {
		t.Errorf("expected both backends picked via round-robin fallback, got %v", counts)
	}
}

func TestSelector_LeastLatencyPicksLowestEWMA(t *testing.T) {
	sel, h, _ := newTestSelector()
	model := config.LogicalModel{
		ID:       "m",
		Strategy: config.StrategyLeastLatency,
		Enabled:  true,
		Backends: []config.Backend{
			{Provider: "a", Model: "x", Weight: 1, Priority: 0, Enabled: true},
			{Provider: "b", Model: "x", Weight: 1, Priority: 0, Enabled: true},
		},
	}

	h.RecordSuccess(health.BackendID{Model: "m", Index: 0}, 500*time.Millisecond)
	h.RecordSuccess(health.BackendID{Model: "m", Index: 1}, 5*time.Millisecond)

	c, err := sel.Pick(model, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c.ID.Index != 1 {
		t.Errorf("expected lower-latency backend 1, got %d", c.ID.Index)
	}
}

func TestSelector_ExcludedBackendsAreSkipped(t *testing.T) {
	sel, _, _ := newTestSelector()
	model := config.LogicalModel{
		ID:       "m",
		Strategy: config.StrategyFailover,
		Enabled:  true,
		Backends: []config.Backend{
			{Provider: "a", Model: "x", Weight: 1, Priority: 0, Enabled: true},
			{Provider: "b", Model: "x", Weight: 1, Priority: 1, Enabled: true},
		},
	}

	c, err := sel.Pick(model, map[int]bool{0: true})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c.ID.Index != 1 {
		t.Errorf("expected backend 1 once backend 0 excluded, got %d", c.ID.Index)
	}
}

func TestSelector_SmartWeightedFailoverTreatsPerRequestUnhealthyAsT1(t *testing.T) {
	sel, h, b := newTestSelector()
	model := config.LogicalModel{
		ID:       "m",
		Strategy: config.StrategySmartWeightedFailover,
		Enabled:  true,
		Backends: []config.Backend{
			{Provider: "a", Model: "x", Weight: 1, Priority: 0, Enabled: true, BillingMode: config.BillingPerRequest},
		},
	}

	id0 := health.BackendID{Model: "m", Index: 0}
	h.RecordFailure(id0, health.FailureUpstream5xx, 3)
	h.RecordFailure(id0, health.FailureUpstream5xx, 3)
	h.RecordFailure(id0, health.FailureUpstream5xx, 3)
	if h.Snapshot(id0).Status != health.Unhealthy {
		t.Fatal("expected backend to be Unhealthy")
	}
	if b.StateOf(id0) != breaker.Closed {
		t.Fatal("breaker was never failed directly, should remain closed")
	}

	c, err := sel.Pick(model, nil)
	if err != nil {
		t.Fatalf("expected per_request Unhealthy-but-Closed backend to remain selectable via T1 promotion, got error: %v", err)
	}
	if c.ID.Index != 0 {
		t.Errorf("expected backend 0, got %d", c.ID.Index)
	}
}
