// Package selector implements the backend selection strategies: given a
// logical model and its configured backends, pick one concrete backend to
// forward a request to, consulting the health registry and circuit breaker
// for eligibility and weighting.
//
// New code, grounded on the teacher's internal/proxy/failover.go
// candidate-list idiom for failover-style strategies and on the
// scoring/weighting pattern in the load-balancer reference file under
// _examples/other_examples for weighted sampling.
package selector

import (
	"errors"
	"math/rand"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/berryapi/gateway/internal/breaker"
	"github.com/berryapi/gateway/internal/config"
	"github.com/berryapi/gateway/internal/health"
)

// ErrNoHealthyBackends is returned when neither tier has any eligible
// candidate left.
var ErrNoHealthyBackends = errors.New("selector: no healthy backends available")

// Candidate is one eligible backend, bundled with its static config and
// current dynamic state, as handed to a strategy function.
type Candidate struct {
	ID      health.BackendID
	Backend config.Backend
	Health  health.Snapshot
}

// Selector picks backends for logical models. One Selector instance is
// shared process-wide; per-model round-robin counters live inside it.
type Selector struct {
	health  *health.Registry
	breaker *breaker.Breaker

	rr atomicCounters
}

// New creates a Selector bound to the given registry and breaker.
func New(h *health.Registry, b *breaker.Breaker) *Selector {
	return &Selector{
		health:  h,
		breaker: b,
		rr:      newAtomicCounters(),
	}
}

// Pick chooses one backend for the given logical model, excluding the
// backend indices already tried in this request's retry loop.
func (s *Selector) Pick(model config.LogicalModel, excluded map[int]bool) (Candidate, error) {
	t1, t2 := s.tier(model, excluded)

	tier := t1
	if len(tier) == 0 {
		tier = t2
	}
	if len(tier) == 0 {
		return Candidate{}, ErrNoHealthyBackends
	}

	switch model.Strategy {
	case config.StrategyRandom:
		return randomPick(tier), nil
	case config.StrategyRoundRobin:
		return s.roundRobinPick(model.ID, tier), nil
	case config.StrategyWeightedRandom:
		return weightedRandomPick(tier), nil
	case config.StrategyLeastLatency:
		return s.leastLatencyPick(model.ID, tier), nil
	case config.StrategyFailover:
		return failoverPick(tier), nil
	case config.StrategyWeightedFailover:
		return weightedFailoverPick(tier), nil
	case config.StrategySmartWeightedFailover:
		return weightedFailoverPick(tier), nil
	default:
		return randomPick(tier), nil
	}
}

// EligibleCount returns the number of backends currently in T1 or T2 for
// this model, with no exclusions applied. The retry driver uses this to
// bound its attempt budget: min(max_internal_retries, |eligible backends|).
func (s *Selector) EligibleCount(model config.LogicalModel) int {
	t1, t2 := s.tier(model, nil)
	return len(t1) + len(t2)
}

// tier partitions the model's enabled, non-excluded, breaker-eligible
// backends into T1 (Closed and not Unhealthy) and T2 (everything else that's
// still eligible: HalfOpen-pending, or Unhealthy-but-Closed).
//
// smart_weighted_failover additionally promotes per_request backends into T1
// even while Unhealthy, since those are never actively probed and passive
// observation alone shouldn't permanently exile them to T2.
func (s *Selector) tier(model config.LogicalModel, excluded map[int]bool) (t1, t2 []Candidate) {
	smart := model.Strategy == config.StrategySmartWeightedFailover

	for i, b := range model.Backends {
		if !b.Enabled || excluded[i] {
			continue
		}
		id := health.BackendID{Model: model.ID, Index: i}
		if !s.breaker.Eligible(id) {
			continue
		}

		snap := s.health.Snapshot(id)
		cand := Candidate{ID: id, Backend: b, Health: snap}

		breakerState := s.breaker.StateOf(id)
		closed := breakerState == breaker.Closed

		switch {
		case closed && snap.Status != health.Unhealthy:
			t1 = append(t1, cand)
		case closed && snap.Status == health.Unhealthy && smart && b.BillingMode == config.BillingPerRequest:
			t1 = append(t1, cand)
		default:
			t2 = append(t2, cand)
		}
	}
	return t1, t2
}

func randomPick(tier []Candidate) Candidate {
	return tier[rand.Intn(len(tier))]
}

func sortedByPriorityThenIndex(tier []Candidate) []Candidate {
	sorted := make([]Candidate, len(tier))
	copy(sorted, tier)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Backend.Priority != sorted[j].Backend.Priority {
			return sorted[i].Backend.Priority < sorted[j].Backend.Priority
		}
		if sorted[i].Backend.Provider != sorted[j].Backend.Provider {
			return sorted[i].Backend.Provider < sorted[j].Backend.Provider
		}
		return sorted[i].ID.Index < sorted[j].ID.Index
	})
	return sorted
}

func (s *Selector) roundRobinPick(modelID string, tier []Candidate) Candidate {
	sorted := sortedByPriorityThenIndex(tier)
	n := s.rr.next(modelID)
	return sorted[n%uint64(len(sorted))]
}

func effectiveWeight(c Candidate) float64 {
	w := c.Backend.Weight * c.Health.WeightMultiplier
	if w <= 0 {
		return 0.0001 // every enabled backend must remain sampleable
	}
	return w
}

func weightedRandomPick(tier []Candidate) Candidate {
	sorted := sortedByPriorityThenIndex(tier)

	total := 0.0
	for _, c := range sorted {
		total += effectiveWeight(c)
	}

	r := rand.Float64() * total
	acc := 0.0
	for _, c := range sorted {
		acc += effectiveWeight(c)
		if r < acc {
			return c
		}
	}
	return sorted[len(sorted)-1]
}

func (s *Selector) leastLatencyPick(modelID string, tier []Candidate) Candidate {
	allAtSeed := true
	for _, c := range tier {
		if !s.health.AtSeedLatency(c.ID) {
			allAtSeed = false
			break
		}
	}
	if allAtSeed {
		return s.roundRobinPick(modelID, tier)
	}

	sorted := sortedByPriorityThenIndex(tier)
	best := sorted[0]
	for _, c := range sorted[1:] {
		if c.Health.LatencyEWMAMillis < best.Health.LatencyEWMAMillis {
			best = c
		}
	}
	return best
}

func failoverPick(tier []Candidate) Candidate {
	sorted := sortedByPriorityThenIndex(tier)
	return sorted[0]
}

// weightedFailoverPick groups the tier by priority and applies weighted
// sampling within the lowest-priority group present. Shared by
// weighted_failover and smart_weighted_failover — the two only differ in
// which backends made it into the tier (see tier above).
func weightedFailoverPick(tier []Candidate) Candidate {
	lowest := tier[0].Backend.Priority
	for _, c := range tier[1:] {
		if c.Backend.Priority < lowest {
			lowest = c.Backend.Priority
		}
	}

	var group []Candidate
	for _, c := range tier {
		if c.Backend.Priority == lowest {
			group = append(group, c)
		}
	}
	return weightedRandomPick(group)
}

// atomicCounters holds one atomic uint64 per logical model for round robin.
// The map itself is guarded by a mutex only for the lazy-insert path; the
// hot increment goes through atomic.AddUint64 on the per-model counter, so
// concurrent picks across different models never contend.
type atomicCounters struct {
	mu       sync.Mutex
	counters map[string]*uint64
}

func newAtomicCounters() atomicCounters {
	return atomicCounters{counters: make(map[string]*uint64)}
}

func (a *atomicCounters) next(modelID string) uint64 {
	a.mu.Lock()
	c, ok := a.counters[modelID]
	if !ok {
		var v uint64
		c = &v
		a.counters[modelID] = c
	}
	a.mu.Unlock()
	return atomic.AddUint64(c, 1) - 1
}
