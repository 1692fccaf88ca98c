// Package breaker implements the per-backend three-state circuit breaker:
// Closed -> Open on a failure threshold within a rolling window, Open ->
// HalfOpen after a cooldown, HalfOpen -> Closed on a successful probe or back
// to Open on a failed one, with at most one admitted in-flight probe.
//
// Adapted from the teacher's internal/proxy/circuitbreaker.go, re-keyed from
// a provider-name string to a health.BackendID so that two backends sharing
// the same provider trip independently.
package breaker

import (
	"sync"
	"time"

	"github.com/berryapi/gateway/internal/health"
)

type state int

const (
	closed state = iota
	open
	halfOpen
)

func (s state) String() string {
	switch s {
	case open:
		return "open"
	case halfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

// Config holds circuit breaker tuning, loaded from config.Settings.
type Config struct {
	// ErrorThreshold is the number of failures within TimeWindow that trips
	// the breaker (circuit_breaker_failure_threshold).
	ErrorThreshold int
	// TimeWindow is the rolling window for counting errors. The teacher
	// tracks this separately from the cooldown; this repo reuses the
	// cooldown duration as the counting window too, since spec.md's config
	// surface exposes only one timeout per backend, not two.
	TimeWindow time.Duration
	// Cooldown is how long the breaker stays Open before admitting one
	// half-open probe (circuit_breaker_timeout_seconds).
	Cooldown time.Duration
}

type backendCB struct {
	mu sync.Mutex

	state         state
	errorCount    int
	windowStart   time.Time
	openedAt      time.Time
	probeInflight bool
}

// Breaker manages independent circuit breakers for each backend. Safe for
// concurrent use.
type Breaker struct {
	cfg Config

	mu       sync.RWMutex
	breakers map[health.BackendID]*backendCB
}

// New creates a Breaker with the given thresholds.
func New(cfg Config) *Breaker {
	return &Breaker{
		cfg:      cfg,
		breakers: make(map[health.BackendID]*backendCB),
	}
}

func (b *Breaker) get(id health.BackendID) *backendCB {
	b.mu.RLock()
	cb, ok := b.breakers[id]
	b.mu.RUnlock()
	if ok {
		return cb
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if cb, ok := b.breakers[id]; ok {
		return cb
	}
	cb = &backendCB{state: closed, windowStart: time.Now()}
	b.breakers[id] = cb
	return cb
}

// Allow reports whether the backend should receive the next request.
//
//   - Closed   -> always true.
//   - Open     -> false, unless the cooldown elapsed, in which case the
//     breaker transitions to HalfOpen and admits exactly one probe.
//   - HalfOpen -> true only if no probe is currently in flight.
func (b *Breaker) Allow(id health.BackendID) bool {
	cb := b.get(id)

	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case closed:
		return true

	case open:
		if time.Since(cb.openedAt) >= b.cfg.Cooldown {
			cb.state = halfOpen
			cb.probeInflight = true
			return true
		}
		return false

	case halfOpen:
		if cb.probeInflight {
			return false
		}
		cb.probeInflight = true
		return true
	}

	return true
}

// RecordSuccess resets the breaker to Closed regardless of its previous
// state — a half-open probe success closes it, same as any other success.
func (b *Breaker) RecordSuccess(id health.BackendID) {
	cb := b.get(id)

	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.state = closed
	cb.errorCount = 0
	cb.probeInflight = false
	cb.windowStart = time.Now()
}

// RecordFailure increments the error counter. When the counter reaches
// ErrorThreshold within TimeWindow the breaker opens (or, if the failure
// happened during a half-open probe, reopens immediately).
func (b *Breaker) RecordFailure(id health.BackendID) {
	cb := b.get(id)

	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := time.Now()

	if cb.state == halfOpen {
		cb.state = open
		cb.openedAt = now
		cb.probeInflight = false
		cb.errorCount = b.cfg.ErrorThreshold
		return
	}

	if now.Sub(cb.windowStart) > b.cfg.TimeWindow {
		cb.errorCount = 0
		cb.windowStart = now
	}

	cb.errorCount++
	cb.probeInflight = false

	if cb.errorCount >= b.cfg.ErrorThreshold {
		cb.state = open
		cb.openedAt = now
	}
}

// Eligible reports whether the selector may consider this backend at all —
// false only while truly Open (cooldown not yet elapsed). A backend whose
// cooldown has elapsed is reported eligible even though it has not yet been
// admitted into HalfOpen: that admission, and its single-probe gating, only
// happens when the retry driver actually invokes Allow for the chosen
// backend. This keeps the read-only tiering pass free of side effects, so
// evaluating tiers for logging or metrics can never itself consume the one
// admitted half-open probe.
func (b *Breaker) Eligible(id health.BackendID) bool {
	cb := b.get(id)
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state != open {
		return true
	}
	return time.Since(cb.openedAt) >= b.cfg.Cooldown
}

// StateOf returns the raw persisted state, exported as State for metrics/snapshot use.
func (b *Breaker) StateOf(id health.BackendID) State {
	cb := b.get(id)
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return State(cb.state)
}

// State is the exported circuit breaker state, used by callers outside this
// package (metrics, the admin snapshot endpoint).
type State int

const (
	Closed   State = State(closed)
	Open     State = State(open)
	HalfOpen State = State(halfOpen)
)

func (s State) String() string { return state(s).String() }
