package breaker

import (
	"testing"
	"time"

	"github.com/berryapi/gateway/internal/health"
)

func testConfig() Config {
	return Config{ErrorThreshold: 3, TimeWindow: 60 * time.Second, Cooldown: 30 * time.Second}
}

func TestBreaker_InitialStateClosed(t *testing.T) {
	b := New(testConfig())
	id := health.BackendID{Model: "m", Index: 0}

	if b.StateOf(id) != Closed {
		t.Errorf("expected Closed, got %v", b.StateOf(id))
	}
	if !b.Allow(id) {
		t.Error("closed breaker should allow requests")
	}
}

func TestBreaker_OpensAfterThreshold(t *testing.T) {
	b := New(testConfig())
	id := health.BackendID{Model: "m", Index: 0}

	b.RecordFailure(id)
	b.RecordFailure(id)
	if b.StateOf(id) != Closed {
		t.Fatal("should remain closed before threshold")
	}

	b.RecordFailure(id)
	if b.StateOf(id) != Open {
		t.Error("should be open after reaching threshold")
	}
	if b.Allow(id) {
		t.Error("open breaker should reject requests before cooldown elapses")
	}
	if b.Eligible(id) {
		t.Error("open breaker within cooldown should not be eligible")
	}
}

func TestBreaker_SuccessResets(t *testing.T) {
	b := New(testConfig())
	id := health.BackendID{Model: "m", Index: 0}

	b.RecordFailure(id)
	b.RecordFailure(id)
	b.RecordSuccess(id)

	if b.StateOf(id) != Closed {
		t.Error("success should reset to closed")
	}

	b.RecordFailure(id)
	b.RecordFailure(id)
	if b.StateOf(id) != Closed {
		t.Error("should need the full threshold again after reset")
	}
}

func TestBreaker_WindowReset(t *testing.T) {
	cfg := testConfig()
	b := New(cfg)
	id := health.BackendID{Model: "m", Index: 0}

	b.RecordFailure(id)
	cb := b.get(id)
	cb.mu.Lock()
	cb.windowStart = time.Now().Add(-cfg.TimeWindow - time.Second)
	cb.mu.Unlock()

	b.RecordFailure(id)
	if b.StateOf(id) != Closed {
		t.Error("error count should reset once the window has expired")
	}
}

func TestBreaker_HalfOpenAfterCooldown(t *testing.T) {
	cfg := testConfig()
	b := New(cfg)
	id := health.BackendID{Model: "m", Index: 0}

	for i := 0; i < cfg.ErrorThreshold; i++ {
		b.RecordFailure(id)
	}
	cb := b.get(id)
	cb.mu.Lock()
	cb.openedAt = time.Now().Add(-cfg.Cooldown - time.Second)
	cb.mu.Unlock()

	if !b.Eligible(id) {
		t.Error("expected eligible once cooldown has elapsed")
	}
	if !b.Allow(id) {
		t.Error("expected one admitted probe after cooldown")
	}
	if b.StateOf(id) != HalfOpen {
		t.Errorf("expected HalfOpen, got %v", b.StateOf(id))
	}
	if b.Allow(id) {
		t.Error("second concurrent request should be rejected while probe in flight")
	}
}

func TestBreaker_HalfOpenSuccessCloses(t *testing.T) {
	cfg := testConfig()
	b := New(cfg)
	id := health.BackendID{Model: "m", Index: 0}

	for i := 0; i < cfg.ErrorThreshold; i++ {
		b.RecordFailure(id)
	}
	cb := b.get(id)
	cb.mu.Lock()
	cb.openedAt = time.Now().Add(-cfg.Cooldown - time.Second)
	cb.mu.Unlock()

	b.Allow(id)
	b.RecordSuccess(id)

	if b.StateOf(id) != Closed {
		t.Error("half-open success should close the breaker")
	}
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	cfg := testConfig()
	b := New(cfg)
	id := health.BackendID{Model: "m", Index: 0}

	for i := 0; i < cfg.ErrorThreshold; i++ {
		b.RecordFailure(id)
	}
	cb := b.get(id)
	cb.mu.Lock()
	cb.openedAt = time.Now().Add(-cfg.Cooldown - time.Second)
	cb.mu.Unlock()

	b.Allow(id)
	b.RecordFailure(id)

	if b.StateOf(id) != Open {
		t.Error("half-open failure should reopen the breaker")
	}
}

func TestBreaker_IndependentBackends(t *testing.T) {
	cfg := testConfig()
	b := New(cfg)
	a := health.BackendID{Model: "m", Index: 0}
	other := health.BackendID{Model: "m", Index: 1}

	for i := 0; i < cfg.ErrorThreshold; i++ {
		b.RecordFailure(a)
	}

	if b.StateOf(a) != Open {
		t.Error("a should be open")
	}
	if b.StateOf(other) != Closed {
		t.Error("other backend should remain closed")
	}
	if !b.Allow(other) {
		t.Error("other backend should still allow requests")
	}
}
