package proxy

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/berryapi/gateway/internal/breaker"
	"github.com/berryapi/gateway/internal/config"
	"github.com/berryapi/gateway/internal/health"
	"github.com/berryapi/gateway/internal/metrics"
	"github.com/berryapi/gateway/internal/providers"
	"github.com/berryapi/gateway/internal/selector"
)

// AllBackendsFailedError is returned once the retry budget is exhausted with
// at least one attempt made; its body echoes the last upstream error kind,
// per spec's AllBackendsFailed bucket.
type AllBackendsFailedError struct {
	Attempts int
	LastKind health.FailureKind
	LastErr  error
}

func (e *AllBackendsFailedError) Error() string {
	return fmt.Sprintf("retrydriver: all backends failed after %d attempt(s): %v", e.Attempts, e.LastErr)
}
func (e *AllBackendsFailedError) Unwrap() error { return e.LastErr }

// FatalUpstreamError wraps a non-retryable upstream outcome (client 4xx or
// fatal auth failure) that must be surfaced to the caller unchanged.
type FatalUpstreamError struct {
	Outcome Outcome
}

func (e *FatalUpstreamError) Error() string {
	return fmt.Sprintf("retrydriver: fatal upstream error: %v", e.Outcome.Err)
}
func (e *FatalUpstreamError) Unwrap() error { return e.Outcome.Err }

// ErrNoHealthyBackends is re-exported from selector so callers only need to
// import this package.
var ErrNoHealthyBackends = selector.ErrNoHealthyBackends

// RetryDriver implements dispatch(logical_model, request) -> response|error
// from spec §4.5: it repeatedly asks the selector for a backend, invokes the
// forwarder, and records the outcome, bounded by
// min(max_internal_retries, |eligible backends|). Grounded on the teacher's
// requestWithFailover in failover.go, generalized from a fixed provider
// fallback order to selector-driven backend exclusion and from a single
// error return to the Outcome sum type.
type RetryDriver struct {
	selector  *selector.Selector
	breaker   *breaker.Breaker
	health    *health.Registry
	forwarder *Forwarder
	providers map[string]providers.Provider
	settings  config.Settings
	log       *slog.Logger
	metrics   *metrics.Registry
}

// NewRetryDriver wires a RetryDriver from its dependencies. metrics may be
// nil (e.g. in unit tests), in which case per-backend gauge updates are
// skipped.
func NewRetryDriver(
	sel *selector.Selector,
	brk *breaker.Breaker,
	hr *health.Registry,
	fwd *Forwarder,
	provs map[string]providers.Provider,
	settings config.Settings,
	log *slog.Logger,
	met *metrics.Registry,
) *RetryDriver {
	return &RetryDriver{
		selector:  sel,
		breaker:   brk,
		health:    hr,
		forwarder: fwd,
		providers: provs,
		settings:  settings,
		log:       log,
		metrics:   met,
	}
}

// syncMetrics pushes cand's current health/breaker snapshot into the metrics
// registry, if one is configured. Called after every event that can move a
// backend's state so the exported gauges never lag what the selector acted on.
func (rd *RetryDriver) syncMetrics(id health.BackendID, provider string) {
	if rd.metrics == nil {
		return
	}
	snap := rd.health.Snapshot(id)
	rd.metrics.SyncBackend(id.Model, id.Index, provider, snap.Status, snap.LatencyEWMAMillis, snap.WeightMultiplier, int64(rd.breaker.StateOf(id)))
}

// Dispatch runs the retry loop for one logical model and request. The
// returned health.BackendID and provider id identify which backend actually
// served the response (Completed or FirstByteSent) — callers that hand a
// stream handle onward to the client need them to report a mid-stream
// failure back into the health registry, breaker, and metrics once bytes
// have already been committed and no further retry is possible (see
// ReportStreamFailure).
func (rd *RetryDriver) Dispatch(ctx context.Context, model config.LogicalModel, req *providers.ProxyRequest) (*providers.ProxyResponse, health.BackendID, string, error) {
	eligible := rd.selector.EligibleCount(model)
	attemptsRemaining := min(rd.settings.MaxInternalRetries, eligible)
	if attemptsRemaining == 0 {
		return nil, health.BackendID{}, "", ErrNoHealthyBackends
	}

	tried := make(map[int]bool)
	attempts := 0
	var lastErr error
	var lastKind health.FailureKind

	for {
		if attemptsRemaining <= 0 {
			if attempts == 0 {
				return nil, health.BackendID{}, "", ErrNoHealthyBackends
			}
			return nil, health.BackendID{}, "", &AllBackendsFailedError{Attempts: attempts, LastKind: lastKind, LastErr: lastErr}
		}

		cand, err := rd.selector.Pick(model, tried)
		if err != nil {
			if attempts == 0 {
				return nil, health.BackendID{}, "", ErrNoHealthyBackends
			}
			return nil, health.BackendID{}, "", &AllBackendsFailedError{Attempts: attempts, LastKind: lastKind, LastErr: lastErr}
		}

		prov, ok := rd.providers[cand.Backend.Provider]
		if !ok {
			tried[cand.ID.Index] = true
			attemptsRemaining--
			continue
		}

		if !rd.breaker.Allow(cand.ID) {
			if rd.metrics != nil {
				rd.metrics.RecordCircuitBreakerRejection(cand.ID.Model, cand.ID.Index, cand.Backend.Provider, rd.breaker.StateOf(cand.ID).String())
			}
			tried[cand.ID.Index] = true
			attemptsRemaining--
			continue
		}

		backendReq := *req
		backendReq.Model = cand.Backend.Model

		start := time.Now()
		outcome := rd.forwarder.Invoke(ctx, prov, &backendReq)
		elapsed := time.Since(start)
		attempts++

		switch outcome.Kind {
		case OutcomeCompleted, OutcomeFirstByteSent:
			rd.health.RecordSuccess(cand.ID, elapsed)
			rd.breaker.RecordSuccess(cand.ID)
			rd.syncMetrics(cand.ID, cand.Backend.Provider)
			return outcome.Response, cand.ID, cand.Backend.Provider, nil

		case OutcomeRetryable:
			rd.health.RecordFailure(cand.ID, outcome.FailureKind, rd.settings.CircuitBreakerFailureThreshold)
			rd.breaker.RecordFailure(cand.ID)
			if rd.metrics != nil {
				rd.metrics.RecordBackendError(cand.ID.Model, cand.ID.Index, cand.Backend.Provider, outcome.FailureKind.String())
			}
			rd.syncMetrics(cand.ID, cand.Backend.Provider)
			if rd.log != nil {
				rd.log.WarnContext(ctx, "backend_attempt_failed",
					slog.String("request_id", req.RequestID),
					slog.String("model", model.ID),
					slog.Int("backend_index", cand.ID.Index),
					slog.String("provider", cand.Backend.Provider),
					slog.String("error", outcome.Err.Error()),
				)
			}
			lastErr = outcome.Err
			lastKind = outcome.FailureKind
			tried[cand.ID.Index] = true
			attemptsRemaining--
			continue

		case OutcomeFatal:
			if rd.metrics != nil {
				rd.metrics.RecordBackendError(cand.ID.Model, cand.ID.Index, cand.Backend.Provider, outcome.FailureKind.String())
			}
			if outcome.FailureKind == health.FailureUpstreamAuth {
				rd.health.RecordFailure(cand.ID, outcome.FailureKind, rd.settings.CircuitBreakerFailureThreshold)
				rd.breaker.RecordFailure(cand.ID)
				rd.syncMetrics(cand.ID, cand.Backend.Provider)
			}
			return nil, health.BackendID{}, "", &FatalUpstreamError{Outcome: outcome}

		default:
			return nil, health.BackendID{}, "", fmt.Errorf("retrydriver: unknown outcome kind %d", outcome.Kind)
		}
	}
}

// ReportStreamFailure records a failure observed after FirstByteSent already
// committed a backend to the client — spec's S4 scenario: the retry driver
// cannot fail over once bytes are flushed, but the backend's health and
// breaker bookkeeping still need the failure so the next request routes
// around it. Kind is almost always health.FailureNetwork: a stream that
// dies mid-flight looks like a dropped connection regardless of the
// underlying cause.
func (rd *RetryDriver) ReportStreamFailure(id health.BackendID, provider string, kind health.FailureKind) {
	rd.health.RecordFailure(id, kind, rd.settings.CircuitBreakerFailureThreshold)
	rd.breaker.RecordFailure(id)
	if rd.metrics != nil {
		rd.metrics.RecordBackendError(id.Model, id.Index, provider, kind.String())
	}
	rd.syncMetrics(id, provider)
}
