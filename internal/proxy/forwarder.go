package proxy

import (
	"context"
	"errors"

	"github.com/berryapi/gateway/internal/health"
	"github.com/berryapi/gateway/internal/providers"
)

// OutcomeKind tags the shape of a forwarder Outcome. Encoding it as a sum
// type (rather than a plain error) is what keeps the retry driver from ever
// retrying a request whose bytes have already reached the client — see
// Outcome.
type OutcomeKind int

const (
	// OutcomeCompleted — a full non-streaming response was received.
	OutcomeCompleted OutcomeKind = iota
	// OutcomeFirstByteSent — a stream handle was obtained; once returned to
	// the caller, no retry is possible even if the stream errors mid-flight.
	OutcomeFirstByteSent
	// OutcomeRetryable — the call failed in a way the retry driver may
	// absorb by trying the next backend.
	OutcomeRetryable
	// OutcomeFatal — the call failed in a way that must be surfaced to the
	// client unchanged; no other backend would produce a different result.
	OutcomeFatal
)

// Outcome is the forwarder's sole return value, matching spec's
// `Outcome is one of Completed / FirstByteSent / Retryable / Fatal`. The
// retry driver switches on Kind and nothing else — there is no separate
// error return that could be consulted instead of the Kind tag.
type Outcome struct {
	Kind        OutcomeKind
	Response    *providers.ProxyResponse
	FailureKind health.FailureKind
	Err         error
}

// Forwarder invokes one provider and classifies the result. It wraps the
// existing providers.Provider.Request call (kept as-is across every
// SDK-backed client) rather than changing each provider's signature to
// return Outcome directly — classification is entirely mechanical given the
// providers.StatusCoder interface those clients already implement.
type Forwarder struct{}

// NewForwarder creates a stateless Forwarder.
func NewForwarder() *Forwarder { return &Forwarder{} }

// Invoke calls prov.Request and classifies the result into an Outcome.
func (f *Forwarder) Invoke(ctx context.Context, prov providers.Provider, req *providers.ProxyRequest) Outcome {
	resp, err := prov.Request(ctx, req)
	if err != nil {
		kind, fatal := classify(err)
		if fatal {
			return Outcome{Kind: OutcomeFatal, FailureKind: kind, Err: err}
		}
		return Outcome{Kind: OutcomeRetryable, FailureKind: kind, Err: err}
	}

	if resp.Stream != nil {
		return Outcome{Kind: OutcomeFirstByteSent, Response: resp}
	}
	return Outcome{Kind: OutcomeCompleted, Response: resp}
}

// classify maps a provider error into a health.FailureKind and whether it is
// fatal (non-retryable). Grounded on the teacher's isRetryable/classifyError
// in failover.go, extended with the auth/malformed/429 buckets spec.md names
// explicitly.
func classify(err error) (kind health.FailureKind, fatal bool) {
	if errors.Is(err, context.DeadlineExceeded) {
		return health.FailureTimeout, false
	}

	var sc providers.StatusCoder
	if errors.As(err, &sc) {
		status := sc.HTTPStatus()
		switch {
		case status == 401 || status == 403:
			return health.FailureUpstreamAuth, true
		case status == 429:
			return health.FailureUpstream429, false
		case status >= 500 && status < 600:
			return health.FailureUpstream5xx, false
		case status >= 400 && status < 500:
			return health.FailureUpstreamClient, true
		}
	}

	var me *MalformedResponseError
	if errors.As(err, &me) {
		return health.FailureMalformed, false
	}

	// Unknown/network errors are treated conservatively as retryable,
	// matching the teacher's default in classifyError/isRetryable.
	return health.FailureNetwork, false
}

// MalformedResponseError marks an upstream response that parsed but didn't
// match the expected shape (e.g. no choices array). Providers that detect
// this should wrap it so the forwarder classifies it as FailureMalformed
// instead of the generic network bucket.
type MalformedResponseError struct {
	Err error
}

func (e *MalformedResponseError) Error() string { return "malformed upstream response: " + e.Err.Error() }
func (e *MalformedResponseError) Unwrap() error { return e.Err }
