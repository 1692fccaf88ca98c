// Package providers defines the common interfaces and normalized request/
// response types shared by every upstream LLM client (OpenAI, Anthropic,
// Azure OpenAI, Gemini, Vertex AI, Mistral, Bedrock, and arbitrary
// OpenAI-compatible relays).
//
// Each concrete client lives in its own sub-package and implements Provider.
// Providers that support embeddings additionally implement EmbeddingProvider.
// A Provider never knows about logical models, backend weights, selector
// strategies, or circuit breakers — that bookkeeping lives one layer up, in
// internal/proxy and internal/config. A Provider only knows how to talk to
// one upstream endpoint with one credential.
package providers

import (
	"context"
	"time"
)

type (
	// StreamChunk is a single token chunk delivered during a streaming response.
	StreamChunk struct {
		Content      string
		FinishReason string
	}

	// Message is a single turn in a conversation (role + text content).
	Message struct {
		Role    string
		Content string
	}

	// Usage — token usage stats.
	Usage struct {
		InputTokens  int
		OutputTokens int
	}

	// ProxyRequest — normalized client request, already addressed to one
	// backend by the caller (selector + retry driver resolve Model/APIKey
	// before the forwarder builds this).
	ProxyRequest struct {
		Model       string
		Messages    []Message
		Stream      bool
		Temperature float64
		MaxTokens   int
		WorkspaceID string
		APIKey      string
		APIKeyID    string
		RequestID   string
	}

	// ProxyResponse — normalized provider response.
	ProxyResponse struct {
		ID      string
		Model   string
		Content string
		Usage   Usage
		Stream  <-chan StreamChunk // nil if it's not a stream.
	}

	// EmbeddingRequest — normalized embedding request.
	EmbeddingRequest struct {
		// Input is the list of texts to embed. Always at least one element.
		Input []string
		// Model is the provider-native model name (e.g. "text-embedding-3-small").
		Model       string
		WorkspaceID string
		APIKey      string
		APIKeyID    string
		RequestID   string
	}

	// EmbeddingData — a single embedding vector.
	EmbeddingData struct {
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	}

	// EmbeddingResponse — normalized embedding response.
	EmbeddingResponse struct {
		Model string
		Data  []EmbeddingData
		Usage Usage
	}
)

// Provider is an upstream LLM client bound to one credential and base URL.
// Name returns the configured provider id, not a hardcoded vendor constant —
// a deployment can run several same-vendor providers under distinct ids
// (e.g. "openai-primary" and "openai-eu-relay").
type Provider interface {
	Name() string
	Request(ctx context.Context, req *ProxyRequest) (*ProxyResponse, error)
	HealthCheck(ctx context.Context) error
}

// EmbeddingProvider is an optional interface implemented by providers that
// support the embeddings API. Check with a type assertion before calling.
type EmbeddingProvider interface {
	Embed(ctx context.Context, req *EmbeddingRequest) (*EmbeddingResponse, error)
}

// StatusCoder is implemented by provider errors that carry an upstream HTTP
// status code. The forwarder and retry driver use it to classify an error
// into the Retryable/Fatal buckets without string-matching messages.
type StatusCoder interface {
	HTTPStatus() int
}

// Per-provider HTTP client tuning. Every provider client is built with an
// http.Client whose Timeout is ProviderTimeout; ProviderMaxRetries is not
// read by any client.
const (
	ProviderTimeout    = 30 * time.Second
	ProviderMaxRetries = 3
)

// namedProvider overrides Name() on a wrapped Provider. Most vendor clients
// hardcode their own Name() to a constant (e.g. "openai"); WithName lets app
// wiring expose several same-vendor providers under distinct configured ids
// (e.g. "openai-primary", "openai-eu-relay").
type namedProvider struct {
	Provider
	name string
}

func (n *namedProvider) Name() string { return n.name }

type namedEmbeddingProvider struct {
	namedProvider
	emb EmbeddingProvider
}

func (n *namedEmbeddingProvider) Embed(ctx context.Context, req *EmbeddingRequest) (*EmbeddingResponse, error) {
	return n.emb.Embed(ctx, req)
}

// WithName wraps p so Name() reports id instead of p's own name. If p also
// implements EmbeddingProvider, the returned Provider does too.
func WithName(p Provider, id string) Provider {
	base := namedProvider{Provider: p, name: id}
	if ep, ok := p.(EmbeddingProvider); ok {
		return &namedEmbeddingProvider{namedProvider: base, emb: ep}
	}
	return &base
}
