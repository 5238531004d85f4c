// Package llm defines the provider capability interface and the dispatcher
// that walks a ranked provider list with timeout, retry, and failover policy.
package llm

import (
	"context"
	"errors"
	"time"
)

// Defaults applied when a provider's config omits them.
const (
	DefaultAttemptTimeout = 8 * time.Second
	DefaultRetries        = 2
	DefaultMaxTokens      = 500
	DefaultTemperature    = 0.7
)

// Domain errors for the llm package.
var (
	ErrEmptyCompletion = errors.New("provider returned an empty completion")
	ErrNoProviders     = errors.New("no providers configured")
)

// Provider is the capability interface every LLM backend implements. The
// ranking list is data; there is no provider type hierarchy.
type Provider interface {
	// Name returns the provider identifier (e.g. "openai", "groq", "mistral").
	Name() string
	// Generate sends a completion request and returns the response. The
	// caller bounds the call with a per-attempt context deadline.
	Generate(ctx context.Context, req *Request) (*Response, error)
}

// Request is an LLM generation request.
type Request struct {
	Model       string
	Messages    []Message
	Temperature float64
	MaxTokens   int
}

// Message is a chat message.
type Message struct {
	Role    string // "system", "user", "assistant"
	Content string
}

// Response is an LLM generation response.
type Response struct {
	Content      string
	FinishReason string
	InputTokens  int
	OutputTokens int
	Model        string
}
