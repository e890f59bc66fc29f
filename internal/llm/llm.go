// Package llm adapts language-model providers behind a single client
// interface with token-level streaming and a model fallback chain.
package llm

import (
	"context"
	"errors"
	"fmt"

	anthropicsdk "github.com/anthropics/anthropic-sdk-go"
	openaisdk "github.com/openai/openai-go"

	"github.com/attractor-dev/attractor/internal/domain"
)

// Request is one prompt dispatched to a provider.
type Request struct {
	Provider    string
	Model       string
	System      string
	Prompt      string
	Reasoning   string // "", "low", "medium", "high"
	Temperature *float64
	MaxTokens   int
}

// Response is the final assistant output of a completed request.
type Response struct {
	Text         string
	Model        string
	StopReason   string
	InputTokens  int
	OutputTokens int
}

// Client is implemented per provider. Stream forwards each text delta to
// emit in arrival order and returns the final assembled response; an error
// from emit aborts the stream.
type Client interface {
	Complete(ctx context.Context, req Request) (*Response, error)
	Stream(ctx context.Context, req Request, emit func(delta string) error) (*Response, error)
}

// NewClient constructs the provider-specific client.
func NewClient(provider, apiKey string) (Client, error) {
	switch provider {
	case "anthropic":
		return NewAnthropicClient(apiKey), nil
	case "openai":
		return NewOpenAIClient(apiKey), nil
	}
	return nil, fmt.Errorf("unknown model provider %q", provider)
}

// statusCode extracts the HTTP status from a provider SDK error.
func statusCode(err error) (int, bool) {
	var ae *anthropicsdk.Error
	if errors.As(err, &ae) {
		return ae.StatusCode, true
	}
	var oe *openaisdk.Error
	if errors.As(err, &oe) {
		return oe.StatusCode, true
	}
	return 0, false
}

// ClassifyProviderError maps a provider failure to the error taxonomy:
// cancellation propagates as Canceled, rate limits and server-side failures
// are retriable, everything else fails the attempt deterministically.
func ClassifyProviderError(err error, provider string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return domain.Wrap(domain.KindCanceled, err, "%s call canceled", provider)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return domain.Wrap(domain.KindTransient, err, "%s call timed out", provider)
	}
	if code, ok := statusCode(err); ok {
		if code == 429 || code >= 500 {
			return domain.Wrap(domain.KindTransient, err, "%s returned %d", provider, code)
		}
		return domain.Wrap(domain.KindExecution, err, "%s returned %d", provider, code)
	}
	// Transport-level failures (connection reset, DNS) are worth a retry.
	return domain.Wrap(domain.KindTransient, err, "%s call failed", provider)
}
