package llm

import (
	"context"
	"log/slog"

	"github.com/attractor-dev/attractor/internal/domain"
)

// Router dispatches requests to per-provider clients and walks a model
// fallback chain when the primary model fails transiently.
type Router struct {
	clients map[string]Client
	logger  *slog.Logger
}

func NewRouter(logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{clients: make(map[string]Client), logger: logger}
}

// Register installs the client serving a provider.
func (r *Router) Register(provider string, c Client) {
	r.clients[provider] = c
}

func (r *Router) client(provider string) (Client, error) {
	c, ok := r.clients[provider]
	if !ok {
		return nil, domain.E(domain.KindPrecondition, "no client registered for provider %q", provider)
	}
	return c, nil
}

// StreamWithFallback streams the request against req.Model, then each
// fallback model in order. Only transient failures advance the chain;
// validation and execution failures, and cancellation, end it immediately.
// onFallback, when non-nil, is invoked before each switch. Deltas are
// forwarded live, so a mid-stream fallback restarts the consumer's text;
// callers must treat the returned Response.Text as authoritative.
func (r *Router) StreamWithFallback(ctx context.Context, req Request, fallbacks []string, emit func(delta string) error, onFallback func(from, to string)) (*Response, error) {
	c, err := r.client(req.Provider)
	if err != nil {
		return nil, err
	}

	models := append([]string{req.Model}, fallbacks...)
	var lastErr error
	for i, m := range models {
		if i > 0 {
			if onFallback != nil {
				onFallback(models[i-1], m)
			}
			r.logger.Warn("model fallback applied",
				"provider", req.Provider, "from", models[i-1], "to", m, "error", lastErr)
		}
		attempt := req
		attempt.Model = m
		resp, err := c.Stream(ctx, attempt, emit)
		if err == nil {
			return resp, nil
		}
		if !domain.Retryable(err) {
			return nil, err
		}
		lastErr = err
	}
	return nil, lastErr
}

// CompleteWithFallback is the non-streaming counterpart of
// StreamWithFallback.
func (r *Router) CompleteWithFallback(ctx context.Context, req Request, fallbacks []string, onFallback func(from, to string)) (*Response, error) {
	c, err := r.client(req.Provider)
	if err != nil {
		return nil, err
	}

	models := append([]string{req.Model}, fallbacks...)
	var lastErr error
	for i, m := range models {
		if i > 0 {
			if onFallback != nil {
				onFallback(models[i-1], m)
			}
			r.logger.Warn("model fallback applied",
				"provider", req.Provider, "from", models[i-1], "to", m, "error", lastErr)
		}
		attempt := req
		attempt.Model = m
		resp, err := c.Complete(ctx, attempt)
		if err == nil {
			return resp, nil
		}
		if !domain.Retryable(err) {
			return nil, err
		}
		lastErr = err
	}
	return nil, lastErr
}
