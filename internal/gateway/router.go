package gateway

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// RouterConfig tunes the failover behavior.
type RouterConfig struct {
	AttemptTimeout time.Duration // per-provider timeout within one Complete call
	StreamBuffer   int           // chunk buffer per streamed call
}

// DefaultRouterConfig returns the default failover settings.
func DefaultRouterConfig() RouterConfig {
	return RouterConfig{
		AttemptTimeout: 30 * time.Second,
		StreamBuffer:   16,
	}
}

func (c *RouterConfig) normalize() {
	if c.AttemptTimeout <= 0 {
		c.AttemptTimeout = 30 * time.Second
	}
	if c.StreamBuffer <= 0 {
		c.StreamBuffer = 16
	}
}

// Router selects, calls and fails over between providers.
type Router struct {
	registry *Registry
	cfg      RouterConfig
	logger   zerolog.Logger
}

// NewRouter creates a router over the given registry.
func NewRouter(registry *Registry, cfg RouterConfig, logger zerolog.Logger) *Router {
	cfg.normalize()
	return &Router{
		registry: registry,
		cfg:      cfg,
		logger:   logger.With().Str("component", "gateway").Logger(),
	}
}

// Registry returns the provider registry behind the router.
func (rt *Router) Registry() *Registry {
	return rt.registry
}

// candidates builds the ordered attempt list, front-loading the preferred
// provider when it is present (i.e. not excluded as unavailable).
func (rt *Router) candidates(capability Capability, preferred string) []Provider {
	list := rt.registry.List(capability)
	if preferred == "" {
		return list
	}
	for i, p := range list {
		if p.ID == preferred {
			reordered := make([]Provider, 0, len(list))
			reordered = append(reordered, p)
			reordered = append(reordered, list[:i]...)
			reordered = append(reordered, list[i+1:]...)
			return reordered
		}
	}
	return list
}

// Complete routes a non-streaming completion across providers. Each candidate
// is attempted at most once with an independent timeout; failures are
// recorded against the provider and the next candidate is tried. An
// ExhaustedError is returned only after every candidate has failed.
func (rt *Router) Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	var attempts []Attempt
	for _, p := range rt.candidates(CapabilityChat, req.PreferredProvider) {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		attemptCtx, cancel := context.WithTimeout(ctx, rt.cfg.AttemptTimeout)
		start := time.Now()
		text, truncated, err := p.Client.Complete(attemptCtx, req)
		latency := time.Since(start)
		cancel()

		if err != nil {
			// Shutdown cancellation is not the provider's fault.
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			kind := ClassifyFailure(err)
			rt.registry.MarkFailure(p.ID, kind)
			attempts = append(attempts, Attempt{Provider: p.ID, Kind: kind, Detail: err.Error()})
			rt.logger.Warn().
				Str("provider", p.ID).
				Str("kind", string(kind)).
				Err(err).
				Msg("provider attempt failed, trying next candidate")
			continue
		}

		rt.registry.MarkSuccess(p.ID, latency)
		return &CompletionResponse{
			Text:      text,
			Provider:  p.ID,
			Latency:   latency,
			Truncated: truncated,
		}, nil
	}
	return nil, &ExhaustedError{Attempts: attempts}
}

// CompleteStream routes a streaming completion. Failover happens only while
// opening the stream: once a provider has begun emitting chunks it owns the
// call, and a mid-stream failure terminates the response with a
// StreamInterruptedError instead of silently switching providers. Partial
// text from two different models must never be concatenated.
func (rt *Router) CompleteStream(ctx context.Context, req CompletionRequest) (string, <-chan StreamChunk, error) {
	var attempts []Attempt
	for _, p := range rt.candidates(CapabilityStreaming, req.PreferredProvider) {
		if ctx.Err() != nil {
			return "", nil, ctx.Err()
		}

		src, err := p.Client.Stream(ctx, req)
		if err != nil {
			if ctx.Err() != nil {
				return "", nil, ctx.Err()
			}
			kind := ClassifyFailure(err)
			rt.registry.MarkFailure(p.ID, kind)
			attempts = append(attempts, Attempt{Provider: p.ID, Kind: kind, Detail: err.Error()})
			rt.logger.Warn().
				Str("provider", p.ID).
				Str("kind", string(kind)).
				Err(err).
				Msg("failed to open stream, trying next candidate")
			continue
		}

		out := make(chan StreamChunk, rt.cfg.StreamBuffer)
		go rt.pumpStream(p.ID, time.Now(), src, out)
		return p.ID, out, nil
	}
	return "", nil, &ExhaustedError{Attempts: attempts}
}

// pumpStream drains one provider stream into the caller's channel and settles
// the provider's health from the terminal chunk.
func (rt *Router) pumpStream(providerID string, start time.Time, src <-chan StreamChunk, out chan<- StreamChunk) {
	defer close(out)
	for chunk := range src {
		if chunk.Err != nil {
			rt.registry.MarkFailure(providerID, FailureStream)
			out <- StreamChunk{Err: &StreamInterruptedError{Provider: providerID, Cause: chunk.Err}}
			return
		}
		if chunk.Done {
			rt.registry.MarkSuccess(providerID, time.Since(start))
			out <- StreamChunk{Done: true}
			return
		}
		out <- chunk
	}
	// Source closed without a terminal chunk; treat as an interrupted stream.
	rt.registry.MarkFailure(providerID, FailureStream)
	out <- StreamChunk{Err: &StreamInterruptedError{Provider: providerID, Cause: context.Canceled}}
}
