// Package llm provides a unified chat, streaming, and embedding interface
// over multiple LLM providers with health-based failover.
//
// The Client holds exactly one active provider/model pair. When the primary
// becomes unavailable and a secondary is configured, the client flips to the
// secondary at most once for its lifetime; the latch prevents flapping
// between two unreachable endpoints. Availability probes are cached for a
// short TTL to bound probe frequency.
package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Endpoint pairs a provider with the models used through it.
type Endpoint struct {
	Provider   Provider
	ChatModel  string
	EmbedModel string
}

// ClientConfig tunes failover behavior.
type ClientConfig struct {
	AvailabilityTTL time.Duration // probe result cache, default 30s
	ProbeTimeout    time.Duration // per-probe bound, default 5s
}

// Client is the process-wide LLM access point. Safe for concurrent use.
type Client struct {
	logger *slog.Logger

	availabilityTTL time.Duration
	probeTimeout    time.Duration

	mu                sync.Mutex
	primary           Endpoint
	secondary         *Endpoint // nil when no fallback credential is configured
	active            Endpoint
	onSecondary       bool
	fallbackAttempted bool
	lastCheck         time.Time
	lastAvailable     bool
}

// NewClient creates a Client. secondary may be nil, in which case the
// client never fails over.
func NewClient(primary Endpoint, secondary *Endpoint, cfg ClientConfig, logger *slog.Logger) *Client {
	if cfg.AvailabilityTTL <= 0 {
		cfg.AvailabilityTTL = 30 * time.Second
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		logger:          logger,
		availabilityTTL: cfg.AvailabilityTTL,
		probeTimeout:    cfg.ProbeTimeout,
		primary:         primary,
		secondary:       secondary,
		active:          primary,
	}
}

// ActiveProvider returns the name of the currently active provider.
func (c *Client) ActiveProvider() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active.Provider.Name()
}

// ActiveModel returns the chat model of the active endpoint.
func (c *Client) ActiveModel() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active.ChatModel
}

// HasFallback reports whether a secondary endpoint is configured.
func (c *Client) HasFallback() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.secondary != nil
}

// UsingFallback reports whether the client has failed over to the
// secondary endpoint.
func (c *Client) UsingFallback() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.onSecondary
}

// CheckAvailability reports whether the active endpoint can serve requests.
// Results are cached for the configured TTL. When the primary is down and a
// secondary exists, this is where the one-time failover happens.
func (c *Client) CheckAvailability(ctx context.Context) bool {
	c.mu.Lock()
	if time.Since(c.lastCheck) < c.availabilityTTL {
		cached := c.lastAvailable
		c.mu.Unlock()
		return cached
	}
	active := c.active
	c.mu.Unlock()

	probeCtx, cancel := context.WithTimeout(ctx, c.probeTimeout)
	err := active.Provider.CheckAvailability(probeCtx)
	cancel()

	if err != nil {
		c.logger.Warn("provider unavailable",
			"provider", active.Provider.Name(), "error", err)
		if c.tryFallback(ctx) {
			err = nil
		}
	}

	c.mu.Lock()
	c.lastCheck = time.Now()
	c.lastAvailable = err == nil
	c.mu.Unlock()
	return err == nil
}

// tryFallback flips to the secondary endpoint if one is configured and the
// latch has not fired yet. Returns true when the flip happened and the
// secondary answered its probe.
func (c *Client) tryFallback(ctx context.Context) bool {
	c.mu.Lock()
	if c.secondary == nil || c.fallbackAttempted {
		c.mu.Unlock()
		return false
	}
	// Latch fires on the attempt, not on its success, so two dead
	// providers never ping-pong.
	c.fallbackAttempted = true
	secondary := *c.secondary
	c.mu.Unlock()

	probeCtx, cancel := context.WithTimeout(ctx, c.probeTimeout)
	err := secondary.Provider.CheckAvailability(probeCtx)
	cancel()
	if err != nil {
		c.logger.Error("fallback provider also unavailable",
			"provider", secondary.Provider.Name(), "error", err)
		return false
	}

	c.mu.Lock()
	c.active = secondary
	c.onSecondary = true
	c.mu.Unlock()
	c.logger.Info("failed over to secondary provider",
		"provider", secondary.Provider.Name(), "model", secondary.ChatModel)
	return true
}

// withFailover runs op against the active endpoint, attempting the one-time
// provider flip when the failure is an availability error.
func (c *Client) withFailover(ctx context.Context, op func(Endpoint) error) error {
	c.mu.Lock()
	active := c.active
	c.mu.Unlock()

	err := op(active)
	if err == nil || !errors.Is(err, ErrProviderUnavailable) {
		return err
	}

	if !c.tryFallback(ctx) {
		return fmt.Errorf("%w: %w", ErrNoProvider, err)
	}

	c.mu.Lock()
	active = c.active
	c.lastCheck = time.Time{} // force re-probe on next availability check
	c.mu.Unlock()

	if retryErr := op(active); retryErr != nil {
		if errors.Is(retryErr, ErrProviderUnavailable) {
			return fmt.Errorf("%w: %w", ErrNoProvider, retryErr)
		}
		return retryErr
	}
	return nil
}

// Chat sends messages to the active provider and returns the full response.
func (c *Client) Chat(ctx context.Context, msgs []Message, opts ChatOptions) (string, error) {
	var out string
	err := c.withFailover(ctx, func(ep Endpoint) error {
		text, chatErr := ep.Provider.Chat(ctx, ep.ChatModel, msgs, opts)
		if chatErr != nil {
			return chatErr
		}
		out = text
		return nil
	})
	return out, err
}

// StreamChat starts a streaming completion against the active provider.
// Failover applies only to starting the stream; once tokens flow, a broken
// stream surfaces on its done event.
func (c *Client) StreamChat(ctx context.Context, msgs []Message, opts ChatOptions) (<-chan StreamEvent, error) {
	var events <-chan StreamEvent
	err := c.withFailover(ctx, func(ep Endpoint) error {
		ch, streamErr := ep.Provider.StreamChat(ctx, ep.ChatModel, msgs, opts)
		if streamErr != nil {
			return streamErr
		}
		events = ch
		return nil
	})
	return events, err
}

// EmbedTexts embeds texts through the active provider. An empty model uses
// the endpoint's configured embedding model. Satisfies embedding.Provider.
func (c *Client) EmbedTexts(ctx context.Context, model string, texts []string) ([][]float32, error) {
	var out [][]float32
	err := c.withFailover(ctx, func(ep Endpoint) error {
		m := model
		if m == "" {
			m = ep.EmbedModel
		}
		vecs, embedErr := ep.Provider.EmbedTexts(ctx, m, texts)
		if embedErr != nil {
			return embedErr
		}
		out = vecs
		return nil
	})
	return out, err
}
