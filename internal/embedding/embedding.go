// Package embedding generates vector embeddings for text with caching,
// batching, and bounded retry.
//
// The Client sits between the indexing/search paths and an embedding
// provider. It batches texts up to a configurable size to respect provider
// rate limits, caches vectors keyed by (model, text) so unchanged content
// never triggers a network call twice, and retries transient provider
// failures with linear backoff.
package embedding

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Provider performs the actual embedding network call.
// Interface defined on the consumer side; internal/llm satisfies it.
type Provider interface {
	// EmbedTexts returns one vector per input text, in input order.
	EmbedTexts(ctx context.Context, model string, texts []string) ([][]float32, error)
}

// ErrProviderUnavailable wraps embedding endpoint failures that survived
// all retry attempts.
var ErrProviderUnavailable = errors.New("embedding provider unavailable")

// Config tunes the client. Zero values get defaults from DefaultConfig.
type Config struct {
	Model      string
	BatchSize  int           // max texts per provider request
	MaxRetries int           // retry attempts per batch
	BaseDelay  time.Duration // linear backoff unit (attempt * BaseDelay)
	CacheSize  int           // max cached vectors
	RateLimit  rate.Limit    // provider requests per second, 0 = unlimited
	Timeout    time.Duration // per-batch call timeout
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		Model:      "nomic-embed-text",
		BatchSize:  16,
		MaxRetries: 3,
		BaseDelay:  500 * time.Millisecond,
		CacheSize:  1024,
		Timeout:    30 * time.Second,
	}
}

// Client generates embeddings through a Provider.
// Safe for concurrent use.
type Client struct {
	provider Provider
	logger   *slog.Logger
	limiter  *rate.Limiter

	batchSize  int
	maxRetries int
	baseDelay  time.Duration
	timeout    time.Duration

	mu         sync.Mutex
	model      string
	dimensions int // 0 until first successful embed
	cache      *lruCache
}

// NewClient creates a Client backed by provider.
func NewClient(provider Provider, cfg Config, logger *slog.Logger) *Client {
	def := DefaultConfig()
	if cfg.Model == "" {
		cfg.Model = def.Model
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = def.BaseDelay
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = def.CacheSize
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if logger == nil {
		logger = slog.Default()
	}

	var limiter *rate.Limiter
	if cfg.RateLimit > 0 {
		limiter = rate.NewLimiter(cfg.RateLimit, 1)
	}

	return &Client{
		provider:   provider,
		logger:     logger,
		limiter:    limiter,
		batchSize:  cfg.BatchSize,
		maxRetries: cfg.MaxRetries,
		baseDelay:  cfg.BaseDelay,
		timeout:    cfg.Timeout,
		model:      cfg.Model,
		cache:      newLRUCache(cfg.CacheSize),
	}
}

// Model returns the active embedding model name.
func (c *Client) Model() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.model
}

// Dimensions returns the vector dimensionality observed from the active
// model, or 0 if nothing has been embedded yet.
func (c *Client) Dimensions() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dimensions
}

// SwitchModel changes the active model. When the new model's declared
// dimensionality differs from what the current cache holds, the cache is
// invalidated so stale-dimension vectors never leak into an index.
func (c *Client) SwitchModel(name string, dimensions int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if name == c.model {
		return
	}
	prev := c.model
	c.model = name
	if dimensions != c.dimensions {
		c.cache.purge()
		c.logger.Info("embedding model switched, cache invalidated",
			"from", prev, "to", name, "dimensions", dimensions)
		c.dimensions = dimensions
		return
	}
	c.logger.Info("embedding model switched", "from", prev, "to", name)
}

// Embed returns one vector per input text, in input order. Cached texts are
// served locally; the rest are fetched in batches of at most BatchSize.
func (c *Client) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	c.mu.Lock()
	model := c.model
	c.mu.Unlock()

	vectors := make([][]float32, len(texts))
	var missing []int

	for i, text := range texts {
		if v, ok := c.cacheGet(model, text); ok {
			vectors[i] = v
			continue
		}
		missing = append(missing, i)
	}

	if len(missing) == 0 {
		return vectors, nil
	}

	for start := 0; start < len(missing); start += c.batchSize {
		end := min(start+c.batchSize, len(missing))
		idxs := missing[start:end]

		batch := make([]string, len(idxs))
		for j, i := range idxs {
			batch[j] = texts[i]
		}

		embedded, err := c.embedBatch(ctx, model, batch)
		if err != nil {
			return nil, err
		}
		if len(embedded) != len(batch) {
			return nil, fmt.Errorf("provider returned %d vectors for %d texts", len(embedded), len(batch))
		}

		for j, i := range idxs {
			vectors[i] = embedded[j]
			c.cachePut(model, texts[i], embedded[j])
		}
	}

	c.mu.Lock()
	if c.dimensions == 0 && len(vectors[0]) > 0 {
		c.dimensions = len(vectors[0])
	}
	c.mu.Unlock()

	return vectors, nil
}

// EmbedOne embeds a single text.
func (c *Client) EmbedOne(ctx context.Context, text string) ([]float32, error) {
	vecs, err := c.Embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// embedBatch performs one provider call with rate limiting and linear
// backoff retry (attempt * baseDelay between tries).
func (c *Client) embedBatch(ctx context.Context, model string, texts []string) ([][]float32, error) {
	var lastErr error

	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			delay := time.Duration(attempt) * c.baseDelay
			c.logger.Debug("retrying embedding batch",
				"attempt", attempt, "delay", delay, "error", lastErr)
			select {
			case <-ctx.Done():
				return nil, fmt.Errorf("context canceled during embedding retry: %w", ctx.Err())
			case <-time.After(delay):
			}
		}

		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return nil, fmt.Errorf("rate limit wait: %w", err)
			}
		}

		callCtx, cancel := context.WithTimeout(ctx, c.timeout)
		vectors, err := c.provider.EmbedTexts(callCtx, model, texts)
		cancel()
		if err == nil {
			return vectors, nil
		}
		lastErr = err
	}

	return nil, fmt.Errorf("%w: %d texts after %d retries: %v",
		ErrProviderUnavailable, len(texts), c.maxRetries, lastErr)
}

func (c *Client) cacheGet(model, text string) ([]float32, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cache.get(cacheKey(model, text))
}

func (c *Client) cachePut(model, text string, vec []float32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache.put(cacheKey(model, text), vec)
}

// CacheLen reports the number of cached vectors.
func (c *Client) CacheLen() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cache.len()
}

func cacheKey(model, text string) string {
	h := sha256.Sum256([]byte(model + "\x00" + text))
	return hex.EncodeToString(h[:])
}

// CosineSimilarity computes the cosine similarity of two vectors. It is a
// pure function reused by search and find-similar paths. Returns 0 when
// either vector is empty or dimensions mismatch; never panics.
func CosineSimilarity(a, b []float32) float32 {
	if len(a) == 0 || len(b) == 0 || len(a) != len(b) {
		return 0
	}

	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return float32(dot / (math.Sqrt(normA) * math.Sqrt(normB)))
}
