package agent

import (
	"context"
	"strings"
	"sync"
	"time"
)

// FallbackConfig configures the provider fallback chain.
type FallbackConfig struct {
	// MaxRetries is the number of retry attempts per provider.
	MaxRetries int

	// RetryBackoff is the initial backoff between retries.
	RetryBackoff time.Duration

	// MaxRetryBackoff caps the exponential backoff.
	MaxRetryBackoff time.Duration
}

// DefaultFallbackConfig returns sensible defaults for fallback.
func DefaultFallbackConfig() *FallbackConfig {
	return &FallbackConfig{
		MaxRetries:      2,
		RetryBackoff:    100 * time.Millisecond,
		MaxRetryBackoff: 5 * time.Second,
	}
}

// FallbackChain wraps an ordered list of providers and implements
// LLMProvider itself. Each completion tries providers in order, with
// per-provider retries on transient errors, and moves down the chain
// when a provider fails outright.
type FallbackChain struct {
	mu        sync.RWMutex
	providers []LLMProvider
	config    *FallbackConfig
}

// NewFallbackChain creates a chain from the primary provider. A nil
// config uses DefaultFallbackConfig.
func NewFallbackChain(primary LLMProvider, config *FallbackConfig) *FallbackChain {
	if config == nil {
		config = DefaultFallbackConfig()
	}
	return &FallbackChain{providers: []LLMProvider{primary}, config: config}
}

// AddProvider appends a fallback provider to the end of the chain.
func (c *FallbackChain) AddProvider(p LLMProvider) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.providers = append(c.providers, p)
}

// Complete implements LLMProvider with ordered fallback.
func (c *FallbackChain) Complete(ctx context.Context, req *CompletionRequest) (<-chan *CompletionChunk, error) {
	c.mu.RLock()
	providers := make([]LLMProvider, len(c.providers))
	copy(providers, c.providers)
	c.mu.RUnlock()

	if len(providers) == 0 {
		return nil, ErrNoProvider
	}

	var lastErr error
	for _, provider := range providers {
		ch, err := c.tryProvider(ctx, provider, req)
		if err == nil {
			return ch, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}
	return nil, lastErr
}

func (c *FallbackChain) tryProvider(ctx context.Context, provider LLMProvider, req *CompletionRequest) (<-chan *CompletionChunk, error) {
	var lastErr error
	backoff := c.config.RetryBackoff

	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		ch, err := provider.Complete(ctx, req)
		if err == nil {
			return ch, nil
		}
		lastErr = err

		if !isProviderRetryable(err) || ctx.Err() != nil || attempt >= c.config.MaxRetries {
			break
		}

		select {
		case <-time.After(backoff):
			backoff *= 2
			if backoff > c.config.MaxRetryBackoff {
				backoff = c.config.MaxRetryBackoff
			}
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return nil, lastErr
}

// Name implements LLMProvider.
func (c *FallbackChain) Name() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.providers) == 0 {
		return "fallback"
	}
	return "fallback:" + c.providers[0].Name()
}

// Models implements LLMProvider, merging models across the chain.
func (c *FallbackChain) Models() []Model {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var all []Model
	seen := make(map[string]bool)
	for _, p := range c.providers {
		for _, m := range p.Models() {
			if !seen[m.ID] {
				seen[m.ID] = true
				all = append(all, m)
			}
		}
	}
	return all
}

// isProviderRetryable checks if an error is worth retrying on the same
// provider before falling through to the next one.
func isProviderRetryable(err error) bool {
	switch classifyProviderError(err) {
	case "rate_limit", "timeout", "server_error":
		return true
	default:
		return false
	}
}

// classifyProviderError buckets provider errors by their message content.
func classifyProviderError(err error) string {
	if err == nil {
		return "unknown"
	}
	errStr := strings.ToLower(err.Error())

	if strings.Contains(errStr, "timeout") ||
		strings.Contains(errStr, "deadline exceeded") ||
		strings.Contains(errStr, "context deadline") {
		return "timeout"
	}
	if strings.Contains(errStr, "rate limit") ||
		strings.Contains(errStr, "rate_limit") ||
		strings.Contains(errStr, "too many requests") ||
		strings.Contains(errStr, "429") {
		return "rate_limit"
	}
	if strings.Contains(errStr, "unauthorized") ||
		strings.Contains(errStr, "invalid api key") ||
		strings.Contains(errStr, "authentication") ||
		strings.Contains(errStr, "401") ||
		strings.Contains(errStr, "403") {
		return "auth"
	}
	if strings.Contains(errStr, "billing") ||
		strings.Contains(errStr, "quota") ||
		strings.Contains(errStr, "402") {
		return "billing"
	}
	if strings.Contains(errStr, "model not found") ||
		strings.Contains(errStr, "does not exist") ||
		strings.Contains(errStr, "unavailable") {
		return "model_unavailable"
	}
	if strings.Contains(errStr, "internal server") ||
		strings.Contains(errStr, "server error") ||
		strings.Contains(errStr, "500") ||
		strings.Contains(errStr, "502") ||
		strings.Contains(errStr, "503") ||
		strings.Contains(errStr, "504") {
		return "server_error"
	}
	return "unknown"
}
