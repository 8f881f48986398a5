package llm

import (
	"context"
	"time"

	"github.com/sony/gobreaker"
)

// BreakerProvider wraps a Provider with a circuit breaker.
//
// Consolidation and chat both call the LLM on the request path; when the
// upstream is down, the breaker fails fast instead of letting every request
// wait out the full HTTP timeout. Extraction and decision fallbacks then
// degrade the pipeline gracefully.
type BreakerProvider struct {
	provider Provider
	breaker  *gobreaker.CircuitBreaker
}

// BreakerConfig tunes the circuit breaker around an LLM provider.
type BreakerConfig struct {
	// MaxFailures is the number of consecutive failures that opens the
	// breaker. Defaults to 5.
	MaxFailures uint32

	// Timeout is how long the breaker stays open before probing again.
	// Defaults to 30 seconds.
	Timeout time.Duration
}

// NewBreakerProvider wraps provider with a circuit breaker.
func NewBreakerProvider(provider Provider, cfg *BreakerConfig) *BreakerProvider {
	maxFailures := uint32(5)
	timeout := 30 * time.Second
	if cfg != nil {
		if cfg.MaxFailures > 0 {
			maxFailures = cfg.MaxFailures
		}
		if cfg.Timeout > 0 {
			timeout = cfg.Timeout
		}
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "llm",
		Timeout: timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
	})

	return &BreakerProvider{
		provider: provider,
		breaker:  breaker,
	}
}

// Generate generates text from a prompt through the breaker.
func (b *BreakerProvider) Generate(ctx context.Context, prompt string, opts ...GenerateOption) (string, error) {
	result, err := b.breaker.Execute(func() (interface{}, error) {
		return b.provider.Generate(ctx, prompt, opts...)
	})
	if err != nil {
		return "", err
	}
	return result.(string), nil
}

// GenerateWithMessages generates text from message history through the breaker.
func (b *BreakerProvider) GenerateWithMessages(ctx context.Context, messages []Message, opts ...GenerateOption) (string, error) {
	result, err := b.breaker.Execute(func() (interface{}, error) {
		return b.provider.GenerateWithMessages(ctx, messages, opts...)
	})
	if err != nil {
		return "", err
	}
	return result.(string), nil
}

// Close closes the wrapped provider.
func (b *BreakerProvider) Close() error {
	return b.provider.Close()
}
