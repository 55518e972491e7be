package providers

import (
	"context"
	"errors"
	"time"

	"github.com/scalyclaw/scalyclaw-sub000/internal/backoff"
)

// BaseProvider holds shared retry configuration for LLM providers.
type BaseProvider struct {
	name       string
	maxRetries int
	policy     backoff.Policy
}

// NewBaseProvider creates a base provider with sane defaults.
func NewBaseProvider(name string, maxRetries int, retryDelay time.Duration) BaseProvider {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	if retryDelay <= 0 {
		retryDelay = time.Second
	}
	return BaseProvider{
		name:       name,
		maxRetries: maxRetries,
		policy:     backoff.Policy{Initial: retryDelay, Max: 30 * time.Second, Factor: 2, Jitter: 0.2},
	}
}

// Name returns the provider identifier.
func (b *BaseProvider) Name() string {
	return b.name
}

// Retry runs op with exponential backoff while its errors are retryable.
func (b *BaseProvider) Retry(ctx context.Context, op func() error) error {
	_, err := backoff.Retry(ctx, b.policy, b.maxRetries, IsRetryable, func(int) (struct{}, error) {
		return struct{}{}, op()
	})
	return unwrapExhausted(err)
}

// unwrapExhausted returns the provider error behind an exhausted retry so
// callers see the real failure.
func unwrapExhausted(err error) error {
	if err == nil {
		return nil
	}
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe
	}
	return err
}
