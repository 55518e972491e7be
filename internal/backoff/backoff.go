// Package backoff provides exponential backoff with jitter for retry loops.
package backoff

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"
)

// ErrMaxAttemptsExhausted is returned when all retry attempts have failed.
var ErrMaxAttemptsExhausted = errors.New("max retry attempts exhausted")

// Policy defines the parameters for exponential backoff.
type Policy struct {
	Initial time.Duration
	Max     time.Duration
	Factor  float64
	// Jitter is the randomization factor (0.0 to 1.0) added on top of the base delay.
	Jitter float64
}

// DefaultPolicy is 200ms, doubling, capped at 10s with 10% jitter.
func DefaultPolicy() Policy {
	return Policy{Initial: 200 * time.Millisecond, Max: 10 * time.Second, Factor: 2, Jitter: 0.1}
}

// Delay returns the delay before the given attempt (1-indexed).
func (p Policy) Delay(attempt int) time.Duration {
	return p.delayWithRand(attempt, rand.Float64()) // #nosec G404 -- jitter does not require cryptographic randomness
}

func (p Policy) delayWithRand(attempt int, r float64) time.Duration {
	exp := math.Max(float64(attempt-1), 0)
	factor := p.Factor
	if factor < 1 {
		factor = 1
	}
	base := float64(p.Initial) * math.Pow(factor, exp)
	total := base + base*p.Jitter*r
	if p.Max > 0 {
		total = math.Min(float64(p.Max), total)
	}
	return time.Duration(total)
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Retry calls fn up to attempts times, sleeping per policy between failures.
// It stops early on success, on a Permanent error, when retryable reports
// false, or when ctx is done. The last error is wrapped together with
// ErrMaxAttemptsExhausted when attempts run out.
func Retry[T any](ctx context.Context, policy Policy, attempts int, retryable func(error) bool, fn func(attempt int) (T, error)) (T, error) {
	var zero T
	if attempts <= 0 {
		attempts = 1
	}
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return zero, errors.Join(err, lastErr)
			}
			return zero, err
		}
		value, err := fn(attempt)
		if err == nil {
			return value, nil
		}
		var perm *permanentError
		if errors.As(err, &perm) {
			return zero, perm.err
		}
		if retryable != nil && !retryable(err) {
			return zero, err
		}
		lastErr = err
		if attempt < attempts {
			if err := Sleep(ctx, policy.Delay(attempt)); err != nil {
				return zero, errors.Join(err, lastErr)
			}
		}
	}
	return zero, errors.Join(ErrMaxAttemptsExhausted, lastErr)
}
