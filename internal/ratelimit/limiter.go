// Package ratelimit limits how many messages each channel may submit within
// a sliding window.
package ratelimit

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"
)

// ErrRateLimited is returned by callers that reject a message.
var ErrRateLimited = errors.New("rate limited")

// Config configures rate limiting behavior.
type Config struct {
	// MaxMessages is the number of messages allowed per window.
	MaxMessages int `yaml:"max_messages"`
	// Window is the length of the sliding window.
	Window time.Duration `yaml:"window"`
	// Enabled controls whether rate limiting is active.
	Enabled bool `yaml:"enabled"`
}

// DefaultConfig returns the default rate limit configuration.
func DefaultConfig() Config {
	return Config{
		MaxMessages: 20,
		Window:      time.Minute,
		Enabled:     true,
	}
}

func (c Config) normalized() Config {
	def := DefaultConfig()
	if c.MaxMessages <= 0 {
		c.MaxMessages = def.MaxMessages
	}
	if c.Window <= 0 {
		c.Window = def.Window
	}
	return c
}

// Decision is the outcome of one check.
type Decision struct {
	Allowed bool
	// Remaining is how many more messages fit in the current window.
	Remaining int
	// RetryAfter is how long until the oldest counted message leaves the
	// window. Zero when allowed.
	RetryAfter time.Duration
}

// Limiter is an atomic check-and-increment: an allowed call is counted,
// a rejected one is not.
type Limiter interface {
	Allow(ctx context.Context, key string) (Decision, error)
	Reset(ctx context.Context, key string) error
}

// Window is an in-memory sliding window limiter.
type Window struct {
	mu      sync.Mutex
	events  map[string][]time.Time
	config  Config
	now     func() time.Time
	maxKeys int
}

// NewWindow creates a sliding window limiter.
func NewWindow(config Config) *Window {
	return &Window{
		events:  make(map[string][]time.Time),
		config:  config.normalized(),
		now:     time.Now,
		maxKeys: 10000,
	}
}

// Allow checks key and counts the message if allowed.
func (w *Window) Allow(ctx context.Context, key string) (Decision, error) {
	if !w.config.Enabled {
		return Decision{Allowed: true, Remaining: w.config.MaxMessages}, nil
	}
	now := w.now()

	w.mu.Lock()
	defer w.mu.Unlock()

	events := trim(w.events[key], now.Add(-w.config.Window))
	if len(events) >= w.config.MaxMessages {
		w.events[key] = events
		return Decision{RetryAfter: events[0].Add(w.config.Window).Sub(now)}, nil
	}
	if _, exists := w.events[key]; !exists && len(w.events) >= w.maxKeys {
		w.prune(now)
	}
	events = append(events, now)
	w.events[key] = events
	return Decision{Allowed: true, Remaining: w.config.MaxMessages - len(events)}, nil
}

// trim drops timestamps not after cutoff. events is sorted.
func trim(events []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(events) && !events[i].After(cutoff) {
		i++
	}
	return events[i:]
}

// prune removes keys with no events in the window (must be called with lock held).
func (w *Window) prune(now time.Time) {
	cutoff := now.Add(-w.config.Window)
	for key, events := range w.events {
		if len(trim(events, cutoff)) == 0 {
			delete(w.events, key)
		}
	}
}

// Reset resets the rate limit for a key.
func (w *Window) Reset(ctx context.Context, key string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.events, key)
	return nil
}

// CompositeKey creates a rate limit key from multiple parts.
func CompositeKey(parts ...string) string {
	return strings.Join(parts, ":")
}
