package channels

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/scalyclaw/scalyclaw-sub000/pkg/models"
)

// Registry routes outbound traffic to the adapter owning a channel id and
// funnels inbound messages from every adapter into one handler.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
	handler  Handler
	logger   *slog.Logger
}

// NewRegistry creates a registry. handler receives inbound messages from
// every registered adapter.
func NewRegistry(handler Handler, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		adapters: make(map[string]Adapter),
		handler:  handler,
		logger:   logger.With("component", "channels"),
	}
}

// Register adds an adapter. Names must be unique.
func (r *Registry) Register(adapter Adapter) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	name := adapter.Name()
	if _, exists := r.adapters[name]; exists {
		return fmt.Errorf("adapter %q already registered", name)
	}
	adapter.OnMessage(r.inbound)
	r.adapters[name] = adapter
	return nil
}

func (r *Registry) inbound(ctx context.Context, msg models.NormalizedMessage) {
	if r.handler == nil {
		r.logger.Warn("dropping inbound message, no handler", "channel_id", msg.ChannelID)
		return
	}
	r.handler(ctx, msg)
}

// Get returns an adapter by name.
func (r *Registry) Get(name string) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[name]
	return a, ok
}

// Route returns the adapter owning channelID.
func (r *Registry) Route(channelID string) (Adapter, error) {
	name, _, ok := SplitChannelID(channelID)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNoAdapter, channelID)
	}
	a, found := r.Get(name)
	if !found {
		return nil, fmt.Errorf("%w: %q", ErrNoAdapter, channelID)
	}
	return a, nil
}

// ConnectAll connects every adapter, stopping at the first failure.
func (r *Registry) ConnectAll(ctx context.Context) error {
	for _, a := range r.all() {
		if err := a.Connect(ctx); err != nil {
			return fmt.Errorf("connect %s: %w", a.Name(), err)
		}
		r.logger.Info("adapter connected", "adapter", a.Name())
	}
	return nil
}

// DisconnectAll disconnects every adapter and joins the errors.
func (r *Registry) DisconnectAll(ctx context.Context) error {
	var errs []error
	for _, a := range r.all() {
		if err := a.Disconnect(ctx); err != nil {
			errs = append(errs, fmt.Errorf("disconnect %s: %w", a.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// Health reports IsHealthy per adapter name.
func (r *Registry) Health() map[string]bool {
	out := make(map[string]bool)
	for _, a := range r.all() {
		out[a.Name()] = a.IsHealthy()
	}
	return out
}

// Channels returns the reachable channel ids of every adapter that can list
// them.
func (r *Registry) Channels() []string {
	var out []string
	for _, a := range r.all() {
		if l, ok := a.(Lister); ok {
			out = append(out, l.Channels()...)
		}
	}
	return out
}

// Send delivers text, split to the adapter's length limit when it has one.
func (r *Registry) Send(ctx context.Context, channelID, text string) error {
	a, err := r.Route(channelID)
	if err != nil {
		return err
	}
	parts := []string{text}
	if l, ok := a.(Limiter); ok {
		parts = Split(text, l.MaxMessageLength())
	}
	for _, part := range parts {
		if err := a.Send(ctx, channelID, part); err != nil {
			return err
		}
	}
	return nil
}

// SendFile delivers a file with an optional caption.
func (r *Registry) SendFile(ctx context.Context, channelID, path, caption string) error {
	a, err := r.Route(channelID)
	if err != nil {
		return err
	}
	return a.SendFile(ctx, channelID, path, caption)
}

// SendTyping shows a typing indicator where supported.
func (r *Registry) SendTyping(ctx context.Context, channelID string) error {
	a, err := r.Route(channelID)
	if err != nil {
		return err
	}
	return a.SendTyping(ctx, channelID)
}

func (r *Registry) all() []Adapter {
	r.mu.RLock()
	out := make([]Adapter, 0, len(r.adapters))
	for _, a := range r.adapters {
		out = append(out, a)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}
