// Package progress buffers worker progress events per channel and delivers
// them to channel adapters exactly once, either live or by a periodic drain.
package progress

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/scalyclaw/scalyclaw-sub000/internal/storage"
	"github.com/scalyclaw/scalyclaw-sub000/pkg/models"
)

// Bus is a durable per-channel buffer of progress events. Publish appends
// and signals; Take and TakeAll remove what they return in one atomic step,
// so concurrent consumers never see the same event twice.
type Bus interface {
	Publish(ctx context.Context, channelID string, event models.ProgressEvent) error
	Take(ctx context.Context, channelID string) ([]models.ProgressEvent, error)
	TakeAll(ctx context.Context) ([]models.ChannelEvent, error)
	// Wait blocks until something is published or poll elapses.
	Wait(ctx context.Context, poll time.Duration) error
}

// MemoryBus keeps buffered events in process memory.
type MemoryBus struct {
	mu     sync.Mutex
	seq    uint64
	events map[string][]sequenced
	signal *storage.Signal
}

type sequenced struct {
	seq   uint64
	event models.ProgressEvent
}

// NewMemoryBus returns an empty bus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{
		events: make(map[string][]sequenced),
		signal: storage.NewSignal(),
	}
}

// Publish appends an event for channelID.
func (b *MemoryBus) Publish(ctx context.Context, channelID string, event models.ProgressEvent) error {
	b.mu.Lock()
	b.seq++
	b.events[channelID] = append(b.events[channelID], sequenced{seq: b.seq, event: event})
	b.mu.Unlock()
	b.signal.Broadcast()
	return nil
}

// Take removes and returns the events buffered for one channel.
func (b *MemoryBus) Take(ctx context.Context, channelID string) ([]models.ProgressEvent, error) {
	b.mu.Lock()
	buffered := b.events[channelID]
	delete(b.events, channelID)
	b.mu.Unlock()

	out := make([]models.ProgressEvent, len(buffered))
	for i, s := range buffered {
		out[i] = s.event
	}
	return out, nil
}

// TakeAll removes and returns every buffered event in publish order.
func (b *MemoryBus) TakeAll(ctx context.Context) ([]models.ChannelEvent, error) {
	b.mu.Lock()
	all := b.events
	b.events = make(map[string][]sequenced)
	b.mu.Unlock()

	type entry struct {
		seq uint64
		ce  models.ChannelEvent
	}
	var entries []entry
	for channelID, buffered := range all {
		for _, s := range buffered {
			entries = append(entries, entry{seq: s.seq, ce: models.ChannelEvent{ChannelID: channelID, Event: s.event}})
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].seq < entries[j].seq })

	out := make([]models.ChannelEvent, len(entries))
	for i, e := range entries {
		out[i] = e.ce
	}
	return out, nil
}

// Wait blocks until the next Publish or poll.
func (b *MemoryBus) Wait(ctx context.Context, poll time.Duration) error {
	return b.signal.Wait(ctx, poll)
}

// Publisher adapts a Bus for interim text such as orchestrator narration.
type Publisher struct {
	bus Bus
}

// NewPublisher wraps bus.
func NewPublisher(bus Bus) *Publisher {
	return &Publisher{bus: bus}
}

// Relay publishes text as a progress event for channelID.
func (p *Publisher) Relay(ctx context.Context, channelID, text string) error {
	return p.bus.Publish(ctx, channelID, models.ProgressEvent{Type: models.ProgressUpdate, Message: text})
}
