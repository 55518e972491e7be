package progress

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/scalyclaw/scalyclaw-sub000/internal/channels"
	"github.com/scalyclaw/scalyclaw-sub000/internal/observability"
	"github.com/scalyclaw/scalyclaw-sub000/pkg/models"
)

// Sender is the outbound half of a channel adapter.
type Sender interface {
	Send(ctx context.Context, channelID, text string) error
	SendFile(ctx context.Context, channelID, path, caption string) error
}

// Owner lists the channels this process can currently deliver to. On a
// shared bus each node only takes events for the channels it owns.
type Owner interface {
	Channels() []string
}

// Deliverer moves events from a Bus to a Sender.
type Deliverer struct {
	bus     Bus
	sender  Sender
	owner   Owner
	logger  *slog.Logger
	metrics *observability.Metrics
	poll    time.Duration
}

// Option configures a Deliverer.
type Option func(*Deliverer)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Deliverer) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// WithMetrics records deliveries.
func WithMetrics(m *observability.Metrics) Option {
	return func(d *Deliverer) {
		d.metrics = m
	}
}

// WithOwner restricts takes to the channels owner reports. Events whose
// recipient went away between the take and the send are published again.
// Without an owner the deliverer takes every buffered event.
func WithOwner(o Owner) Option {
	return func(d *Deliverer) {
		d.owner = o
	}
}

// WithPollInterval bounds how long the live loop sleeps without a signal.
func WithPollInterval(poll time.Duration) Option {
	return func(d *Deliverer) {
		if poll > 0 {
			d.poll = poll
		}
	}
}

// NewDeliverer creates a deliverer.
func NewDeliverer(bus Bus, sender Sender, opts ...Option) *Deliverer {
	d := &Deliverer{
		bus:    bus,
		sender: sender,
		logger: slog.Default(),
		poll:   5 * time.Second,
	}
	for _, opt := range opts {
		opt(d)
	}
	d.logger = d.logger.With("component", "progress")
	return d
}

// Run is the live subscriber. It delivers events as they are published
// until ctx is done.
func (d *Deliverer) Run(ctx context.Context) error {
	for {
		if _, err := d.deliverTaken(ctx, "live"); err != nil && !errors.Is(err, context.Canceled) {
			d.logger.Warn("live delivery failed", "error", err)
		}
		if err := d.bus.Wait(ctx, d.poll); err != nil {
			return nil
		}
	}
}

// Drain delivers whatever is buffered, typically events published while no
// live subscriber was running. It returns the number of events handled;
// requeued events are not counted.
func (d *Deliverer) Drain(ctx context.Context) (int, error) {
	return d.deliverTaken(ctx, "drain")
}

func (d *Deliverer) deliverTaken(ctx context.Context, path string) (int, error) {
	events, err := d.take(ctx)
	handled := 0
	for _, ce := range events {
		if derr := d.Deliver(ctx, ce.ChannelID, ce.Event); d.owner != nil && undeliverable(derr) {
			if perr := d.bus.Publish(ctx, ce.ChannelID, ce.Event); perr != nil {
				d.logger.ErrorContext(ctx, "requeue progress event", "channel_id", ce.ChannelID, "error", perr)
			}
			continue
		}
		handled++
		d.metrics.RecordProgress(string(ce.Event.Type), path)
	}
	return handled, err
}

func (d *Deliverer) take(ctx context.Context) ([]models.ChannelEvent, error) {
	if d.owner == nil {
		return d.bus.TakeAll(ctx)
	}
	var out []models.ChannelEvent
	var errs []error
	for _, channelID := range d.owner.Channels() {
		events, err := d.bus.Take(ctx, channelID)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		for _, ev := range events {
			out = append(out, models.ChannelEvent{ChannelID: channelID, Event: ev})
		}
	}
	return out, errors.Join(errs...)
}

func undeliverable(err error) bool {
	return errors.Is(err, channels.ErrNotConnected) || errors.Is(err, channels.ErrNoAdapter)
}

// Deliver performs the action for one event. Failures are logged and
// returned; the event has already been removed from the buffer.
func (d *Deliverer) Deliver(ctx context.Context, channelID string, ev models.ProgressEvent) error {
	ctx = observability.WithChannel(ctx, channelID)
	if ev.JobID != "" {
		ctx = observability.WithJob(ctx, ev.JobID)
	}

	var err error
	switch ev.Type {
	case models.ProgressComplete:
		switch {
		case ev.FilePath != "":
			err = d.sender.SendFile(ctx, channelID, ev.FilePath, ev.Caption)
		case ev.Result != "":
			err = d.sender.Send(ctx, channelID, ev.Result)
		}
	case models.ProgressUpdate:
		if ev.Message != "" {
			err = d.sender.Send(ctx, channelID, ev.Message)
		}
	case models.ProgressError:
		d.logger.WarnContext(ctx, "job reported error", "channel_id", channelID, "job_id", ev.JobID, "error", ev.Error)
		err = d.sender.Send(ctx, channelID, "Error: "+ev.Error)
	default:
		d.logger.WarnContext(ctx, "unknown progress event", "type", ev.Type)
	}
	if err != nil {
		d.logger.WarnContext(ctx, "progress delivery failed", "channel_id", channelID, "type", ev.Type, "error", err)
	}
	return err
}
