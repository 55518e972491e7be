// Package node wires inbound channel traffic to the orchestrator: rate
// limiting, stop commands, and one orchestrator invocation at a time per
// channel.
package node

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/scalyclaw/scalyclaw-sub000/internal/agent"
	"github.com/scalyclaw/scalyclaw-sub000/internal/observability"
	"github.com/scalyclaw/scalyclaw-sub000/internal/process"
	"github.com/scalyclaw/scalyclaw-sub000/internal/ratelimit"
	"github.com/scalyclaw/scalyclaw-sub000/internal/usage"
	"github.com/scalyclaw/scalyclaw-sub000/pkg/models"
)

// StopCommand cancels whatever the channel is doing.
const StopCommand = "/stop"

// Runner runs one orchestrator invocation.
type Runner interface {
	Run(ctx context.Context, msg models.NormalizedMessage) (*agent.RunResult, error)
}

// Canceller sweeps a channel's outstanding jobs.
type Canceller interface {
	CancelChannel(ctx context.Context, channelID string) int
}

// Sender is the outbound side of the channel registry.
type Sender interface {
	Send(ctx context.Context, channelID, text string) error
	SendTyping(ctx context.Context, channelID string) error
}

// Pipeline handles inbound messages.
type Pipeline struct {
	runner    Runner
	sender    Sender
	lanes     *process.CommandQueue
	limiter   ratelimit.Limiter
	canceller Canceller
	stops     *StopFlags
	logger    *slog.Logger
	metrics   *observability.Metrics

	typingEvery time.Duration

	mu       sync.Mutex
	closed   bool
	inflight sync.WaitGroup
	ctx      context.Context
	cancel   context.CancelFunc
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithLimiter enables per-channel rate limiting.
func WithLimiter(l ratelimit.Limiter) Option {
	return func(p *Pipeline) { p.limiter = l }
}

// WithCanceller makes stop commands sweep the channel's jobs.
func WithCanceller(c Canceller) Option {
	return func(p *Pipeline) { p.canceller = c }
}

// WithStopFlags shares stop flags with the orchestrator's stop check.
func WithStopFlags(f *StopFlags) Option {
	return func(p *Pipeline) {
		if f != nil {
			p.stops = f
		}
	}
}

// WithLanes uses an existing lane queue.
func WithLanes(q *process.CommandQueue) Option {
	return func(p *Pipeline) {
		if q != nil {
			p.lanes = q
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Pipeline) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithMetrics records rate-limit rejections.
func WithMetrics(m *observability.Metrics) Option {
	return func(p *Pipeline) { p.metrics = m }
}

// WithTypingInterval sets how often the typing indicator is refreshed while
// the orchestrator runs.
func WithTypingInterval(d time.Duration) Option {
	return func(p *Pipeline) {
		if d > 0 {
			p.typingEvery = d
		}
	}
}

// NewPipeline creates a pipeline delivering replies through sender.
func NewPipeline(runner Runner, sender Sender, opts ...Option) *Pipeline {
	p := &Pipeline{
		runner: runner,
		sender: sender,
		lanes:  process.NewCommandQueue(),
		stops:  NewStopFlags(),
		logger: slog.Default(),

		typingEvery: 6 * time.Second,
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.With("component", "node")
	p.ctx, p.cancel = context.WithCancel(context.Background())
	return p
}

// Handle accepts one inbound message. Rate limiting and stop commands are
// handled inline; the orchestrator runs in the channel's lane in the
// background so the adapter's read loop is never blocked.
func (p *Pipeline) Handle(ctx context.Context, msg models.NormalizedMessage) {
	if msg.ChannelID == "" {
		return
	}
	ctx = observability.WithChannel(ctx, msg.ChannelID)
	if msg.ReceivedAt.IsZero() {
		msg.ReceivedAt = time.Now()
	}

	if isStop(msg.Text) {
		p.Stop(ctx, msg.ChannelID)
		return
	}

	if p.limiter != nil {
		decision, err := p.limiter.Allow(ctx, msg.ChannelID)
		if err != nil {
			p.logger.WarnContext(ctx, "rate limit check failed", "error", err)
		} else if !decision.Allowed {
			p.metrics.RecordRateLimited()
			p.reply(ctx, msg.ChannelID, rateLimitReply(decision.RetryAfter))
			return
		}
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.logger.InfoContext(ctx, "dropping message during shutdown")
		return
	}
	p.inflight.Add(1)
	p.mu.Unlock()

	go func() {
		defer p.inflight.Done()
		p.process(msg)
	}()
}

// Stop cancels the channel's running invocation, its queued messages and
// its outstanding jobs.
func (p *Pipeline) Stop(ctx context.Context, channelID string) {
	p.stops.Set(channelID)
	lanes := p.lanes.Cancel(process.ChannelLane(channelID))
	jobs := 0
	if p.canceller != nil {
		jobs = p.canceller.CancelChannel(ctx, channelID)
	}
	p.logger.InfoContext(ctx, "channel stopped", "tasks", lanes, "jobs", jobs)

	text := "Stopped."
	if lanes == 0 && jobs == 0 {
		text = "Nothing to stop."
	}
	p.reply(ctx, channelID, text)
}

func (p *Pipeline) process(msg models.NormalizedMessage) {
	ctx := observability.WithChannel(p.ctx, msg.ChannelID)
	lane := process.ChannelLane(msg.ChannelID)

	result, err := process.EnqueueInLane(p.lanes, lane, func(taskCtx context.Context) (*agent.RunResult, error) {
		p.stops.Clear(msg.ChannelID)
		stopTyping := p.keepTyping(taskCtx, msg.ChannelID)
		defer stopTyping()
		return p.runner.Run(taskCtx, msg)
	}, &process.EnqueueOptions{
		Context: ctx,
		OnWait: func(waitMs, ahead int) {
			p.logger.InfoContext(ctx, "message waiting for channel lane", "wait_ms", waitMs, "queued_ahead", ahead)
		},
	})

	switch {
	case errors.Is(err, context.Canceled):
		// A stop command already answered.
		return
	case err != nil:
		p.logger.ErrorContext(ctx, "orchestrator run failed", "error", err)
		p.reply(ctx, msg.ChannelID, failureReply(err))
		return
	case result == nil:
		return
	}

	if result.Reason == agent.StopCancelled || result.Duplicate || strings.TrimSpace(result.Reply) == "" {
		return
	}
	p.reply(ctx, msg.ChannelID, result.Reply)
}

// keepTyping shows the typing indicator now and refreshes it until the
// returned func is called. Platforms expire the indicator after a few seconds.
func (p *Pipeline) keepTyping(ctx context.Context, channelID string) func() {
	send := func() {
		if err := p.sender.SendTyping(ctx, channelID); err != nil {
			p.logger.DebugContext(ctx, "typing indicator failed", "error", err)
		}
	}
	send()

	done := make(chan struct{})
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		ticker := time.NewTicker(p.typingEvery)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				send()
			}
		}
	}()
	return func() {
		close(done)
		<-stopped
	}
}

func (p *Pipeline) reply(ctx context.Context, channelID, text string) {
	if err := p.sender.Send(ctx, channelID, text); err != nil {
		p.logger.WarnContext(ctx, "reply failed", "channel_id", channelID, "error", err)
	}
}

// Close stops accepting messages and waits for in-flight invocations until
// ctx ends, after which they are cancelled.
func (p *Pipeline) Close(ctx context.Context) error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		p.cancel()
		return nil
	case <-ctx.Done():
		p.cancel()
		<-done
		return fmt.Errorf("in-flight invocations cancelled: %w", ctx.Err())
	}
}

func isStop(text string) bool {
	fields := strings.Fields(text)
	return len(fields) > 0 && strings.EqualFold(fields[0], StopCommand)
}

func rateLimitReply(retryAfter time.Duration) string {
	wait := retryAfter.Round(time.Second)
	if wait < time.Second {
		wait = time.Second
	}
	return fmt.Sprintf("You're sending messages too quickly. Please wait %s and try again.", wait)
}

func failureReply(err error) string {
	var budget *usage.BudgetExceededError
	switch {
	case errors.As(err, &budget):
		return budget.Error()
	case errors.Is(err, agent.ErrNoEnabledModel):
		return "No model is available right now."
	}
	return "Something went wrong while handling your message."
}

// StopFlags records channels asked to stop. The orchestrator polls Check
// between rounds; a new invocation clears the flag.
type StopFlags struct {
	mu    sync.Mutex
	flags map[string]struct{}
}

// NewStopFlags creates an empty set.
func NewStopFlags() *StopFlags {
	return &StopFlags{flags: make(map[string]struct{})}
}

func (f *StopFlags) Set(channelID string) {
	f.mu.Lock()
	f.flags[channelID] = struct{}{}
	f.mu.Unlock()
}

func (f *StopFlags) Clear(channelID string) {
	f.mu.Lock()
	delete(f.flags, channelID)
	f.mu.Unlock()
}

// Check reports whether channelID was asked to stop.
func (f *StopFlags) Check(channelID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.flags[channelID]
	return ok
}
