// Package dispatch sends tool calls that must run on a worker through the
// shared job queue and waits for their results.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/scalyclaw/scalyclaw-sub000/internal/agent"
	"github.com/scalyclaw/scalyclaw-sub000/internal/jobs"
	"github.com/scalyclaw/scalyclaw-sub000/internal/observability"
	"github.com/scalyclaw/scalyclaw-sub000/internal/registry"
	"github.com/scalyclaw/scalyclaw-sub000/internal/workspace"
)

// ErrJobTimeout is returned when a job does not finish within its timeout.
var ErrJobTimeout = errors.New("job timed out")

// Routing maps remotely executed tools to their queue. Tools not listed run
// in-process.
var Routing = map[string]string{
	ToolExecuteCommand: jobs.QueueTools,
	ToolExecuteCode:    jobs.QueueTools,
	ToolExecuteSkill:   jobs.QueueTools,
	ToolDelegateAgent:  jobs.QueueAgents,
}

// QueueFor returns the queue a tool is routed to.
func QueueFor(toolName string) (string, bool) {
	queue, ok := Routing[toolName]
	return queue, ok
}

// SecretScoper returns the secrets referenced by text.
type SecretScoper interface {
	Scope(text string) map[string]string
}

// Config tunes dispatch.
type Config struct {
	// NodeID identifies this node as the subject of file tokens.
	NodeID string
	// JobTimeout bounds EnqueueAndWait when the caller passes no timeout.
	JobTimeout time.Duration
	// FileFetchTimeout bounds each file bridge request.
	FileFetchTimeout time.Duration
	// FileFetchRetries is the number of attempts per bridged file.
	FileFetchRetries int
	// MaxAttachBytes caps the size of one workspace file shipped with a job.
	MaxAttachBytes int64
}

// DefaultConfig returns dispatch defaults.
func DefaultConfig() Config {
	return Config{
		NodeID:           "node",
		JobTimeout:       5 * time.Minute,
		FileFetchTimeout: 30 * time.Second,
		FileFetchRetries: 3,
		MaxAttachBytes:   5 << 20,
	}
}

// Dispatcher enqueues jobs, waits for them, and bridges worker output files
// into the workspace.
type Dispatcher struct {
	queue     jobs.Queue
	tracker   *jobs.Tracker
	registry  *registry.Registry
	secrets   SecretScoper
	workspace *workspace.Workspace
	client    *http.Client
	config    Config
	logger    *slog.Logger
	metrics   *observability.Metrics
	tracer    *observability.Tracer
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithRegistry enables the file bridge's worker lookup.
func WithRegistry(reg *registry.Registry) Option {
	return func(d *Dispatcher) {
		d.registry = reg
	}
}

// WithSecrets attaches referenced secrets to payloads.
func WithSecrets(secrets SecretScoper) Option {
	return func(d *Dispatcher) {
		d.secrets = secrets
	}
}

// WithWorkspace attaches referenced files and receives bridged files.
func WithWorkspace(ws *workspace.Workspace) Option {
	return func(d *Dispatcher) {
		d.workspace = ws
	}
}

// WithHTTPClient sets the client used by the file bridge.
func WithHTTPClient(client *http.Client) Option {
	return func(d *Dispatcher) {
		if client != nil {
			d.client = client
		}
	}
}

// WithConfig overrides defaults. Zero fields keep their default.
func WithConfig(cfg Config) Option {
	return func(d *Dispatcher) {
		if cfg.NodeID != "" {
			d.config.NodeID = cfg.NodeID
		}
		if cfg.JobTimeout > 0 {
			d.config.JobTimeout = cfg.JobTimeout
		}
		if cfg.FileFetchTimeout > 0 {
			d.config.FileFetchTimeout = cfg.FileFetchTimeout
		}
		if cfg.FileFetchRetries > 0 {
			d.config.FileFetchRetries = cfg.FileFetchRetries
		}
		if cfg.MaxAttachBytes > 0 {
			d.config.MaxAttachBytes = cfg.MaxAttachBytes
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Dispatcher) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// WithMetrics records job outcomes.
func WithMetrics(m *observability.Metrics) Option {
	return func(d *Dispatcher) {
		d.metrics = m
	}
}

// WithTracer wraps job waits in spans and propagates trace context.
func WithTracer(t *observability.Tracer) Option {
	return func(d *Dispatcher) {
		d.tracer = t
	}
}

// NewDispatcher creates a dispatcher over queue. tracker may be shared with
// other dispatchers of the same node; nil creates a private one.
func NewDispatcher(queue jobs.Queue, tracker *jobs.Tracker, opts ...Option) *Dispatcher {
	if tracker == nil {
		tracker = jobs.NewTracker()
	}
	d := &Dispatcher{
		queue:   queue,
		tracker: tracker,
		client:  http.DefaultClient,
		config:  DefaultConfig(),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.logger = d.logger.With("component", "dispatch")
	return d
}

// Queue returns the underlying job queue.
func (d *Dispatcher) Queue() jobs.Queue {
	return d.queue
}

// EnqueueAndWait enqueues a job and blocks until it finishes, ctx is done,
// or timeout elapses. On timeout or cancellation the job is cancelled
// remotely, best effort. A non-positive timeout uses the configured default.
func (d *Dispatcher) EnqueueAndWait(ctx context.Context, queue, toolName string, payload jobs.Payload, timeout time.Duration) (string, error) {
	if timeout <= 0 {
		timeout = d.config.JobTimeout
	}
	ctx, span := d.tracer.Start(ctx, "dispatch.job", "queue", queue, "tool", toolName)
	defer span.End()

	payload.ToolName = toolName
	if payload.Origin == "" {
		payload.Origin = d.config.NodeID
	}
	if payload.Trace == nil {
		payload.Trace = map[string]string{}
	}
	observability.InjectContext(ctx, payload.Trace)

	job := &jobs.Job{
		ID:        uuid.NewString(),
		ToolName:  toolName,
		Queue:     queue,
		ChannelID: payload.ChannelID,
		Payload:   payload,
		Status:    jobs.StatusQueued,
		CreatedAt: time.Now().UTC(),
	}
	if err := d.queue.Enqueue(ctx, job); err != nil {
		observability.RecordError(span, err)
		return "", fmt.Errorf("enqueue %s: %w", toolName, err)
	}
	d.tracker.Track(job.ChannelID, job.ID)
	defer d.tracker.Untrack(job.ChannelID, job.ID)

	logCtx := observability.WithJob(observability.WithChannel(ctx, job.ChannelID), job.ID)
	d.logger.DebugContext(logCtx, "job enqueued", "queue", queue, "tool", toolName)

	start := time.Now()
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done, err := d.queue.Wait(waitCtx, job.ID)
	if err != nil {
		d.cancelRemote(job.ID)
		status := "error"
		switch {
		case ctx.Err() != nil:
			status = "cancelled"
			err = fmt.Errorf("%w: %v", agent.ErrAborted, ctx.Err())
		case errors.Is(err, context.DeadlineExceeded):
			status = "timeout"
			err = fmt.Errorf("%w after %s: %s", ErrJobTimeout, timeout, toolName)
		}
		d.metrics.RecordJob(queue, status, time.Since(start).Seconds())
		d.logger.WarnContext(logCtx, "job wait ended early", "status", status, "error", err)
		observability.RecordError(span, err)
		return "", err
	}
	d.metrics.RecordJob(queue, string(done.Status), time.Since(start).Seconds())

	switch done.Status {
	case jobs.StatusCompleted:
		return done.Result, nil
	case jobs.StatusCancelled:
		err = fmt.Errorf("%w: job %s cancelled", agent.ErrAborted, job.ID)
	default:
		msg := done.Error
		if msg == "" {
			msg = "job failed"
		}
		err = errors.New(msg)
	}
	observability.RecordError(span, err)
	return "", err
}

// cancelRemote asks the queue to cancel id. It uses its own deadline since
// the caller's context is usually already done.
func (d *Dispatcher) cancelRemote(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := d.queue.Cancel(ctx, id); err != nil && !errors.Is(err, jobs.ErrJobNotFound) {
		d.logger.Warn("remote cancel failed", "job_id", id, "error", err)
	}
}

// CancelChannel cancels every job tracked for channelID and returns how many
// cancel requests were issued.
func (d *Dispatcher) CancelChannel(ctx context.Context, channelID string) int {
	ids := d.tracker.Jobs(channelID)
	for _, id := range ids {
		if err := d.queue.Cancel(ctx, id); err != nil && !errors.Is(err, jobs.ErrJobNotFound) {
			d.logger.Warn("cancel failed", "channel_id", channelID, "job_id", id, "error", err)
		}
	}
	if len(ids) > 0 {
		d.logger.Info("cancelled channel jobs", "channel_id", channelID, "count", len(ids))
	}
	return len(ids)
}

// Scope fills payload.Secrets and payload.Files with the vault entries and
// workspace files referenced in text.
func (d *Dispatcher) Scope(payload *jobs.Payload, text string) {
	if d.secrets != nil {
		payload.Secrets = d.secrets.Scope(text)
	}
	if d.workspace == nil {
		return
	}
	matched, err := d.workspace.Match(text)
	if err != nil {
		d.logger.Warn("match workspace files failed", "error", err)
		return
	}
	for _, rel := range matched {
		abs, err := d.workspace.Resolve(rel)
		if err != nil {
			continue
		}
		info, err := os.Stat(abs)
		if err != nil || info.Size() > d.config.MaxAttachBytes {
			d.logger.Debug("skipping workspace file", "file", rel, "error", err)
			continue
		}
		content, err := os.ReadFile(abs)
		if err != nil {
			d.logger.Warn("read workspace file failed", "file", rel, "error", err)
			continue
		}
		payload.Files = append(payload.Files, jobs.File{Name: rel, Content: content})
	}
}
