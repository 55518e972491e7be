// Package worker consumes tool jobs from the shared queue and runs them in
// per-job sandboxes: shell commands, code snippets, skill scripts and
// sub-agent delegations.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/scalyclaw/scalyclaw-sub000/internal/agent"
	"github.com/scalyclaw/scalyclaw-sub000/internal/backoff"
	"github.com/scalyclaw/scalyclaw-sub000/internal/dispatch"
	"github.com/scalyclaw/scalyclaw-sub000/internal/jobs"
	"github.com/scalyclaw/scalyclaw-sub000/internal/observability"
	"github.com/scalyclaw/scalyclaw-sub000/internal/progress"
	"github.com/scalyclaw/scalyclaw-sub000/internal/registry"
	"github.com/scalyclaw/scalyclaw-sub000/internal/skills"
	"github.com/scalyclaw/scalyclaw-sub000/pkg/models"
)

// ErrUnsupportedTool is returned for jobs this worker cannot run.
var ErrUnsupportedTool = errors.New("unsupported tool")

var codeFiles = map[string]string{
	"python":     "main.py",
	"javascript": "main.js",
	"bash":       "main.sh",
}

// Config configures a worker process.
type Config struct {
	ID           string
	Host         string
	Port         int
	AuthToken    string
	Queues       []string
	Concurrency  int
	JobRoot      string
	Interpreters map[string]string
	// JobTimeout bounds one process run.
	JobTimeout time.Duration
	// CancelPoll is how often a running job checks for a remote cancel.
	CancelPoll time.Duration
	Version    string
}

func (c Config) normalized() Config {
	if c.Concurrency <= 0 {
		c.Concurrency = 4
	}
	if len(c.Queues) == 0 {
		c.Queues = []string{jobs.QueueTools, jobs.QueueAgents}
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = 5 * time.Minute
	}
	if c.CancelPoll <= 0 {
		c.CancelPoll = time.Second
	}
	if c.JobRoot == "" {
		c.JobRoot = filepath.Join(os.TempDir(), "scalyclaw-jobs")
	}
	return c
}

// Delegator runs a task through a named sub-agent and returns its reply.
type Delegator interface {
	Delegate(ctx context.Context, agentID, task, channelID string) (string, error)
}

// Worker pulls jobs off its queues and executes them.
type Worker struct {
	cfg       Config
	queue     jobs.Queue
	registry  *registry.Registry
	bus       progress.Bus
	skills    skills.Catalog
	delegator Delegator
	runner    *Runner

	logger  *slog.Logger
	metrics *observability.Metrics
	tracer  *observability.Tracer
}

// Option configures a Worker.
type Option func(*Worker)

// WithRegistry registers the worker on Run and resolves job origins.
func WithRegistry(r *registry.Registry) Option {
	return func(w *Worker) { w.registry = r }
}

// WithProgressBus publishes script progress and results for orphaned jobs.
func WithProgressBus(bus progress.Bus) Option {
	return func(w *Worker) { w.bus = bus }
}

func WithSkills(c skills.Catalog) Option {
	return func(w *Worker) { w.skills = c }
}

func WithDelegator(d Delegator) Option {
	return func(w *Worker) { w.delegator = d }
}

func WithRunner(r *Runner) Option {
	return func(w *Worker) {
		if r != nil {
			w.runner = r
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(w *Worker) {
		if logger != nil {
			w.logger = logger
		}
	}
}

func WithMetrics(m *observability.Metrics) Option {
	return func(w *Worker) { w.metrics = m }
}

func WithTracer(t *observability.Tracer) Option {
	return func(w *Worker) { w.tracer = t }
}

// New creates a worker consuming from queue.
func New(cfg Config, queue jobs.Queue, opts ...Option) *Worker {
	w := &Worker{
		cfg:    cfg.normalized(),
		queue:  queue,
		runner: NewRunner(0),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(w)
	}
	w.logger = w.logger.With("component", "worker", "worker_id", w.cfg.ID)
	return w
}

// Record is the registry entry describing this worker.
func (w *Worker) Record() models.ProcessRecord {
	hostname, _ := os.Hostname()
	return models.ProcessRecord{
		ID:          w.cfg.ID,
		Type:        models.ProcessWorker,
		Host:        w.cfg.Host,
		Port:        w.cfg.Port,
		Hostname:    hostname,
		StartedAt:   time.Now().UTC(),
		Version:     w.cfg.Version,
		Concurrency: w.cfg.Concurrency,
		AuthToken:   w.cfg.AuthToken,
	}
}

// Run registers the worker and consumes until ctx is done. In-flight jobs
// see ctx cancelled and are allowed to finish their bookkeeping.
func (w *Worker) Run(ctx context.Context) error {
	if err := os.MkdirAll(w.cfg.JobRoot, 0o755); err != nil {
		return fmt.Errorf("create job root: %w", err)
	}
	if w.registry != nil {
		if err := w.registry.Claim(ctx, w.Record()); err != nil {
			return fmt.Errorf("register worker: %w", err)
		}
		defer func() {
			dctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := w.registry.Deregister(dctx, w.cfg.ID); err != nil && !errors.Is(err, registry.ErrProcessNotFound) {
				w.logger.Warn("deregister failed", "error", err)
			}
		}()
	}

	var wg sync.WaitGroup
	for _, queue := range w.cfg.Queues {
		for i := 0; i < w.cfg.Concurrency; i++ {
			wg.Add(1)
			go func(queue string) {
				defer wg.Done()
				w.consume(ctx, queue)
			}(queue)
		}
	}
	w.logger.Info("worker started", "queues", w.cfg.Queues, "concurrency", w.cfg.Concurrency)
	wg.Wait()
	w.logger.Info("worker stopped")
	return nil
}

func (w *Worker) consume(ctx context.Context, queue string) {
	policy := backoff.DefaultPolicy()
	failures := 0
	for ctx.Err() == nil {
		job, err := w.queue.Dequeue(ctx, queue, w.cfg.ID)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, jobs.ErrQueueClosed) {
				return
			}
			failures++
			w.logger.Warn("dequeue failed", "queue", queue, "error", err)
			if backoff.Sleep(ctx, policy.Delay(failures)) != nil {
				return
			}
			continue
		}
		failures = 0
		w.Handle(ctx, job)
	}
}

// Handle runs one claimed job to a terminal state.
func (w *Worker) Handle(ctx context.Context, job *jobs.Job) {
	ctx = observability.ExtractContext(ctx, job.Payload.Trace)
	ctx = observability.WithJob(observability.WithChannel(ctx, job.ChannelID), job.ID)
	ctx, span := w.tracer.Start(ctx, "worker.job", "tool", job.ToolName, "queue", job.Queue)
	defer span.End()

	jobCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	remoteCancel := make(chan struct{})
	go w.watchCancel(jobCtx, job.ID, cancel, remoteCancel)

	start := time.Now()
	result, err := w.execute(jobCtx, job)
	cancel()

	// Bookkeeping outlives a worker shutdown.
	finishCtx, finishCancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer finishCancel()

	status := "success"
	switch {
	case isClosed(remoteCancel):
		status = "cancelled"
		w.logger.InfoContext(ctx, "job cancelled remotely")
	case err != nil:
		status = "error"
		observability.RecordError(span, err)
		w.logger.WarnContext(ctx, "job failed", "tool", job.ToolName, "error", err)
		if ferr := w.queue.Fail(finishCtx, job.ID, err.Error()); ferr != nil {
			w.logger.ErrorContext(ctx, "record failure", "error", ferr)
		}
		w.deliverIfOrphaned(finishCtx, job, models.ProgressEvent{JobID: job.ID, Type: models.ProgressError, Error: err.Error()})
	default:
		if cerr := w.queue.Complete(finishCtx, job.ID, result); cerr != nil {
			w.logger.ErrorContext(ctx, "record result", "error", cerr)
		}
		w.deliverIfOrphaned(finishCtx, job, models.ProgressEvent{JobID: job.ID, Type: models.ProgressComplete, Result: ResultText(result)})
	}
	w.metrics.RecordToolExecution(job.ToolName, status, time.Since(start).Seconds())
}

// watchCancel polls the job record and cancels the run once the job is
// marked cancelled.
func (w *Worker) watchCancel(ctx context.Context, id string, cancel context.CancelFunc, cancelled chan struct{}) {
	ticker := time.NewTicker(w.cfg.CancelPoll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			job, err := w.queue.Get(ctx, id)
			if err != nil {
				continue
			}
			if job.Status == jobs.StatusCancelled {
				close(cancelled)
				cancel()
				return
			}
			if job.Status.Terminal() {
				return
			}
		}
	}
}

func isClosed(ch chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

// deliverIfOrphaned publishes ev to the job's channel when the node that
// enqueued it is no longer reachable, so the outcome is not lost.
func (w *Worker) deliverIfOrphaned(ctx context.Context, job *jobs.Job, ev models.ProgressEvent) {
	origin := job.Payload.Origin
	if w.bus == nil || w.registry == nil || origin == "" || job.ChannelID == "" {
		return
	}
	if _, err := w.registry.Resolve(ctx, origin); err == nil {
		return
	}
	if err := w.bus.Publish(ctx, job.ChannelID, ev); err != nil {
		w.logger.WarnContext(ctx, "publish orphaned result failed", "error", err)
		return
	}
	w.logger.InfoContext(ctx, "origin unreachable, result sent via progress", "origin", origin)
}

func (w *Worker) execute(ctx context.Context, job *jobs.Job) (string, error) {
	switch job.ToolName {
	case dispatch.ToolExecuteCommand:
		in, err := agent.DecodeInput[dispatch.ExecuteCommandInput](job.Payload.Input)
		if err != nil {
			return "", err
		}
		return w.runInSandbox(ctx, job, func(sb *Sandbox) (RunSpec, error) {
			dir := sb.Dir()
			if in.Workdir != "" {
				resolved, err := sb.Resolve(in.Workdir)
				if err != nil {
					return RunSpec{}, err
				}
				if err := os.MkdirAll(resolved, 0o755); err != nil {
					return RunSpec{}, err
				}
				dir = resolved
			}
			return RunSpec{Argv: []string{"/bin/sh", "-c", in.Command}, Dir: dir}, nil
		})

	case dispatch.ToolExecuteCode:
		in, err := agent.DecodeInput[dispatch.ExecuteCodeInput](job.Payload.Input)
		if err != nil {
			return "", err
		}
		interp, err := w.interpreter(in.Language)
		if err != nil {
			return "", err
		}
		return w.runInSandbox(ctx, job, func(sb *Sandbox) (RunSpec, error) {
			file, err := sb.WriteFile(codeFiles[in.Language], []byte(in.Code))
			if err != nil {
				return RunSpec{}, err
			}
			return RunSpec{Argv: []string{interp, file}, Dir: sb.Dir()}, nil
		})

	case dispatch.ToolExecuteSkill:
		in, err := agent.DecodeInput[dispatch.ExecuteSkillInput](job.Payload.Input)
		if err != nil {
			return "", err
		}
		if w.skills == nil {
			return "", fmt.Errorf("%w: no skills configured", ErrUnsupportedTool)
		}
		skill, err := w.skills.Skill(in.SkillID)
		if err != nil {
			return "", err
		}
		interp, err := w.interpreter(skill.Language)
		if err != nil {
			return "", err
		}
		return w.runInSandbox(ctx, job, func(sb *Sandbox) (RunSpec, error) {
			return RunSpec{
				Argv:    []string{interp, filepath.Join(skill.Dir, skill.Script)},
				Dir:     sb.Dir(),
				Stdin:   in.Input,
				Timeout: skill.Timeout,
				Env:     map[string]string{"SCALYCLAW_SKILL_DIR": skill.Dir},
			}, nil
		})

	case dispatch.ToolDelegateAgent:
		in, err := agent.DecodeInput[dispatch.DelegateAgentInput](job.Payload.Input)
		if err != nil {
			return "", err
		}
		if w.delegator == nil {
			return "", fmt.Errorf("%w: delegation disabled on this worker", ErrUnsupportedTool)
		}
		reply, err := w.delegator.Delegate(ctx, in.AgentID, in.Task, job.ChannelID)
		if err != nil {
			return "", err
		}
		out, err := json.Marshal(map[string]string{"agentId": in.AgentID, "reply": reply})
		return string(out), err
	}
	return "", fmt.Errorf("%w: %s", ErrUnsupportedTool, job.ToolName)
}

func (w *Worker) interpreter(language string) (string, error) {
	interp := w.cfg.Interpreters[language]
	if interp == "" {
		return "", fmt.Errorf("no interpreter configured for %q", language)
	}
	return interp, nil
}

// runInSandbox prepares the job sandbox, runs the spec built by prepare and
// encodes the outcome, announcing produced files for the node to fetch.
func (w *Worker) runInSandbox(ctx context.Context, job *jobs.Job, prepare func(*Sandbox) (RunSpec, error)) (string, error) {
	sb, err := NewSandbox(w.cfg.JobRoot, job.ID, job.Payload.Files)
	if err != nil {
		return "", err
	}
	spec, err := prepare(sb)
	if err != nil {
		return "", err
	}
	if spec.Timeout <= 0 {
		spec.Timeout = w.cfg.JobTimeout
	}
	env := map[string]string{
		"SCALYCLAW_JOB_ID":  job.ID,
		"SCALYCLAW_SANDBOX": sb.Dir(),
	}
	for k, v := range job.Payload.Secrets {
		env[k] = v
	}
	for k, v := range spec.Env {
		env[k] = v
	}
	spec.Env = env
	if w.bus != nil && job.ChannelID != "" {
		spec.OnProgress = func(msg string) {
			if msg == "" {
				return
			}
			ev := models.ProgressEvent{JobID: job.ID, Type: models.ProgressUpdate, Message: msg}
			if err := w.bus.Publish(context.WithoutCancel(ctx), job.ChannelID, ev); err != nil {
				w.logger.WarnContext(ctx, "publish progress failed", "error", err)
			}
		}
	}

	res, err := w.runner.Run(ctx, spec)
	if err != nil {
		return "", err
	}
	return w.encodeResult(res, sb.Produced())
}

func (w *Worker) encodeResult(res ExecResult, files []dispatch.WorkerFile) (string, error) {
	out := map[string]any{
		"exitCode": res.ExitCode,
		"stdout":   res.Stdout,
	}
	if res.Stderr != "" {
		out["stderr"] = res.Stderr
	}
	if res.TimedOut {
		out["timedOut"] = true
	}
	if len(files) > 0 {
		out[dispatch.AnnotationFiles] = files
		out[dispatch.AnnotationWorker] = w.cfg.ID
	}
	data, err := json.Marshal(out)
	if err != nil {
		return "", fmt.Errorf("encode result: %w", err)
	}
	return string(data), nil
}

// ResultText picks the user-facing text out of a job result.
func ResultText(result string) string {
	var obj map[string]any
	if err := json.Unmarshal([]byte(result), &obj); err != nil {
		return result
	}
	for _, key := range []string{"reply", "stdout"} {
		if s, ok := obj[key].(string); ok && strings.TrimSpace(s) != "" {
			return s
		}
	}
	return result
}
