package cron

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrJobNotFound is returned by RunJob for an unknown id.
var ErrJobNotFound = errors.New("cron job not found")

// Scheduler runs registered jobs when their schedules come due. Its loop
// sleeps until the earliest next run and is woken early when jobs change.
type Scheduler struct {
	logger   *slog.Logger
	now      func() time.Time
	maxSleep time.Duration

	mu   sync.Mutex
	jobs map[string]*Job
	wake chan struct{}
	done chan struct{}
}

// Option configures the scheduler.
type Option func(*Scheduler)

// WithLogger sets the logger used for job failures.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Scheduler) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithNow overrides the clock.
func WithNow(now func() time.Time) Option {
	return func(s *Scheduler) {
		if now != nil {
			s.now = now
		}
	}
}

// WithMaxSleep caps how long the loop waits before looking at the clock again.
func WithMaxSleep(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.maxSleep = d
		}
	}
}

// NewScheduler creates an empty scheduler.
func NewScheduler(opts ...Option) *Scheduler {
	s := &Scheduler{
		logger:   slog.Default().With("component", "cron"),
		now:      time.Now,
		maxSleep: time.Minute,
		jobs:     make(map[string]*Job),
		wake:     make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Add registers fn under schedule and returns the job id.
func (s *Scheduler) Add(name string, schedule Schedule, fn Func) (string, error) {
	if fn == nil {
		return "", errors.New("job func required")
	}
	next, ok := schedule.Next(s.now())
	if !ok {
		return "", fmt.Errorf("schedule for %s never fires", name)
	}
	job := &Job{ID: uuid.NewString(), Name: name, Schedule: schedule, NextRun: next, fn: fn}

	s.mu.Lock()
	s.jobs[job.ID] = job
	s.mu.Unlock()
	s.poke()
	return job.ID, nil
}

// AddSpec registers fn under a schedule read by Parse.
func (s *Scheduler) AddSpec(name, expr string, fn Func) (string, error) {
	schedule, err := Parse(expr)
	if err != nil {
		return "", err
	}
	return s.Add(name, schedule, fn)
}

// Remove unregisters a job and reports whether it existed.
func (s *Scheduler) Remove(id string) bool {
	s.mu.Lock()
	_, ok := s.jobs[id]
	delete(s.jobs, id)
	s.mu.Unlock()
	if ok {
		s.poke()
	}
	return ok
}

func (s *Scheduler) poke() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Start runs the loop in the background until ctx is cancelled. Starting a
// running scheduler does nothing.
func (s *Scheduler) Start(ctx context.Context) error {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return nil
	}
	done := make(chan struct{})
	s.done = done
	s.mu.Unlock()

	go func() {
		defer close(done)
		s.loop(ctx)
	}()
	return nil
}

func (s *Scheduler) loop(ctx context.Context) {
	timer := time.NewTimer(s.untilNext())
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.wake:
		case <-timer.C:
			s.runDue(ctx)
		}
		timer.Reset(s.untilNext())
	}
}

func (s *Scheduler) untilNext() time.Duration {
	now := s.now()
	wait := s.maxSleep
	s.mu.Lock()
	for _, job := range s.jobs {
		wait = min(wait, job.NextRun.Sub(now))
	}
	s.mu.Unlock()
	return max(wait, 0)
}

// Stop waits for the loop to exit once its context is cancelled.
func (s *Scheduler) Stop(ctx context.Context) error {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	done := s.done
	s.mu.Unlock()
	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunOnce runs whatever is due now and reports how many jobs ran.
func (s *Scheduler) RunOnce(ctx context.Context) int {
	if s == nil {
		return 0
	}
	return s.runDue(ctx)
}

// Jobs lists the registered jobs, soonest first.
func (s *Scheduler) Jobs() []*Job {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	out := make([]*Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		snap := *job
		snap.fn = nil
		out = append(out, &snap)
	}
	s.mu.Unlock()

	slices.SortFunc(out, func(a, b *Job) int {
		if c := a.NextRun.Compare(b.NextRun); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return out
}

// RunJob runs one job now, due or not.
func (s *Scheduler) RunJob(ctx context.Context, id string) error {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	job, ok := s.jobs[id]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %q", ErrJobNotFound, id)
	}
	return s.run(ctx, job, s.now())
}

func (s *Scheduler) runDue(ctx context.Context) int {
	now := s.now()
	s.mu.Lock()
	var due []*Job
	for _, job := range s.jobs {
		if !now.Before(job.NextRun) {
			due = append(due, job)
		}
	}
	s.mu.Unlock()

	for _, job := range due {
		if err := s.run(ctx, job, now); err != nil {
			s.logger.WarnContext(ctx, "cron job failed", "id", job.ID, "name", job.Name, "error", err)
		}
	}
	return len(due)
}

// run executes job and books the outcome. One-off jobs are dropped after
// their run.
func (s *Scheduler) run(ctx context.Context, job *Job, now time.Time) error {
	err := job.fn(ctx)
	next, again := job.Schedule.Next(now)
	again = again && job.Schedule.Kind != KindOnce

	s.mu.Lock()
	defer s.mu.Unlock()
	job.LastRun = now
	job.LastError = ""
	if err != nil {
		job.LastError = err.Error()
	}
	if again {
		job.NextRun = next
	} else {
		delete(s.jobs, job.ID)
	}
	return err
}
