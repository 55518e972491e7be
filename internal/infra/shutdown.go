// Package infra holds process lifecycle helpers shared by the node and
// worker commands.
package infra

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"
)

// Phase orders shutdown steps. Earlier phases finish before later ones start.
type Phase int

const (
	// PhaseDrain stops intake: adapters stop accepting messages and workers
	// stop dequeuing.
	PhaseDrain Phase = iota
	// PhaseServices stops background loops such as the progress deliverer
	// and the scheduler.
	PhaseServices
	// PhaseConnections closes databases and listeners.
	PhaseConnections
	phaseCount
)

func (p Phase) String() string {
	switch p {
	case PhaseDrain:
		return "drain"
	case PhaseServices:
		return "services"
	case PhaseConnections:
		return "connections"
	default:
		return fmt.Sprintf("phase-%d", p)
	}
}

// Func is one shutdown step. ctx carries the step's deadline.
type Func func(ctx context.Context) error

type step struct {
	name    string
	phase   Phase
	fn      Func
	timeout time.Duration
}

// Result reports how one step went.
type Result struct {
	Name     string
	Phase    Phase
	Duration time.Duration
	Err      error
}

// Coordinator runs registered steps once, phase by phase, with the steps of
// one phase running concurrently.
type Coordinator struct {
	mu         sync.Mutex
	steps      [phaseCount][]step
	grace      time.Duration
	logger     *slog.Logger
	once       sync.Once
	started    chan struct{}
	finished   chan struct{}
	stopping   atomic.Bool
	results    []Result
	stopReason string
}

// NewCoordinator creates a coordinator. grace bounds the whole shutdown and
// is the default per-step timeout.
func NewCoordinator(grace time.Duration, logger *slog.Logger) *Coordinator {
	if grace <= 0 {
		grace = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		grace:    grace,
		logger:   logger.With("component", "shutdown"),
		started:  make(chan struct{}),
		finished: make(chan struct{}),
	}
}

// Add registers a step using the default timeout.
func (c *Coordinator) Add(name string, phase Phase, fn Func) {
	c.AddWithTimeout(name, phase, 0, fn)
}

// AddWithTimeout registers a step with its own timeout.
func (c *Coordinator) AddWithTimeout(name string, phase Phase, timeout time.Duration, fn Func) {
	if phase < 0 || phase >= phaseCount {
		phase = PhaseConnections
	}
	c.mu.Lock()
	c.steps[phase] = append(c.steps[phase], step{name: name, phase: phase, fn: fn, timeout: timeout})
	c.mu.Unlock()
}

// Trigger starts shutdown in the background. Later calls are no-ops.
func (c *Coordinator) Trigger(reason string) {
	go c.Shutdown(context.Background(), reason)
}

// OnSignal triggers shutdown on SIGINT or SIGTERM (or the given signals).
func (c *Coordinator) OnSignal(signals ...os.Signal) {
	if len(signals) == 0 {
		signals = []os.Signal{syscall.SIGINT, syscall.SIGTERM}
	}
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, signals...)
	go func() {
		select {
		case sig := <-sigCh:
			c.Trigger(sig.String())
		case <-c.started:
		}
		signal.Stop(sigCh)
	}()
}

// Shutdown runs every step. Only the first call does work; the rest wait for
// it and return the same results.
func (c *Coordinator) Shutdown(ctx context.Context, reason string) []Result {
	c.once.Do(func() {
		c.stopping.Store(true)
		c.mu.Lock()
		c.stopReason = reason
		c.mu.Unlock()
		close(c.started)
		defer close(c.finished)

		ctx, cancel := context.WithTimeout(ctx, c.grace)
		defer cancel()

		c.logger.Info("shutting down", "reason", reason, "grace", c.grace)
		start := time.Now()
		var results []Result
		for phase := Phase(0); phase < phaseCount; phase++ {
			c.mu.Lock()
			steps := append([]step(nil), c.steps[phase]...)
			c.mu.Unlock()
			if len(steps) == 0 {
				continue
			}
			results = append(results, c.runPhase(ctx, steps)...)
			if ctx.Err() != nil {
				c.logger.Warn("grace period exhausted", "phase", phase.String())
				break
			}
		}
		c.logger.Info("shutdown complete", "duration", time.Since(start))

		c.mu.Lock()
		c.results = results
		c.mu.Unlock()
	})
	<-c.finished
	return c.Results()
}

func (c *Coordinator) runPhase(ctx context.Context, steps []step) []Result {
	results := make([]Result, len(steps))
	var wg sync.WaitGroup
	for i, s := range steps {
		wg.Add(1)
		go func(i int, s step) {
			defer wg.Done()
			results[i] = c.runStep(ctx, s)
		}(i, s)
	}
	wg.Wait()
	return results
}

func (c *Coordinator) runStep(ctx context.Context, s step) Result {
	timeout := s.timeout
	if timeout <= 0 {
		timeout = c.grace
	}
	stepCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	done := make(chan error, 1)
	go func() {
		done <- s.fn(stepCtx)
	}()

	res := Result{Name: s.name, Phase: s.phase}
	select {
	case err := <-done:
		res.Err = err
	case <-stepCtx.Done():
		res.Err = stepCtx.Err()
	}
	res.Duration = time.Since(start)
	if res.Err != nil {
		c.logger.Warn("shutdown step failed", "step", s.name, "phase", s.phase.String(), "error", res.Err)
	} else {
		c.logger.Debug("shutdown step done", "step", s.name, "duration", res.Duration)
	}
	return res
}

// Stopping reports whether shutdown has begun.
func (c *Coordinator) Stopping() bool { return c.stopping.Load() }

// Started is closed when shutdown begins.
func (c *Coordinator) Started() <-chan struct{} { return c.started }

// Done is closed when every step has returned or timed out.
func (c *Coordinator) Done() <-chan struct{} { return c.finished }

// Reason returns what triggered the shutdown.
func (c *Coordinator) Reason() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopReason
}

// Results returns the step results once shutdown has finished.
func (c *Coordinator) Results() []Result {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Result(nil), c.results...)
}
