package main

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/scalyclaw/scalyclaw-sub000/internal/agent"
	"github.com/scalyclaw/scalyclaw-sub000/internal/config"
	"github.com/scalyclaw/scalyclaw-sub000/internal/cron"
	"github.com/scalyclaw/scalyclaw-sub000/internal/dispatch"
	"github.com/scalyclaw/scalyclaw-sub000/internal/gateway"
	"github.com/scalyclaw/scalyclaw-sub000/internal/infra"
	"github.com/scalyclaw/scalyclaw-sub000/internal/skills"
	"github.com/scalyclaw/scalyclaw-sub000/internal/tools"
	"github.com/scalyclaw/scalyclaw-sub000/internal/usage"
	"github.com/scalyclaw/scalyclaw-sub000/internal/worker"
	"github.com/scalyclaw/scalyclaw-sub000/pkg/models"
)

func workerConfig(cfg *config.Config, id, host string, port int, token string) worker.Config {
	return worker.Config{
		ID:           id,
		Host:         host,
		Port:         port,
		AuthToken:    token,
		Queues:       cfg.Worker.Queues,
		Concurrency:  cfg.Worker.Concurrency,
		JobRoot:      cfg.Worker.JobRoot,
		Interpreters: cfg.Worker.Interpreters,
		JobTimeout:   cfg.Dispatch.JobTimeout,
		Version:      version,
	}
}

// newWorker builds a worker whose sub-agents run with the catalog tools only.
func newWorker(rt *runtime, cfg *config.Config, be *backend, catalog *agent.ModelCatalog, accountant *usage.Accountant, defs *skills.Store, wcfg worker.Config) *worker.Worker {
	subTools := agent.NewToolRegistry()
	for _, t := range tools.Local(tools.Deps{Catalog: defs, Queue: be.queue, Logger: rt.logger}) {
		subTools.MustRegister(t)
	}
	delegator := worker.NewAgentRunner(worker.AgentRunnerConfig{
		Agents:   defs,
		Catalog:  catalog,
		Tools:    subTools,
		Loop:     loopConfig(cfg),
		Context:  contextConfig(cfg),
		Usage:    accountant,
		Executor: executorConfig(cfg),
		Logger:   rt.logger,
		Metrics:  rt.metrics,
		Tracer:   rt.tracer,
	})
	return worker.New(wcfg, be.queue,
		worker.WithRegistry(be.registry),
		worker.WithProgressBus(be.bus),
		worker.WithSkills(defs),
		worker.WithDelegator(delegator),
		worker.WithLogger(rt.logger),
		worker.WithMetrics(rt.metrics),
		worker.WithTracer(rt.tracer),
	)
}

// runWorker starts a standalone worker and blocks until it has shut down.
func runWorker(ctx context.Context, configPath string, debug bool) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	rt := newRuntime(cfg, "worker", debug)
	id := cfg.Worker.ID
	if id == "" {
		id = "worker-" + uuid.NewString()[:8]
	}
	logger := rt.logger.With("worker_id", id)
	rt.logger = logger

	be, err := openBackend(ctx, cfg, logger)
	if err != nil {
		return err
	}
	if !be.shared() {
		logger.Warn("worker uses an in-process backend and will not see jobs from any node")
	}

	coord := infra.NewCoordinator(shutdownTimeout(cfg), logger)
	svcCtx, stopServices := context.WithCancel(context.Background())
	defer stopServices()
	coord.Add("backend", infra.PhaseConnections, func(context.Context) error { return be.Close() })
	coord.Add("tracing", infra.PhaseConnections, rt.shutdown)

	catalog, err := buildCatalog(cfg, logger)
	if err != nil {
		return err
	}
	accountant, closeLedger, err := openLedger(cfg, catalog)
	if err != nil {
		return fmt.Errorf("usage ledger: %w", err)
	}
	coord.Add("usage", infra.PhaseConnections, func(context.Context) error { return closeLedger() })

	defs, err := openSkills(svcCtx, cfg, logger)
	if err != nil {
		return err
	}
	coord.Add("skills", infra.PhaseServices, func(context.Context) error { return defs.Close() })

	w := newWorker(rt, cfg, be, catalog, accountant, defs,
		workerConfig(cfg, id, cfg.Worker.Host, cfg.Worker.Port, cfg.Worker.AuthToken))

	server := gateway.New(gateway.Config{
		Host:      cfg.Worker.Host,
		Port:      cfg.Worker.Port,
		AuthToken: cfg.Worker.AuthToken,
		Role:      string(models.ProcessWorker),
		ID:        id,
	},
		gateway.WithLogger(logger),
		gateway.WithGatherer(rt.registry),
		gateway.WithVersion(version),
		gateway.WithShutdown(coord.Trigger),
		gateway.WithHealth(func() map[string]bool {
			pctx, cancel := context.WithTimeout(context.Background(), probeClient.Timeout)
			defer cancel()
			return map[string]bool{"backend": be.ping(pctx)}
		}),
	)
	server.Mount(dispatch.FilesPath, w.FilesHandler())
	if err := server.Start(ctx); err != nil {
		return err
	}

	scheduler := cron.NewScheduler(cron.WithLogger(logger))
	if _, err := scheduler.AddSpec("sandbox-prune", "@hourly", func(context.Context) error {
		n, err := worker.PruneSandboxes(cfg.Worker.JobRoot, jobRetention)
		if n > 0 {
			logger.Info("pruned job sandboxes", "count", n)
		}
		return err
	}); err != nil {
		return err
	}
	if err := scheduler.Start(svcCtx); err != nil {
		return err
	}

	// The worker registers itself only once its file endpoint is listening.
	workerDone := make(chan error, 1)
	go func() {
		err := w.Run(svcCtx)
		if err != nil && !coord.Stopping() {
			logger.Error("worker failed", "error", err)
			coord.Trigger("worker failed")
		}
		workerDone <- err
	}()

	coord.Add("consumers", infra.PhaseDrain, func(ctx context.Context) error {
		stopServices()
		select {
		case err := <-workerDone:
			return err
		case <-ctx.Done():
			return ctx.Err()
		}
	})
	coord.Add("scheduler", infra.PhaseServices, scheduler.Stop)
	coord.Add("gateway", infra.PhaseServices, server.Stop)

	coord.OnSignal()
	go func() {
		select {
		case <-ctx.Done():
			coord.Trigger("context cancelled")
		case <-coord.Started():
		}
	}()

	logger.Info("worker process started", "addr", server.Addr(), "backend", be.kind, "queues", cfg.Worker.Queues)
	<-coord.Done()
	for _, res := range coord.Results() {
		if res.Err != nil {
			logger.Warn("shutdown step failed", "step", res.Name, "phase", res.Phase.String(), "error", res.Err)
		}
	}
	logger.Info("worker process stopped", "reason", coord.Reason())
	return nil
}
