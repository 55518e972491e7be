package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/scalyclaw/scalyclaw-sub000/internal/agent"
	agentctx "github.com/scalyclaw/scalyclaw-sub000/internal/agent/context"
	"github.com/scalyclaw/scalyclaw-sub000/internal/channels"
	"github.com/scalyclaw/scalyclaw-sub000/internal/config"
	"github.com/scalyclaw/scalyclaw-sub000/internal/cron"
	"github.com/scalyclaw/scalyclaw-sub000/internal/dispatch"
	"github.com/scalyclaw/scalyclaw-sub000/internal/gateway"
	"github.com/scalyclaw/scalyclaw-sub000/internal/infra"
	"github.com/scalyclaw/scalyclaw-sub000/internal/jobs"
	"github.com/scalyclaw/scalyclaw-sub000/internal/memory"
	"github.com/scalyclaw/scalyclaw-sub000/internal/node"
	"github.com/scalyclaw/scalyclaw-sub000/internal/progress"
	"github.com/scalyclaw/scalyclaw-sub000/internal/sessions"
	"github.com/scalyclaw/scalyclaw-sub000/internal/skills"
	"github.com/scalyclaw/scalyclaw-sub000/internal/tools"
	"github.com/scalyclaw/scalyclaw-sub000/internal/vault"
	"github.com/scalyclaw/scalyclaw-sub000/internal/workspace"
	"github.com/scalyclaw/scalyclaw-sub000/pkg/models"
)

const (
	// WebSocketPath is where the websocket channel adapter is mounted.
	WebSocketPath = "/ws"

	jobRetention = 24 * time.Hour
)

// runNode starts the orchestrating node and blocks until it has shut down.
func runNode(ctx context.Context, configPath string, debug, embedWorker bool) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	rt := newRuntime(cfg, "node", debug)
	logger := rt.logger
	nodeID := cfg.Node.ID
	if nodeID == "" {
		nodeID = "node-" + uuid.NewString()[:8]
	}
	logger = logger.With("node_id", nodeID)

	coord := infra.NewCoordinator(shutdownTimeout(cfg), logger)
	// Background loops run until the services phase cancels them.
	svcCtx, stopServices := context.WithCancel(context.Background())
	defer stopServices()

	be, err := openBackend(ctx, cfg, logger)
	if err != nil {
		return err
	}
	coord.Add("backend", infra.PhaseConnections, func(context.Context) error { return be.Close() })
	coord.Add("tracing", infra.PhaseConnections, rt.shutdown)

	ws, err := workspace.New(cfg.Workspace.Root)
	if err != nil {
		return fmt.Errorf("workspace: %w", err)
	}
	if err := ws.Ensure(); err != nil {
		return fmt.Errorf("workspace: %w", err)
	}

	catalog, err := buildCatalog(cfg, logger)
	if err != nil {
		return err
	}
	accountant, closeLedger, err := openLedger(cfg, catalog)
	if err != nil {
		return fmt.Errorf("usage ledger: %w", err)
	}
	coord.Add("usage", infra.PhaseConnections, func(context.Context) error { return closeLedger() })

	history, err := openSessions(cfg)
	if err != nil {
		return fmt.Errorf("sessions: %w", err)
	}
	coord.Add("sessions", infra.PhaseConnections, func(context.Context) error { return history.Close() })

	catalogStore, err := openSkills(svcCtx, cfg, logger)
	if err != nil {
		return err
	}
	coord.Add("skills", infra.PhaseServices, func(context.Context) error { return catalogStore.Close() })

	mem, err := openMemory(cfg, logger)
	if err != nil {
		return fmt.Errorf("memory: %w", err)
	}
	coord.Add("memory", infra.PhaseConnections, func(context.Context) error { return mem.Close() })

	scheduler := cron.NewScheduler(cron.WithLogger(logger))

	disp := dispatch.NewDispatcher(be.queue, jobs.NewTracker(),
		dispatch.WithRegistry(be.registry),
		dispatch.WithSecrets(vault.New(cfg.Vault.Secrets, cfg.Vault.EnvPrefix)),
		dispatch.WithWorkspace(ws),
		dispatch.WithConfig(dispatch.Config{
			NodeID:           nodeID,
			JobTimeout:       cfg.Dispatch.JobTimeout,
			FileFetchTimeout: cfg.Dispatch.FileFetchTimeout,
			FileFetchRetries: cfg.Dispatch.FileFetchRetries,
		}),
		dispatch.WithLogger(logger),
		dispatch.WithMetrics(rt.metrics),
		dispatch.WithTracer(rt.tracer),
	)

	// The channel registry and the pipeline refer to each other.
	var pipeline *node.Pipeline
	chans := channels.NewRegistry(func(ctx context.Context, msg models.NormalizedMessage) {
		pipeline.Handle(ctx, msg)
	}, logger)
	wsAdapter := channels.NewWebSocketAdapter(cfg.Node.AuthToken, logger)
	if err := chans.Register(wsAdapter); err != nil {
		return err
	}

	toolset, err := nodeTools(disp, tools.Deps{
		Sender:    chans,
		Workspace: ws,
		Memory:    mem,
		Scheduler: scheduler,
		Catalog:   catalogStore,
		Queue:     be.queue,
		Logger:    logger,
	})
	if err != nil {
		return err
	}

	loop := loopConfig(cfg)
	manager := agentctx.NewManager(contextConfig(cfg), history,
		agent.NewLLMSummarizer(catalog, loop.ModelPool, accountant),
		agentctx.WithLogger(logger),
		agentctx.WithOutcomeHook(func(o agentctx.Outcome) { rt.metrics.RecordCompaction(string(o)) }),
	)
	stops := node.NewStopFlags()
	orch := agent.NewOrchestrator(&loop, catalog, toolset, manager,
		agent.WithProgressSink(progress.NewPublisher(be.bus)),
		agent.WithBudgetChecker(accountant),
		agent.WithUsageRecorder(accountant),
		agent.WithHistoryWriter(history),
		agent.WithStopCheck(stops.Check),
		agent.WithExecutorConfig(executorConfig(cfg)),
		agent.WithMetrics(rt.metrics),
		agent.WithTracer(rt.tracer),
		agent.WithLogger(logger),
	)
	pipeline = node.NewPipeline(orch, chans,
		node.WithLimiter(be.limiter),
		node.WithCanceller(disp),
		node.WithStopFlags(stops),
		node.WithLogger(logger),
		node.WithMetrics(rt.metrics),
	)

	deliverer := progress.NewDeliverer(be.bus, chans,
		progress.WithOwner(chans),
		progress.WithLogger(logger),
		progress.WithMetrics(rt.metrics),
	)

	server := gateway.New(gateway.Config{
		Host:      cfg.Node.Host,
		Port:      cfg.Node.Port,
		AuthToken: cfg.Node.AuthToken,
		Role:      string(models.ProcessNode),
		ID:        nodeID,
	},
		gateway.WithLogger(logger),
		gateway.WithGatherer(rt.registry),
		gateway.WithVersion(version),
		gateway.WithShutdown(coord.Trigger),
		gateway.WithHealth(func() map[string]bool {
			health := chans.Health()
			pctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			health["backend"] = be.ping(pctx)
			return health
		}),
	)
	server.Mount(WebSocketPath, wsAdapter)

	if embedWorker {
		if be.shared() {
			logger.Info("embedded worker disabled with a shared backend, run `scalyclaw worker` instead")
		} else {
			w := newWorker(rt, cfg, be, catalog, accountant, catalogStore, workerConfig(cfg, nodeID+"-worker", cfg.Node.Host, cfg.Node.Port, cfg.Node.AuthToken))
			server.Mount(dispatch.FilesPath, w.FilesHandler())
			workerDone := make(chan struct{})
			go func() {
				defer close(workerDone)
				if err := w.Run(svcCtx); err != nil {
					logger.Error("embedded worker stopped", "error", err)
				}
			}()
			coord.Add("worker", infra.PhaseServices, func(ctx context.Context) error {
				select {
				case <-workerDone:
					return nil
				case <-ctx.Done():
					return ctx.Err()
				}
			})
		}
	}

	if err := scheduleMaintenance(scheduler, cfg, be, deliverer, logger); err != nil {
		return err
	}

	// Buffered events from a previous run go out before new traffic.
	if n, err := deliverer.Drain(ctx); err != nil {
		logger.Warn("startup drain failed", "error", err)
	} else if n > 0 {
		logger.Info("delivered buffered progress", "events", n)
	}

	if err := chans.ConnectAll(svcCtx); err != nil {
		return fmt.Errorf("connect channels: %w", err)
	}
	if err := server.Start(ctx); err != nil {
		return err
	}
	rec := nodeRecord(cfg, nodeID, server.Addr())
	if err := be.registry.Claim(ctx, rec); err != nil {
		_ = server.Stop(context.Background())
		return fmt.Errorf("register node: %w", err)
	}
	if err := scheduler.Start(svcCtx); err != nil {
		return err
	}
	go func() {
		if err := deliverer.Run(svcCtx); err != nil {
			logger.Error("progress deliverer stopped", "error", err)
		}
	}()

	coord.Add("channels", infra.PhaseDrain, chans.DisconnectAll)
	coord.Add("pipeline", infra.PhaseDrain, pipeline.Close)
	coord.Add("deregister", infra.PhaseDrain, func(ctx context.Context) error {
		return be.registry.Deregister(ctx, nodeID)
	})
	coord.Add("scheduler", infra.PhaseServices, scheduler.Stop)
	coord.Add("background", infra.PhaseServices, func(context.Context) error {
		stopServices()
		return nil
	})
	coord.Add("gateway", infra.PhaseServices, server.Stop)

	coord.OnSignal()
	go func() {
		select {
		case <-ctx.Done():
			coord.Trigger("context cancelled")
		case <-coord.Started():
		}
	}()

	logger.Info("node started",
		"addr", server.Addr(),
		"backend", be.kind,
		"tools", len(toolset.Names()),
		"models", len(cfg.EnabledModels()),
	)
	<-coord.Done()
	for _, res := range coord.Results() {
		if res.Err != nil {
			logger.Warn("shutdown step failed", "step", res.Name, "phase", res.Phase.String(), "error", res.Err)
		}
	}
	logger.Info("node stopped", "reason", coord.Reason())
	return nil
}

// nodeRecord advertises the node in the registry. The port comes from the
// bound listener so an ephemeral port is reachable too. The auth token is
// what `scalyclaw stop` presents to POST /shutdown.
func nodeRecord(cfg *config.Config, id, addr string) models.ProcessRecord {
	hostname, _ := os.Hostname()
	rec := models.ProcessRecord{
		ID:          id,
		Type:        models.ProcessNode,
		Host:        cfg.Node.Host,
		Port:        cfg.Node.Port,
		Hostname:    hostname,
		StartedAt:   time.Now().UTC(),
		Version:     version,
		Concurrency: executorConfig(cfg).MaxConcurrency,
		AuthToken:   cfg.Node.AuthToken,
	}
	if _, portText, err := net.SplitHostPort(addr); err == nil {
		if port, err := strconv.Atoi(portText); err == nil && port > 0 {
			rec.Port = port
		}
	}
	return rec
}

// nodeTools builds the model-facing registry: the dispatch meta-tools and
// every local tool deps can support. Worker tools live only in the registry
// behind the meta-tools, so jobs always go through submit_job or
// submit_parallel_jobs.
func nodeTools(disp *dispatch.Dispatcher, deps tools.Deps) (*agent.ToolRegistry, error) {
	remote := agent.NewToolRegistry()
	for _, t := range disp.RemoteTools() {
		if err := remote.Register(t); err != nil {
			return nil, err
		}
	}
	all := agent.NewToolRegistry()
	for _, t := range append(disp.MetaTools(remote), tools.Local(deps)...) {
		if err := all.Register(t); err != nil {
			return nil, err
		}
	}
	return all, nil
}

// scheduleMaintenance installs the periodic progress drain, the registry
// reaper and job pruning.
func scheduleMaintenance(s *cron.Scheduler, cfg *config.Config, be *backend, d *progress.Deliverer, logger *slog.Logger) error {
	if _, err := s.AddSpec("progress-drain", cfg.Node.DrainSchedule, func(ctx context.Context) error {
		n, err := d.Drain(ctx)
		if n > 0 {
			logger.Info("drained progress", "events", n)
		}
		return err
	}); err != nil {
		return fmt.Errorf("drain schedule: %w", err)
	}
	if _, err := s.AddSpec("registry-reap", "@every 1m", func(ctx context.Context) error {
		_, err := be.registry.Reap(ctx)
		return err
	}); err != nil {
		return err
	}
	_, err := s.AddSpec("job-prune", "@hourly", func(ctx context.Context) error {
		n, err := be.queue.Prune(ctx, jobRetention)
		if n > 0 {
			logger.Info("pruned finished jobs", "count", n)
		}
		return err
	})
	return err
}

func openSessions(cfg *config.Config) (sessions.Store, error) {
	switch cfg.Sessions.Backend {
	case "sqlite":
		return sessions.OpenSQLiteStore(cfg.Sessions.Path)
	case "", "memory":
		return sessions.NewMemoryStore(0), nil
	}
	return nil, fmt.Errorf("unknown sessions backend %q", cfg.Sessions.Backend)
}

func openSkills(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*skills.Store, error) {
	store := skills.NewStore(cfg.Skills.Dir, cfg.Skills.Agents, skills.WithLogger(logger))
	if err := store.Load(ctx); err != nil {
		return nil, fmt.Errorf("load skills: %w", err)
	}
	if cfg.Skills.Watch {
		if err := store.StartWatching(ctx); err != nil {
			logger.Warn("skill watching disabled", "error", err)
		}
	}
	return store, nil
}

func openMemory(cfg *config.Config, logger *slog.Logger) (*memory.Manager, error) {
	var store memory.Store = memory.NewMemoryStore()
	if cfg.Memory.Path != "" {
		s, err := memory.OpenSQLiteStore(cfg.Memory.Path)
		if err != nil {
			return nil, err
		}
		store = s
	}
	var embedder memory.Embedder
	if cfg.Memory.EmbeddingModel != "" && cfg.Providers.OpenAI.APIKey != "" {
		e, err := memory.NewOpenAIEmbedder(cfg.Providers.OpenAI.APIKey, cfg.Providers.OpenAI.BaseURL, cfg.Memory.EmbeddingModel)
		if err != nil {
			return nil, err
		}
		embedder = e
	}
	return memory.NewManager(store, embedder, logger), nil
}

// probeClient is used by status and stop.
var probeClient = &http.Client{Timeout: 5 * time.Second}
