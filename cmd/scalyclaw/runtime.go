package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/scalyclaw/scalyclaw-sub000/internal/agent"
	agentctx "github.com/scalyclaw/scalyclaw-sub000/internal/agent/context"
	"github.com/scalyclaw/scalyclaw-sub000/internal/agent/providers"
	"github.com/scalyclaw/scalyclaw-sub000/internal/config"
	"github.com/scalyclaw/scalyclaw-sub000/internal/observability"
	"github.com/scalyclaw/scalyclaw-sub000/internal/usage"
)

// runtime is the ambient stack every long-running process sets up.
type runtime struct {
	cfg      *config.Config
	logger   *slog.Logger
	registry *prometheus.Registry
	metrics  *observability.Metrics
	tracer   *observability.Tracer
	shutdown func(context.Context) error
}

func loadConfig(path string) (*config.Config, error) {
	path = resolveConfigPath(path)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		slog.Warn("config file not found, using defaults", "path", path)
		return config.Default(), nil
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func resolveConfigPath(path string) string {
	if strings.TrimSpace(path) != "" {
		return path
	}
	if env := strings.TrimSpace(os.Getenv("SCALYCLAW_CONFIG")); env != "" {
		return env
	}
	return defaultConfigPath
}

func newRuntime(cfg *config.Config, role string, debug bool) *runtime {
	level := cfg.Logging.Level
	if debug {
		level = "debug"
	}
	logger := observability.NewLogger(observability.LogConfig{
		Level:  level,
		Format: cfg.Logging.Format,
		Output: os.Stderr,
	}).Slog().With("role", role)
	slog.SetDefault(logger)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	rt := &runtime{
		cfg:      cfg,
		logger:   logger,
		registry: reg,
		metrics:  observability.NewMetrics(reg),
		shutdown: func(context.Context) error { return nil },
	}
	if cfg.Tracing.Enabled {
		rt.tracer, rt.shutdown = observability.NewTracer(observability.TraceConfig{
			ServiceName:    cfg.Tracing.ServiceName,
			ServiceVersion: version,
			Endpoint:       cfg.Tracing.Endpoint,
			SamplingRate:   cfg.Tracing.SamplingRate,
			Attributes:     cfg.Tracing.Attributes,
			EnableInsecure: cfg.Tracing.Insecure,
		})
	}
	return rt
}

// buildCatalog creates a provider for every backend with credentials and a
// catalog of the configured models.
func buildCatalog(cfg *config.Config, logger *slog.Logger) (*agent.ModelCatalog, error) {
	var llms []agent.LLMProvider
	if key := cfg.Providers.Anthropic.APIKey; key != "" {
		p, err := providers.NewAnthropicProvider(providers.AnthropicConfig{
			APIKey:  key,
			BaseURL: cfg.Providers.Anthropic.BaseURL,
		})
		if err != nil {
			return nil, fmt.Errorf("anthropic provider: %w", err)
		}
		llms = append(llms, p)
	}
	if key := cfg.Providers.OpenAI.APIKey; key != "" {
		p, err := providers.NewOpenAIProvider(providers.OpenAIConfig{
			APIKey:  key,
			BaseURL: cfg.Providers.OpenAI.BaseURL,
		})
		if err != nil {
			return nil, fmt.Errorf("openai provider: %w", err)
		}
		llms = append(llms, p)
	}
	if key := cfg.Providers.Google.APIKey; key != "" {
		p, err := providers.NewGoogleProvider(providers.GoogleConfig{
			APIKey:  key,
			BaseURL: cfg.Providers.Google.BaseURL,
		})
		if err != nil {
			return nil, fmt.Errorf("google provider: %w", err)
		}
		llms = append(llms, p)
	}
	if len(llms) == 0 {
		logger.Warn("no LLM provider credentials configured")
	}

	specs := make([]agent.ModelSpec, 0, len(cfg.Models))
	for _, m := range cfg.Models {
		specs = append(specs, agent.ModelSpec{
			ID:            m.ID,
			Provider:      m.Provider,
			ContextWindow: m.ContextWindow,
			InputPrice:    m.InputPrice,
			OutputPrice:   m.OutputPrice,
			Enabled:       m.Enabled,
		})
	}
	return agent.NewModelCatalog(specs, llms...), nil
}

func loopConfig(cfg *config.Config) agent.LoopConfig {
	return agent.LoopConfig{
		Model:          cfg.Orchestrator.Model,
		ModelPool:      cfg.Orchestrator.ModelPool,
		SystemPrompt:   cfg.Orchestrator.SystemPrompt,
		MaxIterations:  cfg.Orchestrator.MaxIterations,
		MaxInputTokens: cfg.Orchestrator.MaxInputTokens,
		MaxTokens:      cfg.Orchestrator.MaxTokens,
		Temperature:    cfg.Orchestrator.Temperature,
	}
}

func contextConfig(cfg *config.Config) agentctx.Config {
	c := agentctx.DefaultConfig()
	c.HistoryLimit = cfg.Context.HistoryLimit
	c.CompactionThreshold = cfg.Context.CompactionThreshold
	c.CompactionKeepRatio = cfg.Context.CompactionKeepRatio
	c.SafetyMargin = cfg.Context.SafetyMargin
	c.MinToolResultChars = cfg.Context.MinToolResultChars
	c.MaxToolResultChars = cfg.Context.MaxToolResultChars
	return c
}

func executorConfig(cfg *config.Config) *agent.ExecutorConfig {
	ec := agent.DefaultExecutorConfig()
	ec.DefaultTimeout = cfg.Orchestrator.ToolTimeout
	return ec
}

// openLedger opens the usage ledger and wraps it with the configured limits.
func openLedger(cfg *config.Config, catalog *agent.ModelCatalog) (*usage.Accountant, func() error, error) {
	limits := usage.Limits{
		Daily:   cfg.Budget.DailyLimit,
		Monthly: cfg.Budget.MonthlyLimit,
		Hard:    cfg.Budget.HardLimit,
	}
	if cfg.Usage.Path == "" {
		return usage.NewAccountant(usage.NewMemoryLedger(), limits, catalog.Pricing), func() error { return nil }, nil
	}
	ledger, err := usage.OpenSQLiteLedger(cfg.Usage.Path)
	if err != nil {
		return nil, nil, err
	}
	return usage.NewAccountant(ledger, limits, catalog.Pricing), ledger.Close, nil
}

func shutdownTimeout(cfg *config.Config) time.Duration {
	if cfg.Shutdown.GracePeriod > 0 {
		return cfg.Shutdown.GracePeriod
	}
	return 15 * time.Second
}
