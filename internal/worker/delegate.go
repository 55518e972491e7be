package worker

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/scalyclaw/scalyclaw-sub000/internal/agent"
	agentctx "github.com/scalyclaw/scalyclaw-sub000/internal/agent/context"
	"github.com/scalyclaw/scalyclaw-sub000/internal/observability"
	"github.com/scalyclaw/scalyclaw-sub000/internal/skills"
	"github.com/scalyclaw/scalyclaw-sub000/pkg/models"
)

// AgentRunner runs delegated tasks through a nested orchestrator. Sub-agents
// see only local tools, never the dispatch meta-tools, so they cannot fan
// out further jobs.
type AgentRunner struct {
	agents   skills.Catalog
	catalog  *agent.ModelCatalog
	tools    *agent.ToolRegistry
	base     agent.LoopConfig
	context  agentctx.Config
	usage    agent.UsageRecorder
	logger   *slog.Logger
	metrics  *observability.Metrics
	tracer   *observability.Tracer
	executor *agent.ExecutorConfig
}

// AgentRunnerConfig collects what a nested orchestrator needs.
type AgentRunnerConfig struct {
	Agents   skills.Catalog
	Catalog  *agent.ModelCatalog
	Tools    *agent.ToolRegistry
	Loop     agent.LoopConfig
	Context  agentctx.Config
	Usage    agent.UsageRecorder
	Executor *agent.ExecutorConfig
	Logger   *slog.Logger
	Metrics  *observability.Metrics
	Tracer   *observability.Tracer
}

// NewAgentRunner creates a Delegator.
func NewAgentRunner(cfg AgentRunnerConfig) *AgentRunner {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &AgentRunner{
		agents:   cfg.Agents,
		catalog:  cfg.Catalog,
		tools:    cfg.Tools,
		base:     cfg.Loop,
		context:  cfg.Context,
		usage:    cfg.Usage,
		executor: cfg.Executor,
		logger:   logger.With("component", "delegate"),
		metrics:  cfg.Metrics,
		tracer:   cfg.Tracer,
	}
}

// Delegate implements Delegator.
func (r *AgentRunner) Delegate(ctx context.Context, agentID, task, channelID string) (string, error) {
	if r.agents == nil {
		return "", fmt.Errorf("%w: %s", skills.ErrAgentNotFound, agentID)
	}
	def, err := r.agents.Agent(agentID)
	if err != nil {
		return "", err
	}

	loop := r.base
	loop.SystemPrompt = def.SystemPrompt
	if def.Model != "" {
		loop.Model = def.Model
	}
	if def.MaxIterations > 0 {
		loop.MaxIterations = def.MaxIterations
	}

	summarizer := agent.NewLLMSummarizer(r.catalog, loop.ModelPool, r.usage)
	manager := agentctx.NewManager(r.context, nil, summarizer, agentctx.WithLogger(r.logger))
	opts := []agent.Option{
		agent.WithLogger(r.logger),
		agent.WithMetrics(r.metrics),
		agent.WithTracer(r.tracer),
	}
	if r.usage != nil {
		opts = append(opts, agent.WithUsageRecorder(r.usage))
	}
	if r.executor != nil {
		opts = append(opts, agent.WithExecutorConfig(r.executor))
	}
	orch := agent.NewOrchestrator(&loop, r.catalog, r.toolsFor(def), manager, opts...)

	r.logger.InfoContext(ctx, "delegating task", "agent_id", agentID, "channel_id", channelID)
	result, err := orch.Run(ctx, models.NormalizedMessage{ChannelID: channelID, Text: task})
	if err != nil {
		return "", fmt.Errorf("agent %s: %w", agentID, err)
	}
	if err := result.Err(); err != nil && result.Reply == "" {
		return "", fmt.Errorf("agent %s: %w", agentID, err)
	}
	return result.Reply, nil
}

// toolsFor narrows the local registry to the agent's allow list.
func (r *AgentRunner) toolsFor(def *skills.Agent) *agent.ToolRegistry {
	if r.tools == nil {
		return agent.NewToolRegistry()
	}
	if len(def.Tools) == 0 {
		return r.tools
	}
	scoped := agent.NewToolRegistry()
	for _, name := range def.Tools {
		if tool, ok := r.tools.Get(name); ok {
			if err := scoped.Register(tool); err != nil {
				r.logger.Warn("skip tool for agent", "agent_id", def.ID, "tool", name, "error", err)
			}
		}
	}
	return scoped
}
