package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	agentctx "github.com/scalyclaw/scalyclaw-sub000/internal/agent/context"
	"github.com/scalyclaw/scalyclaw-sub000/internal/observability"
	"github.com/scalyclaw/scalyclaw-sub000/internal/usage"
	"github.com/scalyclaw/scalyclaw-sub000/pkg/models"
)

// LoopConfig bounds one orchestrator invocation.
type LoopConfig struct {
	// Model is the orchestrator model id. Empty selects the first enabled
	// model in ModelPool, then in the catalog.
	Model     string
	ModelPool []string

	SystemPrompt string

	// MaxIterations limits the number of model rounds.
	// Default: 25
	MaxIterations int

	// MaxInputTokens caps cumulative input tokens over all rounds.
	// Default: 2,000,000
	MaxInputTokens int

	// MaxTokens is the max tokens for each model response.
	// Default: 4096
	MaxTokens   int
	Temperature float64
}

// DefaultLoopConfig returns the default loop configuration.
func DefaultLoopConfig() *LoopConfig {
	return &LoopConfig{
		MaxIterations:  25,
		MaxInputTokens: 2_000_000,
		MaxTokens:      4096,
	}
}

func sanitizeLoopConfig(config *LoopConfig) *LoopConfig {
	if config == nil {
		return DefaultLoopConfig()
	}
	cfg := *config
	defaults := DefaultLoopConfig()
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = defaults.MaxIterations
	}
	if cfg.MaxInputTokens <= 0 {
		cfg.MaxInputTokens = defaults.MaxInputTokens
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = defaults.MaxTokens
	}
	return &cfg
}

// StopReason tells why a run ended.
type StopReason string

const (
	StopDone          StopReason = "done"
	StopMaxIterations StopReason = "max_iterations"
	StopInputTokens   StopReason = "input_tokens"
	StopCancelled     StopReason = "cancelled"
)

// RunResult is the outcome of one invocation.
type RunResult struct {
	// Reply is the final text for the user.
	Reply string
	// Duplicate is set when Reply was already relayed as narration and
	// must not be sent again.
	Duplicate bool
	Reason    StopReason
	Rounds    int
	Model     string
	Usage     TokenUsage
}

// Err maps a ceiling or cancellation to its sentinel error.
func (r *RunResult) Err() error {
	switch r.Reason {
	case StopMaxIterations:
		return ErrMaxIterations
	case StopInputTokens:
		return ErrInputTokenCeiling
	case StopCancelled:
		return context.Canceled
	}
	return nil
}

// BudgetChecker enforces hard spend limits before a round.
type BudgetChecker interface {
	CheckBudget(ctx context.Context) error
}

// HistoryWriter persists the messages produced by one invocation.
type HistoryWriter interface {
	AppendMessages(ctx context.Context, channelID string, messages []models.ConversationMessage) error
}

// StopCheck is polled before each round; returning true ends the run.
type StopCheck func(channelID string) bool

// Orchestrator drives the round-based tool-calling conversation.
//
//	INIT ──▶ ROUND ──(no tool calls)──▶ DONE
//	           │  ▲
//	           ▼  │
//	        DISPATCH
//
// A round is preceded by a spend check, a stop check and context budget
// enforcement. The loop also ends on MaxIterations, MaxInputTokens or
// cancellation.
type Orchestrator struct {
	config   *LoopConfig
	catalog  *ModelCatalog
	tools    *ToolRegistry
	executor *Executor
	context  *agentctx.Manager

	sink    ProgressSink
	budget  BudgetChecker
	usage   UsageRecorder
	history HistoryWriter
	stop    StopCheck

	logger  *slog.Logger
	metrics *observability.Metrics
	tracer  *observability.Tracer
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithProgressSink sets where narration and status lines are relayed.
func WithProgressSink(sink ProgressSink) Option {
	return func(o *Orchestrator) { o.sink = sink }
}

// WithBudgetChecker enables the hard spend check before each round.
func WithBudgetChecker(b BudgetChecker) Option {
	return func(o *Orchestrator) { o.budget = b }
}

func WithUsageRecorder(r UsageRecorder) Option {
	return func(o *Orchestrator) { o.usage = r }
}

func WithHistoryWriter(w HistoryWriter) Option {
	return func(o *Orchestrator) { o.history = w }
}

func WithStopCheck(fn StopCheck) Option {
	return func(o *Orchestrator) { o.stop = fn }
}

func WithMetrics(m *observability.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

func WithTracer(t *observability.Tracer) Option {
	return func(o *Orchestrator) { o.tracer = t }
}

func WithExecutorConfig(cfg *ExecutorConfig) Option {
	return func(o *Orchestrator) { o.executor = NewExecutor(o.tools, cfg, o.metrics, o.tracer) }
}

func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// NewOrchestrator wires an orchestrator. Options are applied in order, so
// WithExecutorConfig should follow WithMetrics and WithTracer.
func NewOrchestrator(config *LoopConfig, catalog *ModelCatalog, tools *ToolRegistry, manager *agentctx.Manager, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		config:  sanitizeLoopConfig(config),
		catalog: catalog,
		tools:   tools,
		context: manager,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.executor == nil {
		o.executor = NewExecutor(tools, nil, o.metrics, o.tracer)
	}
	o.logger = o.logger.With("component", "orchestrator")
	return o
}

func (o *Orchestrator) resolveModel() (ModelSpec, LLMProvider, error) {
	if o.config.Model != "" {
		return o.catalog.Resolve(o.config.Model)
	}
	for _, id := range o.config.ModelPool {
		if spec, p, err := o.catalog.Resolve(id); err == nil {
			return spec, p, nil
		}
	}
	return o.catalog.Resolve("")
}

// Run processes one inbound message to completion.
func (o *Orchestrator) Run(ctx context.Context, msg models.NormalizedMessage) (*RunResult, error) {
	channelID := msg.ChannelID
	ctx = observability.WithChannel(ctx, channelID)
	ctx, span := o.tracer.Start(ctx, "orchestrator.run", "channel_id", channelID)
	defer span.End()

	spec, provider, err := o.resolveModel()
	if err != nil {
		return nil, &LoopError{Phase: PhaseInit, Cause: err}
	}
	defs := o.tools.Definitions()
	systemPrompt := o.config.SystemPrompt

	messages, budget, err := o.context.InitContext(ctx, channelID, systemPrompt, defs, spec.ContextWindow)
	if err != nil {
		return nil, &LoopError{Phase: PhaseInit, Cause: err}
	}

	userMsg := models.ConversationMessage{Role: models.RoleUser, Content: userContent(msg)}
	messages = append(messages, userMsg)
	turn := []models.ConversationMessage{userMsg}

	result := &RunResult{Model: spec.ID}
	narr := newNarrator(o.sink, channelID)
	var lastNarration string

	defer func() {
		o.finish(ctx, channelID, provider.Name(), result, turn)
	}()

	for iter := 1; ; iter++ {
		if iter > o.config.MaxIterations {
			result.Reason = StopMaxIterations
			break
		}
		if ctx.Err() != nil || (o.stop != nil && o.stop(channelID)) {
			result.Reason = StopCancelled
			break
		}
		if o.budget != nil {
			if err := o.budget.CheckBudget(ctx); err != nil {
				var be *usage.BudgetExceededError
				if errors.As(err, &be) {
					return result, err
				}
				o.logger.WarnContext(ctx, "budget check failed", "error", err)
			}
		}
		result.Rounds = iter

		messages, _ = o.context.EnsureBudget(ctx, messages, budget, agentctx.EnsureOptions{})

		start := time.Now()
		resp, err := provider.Chat(ctx, &ChatRequest{
			Model:        spec.ID,
			SystemPrompt: systemPrompt,
			Messages:     messages,
			Tools:        defs,
			MaxTokens:    o.config.MaxTokens,
			Temperature:  o.config.Temperature,
		})
		if err != nil {
			o.metrics.RecordLLMRequest(provider.Name(), spec.ID, "error", time.Since(start).Seconds(), 0, 0)
			if ctx.Err() != nil {
				result.Reason = StopCancelled
				break
			}
			observability.RecordError(span, err)
			return result, &LoopError{Phase: PhaseRound, Iteration: iter, Cause: err}
		}
		o.metrics.RecordLLMRequest(provider.Name(), spec.ID, "success", time.Since(start).Seconds(),
			resp.Usage.InputTokens, resp.Usage.OutputTokens)
		result.Usage.InputTokens += resp.Usage.InputTokens
		result.Usage.OutputTokens += resp.Usage.OutputTokens

		if iter == 1 && !budget.Calibrated {
			agentctx.Calibrate(budget, resp.Usage.InputTokens, messages, systemPrompt, defs)
		}

		if len(resp.ToolCalls) == 0 {
			result.Reason = StopDone
			result.Reply = resp.Content
			result.Duplicate = narr.delivered(resp.Content)
			if strings.TrimSpace(resp.Content) != "" {
				turn = append(turn, models.ConversationMessage{Role: models.RoleAssistant, Content: resp.Content})
			}
			break
		}

		// Narration goes out before the tools run.
		if narration := strings.TrimSpace(resp.Content); narration != "" {
			if sent, err := narr.relay(ctx, narration); err != nil {
				o.logger.WarnContext(ctx, "failed to relay narration", "error", err)
			} else if sent {
				lastNarration = narration
			}
		} else if iter == 1 {
			if _, err := narr.relay(ctx, AutoStatus(resp.ToolCalls)); err != nil {
				o.logger.WarnContext(ctx, "failed to relay status", "error", err)
			}
		}

		if result.Usage.InputTokens > o.config.MaxInputTokens {
			result.Reason = StopInputTokens
			break
		}

		assistant := models.ConversationMessage{
			Role:      models.RoleAssistant,
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		}
		messages = append(messages, assistant)
		turn = append(turn, assistant)

		execResults := o.executor.ExecuteAll(ctx, channelID, resp.ToolCalls)
		for _, msg := range ResultsToMessages(execResults) {
			msg.Content = o.context.TruncateToolResult(msg.Content, budget)
			messages = append(messages, msg)
			turn = append(turn, msg)
		}
		budget.Refresh(messages)
	}

	switch result.Reason {
	case StopMaxIterations, StopInputTokens:
		o.logger.WarnContext(ctx, "run stopped at ceiling",
			"reason", result.Reason,
			"rounds", result.Rounds,
			"input_tokens", result.Usage.InputTokens,
		)
		if lastNarration != "" {
			result.Reply = lastNarration
			result.Duplicate = true
		} else {
			result.Reply = ceilingReply(result.Reason)
			turn = append(turn, models.ConversationMessage{Role: models.RoleAssistant, Content: result.Reply})
		}
	case StopCancelled:
		o.logger.InfoContext(ctx, "run cancelled", "rounds", result.Rounds)
	}
	return result, nil
}

// finish records usage exactly once and persists the turn. It runs detached
// from cancellation so a stopped run still leaves a consistent history.
func (o *Orchestrator) finish(ctx context.Context, channelID, providerName string, result *RunResult, turn []models.ConversationMessage) {
	ctx = context.WithoutCancel(ctx)
	o.metrics.RecordRun(string(result.Reason))

	if o.usage != nil && (result.Usage.InputTokens > 0 || result.Usage.OutputTokens > 0) {
		err := o.usage.RecordUsage(ctx, usage.Record{
			Provider:  providerName,
			Model:     result.Model,
			Type:      usage.TypeOrchestrator,
			ChannelID: channelID,
			Usage: usage.Usage{
				InputTokens:  int64(result.Usage.InputTokens),
				OutputTokens: int64(result.Usage.OutputTokens),
			},
		})
		if err != nil {
			o.logger.WarnContext(ctx, "failed to record usage", "error", err)
		}
	}

	if o.history != nil && len(turn) > 0 {
		if err := o.history.AppendMessages(ctx, channelID, closeOpenCalls(turn)); err != nil {
			o.logger.WarnContext(ctx, "failed to persist turn", "error", err)
		}
	}
}

// closeOpenCalls appends aborted results for tool calls that never got one,
// so persisted history stays well-formed.
func closeOpenCalls(turn []models.ConversationMessage) []models.ConversationMessage {
	answered := make(map[string]bool)
	for _, m := range turn {
		if m.Role == models.RoleTool {
			answered[m.ToolCallID] = true
		}
	}
	out := turn
	for _, m := range turn {
		for _, tc := range m.ToolCalls {
			if !answered[tc.ID] {
				out = append(out, models.ConversationMessage{
					Role:       models.RoleTool,
					ToolCallID: tc.ID,
					Content:    ErrorJSON("aborted"),
				})
			}
		}
	}
	return out
}

func ceilingReply(reason StopReason) string {
	if reason == StopInputTokens {
		return "I stopped because this request used too much context. Try splitting it into smaller steps."
	}
	return "I ran out of steps before finishing. Ask me to continue and I'll pick up from here."
}

func userContent(msg models.NormalizedMessage) string {
	if len(msg.Attachments) == 0 {
		return msg.Text
	}
	var b strings.Builder
	b.WriteString(msg.Text)
	for _, a := range msg.Attachments {
		name := a.Filename
		if name == "" {
			name = a.ID
		}
		loc := a.Path
		if loc == "" {
			loc = a.URL
		}
		fmt.Fprintf(&b, "\n[attachment: %s %s %s]", a.Type, name, loc)
	}
	return b.String()
}
