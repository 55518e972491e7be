package agent

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/scalyclaw/scalyclaw-sub000/internal/observability"
	"github.com/scalyclaw/scalyclaw-sub000/pkg/models"
)

// ExecutorConfig configures the tool executor.
type ExecutorConfig struct {
	// MaxConcurrency limits the number of parallel tool executions.
	// Default: 8
	MaxConcurrency int

	// DefaultTimeout is the default timeout for one in-process tool call.
	// Default: 2m
	DefaultTimeout time.Duration
}

// DefaultExecutorConfig returns the default executor configuration.
func DefaultExecutorConfig() *ExecutorConfig {
	return &ExecutorConfig{
		MaxConcurrency: 8,
		DefaultTimeout: 2 * time.Minute,
	}
}

// TimeoutOverrider is implemented by tools that bound their own runtime, such
// as meta-tools that wait on a queued job.
type TimeoutOverrider interface {
	Timeout() time.Duration
}

// Executor runs the tool calls of one round concurrently.
type Executor struct {
	registry *ToolRegistry
	config   *ExecutorConfig
	sem      chan struct{}
	metrics  *observability.Metrics
	tracer   *observability.Tracer
}

// NewExecutor creates a tool executor. If config is nil, DefaultExecutorConfig is used.
func NewExecutor(registry *ToolRegistry, config *ExecutorConfig, metrics *observability.Metrics, tracer *observability.Tracer) *Executor {
	if config == nil {
		config = DefaultExecutorConfig()
	}
	if config.MaxConcurrency <= 0 {
		config.MaxConcurrency = DefaultExecutorConfig().MaxConcurrency
	}
	if config.DefaultTimeout <= 0 {
		config.DefaultTimeout = DefaultExecutorConfig().DefaultTimeout
	}
	return &Executor{
		registry: registry,
		config:   config,
		sem:      make(chan struct{}, config.MaxConcurrency),
		metrics:  metrics,
		tracer:   tracer,
	}
}

// ExecutionResult holds the outcome of a single tool call.
type ExecutionResult struct {
	ToolCallID string
	ToolName   string
	// Content is always a JSON string suitable for a tool message.
	Content  string
	IsError  bool
	Error    error
	Duration time.Duration
}

// ExecuteAll runs calls in parallel. Results are returned in call order.
func (e *Executor) ExecuteAll(ctx context.Context, channelID string, calls []models.ToolCall) []*ExecutionResult {
	if len(calls) == 0 {
		return nil
	}

	results := make([]*ExecutionResult, len(calls))
	var wg sync.WaitGroup
	for i, call := range calls {
		wg.Add(1)
		go func(idx int, tc models.ToolCall) {
			defer wg.Done()
			results[idx] = e.Execute(ctx, channelID, tc)
		}(i, call)
	}
	wg.Wait()
	return results
}

// Execute runs one tool call. Failures never escape as errors: they are
// rendered into the result content so the model can react to them.
func (e *Executor) Execute(ctx context.Context, channelID string, call models.ToolCall) *ExecutionResult {
	start := time.Now()
	result := &ExecutionResult{ToolCallID: call.ID, ToolName: call.Name}

	ctx, span := e.tracer.Start(ctx, "tool."+call.Name, "tool_call_id", call.ID, "channel_id", channelID)
	defer span.End()

	select {
	case e.sem <- struct{}{}:
		defer func() { <-e.sem }()
	case <-ctx.Done():
		e.fail(result, NewToolError(call.Name, ErrAborted).WithType(ToolErrorAborted).WithToolCallID(call.ID))
		result.Duration = time.Since(start)
		return result
	}

	timeout := e.config.DefaultTimeout
	if tool, ok := e.registry.Get(call.Name); ok {
		if o, ok := tool.(TimeoutOverrider); ok && o.Timeout() > 0 {
			timeout = o.Timeout()
		}
	}

	callCtx := WithCallInfo(ctx, CallInfo{ChannelID: channelID, ToolCallID: call.ID})
	res, err := e.executeWithTimeout(callCtx, call, timeout)
	result.Duration = time.Since(start)

	status := "success"
	switch {
	case err != nil:
		e.fail(result, err)
		observability.RecordError(span, err)
		status = "error"
	case res == nil:
		result.Content = ErrorJSON("tool returned no result")
		result.IsError = true
		status = "error"
	default:
		result.Content = res.Content
		result.IsError = res.IsError
		if res.IsError {
			status = "error"
		}
	}
	e.metrics.RecordToolExecution(call.Name, status, result.Duration.Seconds())
	return result
}

func (e *Executor) fail(result *ExecutionResult, err error) {
	result.Error = err
	result.IsError = true
	var te *ToolError
	if errors.As(err, &te) && te.Type == ToolErrorAborted {
		result.Content = ErrorJSON("aborted")
		return
	}
	result.Content = ErrorJSON(err.Error())
}

func (e *Executor) executeWithTimeout(ctx context.Context, call models.ToolCall, timeout time.Duration) (*ToolResult, error) {
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type execResult struct {
		result *ToolResult
		err    error
	}
	resultCh := make(chan execResult, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				err := NewToolError(call.Name, fmt.Errorf("%w: %v\n%s", ErrToolPanic, r, debug.Stack())).
					WithType(ToolErrorPanic).
					WithToolCallID(call.ID).
					WithMessage(fmt.Sprintf("tool panicked: %v", r))
				resultCh <- execResult{err: err}
			}
		}()

		res, err := e.registry.Execute(execCtx, call.Name, call.Input)
		if err != nil {
			resultCh <- execResult{err: NewToolError(call.Name, err).WithToolCallID(call.ID)}
			return
		}
		resultCh <- execResult{result: res}
	}()

	select {
	case res := <-resultCh:
		if res.err == nil || execCtx.Err() == nil {
			return res.result, res.err
		}
	case <-execCtx.Done():
	}
	if ctx.Err() != nil {
		return nil, NewToolError(call.Name, ErrAborted).
			WithType(ToolErrorAborted).
			WithToolCallID(call.ID)
	}
	return nil, NewToolError(call.Name, ErrToolTimeout).
		WithType(ToolErrorTimeout).
		WithToolCallID(call.ID).
		WithMessage(fmt.Sprintf("execution timed out after %s", timeout))
}

// ResultsToMessages converts execution results to tool messages in call order.
func ResultsToMessages(results []*ExecutionResult) []models.ConversationMessage {
	msgs := make([]models.ConversationMessage, 0, len(results))
	for _, r := range results {
		if r == nil {
			continue
		}
		msgs = append(msgs, models.ConversationMessage{
			Role:       models.RoleTool,
			Content:    r.Content,
			ToolCallID: r.ToolCallID,
		})
	}
	return msgs
}
