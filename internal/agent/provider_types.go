package agent

import (
	"context"
	"encoding/json"

	"github.com/scalyclaw/scalyclaw-sub000/pkg/models"
)

// LLMProvider is the interface implemented by language-model backends.
type LLMProvider interface {
	// Chat sends one non-streaming request. Cancelling ctx aborts the call.
	Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error)

	// Name returns the provider identifier ("anthropic", "openai", "google").
	Name() string
}

// ChatRequest is a provider-neutral model request.
type ChatRequest struct {
	Model        string
	SystemPrompt string
	Messages     []models.ConversationMessage
	Tools        []models.ToolDefinition
	MaxTokens    int
	Temperature  float64
}

// ChatResponse is a provider-neutral model response.
type ChatResponse struct {
	Content    string
	ToolCalls  []models.ToolCall
	Usage      TokenUsage
	StopReason string
}

// TokenUsage reports tokens consumed by one request.
type TokenUsage struct {
	InputTokens  int
	OutputTokens int
}

// Tool is the interface that all in-process tools implement.
type Tool interface {
	// Name returns the tool's unique identifier used by the LLM to invoke it.
	Name() string

	// Description returns a human-readable description for the LLM.
	Description() string

	// Schema returns the JSON Schema for the tool's input parameters.
	Schema() json.RawMessage

	// Execute runs the tool with validated JSON parameters.
	Execute(ctx context.Context, params json.RawMessage) (*ToolResult, error)
}

// ToolResult is the output of one tool execution.
type ToolResult struct {
	Content string
	IsError bool
}

// CallInfo identifies the conversation and tool call a tool runs for.
type CallInfo struct {
	ChannelID  string
	ToolCallID string
}

type callInfoKey struct{}

// WithCallInfo attaches call metadata for tools that need to address the channel.
func WithCallInfo(ctx context.Context, info CallInfo) context.Context {
	return context.WithValue(ctx, callInfoKey{}, info)
}

// CallInfoFromContext returns the metadata set by WithCallInfo.
func CallInfoFromContext(ctx context.Context) (CallInfo, bool) {
	info, ok := ctx.Value(callInfoKey{}).(CallInfo)
	return info, ok
}

// ProgressSink relays interim text to the user while a run is in progress.
type ProgressSink interface {
	Relay(ctx context.Context, channelID, text string) error
}

// ProgressSinkFunc adapts a function to ProgressSink.
type ProgressSinkFunc func(ctx context.Context, channelID, text string) error

func (f ProgressSinkFunc) Relay(ctx context.Context, channelID, text string) error {
	return f(ctx, channelID, text)
}
