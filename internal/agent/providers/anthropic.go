// Package providers implements agent.LLMProvider for the hosted model APIs.
package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/scalyclaw/scalyclaw-sub000/internal/agent"
	"github.com/scalyclaw/scalyclaw-sub000/internal/agent/toolconv"
	"github.com/scalyclaw/scalyclaw-sub000/pkg/models"
)

// AnthropicProvider implements agent.LLMProvider for the Anthropic Messages API.
// It is safe for concurrent use.
type AnthropicProvider struct {
	BaseProvider
	client anthropic.Client
}

// AnthropicConfig holds configuration for an AnthropicProvider.
type AnthropicConfig struct {
	// APIKey is required.
	APIKey string

	// BaseURL overrides the default API base URL.
	BaseURL string

	// MaxRetries for transient failures. Default: 3
	MaxRetries int

	// RetryDelay is the first backoff delay. Default: 1s
	RetryDelay time.Duration
}

// NewAnthropicProvider creates an Anthropic provider.
func NewAnthropicProvider(config AnthropicConfig) (*AnthropicProvider, error) {
	if config.APIKey == "" {
		return nil, errors.New("anthropic: API key is required")
	}
	options := []option.RequestOption{
		option.WithAPIKey(config.APIKey),
		// Retries are handled by BaseProvider.
		option.WithMaxRetries(0),
	}
	if strings.TrimSpace(config.BaseURL) != "" {
		options = append(options, option.WithBaseURL(config.BaseURL))
	}
	return &AnthropicProvider{
		BaseProvider: NewBaseProvider("anthropic", config.MaxRetries, config.RetryDelay),
		client:       anthropic.NewClient(options...),
	}, nil
}

// Chat sends one Messages request.
func (p *AnthropicProvider) Chat(ctx context.Context, req *agent.ChatRequest) (*agent.ChatResponse, error) {
	messages, err := convertAnthropicMessages(req.Messages)
	if err != nil {
		return nil, NewProviderError("anthropic", req.Model, err).WithCode("invalid_request_error")
	}
	tools, err := toolconv.ToAnthropicTools(req.Tools)
	if err != nil {
		return nil, NewProviderError("anthropic", req.Model, err).WithCode("invalid_request_error")
	}

	params := anthropic.MessageNewParams{
		Model:       anthropic.Model(req.Model),
		MaxTokens:   int64(req.MaxTokens),
		Messages:    messages,
		Tools:       tools,
		Temperature: anthropic.Float(req.Temperature),
	}
	if req.SystemPrompt != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.SystemPrompt}}
	}

	var msg *anthropic.Message
	err = p.Retry(ctx, func() error {
		var callErr error
		msg, callErr = p.client.Messages.New(ctx, params)
		return p.wrapError(callErr, req.Model)
	})
	if err != nil {
		return nil, err
	}

	resp := &agent.ChatResponse{
		StopReason: string(msg.StopReason),
		Usage: agent.TokenUsage{
			InputTokens:  int(msg.Usage.InputTokens),
			OutputTokens: int(msg.Usage.OutputTokens),
		},
	}
	var text []string
	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			text = append(text, block.Text)
		case "tool_use":
			input := block.Input
			if len(input) == 0 {
				input = json.RawMessage(`{}`)
			}
			resp.ToolCalls = append(resp.ToolCalls, models.ToolCall{ID: block.ID, Name: block.Name, Input: input})
		}
	}
	resp.Content = strings.Join(text, "\n")
	return resp, nil
}

// convertAnthropicMessages maps the conversation to Anthropic messages.
// Tool results become tool_result blocks in a user message, and consecutive
// messages with the same role are merged since the API requires alternation.
func convertAnthropicMessages(messages []models.ConversationMessage) ([]anthropic.MessageParam, error) {
	var result []anthropic.MessageParam
	for _, msg := range messages {
		var role anthropic.MessageParamRole
		var content []anthropic.ContentBlockParamUnion

		switch msg.Role {
		case models.RoleAssistant:
			role = anthropic.MessageParamRoleAssistant
			if msg.Content != "" {
				content = append(content, anthropic.NewTextBlock(msg.Content))
			}
			for _, tc := range msg.ToolCalls {
				var input map[string]any
				if len(tc.Input) > 0 {
					if err := json.Unmarshal(tc.Input, &input); err != nil {
						return nil, fmt.Errorf("invalid tool call input for %s: %w", tc.Name, err)
					}
				}
				if input == nil {
					input = map[string]any{}
				}
				content = append(content, anthropic.NewToolUseBlock(tc.ID, input, tc.Name))
			}
		case models.RoleTool:
			role = anthropic.MessageParamRoleUser
			content = append(content, anthropic.NewToolResultBlock(msg.ToolCallID, msg.Content, isErrorResult(msg.Content)))
		default:
			role = anthropic.MessageParamRoleUser
			if msg.Content != "" {
				content = append(content, anthropic.NewTextBlock(msg.Content))
			}
		}
		if len(content) == 0 {
			continue
		}

		if n := len(result); n > 0 && result[n-1].Role == role {
			result[n-1].Content = append(result[n-1].Content, content...)
			continue
		}
		result = append(result, anthropic.MessageParam{Role: role, Content: content})
	}
	return result, nil
}

// isErrorResult reports whether a tool result is the {"error": ...} shape.
func isErrorResult(content string) bool {
	if !strings.HasPrefix(strings.TrimSpace(content), `{"error"`) {
		return false
	}
	var v map[string]any
	if json.Unmarshal([]byte(content), &v) != nil {
		return false
	}
	_, ok := v["error"]
	return ok && len(v) == 1
}

type anthropicErrorPayload struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
	RequestID string `json:"request_id"`
}

func (p *AnthropicProvider) wrapError(err error, model string) error {
	if err == nil {
		return nil
	}
	var apiErr *anthropic.Error
	if !errors.As(err, &apiErr) {
		return NewProviderError("anthropic", model, err)
	}

	providerErr := (&ProviderError{
		Provider: "anthropic",
		Model:    model,
		Cause:    err,
		Reason:   ReasonUnknown,
		Message:  "anthropic request failed",
	}).WithStatus(apiErr.StatusCode)
	providerErr.RequestID = apiErr.RequestID

	if raw := apiErr.RawJSON(); raw != "" {
		var payload anthropicErrorPayload
		if json.Unmarshal([]byte(raw), &payload) == nil {
			if payload.Error.Message != "" {
				providerErr.Message = payload.Error.Message
			}
			if payload.Error.Type != "" {
				providerErr = providerErr.WithCode(payload.Error.Type)
			}
			if payload.RequestID != "" {
				providerErr.RequestID = payload.RequestID
			}
		}
	}
	return providerErr
}
