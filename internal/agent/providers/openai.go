package providers

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/scalyclaw/scalyclaw-sub000/internal/agent"
	"github.com/scalyclaw/scalyclaw-sub000/internal/agent/toolconv"
	"github.com/scalyclaw/scalyclaw-sub000/pkg/models"
)

// OpenAIProvider implements agent.LLMProvider for the Chat Completions API
// and compatible endpoints.
type OpenAIProvider struct {
	BaseProvider
	client *openai.Client
}

// OpenAIConfig holds configuration for an OpenAIProvider.
type OpenAIConfig struct {
	APIKey     string
	BaseURL    string
	MaxRetries int
	RetryDelay time.Duration
}

// NewOpenAIProvider creates an OpenAI provider.
func NewOpenAIProvider(config OpenAIConfig) (*OpenAIProvider, error) {
	if config.APIKey == "" {
		return nil, errors.New("openai: API key is required")
	}
	clientConfig := openai.DefaultConfig(config.APIKey)
	if strings.TrimSpace(config.BaseURL) != "" {
		clientConfig.BaseURL = strings.TrimRight(config.BaseURL, "/")
	}
	return &OpenAIProvider{
		BaseProvider: NewBaseProvider("openai", config.MaxRetries, config.RetryDelay),
		client:       openai.NewClientWithConfig(clientConfig),
	}, nil
}

// Chat sends one chat completion request.
func (p *OpenAIProvider) Chat(ctx context.Context, req *agent.ChatRequest) (*agent.ChatResponse, error) {
	request := openai.ChatCompletionRequest{
		Model:       req.Model,
		Messages:    convertOpenAIMessages(req.SystemPrompt, req.Messages),
		Tools:       toolconv.ToOpenAITools(req.Tools),
		MaxTokens:   req.MaxTokens,
		Temperature: float32(req.Temperature),
	}

	var resp openai.ChatCompletionResponse
	err := p.Retry(ctx, func() error {
		var callErr error
		resp, callErr = p.client.CreateChatCompletion(ctx, request)
		return p.wrapError(callErr, req.Model)
	})
	if err != nil {
		return nil, err
	}
	if len(resp.Choices) == 0 {
		return nil, NewProviderError("openai", req.Model, errors.New("response contained no choices")).WithCode("server_error")
	}

	choice := resp.Choices[0]
	out := &agent.ChatResponse{
		Content:    choice.Message.Content,
		StopReason: string(choice.FinishReason),
		Usage: agent.TokenUsage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
		},
	}
	for _, tc := range choice.Message.ToolCalls {
		args := strings.TrimSpace(tc.Function.Arguments)
		if args == "" || !json.Valid([]byte(args)) {
			args = "{}"
		}
		out.ToolCalls = append(out.ToolCalls, models.ToolCall{
			ID:    tc.ID,
			Name:  tc.Function.Name,
			Input: json.RawMessage(args),
		})
	}
	return out, nil
}

func convertOpenAIMessages(systemPrompt string, messages []models.ConversationMessage) []openai.ChatCompletionMessage {
	result := make([]openai.ChatCompletionMessage, 0, len(messages)+1)
	if systemPrompt != "" {
		result = append(result, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: systemPrompt})
	}
	for _, msg := range messages {
		switch msg.Role {
		case models.RoleAssistant:
			m := openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: msg.Content}
			for _, tc := range msg.ToolCalls {
				args := string(tc.Input)
				if args == "" {
					args = "{}"
				}
				m.ToolCalls = append(m.ToolCalls, openai.ToolCall{
					ID:       tc.ID,
					Type:     openai.ToolTypeFunction,
					Function: openai.FunctionCall{Name: tc.Name, Arguments: args},
				})
			}
			result = append(result, m)
		case models.RoleTool:
			result = append(result, openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				Content:    msg.Content,
				ToolCallID: msg.ToolCallID,
			})
		default:
			result = append(result, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: msg.Content})
		}
	}
	return result
}

func (p *OpenAIProvider) wrapError(err error, model string) error {
	if err == nil {
		return nil
	}
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		providerErr := (&ProviderError{
			Provider: "openai",
			Model:    model,
			Cause:    err,
			Reason:   ReasonUnknown,
			Message:  apiErr.Message,
		}).WithStatus(apiErr.HTTPStatusCode)
		if code, ok := apiErr.Code.(string); ok && code != "" {
			providerErr = providerErr.WithCode(code)
		} else if apiErr.Type != "" {
			providerErr = providerErr.WithCode(apiErr.Type)
		}
		return providerErr
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return NewProviderError("openai", model, err).WithStatus(reqErr.HTTPStatusCode)
	}
	return NewProviderError("openai", model, err)
}
