package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"google.golang.org/genai"

	"github.com/scalyclaw/scalyclaw-sub000/internal/agent"
	"github.com/scalyclaw/scalyclaw-sub000/internal/agent/toolconv"
	"github.com/scalyclaw/scalyclaw-sub000/pkg/models"
)

// GoogleProvider implements agent.LLMProvider for the Gemini API.
type GoogleProvider struct {
	BaseProvider
	client *genai.Client
}

// GoogleConfig holds configuration for a GoogleProvider.
type GoogleConfig struct {
	APIKey     string
	BaseURL    string
	MaxRetries int
	RetryDelay time.Duration
}

// NewGoogleProvider creates a Gemini provider.
func NewGoogleProvider(config GoogleConfig) (*GoogleProvider, error) {
	if config.APIKey == "" {
		return nil, errors.New("google: API key is required")
	}
	clientConfig := &genai.ClientConfig{
		APIKey:  config.APIKey,
		Backend: genai.BackendGeminiAPI,
	}
	if strings.TrimSpace(config.BaseURL) != "" {
		clientConfig.HTTPOptions = genai.HTTPOptions{BaseURL: config.BaseURL}
	}
	client, err := genai.NewClient(context.Background(), clientConfig)
	if err != nil {
		return nil, fmt.Errorf("google: failed to create client: %w", err)
	}
	return &GoogleProvider{
		BaseProvider: NewBaseProvider("google", config.MaxRetries, config.RetryDelay),
		client:       client,
	}, nil
}

// Chat sends one GenerateContent request.
func (p *GoogleProvider) Chat(ctx context.Context, req *agent.ChatRequest) (*agent.ChatResponse, error) {
	contents := convertGeminiContents(req.Messages)
	config := &genai.GenerateContentConfig{
		Tools:       toolconv.ToGeminiTools(req.Tools),
		Temperature: genai.Ptr(float32(req.Temperature)),
	}
	if req.SystemPrompt != "" {
		config.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: req.SystemPrompt}}}
	}
	if req.MaxTokens > 0 {
		// #nosec G115 -- bounded by min
		config.MaxOutputTokens = int32(min(req.MaxTokens, math.MaxInt32))
	}

	var resp *genai.GenerateContentResponse
	err := p.Retry(ctx, func() error {
		var callErr error
		resp, callErr = p.client.Models.GenerateContent(ctx, req.Model, contents, config)
		return p.wrapError(callErr, req.Model)
	})
	if err != nil {
		return nil, err
	}

	out := &agent.ChatResponse{}
	if resp.UsageMetadata != nil {
		out.Usage = agent.TokenUsage{
			InputTokens:  int(resp.UsageMetadata.PromptTokenCount),
			OutputTokens: int(resp.UsageMetadata.CandidatesTokenCount),
		}
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return out, nil
	}

	candidate := resp.Candidates[0]
	out.StopReason = string(candidate.FinishReason)
	var text []string
	for _, part := range candidate.Content.Parts {
		if part == nil {
			continue
		}
		if part.Text != "" && !part.Thought {
			text = append(text, part.Text)
		}
		if fc := part.FunctionCall; fc != nil {
			args, err := json.Marshal(fc.Args)
			if err != nil || fc.Args == nil {
				args = []byte("{}")
			}
			id := fc.ID
			if id == "" {
				id = "call_" + uuid.NewString()
			}
			out.ToolCalls = append(out.ToolCalls, models.ToolCall{ID: id, Name: fc.Name, Input: args})
		}
	}
	out.Content = strings.Join(text, "")
	return out, nil
}

// convertGeminiContents maps the conversation to Gemini contents. Function
// responses carry the tool name, which is looked up from the call ID.
func convertGeminiContents(messages []models.ConversationMessage) []*genai.Content {
	names := make(map[string]string)
	for _, msg := range messages {
		for _, tc := range msg.ToolCalls {
			names[tc.ID] = tc.Name
		}
	}

	var result []*genai.Content
	for _, msg := range messages {
		content := &genai.Content{Role: genai.RoleUser}
		switch msg.Role {
		case models.RoleAssistant:
			content.Role = genai.RoleModel
			if msg.Content != "" {
				content.Parts = append(content.Parts, &genai.Part{Text: msg.Content})
			}
			for _, tc := range msg.ToolCalls {
				var args map[string]any
				if err := json.Unmarshal(tc.Input, &args); err != nil {
					args = map[string]any{}
				}
				content.Parts = append(content.Parts, &genai.Part{
					FunctionCall: &genai.FunctionCall{ID: tc.ID, Name: tc.Name, Args: args},
				})
			}
		case models.RoleTool:
			var response map[string]any
			if err := json.Unmarshal([]byte(msg.Content), &response); err != nil {
				response = map[string]any{"result": msg.Content}
			}
			content.Parts = append(content.Parts, &genai.Part{
				FunctionResponse: &genai.FunctionResponse{
					ID:       msg.ToolCallID,
					Name:     names[msg.ToolCallID],
					Response: response,
				},
			})
		default:
			if msg.Content != "" {
				content.Parts = append(content.Parts, &genai.Part{Text: msg.Content})
			}
		}
		if len(content.Parts) == 0 {
			continue
		}
		if n := len(result); n > 0 && result[n-1].Role == content.Role {
			result[n-1].Parts = append(result[n-1].Parts, content.Parts...)
			continue
		}
		result = append(result, content)
	}
	return result
}

func (p *GoogleProvider) wrapError(err error, model string) error {
	if err == nil {
		return nil
	}
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return googleAPIError(apiErr, model, err)
	}
	var apiErrPtr *genai.APIError
	if errors.As(err, &apiErrPtr) && apiErrPtr != nil {
		return googleAPIError(*apiErrPtr, model, err)
	}
	return NewProviderError("google", model, err)
}

func googleAPIError(apiErr genai.APIError, model string, cause error) *ProviderError {
	providerErr := (&ProviderError{
		Provider: "google",
		Model:    model,
		Cause:    cause,
		Reason:   ReasonUnknown,
		Message:  apiErr.Message,
	}).WithStatus(apiErr.Code)
	if apiErr.Status != "" {
		providerErr = providerErr.WithCode(strings.ToLower(apiErr.Status))
	}
	return providerErr
}
