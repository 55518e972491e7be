package agent

import (
	"context"
	"fmt"
	"strings"

	"github.com/scalyclaw/scalyclaw-sub000/internal/observability"
	"github.com/scalyclaw/scalyclaw-sub000/internal/usage"
	"github.com/scalyclaw/scalyclaw-sub000/pkg/models"
)

const summarizerPrompt = `You compress conversation history for an assistant that will continue the conversation.
Summarize the transcript below in a few short paragraphs. Keep facts, decisions, names, file paths,
pending tasks and anything the user asked to remember. Drop greetings and repetition. Reply with the summary only.`

// UsageRecorder stores token usage for accounting.
type UsageRecorder interface {
	RecordUsage(ctx context.Context, r usage.Record) error
}

// LLMSummarizer condenses transcripts with the cheapest enabled model.
type LLMSummarizer struct {
	catalog   *ModelCatalog
	pool      []string
	maxTokens int
	usage     UsageRecorder
}

// NewLLMSummarizer creates a summarizer. pool is the fallback model list used
// when no priced model is available.
func NewLLMSummarizer(catalog *ModelCatalog, pool []string, recorder UsageRecorder) *LLMSummarizer {
	return &LLMSummarizer{catalog: catalog, pool: pool, maxTokens: 1024, usage: recorder}
}

// Summarize implements the context manager's Summarizer.
func (s *LLMSummarizer) Summarize(ctx context.Context, transcript string) (string, error) {
	spec, provider, err := s.catalog.Cheapest(s.pool)
	if err != nil {
		return "", err
	}
	resp, err := provider.Chat(ctx, &ChatRequest{
		Model:        spec.ID,
		SystemPrompt: summarizerPrompt,
		Messages: []models.ConversationMessage{
			{Role: models.RoleUser, Content: transcript},
		},
		MaxTokens:   s.maxTokens,
		Temperature: 0,
	})
	if err != nil {
		return "", fmt.Errorf("summarize with %s: %w", spec.ID, err)
	}
	if s.usage != nil {
		_ = s.usage.RecordUsage(ctx, usage.Record{
			Provider:  provider.Name(),
			Model:     spec.ID,
			Type:      usage.TypeCompaction,
			ChannelID: observability.ChannelFromContext(ctx),
			Usage: usage.Usage{
				InputTokens:  int64(resp.Usage.InputTokens),
				OutputTokens: int64(resp.Usage.OutputTokens),
			},
		})
	}
	return strings.TrimSpace(resp.Content), nil
}
