package context

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/scalyclaw/scalyclaw-sub000/pkg/models"
)

// SummaryPrefix marks the synthetic message that replaces compacted history.
const SummaryPrefix = "[Summary of earlier conversation]\n"

var (
	// ErrEmptySummary is returned when the summarizer produced no text.
	ErrEmptySummary = errors.New("summarizer returned an empty summary")
	ErrNoSummarizer = errors.New("no summarizer configured")
)

// HistoryLoader reads persisted conversation turns for a channel.
type HistoryLoader interface {
	GetHistory(ctx context.Context, channelID string, limit int) ([]models.ConversationMessage, error)
}

// Summarizer condenses a flat transcript into a short summary.
type Summarizer interface {
	Summarize(ctx context.Context, transcript string) (string, error)
}

// Outcome reports what EnsureBudget did.
type Outcome string

const (
	OutcomeNone       Outcome = "none"
	OutcomeSummarized Outcome = "summarized"
	OutcomeSkipped    Outcome = "skipped"
	OutcomeTrimmed    Outcome = "trimmed"
)

// EnsureOptions modifies a single EnsureBudget call.
type EnsureOptions struct {
	// Force compacts even when under the threshold.
	Force bool
}

// Manager enforces the context budget before every model call.
type Manager struct {
	cfg        Config
	history    HistoryLoader
	summarizer Summarizer
	logger     *slog.Logger
	onOutcome  func(Outcome)
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the manager's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithOutcomeHook registers a callback invoked for every non-trivial outcome.
func WithOutcomeHook(fn func(Outcome)) Option {
	return func(m *Manager) { m.onOutcome = fn }
}

// NewManager creates a budget manager.
func NewManager(cfg Config, history HistoryLoader, summarizer Summarizer, opts ...Option) *Manager {
	m := &Manager{
		cfg:        sanitizeConfig(cfg),
		history:    history,
		summarizer: summarizer,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With("component", "context")
	return m
}

// Config returns the effective configuration.
func (m *Manager) Config() Config {
	return m.cfg
}

// InitContext loads the recent conversation for a channel and builds its budget.
func (m *Manager) InitContext(ctx context.Context, channelID, systemPrompt string, tools []models.ToolDefinition, contextWindow int) ([]models.ConversationMessage, *Budget, error) {
	var messages []models.ConversationMessage
	if m.history != nil {
		history, err := m.history.GetHistory(ctx, channelID, m.cfg.HistoryLimit)
		if err != nil {
			return nil, nil, fmt.Errorf("load history: %w", err)
		}
		messages = dropLeadingOrphans(history)
	}
	budget := NewBudget(contextWindow, systemPrompt, tools, m.cfg.SafetyMargin)
	budget.Refresh(messages)
	return messages, budget, nil
}

// EnsureBudget brings the sequence within budget: first by summarizing older
// messages, then by dropping the oldest ones. The returned slice replaces the
// input. Calling it again without adding messages changes nothing.
func (m *Manager) EnsureBudget(ctx context.Context, messages []models.ConversationMessage, b *Budget, opts EnsureOptions) ([]models.ConversationMessage, Outcome) {
	outcome := OutcomeNone
	b.Refresh(messages)

	threshold := float64(b.MessageBudget) * m.cfg.CompactionThreshold
	if len(messages) > 2 && (opts.Force || float64(b.MessageTokens) > threshold) {
		compacted, err := m.compact(ctx, messages, b)
		switch {
		case err != nil:
			m.logger.WarnContext(ctx, "compaction failed, falling back to trim", "error", err)
			outcome = OutcomeSkipped
		case compacted != nil:
			messages = compacted
			outcome = OutcomeSummarized
			b.Refresh(messages)
			m.logger.InfoContext(ctx, "compacted conversation",
				"messages", len(messages),
				"tokens", b.MessageTokens,
				"budget", b.MessageBudget,
			)
		}
	}

	if b.MessageTokens > b.MessageBudget {
		before := len(messages)
		messages = m.trim(messages, b)
		outcome = OutcomeTrimmed
		m.logger.WarnContext(ctx, "emergency trim",
			"removed", before-len(messages),
			"tokens", b.MessageTokens,
			"budget", b.MessageBudget,
		)
	}

	if outcome != OutcomeNone && m.onOutcome != nil {
		m.onOutcome(outcome)
	}
	return messages, outcome
}

// compact returns nil, nil when there is nothing older than the kept window.
func (m *Manager) compact(ctx context.Context, messages []models.ConversationMessage, b *Budget) ([]models.ConversationMessage, error) {
	if m.summarizer == nil {
		return nil, ErrNoSummarizer
	}
	groups := groupMessages(messages)
	keepBudget := int(float64(b.MessageBudget) * m.cfg.CompactionKeepRatio)

	keptStart := len(messages)
	acc := 0
	for i := len(groups) - 1; i >= 0; i-- {
		g := groups[i]
		size := b.Estimate(messages[g.start:g.end])
		if acc+size > keepBudget && i != len(groups)-1 {
			break
		}
		acc += size
		keptStart = g.start
	}

	older := messages[:keptStart]
	if len(older) == 0 || (len(older) == 1 && IsSummary(older[0])) {
		return nil, nil
	}

	summary, err := m.summarizer.Summarize(ctx, BuildTranscript(older))
	if err != nil {
		return nil, err
	}
	summary = strings.TrimSpace(summary)
	if summary == "" {
		return nil, ErrEmptySummary
	}

	out := make([]models.ConversationMessage, 0, len(messages)-keptStart+1)
	out = append(out, models.ConversationMessage{Role: models.RoleUser, Content: SummaryPrefix + summary})
	out = append(out, messages[keptStart:]...)
	return out, nil
}

// trim drops the oldest messages (whole tool groups at a time), never leaving
// the sequence empty. It continues down to the compaction threshold so that a
// following EnsureBudget call finds nothing to do.
func (m *Manager) trim(messages []models.ConversationMessage, b *Budget) []models.ConversationMessage {
	messages = append([]models.ConversationMessage(nil), messages...)
	target := int(float64(b.MessageBudget) * m.cfg.CompactionThreshold)
	for b.Refresh(messages) > target {
		groups := groupMessages(messages)
		if len(groups) <= 1 {
			break
		}
		messages = dropLeadingOrphans(messages[groups[0].end:])
	}
	if b.Refresh(messages) > b.MessageBudget {
		messages = hardFit(messages, b)
		b.Refresh(messages)
	}
	return messages
}

// hardFit cuts message contents so a single remaining unit fits the budget.
func hardFit(messages []models.ConversationMessage, b *Budget) []models.ConversationMessage {
	overheadChars := 0
	for _, msg := range messages {
		overheadChars += MessageChars(msg) - utf8.RuneCountInString(msg.Content)
	}
	availChars := int(float64(b.MessageBudget)*b.CharsPerToken) - overheadChars
	if availChars < 0 {
		availChars = 0
	}
	per := availChars / len(messages)
	for i := range messages {
		if utf8.RuneCountInString(messages[i].Content) > per {
			messages[i].Content = HardCut(messages[i].Content, per)
		}
	}
	return messages
}

// IsSummary reports whether m is a synthetic compaction summary.
func IsSummary(m models.ConversationMessage) bool {
	return m.Role == models.RoleUser && strings.HasPrefix(m.Content, SummaryPrefix)
}

type group struct {
	start, end int
}

// groupMessages splits the sequence into units that must be kept or removed
// together: an assistant turn with tool calls plus its tool results.
func groupMessages(messages []models.ConversationMessage) []group {
	var groups []group
	for i := 0; i < len(messages); {
		end := i + 1
		if messages[i].HasToolCalls() {
			for end < len(messages) && messages[end].Role == models.RoleTool {
				end++
			}
		}
		groups = append(groups, group{start: i, end: end})
		i = end
	}
	return groups
}

func dropLeadingOrphans(messages []models.ConversationMessage) []models.ConversationMessage {
	i := 0
	for i < len(messages) && messages[i].Role == models.RoleTool {
		i++
	}
	if i == len(messages) && i > 0 {
		return messages[i-1:]
	}
	return messages[i:]
}

// BuildTranscript flattens messages into a plain-text transcript for summarization.
func BuildTranscript(messages []models.ConversationMessage) string {
	var sb strings.Builder
	for _, msg := range messages {
		switch {
		case msg.Role == models.RoleTool:
			fmt.Fprintf(&sb, "[tool result %s]: %s\n", msg.ToolCallID, abbreviate(msg.Content, 500))
		case msg.HasToolCalls():
			if msg.Content != "" {
				fmt.Fprintf(&sb, "[assistant]: %s\n", abbreviate(msg.Content, 2000))
			}
			for _, tc := range msg.ToolCalls {
				fmt.Fprintf(&sb, "[assistant called %s]: %s\n", tc.Name, abbreviate(string(tc.Input), 300))
			}
		default:
			fmt.Fprintf(&sb, "[%s]: %s\n", msg.Role, abbreviate(msg.Content, 2000))
		}
	}
	return sb.String()
}

func abbreviate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n]) + "..."
}
