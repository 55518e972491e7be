// Package context keeps the conversation sent to the language model inside
// the model's context window by compacting, trimming and truncating it.
package context

import (
	"math"
	"unicode/utf8"

	"github.com/scalyclaw/scalyclaw-sub000/pkg/models"
)

const (
	// DefaultCharsPerToken is the ratio used until real usage is reported.
	DefaultCharsPerToken = 4.0
	MinCharsPerToken     = 1.5
	MaxCharsPerToken     = 8.0
)

// Config tunes budget enforcement.
type Config struct {
	// HistoryLimit is how many persisted turns InitContext loads.
	HistoryLimit int

	// CompactionThreshold is the fraction of the message budget above which
	// older messages are summarized.
	CompactionThreshold float64

	// CompactionKeepRatio is the fraction of the message budget kept verbatim
	// when compacting.
	CompactionKeepRatio float64

	// SafetyMargin is reserved for the model's reply and estimation error, in tokens.
	SafetyMargin int

	MinToolResultChars int
	MaxToolResultChars int

	// ToolResultShare is the share of the remaining budget one tool result may use.
	ToolResultShare float64
}

// DefaultConfig returns the stock tuning.
func DefaultConfig() Config {
	return Config{
		HistoryLimit:        50,
		CompactionThreshold: 0.75,
		CompactionKeepRatio: 0.40,
		SafetyMargin:        1024,
		MinToolResultChars:  2000,
		MaxToolResultChars:  50000,
		ToolResultShare:     0.30,
	}
}

func sanitizeConfig(cfg Config) Config {
	def := DefaultConfig()
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = def.HistoryLimit
	}
	if cfg.CompactionThreshold <= 0 || cfg.CompactionThreshold > 1 {
		cfg.CompactionThreshold = def.CompactionThreshold
	}
	if cfg.CompactionKeepRatio <= 0 || cfg.CompactionKeepRatio >= cfg.CompactionThreshold {
		cfg.CompactionKeepRatio = math.Min(def.CompactionKeepRatio, cfg.CompactionThreshold/2)
	}
	if cfg.SafetyMargin < 0 {
		cfg.SafetyMargin = 0
	}
	if cfg.MinToolResultChars <= 0 {
		cfg.MinToolResultChars = def.MinToolResultChars
	}
	if cfg.MaxToolResultChars < cfg.MinToolResultChars {
		cfg.MaxToolResultChars = max(def.MaxToolResultChars, cfg.MinToolResultChars)
	}
	if cfg.ToolResultShare <= 0 || cfg.ToolResultShare > 1 {
		cfg.ToolResultShare = def.ToolResultShare
	}
	return cfg
}

// Budget tracks how much of the context window the message sequence may use.
// It is owned by one orchestrator invocation.
type Budget struct {
	ContextWindow int
	SystemTokens  int
	MessageBudget int
	MessageTokens int
	CharsPerToken float64
	Calibrated    bool
	SafetyMargin  int

	systemChars int
}

// NewBudget builds a budget for a system prompt and tool schema using the default ratio.
func NewBudget(contextWindow int, systemPrompt string, tools []models.ToolDefinition, safetyMargin int) *Budget {
	b := &Budget{
		ContextWindow: contextWindow,
		CharsPerToken: DefaultCharsPerToken,
		SafetyMargin:  safetyMargin,
		systemChars:   SystemChars(systemPrompt, tools),
	}
	b.recompute()
	return b
}

func (b *Budget) recompute() {
	b.SystemTokens = EstimateTokens(b.systemChars, b.CharsPerToken)
	b.MessageBudget = max(b.ContextWindow-b.SystemTokens-b.SafetyMargin, 0)
}

// Estimate returns the token estimate for a message sequence at the current ratio.
func (b *Budget) Estimate(messages []models.ConversationMessage) int {
	return EstimateTokens(TotalChars(messages), b.CharsPerToken)
}

// Refresh re-estimates MessageTokens over the live sequence.
func (b *Budget) Refresh(messages []models.ConversationMessage) int {
	b.MessageTokens = b.Estimate(messages)
	return b.MessageTokens
}

// Remaining returns the unused message budget in tokens.
func (b *Budget) Remaining() int {
	return max(b.MessageBudget-b.MessageTokens, 0)
}

// Calibrate replaces the default ratio with one derived from the real input
// token count reported by the first model response. Later calls are no-ops.
func Calibrate(b *Budget, realInputTokens int, messages []models.ConversationMessage, systemPrompt string, tools []models.ToolDefinition) {
	if b == nil || b.Calibrated || realInputTokens <= 0 {
		return
	}
	b.systemChars = SystemChars(systemPrompt, tools)
	total := b.systemChars + TotalChars(messages)
	ratio := float64(total) / float64(realInputTokens)
	b.CharsPerToken = clampRatio(ratio)
	b.Calibrated = true
	b.recompute()
	b.Refresh(messages)
}

func clampRatio(r float64) float64 {
	if math.IsNaN(r) || math.IsInf(r, 0) {
		return DefaultCharsPerToken
	}
	return math.Min(math.Max(r, MinCharsPerToken), MaxCharsPerToken)
}

// EstimateTokens converts a character count to tokens, rounding up.
func EstimateTokens(chars int, charsPerToken float64) int {
	if chars <= 0 {
		return 0
	}
	if charsPerToken <= 0 {
		charsPerToken = DefaultCharsPerToken
	}
	return int(math.Ceil(float64(chars) / charsPerToken))
}

// SystemChars counts the characters of the system prompt plus tool schema.
func SystemChars(systemPrompt string, tools []models.ToolDefinition) int {
	n := utf8.RuneCountInString(systemPrompt)
	for _, t := range tools {
		n += utf8.RuneCountInString(t.Name) + utf8.RuneCountInString(t.Description) + len(t.InputSchema)
	}
	return n
}

// MessageChars counts the characters a message contributes to the prompt.
func MessageChars(m models.ConversationMessage) int {
	n := utf8.RuneCountInString(m.Content) + len(m.ToolCallID)
	for _, tc := range m.ToolCalls {
		n += len(tc.ID) + utf8.RuneCountInString(tc.Name) + len(tc.Input)
	}
	return n
}

// TotalChars sums MessageChars over a sequence.
func TotalChars(messages []models.ConversationMessage) int {
	total := 0
	for _, m := range messages {
		total += MessageChars(m)
	}
	return total
}
