package context

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/scalyclaw/scalyclaw-sub000/pkg/models"
)

type fakeSummarizer struct {
	calls      int
	summary    string
	err        error
	transcript string
}

func (f *fakeSummarizer) Summarize(_ context.Context, transcript string) (string, error) {
	f.calls++
	f.transcript = transcript
	if f.err != nil {
		return "", f.err
	}
	return f.summary, nil
}

type fakeHistory struct {
	msgs  []models.ConversationMessage
	limit int
	err   error
}

func (f *fakeHistory) GetHistory(_ context.Context, _ string, limit int) ([]models.ConversationMessage, error) {
	f.limit = limit
	return f.msgs, f.err
}

// conversation builds pairs of user/assistant turns where every third
// assistant turn calls two tools.
func conversation(turns, size int) []models.ConversationMessage {
	var msgs []models.ConversationMessage
	for i := 0; i < turns; i++ {
		msgs = append(msgs, models.ConversationMessage{Role: models.RoleUser, Content: strings.Repeat("u", size)})
		if i%3 == 2 {
			id1, id2 := fmt.Sprintf("call-%d-a", i), fmt.Sprintf("call-%d-b", i)
			msgs = append(msgs,
				models.ConversationMessage{Role: models.RoleAssistant, ToolCalls: []models.ToolCall{
					{ID: id1, Name: "read_file", Input: json.RawMessage(`{"path":"a.txt"}`)},
					{ID: id2, Name: "list_files", Input: json.RawMessage(`{}`)},
				}},
				models.ConversationMessage{Role: models.RoleTool, ToolCallID: id1, Content: strings.Repeat("t", size/2)},
				models.ConversationMessage{Role: models.RoleTool, ToolCallID: id2, Content: strings.Repeat("t", size/2)},
			)
		}
		msgs = append(msgs, models.ConversationMessage{Role: models.RoleAssistant, Content: strings.Repeat("a", size)})
	}
	return msgs
}

// assertGroupsIntact fails when a tool result lacks a preceding assistant call.
func assertGroupsIntact(t *testing.T, msgs []models.ConversationMessage) {
	t.Helper()
	calls := map[string]bool{}
	for i, m := range msgs {
		if m.HasToolCalls() {
			calls = map[string]bool{}
			for _, tc := range m.ToolCalls {
				calls[tc.ID] = true
			}
			continue
		}
		if m.Role == models.RoleTool {
			if !calls[m.ToolCallID] {
				t.Fatalf("message %d: tool result %q has no matching assistant call", i, m.ToolCallID)
			}
			continue
		}
		calls = map[string]bool{}
	}
}

func TestNewBudget(t *testing.T) {
	tests := []struct {
		name   string
		window int
		system string
		want   int
	}{
		{"normal", 10000, strings.Repeat("s", 400), 10000 - 100 - 1024},
		{"tiny window clamps to zero", 500, strings.Repeat("s", 4000), 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := NewBudget(tt.window, tt.system, nil, 1024)
			if b.MessageBudget != tt.want {
				t.Fatalf("MessageBudget = %d, want %d", b.MessageBudget, tt.want)
			}
			if b.MessageBudget < 0 {
				t.Fatal("MessageBudget must never be negative")
			}
		})
	}
}

func TestCalibrate(t *testing.T) {
	msgs := []models.ConversationMessage{{Role: models.RoleUser, Content: strings.Repeat("x", 1000)}}
	tests := []struct {
		name     string
		realToks int
		want     float64
	}{
		{"in range", 250, 4.0},
		{"clamped low", 10000, MinCharsPerToken},
		{"clamped high", 10, MaxCharsPerToken},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := NewBudget(100000, "", nil, 0)
			Calibrate(b, tt.realToks, msgs, "", nil)
			if b.CharsPerToken != tt.want {
				t.Fatalf("CharsPerToken = %v, want %v", b.CharsPerToken, tt.want)
			}
			if !b.Calibrated {
				t.Fatal("expected Calibrated")
			}
			if b.MessageBudget < 0 {
				t.Fatal("negative budget")
			}
		})
	}

	t.Run("one shot", func(t *testing.T) {
		b := NewBudget(100000, "", nil, 0)
		Calibrate(b, 500, msgs, "", nil)
		first := b.CharsPerToken
		Calibrate(b, 100, msgs, "", nil)
		if b.CharsPerToken != first {
			t.Fatalf("recalibrated: %v -> %v", first, b.CharsPerToken)
		}
	})

	t.Run("ignores zero usage", func(t *testing.T) {
		b := NewBudget(100000, "", nil, 0)
		Calibrate(b, 0, msgs, "", nil)
		if b.Calibrated || b.CharsPerToken != DefaultCharsPerToken {
			t.Fatal("zero usage must not calibrate")
		}
	})
}

func TestInitContext(t *testing.T) {
	hist := &fakeHistory{msgs: []models.ConversationMessage{
		{Role: models.RoleTool, ToolCallID: "orphan", Content: "stale"},
		{Role: models.RoleUser, Content: "hello"},
	}}
	m := NewManager(Config{HistoryLimit: 7}, hist, nil)

	msgs, b, err := m.InitContext(context.Background(), "chan", "system", nil, 8000)
	if err != nil {
		t.Fatalf("InitContext() error = %v", err)
	}
	if hist.limit != 7 {
		t.Errorf("history limit = %d, want 7", hist.limit)
	}
	if len(msgs) != 1 || msgs[0].Content != "hello" {
		t.Fatalf("expected orphan tool result stripped, got %+v", msgs)
	}
	if b.CharsPerToken != DefaultCharsPerToken || b.Calibrated {
		t.Fatal("initial budget should use default ratio")
	}
	if b.MessageTokens != EstimateTokens(5, DefaultCharsPerToken) {
		t.Fatalf("MessageTokens = %d", b.MessageTokens)
	}

	hist.err = errors.New("db down")
	if _, _, err := m.InitContext(context.Background(), "chan", "", nil, 8000); err == nil {
		t.Fatal("expected history error")
	}
}

func TestEnsureBudgetLargeConversationCompacts(t *testing.T) {
	msgs := conversation(100, 1000)
	if TotalChars(msgs) < 200000 {
		t.Fatalf("fixture too small: %d chars", TotalChars(msgs))
	}
	sum := &fakeSummarizer{summary: "user asked for many things"}
	m := NewManager(DefaultConfig(), nil, sum)
	b := NewBudget(128000, "You are ScalyClaw.", nil, DefaultConfig().SafetyMargin)
	// Real usage reported at one token per char pins the ratio to the floor.
	Calibrate(b, TotalChars(msgs), msgs, "You are ScalyClaw.", nil)

	out, outcome := m.EnsureBudget(context.Background(), msgs, b, EnsureOptions{})
	if outcome != OutcomeSummarized {
		t.Fatalf("outcome = %s, want summarized", outcome)
	}
	if sum.calls != 1 {
		t.Fatalf("summarizer calls = %d", sum.calls)
	}
	if b.MessageTokens > b.MessageBudget {
		t.Fatalf("MessageTokens %d exceeds budget %d", b.MessageTokens, b.MessageBudget)
	}
	if !IsSummary(out[0]) {
		t.Fatalf("first message should be the summary, got %+v", out[0].Role)
	}
	assertGroupsIntact(t, out)
	if out[len(out)-1].Content != msgs[len(msgs)-1].Content {
		t.Fatal("newest message must be kept")
	}
}

func TestEnsureBudgetIdempotent(t *testing.T) {
	tests := []struct {
		name string
		sum  *fakeSummarizer
	}{
		{"after summary", &fakeSummarizer{summary: "summary"}},
		{"after trim", &fakeSummarizer{err: errors.New("model down")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewManager(DefaultConfig(), nil, tt.sum)
			b := NewBudget(8000, "", nil, 0)
			out, _ := m.EnsureBudget(context.Background(), conversation(40, 600), b, EnsureOptions{})
			snapshot := models.CloneMessages(out)
			calls := tt.sum.calls

			again, outcome := m.EnsureBudget(context.Background(), out, b, EnsureOptions{})
			if outcome != OutcomeNone && outcome != OutcomeSkipped {
				t.Fatalf("second call outcome = %s", outcome)
			}
			if len(again) != len(snapshot) {
				t.Fatalf("second call changed length %d -> %d", len(snapshot), len(again))
			}
			for i := range again {
				if again[i].Content != snapshot[i].Content || again[i].Role != snapshot[i].Role {
					t.Fatalf("message %d mutated", i)
				}
			}
			if tt.sum.err == nil && tt.sum.calls != calls {
				t.Fatalf("summarizer called again")
			}
		})
	}
}

func TestEnsureBudgetSummaryFailureFallsBackToTrim(t *testing.T) {
	sum := &fakeSummarizer{err: errors.New("rate limited")}
	m := NewManager(DefaultConfig(), nil, sum)
	b := NewBudget(4000, "", nil, 0)
	msgs := conversation(30, 800)
	orig := models.CloneMessages(msgs)

	out, outcome := m.EnsureBudget(context.Background(), msgs, b, EnsureOptions{})
	if outcome != OutcomeTrimmed {
		t.Fatalf("outcome = %s, want trimmed", outcome)
	}
	if b.MessageTokens > b.MessageBudget {
		t.Fatalf("still over budget: %d > %d", b.MessageTokens, b.MessageBudget)
	}
	if len(out) == 0 {
		t.Fatal("trim must keep at least one message")
	}
	if out[0].Role == models.RoleTool {
		t.Fatal("leading orphan tool result left in place")
	}
	assertGroupsIntact(t, out)
	for i := range msgs {
		if msgs[i].Content != orig[i].Content {
			t.Fatal("input slice was mutated")
		}
	}

	threshold := int(float64(b.MessageBudget) * DefaultConfig().CompactionThreshold)
	if b.MessageTokens > threshold {
		t.Fatalf("trim stopped at %d tokens, above threshold %d", b.MessageTokens, threshold)
	}
	calls := sum.calls
	again, outcome := m.EnsureBudget(context.Background(), out, b, EnsureOptions{})
	if outcome != OutcomeNone || len(again) != len(out) || sum.calls != calls {
		t.Fatalf("second call outcome=%s len %d -> %d calls %d -> %d", outcome, len(out), len(again), calls, sum.calls)
	}
}

func TestEnsureBudgetUnderThresholdNoop(t *testing.T) {
	sum := &fakeSummarizer{summary: "x"}
	m := NewManager(DefaultConfig(), nil, sum)
	b := NewBudget(128000, "", nil, 1024)
	msgs := conversation(3, 100)

	out, outcome := m.EnsureBudget(context.Background(), msgs, b, EnsureOptions{})
	if outcome != OutcomeNone || sum.calls != 0 || len(out) != len(msgs) {
		t.Fatalf("expected no-op, got outcome=%s calls=%d", outcome, sum.calls)
	}
}

func TestEnsureBudgetForce(t *testing.T) {
	sum := &fakeSummarizer{summary: "forced"}
	cfg := DefaultConfig()
	m := NewManager(cfg, nil, sum)
	b := NewBudget(20000, "", nil, 0)
	msgs := conversation(12, 500)

	out, outcome := m.EnsureBudget(context.Background(), msgs, b, EnsureOptions{Force: true})
	if outcome != OutcomeSummarized {
		t.Fatalf("outcome = %s", outcome)
	}
	if len(out) >= len(msgs) {
		t.Fatalf("expected fewer messages after forced compaction")
	}
	if !strings.Contains(sum.transcript, "[user]:") || !strings.Contains(sum.transcript, "[assistant called read_file]") {
		t.Fatalf("unexpected transcript: %.200s", sum.transcript)
	}
	assertGroupsIntact(t, out)
}

func TestEnsureBudgetOversizedSingleMessage(t *testing.T) {
	m := NewManager(DefaultConfig(), nil, &fakeSummarizer{summary: "s"})
	b := NewBudget(1000, "", nil, 0)
	msgs := []models.ConversationMessage{{Role: models.RoleUser, Content: strings.Repeat("z", 20000)}}

	out, _ := m.EnsureBudget(context.Background(), msgs, b, EnsureOptions{})
	if len(out) != 1 {
		t.Fatalf("len = %d", len(out))
	}
	if b.MessageTokens > b.MessageBudget {
		t.Fatalf("single message still over budget: %d > %d", b.MessageTokens, b.MessageBudget)
	}
}

func TestGroupMessages(t *testing.T) {
	msgs := conversation(3, 10)
	groups := groupMessages(msgs)
	// user, assistant, user, assistant, user, [assistant+2 tools], assistant
	if len(groups) != 7 {
		t.Fatalf("groups = %d, want 7", len(groups))
	}
	g := groups[5]
	if g.end-g.start != 3 {
		t.Fatalf("tool group size = %d, want 3", g.end-g.start)
	}
}
