package agent

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/scalyclaw/scalyclaw-sub000/pkg/models"
)

// mockTool implements Tool for testing
type mockTool struct {
	name      string
	schema    json.RawMessage
	timeout   time.Duration
	execFunc  func(ctx context.Context, params json.RawMessage) (*ToolResult, error)
	execCount atomic.Int32
}

func (m *mockTool) Name() string            { return m.name }
func (m *mockTool) Description() string     { return "mock " + m.name }
func (m *mockTool) Schema() json.RawMessage { return m.schema }
func (m *mockTool) Timeout() time.Duration  { return m.timeout }
func (m *mockTool) Execute(ctx context.Context, params json.RawMessage) (*ToolResult, error) {
	m.execCount.Add(1)
	if m.execFunc != nil {
		return m.execFunc(ctx, params)
	}
	return &ToolResult{Content: `{"ok":true}`}, nil
}

func newTestRegistry(t *testing.T, tools ...Tool) *ToolRegistry {
	t.Helper()
	registry := NewToolRegistry()
	for _, tool := range tools {
		if err := registry.Register(tool); err != nil {
			t.Fatalf("Register(%s) error = %v", tool.Name(), err)
		}
	}
	return registry
}

func TestExecutor_Execute_Success(t *testing.T) {
	registry := newTestRegistry(t, &mockTool{
		name: "test_tool",
		execFunc: func(ctx context.Context, params json.RawMessage) (*ToolResult, error) {
			info, ok := CallInfoFromContext(ctx)
			if !ok || info.ChannelID != "chan-1" || info.ToolCallID != "call-1" {
				t.Errorf("call info = %+v, %v", info, ok)
			}
			return &ToolResult{Content: `"result"`}, nil
		},
	})

	executor := NewExecutor(registry, nil, nil, nil)
	result := executor.Execute(context.Background(), "chan-1", models.ToolCall{
		ID:    "call-1",
		Name:  "test_tool",
		Input: json.RawMessage(`{}`),
	})

	if result.Error != nil {
		t.Fatalf("unexpected error: %v", result.Error)
	}
	if result.Content != `"result"` {
		t.Errorf("content = %q, want %q", result.Content, `"result"`)
	}
}

func TestExecutor_ExecuteAll_ConcurrentAndOrdered(t *testing.T) {
	var running, peak atomic.Int32
	slow := func(delay time.Duration, out string) func(context.Context, json.RawMessage) (*ToolResult, error) {
		return func(ctx context.Context, _ json.RawMessage) (*ToolResult, error) {
			n := running.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(delay)
			running.Add(-1)
			return &ToolResult{Content: out}, nil
		}
	}
	registry := newTestRegistry(t,
		&mockTool{name: "slow", execFunc: slow(60*time.Millisecond, `"slow"`)},
		&mockTool{name: "fast", execFunc: slow(10*time.Millisecond, `"fast"`)},
	)
	executor := NewExecutor(registry, nil, nil, nil)

	results := executor.ExecuteAll(context.Background(), "c", []models.ToolCall{
		{ID: "1", Name: "slow"},
		{ID: "2", Name: "fast"},
	})
	if len(results) != 2 {
		t.Fatalf("got %d results", len(results))
	}
	if results[0].ToolCallID != "1" || results[0].Content != `"slow"` {
		t.Errorf("results[0] = %+v", results[0])
	}
	if results[1].ToolCallID != "2" || results[1].Content != `"fast"` {
		t.Errorf("results[1] = %+v", results[1])
	}
	if peak.Load() < 2 {
		t.Errorf("tools did not run concurrently, peak = %d", peak.Load())
	}
}

func TestExecutor_Timeout(t *testing.T) {
	registry := newTestRegistry(t, &mockTool{
		name:    "stuck",
		timeout: 20 * time.Millisecond,
		execFunc: func(ctx context.Context, _ json.RawMessage) (*ToolResult, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	})
	executor := NewExecutor(registry, nil, nil, nil)

	result := executor.Execute(context.Background(), "c", models.ToolCall{ID: "1", Name: "stuck"})
	if !errors.Is(result.Error, ErrToolTimeout) {
		t.Fatalf("error = %v, want ErrToolTimeout", result.Error)
	}
	if !strings.Contains(result.Content, "timed out") {
		t.Errorf("content = %q", result.Content)
	}
}

func TestExecutor_Panic(t *testing.T) {
	registry := newTestRegistry(t, &mockTool{
		name: "boom",
		execFunc: func(context.Context, json.RawMessage) (*ToolResult, error) {
			panic("kaboom")
		},
	})
	executor := NewExecutor(registry, nil, nil, nil)

	result := executor.Execute(context.Background(), "c", models.ToolCall{ID: "1", Name: "boom"})
	var te *ToolError
	if !errors.As(result.Error, &te) || te.Type != ToolErrorPanic {
		t.Fatalf("error = %v, want panic ToolError", result.Error)
	}
	if !result.IsError || !strings.Contains(result.Content, "kaboom") {
		t.Errorf("content = %q", result.Content)
	}
}

func TestExecutor_CancelledCallIsAborted(t *testing.T) {
	registry := newTestRegistry(t, &mockTool{
		name: "wait",
		execFunc: func(ctx context.Context, _ json.RawMessage) (*ToolResult, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	})
	executor := NewExecutor(registry, nil, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	result := executor.Execute(ctx, "c", models.ToolCall{ID: "1", Name: "wait"})
	if result.Content != `{"error":"aborted"}` {
		t.Errorf("content = %q, want aborted", result.Content)
	}
	msgs := ResultsToMessages([]*ExecutionResult{result})
	if len(msgs) != 1 || msgs[0].Role != models.RoleTool || msgs[0].ToolCallID != "1" {
		t.Errorf("messages = %+v", msgs)
	}
}

func TestExecutor_UnknownToolAndInvalidInput(t *testing.T) {
	registry := newTestRegistry(t, &mockTool{
		name:   "typed",
		schema: json.RawMessage(`{"type":"object","properties":{"n":{"type":"integer"}},"required":["n"]}`),
	})
	executor := NewExecutor(registry, nil, nil, nil)

	tests := []struct {
		name string
		call models.ToolCall
		want string
	}{
		{"unknown", models.ToolCall{ID: "1", Name: "nope"}, "unknown tool"},
		{"missing field", models.ToolCall{ID: "2", Name: "typed", Input: json.RawMessage(`{}`)}, "invalid input"},
		{"wrong type", models.ToolCall{ID: "3", Name: "typed", Input: json.RawMessage(`{"n":"x"}`)}, "invalid input"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := executor.Execute(context.Background(), "c", tt.call)
			if !res.IsError || !strings.Contains(res.Content, tt.want) {
				t.Errorf("content = %q, want substring %q", res.Content, tt.want)
			}
		})
	}
}
