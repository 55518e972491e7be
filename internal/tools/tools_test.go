package tools

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/scalyclaw/scalyclaw-sub000/internal/agent"
	"github.com/scalyclaw/scalyclaw-sub000/internal/cron"
	"github.com/scalyclaw/scalyclaw-sub000/internal/jobs"
	"github.com/scalyclaw/scalyclaw-sub000/internal/memory"
	"github.com/scalyclaw/scalyclaw-sub000/internal/skills"
	"github.com/scalyclaw/scalyclaw-sub000/internal/workspace"
)

type sentMessage struct {
	channel, text, path, caption string
}

type fakeSender struct {
	mu   sync.Mutex
	sent []sentMessage
}

func (f *fakeSender) Send(_ context.Context, channelID, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentMessage{channel: channelID, text: text})
	return nil
}

func (f *fakeSender) SendFile(_ context.Context, channelID, path, caption string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentMessage{channel: channelID, path: path, caption: caption})
	return nil
}

func (f *fakeSender) snapshot() []sentMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentMessage(nil), f.sent...)
}

type fakeCatalog struct{}

func (fakeCatalog) Skill(id string) (*skills.Skill, error) { return nil, skills.ErrSkillNotFound }
func (fakeCatalog) Agent(id string) (*skills.Agent, error) { return nil, skills.ErrAgentNotFound }

func (fakeCatalog) Skills() []skills.Skill {
	return []skills.Skill{
		{ID: "chart", Description: "Draw a chart", Language: "python", Enabled: true},
		{ID: "old", Description: "Retired", Language: "bash"},
	}
}

func (fakeCatalog) Agents() []skills.Agent {
	return []skills.Agent{{ID: "researcher", Description: "Digs", Tools: []string{"read_file"}, Enabled: true}}
}

type harness struct {
	registry  *agent.ToolRegistry
	sender    *fakeSender
	ws        *workspace.Workspace
	scheduler *cron.Scheduler
	queue     *jobs.MemoryQueue
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	ws, err := workspace.New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	h := &harness{
		registry:  agent.NewToolRegistry(),
		sender:    &fakeSender{},
		ws:        ws,
		scheduler: cron.NewScheduler(),
		queue:     jobs.NewMemoryQueue(),
	}
	t.Cleanup(func() { h.queue.Close() })
	for _, tool := range Local(Deps{
		Sender:    h.sender,
		Workspace: ws,
		Memory:    memory.NewManager(memory.NewMemoryStore(), nil, nil),
		Scheduler: h.scheduler,
		Catalog:   fakeCatalog{},
		Queue:     h.queue,
	}) {
		if err := h.registry.Register(tool); err != nil {
			t.Fatalf("Register(%s) error = %v", tool.Name(), err)
		}
	}
	return h
}

func (h *harness) call(t *testing.T, channelID, name string, input any) (map[string]any, *agent.ToolResult) {
	t.Helper()
	params, err := json.Marshal(input)
	if err != nil {
		t.Fatal(err)
	}
	ctx := agent.WithCallInfo(context.Background(), agent.CallInfo{ChannelID: channelID, ToolCallID: "call-1"})
	res, err := h.registry.Execute(ctx, name, params)
	if err != nil {
		t.Fatalf("Execute(%s) error = %v", name, err)
	}
	var out map[string]any
	_ = json.Unmarshal([]byte(res.Content), &out)
	return out, res
}

func TestLocalRegistersEveryTool(t *testing.T) {
	h := newHarness(t)
	want := []string{
		"list_agents", "list_files", "list_skills", "memory_search", "memory_store",
		"queue_stats", "read_file", "schedule_message", "send_file", "send_message", "write_file",
	}
	if got := strings.Join(h.registry.Names(), ","); got != strings.Join(want, ",") {
		t.Errorf("Names() = %s", got)
	}
	if got := Local(Deps{}); len(got) != 0 {
		t.Errorf("Local(empty) = %d tools", len(got))
	}
}

func TestSendMessage(t *testing.T) {
	h := newHarness(t)
	if _, res := h.call(t, "ws:a", "send_message", map[string]any{"text": "working on it"}); res.IsError {
		t.Fatalf("result = %s", res.Content)
	}
	if _, res := h.call(t, "ws:a", "send_message", map[string]any{"text": "hi", "channelId": "ws:b"}); res.IsError {
		t.Fatalf("result = %s", res.Content)
	}
	if _, res := h.call(t, "ws:a", "send_message", map[string]any{}); !res.IsError {
		t.Error("missing text should fail validation")
	}
	sent := h.sender.snapshot()
	if len(sent) != 2 || sent[0] != (sentMessage{channel: "ws:a", text: "working on it"}) || sent[1].channel != "ws:b" {
		t.Errorf("sent = %+v", sent)
	}
}

func TestFileTools(t *testing.T) {
	h := newHarness(t)

	if _, res := h.call(t, "ws:a", "write_file", map[string]any{"path": "notes/todo.txt", "content": "one\n"}); res.IsError {
		t.Fatalf("write_file = %s", res.Content)
	}
	if _, res := h.call(t, "ws:a", "write_file", map[string]any{"path": "notes/todo.txt", "content": "two\n", "append": true}); res.IsError {
		t.Fatalf("append = %s", res.Content)
	}
	out, res := h.call(t, "ws:a", "read_file", map[string]any{"path": "notes/todo.txt"})
	if res.IsError || out["content"] != "one\ntwo\n" || out["truncated"] != false {
		t.Errorf("read_file = %s", res.Content)
	}
	out, _ = h.call(t, "ws:a", "read_file", map[string]any{"path": "notes/todo.txt", "offset": 4, "maxBytes": 2})
	if out["content"] != "tw" || out["truncated"] != true {
		t.Errorf("partial read = %v", out)
	}

	out, _ = h.call(t, "ws:a", "list_files", map[string]any{})
	if files, _ := out["files"].([]any); len(files) != 1 || files[0] != "notes/todo.txt" {
		t.Errorf("list_files = %v", out)
	}

	for tool, input := range map[string]map[string]any{
		"read_file":  {"path": "../escape.txt"},
		"write_file": {"path": "../escape.txt", "content": "x"},
		"send_file":  {"path": "../escape.txt"},
	} {
		if _, res := h.call(t, "ws:a", tool, input); !res.IsError || !strings.Contains(res.Content, "escapes workspace") {
			t.Errorf("%s traversal = %s", tool, res.Content)
		}
	}

	if _, res := h.call(t, "ws:a", "send_file", map[string]any{"path": "notes/todo.txt", "caption": "list"}); res.IsError {
		t.Fatalf("send_file = %s", res.Content)
	}
	sent := h.sender.snapshot()
	want := filepath.Join(h.ws.Root(), "notes", "todo.txt")
	if len(sent) != 1 || sent[0].path != want || sent[0].caption != "list" {
		t.Errorf("sent = %+v", sent)
	}
	if _, res := h.call(t, "ws:a", "send_file", map[string]any{"path": "notes"}); !res.IsError {
		t.Error("sending a directory should fail")
	}
	if _, err := os.Stat(filepath.Join(filepath.Dir(h.ws.Root()), "escape.txt")); err == nil {
		t.Error("traversal wrote outside the workspace")
	}
}

func TestMemoryTools(t *testing.T) {
	h := newHarness(t)
	if _, res := h.call(t, "ws:a", "memory_store", map[string]any{"content": "Birthday is 3 March", "tags": []string{"dates"}}); res.IsError {
		t.Fatalf("memory_store = %s", res.Content)
	}
	out, _ := h.call(t, "ws:a", "memory_search", map[string]any{"query": "birthday"})
	if results, _ := out["results"].([]any); len(results) != 1 {
		t.Errorf("memory_search = %v", out)
	}
	out, _ = h.call(t, "ws:b", "memory_search", map[string]any{"query": "birthday"})
	if results, _ := out["results"].([]any); len(results) != 0 {
		t.Errorf("other channel sees %v", out)
	}
}

func TestScheduleMessage(t *testing.T) {
	h := newHarness(t)
	out, res := h.call(t, "ws:a", "schedule_message", map[string]any{"text": "stand up", "in": "10m"})
	if res.IsError || out["kind"] != "at" || out["nextRun"] == nil {
		t.Fatalf("schedule_message = %s", res.Content)
	}
	scheduled := h.scheduler.Jobs()
	if len(scheduled) != 1 || scheduled[0].Name != "reminder:ws:a" {
		t.Fatalf("Jobs() = %+v", scheduled)
	}
	if err := h.scheduler.RunJob(context.Background(), scheduled[0].ID); err != nil {
		t.Fatalf("RunJob() error = %v", err)
	}
	if sent := h.sender.snapshot(); len(sent) != 1 || sent[0].text != "stand up" || sent[0].channel != "ws:a" {
		t.Errorf("sent = %+v", sent)
	}

	for _, bad := range []map[string]any{
		{"text": "x"},
		{"text": "x", "in": "10m", "when": "0 9 * * *"},
		{"text": "x", "in": "-5m"},
		{"text": "x", "when": "@every 1s"},
		{"text": "x", "when": time.Now().Add(-time.Hour).UTC().Format(time.RFC3339)},
	} {
		if _, res := h.call(t, "ws:a", "schedule_message", bad); !res.IsError {
			t.Errorf("schedule_message(%v) should fail", bad)
		}
	}
}

func TestCatalogAndQueueTools(t *testing.T) {
	h := newHarness(t)
	out, _ := h.call(t, "ws:a", "list_skills", map[string]any{})
	if s, _ := out["skills"].([]any); len(s) != 1 {
		t.Errorf("list_skills = %v", out)
	}
	out, _ = h.call(t, "ws:a", "list_agents", map[string]any{})
	if a, _ := out["agents"].([]any); len(a) != 1 {
		t.Errorf("list_agents = %v", out)
	}

	if err := h.queue.Enqueue(context.Background(), &jobs.Job{ID: "j1", Queue: jobs.QueueTools, ToolName: "execute_command"}); err != nil {
		t.Fatal(err)
	}
	out, res := h.call(t, "ws:a", "queue_stats", map[string]any{})
	queues, _ := out["queues"].([]any)
	if res.IsError || len(queues) != 1 {
		t.Fatalf("queue_stats = %s", res.Content)
	}
	if q := queues[0].(map[string]any); q["queue"] != "tools" || q["queued"] != float64(1) {
		t.Errorf("stats = %v", q)
	}
}
