package worker

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/scalyclaw/scalyclaw-sub000/internal/agent"
	agentctx "github.com/scalyclaw/scalyclaw-sub000/internal/agent/context"
	"github.com/scalyclaw/scalyclaw-sub000/internal/auth"
	"github.com/scalyclaw/scalyclaw-sub000/internal/dispatch"
	"github.com/scalyclaw/scalyclaw-sub000/internal/jobs"
	"github.com/scalyclaw/scalyclaw-sub000/internal/progress"
	"github.com/scalyclaw/scalyclaw-sub000/internal/registry"
	"github.com/scalyclaw/scalyclaw-sub000/internal/skills"
	"github.com/scalyclaw/scalyclaw-sub000/pkg/models"
)

func newTestWorker(t *testing.T, opts ...Option) (*Worker, *jobs.MemoryQueue) {
	t.Helper()
	queue := jobs.NewMemoryQueue()
	t.Cleanup(func() { _ = queue.Close() })
	cfg := Config{
		ID:           "w1",
		AuthToken:    "worker-secret",
		JobRoot:      t.TempDir(),
		Interpreters: map[string]string{"bash": "/bin/sh"},
		CancelPoll:   10 * time.Millisecond,
		JobTimeout:   10 * time.Second,
	}
	return New(cfg, queue, opts...), queue
}

// runJob enqueues, claims and handles one job, returning its final record.
func runJob(t *testing.T, w *Worker, queue *jobs.MemoryQueue, tool string, input any, mutate func(*jobs.Job)) *jobs.Job {
	t.Helper()
	ctx := context.Background()
	raw, _ := json.Marshal(input)
	job := &jobs.Job{
		ID:        "job-" + strings.ReplaceAll(t.Name(), "/", "-"),
		ToolName:  tool,
		Queue:     jobs.QueueTools,
		ChannelID: "chan",
		Payload:   jobs.Payload{ToolName: tool, Input: raw, ChannelID: "chan"},
	}
	if mutate != nil {
		mutate(job)
	}
	if err := queue.Enqueue(ctx, job); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	claimed, err := queue.Dequeue(ctx, job.Queue, "w1")
	if err != nil {
		t.Fatalf("Dequeue() error = %v", err)
	}
	w.Handle(ctx, claimed)
	done, err := queue.Get(ctx, job.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	return done
}

func decodeResult(t *testing.T, result string) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal([]byte(result), &out); err != nil {
		t.Fatalf("result is not JSON: %q", result)
	}
	return out
}

func TestExecuteCommandAnnouncesProducedFiles(t *testing.T) {
	w, queue := newTestWorker(t)
	job := runJob(t, w, queue, dispatch.ToolExecuteCommand,
		dispatch.ExecuteCommandInput{Command: "mkdir -p out && echo chart > out/chart.png && echo ok"}, nil)

	if job.Status != jobs.StatusCompleted {
		t.Fatalf("status = %s, error = %s", job.Status, job.Error)
	}
	res := decodeResult(t, job.Result)
	if res["stdout"] != "ok\n" || res["exitCode"] != float64(0) {
		t.Errorf("result = %v", res)
	}
	if res[dispatch.AnnotationWorker] != "w1" {
		t.Errorf("worker annotation = %v", res[dispatch.AnnotationWorker])
	}
	files, _ := res[dispatch.AnnotationFiles].([]any)
	if len(files) != 1 {
		t.Fatalf("files = %v", res[dispatch.AnnotationFiles])
	}
	f := files[0].(map[string]any)
	if f["dest"] != "out/chart.png" || !strings.HasPrefix(f["src"].(string), w.cfg.JobRoot) {
		t.Errorf("file = %v", f)
	}
}

func TestExecuteCommandNonZeroExitCompletes(t *testing.T) {
	w, queue := newTestWorker(t)
	job := runJob(t, w, queue, dispatch.ToolExecuteCommand, dispatch.ExecuteCommandInput{Command: "echo oops >&2; exit 3"}, nil)
	if job.Status != jobs.StatusCompleted {
		t.Fatalf("status = %s", job.Status)
	}
	res := decodeResult(t, job.Result)
	if res["exitCode"] != float64(3) || res["stderr"] != "oops\n" {
		t.Errorf("result = %v", res)
	}
	if _, ok := res[dispatch.AnnotationFiles]; ok {
		t.Error("no files were produced, annotation must be absent")
	}
}

func TestScopedSecretsAndFilesReachTheSandbox(t *testing.T) {
	w, queue := newTestWorker(t)
	t.Setenv("WORKER_ONLY_SECRET", "leak")
	job := runJob(t, w, queue, dispatch.ToolExecuteCommand,
		dispatch.ExecuteCommandInput{Command: `printf "%s|%s|%s" "$API_KEY" "$(cat data/in.txt)" "$WORKER_ONLY_SECRET"`},
		func(j *jobs.Job) {
			j.Payload.Secrets = map[string]string{"API_KEY": "k-123"}
			j.Payload.Files = []jobs.File{{Name: "data/in.txt", Content: []byte("hello")}}
		})
	res := decodeResult(t, job.Result)
	if res["stdout"] != "k-123|hello|" {
		t.Errorf("stdout = %q", res["stdout"])
	}
	if _, ok := res[dispatch.AnnotationFiles]; ok {
		t.Error("input files must not be announced as produced")
	}
}

func TestPayloadFileTraversalFails(t *testing.T) {
	w, queue := newTestWorker(t)
	job := runJob(t, w, queue, dispatch.ToolExecuteCommand, dispatch.ExecuteCommandInput{Command: "true"},
		func(j *jobs.Job) { j.Payload.Files = []jobs.File{{Name: "../../escape", Content: []byte("x")}} })
	if job.Status != jobs.StatusFailed || !strings.Contains(job.Error, "traversal") {
		t.Errorf("job = %s / %s", job.Status, job.Error)
	}
}

func TestExecuteCode(t *testing.T) {
	w, queue := newTestWorker(t)
	job := runJob(t, w, queue, dispatch.ToolExecuteCode, dispatch.ExecuteCodeInput{Language: "bash", Code: "echo from-code"}, nil)
	res := decodeResult(t, job.Result)
	if res["stdout"] != "from-code\n" {
		t.Errorf("result = %v", res)
	}
	if _, ok := res[dispatch.AnnotationFiles]; ok {
		t.Error("the code file itself must not be announced")
	}

	job = runJob(t, w, queue, dispatch.ToolExecuteCode, dispatch.ExecuteCodeInput{Language: "python", Code: "print(1)"},
		func(j *jobs.Job) { j.ID = "job-python" })
	if job.Status != jobs.StatusFailed || !strings.Contains(job.Error, "no interpreter") {
		t.Errorf("python job = %s / %s", job.Status, job.Error)
	}
}

func TestExecuteSkillPassesInputOnStdin(t *testing.T) {
	root := t.TempDir()
	skillDir := filepath.Join(root, "echo")
	if err := os.MkdirAll(skillDir, 0o755); err != nil {
		t.Fatal(err)
	}
	_ = os.WriteFile(filepath.Join(skillDir, skills.SkillFilename),
		[]byte("---\nname: echo\ndescription: echoes\nlanguage: bash\nscript: run.sh\n---\n"), 0o644)
	_ = os.WriteFile(filepath.Join(skillDir, "run.sh"), []byte("echo PROGRESS: reading\ncat\n"), 0o644)
	store := skills.NewStore(root, "")
	if err := store.Load(context.Background()); err != nil {
		t.Fatal(err)
	}

	bus := progress.NewMemoryBus()
	w, queue := newTestWorker(t, WithSkills(store), WithProgressBus(bus))
	job := runJob(t, w, queue, dispatch.ToolExecuteSkill, dispatch.ExecuteSkillInput{SkillID: "echo", Input: "payload"}, nil)
	res := decodeResult(t, job.Result)
	if res["stdout"] != "payload" {
		t.Errorf("stdout = %q", res["stdout"])
	}
	events, _ := bus.Take(context.Background(), "chan")
	if len(events) != 1 || events[0].Type != models.ProgressUpdate || events[0].Message != "reading" {
		t.Errorf("progress events = %+v", events)
	}
}

func TestRemoteCancelStopsRunningJob(t *testing.T) {
	w, queue := newTestWorker(t)
	ctx := context.Background()
	raw, _ := json.Marshal(dispatch.ExecuteCommandInput{Command: "sleep 5"})
	_ = queue.Enqueue(ctx, &jobs.Job{ID: "slow", ToolName: dispatch.ToolExecuteCommand, Queue: jobs.QueueTools,
		Payload: jobs.Payload{Input: raw}})
	claimed, _ := queue.Dequeue(ctx, jobs.QueueTools, "w1")

	go func() {
		time.Sleep(50 * time.Millisecond)
		_ = queue.Cancel(ctx, "slow")
	}()
	start := time.Now()
	w.Handle(ctx, claimed)
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Fatalf("Handle() took %s after cancel", elapsed)
	}
	job, _ := queue.Get(ctx, "slow")
	if job.Status != jobs.StatusCancelled {
		t.Errorf("status = %s", job.Status)
	}
}

func TestUnsupportedToolFails(t *testing.T) {
	w, queue := newTestWorker(t)
	job := runJob(t, w, queue, "send_message", map[string]string{}, nil)
	if job.Status != jobs.StatusFailed || !strings.Contains(job.Error, "unsupported tool") {
		t.Errorf("job = %s / %s", job.Status, job.Error)
	}
	job = runJob(t, w, queue, dispatch.ToolDelegateAgent, dispatch.DelegateAgentInput{AgentID: "a", Task: "t"},
		func(j *jobs.Job) { j.ID = "job-delegate" })
	if job.Status != jobs.StatusFailed {
		t.Errorf("delegate without delegator = %s", job.Status)
	}
}

func TestOrphanedResultGoesThroughProgress(t *testing.T) {
	reg := registry.NewRegistry(registry.NewMemoryStore(), nil, registry.WithProbeTimeout(200*time.Millisecond))
	_ = reg.Register(context.Background(), models.ProcessRecord{ID: "node-1", Type: models.ProcessNode, Host: "127.0.0.1", Port: 1})
	bus := progress.NewMemoryBus()
	w, queue := newTestWorker(t, WithRegistry(reg), WithProgressBus(bus))

	job := runJob(t, w, queue, dispatch.ToolExecuteCommand, dispatch.ExecuteCommandInput{Command: "echo finished"},
		func(j *jobs.Job) { j.Payload.Origin = "node-1" })
	if job.Status != jobs.StatusCompleted {
		t.Fatalf("status = %s", job.Status)
	}
	events, _ := bus.Take(context.Background(), "chan")
	if len(events) != 1 || events[0].Type != models.ProgressComplete || events[0].Result != "finished\n" {
		t.Errorf("events = %+v", events)
	}
	if _, err := reg.Get(context.Background(), "node-1"); err == nil {
		t.Error("unreachable origin should be deregistered")
	}
}

func TestFilesHandler(t *testing.T) {
	w, _ := newTestWorker(t)
	inside := filepath.Join(w.cfg.JobRoot, "job-1", "out.txt")
	_ = os.MkdirAll(filepath.Dir(inside), 0o755)
	_ = os.WriteFile(inside, []byte("content"), 0o644)
	outside := filepath.Join(t.TempDir(), "secret.txt")
	_ = os.WriteFile(outside, []byte("nope"), 0o644)

	srv := httptest.NewServer(w.FilesHandler())
	defer srv.Close()
	tokens := auth.NewFileTokenService("worker-secret", 0)

	fetch := func(path, token string) (int, string) {
		req, _ := http.NewRequest(http.MethodGet, srv.URL+"?path="+url.QueryEscape(path), nil)
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("request: %v", err)
		}
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		return resp.StatusCode, string(body)
	}

	good, _ := tokens.Issue("node", inside)
	if code, body := fetch(inside, good); code != http.StatusOK || body != "content" {
		t.Errorf("valid fetch = %d %q", code, body)
	}
	if code, _ := fetch(inside, ""); code != http.StatusUnauthorized {
		t.Errorf("no token = %d", code)
	}
	other, _ := tokens.Issue("node", filepath.Join(w.cfg.JobRoot, "job-1", "other.txt"))
	if code, _ := fetch(inside, other); code != http.StatusUnauthorized {
		t.Errorf("token for other path = %d", code)
	}
	escape, _ := tokens.Issue("node", outside)
	if code, _ := fetch(outside, escape); code != http.StatusForbidden {
		t.Errorf("outside job root = %d", code)
	}
	missing := filepath.Join(w.cfg.JobRoot, "job-1", "gone.txt")
	missingTok, _ := tokens.Issue("node", missing)
	if code, _ := fetch(missing, missingTok); code != http.StatusNotFound {
		t.Errorf("missing file = %d", code)
	}
}

func TestPruneSandboxes(t *testing.T) {
	root := t.TempDir()
	old := filepath.Join(root, "old")
	fresh := filepath.Join(root, "fresh")
	_ = os.MkdirAll(old, 0o755)
	_ = os.MkdirAll(fresh, 0o755)
	past := time.Now().Add(-2 * time.Hour)
	_ = os.Chtimes(old, past, past)

	n, err := PruneSandboxes(root, time.Hour)
	if err != nil || n != 1 {
		t.Fatalf("PruneSandboxes() = %d, %v", n, err)
	}
	if _, err := os.Stat(fresh); err != nil {
		t.Error("fresh sandbox removed")
	}
}

type replyProvider struct{ reply string }

func (p *replyProvider) Name() string { return "fake" }
func (p *replyProvider) Chat(ctx context.Context, req *agent.ChatRequest) (*agent.ChatResponse, error) {
	return &agent.ChatResponse{Content: p.reply + ": " + req.SystemPrompt}, nil
}

func TestAgentRunnerDelegates(t *testing.T) {
	dir := t.TempDir()
	_ = os.WriteFile(filepath.Join(dir, "critic.md"), []byte("---\nname: critic\ntools: [read_file]\n---\nBe critical."), 0o644)
	store := skills.NewStore("", dir)
	if err := store.Load(context.Background()); err != nil {
		t.Fatal(err)
	}
	catalog := agent.NewModelCatalog([]agent.ModelSpec{{ID: "m", Provider: "fake", ContextWindow: 100000, Enabled: true}}, &replyProvider{reply: "verdict"})
	runner := NewAgentRunner(AgentRunnerConfig{
		Agents:  store,
		Catalog: catalog,
		Tools:   agent.NewToolRegistry(),
		Loop:    *agent.DefaultLoopConfig(),
		Context: agentctx.DefaultConfig(),
	})

	reply, err := runner.Delegate(context.Background(), "critic", "review this", "chan")
	if err != nil {
		t.Fatalf("Delegate() error = %v", err)
	}
	if reply != "verdict: Be critical." {
		t.Errorf("reply = %q", reply)
	}
	if _, err := runner.Delegate(context.Background(), "ghost", "x", "chan"); err == nil {
		t.Error("expected unknown agent error")
	}

	w, queue := newTestWorker(t, WithDelegator(runner))
	job := runJob(t, w, queue, dispatch.ToolDelegateAgent, dispatch.DelegateAgentInput{AgentID: "critic", Task: "go"}, nil)
	if got := ResultText(job.Result); got != "verdict: Be critical." {
		t.Errorf("ResultText() = %q (raw %s)", got, job.Result)
	}
}
