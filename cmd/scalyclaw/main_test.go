package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/scalyclaw/scalyclaw-sub000/internal/config"
	"github.com/scalyclaw/scalyclaw-sub000/internal/dispatch"
	"github.com/scalyclaw/scalyclaw-sub000/internal/gateway"
	"github.com/scalyclaw/scalyclaw-sub000/internal/jobs"
	"github.com/scalyclaw/scalyclaw-sub000/internal/registry"
	"github.com/scalyclaw/scalyclaw-sub000/internal/tools"
	"github.com/scalyclaw/scalyclaw-sub000/pkg/models"
)

func TestBuildRootCmdIncludesSubcommands(t *testing.T) {
	cmd := buildRootCmd()
	names := map[string]bool{}
	for _, sub := range cmd.Commands() {
		names[sub.Name()] = true
	}
	for _, name := range []string{"node", "worker", "status", "stop", "config", "version"} {
		if !names[name] {
			t.Fatalf("expected subcommand %q to be registered", name)
		}
	}
}

func TestConfigSchemaCommand(t *testing.T) {
	cmd := buildRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"config", "schema"})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("config schema: %v", err)
	}
	var schema map[string]any
	if err := json.Unmarshal(out.Bytes(), &schema); err != nil {
		t.Fatalf("schema is not JSON: %v", err)
	}
}

func TestConfigValidateCommand(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "good.yaml")
	bad := filepath.Join(dir, "bad.yaml")
	_ = os.WriteFile(good, []byte("models:\n  - id: m1\n    provider: anthropic\n    enabled: true\n"), 0o600)
	_ = os.WriteFile(bad, []byte("queue:\n  backend: redis\n"), 0o600)

	tests := []struct {
		path    string
		wantErr bool
	}{
		{path: good},
		{path: bad, wantErr: true},
	}
	for _, tt := range tests {
		cmd := buildRootCmd()
		var out bytes.Buffer
		cmd.SetOut(&out)
		cmd.SetErr(&out)
		cmd.SetArgs([]string{"config", "validate", "--config", tt.path})
		err := cmd.Execute()
		if (err != nil) != tt.wantErr {
			t.Errorf("validate %s: err = %v, wantErr %v", filepath.Base(tt.path), err, tt.wantErr)
		}
		if !tt.wantErr && !strings.Contains(out.String(), "1 enabled") {
			t.Errorf("output = %q", out.String())
		}
	}
}

func TestRecordFromURL(t *testing.T) {
	tests := []struct {
		raw      string
		wantHost string
		wantPort int
		wantErr  bool
	}{
		{raw: "http://127.0.0.1:8420", wantHost: "127.0.0.1", wantPort: 8420},
		{raw: "localhost:9000/", wantHost: "localhost", wantPort: 9000},
		{raw: "http://example.com", wantErr: true},
		{raw: "http://host:port", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			rec, err := recordFromURL(tt.raw)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if err == nil && (rec.Host != tt.wantHost || rec.Port != tt.wantPort) {
				t.Errorf("got %s:%d", rec.Host, rec.Port)
			}
		})
	}
}

func TestRequestShutdown(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/shutdown" {
			http.NotFound(w, r)
			return
		}
		if r.Header.Get("Authorization") != "Bearer secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	ctx := context.Background()
	if err := requestShutdown(ctx, srv.Client(), srv.URL, "secret"); err != nil {
		t.Errorf("with token: %v", err)
	}
	if err := requestShutdown(ctx, srv.Client(), srv.URL, "wrong"); err == nil || !strings.Contains(err.Error(), "rejected") {
		t.Errorf("with wrong token: %v", err)
	}
}

func TestWaitUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	base := srv.URL

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	err := waitUnreachable(ctx, srv.Client(), base, 5*time.Millisecond)
	cancel()
	if err == nil {
		t.Fatal("waitUnreachable returned while the server was up")
	}

	srv.Close()
	ctx, cancel = context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := waitUnreachable(ctx, http.DefaultClient, base, 5*time.Millisecond); err != nil {
		t.Errorf("after close: %v", err)
	}
}

func TestStopAndStatusAgainstGateway(t *testing.T) {
	var stopped atomic.Bool
	var server *gateway.Server
	server = gateway.New(gateway.Config{Host: "127.0.0.1", Port: 0, AuthToken: "tok", Role: "node", ID: "n1"},
		gateway.WithShutdown(func(string) {
			stopped.Store(true)
			_ = server.Stop(context.Background())
		}),
	)
	if err := server.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	host, port, _ := net.SplitHostPort(server.Addr())

	cfgPath := filepath.Join(t.TempDir(), "scalyclaw.yaml")
	cfgYAML := fmt.Sprintf("node:\n  id: n1\n  host: %s\n  port: %s\n  auth_token: tok\nworker:\n  host: 127.0.0.1\n  port: 1\n", host, port)
	if err := os.WriteFile(cfgPath, []byte(cfgYAML), 0o600); err != nil {
		t.Fatal(err)
	}

	var out bytes.Buffer
	if err := runStatus(context.Background(), &out, cfgPath, true); err != nil {
		t.Fatalf("runStatus() error = %v", err)
	}
	var rows []processStatus
	if err := json.Unmarshal(out.Bytes(), &rows); err != nil {
		t.Fatalf("status output: %v\n%s", err, out.String())
	}
	if len(rows) != 2 || !rows[0].Reachable || rows[1].Reachable {
		t.Fatalf("status rows = %+v", rows)
	}
	if rows[0].AuthToken != "" {
		t.Error("status leaked the auth token")
	}

	out.Reset()
	err := runStop(context.Background(), &out, cfgPath, stopOptions{Timeout: 2 * time.Second, Interval: 10 * time.Millisecond})
	if err != nil {
		t.Fatalf("runStop() error = %v", err)
	}
	if !stopped.Load() {
		t.Error("shutdown callback not invoked")
	}
	if !strings.Contains(out.String(), "n1 stopped.") {
		t.Errorf("stop output = %q", out.String())
	}
}

func TestStopUsesRegisteredNodeRecord(t *testing.T) {
	var stopped atomic.Bool
	var server *gateway.Server
	server = gateway.New(gateway.Config{Host: "127.0.0.1", Port: 0, AuthToken: "node-secret", Role: "node", ID: "n1"},
		gateway.WithShutdown(func(string) {
			stopped.Store(true)
			_ = server.Stop(context.Background())
		}),
	)
	if err := server.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	cfg := config.Default()
	cfg.Node.Host = "127.0.0.1"
	cfg.Node.Port = 0
	cfg.Node.AuthToken = "node-secret"
	rec := nodeRecord(cfg, "n1", server.Addr())
	if rec.AuthToken != "node-secret" || rec.Port == 0 || rec.Concurrency == 0 || rec.StartedAt.IsZero() {
		t.Fatalf("nodeRecord() = %+v", rec)
	}

	ctx := context.Background()
	reg := registry.NewRegistry(registry.NewMemoryStore(), nil)
	if err := reg.Claim(ctx, rec); err != nil {
		t.Fatal(err)
	}
	_ = reg.Register(ctx, models.ProcessRecord{ID: "w1", Type: models.ProcessWorker, Host: "127.0.0.1", Port: 1})
	records, err := reg.List(ctx, "")
	if err != nil {
		t.Fatal(err)
	}
	targets := selectTargets(records, stopOptions{})
	if len(targets) != 1 || targets[0].ID != "n1" {
		t.Fatalf("selectTargets() = %+v", targets)
	}

	var out bytes.Buffer
	err = stopProcesses(ctx, &out, targets, stopOptions{Timeout: 2 * time.Second, Interval: 10 * time.Millisecond})
	if err != nil {
		t.Fatalf("stopProcesses() error = %v", err)
	}
	if !stopped.Load() || !strings.Contains(out.String(), "n1 stopped.") {
		t.Errorf("stopped=%v output=%q", stopped.Load(), out.String())
	}
}

func TestNodeToolsKeepWorkerToolsBehindMetaTools(t *testing.T) {
	reg, err := nodeTools(dispatch.NewDispatcher(jobs.NewMemoryQueue(), nil), tools.Deps{Queue: jobs.NewMemoryQueue()})
	if err != nil {
		t.Fatalf("nodeTools() error = %v", err)
	}
	for _, name := range []string{"submit_job", "submit_parallel_jobs", "get_job", "cancel_job", "queue_stats"} {
		if _, ok := reg.Get(name); !ok {
			t.Errorf("%s not registered", name)
		}
	}
	for _, name := range []string{"execute_command", "execute_code", "execute_skill", "delegate_agent"} {
		if _, ok := reg.Get(name); ok {
			t.Errorf("%s is callable directly", name)
		}
	}
}
