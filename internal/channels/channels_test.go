package channels

import (
	"context"
	"encoding/base64"
	"errors"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/scalyclaw/scalyclaw-sub000/pkg/models"
)

type fakeAdapter struct {
	name    string
	max     int
	mu      sync.Mutex
	sent    []string
	handler Handler
	healthy bool
}

func (f *fakeAdapter) Name() string { return f.name }
func (f *fakeAdapter) Connect(context.Context) error { f.healthy = true; return nil }
func (f *fakeAdapter) Disconnect(context.Context) error { f.healthy = false; return nil }
func (f *fakeAdapter) SendTyping(context.Context, string) error { return nil }
func (f *fakeAdapter) IsHealthy() bool { return f.healthy }
func (f *fakeAdapter) OnMessage(h Handler) { f.handler = h }
func (f *fakeAdapter) MaxMessageLength() int { return f.max }

func (f *fakeAdapter) Send(_ context.Context, channelID, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, channelID+"|"+text)
	return nil
}

func (f *fakeAdapter) SendFile(_ context.Context, channelID, path, caption string) error {
	return f.Send(context.Background(), channelID, "file:"+path)
}

func TestRegistryRouting(t *testing.T) {
	var inbound []models.NormalizedMessage
	reg := NewRegistry(func(_ context.Context, msg models.NormalizedMessage) {
		inbound = append(inbound, msg)
	}, nil)
	tg := &fakeAdapter{name: "tg", max: 12}
	ws := &fakeAdapter{name: "ws"}
	if err := reg.Register(tg); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if err := reg.Register(ws); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if err := reg.Register(&fakeAdapter{name: "ws"}); err == nil {
		t.Error("duplicate Register() should fail")
	}

	ctx := context.Background()
	if err := reg.ConnectAll(ctx); err != nil {
		t.Fatalf("ConnectAll() error = %v", err)
	}
	if h := reg.Health(); !h["tg"] || !h["ws"] {
		t.Errorf("Health() = %v", h)
	}

	if err := reg.Send(ctx, "tg:42", "hello there world"); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if len(tg.sent) != 2 || tg.sent[0] != "tg:42|hello there" || tg.sent[1] != "tg:42|world" {
		t.Errorf("tg sent %q", tg.sent)
	}
	if err := reg.SendFile(ctx, "ws:a", "/tmp/x", ""); err != nil || ws.sent[0] != "ws:a|file:/tmp/x" {
		t.Errorf("SendFile() = %v, sent %q", err, ws.sent)
	}

	for _, id := range []string{"irc:1", "no-prefix"} {
		if err := reg.Send(ctx, id, "x"); !errors.Is(err, ErrNoAdapter) {
			t.Errorf("Send(%q) error = %v, want ErrNoAdapter", id, err)
		}
	}

	tg.handler(ctx, models.NormalizedMessage{ChannelID: "tg:42", Text: "hi"})
	if len(inbound) != 1 || inbound[0].Text != "hi" {
		t.Errorf("inbound = %+v", inbound)
	}

	if err := reg.DisconnectAll(ctx); err != nil || tg.IsHealthy() {
		t.Errorf("DisconnectAll() = %v, healthy %v", err, tg.IsHealthy())
	}
}

func TestSplit(t *testing.T) {
	tests := []struct {
		name string
		text string
		max  int
		want []string
	}{
		{name: "fits", text: "short", max: 10, want: []string{"short"}},
		{name: "disabled", text: "anything at all", max: 0, want: []string{"anything at all"}},
		{name: "paragraph", text: "first para\n\nsecond", max: 14, want: []string{"first para", "second"}},
		{name: "space", text: "aaaa bbbb cccc", max: 10, want: []string{"aaaa bbbb", "cccc"}},
		{name: "hard cut", text: "abcdefghij", max: 4, want: []string{"abcd", "efgh", "ij"}},
		{name: "runes", text: "ééééé", max: 2, want: []string{"éé", "éé", "é"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Split(tt.text, tt.max)
			if strings.Join(got, "|") != strings.Join(tt.want, "|") {
				t.Errorf("Split(%q, %d) = %q, want %q", tt.text, tt.max, got, tt.want)
			}
		})
	}
}

func dialWS(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/?" + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) wsFrame {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var frame wsFrame
	if err := conn.ReadJSON(&frame); err != nil {
		t.Fatalf("read frame: %v", err)
	}
	return frame
}

func TestWebSocketAdapterRoundTrip(t *testing.T) {
	adapter := NewWebSocketAdapter("", nil)
	got := make(chan models.NormalizedMessage, 1)
	adapter.OnMessage(func(_ context.Context, msg models.NormalizedMessage) { got <- msg })
	ctx := context.Background()
	if err := adapter.Connect(ctx); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	srv := httptest.NewServer(adapter)
	defer srv.Close()

	conn := dialWS(t, srv, "client=alice")
	if err := conn.WriteJSON(wsFrame{Type: "message", Text: "ping"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	select {
	case msg := <-got:
		if msg.ChannelID != "ws:alice" || msg.Text != "ping" {
			t.Errorf("inbound = %+v", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("inbound message not dispatched")
	}
	if ids := adapter.Channels(); len(ids) != 1 || ids[0] != "ws:alice" {
		t.Errorf("Channels() = %v", ids)
	}
	reg := NewRegistry(nil, nil)
	_ = reg.Register(adapter)
	_ = reg.Register(&fakeAdapter{name: "tg"})
	if ids := reg.Channels(); len(ids) != 1 || ids[0] != "ws:alice" {
		t.Errorf("registry Channels() = %v", ids)
	}

	if err := adapter.Send(ctx, "ws:alice", "pong"); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if f := readFrame(t, conn); f.Type != "message" || f.Text != "pong" {
		t.Errorf("frame = %+v", f)
	}

	path := filepath.Join(t.TempDir(), "report.txt")
	if err := os.WriteFile(path, []byte("contents"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := adapter.SendFile(ctx, "ws:alice", path, "the report"); err != nil {
		t.Fatalf("SendFile() error = %v", err)
	}
	f := readFrame(t, conn)
	data, _ := base64.StdEncoding.DecodeString(f.Data)
	if f.Type != "file" || f.Filename != "report.txt" || f.Caption != "the report" || string(data) != "contents" {
		t.Errorf("file frame = %+v", f)
	}

	if err := adapter.Send(ctx, "ws:bob", "x"); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Send(bob) error = %v, want ErrNotConnected", err)
	}

	if err := conn.WriteMessage(websocket.TextMessage, []byte("not json")); err != nil {
		t.Fatal(err)
	}
	if f := readFrame(t, conn); f.Type != "error" {
		t.Errorf("frame for garbage = %+v", f)
	}

	if err := adapter.Disconnect(ctx); err != nil {
		t.Fatalf("Disconnect() error = %v", err)
	}
	if adapter.IsHealthy() || adapter.Clients() != 0 || len(adapter.Channels()) != 0 {
		t.Errorf("after Disconnect healthy=%v clients=%d", adapter.IsHealthy(), adapter.Clients())
	}
}

func TestWebSocketAdapterAuth(t *testing.T) {
	adapter := NewWebSocketAdapter("secret", nil)
	_ = adapter.Connect(context.Background())
	srv := httptest.NewServer(adapter)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/?client=c"
	if _, resp, err := websocket.DefaultDialer.Dial(url, nil); err == nil || resp == nil || resp.StatusCode != 401 {
		t.Errorf("dial without token: err=%v resp=%v", err, resp)
	}
	conn := dialWS(t, srv, "client=c&token=secret")
	if err := conn.WriteJSON(wsFrame{Type: "message", Text: "ok"}); err != nil {
		t.Errorf("write after auth: %v", err)
	}
	if err := adapter.SendTyping(context.Background(), "ws:c"); err != nil {
		t.Fatalf("SendTyping() error = %v", err)
	}
	if f := readFrame(t, conn); f.Type != "typing" {
		t.Errorf("frame = %+v", f)
	}
}
