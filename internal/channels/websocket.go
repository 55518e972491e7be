package channels

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/scalyclaw/scalyclaw-sub000/internal/auth"
	"github.com/scalyclaw/scalyclaw-sub000/pkg/models"
)

const (
	wsMaxPayloadBytes = 1 << 20
	wsMaxFileBytes    = 8 << 20
	wsPingInterval    = 15 * time.Second
	wsPongWait        = 45 * time.Second
	wsWriteWait       = 10 * time.Second
	wsSendBuffer      = 64
)

// WebSocketName is the channel id prefix of the websocket adapter.
const WebSocketName = "ws"

// wsFrame is the wire format in both directions.
type wsFrame struct {
	Type        string              `json:"type"`
	Text        string              `json:"text,omitempty"`
	Filename    string              `json:"filename,omitempty"`
	Caption     string              `json:"caption,omitempty"`
	Data        string              `json:"data,omitempty"`
	Attachments []models.Attachment `json:"attachments,omitempty"`
}

// WebSocketAdapter is a channel adapter for browser and CLI clients. Each
// client connects to the handler with ?client=<id> and becomes the channel
// "ws:<id>"; reconnecting with the same id replaces the older connection.
type WebSocketAdapter struct {
	token    string
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu       sync.RWMutex
	sessions map[string]*wsSession
	handler  Handler
	ctx      context.Context
	cancel   context.CancelFunc
	running  atomic.Bool
}

// NewWebSocketAdapter creates the adapter. When token is set, clients must
// present it as a bearer token or ?token= query parameter.
func NewWebSocketAdapter(token string, logger *slog.Logger) *WebSocketAdapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebSocketAdapter{
		token:  token,
		logger: logger.With("component", "ws_adapter"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  8192,
			WriteBufferSize: 8192,
			CheckOrigin: func(*http.Request) bool {
				return true
			},
		},
		sessions: make(map[string]*wsSession),
	}
}

func (a *WebSocketAdapter) Name() string { return WebSocketName }

func (a *WebSocketAdapter) OnMessage(h Handler) {
	a.mu.Lock()
	a.handler = h
	a.mu.Unlock()
}

// Connect enables the handler. Inbound messages are handled with a context
// derived from ctx.
func (a *WebSocketAdapter) Connect(ctx context.Context) error {
	a.mu.Lock()
	a.ctx, a.cancel = context.WithCancel(context.WithoutCancel(ctx))
	a.mu.Unlock()
	a.running.Store(true)
	return nil
}

// Disconnect closes every client connection.
func (a *WebSocketAdapter) Disconnect(ctx context.Context) error {
	a.running.Store(false)
	a.mu.Lock()
	sessions := a.sessions
	a.sessions = make(map[string]*wsSession)
	if a.cancel != nil {
		a.cancel()
	}
	a.mu.Unlock()
	for _, s := range sessions {
		s.close()
	}
	return nil
}

func (a *WebSocketAdapter) IsHealthy() bool { return a.running.Load() }

// Clients returns the number of connected clients.
func (a *WebSocketAdapter) Clients() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.sessions)
}

// Channels returns the ids of connected clients.
func (a *WebSocketAdapter) Channels() []string {
	a.mu.RLock()
	out := make([]string, 0, len(a.sessions))
	for client := range a.sessions {
		out = append(out, ChannelID(WebSocketName, client))
	}
	a.mu.RUnlock()
	sort.Strings(out)
	return out
}

func (a *WebSocketAdapter) Send(ctx context.Context, channelID, text string) error {
	return a.push(channelID, wsFrame{Type: "message", Text: text})
}

func (a *WebSocketAdapter) SendTyping(ctx context.Context, channelID string) error {
	return a.push(channelID, wsFrame{Type: "typing"})
}

// SendFile inlines the file as base64.
func (a *WebSocketAdapter) SendFile(ctx context.Context, channelID, path, caption string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("send file: %w", err)
	}
	if info.Size() > wsMaxFileBytes {
		return fmt.Errorf("send file: %s is %d bytes, limit %d", filepath.Base(path), info.Size(), wsMaxFileBytes)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("send file: %w", err)
	}
	return a.push(channelID, wsFrame{
		Type:     "file",
		Filename: filepath.Base(path),
		Caption:  caption,
		Data:     base64.StdEncoding.EncodeToString(data),
	})
}

func (a *WebSocketAdapter) push(channelID string, frame wsFrame) error {
	_, client, ok := SplitChannelID(channelID)
	if !ok {
		return fmt.Errorf("%w: %q", ErrNoAdapter, channelID)
	}
	a.mu.RLock()
	s := a.sessions[client]
	a.mu.RUnlock()
	if s == nil {
		return fmt.Errorf("%w: %s", ErrNotConnected, channelID)
	}
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	return s.enqueue(data)
}

// ServeHTTP upgrades a client connection.
func (a *WebSocketAdapter) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !a.running.Load() {
		http.Error(w, "adapter not connected", http.StatusServiceUnavailable)
		return
	}
	if a.token != "" {
		presented := auth.ExtractBearer(r)
		if presented == "" {
			presented = r.URL.Query().Get("token")
		}
		if !auth.TokenMatches(a.token, presented) {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
	}
	client := r.URL.Query().Get("client")
	if client == "" {
		client = uuid.NewString()
	}

	conn, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	s := &wsSession{
		adapter: a,
		client:  client,
		conn:    conn,
		send:    make(chan []byte, wsSendBuffer),
		done:    make(chan struct{}),
	}

	a.mu.Lock()
	previous := a.sessions[client]
	a.sessions[client] = s
	a.mu.Unlock()
	if previous != nil {
		previous.close()
	}
	a.logger.Info("client connected", "channel_id", ChannelID(WebSocketName, client))

	go s.writeLoop()
	s.readLoop()

	a.mu.Lock()
	if a.sessions[client] == s {
		delete(a.sessions, client)
	}
	a.mu.Unlock()
	s.close()
}

func (a *WebSocketAdapter) dispatch(msg models.NormalizedMessage) {
	a.mu.RLock()
	h, ctx := a.handler, a.ctx
	a.mu.RUnlock()
	if h == nil || ctx == nil {
		return
	}
	h(ctx, msg)
}

type wsSession struct {
	adapter *WebSocketAdapter
	client  string
	conn    *websocket.Conn
	send    chan []byte

	closeOnce sync.Once
	done      chan struct{}
}

func (s *wsSession) enqueue(data []byte) error {
	select {
	case <-s.done:
		return ErrNotConnected
	default:
	}
	select {
	case s.send <- data:
		return nil
	case <-s.done:
		return ErrNotConnected
	default:
		return fmt.Errorf("client %s is not reading", s.client)
	}
}

func (s *wsSession) close() {
	s.closeOnce.Do(func() {
		close(s.done)
		_ = s.conn.Close()
	})
}

func (s *wsSession) readLoop() {
	s.conn.SetReadLimit(wsMaxPayloadBytes)
	_ = s.conn.SetReadDeadline(time.Now().Add(wsPongWait)) //nolint:errcheck
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	channelID := ChannelID(WebSocketName, s.client)
	for {
		messageType, data, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		var frame wsFrame
		if err := json.Unmarshal(data, &frame); err != nil || frame.Type != "message" {
			_ = s.enqueue(mustJSON(wsFrame{Type: "error", Text: "expected a message frame"}))
			continue
		}
		if frame.Text == "" && len(frame.Attachments) == 0 {
			continue
		}
		s.adapter.dispatch(models.NormalizedMessage{
			ChannelID:   channelID,
			Text:        frame.Text,
			Attachments: frame.Attachments,
			ReceivedAt:  time.Now().UTC(),
		})
	}
}

func (s *wsSession) writeLoop() {
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case msg := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(wsWriteWait)) //nolint:errcheck
			if err := s.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				s.close()
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(wsWriteWait)) //nolint:errcheck
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.close()
				return
			}
		}
	}
}

func mustJSON(v any) []byte {
	data, _ := json.Marshal(v)
	return data
}
