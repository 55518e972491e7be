package progress

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/scalyclaw/scalyclaw-sub000/internal/channels"
	"github.com/scalyclaw/scalyclaw-sub000/pkg/models"
)

type sent struct {
	channel, text, path, caption string
}

type recordingSender struct {
	mu   sync.Mutex
	sent []sent
	err  error
}

func (r *recordingSender) Send(_ context.Context, channelID, text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, sent{channel: channelID, text: text})
	return r.err
}

func (r *recordingSender) SendFile(_ context.Context, channelID, path, caption string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, sent{channel: channelID, path: path, caption: caption})
	return r.err
}

func (r *recordingSender) snapshot() []sent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]sent(nil), r.sent...)
}

func TestMemoryBus_TakeIsReadAndClear(t *testing.T) {
	ctx := context.Background()
	bus := NewMemoryBus()
	_ = bus.Publish(ctx, "a", models.ProgressEvent{JobID: "1", Type: models.ProgressUpdate, Message: "one"})
	_ = bus.Publish(ctx, "b", models.ProgressEvent{JobID: "2", Type: models.ProgressUpdate, Message: "two"})
	_ = bus.Publish(ctx, "a", models.ProgressEvent{JobID: "3", Type: models.ProgressUpdate, Message: "three"})

	got, _ := bus.Take(ctx, "a")
	if len(got) != 2 || got[0].Message != "one" || got[1].Message != "three" {
		t.Fatalf("Take(a) = %+v", got)
	}
	if again, _ := bus.Take(ctx, "a"); len(again) != 0 {
		t.Errorf("second Take(a) = %+v", again)
	}

	all, _ := bus.TakeAll(ctx)
	if len(all) != 1 || all[0].ChannelID != "b" {
		t.Errorf("TakeAll() = %+v", all)
	}
}

func TestMemoryBus_ConcurrentConsumersDeliverOnce(t *testing.T) {
	ctx := context.Background()
	bus := NewMemoryBus()
	const n = 200

	var mu sync.Mutex
	seen := make(map[string]int)
	var wg sync.WaitGroup
	done := make(chan struct{})
	for c := 0; c < 3; c++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				events, _ := bus.TakeAll(ctx)
				mu.Lock()
				for _, ce := range events {
					seen[ce.Event.JobID]++
				}
				mu.Unlock()
				select {
				case <-done:
					return
				default:
				}
			}
		}()
	}
	for i := 0; i < n; i++ {
		_ = bus.Publish(ctx, "chan", models.ProgressEvent{JobID: fmt.Sprintf("job-%d", i), Type: models.ProgressUpdate})
	}
	close(done)
	wg.Wait()
	rest, _ := bus.TakeAll(ctx)
	for _, ce := range rest {
		seen[ce.Event.JobID]++
	}

	if len(seen) != n {
		t.Fatalf("saw %d distinct events, want %d", len(seen), n)
	}
	for id, count := range seen {
		if count != 1 {
			t.Errorf("event %s delivered %d times", id, count)
		}
	}
}

func TestDeliverer_EventActions(t *testing.T) {
	tests := []struct {
		name  string
		event models.ProgressEvent
		want  []sent
	}{
		{
			name:  "complete with file",
			event: models.ProgressEvent{JobID: "j", Type: models.ProgressComplete, FilePath: "/ws/out.png", Caption: "chart", Result: "ignored"},
			want:  []sent{{channel: "c", path: "/ws/out.png", caption: "chart"}},
		},
		{
			name:  "complete with result",
			event: models.ProgressEvent{JobID: "j", Type: models.ProgressComplete, Result: "42"},
			want:  []sent{{channel: "c", text: "42"}},
		},
		{
			name:  "progress message",
			event: models.ProgressEvent{JobID: "j", Type: models.ProgressUpdate, Message: "halfway"},
			want:  []sent{{channel: "c", text: "halfway"}},
		},
		{
			name:  "empty progress is dropped",
			event: models.ProgressEvent{JobID: "j", Type: models.ProgressUpdate},
		},
		{
			name:  "error",
			event: models.ProgressEvent{JobID: "j", Type: models.ProgressError, Error: "disk full"},
			want:  []sent{{channel: "c", text: "Error: disk full"}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sender := &recordingSender{}
			d := NewDeliverer(NewMemoryBus(), sender)
			d.Deliver(context.Background(), "c", tt.event)
			got := sender.snapshot()
			if len(got) != len(tt.want) {
				t.Fatalf("sent %+v, want %+v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("sent[%d] = %+v, want %+v", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestDeliverer_DrainAndRun(t *testing.T) {
	bus := NewMemoryBus()
	sender := &recordingSender{err: errors.New("adapter offline")}
	d := NewDeliverer(bus, sender, WithPollInterval(10*time.Millisecond))

	ctx := context.Background()
	_ = bus.Publish(ctx, "c", models.ProgressEvent{Type: models.ProgressUpdate, Message: "buffered"})
	n, err := d.Drain(ctx)
	if err != nil || n != 1 {
		t.Fatalf("Drain() = %d, %v", n, err)
	}
	if n, _ := d.Drain(ctx); n != 0 {
		t.Errorf("second Drain() = %d, events must not be redelivered", n)
	}

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- d.Run(runCtx) }()
	_ = NewPublisher(bus).Relay(ctx, "c", "live")

	deadline := time.After(time.Second)
	for len(sender.snapshot()) < 2 {
		select {
		case <-deadline:
			t.Fatal("live event not delivered")
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()
	if err := <-done; err != nil {
		t.Errorf("Run() error = %v", err)
	}
	if got := sender.snapshot()[1].text; got != "live" {
		t.Errorf("live text = %q", got)
	}
}

// nodeSender stands in for one node's adapters: it reaches only the
// channels it owns.
type nodeSender struct {
	recordingSender
	mu    sync.Mutex
	owned map[string]bool
}

func newNodeSender(owned ...string) *nodeSender {
	n := &nodeSender{owned: make(map[string]bool)}
	for _, id := range owned {
		n.owned[id] = true
	}
	return n
}

func (n *nodeSender) Channels() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []string
	for id, ok := range n.owned {
		if ok {
			out = append(out, id)
		}
	}
	return out
}

func (n *nodeSender) setOwned(id string, ok bool) {
	n.mu.Lock()
	n.owned[id] = ok
	n.mu.Unlock()
}

func (n *nodeSender) Send(ctx context.Context, channelID, text string) error {
	n.mu.Lock()
	ok := n.owned[channelID]
	n.mu.Unlock()
	if !ok {
		return channels.ErrNotConnected
	}
	return n.recordingSender.Send(ctx, channelID, text)
}

func TestDeliverer_SharedBusOnlyTakesOwnedChannels(t *testing.T) {
	ctx := context.Background()
	bus := NewMemoryBus()
	alice := newNodeSender("ws:alice")
	bob := newNodeSender("ws:bob")
	nodeA := NewDeliverer(bus, alice, WithOwner(alice))
	nodeB := NewDeliverer(bus, bob, WithOwner(bob))

	_ = bus.Publish(ctx, "ws:bob", models.ProgressEvent{Type: models.ProgressUpdate, Message: "for bob"})
	_ = bus.Publish(ctx, "ws:alice", models.ProgressEvent{Type: models.ProgressUpdate, Message: "for alice"})

	if n, err := nodeA.Drain(ctx); err != nil || n != 1 {
		t.Fatalf("nodeA Drain() = %d, %v", n, err)
	}
	if n, err := nodeB.Drain(ctx); err != nil || n != 1 {
		t.Fatalf("nodeB Drain() = %d, %v", n, err)
	}
	if got := alice.snapshot(); len(got) != 1 || got[0].text != "for alice" {
		t.Errorf("alice received %+v", got)
	}
	if got := bob.snapshot(); len(got) != 1 || got[0].text != "for bob" {
		t.Errorf("bob received %+v", got)
	}
}

func TestDeliverer_RequeuesWhenRecipientLeft(t *testing.T) {
	ctx := context.Background()
	bus := NewMemoryBus()
	node := newNodeSender("ws:alice")
	d := NewDeliverer(bus, node, WithOwner(ownerFunc(func() []string { return []string{"ws:alice"} })))

	node.setOwned("ws:alice", false)
	_ = bus.Publish(ctx, "ws:alice", models.ProgressEvent{Type: models.ProgressUpdate, Message: "while away"})
	if n, _ := d.Drain(ctx); n != 0 {
		t.Errorf("Drain() while offline = %d, want 0", n)
	}

	node.setOwned("ws:alice", true)
	if n, err := d.Drain(ctx); err != nil || n != 1 {
		t.Fatalf("Drain() after reconnect = %d, %v", n, err)
	}
	if got := node.snapshot(); len(got) != 1 || got[0].text != "while away" {
		t.Errorf("received %+v", got)
	}
}

type ownerFunc func() []string

func (f ownerFunc) Channels() []string { return f() }

func TestPostgresBus(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()
	bus := NewPostgresBus(db, nil)
	ctx := context.Background()

	ev := models.ProgressEvent{JobID: "j1", Type: models.ProgressComplete, Result: "done"}
	payload, _ := json.Marshal(ev)
	mock.ExpectExec("INSERT INTO scaly_progress").WithArgs("chan-1", payload).WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("SELECT pg_notify").WithArgs(NotifyChannel, "chan-1").WillReturnResult(sqlmock.NewResult(0, 0))
	if err := bus.Publish(ctx, "chan-1", ev); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	mock.ExpectQuery("DELETE FROM scaly_progress RETURNING").
		WillReturnRows(sqlmock.NewRows([]string{"id", "channel_id", "event"}).
			AddRow(int64(7), "chan-2", []byte(`{"jobId":"j2","type":"progress","message":"later"}`)).
			AddRow(int64(3), "chan-1", payload))
	all, err := bus.TakeAll(ctx)
	if err != nil {
		t.Fatalf("TakeAll() error = %v", err)
	}
	if len(all) != 2 || all[0].Event.JobID != "j1" || all[1].ChannelID != "chan-2" {
		t.Errorf("TakeAll() = %+v, want id order", all)
	}

	mock.ExpectQuery("DELETE FROM scaly_progress WHERE channel_id").
		WithArgs("chan-3").
		WillReturnRows(sqlmock.NewRows([]string{"id", "channel_id", "event"}))
	if got, err := bus.Take(ctx, "chan-3"); err != nil || len(got) != 0 {
		t.Errorf("Take() = %+v, %v", got, err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}
