package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"
)

func newJob(id, queue string) *Job {
	return &Job{
		ID:        id,
		ToolName:  "execute_command",
		Queue:     queue,
		ChannelID: "chan-1",
		Payload:   Payload{ToolCallID: "call-" + id, ToolName: "execute_command", Input: json.RawMessage(`{"command":"ls"}`)},
	}
}

func TestMemoryQueue_Lifecycle(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue()

	if err := q.Enqueue(ctx, newJob("job-1", QueueTools)); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	if err := q.Enqueue(ctx, newJob("job-1", QueueTools)); err == nil {
		t.Error("duplicate id should be rejected")
	}

	claimed, err := q.Dequeue(ctx, QueueTools, "worker-a")
	if err != nil {
		t.Fatalf("Dequeue() error = %v", err)
	}
	if claimed.Status != StatusActive || claimed.WorkerID != "worker-a" || claimed.StartedAt.IsZero() {
		t.Errorf("claimed = %+v", claimed)
	}

	if err := q.Complete(ctx, "job-1", `{"stdout":"ok"}`); err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	got, err := q.Wait(ctx, "job-1")
	if err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	if got.Status != StatusCompleted || got.Result != `{"stdout":"ok"}` {
		t.Errorf("job = %+v", got)
	}

	if _, err := q.Get(ctx, "missing"); !errors.Is(err, ErrJobNotFound) {
		t.Errorf("Get(missing) error = %v", err)
	}
}

func TestMemoryQueue_DequeueBlocksUntilEnqueue(t *testing.T) {
	q := NewMemoryQueue()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	got := make(chan *Job, 1)
	go func() {
		job, err := q.Dequeue(ctx, QueueAgents, "w")
		if err != nil {
			t.Errorf("Dequeue() error = %v", err)
		}
		got <- job
	}()

	time.Sleep(20 * time.Millisecond)
	_ = q.Enqueue(ctx, newJob("tools-job", QueueTools))
	_ = q.Enqueue(ctx, newJob("agents-job", QueueAgents))

	select {
	case job := <-got:
		if job == nil || job.ID != "agents-job" {
			t.Errorf("dequeued %+v, want agents-job", job)
		}
	case <-ctx.Done():
		t.Fatal("Dequeue never returned")
	}
}

func TestMemoryQueue_FirstTerminalStateWins(t *testing.T) {
	tests := []struct {
		name  string
		first func(q *MemoryQueue) error
		then  func(q *MemoryQueue) error
		want  Status
	}{
		{
			name:  "cancel after complete",
			first: func(q *MemoryQueue) error { return q.Complete(context.Background(), "j", "done") },
			then:  func(q *MemoryQueue) error { return q.Cancel(context.Background(), "j") },
			want:  StatusCompleted,
		},
		{
			name:  "complete after cancel",
			first: func(q *MemoryQueue) error { return q.Cancel(context.Background(), "j") },
			then:  func(q *MemoryQueue) error { return q.Complete(context.Background(), "j", "late") },
			want:  StatusCancelled,
		},
		{
			name:  "fail after cancel",
			first: func(q *MemoryQueue) error { return q.Cancel(context.Background(), "j") },
			then:  func(q *MemoryQueue) error { return q.Fail(context.Background(), "j", "boom") },
			want:  StatusCancelled,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := NewMemoryQueue()
			_ = q.Enqueue(context.Background(), newJob("j", QueueTools))
			if err := tt.first(q); err != nil {
				t.Fatalf("first: %v", err)
			}
			if err := tt.then(q); err != nil {
				t.Fatalf("then: %v", err)
			}
			got, _ := q.Get(context.Background(), "j")
			if got.Status != tt.want {
				t.Errorf("status = %s, want %s", got.Status, tt.want)
			}
		})
	}
}

func TestMemoryQueue_CancelRacesCompletion(t *testing.T) {
	for i := 0; i < 50; i++ {
		q := NewMemoryQueue()
		ctx := context.Background()
		_ = q.Enqueue(ctx, newJob("j", QueueTools))
		_, _ = q.Dequeue(ctx, QueueTools, "w")

		var wg sync.WaitGroup
		wg.Add(2)
		go func() { defer wg.Done(); _ = q.Complete(ctx, "j", "ok") }()
		go func() { defer wg.Done(); _ = q.Cancel(ctx, "j") }()
		wg.Wait()

		got, err := q.Wait(ctx, "j")
		if err != nil {
			t.Fatalf("Wait() error = %v", err)
		}
		switch got.Status {
		case StatusCompleted:
			if got.Result != "ok" || got.Error != "" {
				t.Fatalf("completed job carries %+v", got)
			}
		case StatusCancelled:
			if got.Result != "" {
				t.Fatalf("cancelled job carries result %q", got.Result)
			}
		default:
			t.Fatalf("status = %s", got.Status)
		}
	}
}

func TestMemoryQueue_CancelledJobIsSkipped(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	q := NewMemoryQueue()
	_ = q.Enqueue(ctx, newJob("gone", QueueTools))
	_ = q.Cancel(ctx, "gone")

	if _, err := q.Dequeue(ctx, QueueTools, "w"); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Dequeue() error = %v, want deadline", err)
	}
}

func TestMemoryQueue_StatsPruneClose(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue()
	old := newJob("old", QueueTools)
	old.CreatedAt = time.Now().Add(-48 * time.Hour)
	_ = q.Enqueue(ctx, old)
	_ = q.Enqueue(ctx, newJob("new", QueueTools))
	_ = q.Enqueue(ctx, newJob("agent", QueueAgents))
	_ = q.Fail(ctx, "old", "boom")

	stats, _ := q.Stats(ctx)
	if len(stats) != 2 || stats[0].Queue != QueueAgents || stats[1].Queued != 1 || stats[1].Failed != 1 {
		t.Errorf("stats = %+v", stats)
	}

	pruned, _ := q.Prune(ctx, 24*time.Hour)
	if pruned != 1 {
		t.Errorf("pruned = %d, want 1", pruned)
	}

	_ = q.Close()
	if _, err := q.Dequeue(ctx, QueueTools, "w"); !errors.Is(err, ErrQueueClosed) {
		t.Errorf("Dequeue() after close error = %v", err)
	}
}

func TestTracker(t *testing.T) {
	tr := NewTracker()
	tr.Track("a", "j2")
	tr.Track("a", "j1")
	tr.Track("b", "j3")

	if got := tr.Jobs("a"); len(got) != 2 || got[0] != "j1" || got[1] != "j2" {
		t.Errorf("Jobs(a) = %v", got)
	}
	tr.Untrack("a", "j1")
	tr.Untrack("a", "j2")
	tr.Untrack("missing", "x")
	if got := tr.Jobs("a"); len(got) != 0 {
		t.Errorf("Jobs(a) after untrack = %v", got)
	}
	if got := tr.Jobs("b"); len(got) != 1 {
		t.Errorf("Jobs(b) = %v", got)
	}
}
