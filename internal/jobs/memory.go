package jobs

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryQueue keeps jobs in process memory. Nodes and workers must share
// the same instance, so it only serves single-process deployments and tests.
type MemoryQueue struct {
	mu      sync.Mutex
	jobs    map[string]*Job
	pending map[string][]string
	signal  chan struct{}
	closed  bool
}

// NewMemoryQueue returns an empty in-memory queue.
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{
		jobs:    make(map[string]*Job),
		pending: make(map[string][]string),
		signal:  make(chan struct{}),
	}
}

// broadcast wakes every waiter. Callers hold q.mu.
func (q *MemoryQueue) broadcast() {
	close(q.signal)
	q.signal = make(chan struct{})
}

// Enqueue stores a queued job.
func (q *MemoryQueue) Enqueue(ctx context.Context, job *Job) error {
	if job == nil || job.ID == "" {
		return fmt.Errorf("enqueue: job id is required")
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrQueueClosed
	}
	if _, exists := q.jobs[job.ID]; exists {
		return fmt.Errorf("enqueue: duplicate job id %s", job.ID)
	}
	stored := cloneJob(job)
	stored.Status = StatusQueued
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now()
	}
	q.jobs[job.ID] = stored
	q.pending[job.Queue] = append(q.pending[job.Queue], job.ID)
	q.broadcast()
	return nil
}

// Dequeue claims the oldest queued job on queue.
func (q *MemoryQueue) Dequeue(ctx context.Context, queue, workerID string) (*Job, error) {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return nil, ErrQueueClosed
		}
		ids := q.pending[queue]
		for len(ids) > 0 {
			id := ids[0]
			ids = ids[1:]
			job, ok := q.jobs[id]
			if !ok || job.Status != StatusQueued {
				continue
			}
			q.pending[queue] = ids
			job.Status = StatusActive
			job.WorkerID = workerID
			job.StartedAt = time.Now()
			q.broadcast()
			out := cloneJob(job)
			q.mu.Unlock()
			return out, nil
		}
		q.pending[queue] = ids
		wake := q.signal
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-wake:
		}
	}
}

// Complete records a successful result.
func (q *MemoryQueue) Complete(ctx context.Context, id, result string) error {
	return q.finish(id, StatusCompleted, result, "")
}

// Fail records a failure.
func (q *MemoryQueue) Fail(ctx context.Context, id, message string) error {
	return q.finish(id, StatusFailed, "", message)
}

// Cancel moves a queued or active job to cancelled.
func (q *MemoryQueue) Cancel(ctx context.Context, id string) error {
	return q.finish(id, StatusCancelled, "", "job cancelled")
}

func (q *MemoryQueue) finish(id string, status Status, result, message string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	job, ok := q.jobs[id]
	if !ok {
		return ErrJobNotFound
	}
	if job.Status.Terminal() {
		return nil
	}
	job.Status = status
	job.Result = result
	job.Error = message
	job.FinishedAt = time.Now()
	q.broadcast()
	return nil
}

// Get returns a snapshot of the job.
func (q *MemoryQueue) Get(ctx context.Context, id string) (*Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	job, ok := q.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	return cloneJob(job), nil
}

// Wait blocks until the job is terminal.
func (q *MemoryQueue) Wait(ctx context.Context, id string) (*Job, error) {
	for {
		q.mu.Lock()
		job, ok := q.jobs[id]
		if !ok {
			q.mu.Unlock()
			return nil, ErrJobNotFound
		}
		if job.Status.Terminal() {
			out := cloneJob(job)
			q.mu.Unlock()
			return out, nil
		}
		if q.closed {
			q.mu.Unlock()
			return nil, ErrQueueClosed
		}
		wake := q.signal
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-wake:
		}
	}
}

// Stats returns per-queue counts sorted by queue name.
func (q *MemoryQueue) Stats(ctx context.Context) ([]QueueStats, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	byQueue := make(map[string]*QueueStats)
	for _, job := range q.jobs {
		s, ok := byQueue[job.Queue]
		if !ok {
			s = &QueueStats{Queue: job.Queue}
			byQueue[job.Queue] = s
		}
		s.add(job.Status, 1)
	}
	out := make([]QueueStats, 0, len(byQueue))
	for _, s := range byQueue {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Queue < out[j].Queue })
	return out, nil
}

// Prune removes finished jobs created before now-olderThan.
func (q *MemoryQueue) Prune(ctx context.Context, olderThan time.Duration) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	cutoff := time.Now().Add(-olderThan)
	var pruned int64
	for id, job := range q.jobs {
		if job.Status.Terminal() && job.CreatedAt.Before(cutoff) {
			delete(q.jobs, id)
			pruned++
		}
	}
	return pruned, nil
}

// Close wakes all blocked callers with ErrQueueClosed.
func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		q.broadcast()
	}
	return nil
}
