// Package jobs holds job records, the shared job queue consumed by workers,
// and per-channel tracking of in-flight jobs.
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// Status represents the state of a job.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Queue names consumed by workers.
const (
	QueueTools  = "tools"
	QueueAgents = "agents"
)

var (
	// ErrJobNotFound is returned when a job id is unknown.
	ErrJobNotFound = errors.New("job not found")
	// ErrQueueClosed is returned by blocking calls after Close.
	ErrQueueClosed = errors.New("job queue closed")
)

// File is a workspace file shipped with a job.
type File struct {
	Name    string `json:"name"`
	Content []byte `json:"content"`
}

// Payload is what a worker receives for one tool invocation.
type Payload struct {
	ToolCallID string          `json:"toolCallId"`
	ToolName   string          `json:"toolName"`
	Input      json.RawMessage `json:"input"`
	ChannelID  string          `json:"channelId,omitempty"`
	// Origin is the id of the node waiting on the job.
	Origin string `json:"origin,omitempty"`
	// Secrets holds only the vault entries referenced by the input.
	Secrets map[string]string `json:"secrets,omitempty"`
	// Files holds only the workspace files referenced by the input.
	Files []File `json:"files,omitempty"`
	// Trace carries the propagated trace context.
	Trace map[string]string `json:"trace,omitempty"`
}

// Job is a queued tool execution.
type Job struct {
	ID         string    `json:"jobId"`
	ToolName   string    `json:"toolName"`
	Queue      string    `json:"queue"`
	ChannelID  string    `json:"channelId,omitempty"`
	Payload    Payload   `json:"payload"`
	Status     Status    `json:"status"`
	Result     string    `json:"result,omitempty"`
	Error      string    `json:"error,omitempty"`
	WorkerID   string    `json:"workerId,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
	StartedAt  time.Time `json:"startedAt,omitempty"`
	FinishedAt time.Time `json:"finishedAt,omitempty"`
}

// QueueStats counts jobs per state for one queue.
type QueueStats struct {
	Queue     string `json:"queue"`
	Queued    int    `json:"queued"`
	Active    int    `json:"active"`
	Completed int    `json:"completed"`
	Failed    int    `json:"failed"`
	Cancelled int    `json:"cancelled"`
}

func (s *QueueStats) add(status Status, n int) {
	switch status {
	case StatusQueued:
		s.Queued += n
	case StatusActive:
		s.Active += n
	case StatusCompleted:
		s.Completed += n
	case StatusFailed:
		s.Failed += n
	case StatusCancelled:
		s.Cancelled += n
	}
}

// Queue is the shared job queue between nodes and workers. Terminal
// transitions are first-writer-wins: completing a cancelled job, or
// cancelling a completed one, is a no-op.
type Queue interface {
	// Enqueue stores a queued job and wakes consumers of its queue.
	Enqueue(ctx context.Context, job *Job) error
	// Dequeue blocks until a job on queue can be claimed for workerID.
	Dequeue(ctx context.Context, queue, workerID string) (*Job, error)
	// Complete records a successful result.
	Complete(ctx context.Context, id, result string) error
	// Fail records a failure.
	Fail(ctx context.Context, id, message string) error
	// Cancel moves a queued or active job to cancelled. Workers observe
	// the change and abort.
	Cancel(ctx context.Context, id string) error
	// Get returns a snapshot of the job or ErrJobNotFound.
	Get(ctx context.Context, id string) (*Job, error)
	// Wait blocks until the job reaches a terminal state.
	Wait(ctx context.Context, id string) (*Job, error)
	// Stats returns per-queue counts.
	Stats(ctx context.Context) ([]QueueStats, error)
	// Prune removes finished jobs older than the given age.
	Prune(ctx context.Context, olderThan time.Duration) (int64, error)
	Close() error
}

func cloneJob(job *Job) *Job {
	if job == nil {
		return nil
	}
	clone := *job
	clone.Payload.Input = append(json.RawMessage(nil), job.Payload.Input...)
	if job.Payload.Secrets != nil {
		clone.Payload.Secrets = make(map[string]string, len(job.Payload.Secrets))
		for k, v := range job.Payload.Secrets {
			clone.Payload.Secrets[k] = v
		}
	}
	if job.Payload.Files != nil {
		clone.Payload.Files = append([]File(nil), job.Payload.Files...)
	}
	return &clone
}
