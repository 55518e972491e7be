package jobs

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/scalyclaw/scalyclaw-sub000/internal/storage"
)

// NotifyChannel is the Postgres NOTIFY channel used to wake consumers and
// waiters whenever a job changes.
const NotifyChannel = "scaly_jobs"

// Schema creates the jobs table.
var Schema = []string{
	`CREATE TABLE IF NOT EXISTS scaly_jobs (
		id TEXT PRIMARY KEY,
		tool_name TEXT NOT NULL,
		queue TEXT NOT NULL,
		channel_id TEXT,
		payload JSONB NOT NULL,
		status TEXT NOT NULL,
		result TEXT,
		error_message TEXT,
		worker_id TEXT,
		created_at TIMESTAMPTZ NOT NULL,
		started_at TIMESTAMPTZ,
		finished_at TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS idx_scaly_jobs_claim ON scaly_jobs (queue, status, created_at)`,
}

const jobColumns = `id, tool_name, queue, channel_id, payload, status, result, error_message, worker_id, created_at, started_at, finished_at`

// PostgresQueue implements Queue on a shared Postgres database. Claims use
// FOR UPDATE SKIP LOCKED so concurrent workers never take the same job.
type PostgresQueue struct {
	db     *sql.DB
	signal *storage.Signal
	poll   time.Duration
}

// NewPostgresQueue wraps db. signal may be nil, in which case blocking calls
// fall back to polling every poll interval.
func NewPostgresQueue(db *sql.DB, signal *storage.Signal, poll time.Duration) *PostgresQueue {
	if signal == nil {
		signal = storage.NewSignal()
	}
	if poll <= 0 {
		poll = 2 * time.Second
	}
	return &PostgresQueue{db: db, signal: signal, poll: poll}
}

// Enqueue inserts a queued job and notifies consumers.
func (q *PostgresQueue) Enqueue(ctx context.Context, job *Job) error {
	if job == nil || job.ID == "" {
		return fmt.Errorf("enqueue: job id is required")
	}
	payload, err := json.Marshal(job.Payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	createdAt := job.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	_, err = q.db.ExecContext(ctx, `
		INSERT INTO scaly_jobs (id, tool_name, queue, channel_id, payload, status, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`,
		job.ID,
		job.ToolName,
		job.Queue,
		nullableString(job.ChannelID),
		payload,
		string(StatusQueued),
		createdAt,
	)
	if err != nil {
		return fmt.Errorf("enqueue job: %w", err)
	}
	return storage.Notify(ctx, q.db, NotifyChannel, job.Queue)
}

// Dequeue claims the oldest queued job on queue, waiting for one if needed.
func (q *PostgresQueue) Dequeue(ctx context.Context, queue, workerID string) (*Job, error) {
	for {
		row := q.db.QueryRowContext(ctx, `
			UPDATE scaly_jobs
			SET status = $3, worker_id = $2, started_at = $4
			WHERE id = (
				SELECT id FROM scaly_jobs
				WHERE queue = $1 AND status = 'queued'
				ORDER BY created_at
				FOR UPDATE SKIP LOCKED
				LIMIT 1
			)
			RETURNING `+jobColumns,
			queue, workerID, string(StatusActive), time.Now(),
		)
		job, err := scanJob(row)
		if err == nil {
			return job, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("claim job: %w", err)
		}
		if err := q.signal.Wait(ctx, q.poll); err != nil {
			return nil, err
		}
	}
}

// Complete records a successful result.
func (q *PostgresQueue) Complete(ctx context.Context, id, result string) error {
	return q.finish(ctx, id, StatusCompleted, result, "")
}

// Fail records a failure.
func (q *PostgresQueue) Fail(ctx context.Context, id, message string) error {
	return q.finish(ctx, id, StatusFailed, "", message)
}

// Cancel moves a queued or active job to cancelled.
func (q *PostgresQueue) Cancel(ctx context.Context, id string) error {
	return q.finish(ctx, id, StatusCancelled, "", "job cancelled")
}

func (q *PostgresQueue) finish(ctx context.Context, id string, status Status, result, message string) error {
	res, err := q.db.ExecContext(ctx, `
		UPDATE scaly_jobs
		SET status = $2, result = $3, error_message = $4, finished_at = $5
		WHERE id = $1 AND status IN ('queued', 'active')
	`,
		id,
		string(status),
		nullableString(result),
		nullableString(message),
		time.Now(),
	)
	if err != nil {
		return fmt.Errorf("finish job: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		// Already terminal, or unknown.
		if _, err := q.Get(ctx, id); err != nil {
			return err
		}
		return nil
	}
	return storage.Notify(ctx, q.db, NotifyChannel, "done:"+id)
}

// Get returns a job by id.
func (q *PostgresQueue) Get(ctx context.Context, id string) (*Job, error) {
	row := q.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM scaly_jobs WHERE id = $1`, id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

// Wait polls the job until it is terminal, waking early on notifications.
func (q *PostgresQueue) Wait(ctx context.Context, id string) (*Job, error) {
	for {
		job, err := q.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if job.Status.Terminal() {
			return job, nil
		}
		if err := q.signal.Wait(ctx, q.poll); err != nil {
			return nil, err
		}
	}
}

// Stats returns per-queue counts.
func (q *PostgresQueue) Stats(ctx context.Context) ([]QueueStats, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT queue, status, COUNT(*) FROM scaly_jobs
		GROUP BY queue, status
		ORDER BY queue
	`)
	if err != nil {
		return nil, fmt.Errorf("queue stats: %w", err)
	}
	defer rows.Close()

	var out []QueueStats
	for rows.Next() {
		var (
			queue, status string
			count         int
		)
		if err := rows.Scan(&queue, &status, &count); err != nil {
			return nil, fmt.Errorf("scan stats: %w", err)
		}
		if len(out) == 0 || out[len(out)-1].Queue != queue {
			out = append(out, QueueStats{Queue: queue})
		}
		out[len(out)-1].add(Status(status), count)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("queue stats: %w", err)
	}
	return out, nil
}

// Prune removes finished jobs older than the given age.
func (q *PostgresQueue) Prune(ctx context.Context, olderThan time.Duration) (int64, error) {
	res, err := q.db.ExecContext(ctx, `
		DELETE FROM scaly_jobs
		WHERE status IN ('completed', 'failed', 'cancelled') AND created_at < $1
	`, time.Now().Add(-olderThan))
	if err != nil {
		return 0, fmt.Errorf("prune jobs: %w", err)
	}
	return res.RowsAffected()
}

// Close is a no-op; the database handle is owned by the caller.
func (q *PostgresQueue) Close() error {
	q.signal.Broadcast()
	return nil
}

type jobScanner interface {
	Scan(dest ...any) error
}

func scanJob(scanner jobScanner) (*Job, error) {
	var (
		job          Job
		status       string
		channelID    sql.NullString
		payload      []byte
		result       sql.NullString
		errorMessage sql.NullString
		workerID     sql.NullString
		startedAt    sql.NullTime
		finishedAt   sql.NullTime
	)
	if err := scanner.Scan(
		&job.ID,
		&job.ToolName,
		&job.Queue,
		&channelID,
		&payload,
		&status,
		&result,
		&errorMessage,
		&workerID,
		&job.CreatedAt,
		&startedAt,
		&finishedAt,
	); err != nil {
		return nil, err
	}
	job.Status = Status(status)
	job.ChannelID = channelID.String
	job.Result = result.String
	job.Error = errorMessage.String
	job.WorkerID = workerID.String
	if startedAt.Valid {
		job.StartedAt = startedAt.Time
	}
	if finishedAt.Valid {
		job.FinishedAt = finishedAt.Time
	}
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &job.Payload); err != nil {
			return nil, fmt.Errorf("unmarshal job payload: %w", err)
		}
	}
	return &job, nil
}

func nullableString(value string) sql.NullString {
	if value == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: value, Valid: true}
}
