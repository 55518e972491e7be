package progress

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/scalyclaw/scalyclaw-sub000/internal/storage"
	"github.com/scalyclaw/scalyclaw-sub000/pkg/models"
)

// NotifyChannel is the Postgres NOTIFY channel signalled on publish.
const NotifyChannel = "scaly_progress"

// Schema creates the progress buffer table.
var Schema = []string{
	`CREATE TABLE IF NOT EXISTS scaly_progress (
		id BIGSERIAL PRIMARY KEY,
		channel_id TEXT NOT NULL,
		event JSONB NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_scaly_progress_channel ON scaly_progress (channel_id, id)`,
}

// PostgresBus stores buffered events in a shared table. Takes use
// DELETE ... RETURNING so each row is handed to exactly one consumer.
type PostgresBus struct {
	db     *sql.DB
	signal *storage.Signal
}

// NewPostgresBus wraps db. signal may be nil, in which case Wait only polls.
func NewPostgresBus(db *sql.DB, signal *storage.Signal) *PostgresBus {
	if signal == nil {
		signal = storage.NewSignal()
	}
	return &PostgresBus{db: db, signal: signal}
}

// Publish inserts an event and notifies listeners.
func (b *PostgresBus) Publish(ctx context.Context, channelID string, event models.ProgressEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal progress event: %w", err)
	}
	if _, err := b.db.ExecContext(ctx,
		`INSERT INTO scaly_progress (channel_id, event) VALUES ($1, $2)`,
		channelID, payload,
	); err != nil {
		return fmt.Errorf("publish progress: %w", err)
	}
	return storage.Notify(ctx, b.db, NotifyChannel, channelID)
}

// Take removes and returns the events buffered for one channel.
func (b *PostgresBus) Take(ctx context.Context, channelID string) ([]models.ProgressEvent, error) {
	rows, err := b.take(ctx, `DELETE FROM scaly_progress WHERE channel_id = $1 RETURNING id, channel_id, event`, channelID)
	if err != nil {
		return nil, err
	}
	out := make([]models.ProgressEvent, len(rows))
	for i, r := range rows {
		out[i] = r.Event
	}
	return out, nil
}

// TakeAll removes and returns every buffered event in publish order.
func (b *PostgresBus) TakeAll(ctx context.Context) ([]models.ChannelEvent, error) {
	return b.take(ctx, `DELETE FROM scaly_progress RETURNING id, channel_id, event`)
}

func (b *PostgresBus) take(ctx context.Context, query string, args ...any) ([]models.ChannelEvent, error) {
	rows, err := b.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("take progress: %w", err)
	}
	defer rows.Close()

	type row struct {
		id int64
		ce models.ChannelEvent
	}
	var taken []row
	for rows.Next() {
		var (
			r       row
			payload []byte
		)
		if err := rows.Scan(&r.id, &r.ce.ChannelID, &payload); err != nil {
			return nil, fmt.Errorf("scan progress: %w", err)
		}
		if err := json.Unmarshal(payload, &r.ce.Event); err != nil {
			return nil, fmt.Errorf("unmarshal progress event: %w", err)
		}
		taken = append(taken, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("take progress: %w", err)
	}
	// RETURNING order is unspecified.
	sort.Slice(taken, func(i, j int) bool { return taken[i].id < taken[j].id })

	out := make([]models.ChannelEvent, len(taken))
	for i, r := range taken {
		out[i] = r.ce
	}
	return out, nil
}

// Wait blocks until a notification arrives or poll elapses.
func (b *PostgresBus) Wait(ctx context.Context, poll time.Duration) error {
	return b.signal.Wait(ctx, poll)
}
