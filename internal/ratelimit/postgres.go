package ratelimit

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Schema creates the shared rate limit table.
var Schema = []string{
	`CREATE TABLE IF NOT EXISTS scaly_rate_events (
		key TEXT NOT NULL,
		at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_scaly_rate_events_key_at ON scaly_rate_events (key, at)`,
}

// PostgresWindow is a sliding window shared by every node. Each check runs
// in one transaction holding an advisory lock on the key, so concurrent
// nodes cannot both take the last slot.
type PostgresWindow struct {
	db     *sql.DB
	config Config
	now    func() time.Time
}

// NewPostgresWindow wraps db.
func NewPostgresWindow(db *sql.DB, config Config) *PostgresWindow {
	return &PostgresWindow{db: db, config: config.normalized(), now: time.Now}
}

// Allow checks key and counts the message if allowed.
func (p *PostgresWindow) Allow(ctx context.Context, key string) (Decision, error) {
	if !p.config.Enabled {
		return Decision{Allowed: true, Remaining: p.config.MaxMessages}, nil
	}
	now := p.now().UTC()
	cutoff := now.Add(-p.config.Window)

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return Decision{}, fmt.Errorf("begin rate limit check: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, key); err != nil {
		return Decision{}, fmt.Errorf("lock rate limit key: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM scaly_rate_events WHERE key = $1 AND at <= $2`, key, cutoff); err != nil {
		return Decision{}, fmt.Errorf("expire rate events: %w", err)
	}

	var (
		count  int
		oldest sql.NullTime
	)
	if err := tx.QueryRowContext(ctx,
		`SELECT count(*), min(at) FROM scaly_rate_events WHERE key = $1`, key,
	).Scan(&count, &oldest); err != nil {
		return Decision{}, fmt.Errorf("count rate events: %w", err)
	}

	if count >= p.config.MaxMessages {
		decision := Decision{}
		if oldest.Valid {
			decision.RetryAfter = oldest.Time.Add(p.config.Window).Sub(now)
		}
		if err := tx.Commit(); err != nil {
			return Decision{}, fmt.Errorf("commit rate limit check: %w", err)
		}
		return decision, nil
	}

	if _, err := tx.ExecContext(ctx, `INSERT INTO scaly_rate_events (key, at) VALUES ($1, $2)`, key, now); err != nil {
		return Decision{}, fmt.Errorf("record rate event: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return Decision{}, fmt.Errorf("commit rate limit check: %w", err)
	}
	return Decision{Allowed: true, Remaining: p.config.MaxMessages - count - 1}, nil
}

// Reset clears the window for key.
func (p *PostgresWindow) Reset(ctx context.Context, key string) error {
	if _, err := p.db.ExecContext(ctx, `DELETE FROM scaly_rate_events WHERE key = $1`, key); err != nil {
		return fmt.Errorf("reset rate limit: %w", err)
	}
	return nil
}
