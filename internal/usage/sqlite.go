package usage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver
)

// SQLiteLedger persists usage records in a local SQLite database.
type SQLiteLedger struct {
	db *sql.DB
}

// OpenSQLiteLedger opens (and migrates) a ledger at path. ":memory:" is allowed.
func OpenSQLiteLedger(path string) (*SQLiteLedger, error) {
	if path == "" {
		path = ":memory:"
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open usage database: %w", err)
	}
	// SQLite allows one writer; a single connection also keeps :memory: stable.
	db.SetMaxOpenConns(1)

	l := NewSQLiteLedgerWithDB(db)
	if err := l.migrate(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return l, nil
}

// NewSQLiteLedgerWithDB wraps an existing connection without migrating.
func NewSQLiteLedgerWithDB(db *sql.DB) *SQLiteLedger {
	return &SQLiteLedger{db: db}
}

func (l *SQLiteLedger) migrate(ctx context.Context) error {
	_, err := l.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS usage_records (
			id TEXT PRIMARY KEY,
			provider TEXT NOT NULL,
			model TEXT NOT NULL,
			type TEXT NOT NULL,
			channel_id TEXT,
			input_tokens INTEGER NOT NULL,
			output_tokens INTEGER NOT NULL,
			cost REAL NOT NULL,
			created_at INTEGER NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create usage_records table: %w", err)
	}
	if _, err := l.db.ExecContext(ctx, "CREATE INDEX IF NOT EXISTS idx_usage_created ON usage_records(created_at)"); err != nil {
		return fmt.Errorf("failed to create index: %w", err)
	}
	return nil
}

// RecordUsage inserts one record.
func (l *SQLiteLedger) RecordUsage(ctx context.Context, r Record) error {
	if r.Timestamp.IsZero() {
		r.Timestamp = time.Now()
	}
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO usage_records (id, provider, model, type, channel_id, input_tokens, output_tokens, cost, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, r.ID, r.Provider, r.Model, r.Type, nullString(r.ChannelID),
		r.Usage.InputTokens, r.Usage.OutputTokens, r.Cost, r.Timestamp.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to record usage: %w", err)
	}
	return nil
}

// Spend sums cost since the given time.
func (l *SQLiteLedger) Spend(ctx context.Context, since time.Time) (float64, error) {
	var total sql.NullFloat64
	err := l.db.QueryRowContext(ctx,
		"SELECT SUM(cost) FROM usage_records WHERE created_at >= ?", since.UnixMilli(),
	).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("failed to sum spend: %w", err)
	}
	return total.Float64, nil
}

// Totals returns token usage grouped by model since the given time.
func (l *SQLiteLedger) Totals(ctx context.Context, since time.Time) (map[string]Usage, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT model, SUM(input_tokens), SUM(output_tokens)
		FROM usage_records WHERE created_at >= ? GROUP BY model
	`, since.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("failed to query totals: %w", err)
	}
	defer rows.Close()

	out := make(map[string]Usage)
	for rows.Next() {
		var model string
		var u Usage
		if err := rows.Scan(&model, &u.InputTokens, &u.OutputTokens); err != nil {
			return nil, fmt.Errorf("failed to scan totals: %w", err)
		}
		out[model] = u
	}
	return out, rows.Err()
}

// Close closes the database.
func (l *SQLiteLedger) Close() error {
	return l.db.Close()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
