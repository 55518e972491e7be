package sessions

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver

	"github.com/scalyclaw/scalyclaw-sub000/pkg/models"
)

// SQLiteStore persists history in a local SQLite database.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// OpenSQLiteStore opens (and migrates) a store at path. ":memory:" is allowed.
func OpenSQLiteStore(path string) (*SQLiteStore, error) {
	if path == "" {
		path = ":memory:"
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open session database: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := NewSQLiteStoreWithDB(db)
	if err := s.migrate(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewSQLiteStoreWithDB wraps an existing connection without migrating.
func NewSQLiteStoreWithDB(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db, now: time.Now}
}

func (s *SQLiteStore) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS messages (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			channel_id TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			tool_calls TEXT,
			tool_call_id TEXT,
			created_at INTEGER NOT NULL
		)
	`); err != nil {
		return fmt.Errorf("failed to create messages table: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, "CREATE INDEX IF NOT EXISTS idx_messages_channel ON messages(channel_id, id)"); err != nil {
		return fmt.Errorf("failed to create index: %w", err)
	}
	return nil
}

func (s *SQLiteStore) AppendMessages(ctx context.Context, channelID string, messages []models.ConversationMessage) error {
	if len(messages) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback() //nolint:errcheck // Rollback after commit returns ErrTxDone which is expected
	}()

	createdAt := s.now().UnixMilli()
	for _, msg := range messages {
		var toolCalls sql.NullString
		if len(msg.ToolCalls) > 0 {
			data, err := json.Marshal(msg.ToolCalls)
			if err != nil {
				return fmt.Errorf("failed to marshal tool calls: %w", err)
			}
			toolCalls = sql.NullString{String: string(data), Valid: true}
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO messages (channel_id, role, content, tool_calls, tool_call_id, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
			channelID, string(msg.Role), msg.Content, toolCalls, nullable(msg.ToolCallID), createdAt,
		); err != nil {
			return fmt.Errorf("failed to append message: %w", err)
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) GetHistory(ctx context.Context, channelID string, limit int) ([]models.ConversationMessage, error) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT role, content, tool_calls, tool_call_id FROM (
			SELECT id, role, content, tool_calls, tool_call_id FROM messages
			WHERE channel_id = ? ORDER BY id DESC LIMIT ?
		) ORDER BY id ASC
	`, channelID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get history: %w", err)
	}
	defer rows.Close()

	var messages []models.ConversationMessage
	for rows.Next() {
		var (
			msg        models.ConversationMessage
			role       string
			toolCalls  sql.NullString
			toolCallID sql.NullString
		)
		if err := rows.Scan(&role, &msg.Content, &toolCalls, &toolCallID); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		msg.Role = models.Role(role)
		msg.ToolCallID = toolCallID.String
		if toolCalls.Valid && toolCalls.String != "" {
			if err := json.Unmarshal([]byte(toolCalls.String), &msg.ToolCalls); err != nil {
				return nil, fmt.Errorf("failed to unmarshal tool calls: %w", err)
			}
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to get history: %w", err)
	}
	return RepairToolPairing(messages), nil
}

func (s *SQLiteStore) Clear(ctx context.Context, channelID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE channel_id = ?`, channelID); err != nil {
		return fmt.Errorf("failed to clear history: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func nullable(value string) sql.NullString {
	return sql.NullString{String: value, Valid: value != ""}
}
