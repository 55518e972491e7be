package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver
)

// SQLiteStore persists entries in a local SQLite database. Embeddings are
// stored as little-endian float32 blobs and compared in Go.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLiteStore opens and migrates a store at path. ":memory:" is allowed.
func OpenSQLiteStore(path string) (*SQLiteStore, error) {
	if path == "" {
		path = ":memory:"
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open memory database: %w", err)
	}
	db.SetMaxOpenConns(1)
	s := &SQLiteStore{db: db}
	if err := s.migrate(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewSQLiteStoreWithDB wraps an existing connection without migrating.
func NewSQLiteStoreWithDB(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

func (s *SQLiteStore) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS memories (
			id TEXT PRIMARY KEY,
			channel_id TEXT NOT NULL,
			content TEXT NOT NULL,
			tags TEXT,
			embedding BLOB,
			created_at INTEGER NOT NULL
		)
	`); err != nil {
		return fmt.Errorf("failed to create memories table: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, "CREATE INDEX IF NOT EXISTS idx_memories_channel ON memories(channel_id, created_at)"); err != nil {
		return fmt.Errorf("failed to create index: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Put(ctx context.Context, entry Entry) error {
	tags, err := json.Marshal(entry.Tags)
	if err != nil {
		return fmt.Errorf("marshal tags: %w", err)
	}
	if _, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO memories (id, channel_id, content, tags, embedding, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.ChannelID, entry.Content, string(tags), encodeEmbedding(entry.Embedding), entry.CreatedAt.UnixMilli(),
	); err != nil {
		return fmt.Errorf("insert memory: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Search(ctx context.Context, q Query) ([]Result, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, channel_id, content, tags, embedding, created_at FROM memories WHERE channel_id = ? ORDER BY created_at DESC`,
		q.ChannelID,
	)
	if err != nil {
		return nil, fmt.Errorf("query memories: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			e         Entry
			tags      sql.NullString
			embedding []byte
			createdAt int64
		)
		if err := rows.Scan(&e.ID, &e.ChannelID, &e.Content, &tags, &embedding, &createdAt); err != nil {
			return nil, fmt.Errorf("scan memory: %w", err)
		}
		if tags.Valid && tags.String != "" {
			if err := json.Unmarshal([]byte(tags.String), &e.Tags); err != nil {
				return nil, fmt.Errorf("decode tags of %s: %w", e.ID, err)
			}
		}
		e.Embedding = decodeEmbedding(embedding)
		e.CreatedAt = time.UnixMilli(createdAt).UTC()
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("query memories: %w", err)
	}
	return rank(entries, q), nil
}

func (s *SQLiteStore) Delete(ctx context.Context, channelID, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM memories WHERE channel_id = ? AND id = ?`, channelID, id)
	if err != nil {
		return false, fmt.Errorf("delete memory: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete memory: %w", err)
	}
	return n > 0, nil
}

func (s *SQLiteStore) Count(ctx context.Context, channelID string) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM memories WHERE channel_id = ?`, channelID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count memories: %w", err)
	}
	return n, nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }
