// Package memory keeps facts the assistant chose to remember per channel and
// finds them again by keyword overlap or, when an embedder is configured, by
// embedding similarity.
package memory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ErrEmptyContent is returned when asked to remember nothing.
var ErrEmptyContent = errors.New("memory content is empty")

// Entry is one remembered fact.
type Entry struct {
	ID        string    `json:"id"`
	ChannelID string    `json:"channelId"`
	Content   string    `json:"content"`
	Tags      []string  `json:"tags,omitempty"`
	Embedding []float32 `json:"-"`
	CreatedAt time.Time `json:"createdAt"`
}

// Result is a search hit.
type Result struct {
	Entry
	Score float64 `json:"score"`
}

// Query selects entries of one channel. Embedding is optional.
type Query struct {
	ChannelID string
	Text      string
	Embedding []float32
	Limit     int
}

// Store persists entries.
type Store interface {
	Put(ctx context.Context, entry Entry) error
	Search(ctx context.Context, q Query) ([]Result, error)
	Delete(ctx context.Context, channelID, id string) (bool, error)
	Count(ctx context.Context, channelID string) (int, error)
	Close() error
}

// Embedder turns text into a vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Manager adds id assignment and optional embeddings on top of a Store.
type Manager struct {
	store    Store
	embedder Embedder
	logger   *slog.Logger
	now      func() time.Time
}

// NewManager wraps store. embedder may be nil.
func NewManager(store Store, embedder Embedder, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		store:    store,
		embedder: embedder,
		logger:   logger.With("component", "memory"),
		now:      time.Now,
	}
}

// Remember stores content for channelID and returns the new entry.
func (m *Manager) Remember(ctx context.Context, channelID, content string, tags []string) (Entry, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return Entry{}, ErrEmptyContent
	}
	entry := Entry{
		ID:        uuid.NewString(),
		ChannelID: channelID,
		Content:   content,
		Tags:      normalizeTags(tags),
		CreatedAt: m.now().UTC(),
	}
	entry.Embedding = m.embed(ctx, content)
	if err := m.store.Put(ctx, entry); err != nil {
		return Entry{}, fmt.Errorf("remember: %w", err)
	}
	return entry, nil
}

// Recall returns up to limit entries of channelID ranked against query.
func (m *Manager) Recall(ctx context.Context, channelID, query string, limit int) ([]Result, error) {
	if limit <= 0 {
		limit = 5
	}
	q := Query{ChannelID: channelID, Text: query, Limit: limit}
	if strings.TrimSpace(query) != "" {
		q.Embedding = m.embed(ctx, query)
	}
	results, err := m.store.Search(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("recall: %w", err)
	}
	return results, nil
}

// Forget deletes one entry.
func (m *Manager) Forget(ctx context.Context, channelID, id string) (bool, error) {
	return m.store.Delete(ctx, channelID, id)
}

// Close closes the store.
func (m *Manager) Close() error { return m.store.Close() }

// Embeddings are best effort; keyword search still works without them.
func (m *Manager) embed(ctx context.Context, text string) []float32 {
	if m.embedder == nil {
		return nil
	}
	vec, err := m.embedder.Embed(ctx, text)
	if err != nil {
		m.logger.WarnContext(ctx, "embedding failed, falling back to keywords", "error", err)
		return nil
	}
	return vec
}

func normalizeTags(tags []string) []string {
	var out []string
	seen := make(map[string]bool, len(tags))
	for _, t := range tags {
		t = strings.ToLower(strings.TrimSpace(t))
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	return out
}
