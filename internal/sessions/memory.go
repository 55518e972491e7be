package sessions

import (
	"context"
	"sync"

	"github.com/scalyclaw/scalyclaw-sub000/pkg/models"
)

// MemoryStore keeps history in process memory.
type MemoryStore struct {
	mu       sync.RWMutex
	channels map[string][]models.ConversationMessage
	maxKeep  int
}

// NewMemoryStore creates a store that keeps at most maxKeep messages per
// channel; maxKeep <= 0 keeps everything.
func NewMemoryStore(maxKeep int) *MemoryStore {
	return &MemoryStore{
		channels: make(map[string][]models.ConversationMessage),
		maxKeep:  maxKeep,
	}
}

func (s *MemoryStore) AppendMessages(ctx context.Context, channelID string, messages []models.ConversationMessage) error {
	if len(messages) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	history := append(s.channels[channelID], models.CloneMessages(messages)...)
	if s.maxKeep > 0 && len(history) > s.maxKeep {
		history = append([]models.ConversationMessage(nil), history[len(history)-s.maxKeep:]...)
	}
	s.channels[channelID] = history
	return nil
}

func (s *MemoryStore) GetHistory(ctx context.Context, channelID string, limit int) ([]models.ConversationMessage, error) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	s.mu.RLock()
	history := s.channels[channelID]
	if len(history) > limit {
		history = history[len(history)-limit:]
	}
	out := models.CloneMessages(history)
	s.mu.RUnlock()
	return RepairToolPairing(out), nil
}

func (s *MemoryStore) Clear(ctx context.Context, channelID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.channels, channelID)
	return nil
}

func (s *MemoryStore) Close() error { return nil }
