package memory

import (
	"context"
	"sync"
)

// MemoryStore keeps entries in process memory.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string][]Entry
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string][]Entry)}
}

func (s *MemoryStore) Put(ctx context.Context, entry Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[entry.ChannelID] = append(s.entries[entry.ChannelID], entry)
	return nil
}

func (s *MemoryStore) Search(ctx context.Context, q Query) ([]Result, error) {
	s.mu.RLock()
	entries := append([]Entry(nil), s.entries[q.ChannelID]...)
	s.mu.RUnlock()
	return rank(entries, q), nil
}

func (s *MemoryStore) Delete(ctx context.Context, channelID, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries := s.entries[channelID]
	for i, e := range entries {
		if e.ID == id {
			s.entries[channelID] = append(entries[:i:i], entries[i+1:]...)
			return true, nil
		}
	}
	return false, nil
}

func (s *MemoryStore) Count(ctx context.Context, channelID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries[channelID]), nil
}

func (s *MemoryStore) Close() error { return nil }
