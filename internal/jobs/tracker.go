package jobs

import (
	"sort"
	"sync"
)

// Tracker remembers which jobs are in flight for each channel so they can be
// cancelled together.
type Tracker struct {
	mu        sync.Mutex
	byChannel map[string]map[string]struct{}
}

// NewTracker returns an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{byChannel: make(map[string]map[string]struct{})}
}

// Track adds a job to a channel.
func (t *Tracker) Track(channelID, jobID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	set, ok := t.byChannel[channelID]
	if !ok {
		set = make(map[string]struct{})
		t.byChannel[channelID] = set
	}
	set[jobID] = struct{}{}
}

// Untrack removes a job. Empty channels are dropped.
func (t *Tracker) Untrack(channelID, jobID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	set, ok := t.byChannel[channelID]
	if !ok {
		return
	}
	delete(set, jobID)
	if len(set) == 0 {
		delete(t.byChannel, channelID)
	}
}

// Jobs returns the tracked job ids for a channel in sorted order.
func (t *Tracker) Jobs(channelID string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	set := t.byChannel[channelID]
	ids := make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
