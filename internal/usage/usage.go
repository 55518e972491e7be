// Package usage records token usage, estimates cost, and enforces spend limits.
package usage

import (
	"context"
	"sync"
	"time"
)

// Usage represents token usage for one or more requests.
type Usage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}

// Total returns the total token count.
func (u *Usage) Total() int64 {
	return u.InputTokens + u.OutputTokens
}

// Add adds another usage record to this one.
func (u *Usage) Add(other *Usage) {
	if other == nil {
		return
	}
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
}

// Cost represents pricing for a model (USD per million tokens).
type Cost struct {
	Input  float64 `json:"input" yaml:"input"`
	Output float64 `json:"output" yaml:"output"`
}

// Estimate calculates the estimated cost for the given usage.
func (c *Cost) Estimate(usage *Usage) float64 {
	if usage == nil {
		return 0
	}
	total := float64(usage.InputTokens)*c.Input + float64(usage.OutputTokens)*c.Output
	return total / 1_000_000
}

// Record types.
const (
	TypeOrchestrator = "orchestrator"
	TypeCompaction   = "compaction"
	TypeAgent        = "agent"
)

// Record is one ledger entry.
type Record struct {
	ID        string    `json:"id"`
	Provider  string    `json:"provider"`
	Model     string    `json:"model"`
	Type      string    `json:"type"`
	ChannelID string    `json:"channel_id,omitempty"`
	Usage     Usage     `json:"usage"`
	Cost      float64   `json:"cost,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Ledger persists usage records and answers spend queries.
type Ledger interface {
	RecordUsage(ctx context.Context, r Record) error
	// Spend returns the summed cost of records at or after since.
	Spend(ctx context.Context, since time.Time) (float64, error)
}

// MemoryLedger is an in-process Ledger.
type MemoryLedger struct {
	mu      sync.RWMutex
	records []Record
}

// NewMemoryLedger creates an empty in-memory ledger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{}
}

func (l *MemoryLedger) RecordUsage(_ context.Context, r Record) error {
	if r.Timestamp.IsZero() {
		r.Timestamp = time.Now()
	}
	l.mu.Lock()
	l.records = append(l.records, r)
	l.mu.Unlock()
	return nil
}

func (l *MemoryLedger) Spend(_ context.Context, since time.Time) (float64, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	total := 0.0
	for _, r := range l.records {
		if !r.Timestamp.Before(since) {
			total += r.Cost
		}
	}
	return total, nil
}

// Records returns a copy of all records.
func (l *MemoryLedger) Records() []Record {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]Record(nil), l.records...)
}
