package tools

import (
	"context"

	"github.com/scalyclaw/scalyclaw-sub000/internal/agent"
	"github.com/scalyclaw/scalyclaw-sub000/internal/memory"
)

// MemoryStoreInput is the input of memory_store.
type MemoryStoreInput struct {
	Content string   `json:"content" jsonschema:"required,minLength=1,description=Fact to remember"`
	Tags    []string `json:"tags,omitempty" jsonschema:"description=Short labels that help later searches"`
}

// MemoryStore remembers a fact for the current conversation.
func MemoryStore(m *memory.Manager) agent.Tool {
	return newTool("memory_store",
		"Remember a durable fact about the user or conversation for future turns.",
		func(ctx context.Context, in MemoryStoreInput) (any, error) {
			channelID, err := targetChannel(ctx, "")
			if err != nil {
				return nil, err
			}
			entry, err := m.Remember(ctx, channelID, in.Content, in.Tags)
			if err != nil {
				return nil, err
			}
			return map[string]any{"stored": true, "id": entry.ID}, nil
		})
}

// MemorySearchInput is the input of memory_search.
type MemorySearchInput struct {
	Query string `json:"query,omitempty" jsonschema:"description=What to look for; empty lists the most recent memories"`
	Limit int    `json:"limit,omitempty" jsonschema:"minimum=1,maximum=50"`
}

// MemorySearch recalls facts remembered for the current conversation.
func MemorySearch(m *memory.Manager) agent.Tool {
	return newTool("memory_search",
		"Search facts remembered earlier in this conversation.",
		func(ctx context.Context, in MemorySearchInput) (any, error) {
			channelID, err := targetChannel(ctx, "")
			if err != nil {
				return nil, err
			}
			results, err := m.Recall(ctx, channelID, in.Query, in.Limit)
			if err != nil {
				return nil, err
			}
			if results == nil {
				results = []memory.Result{}
			}
			return map[string]any{"results": results}, nil
		})
}
