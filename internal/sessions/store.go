// Package sessions persists the conversation history of each channel.
package sessions

import (
	"context"

	"github.com/scalyclaw/scalyclaw-sub000/pkg/models"
)

// DefaultHistoryLimit is used when GetHistory is called with limit <= 0.
const DefaultHistoryLimit = 50

// Store is the interface for conversation persistence.
type Store interface {
	// AppendMessages adds messages to the end of a channel's history.
	AppendMessages(ctx context.Context, channelID string, messages []models.ConversationMessage) error
	// GetHistory returns the last limit messages of a channel, oldest first,
	// with tool call pairing repaired.
	GetHistory(ctx context.Context, channelID string, limit int) ([]models.ConversationMessage, error)
	// Clear deletes a channel's history.
	Clear(ctx context.Context, channelID string) error
	Close() error
}
