// Package channels connects messaging surfaces to the node: adapters turn
// platform traffic into normalized messages and deliver replies back.
package channels

import (
	"context"
	"errors"
	"strings"

	"github.com/scalyclaw/scalyclaw-sub000/pkg/models"
)

var (
	// ErrNoAdapter is returned when no adapter owns a channel id.
	ErrNoAdapter = errors.New("no adapter for channel")

	// ErrNotConnected is returned when the recipient is not reachable.
	ErrNotConnected = errors.New("channel not connected")
)

// Handler receives inbound messages.
type Handler func(ctx context.Context, msg models.NormalizedMessage)

// Adapter is the interface that all channel adapters implement. Channel ids
// handled by an adapter are prefixed with its name and a colon, for example
// "ws:alice".
type Adapter interface {
	// Name is the adapter's channel id prefix.
	Name() string

	// Connect starts receiving messages; Disconnect stops and releases
	// connections.
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error

	Send(ctx context.Context, channelID, text string) error
	SendTyping(ctx context.Context, channelID string) error
	SendFile(ctx context.Context, channelID, path, caption string) error

	IsHealthy() bool

	// OnMessage installs the inbound handler. It is called before Connect.
	OnMessage(h Handler)
}

// Limiter is implemented by adapters whose platform caps message length.
type Limiter interface {
	MaxMessageLength() int
}

// Lister is implemented by adapters that know which channel ids they can
// reach right now.
type Lister interface {
	Channels() []string
}

// ChannelID builds a channel id owned by adapter.
func ChannelID(adapter, id string) string {
	return adapter + ":" + id
}

// SplitChannelID returns the adapter prefix and the platform id.
func SplitChannelID(channelID string) (adapter, id string, ok bool) {
	return strings.Cut(channelID, ":")
}
