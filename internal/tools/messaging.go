package tools

import (
	"context"
	"fmt"
	"os"

	"github.com/scalyclaw/scalyclaw-sub000/internal/agent"
	"github.com/scalyclaw/scalyclaw-sub000/internal/workspace"
)

// SendMessageInput is the input of send_message.
type SendMessageInput struct {
	Text      string `json:"text" jsonschema:"required,minLength=1,description=Message text"`
	ChannelID string `json:"channelId,omitempty" jsonschema:"description=Target channel; defaults to the current conversation"`
}

// SendMessage sends an interim message, useful for status updates before the
// final reply.
func SendMessage(sender Sender) agent.Tool {
	return newTool("send_message",
		"Send a message to the user now, before the final reply. Defaults to the current conversation.",
		func(ctx context.Context, in SendMessageInput) (any, error) {
			channelID, err := targetChannel(ctx, in.ChannelID)
			if err != nil {
				return nil, err
			}
			if err := sender.Send(ctx, channelID, in.Text); err != nil {
				return nil, fmt.Errorf("send: %w", err)
			}
			return map[string]any{"sent": true, "channelId": channelID}, nil
		})
}

// SendFileInput is the input of send_file.
type SendFileInput struct {
	Path      string `json:"path" jsonschema:"required,minLength=1,description=Workspace-relative file path"`
	Caption   string `json:"caption,omitempty"`
	ChannelID string `json:"channelId,omitempty" jsonschema:"description=Target channel; defaults to the current conversation"`
}

// SendFile sends a workspace file to a channel.
func SendFile(sender Sender, ws *workspace.Workspace) agent.Tool {
	return newTool("send_file",
		"Send a file from the workspace to the user, with an optional caption.",
		func(ctx context.Context, in SendFileInput) (any, error) {
			channelID, err := targetChannel(ctx, in.ChannelID)
			if err != nil {
				return nil, err
			}
			path, err := ws.Resolve(in.Path)
			if err != nil {
				return nil, err
			}
			info, err := os.Stat(path)
			if err != nil {
				return nil, fmt.Errorf("stat %s: %w", in.Path, err)
			}
			if info.IsDir() {
				return nil, fmt.Errorf("%s is a directory", in.Path)
			}
			if err := sender.SendFile(ctx, channelID, path, in.Caption); err != nil {
				return nil, fmt.Errorf("send file: %w", err)
			}
			return map[string]any{"sent": true, "path": ws.Rel(path), "channelId": channelID}, nil
		})
}
