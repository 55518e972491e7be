// Package tools holds the tools the orchestrator runs in-process: channel
// messaging, workspace files, long-term memory, reminders and catalog
// introspection. Tools that need a worker live in the dispatch package.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/scalyclaw/scalyclaw-sub000/internal/agent"
	"github.com/scalyclaw/scalyclaw-sub000/internal/cron"
	"github.com/scalyclaw/scalyclaw-sub000/internal/jobs"
	"github.com/scalyclaw/scalyclaw-sub000/internal/memory"
	"github.com/scalyclaw/scalyclaw-sub000/internal/skills"
	"github.com/scalyclaw/scalyclaw-sub000/internal/workspace"
)

// Sender delivers to a channel.
type Sender interface {
	Send(ctx context.Context, channelID, text string) error
	SendFile(ctx context.Context, channelID, path, caption string) error
}

// Deps are the collaborators of the local tools. Tools whose dependency is
// nil are left out.
type Deps struct {
	Sender    Sender
	Workspace *workspace.Workspace
	Memory    *memory.Manager
	Scheduler *cron.Scheduler
	Catalog   skills.Catalog
	Queue     jobs.Queue
	Logger    *slog.Logger
	// MaxReadBytes caps read_file. Zero uses 200000.
	MaxReadBytes int
}

// Local returns every local tool Deps can support.
func Local(deps Deps) []agent.Tool {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	var out []agent.Tool
	if deps.Sender != nil {
		out = append(out, SendMessage(deps.Sender))
		if deps.Workspace != nil {
			out = append(out, SendFile(deps.Sender, deps.Workspace))
		}
		if deps.Scheduler != nil {
			out = append(out, ScheduleMessage(deps.Scheduler, deps.Sender, deps.Logger))
		}
	}
	if deps.Workspace != nil {
		out = append(out, ReadFile(deps.Workspace, deps.MaxReadBytes), WriteFile(deps.Workspace), ListFiles(deps.Workspace))
	}
	if deps.Memory != nil {
		out = append(out, MemoryStore(deps.Memory), MemorySearch(deps.Memory))
	}
	if deps.Catalog != nil {
		out = append(out, ListSkills(deps.Catalog), ListAgents(deps.Catalog))
	}
	if deps.Queue != nil {
		out = append(out, QueueStats(deps.Queue))
	}
	return out
}

// typed adapts a function over a decoded input struct to agent.Tool. The
// returned value is marshalled as the tool result; a returned error becomes
// an error result the model can read.
type typed[T any] struct {
	name        string
	description string
	schema      json.RawMessage
	run         func(ctx context.Context, in T) (any, error)
}

func newTool[T any](name, description string, run func(ctx context.Context, in T) (any, error)) *typed[T] {
	return &typed[T]{
		name:        name,
		description: description,
		schema:      agent.SchemaFor[T](),
		run:         run,
	}
}

func (t *typed[T]) Name() string            { return t.name }
func (t *typed[T]) Description() string     { return t.description }
func (t *typed[T]) Schema() json.RawMessage { return t.schema }

func (t *typed[T]) Execute(ctx context.Context, params json.RawMessage) (*agent.ToolResult, error) {
	in, err := agent.DecodeInput[T](params)
	if err != nil {
		return toolError(err.Error()), nil
	}
	out, err := t.run(ctx, in)
	if err != nil {
		return toolError(err.Error()), nil
	}
	if s, ok := out.(string); ok {
		return &agent.ToolResult{Content: s}, nil
	}
	payload, err := json.Marshal(out)
	if err != nil {
		return toolError(fmt.Sprintf("encode result: %v", err)), nil
	}
	return &agent.ToolResult{Content: string(payload)}, nil
}

func toolError(message string) *agent.ToolResult {
	return &agent.ToolResult{Content: agent.ErrorJSON(message), IsError: true}
}

// targetChannel picks the explicit channel or the one the call runs for.
func targetChannel(ctx context.Context, explicit string) (string, error) {
	if explicit != "" {
		return explicit, nil
	}
	if info, ok := agent.CallInfoFromContext(ctx); ok && info.ChannelID != "" {
		return info.ChannelID, nil
	}
	return "", fmt.Errorf("no channel to address")
}
