package tools

import (
	"context"

	"github.com/scalyclaw/scalyclaw-sub000/internal/agent"
	"github.com/scalyclaw/scalyclaw-sub000/internal/jobs"
	"github.com/scalyclaw/scalyclaw-sub000/internal/skills"
)

type noInput struct{}

type skillSummary struct {
	ID          string `json:"id"`
	Description string `json:"description"`
	Language    string `json:"language"`
}

// ListSkills lists the enabled skills a job can run.
func ListSkills(catalog skills.Catalog) agent.Tool {
	return newTool("list_skills",
		"List installed skills. Run one with submit_job, toolName execute_skill.",
		func(ctx context.Context, _ noInput) (any, error) {
			out := []skillSummary{}
			for _, s := range catalog.Skills() {
				if !s.Enabled {
					continue
				}
				out = append(out, skillSummary{ID: s.ID, Description: s.Description, Language: s.Language})
			}
			return map[string]any{"skills": out}, nil
		})
}

type agentSummary struct {
	ID          string   `json:"id"`
	Description string   `json:"description"`
	Tools       []string `json:"tools,omitempty"`
}

// ListAgents lists the enabled sub-agents a job can delegate to.
func ListAgents(catalog skills.Catalog) agent.Tool {
	return newTool("list_agents",
		"List sub-agents. Hand one a task with submit_job, toolName delegate_agent.",
		func(ctx context.Context, _ noInput) (any, error) {
			out := []agentSummary{}
			for _, a := range catalog.Agents() {
				if !a.Enabled {
					continue
				}
				out = append(out, agentSummary{ID: a.ID, Description: a.Description, Tools: a.Tools})
			}
			return map[string]any{"agents": out}, nil
		})
}

// QueueStats reports job counts per worker queue.
func QueueStats(queue jobs.Queue) agent.Tool {
	return newTool("queue_stats",
		"Show how many worker jobs are queued, running and finished per queue.",
		func(ctx context.Context, _ noInput) (any, error) {
			stats, err := queue.Stats(ctx)
			if err != nil {
				return nil, err
			}
			if stats == nil {
				stats = []jobs.QueueStats{}
			}
			return map[string]any{"queues": stats}, nil
		})
}
