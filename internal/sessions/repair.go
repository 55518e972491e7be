package sessions

import (
	"github.com/scalyclaw/scalyclaw-sub000/pkg/models"
)

// MissingResultContent stands in for a tool result that was never stored.
const MissingResultContent = `{"error":"tool result missing from history"}`

// RepairToolPairing makes a loaded history safe to send to a provider:
// every assistant tool call is followed by exactly one matching tool
// message, in call order. It moves results that were stored out of place
// directly after their call, drops orphan and duplicate results, and
// inserts a synthetic error result for calls that have none.
func RepairToolPairing(messages []models.ConversationMessage) []models.ConversationMessage {
	out := make([]models.ConversationMessage, 0, len(messages))
	seen := make(map[string]bool)

	for i := 0; i < len(messages); i++ {
		msg := messages[i]
		if msg.Role == models.RoleTool {
			// Results not claimed by a preceding assistant turn are orphans.
			continue
		}
		if msg.Role != models.RoleAssistant || len(msg.ToolCalls) == 0 {
			out = append(out, msg)
			continue
		}

		wanted := make(map[string]bool, len(msg.ToolCalls))
		for _, tc := range msg.ToolCalls {
			wanted[tc.ID] = true
		}
		results := make(map[string]models.ConversationMessage)
		var remainder []models.ConversationMessage

		j := i + 1
		for ; j < len(messages); j++ {
			next := messages[j]
			if next.Role == models.RoleAssistant {
				break
			}
			if next.Role == models.RoleTool {
				if wanted[next.ToolCallID] && !seen[next.ToolCallID] {
					seen[next.ToolCallID] = true
					results[next.ToolCallID] = next
				}
				continue
			}
			remainder = append(remainder, next)
		}

		out = append(out, msg)
		for _, tc := range msg.ToolCalls {
			if result, ok := results[tc.ID]; ok {
				out = append(out, result)
				continue
			}
			out = append(out, models.ConversationMessage{
				Role:       models.RoleTool,
				Content:    MissingResultContent,
				ToolCallID: tc.ID,
			})
		}
		out = append(out, remainder...)
		i = j - 1
	}
	return out
}
