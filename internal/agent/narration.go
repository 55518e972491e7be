package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/scalyclaw/scalyclaw-sub000/pkg/models"
)

var toolStatus = map[string]string{
	"execute_command": "Running a shell command",
	"execute_code":    "Running some code",
	"execute_skill":   "Running a skill",
	"delegate_agent":  "Handing this to a specialist agent",
	"memory_search":   "Checking my notes",
	"memory_store":    "Saving that for later",
	"read_file":       "Reading a file",
	"write_file":      "Writing a file",
	"list_files":      "Looking through the workspace",
	"send_file":       "Preparing a file",
}

// AutoStatus builds a short status line from a round's tool calls, used
// when the model called tools without saying anything.
func AutoStatus(calls []models.ToolCall) string {
	var phrases []string
	seen := make(map[string]bool)
	for _, c := range calls {
		name := c.Name
		switch name {
		case "submit_job":
			name = innerToolName(c.Input)
		case "submit_parallel_jobs":
			phrases = appendUnique(phrases, seen, "Running a few jobs in parallel")
			continue
		}
		if s, ok := toolStatus[name]; ok {
			phrases = appendUnique(phrases, seen, s)
		}
	}
	if len(phrases) == 0 {
		if len(calls) == 0 {
			return ""
		}
		return "Working on it..."
	}
	if len(phrases) > 2 {
		return fmt.Sprintf("%s and %d more...", phrases[0], len(phrases)-1)
	}
	return strings.Join(phrases, ", then ") + "..."
}

func innerToolName(input json.RawMessage) string {
	var in struct {
		ToolName string `json:"toolName"`
	}
	if err := json.Unmarshal(input, &in); err != nil {
		return ""
	}
	return in.ToolName
}

func appendUnique(list []string, seen map[string]bool, s string) []string {
	if seen[s] {
		return list
	}
	seen[s] = true
	return append(list, s)
}

// narrator relays interim text once per distinct message and remembers the
// last thing it sent so the final answer is not delivered twice.
type narrator struct {
	sink      ProgressSink
	channelID string
	last      string
	sent      map[string]bool
}

func newNarrator(sink ProgressSink, channelID string) *narrator {
	return &narrator{sink: sink, channelID: channelID, sent: make(map[string]bool)}
}

// relay sends text unless it was already sent. It reports whether it sent.
func (n *narrator) relay(ctx context.Context, text string) (bool, error) {
	text = strings.TrimSpace(text)
	if text == "" || n.sent[text] {
		return false, nil
	}
	n.sent[text] = true
	n.last = text
	if n.sink == nil {
		return true, nil
	}
	return true, n.sink.Relay(ctx, n.channelID, text)
}

// delivered reports whether text was already relayed.
func (n *narrator) delivered(text string) bool {
	return n.sent[strings.TrimSpace(text)]
}
