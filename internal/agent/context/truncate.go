package context

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"
)

// ToolResultLimit returns the character cap for one tool result given the
// budget left in b.
func (m *Manager) ToolResultLimit(b *Budget) int {
	remainingChars := float64(b.Remaining()) * b.CharsPerToken
	limit := int(remainingChars * m.cfg.ToolResultShare)
	return min(max(limit, m.cfg.MinToolResultChars), m.cfg.MaxToolResultChars)
}

// TruncateToolResult caps a tool result to ToolResultLimit characters.
func (m *Manager) TruncateToolResult(result string, b *Budget) string {
	return TruncateToLimit(result, m.ToolResultLimit(b))
}

// TruncateToLimit shortens s to at most limit characters, preferring a JSON
// array head/tail slice, then a head/tail line slice, then a hard cut.
func TruncateToLimit(s string, limit int) string {
	if limit <= 0 {
		return ""
	}
	n := utf8.RuneCountInString(s)
	if n <= limit {
		return s
	}
	if out, ok := truncateJSONArray(s, limit); ok {
		return out
	}
	if out, ok := truncateLines(s, limit); ok {
		return out
	}
	return HardCut(s, limit)
}

// HardCut keeps the head of s and appends a notice with the original length.
func HardCut(s string, limit int) string {
	if limit <= 0 {
		return ""
	}
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	notice := fmt.Sprintf("\n[truncated: original length %d chars]", len(runes))
	noticeLen := utf8.RuneCountInString(notice)
	if noticeLen >= limit {
		return string(runes[:limit])
	}
	return string(runes[:limit-noticeLen]) + notice
}

func truncateJSONArray(s string, limit int) (string, bool) {
	trimmed := strings.TrimSpace(s)
	if !strings.HasPrefix(trimmed, "[") {
		return "", false
	}
	var items []json.RawMessage
	if err := json.Unmarshal([]byte(trimmed), &items); err != nil || len(items) < 2 {
		return "", false
	}
	compact := make([]string, len(items))
	for i, item := range items {
		var buf bytes.Buffer
		if err := json.Compact(&buf, item); err != nil {
			return "", false
		}
		compact[i] = buf.String()
	}

	build := func(kept int) string {
		head := (kept + 1) / 2
		tail := kept - head
		parts := make([]string, 0, kept+1)
		parts = append(parts, compact[:head]...)
		parts = append(parts, fmt.Sprintf("%q", fmt.Sprintf("... %d items omitted ...", len(items)-kept)))
		parts = append(parts, compact[len(items)-tail:]...)
		return "[" + strings.Join(parts, ",") + "]"
	}

	// Output length grows with the number of kept items, so search for the
	// largest count that fits.
	lo, hi, best := 0, len(items)-1, -1
	for lo <= hi {
		mid := (lo + hi) / 2
		if utf8.RuneCountInString(build(mid)) <= limit {
			best = mid
			lo = mid + 1
		} else {
			hi = mid - 1
		}
	}
	if best < 0 {
		return "", false
	}
	return build(best), true
}

func truncateLines(s string, limit int) (string, bool) {
	lines := strings.Split(s, "\n")
	if len(lines) < 3 {
		return "", false
	}
	// Worst-case marker length, since the omitted count is not known yet.
	markerLen := utf8.RuneCountInString(lineMarker(len(lines)))
	avail := limit - markerLen
	if avail <= 0 {
		return "", false
	}
	headBudget := avail * 6 / 10
	tailBudget := avail * 3 / 10

	head, used := 0, 0
	for head < len(lines) {
		l := utf8.RuneCountInString(lines[head]) + 1
		if used+l > headBudget {
			break
		}
		used += l
		head++
	}
	tail, usedTail := 0, 0
	for tail < len(lines)-head {
		l := utf8.RuneCountInString(lines[len(lines)-1-tail]) + 1
		if usedTail+l > tailBudget {
			break
		}
		usedTail += l
		tail++
	}
	if head == 0 && tail == 0 {
		return "", false
	}
	omitted := len(lines) - head - tail
	if omitted <= 0 {
		return "", false
	}

	var sb strings.Builder
	sb.WriteString(strings.Join(lines[:head], "\n"))
	sb.WriteString(lineMarker(omitted))
	sb.WriteString(strings.Join(lines[len(lines)-tail:], "\n"))
	out := sb.String()
	if utf8.RuneCountInString(out) > limit {
		return "", false
	}
	return out, true
}

func lineMarker(omitted int) string {
	return fmt.Sprintf("\n... [%d lines omitted] ...\n", omitted)
}
