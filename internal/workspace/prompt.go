package workspace

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// PromptFiles are appended to the system prompt when present, in this order.
var PromptFiles = []string{"IDENTITY.md", "AGENTS.md", "MEMORY.md"}

// LoadPrompt returns base followed by the contents of each prompt file that
// exists in the workspace. Empty files are skipped.
func (w *Workspace) LoadPrompt(base string) (string, error) {
	sections := []string{}
	if strings.TrimSpace(base) != "" {
		sections = append(sections, strings.TrimSpace(base))
	}
	for _, name := range PromptFiles {
		content, err := readOptionalFile(filepath.Join(w.root, name))
		if err != nil {
			return "", err
		}
		if content != "" {
			sections = append(sections, content)
		}
	}
	return strings.Join(sections, "\n\n"), nil
}

func readOptionalFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", nil
		}
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}
