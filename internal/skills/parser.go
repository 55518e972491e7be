package skills

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	// SkillFilename is the expected filename for skill definitions.
	SkillFilename = "SKILL.md"

	// AgentExt is the extension of agent definition files.
	AgentExt = ".md"

	// FrontmatterDelimiter marks the beginning and end of YAML frontmatter.
	FrontmatterDelimiter = "---"
)

// header holds the frontmatter keys shared by skills and agents.
type header struct {
	Enabled *bool `yaml:"enabled"`
}

// ParseSkillFile parses a SKILL.md file.
func ParseSkillFile(path string) (*Skill, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read file: %w", err)
	}
	return ParseSkill(data, filepath.Dir(path))
}

// ParseSkill parses SKILL.md content.
func ParseSkill(data []byte, dir string) (*Skill, error) {
	frontmatter, body, err := splitFrontmatter(data)
	if err != nil {
		return nil, fmt.Errorf("split frontmatter: %w", err)
	}

	var skill Skill
	if err := yaml.Unmarshal(frontmatter, &skill); err != nil {
		return nil, fmt.Errorf("parse frontmatter: %w", err)
	}
	var h header
	if err := yaml.Unmarshal(frontmatter, &h); err != nil {
		return nil, fmt.Errorf("parse frontmatter: %w", err)
	}
	skill.Enabled = h.Enabled == nil || *h.Enabled
	skill.Instructions = strings.TrimSpace(string(body))
	skill.Dir = dir

	if err := ValidateID(skill.ID); err != nil {
		return nil, err
	}
	if skill.Description == "" {
		return nil, fmt.Errorf("skill description is required")
	}
	switch skill.Language {
	case "python", "javascript", "bash":
	case "":
		return nil, fmt.Errorf("skill %s: language is required", skill.ID)
	default:
		return nil, fmt.Errorf("skill %s: unsupported language %q", skill.ID, skill.Language)
	}
	if skill.Script == "" {
		return nil, fmt.Errorf("skill %s: script is required", skill.ID)
	}
	if !filepath.IsLocal(skill.Script) {
		return nil, fmt.Errorf("skill %s: script must stay inside the skill directory", skill.ID)
	}
	return &skill, nil
}

// ParseAgentFile parses an agent definition.
func ParseAgentFile(path string) (*Agent, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read file: %w", err)
	}
	return ParseAgent(data)
}

// ParseAgent parses agent definition content.
func ParseAgent(data []byte) (*Agent, error) {
	frontmatter, body, err := splitFrontmatter(data)
	if err != nil {
		return nil, fmt.Errorf("split frontmatter: %w", err)
	}

	var agent Agent
	if err := yaml.Unmarshal(frontmatter, &agent); err != nil {
		return nil, fmt.Errorf("parse frontmatter: %w", err)
	}
	var h header
	if err := yaml.Unmarshal(frontmatter, &h); err != nil {
		return nil, fmt.Errorf("parse frontmatter: %w", err)
	}
	agent.Enabled = h.Enabled == nil || *h.Enabled
	agent.SystemPrompt = strings.TrimSpace(string(body))

	if err := ValidateID(agent.ID); err != nil {
		return nil, err
	}
	if agent.SystemPrompt == "" {
		return nil, fmt.Errorf("agent %s: system prompt body is required", agent.ID)
	}
	return &agent, nil
}

// splitFrontmatter separates YAML frontmatter from markdown body.
func splitFrontmatter(data []byte) ([]byte, []byte, error) {
	scanner := bufio.NewScanner(bytes.NewReader(data))

	if !scanner.Scan() {
		return nil, nil, fmt.Errorf("empty file")
	}
	if strings.TrimSpace(scanner.Text()) != FrontmatterDelimiter {
		return nil, nil, fmt.Errorf("missing opening frontmatter delimiter")
	}

	var frontmatterLines []string
	foundClosing := false
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == FrontmatterDelimiter {
			foundClosing = true
			break
		}
		frontmatterLines = append(frontmatterLines, line)
	}
	if !foundClosing {
		return nil, nil, fmt.Errorf("missing closing frontmatter delimiter")
	}

	var bodyLines []string
	for scanner.Scan() {
		bodyLines = append(bodyLines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, nil, fmt.Errorf("scanner error: %w", err)
	}

	return []byte(strings.Join(frontmatterLines, "\n")), []byte(strings.Join(bodyLines, "\n")), nil
}

// ValidateID checks that id is lowercase alphanumeric with hyphens.
func ValidateID(id string) error {
	if id == "" {
		return fmt.Errorf("name is required")
	}
	for _, r := range id {
		if !((r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '-') {
			return fmt.Errorf("name must be lowercase alphanumeric with hyphens: got %q", id)
		}
	}
	return nil
}
