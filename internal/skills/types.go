// Package skills loads skill and agent definitions from disk and keeps them
// current while the process runs.
package skills

import (
	"errors"
	"time"
)

var (
	// ErrSkillNotFound is returned for an unknown skill id.
	ErrSkillNotFound = errors.New("skill not found")

	// ErrAgentNotFound is returned for an unknown agent id.
	ErrAgentNotFound = errors.New("agent not found")

	// ErrDisabled is returned when a definition exists but is switched off.
	ErrDisabled = errors.New("definition is disabled")
)

// Skill is a script a worker can run on demand.
type Skill struct {
	// ID is the unique skill identifier (lowercase, hyphens allowed).
	ID string `json:"id" yaml:"name"`

	Description string `json:"description" yaml:"description"`

	// Language selects the interpreter: python, javascript or bash.
	Language string `json:"language" yaml:"language"`

	// Script is the entry file, relative to Dir.
	Script string `json:"script" yaml:"script"`

	// Timeout overrides the worker's job timeout when set.
	Timeout time.Duration `json:"timeout,omitempty" yaml:"timeout"`

	Enabled bool `json:"enabled" yaml:"-"`

	// Instructions is the markdown body of the definition.
	Instructions string `json:"-" yaml:"-"`

	// Dir is the directory the definition was loaded from.
	Dir string `json:"-" yaml:"-"`
}

// Agent is a sub-agent that delegate_agent can hand a task to.
type Agent struct {
	ID          string `json:"id" yaml:"name"`
	Description string `json:"description" yaml:"description"`

	// Model overrides the node's orchestrator model.
	Model string `json:"model,omitempty" yaml:"model"`

	// Tools restricts the tools the agent may call. Empty means all local tools.
	Tools []string `json:"tools,omitempty" yaml:"tools"`

	MaxIterations int  `json:"maxIterations,omitempty" yaml:"max_iterations"`
	Enabled       bool `json:"enabled" yaml:"-"`

	// SystemPrompt is the markdown body of the definition.
	SystemPrompt string `json:"-" yaml:"-"`
}

// Catalog is the read side of a Store, as used by tools and workers.
type Catalog interface {
	Skill(id string) (*Skill, error)
	Agent(id string) (*Agent, error)
	Skills() []Skill
	Agents() []Agent
}
