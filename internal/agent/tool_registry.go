package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	invopop "github.com/invopop/jsonschema"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/scalyclaw/scalyclaw-sub000/pkg/models"
)

// Tool parameter limits to prevent resource exhaustion
const (
	// MaxToolNameLength is the maximum length of a tool name.
	MaxToolNameLength = 256

	// MaxToolParamsSize is the maximum size of tool parameters JSON (10MB).
	MaxToolParamsSize = 10 << 20
)

// ToolRegistry manages available tools with thread-safe registration and lookup.
// Each tool's input schema is compiled at registration so calls can be
// validated before they reach the tool.
type ToolRegistry struct {
	mu      sync.RWMutex
	tools   map[string]Tool
	schemas map[string]*jsonschema.Schema
}

// NewToolRegistry creates a new empty tool registry ready for tool registration.
func NewToolRegistry() *ToolRegistry {
	return &ToolRegistry{
		tools:   make(map[string]Tool),
		schemas: make(map[string]*jsonschema.Schema),
	}
}

// Register adds a tool to the registry by its name, replacing any tool with
// the same name. It fails when the tool's schema does not compile.
func (r *ToolRegistry) Register(tool Tool) error {
	name := tool.Name()
	if name == "" || len(name) > MaxToolNameLength {
		return fmt.Errorf("invalid tool name %q", name)
	}
	var compiled *jsonschema.Schema
	if raw := tool.Schema(); len(raw) > 0 {
		var err error
		compiled, err = jsonschema.CompileString(name+".schema.json", string(raw))
		if err != nil {
			return fmt.Errorf("compile schema for %s: %w", name, err)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[name] = tool
	if compiled != nil {
		r.schemas[name] = compiled
	} else {
		delete(r.schemas, name)
	}
	return nil
}

// MustRegister is Register for static tool sets; it panics on a bad schema.
func (r *ToolRegistry) MustRegister(tools ...Tool) {
	for _, t := range tools {
		if err := r.Register(t); err != nil {
			panic(err)
		}
	}
}

// Unregister removes a tool from the registry by name.
func (r *ToolRegistry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tools, name)
	delete(r.schemas, name)
}

// Get returns a tool by name and a boolean indicating if it was found.
func (r *ToolRegistry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, ok := r.tools[name]
	return tool, ok
}

// Names returns the registered tool names in sorted order.
func (r *ToolRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Definitions returns the schema advertised to the model, sorted by name.
func (r *ToolRegistry) Definitions() []models.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]models.ToolDefinition, 0, len(r.tools))
	for _, t := range r.tools {
		defs = append(defs, models.ToolDefinition{
			Name:        t.Name(),
			Description: t.Description(),
			InputSchema: t.Schema(),
		})
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

// Validate checks params against the tool's compiled schema.
func (r *ToolRegistry) Validate(name string, params json.RawMessage) error {
	r.mu.RLock()
	schema := r.schemas[name]
	r.mu.RUnlock()
	if schema == nil {
		return nil
	}
	var decoded any
	if len(params) == 0 {
		decoded = map[string]any{}
	} else if err := json.Unmarshal(params, &decoded); err != nil {
		return fmt.Errorf("input is not valid JSON: %w", err)
	}
	if err := schema.Validate(decoded); err != nil {
		return fmt.Errorf("invalid input: %w", err)
	}
	return nil
}

// Execute runs a tool by name with the given JSON parameters.
// Unknown tools and invalid parameters produce an error result, not an error.
func (r *ToolRegistry) Execute(ctx context.Context, name string, params json.RawMessage) (*ToolResult, error) {
	if len(name) > MaxToolNameLength {
		return &ToolResult{
			Content: ErrorJSON(fmt.Sprintf("tool name exceeds maximum length of %d characters", MaxToolNameLength)),
			IsError: true,
		}, nil
	}
	if len(params) > MaxToolParamsSize {
		return &ToolResult{
			Content: ErrorJSON(fmt.Sprintf("tool parameters exceed maximum size of %d bytes", MaxToolParamsSize)),
			IsError: true,
		}, nil
	}

	r.mu.RLock()
	tool, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return &ToolResult{Content: ErrorJSON("unknown tool: " + name), IsError: true}, nil
	}
	if err := r.Validate(name, params); err != nil {
		return &ToolResult{Content: ErrorJSON(err.Error()), IsError: true}, nil
	}
	return tool.Execute(ctx, params)
}

var schemaReflector = &invopop.Reflector{
	DoNotReference:             true,
	ExpandedStruct:             true,
	AllowAdditionalProperties:  false,
	RequiredFromJSONSchemaTags: true,
}

// SchemaFor reflects the JSON schema of a typed tool input.
func SchemaFor[T any]() json.RawMessage {
	schema := schemaReflector.Reflect(new(T))
	schema.Version = ""
	data, err := json.Marshal(schema)
	if err != nil {
		panic(fmt.Sprintf("reflect tool schema: %v", err))
	}
	return data
}

// DecodeInput unmarshals tool params into a typed input.
func DecodeInput[T any](params json.RawMessage) (T, error) {
	var in T
	if len(params) == 0 {
		return in, nil
	}
	if err := json.Unmarshal(params, &in); err != nil {
		return in, fmt.Errorf("decode input: %w", err)
	}
	return in, nil
}
