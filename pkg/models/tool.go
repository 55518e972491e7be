package models

import "encoding/json"

// ToolDefinition is the schema advertised to the language model for one tool.
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"input_schema"`
}
