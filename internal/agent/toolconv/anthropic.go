// Package toolconv converts tool definitions into each provider's wire format.
package toolconv

import (
	"encoding/json"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"

	"github.com/scalyclaw/scalyclaw-sub000/pkg/models"
)

// ToAnthropicTools converts tool definitions to Anthropic tool params.
func ToAnthropicTools(defs []models.ToolDefinition) ([]anthropic.ToolUnionParam, error) {
	if len(defs) == 0 {
		return nil, nil
	}
	result := make([]anthropic.ToolUnionParam, 0, len(defs))
	for _, def := range defs {
		param, err := ToAnthropicTool(def)
		if err != nil {
			return nil, err
		}
		result = append(result, param)
	}
	return result, nil
}

// ToAnthropicTool converts a single tool definition.
func ToAnthropicTool(def models.ToolDefinition) (anthropic.ToolUnionParam, error) {
	var schema anthropic.ToolInputSchemaParam
	if err := json.Unmarshal(schemaOrEmpty(def.InputSchema), &schema); err != nil {
		return anthropic.ToolUnionParam{}, fmt.Errorf("invalid tool schema for %s: %w", def.Name, err)
	}

	toolParam := anthropic.ToolUnionParamOfTool(schema, def.Name)
	if toolParam.OfTool == nil {
		return anthropic.ToolUnionParam{}, fmt.Errorf("invalid tool schema for %s: missing tool definition", def.Name)
	}
	toolParam.OfTool.Description = anthropic.String(def.Description)
	return toolParam, nil
}

func schemaOrEmpty(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage(`{"type":"object","properties":{}}`)
	}
	return raw
}

// SchemaMap decodes a schema into a map, falling back to an empty object.
func SchemaMap(raw json.RawMessage) map[string]any {
	var m map[string]any
	if err := json.Unmarshal(schemaOrEmpty(raw), &m); err != nil || m == nil {
		return map[string]any{"type": "object", "properties": map[string]any{}}
	}
	return m
}
