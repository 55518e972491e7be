package toolconv

import (
	"encoding/json"
	"testing"

	"google.golang.org/genai"

	"github.com/scalyclaw/scalyclaw-sub000/pkg/models"
)

var testDefs = []models.ToolDefinition{
	{
		Name:        "execute_command",
		Description: "Run a shell command",
		InputSchema: json.RawMessage(`{"type":"object","properties":{"command":{"type":"string"},"args":{"type":"array","items":{"type":"string"}}},"required":["command"]}`),
	},
	{Name: "queue_stats", Description: "Queue statistics"},
}

func TestToAnthropicTools(t *testing.T) {
	tools, err := ToAnthropicTools(testDefs)
	if err != nil {
		t.Fatalf("ToAnthropicTools() error = %v", err)
	}
	if len(tools) != 2 {
		t.Fatalf("got %d tools", len(tools))
	}
	if tools[0].OfTool == nil || tools[0].OfTool.Name != "execute_command" {
		t.Errorf("tool[0] = %+v", tools[0].OfTool)
	}

	if _, err := ToAnthropicTool(models.ToolDefinition{Name: "bad", InputSchema: json.RawMessage(`[`)}); err == nil {
		t.Error("expected error for malformed schema")
	}
}

func TestToOpenAITools(t *testing.T) {
	tools := ToOpenAITools(testDefs)
	if len(tools) != 2 {
		t.Fatalf("got %d tools", len(tools))
	}
	params, ok := tools[1].Function.Parameters.(map[string]any)
	if !ok || params["type"] != "object" {
		t.Errorf("empty schema should default to an object, got %#v", tools[1].Function.Parameters)
	}
}

func TestToGeminiTools(t *testing.T) {
	tools := ToGeminiTools(testDefs)
	if len(tools) != 1 || len(tools[0].FunctionDeclarations) != 2 {
		t.Fatalf("unexpected declarations: %+v", tools)
	}
	params := tools[0].FunctionDeclarations[0].Parameters
	if params.Type != genai.TypeObject {
		t.Errorf("type = %s", params.Type)
	}
	if params.Properties["args"].Items.Type != genai.TypeString {
		t.Errorf("items type = %s", params.Properties["args"].Items.Type)
	}
	if len(params.Required) != 1 || params.Required[0] != "command" {
		t.Errorf("required = %v", params.Required)
	}
}
