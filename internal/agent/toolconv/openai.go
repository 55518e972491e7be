package toolconv

import (
	openai "github.com/sashabaranov/go-openai"

	"github.com/scalyclaw/scalyclaw-sub000/pkg/models"
)

// ToOpenAITools converts tool definitions to OpenAI function tools.
func ToOpenAITools(defs []models.ToolDefinition) []openai.Tool {
	if len(defs) == 0 {
		return nil
	}
	result := make([]openai.Tool, len(defs))
	for i, def := range defs {
		result[i] = openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        def.Name,
				Description: def.Description,
				Parameters:  SchemaMap(def.InputSchema),
			},
		}
	}
	return result
}
