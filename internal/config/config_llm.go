package config

import "strings"

// ModelConfig describes one model the orchestrator may call.
type ModelConfig struct {
	ID            string `yaml:"id"`
	Provider      string `yaml:"provider"`
	ContextWindow int    `yaml:"context_window"`
	// InputPrice and OutputPrice are USD per million tokens.
	InputPrice  float64 `yaml:"input_price"`
	OutputPrice float64 `yaml:"output_price"`
	Enabled     bool    `yaml:"enabled"`
}

// ProvidersConfig holds credentials for each LLM backend.
type ProvidersConfig struct {
	Anthropic ProviderConfig `yaml:"anthropic"`
	OpenAI    ProviderConfig `yaml:"openai"`
	Google    ProviderConfig `yaml:"google"`
}

// ProviderConfig holds one provider's credentials.
type ProviderConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
}

func isKnownProvider(name string) bool {
	switch strings.ToLower(name) {
	case "anthropic", "openai", "google":
		return true
	}
	return false
}

// FindModel returns the configured model with the given id.
func (c *Config) FindModel(id string) (ModelConfig, bool) {
	for _, m := range c.Models {
		if m.ID == id {
			return m, true
		}
	}
	return ModelConfig{}, false
}

// EnabledModels returns the enabled subset of configured models.
func (c *Config) EnabledModels() []ModelConfig {
	var out []ModelConfig
	for _, m := range c.Models {
		if m.Enabled {
			out = append(out, m)
		}
	}
	return out
}
