package adapter

import (
	"fmt"

	"github.com/zen-systems/switchboard/pkg/config"
)

// Build creates every adapter whose credentials are configured. The mock
// adapter is always present.
func Build(cfg *config.Config) (map[string]Adapter, error) {
	adapters := make(map[string]Adapter)

	if cfg.AnthropicAPIKey != "" {
		a, err := NewAnthropicAdapter(cfg.AnthropicAPIKey)
		if err != nil {
			return nil, fmt.Errorf("failed to create anthropic adapter: %w", err)
		}
		adapters["anthropic"] = a
	}

	if cfg.OpenAIAPIKey != "" {
		a, err := NewOpenAIAdapter(cfg.OpenAIAPIKey)
		if err != nil {
			return nil, fmt.Errorf("failed to create openai adapter: %w", err)
		}
		adapters["openai"] = a
	}

	if cfg.GoogleAPIKey != "" {
		a, err := NewGoogleAdapter(cfg.GoogleAPIKey)
		if err != nil {
			return nil, fmt.Errorf("failed to create google adapter: %w", err)
		}
		adapters["google"] = a
	}

	if cfg.DeepSeekAPIKey != "" {
		a, err := NewDeepSeekAdapter(cfg.DeepSeekAPIKey)
		if err != nil {
			return nil, fmt.Errorf("failed to create deepseek adapter: %w", err)
		}
		adapters["deepseek"] = a
	}

	if cfg.OllamaHost != "" {
		a, err := NewOllamaAdapter(cfg.OllamaHost)
		if err != nil {
			return nil, fmt.Errorf("failed to create ollama adapter: %w", err)
		}
		adapters["ollama"] = a
	}

	adapters["mock"] = NewMockAdapter()
	return adapters, nil
}
