package llm

import (
	"fmt"

	"github.com/samsaffron/chatty/internal/config"
)

// NewProvider creates the provider selected by cfg.Provider. Hosted
// providers retry transient failures.
func NewProvider(cfg *config.Config) (Provider, error) {
	var p Provider
	var err error
	switch cfg.Provider {
	case "anthropic":
		p, err = NewAnthropicProvider(cfg.Anthropic.APIKey, cfg.Anthropic.Model, cfg.Anthropic.MaxTokens)
	case "openai":
		p, err = NewOpenAIProvider(cfg.OpenAI.APIKey, cfg.OpenAI.Model, cfg.OpenAI.MaxTokens)
	case "debug":
		return NewDebugProvider(cfg.Debug.Variant), nil
	default:
		return nil, fmt.Errorf("unknown provider: %s", cfg.Provider)
	}
	if err != nil {
		return nil, err
	}
	return WrapWithRetry(p, DefaultRetryConfig()), nil
}
