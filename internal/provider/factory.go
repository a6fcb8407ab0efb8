package provider

import (
	"fmt"
	"net/http"
)

const (
	APIOpenAI    = "openai-completions"
	APIAnthropic = "anthropic-messages"
)

// ProviderConfig mirrors config.ProviderConfig to avoid circular imports.
type ProviderConfig struct {
	ID      string
	BaseURL string
	APIKey  string
	API     string
	// HTTPClient overrides the default traced client when set.
	HTTPClient *http.Client
}

// FromConfig creates a Provider from a config entry. The api field
// determines which wire format to use:
//   - "openai-completions"  -> OpenAI-compatible (OpenAI, OVH, Ollama, vLLM, etc.)
//   - "anthropic-messages"  -> Anthropic Messages API
func FromConfig(cfg ProviderConfig) (Provider, error) {
	if cfg.ID == "" {
		return nil, fmt.Errorf("provider id is required")
	}
	switch cfg.API {
	case APIOpenAI, "":
		var opts []OpenAIOption
		if cfg.HTTPClient != nil {
			opts = append(opts, WithOpenAIHTTPClient(cfg.HTTPClient))
		}
		return NewOpenAIProvider(cfg.ID, cfg.BaseURL, cfg.APIKey, opts...), nil
	case APIAnthropic:
		var opts []AnthropicOption
		if cfg.HTTPClient != nil {
			opts = append(opts, WithAnthropicHTTPClient(cfg.HTTPClient))
		}
		return NewAnthropicProvider(cfg.ID, cfg.BaseURL, cfg.APIKey, opts...), nil
	default:
		return nil, fmt.Errorf("unknown api type %q for provider %q (supported: %s, %s)",
			cfg.API, cfg.ID, APIOpenAI, APIAnthropic)
	}
}
