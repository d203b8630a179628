package llm

import "fmt"

// Provider names accepted in configuration.
const (
	ProviderAnthropic = "anthropic"
	ProviderVertex    = "vertex_anthropic"
	ProviderOpenAI    = "openai"
	ProviderGrok      = "grok"
)

// ProvidersConfig carries credentials for every provider. Each consumer
// (synthesis, narrative, artifacts) selects one by name.
type ProvidersConfig struct {
	Anthropic struct {
		APIKey string
		Model  string
	}
	Vertex VertexConfig
	OpenAI OpenAIConfig
	Grok   OpenAIConfig
}

// IsProvider reports whether name selects an LLM provider.
func IsProvider(name string) bool {
	switch name {
	case ProviderAnthropic, ProviderVertex, ProviderOpenAI, ProviderGrok:
		return true
	}
	return false
}

// New builds the named provider.
func New(name string, cfg ProvidersConfig) (Generator, error) {
	switch name {
	case ProviderAnthropic:
		return NewAnthropic(cfg.Anthropic.APIKey, cfg.Anthropic.Model), nil
	case ProviderVertex:
		return NewVertex(cfg.Vertex), nil
	case ProviderOpenAI:
		return NewOpenAI(cfg.OpenAI), nil
	case ProviderGrok:
		return NewGrok(cfg.Grok), nil
	default:
		return nil, fmt.Errorf("unknown llm provider %q", name)
	}
}
