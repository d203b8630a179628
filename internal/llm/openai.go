package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

const (
	// DefaultOpenAIModel is used when no model is configured.
	DefaultOpenAIModel = "gpt-4o-mini"
	// DefaultGrokModel is used when no model is configured.
	DefaultGrokModel = "grok-3-mini"
	// GrokBaseURL is xAI's OpenAI-compatible endpoint.
	GrokBaseURL = "https://api.x.ai/v1"
)

// OpenAIConfig configures an OpenAI-compatible chat completion endpoint.
type OpenAIConfig struct {
	APIKey  string
	Model   string
	BaseURL string
}

// OpenAIClient streams chat completions from an OpenAI-compatible API.
type OpenAIClient struct {
	api   *openai.Client
	model string
	name  string
}

// NewOpenAI creates a client for api.openai.com or a compatible BaseURL.
func NewOpenAI(cfg OpenAIConfig) *OpenAIClient {
	if cfg.Model == "" {
		cfg.Model = DefaultOpenAIModel
	}
	return newOpenAICompatible(ProviderOpenAI, cfg)
}

// NewGrok creates a client for xAI's Grok models.
func NewGrok(cfg OpenAIConfig) *OpenAIClient {
	if cfg.Model == "" {
		cfg.Model = DefaultGrokModel
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = GrokBaseURL
	}
	return newOpenAICompatible(ProviderGrok, cfg)
}

func newOpenAICompatible(name string, cfg OpenAIConfig) *OpenAIClient {
	oc := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		oc.BaseURL = cfg.BaseURL
	}
	return &OpenAIClient{api: openai.NewClientWithConfig(oc), model: cfg.Model, name: name}
}

func (c *OpenAIClient) Name() string { return c.name }

// Generate streams the completion and concatenates the content deltas.
func (c *OpenAIClient) Generate(ctx context.Context, req Request) (string, error) {
	stream, err := c.api.CreateChatCompletionStream(ctx, openai.ChatCompletionRequest{
		Model:     c.model,
		MaxTokens: int(defaultMaxTokens(req.MaxTokens)),
		Stream:    true,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: req.System},
			{Role: openai.ChatMessageRoleUser, Content: req.Prompt},
		},
	})
	if err != nil {
		return "", classifyOpenAI(c.name, err)
	}
	defer func() { _ = stream.Close() }()

	var sb strings.Builder
	for {
		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", classifyOpenAI(c.name, err)
		}
		for _, choice := range resp.Choices {
			sb.WriteString(choice.Delta.Content)
		}
	}

	text := StripFences(sb.String())
	if text == "" {
		return "", backendError(c.name, KindResponse, errors.New("no text content in response"))
	}
	return text, nil
}

func classifyOpenAI(provider string, err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return backendError(provider, statusKind(apiErr.HTTPStatusCode), err)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return backendError(provider, statusKind(reqErr.HTTPStatusCode), err)
	}
	return backendError(provider, KindTransport, fmt.Errorf("stream: %w", err))
}
