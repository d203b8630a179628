package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// DefaultAnthropicModel is used when no model is configured.
const DefaultAnthropicModel = "claude-haiku-4-5-20251001"

// AnthropicClient streams completions from the Anthropic Messages API.
type AnthropicClient struct {
	api   *anthropic.Client
	model anthropic.Model
	name  string
}

// NewAnthropic creates a client with the given API key and model.
func NewAnthropic(apiKey, model string, opts ...option.RequestOption) *AnthropicClient {
	if apiKey != "" {
		opts = append([]option.RequestOption{option.WithAPIKey(apiKey)}, opts...)
	}
	if model == "" {
		model = DefaultAnthropicModel
	}
	client := anthropic.NewClient(opts...)
	return &AnthropicClient{api: &client, model: anthropic.Model(model), name: ProviderAnthropic}
}

func (c *AnthropicClient) Name() string { return c.name }

// Generate streams the response and assembles the text blocks.
func (c *AnthropicClient) Generate(ctx context.Context, req Request) (string, error) {
	return streamMessage(ctx, c.api, c.name, anthropic.MessageNewParams{
		Model:     c.model,
		MaxTokens: defaultMaxTokens(req.MaxTokens),
		System:    []anthropic.TextBlockParam{{Text: req.System}},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(req.Prompt)),
		},
	})
}

func streamMessage(ctx context.Context, api *anthropic.Client, provider string, params anthropic.MessageNewParams) (string, error) {
	stream := api.Messages.NewStreaming(ctx, params)
	defer func() { _ = stream.Close() }()

	message := anthropic.Message{}
	for stream.Next() {
		if err := message.Accumulate(stream.Current()); err != nil {
			return "", backendError(provider, KindResponse, fmt.Errorf("accumulate stream: %w", err))
		}
	}
	if err := stream.Err(); err != nil {
		return "", classifyAnthropic(provider, err)
	}

	var sb strings.Builder
	for _, block := range message.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	text := StripFences(sb.String())
	if text == "" {
		return "", backendError(provider, KindResponse, errors.New("no text content in response"))
	}
	return text, nil
}

func classifyAnthropic(provider string, err error) error {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return backendError(provider, statusKind(apiErr.StatusCode), err)
	}
	return backendError(provider, KindTransport, err)
}
