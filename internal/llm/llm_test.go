package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStripFences(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain", "feat: add parser", "feat: add parser"},
		{"fenced", "```\nfeat: add parser\n```", "feat: add parser"},
		{"fenced with language", "```markdown\n# Title\n\nBody\n```", "# Title\n\nBody"},
		{"whitespace", "  \n text \n", "text"},
		{"only fence", "```", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, StripFences(tt.in))
		})
	}
}

func TestBackendErrorKinds(t *testing.T) {
	assert.Equal(t, KindAuth, statusKind(401))
	assert.Equal(t, KindAuth, statusKind(403))
	assert.Equal(t, KindTransport, statusKind(429))
	assert.Equal(t, KindTransport, statusKind(503))
	assert.Equal(t, KindResponse, statusKind(400))

	err := backendError("openai", KindTransport, fmt.Errorf("wrap: %w", context.DeadlineExceeded))
	assert.Equal(t, KindTimeout, err.Kind)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.Contains(t, err.Error(), "openai timeout error")
}

func TestNew(t *testing.T) {
	var cfg ProvidersConfig
	for _, name := range []string{ProviderAnthropic, ProviderVertex, ProviderOpenAI, ProviderGrok} {
		g, err := New(name, cfg)
		require.NoError(t, err, name)
		assert.Equal(t, name, g.Name())
		assert.True(t, IsProvider(name))
	}

	_, err := New("template", cfg)
	assert.Error(t, err)
	assert.False(t, IsProvider("template"))
}

func TestVertexMissingProject(t *testing.T) {
	c := NewVertex(VertexConfig{})
	_, err := c.Generate(context.Background(), Request{Prompt: "hi"})
	var be *BackendError
	require.ErrorAs(t, err, &be)
	assert.Equal(t, KindAuth, be.Kind)
	assert.Equal(t, ProviderVertex, be.Provider)
}

func TestTruncate(t *testing.T) {
	text, cut := Truncate("short", 100)
	assert.False(t, cut)
	assert.Equal(t, "short", text)

	long := strings.Repeat("alpha beta gamma ", 500)
	text, cut = Truncate(long, 50)
	assert.True(t, cut)
	assert.Less(t, len(text), len(long))
	assert.LessOrEqual(t, CountTokens(text), 60)

	text, cut = Truncate(long, 0)
	assert.False(t, cut)
	assert.Equal(t, long, text)
}

func sseServer(t *testing.T, status int, body string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if status != http.StatusOK {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(status)
			_, _ = w.Write([]byte(body))
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

const anthropicStream = `event: message_start
data: {"type":"message_start","message":{"id":"msg_1","type":"message","role":"assistant","model":"claude-test","content":[],"stop_reason":null,"stop_sequence":null,"usage":{"input_tokens":5,"output_tokens":1}}}

event: content_block_start
data: {"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}

event: content_block_delta
data: {"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"feat: add"}}

event: content_block_delta
data: {"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":" parser"}}

event: content_block_stop
data: {"type":"content_block_stop","index":0}

event: message_delta
data: {"type":"message_delta","delta":{"stop_reason":"end_turn","stop_sequence":null},"usage":{"output_tokens":3}}

event: message_stop
data: {"type":"message_stop"}

`

func TestAnthropicGenerateStreams(t *testing.T) {
	srv := sseServer(t, http.StatusOK, anthropicStream)
	c := NewAnthropic("test-key", "claude-test", option.WithBaseURL(srv.URL), option.WithMaxRetries(0))

	text, err := c.Generate(context.Background(), Request{System: "sys", Prompt: "describe"})
	require.NoError(t, err)
	assert.Equal(t, "feat: add parser", text)
}

func TestAnthropicAuthFailure(t *testing.T) {
	srv := sseServer(t, http.StatusUnauthorized,
		`{"type":"error","error":{"type":"authentication_error","message":"invalid x-api-key"}}`)
	c := NewAnthropic("bad-key", "claude-test", option.WithBaseURL(srv.URL), option.WithMaxRetries(0))

	_, err := c.Generate(context.Background(), Request{Prompt: "describe"})
	var be *BackendError
	require.ErrorAs(t, err, &be)
	assert.Equal(t, KindAuth, be.Kind)
	assert.Equal(t, ProviderAnthropic, be.Provider)
}

const openAIStream = `data: {"id":"c1","object":"chat.completion.chunk","created":1,"model":"gpt-test","choices":[{"index":0,"delta":{"role":"assistant","content":"fix: handle"},"finish_reason":null}]}

data: {"id":"c1","object":"chat.completion.chunk","created":1,"model":"gpt-test","choices":[{"index":0,"delta":{"content":" empty input"},"finish_reason":"stop"}]}

data: [DONE]

`

func TestOpenAIGenerateStreams(t *testing.T) {
	srv := sseServer(t, http.StatusOK, openAIStream)
	c := NewOpenAI(OpenAIConfig{APIKey: "k", Model: "gpt-test", BaseURL: srv.URL + "/v1"})

	text, err := c.Generate(context.Background(), Request{System: "sys", Prompt: "describe"})
	require.NoError(t, err)
	assert.Equal(t, "fix: handle empty input", text)
}

func TestGrokUsesConfiguredBaseURL(t *testing.T) {
	srv := sseServer(t, http.StatusOK, openAIStream)
	c := NewGrok(OpenAIConfig{APIKey: "k", BaseURL: srv.URL + "/v1"})
	assert.Equal(t, ProviderGrok, c.Name())

	text, err := c.Generate(context.Background(), Request{Prompt: "describe"})
	require.NoError(t, err)
	assert.Equal(t, "fix: handle empty input", text)
}

func TestOpenAIAuthFailure(t *testing.T) {
	srv := sseServer(t, http.StatusUnauthorized,
		`{"error":{"message":"Incorrect API key","type":"invalid_request_error","code":"invalid_api_key"}}`)
	c := NewOpenAI(OpenAIConfig{APIKey: "bad", BaseURL: srv.URL + "/v1"})

	_, err := c.Generate(context.Background(), Request{Prompt: "describe"})
	var be *BackendError
	require.ErrorAs(t, err, &be)
	assert.Equal(t, KindAuth, be.Kind)
}

func TestOpenAITimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()
	c := NewOpenAI(OpenAIConfig{APIKey: "k", BaseURL: srv.URL + "/v1"})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := c.Generate(ctx, Request{Prompt: "describe"})
	var be *BackendError
	require.ErrorAs(t, err, &be)
	assert.Equal(t, KindTimeout, be.Kind)
}
