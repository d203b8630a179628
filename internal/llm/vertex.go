package llm

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/vertex"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
)

const (
	cloudPlatformScope = "https://www.googleapis.com/auth/cloud-platform"
	// DefaultVertexModel is used when no model is configured.
	DefaultVertexModel = "claude-sonnet-4@20250514"
	// DefaultVertexRegion is used when no region is configured.
	DefaultVertexRegion = "us-east5"
)

// VertexConfig selects a Vertex AI project hosting Anthropic models.
type VertexConfig struct {
	ProjectID string
	Region    string
	Model     string
	// CredentialsFile is a service-account JSON key. Empty uses
	// Application Default Credentials.
	CredentialsFile string
}

// VertexClient calls Anthropic models through Vertex AI. Credentials are
// resolved on first use and the OAuth token is refreshed by its token source.
type VertexClient struct {
	cfg VertexConfig

	mu     sync.Mutex
	api    *anthropic.Client
	tokens oauth2.TokenSource
}

// NewVertex creates a Vertex client. No network or credential access happens
// until the first Generate call.
func NewVertex(cfg VertexConfig) *VertexClient {
	if cfg.Region == "" {
		cfg.Region = DefaultVertexRegion
	}
	if cfg.Model == "" {
		cfg.Model = DefaultVertexModel
	}
	return &VertexClient{cfg: cfg}
}

func (c *VertexClient) Name() string { return ProviderVertex }

func (c *VertexClient) client(ctx context.Context) (*anthropic.Client, oauth2.TokenSource, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.api != nil {
		return c.api, c.tokens, nil
	}
	if c.cfg.ProjectID == "" {
		return nil, nil, fmt.Errorf("vertex project_id is not configured")
	}

	creds, err := loadGoogleCredentials(ctx, c.cfg.CredentialsFile)
	if err != nil {
		return nil, nil, err
	}
	api := anthropic.NewClient(vertex.WithCredentials(context.Background(), c.cfg.Region, c.cfg.ProjectID, creds))
	c.api = &api
	c.tokens = creds.TokenSource
	return c.api, c.tokens, nil
}

func loadGoogleCredentials(ctx context.Context, file string) (*google.Credentials, error) {
	if file == "" {
		creds, err := google.FindDefaultCredentials(ctx, cloudPlatformScope)
		if err != nil {
			return nil, fmt.Errorf("find default credentials: %w", err)
		}
		return creds, nil
	}
	data, err := os.ReadFile(file)
	if err != nil {
		return nil, fmt.Errorf("read credentials file: %w", err)
	}
	creds, err := google.CredentialsFromJSON(ctx, data, cloudPlatformScope)
	if err != nil {
		return nil, fmt.Errorf("parse credentials file: %w", err)
	}
	return creds, nil
}

// Generate refreshes the access token if needed, then streams the response.
func (c *VertexClient) Generate(ctx context.Context, req Request) (string, error) {
	api, tokens, err := c.client(ctx)
	if err != nil {
		return "", backendError(ProviderVertex, KindAuth, err)
	}
	if _, err := tokens.Token(); err != nil {
		return "", backendError(ProviderVertex, KindAuth, fmt.Errorf("refresh token: %w", err))
	}

	return streamMessage(ctx, api, ProviderVertex, anthropic.MessageNewParams{
		Model:     anthropic.Model(c.cfg.Model),
		MaxTokens: defaultMaxTokens(req.MaxTokens),
		System:    []anthropic.TextBlockParam{{Text: req.System}},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(req.Prompt)),
		},
	})
}
