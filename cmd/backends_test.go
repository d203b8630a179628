package cmd

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joescharf/sidecar/internal/search"
)

func TestSessionConfig_FromViper(t *testing.T) {
	dir := testEnv(t)
	viper.Set("boundary.change_cluster_size", 3)
	viper.Set("capture.buffer_size", 16)
	viper.Set("artifacts.targets", []string{"NOTES.md"})

	cfg := sessionConfig()
	assert.Equal(t, dir, cfg.DataDir)
	assert.Equal(t, 3, cfg.Boundary.ClusterSize)
	assert.Equal(t, 2*time.Minute, cfg.Boundary.ClusterWindow)
	assert.Equal(t, 16, cfg.Capture.BufferSize)
	assert.Equal(t, 20, cfg.Processor.EventThreshold)
	assert.Equal(t, 3, cfg.Synthesis.Retry.MaxAttempts)
	assert.Equal(t, "template", cfg.Synthesis.Backend)
	assert.Equal(t, []string{"NOTES.md"}, cfg.Targets)
	assert.Equal(t, filepath.Join(dir, "sidecar.db"), viper.GetString("db_path"))
}

func TestBuildBackends_Defaults(t *testing.T) {
	testEnv(t)

	b, err := buildBackends()
	require.NoError(t, err)
	assert.Nil(t, b.Narrator)
	assert.Empty(t, b.Synthesis)
	assert.Nil(t, b.DocWriter)
	assert.Equal(t, search.HashEmbedder{Dims: 256}, b.Embedder)
}

func TestBuildBackends_Errors(t *testing.T) {
	tests := []struct {
		key, value, want string
	}{
		{"embeddings.backend", "word2vec", "unknown embedder"},
		{"synthesis.backend", "clippy", "unknown provider"},
		{"narrative.backend", "clippy", "unknown provider"},
		{"artifacts.backend", "clippy", "unknown provider"},
	}
	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			testEnv(t)
			viper.Set(tt.key, tt.value)

			_, err := buildBackends()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
			assert.Contains(t, err.Error(), tt.key)
		})
	}
}

func TestProvidersConfig_EnvFallback(t *testing.T) {
	testEnv(t)
	t.Setenv("ANTHROPIC_API_KEY", "env-key")
	t.Setenv("XAI_API_KEY", "xai-key")

	pc := providersConfig()
	assert.Equal(t, "env-key", pc.Anthropic.APIKey)
	assert.Equal(t, "xai-key", pc.Grok.APIKey)
	assert.Equal(t, "https://api.x.ai/v1", pc.Grok.BaseURL)

	viper.Set("synthesis.anthropic.api_key", "file-key")
	assert.Equal(t, "file-key", providersConfig().Anthropic.APIKey)
}
