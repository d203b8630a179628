package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/viper"

	"github.com/joescharf/sidecar/internal/artifacts"
	"github.com/joescharf/sidecar/internal/boundary"
	"github.com/joescharf/sidecar/internal/capture"
	"github.com/joescharf/sidecar/internal/jobs"
	"github.com/joescharf/sidecar/internal/llm"
	"github.com/joescharf/sidecar/internal/search"
	"github.com/joescharf/sidecar/internal/sessions"
	"github.com/joescharf/sidecar/internal/state"
	"github.com/joescharf/sidecar/internal/synthesis"
)

// sessionConfig maps config keys onto the manager's tunables.
func sessionConfig() sessions.Config {
	cfg := sessions.DefaultConfig()
	cfg.DataDir = viper.GetString("data_dir")

	cfg.Capture = capture.Config{
		BufferSize:    viper.GetInt("capture.buffer_size"),
		FlushInterval: viper.GetDuration("capture.flush_interval"),
		FlushBatch:    viper.GetInt("capture.flush_batch"),
		Retry: jobs.RetryPolicy{
			MaxAttempts:  5,
			InitialDelay: viper.GetDuration("capture.retry_initial"),
			Multiplier:   2,
			MaxDelay:     viper.GetDuration("capture.retry_max"),
		},
	}

	cfg.Processor = state.Config{
		EventThreshold: viper.GetInt("processor.event_count_threshold"),
		IdleTimeout:    viper.GetDuration("processor.idle_timeout"),
		Timeout:        viper.GetDuration("processing_timeout"),
		Limits: state.Limits{
			MaxDecisions:    viper.GetInt("processor.max_decisions"),
			MaxErrors:       viper.GetInt("processor.max_errors"),
			MaxQuestions:    viper.GetInt("processor.max_questions"),
			MaxFileContexts: viper.GetInt("processor.max_file_contexts"),
			MaxProgress:     state.DefaultLimits().MaxProgress,
		},
	}

	cfg.Boundary = boundary.Config{
		IdleGap:       viper.GetDuration("boundary.idle_gap_threshold"),
		ClusterSize:   viper.GetInt("boundary.change_cluster_size"),
		ClusterWindow: viper.GetDuration("boundary.change_cluster_window"),
	}

	retry := jobs.DefaultRetryPolicy()
	retry.MaxAttempts = viper.GetInt("synthesis.max_attempts")
	retry.InitialDelay = viper.GetDuration("synthesis.retry_initial")
	cfg.Synthesis = synthesis.Config{
		Backend: viper.GetString("synthesis.backend"),
		Timeout: viper.GetDuration("synthesis_timeout"),
		Retry:   retry,
	}

	cfg.Targets = viper.GetStringSlice("artifacts.targets")
	return cfg
}

// providersConfig reads the per-provider credential blocks. API keys fall
// back to the providers' usual environment variables.
func providersConfig() llm.ProvidersConfig {
	var pc llm.ProvidersConfig
	pc.Anthropic.APIKey = firstNonEmpty(viper.GetString("synthesis.anthropic.api_key"), os.Getenv("ANTHROPIC_API_KEY"))
	pc.Anthropic.Model = viper.GetString("synthesis.anthropic.model")
	pc.Vertex = llm.VertexConfig{
		ProjectID:       firstNonEmpty(viper.GetString("synthesis.vertex_anthropic.project_id"), os.Getenv("ANTHROPIC_VERTEX_PROJECT_ID")),
		Region:          viper.GetString("synthesis.vertex_anthropic.region"),
		Model:           viper.GetString("synthesis.vertex_anthropic.model"),
		CredentialsFile: viper.GetString("synthesis.vertex_anthropic.credentials_file"),
	}
	pc.OpenAI = llm.OpenAIConfig{
		APIKey:  firstNonEmpty(viper.GetString("synthesis.openai.api_key"), os.Getenv("OPENAI_API_KEY")),
		Model:   viper.GetString("synthesis.openai.model"),
		BaseURL: viper.GetString("synthesis.openai.base_url"),
	}
	pc.Grok = llm.OpenAIConfig{
		APIKey:  firstNonEmpty(viper.GetString("synthesis.grok.api_key"), os.Getenv("XAI_API_KEY")),
		Model:   viper.GetString("synthesis.grok.model"),
		BaseURL: viper.GetString("synthesis.grok.base_url"),
	}
	return pc
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

// buildBackends constructs the configured narrative, synthesis, artifact
// and embedding capabilities.
func buildBackends() (sessions.Backends, error) {
	var b sessions.Backends
	pc := providersConfig()
	budget := viper.GetInt("synthesis.max_prompt_tokens")

	if name := viper.GetString("narrative.backend"); name != "" && name != "rule" {
		gen, err := generator("narrative.backend", name, pc)
		if err != nil {
			return b, err
		}
		b.Narrator = &state.LLMNarrator{Gen: gen}
	}

	if name := viper.GetString("synthesis.backend"); name != "" && name != synthesis.BackendTemplate {
		gen, err := generator("synthesis.backend", name, pc)
		if err != nil {
			return b, err
		}
		b.Synthesis = append(b.Synthesis, &synthesis.LLMBackend{Gen: gen, MaxPromptTokens: budget})
	}

	if name := viper.GetString("artifacts.backend"); name != "" && name != "template" {
		gen, err := generator("artifacts.backend", name, pc)
		if err != nil {
			return b, err
		}
		b.DocWriter = &artifacts.LLMWriter{Gen: gen, MaxPromptTokens: budget}
	}

	switch name := viper.GetString("embeddings.backend"); name {
	case "", "hash":
		b.Embedder = search.HashEmbedder{Dims: viper.GetInt("embeddings.dimensions")}
	case "ollama":
		b.Embedder = search.NewOllamaEmbedder(viper.GetString("embeddings.ollama.url"), viper.GetString("embeddings.ollama.model"))
	default:
		return b, fmt.Errorf("embeddings.backend: unknown embedder %q (want hash or ollama)", name)
	}
	return b, nil
}

func generator(key, name string, pc llm.ProvidersConfig) (llm.Generator, error) {
	if !llm.IsProvider(name) {
		return nil, fmt.Errorf("%s: unknown provider %q", key, name)
	}
	return llm.New(name, pc)
}
