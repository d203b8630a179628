// Package search indexes session events and narratives as vectors and ranks
// them against free-text queries.
package search

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"
	"time"
	"unicode"

	"github.com/zeebo/blake3"

	"github.com/joescharf/sidecar/internal/jobs"
)

// Embedder turns text into a vector.
type Embedder interface {
	Name() string
	Embed(ctx context.Context, text string) ([]float32, error)
}

// HashEmbedder is a deterministic feature-hashing embedder. Words and word
// bigrams are hashed into Dims buckets with a signed weight. It needs no
// model and is the default.
type HashEmbedder struct {
	Dims int
}

func (h HashEmbedder) Name() string { return "hash" }

func (h HashEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	dims := h.Dims
	if dims <= 0 {
		dims = 256
	}
	vec := make([]float32, dims)
	words := tokenize(text)
	add := func(feature string, weight float32) {
		sum := blake3.Sum256([]byte(feature))
		idx := binary.LittleEndian.Uint64(sum[:8]) % uint64(dims)
		if sum[8]&1 == 1 {
			weight = -weight
		}
		vec[idx] += weight
	}
	for i, w := range words {
		add(w, 1)
		if i > 0 {
			add(words[i-1]+" "+w, 0.5)
		}
	}
	return normalize(vec), nil
}

func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '_'
	})
}

func normalize(v []float32) []float32 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return v
	}
	n := float32(math.Sqrt(sum))
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = x / n
	}
	return out
}

const (
	DefaultOllamaURL   = "http://localhost:11434"
	DefaultOllamaModel = "nomic-embed-text"
)

// OllamaEmbedder calls an Ollama server's /api/embed endpoint. Server errors
// and transport failures are retried; other 4xx responses are not.
type OllamaEmbedder struct {
	URL    string
	Model  string
	Client *http.Client
	Retry  jobs.RetryPolicy
}

// NewOllamaEmbedder creates an embedder with defaults for empty fields.
func NewOllamaEmbedder(url, model string) *OllamaEmbedder {
	if url == "" {
		url = DefaultOllamaURL
	}
	if model == "" {
		model = DefaultOllamaModel
	}
	return &OllamaEmbedder{
		URL:    strings.TrimRight(url, "/"),
		Model:  model,
		Client: &http.Client{Timeout: 30 * time.Second},
		Retry: jobs.RetryPolicy{
			MaxAttempts:  4,
			InitialDelay: 500 * time.Millisecond,
			Multiplier:   2,
			MaxDelay:     5 * time.Second,
		},
	}
}

func (o *OllamaEmbedder) Name() string { return "ollama" }

type ollamaEmbedRequest struct {
	Model string `json:"model"`
	Input string `json:"input"`
}

type ollamaEmbedResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
}

func (o *OllamaEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	body, err := json.Marshal(ollamaEmbedRequest{Model: o.Model, Input: text})
	if err != nil {
		return nil, fmt.Errorf("marshal embed request: %w", err)
	}

	var vec []float32
	err = o.Retry.Do(ctx, func(ctx context.Context, _ int) error {
		v, err := o.post(ctx, body)
		if err != nil {
			return err
		}
		vec = v
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("ollama embed: %w", err)
	}
	return normalize(vec), nil
}

func (o *OllamaEmbedder) post(ctx context.Context, body []byte) ([]float32, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.URL+"/api/embed", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("embed request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("ollama returned %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
		if resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			return nil, jobs.Permanent(err)
		}
		return nil, err
	}

	var out ollamaEmbedResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, jobs.Permanent(fmt.Errorf("decode response: %w", err))
	}
	if len(out.Embeddings) == 0 || len(out.Embeddings[0]) == 0 {
		return nil, jobs.Permanent(errors.New("no embeddings returned"))
	}
	return out.Embeddings[0], nil
}
