package search

import (
	"context"
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joescharf/sidecar/internal/jobs"
	"github.com/joescharf/sidecar/internal/models"
	"github.com/joescharf/sidecar/internal/store"
)

func norm(v []float32) float64 {
	var s float64
	for _, x := range v {
		s += float64(x) * float64(x)
	}
	return math.Sqrt(s)
}

func TestHashEmbedder(t *testing.T) {
	e := HashEmbedder{Dims: 128}
	a, err := e.Embed(context.Background(), "Parse the JSON config file")
	require.NoError(t, err)
	b, err := e.Embed(context.Background(), "parse the json config file!")
	require.NoError(t, err)
	c, err := e.Embed(context.Background(), "Deploy the kubernetes cluster")
	require.NoError(t, err)

	assert.Len(t, a, 128)
	assert.InDelta(t, 1.0, norm(a), 1e-5)
	assert.Equal(t, a, b)
	assert.Greater(t, dot(a, b), dot(a, c))

	empty, err := e.Embed(context.Background(), "  ")
	require.NoError(t, err)
	assert.Zero(t, norm(empty))
}

func ollamaServer(t *testing.T, handler func(n int32, w http.ResponseWriter)) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/embed", r.URL.Path)
		var req ollamaEmbedRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "nomic-embed-text", req.Model)
		handler(calls.Add(1), w)
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func fastOllama(url string) *OllamaEmbedder {
	o := NewOllamaEmbedder(url, "")
	o.Retry = jobs.RetryPolicy{MaxAttempts: 3, InitialDelay: time.Millisecond}
	return o
}

func TestOllamaEmbedderRetriesServerErrors(t *testing.T) {
	srv, calls := ollamaServer(t, func(n int32, w http.ResponseWriter) {
		if n == 1 {
			http.Error(w, "loading model", http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"embeddings":[[3,4]]}`))
	})

	vec, err := fastOllama(srv.URL+"/").Embed(context.Background(), "hello")
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float32{0.6, 0.8}, vec, 1e-6)
	assert.Equal(t, int32(2), calls.Load())
}

func TestOllamaEmbedderClientErrorIsPermanent(t *testing.T) {
	srv, calls := ollamaServer(t, func(_ int32, w http.ResponseWriter) {
		http.Error(w, `{"error":"model not found"}`, http.StatusNotFound)
	})

	_, err := fastOllama(srv.URL).Embed(context.Background(), "hello")
	assert.ErrorContains(t, err, "model not found")
	assert.Equal(t, int32(1), calls.Load())
}

func TestOllamaEmbedderGivesUp(t *testing.T) {
	srv, calls := ollamaServer(t, func(_ int32, w http.ResponseWriter) {
		http.Error(w, "boom", http.StatusInternalServerError)
	})

	_, err := fastOllama(srv.URL).Embed(context.Background(), "hello")
	assert.ErrorContains(t, err, "ollama returned 500")
	assert.Equal(t, int32(3), calls.Load())
}

func newStore(t *testing.T) (*store.SQLiteStore, *models.SidecarSession) {
	t.Helper()
	dir := t.TempDir()
	s, err := store.NewSQLiteStore(filepath.Join(dir, "test.db"))
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { s.Close() })

	sess := &models.SidecarSession{WorkspaceRoot: dir}
	require.NoError(t, s.CreateSession(context.Background(), sess))
	return s, sess
}

func TestIndexSearch(t *testing.T) {
	s, sess := newStore(t)
	ctx := context.Background()
	ts := time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)

	payloads := []struct {
		kind    models.EventKind
		payload any
	}{
		{models.EventUserPrompt, models.UserPromptPayload{Text: "Add a JSON config parser"}},
		{models.EventToolCall, models.ToolCallPayload{Tool: "read", Success: true}},
		{models.EventReasoning, models.ReasoningPayload{Content: "Retry the kubernetes deployment with backoff"}},
		{models.EventFileChange, models.FileChangePayload{Path: "x.go"}},
		{models.EventToolCall, models.ToolCallPayload{Tool: "go test", Error: "config parser panics on empty input"}},
	}
	var events []models.SessionEvent
	for i, p := range payloads {
		e, err := models.NewEvent(sess.ID, ts.Add(time.Duration(i)*time.Second), p.kind, p.payload)
		require.NoError(t, err)
		e.ID = models.NewID(e.Timestamp)
		e.Seq = int64(i + 1)
		events = append(events, e)
	}
	require.NoError(t, s.AppendEvents(ctx, events))

	ix := NewIndex(s, HashEmbedder{Dims: 256}, nil)
	require.NoError(t, ix.IndexEvents(ctx, sess.ID, events))

	st := models.NewSessionState(sess.ID)
	st.LastSeq = 5
	st.Narrative = "Building a JSON config parser and fixing a panic."
	require.NoError(t, ix.IndexState(ctx, st))

	stored, err := s.ListEmbeddings(ctx, sess.ID)
	require.NoError(t, err)
	assert.Len(t, stored, 4)

	results, err := ix.Search(ctx, sess.ID, "JSON config parser", 2)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.GreaterOrEqual(t, results[0].Score, results[1].Score)
	for _, r := range results {
		assert.NotContains(t, r.Text, "kubernetes")
		if r.Kind == models.EmbeddingEvent {
			require.NotNil(t, r.Event)
			assert.Equal(t, r.Seq, r.Event.Seq)
		}
	}

	// Re-indexing replaces rather than duplicates.
	require.NoError(t, ix.IndexEvents(ctx, sess.ID, events))
	stored, err = s.ListEmbeddings(ctx, sess.ID)
	require.NoError(t, err)
	assert.Len(t, stored, 4)

	all, err := ix.Search(ctx, sess.ID, "kubernetes deployment", 10)
	require.NoError(t, err)
	require.Len(t, all, 4)
	assert.Contains(t, all[0].Text, "kubernetes")
}
