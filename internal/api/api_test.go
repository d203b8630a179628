package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joescharf/sidecar/internal/artifacts"
	"github.com/joescharf/sidecar/internal/capture"
	"github.com/joescharf/sidecar/internal/models"
	"github.com/joescharf/sidecar/internal/sessions"
	"github.com/joescharf/sidecar/internal/store"
	"github.com/joescharf/sidecar/internal/synthesis"
)

func setupTestServer(t *testing.T) (http.Handler, string) {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "test.db")

	s, err := store.NewSQLiteStore(dbPath)
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { s.Close() })

	cfg := sessions.DefaultConfig()
	cfg.DataDir = filepath.Join(dir, "data")
	m := sessions.NewManager(s, cfg, sessions.Backends{}, nil)
	t.Cleanup(func() { _ = m.Close(context.Background()) })

	ws := filepath.Join(dir, "workspace")
	require.NoError(t, os.MkdirAll(ws, 0o755))
	return NewServer(m, "test").Router(), ws
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, bytes.NewBufferString(body))
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func startSession(t *testing.T, h http.Handler, ws string) models.SidecarSession {
	t.Helper()
	body, _ := json.Marshal(map[string]string{"workspace_root": ws})
	w := do(t, h, "POST", "/api/v1/sessions", string(body))
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	return decode[models.SidecarSession](t, w)
}

func TestHealth(t *testing.T) {
	h, _ := setupTestServer(t)
	w := do(t, h, "GET", "/api/v1/health", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "test", decode[map[string]string](t, w)["version"])
}

func TestSessionLifecycle_API(t *testing.T) {
	h, ws := setupTestServer(t)
	sess := startSession(t, h, ws)
	assert.Equal(t, models.SessionStatusActive, sess.Status)

	body, _ := json.Marshal(map[string]string{"workspace_root": ws})
	w := do(t, h, "POST", "/api/v1/sessions", string(body))
	assert.Equal(t, http.StatusConflict, w.Code)

	events := []string{
		`{"kind":"user_prompt","payload":{"text":"Write the changelog"}}`,
		`{"kind":"file_change","payload":{"path":"CHANGELOG.md","operation":"create","after":"# Changes\n"}}`,
		`{"kind":"checkpoint","payload":{"label":"changelog"}}`,
	}
	for i, e := range events {
		w := do(t, h, "POST", "/api/v1/sessions/"+sess.ID+"/events", e)
		require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
		assert.Equal(t, int64(i+1), decode[models.SessionEvent](t, w).Seq)
	}

	w = do(t, h, "GET", "/api/v1/sessions/"+sess.ID+"/events", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode[[]models.SessionEvent](t, w), 3)

	w = do(t, h, "GET", "/api/v1/sessions/"+sess.ID+"/state?refresh=true", "")
	require.Equal(t, http.StatusOK, w.Code)
	st := decode[models.SessionState](t, w)
	assert.Equal(t, int64(3), st.LastSeq)

	w = do(t, h, "POST", "/api/v1/sessions/"+sess.ID+"/end", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = do(t, h, "GET", "/api/v1/sessions/"+sess.ID+"/patches", "")
	require.Equal(t, http.StatusOK, w.Code)
	list := decode[[]models.StagedPatch](t, w)
	require.Len(t, list, 1)
	assert.Equal(t, models.PatchPending, list[0].Status)

	w = do(t, h, "POST", "/api/v1/patches/"+list[0].ID+"/synthesize", `{"backend":"template"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	res := decode[synthesis.Result](t, w)
	assert.Equal(t, synthesis.BackendTemplate, res.Backend)
	assert.NotEmpty(t, res.Text)

	w = do(t, h, "POST", "/api/v1/patches/"+list[0].ID+"/commit", `{"message":"docs: add changelog"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, models.PatchCommitted, decode[models.StagedPatch](t, w).Status)

	w = do(t, h, "POST", "/api/v1/patches/"+list[0].ID+"/discard", "")
	assert.Equal(t, http.StatusConflict, w.Code)

	w = do(t, h, "POST", "/api/v1/sessions/"+sess.ID+"/summary", `{}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	summary := decode[synthesis.Result](t, w)
	assert.Equal(t, synthesis.BackendTemplate, summary.Backend)
	assert.Contains(t, summary.Text, "- Goal: Write the changelog")
	assert.Contains(t, summary.Text, "- Committed: docs: add changelog")

	w = do(t, h, "POST", "/api/v1/sessions/NOPE/summary", `{}`)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = do(t, h, "POST", "/api/v1/sessions/"+sess.ID+"/events", events[0])
	assert.Equal(t, http.StatusConflict, w.Code)

	w = do(t, h, "GET", "/api/v1/sessions/"+sess.ID, "")
	require.Equal(t, http.StatusOK, w.Code)
	sum := decode[models.SessionSummary](t, w)
	assert.Equal(t, models.SessionStatusEnded, sum.Status)
	assert.Equal(t, 3, sum.EventCount)
}

func TestCaptureEvent_InvalidKind(t *testing.T) {
	h, ws := setupTestServer(t)
	sess := startSession(t, h, ws)

	w := do(t, h, "POST", "/api/v1/sessions/"+sess.ID+"/events", `{"kind":"telepathy"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, h, "POST", "/api/v1/sessions/"+sess.ID+"/events", `not json`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestNotFound(t *testing.T) {
	h, _ := setupTestServer(t)
	for _, path := range []string{
		"/api/v1/sessions/nope",
		"/api/v1/sessions/nope/state",
		"/api/v1/patches/nope",
		"/api/v1/artifacts/nope",
	} {
		t.Run(path, func(t *testing.T) {
			w := do(t, h, "GET", path, "")
			assert.Equal(t, http.StatusNotFound, w.Code, w.Body.String())
		})
	}
}

func TestArtifacts_API(t *testing.T) {
	h, ws := setupTestServer(t)
	sess := startSession(t, h, ws)

	// Dangling provenance is refused.
	body := `{"target":"NOTES.md","content":"hello\n","reason":"manual","based_on_patches":["missing"]}`
	w := do(t, h, "POST", "/api/v1/sessions/"+sess.ID+"/artifacts", body)
	assert.Equal(t, http.StatusConflict, w.Code, w.Body.String())

	body = `{"target":"NOTES.md","content":"hello\n","reason":"manual"}`
	w = do(t, h, "POST", "/api/v1/sessions/"+sess.ID+"/artifacts", body)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	a := decode[models.ArtifactFile](t, w)
	assert.Equal(t, models.ArtifactPending, a.Status)

	w = do(t, h, "GET", "/api/v1/artifacts/"+a.ID+"/preview", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, decode[map[string]string](t, w)["diff"], "+hello")

	w = do(t, h, "POST", "/api/v1/artifacts/"+a.ID+"/apply", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, models.ArtifactApplied, decode[models.ArtifactFile](t, w).Status)

	data, err := os.ReadFile(filepath.Join(ws, "NOTES.md"))
	require.NoError(t, err)
	assert.Equal(t, "hello\n", string(data))

	w = do(t, h, "POST", "/api/v1/artifacts/"+a.ID+"/reject", "")
	assert.Equal(t, http.StatusConflict, w.Code)

	w = do(t, h, "GET", "/api/v1/sessions/"+sess.ID+"/artifacts?status=applied", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode[[]models.ArtifactFile](t, w), 1)
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("get: %w", store.ErrNotFound), http.StatusNotFound},
		{fmt.Errorf("create: %w", store.ErrConflict), http.StatusConflict},
		{&capture.Error{Kind: capture.KindBackpressure, Err: capture.ErrBackpressure}, http.StatusServiceUnavailable},
		{&artifacts.Error{Kind: artifacts.KindInvalidTransition, Err: errors.New("x")}, http.StatusConflict},
		{&synthesis.Error{Kind: synthesis.KindMisconfigured, Err: errors.New("x")}, http.StatusBadRequest},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusFor(tt.err), tt.err.Error())
	}
}
