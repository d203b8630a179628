package synthesis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joescharf/sidecar/internal/diff"
	"github.com/joescharf/sidecar/internal/jobs"
	"github.com/joescharf/sidecar/internal/llm"
	"github.com/joescharf/sidecar/internal/models"
	"github.com/joescharf/sidecar/internal/store"
)

type fakePatches map[string]*models.StagedPatch

func (f fakePatches) GetPatch(_ context.Context, id string) (*models.StagedPatch, error) {
	p, ok := f[id]
	if !ok {
		return nil, fmt.Errorf("patch %s: %w", id, store.ErrNotFound)
	}
	return p, nil
}

type fakeStates struct{ narrative string }

func (f fakeStates) State(_ context.Context, id string) (*models.SessionState, error) {
	st := models.NewSessionState(id)
	st.Narrative = f.narrative
	return st, nil
}

type scriptedBackend struct {
	name  string
	fails int
	calls atomic.Int32
	block bool
	last  Input
}

func (b *scriptedBackend) Name() string { return b.name }

func (b *scriptedBackend) Synthesize(ctx context.Context, in Input) (string, error) {
	n := int(b.calls.Add(1))
	b.last = in
	if b.block {
		<-ctx.Done()
		return "", ctx.Err()
	}
	if n <= b.fails {
		return "", &llm.BackendError{Provider: b.name, Kind: llm.KindAuth, Err: errors.New("token refresh failed")}
	}
	return "feat: from " + b.name, nil
}

func testPatches() fakePatches {
	d, _ := diff.Unified(diff.File{NewPath: "auth/login.go", New: "package auth\n", Created: true}, diff.DefaultContext)
	return fakePatches{
		"p1": {ID: "p1", SessionID: "s1", Files: []string{"auth/login.go"}, Diff: d, Status: models.PatchPending},
	}
}

func testEngine(backend string) *Engine {
	cfg := Config{
		Backend: backend,
		Timeout: time.Second,
		Retry:   jobs.RetryPolicy{MaxAttempts: 3, InitialDelay: time.Millisecond, Multiplier: 1},
	}
	return NewEngine(testPatches(), fakeStates{narrative: "Adding login"}, cfg, nil)
}

func TestEngineTemplateDefault(t *testing.T) {
	e := testEngine("")
	res, err := e.Synthesize(context.Background(), "s1", "p1", "")
	require.NoError(t, err)
	assert.Equal(t, "feat(auth): add login", res.Text)
	assert.Equal(t, BackendTemplate, res.Backend)
	assert.False(t, res.FellBack)
}

func TestEngineUsesConfiguredBackend(t *testing.T) {
	e := testEngine("fake")
	b := &scriptedBackend{name: "fake"}
	e.Register(b)

	res, err := e.Synthesize(context.Background(), "s1", "p1", "")
	require.NoError(t, err)
	assert.Equal(t, "feat: from fake", res.Text)
	assert.Equal(t, "fake", res.Backend)
	assert.Equal(t, 1, res.Attempts)
	assert.Equal(t, "Adding login", b.last.Context)
	assert.Equal(t, []string{"auth/login.go"}, b.last.Files)
}

func TestEngineRetriesThenSucceeds(t *testing.T) {
	e := testEngine("fake")
	e.Register(&scriptedBackend{name: "fake", fails: 2})

	res, err := e.Synthesize(context.Background(), "s1", "p1", "")
	require.NoError(t, err)
	assert.Equal(t, "fake", res.Backend)
	assert.Equal(t, 3, res.Attempts)
	assert.False(t, res.FellBack)
}

func TestEngineFallsBackAfterRetries(t *testing.T) {
	e := testEngine("fake")
	b := &scriptedBackend{name: "fake", fails: 10}
	e.Register(b)

	res, err := e.Synthesize(context.Background(), "s1", "p1", "")
	require.NoError(t, err)
	assert.True(t, res.FellBack)
	assert.Equal(t, BackendTemplate, res.Backend)
	assert.Equal(t, "feat(auth): add login", res.Text)
	assert.Equal(t, 3, res.Attempts)
	assert.Contains(t, res.FallbackReason, "token refresh failed")
	assert.Equal(t, int32(3), b.calls.Load())
}

func TestEngineTimeoutFallsBack(t *testing.T) {
	e := testEngine("slow")
	e.cfg.Timeout = 20 * time.Millisecond
	e.Register(&scriptedBackend{name: "slow", block: true})

	res, err := e.Synthesize(context.Background(), "s1", "p1", "")
	require.NoError(t, err)
	assert.True(t, res.FellBack)
	assert.Equal(t, "feat(auth): add login", res.Text)
}

func TestEngineCancelled(t *testing.T) {
	e := testEngine("slow")
	e.cfg.Timeout = time.Minute
	e.Register(&scriptedBackend{name: "slow", block: true})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	_, err := e.Synthesize(ctx, "s1", "p1", "")
	var serr *Error
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, KindCancelled, serr.Kind)
}

func TestEngineOverrideAndErrors(t *testing.T) {
	e := testEngine("fake")
	e.Register(&scriptedBackend{name: "fake"})

	res, err := e.Synthesize(context.Background(), "s1", "p1", BackendTemplate)
	require.NoError(t, err)
	assert.Equal(t, BackendTemplate, res.Backend)

	var serr *Error
	_, err = e.Synthesize(context.Background(), "s1", "p1", "nope")
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, KindMisconfigured, serr.Kind)

	_, err = e.Synthesize(context.Background(), "s1", "missing", "")
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, KindNotFound, serr.Kind)
	assert.ErrorIs(t, err, store.ErrNotFound)

	_, err = e.Synthesize(context.Background(), "other", "p1", "")
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, KindNotFound, serr.Kind)

	assert.ElementsMatch(t, []string{BackendTemplate, "fake"}, e.Backends())
}

type echoGenerator struct{ req llm.Request }

func (g *echoGenerator) Name() string { return "echo" }

func (g *echoGenerator) Generate(_ context.Context, req llm.Request) (string, error) {
	g.req = req
	return "  fix(auth): handle empty password\n\nReject blank input.  ", nil
}

func TestLLMBackendPrompt(t *testing.T) {
	g := &echoGenerator{}
	b := &LLMBackend{Gen: g, MaxPromptTokens: 5}
	text, err := b.Synthesize(context.Background(), Input{
		Diff:    "+" + lines(200),
		Files:   []string{"auth/login.go"},
		Context: "Hardening login",
	})
	require.NoError(t, err)
	assert.Equal(t, "fix(auth): handle empty password\n\nReject blank input.", text)
	assert.Equal(t, "echo", b.Name())
	assert.Contains(t, g.req.System, "conventional commit")
	assert.Contains(t, g.req.Prompt, "Hardening login")
	assert.Contains(t, g.req.Prompt, "- auth/login.go")
	assert.Contains(t, g.req.Prompt, "(diff truncated)")
}

func TestSummarize_TemplateAndFallback(t *testing.T) {
	in := SummaryInput{
		SessionID:   "s1",
		Request:     "Add a login\nflow",
		Files:       []string{"auth/login.go", "auth/login_test.go"},
		Commits:     []string{"feat(auth): add login"},
		Events:      15,
		Checkpoints: 2,
	}

	e := testEngine("")
	res, err := e.Summarize(context.Background(), in, "")
	require.NoError(t, err)
	assert.Equal(t, BackendTemplate, res.Backend)
	assert.Equal(t, "- Goal: Add a login flow\n"+
		"- Modified 2 file(s)\n"+
		"- 15 event(s), 2 checkpoint(s)\n"+
		"- Files: auth/login.go, auth/login_test.go\n"+
		"- Committed: feat(auth): add login", res.Text)

	// A backend without summary support falls back without retrying.
	e = testEngine("fake")
	b := &scriptedBackend{name: "fake"}
	e.Register(b)
	res, err = e.Summarize(context.Background(), in, "")
	require.NoError(t, err)
	assert.True(t, res.FellBack)
	assert.Equal(t, 1, res.Attempts)
	assert.Contains(t, res.FallbackReason, "cannot summarize")
	assert.Equal(t, int32(0), b.calls.Load())
}

func TestSummarize_LLMBackend(t *testing.T) {
	g := &echoGenerator{}
	e := testEngine("echo")
	e.Register(&LLMBackend{Gen: g})

	res, err := e.Summarize(context.Background(), SummaryInput{
		SessionID: "s1",
		Request:   "Harden login",
		Narrative: "Rejected blank passwords.",
		Files:     []string{"auth/login.go"},
		Events:    4,
	}, "")
	require.NoError(t, err)
	assert.Equal(t, "echo", res.Backend)
	assert.False(t, res.FellBack)
	assert.Contains(t, g.req.System, "bullet points")
	assert.Contains(t, g.req.Prompt, "## Initial Request\nHarden login")
	assert.Contains(t, g.req.Prompt, "Rejected blank passwords.")
	assert.Contains(t, g.req.Prompt, "- auth/login.go")
}

func TestTemplateSummary_Long(t *testing.T) {
	files := []string{"a", "b", "c", "d", "e", "f"}
	text := TemplateSummary(SummaryInput{
		Request: strings.Repeat("x", 150),
		Files:   files,
		Commits: []string{"c1", "c2", "c3", "c4", "c5"},
	})
	assert.Contains(t, text, "- Goal: "+strings.Repeat("x", 97)+"...\n")
	assert.Contains(t, text, "- Modified 6 file(s)\n")
	assert.NotContains(t, text, "- Files:")
	assert.Contains(t, text, "- ...and 2 more commit(s)")

	assert.Contains(t, TemplateSummary(SummaryInput{}), "- Goal: not recorded\n")
}
