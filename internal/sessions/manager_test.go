package sessions

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joescharf/sidecar/internal/capture"
	"github.com/joescharf/sidecar/internal/models"
	"github.com/joescharf/sidecar/internal/store"
)

var t0 = time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC)

func setupManager(t *testing.T) (*Manager, string) {
	t.Helper()
	dir := t.TempDir()
	s, err := store.NewSQLiteStore(filepath.Join(dir, "test.db"))
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { s.Close() })

	ws := filepath.Join(dir, "workspace")
	require.NoError(t, os.MkdirAll(ws, 0o755))

	cfg := DefaultConfig()
	cfg.DataDir = filepath.Join(dir, "data")
	cfg.Capture.FlushInterval = 10 * time.Millisecond
	m := NewManager(s, cfg, Backends{}, nil)
	t.Cleanup(func() { _ = m.Close(context.Background()) })
	return m, ws
}

func event(t *testing.T, kind models.EventKind, payload any) models.SessionEvent {
	t.Helper()
	e, err := models.NewEvent("", t0, kind, payload)
	require.NoError(t, err)
	return e
}

func str(s string) *string { return &s }

func captureAll(t *testing.T, m *Manager, id string, events ...models.SessionEvent) {
	t.Helper()
	for _, e := range events {
		_, err := m.Capture(context.Background(), id, e)
		require.NoError(t, err)
	}
}

func TestStart_OneActivePerWorkspace(t *testing.T) {
	m, ws := setupManager(t)
	ctx := context.Background()

	sess, err := m.Start(ctx, ws)
	require.NoError(t, err)
	assert.Equal(t, models.SessionStatusActive, sess.Status)

	_, err = m.Start(ctx, ws)
	assert.True(t, errors.Is(err, store.ErrConflict))

	active, err := m.Active(ctx, ws)
	require.NoError(t, err)
	assert.Equal(t, sess.ID, active.ID)

	_, err = m.End(ctx, sess.ID)
	require.NoError(t, err)

	next, err := m.Start(ctx, ws)
	require.NoError(t, err)
	assert.NotEqual(t, sess.ID, next.ID)
}

func TestCapture_SequencesAndPersists(t *testing.T) {
	m, ws := setupManager(t)
	ctx := context.Background()
	sess, err := m.Start(ctx, ws)
	require.NoError(t, err)

	var seqs []int64
	for _, text := range []string{"first", "second", "third"} {
		e, err := m.Capture(ctx, sess.ID, event(t, models.EventUserPrompt, models.UserPromptPayload{Text: text}))
		require.NoError(t, err)
		seqs = append(seqs, e.Seq)
	}
	assert.Equal(t, []int64{1, 2, 3}, seqs)

	require.NoError(t, m.Flush(ctx, sess.ID))
	events, err := m.Events(ctx, sess.ID, 1, 0)
	require.NoError(t, err)
	assert.Len(t, events, 3)

	_, err = m.Capture(ctx, sess.ID, models.SessionEvent{Kind: "bogus"})
	var cerr *capture.Error
	require.True(t, errors.As(err, &cerr))
	assert.Equal(t, capture.KindInvalid, cerr.Kind)
}

func TestCapture_ResumesSequenceAcrossManagers(t *testing.T) {
	m, ws := setupManager(t)
	ctx := context.Background()
	sess, err := m.Start(ctx, ws)
	require.NoError(t, err)

	captureAll(t, m, sess.ID, event(t, models.EventUserPrompt, models.UserPromptPayload{Text: "one"}))
	require.NoError(t, m.Close(ctx))

	other := NewManager(m.Store(), m.cfg, Backends{}, nil)
	defer other.Close(ctx)
	e, err := other.Capture(ctx, sess.ID, event(t, models.EventCheckpoint, models.CheckpointPayload{Label: "x"}))
	require.NoError(t, err)
	assert.Equal(t, int64(2), e.Seq)
}

func TestProcess_FoldsCapturedEvents(t *testing.T) {
	m, ws := setupManager(t)
	ctx := context.Background()
	sess, err := m.Start(ctx, ws)
	require.NoError(t, err)

	captureAll(t, m, sess.ID,
		event(t, models.EventUserPrompt, models.UserPromptPayload{Text: "Add a health endpoint"}),
		event(t, models.EventReasoning, models.ReasoningPayload{Content: "Use net/http because it is already imported"}),
	)

	st, err := m.Process(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), st.LastSeq)
	require.Len(t, st.Goals, 1)
	assert.Equal(t, "Add a health endpoint", st.Goals[0].Description)
	assert.Len(t, st.Decisions, 1)
	assert.NotEmpty(t, st.Narrative)

	got, err := m.State(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, st.LastSeq, got.LastSeq)
}

func TestEnd_FlushesDetectsAndMarksEnded(t *testing.T) {
	m, ws := setupManager(t)
	ctx := context.Background()
	sess, err := m.Start(ctx, ws)
	require.NoError(t, err)

	captureAll(t, m, sess.ID,
		event(t, models.EventUserPrompt, models.UserPromptPayload{Text: "Add greeting"}),
		event(t, models.EventFileChange, models.FileChangePayload{Path: "hello.go", Operation: models.FileCreate, After: str("package main\n")}),
		event(t, models.EventCheckpoint, models.CheckpointPayload{Label: "greeting"}),
		event(t, models.EventFileChange, models.FileChangePayload{Path: "hello.go", Operation: models.FileModify, Before: str("package main\n"), After: str("package main\n\nfunc hello() {}\n")}),
	)

	res, err := m.End(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionStatusEnded, res.Session.Status)
	assert.NotNil(t, res.Session.EndedAt)

	events, err := m.Events(ctx, sess.ID, 1, 0)
	require.NoError(t, err)
	assert.Len(t, events, 4)

	all, err := m.ListPatches(ctx, sess.ID, "")
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, int64(1), all[0].StartSeq)
	assert.Equal(t, int64(3), all[0].EndSeq)
	assert.Equal(t, models.BoundaryCheckpoint, all[0].Reason)
	assert.Equal(t, int64(4), all[1].StartSeq)
	assert.Equal(t, models.BoundarySessionEnd, all[1].Reason)

	stored, err := m.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionStatusEnded, stored.Status)

	_, err = m.Capture(ctx, sess.ID, event(t, models.EventCheckpoint, models.CheckpointPayload{}))
	var cerr *capture.Error
	require.True(t, errors.As(err, &cerr))
	assert.Equal(t, capture.KindClosed, cerr.Kind)

	again, err := m.End(ctx, sess.ID)
	require.NoError(t, err)
	assert.Empty(t, again.Patches)
}

func TestCommitPatch_SynthesizesAndProposesArtifacts(t *testing.T) {
	m, ws := setupManager(t)
	ctx := context.Background()
	require.NoError(t, os.WriteFile(filepath.Join(ws, "README.md"), []byte("# Demo\n"), 0o644))

	sess, err := m.Start(ctx, ws)
	require.NoError(t, err)
	captureAll(t, m, sess.ID,
		event(t, models.EventFileChange, models.FileChangePayload{Path: "docs/guide.md", Operation: models.FileCreate, After: str("# Guide\n")}),
		event(t, models.EventCheckpoint, models.CheckpointPayload{Label: "docs"}),
	)
	_, err = m.DetectPatches(ctx, sess.ID)
	require.NoError(t, err)
	staged, err := m.ListPatches(ctx, sess.ID, models.PatchPending)
	require.NoError(t, err)
	require.Len(t, staged, 1)

	committed, err := m.CommitPatch(ctx, staged[0].ID, "", true)
	require.NoError(t, err)
	assert.Equal(t, models.PatchCommitted, committed.Status)
	assert.True(t, strings.HasPrefix(committed.Message, "docs"), committed.Message)
	assert.FileExists(t, committed.PatchFile)

	_, err = m.CommitPatch(ctx, staged[0].ID, "again", false)
	assert.True(t, errors.Is(err, store.ErrConflict))

	docs, err := m.ListArtifacts(ctx, sess.ID, models.ArtifactPending)
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "README.md", docs[0].TargetPath)

	preview, err := m.PreviewArtifact(ctx, docs[0].ID)
	require.NoError(t, err)
	assert.Contains(t, preview, "+## Recent Changes")

	applied, err := m.ApplyArtifact(ctx, docs[0].ID)
	require.NoError(t, err)
	assert.Equal(t, models.ArtifactApplied, applied.Status)
	readme, err := os.ReadFile(filepath.Join(ws, "README.md"))
	require.NoError(t, err)
	assert.Contains(t, string(readme), "## Recent Changes")

	sum, err := m.Summary(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, sum.EventCount)
	assert.Equal(t, 0, sum.PendingPatches)
	assert.Equal(t, 0, sum.PendingDocs)
}

func TestSearch_FindsIndexedEvents(t *testing.T) {
	m, ws := setupManager(t)
	ctx := context.Background()
	sess, err := m.Start(ctx, ws)
	require.NoError(t, err)

	captureAll(t, m, sess.ID,
		event(t, models.EventUserPrompt, models.UserPromptPayload{Text: "migrate the billing database schema"}),
		event(t, models.EventReasoning, models.ReasoningPayload{Content: "render the landing page hero image"}),
	)
	_, err = m.Process(ctx, sess.ID)
	require.NoError(t, err)

	results, err := m.Search(ctx, sess.ID, "billing database schema", 5)
	require.NoError(t, err)
	require.NotEmpty(t, results)
	var eventSeqs []int64
	for _, r := range results {
		if r.Event != nil {
			eventSeqs = append(eventSeqs, r.Event.Seq)
		}
	}
	require.NotEmpty(t, eventSeqs)
	assert.Equal(t, int64(1), eventSeqs[0])

	_, err = m.Search(ctx, "missing", "anything", 3)
	assert.True(t, errors.Is(err, store.ErrNotFound))
}

// gatedStore holds the first event append until release is closed.
type gatedStore struct {
	*store.SQLiteStore
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func (g *gatedStore) AppendEvents(ctx context.Context, events []models.SessionEvent) error {
	g.once.Do(func() {
		close(g.entered)
		<-g.release
	})
	return g.SQLiteStore.AppendEvents(ctx, events)
}

func TestEnd_RefusesCaptureWhileFlushing(t *testing.T) {
	dir := t.TempDir()
	s, err := store.NewSQLiteStore(filepath.Join(dir, "test.db"))
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { s.Close() })
	gated := &gatedStore{SQLiteStore: s, entered: make(chan struct{}), release: make(chan struct{})}

	cfg := DefaultConfig()
	cfg.DataDir = filepath.Join(dir, "data")
	cfg.Capture.FlushInterval = time.Hour
	m := NewManager(gated, cfg, Backends{}, nil)
	t.Cleanup(func() { _ = m.Close(context.Background()) })
	ctx := context.Background()

	sess, err := m.Start(ctx, dir)
	require.NoError(t, err)
	captureAll(t, m, sess.ID, event(t, models.EventUserPrompt, models.UserPromptPayload{Text: "first"}))

	done := make(chan error, 1)
	go func() {
		_, err := m.End(ctx, sess.ID)
		done <- err
	}()
	<-gated.entered

	_, err = m.Capture(ctx, sess.ID, event(t, models.EventUserPrompt, models.UserPromptPayload{Text: "second"}))
	var cerr *capture.Error
	require.True(t, errors.As(err, &cerr))
	assert.Equal(t, capture.KindClosed, cerr.Kind)

	close(gated.release)
	require.NoError(t, <-done)

	events, err := m.Events(ctx, sess.ID, 1, 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, int64(1), events[0].Seq)
	assert.JSONEq(t, `{"text":"first"}`, string(events[0].Payload))
}

func TestImport_ReplaysAsEndedSession(t *testing.T) {
	m, ws := setupManager(t)
	ctx := context.Background()

	events := []models.SessionEvent{
		event(t, models.EventUserPrompt, models.UserPromptPayload{Text: "Add greeting"}),
		event(t, models.EventFileChange, models.FileChangePayload{Path: "hello.go", Operation: models.FileCreate, After: str("package main\n")}),
		event(t, models.EventCheckpoint, models.CheckpointPayload{Label: "greeting"}),
	}
	// Exported IDs and seqs belong to the source session.
	for i := range events {
		events[i].SessionID = "SOURCE"
		events[i].Seq = int64(40 + i)
	}

	res, err := m.Import(ctx, ws, events)
	require.NoError(t, err)
	assert.Equal(t, models.SessionStatusEnded, res.Session.Status)
	require.Len(t, res.Patches, 1)
	assert.Equal(t, int64(1), res.Patches[0].StartSeq)
	assert.Equal(t, int64(3), res.Patches[0].EndSeq)

	stored, err := m.Events(ctx, res.Session.ID, 1, 0)
	require.NoError(t, err)
	require.Len(t, stored, 3)
	for i, e := range stored {
		assert.Equal(t, int64(i+1), e.Seq)
		assert.Equal(t, res.Session.ID, e.SessionID)
		assert.Equal(t, events[i].Kind, e.Kind)
	}

	// The workspace is free again.
	_, err = m.Start(ctx, ws)
	require.NoError(t, err)
}

func TestImport_RejectsUnknownKind(t *testing.T) {
	m, ws := setupManager(t)
	bad := event(t, models.EventCheckpoint, models.CheckpointPayload{})
	bad.Kind = "dream"

	_, err := m.Import(context.Background(), ws, []models.SessionEvent{bad})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown event kind")

	_, err = m.Active(context.Background(), ws)
	assert.True(t, errors.Is(err, store.ErrNotFound))
}

func TestSynthesizeSummary_Template(t *testing.T) {
	m, ws := setupManager(t)
	ctx := context.Background()
	sess, err := m.Start(ctx, ws)
	require.NoError(t, err)

	captureAll(t, m, sess.ID,
		event(t, models.EventUserPrompt, models.UserPromptPayload{Text: "Write the guide"}),
		event(t, models.EventFileChange, models.FileChangePayload{Path: "docs/guide.md", Operation: models.FileCreate, After: str("# Guide\n")}),
		event(t, models.EventCheckpoint, models.CheckpointPayload{Label: "docs"}),
	)
	_, err = m.DetectPatches(ctx, sess.ID)
	require.NoError(t, err)
	staged, err := m.ListPatches(ctx, sess.ID, models.PatchPending)
	require.NoError(t, err)
	require.Len(t, staged, 1)
	_, err = m.CommitPatch(ctx, staged[0].ID, "docs: add guide\n\nlonger body", false)
	require.NoError(t, err)

	res, err := m.SynthesizeSummary(ctx, sess.ID, "")
	require.NoError(t, err)
	assert.Contains(t, res.Text, "- Goal: Write the guide")
	assert.Contains(t, res.Text, "- Modified 1 file(s)")
	assert.Contains(t, res.Text, "- 3 event(s), 1 checkpoint(s)")
	assert.Contains(t, res.Text, "- Files: docs/guide.md")
	assert.Contains(t, res.Text, "- Committed: docs: add guide")
	assert.NotContains(t, res.Text, "longer body")

	_, err = m.SynthesizeSummary(ctx, "NOPE", "")
	assert.True(t, errors.Is(err, store.ErrNotFound))
}
