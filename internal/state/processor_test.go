package state

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joescharf/sidecar/internal/models"
	"github.com/joescharf/sidecar/internal/store"
)

type fakeStore struct {
	mu      sync.Mutex
	events  []models.SessionEvent
	snaps   []*models.SessionState
	readErr error
	block   chan struct{}
	entered chan struct{}
}

func (f *fakeStore) ReadRange(ctx context.Context, sessionID string, fromSeq, toSeq int64) ([]models.SessionEvent, error) {
	f.mu.Lock()
	block, entered := f.block, f.entered
	f.mu.Unlock()
	if block != nil {
		select {
		case entered <- struct{}{}:
		default:
		}
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.readErr != nil {
		return nil, f.readErr
	}
	var out []models.SessionEvent
	for _, e := range f.events {
		if e.SessionID == sessionID && e.Seq >= fromSeq && (toSeq <= 0 || e.Seq <= toSeq) {
			out = append(out, e)
		}
	}
	return out, nil
}

func (f *fakeStore) SaveSnapshot(_ context.Context, st *models.SessionState) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snaps = append(f.snaps, st.Clone())
	return nil
}

func (f *fakeStore) LatestSnapshot(_ context.Context, sessionID string) (*models.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.snaps) == 0 {
		return nil, fmt.Errorf("snapshot for session %s: %w", sessionID, store.ErrNotFound)
	}
	st := f.snaps[len(f.snaps)-1].Clone()
	return &models.Snapshot{SessionID: sessionID, LastSeq: st.LastSeq, State: st}, nil
}

func (f *fakeStore) saves() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.snaps)
}

type failingNarrator struct{}

func (failingNarrator) Narrate(context.Context, *models.SessionState, []models.SessionEvent) (string, error) {
	return "", errors.New("backend down")
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.IdleTimeout = 0
	cfg.EventThreshold = 0
	cfg.Timeout = 5 * time.Second
	return cfg
}

func TestProcessorFoldsAndPersists(t *testing.T) {
	fs := &fakeStore{events: scenario(t)}
	p := NewProcessor(fs, RuleNarrator{}, testConfig(), nil)

	require.NoError(t, p.ProcessNow(t.Context(), "s1"))
	st, err := p.State(t.Context(), "s1")
	require.NoError(t, err)
	assert.Equal(t, int64(14), st.LastSeq)
	assert.NotEmpty(t, st.Narrative)
	assert.Equal(t, 1, fs.saves())

	// No new events: nothing is published.
	require.NoError(t, p.ProcessNow(t.Context(), "s1"))
	assert.Equal(t, 1, fs.saves())
	assert.Equal(t, 2, p.Runs("s1"))
}

func TestProcessorEmptySessionState(t *testing.T) {
	p := NewProcessor(&fakeStore{}, nil, testConfig(), nil)
	st, err := p.State(t.Context(), "missing")
	require.NoError(t, err)
	assert.Equal(t, "missing", st.SessionID)
	assert.Zero(t, st.LastSeq)
	assert.NotNil(t, st.FileContexts)
}

func TestProcessorCoalescesTriggers(t *testing.T) {
	fs := &fakeStore{events: scenario(t), block: make(chan struct{}), entered: make(chan struct{}, 1)}
	p := NewProcessor(fs, nil, testConfig(), nil)

	assert.True(t, p.Trigger("s1"))
	select {
	case <-fs.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("processing did not start")
	}
	for i := 0; i < 5; i++ {
		assert.False(t, p.Trigger("s1"))
	}

	fs.mu.Lock()
	close(fs.block)
	fs.mu.Unlock()

	require.NoError(t, p.ProcessNow(t.Context(), "s1"))
	assert.Equal(t, 2, p.Runs("s1"))
	assert.Equal(t, 1, fs.saves())
}

func TestProcessorNarrativeFailureKeepsStructuredUpdate(t *testing.T) {
	fs := &fakeStore{events: scenario(t)}
	p := NewProcessor(fs, failingNarrator{}, testConfig(), nil)

	err := p.ProcessNow(t.Context(), "s1")
	var perr *ProcessingError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, StageNarrative, perr.Stage)

	st, err := p.State(t.Context(), "s1")
	require.NoError(t, err)
	assert.Equal(t, int64(14), st.LastSeq)
	assert.Empty(t, st.Narrative)
	assert.Equal(t, 1, fs.saves())
	assert.ErrorAs(t, p.LastError("s1"), &perr)
}

func TestProcessorReadFailureRetainsState(t *testing.T) {
	events := scenario(t)
	fs := &fakeStore{events: events[:5]}
	p := NewProcessor(fs, nil, testConfig(), nil)
	require.NoError(t, p.ProcessNow(t.Context(), "s1"))

	fs.mu.Lock()
	fs.events = events
	fs.readErr = errors.New("disk I/O error")
	fs.mu.Unlock()

	err := p.ProcessNow(t.Context(), "s1")
	var perr *ProcessingError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, StageFold, perr.Stage)

	st, err := p.State(t.Context(), "s1")
	require.NoError(t, err)
	assert.Equal(t, int64(5), st.LastSeq)

	fs.mu.Lock()
	fs.readErr = nil
	fs.mu.Unlock()
	require.NoError(t, p.ProcessNow(t.Context(), "s1"))
	st, err = p.State(t.Context(), "s1")
	require.NoError(t, err)
	assert.Equal(t, int64(14), st.LastSeq)
}

func TestProcessorResumesFromSnapshot(t *testing.T) {
	events := scenario(t)
	partial, err := Fold(models.NewSessionState("s1"), events[:6], DefaultLimits())
	require.NoError(t, err)
	whole, err := Fold(models.NewSessionState("s1"), events, DefaultLimits())
	require.NoError(t, err)

	fs := &fakeStore{events: events, snaps: []*models.SessionState{partial.State}}
	p := NewProcessor(fs, nil, testConfig(), nil)
	require.NoError(t, p.ProcessNow(t.Context(), "s1"))

	st, err := p.State(t.Context(), "s1")
	require.NoError(t, err)
	assert.Equal(t, whole.State, st)
}

func TestProcessorStopCancelsRun(t *testing.T) {
	fs := &fakeStore{events: scenario(t), block: make(chan struct{}), entered: make(chan struct{}, 1)}
	p := NewProcessor(fs, nil, testConfig(), nil)

	p.Trigger("s1")
	<-fs.entered
	ctx, cancel := context.WithTimeout(t.Context(), 2*time.Second)
	defer cancel()
	require.NoError(t, p.Stop(ctx, "s1"))

	assert.Equal(t, 0, fs.saves())
	st, err := p.State(t.Context(), "s1")
	require.NoError(t, err)
	assert.Zero(t, st.LastSeq)
}

func TestProcessorEventThresholdTriggers(t *testing.T) {
	fs := &fakeStore{events: scenario(t)}
	cfg := testConfig()
	cfg.EventThreshold = 3
	p := NewProcessor(fs, nil, cfg, nil)

	p.Observe("s1", 2)
	assert.Equal(t, 0, p.Runs("s1"))
	p.Observe("s1", 1)

	require.Eventually(t, func() bool { return fs.saves() == 1 }, 2*time.Second, 10*time.Millisecond)
}

type recordingIndexer struct {
	mu     sync.Mutex
	events int
	states int
}

func (r *recordingIndexer) IndexEvents(_ context.Context, _ string, events []models.SessionEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events += len(events)
	return nil
}

func (r *recordingIndexer) IndexState(context.Context, *models.SessionState) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states++
	return errors.New("index full")
}

func TestProcessorIndexingIsBestEffort(t *testing.T) {
	fs := &fakeStore{events: scenario(t)}
	p := NewProcessor(fs, nil, testConfig(), nil)
	ix := &recordingIndexer{}
	p.SetIndexer(ix)

	require.NoError(t, p.ProcessNow(t.Context(), "s1"))
	assert.Equal(t, 14, ix.events)
	assert.Equal(t, 1, ix.states)
}
