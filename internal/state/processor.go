package state

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/joescharf/sidecar/internal/jobs"
	"github.com/joescharf/sidecar/internal/models"
	"github.com/joescharf/sidecar/internal/store"
)

// Stage names the step of a processing run that failed.
type Stage string

const (
	StageFold      Stage = "fold"
	StageNarrative Stage = "narrative"
	StagePersist   Stage = "persist"
)

// ProcessingError is a failed processing run. The previously committed state
// is kept when Stage is fold or persist.
type ProcessingError struct {
	SessionID string
	Stage     Stage
	Err       error
}

func (e *ProcessingError) Error() string {
	return fmt.Sprintf("process session %s: %s: %v", e.SessionID, e.Stage, e.Err)
}

func (e *ProcessingError) Unwrap() error { return e.Err }

// Store is the persistence the processor needs.
type Store interface {
	ReadRange(ctx context.Context, sessionID string, fromSeq, toSeq int64) ([]models.SessionEvent, error)
	SaveSnapshot(ctx context.Context, state *models.SessionState) error
	LatestSnapshot(ctx context.Context, sessionID string) (*models.Snapshot, error)
}

// Indexer receives newly folded events and published states.
type Indexer interface {
	IndexEvents(ctx context.Context, sessionID string, events []models.SessionEvent) error
	IndexState(ctx context.Context, st *models.SessionState) error
}

// Config controls when the processor runs.
type Config struct {
	EventThreshold int
	IdleTimeout    time.Duration
	Timeout        time.Duration
	Limits         Limits
}

// DefaultConfig returns the default processor settings.
func DefaultConfig() Config {
	return Config{
		EventThreshold: 20,
		IdleTimeout:    5 * time.Minute,
		Timeout:        60 * time.Second,
		Limits:         DefaultLimits(),
	}
}

// Processor keeps each session's committed SessionState current. Runs are
// single-flight per session: a trigger during a run schedules exactly one
// more run after it.
type Processor struct {
	store    Store
	narrator Narrator
	cfg      Config
	logger   *slog.Logger

	runner  *jobs.Runner
	trigger *jobs.Trigger

	mu      sync.RWMutex
	states  map[string]*models.SessionState
	indexer Indexer
}

// NewProcessor creates a Processor. A nil narrator leaves narratives empty.
func NewProcessor(s Store, narrator Narrator, cfg Config, logger *slog.Logger) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Processor{
		store:    s,
		narrator: narrator,
		cfg:      cfg,
		logger:   logger,
		states:   make(map[string]*models.SessionState),
	}
	p.runner = jobs.NewRunner("state", p.process, cfg.Timeout, logger)
	p.trigger = jobs.NewTrigger(cfg.EventThreshold, cfg.IdleTimeout, func(id string) { p.runner.Trigger(id) })
	return p
}

// SetIndexer registers the search indexer. Indexing is best effort.
func (p *Processor) SetIndexer(ix Indexer) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.indexer = ix
}

// Observe records n newly captured events for the session.
func (p *Processor) Observe(sessionID string, n int) {
	p.trigger.Observe(sessionID, n)
}

// Trigger requests a run without waiting for it.
func (p *Processor) Trigger(sessionID string) bool {
	return p.runner.Trigger(sessionID)
}

// ProcessNow runs the processor for the session and waits for the result.
func (p *Processor) ProcessNow(ctx context.Context, sessionID string) error {
	return p.runner.RunNow(ctx, sessionID)
}

// LastError returns the error of the most recent run.
func (p *Processor) LastError(sessionID string) error {
	return p.runner.LastError(sessionID)
}

// Runs returns how many runs have completed for the session.
func (p *Processor) Runs(sessionID string) int {
	return p.runner.Runs(sessionID)
}

// Stop cancels any in-flight run and pending re-run, then waits for it.
func (p *Processor) Stop(ctx context.Context, sessionID string) error {
	p.trigger.Forget(sessionID)
	return p.runner.Stop(ctx, sessionID)
}

// Forget drops the cached state for an ended session.
func (p *Processor) Forget(sessionID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.states, sessionID)
}

// State returns a copy of the session's committed state, loading the latest
// snapshot on first access.
func (p *Processor) State(ctx context.Context, sessionID string) (*models.SessionState, error) {
	st, err := p.committed(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return st.Clone(), nil
}

func (p *Processor) committed(ctx context.Context, sessionID string) (*models.SessionState, error) {
	p.mu.RLock()
	st, ok := p.states[sessionID]
	p.mu.RUnlock()
	if ok {
		return st, nil
	}

	snap, err := p.store.LatestSnapshot(ctx, sessionID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		st = models.NewSessionState(sessionID)
	case err != nil:
		return nil, fmt.Errorf("load snapshot: %w", err)
	default:
		st = snap.State
		st.SessionID = sessionID
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if cur, ok := p.states[sessionID]; ok {
		return cur, nil
	}
	p.states[sessionID] = st
	return st, nil
}

func (p *Processor) process(ctx context.Context, sessionID string) error {
	prev, err := p.committed(ctx, sessionID)
	if err != nil {
		return &ProcessingError{SessionID: sessionID, Stage: StageFold, Err: err}
	}

	events, err := p.store.ReadRange(ctx, sessionID, prev.LastSeq+1, 0)
	if err != nil {
		return &ProcessingError{SessionID: sessionID, Stage: StageFold, Err: fmt.Errorf("read events: %w", err)}
	}
	if len(events) == 0 {
		return nil
	}

	res, err := Fold(prev, events, p.cfg.Limits)
	if err != nil {
		return &ProcessingError{SessionID: sessionID, Stage: StageFold, Err: err}
	}
	for _, m := range res.Malformed {
		p.logger.Warn("skipping malformed event", "session", sessionID, "error", m)
	}
	next := res.State

	var narrErr error
	if p.narrator != nil {
		text, err := p.narrator.Narrate(ctx, next, events)
		if err != nil {
			narrErr = &ProcessingError{SessionID: sessionID, Stage: StageNarrative, Err: err}
			p.logger.Warn("narrative generation failed, keeping previous narrative", "session", sessionID, "error", err)
		} else {
			next.Narrative = text
		}
	}

	if err := ctx.Err(); err != nil {
		return &ProcessingError{SessionID: sessionID, Stage: StagePersist, Err: err}
	}
	if err := p.store.SaveSnapshot(ctx, next); err != nil {
		return &ProcessingError{SessionID: sessionID, Stage: StagePersist, Err: err}
	}

	p.mu.Lock()
	p.states[sessionID] = next
	ix := p.indexer
	p.mu.Unlock()

	p.logger.Debug("state updated", "session", sessionID, "last_seq", next.LastSeq, "events", len(events))

	if ix != nil {
		if err := ix.IndexEvents(ctx, sessionID, events); err != nil {
			p.logger.Warn("index events failed", "session", sessionID, "error", err)
		}
		if err := ix.IndexState(ctx, next.Clone()); err != nil {
			p.logger.Warn("index state failed", "session", sessionID, "error", err)
		}
	}
	return narrErr
}
