package sessions

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/joescharf/sidecar/internal/artifacts"
	"github.com/joescharf/sidecar/internal/boundary"
	"github.com/joescharf/sidecar/internal/capture"
	"github.com/joescharf/sidecar/internal/jobs"
	"github.com/joescharf/sidecar/internal/models"
	"github.com/joescharf/sidecar/internal/patches"
	"github.com/joescharf/sidecar/internal/search"
	"github.com/joescharf/sidecar/internal/state"
	"github.com/joescharf/sidecar/internal/store"
	"github.com/joescharf/sidecar/internal/synthesis"
)

// Config holds the tunables for every layer the Manager wires together.
type Config struct {
	DataDir   string
	Capture   capture.Config
	Processor state.Config
	Boundary  boundary.Config
	Synthesis synthesis.Config
	Targets   []string
	// DetectTimeout bounds one boundary detection run.
	DetectTimeout time.Duration
}

// DefaultConfig returns defaults for everything but DataDir.
func DefaultConfig() Config {
	return Config{
		Capture:       capture.DefaultConfig(),
		Processor:     state.DefaultConfig(),
		Boundary:      boundary.DefaultConfig(),
		Synthesis:     synthesis.DefaultConfig(),
		Targets:       []string{"README.md", "CLAUDE.md"},
		DetectTimeout: 30 * time.Second,
	}
}

// Backends are the optional capabilities. Nil fields fall back to the
// deterministic implementations.
type Backends struct {
	Narrator  state.Narrator
	Synthesis []synthesis.Backend
	DocWriter artifacts.DocWriter
	Embedder  search.Embedder
}

// Manager owns the lifecycle of sidecar sessions and connects capture,
// state processing, boundary detection, synthesis and artifacts.
type Manager struct {
	store  store.Store
	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	processor *state.Processor
	patches   *patches.Manager
	synth     *synthesis.Engine
	artifacts *artifacts.Manager
	index     *search.Index

	detector *jobs.Runner
	// one trigger per boundary timer: the cluster window and the idle gap
	detectAfter []*jobs.Trigger

	mu   sync.Mutex
	logs map[string]*capture.Log
	// sessions inside End; attach refuses them
	closing map[string]bool
}

// NewManager creates a Manager over s.
func NewManager(s store.Store, cfg Config, b Backends, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		store:  s,
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
		logs:    make(map[string]*capture.Log),
		closing: make(map[string]bool),
	}

	sessionsDir := filepath.Join(cfg.DataDir, "sessions")

	narrator := b.Narrator
	if narrator == nil {
		narrator = state.RuleNarrator{}
	}
	m.processor = state.NewProcessor(s, narrator, cfg.Processor, logger)
	embedder := b.Embedder
	if embedder == nil {
		embedder = search.HashEmbedder{}
	}
	m.index = search.NewIndex(s, embedder, logger)
	m.processor.SetIndexer(m.index)

	m.patches = patches.NewManager(s, sessionsDir, cfg.Boundary, logger)
	m.synth = synthesis.NewEngine(s, m.processor, cfg.Synthesis, logger)
	for _, backend := range b.Synthesis {
		m.synth.Register(backend)
	}
	m.artifacts = artifacts.NewManager(s, m.processor, sessionsDir, cfg.Targets, b.DocWriter, logger)

	m.detector = jobs.NewRunner("boundary", m.detect, cfg.DetectTimeout, logger)
	fire := func(id string) { m.detector.Trigger(id) }
	for _, d := range []time.Duration{cfg.Boundary.ClusterWindow, cfg.Boundary.IdleGap} {
		if d > 0 {
			m.detectAfter = append(m.detectAfter, jobs.NewTrigger(0, d, fire))
		}
	}
	return m
}

// Store returns the underlying store.
func (m *Manager) Store() store.Store { return m.store }

// Start creates an Active session for workspaceRoot.
func (m *Manager) Start(ctx context.Context, workspaceRoot string) (*models.SidecarSession, error) {
	root, err := filepath.Abs(workspaceRoot)
	if err != nil {
		return nil, fmt.Errorf("resolve workspace: %w", err)
	}
	now := m.now().UTC()
	sess := &models.SidecarSession{
		ID:            models.NewID(now),
		WorkspaceRoot: root,
		Status:        models.SessionStatusActive,
		StartedAt:     now,
	}
	if err := m.store.CreateSession(ctx, sess); err != nil {
		return nil, err
	}
	m.logger.Info("session started", "session", sess.ID, "workspace", root)
	return sess, nil
}

// Import replays exported events into a new session for workspaceRoot and
// ends it, so the imported work is folded and staged like a live session.
// Events keep their kind, timestamp and payload; IDs and sequence numbers
// are reassigned in order.
func (m *Manager) Import(ctx context.Context, workspaceRoot string, events []models.SessionEvent) (*EndResult, error) {
	for i, e := range events {
		if !e.Kind.Valid() {
			return nil, fmt.Errorf("event %d: unknown event kind %q", i+1, e.Kind)
		}
	}
	sess, err := m.Start(ctx, workspaceRoot)
	if err != nil {
		return nil, err
	}

	batch := m.cfg.Capture.FlushBatch
	if batch <= 0 {
		batch = capture.DefaultConfig().FlushBatch
	}
	seqd := make([]models.SessionEvent, len(events))
	for i, e := range events {
		e.SessionID = sess.ID
		e.Seq = int64(i + 1)
		if e.Timestamp.IsZero() {
			e.Timestamp = sess.StartedAt
		}
		e.Timestamp = e.Timestamp.UTC()
		e.ID = models.NewID(e.Timestamp)
		if len(e.Payload) == 0 {
			e.Payload = []byte("{}")
		}
		seqd[i] = e
	}
	for start := 0; start < len(seqd); start += batch {
		chunk := seqd[start:min(start+batch, len(seqd))]
		if err := m.store.AppendEvents(ctx, chunk); err != nil {
			return nil, fmt.Errorf("import events: %w", err)
		}
	}
	m.logger.Info("session imported", "session", sess.ID, "events", len(seqd))
	return m.End(ctx, sess.ID)
}

// Get returns one session.
func (m *Manager) Get(ctx context.Context, id string) (*models.SidecarSession, error) {
	return m.store.GetSession(ctx, id)
}

// Active returns the Active session for workspaceRoot.
func (m *Manager) Active(ctx context.Context, workspaceRoot string) (*models.SidecarSession, error) {
	root, err := filepath.Abs(workspaceRoot)
	if err != nil {
		return nil, fmt.Errorf("resolve workspace: %w", err)
	}
	return m.store.GetActiveSession(ctx, root)
}

// List returns session summaries.
func (m *Manager) List(ctx context.Context, filter store.SessionFilter) ([]*models.SessionSummary, error) {
	return m.store.ListSessions(ctx, filter)
}

// Summary returns one session with its aggregate counts.
func (m *Manager) Summary(ctx context.Context, id string) (*models.SessionSummary, error) {
	sess, err := m.store.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	sum := &models.SessionSummary{SidecarSession: *sess}
	if sum.LastSeq, err = m.store.LastSeq(ctx, id); err != nil {
		return nil, err
	}
	sum.EventCount = int(sum.LastSeq)
	pending, err := m.store.ListPatches(ctx, id, models.PatchPending)
	if err != nil {
		return nil, err
	}
	sum.PendingPatches = len(pending)
	docs, err := m.store.ListArtifacts(ctx, id, models.ArtifactPending)
	if err != nil {
		return nil, err
	}
	sum.PendingDocs = len(docs)
	return sum, nil
}

// Capture appends one event to the session's log. It returns once the event
// is sequenced; durability follows asynchronously.
func (m *Manager) Capture(ctx context.Context, sessionID string, e models.SessionEvent) (models.SessionEvent, error) {
	log, err := m.attach(ctx, sessionID)
	if err != nil {
		return e, err
	}
	return log.Append(e)
}

// Flush makes every captured event of the session durable.
func (m *Manager) Flush(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	log, ok := m.logs[sessionID]
	m.mu.Unlock()
	if !ok {
		return nil
	}
	return log.Flush(ctx)
}

func (m *Manager) attach(ctx context.Context, sessionID string) (*capture.Log, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closing[sessionID] {
		return nil, &capture.Error{Kind: capture.KindClosed, SessionID: sessionID, Err: capture.ErrClosed}
	}
	if log, ok := m.logs[sessionID]; ok {
		return log, nil
	}

	sess, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.Status != models.SessionStatusActive {
		return nil, &capture.Error{Kind: capture.KindClosed, SessionID: sessionID, Err: capture.ErrClosed}
	}
	last, err := m.store.LastSeq(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("read last seq: %w", err)
	}
	log := capture.Open(sessionID, last, m.store, m.cfg.Capture,
		capture.WithLogger(m.logger),
		capture.WithClock(m.now),
		capture.WithFlushHook(m.onFlush),
	)
	m.logs[sessionID] = log
	return log, nil
}

func (m *Manager) onFlush(events []models.SessionEvent) {
	if len(events) == 0 {
		return
	}
	id := events[0].SessionID
	m.processor.Observe(id, len(events))
	for _, t := range m.detectAfter {
		t.Observe(id, len(events))
	}
	for _, e := range events {
		if e.Kind == models.EventCheckpoint {
			m.detector.Trigger(id)
			break
		}
	}
}

func (m *Manager) detect(ctx context.Context, sessionID string) error {
	staged, err := m.patches.Detect(ctx, sessionID, boundary.Options{Now: m.now()})
	if err != nil {
		m.logger.Warn("boundary detection failed", "session", sessionID, "error", err)
		return err
	}
	if len(staged) > 0 {
		m.logger.Info("patches staged", "session", sessionID, "count", len(staged))
	}
	return nil
}

// EndResult reports what the shutdown sequence produced.
type EndResult struct {
	Session *models.SidecarSession `json:"session"`
	Patches []*models.StagedPatch  `json:"patches"`
}

// End shuts a session down: captures stop and flush, background jobs are
// cancelled and awaited, the tail is closed into a final patch, and only
// then is the session marked Ended.
func (m *Manager) End(ctx context.Context, sessionID string) (*EndResult, error) {
	sess, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.Status == models.SessionStatusEnded {
		return &EndResult{Session: sess}, nil
	}

	m.mu.Lock()
	if m.closing[sessionID] {
		m.mu.Unlock()
		return nil, fmt.Errorf("session %s is already ending: %w", sessionID, store.ErrConflict)
	}
	m.closing[sessionID] = true
	log, ok := m.logs[sessionID]
	m.mu.Unlock()

	ended := false
	defer func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.closing, sessionID)
		// A log that still holds events stays so a retried End can flush it.
		if ended || (ok && log.Pending() == 0) {
			delete(m.logs, sessionID)
		}
	}()

	if ok {
		if err := log.Close(ctx); err != nil {
			return nil, fmt.Errorf("flush session %s: %w", sessionID, err)
		}
	}

	if err := m.stopJobs(ctx, sessionID); err != nil {
		return nil, err
	}

	if err := m.processor.ProcessNow(ctx, sessionID); err != nil {
		m.logger.Warn("final state pass failed", "session", sessionID, "error", err)
	}
	staged, err := m.patches.Detect(ctx, sessionID, boundary.Options{Final: true, Now: m.now()})
	if err != nil {
		m.logger.Warn("final boundary pass failed", "session", sessionID, "error", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	endedAt := m.now().UTC()
	if err := m.store.EndSession(ctx, sessionID, endedAt); err != nil {
		return nil, err
	}
	ended = true
	m.processor.Forget(sessionID)
	sess.Status = models.SessionStatusEnded
	sess.EndedAt = &endedAt
	m.logger.Info("session ended", "session", sessionID, "final_patches", len(staged))
	return &EndResult{Session: sess, Patches: staged}, nil
}

func (m *Manager) stopJobs(ctx context.Context, sessionID string) error {
	for _, t := range m.detectAfter {
		t.Forget(sessionID)
	}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return m.processor.Stop(gctx, sessionID) })
	g.Go(func() error { return m.detector.Stop(gctx, sessionID) })
	if err := g.Wait(); err != nil {
		return fmt.Errorf("stop jobs for %s: %w", sessionID, err)
	}
	return nil
}

// Close flushes every open capture log and stops background jobs without
// ending any session.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	logs := m.logs
	m.logs = make(map[string]*capture.Log)
	m.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for id, log := range logs {
		g.Go(func() error {
			if err := log.Close(gctx); err != nil {
				return fmt.Errorf("flush session %s: %w", id, err)
			}
			return m.stopJobs(gctx, id)
		})
	}
	return g.Wait()
}

// State returns the committed state of a session.
func (m *Manager) State(ctx context.Context, sessionID string) (*models.SessionState, error) {
	if _, err := m.store.GetSession(ctx, sessionID); err != nil {
		return nil, err
	}
	return m.processor.State(ctx, sessionID)
}

// Process folds any unprocessed events now and returns the new state.
// Narrative failures keep the fresh structured state.
func (m *Manager) Process(ctx context.Context, sessionID string) (*models.SessionState, error) {
	if err := m.Flush(ctx, sessionID); err != nil {
		return nil, err
	}
	if err := m.processor.ProcessNow(ctx, sessionID); err != nil {
		var perr *state.ProcessingError
		if !errors.As(err, &perr) || perr.Stage != state.StageNarrative {
			return nil, err
		}
		m.logger.Warn("narrative failed", "session", sessionID, "error", err)
	}
	return m.processor.State(ctx, sessionID)
}

// Events returns the session's events in [from, to]; to <= 0 reads to the end.
func (m *Manager) Events(ctx context.Context, sessionID string, from, to int64) ([]models.SessionEvent, error) {
	if _, err := m.store.GetSession(ctx, sessionID); err != nil {
		return nil, err
	}
	return m.store.ReadRange(ctx, sessionID, from, to)
}

// Search runs a semantic query over the session's indexed history.
func (m *Manager) Search(ctx context.Context, sessionID, query string, k int) ([]models.SearchResult, error) {
	if _, err := m.store.GetSession(ctx, sessionID); err != nil {
		return nil, err
	}
	return m.index.Search(ctx, sessionID, query, k)
}

// DetectPatches runs boundary detection now and returns newly staged patches.
func (m *Manager) DetectPatches(ctx context.Context, sessionID string) ([]*models.StagedPatch, error) {
	if err := m.Flush(ctx, sessionID); err != nil {
		return nil, err
	}
	return m.patches.Detect(ctx, sessionID, boundary.Options{Now: m.now()})
}

// ListPatches returns a session's patches, optionally filtered by status.
func (m *Manager) ListPatches(ctx context.Context, sessionID string, status models.PatchStatus) ([]*models.StagedPatch, error) {
	if status == "" {
		return m.patches.List(ctx, sessionID)
	}
	return m.store.ListPatches(ctx, sessionID, status)
}

// GetPatch returns one patch.
func (m *Manager) GetPatch(ctx context.Context, id string) (*models.StagedPatch, error) {
	return m.patches.Get(ctx, id)
}

// CommitPatch finalizes a pending patch. With synthesize set and no message,
// the message comes from the synthesis engine. Artifact proposals are
// refreshed afterwards on a best-effort basis.
func (m *Manager) CommitPatch(ctx context.Context, id, message string, synthesize bool) (*models.StagedPatch, error) {
	if message == "" && synthesize {
		p, err := m.patches.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		res, err := m.synth.Synthesize(ctx, p.SessionID, id, "")
		if err != nil {
			return nil, err
		}
		message = res.Text
	}
	p, err := m.patches.Commit(ctx, id, message)
	if err != nil {
		return nil, err
	}
	if _, err := m.artifacts.Propose(ctx, p.SessionID); err != nil {
		m.logger.Warn("artifact proposal failed", "session", p.SessionID, "error", err)
	}
	return p, nil
}

// DiscardPatch marks a pending patch discarded.
func (m *Manager) DiscardPatch(ctx context.Context, id string) (*models.StagedPatch, error) {
	return m.patches.Discard(ctx, id)
}

// Synthesize produces a commit message for a patch.
func (m *Manager) Synthesize(ctx context.Context, sessionID, patchID, backend string) (*synthesis.Result, error) {
	return m.synth.Synthesize(ctx, sessionID, patchID, backend)
}

// SynthesizeSummary produces a summary of the whole session from its state,
// events and committed patches.
func (m *Manager) SynthesizeSummary(ctx context.Context, sessionID, backend string) (*synthesis.Result, error) {
	if _, err := m.store.GetSession(ctx, sessionID); err != nil {
		return nil, err
	}
	st, err := m.Process(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	events, err := m.store.ReadRange(ctx, sessionID, 1, 0)
	if err != nil {
		return nil, err
	}
	committed, err := m.store.ListPatches(ctx, sessionID, models.PatchCommitted)
	if err != nil {
		return nil, err
	}

	in := synthesis.SummaryInput{
		SessionID: sessionID,
		Narrative: st.Narrative,
		Events:    len(events),
	}
	for _, e := range events {
		if e.Kind == models.EventCheckpoint {
			in.Checkpoints++
		}
	}
	for _, g := range st.Goals {
		if in.Request == "" || g.Source == models.GoalFromInitialPrompt {
			in.Request = g.Description
		}
		if g.Source == models.GoalFromInitialPrompt {
			break
		}
	}
	for path, fc := range st.FileContexts {
		if fc.Modified {
			in.Files = append(in.Files, path)
		}
	}
	sort.Strings(in.Files)
	for _, p := range committed {
		subject, _, _ := strings.Cut(strings.TrimSpace(p.Message), "\n")
		in.Commits = append(in.Commits, subject)
	}
	return m.synth.Summarize(ctx, in, backend)
}

// SynthesisBackends lists the registered synthesis backends.
func (m *Manager) SynthesisBackends() []string { return m.synth.Backends() }

// ProposeArtifacts regenerates documentation proposals from committed patches.
func (m *Manager) ProposeArtifacts(ctx context.Context, sessionID string) ([]*models.ArtifactFile, error) {
	return m.artifacts.Propose(ctx, sessionID)
}

// CreateArtifact records a caller-supplied proposal.
func (m *Manager) CreateArtifact(ctx context.Context, p artifacts.Proposal) (*models.ArtifactFile, error) {
	return m.artifacts.Create(ctx, p)
}

func (m *Manager) ListArtifacts(ctx context.Context, sessionID string, status models.ArtifactStatus) ([]*models.ArtifactFile, error) {
	return m.artifacts.List(ctx, sessionID, status)
}

func (m *Manager) GetArtifact(ctx context.Context, id string) (*models.ArtifactFile, error) {
	return m.artifacts.Get(ctx, id)
}

func (m *Manager) PreviewArtifact(ctx context.Context, id string) (string, error) {
	return m.artifacts.Preview(ctx, id)
}

func (m *Manager) ApplyArtifact(ctx context.Context, id string) (*models.ArtifactFile, error) {
	return m.artifacts.Apply(ctx, id)
}

func (m *Manager) RejectArtifact(ctx context.Context, id string) (*models.ArtifactFile, error) {
	return m.artifacts.Reject(ctx, id)
}
