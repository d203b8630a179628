// Package patches turns detected segments into staged patch records and
// finalizes them as format-patch files.
package patches

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/joescharf/sidecar/internal/boundary"
	"github.com/joescharf/sidecar/internal/models"
	"github.com/joescharf/sidecar/internal/store"
	"github.com/joescharf/sidecar/internal/synthesis"
	"github.com/joescharf/sidecar/internal/workspace"
)

// Store is the persistence the manager needs.
type Store interface {
	GetSession(ctx context.Context, id string) (*models.SidecarSession, error)
	ReadRange(ctx context.Context, sessionID string, fromSeq, toSeq int64) ([]models.SessionEvent, error)
	CreatePatch(ctx context.Context, p *models.StagedPatch) error
	GetPatch(ctx context.Context, id string) (*models.StagedPatch, error)
	ListPatches(ctx context.Context, sessionID string, status models.PatchStatus) ([]*models.StagedPatch, error)
	UpdatePatch(ctx context.Context, p *models.StagedPatch) error
	LastPatchEnd(ctx context.Context, sessionID string) (int64, error)
}

// Workspace is the view of the working tree used to resolve file content.
type Workspace interface {
	Rel(path string) string
	HeadContent(path string) (string, bool)
	ReadFile(path string) (string, bool)
	HeadHash() string
	Author() (name, email string)
}

// Manager stages and finalizes patches.
type Manager struct {
	store   Store
	dataDir string
	cfg     boundary.Config
	logger  *slog.Logger
	now     func() time.Time

	// detectMu serializes detection so concurrent passes never stage the
	// same range twice.
	detectMu sync.Mutex
	// commitMu serializes commits so patch file numbers stay unique.
	commitMu sync.Mutex

	// WorkspaceFor resolves a session's workspace. Defaults to opening the
	// session's workspace root.
	WorkspaceFor func(ctx context.Context, sessionID string) (Workspace, error)
}

// NewManager creates a Manager writing committed patch files under
// dataDir/<session>/patches.
func NewManager(s Store, dataDir string, cfg boundary.Config, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{store: s, dataDir: dataDir, cfg: cfg, logger: logger, now: time.Now}
	m.WorkspaceFor = func(ctx context.Context, sessionID string) (Workspace, error) {
		sess, err := s.GetSession(ctx, sessionID)
		if err != nil {
			return nil, err
		}
		return workspace.Open(sess.WorkspaceRoot), nil
	}
	return m
}

// Detect runs boundary detection over the events after the session's last
// patch and stages every promoted segment. Each patch is written in its own
// transaction, so cancellation leaves only whole patches behind.
func (m *Manager) Detect(ctx context.Context, sessionID string, opts boundary.Options) ([]*models.StagedPatch, error) {
	m.detectMu.Lock()
	defer m.detectMu.Unlock()

	lastEnd, err := m.store.LastPatchEnd(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	events, err := m.store.ReadRange(ctx, sessionID, lastEnd+1, 0)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, nil
	}

	res := boundary.Detect(events, m.cfg, opts)
	for _, skipped := range res.Skipped {
		m.logger.Warn("boundary detection skipped segment", "session", sessionID,
			"start_seq", skipped.StartSeq, "end_seq", skipped.EndSeq, "error", skipped.Err)
	}
	if len(res.Segments) == 0 {
		return nil, nil
	}

	ws, err := m.WorkspaceFor(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("resolve workspace: %w", err)
	}
	hist := &history{store: m.store, ws: ws, sessionID: sessionID}

	var created []*models.StagedPatch
	for _, seg := range res.Segments {
		if err := ctx.Err(); err != nil {
			return created, err
		}
		p, err := m.stage(ctx, sessionID, seg, ws, hist)
		if err != nil {
			return created, err
		}
		created = append(created, p)
		m.logger.Info("staged patch", "session", sessionID, "patch", p.ID,
			"start_seq", p.StartSeq, "end_seq", p.EndSeq, "files", len(p.Files), "reason", p.Reason)
	}
	return created, nil
}

func (m *Manager) stage(ctx context.Context, sessionID string, seg boundary.Segment, ws Workspace, hist *history) (*models.StagedPatch, error) {
	text, err := buildDiff(ctx, seg, ws, hist)
	if err != nil {
		return nil, err
	}
	files := make([]string, 0, len(seg.Files()))
	for _, f := range seg.Files() {
		files = append(files, ws.Rel(f))
	}

	p := &models.StagedPatch{
		SessionID: sessionID,
		StartSeq:  seg.StartSeq,
		EndSeq:    seg.EndSeq,
		Files:     files,
		Diff:      text,
		Reason:    seg.Reason,
		Status:    models.PatchPending,
		CreatedAt: m.now().UTC(),
	}
	if err := m.store.CreatePatch(ctx, p); err != nil {
		return nil, fmt.Errorf("stage patch [%d, %d]: %w", seg.StartSeq, seg.EndSeq, err)
	}
	return p, nil
}

// ListPending returns the session's pending patches in sequence order.
func (m *Manager) ListPending(ctx context.Context, sessionID string) ([]*models.StagedPatch, error) {
	return m.store.ListPatches(ctx, sessionID, models.PatchPending)
}

// List returns every patch of the session in sequence order.
func (m *Manager) List(ctx context.Context, sessionID string) ([]*models.StagedPatch, error) {
	return m.store.ListPatches(ctx, sessionID, "")
}

// Get returns one patch.
func (m *Manager) Get(ctx context.Context, id string) (*models.StagedPatch, error) {
	return m.store.GetPatch(ctx, id)
}

// Commit finalizes a pending patch: the patch file is written atomically,
// then the record is marked committed. The working tree is never touched.
func (m *Manager) Commit(ctx context.Context, id, message string) (*models.StagedPatch, error) {
	m.commitMu.Lock()
	defer m.commitMu.Unlock()

	p, err := m.store.GetPatch(ctx, id)
	if err != nil {
		return nil, err
	}
	if p.Status != models.PatchPending {
		return nil, fmt.Errorf("patch %s is %s: %w", id, p.Status, store.ErrConflict)
	}
	if message == "" {
		message = defaultMessage(p)
	}

	ws, err := m.WorkspaceFor(ctx, p.SessionID)
	if err != nil {
		return nil, fmt.Errorf("resolve workspace: %w", err)
	}
	committed, err := m.store.ListPatches(ctx, p.SessionID, models.PatchCommitted)
	if err != nil {
		return nil, err
	}

	now := m.now().UTC()
	subject, _ := splitMessage(message)
	dir := filepath.Join(m.dataDir, p.SessionID, "patches")
	n := len(committed) + 1
	for {
		if taken, _ := filepath.Glob(filepath.Join(dir, fmt.Sprintf("%04d-*.patch", n))); len(taken) == 0 {
			break
		}
		n++
	}
	path := filepath.Join(dir, fmt.Sprintf("%04d-%s.patch", n, slug(subject)))

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	author, email := ws.Author()
	content := FormatPatch(p, message, ws.HeadHash(), author, email, now)
	if err := workspace.WriteFileAtomic(path, []byte(content), 0o644); err != nil {
		return nil, fmt.Errorf("write patch file: %w", err)
	}

	p.Status = models.PatchCommitted
	p.Message = message
	p.PatchFile = path
	p.CommittedAt = &now
	if err := m.store.UpdatePatch(ctx, p); err != nil {
		_ = os.Remove(path)
		return nil, err
	}
	return p, nil
}

// Discard marks a pending patch as discarded.
func (m *Manager) Discard(ctx context.Context, id string) (*models.StagedPatch, error) {
	p, err := m.store.GetPatch(ctx, id)
	if err != nil {
		return nil, err
	}
	if p.Status == models.PatchDiscarded {
		return p, nil
	}
	if p.Status != models.PatchPending {
		return nil, fmt.Errorf("patch %s is %s: %w", id, p.Status, store.ErrConflict)
	}
	p.Status = models.PatchDiscarded
	if err := m.store.UpdatePatch(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

// history lazily reads events before a segment to find a file's content as
// of the end of earlier patches.
type history struct {
	store     Store
	ws        Workspace
	sessionID string
	events    []models.SessionEvent
	loadedTo  int64
}

func (h *history) contentBefore(ctx context.Context, path string, seq int64) (string, bool, error) {
	if seq-1 > h.loadedTo {
		more, err := h.store.ReadRange(ctx, h.sessionID, h.loadedTo+1, seq-1)
		if err != nil {
			return "", false, err
		}
		h.events = append(h.events, more...)
		h.loadedTo = seq - 1
	}
	for i := len(h.events) - 1; i >= 0; i-- {
		e := h.events[i]
		if e.Seq >= seq || e.Kind != models.EventFileChange {
			continue
		}
		fc, err := e.FileChange()
		if err != nil {
			continue
		}
		same := h.ws.Rel(fc.Path) == path
		switch {
		case same && fc.Operation == models.FileDelete:
			return "", true, nil
		case same && fc.After != nil:
			return *fc.After, true, nil
		case fc.Operation == models.FileRename && fc.OldPath != "" && h.ws.Rel(fc.OldPath) == path:
			return "", true, nil
		}
	}
	return "", false, nil
}

func defaultMessage(p *models.StagedPatch) string {
	return synthesis.TemplateMessage(p.Files, p.Diff)
}
