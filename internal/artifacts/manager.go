// Package artifacts proposes documentation updates from a session's work and
// applies them to the workspace only on explicit request.
package artifacts

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joescharf/sidecar/internal/diff"
	"github.com/joescharf/sidecar/internal/models"
	"github.com/joescharf/sidecar/internal/store"
	"github.com/joescharf/sidecar/internal/workspace"
)

// ErrorKind classifies artifact failures.
type ErrorKind string

const (
	KindNotFound          ErrorKind = "not_found"
	KindInvalidTransition ErrorKind = "invalid_transition"
	KindDanglingPatch     ErrorKind = "dangling_patch"
	KindWrite             ErrorKind = "write"
)

// Error is an artifact operation failure.
type Error struct {
	Kind       ErrorKind
	ArtifactID string
	Err        error
}

func (e *Error) Error() string {
	if e.ArtifactID == "" {
		return fmt.Sprintf("artifact %s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("artifact %s %s: %v", e.ArtifactID, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// IsKind reports whether err is an artifact Error of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var aerr *Error
	return errors.As(err, &aerr) && aerr.Kind == kind
}

// Store is the persistence the manager needs.
type Store interface {
	GetSession(ctx context.Context, id string) (*models.SidecarSession, error)
	GetPatch(ctx context.Context, id string) (*models.StagedPatch, error)
	ListPatches(ctx context.Context, sessionID string, status models.PatchStatus) ([]*models.StagedPatch, error)
	CreateArtifact(ctx context.Context, a *models.ArtifactFile) error
	GetArtifact(ctx context.Context, id string) (*models.ArtifactFile, error)
	ListArtifacts(ctx context.Context, sessionID string, status models.ArtifactStatus) ([]*models.ArtifactFile, error)
	TransitionArtifact(ctx context.Context, id string, from, to models.ArtifactStatus, at time.Time) error
}

// StateSource supplies the session narrative.
type StateSource interface {
	State(ctx context.Context, sessionID string) (*models.SessionState, error)
}

// Proposal is a caller-supplied artifact.
type Proposal struct {
	SessionID      string
	Target         string
	Content        string
	Reason         string
	BasedOnPatches []string
}

// Manager owns the pending and applied proposal areas under
// dataDir/<session>/artifacts. Apply is the only method that writes a
// workspace file.
type Manager struct {
	store   Store
	states  StateSource
	dataDir string
	targets []string
	writer  DocWriter
	logger  *slog.Logger
	now     func() time.Time
}

// NewManager creates a Manager. A nil writer uses the template writer.
func NewManager(s Store, states StateSource, dataDir string, targets []string, writer DocWriter, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if writer == nil {
		writer = TemplateWriter{}
	}
	return &Manager{
		store:   s,
		states:  states,
		dataDir: dataDir,
		targets: targets,
		writer:  writer,
		logger:  logger,
		now:     time.Now,
	}
}

func (m *Manager) pendingDir(sessionID string) string {
	return filepath.Join(m.dataDir, sessionID, "artifacts", "pending")
}

func (m *Manager) appliedDir(sessionID string) string {
	return filepath.Join(m.dataDir, sessionID, "artifacts", "applied")
}

func fileName(a *models.ArtifactFile) string {
	return a.ID + "-" + filepath.Base(a.TargetPath)
}

// Propose regenerates each configured target that exists in the workspace
// from the session narrative and its committed patches. Targets whose content
// would not change, or that already have an identical pending proposal, are
// skipped.
func (m *Manager) Propose(ctx context.Context, sessionID string) ([]*models.ArtifactFile, error) {
	sess, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, &Error{Kind: KindNotFound, Err: err}
	}
	committed, err := m.store.ListPatches(ctx, sessionID, models.PatchCommitted)
	if err != nil {
		return nil, fmt.Errorf("list committed patches: %w", err)
	}
	if len(committed) == 0 {
		return nil, nil
	}

	var subjects, ids []string
	for _, p := range committed {
		subjects = append(subjects, subjectOf(p))
		ids = append(ids, p.ID)
	}
	narrative := ""
	if m.states != nil {
		if st, err := m.states.State(ctx, sessionID); err == nil {
			narrative = st.Narrative
		}
	}

	var created []*models.ArtifactFile
	for _, target := range m.targets {
		abs := filepath.Join(sess.WorkspaceRoot, target)
		existing, err := os.ReadFile(abs)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return created, &Error{Kind: KindWrite, Err: fmt.Errorf("read %s: %w", target, err)}
		}

		in := DocInput{Target: target, Existing: string(existing), Narrative: narrative, Subjects: subjects}
		content, backend := m.write(ctx, in)
		if content == string(existing) {
			continue
		}
		if m.hasPending(ctx, sessionID, target, content) {
			continue
		}

		a, err := m.Create(ctx, Proposal{
			SessionID:      sessionID,
			Target:         target,
			Content:        content,
			Reason:         fmt.Sprintf("Updated from %d committed patches (%s)", len(committed), backend),
			BasedOnPatches: ids,
		})
		if err != nil {
			return created, err
		}
		created = append(created, a)
	}
	if len(created) > 0 {
		m.logger.Info("proposed artifacts", "session", sessionID, "count", len(created))
	}
	return created, nil
}

func (m *Manager) write(ctx context.Context, in DocInput) (string, string) {
	content, err := m.writer.Write(ctx, in)
	if err == nil {
		return content, m.writer.Name()
	}
	m.logger.Warn("document writer failed, using template", "writer", m.writer.Name(), "target", in.Target, "error", err)
	content, _ = TemplateWriter{}.Write(ctx, in)
	return content, BackendTemplate
}

func (m *Manager) hasPending(ctx context.Context, sessionID, target, content string) bool {
	pending, err := m.store.ListArtifacts(ctx, sessionID, models.ArtifactPending)
	if err != nil {
		return false
	}
	for _, a := range pending {
		if a.TargetPath != target {
			continue
		}
		if _, body, err := m.readFile(a); err == nil && body == content {
			return true
		}
	}
	return false
}

func subjectOf(p *models.StagedPatch) string {
	msg := strings.TrimSpace(p.Message)
	if msg == "" {
		return fmt.Sprintf("Changes to %s", strings.Join(p.Files, ", "))
	}
	subject, _, _ := strings.Cut(msg, "\n")
	return subject
}

// Create validates provenance and writes a pending proposal. Every patch in
// BasedOnPatches must exist, belong to the session and be committed.
func (m *Manager) Create(ctx context.Context, p Proposal) (*models.ArtifactFile, error) {
	sess, err := m.store.GetSession(ctx, p.SessionID)
	if err != nil {
		return nil, &Error{Kind: KindNotFound, Err: err}
	}
	target, err := cleanTarget(p.Target)
	if err != nil {
		return nil, &Error{Kind: KindWrite, Err: err}
	}
	for _, id := range p.BasedOnPatches {
		patch, err := m.store.GetPatch(ctx, id)
		if err != nil {
			return nil, &Error{Kind: KindDanglingPatch, Err: fmt.Errorf("patch %s: %w", id, err)}
		}
		if patch.SessionID != p.SessionID || patch.Status != models.PatchCommitted {
			return nil, &Error{Kind: KindDanglingPatch, Err: fmt.Errorf("patch %s is %s in session %s", id, patch.Status, patch.SessionID)}
		}
	}

	now := m.now().UTC()
	a := &models.ArtifactFile{
		ID:             models.NewID(now),
		SessionID:      p.SessionID,
		TargetPath:     target,
		Content:        p.Content,
		Reason:         oneLine(p.Reason),
		BasedOnPatches: append([]string{}, p.BasedOnPatches...),
		Status:         models.ArtifactPending,
		CreatedAt:      now,
	}
	h := Header{
		Target:  filepath.Join(sess.WorkspaceRoot, target),
		Created: now,
		Reason:  a.Reason,
		BasedOn: a.BasedOnPatches,
	}
	path := filepath.Join(m.pendingDir(p.SessionID), fileName(a))
	if err := workspace.WriteFileAtomic(path, encodeFile(h, p.Content), 0o644); err != nil {
		return nil, &Error{Kind: KindWrite, ArtifactID: a.ID, Err: err}
	}
	if err := m.store.CreateArtifact(ctx, a); err != nil {
		_ = os.Remove(path)
		return nil, fmt.Errorf("record artifact: %w", err)
	}
	return a, nil
}

func cleanTarget(target string) (string, error) {
	if target == "" {
		return "", errors.New("empty target")
	}
	if strings.ContainsAny(target, "\r\n") {
		return "", fmt.Errorf("target %q contains a line break", target)
	}
	clean := filepath.Clean(target)
	if filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("target %q is outside the workspace", target)
	}
	return filepath.ToSlash(clean), nil
}

// Get returns an artifact with its proposed content. Rejected artifacts have
// no content.
func (m *Manager) Get(ctx context.Context, id string) (*models.ArtifactFile, error) {
	a, err := m.get(ctx, id)
	if err != nil {
		return nil, err
	}
	if a.Status != models.ArtifactRejected {
		_, body, err := m.readFile(a)
		if err != nil {
			return nil, &Error{Kind: KindNotFound, ArtifactID: id, Err: err}
		}
		a.Content = body
	}
	return a, nil
}

func (m *Manager) get(ctx context.Context, id string) (*models.ArtifactFile, error) {
	a, err := m.store.GetArtifact(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, &Error{Kind: KindNotFound, ArtifactID: id, Err: err}
		}
		return nil, err
	}
	return a, nil
}

// List returns a session's artifacts, optionally filtered by status.
func (m *Manager) List(ctx context.Context, sessionID string, status models.ArtifactStatus) ([]*models.ArtifactFile, error) {
	return m.store.ListArtifacts(ctx, sessionID, status)
}

// readFile loads the proposal from the pending area, or the applied area once
// it has moved.
func (m *Manager) readFile(a *models.ArtifactFile) (Header, string, error) {
	name := fileName(a)
	var lastErr error
	for _, dir := range []string{m.pendingDir(a.SessionID), m.appliedDir(a.SessionID)} {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			lastErr = err
			continue
		}
		return decodeFile(data)
	}
	return Header{}, "", lastErr
}

// Preview returns a unified diff from the current target to the proposal.
func (m *Manager) Preview(ctx context.Context, id string) (string, error) {
	a, err := m.Get(ctx, id)
	if err != nil {
		return "", err
	}
	if a.Status == models.ArtifactRejected {
		return "", &Error{Kind: KindInvalidTransition, ArtifactID: id, Err: errors.New("artifact was rejected")}
	}
	sess, err := m.store.GetSession(ctx, a.SessionID)
	if err != nil {
		return "", err
	}
	current, err := os.ReadFile(filepath.Join(sess.WorkspaceRoot, a.TargetPath))
	created := errors.Is(err, os.ErrNotExist)
	if err != nil && !created {
		return "", fmt.Errorf("read target: %w", err)
	}
	text, _ := diff.Unified(diff.File{
		NewPath: a.TargetPath,
		Old:     string(current),
		New:     a.Content,
		Created: created,
	}, diff.DefaultContext)
	return text, nil
}

// Apply writes the proposal to its target and moves it to the applied area.
// Applying an applied artifact is a no-op; applying a rejected one fails.
func (m *Manager) Apply(ctx context.Context, id string) (*models.ArtifactFile, error) {
	a, err := m.get(ctx, id)
	if err != nil {
		return nil, err
	}
	switch a.Status {
	case models.ArtifactApplied:
		return a, nil
	case models.ArtifactRejected:
		return nil, &Error{Kind: KindInvalidTransition, ArtifactID: id, Err: errors.New("artifact was rejected")}
	}

	sess, err := m.store.GetSession(ctx, a.SessionID)
	if err != nil {
		return nil, err
	}
	_, content, err := m.readFile(a)
	if err != nil {
		return nil, &Error{Kind: KindWrite, ArtifactID: id, Err: fmt.Errorf("read proposal: %w", err)}
	}

	target := filepath.Join(sess.WorkspaceRoot, a.TargetPath)
	prev, err := os.ReadFile(target)
	existed := err == nil
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, &Error{Kind: KindWrite, ArtifactID: id, Err: fmt.Errorf("read target: %w", err)}
	}
	if err := workspace.WriteFileAtomic(target, []byte(content), 0o644); err != nil {
		return nil, &Error{Kind: KindWrite, ArtifactID: id, Err: err}
	}

	now := m.now().UTC()
	if err := m.store.TransitionArtifact(ctx, id, models.ArtifactPending, models.ArtifactApplied, now); err != nil {
		if errors.Is(err, store.ErrConflict) {
			if cur, gerr := m.get(ctx, id); gerr == nil && cur.Status == models.ArtifactApplied {
				return cur, nil
			}
		}
		m.restoreTarget(id, target, prev, existed)
		if errors.Is(err, store.ErrConflict) {
			return nil, &Error{Kind: KindInvalidTransition, ArtifactID: id, Err: err}
		}
		return nil, fmt.Errorf("mark applied: %w", err)
	}

	name := fileName(a)
	if err := os.MkdirAll(m.appliedDir(a.SessionID), 0o755); err == nil {
		err = os.Rename(filepath.Join(m.pendingDir(a.SessionID), name), filepath.Join(m.appliedDir(a.SessionID), name))
		if err != nil {
			m.logger.Warn("move applied artifact", "artifact", id, "error", err)
		}
	}

	m.logger.Info("applied artifact", "artifact", id, "target", a.TargetPath)
	a.Status = models.ArtifactApplied
	a.ResolvedAt = &now
	a.Content = content
	return a, nil
}

// restoreTarget puts the target back the way Apply found it.
func (m *Manager) restoreTarget(id, target string, prev []byte, existed bool) {
	var err error
	if existed {
		err = workspace.WriteFileAtomic(target, prev, 0o644)
	} else {
		err = os.Remove(target)
	}
	if err != nil {
		m.logger.Error("restore target after failed apply", "artifact", id, "target", target, "error", err)
	}
}

// Reject discards a pending proposal without touching its target.
// Rejecting a rejected artifact is a no-op.
func (m *Manager) Reject(ctx context.Context, id string) (*models.ArtifactFile, error) {
	a, err := m.get(ctx, id)
	if err != nil {
		return nil, err
	}
	switch a.Status {
	case models.ArtifactRejected:
		return a, nil
	case models.ArtifactApplied:
		return nil, &Error{Kind: KindInvalidTransition, ArtifactID: id, Err: errors.New("artifact was already applied")}
	}

	now := m.now().UTC()
	if err := m.store.TransitionArtifact(ctx, id, models.ArtifactPending, models.ArtifactRejected, now); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return nil, &Error{Kind: KindInvalidTransition, ArtifactID: id, Err: err}
		}
		return nil, fmt.Errorf("mark rejected: %w", err)
	}
	if err := os.Remove(filepath.Join(m.pendingDir(a.SessionID), fileName(a))); err != nil && !errors.Is(err, os.ErrNotExist) {
		m.logger.Warn("remove rejected artifact", "artifact", id, "error", err)
	}
	a.Status = models.ArtifactRejected
	a.ResolvedAt = &now
	return a, nil
}
