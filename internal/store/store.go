package store

import (
	"context"
	"errors"
	"time"

	"github.com/joescharf/sidecar/internal/models"
)

var (
	// ErrNotFound is wrapped by every lookup that finds no row.
	ErrNotFound = errors.New("not found")
	// ErrConflict is wrapped when a write would violate a uniqueness or
	// ordering invariant (active session per workspace, patch partition,
	// artifact status transition).
	ErrConflict = errors.New("conflict")
	// ErrEnded is wrapped when events are appended to a session that has
	// already ended.
	ErrEnded = errors.New("session ended")
)

// SessionFilter narrows ListSessions.
type SessionFilter struct {
	WorkspaceRoot string
	Status        models.SessionStatus
	Limit         int
}

// Store defines the persistence interface for sidecar.
type Store interface {
	// Sessions
	CreateSession(ctx context.Context, sess *models.SidecarSession) error
	GetSession(ctx context.Context, id string) (*models.SidecarSession, error)
	GetActiveSession(ctx context.Context, workspaceRoot string) (*models.SidecarSession, error)
	ListSessions(ctx context.Context, filter SessionFilter) ([]*models.SessionSummary, error)
	EndSession(ctx context.Context, id string, endedAt time.Time) error

	// Event log
	AppendEvents(ctx context.Context, events []models.SessionEvent) error
	ReadRange(ctx context.Context, sessionID string, fromSeq, toSeq int64) ([]models.SessionEvent, error)
	LastSeq(ctx context.Context, sessionID string) (int64, error)

	// Snapshots
	SaveSnapshot(ctx context.Context, state *models.SessionState) error
	LatestSnapshot(ctx context.Context, sessionID string) (*models.Snapshot, error)

	// Patches
	CreatePatch(ctx context.Context, p *models.StagedPatch) error
	GetPatch(ctx context.Context, id string) (*models.StagedPatch, error)
	ListPatches(ctx context.Context, sessionID string, status models.PatchStatus) ([]*models.StagedPatch, error)
	UpdatePatch(ctx context.Context, p *models.StagedPatch) error
	LastPatchEnd(ctx context.Context, sessionID string) (int64, error)

	// Artifacts
	CreateArtifact(ctx context.Context, a *models.ArtifactFile) error
	GetArtifact(ctx context.Context, id string) (*models.ArtifactFile, error)
	ListArtifacts(ctx context.Context, sessionID string, status models.ArtifactStatus) ([]*models.ArtifactFile, error)
	TransitionArtifact(ctx context.Context, id string, from, to models.ArtifactStatus, at time.Time) error

	// Embeddings
	SaveEmbedding(ctx context.Context, e *models.Embedding) error
	ListEmbeddings(ctx context.Context, sessionID string) ([]*models.Embedding, error)

	Migrate(ctx context.Context) error
	Close() error
}
