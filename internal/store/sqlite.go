package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/joescharf/sidecar/internal/models"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

var (
	snapshotEncoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	snapshotDecoder, _ = zstd.NewReader(nil)
)

// SQLiteStore implements Store using modernc.org/sqlite (pure Go, no CGO).
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite database at the given path.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// One connection serializes writers; the capture flusher, the processor and
	// API handlers all share it.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("%s: %w", strings.ToLower(pragma), err)
		}
	}

	return &SQLiteStore{db: db}, nil
}

// Migrate runs all embedded SQL migration files in order.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		filename TEXT PRIMARY KEY,
		applied_at DATETIME NOT NULL DEFAULT (datetime('now'))
	)`)
	if err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()

		var count int
		err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM schema_migrations WHERE filename = ?", name).Scan(&count)
		if err != nil {
			return fmt.Errorf("check migration %s: %w", name, err)
		}
		if count > 0 {
			continue
		}

		data, err := migrationsFS.ReadFile("migrations/" + name)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}
		if _, err := s.db.ExecContext(ctx, string(data)); err != nil {
			return fmt.Errorf("apply migration %s: %w", name, err)
		}
		if _, err := s.db.ExecContext(ctx, "INSERT INTO schema_migrations (filename) VALUES (?)", name); err != nil {
			return fmt.Errorf("record migration %s: %w", name, err)
		}
	}

	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// --- Sessions ---

func (s *SQLiteStore) CreateSession(ctx context.Context, sess *models.SidecarSession) error {
	if sess.StartedAt.IsZero() {
		sess.StartedAt = time.Now().UTC()
	}
	if sess.ID == "" {
		sess.ID = models.NewID(sess.StartedAt)
	}
	if sess.Status == "" {
		sess.Status = models.SessionStatusActive
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, workspace_root, status, started_at) VALUES (?, ?, ?, ?)`,
		sess.ID, sess.WorkspaceRoot, string(sess.Status), sess.StartedAt,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("workspace %s already has an active session: %w", sess.WorkspaceRoot, ErrConflict)
	}
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

const sessionColumns = `id, workspace_root, status, started_at, ended_at`

func scanSession(row interface{ Scan(...any) error }) (*models.SidecarSession, error) {
	sess := &models.SidecarSession{}
	var status string
	var endedAt sql.NullTime
	if err := row.Scan(&sess.ID, &sess.WorkspaceRoot, &status, &sess.StartedAt, &endedAt); err != nil {
		return nil, err
	}
	sess.Status = models.SessionStatus(status)
	sess.StartedAt = sess.StartedAt.UTC()
	if endedAt.Valid {
		t := endedAt.Time.UTC()
		sess.EndedAt = &t
	}
	return sess, nil
}

func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*models.SidecarSession, error) {
	sess, err := scanSession(s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return sess, nil
}

func (s *SQLiteStore) GetActiveSession(ctx context.Context, workspaceRoot string) (*models.SidecarSession, error) {
	sess, err := scanSession(s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE workspace_root = ? AND status = 'active'`, workspaceRoot))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("active session for %s: %w", workspaceRoot, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get active session: %w", err)
	}
	return sess, nil
}

func (s *SQLiteStore) ListSessions(ctx context.Context, filter SessionFilter) ([]*models.SessionSummary, error) {
	query := `SELECT s.id, s.workspace_root, s.status, s.started_at, s.ended_at,
		(SELECT COUNT(*) FROM events e WHERE e.session_id = s.id),
		(SELECT COALESCE(MAX(seq), 0) FROM events e WHERE e.session_id = s.id),
		(SELECT COUNT(*) FROM patches p WHERE p.session_id = s.id AND p.status = 'pending'),
		(SELECT COUNT(*) FROM artifacts a WHERE a.session_id = s.id AND a.status = 'pending')
		FROM sessions s WHERE 1=1`
	var args []any

	if filter.WorkspaceRoot != "" {
		query += " AND s.workspace_root = ?"
		args = append(args, filter.WorkspaceRoot)
	}
	if filter.Status != "" {
		query += " AND s.status = ?"
		args = append(args, string(filter.Status))
	}
	query += " ORDER BY s.started_at DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*models.SessionSummary
	for rows.Next() {
		sum := &models.SessionSummary{}
		var status string
		var endedAt sql.NullTime
		if err := rows.Scan(&sum.ID, &sum.WorkspaceRoot, &status, &sum.StartedAt, &endedAt,
			&sum.EventCount, &sum.LastSeq, &sum.PendingPatches, &sum.PendingDocs); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sum.Status = models.SessionStatus(status)
		if endedAt.Valid {
			t := endedAt.Time.UTC()
			sum.EndedAt = &t
		}
		out = append(out, sum)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) EndSession(ctx context.Context, id string, endedAt time.Time) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET status = 'ended', ended_at = ? WHERE id = ?`, endedAt.UTC(), id)
	if err != nil {
		return fmt.Errorf("end session: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	return nil
}

// --- Event log ---

// AppendEvents writes a batch of sequenced events in one transaction.
// Re-appending an event already stored under the same ID is ignored so flush
// retries are safe. A (session, seq) held by a different event fails the
// whole batch with ErrConflict, and appends to an ended session fail with
// ErrEnded.
func (s *SQLiteStore) AppendEvents(ctx context.Context, events []models.SessionEvent) error {
	if len(events) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin append: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	sessionID := events[0].SessionID
	var status string
	err = tx.QueryRowContext(ctx, `SELECT status FROM sessions WHERE id = ?`, sessionID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("session %s: %w", sessionID, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("check session: %w", err)
	}
	if status != string(models.SessionStatusActive) {
		return fmt.Errorf("session %s: %w", sessionID, ErrEnded)
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO events (session_id, seq, id, ts, kind, payload) VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING`)
	if err != nil {
		return fmt.Errorf("prepare append: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	for _, e := range events {
		if e.SessionID != sessionID {
			return fmt.Errorf("append event %d: batch mixes sessions %s and %s", e.Seq, sessionID, e.SessionID)
		}
		result, err := stmt.ExecContext(ctx, e.SessionID, e.Seq, e.ID, e.Timestamp.UTC(), string(e.Kind), string(e.Payload))
		if err != nil {
			return fmt.Errorf("append event %d: %w", e.Seq, err)
		}
		if n, _ := result.RowsAffected(); n > 0 {
			continue
		}
		var existing string
		err = tx.QueryRowContext(ctx,
			`SELECT id FROM events WHERE session_id = ? AND seq = ?`, e.SessionID, e.Seq).Scan(&existing)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("check event %d: %w", e.Seq, err)
		}
		if existing != e.ID {
			return fmt.Errorf("event %d of session %s: %w", e.Seq, e.SessionID, ErrConflict)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit append: %w", err)
	}
	return nil
}

// ReadRange returns events with fromSeq <= seq <= toSeq in sequence order.
// A toSeq <= 0 leaves the range open-ended.
func (s *SQLiteStore) ReadRange(ctx context.Context, sessionID string, fromSeq, toSeq int64) ([]models.SessionEvent, error) {
	query := `SELECT id, session_id, seq, ts, kind, payload FROM events WHERE session_id = ? AND seq >= ?`
	args := []any{sessionID, fromSeq}
	if toSeq > 0 {
		query += " AND seq <= ?"
		args = append(args, toSeq)
	}
	query += " ORDER BY seq"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("read events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var events []models.SessionEvent
	for rows.Next() {
		var e models.SessionEvent
		var kind, payload string
		if err := rows.Scan(&e.ID, &e.SessionID, &e.Seq, &e.Timestamp, &kind, &payload); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.Timestamp = e.Timestamp.UTC()
		e.Kind = models.EventKind(kind)
		e.Payload = json.RawMessage(payload)
		events = append(events, e)
	}
	return events, rows.Err()
}

func (s *SQLiteStore) LastSeq(ctx context.Context, sessionID string) (int64, error) {
	var seq int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) FROM events WHERE session_id = ?`, sessionID).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("last seq: %w", err)
	}
	return seq, nil
}

// --- Snapshots ---

// SaveSnapshot stores the state as a zstd-compressed JSON blob keyed by its
// offset. Saving the same offset twice replaces the row.
func (s *SQLiteStore) SaveSnapshot(ctx context.Context, state *models.SessionState) error {
	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	blob := snapshotEncoder.EncodeAll(raw, nil)

	_, err = s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO snapshots (session_id, last_seq, state, created_at) VALUES (?, ?, ?, ?)`,
		state.SessionID, state.LastSeq, blob, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	return nil
}

func (s *SQLiteStore) LatestSnapshot(ctx context.Context, sessionID string) (*models.Snapshot, error) {
	snap := &models.Snapshot{SessionID: sessionID}
	var blob []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT last_seq, state, created_at FROM snapshots WHERE session_id = ? ORDER BY last_seq DESC LIMIT 1`,
		sessionID).Scan(&snap.LastSeq, &blob, &snap.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("snapshot for session %s: %w", sessionID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("latest snapshot: %w", err)
	}

	raw, err := snapshotDecoder.DecodeAll(blob, nil)
	if err != nil {
		return nil, fmt.Errorf("decompress snapshot: %w", err)
	}
	state := &models.SessionState{}
	if err := json.Unmarshal(raw, state); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	if state.FileContexts == nil {
		state.FileContexts = map[string]models.FileContext{}
	}
	snap.State = state
	return snap, nil
}

// --- Patches ---

// CreatePatch inserts a staged patch. The patch must start exactly one past
// the end of the session's previous patch so ranges form a partition.
func (s *SQLiteStore) CreatePatch(ctx context.Context, p *models.StagedPatch) error {
	if p.EndSeq < p.StartSeq {
		return fmt.Errorf("patch range [%d, %d] is empty: %w", p.StartSeq, p.EndSeq, ErrConflict)
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	if p.ID == "" {
		p.ID = models.NewID(p.CreatedAt)
	}
	if p.Status == "" {
		p.Status = models.PatchPending
	}
	files, err := json.Marshal(p.Files)
	if err != nil {
		return fmt.Errorf("marshal patch files: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin create patch: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var lastEnd int64
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(end_seq), 0) FROM patches WHERE session_id = ?`, p.SessionID).Scan(&lastEnd); err != nil {
		return fmt.Errorf("read last patch end: %w", err)
	}
	if p.StartSeq != lastEnd+1 {
		return fmt.Errorf("patch starts at %d, expected %d: %w", p.StartSeq, lastEnd+1, ErrConflict)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO patches (id, session_id, start_seq, end_seq, files, diff, reason, status, message, patch_file, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.SessionID, p.StartSeq, p.EndSeq, string(files), p.Diff, string(p.Reason),
		string(p.Status), p.Message, p.PatchFile, p.CreatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("patch at seq %d: %w", p.StartSeq, ErrConflict)
	}
	if err != nil {
		return fmt.Errorf("create patch: %w", err)
	}
	return tx.Commit()
}

const patchColumns = `id, session_id, start_seq, end_seq, files, diff, reason, status, message, patch_file, created_at, committed_at`

func scanPatch(row interface{ Scan(...any) error }) (*models.StagedPatch, error) {
	p := &models.StagedPatch{}
	var files, reason, status string
	var committedAt sql.NullTime
	if err := row.Scan(&p.ID, &p.SessionID, &p.StartSeq, &p.EndSeq, &files, &p.Diff, &reason,
		&status, &p.Message, &p.PatchFile, &p.CreatedAt, &committedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(files), &p.Files); err != nil {
		return nil, fmt.Errorf("decode patch files: %w", err)
	}
	p.Reason = models.BoundaryReason(reason)
	p.Status = models.PatchStatus(status)
	p.CreatedAt = p.CreatedAt.UTC()
	if committedAt.Valid {
		t := committedAt.Time.UTC()
		p.CommittedAt = &t
	}
	return p, nil
}

func (s *SQLiteStore) GetPatch(ctx context.Context, id string) (*models.StagedPatch, error) {
	p, err := scanPatch(s.db.QueryRowContext(ctx, `SELECT `+patchColumns+` FROM patches WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("patch %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get patch: %w", err)
	}
	return p, nil
}

// ListPatches returns a session's patches in sequence order, optionally
// filtered by status.
func (s *SQLiteStore) ListPatches(ctx context.Context, sessionID string, status models.PatchStatus) ([]*models.StagedPatch, error) {
	query := `SELECT ` + patchColumns + ` FROM patches WHERE session_id = ?`
	args := []any{sessionID}
	if status != "" {
		query += " AND status = ?"
		args = append(args, string(status))
	}
	query += " ORDER BY start_seq"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list patches: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var patches []*models.StagedPatch
	for rows.Next() {
		p, err := scanPatch(rows)
		if err != nil {
			return nil, fmt.Errorf("scan patch: %w", err)
		}
		patches = append(patches, p)
	}
	return patches, rows.Err()
}

// UpdatePatch persists review fields. The event range and diff are immutable,
// and only a pending patch can be updated: a patch already resolved by
// another writer fails with ErrConflict.
func (s *SQLiteStore) UpdatePatch(ctx context.Context, p *models.StagedPatch) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE patches SET status = ?, message = ?, patch_file = ?, committed_at = ?
		WHERE id = ? AND status = 'pending'`,
		string(p.Status), p.Message, p.PatchFile, p.CommittedAt, p.ID)
	if err != nil {
		return fmt.Errorf("update patch: %w", err)
	}
	if n, _ := result.RowsAffected(); n > 0 {
		return nil
	}
	cur, err := s.GetPatch(ctx, p.ID)
	if err != nil {
		return err
	}
	return fmt.Errorf("patch %s is %s: %w", p.ID, cur.Status, ErrConflict)
}

func (s *SQLiteStore) LastPatchEnd(ctx context.Context, sessionID string) (int64, error) {
	var end int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(end_seq), 0) FROM patches WHERE session_id = ?`, sessionID).Scan(&end)
	if err != nil {
		return 0, fmt.Errorf("last patch end: %w", err)
	}
	return end, nil
}

// --- Artifacts ---

func (s *SQLiteStore) CreateArtifact(ctx context.Context, a *models.ArtifactFile) error {
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	if a.ID == "" {
		a.ID = models.NewID(a.CreatedAt)
	}
	if a.Status == "" {
		a.Status = models.ArtifactPending
	}
	basedOn, err := json.Marshal(a.BasedOnPatches)
	if err != nil {
		return fmt.Errorf("marshal artifact provenance: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO artifacts (id, session_id, target_path, reason, based_on, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.SessionID, a.TargetPath, a.Reason, string(basedOn), string(a.Status), a.CreatedAt)
	if err != nil {
		return fmt.Errorf("create artifact: %w", err)
	}
	return nil
}

const artifactColumns = `id, session_id, target_path, reason, based_on, status, created_at, resolved_at`

func scanArtifact(row interface{ Scan(...any) error }) (*models.ArtifactFile, error) {
	a := &models.ArtifactFile{}
	var basedOn, status string
	var resolvedAt sql.NullTime
	if err := row.Scan(&a.ID, &a.SessionID, &a.TargetPath, &a.Reason, &basedOn, &status,
		&a.CreatedAt, &resolvedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(basedOn), &a.BasedOnPatches); err != nil {
		return nil, fmt.Errorf("decode artifact provenance: %w", err)
	}
	a.Status = models.ArtifactStatus(status)
	a.CreatedAt = a.CreatedAt.UTC()
	if resolvedAt.Valid {
		t := resolvedAt.Time.UTC()
		a.ResolvedAt = &t
	}
	return a, nil
}

func (s *SQLiteStore) GetArtifact(ctx context.Context, id string) (*models.ArtifactFile, error) {
	a, err := scanArtifact(s.db.QueryRowContext(ctx, `SELECT `+artifactColumns+` FROM artifacts WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("artifact %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get artifact: %w", err)
	}
	return a, nil
}

func (s *SQLiteStore) ListArtifacts(ctx context.Context, sessionID string, status models.ArtifactStatus) ([]*models.ArtifactFile, error) {
	query := `SELECT ` + artifactColumns + ` FROM artifacts WHERE session_id = ?`
	args := []any{sessionID}
	if status != "" {
		query += " AND status = ?"
		args = append(args, string(status))
	}
	query += " ORDER BY created_at, id"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list artifacts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*models.ArtifactFile
	for rows.Next() {
		a, err := scanArtifact(rows)
		if err != nil {
			return nil, fmt.Errorf("scan artifact: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// TransitionArtifact moves an artifact from one status to another. It fails
// with ErrConflict when the artifact is not currently in the from status.
func (s *SQLiteStore) TransitionArtifact(ctx context.Context, id string, from, to models.ArtifactStatus, at time.Time) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE artifacts SET status = ?, resolved_at = ? WHERE id = ? AND status = ?`,
		string(to), at.UTC(), id, string(from))
	if err != nil {
		return fmt.Errorf("transition artifact: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		if _, err := s.GetArtifact(ctx, id); err != nil {
			return err
		}
		return fmt.Errorf("artifact %s is not %s: %w", id, from, ErrConflict)
	}
	return nil
}
