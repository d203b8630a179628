package models

import "time"

// SessionStatus represents the lifecycle state of a sidecar session.
type SessionStatus string

const (
	SessionStatusActive SessionStatus = "active"
	SessionStatusEnded  SessionStatus = "ended"
)

// SidecarSession is one capture session bound to a workspace root.
// At most one session per workspace is Active at a time.
type SidecarSession struct {
	ID            string        `json:"id"`
	WorkspaceRoot string        `json:"workspace_root"`
	Status        SessionStatus `json:"status"`
	StartedAt     time.Time     `json:"started_at"`
	EndedAt       *time.Time    `json:"ended_at,omitempty"`
}

// SessionSummary is a SidecarSession with aggregate counts for listings.
type SessionSummary struct {
	SidecarSession
	EventCount     int   `json:"event_count"`
	LastSeq        int64 `json:"last_seq"`
	PendingPatches int   `json:"pending_patches"`
	PendingDocs    int   `json:"pending_artifacts"`
}
