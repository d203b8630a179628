package models

import "time"

// ArtifactStatus represents the review state of a proposed artifact.
type ArtifactStatus string

const (
	ArtifactPending  ArtifactStatus = "pending"
	ArtifactApplied  ArtifactStatus = "applied"
	ArtifactRejected ArtifactStatus = "rejected"
)

// ArtifactFile is a proposed update to a documentation file with provenance.
type ArtifactFile struct {
	ID             string         `json:"id"`
	SessionID      string         `json:"session_id"`
	TargetPath     string         `json:"target_path"`
	Content        string         `json:"content,omitempty"`
	Reason         string         `json:"reason"`
	BasedOnPatches []string       `json:"based_on_patches"`
	Status         ArtifactStatus `json:"status"`
	CreatedAt      time.Time      `json:"created_at"`
	ResolvedAt     *time.Time     `json:"resolved_at,omitempty"`
}
