package models

import "time"

// PatchStatus represents the review state of a staged patch.
type PatchStatus string

const (
	PatchPending   PatchStatus = "pending"
	PatchCommitted PatchStatus = "committed"
	PatchDiscarded PatchStatus = "discarded"
)

// BoundaryReason records which trigger closed a segment.
type BoundaryReason string

const (
	BoundaryCheckpoint    BoundaryReason = "checkpoint"
	BoundaryIdleGap       BoundaryReason = "idle_gap"
	BoundaryChangeCluster BoundaryReason = "change_cluster"
	BoundarySessionEnd    BoundaryReason = "session_end"
)

// StagedPatch is a reviewable diff derived from one segment of the event log.
type StagedPatch struct {
	ID          string         `json:"id"`
	SessionID   string         `json:"session_id"`
	StartSeq    int64          `json:"start_seq"`
	EndSeq      int64          `json:"end_seq"`
	Files       []string       `json:"files"`
	Diff        string         `json:"diff"`
	Reason      BoundaryReason `json:"reason"`
	Status      PatchStatus    `json:"status"`
	Message     string         `json:"message,omitempty"`
	PatchFile   string         `json:"patch_file,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	CommittedAt *time.Time     `json:"committed_at,omitempty"`
}
