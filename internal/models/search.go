package models

// EmbeddingKind distinguishes what an embedding vector was computed from.
type EmbeddingKind string

const (
	EmbeddingEvent    EmbeddingKind = "event"
	EmbeddingSnapshot EmbeddingKind = "snapshot"
)

// Embedding is a stored vector for one searchable item.
type Embedding struct {
	ID        string
	SessionID string
	Kind      EmbeddingKind
	Seq       int64
	Text      string
	Vector    []float32
}

// SearchResult is one ranked hit: either an event or a snapshot.
type SearchResult struct {
	Kind     EmbeddingKind `json:"kind"`
	Seq      int64         `json:"seq"`
	Score    float64       `json:"score"`
	Text     string        `json:"text"`
	Event    *SessionEvent `json:"event,omitempty"`
	Snapshot *SessionState `json:"snapshot,omitempty"`
}
