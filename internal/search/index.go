package search

import (
	"container/heap"
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/joescharf/sidecar/internal/models"
	"github.com/joescharf/sidecar/internal/state"
)

// Store is the persistence the index needs.
type Store interface {
	SaveEmbedding(ctx context.Context, e *models.Embedding) error
	ListEmbeddings(ctx context.Context, sessionID string) ([]*models.Embedding, error)
	ReadRange(ctx context.Context, sessionID string, fromSeq, toSeq int64) ([]models.SessionEvent, error)
}

// Index embeds high-signal events and session narratives.
type Index struct {
	store    Store
	embedder Embedder
	logger   *slog.Logger
}

// NewIndex creates an Index.
func NewIndex(s Store, e Embedder, logger *slog.Logger) *Index {
	if logger == nil {
		logger = slog.Default()
	}
	return &Index{store: s, embedder: e, logger: logger}
}

// IndexEvents embeds the searchable events among events.
func (ix *Index) IndexEvents(ctx context.Context, sessionID string, events []models.SessionEvent) error {
	for _, e := range events {
		text, ok := eventText(e)
		if !ok {
			continue
		}
		vec, err := ix.embedder.Embed(ctx, text)
		if err != nil {
			return fmt.Errorf("embed event %d: %w", e.Seq, err)
		}
		if err := ix.store.SaveEmbedding(ctx, &models.Embedding{
			ID:        "event:" + e.ID,
			SessionID: sessionID,
			Kind:      models.EmbeddingEvent,
			Seq:       e.Seq,
			Text:      text,
			Vector:    vec,
		}); err != nil {
			return err
		}
	}
	return nil
}

// IndexState embeds the narrative and goals of a published state.
func (ix *Index) IndexState(ctx context.Context, st *models.SessionState) error {
	text := stateText(st)
	if text == "" {
		return nil
	}
	vec, err := ix.embedder.Embed(ctx, text)
	if err != nil {
		return fmt.Errorf("embed state: %w", err)
	}
	return ix.store.SaveEmbedding(ctx, &models.Embedding{
		ID:        fmt.Sprintf("snapshot:%s:%d", st.SessionID, st.LastSeq),
		SessionID: st.SessionID,
		Kind:      models.EmbeddingSnapshot,
		Seq:       st.LastSeq,
		Text:      text,
		Vector:    vec,
	})
}

// eventText returns the text to index for an event, and false for events
// that carry little meaning on their own.
func eventText(e models.SessionEvent) (string, bool) {
	switch e.Kind {
	case models.EventUserPrompt, models.EventReasoning, models.EventCheckpoint:
	case models.EventToolCall:
		tc, err := e.ToolCall()
		if err != nil || tc.Success {
			return "", false
		}
	case models.EventFileChange:
		fc, err := e.FileChange()
		if err != nil || fc.Summary == "" {
			return "", false
		}
	case models.EventUserFeedback:
		fb, err := e.UserFeedback()
		if err != nil || fb.Comment == "" {
			return "", false
		}
	default:
		return "", false
	}
	text := strings.TrimSpace(state.DescribeEvent(e))
	return text, text != "" && text != "(unreadable payload)"
}

func stateText(st *models.SessionState) string {
	var parts []string
	if st.Narrative != "" {
		parts = append(parts, st.Narrative)
	}
	for _, g := range st.Goals {
		parts = append(parts, g.Description)
	}
	return strings.Join(parts, "\n")
}

// Search ranks a session's indexed items by cosine similarity to query and
// returns the best k. Event hits carry the event itself.
func (ix *Index) Search(ctx context.Context, sessionID, query string, k int) ([]models.SearchResult, error) {
	if k <= 0 {
		k = 10
	}
	q, err := ix.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	items, err := ix.store.ListEmbeddings(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	h := &minHeap{}
	for _, it := range items {
		if len(it.Vector) != len(q) {
			continue
		}
		score := dot(q, it.Vector)
		if h.Len() < k {
			heap.Push(h, scored{item: it, score: score})
		} else if score > (*h)[0].score {
			(*h)[0] = scored{item: it, score: score}
			heap.Fix(h, 0)
		}
	}

	results := make([]models.SearchResult, h.Len())
	for i := len(results) - 1; i >= 0; i-- {
		s := heap.Pop(h).(scored)
		results[i] = models.SearchResult{
			Kind:  s.item.Kind,
			Seq:   s.item.Seq,
			Score: s.score,
			Text:  s.item.Text,
		}
	}

	for i := range results {
		if results[i].Kind != models.EmbeddingEvent {
			continue
		}
		events, err := ix.store.ReadRange(ctx, sessionID, results[i].Seq, results[i].Seq)
		if err != nil {
			ix.logger.Warn("load search hit", "session", sessionID, "seq", results[i].Seq, "error", err)
			continue
		}
		if len(events) == 1 {
			results[i].Event = &events[0]
		}
	}
	return results, nil
}

type scored struct {
	item  *models.Embedding
	score float64
}

// minHeap keeps the lowest score at the root for top-K selection.
type minHeap []scored

func (h minHeap) Len() int { return len(h) }
func (h minHeap) Less(i, j int) bool {
	if h[i].score != h[j].score {
		return h[i].score < h[j].score
	}
	return h[i].item.Seq < h[j].item.Seq
}
func (h minHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *minHeap) Push(x any)   { *h = append(*h, x.(scored)) }
func (h *minHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// dot is cosine similarity for unit vectors.
func dot(a, b []float32) float64 {
	var sum float64
	for i := range a {
		sum += float64(a[i]) * float64(b[i])
	}
	return sum
}
