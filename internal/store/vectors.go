package store

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"

	"github.com/joescharf/sidecar/internal/models"
)

// SaveEmbedding upserts a vector keyed by its ID.
func (s *SQLiteStore) SaveEmbedding(ctx context.Context, e *models.Embedding) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO embeddings (id, session_id, kind, seq, text, dims, vector)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.SessionID, string(e.Kind), e.Seq, e.Text, len(e.Vector), float32ToBlob(e.Vector))
	if err != nil {
		return fmt.Errorf("save embedding: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListEmbeddings(ctx context.Context, sessionID string) ([]*models.Embedding, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, kind, seq, text, vector FROM embeddings WHERE session_id = ? ORDER BY seq, id`,
		sessionID)
	if err != nil {
		return nil, fmt.Errorf("list embeddings: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*models.Embedding
	for rows.Next() {
		e := &models.Embedding{}
		var kind string
		var blob []byte
		if err := rows.Scan(&e.ID, &e.SessionID, &kind, &e.Seq, &e.Text, &blob); err != nil {
			return nil, fmt.Errorf("scan embedding: %w", err)
		}
		e.Kind = models.EmbeddingKind(kind)
		e.Vector = blobToFloat32(blob)
		out = append(out, e)
	}
	return out, rows.Err()
}

func float32ToBlob(v []float32) []byte {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

func blobToFloat32(b []byte) []float32 {
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return v
}
