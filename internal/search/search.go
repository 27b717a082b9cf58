// Package search runs dense cosine retrieval through the storage port,
// scoped to a single user.
package search

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/meridianlabs/ragcore/internal/metrics"
	"github.com/meridianlabs/ragcore/internal/models"
	"github.com/meridianlabs/ragcore/internal/store"
)

// Error wraps a storage failure encountered during the search stage.
type Error struct {
	Err error
}

func (e *Error) Error() string { return fmt.Sprintf("search error: %v", e.Err) }

func (e *Error) Unwrap() error { return e.Err }

// Searcher resolves query vectors to user-scoped chunks.
type Searcher struct {
	store  store.Store
	logger *zap.Logger
}

// New builds a searcher over the storage port.
func New(st store.Store, logger *zap.Logger) *Searcher {
	return &Searcher{store: st, logger: logger.Named("search")}
}

// Search returns up to topK chunks scored by cosine similarity, keeping only
// results at or above threshold (>= semantics: a score exactly equal to the
// threshold is included). A nil userID restricts to anonymously-owned chunks.
func (s *Searcher) Search(ctx context.Context, qvec []float32, userID *string, topK int, threshold float64) ([]models.ScoredChunk, error) {
	metrics.VectorSearchOps.Inc()
	hits, err := s.store.SearchVectors(ctx, qvec, userID, topK, threshold)
	if err != nil {
		return nil, &Error{Err: err}
	}
	if len(hits) == 0 {
		return nil, nil
	}
	ids := make([]uuid.UUID, len(hits))
	scores := make(map[uuid.UUID]float64, len(hits))
	for i, h := range hits {
		ids[i] = h.ChunkID
		scores[h.ChunkID] = h.Score
	}
	chunks, err := s.store.GetChunksByIDs(ctx, ids)
	if err != nil {
		return nil, &Error{Err: err}
	}
	byID := make(map[uuid.UUID]models.Chunk, len(chunks))
	for _, c := range chunks {
		byID[c.ID] = c
	}
	out := make([]models.ScoredChunk, 0, len(hits))
	for i, h := range hits {
		c, ok := byID[h.ChunkID]
		if !ok {
			s.logger.Warn("vector hit without chunk row", zap.String("chunk_id", h.ChunkID.String()))
			continue
		}
		out = append(out, models.ScoredChunk{Chunk: c, Score: scores[h.ChunkID], Rank: i + 1})
	}
	return out, nil
}
