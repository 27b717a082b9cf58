// Package fusion combines dense and sparse rankings into one ordering.
package fusion

import (
	"sort"

	"github.com/google/uuid"

	"github.com/meridianlabs/ragcore/internal/models"
)

// RRFK is the standard reciprocal-rank-fusion constant.
const RRFK = 60

// Weights controls the weighted-sum mode.
type Weights struct {
	Semantic float64 // default 0.7
	Keyword  float64 // default 0.3
}

// Weighted fuses dense and sparse results by max-normalised weighted sum.
// Inclusion rules: a chunk with no dense score but a positive sparse score is
// kept (keyword-only evidence); a chunk whose dense score is positive but
// below the semantic threshold is dropped. Output is sorted descending with
// contiguous 1-based ranks.
func Weighted(dense, sparse []models.ScoredChunk, w Weights, semanticThreshold float64, topK int) []models.ScoredChunk {
	maxDense := maxScore(dense)
	maxSparse := maxScore(sparse)

	type entry struct {
		chunk  models.Chunk
		dense  float64
		sparse float64
	}
	union := make(map[uuid.UUID]*entry)
	order := make([]uuid.UUID, 0, len(dense)+len(sparse))
	add := func(c models.Chunk) *entry {
		if e, ok := union[c.ID]; ok {
			return e
		}
		e := &entry{chunk: c}
		union[c.ID] = e
		order = append(order, c.ID)
		return e
	}
	for _, d := range dense {
		add(d.Chunk).dense = d.Score
	}
	for _, s := range sparse {
		add(s.Chunk).sparse = s.Score
	}

	fused := make([]models.ScoredChunk, 0, len(union))
	for _, id := range order {
		e := union[id]
		if e.dense > 0 && e.dense < semanticThreshold {
			continue
		}
		if e.dense == 0 && e.sparse <= 0 {
			continue
		}
		score := w.Semantic*norm(e.dense, maxDense) + w.Keyword*norm(e.sparse, maxSparse)
		fused = append(fused, models.ScoredChunk{Chunk: e.chunk, Score: score})
	}
	sortAndRank(fused)
	if topK > 0 && len(fused) > topK {
		fused = fused[:topK]
	}
	return fused
}

// RRF fuses the orderings of both lists with score = sum of 1/(k+rank).
// Scores are fusion scores, not normalised component scores.
func RRF(rankings ...[]models.ScoredChunk) []models.ScoredChunk {
	type entry struct {
		chunk models.Chunk
		score float64
	}
	union := make(map[uuid.UUID]*entry)
	order := make([]uuid.UUID, 0)
	for _, ranking := range rankings {
		for i, sc := range ranking {
			e, ok := union[sc.Chunk.ID]
			if !ok {
				e = &entry{chunk: sc.Chunk}
				union[sc.Chunk.ID] = e
				order = append(order, sc.Chunk.ID)
			}
			e.score += 1.0 / float64(RRFK+i+1)
		}
	}
	fused := make([]models.ScoredChunk, 0, len(union))
	for _, id := range order {
		e := union[id]
		fused = append(fused, models.ScoredChunk{Chunk: e.chunk, Score: e.score})
	}
	sortAndRank(fused)
	return fused
}

func maxScore(list []models.ScoredChunk) float64 {
	max := 0.0
	for _, sc := range list {
		if sc.Score > max {
			max = sc.Score
		}
	}
	return max
}

func norm(v, max float64) float64 {
	if max <= 0 {
		return 0
	}
	return v / max
}

func sortAndRank(list []models.ScoredChunk) {
	sort.SliceStable(list, func(i, j int) bool {
		if list[i].Score != list[j].Score {
			return list[i].Score > list[j].Score
		}
		return list[i].Chunk.ID.String() < list[j].Chunk.ID.String()
	})
	for i := range list {
		list[i].Rank = i + 1
	}
}
