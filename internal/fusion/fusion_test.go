package fusion

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridianlabs/ragcore/internal/models"
)

func sc(id uuid.UUID, score float64) models.ScoredChunk {
	return models.ScoredChunk{Chunk: models.Chunk{ID: id}, Score: score}
}

var defaultWeights = Weights{Semantic: 0.7, Keyword: 0.3}

func TestWeightedKeywordOnlyIncluded(t *testing.T) {
	a, b := uuid.New(), uuid.New()
	dense := []models.ScoredChunk{sc(a, 0.8)}
	sparse := []models.ScoredChunk{sc(b, 2.4)} // b has zero dense score

	fused := Weighted(dense, sparse, defaultWeights, 0.25, 10)
	require.Len(t, fused, 2)
	ids := map[uuid.UUID]bool{fused[0].Chunk.ID: true, fused[1].Chunk.ID: true}
	assert.True(t, ids[b], "keyword-only evidence must survive fusion")
}

func TestWeightedBelowThresholdDropped(t *testing.T) {
	a, b := uuid.New(), uuid.New()
	dense := []models.ScoredChunk{sc(a, 0.8), sc(b, 0.1)} // b below threshold
	fused := Weighted(dense, nil, defaultWeights, 0.25, 10)
	require.Len(t, fused, 1)
	assert.Equal(t, a, fused[0].Chunk.ID)
}

func TestWeightedScoreIsNormalisedSum(t *testing.T) {
	a, b := uuid.New(), uuid.New()
	dense := []models.ScoredChunk{sc(a, 0.8), sc(b, 0.4)}
	sparse := []models.ScoredChunk{sc(a, 1.0), sc(b, 3.0)}

	fused := Weighted(dense, sparse, defaultWeights, 0.25, 10)
	require.Len(t, fused, 2)
	byID := map[uuid.UUID]float64{}
	for _, f := range fused {
		byID[f.Chunk.ID] = f.Score
	}
	// a: 0.7*(0.8/0.8) + 0.3*(1.0/3.0); b: 0.7*(0.4/0.8) + 0.3*(3.0/3.0)
	assert.InDelta(t, 0.8, byID[a], 1e-9)
	assert.InDelta(t, 0.65, byID[b], 1e-9)
	assert.Equal(t, a, fused[0].Chunk.ID)
}

func TestWeightedRanksContiguous(t *testing.T) {
	var dense []models.ScoredChunk
	for i := 0; i < 5; i++ {
		dense = append(dense, sc(uuid.New(), 0.3+float64(i)*0.1))
	}
	fused := Weighted(dense, nil, defaultWeights, 0.25, 3)
	require.Len(t, fused, 3)
	for i, f := range fused {
		assert.Equal(t, i+1, f.Rank)
	}
}

func TestWeightedEmptyInputs(t *testing.T) {
	assert.Empty(t, Weighted(nil, nil, defaultWeights, 0.25, 10))
}

func TestRRF(t *testing.T) {
	a, b, c := uuid.New(), uuid.New(), uuid.New()
	listA := []models.ScoredChunk{sc(a, 0.9), sc(b, 0.5), sc(c, 0.2)}
	listB := []models.ScoredChunk{sc(b, 3.0), sc(a, 1.0)}

	fused := RRF(listA, listB)
	require.Len(t, fused, 3)
	// a: 1/61 + 1/62; b: 1/62 + 1/61 -> tie, broken by ID; c: 1/63
	assert.InDelta(t, 1.0/61+1.0/62, fused[0].Score, 1e-12)
	assert.InDelta(t, fused[0].Score, fused[1].Score, 1e-12)
	assert.Equal(t, c, fused[2].Chunk.ID)
	for i, f := range fused {
		assert.Equal(t, i+1, f.Rank)
	}
}
