package rerank

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/meridianlabs/ragcore/internal/models"
)

type stubCompleter struct {
	resp  string
	err   error
	calls int
}

func (s *stubCompleter) Complete(_ context.Context, _, _ string, _ int) (string, error) {
	s.calls++
	return s.resp, s.err
}

func (s *stubCompleter) ModelID() string { return "stub" }

func chunk(content string, score float64) models.ScoredChunk {
	return models.ScoredChunk{
		Chunk: models.Chunk{ID: uuid.New(), Content: content},
		Score: score,
	}
}

func TestMMRZeroDiversityPreservesOrder(t *testing.T) {
	candidates := []models.ScoredChunk{
		chunk("alpha topic one", 0.9),
		chunk("beta topic two", 0.8),
		chunk("gamma topic three", 0.7),
	}
	results := MMR(candidates, 0, 3)
	require.Len(t, results, 3)
	for i, r := range results {
		assert.Equal(t, candidates[i].Chunk.ID, r.Chunk.ID)
		assert.Equal(t, i+1, r.Rank)
	}
}

func TestMMRSelectsDistinctChunk(t *testing.T) {
	near := "the quarterly revenue report shows strong growth in all regions"
	candidates := []models.ScoredChunk{
		{Chunk: models.Chunk{ID: uuid.New(), Content: near}, Score: 0.95},
		{Chunk: models.Chunk{ID: uuid.New(), Content: near + " again"}, Score: 0.94},
		{Chunk: models.Chunk{ID: uuid.New(), Content: near + " indeed"}, Score: 0.93},
		{Chunk: models.Chunk{ID: uuid.New(), Content: near + " truly"}, Score: 0.92},
		{Chunk: models.Chunk{ID: uuid.New(), Content: "kubernetes cluster autoscaling configuration guide"}, Score: 0.6},
	}
	distinct := candidates[4].Chunk.ID

	results := MMR(candidates, 0.5, 2)
	require.Len(t, results, 2)
	assert.Equal(t, candidates[0].Chunk.ID, results[0].Chunk.ID)
	assert.Equal(t, distinct, results[1].Chunk.ID, "diversity should pull in the distinct chunk")
}

func TestMMRTopKBoundsOutput(t *testing.T) {
	var candidates []models.ScoredChunk
	for i := 0; i < 10; i++ {
		candidates = append(candidates, chunk("content piece number", float64(10-i)/10))
	}
	assert.Len(t, MMR(candidates, 0.3, 4), 4)
	assert.Empty(t, MMR(nil, 0.3, 4))
}

func TestRecencyPrefersFreshChunks(t *testing.T) {
	now := time.Now()
	old := now.Add(-120 * 24 * time.Hour)
	fresh := now.Add(-time.Hour)
	candidates := []models.ScoredChunk{
		{Chunk: models.Chunk{ID: uuid.New(), Content: "old", Metadata: models.ChunkMetadata{Timestamp: &old}}, Score: 0.8},
		{Chunk: models.Chunk{ID: uuid.New(), Content: "new", Metadata: models.ChunkMetadata{Timestamp: &fresh}}, Score: 0.8},
	}
	results := Recency(candidates, 0.5, now)
	require.Len(t, results, 2)
	assert.Equal(t, "new", results[0].Chunk.Content)
	assert.Greater(t, results[0].RerankedScore, results[1].RerankedScore)
}

func TestRecencyMissingTimestampScoresZeroRecency(t *testing.T) {
	now := time.Now()
	candidates := []models.ScoredChunk{
		{Chunk: models.Chunk{ID: uuid.New(), Content: "untimed"}, Score: 0.8},
	}
	results := Recency(candidates, 0.5, now)
	require.Len(t, results, 1)
	assert.InDelta(t, 0.4, results[0].RerankedScore, 1e-9)
}

func TestImportanceBlending(t *testing.T) {
	hi := 1.0
	candidates := []models.ScoredChunk{
		{Chunk: models.Chunk{ID: uuid.New(), Content: "plain"}, Score: 0.8},
		{Chunk: models.Chunk{ID: uuid.New(), Content: "vital", Metadata: models.ChunkMetadata{Importance: &hi}}, Score: 0.8},
	}
	results := Importance(candidates, 0.5)
	require.Len(t, results, 2)
	assert.Equal(t, "vital", results[0].Chunk.Content)
	// plain chunk falls back to the 0.5 default importance
	assert.InDelta(t, 0.8*0.5+0.5*0.5, results[1].RerankedScore, 1e-9)
}

func TestLLMRescoreBlends(t *testing.T) {
	completer := &stubCompleter{resp: "[1.0, 0.0]"}
	r := New(completer, time.Second, zap.NewNop())
	candidates := []models.ScoredChunk{
		chunk("first passage", 0.5),
		chunk("second passage", 0.5),
	}
	results := r.LLM(context.Background(), "query", candidates)
	require.Len(t, results, 2)
	assert.Equal(t, 1, completer.calls)
	assert.InDelta(t, 0.7*1.0+0.3*0.5, results[0].RerankedScore, 1e-9)
	assert.InDelta(t, 0.7*0.0+0.3*0.5, results[1].RerankedScore, 1e-9)
}

func TestLLMFailureKeepsOriginalScores(t *testing.T) {
	completer := &stubCompleter{err: errors.New("model unavailable")}
	r := New(completer, time.Second, zap.NewNop())
	candidates := []models.ScoredChunk{
		chunk("first passage", 0.9),
		chunk("second passage", 0.4),
	}
	results := r.LLM(context.Background(), "query", candidates)
	require.Len(t, results, 2)
	assert.Equal(t, 0.9, results[0].RerankedScore)
	assert.Equal(t, 0.4, results[1].RerankedScore)
}

func TestHybridWithoutLLMCapsAtTopK(t *testing.T) {
	r := New(nil, time.Second, zap.NewNop())
	var candidates []models.ScoredChunk
	for i := 0; i < 8; i++ {
		candidates = append(candidates, chunk("distinct content piece", float64(8-i)/10))
	}
	results := r.Hybrid(context.Background(), "query", candidates, Weights{Diversity: 0.2, Recency: 0.1, Importance: 0.1}, 3, false)
	require.Len(t, results, 3)
	for i, res := range results {
		assert.Equal(t, i+1, res.Rank)
	}
}
