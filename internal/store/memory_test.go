package store

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridianlabs/ragcore/internal/models"
)

func strPtr(s string) *string { return &s }

func mkChunk(user *string, vec []float32, content string) models.Chunk {
	return models.Chunk{
		ID:         uuid.New(),
		DocumentID: uuid.New(),
		UserID:     user,
		Content:    content,
		Embedding:  vec,
	}
}

func ingest(t *testing.T, m *Memory, chunks ...models.Chunk) {
	t.Helper()
	doc := &models.Document{ID: uuid.New()}
	lineage := make([]models.ChunkLineage, len(chunks))
	for i, c := range chunks {
		lineage[i] = models.ChunkLineage{ChunkID: c.ID, DocumentID: c.DocumentID}
	}
	require.NoError(t, m.IngestDocument(context.Background(), doc, chunks, lineage))
}

func TestSearchVectorsUserIsolation(t *testing.T) {
	m := NewMemory(2)
	alice := mkChunk(strPtr("alice"), []float32{1, 0}, "alice data")
	bob := mkChunk(strPtr("bob"), []float32{1, 0}, "bob data")
	anon := mkChunk(nil, []float32{1, 0}, "shared data")
	ingest(t, m, alice)
	ingest(t, m, bob)
	ingest(t, m, anon)

	hits, err := m.SearchVectors(context.Background(), []float32{1, 0}, strPtr("alice"), 10, 0.2)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, alice.ID, hits[0].ChunkID)

	hits, err = m.SearchVectors(context.Background(), []float32{1, 0}, nil, 10, 0.2)
	require.NoError(t, err)
	require.Len(t, hits, 1, "nil scope must only match anonymously-owned chunks")
	assert.Equal(t, anon.ID, hits[0].ChunkID)
}

func TestSearchVectorsThresholdInclusive(t *testing.T) {
	m := NewMemory(2)
	c := mkChunk(nil, []float32{1, 0}, "on the line")
	ingest(t, m, c)

	hits, err := m.SearchVectors(context.Background(), []float32{1, 0}, nil, 10, 1.0)
	require.NoError(t, err)
	assert.Len(t, hits, 1, "score exactly at threshold is included")
	assert.InDelta(t, 1.0, hits[0].Score, 1e-6)
}

func TestSearchVectorsTopKOrdering(t *testing.T) {
	m := NewMemory(2)
	near := mkChunk(nil, []float32{1, 0}, "near")
	mid := mkChunk(nil, []float32{0.7, 0.7}, "mid")
	far := mkChunk(nil, []float32{0, 1}, "far")
	ingest(t, m, near, mid, far)

	hits, err := m.SearchVectors(context.Background(), []float32{1, 0}, nil, 2, 0.1)
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, near.ID, hits[0].ChunkID)
	assert.Equal(t, mid.ID, hits[1].ChunkID)
}

func TestIngestDocumentRejectsWrongDims(t *testing.T) {
	m := NewMemory(4)
	bad := mkChunk(nil, []float32{1, 0}, "two dims only")
	doc := &models.Document{ID: uuid.New()}
	err := m.IngestDocument(context.Background(), doc, []models.Chunk{bad},
		[]models.ChunkLineage{{ChunkID: bad.ID}})
	require.Error(t, err)
	var serr *Error
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, KindConstraint, serr.Kind)

	// atomic: nothing committed
	chunks, _ := m.GetChunksByIDs(context.Background(), []uuid.UUID{bad.ID})
	assert.Empty(t, chunks)
}

func TestLineageUsageEMA(t *testing.T) {
	m := NewMemory(2)
	c := mkChunk(nil, []float32{1, 0}, "tracked")
	ingest(t, m, c)

	// first retrieval seeds the average with the raw score
	require.NoError(t, m.UpdateChunkLineageUsage(context.Background(), c.ID, 0.8))
	l, ok := m.Lineage(c.ID)
	require.True(t, ok)
	assert.Equal(t, 1, l.RetrievalCount)
	assert.InDelta(t, 0.8, l.AvgSimilarityScore, 1e-9)
	require.NotNil(t, l.LastRetrievedAt)

	// subsequent retrievals blend 0.9 old + 0.1 new
	require.NoError(t, m.UpdateChunkLineageUsage(context.Background(), c.ID, 0.4))
	l, _ = m.Lineage(c.ID)
	assert.Equal(t, 2, l.RetrievalCount)
	assert.InDelta(t, 0.8*0.9+0.4*0.1, l.AvgSimilarityScore, 1e-9)
}

func TestCreateChunkLineageDuplicateIsConstraint(t *testing.T) {
	m := NewMemory(0)
	id := uuid.New()
	require.NoError(t, m.CreateChunkLineage(context.Background(), []models.ChunkLineage{{ChunkID: id}}))
	err := m.CreateChunkLineage(context.Background(), []models.ChunkLineage{{ChunkID: id}})
	var serr *Error
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, KindConstraint, serr.Kind)
}

func TestKeywordSearchScoped(t *testing.T) {
	m := NewMemory(2)
	mine := mkChunk(strPtr("u1"), []float32{1, 0}, "postgres tuning notes")
	other := mkChunk(strPtr("u2"), []float32{1, 0}, "postgres for someone else")
	ingest(t, m, mine, other)

	out, err := m.KeywordSearch(context.Background(), strPtr("u1"), []string{"postgres"}, 10)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, mine.ID, out[0].ID)

	out, err = m.KeywordSearch(context.Background(), strPtr("u1"), []string{"nomatch"}, 10)
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestListRagTracesFilterAndPaging(t *testing.T) {
	m := NewMemory(0)
	base := time.Now()
	var batch []models.TraceEvent
	for i := 0; i < 5; i++ {
		batch = append(batch, models.TraceEvent{
			TraceID:   "t",
			TraceType: models.TraceTypeQuery,
			Stage:     models.StageSearch,
			Timestamp: base.Add(time.Duration(i) * time.Second),
		})
	}
	batch = append(batch, models.TraceEvent{
		TraceID:   "t2",
		TraceType: models.TraceTypeIngestion,
		Stage:     models.StageIngestStart,
		Timestamp: base,
	})
	require.NoError(t, m.CreateRagTraces(context.Background(), batch))

	out, err := m.ListRagTraces(context.Background(), TraceFilter{TraceType: models.TraceTypeQuery}, 2, 0)
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.True(t, out[0].Timestamp.After(out[1].Timestamp), "newest first")

	out, err = m.ListRagTraces(context.Background(), TraceFilter{Stage: models.StageIngestStart}, 10, 0)
	require.NoError(t, err)
	assert.Len(t, out, 1)

	out, err = m.ListRagTraces(context.Background(), TraceFilter{}, 10, 100)
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestDeleteOldRagTraces(t *testing.T) {
	m := NewMemory(0)
	old := models.TraceEvent{TraceID: "old", Timestamp: time.Now().Add(-48 * time.Hour)}
	fresh := models.TraceEvent{TraceID: "fresh", Timestamp: time.Now()}
	require.NoError(t, m.CreateRagTraces(context.Background(), []models.TraceEvent{old, fresh}))

	n, err := m.DeleteOldRagTraces(context.Background(), time.Now().Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	events, err := m.GetRagTracesByTraceID(context.Background(), "fresh")
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestUpsertRagMetricsOverwritesHour(t *testing.T) {
	m := NewMemory(0)
	hour := time.Now().Truncate(time.Hour)
	require.NoError(t, m.UpsertRagMetrics(context.Background(), &models.HourlyMetrics{HourStart: hour, QueriesProcessed: 1}))
	require.NoError(t, m.UpsertRagMetrics(context.Background(), &models.HourlyMetrics{HourStart: hour, QueriesProcessed: 5}))

	m.mu.RLock()
	defer m.mu.RUnlock()
	assert.Equal(t, 5, m.hourly[hour].QueriesProcessed)
	assert.Len(t, m.hourly, 1)
}
