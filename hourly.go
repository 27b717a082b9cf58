package ragcore

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/meridianlabs/ragcore/internal/models"
)

// hourlyAccumulator aggregates pipeline activity for the current hour. The
// snapshot is upserted after every operation, so the row for the running hour
// converges as the hour fills in.
type hourlyAccumulator struct {
	mu   sync.Mutex
	hour time.Time

	docs             int
	chunks           int
	chunksFiltered   int
	ingestDurMsSum   float64
	queries          int
	queryDurMsSum    float64
	searchResultsSum int
	contextTokensSum int
	simScoreSum      float64
	emptyResults     int
	errors           int
	embedCalls       int
	vectorOps        int
}

func (h *hourlyAccumulator) rollover(now time.Time) {
	hour := now.Truncate(time.Hour)
	if h.hour.Equal(hour) {
		return
	}
	h.hour = hour
	h.docs = 0
	h.chunks = 0
	h.chunksFiltered = 0
	h.ingestDurMsSum = 0
	h.queries = 0
	h.queryDurMsSum = 0
	h.searchResultsSum = 0
	h.contextTokensSum = 0
	h.simScoreSum = 0
	h.emptyResults = 0
	h.errors = 0
	h.embedCalls = 0
	h.vectorOps = 0
}

func (h *hourlyAccumulator) noteIngest(elapsed time.Duration, chunks, filtered int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.rollover(time.Now())
	h.docs++
	h.chunks += chunks
	h.chunksFiltered += filtered
	h.ingestDurMsSum += float64(elapsed.Milliseconds())
}

func (h *hourlyAccumulator) noteQuery(elapsed time.Duration, results, tokens int, avgSim float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.rollover(time.Now())
	h.queries++
	h.queryDurMsSum += float64(elapsed.Milliseconds())
	h.searchResultsSum += results
	h.contextTokensSum += tokens
	h.simScoreSum += avgSim
	h.vectorOps++
	if results == 0 {
		h.emptyResults++
	}
}

func (h *hourlyAccumulator) noteError() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.rollover(time.Now())
	h.errors++
}

func (h *hourlyAccumulator) noteEmbedCall() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.rollover(time.Now())
	h.embedCalls++
}

func (h *hourlyAccumulator) snapshot() models.HourlyMetrics {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.rollover(time.Now())
	m := models.HourlyMetrics{
		HourStart:         h.hour,
		DocumentsIngested: h.docs,
		ChunksCreated:     h.chunks,
		ChunksFiltered:    h.chunksFiltered,
		QueriesProcessed:  h.queries,
		EmptyResultCount:  h.emptyResults,
		ErrorCount:        h.errors,
		EmbeddingAPICalls: h.embedCalls,
		VectorSearchOps:   h.vectorOps,
	}
	if h.docs > 0 {
		m.AvgIngestionDuration = h.ingestDurMsSum / float64(h.docs)
	}
	if h.queries > 0 {
		m.AvgQueryDuration = h.queryDurMsSum / float64(h.queries)
		m.AvgSearchResults = float64(h.searchResultsSum) / float64(h.queries)
		m.AvgContextTokens = float64(h.contextTokensSum) / float64(h.queries)
		m.AvgSimilarityScore = h.simScoreSum / float64(h.queries)
	}
	return m
}

// flushHourly upserts the running hour's aggregate. Best-effort; metrics
// never block or fail the pipeline.
func (e *Engine) flushHourly() {
	m := e.hourly.snapshot()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.store.UpsertRagMetrics(ctx, &m); err != nil {
		e.logger.Warn("hourly metrics upsert failed", zap.Error(err))
	}
}
