package ragcore

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/meridianlabs/ragcore/internal/bm25"
	"github.com/meridianlabs/ragcore/internal/chunker"
	"github.com/meridianlabs/ragcore/internal/embedding"
	"github.com/meridianlabs/ragcore/internal/fusion"
	"github.com/meridianlabs/ragcore/internal/metrics"
	"github.com/meridianlabs/ragcore/internal/models"
	"github.com/meridianlabs/ragcore/internal/rerank"
	"github.com/meridianlabs/ragcore/internal/search"
	"github.com/meridianlabs/ragcore/internal/store"
	"github.com/meridianlabs/ragcore/internal/synthesis"
	"github.com/meridianlabs/ragcore/internal/textutil"
	"github.com/meridianlabs/ragcore/internal/trace"
)

const (
	lineageWorkers   = 8
	diversityCutoff  = 0.7
	keywordTermMin   = 3
	scoresEventLimit = 20
)

// RetrieveOptions overrides per-query behaviour. Zero values fall back to
// configuration; nil booleans inherit the configured default.
type RetrieveOptions struct {
	UserID            *string
	TopK              int
	MaxTokens         int
	UseHybridSearch   *bool
	UseReranking      *bool
	SynthesisStrategy string
}

// RetrievalResult is the full outcome of one query. On failure Items is empty
// and Error carries the failure kind, so callers can still shape a response.
type RetrievalResult struct {
	TraceID            string              `json:"trace_id"`
	Items              []models.ScoredChunk `json:"items"`
	Context            synthesis.Result    `json:"context"`
	TotalTokensUsed    int                 `json:"total_tokens_used"`
	SearchTime         time.Duration       `json:"search_time"`
	QueryEmbeddingTime time.Duration       `json:"query_embedding_time"`
	Error              string              `json:"error,omitempty"`
}

// Retrieve runs the query pipeline: embed, dense search, sparse fusion,
// re-rank, synthesize. Every stage emits a trace event; any stage failure
// short-circuits with an error event and a typed error.
func (e *Engine) Retrieve(ctx context.Context, query string, opts RetrieveOptions) (*RetrievalResult, error) {
	traceID := trace.GenerateTraceID()
	started := time.Now()

	topK := opts.TopK
	if topK <= 0 {
		topK = e.cfg.Retrieval.TopK
	}
	maxTokens := opts.MaxTokens
	if maxTokens <= 0 {
		maxTokens = e.cfg.Retrieval.MaxTokens
	}
	useHybrid := e.cfg.Retrieval.UseHybridSearch
	if opts.UseHybridSearch != nil {
		useHybrid = *opts.UseHybridSearch
	}
	useRerank := e.cfg.Retrieval.UseReranking
	if opts.UseReranking != nil {
		useRerank = *opts.UseReranking
	}
	strategy := e.cfg.Retrieval.SynthesisStrategy
	if opts.SynthesisStrategy != "" {
		strategy = opts.SynthesisStrategy
	}
	thresholds := e.evaluator.Snapshot()

	e.emit(models.TraceEvent{
		TraceID:   traceID,
		TraceType: models.TraceTypeQuery,
		Stage:     models.StageQueryStart,
		UserID:    opts.UserID,
		QueryText: query,
		TopK:      topK,
		Threshold: thresholds.Semantic,
	})

	fail := func(stage string, err error) (*RetrievalResult, error) {
		e.emit(models.TraceEvent{
			TraceID:      traceID,
			TraceType:    models.TraceTypeQuery,
			Stage:        models.StageError,
			UserID:       opts.UserID,
			QueryText:    query,
			ErrorStage:   stage,
			ErrorMessage: errorMessage(ctx, err),
		})
		metrics.Queries.WithLabelValues("error").Inc()
		e.hourly.noteError()
		e.flushHourly()
		return &RetrievalResult{TraceID: traceID, Items: []models.ScoredChunk{}, Error: errorKind(err)}, err
	}

	// An empty query retrieves nothing; the trace still opens and closes.
	if strings.TrimSpace(query) == "" {
		e.emit(models.TraceEvent{
			TraceID:    traceID,
			TraceType:  models.TraceTypeQuery,
			Stage:      models.StageQueryComplete,
			DurationMs: time.Since(started).Milliseconds(),
			UserID:     opts.UserID,
			QueryText:  query,
		})
		metrics.Queries.WithLabelValues("ok").Inc()
		e.hourly.noteQuery(time.Since(started), 0, 0, 0)
		e.flushHourly()
		return &RetrievalResult{TraceID: traceID, Items: []models.ScoredChunk{}}, nil
	}

	// EMBED
	embedStart := time.Now()
	qvec, err := e.embedder.EmbedOne(ctx, query)
	if err != nil {
		return fail(models.StageQueryEmbed, err)
	}
	embedTime := time.Since(embedStart)
	e.emit(models.TraceEvent{
		TraceID:    traceID,
		TraceType:  models.TraceTypeQuery,
		Stage:      models.StageQueryEmbed,
		DurationMs: embedTime.Milliseconds(),
		UserID:     opts.UserID,
		QueryText:  query,
	})

	// SEARCH + BM25 + FUSE
	searchStart := time.Now()
	dense, err := e.searcher.Search(ctx, qvec, opts.UserID, topK*2, thresholds.Semantic)
	if err != nil {
		return fail(models.StageSearch, err)
	}
	var fused []models.ScoredChunk
	if useHybrid {
		fused, err = e.hybridFuse(ctx, query, dense, opts.UserID, topK*2, thresholds.Semantic)
	} else {
		fused, err = e.keywordMerge(ctx, query, dense, opts.UserID, topK, thresholds.Semantic)
	}
	if err != nil {
		return fail(models.StageSearch, err)
	}
	searchTime := time.Since(searchStart)
	e.emit(models.TraceEvent{
		TraceID:       traceID,
		TraceType:     models.TraceTypeQuery,
		Stage:         models.StageSearch,
		DurationMs:    searchTime.Milliseconds(),
		UserID:        opts.UserID,
		QueryText:     query,
		SearchResults: len(fused),
		Threshold:     thresholds.Semantic,
		TopK:          topK,
		Scores:        topScores(fused, scoresEventLimit),
	})
	if err := ctx.Err(); err != nil {
		return fail(models.StageSearch, err)
	}

	// RERANK
	items := fused
	if useRerank && len(items) > 0 {
		reranked := e.reranker.Hybrid(ctx, query, items, rerank.Weights{
			Diversity:  e.cfg.Retrieval.DiversityWeight,
			Recency:    e.cfg.Retrieval.RecencyWeight,
			Importance: e.cfg.Retrieval.ImportanceWeight,
		}, topK, e.cfg.Retrieval.UseLLMRerank)
		items = make([]models.ScoredChunk, len(reranked))
		for i, r := range reranked {
			items[i] = models.ScoredChunk{Chunk: r.Chunk, Score: r.RerankedScore, Rank: r.Rank}
		}
		items = dropNearDuplicates(items, diversityCutoff)
	}
	if len(items) > topK {
		items = items[:topK]
	}
	renumber(items)
	e.emit(models.TraceEvent{
		TraceID:       traceID,
		TraceType:     models.TraceTypeQuery,
		Stage:         models.StageRetrieve,
		UserID:        opts.UserID,
		QueryText:     query,
		SearchResults: len(items),
		ChunkIDs:      scoredChunkIDs(items),
	})
	if err := ctx.Err(); err != nil {
		return fail(models.StageRetrieve, err)
	}

	// SYNTH
	synth := e.synth.Synthesize(ctx, query, items, synthesis.Options{
		Strategy:     synthesis.Strategy(strategy),
		MaxTokens:    maxTokens,
		MinRelevance: e.cfg.Retrieval.MinRelevance,
	})
	e.emit(models.TraceEvent{
		TraceID:      traceID,
		TraceType:    models.TraceTypeQuery,
		Stage:        models.StageInject,
		UserID:       opts.UserID,
		QueryText:    query,
		TokensUsed:   synth.TokenCount,
		SourcesCount: synth.SynthesizedChunkCount,
	})

	e.recordUsage(ctx, traceID, query, items, synth)

	elapsed := time.Since(started)
	metrics.Queries.WithLabelValues("ok").Inc()
	e.emit(models.TraceEvent{
		TraceID:    traceID,
		TraceType:  models.TraceTypeQuery,
		Stage:      models.StageQueryComplete,
		DurationMs: elapsed.Milliseconds(),
		UserID:     opts.UserID,
		QueryText:  query,
	})
	e.hourly.noteQuery(elapsed, len(items), synth.TokenCount, avgScore(items))
	e.flushHourly()

	return &RetrievalResult{
		TraceID:            traceID,
		Items:              items,
		Context:            synth,
		TotalTokensUsed:    synth.TokenCount,
		SearchTime:         searchTime,
		QueryEmbeddingTime: embedTime,
	}, nil
}

// hybridFuse runs BM25 over the user's candidate corpus and fuses it with the
// dense results, by weighted sum or reciprocal rank depending on the
// configured fusion mode. The corpus snapshot is rebuilt per query.
func (e *Engine) hybridFuse(ctx context.Context, query string, dense []models.ScoredChunk, userID *string, topK int, threshold float64) ([]models.ScoredChunk, error) {
	candidates, err := e.store.CandidateChunks(ctx, userID, e.cfg.Retrieval.CandidateLimit)
	if err != nil {
		return nil, &search.Error{Err: err}
	}
	byID := make(map[string]models.Chunk, len(candidates))
	docs := make([]bm25.Document, len(candidates))
	for i, c := range candidates {
		id := c.ID.String()
		byID[id] = c
		docs[i] = bm25.Document{ID: id, Content: c.Content}
	}
	corpus := bm25.NewCorpus(docs)
	sparse := make([]models.ScoredChunk, 0, topK)
	for _, hit := range corpus.Search(query, topK) {
		sparse = append(sparse, models.ScoredChunk{Chunk: byID[hit.ID], Score: hit.Score})
	}
	if strings.EqualFold(e.cfg.Retrieval.FusionMode, "rrf") {
		fused := fusion.RRF(dense, sparse)
		if topK > 0 && len(fused) > topK {
			fused = fused[:topK]
		}
		return fused, nil
	}
	weights := fusion.Weights{
		Semantic: e.cfg.Retrieval.SemanticWeight,
		Keyword:  e.cfg.Retrieval.KeywordWeight,
	}
	return fusion.Weighted(dense, sparse, weights, threshold, topK), nil
}

// keywordMerge is the non-hybrid fallback: a crude LIKE search whose hits are
// appended after the dense results. The merge score is the semantic threshold
// raised to at least MinRelevance, so keyword-only evidence never outranks
// semantic matches but still clears the synthesis relevance filter.
func (e *Engine) keywordMerge(ctx context.Context, query string, dense []models.ScoredChunk, userID *string, topK int, threshold float64) ([]models.ScoredChunk, error) {
	var terms []string
	for _, tok := range bm25.Tokenize(query) {
		if len(tok) > keywordTermMin {
			terms = append(terms, tok)
		}
	}
	if len(terms) == 0 {
		return dense, nil
	}
	hits, err := e.store.KeywordSearch(ctx, userID, terms, topK)
	if err != nil {
		return nil, &search.Error{Err: err}
	}
	seen := make(map[uuid.UUID]struct{}, len(dense))
	for _, sc := range dense {
		seen[sc.Chunk.ID] = struct{}{}
	}
	mergeScore := max(threshold, e.cfg.Retrieval.MinRelevance)
	merged := append([]models.ScoredChunk(nil), dense...)
	for _, c := range hits {
		if _, ok := seen[c.ID]; ok {
			continue
		}
		merged = append(merged, models.ScoredChunk{Chunk: c, Score: mergeScore})
	}
	renumber(merged)
	return merged, nil
}

// recordUsage persists retrieval results and bumps lineage counters for the
// selected chunks. Both are best-effort; retrieval never fails on them.
func (e *Engine) recordUsage(ctx context.Context, traceID, query string, items []models.ScoredChunk, synth synthesis.Result) {
	if len(items) == 0 {
		return
	}
	type sourceKey struct {
		doc uuid.UUID
		idx int
	}
	position := make(map[sourceKey]int, len(synth.Sources))
	for i, src := range synth.Sources {
		position[sourceKey{src.DocumentID, src.ChunkIndex}] = i
	}
	records := make([]models.RetrievalResultRecord, len(items))
	for i, sc := range items {
		rec := models.RetrievalResultRecord{
			TraceID:         traceID,
			QueryText:       query,
			ChunkID:         sc.Chunk.ID,
			SimilarityScore: sc.Score,
			Rank:            sc.Rank,
		}
		if pos, ok := position[sourceKey{sc.Chunk.DocumentID, sc.Chunk.ChunkIndex}]; ok {
			rec.IncludedInContext = true
			p := pos
			rec.ContextPosition = &p
		}
		records[i] = rec
	}
	if err := e.store.CreateRetrievalResults(ctx, records); err != nil {
		e.logger.Warn("failed to persist retrieval results", zap.String("trace_id", traceID), zap.Error(err))
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(lineageWorkers)
	for _, sc := range items {
		sc := sc
		g.Go(func() error {
			return e.store.UpdateChunkLineageUsage(gctx, sc.Chunk.ID, sc.Score)
		})
	}
	if err := g.Wait(); err != nil {
		e.logger.Warn("lineage usage update failed", zap.String("trace_id", traceID), zap.Error(err))
	}
}

// EnrichPrompt retrieves context for the message and appends it to the system
// context inside a retrieved_knowledge block. Empty or failed retrieval
// returns the system context unchanged.
func (e *Engine) EnrichPrompt(ctx context.Context, message, systemContext string, userID *string) string {
	res, err := e.Retrieve(ctx, message, RetrieveOptions{UserID: userID})
	if err != nil {
		e.logger.Warn("prompt enrichment skipped after retrieval failure", zap.Error(err))
		return systemContext
	}
	if strings.TrimSpace(res.Context.Content) == "" {
		return systemContext
	}
	var sb strings.Builder
	sb.WriteString(systemContext)
	sb.WriteString("\n\n<retrieved_knowledge>\n")
	sb.WriteString(res.Context.Content)
	sb.WriteString("\n</retrieved_knowledge>")
	return sb.String()
}

func (e *Engine) emit(event models.TraceEvent) {
	if event.DurationMs > 0 {
		metrics.StageDuration.WithLabelValues(event.Stage).Observe(float64(event.DurationMs) / 1000)
	}
	e.recorder.Record(event)
}

// dropNearDuplicates removes any item whose token set overlaps an earlier
// kept item beyond the cutoff.
func dropNearDuplicates(items []models.ScoredChunk, cutoff float64) []models.ScoredChunk {
	kept := make([]models.ScoredChunk, 0, len(items))
	keptTokens := make([]map[string]struct{}, 0, len(items))
	for _, sc := range items {
		toks := textutil.TokenSet(sc.Chunk.Content)
		dup := false
		for _, prev := range keptTokens {
			if textutil.Jaccard(toks, prev) > cutoff {
				dup = true
				break
			}
		}
		if !dup {
			kept = append(kept, sc)
			keptTokens = append(keptTokens, toks)
		}
	}
	return kept
}

func renumber(items []models.ScoredChunk) {
	for i := range items {
		items[i].Rank = i + 1
	}
}

func scoredChunkIDs(items []models.ScoredChunk) []string {
	ids := make([]string, len(items))
	for i, sc := range items {
		ids[i] = sc.Chunk.ID.String()
	}
	return ids
}

func topScores(items []models.ScoredChunk, limit int) []float64 {
	if len(items) < limit {
		limit = len(items)
	}
	scores := make([]float64, limit)
	for i := 0; i < limit; i++ {
		scores[i] = items[i].Score
	}
	return scores
}

func avgScore(items []models.ScoredChunk) float64 {
	if len(items) == 0 {
		return 0
	}
	sum := 0.0
	for _, sc := range items {
		sum += sc.Score
	}
	return sum / float64(len(items))
}

func errorMessage(ctx context.Context, err error) string {
	if errors.Is(err, context.Canceled) || errors.Is(ctx.Err(), context.Canceled) {
		return "cancelled"
	}
	return err.Error()
}

// errorKind maps a pipeline failure to its taxonomy name for the structured
// result.
func errorKind(err error) string {
	var chunkErr *chunker.Error
	var embedErr *embedding.Error
	var storeErr *store.Error
	var searchErr *search.Error
	switch {
	case errors.Is(err, context.Canceled):
		return "cancelled"
	case errors.As(err, &chunkErr):
		return "chunking"
	case errors.As(err, &embedErr):
		return "embedding_" + string(embedErr.Kind)
	case errors.As(err, &searchErr):
		return "search"
	case errors.As(err, &storeErr):
		return "storage_" + string(storeErr.Kind)
	default:
		return "internal"
	}
}
