// Package ragcore is a retrieval-augmented generation engine: adaptive
// chunking and embedding on ingest, hybrid dense/sparse retrieval with
// re-ranking and token-budgeted synthesis on query, and a trace/evaluation
// loop that tunes the retrieval threshold from observed quality.
package ragcore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/meridianlabs/ragcore/internal/chunker"
	"github.com/meridianlabs/ragcore/internal/embedding"
	"github.com/meridianlabs/ragcore/internal/evaluate"
	"github.com/meridianlabs/ragcore/internal/llm"
	"github.com/meridianlabs/ragcore/internal/models"
	"github.com/meridianlabs/ragcore/internal/rerank"
	"github.com/meridianlabs/ragcore/internal/search"
	"github.com/meridianlabs/ragcore/internal/store"
	"github.com/meridianlabs/ragcore/internal/synthesis"
	"github.com/meridianlabs/ragcore/internal/tokens"
	"github.com/meridianlabs/ragcore/internal/trace"
)

// Deps are the collaborator ports. Store and Embedder are required; Completer
// may be nil, which disables the LLM rerank and summarize paths.
type Deps struct {
	Store     store.Store
	Embedder  *embedding.Service
	Completer llm.Completer
	Estimator tokens.Estimator
	Logger    *zap.Logger
}

// Engine is the process-wide facade over the pipeline.
type Engine struct {
	cfg       *Config
	store     store.Store
	embedder  *embedding.Service
	chunker   *chunker.Chunker
	searcher  *search.Searcher
	reranker  *rerank.Reranker
	synth     *synthesis.Synthesizer
	evaluator *evaluate.Evaluator
	recorder  *trace.Recorder
	logger    *zap.Logger

	hourly hourlyAccumulator
}

// New wires an engine from explicit dependencies.
func New(cfg *Config, deps Deps) (*Engine, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if deps.Store == nil {
		return nil, errors.New("ragcore: store is required")
	}
	if deps.Embedder == nil {
		return nil, errors.New("ragcore: embedder is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	estimator := deps.Estimator
	if estimator == nil {
		estimator = tokens.Heuristic{}
	}
	e := &Engine{
		cfg:       cfg,
		store:     deps.Store,
		embedder:  deps.Embedder,
		chunker:   chunker.New(),
		searcher:  search.New(deps.Store, logger),
		reranker:  rerank.New(deps.Completer, 15*time.Second, logger),
		synth:     synthesis.New(estimator, deps.Completer, 30*time.Second, logger),
		evaluator: evaluate.New(cfg.Retrieval.SemanticThreshold, cfg.Retrieval.KeywordThreshold, logger),
		logger:    logger.Named("ragcore"),
	}
	e.recorder = trace.NewRecorder(trace.Config{
		Enabled:       cfg.Trace.Enabled,
		Persist:       cfg.Trace.Persistence,
		BufferSize:    cfg.Trace.BufferSize,
		BatchSize:     cfg.Trace.BatchSize,
		FlushInterval: time.Duration(cfg.Trace.FlushIntervalMs) * time.Millisecond,
	}, deps.Store, logger)
	return e, nil
}

// Open builds an engine entirely from configuration: Postgres when a DSN is
// set (in-memory otherwise), the OpenAI embedding provider behind the caching
// service, and the completion client when LLM features are enabled.
func Open(cfg *Config, logger *zap.Logger) (*Engine, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	var st store.Store
	var err error
	if cfg.Storage.PostgresDSN != "" {
		st, err = store.NewPostgres(store.PostgresConfig{
			DSN:        cfg.Storage.PostgresDSN,
			Dimensions: cfg.Embedding.Dimensions,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("open storage: %w", err)
		}
	} else {
		st = store.NewMemory(cfg.Embedding.Dimensions)
	}

	provider, err := embedding.NewOpenAIProvider(embedding.OpenAIConfig{
		APIKey:     cfg.Embedding.APIKey,
		BaseURL:    cfg.Embedding.BaseURL,
		Model:      cfg.Embedding.Model,
		Dimensions: cfg.Embedding.Dimensions,
	})
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("open embedding provider: %w", err)
	}
	var cache embedding.Cache
	if cfg.Embedding.RedisAddr != "" {
		redisCache, err := embedding.NewRedisCache(cfg.Embedding.RedisAddr)
		if err != nil {
			logger.Warn("redis embedding cache unavailable, using local cache only", zap.Error(err))
		} else {
			cache = redisCache
		}
	}
	embedder := embedding.NewService(provider, cache, embedding.ServiceConfig{
		Timeout:    time.Duration(cfg.Embedding.TimeoutMs) * time.Millisecond,
		MaxRetries: cfg.Embedding.MaxRetries,
	}, logger)

	var completer llm.Completer
	if cfg.LLM.Enabled {
		completer = llm.NewOpenAICompleter(llm.OpenAIConfig{
			APIKey:      cfg.LLM.APIKey,
			BaseURL:     cfg.LLM.BaseURL,
			Model:       cfg.LLM.Model,
			Temperature: cfg.LLM.Temperature,
		})
	}

	var estimator tokens.Estimator
	if tk, err := tokens.NewTiktoken(cfg.LLM.Model); err == nil {
		estimator = tk
	} else {
		estimator = tokens.Heuristic{}
	}

	return New(cfg, Deps{
		Store:     st,
		Embedder:  embedder,
		Completer: completer,
		Estimator: estimator,
		Logger:    logger,
	})
}

// Close flushes pending traces and releases the storage backend. The flush
// happens before the store closes so the final batch can still land.
func (e *Engine) Close() error {
	e.recorder.Close()
	return e.store.Close()
}

// EvaluateRetrieval scores one retrieval against optional ground truth and
// records the sample for auto-tuning.
func (e *Engine) EvaluateRetrieval(query string, retrieved []models.ScoredChunk, groundTruth []uuid.UUID) models.RetrievalMetrics {
	return e.evaluator.EvaluateRetrieval(query, retrieved, groundTruth)
}

// AnalyzeLLMResponse derives a feedback signal from a generated answer.
func (e *Engine) AnalyzeLLMResponse(query string, chunks []models.ScoredChunk, response string) models.FeedbackSignal {
	return e.evaluator.AnalyzeLLMResponse(query, chunks, response)
}

// RecordFeedback stores explicit response feedback.
func (e *Engine) RecordFeedback(signal models.FeedbackSignal) {
	e.evaluator.RecordFeedback(signal)
}

// AutoTune runs the threshold control loop and returns the thresholds the
// next query will use.
func (e *Engine) AutoTune() evaluate.Thresholds {
	return e.evaluator.AutoTuneThresholds()
}

// Report summarises retrieval quality over the period.
func (e *Engine) Report(periodDays int) evaluate.Report {
	return e.evaluator.GenerateReport(periodDays)
}

// GetTrace returns all events of a trace in timestamp order.
func (e *Engine) GetTrace(ctx context.Context, traceID string) ([]models.TraceEvent, error) {
	return e.recorder.Get(ctx, traceID)
}

// ListTraces pages persisted trace events.
func (e *Engine) ListTraces(ctx context.Context, filter store.TraceFilter, limit, offset int) ([]models.TraceEvent, error) {
	return e.recorder.List(ctx, filter, limit, offset)
}

// DeleteOldTraces removes persisted traces older than the configured
// retention window and returns the number deleted.
func (e *Engine) DeleteOldTraces(ctx context.Context) (int64, error) {
	cutoff := time.Now().AddDate(0, 0, -e.cfg.Trace.RetentionDays)
	n, err := e.store.DeleteOldRagTraces(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		e.logger.Info("trace retention sweep", zap.Int64("deleted", n), zap.Time("cutoff", cutoff))
	}
	return n, nil
}
