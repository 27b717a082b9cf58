package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Ingestion metrics
	DocumentsIngested = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ragcore_documents_ingested_total",
			Help: "Total number of documents ingested",
		},
	)

	ChunksCreated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ragcore_chunks_created_total",
			Help: "Total number of chunks created by the chunker",
		},
	)

	IngestionDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ragcore_ingestion_duration_seconds",
			Help:    "Document ingestion duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Query metrics
	Queries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ragcore_queries_total",
			Help: "Total number of retrieval queries by terminal status",
		},
		[]string{"status"},
	)

	StageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ragcore_stage_duration_seconds",
			Help:    "Per-stage pipeline duration in seconds",
			Buckets: []float64{.001, .005, .01, .05, .1, .5, 1, 5, 15, 30},
		},
		[]string{"stage"},
	)

	// Provider metrics
	EmbeddingAPICalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ragcore_embedding_api_calls_total",
			Help: "Total number of embedding provider calls",
		},
		[]string{"model", "status"},
	)

	VectorSearchOps = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ragcore_vector_search_operations_total",
			Help: "Total number of vector search operations",
		},
	)

	LLMParseFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ragcore_llm_parse_failures_total",
			Help: "LLM re-score responses that failed tolerant parsing",
		},
	)

	// Trace pipeline metrics
	TraceDrops = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ragcore_trace_drops_total",
			Help: "Trace records dropped due to write buffer overflow",
		},
	)

	TraceFlushes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ragcore_trace_flushes_total",
			Help: "Trace batch flushes by outcome",
		},
		[]string{"status"},
	)
)
