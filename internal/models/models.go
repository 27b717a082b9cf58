package models

import (
	"time"

	"github.com/google/uuid"
)

// Document is the unit of ingestion. Immutable once created.
type Document struct {
	ID            uuid.UUID `db:"id" json:"id"`
	UserID        *string   `db:"user_id" json:"user_id,omitempty"`
	Filename      string    `db:"filename" json:"filename"`
	MimeType      string    `db:"mime_type" json:"mime_type"`
	ContentLength int       `db:"content_length" json:"content_length"`
	CreatedAt     time.Time `db:"created_at" json:"created_at"`
}

// ChunkMetadata carries per-chunk annotations used by ranking.
type ChunkMetadata struct {
	Filename   string     `json:"filename"`
	Timestamp  *time.Time `json:"timestamp,omitempty"`
	Importance *float64   `json:"importance,omitempty"`
}

// Chunk is a contiguous span of a document plus its embedding.
// Ordered by ChunkIndex within a document; one chunk owns exactly one vector.
type Chunk struct {
	ID         uuid.UUID     `db:"id" json:"id"`
	DocumentID uuid.UUID     `db:"document_id" json:"document_id"`
	UserID     *string       `db:"user_id" json:"user_id,omitempty"`
	ChunkIndex int           `db:"chunk_index" json:"chunk_index"`
	Content    string        `db:"content" json:"content"`
	Metadata   ChunkMetadata `db:"-" json:"metadata"`
	Embedding  []float32     `db:"-" json:"-"`
}

// ChunkLineage tracks provenance and usage statistics for one chunk.
// Created 1:1 with the chunk inside the ingestion transaction.
type ChunkLineage struct {
	ChunkID            uuid.UUID  `db:"chunk_id" json:"chunk_id"`
	DocumentID         uuid.UUID  `db:"document_id" json:"document_id"`
	SourceType         string     `db:"source_type" json:"source_type"`
	SourceID           string     `db:"source_id" json:"source_id"`
	ContentPreview     string     `db:"content_preview" json:"content_preview"`
	ChunkIndex         int        `db:"chunk_index" json:"chunk_index"`
	IngestedAt         time.Time  `db:"ingested_at" json:"ingested_at"`
	EmbeddingModel     string     `db:"embedding_model" json:"embedding_model"`
	RetrievalCount     int        `db:"retrieval_count" json:"retrieval_count"`
	LastRetrievedAt    *time.Time `db:"last_retrieved_at" json:"last_retrieved_at,omitempty"`
	AvgSimilarityScore float64    `db:"avg_similarity_score" json:"avg_similarity_score"`
	ImportanceScore    float64    `db:"importance_score" json:"importance_score"`
	Tags               []string   `db:"tags" json:"tags,omitempty"`
}

// TraceType distinguishes ingestion traces from query traces.
type TraceType string

const (
	TraceTypeIngestion TraceType = "ingestion"
	TraceTypeQuery     TraceType = "query"
)

// Pipeline stage names shared by the trace buffer and the orchestrator.
const (
	StageIngestStart    = "ingest_start"
	StageIngestChunk    = "ingest_chunk"
	StageIngestEmbed    = "ingest_embed"
	StageIngestStore    = "ingest_store"
	StageIngestComplete = "ingest_complete"
	StageQueryStart     = "query_start"
	StageQueryEmbed     = "query_embed"
	StageSearch         = "search"
	StageRetrieve       = "retrieve"
	StageInject         = "inject"
	StageQueryComplete  = "query_complete"
	StageError          = "error"
)

// TraceEvent is one append-only record of a pipeline stage. Events sharing a
// TraceID form a logical trace; timestamps within it are non-decreasing.
type TraceEvent struct {
	TraceID        string    `db:"trace_id" json:"trace_id"`
	TraceType      TraceType `db:"trace_type" json:"trace_type"`
	Stage          string    `db:"stage" json:"stage"`
	Timestamp      time.Time `db:"timestamp" json:"timestamp"`
	DurationMs     int64     `db:"duration_ms" json:"duration_ms"`
	DocumentID     *string   `db:"document_id" json:"document_id,omitempty"`
	ChunkIDs       []string  `db:"chunk_ids" json:"chunk_ids,omitempty"`
	UserID         *string   `db:"user_id" json:"user_id,omitempty"`
	ChatID         *string   `db:"chat_id" json:"chat_id,omitempty"`
	QueryText      string    `db:"query_text" json:"query_text,omitempty"`
	ChunksCreated  int       `db:"chunks_created" json:"chunks_created,omitempty"`
	ChunksFiltered int       `db:"chunks_filtered" json:"chunks_filtered,omitempty"`
	SearchResults  int       `db:"search_results" json:"search_results,omitempty"`
	Threshold      float64   `db:"threshold" json:"threshold,omitempty"`
	TopK           int       `db:"top_k" json:"top_k,omitempty"`
	Scores         []float64 `db:"scores" json:"scores,omitempty"`
	TokensUsed     int       `db:"tokens_used" json:"tokens_used,omitempty"`
	SourcesCount   int       `db:"sources_count" json:"sources_count,omitempty"`
	ErrorMessage   string    `db:"error_message" json:"error_message,omitempty"`
	ErrorStage     string    `db:"error_stage" json:"error_stage,omitempty"`
}

// RetrievalResultRecord links one retrieved chunk to the query trace that
// produced it, for later relevance feedback.
type RetrievalResultRecord struct {
	TraceID           string    `db:"trace_id" json:"trace_id"`
	QueryText         string    `db:"query_text" json:"query_text"`
	ChunkID           uuid.UUID `db:"chunk_id" json:"chunk_id"`
	SimilarityScore   float64   `db:"similarity_score" json:"similarity_score"`
	Rank              int       `db:"rank" json:"rank"`
	IncludedInContext bool      `db:"included_in_context" json:"included_in_context"`
	ContextPosition   *int      `db:"context_position" json:"context_position,omitempty"`
	WasRelevant       *bool     `db:"was_relevant" json:"was_relevant,omitempty"`
	FeedbackSource    *string   `db:"feedback_source" json:"feedback_source,omitempty"`
}

// HourlyMetrics aggregates pipeline activity per hour. Upserted on HourStart.
type HourlyMetrics struct {
	HourStart             time.Time `db:"hour_start" json:"hour_start"`
	DocumentsIngested     int       `db:"documents_ingested" json:"documents_ingested"`
	ChunksCreated         int       `db:"chunks_created" json:"chunks_created"`
	ChunksFiltered        int       `db:"chunks_filtered" json:"chunks_filtered"`
	AvgIngestionDuration  float64   `db:"avg_ingestion_duration_ms" json:"avg_ingestion_duration_ms"`
	QueriesProcessed      int       `db:"queries_processed" json:"queries_processed"`
	AvgQueryDuration      float64   `db:"avg_query_duration_ms" json:"avg_query_duration_ms"`
	AvgSearchResults      float64   `db:"avg_search_results" json:"avg_search_results"`
	AvgContextTokens      float64   `db:"avg_context_tokens" json:"avg_context_tokens"`
	AvgSimilarityScore    float64   `db:"avg_similarity_score" json:"avg_similarity_score"`
	EmptyResultCount      int       `db:"empty_result_count" json:"empty_result_count"`
	ErrorCount            int       `db:"error_count" json:"error_count"`
	EmbeddingAPICalls     int       `db:"embedding_api_calls" json:"embedding_api_calls"`
	VectorSearchOps       int       `db:"vector_search_operations" json:"vector_search_operations"`
}

// RetrievalMetrics is one in-memory evaluation sample.
type RetrievalMetrics struct {
	Query        string    `json:"query"`
	Precision    float64   `json:"precision"`
	Recall       float64   `json:"recall"`
	F1           float64   `json:"f1"`
	MRR          float64   `json:"mrr"`
	ResultsCount int       `json:"results_count"`
	Timestamp    time.Time `json:"timestamp"`
}

// FeedbackKind classifies explicit user feedback.
type FeedbackKind string

const (
	FeedbackPositive FeedbackKind = "pos"
	FeedbackNegative FeedbackKind = "neg"
	FeedbackNeutral  FeedbackKind = "neu"
)

// FeedbackSignal carries observed response quality back to the evaluator.
type FeedbackSignal struct {
	QueryID        string        `json:"query_id"`
	ResponseUseful bool          `json:"response_useful"`
	SourcesCited   bool          `json:"sources_cited"`
	ChunksRelevant bool          `json:"chunks_relevant"`
	UserFeedback   *FeedbackKind `json:"user_feedback,omitempty"`
	Timestamp      time.Time     `json:"timestamp"`
}

// ScoredChunk is a chunk with a ranking score, passed between retrieval stages.
type ScoredChunk struct {
	Chunk Chunk   `json:"chunk"`
	Score float64 `json:"score"`
	Rank  int     `json:"rank"`
}
