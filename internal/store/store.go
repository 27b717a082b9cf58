// Package store defines the storage port the engine persists through, plus a
// Postgres/pgvector implementation and an in-memory implementation used by
// tests and embedded deployments.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/meridianlabs/ragcore/internal/models"
)

// Kind classifies storage failures for retry policy.
type Kind string

const (
	KindTransient   Kind = "transient"
	KindConstraint  Kind = "constraint"
	KindUnavailable Kind = "unavailable"
)

// Error is the typed storage failure.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("storage error (%s) in %s: %v", e.Kind, e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// VectorHit is one dense search result.
type VectorHit struct {
	ChunkID uuid.UUID
	Score   float64 // cosine similarity in [-1, 1]
}

// TraceFilter narrows ListRagTraces.
type TraceFilter struct {
	TraceType models.TraceType
	Stage     string
	UserID    *string
	Since     time.Time
}

// Store is the persistence port. Implementations must make IngestDocument
// atomic: either the document, all its chunks, and all lineage rows commit
// together or nothing does.
type Store interface {
	// Documents and chunks
	IngestDocument(ctx context.Context, doc *models.Document, chunks []models.Chunk, lineage []models.ChunkLineage) error
	UpsertChunks(ctx context.Context, chunks []models.Chunk) error
	GetChunksByIDs(ctx context.Context, ids []uuid.UUID) ([]models.Chunk, error)

	// Retrieval
	SearchVectors(ctx context.Context, qvec []float32, userID *string, topK int, threshold float64) ([]VectorHit, error)
	CandidateChunks(ctx context.Context, userID *string, limit int) ([]models.Chunk, error)
	KeywordSearch(ctx context.Context, userID *string, terms []string, limit int) ([]models.Chunk, error)

	// Lineage
	CreateChunkLineage(ctx context.Context, lineage []models.ChunkLineage) error
	UpdateChunkLineageUsage(ctx context.Context, chunkID uuid.UUID, score float64) error

	// Traces and evaluation
	CreateRagTraces(ctx context.Context, batch []models.TraceEvent) error
	GetRagTracesByTraceID(ctx context.Context, traceID string) ([]models.TraceEvent, error)
	ListRagTraces(ctx context.Context, filter TraceFilter, limit, offset int) ([]models.TraceEvent, error)
	CreateRetrievalResults(ctx context.Context, batch []models.RetrievalResultRecord) error
	UpsertRagMetrics(ctx context.Context, m *models.HourlyMetrics) error
	DeleteOldRagTraces(ctx context.Context, olderThan time.Time) (int64, error)

	Close() error
}
