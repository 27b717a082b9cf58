package store

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	pgvector "github.com/pgvector/pgvector-go"
	"go.uber.org/zap"

	"github.com/meridianlabs/ragcore/internal/models"
)

// PostgresConfig holds connection settings.
type PostgresConfig struct {
	DSN             string
	Dimensions      int
	MaxConnections  int
	IdleConnections int
	MaxLifetime     time.Duration
}

// Postgres implements Store over Postgres with the pgvector extension.
type Postgres struct {
	db     *sqlx.DB
	dims   int
	logger *zap.Logger
}

// NewPostgres opens a pooled connection and pings it so bad credentials fail
// at startup.
func NewPostgres(cfg PostgresConfig, logger *zap.Logger) (*Postgres, error) {
	if cfg.MaxConnections == 0 {
		cfg.MaxConnections = 25
	}
	if cfg.IdleConnections == 0 {
		cfg.IdleConnections = 5
	}
	if cfg.MaxLifetime == 0 {
		cfg.MaxLifetime = 5 * time.Minute
	}
	db, err := sqlx.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, &Error{Kind: KindUnavailable, Op: "open", Err: err}
	}
	db.SetMaxOpenConns(cfg.MaxConnections)
	db.SetMaxIdleConns(cfg.IdleConnections)
	db.SetConnMaxLifetime(cfg.MaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, &Error{Kind: KindUnavailable, Op: "ping", Err: err}
	}
	return &Postgres{db: db, dims: cfg.Dimensions, logger: logger.Named("store")}, nil
}

func (p *Postgres) Close() error { return p.db.Close() }

func wrapErr(op string, err error) error {
	if err == nil {
		return nil
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		if pqErr.Code.Class() == "23" { // integrity constraint violation
			return &Error{Kind: KindConstraint, Op: op, Err: err}
		}
		if pqErr.Code.Class() == "08" { // connection exception
			return &Error{Kind: KindUnavailable, Op: op, Err: err}
		}
	}
	if errors.Is(err, driver.ErrBadConn) {
		return &Error{Kind: KindUnavailable, Op: op, Err: err}
	}
	return &Error{Kind: KindTransient, Op: op, Err: err}
}

const insertChunkSQL = `
	INSERT INTO chunks (
		id, document_id, user_id, chunk_index, content,
		filename, source_timestamp, importance, embedding
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	ON CONFLICT (id) DO UPDATE SET
		content = EXCLUDED.content,
		filename = EXCLUDED.filename,
		source_timestamp = EXCLUDED.source_timestamp,
		importance = EXCLUDED.importance,
		embedding = EXCLUDED.embedding`

const insertLineageSQL = `
	INSERT INTO rag_chunk_lineage (
		chunk_id, document_id, source_type, source_id, content_preview,
		chunk_index, ingested_at, embedding_model, retrieval_count,
		last_retrieved_at, avg_similarity_score, importance_score, tags
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`

// IngestDocument commits the document, its chunks, and their lineage in one
// transaction.
func (p *Postgres) IngestDocument(ctx context.Context, doc *models.Document, chunks []models.Chunk, lineage []models.ChunkLineage) error {
	if len(chunks) != len(lineage) {
		return &Error{Kind: KindConstraint, Op: "ingest", Err: fmt.Errorf("chunk/lineage count mismatch: %d vs %d", len(chunks), len(lineage))}
	}
	tx, err := p.db.BeginTxx(ctx, nil)
	if err != nil {
		return wrapErr("ingest.begin", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO documents (id, user_id, filename, mime_type, content_length, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)`,
		doc.ID, doc.UserID, doc.Filename, doc.MimeType, doc.ContentLength, doc.CreatedAt,
	); err != nil {
		return wrapErr("ingest.document", err)
	}
	for _, c := range chunks {
		if len(c.Embedding) != p.dims {
			return &Error{Kind: KindConstraint, Op: "ingest.chunk",
				Err: fmt.Errorf("chunk %s has %d dims, store configured for %d", c.ID, len(c.Embedding), p.dims)}
		}
		if _, err := tx.ExecContext(ctx, insertChunkSQL,
			c.ID, c.DocumentID, c.UserID, c.ChunkIndex, c.Content,
			c.Metadata.Filename, c.Metadata.Timestamp, c.Metadata.Importance,
			pgvector.NewVector(c.Embedding),
		); err != nil {
			return wrapErr("ingest.chunk", err)
		}
	}
	for _, l := range lineage {
		if _, err := tx.ExecContext(ctx, insertLineageSQL,
			l.ChunkID, l.DocumentID, l.SourceType, l.SourceID, l.ContentPreview,
			l.ChunkIndex, l.IngestedAt, l.EmbeddingModel, l.RetrievalCount,
			l.LastRetrievedAt, l.AvgSimilarityScore, l.ImportanceScore, pq.Array(l.Tags),
		); err != nil {
			return wrapErr("ingest.lineage", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return wrapErr("ingest.commit", err)
	}
	return nil
}

// UpsertChunks replaces chunks by ID in a single transaction.
func (p *Postgres) UpsertChunks(ctx context.Context, chunks []models.Chunk) error {
	if len(chunks) == 0 {
		return nil
	}
	tx, err := p.db.BeginTxx(ctx, nil)
	if err != nil {
		return wrapErr("upsert_chunks.begin", err)
	}
	defer tx.Rollback()
	for _, c := range chunks {
		if _, err := tx.ExecContext(ctx, insertChunkSQL,
			c.ID, c.DocumentID, c.UserID, c.ChunkIndex, c.Content,
			c.Metadata.Filename, c.Metadata.Timestamp, c.Metadata.Importance,
			pgvector.NewVector(c.Embedding),
		); err != nil {
			return wrapErr("upsert_chunks", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return wrapErr("upsert_chunks.commit", err)
	}
	return nil
}

type chunkRow struct {
	ID         uuid.UUID       `db:"id"`
	DocumentID uuid.UUID       `db:"document_id"`
	UserID     *string         `db:"user_id"`
	ChunkIndex int             `db:"chunk_index"`
	Content    string          `db:"content"`
	Filename   string          `db:"filename"`
	Timestamp  *time.Time      `db:"source_timestamp"`
	Importance *float64        `db:"importance"`
	Embedding  pgvector.Vector `db:"embedding"`
}

func (r chunkRow) toModel() models.Chunk {
	return models.Chunk{
		ID:         r.ID,
		DocumentID: r.DocumentID,
		UserID:     r.UserID,
		ChunkIndex: r.ChunkIndex,
		Content:    r.Content,
		Metadata: models.ChunkMetadata{
			Filename:   r.Filename,
			Timestamp:  r.Timestamp,
			Importance: r.Importance,
		},
		Embedding: r.Embedding.Slice(),
	}
}

const chunkColumns = `id, document_id, user_id, chunk_index, content, filename, source_timestamp, importance, embedding`

// GetChunksByIDs fetches chunks preserving no particular order.
func (p *Postgres) GetChunksByIDs(ctx context.Context, ids []uuid.UUID) ([]models.Chunk, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	strIDs := make([]string, len(ids))
	for i, id := range ids {
		strIDs[i] = id.String()
	}
	var rows []chunkRow
	err := p.db.SelectContext(ctx, &rows,
		`SELECT `+chunkColumns+` FROM chunks WHERE id = ANY($1)`, pq.Array(strIDs))
	if err != nil {
		return nil, wrapErr("get_chunks", err)
	}
	out := make([]models.Chunk, len(rows))
	for i, r := range rows {
		out[i] = r.toModel()
	}
	return out, nil
}

// SearchVectors runs a cosine similarity search scoped to the user. A nil
// userID matches only chunks with no user.
func (p *Postgres) SearchVectors(ctx context.Context, qvec []float32, userID *string, topK int, threshold float64) ([]VectorHit, error) {
	if len(qvec) != p.dims {
		return nil, &Error{Kind: KindConstraint, Op: "search_vectors",
			Err: fmt.Errorf("query vector has %d dims, store configured for %d", len(qvec), p.dims)}
	}
	rows, err := p.db.QueryxContext(ctx, `
		SELECT id, 1 - (embedding <=> $1) AS score
		FROM chunks
		WHERE (($2::text IS NULL AND user_id IS NULL) OR ($2::text IS NOT NULL AND user_id = $2))
		  AND 1 - (embedding <=> $1) >= $3
		ORDER BY embedding <=> $1
		LIMIT $4`,
		pgvector.NewVector(qvec), userID, threshold, topK)
	if err != nil {
		return nil, wrapErr("search_vectors", err)
	}
	defer rows.Close()
	var hits []VectorHit
	for rows.Next() {
		var h VectorHit
		if err := rows.Scan(&h.ChunkID, &h.Score); err != nil {
			return nil, wrapErr("search_vectors.scan", err)
		}
		hits = append(hits, h)
	}
	return hits, wrapErr("search_vectors.rows", rows.Err())
}

// CandidateChunks returns the user's most recently ingested chunks, used as
// the sparse-scoring corpus for hybrid search.
func (p *Postgres) CandidateChunks(ctx context.Context, userID *string, limit int) ([]models.Chunk, error) {
	var rows []chunkRow
	err := p.db.SelectContext(ctx, &rows, `
		SELECT `+chunkColumns+`
		FROM chunks
		WHERE (($1::text IS NULL AND user_id IS NULL) OR ($1::text IS NOT NULL AND user_id = $1))
		ORDER BY document_id, chunk_index
		LIMIT $2`, userID, limit)
	if err != nil {
		return nil, wrapErr("candidate_chunks", err)
	}
	out := make([]models.Chunk, len(rows))
	for i, r := range rows {
		out[i] = r.toModel()
	}
	return out, nil
}

// KeywordSearch is the crude ILIKE fallback used when hybrid search is off.
func (p *Postgres) KeywordSearch(ctx context.Context, userID *string, terms []string, limit int) ([]models.Chunk, error) {
	if len(terms) == 0 {
		return nil, nil
	}
	patterns := make([]string, len(terms))
	for i, t := range terms {
		patterns[i] = "%" + t + "%"
	}
	var rows []chunkRow
	err := p.db.SelectContext(ctx, &rows, `
		SELECT `+chunkColumns+`
		FROM chunks
		WHERE (($1::text IS NULL AND user_id IS NULL) OR ($1::text IS NOT NULL AND user_id = $1))
		  AND content ILIKE ANY($2)
		LIMIT $3`, userID, pq.Array(patterns), limit)
	if err != nil {
		return nil, wrapErr("keyword_search", err)
	}
	out := make([]models.Chunk, len(rows))
	for i, r := range rows {
		out[i] = r.toModel()
	}
	return out, nil
}

// CreateChunkLineage inserts lineage rows (unique on chunk_id).
func (p *Postgres) CreateChunkLineage(ctx context.Context, lineage []models.ChunkLineage) error {
	if len(lineage) == 0 {
		return nil
	}
	tx, err := p.db.BeginTxx(ctx, nil)
	if err != nil {
		return wrapErr("create_lineage.begin", err)
	}
	defer tx.Rollback()
	for _, l := range lineage {
		if _, err := tx.ExecContext(ctx, insertLineageSQL,
			l.ChunkID, l.DocumentID, l.SourceType, l.SourceID, l.ContentPreview,
			l.ChunkIndex, l.IngestedAt, l.EmbeddingModel, l.RetrievalCount,
			l.LastRetrievedAt, l.AvgSimilarityScore, l.ImportanceScore, pq.Array(l.Tags),
		); err != nil {
			return wrapErr("create_lineage", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return wrapErr("create_lineage.commit", err)
	}
	return nil
}

// UpdateChunkLineageUsage bumps retrieval_count and folds the score into the
// exponential moving average (0.9 previous, 0.1 new). The first retrieval
// seeds the average with the raw score.
func (p *Postgres) UpdateChunkLineageUsage(ctx context.Context, chunkID uuid.UUID, score float64) error {
	_, err := p.db.ExecContext(ctx, `
		UPDATE rag_chunk_lineage SET
			retrieval_count = retrieval_count + 1,
			avg_similarity_score = CASE
				WHEN retrieval_count = 0 THEN $2
				ELSE avg_similarity_score * 0.9 + $2 * 0.1
			END,
			last_retrieved_at = now()
		WHERE chunk_id = $1`, chunkID, score)
	return wrapErr("update_lineage_usage", err)
}

const insertTraceSQL = `
	INSERT INTO rag_traces (
		trace_id, trace_type, stage, timestamp, duration_ms,
		document_id, chunk_ids, user_id, chat_id, query_text,
		chunks_created, chunks_filtered, search_results, threshold, top_k,
		scores, tokens_used, sources_count, error_message, error_stage
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20)`

// CreateRagTraces bulk-inserts trace events; partial failure rolls back the
// whole batch.
func (p *Postgres) CreateRagTraces(ctx context.Context, batch []models.TraceEvent) error {
	if len(batch) == 0 {
		return nil
	}
	tx, err := p.db.BeginTxx(ctx, nil)
	if err != nil {
		return wrapErr("create_traces.begin", err)
	}
	defer tx.Rollback()
	stmt, err := tx.PrepareContext(ctx, insertTraceSQL)
	if err != nil {
		return wrapErr("create_traces.prepare", err)
	}
	defer stmt.Close()
	for _, e := range batch {
		if _, err := stmt.ExecContext(ctx,
			e.TraceID, e.TraceType, e.Stage, e.Timestamp, e.DurationMs,
			e.DocumentID, pq.Array(e.ChunkIDs), e.UserID, e.ChatID, e.QueryText,
			e.ChunksCreated, e.ChunksFiltered, e.SearchResults, e.Threshold, e.TopK,
			pq.Array(e.Scores), e.TokensUsed, e.SourcesCount, e.ErrorMessage, e.ErrorStage,
		); err != nil {
			return wrapErr("create_traces", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return wrapErr("create_traces.commit", err)
	}
	return nil
}

type traceRow struct {
	TraceID        string          `db:"trace_id"`
	TraceType      string          `db:"trace_type"`
	Stage          string          `db:"stage"`
	Timestamp      time.Time       `db:"timestamp"`
	DurationMs     int64           `db:"duration_ms"`
	DocumentID     *string         `db:"document_id"`
	ChunkIDs       pq.StringArray  `db:"chunk_ids"`
	UserID         *string         `db:"user_id"`
	ChatID         *string         `db:"chat_id"`
	QueryText      *string         `db:"query_text"`
	ChunksCreated  *int            `db:"chunks_created"`
	ChunksFiltered *int            `db:"chunks_filtered"`
	SearchResults  *int            `db:"search_results"`
	Threshold      *float64        `db:"threshold"`
	TopK           *int            `db:"top_k"`
	Scores         pq.Float64Array `db:"scores"`
	TokensUsed     *int            `db:"tokens_used"`
	SourcesCount   *int            `db:"sources_count"`
	ErrorMessage   *string         `db:"error_message"`
	ErrorStage     *string         `db:"error_stage"`
}

func (r traceRow) toModel() models.TraceEvent {
	e := models.TraceEvent{
		TraceID:    r.TraceID,
		TraceType:  models.TraceType(r.TraceType),
		Stage:      r.Stage,
		Timestamp:  r.Timestamp,
		DurationMs: r.DurationMs,
		DocumentID: r.DocumentID,
		ChunkIDs:   r.ChunkIDs,
		UserID:     r.UserID,
		ChatID:     r.ChatID,
		Scores:     r.Scores,
	}
	if r.QueryText != nil {
		e.QueryText = *r.QueryText
	}
	if r.ChunksCreated != nil {
		e.ChunksCreated = *r.ChunksCreated
	}
	if r.ChunksFiltered != nil {
		e.ChunksFiltered = *r.ChunksFiltered
	}
	if r.SearchResults != nil {
		e.SearchResults = *r.SearchResults
	}
	if r.Threshold != nil {
		e.Threshold = *r.Threshold
	}
	if r.TopK != nil {
		e.TopK = *r.TopK
	}
	if r.TokensUsed != nil {
		e.TokensUsed = *r.TokensUsed
	}
	if r.SourcesCount != nil {
		e.SourcesCount = *r.SourcesCount
	}
	if r.ErrorMessage != nil {
		e.ErrorMessage = *r.ErrorMessage
	}
	if r.ErrorStage != nil {
		e.ErrorStage = *r.ErrorStage
	}
	return e
}

const traceColumns = `trace_id, trace_type, stage, timestamp, duration_ms, document_id,
	chunk_ids, user_id, chat_id, query_text, chunks_created, chunks_filtered,
	search_results, threshold, top_k, scores, tokens_used, sources_count,
	error_message, error_stage`

// GetRagTracesByTraceID returns the trace's events in timestamp order.
func (p *Postgres) GetRagTracesByTraceID(ctx context.Context, traceID string) ([]models.TraceEvent, error) {
	var rows []traceRow
	err := p.db.SelectContext(ctx, &rows,
		`SELECT `+traceColumns+` FROM rag_traces WHERE trace_id = $1 ORDER BY timestamp ASC`, traceID)
	if err != nil {
		return nil, wrapErr("get_traces", err)
	}
	out := make([]models.TraceEvent, len(rows))
	for i, r := range rows {
		out[i] = r.toModel()
	}
	return out, nil
}

// ListRagTraces pages recent traces, newest first.
func (p *Postgres) ListRagTraces(ctx context.Context, filter TraceFilter, limit, offset int) ([]models.TraceEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	var rows []traceRow
	err := p.db.SelectContext(ctx, &rows, `
		SELECT `+traceColumns+`
		FROM rag_traces
		WHERE ($1 = '' OR trace_type = $1)
		  AND ($2 = '' OR stage = $2)
		  AND ($3::text IS NULL OR user_id = $3)
		  AND ($4::timestamptz IS NULL OR timestamp >= $4)
		ORDER BY timestamp DESC
		LIMIT $5 OFFSET $6`,
		string(filter.TraceType), filter.Stage, filter.UserID, nullTime(filter.Since), limit, offset)
	if err != nil {
		return nil, wrapErr("list_traces", err)
	}
	out := make([]models.TraceEvent, len(rows))
	for i, r := range rows {
		out[i] = r.toModel()
	}
	return out, nil
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

// CreateRetrievalResults bulk-inserts retrieval result rows.
func (p *Postgres) CreateRetrievalResults(ctx context.Context, batch []models.RetrievalResultRecord) error {
	if len(batch) == 0 {
		return nil
	}
	tx, err := p.db.BeginTxx(ctx, nil)
	if err != nil {
		return wrapErr("create_results.begin", err)
	}
	defer tx.Rollback()
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO rag_retrieval_results (
			trace_id, query_text, chunk_id, similarity_score, rank,
			included_in_context, context_position, was_relevant, feedback_source
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`)
	if err != nil {
		return wrapErr("create_results.prepare", err)
	}
	defer stmt.Close()
	for _, r := range batch {
		if _, err := stmt.ExecContext(ctx,
			r.TraceID, r.QueryText, r.ChunkID, r.SimilarityScore, r.Rank,
			r.IncludedInContext, r.ContextPosition, r.WasRelevant, r.FeedbackSource,
		); err != nil {
			return wrapErr("create_results", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return wrapErr("create_results.commit", err)
	}
	return nil
}

// UpsertRagMetrics writes the hourly aggregate, replacing the row for the
// same hour. The engine maintains the running aggregate in memory, so the
// latest write carries the full hour.
func (p *Postgres) UpsertRagMetrics(ctx context.Context, m *models.HourlyMetrics) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO rag_metrics_hourly (
			hour_start, documents_ingested, chunks_created, chunks_filtered,
			avg_ingestion_duration_ms, queries_processed, avg_query_duration_ms,
			avg_search_results, avg_context_tokens, avg_similarity_score,
			empty_result_count, error_count, embedding_api_calls, vector_search_operations
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
		ON CONFLICT (hour_start) DO UPDATE SET
			documents_ingested = EXCLUDED.documents_ingested,
			chunks_created = EXCLUDED.chunks_created,
			chunks_filtered = EXCLUDED.chunks_filtered,
			avg_ingestion_duration_ms = EXCLUDED.avg_ingestion_duration_ms,
			queries_processed = EXCLUDED.queries_processed,
			avg_query_duration_ms = EXCLUDED.avg_query_duration_ms,
			avg_search_results = EXCLUDED.avg_search_results,
			avg_context_tokens = EXCLUDED.avg_context_tokens,
			avg_similarity_score = EXCLUDED.avg_similarity_score,
			empty_result_count = EXCLUDED.empty_result_count,
			error_count = EXCLUDED.error_count,
			embedding_api_calls = EXCLUDED.embedding_api_calls,
			vector_search_operations = EXCLUDED.vector_search_operations`,
		m.HourStart, m.DocumentsIngested, m.ChunksCreated, m.ChunksFiltered,
		m.AvgIngestionDuration, m.QueriesProcessed, m.AvgQueryDuration,
		m.AvgSearchResults, m.AvgContextTokens, m.AvgSimilarityScore,
		m.EmptyResultCount, m.ErrorCount, m.EmbeddingAPICalls, m.VectorSearchOps)
	return wrapErr("upsert_metrics", err)
}

// DeleteOldRagTraces removes traces older than the cutoff and returns the
// deleted row count.
func (p *Postgres) DeleteOldRagTraces(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := p.db.ExecContext(ctx, `DELETE FROM rag_traces WHERE timestamp < $1`, olderThan)
	if err != nil {
		return 0, wrapErr("delete_old_traces", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, wrapErr("delete_old_traces.rows", err)
	}
	return n, nil
}

var _ Store = (*Postgres)(nil)
