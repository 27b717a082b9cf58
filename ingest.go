package ragcore

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/meridianlabs/ragcore/internal/chunker"
	"github.com/meridianlabs/ragcore/internal/metrics"
	"github.com/meridianlabs/ragcore/internal/models"
	"github.com/meridianlabs/ragcore/internal/trace"
)

const (
	embedBatchSize = 64
	embedWorkers   = 4
	previewLen     = 100
)

// IngestOptions tunes one ingestion. An empty Strategy lets the chunker pick
// adaptively from content and mime type.
type IngestOptions struct {
	Strategy   string
	UserID     *string
	Timestamp  *time.Time
	Importance *float64
}

// IngestResult reports what one ingestion produced.
type IngestResult struct {
	DocumentID    uuid.UUID `json:"document_id"`
	ChunksCreated int       `json:"chunks_created"`
	TraceID       string    `json:"trace_id"`
}

// IngestDocument chunks, embeds, and atomically persists one document with
// its lineage rows. Failure leaves no partial document behind.
func (e *Engine) IngestDocument(ctx context.Context, content, filename, mimeType string, opts IngestOptions) (*IngestResult, error) {
	traceID := trace.GenerateTraceID()
	docID := uuid.New()
	docIDStr := docID.String()
	started := time.Now()

	e.emit(models.TraceEvent{
		TraceID:    traceID,
		TraceType:  models.TraceTypeIngestion,
		Stage:      models.StageIngestStart,
		DocumentID: &docIDStr,
		UserID:     opts.UserID,
	})

	fail := func(stage string, err error) (*IngestResult, error) {
		e.emit(models.TraceEvent{
			TraceID:      traceID,
			TraceType:    models.TraceTypeIngestion,
			Stage:        models.StageError,
			DocumentID:   &docIDStr,
			UserID:       opts.UserID,
			ErrorStage:   stage,
			ErrorMessage: errorMessage(ctx, err),
		})
		e.hourly.noteError()
		e.flushHourly()
		return nil, err
	}

	var strategy chunker.Strategy
	if opts.Strategy != "" {
		var err error
		strategy, err = chunker.ParseStrategy(opts.Strategy)
		if err != nil {
			return fail(models.StageIngestChunk, err)
		}
	}
	chunkStart := time.Now()
	chunks, chunksFiltered, err := e.chunker.Chunk(chunker.Request{
		Content:    content,
		DocumentID: docID,
		UserID:     opts.UserID,
		Filename:   filename,
		MimeType:   mimeType,
		Timestamp:  opts.Timestamp,
		Importance: opts.Importance,
		Options:    chunker.Options{Strategy: strategy},
	})
	if err != nil {
		return fail(models.StageIngestChunk, err)
	}
	metrics.ChunksCreated.Add(float64(len(chunks)))
	e.emit(models.TraceEvent{
		TraceID:        traceID,
		TraceType:      models.TraceTypeIngestion,
		Stage:          models.StageIngestChunk,
		DurationMs:     time.Since(chunkStart).Milliseconds(),
		DocumentID:     &docIDStr,
		UserID:         opts.UserID,
		ChunksCreated:  len(chunks),
		ChunksFiltered: chunksFiltered,
	})

	embedStart := time.Now()
	if err := e.embedChunks(ctx, chunks); err != nil {
		return fail(models.StageIngestEmbed, err)
	}
	e.emit(models.TraceEvent{
		TraceID:    traceID,
		TraceType:  models.TraceTypeIngestion,
		Stage:      models.StageIngestEmbed,
		DurationMs: time.Since(embedStart).Milliseconds(),
		DocumentID: &docIDStr,
		UserID:     opts.UserID,
		ChunkIDs:   chunkIDs(chunks),
	})

	doc := &models.Document{
		ID:            docID,
		UserID:        opts.UserID,
		Filename:      filename,
		MimeType:      mimeType,
		ContentLength: len(content),
		CreatedAt:     time.Now(),
	}
	storeStart := time.Now()
	if err := e.store.IngestDocument(ctx, doc, chunks, e.lineageRows(chunks, filename)); err != nil {
		return fail(models.StageIngestStore, err)
	}
	e.emit(models.TraceEvent{
		TraceID:    traceID,
		TraceType:  models.TraceTypeIngestion,
		Stage:      models.StageIngestStore,
		DurationMs: time.Since(storeStart).Milliseconds(),
		DocumentID: &docIDStr,
		UserID:     opts.UserID,
	})

	elapsed := time.Since(started)
	metrics.DocumentsIngested.Inc()
	metrics.IngestionDuration.Observe(elapsed.Seconds())
	e.emit(models.TraceEvent{
		TraceID:       traceID,
		TraceType:     models.TraceTypeIngestion,
		Stage:         models.StageIngestComplete,
		DurationMs:    elapsed.Milliseconds(),
		DocumentID:    &docIDStr,
		UserID:        opts.UserID,
		ChunksCreated: len(chunks),
	})
	e.hourly.noteIngest(elapsed, len(chunks), chunksFiltered)
	e.flushHourly()

	e.logger.Info("document ingested",
		zap.String("trace_id", traceID),
		zap.String("document_id", docIDStr),
		zap.Int("chunks", len(chunks)),
		zap.Duration("elapsed", elapsed),
	)
	return &IngestResult{DocumentID: docID, ChunksCreated: len(chunks), TraceID: traceID}, nil
}

// embedChunks fills Embedding on every chunk, batching provider calls through
// a bounded worker group.
func (e *Engine) embedChunks(ctx context.Context, chunks []models.Chunk) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(embedWorkers)
	for start := 0; start < len(chunks); start += embedBatchSize {
		end := start + embedBatchSize
		if end > len(chunks) {
			end = len(chunks)
		}
		batch := chunks[start:end]
		g.Go(func() error {
			texts := make([]string, len(batch))
			for i, c := range batch {
				texts[i] = c.Content
			}
			vecs, err := e.embedder.Embed(gctx, texts)
			if err != nil {
				return err
			}
			for i := range batch {
				batch[i].Embedding = vecs[i]
			}
			e.hourly.noteEmbedCall()
			return nil
		})
	}
	return g.Wait()
}

func (e *Engine) lineageRows(chunks []models.Chunk, filename string) []models.ChunkLineage {
	now := time.Now()
	rows := make([]models.ChunkLineage, len(chunks))
	for i, c := range chunks {
		preview := c.Content
		if len(preview) > previewLen {
			preview = preview[:previewLen]
		}
		importance := 0.5
		if c.Metadata.Importance != nil {
			importance = *c.Metadata.Importance
		}
		rows[i] = models.ChunkLineage{
			ChunkID:         c.ID,
			DocumentID:      c.DocumentID,
			SourceType:      "document",
			SourceID:        filename,
			ContentPreview:  preview,
			ChunkIndex:      c.ChunkIndex,
			IngestedAt:      now,
			EmbeddingModel:  e.embedder.ModelID(),
			ImportanceScore: importance,
		}
	}
	return rows
}

func chunkIDs(chunks []models.Chunk) []string {
	ids := make([]string, len(chunks))
	for i, c := range chunks {
		ids[i] = c.ID.String()
	}
	return ids
}
