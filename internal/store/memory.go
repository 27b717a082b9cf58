package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/meridianlabs/ragcore/internal/models"
	"github.com/meridianlabs/ragcore/internal/vectormath"
)

// Memory is an in-process Store used by tests and embedded deployments. It
// honors the same atomicity and scoping contracts as the Postgres store.
type Memory struct {
	mu        sync.RWMutex
	documents map[uuid.UUID]models.Document
	chunks    map[uuid.UUID]models.Chunk
	lineage   map[uuid.UUID]models.ChunkLineage
	traces    []models.TraceEvent
	results   []models.RetrievalResultRecord
	hourly    map[time.Time]models.HourlyMetrics
	dims      int
}

// NewMemory builds an empty in-memory store expecting the given vector
// dimension (0 disables the check).
func NewMemory(dims int) *Memory {
	return &Memory{
		documents: make(map[uuid.UUID]models.Document),
		chunks:    make(map[uuid.UUID]models.Chunk),
		lineage:   make(map[uuid.UUID]models.ChunkLineage),
		hourly:    make(map[time.Time]models.HourlyMetrics),
		dims:      dims,
	}
}

func (m *Memory) Close() error { return nil }

func sameScope(chunkUser, queryUser *string) bool {
	if chunkUser == nil && queryUser == nil {
		return true
	}
	if chunkUser == nil || queryUser == nil {
		return false
	}
	return *chunkUser == *queryUser
}

func (m *Memory) IngestDocument(_ context.Context, doc *models.Document, chunks []models.Chunk, lineage []models.ChunkLineage) error {
	if len(chunks) != len(lineage) {
		return &Error{Kind: KindConstraint, Op: "ingest", Err: fmt.Errorf("chunk/lineage count mismatch")}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range chunks {
		if m.dims > 0 && len(c.Embedding) != m.dims {
			return &Error{Kind: KindConstraint, Op: "ingest.chunk",
				Err: fmt.Errorf("chunk %s has %d dims, store configured for %d", c.ID, len(c.Embedding), m.dims)}
		}
	}
	m.documents[doc.ID] = *doc
	for _, c := range chunks {
		m.chunks[c.ID] = c
	}
	for _, l := range lineage {
		m.lineage[l.ChunkID] = l
	}
	return nil
}

func (m *Memory) UpsertChunks(_ context.Context, chunks []models.Chunk) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range chunks {
		m.chunks[c.ID] = c
	}
	return nil
}

func (m *Memory) GetChunksByIDs(_ context.Context, ids []uuid.UUID) ([]models.Chunk, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.Chunk, 0, len(ids))
	for _, id := range ids {
		if c, ok := m.chunks[id]; ok {
			out = append(out, c)
		}
	}
	return out, nil
}

func (m *Memory) SearchVectors(_ context.Context, qvec []float32, userID *string, topK int, threshold float64) ([]VectorHit, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var hits []VectorHit
	for _, c := range m.chunks {
		if !sameScope(c.UserID, userID) {
			continue
		}
		score := vectormath.Cosine(qvec, c.Embedding)
		if score >= threshold {
			hits = append(hits, VectorHit{ChunkID: c.ID, Score: score})
		}
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].ChunkID.String() < hits[j].ChunkID.String()
	})
	if topK > 0 && len(hits) > topK {
		hits = hits[:topK]
	}
	return hits, nil
}

func (m *Memory) CandidateChunks(_ context.Context, userID *string, limit int) ([]models.Chunk, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.Chunk
	for _, c := range m.chunks {
		if sameScope(c.UserID, userID) {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DocumentID != out[j].DocumentID {
			return out[i].DocumentID.String() < out[j].DocumentID.String()
		}
		return out[i].ChunkIndex < out[j].ChunkIndex
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) KeywordSearch(_ context.Context, userID *string, terms []string, limit int) ([]models.Chunk, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.Chunk
	for _, c := range m.chunks {
		if !sameScope(c.UserID, userID) {
			continue
		}
		content := strings.ToLower(c.Content)
		for _, t := range terms {
			if strings.Contains(content, strings.ToLower(t)) {
				out = append(out, c)
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID.String() < out[j].ID.String() })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) CreateChunkLineage(_ context.Context, lineage []models.ChunkLineage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, l := range lineage {
		if _, exists := m.lineage[l.ChunkID]; exists {
			return &Error{Kind: KindConstraint, Op: "create_lineage", Err: fmt.Errorf("lineage exists for chunk %s", l.ChunkID)}
		}
		m.lineage[l.ChunkID] = l
	}
	return nil
}

func (m *Memory) UpdateChunkLineageUsage(_ context.Context, chunkID uuid.UUID, score float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.lineage[chunkID]
	if !ok {
		return nil
	}
	if l.RetrievalCount == 0 {
		l.AvgSimilarityScore = score
	} else {
		l.AvgSimilarityScore = l.AvgSimilarityScore*0.9 + score*0.1
	}
	l.RetrievalCount++
	now := time.Now()
	l.LastRetrievedAt = &now
	m.lineage[chunkID] = l
	return nil
}

// Lineage returns the lineage row for a chunk (test helper).
func (m *Memory) Lineage(chunkID uuid.UUID) (models.ChunkLineage, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	l, ok := m.lineage[chunkID]
	return l, ok
}

func (m *Memory) CreateRagTraces(_ context.Context, batch []models.TraceEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.traces = append(m.traces, batch...)
	return nil
}

func (m *Memory) GetRagTracesByTraceID(_ context.Context, traceID string) ([]models.TraceEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.TraceEvent
	for _, e := range m.traces {
		if e.TraceID == traceID {
			out = append(out, e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

func (m *Memory) ListRagTraces(_ context.Context, filter TraceFilter, limit, offset int) ([]models.TraceEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.TraceEvent
	for _, e := range m.traces {
		if filter.TraceType != "" && e.TraceType != filter.TraceType {
			continue
		}
		if filter.Stage != "" && e.Stage != filter.Stage {
			continue
		}
		if filter.UserID != nil && (e.UserID == nil || *e.UserID != *filter.UserID) {
			continue
		}
		if !filter.Since.IsZero() && e.Timestamp.Before(filter.Since) {
			continue
		}
		out = append(out, e)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	if offset > 0 {
		if offset >= len(out) {
			return nil, nil
		}
		out = out[offset:]
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) CreateRetrievalResults(_ context.Context, batch []models.RetrievalResultRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.results = append(m.results, batch...)
	return nil
}

// RetrievalResults returns all recorded retrieval rows (test helper).
func (m *Memory) RetrievalResults() []models.RetrievalResultRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.RetrievalResultRecord, len(m.results))
	copy(out, m.results)
	return out
}

func (m *Memory) UpsertRagMetrics(_ context.Context, hm *models.HourlyMetrics) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hourly[hm.HourStart] = *hm
	return nil
}

func (m *Memory) DeleteOldRagTraces(_ context.Context, olderThan time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.traces[:0]
	var deleted int64
	for _, e := range m.traces {
		if e.Timestamp.Before(olderThan) {
			deleted++
			continue
		}
		kept = append(kept, e)
	}
	m.traces = kept
	return deleted, nil
}

var _ Store = (*Memory)(nil)
