// Package evaluate scores retrieval quality and feeds a small control loop
// that adjusts the semantic similarity threshold. Metrics live in a rolling
// in-memory window; the tuned thresholds are published through an atomic
// snapshot so retrieval reads them without locking.
package evaluate

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/meridianlabs/ragcore/internal/models"
	"github.com/meridianlabs/ragcore/internal/textutil"
)

const (
	tuneWindow    = 7 * 24 * time.Hour
	tuneStep      = 0.05
	thresholdCap  = 0.5
	thresholdMin  = 0.15
	maxWindowSize = 1000
)

// Thresholds is the tunable retrieval configuration. The tuning rules
// currently move Semantic only; Keyword is carried through the snapshot so
// retrieval always reads both from one atomic load.
type Thresholds struct {
	Semantic float64
	Keyword  float64
}

// Report summarises a recent evaluation period.
type Report struct {
	PeriodDays      int      `json:"period_days"`
	Samples         int      `json:"samples"`
	AvgPrecision    float64  `json:"avg_precision"`
	AvgRecall       float64  `json:"avg_recall"`
	AvgF1           float64  `json:"avg_f1"`
	AvgMRR          float64  `json:"avg_mrr"`
	Recommendations []string `json:"recommendations"`
}

// Evaluator keeps the metrics window and the threshold snapshot.
type Evaluator struct {
	logger *zap.Logger

	mu       sync.Mutex
	window   []models.RetrievalMetrics
	feedback []models.FeedbackSignal

	tuneMu     sync.Mutex // serialises auto-tune writes
	thresholds atomic.Pointer[Thresholds]
}

// New seeds the evaluator with the configured thresholds.
func New(initialSemantic, initialKeyword float64, logger *zap.Logger) *Evaluator {
	e := &Evaluator{logger: logger.Named("evaluate")}
	e.thresholds.Store(&Thresholds{Semantic: initialSemantic, Keyword: initialKeyword})
	return e
}

// Snapshot returns the current thresholds without blocking writers.
func (e *Evaluator) Snapshot() Thresholds {
	return *e.thresholds.Load()
}

// EvaluateRetrieval computes precision, recall, F1, and MRR for one query.
// With ground truth the metrics are exact set comparisons; without it a
// keyword-overlap heuristic stands in. The sample is recorded in the window.
func (e *Evaluator) EvaluateRetrieval(query string, retrieved []models.ScoredChunk, groundTruth []uuid.UUID) models.RetrievalMetrics {
	m := models.RetrievalMetrics{
		Query:        query,
		ResultsCount: len(retrieved),
		Timestamp:    time.Now(),
	}
	if len(groundTruth) > 0 {
		m.Precision, m.Recall, m.MRR = exactMetrics(retrieved, groundTruth)
	} else {
		m.Precision, m.Recall, m.MRR = heuristicMetrics(query, retrieved)
	}
	m.F1 = harmonic(m.Precision, m.Recall)
	e.record(m)
	return m
}

func exactMetrics(retrieved []models.ScoredChunk, groundTruth []uuid.UUID) (precision, recall, mrr float64) {
	rel := make(map[uuid.UUID]struct{}, len(groundTruth))
	for _, id := range groundTruth {
		rel[id] = struct{}{}
	}
	hits := 0
	for i, sc := range retrieved {
		if _, ok := rel[sc.Chunk.ID]; !ok {
			continue
		}
		hits++
		if mrr == 0 {
			mrr = 1.0 / float64(i+1)
		}
	}
	if len(retrieved) > 0 {
		precision = float64(hits) / float64(len(retrieved))
	}
	recall = float64(hits) / float64(len(rel))
	return precision, recall, mrr
}

// heuristicMetrics treats the fraction of significant query keywords present
// in a chunk as its relevance. Recall is damped since the true relevant set
// is unknown.
func heuristicMetrics(query string, retrieved []models.ScoredChunk) (precision, recall, mrr float64) {
	keywords := significantTokens(query)
	if len(keywords) == 0 || len(retrieved) == 0 {
		return 0, 0, 0
	}
	sum := 0.0
	for _, sc := range retrieved {
		chunkTokens := textutil.TokenSet(sc.Chunk.Content)
		present := 0
		for kw := range keywords {
			if _, ok := chunkTokens[kw]; ok {
				present++
			}
		}
		sum += float64(present) / float64(len(keywords))
	}
	precision = sum / float64(len(retrieved))
	recall = 0.5 * precision
	mrr = precision
	return precision, recall, mrr
}

func significantTokens(text string) map[string]struct{} {
	out := make(map[string]struct{})
	for tok := range textutil.TokenSet(text) {
		if len(tok) > 3 {
			out[tok] = struct{}{}
		}
	}
	return out
}

func harmonic(p, r float64) float64 {
	if p+r == 0 {
		return 0
	}
	return 2 * p * r / (p + r)
}

var unhelpfulPhrases = []string{
	"i don't know",
	"i do not know",
	"i'm not sure",
	"cannot answer",
	"can't answer",
	"no information",
	"unable to find",
}

var citationMarkers = []string{
	"[source:",
	"[...]",
	"according to",
	"based on",
	"as mentioned in",
}

// AnalyzeLLMResponse derives a feedback signal from the generated answer.
func (e *Evaluator) AnalyzeLLMResponse(query string, chunks []models.ScoredChunk, response string) models.FeedbackSignal {
	lower := strings.ToLower(response)

	cited := false
	for _, marker := range citationMarkers {
		if strings.Contains(lower, marker) {
			cited = true
			break
		}
	}

	useful := len(response) > 50
	for _, phrase := range unhelpfulPhrases {
		if strings.Contains(lower, phrase) {
			useful = false
			break
		}
	}

	return models.FeedbackSignal{
		QueryID:        query,
		ResponseUseful: useful,
		SourcesCited:   cited,
		ChunksRelevant: chunksUsedInResponse(chunks, lower),
		Timestamp:      time.Now(),
	}
}

// chunksUsedInResponse checks whether any 3-word phrase from a chunk shows up
// verbatim in the response. Short phrases are skipped as too generic.
func chunksUsedInResponse(chunks []models.ScoredChunk, lowerResponse string) bool {
	for _, sc := range chunks {
		words := strings.Fields(strings.ToLower(sc.Chunk.Content))
		for i := 0; i+3 <= len(words); i++ {
			phrase := strings.Join(words[i:i+3], " ")
			if len(phrase) > 15 && strings.Contains(lowerResponse, phrase) {
				return true
			}
		}
	}
	return false
}

// RecordFeedback stores an explicit feedback signal.
func (e *Evaluator) RecordFeedback(signal models.FeedbackSignal) {
	if signal.Timestamp.IsZero() {
		signal.Timestamp = time.Now()
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.feedback = append(e.feedback, signal)
	if len(e.feedback) > maxWindowSize {
		e.feedback = e.feedback[len(e.feedback)-maxWindowSize:]
	}
}

func (e *Evaluator) record(m models.RetrievalMetrics) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.window = append(e.window, m)
	if len(e.window) > maxWindowSize {
		e.window = e.window[len(e.window)-maxWindowSize:]
	}
}

func (e *Evaluator) windowSince(cutoff time.Time) []models.RetrievalMetrics {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]models.RetrievalMetrics, 0, len(e.window))
	for _, m := range e.window {
		if !m.Timestamp.Before(cutoff) {
			out = append(out, m)
		}
	}
	return out
}

// AutoTuneThresholds inspects the last 7 days of metrics and nudges the
// semantic threshold: low precision raises it (stricter matching, cap 0.5),
// low recall with high precision lowers it (floor 0.15). Both metrics inside
// [0.5, 0.7] leave the threshold untouched.
func (e *Evaluator) AutoTuneThresholds() Thresholds {
	e.tuneMu.Lock()
	defer e.tuneMu.Unlock()

	current := *e.thresholds.Load()
	recent := e.windowSince(time.Now().Add(-tuneWindow))
	if len(recent) == 0 {
		return current
	}
	precision, recall := averages(recent)

	next := current
	switch {
	case precision < 0.5:
		next.Semantic = min(current.Semantic+tuneStep, thresholdCap)
	case recall < 0.5 && precision > 0.7:
		next.Semantic = max(current.Semantic-tuneStep, thresholdMin)
	}
	if next != current {
		e.logger.Info("auto-tuned retrieval threshold",
			zap.Float64("avg_precision", precision),
			zap.Float64("avg_recall", recall),
			zap.Float64("semantic_before", current.Semantic),
			zap.Float64("semantic_after", next.Semantic),
		)
		e.thresholds.Store(&next)
	}
	return next
}

func averages(window []models.RetrievalMetrics) (precision, recall float64) {
	for _, m := range window {
		precision += m.Precision
		recall += m.Recall
	}
	n := float64(len(window))
	return precision / n, recall / n
}

// GenerateReport averages the window over the period and attaches textual
// recommendations mirroring the auto-tune rules.
func (e *Evaluator) GenerateReport(periodDays int) Report {
	if periodDays <= 0 {
		periodDays = 7
	}
	recent := e.windowSince(time.Now().Add(-time.Duration(periodDays) * 24 * time.Hour))
	report := Report{PeriodDays: periodDays, Samples: len(recent)}
	if len(recent) == 0 {
		report.Recommendations = []string{"no evaluation samples in period"}
		return report
	}
	for _, m := range recent {
		report.AvgPrecision += m.Precision
		report.AvgRecall += m.Recall
		report.AvgF1 += m.F1
		report.AvgMRR += m.MRR
	}
	n := float64(len(recent))
	report.AvgPrecision /= n
	report.AvgRecall /= n
	report.AvgF1 /= n
	report.AvgMRR /= n

	if report.AvgPrecision < 0.5 {
		report.Recommendations = append(report.Recommendations,
			fmt.Sprintf("precision %.2f is low; consider raising the semantic threshold", report.AvgPrecision))
	}
	if report.AvgRecall < 0.5 && report.AvgPrecision > 0.7 {
		report.Recommendations = append(report.Recommendations,
			fmt.Sprintf("recall %.2f is low with strong precision; consider lowering the semantic threshold", report.AvgRecall))
	}
	if len(report.Recommendations) == 0 {
		report.Recommendations = []string{"retrieval quality within expected bounds"}
	}
	return report
}
