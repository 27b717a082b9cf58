// Package synthesis compresses retrieved chunks into a prompt context that
// fits a token budget. LLM-backed strategies degrade to plain truncation, so
// synthesis never fails upward.
package synthesis

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/meridianlabs/ragcore/internal/llm"
	"github.com/meridianlabs/ragcore/internal/models"
	"github.com/meridianlabs/ragcore/internal/textutil"
	"github.com/meridianlabs/ragcore/internal/tokens"
)

// Strategy selects the compression algorithm.
type Strategy string

const (
	StrategyTruncate     Strategy = "truncate"
	StrategyExtract      Strategy = "extract"
	StrategySummarize    Strategy = "summarize"
	StrategyHierarchical Strategy = "hierarchical"
	StrategyHybrid       Strategy = "hybrid"
)

// Options tunes one synthesis call.
type Options struct {
	Strategy     Strategy
	MaxTokens    int     // default 4000
	MinRelevance float64 // default 0.3
	Dedup        bool    // drop near-duplicates (Jaccard > DedupThreshold)
	DedupCutoff  float64 // default 0.8
}

// Source points back at one contributing chunk.
type Source struct {
	DocumentID uuid.UUID `json:"document_id"`
	ChunkIndex int       `json:"chunk_index"`
	Relevance  float64   `json:"relevance"`
}

// Result is the synthesized context. TokenCount <= MaxTokens always holds.
type Result struct {
	Content               string   `json:"content"`
	TokenCount            int      `json:"token_count"`
	SourceChunkCount      int      `json:"source_chunk_count"`
	SynthesizedChunkCount int      `json:"synthesized_chunk_count"`
	CompressionRatio      float64  `json:"compression_ratio"`
	Sources               []Source `json:"sources"`
}

// Synthesizer performs token-budgeted selection.
type Synthesizer struct {
	estimator  tokens.Estimator
	completer  llm.Completer // nil disables LLM strategies
	llmTimeout time.Duration
	logger     *zap.Logger
}

// New builds a synthesizer. completer may be nil; LLM strategies then fall
// back to truncation.
func New(estimator tokens.Estimator, completer llm.Completer, llmTimeout time.Duration, logger *zap.Logger) *Synthesizer {
	if estimator == nil {
		estimator = tokens.Heuristic{}
	}
	if llmTimeout == 0 {
		llmTimeout = 30 * time.Second
	}
	return &Synthesizer{estimator: estimator, completer: completer, llmTimeout: llmTimeout, logger: logger.Named("synthesis")}
}

// Synthesize filters by relevance, optionally dedups, and applies the
// strategy. The result's TokenCount never exceeds the budget.
func (s *Synthesizer) Synthesize(ctx context.Context, query string, chunks []models.ScoredChunk, opts Options) Result {
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = 4000
	}
	if opts.MinRelevance == 0 {
		opts.MinRelevance = 0.3
	}
	if opts.DedupCutoff == 0 {
		opts.DedupCutoff = 0.8
	}
	if opts.Strategy == "" {
		opts.Strategy = StrategyTruncate
	}

	kept := make([]models.ScoredChunk, 0, len(chunks))
	for _, sc := range chunks {
		if sc.Score >= opts.MinRelevance {
			kept = append(kept, sc)
		}
	}
	if opts.Dedup {
		kept = dedup(kept, opts.DedupCutoff)
	}
	totalChars := 0
	for _, sc := range kept {
		totalChars += len(sc.Chunk.Content)
	}

	var selected []models.ScoredChunk
	var content string
	switch opts.Strategy {
	case StrategyExtract:
		content, selected = s.extract(query, kept, opts.MaxTokens)
	case StrategySummarize:
		content, selected = s.summarize(ctx, kept, opts.MaxTokens)
	case StrategyHierarchical:
		content, selected = s.hierarchical(ctx, kept, opts.MaxTokens)
	case StrategyHybrid:
		content, selected = s.hybridStrategy(query, kept, opts.MaxTokens)
	default:
		content, selected = s.truncate(kept, opts.MaxTokens)
	}

	content = s.enforceBudget(content, opts.MaxTokens)
	res := Result{
		Content:               content,
		TokenCount:            s.estimator.Estimate(content),
		SourceChunkCount:      len(kept),
		SynthesizedChunkCount: len(selected),
	}
	if totalChars > 0 && len(content) > 0 {
		res.CompressionRatio = float64(len(content)) / float64(totalChars)
	}
	for _, sc := range selected {
		res.Sources = append(res.Sources, Source{
			DocumentID: sc.Chunk.DocumentID,
			ChunkIndex: sc.Chunk.ChunkIndex,
			Relevance:  sc.Score,
		})
	}
	return res
}

func dedup(chunks []models.ScoredChunk, cutoff float64) []models.ScoredChunk {
	if cutoff >= 1.0 {
		return chunks
	}
	sorted := make([]models.ScoredChunk, len(chunks))
	copy(sorted, chunks)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Score > sorted[j].Score })

	kept := make([]models.ScoredChunk, 0, len(sorted))
	keptTokens := make([]map[string]struct{}, 0, len(sorted))
	for _, sc := range sorted {
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

// truncate sorts by relevance and greedily adds whole chunks within budget.
func (s *Synthesizer) truncate(chunks []models.ScoredChunk, maxTokens int) (string, []models.ScoredChunk) {
	sorted := make([]models.ScoredChunk, len(chunks))
	copy(sorted, chunks)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Score > sorted[j].Score })

	var parts []string
	var selected []models.ScoredChunk
	used := 0
	for _, sc := range sorted {
		cost := s.estimator.Estimate(sc.Chunk.Content) + 1 // separator
		if used+cost > maxTokens {
			continue
		}
		parts = append(parts, sc.Chunk.Content)
		selected = append(selected, sc)
		used += cost
	}
	return strings.Join(parts, "\n\n"), selected
}

// extract keeps sentences that share at least one significant query token.
func (s *Synthesizer) extract(query string, chunks []models.ScoredChunk, maxTokens int) (string, []models.ScoredChunk) {
	queryTokens := make(map[string]struct{})
	for tok := range textutil.TokenSet(query) {
		if len(tok) > 3 {
			queryTokens[tok] = struct{}{}
		}
	}
	if len(queryTokens) == 0 {
		return s.truncate(chunks, maxTokens)
	}
	var parts []string
	var selected []models.ScoredChunk
	used := 0
	for _, sc := range chunks {
		picked := false
		for _, sentence := range textutil.Sentences(sc.Chunk.Content) {
			match := false
			for tok := range textutil.TokenSet(sentence) {
				if _, ok := queryTokens[tok]; ok {
					match = true
					break
				}
			}
			if !match {
				continue
			}
			cost := s.estimator.Estimate(sentence) + 1
			if used+cost > maxTokens {
				return strings.Join(parts, " "), selected
			}
			parts = append(parts, sentence)
			used += cost
			picked = true
		}
		if picked {
			selected = append(selected, sc)
		}
	}
	return strings.Join(parts, " "), selected
}

// summarize asks the LLM for a budgeted summary, falling back to truncate.
func (s *Synthesizer) summarize(ctx context.Context, chunks []models.ScoredChunk, maxTokens int) (string, []models.ScoredChunk) {
	if s.completer == nil || len(chunks) == 0 {
		return s.truncate(chunks, maxTokens)
	}
	var sb strings.Builder
	for _, sc := range chunks {
		sb.WriteString(sc.Chunk.Content)
		sb.WriteString("\n\n")
	}
	summary, err := s.complete(ctx,
		fmt.Sprintf("Summarize the following content in at most %d tokens, preserving concrete facts:\n\n%s", maxTokens, sb.String()),
		maxTokens)
	if err != nil {
		s.logger.Debug("summarize failed, falling back to truncate", zap.Error(err))
		return s.truncate(chunks, maxTokens)
	}
	return summary, chunks
}

const hierarchicalBatch = 5

// hierarchical summarizes in batches of 5 then summarizes the summaries.
// Only used when the input overflows twice the budget; failures degrade to
// the raw prefix of the batch.
func (s *Synthesizer) hierarchical(ctx context.Context, chunks []models.ScoredChunk, maxTokens int) (string, []models.ScoredChunk) {
	total := 0
	for _, sc := range chunks {
		total += s.estimator.Estimate(sc.Chunk.Content)
	}
	if total <= 2*maxTokens || s.completer == nil {
		return s.truncate(chunks, maxTokens)
	}
	var summaries []string
	for start := 0; start < len(chunks); start += hierarchicalBatch {
		end := start + hierarchicalBatch
		if end > len(chunks) {
			end = len(chunks)
		}
		var sb strings.Builder
		for _, sc := range chunks[start:end] {
			sb.WriteString(sc.Chunk.Content)
			sb.WriteString("\n\n")
		}
		summary, err := s.complete(ctx,
			"Summarize the following content concisely, preserving concrete facts:\n\n"+sb.String(),
			maxTokens/2)
		if err != nil {
			// degrade to raw prefix of the batch
			summary = trimToRune(sb.String(), maxTokens*tokens.CharsPerToken/2)
		}
		summaries = append(summaries, summary)
	}
	combined := strings.Join(summaries, "\n\n")
	if len(summaries) > 1 {
		final, err := s.complete(ctx,
			fmt.Sprintf("Combine these summaries into one summary of at most %d tokens:\n\n%s", maxTokens, combined),
			maxTokens)
		if err == nil {
			combined = final
		}
	}
	return combined, chunks
}

// hybridStrategy over-truncates to 1.5x budget, then extracts if still over.
func (s *Synthesizer) hybridStrategy(query string, chunks []models.ScoredChunk, maxTokens int) (string, []models.ScoredChunk) {
	content, selected := s.truncate(chunks, maxTokens*3/2)
	if s.estimator.Estimate(content) <= maxTokens {
		return content, selected
	}
	return s.extract(query, selected, maxTokens)
}

func (s *Synthesizer) complete(ctx context.Context, prompt string, maxTokens int) (string, error) {
	callCtx, cancel := context.WithTimeout(ctx, s.llmTimeout)
	defer cancel()
	return s.completer.Complete(callCtx, "You are a precise summarizer.", prompt, maxTokens)
}

// enforceBudget hard-trims content so the estimator stays within budget.
func (s *Synthesizer) enforceBudget(content string, maxTokens int) string {
	if s.estimator.Estimate(content) <= maxTokens {
		return content
	}
	trimmed := trimToRune(content, maxTokens*tokens.CharsPerToken)
	for s.estimator.Estimate(trimmed) > maxTokens && len(trimmed) > 0 {
		trimmed = trimToRune(trimmed, len(trimmed)*9/10)
	}
	return trimmed
}

// trimToRune cuts s to at most limit bytes, backing off to the previous rune
// boundary so the result stays valid UTF-8.
func trimToRune(s string, limit int) string {
	if limit >= len(s) {
		return s
	}
	for limit > 0 && !utf8.RuneStart(s[limit]) {
		limit--
	}
	return s[:limit]
}
