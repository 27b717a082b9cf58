// Package rerank reorders retrieval candidates by diversity (MMR), recency,
// importance, and optionally an LLM re-score. The LLM path degrades silently
// to the incoming order; the pure strategies cannot fail.
package rerank

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/meridianlabs/ragcore/internal/llm"
	"github.com/meridianlabs/ragcore/internal/models"
	"github.com/meridianlabs/ragcore/internal/textutil"
)

// Result is one reranked candidate.
type Result struct {
	Chunk         models.Chunk
	OriginalScore float64
	RerankedScore float64
	Rank          int
}

// Weights tunes the hybrid chain.
type Weights struct {
	Diversity  float64 // default 0.2; MMR lambda = 1 - Diversity
	Recency    float64 // default 0.1
	Importance float64 // default 0.1
}

// Reranker applies the configured strategy chain.
type Reranker struct {
	completer  llm.Completer // nil disables the LLM pass
	llmTimeout time.Duration
	logger     *zap.Logger
}

// New builds a reranker. completer may be nil.
func New(completer llm.Completer, llmTimeout time.Duration, logger *zap.Logger) *Reranker {
	if llmTimeout == 0 {
		llmTimeout = 15 * time.Second
	}
	return &Reranker{completer: completer, llmTimeout: llmTimeout, logger: logger.Named("rerank")}
}

func toResults(in []models.ScoredChunk) []Result {
	out := make([]Result, len(in))
	for i, sc := range in {
		out[i] = Result{Chunk: sc.Chunk, OriginalScore: sc.Score, RerankedScore: sc.Score, Rank: i + 1}
	}
	return out
}

func rank(results []Result) []Result {
	for i := range results {
		results[i].Rank = i + 1
	}
	return results
}

// MMR greedily selects candidates maximising
// lambda*relevance - (1-lambda)*maxJaccard(candidate, selected), with
// lambda = 1 - diversityWeight. Token sets are computed once per candidate,
// so the whole selection is O(K*N) set comparisons.
func MMR(candidates []models.ScoredChunk, diversityWeight float64, topK int) []Result {
	if len(candidates) == 0 {
		return nil
	}
	lambda := 1 - diversityWeight
	type item struct {
		sc     models.ScoredChunk
		tokens map[string]struct{}
	}
	remaining := make([]item, len(candidates))
	for i, sc := range candidates {
		remaining[i] = item{sc: sc, tokens: textutil.TokenSet(sc.Chunk.Content)}
	}
	limit := topK
	if limit <= 0 || limit > len(remaining) {
		limit = len(remaining)
	}
	selected := make([]Result, 0, limit)
	var selectedTokens []map[string]struct{}
	for len(selected) < limit && len(remaining) > 0 {
		bestIdx := -1
		bestScore := math.Inf(-1)
		for idx, cand := range remaining {
			penalty := 0.0
			for _, toks := range selectedTokens {
				if j := textutil.Jaccard(cand.tokens, toks); j > penalty {
					penalty = j
				}
			}
			score := lambda*cand.sc.Score - (1-lambda)*penalty
			if score > bestScore {
				bestScore = score
				bestIdx = idx
			}
		}
		best := remaining[bestIdx]
		selected = append(selected, Result{
			Chunk:         best.sc.Chunk,
			OriginalScore: best.sc.Score,
			RerankedScore: bestScore,
		})
		selectedTokens = append(selectedTokens, best.tokens)
		remaining = append(remaining[:bestIdx], remaining[bestIdx+1:]...)
	}
	return rank(selected)
}

const recencyHalfLife = 30 * 24 * time.Hour

// Recency blends an exponential age decay into the score. Chunks without a
// timestamp get recency 0.
func Recency(candidates []models.ScoredChunk, weight float64, now time.Time) []Result {
	results := toResults(candidates)
	for i := range results {
		recency := 0.0
		if ts := results[i].Chunk.Metadata.Timestamp; ts != nil {
			age := now.Sub(*ts)
			if age < 0 {
				age = 0
			}
			recency = math.Exp(-age.Hours() / recencyHalfLife.Hours())
		}
		results[i].RerankedScore = results[i].RerankedScore*(1-weight) + recency*weight
	}
	return sortResults(results)
}

// DefaultImportance is used when chunk metadata carries no importance.
const DefaultImportance = 0.5

// Importance blends the chunk's importance annotation into the score.
func Importance(candidates []models.ScoredChunk, weight float64) []Result {
	results := toResults(candidates)
	for i := range results {
		imp := DefaultImportance
		if v := results[i].Chunk.Metadata.Importance; v != nil {
			imp = *v
		}
		results[i].RerankedScore = results[i].RerankedScore*(1-weight) + imp*weight
	}
	return sortResults(results)
}

const llmBatchSize = 5

// LLM re-scores candidates in batches of 5, blending 0.7*llm + 0.3*original.
// Any failure leaves the affected batch at its original scores.
func (r *Reranker) LLM(ctx context.Context, query string, candidates []models.ScoredChunk) []Result {
	results := toResults(candidates)
	if r.completer == nil || len(results) == 0 {
		return sortResults(results)
	}
	for start := 0; start < len(results); start += llmBatchSize {
		end := start + llmBatchSize
		if end > len(results) {
			end = len(results)
		}
		batch := results[start:end]
		scores, err := r.scoreBatch(ctx, query, batch)
		if err != nil {
			r.logger.Debug("llm rerank batch failed, keeping original scores", zap.Error(err))
			continue
		}
		for i := range batch {
			batch[i].RerankedScore = 0.7*scores[i] + 0.3*batch[i].OriginalScore
		}
	}
	return sortResults(results)
}

func (r *Reranker) scoreBatch(ctx context.Context, query string, batch []Result) ([]float64, error) {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Query: %s\n\nRate the relevance of each passage to the query on a scale of 0 to 1.\n", query)
	for i, res := range batch {
		content := res.Chunk.Content
		if len(content) > 500 {
			content = content[:500]
		}
		fmt.Fprintf(&sb, "\nPassage %d:\n%s\n", i+1, content)
	}
	sb.WriteString("\nRespond with a JSON array of scores only, e.g. [0.8, 0.2, 0.5].")

	callCtx, cancel := context.WithTimeout(ctx, r.llmTimeout)
	defer cancel()
	resp, err := r.completer.Complete(callCtx, "You are a relevance judge.", sb.String(), 200)
	if err != nil {
		return nil, err
	}
	return llm.ParseScores(resp, len(batch)), nil
}

const llmRescoreTop = 10

// Hybrid chains MMR, recency, and importance, then optionally LLM re-scores
// the top 10. Output never exceeds topK.
func (r *Reranker) Hybrid(ctx context.Context, query string, candidates []models.ScoredChunk, w Weights, topK int, useLLM bool) []Result {
	mmr := MMR(candidates, w.Diversity, topK)
	stage := resultsToScored(mmr)
	stage = resultsToScored(Recency(stage, w.Recency, time.Now()))
	results := Importance(stage, w.Importance)
	if useLLM && r.completer != nil {
		head := results
		if len(head) > llmRescoreTop {
			head = head[:llmRescoreTop]
		}
		rescored := r.LLM(ctx, query, resultsToScored(head))
		results = append(rescored, results[len(head):]...)
		results = rank(results)
	}
	if topK > 0 && len(results) > topK {
		results = results[:topK]
	}
	return rank(results)
}

func resultsToScored(in []Result) []models.ScoredChunk {
	out := make([]models.ScoredChunk, len(in))
	for i, r := range in {
		out[i] = models.ScoredChunk{Chunk: r.Chunk, Score: r.RerankedScore, Rank: r.Rank}
	}
	return out
}

func sortResults(results []Result) []Result {
	sort.SliceStable(results, func(i, j int) bool {
		return results[i].RerankedScore > results[j].RerankedScore
	})
	return rank(results)
}
