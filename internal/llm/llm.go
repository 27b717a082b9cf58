// Package llm holds the narrow completion port used by the LLM re-ranker and
// the summarizing context synthesizer, plus a tolerant parser for model
// responses that are supposed to contain numeric scores.
package llm

import (
	"context"
	"encoding/json"
	"regexp"
	"strconv"
	"strings"

	"github.com/meridianlabs/ragcore/internal/metrics"
)

// Completer produces one completion for a prompt. Implementations must honor
// ctx cancellation and deadlines.
type Completer interface {
	Complete(ctx context.Context, system, user string, maxTokens int) (string, error)
	ModelID() string
}

var jsonArrayRe = regexp.MustCompile(`\[[^\[\]]*\]`)
var floatRe = regexp.MustCompile(`-?\d+(?:\.\d+)?`)

// NeutralScore is the fallback when a response cannot be parsed at all.
const NeutralScore = 0.5

// ParseScores extracts n scores in [0,1] from a model response. Three
// fallbacks: a JSON array anywhere in the text, then a sweep of floats in
// reading order, then the neutral constant (counted as a parse failure).
func ParseScores(response string, n int) []float64 {
	if m := jsonArrayRe.FindString(response); m != "" {
		var arr []float64
		if err := json.Unmarshal([]byte(m), &arr); err == nil && len(arr) > 0 {
			return fit(arr, n)
		}
	}
	if floats := floatRe.FindAllString(response, -1); len(floats) > 0 {
		arr := make([]float64, 0, len(floats))
		for _, f := range floats {
			v, err := strconv.ParseFloat(strings.TrimSpace(f), 64)
			if err == nil {
				arr = append(arr, v)
			}
		}
		if len(arr) > 0 {
			return fit(arr, n)
		}
	}
	metrics.LLMParseFailures.Inc()
	out := make([]float64, n)
	for i := range out {
		out[i] = NeutralScore
	}
	return out
}

// fit clamps values into [0,1] and pads/truncates to n entries.
func fit(arr []float64, n int) []float64 {
	out := make([]float64, n)
	for i := 0; i < n; i++ {
		if i < len(arr) {
			v := arr[i]
			if v < 0 {
				v = 0
			}
			if v > 1 {
				v = 1
			}
			out[i] = v
		} else {
			out[i] = NeutralScore
		}
	}
	return out
}
