// Package textutil holds small text helpers shared by ranking and synthesis.
package textutil

import (
	"regexp"
	"strings"
)

var wordRe = regexp.MustCompile(`[a-z0-9]+`)

// TokenSet lowercases text and returns its unique word tokens.
func TokenSet(text string) map[string]struct{} {
	out := make(map[string]struct{})
	for _, w := range wordRe.FindAllString(strings.ToLower(text), -1) {
		out[w] = struct{}{}
	}
	return out
}

// Jaccard returns |a∩b| / |a∪b|, 0 for two empty sets.
func Jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 0
	}
	inter := 0
	small, large := a, b
	if len(b) < len(a) {
		small, large = b, a
	}
	for w := range small {
		if _, ok := large[w]; ok {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

var sentenceRe = regexp.MustCompile(`[^.!?\n]+[.!?]*`)

// Sentences splits text into trimmed non-empty sentences.
func Sentences(text string) []string {
	matches := sentenceRe.FindAllString(text, -1)
	out := make([]string, 0, len(matches))
	for _, m := range matches {
		if s := strings.TrimSpace(m); s != "" {
			out = append(out, s)
		}
	}
	return out
}
