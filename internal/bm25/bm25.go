// Package bm25 implements the Okapi BM25 sparse scorer over a read-only
// corpus snapshot built per query batch. No state is shared across queries.
package bm25

import (
	"math"
	"regexp"
	"sort"
	"strings"
	"unicode/utf8"
)

const (
	k1 = 1.2
	b  = 0.75
)

var nonWordRe = regexp.MustCompile(`[^\p{L}\p{N}_]+`)

// Tokenize lowercases, replaces non-word runs with spaces, and drops tokens
// shorter than three runes. Rune count, not byte length, so multibyte scripts
// are measured the same as ASCII.
func Tokenize(text string) []string {
	cleaned := nonWordRe.ReplaceAllString(strings.ToLower(text), " ")
	fields := strings.Fields(cleaned)
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if utf8.RuneCountInString(f) > 2 {
			out = append(out, f)
		}
	}
	return out
}

// Document is one corpus entry keyed by ID.
type Document struct {
	ID      string
	Content string
}

type docStats struct {
	tf     map[string]int
	length int
}

// Corpus is an immutable preprocessed snapshot: average document length,
// per-term document frequency, and total document count.
type Corpus struct {
	docs      map[string]docStats
	docFreq   map[string]int
	avgDocLen float64
	n         int
}

// NewCorpus preprocesses the documents. Empty documents are kept in the count
// but contribute no terms.
func NewCorpus(docs []Document) *Corpus {
	c := &Corpus{
		docs:    make(map[string]docStats, len(docs)),
		docFreq: make(map[string]int),
	}
	total := 0
	for _, d := range docs {
		terms := Tokenize(d.Content)
		tf := make(map[string]int, len(terms))
		for _, t := range terms {
			tf[t]++
		}
		for t := range tf {
			c.docFreq[t]++
		}
		c.docs[d.ID] = docStats{tf: tf, length: len(terms)}
		total += len(terms)
		c.n++
	}
	if c.n > 0 {
		c.avgDocLen = float64(total) / float64(c.n)
	}
	return c
}

// Len returns the corpus document count.
func (c *Corpus) Len() int { return c.n }

// Score computes BM25 for one document. Query terms are iterated in order and
// each occurrence contributes additively, so repeated query terms weight
// linearly. This is the chosen variant, not an oversight.
func (c *Corpus) Score(query, docID string) float64 {
	doc, ok := c.docs[docID]
	if !ok || c.n == 0 {
		return 0
	}
	score := 0.0
	for _, term := range Tokenize(query) {
		tf := doc.tf[term]
		if tf == 0 {
			continue
		}
		df := c.docFreq[term]
		idf := math.Log((float64(c.n)-float64(df)+0.5)/(float64(df)+0.5) + 1)
		norm := float64(tf) * (k1 + 1) / (float64(tf) + k1*(1-b+b*float64(doc.length)/c.avgDocLen))
		score += idf * norm
	}
	return score
}

// Scored pairs a document ID with its BM25 score.
type Scored struct {
	ID    string
	Score float64
}

// Search scores every corpus document against the query and returns the top
// limit non-zero results in descending score order (ties broken by ID for
// determinism).
func (c *Corpus) Search(query string, limit int) []Scored {
	if c.n == 0 {
		return nil
	}
	results := make([]Scored, 0, c.n)
	for id := range c.docs {
		if s := c.Score(query, id); s > 0 {
			results = append(results, Scored{ID: id, Score: s})
		}
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].ID < results[j].ID
	})
	if limit > 0 && len(results) > limit {
		results = results[:limit]
	}
	return results
}
