package bm25

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenize(t *testing.T) {
	toks := Tokenize("The cache-aware BM25 scorer, v2!")
	assert.Equal(t, []string{"the", "cache", "aware", "bm25", "scorer"}, toks)
}

func TestTokenizeDropsShortTokens(t *testing.T) {
	assert.Empty(t, Tokenize("a an to of"))
}

func TestTokenizeCountsRunesNotBytes(t *testing.T) {
	// "数据" is six bytes but only two runes, so it drops like "of" does
	toks := Tokenize("数据 of 数据库系统")
	assert.Equal(t, []string{"数据库系统"}, toks)
}

func TestScoreMatchingTermBeatsNone(t *testing.T) {
	c := NewCorpus([]Document{
		{ID: "a", Content: "the reactor core temperature exceeded limits"},
		{ID: "b", Content: "gardening tips for spring flowers"},
	})
	q := "reactor temperature"
	assert.Greater(t, c.Score(q, "a"), 0.0)
	assert.Equal(t, 0.0, c.Score(q, "b"))
}

func TestScoreRareTermWeighsMore(t *testing.T) {
	// "zirconium" appears in one doc, "system" in all three.
	c := NewCorpus([]Document{
		{ID: "a", Content: "the zirconium system held firm"},
		{ID: "b", Content: "a cooling system in the plant"},
		{ID: "c", Content: "the monitoring system rebooted"},
	})
	assert.Greater(t, c.Score("zirconium", "a"), c.Score("system", "a"))
}

func TestScoreDuplicateQueryTermsAdditive(t *testing.T) {
	c := NewCorpus([]Document{
		{ID: "a", Content: "failover failover configuration"},
		{ID: "b", Content: "unrelated text entirely here"},
	})
	single := c.Score("failover", "a")
	double := c.Score("failover failover", "a")
	assert.InDelta(t, 2*single, double, 1e-9)
}

func TestSearchOrderingAndLimit(t *testing.T) {
	c := NewCorpus([]Document{
		{ID: "a", Content: "database index tuning and database sharding"},
		{ID: "b", Content: "database backups and restore strategy overview"},
		{ID: "c", Content: "frontend styling tricks"},
	})
	results := c.Search("database", 2)
	require.Len(t, results, 2)
	assert.Equal(t, "a", results[0].ID, "higher term frequency should rank first")
	assert.GreaterOrEqual(t, results[0].Score, results[1].Score)
}

func TestSearchEmptyCorpus(t *testing.T) {
	c := NewCorpus(nil)
	assert.Nil(t, c.Search("anything", 5))
	assert.Equal(t, 0, c.Len())
}

func TestSearchTieBrokenByID(t *testing.T) {
	c := NewCorpus([]Document{
		{ID: "b", Content: "identical words here"},
		{ID: "a", Content: "identical words here"},
	})
	results := c.Search("identical words", 0)
	require.Len(t, results, 2)
	assert.Equal(t, "a", results[0].ID)
	assert.Equal(t, "b", results[1].ID)
}
