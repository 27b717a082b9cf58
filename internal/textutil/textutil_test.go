package textutil

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTokenSet(t *testing.T) {
	set := TokenSet("Hello, hello WORLD-42!")
	assert.Len(t, set, 3)
	assert.Contains(t, set, "hello")
	assert.Contains(t, set, "world")
	assert.Contains(t, set, "42")
}

func TestJaccard(t *testing.T) {
	a := TokenSet("red green blue")
	b := TokenSet("green blue yellow")
	assert.InDelta(t, 0.5, Jaccard(a, b), 1e-9) // 2 shared of 4 total

	assert.Equal(t, 1.0, Jaccard(a, a))
	assert.Equal(t, 0.0, Jaccard(a, TokenSet("")))
	assert.Equal(t, 0.0, Jaccard(TokenSet(""), TokenSet("")))
}

func TestSentences(t *testing.T) {
	out := Sentences("First one. Second one! Third?")
	assert.Len(t, out, 3)
	assert.Equal(t, "First one.", out[0])
	assert.Equal(t, "Third?", out[2])
}
