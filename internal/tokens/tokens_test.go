package tokens

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHeuristicEstimate(t *testing.T) {
	h := Heuristic{}
	assert.Equal(t, 0, h.Estimate(""))
	assert.Equal(t, 1, h.Estimate("abc"))
	assert.Equal(t, 1, h.Estimate("abcd"))
	assert.Equal(t, 2, h.Estimate("abcde"))
	assert.Equal(t, 250, h.Estimate(strings.Repeat("x", 1000)))
}
