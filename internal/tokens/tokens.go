// Package tokens isolates token counting behind a small port so the chars/4
// heuristic can be swapped for a real tokenizer.
package tokens

import (
	"github.com/pkoukk/tiktoken-go"
)

// Estimator counts (or approximates) tokens for budget enforcement.
type Estimator interface {
	Estimate(text string) int
}

// CharsPerToken is the heuristic ratio used by the default estimator.
const CharsPerToken = 4

// Heuristic estimates ceil(len/4) tokens. Cheap and model-agnostic.
type Heuristic struct{}

func (Heuristic) Estimate(text string) int {
	if text == "" {
		return 0
	}
	return (len(text) + CharsPerToken - 1) / CharsPerToken
}

// Tiktoken counts exact tokens for OpenAI-family models.
type Tiktoken struct {
	enc *tiktoken.Tiktoken
}

// NewTiktoken resolves an encoding by model name, falling back to treating
// the name as an encoding name.
func NewTiktoken(model string) (*Tiktoken, error) {
	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		enc, err = tiktoken.GetEncoding(model)
		if err != nil {
			return nil, err
		}
	}
	return &Tiktoken{enc: enc}, nil
}

func (t *Tiktoken) Estimate(text string) int {
	return len(t.enc.Encode(text, nil, nil))
}
