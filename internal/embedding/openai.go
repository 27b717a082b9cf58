package embedding

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// OpenAIProvider implements Provider against the OpenAI embeddings API (or
// any compatible endpoint via base URL override).
type OpenAIProvider struct {
	client     openai.Client
	model      string
	dimensions int
}

// OpenAIConfig configures the provider. Dimensions must match the model; a
// mismatch between configured and returned dimensions is a fatal error.
type OpenAIConfig struct {
	APIKey     string
	BaseURL    string
	Model      string
	Dimensions int
}

// NewOpenAIProvider constructs the provider eagerly; configuration errors
// surface here, not on first call.
func NewOpenAIProvider(cfg OpenAIConfig) (*OpenAIProvider, error) {
	if cfg.Model == "" {
		cfg.Model = "text-embedding-3-small"
	}
	if cfg.Dimensions <= 0 {
		return nil, fmt.Errorf("embedding dimensions must be positive, got %d", cfg.Dimensions)
	}
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if strings.TrimSpace(cfg.BaseURL) != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return &OpenAIProvider{
		client:     openai.NewClient(opts...),
		model:      cfg.Model,
		dimensions: cfg.Dimensions,
	}, nil
}

func (p *OpenAIProvider) Dimensions() int { return p.dimensions }

func (p *OpenAIProvider) ModelID() string { return p.model }

// Embed embeds a batch of texts in one API call.
func (p *OpenAIProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return [][]float32{}, nil
	}
	resp, err := p.client.Embeddings.New(ctx, openai.EmbeddingNewParams{
		Model: openai.EmbeddingModel(p.model),
		Input: openai.EmbeddingNewParamsInputUnion{OfArrayOfStrings: texts},
	})
	if err != nil {
		return nil, classify(err)
	}
	if len(resp.Data) != len(texts) {
		return nil, NewError(KindInvalid, fmt.Errorf("expected %d embeddings, got %d", len(texts), len(resp.Data)))
	}
	out := make([][]float32, len(resp.Data))
	for i, d := range resp.Data {
		if len(d.Embedding) != p.dimensions {
			return nil, NewError(KindInvalid, fmt.Errorf("provider returned %d dims, configured %d", len(d.Embedding), p.dimensions))
		}
		vec := make([]float32, p.dimensions)
		for j, f := range d.Embedding {
			vec[j] = float32(f)
		}
		out[i] = vec
	}
	return out, nil
}

func classify(err error) *Error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return NewError(KindTransient, err)
	}
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.StatusCode == 429:
			return NewError(KindQuota, err)
		case apiErr.StatusCode >= 500:
			return NewError(KindTransient, err)
		default:
			return NewError(KindInvalid, err)
		}
	}
	// Network-level failures are worth retrying.
	return NewError(KindTransient, err)
}
