package llm

import (
	"context"
	"errors"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"
)

// OpenAIConfig configures the chat completion client.
type OpenAIConfig struct {
	APIKey      string
	BaseURL     string
	Model       string
	Temperature float64
}

// OpenAICompleter implements Completer over the OpenAI chat API.
type OpenAICompleter struct {
	client openai.Client
	cfg    OpenAIConfig
}

// NewOpenAICompleter constructs the client eagerly.
func NewOpenAICompleter(cfg OpenAIConfig) *OpenAICompleter {
	if cfg.Model == "" {
		cfg.Model = "gpt-4o-mini"
	}
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if strings.TrimSpace(cfg.BaseURL) != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return &OpenAICompleter{client: openai.NewClient(opts...), cfg: cfg}
}

func (c *OpenAICompleter) ModelID() string { return c.cfg.Model }

// Complete sends a system+user prompt pair and returns the raw text.
func (c *OpenAICompleter) Complete(ctx context.Context, system, user string, maxTokens int) (string, error) {
	msgs := make([]openai.ChatCompletionMessageParamUnion, 0, 2)
	if system != "" {
		msgs = append(msgs, openai.SystemMessage(system))
	}
	msgs = append(msgs, openai.UserMessage(user))

	params := openai.ChatCompletionNewParams{
		Messages: msgs,
		Model:    openai.ChatModel(c.cfg.Model),
	}
	if c.cfg.Temperature > 0 {
		params.Temperature = param.NewOpt(c.cfg.Temperature)
	}
	if maxTokens > 0 {
		params.MaxCompletionTokens = param.NewOpt(int64(maxTokens))
	}
	resp, err := c.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("completion returned no choices")
	}
	return resp.Choices[0].Message.Content, nil
}
