package proxy

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/fizteh95/tg-gpt-proxy/internal/domain"
)

const (
	defaultMaxTokens   = 1200
	defaultOpenAIModel = "gpt-4o-mini"
)

// OpenAI talks to the Chat Completions API or any compatible endpoint.
type OpenAI struct {
	base
	client    openai.Client
	model     string
	maxTokens int64
	timeout   time.Duration
	logger    *slog.Logger
}

func NewOpenAI(def Definition, logger *slog.Logger) (*OpenAI, error) {
	opts := []option.RequestOption{option.WithMaxRetries(2)}
	if def.APIKey != "" {
		opts = append(opts, option.WithAPIKey(def.APIKey))
	}
	if def.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(def.BaseURL))
	}
	for k, v := range def.Headers {
		opts = append(opts, option.WithHeader(k, v))
	}
	model := def.Model
	if model == "" {
		model = defaultOpenAIModel
	}
	maxTokens := def.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	return &OpenAI{
		base:      baseOf(def),
		client:    openai.NewClient(opts...),
		model:     model,
		maxTokens: int64(maxTokens),
		timeout:   def.Timeout(),
		logger:    logger,
	}, nil
}

func (p *OpenAI) Generate(ctx context.Context, c domain.Context) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	resp, err := p.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model:     openai.ChatModel(p.model),
		Messages:  openAIMessages(c),
		MaxTokens: openai.Int(p.maxTokens),
	})
	if err != nil {
		return "", fmt.Errorf("openai %s: %w", p.name, err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("openai %s: no choices in response", p.name)
	}
	p.logger.Debug("completion received",
		"model", p.model,
		"tokens_in", resp.Usage.PromptTokens,
		"tokens_out", resp.Usage.CompletionTokens,
	)
	return resp.Choices[0].Message.Content, nil
}

func openAIMessages(c domain.Context) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, c.Len())
	for _, t := range c.Turns {
		switch t.Role {
		case domain.RoleAssistant:
			out = append(out, openai.AssistantMessage(t.Text))
		default:
			out = append(out, openai.UserMessage(t.Text))
		}
	}
	return out
}
