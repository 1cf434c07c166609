package proxy

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/fizteh95/tg-gpt-proxy/internal/domain"
)

const defaultAnthropicModel = "claude-3-5-haiku-latest"

// Anthropic talks to the Messages API.
type Anthropic struct {
	base
	client    anthropic.Client
	model     string
	maxTokens int64
	timeout   time.Duration
	logger    *slog.Logger
}

func NewAnthropic(def Definition, logger *slog.Logger) (*Anthropic, error) {
	if def.APIKey == "" {
		return nil, fmt.Errorf("anthropic backend needs api_key")
	}
	opts := []option.RequestOption{option.WithAPIKey(def.APIKey), option.WithMaxRetries(2)}
	if def.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(def.BaseURL))
	}
	model := def.Model
	if model == "" {
		model = defaultAnthropicModel
	}
	maxTokens := def.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	return &Anthropic{
		base:      baseOf(def),
		client:    anthropic.NewClient(opts...),
		model:     model,
		maxTokens: int64(maxTokens),
		timeout:   def.Timeout(),
		logger:    logger,
	}, nil
}

func (p *Anthropic) Generate(ctx context.Context, c domain.Context) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	msg, err := p.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(p.model),
		MaxTokens: p.maxTokens,
		Messages:  anthropicMessages(c),
	})
	if err != nil {
		return "", fmt.Errorf("anthropic %s: %w", p.name, err)
	}

	var sb strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	p.logger.Debug("message received",
		"model", p.model,
		"tokens_in", msg.Usage.InputTokens,
		"tokens_out", msg.Usage.OutputTokens,
	)
	return sb.String(), nil
}

func anthropicMessages(c domain.Context) []anthropic.MessageParam {
	out := make([]anthropic.MessageParam, 0, c.Len())
	for _, t := range c.Turns {
		block := anthropic.NewTextBlock(t.Text)
		if t.Role == domain.RoleAssistant {
			out = append(out, anthropic.NewAssistantMessage(block))
			continue
		}
		out = append(out, anthropic.NewUserMessage(block))
	}
	return out
}
