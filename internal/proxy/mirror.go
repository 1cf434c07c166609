package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/fizteh95/tg-gpt-proxy/internal/domain"
)

const defaultMirrorPath = "/v1/chat/completions"

// Mirror posts OpenAI-style JSON to a third-party endpoint that may not be
// fully compatible with the official SDK.
type Mirror struct {
	base
	url       string
	apiKey    string
	model     string
	maxTokens int
	headers   map[string]string
	client    *http.Client
	backoff   time.Duration
	logger    *slog.Logger
}

func NewMirror(def Definition, logger *slog.Logger) (*Mirror, error) {
	if def.BaseURL == "" {
		return nil, fmt.Errorf("mirror backend needs base_url")
	}
	path := def.Path
	if path == "" {
		path = defaultMirrorPath
	}
	maxTokens := def.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	return &Mirror{
		base:      baseOf(def),
		url:       strings.TrimRight(def.BaseURL, "/") + "/" + strings.TrimLeft(path, "/"),
		apiKey:    def.APIKey,
		model:     def.Model,
		maxTokens: maxTokens,
		headers:   def.Headers,
		client:    newHTTPClient(def.Timeout()),
		backoff:   time.Second,
		logger:    logger,
	}, nil
}

type mirrorMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type mirrorRequest struct {
	Model     string          `json:"model,omitempty"`
	Messages  []mirrorMessage `json:"messages"`
	MaxTokens int             `json:"max_tokens,omitempty"`
}

type mirrorResponse struct {
	Choices []struct {
		Message mirrorMessage `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func (p *Mirror) Generate(ctx context.Context, c domain.Context) (string, error) {
	req := mirrorRequest{Model: p.model, MaxTokens: p.maxTokens}
	for _, t := range c.Turns {
		req.Messages = append(req.Messages, mirrorMessage{Role: string(t.Role), Content: t.Text})
	}
	body, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("mirror %s: encode: %w", p.name, err)
	}

	resp, err := doWithRetry(ctx, p.client, func() (*http.Request, error) {
		r, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		r.Header.Set("Content-Type", "application/json")
		if p.apiKey != "" {
			r.Header.Set("Authorization", "Bearer "+p.apiKey)
		}
		for k, v := range p.headers {
			r.Header.Set(k, v)
		}
		return r, nil
	}, p.backoff, p.logger)
	if err != nil {
		return "", fmt.Errorf("mirror %s: %w", p.name, err)
	}
	defer resp.Body.Close()

	var out mirrorResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 4<<20)).Decode(&out); err != nil {
		return "", fmt.Errorf("mirror %s: decode: %w", p.name, err)
	}
	if out.Error != nil && out.Error.Message != "" {
		return "", fmt.Errorf("mirror %s: %s", p.name, out.Error.Message)
	}
	if len(out.Choices) == 0 || strings.TrimSpace(out.Choices[0].Message.Content) == "" {
		return "", fmt.Errorf("mirror %s: empty reply", p.name)
	}
	return out.Choices[0].Message.Content, nil
}
