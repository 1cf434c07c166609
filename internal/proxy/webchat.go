package proxy

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/fizteh95/tg-gpt-proxy/internal/browser"
	"github.com/fizteh95/tg-gpt-proxy/internal/domain"
)

// WebChat drives a browser chat UI. The site keeps its own conversation, so
// only the last user turn is typed. Exchanges are serialized because they
// share one browser profile.
type WebChat struct {
	base
	bridge    *browser.Bridge
	selectors browser.SelectorSet
	timeout   time.Duration
	mu        sync.Mutex
	logger    *slog.Logger
}

func NewWebChat(def Definition, logger *slog.Logger) (*WebChat, error) {
	sel := browser.ChatGPTSelectors().With(def.Selectors)
	if def.BaseURL != "" {
		sel.URL = def.BaseURL
	}
	if err := sel.Validate(); err != nil {
		return nil, err
	}
	return &WebChat{
		base: baseOf(def),
		bridge: browser.NewBridge(browser.BridgeConfig{
			ProfileDir: def.ProfileDir,
			Headless:   true,
			Logger:     logger,
		}),
		selectors: sel,
		timeout:   def.Timeout(),
		logger:    logger,
	}, nil
}

func (p *WebChat) Generate(ctx context.Context, c domain.Context) (string, error) {
	text := c.LastUserText()
	if text == "" {
		return "", fmt.Errorf("webchat %s: no user turn to send", p.name)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.logger.Debug("webchat: sending message", "len", len(text))
	reply, err := p.bridge.Exchange(ctx, p.selectors, text, p.timeout)
	if err != nil {
		return "", fmt.Errorf("webchat %s: %w", p.name, err)
	}
	return reply, nil
}

// Login opens a visible browser on the chat page until ctx is done.
func (p *WebChat) Login(ctx context.Context) error {
	return p.bridge.Login(ctx, p.selectors.URL)
}
