// Package browser drives a Chrome instance through chromedp for web chat
// backends that have no API.
package browser

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/chromedp/chromedp"
)

const userAgent = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36"

// Bridge opens one browser session per exchange against a persistent
// profile directory, so logins survive between requests.
type Bridge struct {
	profileDir string
	headless   bool
	logger     *slog.Logger
}

type BridgeConfig struct {
	ProfileDir string // Chrome user data directory
	Headless   bool
	Logger     *slog.Logger
}

func NewBridge(cfg BridgeConfig) *Bridge {
	if cfg.ProfileDir == "" {
		home, _ := os.UserHomeDir()
		cfg.ProfileDir = filepath.Join(home, ".gptproxy", "chrome-profiles", "default")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Bridge{
		profileDir: cfg.ProfileDir,
		headless:   cfg.Headless,
		logger:     cfg.Logger,
	}
}

func (b *Bridge) ProfileDir() string { return b.profileDir }

func (b *Bridge) allocatorOptions(headless bool) []chromedp.ExecAllocatorOption {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.UserDataDir(b.profileDir),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.Flag("exclude-switches", "enable-automation"),
		chromedp.UserAgent(userAgent),
	)
	if headless {
		return append(opts, chromedp.Headless)
	}
	return append(opts, chromedp.Flag("headless", false))
}

// session starts a browser. The returned cancel must be called.
func (b *Bridge) session(parent context.Context, headless bool) (context.Context, context.CancelFunc) {
	if err := os.MkdirAll(b.profileDir, 0o755); err != nil {
		b.logger.Error("failed to create profile dir", "dir", b.profileDir, "err", err)
	}
	allocCtx, allocCancel := chromedp.NewExecAllocator(parent, b.allocatorOptions(headless)...)
	taskCtx, taskCancel := chromedp.NewContext(allocCtx)
	return taskCtx, func() {
		taskCancel()
		allocCancel()
	}
}

// Login opens a visible browser on url and blocks until ctx is done, so
// the operator can sign in and leave the cookies in the profile.
func (b *Bridge) Login(ctx context.Context, url string) error {
	taskCtx, cancel := b.session(ctx, false)
	defer cancel()

	if err := chromedp.Run(taskCtx, chromedp.Navigate(url)); err != nil {
		return fmt.Errorf("navigate to login page: %w", err)
	}
	b.logger.Info("browser opened, log in and press Ctrl+C when done", "url", url)
	<-ctx.Done()
	b.logger.Info("login session saved", "profile", b.profileDir)
	return nil
}

// Exchange types message into the chat page described by sel, waits for the
// loading indicator to disappear and returns the text of the last reply.
func (b *Bridge) Exchange(ctx context.Context, sel SelectorSet, message string, timeout time.Duration) (string, error) {
	if err := sel.Validate(); err != nil {
		return "", err
	}
	taskCtx, cancel := b.session(ctx, b.headless)
	defer cancel()

	taskCtx, timeoutCancel := context.WithTimeout(taskCtx, timeout)
	defer timeoutCancel()

	err := chromedp.Run(taskCtx,
		chromedp.Navigate(sel.URL),
		chromedp.WaitReady("body"),
		chromedp.WaitVisible(sel.Input, chromedp.ByQuery),
		chromedp.Click(sel.Input, chromedp.ByQuery),
		chromedp.SendKeys(sel.Input, message, chromedp.ByQuery),
		chromedp.Sleep(300*time.Millisecond),
		chromedp.Click(sel.Submit, chromedp.ByQuery),
	)
	if err != nil {
		return "", fmt.Errorf("send message: %w", err)
	}

	if err := b.waitIdle(taskCtx, sel); err != nil {
		return "", err
	}

	var reply string
	if err := chromedp.Run(taskCtx, chromedp.Evaluate(lastTextScript(sel.Response), &reply)); err != nil {
		return "", fmt.Errorf("extract response: %w", err)
	}
	return reply, nil
}

// waitIdle polls until the loading selector is gone.
func (b *Bridge) waitIdle(ctx context.Context, sel SelectorSet) error {
	if sel.Loading == "" {
		return chromedp.Run(ctx, chromedp.WaitVisible(sel.Response, chromedp.ByQuery))
	}
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	polls := 0
	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("wait for response: %w", ctx.Err())
		case <-ticker.C:
		}
		var loading bool
		if err := chromedp.Run(ctx, chromedp.Evaluate(existsScript(sel.Loading), &loading)); err != nil {
			return fmt.Errorf("poll loading indicator: %w", err)
		}
		polls++
		if !loading {
			b.logger.Debug("web chat idle", "polls", polls)
			return nil
		}
	}
}

func existsScript(selector string) string {
	return fmt.Sprintf(`document.querySelector(%s) !== null`, strconv.Quote(selector))
}

func lastTextScript(selector string) string {
	return fmt.Sprintf(`(function() {
	var elements = document.querySelectorAll(%s);
	if (elements.length === 0) return '';
	var last = elements[elements.length - 1];
	return last.innerText || last.textContent || '';
})()`, strconv.Quote(selector))
}

// SelectorSet holds the CSS selectors of one chat site.
type SelectorSet struct {
	URL      string
	Input    string
	Submit   string
	Response string
	Loading  string // optional typing indicator
}

// ChatGPTSelectors is the default set.
func ChatGPTSelectors() SelectorSet {
	return SelectorSet{
		URL:      "https://chatgpt.com",
		Input:    "#prompt-textarea",
		Submit:   "[data-testid='send-button']",
		Response: ".markdown.prose",
		Loading:  ".result-streaming",
	}
}

// With overrides fields from a url/input/submit/response/loading map.
func (s SelectorSet) With(overrides map[string]string) SelectorSet {
	for key, v := range overrides {
		if v == "" {
			continue
		}
		switch key {
		case "url":
			s.URL = v
		case "input":
			s.Input = v
		case "submit":
			s.Submit = v
		case "response":
			s.Response = v
		case "loading":
			s.Loading = v
		}
	}
	return s
}

func (s SelectorSet) Validate() error {
	if s.URL == "" || s.Input == "" || s.Submit == "" || s.Response == "" {
		return fmt.Errorf("selector set needs url, input, submit and response")
	}
	return nil
}
