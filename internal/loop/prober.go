// Package loop runs the periodic background jobs of the gateway.
package loop

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/fizteh95/tg-gpt-proxy/internal/domain"
	"github.com/fizteh95/tg-gpt-proxy/internal/event"
	"github.com/fizteh95/tg-gpt-proxy/internal/metrics"
	"github.com/fizteh95/tg-gpt-proxy/internal/proxy"
)

const (
	defaultProbeInterval = 10 * time.Minute
	defaultProbeTimeout  = time.Minute
	defaultProbePrompt   = "Привет, как дела?"
)

// Publisher is the part of the bus the loops need.
type Publisher interface {
	Publish(ctx context.Context, events ...event.Event) error
}

// ProberConfig configures the liveness prober.
type ProberConfig struct {
	Registry *proxy.Registry
	Bus      Publisher
	Interval time.Duration
	Timeout  time.Duration
	Prompt   string
	Logger   *slog.Logger
}

// ProbeResult is the outcome of probing one proxy.
type ProbeResult struct {
	Name     string
	Ready    bool
	Duration time.Duration
	Err      error
}

// Prober sends a canned prompt to every registered proxy and records which
// ones answer.
type Prober struct {
	registry *proxy.Registry
	bus      Publisher
	interval time.Duration
	timeout  time.Duration
	prompt   string
	logger   *slog.Logger
}

func NewProber(cfg ProberConfig) *Prober {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultProbeInterval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultProbeTimeout
	}
	if cfg.Prompt == "" {
		cfg.Prompt = defaultProbePrompt
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Prober{
		registry: cfg.Registry,
		bus:      cfg.Bus,
		interval: cfg.Interval,
		timeout:  cfg.Timeout,
		prompt:   cfg.Prompt,
		logger:   cfg.Logger,
	}
}

// Run probes once immediately and then on every tick. Blocks until ctx is
// cancelled.
func (p *Prober) Run(ctx context.Context) error {
	p.RunOnce(ctx)
	return p.Tick(ctx)
}

// Tick probes on every tick only, for callers that ran the first cycle
// themselves. Blocks until ctx is cancelled.
func (p *Prober) Tick(ctx context.Context) error {
	p.logger.Info("prober started", "interval", p.interval, "proxies", p.registry.Len())

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("prober stopped")
			return nil
		case <-ticker.C:
			p.RunOnce(ctx)
		}
	}
}

// RunOnce probes every proxy in order, updates the registry and publishes
// the readiness of each in one drain.
func (p *Prober) RunOnce(ctx context.Context) []ProbeResult {
	start := time.Now()
	proxies := p.registry.Proxies()
	results := make([]ProbeResult, 0, len(proxies))
	events := make([]event.Event, 0, len(proxies))

	for _, px := range proxies {
		if ctx.Err() != nil {
			break
		}
		res := p.probe(ctx, px)
		p.registry.SetReady(res.Name, res.Ready)
		results = append(results, res)

		ev := event.ProxyReadinessChanged{Name: res.Name, Ready: res.Ready}
		if res.Err != nil {
			ev.Reason = res.Err.Error()
		}
		events = append(events, ev)
	}
	metrics.ProbeDuration.Since(start)

	ready := 0
	for _, r := range results {
		if r.Ready {
			ready++
		}
	}
	p.logger.Info("probe cycle done", "proxies", len(results), "ready", ready, "duration", time.Since(start))

	if p.bus != nil && len(events) > 0 {
		if err := p.bus.Publish(ctx, events...); err != nil {
			p.logger.Warn("publishing readiness failed", "err", err)
		}
	}
	return results
}

func (p *Prober) probe(ctx context.Context, px domain.Proxy) ProbeResult {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	start := time.Now()
	c := domain.NewContext(domain.Turn{Role: domain.RoleUser, Text: p.prompt})
	text, err := px.Generate(ctx, c)
	if err == nil && strings.TrimSpace(text) == "" {
		err = errors.New("empty reply")
	}
	res := ProbeResult{Name: px.Name(), Ready: err == nil, Duration: time.Since(start), Err: err}
	if err != nil {
		p.logger.Warn("probe failed", "proxy", res.Name, "duration", res.Duration, "err", err)
	} else {
		p.logger.Debug("probe ok", "proxy", res.Name, "duration", res.Duration)
	}
	return res
}
