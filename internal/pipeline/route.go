package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/fizteh95/tg-gpt-proxy/internal/config"
	"github.com/fizteh95/tg-gpt-proxy/internal/domain"
	"github.com/fizteh95/tg-gpt-proxy/internal/event"
	"github.com/fizteh95/tg-gpt-proxy/internal/metrics"
	"github.com/fizteh95/tg-gpt-proxy/internal/proxy"
	"github.com/fizteh95/tg-gpt-proxy/internal/state"
)

// ProxyRouter binds a proxy to a request. Stateful channels honour the
// identity's sticky choice when it still exists and the identity may use it.
type ProxyRouter struct {
	deps   Deps
	logger *slog.Logger
}

func (r *ProxyRouter) Handle(ctx context.Context, ev event.Event) ([]event.Event, error) {
	e, ok := ev.(event.ReadyToPredict)
	if !ok {
		return nil, nil
	}
	id := e.Offer.Identity

	if id.Kind.Stateful() {
		p, err := r.preferred(ctx, id)
		if err != nil {
			undo(ctx, r.deps.History, e, r.logger)
			return nil, err
		}
		if p != nil {
			return one(event.ProxyBound{Proxy: p, Ready: e}), nil
		}
	}

	p, err := r.deps.Registry.Default()
	if err != nil {
		r.logger.Warn("no proxy to route to", "identity", id.Key(), "err", err)
		undo(ctx, r.deps.History, e, r.logger)
		return one(apology(r.deps.Texts, e.Offer)), nil
	}
	return one(event.ProxyBound{Proxy: p, Ready: e}), nil
}

// undo restores the conversation a failed request appended to.
func undo(ctx context.Context, h *state.History, e event.ReadyToPredict, logger *slog.Logger) {
	if e.Saved == nil {
		return
	}
	id := e.Offer.Identity
	if _, err := h.Restore(ctx, id, *e.Saved); err != nil {
		logger.Error("rollback of user turn failed", "identity", id.Key(), "err", err)
	}
}

func apology(texts config.TextsConfig, o domain.Offer) event.Response {
	r := event.Reply(o.Identity, texts.Apology, nil)
	r.RequestID = o.RequestID
	r.Outcome = event.OutcomeFailed
	return r
}

// preferred returns the sticky proxy of id, or nil when there is none
// usable.
func (r *ProxyRouter) preferred(ctx context.Context, id domain.Identity) (domain.Proxy, error) {
	name, err := r.deps.Preferences.ProxyName(ctx, id)
	if err != nil || name == "" {
		return nil, err
	}
	p, err := r.deps.Registry.ByName(name)
	if err != nil {
		return nil, nil
	}
	if !p.Premium() {
		return p, nil
	}
	acc, err := r.deps.Access.Lookup(ctx, id)
	if err != nil {
		return nil, err
	}
	if acc.Premium > 0 {
		return p, nil
	}
	return nil, nil
}

// Predictor calls the bound proxy. A failed or empty generation never
// reaches the bus as an error: the conversation is restored, the caller gets
// an apology and the proxy is reported not ready.
type Predictor struct {
	deps   Deps
	logger *slog.Logger
}

func (p *Predictor) Handle(ctx context.Context, ev event.Event) ([]event.Event, error) {
	e, ok := ev.(event.ProxyBound)
	if !ok {
		return nil, nil
	}
	name := e.Proxy.Name()
	o := e.Ready.Offer

	start := time.Now()
	text, err := e.Proxy.Generate(ctx, e.Ready.Context)
	metrics.PredictLatency(name).Since(start)

	if err == nil && strings.TrimSpace(text) == "" {
		err = fmt.Errorf("empty reply")
	}
	if err == nil {
		metrics.Predictions(name, "ok").Inc()
		return one(event.PredictionResult{Offer: o, Text: text, Proxy: name}), nil
	}

	metrics.Predictions(name, "failed").Inc()
	p.logger.Warn("generation failed",
		"proxy", name,
		"identity", o.Identity.Key(),
		"duration", time.Since(start),
		"err", err,
	)
	undo(ctx, p.deps.History, e.Ready, p.logger)

	return []event.Event{
		apology(p.deps.Texts, o),
		event.ProxyReadinessChanged{Name: name, Ready: false, Reason: err.Error()},
	}, nil
}

// ReadinessApplier writes readiness changes into the registry.
type ReadinessApplier struct {
	registry *proxy.Registry
	logger   *slog.Logger
}

func (a *ReadinessApplier) Handle(_ context.Context, ev event.Event) ([]event.Event, error) {
	e, ok := ev.(event.ProxyReadinessChanged)
	if !ok {
		return nil, nil
	}
	if !a.registry.SetReady(e.Name, e.Ready) {
		a.logger.Debug("readiness change for unknown proxy", "proxy", e.Name)
	}
	return nil, nil
}
