// Package pipeline holds the processors that turn inbound events into
// replies. Each processor is a bus subscriber that reacts to a few event
// variants and ignores the rest.
package pipeline

import (
	"log/slog"

	"github.com/fizteh95/tg-gpt-proxy/internal/bus"
	"github.com/fizteh95/tg-gpt-proxy/internal/config"
	"github.com/fizteh95/tg-gpt-proxy/internal/event"
	"github.com/fizteh95/tg-gpt-proxy/internal/proxy"
	"github.com/fizteh95/tg-gpt-proxy/internal/state"
)

// Deps are the collaborators shared by the processors.
type Deps struct {
	Registry    *proxy.Registry
	Access      *state.Access
	History     *state.History
	Preferences *state.Preferences
	Texts       config.TextsConfig
	// ChargeAPI charges API requests against the daily bucket.
	ChargeAPI bool
	Logger    *slog.Logger
}

func (d Deps) logger() *slog.Logger {
	if d.Logger == nil {
		return slog.Default()
	}
	return d.Logger
}

// Register subscribes the processors in pipeline order. Channel senders
// must be registered afterwards.
func Register(b *bus.Bus, d Deps) {
	log := d.logger()
	b.Register("inbound", &Inbound{deps: d, logger: log.With("processor", "inbound")})
	b.Register("auth_gate", &AuthGate{deps: d})
	b.Register("shape_resolver", ShapeResolver{})
	b.Register("context_retriever", &ContextRetriever{history: d.History})
	b.Register("proxy_router", &ProxyRouter{deps: d, logger: log.With("processor", "proxy_router")})
	b.Register("predictor", &Predictor{deps: d, logger: log.With("processor", "predictor")})
	b.Register("readiness_applier", &ReadinessApplier{registry: d.Registry, logger: log})
	b.Register("save_decision", SaveDecision{})
	b.Register("context_saver", &ContextSaver{history: d.History})
	b.Register("output_router", &OutputRouter{deps: d, logger: log.With("processor", "output_router")})
	b.Register("decline_router", DeclineRouter{})
	b.Register("spy", &Spy{logger: log})
}

func one(ev event.Event) []event.Event { return []event.Event{ev} }
