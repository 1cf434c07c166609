package pipeline

import (
	"context"
	"fmt"

	"github.com/fizteh95/tg-gpt-proxy/internal/domain"
	"github.com/fizteh95/tg-gpt-proxy/internal/event"
	"github.com/fizteh95/tg-gpt-proxy/internal/metrics"
	"github.com/fizteh95/tg-gpt-proxy/internal/state"
)

// AuthGate admits offers from identities with quota left. A first-time
// identity gets its account and a welcome notice ahead of anything else.
type AuthGate struct {
	deps Deps
}

func (g *AuthGate) Handle(ctx context.Context, ev event.Event) ([]event.Event, error) {
	e, ok := ev.(event.Offer)
	if !ok {
		return nil, nil
	}
	id := e.Offer.Identity
	acc, created, err := g.deps.Access.Ensure(ctx, id)
	if err != nil {
		return nil, err
	}

	var out []event.Event
	if created {
		out = append(out, event.Reply(id, fmt.Sprintf(g.deps.Texts.NewUser, acc.Daily), nil))
	}
	if !acc.Allowed() {
		metrics.OffersDeclined.Inc()
		return append(out, event.Declined{Offer: e.Offer, Reason: g.deps.Texts.Declined}), nil
	}
	metrics.OffersAccepted.Inc()
	return append(out, event.Typing{Identity: id}, event.Accepted{Offer: e.Offer}), nil
}

// ShapeResolver routes an accepted offer by its shape.
type ShapeResolver struct{}

func (ShapeResolver) Handle(_ context.Context, ev event.Event) ([]event.Event, error) {
	e, ok := ev.(event.Accepted)
	if !ok {
		return nil, nil
	}
	o := e.Offer
	shape, err := o.Shape()
	if err != nil {
		return nil, err
	}
	switch shape {
	case domain.ShapeVerbatim:
		return one(event.ReadyToPredict{Offer: o, Context: o.Context.Clone()}), nil
	case domain.ShapeOneHit:
		return one(event.ReadyToPredict{
			Offer:   o,
			Context: domain.NewContext(domain.Turn{Role: domain.RoleUser, Text: o.Text}),
		}), nil
	default:
		return one(event.NeedContext{Offer: o}), nil
	}
}

// ContextRetriever appends the user turn to the stored conversation.
type ContextRetriever struct {
	history *state.History
}

func (r *ContextRetriever) Handle(ctx context.Context, ev event.Event) ([]event.Event, error) {
	e, ok := ev.(event.NeedContext)
	if !ok {
		return nil, nil
	}
	ch, err := r.history.Record(ctx, e.Offer.Identity, domain.Turn{Role: domain.RoleUser, Text: e.Offer.Text})
	if err != nil {
		return nil, err
	}
	return one(event.ReadyToPredict{Offer: e.Offer, Context: ch.After, Saved: &ch}), nil
}
