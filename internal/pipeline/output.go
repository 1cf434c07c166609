package pipeline

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/fizteh95/tg-gpt-proxy/internal/domain"
	"github.com/fizteh95/tg-gpt-proxy/internal/event"
	"github.com/fizteh95/tg-gpt-proxy/internal/state"
)

// SaveDecision sends stateful results through the context saver and
// everything else straight to output.
type SaveDecision struct{}

func (SaveDecision) Handle(_ context.Context, ev event.Event) ([]event.Event, error) {
	e, ok := ev.(event.PredictionResult)
	if !ok {
		return nil, nil
	}
	if e.Offer.Persistent() {
		return one(event.NeedContextSave{Result: e}), nil
	}
	return one(event.GenericResult{Offer: e.Offer, Text: e.Text}), nil
}

// ContextSaver appends the assistant turn.
type ContextSaver struct {
	history *state.History
}

func (s *ContextSaver) Handle(ctx context.Context, ev event.Event) ([]event.Event, error) {
	e, ok := ev.(event.NeedContextSave)
	if !ok {
		return nil, nil
	}
	r := e.Result
	if _, err := s.history.Append(ctx, r.Offer.Identity, domain.Turn{Role: domain.RoleAssistant, Text: r.Text}); err != nil {
		return nil, err
	}
	return one(event.GenericResult{Offer: r.Offer, Text: r.Text}), nil
}

// OutputRouter charges the request and emits the reply, followed by a
// notice when the charge emptied a bucket.
type OutputRouter struct {
	deps   Deps
	logger *slog.Logger
}

func (r *OutputRouter) Handle(ctx context.Context, ev event.Event) ([]event.Event, error) {
	e, ok := ev.(event.GenericResult)
	if !ok {
		return nil, nil
	}
	id := e.Offer.Identity
	reply := event.Reply(id, e.Text, nil)
	reply.RequestID = e.Offer.RequestID

	if !id.Kind.Stateful() {
		if r.deps.ChargeAPI {
			if _, err := r.deps.Access.ChargeDaily(ctx, id); err != nil {
				return nil, err
			}
		}
		return one(reply), nil
	}

	charge, err := r.deps.Access.Charge(ctx, id)
	if err != nil {
		return nil, err
	}
	out := []event.Event{reply}
	if !charge.Exhausted {
		return out, nil
	}

	switch charge.Bucket {
	case state.BucketPremium:
		name := r.downgrade(ctx, id)
		out = append(out, event.Reply(id, fmt.Sprintf(r.deps.Texts.PremiumOverFormat, name), nil))
	case state.BucketDaily:
		out = append(out, event.Reply(id, r.deps.Texts.DailyOver, nil))
	}
	return out, nil
}

// downgrade moves id off a premium proxy and returns the new proxy name.
func (r *OutputRouter) downgrade(ctx context.Context, id domain.Identity) string {
	name := ""
	if def, err := r.deps.Registry.Default(); err == nil && !def.Premium() {
		name = def.Name()
	}
	if err := r.deps.Preferences.SetProxyName(ctx, id, name); err != nil {
		r.logger.Error("preference downgrade failed", "identity", id.Key(), "err", err)
	}
	if name == "" {
		return "-"
	}
	return name
}

// DeclineRouter answers declined offers with the reason.
type DeclineRouter struct{}

func (DeclineRouter) Handle(_ context.Context, ev event.Event) ([]event.Event, error) {
	e, ok := ev.(event.Declined)
	if !ok {
		return nil, nil
	}
	r := event.Reply(e.Offer.Identity, e.Reason, nil)
	r.RequestID = e.Offer.RequestID
	r.Outcome = event.OutcomeDeclined
	return one(r), nil
}
