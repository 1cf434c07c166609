package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/fizteh95/tg-gpt-proxy/internal/event"
	"github.com/fizteh95/tg-gpt-proxy/internal/metrics"
)

const defaultMaxEvents = 10000

// ErrDrainLimit is returned when a single publish keeps producing events past
// the configured limit, which usually means two processors feed each other.
var ErrDrainLimit = errors.New("drain event limit exceeded")

// Subscriber receives every event published on the bus and returns the events
// derived from it. Variants it does not handle are ignored by returning nil.
type Subscriber interface {
	Handle(ctx context.Context, ev event.Event) ([]event.Event, error)
}

// HandlerFunc adapts a function to Subscriber.
type HandlerFunc func(ctx context.Context, ev event.Event) ([]event.Event, error)

func (f HandlerFunc) Handle(ctx context.Context, ev event.Event) ([]event.Event, error) {
	return f(ctx, ev)
}

// Options configures a Bus.
type Options struct {
	// Isolate keeps delivering an event to the remaining subscribers when one
	// fails. The default aborts the whole drain on the first failure.
	Isolate bool
	// MaxEvents caps the number of events delivered by one Publish call.
	MaxEvents int
	Logger    *slog.Logger
}

// Bus broadcasts events to subscribers in registration order and drains
// derived events breadth-first until nothing is left.
//
// Each Publish call owns its queue, so concurrent and nested publishes never
// share state; ordering is only guaranteed inside one call.
type Bus struct {
	mu        sync.RWMutex
	subs      []namedSubscriber
	isolate   bool
	maxEvents int
	logger    *slog.Logger
}

type namedSubscriber struct {
	name string
	sub  Subscriber
}

func New(opts Options) *Bus {
	if opts.MaxEvents <= 0 {
		opts.MaxEvents = defaultMaxEvents
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Bus{
		isolate:   opts.Isolate,
		maxEvents: opts.MaxEvents,
		logger:    opts.Logger,
	}
}

// Register appends a subscriber. Registering an existing name replaces the
// subscriber but keeps its position.
func (b *Bus) Register(name string, s Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := range b.subs {
		if b.subs[i].name == name {
			b.subs[i].sub = s
			return
		}
	}
	b.subs = append(b.subs, namedSubscriber{name: name, sub: s})
}

// Unregister removes a subscriber by name and reports whether it existed.
func (b *Bus) Unregister(name string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := range b.subs {
		if b.subs[i].name == name {
			b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
			return true
		}
	}
	return false
}

// Subscribers returns the registered names in delivery order.
func (b *Bus) Subscribers() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	names := make([]string, len(b.subs))
	for i, s := range b.subs {
		names[i] = s.name
	}
	return names
}

// Publish seeds a queue with events and returns once it is drained.
func (b *Bus) Publish(ctx context.Context, events ...event.Event) error {
	queue := make([]event.Event, 0, len(events))
	for _, ev := range events {
		if ev != nil {
			queue = append(queue, ev)
		}
	}

	drainID := uuid.NewString()
	delivered := 0
	for len(queue) > 0 {
		if delivered >= b.maxEvents {
			return fmt.Errorf("%w: drain %s delivered %d events", ErrDrainLimit, drainID, delivered)
		}
		ev := queue[0]
		queue[0] = nil
		queue = queue[1:]
		delivered++

		derived, err := b.broadcast(ctx, ev)
		if err != nil {
			b.logger.Warn("drain aborted", "drain_id", drainID, "event", ev.Kind(), "err", err)
			return err
		}
		queue = append(queue, derived...)
	}

	b.logger.Debug("drain complete", "drain_id", drainID, "events", delivered)
	return nil
}

func (b *Bus) broadcast(ctx context.Context, ev event.Event) ([]event.Event, error) {
	b.mu.RLock()
	subs := make([]namedSubscriber, len(b.subs))
	copy(subs, b.subs)
	b.mu.RUnlock()

	var derived []event.Event
	for _, ns := range subs {
		out, err := b.call(ctx, ns, ev)
		if err != nil {
			metrics.HandlerFailures.Inc()
			if !b.isolate {
				return nil, fmt.Errorf("subscriber %s on %s: %w", ns.name, ev.Kind(), err)
			}
			b.logger.Error("subscriber failed, continuing", "subscriber", ns.name, "event", ev.Kind(), "err", err)
			continue
		}
		for _, d := range out {
			if d != nil {
				derived = append(derived, d)
			}
		}
	}
	return derived, nil
}

func (b *Bus) call(ctx context.Context, ns namedSubscriber, ev event.Event) (out []event.Event, err error) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panic", "event", ev.Kind(), "handler", ns.name, "panic", r)
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return ns.sub.Handle(ctx, ev)
}
