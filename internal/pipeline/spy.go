package pipeline

import (
	"context"
	"log/slog"

	"github.com/fizteh95/tg-gpt-proxy/internal/event"
	"github.com/fizteh95/tg-gpt-proxy/internal/metrics"
)

// Spy logs and counts every event.
type Spy struct {
	logger *slog.Logger
}

func (s *Spy) Handle(ctx context.Context, ev event.Event) ([]event.Event, error) {
	metrics.EventsTotal(ev.Kind()).Inc()
	if s.logger.Enabled(ctx, slog.LevelDebug) {
		attrs := []any{"kind", ev.Kind()}
		if id, ok := event.TargetOf(ev); ok {
			attrs = append(attrs, "identity", id.Key())
		}
		s.logger.Debug("event", attrs...)
	}
	return nil, nil
}
