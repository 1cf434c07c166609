package loop

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/fizteh95/tg-gpt-proxy/internal/domain"
	"github.com/fizteh95/tg-gpt-proxy/internal/state"
)

// LastResetKey is the meta key holding the date of the last daily reset.
const LastResetKey = "quota.last_reset"

const dateLayout = "2006-01-02"

// ResetterConfig configures the daily quota resetter.
type ResetterConfig struct {
	Access   *state.Access
	Meta     domain.MetaStore
	Level    int
	Interval time.Duration
	Location *time.Location
	Logger   *slog.Logger
	// Now defaults to time.Now.
	Now func() time.Time
}

// Resetter refills every daily bucket once per calendar day.
type Resetter struct {
	access   *state.Access
	meta     domain.MetaStore
	level    int
	interval time.Duration
	loc      *time.Location
	logger   *slog.Logger
	now      func() time.Time
}

func NewResetter(cfg ResetterConfig) *Resetter {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Hour
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Level <= 0 {
		cfg.Level = domain.DefaultDailyAllowance
	}
	return &Resetter{
		access:   cfg.Access,
		meta:     cfg.Meta,
		level:    cfg.Level,
		interval: cfg.Interval,
		loc:      cfg.Location,
		logger:   cfg.Logger,
		now:      cfg.Now,
	}
}

// Run checks for a date rollover at start and on every tick. Blocks until
// ctx is cancelled.
func (r *Resetter) Run(ctx context.Context) error {
	r.logger.Info("quota resetter started", "interval", r.interval, "level", r.level, "timezone", r.loc.String())

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		if _, err := r.Check(ctx); err != nil {
			r.logger.Error("quota reset check failed", "err", err)
		}
		select {
		case <-ctx.Done():
			r.logger.Info("quota resetter stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// Check resets the daily buckets if the date changed since the last reset
// and reports whether it did. With no record yet it stores today only.
func (r *Resetter) Check(ctx context.Context) (bool, error) {
	today := r.now().In(r.loc).Format(dateLayout)

	last, ok, err := r.meta.GetMeta(ctx, LastResetKey)
	if err != nil {
		return false, fmt.Errorf("read %s: %w", LastResetKey, err)
	}
	if !ok {
		if err := r.meta.SetMeta(ctx, LastResetKey, today); err != nil {
			return false, fmt.Errorf("store %s: %w", LastResetKey, err)
		}
		r.logger.Info("quota reset date initialised", "date", today)
		return false, nil
	}
	if last == today {
		return false, nil
	}

	if err := r.access.ResetDaily(ctx, r.level); err != nil {
		return false, err
	}
	if err := r.meta.SetMeta(ctx, LastResetKey, today); err != nil {
		return true, fmt.Errorf("store %s: %w", LastResetKey, err)
	}
	r.logger.Info("daily quota reset", "previous", last, "date", today, "level", r.level)
	return true, nil
}
