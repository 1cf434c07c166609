package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/fizteh95/tg-gpt-proxy/internal/bus"
	"github.com/fizteh95/tg-gpt-proxy/internal/channel"
	"github.com/fizteh95/tg-gpt-proxy/internal/domain"
	"github.com/fizteh95/tg-gpt-proxy/internal/loop"
	"github.com/fizteh95/tg-gpt-proxy/internal/pipeline"
	"github.com/fizteh95/tg-gpt-proxy/internal/proxy"
	"github.com/fizteh95/tg-gpt-proxy/internal/ratelimit"
	"github.com/fizteh95/tg-gpt-proxy/internal/state"
)

const preferenceCacheSize = 1024

func gatewayCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "gateway",
		Short: "Start the gateway (Telegram + API + background loops)",
		Long:  "Starts all enabled channels, the liveness prober and the daily quota resetter. Press Ctrl+C to stop.",
		RunE:  runGateway,
	}
}

func runGateway(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if !cfg.Telegram.Enabled && !cfg.API.Enabled {
		return errors.New("no channel enabled: set telegram.enabled or api.enabled")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	registry, loader, err := loadRegistry(cfg)
	if err != nil {
		return fmt.Errorf("refusing to start: %w", err)
	}
	logger.Info("proxies loaded", "names", registry.Names())

	locks := state.NewKeyLock()
	access := state.NewAccess(state.AccessConfig{
		Store: store,
		Locks: locks,
		Initial: domain.Account{
			Daily:   cfg.Quota.InitialDaily,
			Premium: cfg.Quota.InitialPremium,
		},
		Logger: logger.With("component", "access"),
	})
	history := state.NewHistory(store, locks, cfg.Context.MaxTurns)
	prefs, err := state.NewPreferences(store, preferenceCacheSize)
	if err != nil {
		return fmt.Errorf("preferences: %w", err)
	}

	messageBus := bus.New(bus.Options{
		Isolate:   cfg.Bus.IsolateSubscribers,
		MaxEvents: cfg.Bus.MaxEvents,
		Logger:    logger.With("component", "bus"),
	})
	pipeline.Register(messageBus, pipeline.Deps{
		Registry:    registry,
		Access:      access,
		History:     history,
		Preferences: prefs,
		Texts:       cfg.Texts,
		ChargeAPI:   cfg.API.ChargeQuota,
		Logger:      logger,
	})

	g, gctx := errgroup.WithContext(ctx)

	var channels []domain.Channel
	if cfg.Telegram.Enabled {
		var limiter *ratelimit.Limiter
		if cfg.RateLimit.Enabled {
			limiter = ratelimit.New(cfg.RateLimit.Burst, cfg.RateLimit.PerMinute)
		}
		tg, err := channel.NewTelegram(channel.TelegramConfig{
			Token:     cfg.Telegram.Token,
			AllowFrom: cfg.Telegram.AllowFrom,
			ParseMode: cfg.Telegram.ParseMode,
			Bus:       messageBus,
			Store:     store,
			Limiter:   limiter,
			Texts:     cfg.Texts,
			Logger:    logger.With("channel", "telegram"),
		})
		if err != nil {
			return err
		}
		messageBus.Register("telegram_sender", tg.Sender())
		channels = append(channels, tg)
	}
	if cfg.API.Enabled {
		api := channel.NewAPI(channel.APIConfig{
			Host:     cfg.API.Host,
			Port:     cfg.API.Port,
			Keys:     cfg.API.Keys,
			Timeout:  time.Duration(cfg.API.TimeoutSeconds) * time.Second,
			Bus:      messageBus,
			Registry: registry,
			Logger:   logger.With("channel", "api"),
		})
		messageBus.Register("api", api)
		channels = append(channels, api)
	}

	prober := loop.NewProber(loop.ProberConfig{
		Registry: registry,
		Bus:      messageBus,
		Interval: cfg.Probe.Interval(),
		Timeout:  cfg.Probe.Timeout(),
		Prompt:   cfg.Probe.Prompt,
		Logger:   logger.With("component", "prober"),
	})
	// Every proxy starts not ready, so the first cycle runs before any
	// channel accepts traffic.
	ready := 0
	for _, r := range prober.RunOnce(ctx) {
		if r.Ready {
			ready++
		}
	}
	if ready == 0 {
		logger.Warn("no proxy passed the first probe, requests fail until one recovers")
	}
	g.Go(func() error { return prober.Tick(gctx) })

	for _, ch := range channels {
		g.Go(func() error {
			if err := ch.Start(gctx); err != nil {
				return fmt.Errorf("channel %s: %w", ch.Name(), err)
			}
			return nil
		})
	}

	resetter := loop.NewResetter(loop.ResetterConfig{
		Access:   access,
		Meta:     store,
		Level:    cfg.Quota.DailyLevel,
		Interval: cfg.Quota.CheckInterval(),
		Location: cfg.Quota.Location(),
		Logger:   logger.With("component", "resetter"),
	})
	g.Go(func() error { return resetter.Run(gctx) })

	if cfg.Proxies.Watch && cfg.Proxies.Catalog != "" {
		watcher := proxy.NewWatcher(loader, 0)
		g.Go(func() error { return watcher.Run(gctx) })
	}

	logger.Info("gateway started",
		"version", version,
		"telegram", cfg.Telegram.Enabled,
		"api", cfg.API.Enabled,
		"subscribers", len(messageBus.Subscribers()),
	)

	err = g.Wait()
	for _, ch := range channels {
		if stopErr := ch.Stop(); stopErr != nil {
			logger.Warn("channel stop failed", "channel", ch.Name(), "err", stopErr)
		}
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("gateway stopped")
	return nil
}
