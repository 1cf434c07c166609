package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/fizteh95/tg-gpt-proxy/internal/config"
	"github.com/fizteh95/tg-gpt-proxy/internal/domain"
	"github.com/fizteh95/tg-gpt-proxy/internal/memory"
	"github.com/fizteh95/tg-gpt-proxy/internal/proxy"
)

var (
	version    = "0.1.0"
	logger     *slog.Logger
	configPath string // overridable via --config flag
	envFile    string
)

func main() {
	logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	root := &cobra.Command{
		Use:   "gptproxy",
		Short: "gptproxy: chat gateway in front of interchangeable language models",
		Long: `gptproxy relays Telegram chats and OpenAI-compatible HTTP requests to a
set of configured model backends, with per-user quotas and liveness probing.`,
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config.json (default: ~/.gptproxy/config.json)")
	root.PersistentFlags().StringVar(&envFile, "env", "", "path to a .env file (default: ./.env and ~/.gptproxy/.env)")

	root.AddCommand(initCmd())
	root.AddCommand(gatewayCmd())
	root.AddCommand(statusCmd())
	root.AddCommand(probeCmd())
	root.AddCommand(grantCmd())
	root.AddCommand(loginCmd())
	root.AddCommand(configCmd())
	root.AddCommand(doctorCmd())
	root.AddCommand(backupCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func initCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			if _, err := os.Stat(cfgPath); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", cfgPath)
			}
			if err := os.MkdirAll(filepath.Dir(cfgPath), 0o755); err != nil {
				return err
			}
			if err := config.Save(cfgPath, config.Defaults()); err != nil {
				return err
			}
			logger.Info("initialized", "config", cfgPath)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config file")
	return cmd
}

// resolveConfigPath returns the config path from --config flag or default.
func resolveConfigPath() string {
	if configPath != "" {
		return config.ExpandPath(configPath)
	}
	return config.DefaultConfigPath()
}

// loadConfig reads .env files first so the config can reference their
// variables, then loads and validates the config and switches the global
// logger to the configured level and format.
func loadConfig() (*config.Config, error) {
	envPaths := []string{".env", filepath.Join(config.DefaultConfigDir(), ".env")}
	if envFile != "" {
		envPaths = []string{config.ExpandPath(envFile)}
	}
	if err := config.LoadDotEnv(envPaths...); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}

	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	logger = newLogger(cfg.Logging)
	slog.SetDefault(logger)
	return cfg, nil
}

func newLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

func openStore(cfg *config.Config) (domain.Store, error) {
	switch cfg.Storage.Driver {
	case "memory":
		logger.Warn("using in-memory storage, state is lost on exit")
		return memory.NewMemStore(), nil
	default:
		store, err := memory.NewSQLiteStore(cfg.Storage.DBPath, logger)
		if err != nil {
			return nil, fmt.Errorf("open store: %w", err)
		}
		return store, nil
	}
}

// loadRegistry builds every configured proxy into a fresh registry. All
// proxies start not ready until probed.
func loadRegistry(cfg *config.Config) (*proxy.Registry, *proxy.Loader, error) {
	registry := proxy.NewRegistry(proxy.RegistryConfig{
		Fallback: proxy.Fallback(cfg.Proxies.Fallback),
		Logger:   logger.With("component", "registry"),
	})
	loader := &proxy.Loader{
		Config:   cfg.Proxies,
		Builder:  proxy.NewBuilder(logger),
		Registry: registry,
		Logger:   logger.With("component", "catalogue"),
	}
	n, err := loader.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("load proxies: %w", err)
	}
	if n == 0 {
		return nil, nil, domain.ErrNoProxies
	}
	return registry, loader, nil
}

func parseChannelKind(s string) (domain.ChannelKind, error) {
	switch strings.ToLower(s) {
	case "telegram", "tg":
		return domain.ChannelTelegram, nil
	case "api":
		return domain.ChannelAPI, nil
	default:
		return "", errors.New("channel kind must be telegram or api")
	}
}
