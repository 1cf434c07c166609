package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/fizteh95/tg-gpt-proxy/internal/config"
	"github.com/fizteh95/tg-gpt-proxy/internal/domain"
	"github.com/fizteh95/tg-gpt-proxy/internal/loop"
	"github.com/fizteh95/tg-gpt-proxy/internal/proxy"
	"github.com/fizteh95/tg-gpt-proxy/internal/state"
)

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show configured channels, storage and proxies",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			defs, err := proxy.Definitions(cfg.Proxies)
			if err != nil {
				return err
			}

			fmt.Printf("gptproxy v%s\n", version)
			fmt.Printf("config:   %s\n", resolveConfigPath())
			fmt.Printf("storage:  %s %s\n", cfg.Storage.Driver, cfg.Storage.DBPath)
			fmt.Printf("telegram: %s\n", onOff(cfg.Telegram.Enabled))
			fmt.Printf("api:      %s", onOff(cfg.API.Enabled))
			if cfg.API.Enabled {
				fmt.Printf(" (%s:%d, %d keys)", cfg.API.Host, cfg.API.Port, len(cfg.API.Keys))
			}
			fmt.Println()
			fmt.Printf("fallback: %s\n\n", cfg.Proxies.Fallback)

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "PROXY\tKIND\tPREMIUM\tDESCRIPTION")
			for _, d := range defs {
				fmt.Fprintf(w, "%s\t%s\t%t\t%s\n", d.Name, d.Kind, d.Premium, d.Description)
			}
			return w.Flush()
		},
	}
}

func probeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "probe",
		Short: "Probe every configured proxy once and print the result",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			registry, _, err := loadRegistry(cfg)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			prober := loop.NewProber(loop.ProberConfig{
				Registry: registry,
				Timeout:  cfg.Probe.Timeout(),
				Prompt:   cfg.Probe.Prompt,
				Logger:   logger.With("component", "prober"),
			})
			results := prober.RunOnce(ctx)

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "PROXY\tREADY\tTIME\tERROR")
			ready := 0
			for _, r := range results {
				errText := ""
				if r.Err != nil {
					errText = r.Err.Error()
				} else {
					ready++
				}
				fmt.Fprintf(w, "%s\t%t\t%s\t%s\n", r.Name, r.Ready, r.Duration.Round(time.Millisecond), errText)
			}
			if err := w.Flush(); err != nil {
				return err
			}
			if ready == 0 {
				return domain.ErrNoReadyProxy
			}
			return nil
		},
	}
}

func grantCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "grant <telegram|api> <id> <count>",
		Short: "Add premium requests to an account",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, err := parseChannelKind(args[0])
			if err != nil {
				return err
			}
			n, err := strconv.Atoi(args[2])
			if err != nil || n <= 0 {
				return fmt.Errorf("count must be a positive integer, got %q", args[2])
			}

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			store, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			access := state.NewAccess(state.AccessConfig{
				Store:   store,
				Initial: domain.Account{Daily: cfg.Quota.InitialDaily, Premium: cfg.Quota.InitialPremium},
				Logger:  logger,
			})
			id := domain.NewIdentity(kind, args[1])
			acc, err := access.AddPremium(cmd.Context(), id, n)
			if err != nil {
				return fmt.Errorf("grant %s: %w", id.Key(), err)
			}
			fmt.Printf("%s: daily %d, premium %d\n", id.Key(), acc.Daily, acc.Premium)
			return nil
		},
	}
}

func loginCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "login <proxy>",
		Short: "Open a browser to log in to a webchat proxy",
		Long:  "Opens a visible Chrome window on the proxy's chat page. The session is kept in the proxy's profile directory for later headless use.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			defs, err := proxy.Definitions(cfg.Proxies)
			if err != nil {
				return err
			}
			def, ok := findDefinition(defs, args[0])
			if !ok {
				return fmt.Errorf("unknown proxy: %s", args[0])
			}
			if def.Kind != "webchat" {
				return fmt.Errorf("proxy %s is %s and does not support browser login", def.Name, def.Kind)
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			wc, err := proxy.NewWebChat(def, logger)
			if err != nil {
				return err
			}
			fmt.Println("Log in in the opened window, then press Ctrl+C.")
			return wc.Login(ctx)
		},
	}
}

func findDefinition(defs []proxy.Definition, name string) (config.ProxyConfig, bool) {
	for _, d := range defs {
		if d.Name == name {
			return d, true
		}
	}
	return config.ProxyConfig{}, false
}

func onOff(b bool) string {
	if b {
		return "enabled"
	}
	return "disabled"
}
