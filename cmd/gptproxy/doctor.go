package main

import (
	"context"
	"database/sql"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/fizteh95/tg-gpt-proxy/internal/config"
	"github.com/fizteh95/tg-gpt-proxy/internal/memory"
	"github.com/fizteh95/tg-gpt-proxy/internal/proxy"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Run diagnostic checks on your gptproxy installation",
		Long: `Verifies that the configuration, database, proxy catalogue and
channel settings are correctly set up. Reports pass/fail for each check.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			fmt.Printf("gptproxy doctor v%s\n", version)
			fmt.Printf("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n\n")

			passed, warned, failed := 0, 0, 0

			if _, err := os.Stat(cfgPath); err != nil {
				printFail("Config file", fmt.Sprintf("not found at %s", cfgPath))
				fmt.Printf("\nRun 'gptproxy init' to create a default configuration.\n")
				return nil
			}
			printPass("Config file", cfgPath)
			passed++

			if err := config.LoadDotEnv(".env", filepath.Join(config.DefaultConfigDir(), ".env")); err != nil {
				printWarn("Env file", err.Error())
				warned++
			}
			cfg, err := config.Load(cfgPath)
			if err != nil {
				printFail("Config validation", err.Error())
				fmt.Printf("\n%d passed, %d failed\n", passed, failed+1)
				return fmt.Errorf("config invalid")
			}
			printPass("Config validation", "valid")
			passed++

			if cfg.Storage.Driver == "sqlite" {
				if schema, err := checkDatabase(cfg.Storage.DBPath); err != nil {
					printFail("Database", err.Error())
					failed++
				} else {
					printPass("Database", fmt.Sprintf("%s (schema v%d)", cfg.Storage.DBPath, schema))
					passed++
				}
			} else {
				printWarn("Database", "in-memory storage, state is lost on exit")
				warned++
			}

			defs, err := proxy.Definitions(cfg.Proxies)
			switch {
			case err != nil:
				printFail("Proxy catalogue", err.Error())
				failed++
			case len(defs) == 0:
				printFail("Proxies", "no proxies configured")
				failed++
			default:
				if _, err := proxy.NewBuilder(logger).Build(defs); err != nil {
					printFail("Proxies", err.Error())
					failed++
				} else {
					printPass("Proxies", fmt.Sprintf("%d configured", len(defs)))
					passed++
				}
				free := 0
				for _, d := range defs {
					if !d.Premium {
						free++
					}
				}
				if free == 0 {
					printWarn("Free proxies", "none configured, accounts without premium cannot chat")
					warned++
				}
			}

			if !cfg.Telegram.Enabled && !cfg.API.Enabled {
				printFail("Channels", "neither telegram nor api is enabled")
				failed++
			}
			if cfg.Telegram.Enabled {
				if len(cfg.Telegram.AllowFrom) == 0 {
					printWarn("Telegram", "enabled, open to everyone")
					warned++
				} else {
					printPass("Telegram", fmt.Sprintf("enabled, %d allow entries", len(cfg.Telegram.AllowFrom)))
					passed++
				}
			}
			if cfg.API.Enabled {
				addr := net.JoinHostPort(cfg.API.Host, strconv.Itoa(cfg.API.Port))
				if err := checkPort(addr); err != nil {
					printWarn("API port", fmt.Sprintf("%s may be in use: %v", addr, err))
					warned++
				} else {
					printPass("API port", addr+" available")
					passed++
				}
				if len(cfg.API.Keys) == 0 {
					printWarn("API keys", "none configured, authentication disabled")
					warned++
				}
			}

			fmt.Printf("\n━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n")
			fmt.Printf("Results: %d passed, %d warnings, %d failed\n", passed, warned, failed)
			if failed > 0 {
				fmt.Printf("\nPlease fix the failed checks before starting the gateway.\n")
				return fmt.Errorf("%d check(s) failed", failed)
			}
			if warned == 0 {
				fmt.Printf("\nAll checks passed! gptproxy is ready to run.\n")
			}
			return nil
		},
	}
}

// checkDatabase opens the database, applies pending migrations and checks
// that it is writable. It returns the schema version.
func checkDatabase(dbPath string) (int, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return 0, fmt.Errorf("cannot create database directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return 0, fmt.Errorf("cannot open: %w", err)
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		return 0, fmt.Errorf("cannot ping: %w", err)
	}
	if _, err := db.ExecContext(ctx, "CREATE TABLE IF NOT EXISTS _doctor_test (id INTEGER PRIMARY KEY)"); err != nil {
		return 0, fmt.Errorf("not writable: %w", err)
	}
	_, _ = db.ExecContext(ctx, "DROP TABLE IF EXISTS _doctor_test")

	if err := memory.RunMigrations(db, logger); err != nil {
		return 0, err
	}
	return memory.GetSchemaVersion(db)
}

func checkPort(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return ln.Close()
}

func printPass(check, detail string) {
	fmt.Printf("  [PASS] %-20s %s\n", check, detail)
}

func printFail(check, detail string) {
	fmt.Printf("  [FAIL] %-20s %s\n", check, detail)
}

func printWarn(check, detail string) {
	fmt.Printf("  [WARN] %-20s %s\n", check, detail)
}
