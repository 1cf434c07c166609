package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config is the root configuration of the gateway.
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Storage   StorageConfig   `json:"storage"`
	Telegram  TelegramConfig  `json:"telegram"`
	API       APIConfig       `json:"api"`
	Proxies   ProxiesConfig   `json:"proxies"`
	Probe     ProbeConfig     `json:"probe"`
	Quota     QuotaConfig     `json:"quota"`
	Context   ContextConfig   `json:"context"`
	Bus       BusConfig       `json:"bus"`
	RateLimit RateLimitConfig `json:"rateLimit"`
	Texts     TextsConfig     `json:"texts"`
}

type LoggingConfig struct {
	Level  string `json:"level"`  // debug | info | warn | error
	Format string `json:"format"` // text | json
}

type StorageConfig struct {
	Driver string `json:"driver"` // sqlite | memory
	DBPath string `json:"dbPath"`
}

type TelegramConfig struct {
	Enabled   bool           `json:"enabled"`
	Token     string         `json:"token"`
	AllowFrom FlexStringList `json:"allowFrom"` // user ids or username glob patterns; empty = everyone
	ParseMode string         `json:"parseMode"`
}

// APIConfig configures the OpenAI-compatible HTTP channel.
type APIConfig struct {
	Enabled        bool              `json:"enabled"`
	Host           string            `json:"host"`
	Port           int               `json:"port"`
	Keys           map[string]string `json:"keys,omitempty"` // bearer key -> client name
	ChargeQuota    bool              `json:"chargeQuota"`
	TimeoutSeconds int               `json:"timeoutSeconds"`
}

type ProxiesConfig struct {
	Fallback string        `json:"fallback"` // fail | random
	Catalog  string        `json:"catalog,omitempty"`
	Watch    bool          `json:"watch"`
	Items    []ProxyConfig `json:"items,omitempty"`
}

// ProxyConfig describes one backend. It is shared by the JSON config and the
// YAML catalogue.
type ProxyConfig struct {
	Name           string            `json:"name" yaml:"name"`
	Description    string            `json:"description" yaml:"description"`
	Premium        bool              `json:"premium" yaml:"premium"`
	Kind           string            `json:"kind" yaml:"kind"` // openai | anthropic | mirror | webchat
	BaseURL        string            `json:"baseUrl,omitempty" yaml:"base_url"`
	Path           string            `json:"path,omitempty" yaml:"path"`
	APIKey         string            `json:"apiKey,omitempty" yaml:"api_key"`
	Model          string            `json:"model,omitempty" yaml:"model"`
	MaxTokens      int               `json:"maxTokens,omitempty" yaml:"max_tokens"`
	TimeoutSeconds int               `json:"timeoutSeconds,omitempty" yaml:"timeout_seconds"`
	Headers        map[string]string `json:"headers,omitempty" yaml:"headers"`
	Selectors      map[string]string `json:"selectors,omitempty" yaml:"selectors"`
	ProfileDir     string            `json:"profileDir,omitempty" yaml:"profile_dir"`
}

func (p ProxyConfig) Timeout() time.Duration {
	if p.TimeoutSeconds <= 0 {
		return 120 * time.Second
	}
	return time.Duration(p.TimeoutSeconds) * time.Second
}

type ProbeConfig struct {
	IntervalSeconds int    `json:"intervalSeconds"`
	TimeoutSeconds  int    `json:"timeoutSeconds"`
	Prompt          string `json:"prompt"`
}

func (p ProbeConfig) Interval() time.Duration {
	return time.Duration(p.IntervalSeconds) * time.Second
}

func (p ProbeConfig) Timeout() time.Duration {
	return time.Duration(p.TimeoutSeconds) * time.Second
}

type QuotaConfig struct {
	InitialDaily         int    `json:"initialDaily"`
	InitialPremium       int    `json:"initialPremium"`
	DailyLevel           int    `json:"dailyLevel"`
	CheckIntervalSeconds int    `json:"checkIntervalSeconds"`
	Timezone             string `json:"timezone"`
}

func (q QuotaConfig) CheckInterval() time.Duration {
	return time.Duration(q.CheckIntervalSeconds) * time.Second
}

// Location resolves Timezone, falling back to local time.
func (q QuotaConfig) Location() *time.Location {
	if q.Timezone == "" || q.Timezone == "Local" {
		return time.Local
	}
	loc, err := time.LoadLocation(q.Timezone)
	if err != nil {
		return time.Local
	}
	return loc
}

type ContextConfig struct {
	MaxTurns int `json:"maxTurns"` // 0 = unlimited
}

type BusConfig struct {
	IsolateSubscribers bool `json:"isolateSubscribers"`
	MaxEvents          int  `json:"maxEvents"`
}

type RateLimitConfig struct {
	Enabled   bool    `json:"enabled"`
	Burst     int     `json:"burst"`
	PerMinute float64 `json:"perMinute"`
}

// TextsConfig holds every user-facing message. Fields ending in Format are
// fmt templates.
type TextsConfig struct {
	Greeting            string `json:"greeting"`
	Help                string `json:"help"`
	Cleared             string `json:"cleared"`
	NewUser             string `json:"newUser"`
	Declined            string `json:"declined"`
	Apology             string `json:"apology"`
	PremiumOverFormat   string `json:"premiumOverFormat"`
	DailyOver           string `json:"dailyOver"`
	ChooserHeader       string `json:"chooserHeader"`
	NoReadyProxies      string `json:"noReadyProxies"`
	ProxySelectedFormat string `json:"proxySelectedFormat"`
	ProxyUnavailable    string `json:"proxyUnavailable"`
	PremiumRequired     string `json:"premiumRequired"`
	Buy                 string `json:"buy"`
	StatusFormat        string `json:"statusFormat"`
	UnknownCommand      string `json:"unknownCommand"`
	InternalError       string `json:"internalError"`
	Throttled           string `json:"throttled"`
	Unauthorized        string `json:"unauthorized"`
}

// FlexStringList is a []string that also accepts numbers in JSON arrays
// (["123", 456] becomes "123", "456"), which is how Telegram ids are often written.
type FlexStringList []string

func (f *FlexStringList) UnmarshalJSON(data []byte) error {
	var ss []string
	if err := json.Unmarshal(data, &ss); err == nil {
		*f = ss
		return nil
	}
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	result := make([]string, 0, len(raw))
	for _, item := range raw {
		var s string
		if err := json.Unmarshal(item, &s); err == nil {
			result = append(result, s)
			continue
		}
		var n float64
		if err := json.Unmarshal(item, &n); err == nil {
			result = append(result, strconv.FormatInt(int64(n), 10))
			continue
		}
		result = append(result, string(item))
	}
	*f = result
	return nil
}

// DefaultConfigDir returns ~/.gptproxy.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".gptproxy"
	}
	return filepath.Join(home, ".gptproxy")
}

func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.json")
}

// LoadDotEnv loads KEY=VALUE pairs from the given files into the process
// environment. Missing files are skipped; variables already set win.
func LoadDotEnv(paths ...string) error {
	for _, p := range paths {
		if err := godotenv.Load(ExpandPath(p)); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("load %s: %w", p, err)
		}
	}
	return nil
}

func Load(path string) (*Config, error) {
	path = ExpandPath(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read config file %s: %w", path, err)
	}

	data = []byte(ExpandEnvVars(string(data)))

	cfg := Defaults()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
	}

	cfg.Storage.DBPath = ExpandPath(cfg.Storage.DBPath)
	if cfg.Proxies.Catalog != "" {
		cfg.Proxies.Catalog = ExpandPath(cfg.Proxies.Catalog)
		if !filepath.IsAbs(cfg.Proxies.Catalog) {
			cfg.Proxies.Catalog = filepath.Join(filepath.Dir(path), cfg.Proxies.Catalog)
		}
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// envVarPattern matches ${VAR} and ${VAR:-default}.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-(.*?))?\}`)

// ExpandEnvVars replaces ${VAR} with the environment value. ${VAR:-default}
// uses "default" when VAR is unset or empty; an unset VAR without default is
// left untouched.
func ExpandEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		if len(groups) < 2 {
			return match
		}
		hasDefault := len(groups) >= 3 && groups[2] != ""

		val, exists := os.LookupEnv(groups[1])
		if !exists || val == "" {
			if hasDefault {
				return groups[2]
			}
			return match
		}
		return val
	})
}

func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("cannot create config directory: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}

	return os.WriteFile(path, data, 0o600)
}

// Validate collects every problem in cfg into one error.
func Validate(cfg *Config) error {
	var errs []string

	switch cfg.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	switch cfg.Logging.Format {
	case "text", "json":
	default:
		errs = append(errs, "logging.format must be one of: text, json")
	}

	switch cfg.Storage.Driver {
	case "memory":
	case "sqlite":
		if cfg.Storage.DBPath == "" {
			errs = append(errs, "storage.dbPath is required for the sqlite driver")
		}
	default:
		errs = append(errs, "storage.driver must be one of: sqlite, memory")
	}

	if cfg.Telegram.Enabled && cfg.Telegram.Token == "" {
		errs = append(errs, "telegram.token is required when telegram is enabled")
	}

	if cfg.API.Port < 0 || cfg.API.Port > 65535 {
		errs = append(errs, "api.port must be between 0 and 65535")
	}
	if cfg.API.TimeoutSeconds < 1 {
		errs = append(errs, "api.timeoutSeconds must be >= 1")
	}

	switch cfg.Proxies.Fallback {
	case "fail", "random":
	default:
		errs = append(errs, "proxies.fallback must be one of: fail, random")
	}
	seen := make(map[string]bool)
	for i, p := range cfg.Proxies.Items {
		if p.Name == "" {
			errs = append(errs, fmt.Sprintf("proxies.items[%d]: name is required", i))
			continue
		}
		if seen[p.Name] {
			errs = append(errs, fmt.Sprintf("proxies.items[%d]: duplicate name %q", i, p.Name))
		}
		seen[p.Name] = true
		if p.Kind == "" {
			errs = append(errs, fmt.Sprintf("proxies.items[%d]: kind is required", i))
		}
	}

	if cfg.Probe.IntervalSeconds < 10 {
		errs = append(errs, "probe.intervalSeconds must be >= 10")
	}
	if cfg.Probe.TimeoutSeconds < 1 {
		errs = append(errs, "probe.timeoutSeconds must be >= 1")
	}
	if strings.TrimSpace(cfg.Probe.Prompt) == "" {
		errs = append(errs, "probe.prompt must not be empty")
	}

	if cfg.Quota.InitialDaily < 0 || cfg.Quota.InitialPremium < 0 {
		errs = append(errs, "quota.initialDaily and quota.initialPremium must be >= 0")
	}
	if cfg.Quota.DailyLevel < 1 {
		errs = append(errs, "quota.dailyLevel must be >= 1")
	}
	if cfg.Quota.CheckIntervalSeconds < 60 {
		errs = append(errs, "quota.checkIntervalSeconds must be >= 60")
	}
	if tz := cfg.Quota.Timezone; tz != "" && tz != "Local" {
		if _, err := time.LoadLocation(tz); err != nil {
			errs = append(errs, fmt.Sprintf("quota.timezone: %v", err))
		}
	}

	if cfg.Context.MaxTurns < 0 {
		errs = append(errs, "context.maxTurns must be >= 0")
	}
	if cfg.Bus.MaxEvents < 0 {
		errs = append(errs, "bus.maxEvents must be >= 0")
	}
	if cfg.RateLimit.Enabled && (cfg.RateLimit.Burst < 1 || cfg.RateLimit.PerMinute <= 0) {
		errs = append(errs, "rateLimit.burst must be >= 1 and rateLimit.perMinute > 0")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// ExpandPath resolves a leading ~/ to the user's home directory.
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
