package main

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fizteh95/tg-gpt-proxy/internal/config"
	"github.com/fizteh95/tg-gpt-proxy/internal/domain"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
}

func TestBackupRoundTrip(t *testing.T) {
	src := t.TempDir()
	cfgPath := filepath.Join(src, "config.json")
	dbPath := filepath.Join(src, "gptproxy.db")
	catalog := filepath.Join(src, "proxies.yaml")
	writeFile(t, cfgPath, `{"logging":{}}`)
	writeFile(t, dbPath, "db")
	writeFile(t, dbPath+"-wal", "wal")
	writeFile(t, catalog, "proxies: []")

	cfg := config.Defaults()
	cfg.Storage.Driver = "sqlite"
	cfg.Storage.DBPath = dbPath
	cfg.Proxies.Catalog = catalog

	files := backupFiles(cfgPath, cfg)
	assert.Equal(t, []string{dbPath, dbPath + "-wal", cfgPath, catalog}, files)

	archive := filepath.Join(t.TempDir(), "backup.tar.gz")
	require.NoError(t, createTarGz(archive, files))

	dst := t.TempDir()
	restoredCfg := filepath.Join(dst, "config.json")
	restoredDB := filepath.Join(dst, "data", "state.db")
	restored, err := extractTarGz(archive, restoredDB, restoredCfg)
	require.NoError(t, err)
	assert.Len(t, restored, 4)

	data, err := os.ReadFile(restoredDB)
	require.NoError(t, err)
	assert.Equal(t, "db", string(data))
	data, err = os.ReadFile(restoredDB + "-wal")
	require.NoError(t, err)
	assert.Equal(t, "wal", string(data))
	data, err = os.ReadFile(filepath.Join(dst, "proxies.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "proxies: []", string(data))
}

func TestBackupFiles_MemoryDriverSkipsDatabase(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.json")
	writeFile(t, cfgPath, "{}")

	cfg := config.Defaults()
	cfg.Storage.Driver = "memory"
	cfg.Storage.DBPath = filepath.Join(dir, "missing.db")

	assert.Equal(t, []string{cfgPath}, backupFiles(cfgPath, cfg))
}

func TestExtractRejectsNonGzip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "plain.tar.gz")
	writeFile(t, path, "not gzip")
	_, err := extractTarGz(path, "x.db", "config.json")
	assert.Error(t, err)
}

func TestHumanSize(t *testing.T) {
	assert.Equal(t, "512 B", humanSize(512))
	assert.Equal(t, "1.5 KB", humanSize(1536))
	assert.Equal(t, "2.0 MB", humanSize(2<<20))
	assert.Equal(t, "1.0 GB", humanSize(1<<30))
}

func TestParseChannelKind(t *testing.T) {
	k, err := parseChannelKind("Telegram")
	require.NoError(t, err)
	assert.Equal(t, domain.ChannelTelegram, k)

	k, err = parseChannelKind("api")
	require.NoError(t, err)
	assert.Equal(t, domain.ChannelAPI, k)

	_, err = parseChannelKind("discord")
	assert.Error(t, err)
}

func TestNewLogger(t *testing.T) {
	l := newLogger(config.LoggingConfig{Level: "warn", Format: "json"})
	assert.False(t, l.Enabled(t.Context(), slog.LevelInfo))
	assert.True(t, l.Enabled(t.Context(), slog.LevelWarn))

	l = newLogger(config.LoggingConfig{Level: "debug", Format: "text"})
	assert.True(t, l.Enabled(t.Context(), slog.LevelDebug))
}

func TestLoadRegistry_EmptyRefusesToStart(t *testing.T) {
	logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	cfg := config.Defaults()
	cfg.Proxies.Items = nil
	cfg.Proxies.Catalog = ""

	_, _, err := loadRegistry(cfg)
	assert.ErrorIs(t, err, domain.ErrNoProxies)
}

func TestLoadRegistry_ProxiesStartNotReady(t *testing.T) {
	logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	cfg := config.Defaults()
	cfg.Proxies.Catalog = ""
	cfg.Proxies.Items = []config.ProxyConfig{
		{Name: "echo", Kind: "mirror", BaseURL: "http://127.0.0.1:1"},
	}

	registry, loader, err := loadRegistry(cfg)
	require.NoError(t, err)
	require.NotNil(t, loader)
	assert.Equal(t, []string{"echo"}, registry.Names())
	assert.False(t, registry.Ready("echo"))
}
