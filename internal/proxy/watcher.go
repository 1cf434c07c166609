package proxy

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/fizteh95/tg-gpt-proxy/internal/config"
	"github.com/fizteh95/tg-gpt-proxy/internal/metrics"
)

// Loader builds the configured proxies and installs them in a registry.
type Loader struct {
	Config   config.ProxiesConfig
	Builder  *Builder
	Registry *Registry
	Logger   *slog.Logger
}

// Load rebuilds the proxy set and replaces the registry contents. On any
// error the registry is left untouched.
func (l *Loader) Load() (int, error) {
	defs, err := Definitions(l.Config)
	if err != nil {
		return 0, err
	}
	proxies, err := l.Builder.Build(defs)
	if err != nil {
		return 0, err
	}
	if err := l.Registry.Replace(proxies); err != nil {
		return 0, err
	}
	return len(proxies), nil
}

const defaultDebounce = 500 * time.Millisecond

// Watcher reloads the catalogue when its file changes.
type Watcher struct {
	loader   *Loader
	path     string
	debounce time.Duration
	logger   *slog.Logger
}

func NewWatcher(loader *Loader, debounce time.Duration) *Watcher {
	if debounce <= 0 {
		debounce = defaultDebounce
	}
	logger := loader.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		loader:   loader,
		path:     filepath.Clean(loader.Config.Catalog),
		debounce: debounce,
		logger:   logger,
	}
}

// Run watches until ctx is done. The parent directory is watched because
// editors usually replace the file instead of writing it in place.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer fw.Close()

	if err := fw.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("watch %s: %w", w.path, err)
	}
	w.logger.Info("watching proxy catalogue", "path", w.path)

	var timer *time.Timer
	var fire <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != w.path {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			fire = timer.C
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("catalogue watcher error", "err", err)
		case <-fire:
			fire = nil
			w.reload()
		}
	}
}

func (w *Watcher) reload() {
	n, err := w.loader.Load()
	if err != nil {
		w.logger.Error("catalogue reload failed, keeping current proxies", "path", w.path, "err", err)
		return
	}
	metrics.CatalogReloads.Inc()
	w.logger.Info("catalogue reloaded", "path", w.path, "proxies", n)
}
