// Package proxy keeps the set of text-generation backends and their
// readiness, and builds backends from configuration.
package proxy

import (
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"sync/atomic"

	"github.com/fizteh95/tg-gpt-proxy/internal/domain"
	"github.com/fizteh95/tg-gpt-proxy/internal/metrics"
)

// Fallback decides what Default returns when no proxy is ready.
type Fallback string

const (
	FallbackFail   Fallback = "fail"
	FallbackRandom Fallback = "random"
)

type entry struct {
	proxy domain.Proxy
	ready atomic.Bool
}

type RegistryConfig struct {
	Fallback Fallback
	Logger   *slog.Logger
	// Intn picks the fallback index; defaults to math/rand.
	Intn func(n int) int
}

// Registry is the named set of proxies in registration order. Readiness of
// each proxy is updated atomically and independently of the set itself.
type Registry struct {
	mu       sync.RWMutex
	entries  []*entry
	byName   map[string]*entry
	fallback Fallback
	intn     func(n int) int
	logger   *slog.Logger
}

func NewRegistry(cfg RegistryConfig) *Registry {
	if cfg.Fallback == "" {
		cfg.Fallback = FallbackFail
	}
	if cfg.Intn == nil {
		cfg.Intn = rand.IntN
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Registry{
		byName:   make(map[string]*entry),
		fallback: cfg.Fallback,
		intn:     cfg.Intn,
		logger:   cfg.Logger,
	}
}

// Register adds p as not ready.
func (r *Registry) Register(p domain.Proxy) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.byName[p.Name()]; ok {
		return fmt.Errorf("register %s: %w", p.Name(), domain.ErrDuplicateProxy)
	}
	e := &entry{proxy: p}
	r.entries = append(r.entries, e)
	r.byName[p.Name()] = e
	metrics.ProxyReady(p.Name()).SetBool(false)
	return nil
}

// Replace swaps the whole set. Names present before and after keep their
// readiness; new names start not ready.
func (r *Registry) Replace(proxies []domain.Proxy) error {
	seen := make(map[string]bool, len(proxies))
	for _, p := range proxies {
		if seen[p.Name()] {
			return fmt.Errorf("replace: %s: %w", p.Name(), domain.ErrDuplicateProxy)
		}
		seen[p.Name()] = true
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	entries := make([]*entry, 0, len(proxies))
	byName := make(map[string]*entry, len(proxies))
	for _, p := range proxies {
		e := &entry{proxy: p}
		if old, ok := r.byName[p.Name()]; ok {
			e.ready.Store(old.ready.Load())
		}
		entries = append(entries, e)
		byName[p.Name()] = e
		metrics.ProxyReady(p.Name()).SetBool(e.ready.Load())
	}
	for name := range r.byName {
		if !seen[name] {
			metrics.ProxyReady(name).SetBool(false)
		}
	}
	r.entries = entries
	r.byName = byName
	r.logger.Info("proxy set replaced", "count", len(entries))
	return nil
}

// List describes the proxies in registration order.
func (r *Registry) List(onlyReady bool) []domain.ProxyInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]domain.ProxyInfo, 0, len(r.entries))
	for _, e := range r.entries {
		ready := e.ready.Load()
		if onlyReady && !ready {
			continue
		}
		info := domain.InfoOf(e.proxy)
		info.Ready = ready
		out = append(out, info)
	}
	return out
}

// Proxies returns the registered proxies in order.
func (r *Registry) Proxies() []domain.Proxy {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.Proxy, len(r.entries))
	for i, e := range r.entries {
		out[i] = e.proxy
	}
	return out
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.entries))
	for i, e := range r.entries {
		out[i] = e.proxy.Name()
	}
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

func (r *Registry) ByName(name string) (domain.Proxy, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.byName[name]
	if !ok {
		return nil, fmt.Errorf("proxy %q: %w", name, domain.ErrNotFound)
	}
	return e.proxy, nil
}

// Default returns the first ready non-premium proxy. With none ready the
// fallback policy applies.
func (r *Registry) Default() (domain.Proxy, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(r.entries) == 0 {
		return nil, domain.ErrNoProxies
	}
	for _, e := range r.entries {
		if e.ready.Load() && !e.proxy.Premium() {
			return e.proxy, nil
		}
	}
	if r.fallback == FallbackRandom {
		return r.entries[r.intn(len(r.entries))].proxy, nil
	}
	return nil, domain.ErrNoReadyProxy
}

// SetReady records the readiness of name. It returns false for unknown names.
func (r *Registry) SetReady(name string, ready bool) bool {
	r.mu.RLock()
	e, ok := r.byName[name]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	if prev := e.ready.Swap(ready); prev != ready {
		r.logger.Info("proxy readiness changed", "proxy", name, "ready", ready)
	}
	metrics.ProxyReady(name).SetBool(ready)
	return true
}

func (r *Registry) Ready(name string) bool {
	r.mu.RLock()
	e, ok := r.byName[name]
	r.mu.RUnlock()
	return ok && e.ready.Load()
}
