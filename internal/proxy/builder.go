package proxy

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/fizteh95/tg-gpt-proxy/internal/config"
	"github.com/fizteh95/tg-gpt-proxy/internal/domain"
)

// Definition describes one configured backend.
type Definition = config.ProxyConfig

// Constructor builds a backend from its definition.
type Constructor func(def Definition, logger *slog.Logger) (domain.Proxy, error)

// Builder maps backend kinds to constructors.
type Builder struct {
	mu           sync.RWMutex
	constructors map[string]Constructor
	logger       *slog.Logger
}

// NewBuilder returns a builder with the built-in kinds registered.
func NewBuilder(logger *slog.Logger) *Builder {
	if logger == nil {
		logger = slog.Default()
	}
	b := &Builder{
		constructors: make(map[string]Constructor),
		logger:       logger,
	}
	b.registerDefaults()
	return b
}

func (b *Builder) registerDefaults() {
	b.constructors["openai"] = func(def Definition, logger *slog.Logger) (domain.Proxy, error) {
		return NewOpenAI(def, logger)
	}
	b.constructors["anthropic"] = func(def Definition, logger *slog.Logger) (domain.Proxy, error) {
		return NewAnthropic(def, logger)
	}
	b.constructors["mirror"] = func(def Definition, logger *slog.Logger) (domain.Proxy, error) {
		return NewMirror(def, logger)
	}
	b.constructors["webchat"] = func(def Definition, logger *slog.Logger) (domain.Proxy, error) {
		return NewWebChat(def, logger)
	}
}

// RegisterConstructor adds or replaces the constructor of kind.
func (b *Builder) RegisterConstructor(kind string, ctor Constructor) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.constructors[kind] = ctor
}

func (b *Builder) Kinds() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	kinds := make([]string, 0, len(b.constructors))
	for k := range b.constructors {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

// Build instantiates every definition in order. Any failure aborts the
// whole set.
func (b *Builder) Build(defs []Definition) ([]domain.Proxy, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	seen := make(map[string]bool, len(defs))
	out := make([]domain.Proxy, 0, len(defs))
	for _, def := range defs {
		if def.Name == "" {
			return nil, fmt.Errorf("proxy definition without name (kind %q)", def.Kind)
		}
		if seen[def.Name] {
			return nil, fmt.Errorf("proxy %s: %w", def.Name, domain.ErrDuplicateProxy)
		}
		seen[def.Name] = true

		ctor, ok := b.constructors[def.Kind]
		if !ok {
			return nil, fmt.Errorf("proxy %s: unknown kind %q", def.Name, def.Kind)
		}
		p, err := ctor(def, b.logger.With("proxy", def.Name))
		if err != nil {
			return nil, fmt.Errorf("proxy %s: %w", def.Name, err)
		}
		out = append(out, p)
	}
	return out, nil
}

// base carries the descriptive half of domain.Proxy for the backends.
type base struct {
	name        string
	description string
	premium     bool
}

func baseOf(def Definition) base {
	return base{name: def.Name, description: def.Description, premium: def.Premium}
}

func (b base) Name() string        { return b.name }
func (b base) Description() string { return b.description }
func (b base) Premium() bool       { return b.premium }
