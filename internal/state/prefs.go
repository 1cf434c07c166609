package state

import (
	"context"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/fizteh95/tg-gpt-proxy/internal/domain"
)

const defaultPrefCacheSize = 4096

// Preferences stores the sticky proxy choice per identity behind an LRU
// cache. Writes go through to the store before the cache is updated.
type Preferences struct {
	store domain.PreferenceStore
	cache *lru.Cache[string, string]
}

func NewPreferences(store domain.PreferenceStore, cacheSize int) (*Preferences, error) {
	if cacheSize <= 0 {
		cacheSize = defaultPrefCacheSize
	}
	cache, err := lru.New[string, string](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("preference cache: %w", err)
	}
	return &Preferences{store: store, cache: cache}, nil
}

// ProxyName returns the chosen proxy of id, or "" when there is none.
func (p *Preferences) ProxyName(ctx context.Context, id domain.Identity) (string, error) {
	if name, ok := p.cache.Get(id.Key()); ok {
		return name, nil
	}
	name, err := p.store.GetProxyName(ctx, id)
	if err != nil {
		return "", fmt.Errorf("get preference %s: %w", id, err)
	}
	p.cache.Add(id.Key(), name)
	return name, nil
}

func (p *Preferences) SetProxyName(ctx context.Context, id domain.Identity, name string) error {
	if err := p.store.SetProxyName(ctx, id, name); err != nil {
		return fmt.Errorf("set preference %s: %w", id, err)
	}
	p.cache.Add(id.Key(), name)
	return nil
}
