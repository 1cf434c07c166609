package memory

import (
	"context"
	"sync"
	"time"

	"github.com/fizteh95/tg-gpt-proxy/internal/domain"
)

// MemStore is a process-local domain.Store. Contents are lost on exit.
type MemStore struct {
	mu       sync.Mutex
	users    map[string]domain.Sender
	contexts map[string]domain.Context
	accounts map[string]domain.Account
	prefs    map[string]string
	outbound map[string][]domain.OutboundRecord // oldest first
	meta     map[string]string
}

var _ domain.Store = (*MemStore)(nil)

func NewMemStore() *MemStore {
	return &MemStore{
		users:    make(map[string]domain.Sender),
		contexts: make(map[string]domain.Context),
		accounts: make(map[string]domain.Account),
		prefs:    make(map[string]string),
		outbound: make(map[string][]domain.OutboundRecord),
		meta:     make(map[string]string),
	}
}

func (m *MemStore) Close() error { return nil }

func (m *MemStore) GetContext(_ context.Context, id domain.Identity) (domain.Context, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.contexts[id.Key()].Clone(), nil
}

func (m *MemStore) SaveContext(_ context.Context, id domain.Identity, c domain.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.contexts[id.Key()] = c.Clone()
	return nil
}

func (m *MemStore) ClearContext(_ context.Context, id domain.Identity) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.contexts, id.Key())
	return nil
}

func (m *MemStore) GetAccount(_ context.Context, id domain.Identity) (domain.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accounts[id.Key()]
	if !ok {
		return domain.Account{}, domain.ErrNotFound
	}
	return a, nil
}

func (m *MemStore) SetAccount(_ context.Context, id domain.Identity, a domain.Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.accounts[id.Key()] = a
	return nil
}

func (m *MemStore) ResetDailyForAll(_ context.Context, level int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, a := range m.accounts {
		a.Daily = level
		m.accounts[k] = a
	}
	return nil
}

func (m *MemStore) GetProxyName(_ context.Context, id domain.Identity) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.prefs[id.Key()], nil
}

func (m *MemStore) SetProxyName(_ context.Context, id domain.Identity, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prefs[id.Key()] = name
	return nil
}

func (m *MemStore) SaveSentMessage(_ context.Context, rec domain.OutboundRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	key := rec.Identity.Key()
	m.outbound[key] = append(m.outbound[key], rec)
	return nil
}

func (m *MemStore) MarkPushed(_ context.Context, id domain.Identity, tag string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	recs := m.outbound[id.Key()]
	for i := range recs {
		if recs[i].Tag == tag {
			recs[i].Pushed = true
		}
	}
	return nil
}

func (m *MemStore) FindPendingEdit(_ context.Context, id domain.Identity) (domain.OutboundRecord, bool, error) {
	return m.latest(id, func(r domain.OutboundRecord) bool { return r.PendingEdit && !r.Pushed })
}

func (m *MemStore) FindLatestByTag(_ context.Context, id domain.Identity, tag string) (domain.OutboundRecord, bool, error) {
	return m.latest(id, func(r domain.OutboundRecord) bool { return r.Tag == tag })
}

func (m *MemStore) latest(id domain.Identity, match func(domain.OutboundRecord) bool) (domain.OutboundRecord, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	recs := m.outbound[id.Key()]
	for i := len(recs) - 1; i >= 0; i-- {
		if match(recs[i]) {
			return recs[i], true, nil
		}
	}
	return domain.OutboundRecord{}, false, nil
}

func (m *MemStore) RemoveSentMessage(_ context.Context, id domain.Identity, deliveredID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := id.Key()
	kept := m.outbound[key][:0]
	for _, r := range m.outbound[key] {
		if r.DeliveredID != deliveredID {
			kept = append(kept, r)
		}
	}
	m.outbound[key] = kept
	return nil
}

func (m *MemStore) EnsureUser(_ context.Context, s domain.Sender) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := s.Identity().Key()
	if _, ok := m.users[key]; ok {
		return false, nil
	}
	m.users[key] = s
	return true, nil
}

func (m *MemStore) GetMeta(_ context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.meta[key]
	return v, ok, nil
}

func (m *MemStore) SetMeta(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.meta[key] = value
	return nil
}
