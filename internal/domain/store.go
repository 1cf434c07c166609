package domain

import "context"

// ContextStore persists conversations. GetContext returns an empty context
// when nothing was stored.
type ContextStore interface {
	GetContext(ctx context.Context, id Identity) (Context, error)
	SaveContext(ctx context.Context, id Identity, c Context) error
	ClearContext(ctx context.Context, id Identity) error
}

// AccountStore persists quota counters. GetAccount returns ErrNotFound for
// an identity that has no account yet.
type AccountStore interface {
	GetAccount(ctx context.Context, id Identity) (Account, error)
	SetAccount(ctx context.Context, id Identity, a Account) error
	ResetDailyForAll(ctx context.Context, level int) error
}

// PreferenceStore persists the sticky proxy choice. An empty name with a nil
// error means no preference.
type PreferenceStore interface {
	GetProxyName(ctx context.Context, id Identity) (string, error)
	SetProxyName(ctx context.Context, id Identity, name string) error
}

// OutboundStore keeps delivered-message bookkeeping for edit-in-place flows.
type OutboundStore interface {
	SaveSentMessage(ctx context.Context, rec OutboundRecord) error
	MarkPushed(ctx context.Context, id Identity, tag string) error
	FindPendingEdit(ctx context.Context, id Identity) (OutboundRecord, bool, error)
	FindLatestByTag(ctx context.Context, id Identity, tag string) (OutboundRecord, bool, error)
	RemoveSentMessage(ctx context.Context, id Identity, deliveredID string) error
}

// UserStore registers senders on first contact.
type UserStore interface {
	EnsureUser(ctx context.Context, s Sender) (created bool, err error)
}

// MetaStore is a small key/value table for process bookkeeping.
type MetaStore interface {
	GetMeta(ctx context.Context, key string) (string, bool, error)
	SetMeta(ctx context.Context, key, value string) error
}

// Store is everything the gateway persists.
type Store interface {
	ContextStore
	AccountStore
	PreferenceStore
	OutboundStore
	UserStore
	MetaStore
	Close() error
}
