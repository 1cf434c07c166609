package domain

import "time"

// ChannelKind names the channel an identity belongs to.
type ChannelKind string

const (
	ChannelTelegram ChannelKind = "Telegram"
	ChannelAPI      ChannelKind = "API"
)

// Stateful reports whether the channel keeps conversation context and
// per-user preferences between requests.
func (k ChannelKind) Stateful() bool {
	return k == ChannelTelegram
}

// Identity is a (channel kind, channel-local id) pair. All per-user state is
// indexed by Key().
type Identity struct {
	Kind ChannelKind
	ID   string
}

func NewIdentity(kind ChannelKind, id string) Identity {
	return Identity{Kind: kind, ID: id}
}

// Key returns the composite "{kind}_{id}" key, e.g. "Telegram_123".
func (i Identity) Key() string {
	return string(i.Kind) + "_" + i.ID
}

func (i Identity) String() string { return i.Key() }

// Sender is the channel-agnostic descriptor an inbound adapter attaches to
// every inbound event.
type Sender struct {
	Kind      ChannelKind
	ID        string
	Username  string
	FirstName string
	LastName  string
}

func (s Sender) Identity() Identity {
	return Identity{Kind: s.Kind, ID: s.ID}
}

// Button is a selectable option rendered under an outbound message.
type Button struct {
	Text string
	Data string
}

// CloneButtons deep-copies a button grid so events never share backing arrays.
func CloneButtons(rows [][]Button) [][]Button {
	if rows == nil {
		return nil
	}
	out := make([][]Button, len(rows))
	for i, row := range rows {
		out[i] = append([]Button(nil), row...)
	}
	return out
}

// OutboundRecord links an identity to a previously delivered message so later
// events can edit or delete it in place.
type OutboundRecord struct {
	Identity      Identity
	Text          string
	Tag           string
	DeliveredID   string
	PendingEdit   bool
	PendingDelete bool
	Pushed        bool
	CreatedAt     time.Time
}
