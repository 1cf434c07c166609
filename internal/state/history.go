package state

import (
	"context"
	"fmt"

	"github.com/fizteh95/tg-gpt-proxy/internal/domain"
)

// History manages stored conversations.
type History struct {
	store    domain.ContextStore
	locks    *KeyLock
	maxTurns int
}

// NewHistory returns a manager that keeps at most maxTurns turns per
// identity (0 keeps everything).
func NewHistory(store domain.ContextStore, locks *KeyLock, maxTurns int) *History {
	if locks == nil {
		locks = NewKeyLock()
	}
	return &History{store: store, locks: locks, maxTurns: maxTurns}
}

func (h *History) Get(ctx context.Context, id domain.Identity) (domain.Context, error) {
	return h.store.GetContext(ctx, id)
}

// Append adds turn to the stored conversation and returns the result.
func (h *History) Append(ctx context.Context, id domain.Identity, turn domain.Turn) (domain.Context, error) {
	ch, err := h.Record(ctx, id, turn)
	return ch.After, err
}

// Record is Append that also returns the conversation as it was before, so
// a failed request can be undone with Restore even when the append trimmed
// old turns.
func (h *History) Record(ctx context.Context, id domain.Identity, turn domain.Turn) (domain.ContextChange, error) {
	unlock := h.locks.Lock(id.Key())
	defer unlock()

	before, err := h.store.GetContext(ctx, id)
	if err != nil {
		return domain.ContextChange{}, fmt.Errorf("get context %s: %w", id, err)
	}
	after := before.With(turn)
	if h.maxTurns > 0 && after.Len() > h.maxTurns {
		after = domain.NewContext(after.Turns[after.Len()-h.maxTurns:]...)
	}
	if err := h.store.SaveContext(ctx, id, after); err != nil {
		return domain.ContextChange{}, fmt.Errorf("save context %s: %w", id, err)
	}
	return domain.ContextChange{Before: before.Clone(), After: after, Turn: turn}, nil
}

// Restore undoes ch. When the stored conversation is still ch.After, ch.Before
// is saved back. Otherwise another request appended in between, and only the
// newest copy of ch.Turn is removed. It reports whether anything changed.
func (h *History) Restore(ctx context.Context, id domain.Identity, ch domain.ContextChange) (bool, error) {
	unlock := h.locks.Lock(id.Key())
	defer unlock()

	c, err := h.store.GetContext(ctx, id)
	if err != nil {
		return false, fmt.Errorf("get context %s: %w", id, err)
	}
	restored := ch.Before
	if !c.Equal(ch.After) {
		i := len(c.Turns) - 1
		for i >= 0 && c.Turns[i] != ch.Turn {
			i--
		}
		if i < 0 {
			return false, nil
		}
		restored = domain.NewContext(append(c.Turns[:i:i], c.Turns[i+1:]...)...)
	}
	if err := h.store.SaveContext(ctx, id, restored); err != nil {
		return false, fmt.Errorf("save context %s: %w", id, err)
	}
	return true, nil
}

func (h *History) Clear(ctx context.Context, id domain.Identity) error {
	unlock := h.locks.Lock(id.Key())
	defer unlock()
	return h.store.ClearContext(ctx, id)
}
