package state

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/fizteh95/tg-gpt-proxy/internal/domain"
	"github.com/fizteh95/tg-gpt-proxy/internal/metrics"
)

// Bucket names the quota counter a request was charged to.
type Bucket string

const (
	BucketNone    Bucket = ""
	BucketPremium Bucket = "premium"
	BucketDaily   Bucket = "daily"
)

// Charge is the outcome of consuming one request.
type Charge struct {
	Bucket    Bucket
	Remaining int
	// Exhausted is true when this charge brought the bucket to zero.
	Exhausted bool
}

type AccessConfig struct {
	Store   domain.AccountStore
	Locks   *KeyLock
	Initial domain.Account // allowance of a new account
	Logger  *slog.Logger
}

// Access manages quota accounts.
type Access struct {
	store   domain.AccountStore
	locks   *KeyLock
	initial domain.Account
	logger  *slog.Logger
}

func NewAccess(cfg AccessConfig) *Access {
	if cfg.Locks == nil {
		cfg.Locks = NewKeyLock()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Access{
		store:   cfg.Store,
		locks:   cfg.Locks,
		initial: cfg.Initial,
		logger:  cfg.Logger,
	}
}

// Ensure returns the account of id, creating it with the initial allowance
// on first sight. created reports whether this call made it.
func (a *Access) Ensure(ctx context.Context, id domain.Identity) (acc domain.Account, created bool, err error) {
	unlock := a.locks.Lock(id.Key())
	defer unlock()

	acc, err = a.store.GetAccount(ctx, id)
	if err == nil {
		return acc, false, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return domain.Account{}, false, fmt.Errorf("get account %s: %w", id, err)
	}

	acc = a.initial
	if err := a.store.SetAccount(ctx, id, acc); err != nil {
		return domain.Account{}, false, fmt.Errorf("create account %s: %w", id, err)
	}
	metrics.NewAccounts.Inc()
	a.logger.Info("account created", "identity", id.Key(), "daily", acc.Daily, "premium", acc.Premium)
	return acc, true, nil
}

// Initial is the allowance a new account starts with.
func (a *Access) Initial() domain.Account { return a.initial }

// Lookup returns the stored account of id, or the initial allowance when
// none exists yet. It never creates an account.
func (a *Access) Lookup(ctx context.Context, id domain.Identity) (domain.Account, error) {
	acc, err := a.store.GetAccount(ctx, id)
	if errors.Is(err, domain.ErrNotFound) {
		return a.initial, nil
	}
	return acc, err
}

// Get returns the account of id, or ErrNotFound.
func (a *Access) Get(ctx context.Context, id domain.Identity) (domain.Account, error) {
	return a.store.GetAccount(ctx, id)
}

// Charge consumes one request, premium first. With both buckets empty it
// charges nothing and returns BucketNone.
func (a *Access) Charge(ctx context.Context, id domain.Identity) (Charge, error) {
	return a.update(ctx, id, func(acc *domain.Account) Charge {
		switch {
		case acc.Premium > 0:
			acc.Premium--
			return Charge{Bucket: BucketPremium, Remaining: acc.Premium, Exhausted: acc.Premium == 0}
		case acc.Daily > 0:
			acc.Daily--
			return Charge{Bucket: BucketDaily, Remaining: acc.Daily, Exhausted: acc.Daily == 0}
		}
		return Charge{}
	})
}

// ChargeDaily consumes one request from the daily bucket only.
func (a *Access) ChargeDaily(ctx context.Context, id domain.Identity) (Charge, error) {
	return a.update(ctx, id, func(acc *domain.Account) Charge {
		if acc.Daily == 0 {
			return Charge{}
		}
		acc.Daily--
		return Charge{Bucket: BucketDaily, Remaining: acc.Daily, Exhausted: acc.Daily == 0}
	})
}

// AddPremium grants n premium requests, creating the account if needed.
func (a *Access) AddPremium(ctx context.Context, id domain.Identity, n int) (domain.Account, error) {
	if n <= 0 {
		return domain.Account{}, fmt.Errorf("premium grant must be positive, got %d", n)
	}
	if _, _, err := a.Ensure(ctx, id); err != nil {
		return domain.Account{}, err
	}

	unlock := a.locks.Lock(id.Key())
	defer unlock()

	acc, err := a.store.GetAccount(ctx, id)
	if err != nil {
		return domain.Account{}, fmt.Errorf("get account %s: %w", id, err)
	}
	acc.Premium += n
	if err := a.store.SetAccount(ctx, id, acc); err != nil {
		return domain.Account{}, fmt.Errorf("set account %s: %w", id, err)
	}
	return acc, nil
}

// ResetDaily sets every daily counter to level.
func (a *Access) ResetDaily(ctx context.Context, level int) error {
	unlock := a.locks.LockAll()
	defer unlock()

	if err := a.store.ResetDailyForAll(ctx, level); err != nil {
		return fmt.Errorf("reset daily quota: %w", err)
	}
	metrics.QuotaResets.Inc()
	return nil
}

func (a *Access) update(ctx context.Context, id domain.Identity, fn func(*domain.Account) Charge) (Charge, error) {
	unlock := a.locks.Lock(id.Key())
	defer unlock()

	acc, err := a.store.GetAccount(ctx, id)
	if err != nil {
		return Charge{}, fmt.Errorf("get account %s: %w", id, err)
	}
	c := fn(&acc)
	if c.Bucket == BucketNone {
		return c, nil
	}
	if err := a.store.SetAccount(ctx, id, acc); err != nil {
		return Charge{}, fmt.Errorf("set account %s: %w", id, err)
	}
	return c, nil
}
