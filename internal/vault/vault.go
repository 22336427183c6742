// Package vault implements the balance cache: a short-TTL,
// per-(account,token) read-through cache over the
// contract's on-chain balances, plus the engine-side reservation
// bookkeeping that tracks funds committed to resting orders.
package vault

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"darkpool-match/internal/apperr"
)

// BalanceSource is the contract-facing read path: get_balance(account,
// token) over the ledger RPC. Implemented by settlement.BalanceSource in
// production and by a deterministic fake in tests.
type BalanceSource interface {
	GetBalance(ctx context.Context, account, token string) (int64, error)
}

type key struct {
	Account string
	Token   string
}

// entry holds one (account, token) balance: the last value read from
// the contract ("committed"), and the amount the engine has reserved
// against resting orders. Each entry carries its own lock, a
// per-entry-lock-under-a-map-lock layout, so refreshing one account's
// balance never blocks a read of another's.
type entry struct {
	mu        sync.RWMutex
	committed int64
	reserved  int64
	fetchedAt time.Time
}

// BalanceView is a point-in-time read of one cached balance.
type BalanceView struct {
	Committed int64
	Reserved  int64
	Available int64
}

// Cache is the vault balance cache.
type Cache struct {
	mu      sync.RWMutex
	entries map[key]*entry
	source  BalanceSource
	ttl     time.Duration
	log     *zap.SugaredLogger
}

// New builds a cache that reads through to source with the given TTL.
func New(source BalanceSource, ttl time.Duration, log *zap.SugaredLogger) *Cache {
	return &Cache{
		entries: make(map[key]*entry),
		source:  source,
		ttl:     ttl,
		log:     log,
	}
}

func (c *Cache) entryFor(account, token string) *entry {
	k := key{Account: account, Token: token}

	c.mu.RLock()
	e, ok := c.entries[k]
	c.mu.RUnlock()
	if ok {
		return e
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[k]; ok {
		return e
	}
	e = &entry{}
	c.entries[k] = e
	return e
}

func viewLocked(e *entry) BalanceView {
	avail := e.committed - e.reserved
	if avail < 0 {
		avail = 0
	}
	return BalanceView{Committed: e.committed, Reserved: e.reserved, Available: avail}
}

// Get returns the current view of a balance, refreshing from the
// contract first if the cached value is missing or past its TTL.
// Available is clamped to zero whenever reserved exceeds committed —
// including the reconciliation race where a refresh reveals a
// committed value below the current reserved sum, which this clamp
// turns into "new orders are rejected" for free, without a separate
// reconciliation flag.
func (c *Cache) Get(ctx context.Context, account, token string) (BalanceView, error) {
	e := c.entryFor(account, token)

	e.mu.RLock()
	stale := e.fetchedAt.IsZero() || time.Since(e.fetchedAt) > c.ttl
	e.mu.RUnlock()

	if stale {
		if err := c.refreshEntry(ctx, account, token, e); err != nil {
			return BalanceView{}, err
		}
	}

	e.mu.RLock()
	defer e.mu.RUnlock()
	return viewLocked(e), nil
}

// Available is the fast path the engine calls during admission.
func (c *Cache) Available(ctx context.Context, account, token string) (int64, error) {
	v, err := c.Get(ctx, account, token)
	if err != nil {
		return 0, err
	}
	return v.Available, nil
}

func (c *Cache) refreshEntry(ctx context.Context, account, token string, e *entry) error {
	balance, err := c.source.GetBalance(ctx, account, token)
	if err != nil {
		return apperr.Wrap(apperr.KindUpstreamUnavailable, "get_balance", err)
	}
	e.mu.Lock()
	e.committed = balance
	e.fetchedAt = time.Now()
	e.mu.Unlock()
	if c.log != nil {
		c.log.Debugw("vault balance refreshed", "account", account, "token", token, "committed", balance)
	}
	return nil
}

// Refresh forces a contract re-read regardless of TTL.
func (c *Cache) Refresh(ctx context.Context, account, token string) error {
	return c.refreshEntry(ctx, account, token, c.entryFor(account, token))
}

// Reserve increments the reserved amount at order acceptance. The
// caller (the engine) has already checked Available >= amount; Reserve
// itself does not re-validate.
func (c *Cache) Reserve(account, token string, amount int64) {
	if amount <= 0 {
		return
	}
	e := c.entryFor(account, token)
	e.mu.Lock()
	e.reserved += amount
	e.mu.Unlock()
}

// Release decrements the reserved amount on cancellation or fill.
// Clamped at zero: over-release is a logic bug elsewhere, not
// something the cache should ever let go negative.
func (c *Cache) Release(account, token string, amount int64) {
	if amount <= 0 {
		return
	}
	e := c.entryFor(account, token)
	e.mu.Lock()
	e.reserved -= amount
	if e.reserved < 0 {
		e.reserved = 0
	}
	e.mu.Unlock()
}

// ApplyDelta adjusts the cached committed balance optimistically,
// ahead of the contract settlement call that will eventually make it
// true on-chain. The caller is expected to Invalidate the same (account, token) once
// settlement actually lands, so the next read reconciles with the
// contract instead of trusting this optimistic figure indefinitely.
func (c *Cache) ApplyDelta(account, token string, delta int64) {
	e := c.entryFor(account, token)
	e.mu.Lock()
	e.committed += delta
	e.mu.Unlock()
}

// Invalidate forces the next Get/Available call to re-read from the
// contract. It deliberately leaves `reserved` untouched — reservation
// accounting is engine-side bookkeeping independent of what the
// contract currently reports, and dropping it here would let other
// resting orders' committed funds be double-counted as available.
func (c *Cache) Invalidate(account, token string) {
	e := c.entryFor(account, token)
	e.mu.Lock()
	e.fetchedAt = time.Time{}
	e.mu.Unlock()
}

// ClearAll evicts every cached entry, reservations included. This is
// the admin /clear_cache convenience for deterministic end-to-end
// testing; it is not meant to be called against a book with resting
// orders in production.
func (c *Cache) ClearAll() {
	c.mu.Lock()
	c.entries = make(map[key]*entry)
	c.mu.Unlock()
}
