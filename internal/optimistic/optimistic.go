// Package optimistic implements the client-side reconciliation cache: a
// tentative balance overlay shown instantly while the authoritative transfer
// settles, rolled back mechanically if settlement fails.
package optimistic

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	ErrTooFast             = errors.New("transfer debounced, slow down")
	ErrInvalidAmount       = errors.New("amount must be a positive whole number")
	ErrInsufficientBalance = errors.New("insufficient balance")
)

type Status string

const (
	StatusPending Status = "pending"
	StatusSuccess Status = "success"
	StatusError   Status = "error"
)

// Transaction is one ephemeral optimistic entry. It exists only until
// authoritative confirmation or rollback and is never persisted server-side.
type Transaction struct {
	ID         string    `json:"id"`
	Type       string    `json:"type"`
	Amount     int64     `json:"amount"`
	FromWallet string    `json:"from_wallet"`
	ToWallet   string    `json:"to_wallet"`
	Status     Status    `json:"status"`
	Timestamp  time.Time `json:"timestamp"`
}

// SettleFunc performs the authoritative transfer.
type SettleFunc func(ctx context.Context, fromWallet, toWallet string, amount int64) error

// FetchFunc pulls the authoritative balance snapshot.
type FetchFunc func(ctx context.Context) (map[string]int64, error)

// Cache composes the last authoritative snapshot with the currently pending
// optimistic deltas. The displayed (shadow) balances always equal
// authoritative plus pending deltas, so rollback is just removing a delta.
type Cache struct {
	settle   SettleFunc
	fetch    FetchFunc
	debounce time.Duration
	grace    time.Duration
	now      func() time.Time

	mu       sync.Mutex
	snapshot map[string]int64
	pending  []*Transaction
	lastCall time.Time
	stale    bool
}

// Option tunes a Cache.
type Option func(*Cache)

// WithDebounce overrides the minimum inter-call spacing (default 500ms).
func WithDebounce(d time.Duration) Option {
	return func(c *Cache) { c.debounce = d }
}

// WithGraceWindow overrides how long settled entries linger before the
// shadow falls back to authoritative data (default 2s).
func WithGraceWindow(d time.Duration) Option {
	return func(c *Cache) { c.grace = d }
}

// WithClock injects a time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

func NewCache(fetch FetchFunc, settle SettleFunc, opts ...Option) *Cache {
	c := &Cache{
		settle:   settle,
		fetch:    fetch,
		debounce: 500 * time.Millisecond,
		grace:    2 * time.Second,
		now:      time.Now,
		snapshot: map[string]int64{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Refresh replaces the authoritative snapshot. Pending deltas survive a
// refresh: the shadow stays authoritative ± pending.
func (c *Cache) Refresh(ctx context.Context) error {
	snapshot, err := c.fetch(ctx)
	if err != nil {
		return fmt.Errorf("snapshot fetch failed: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.snapshot = snapshot
	c.stale = false
	return nil
}

// Balances returns the shadow copy: what the user should see right now.
func (c *Cache) Balances() map[string]int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.shadowLocked()
}

// Stale reports whether the snapshot was invalidated by a settled transfer
// and the next refresh should pull authoritative balances.
func (c *Cache) Stale() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stale
}

// Pending returns a copy of the current optimistic entries, newest last.
func (c *Cache) Pending() []Transaction {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Transaction, len(c.pending))
	for i, tx := range c.pending {
		out[i] = *tx
	}
	return out
}

// Transfer applies the delta to the shadow immediately, then settles against
// the authoritative ledger. Returns true once settlement confirmed; on
// failure the shadow reverts to its pre-call values and the error entry is
// purged after the grace window.
func (c *Cache) Transfer(ctx context.Context, fromWallet, toWallet string, amount float64) (bool, error) {
	whole := int64(math.Floor(amount))
	if whole <= 0 {
		return false, ErrInvalidAmount
	}

	c.mu.Lock()
	now := c.now()
	if !c.lastCall.IsZero() && now.Sub(c.lastCall) < c.debounce {
		c.mu.Unlock()
		return false, ErrTooFast
	}
	c.lastCall = now

	// Pre-check against the shadow, not the raw snapshot: a second transfer
	// while one is pending must see the already-adjusted balance.
	if c.shadowLocked()[fromWallet] < whole {
		c.mu.Unlock()
		return false, ErrInsufficientBalance
	}

	entry := &Transaction{
		ID:         uuid.New().String(),
		Type:       "transfer",
		Amount:     whole,
		FromWallet: fromWallet,
		ToWallet:   toWallet,
		Status:     StatusPending,
		Timestamp:  now,
	}
	c.pending = append(c.pending, entry)
	c.mu.Unlock()

	err := c.settle(ctx, fromWallet, toWallet, whole)

	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		// Rollback: dropping the delta reverts the shadow to its pre-call
		// values in one step.
		entry.Status = StatusError
		c.scheduleDiscard(entry, false)
		return false, err
	}

	entry.Status = StatusSuccess
	c.stale = true
	c.scheduleDiscard(entry, true)
	return true, nil
}

// shadowLocked composes snapshot plus pending deltas. Callers hold c.mu.
func (c *Cache) shadowLocked() map[string]int64 {
	shadow := make(map[string]int64, len(c.snapshot))
	for wallet, balance := range c.snapshot {
		shadow[wallet] = balance
	}
	for _, tx := range c.pending {
		if tx.Status == StatusError {
			continue
		}
		shadow[tx.FromWallet] -= tx.Amount
		shadow[tx.ToWallet] += tx.Amount
	}
	return shadow
}

// scheduleDiscard removes the entry after the grace window. For settled
// entries the delta folds into the snapshot so the shadow does not jump
// while waiting for the next authoritative refresh. Callers hold c.mu.
func (c *Cache) scheduleDiscard(entry *Transaction, fold bool) {
	time.AfterFunc(c.grace, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		for i, tx := range c.pending {
			if tx.ID != entry.ID {
				continue
			}
			if fold && tx.Status == StatusSuccess {
				c.snapshot[tx.FromWallet] -= tx.Amount
				c.snapshot[tx.ToWallet] += tx.Amount
			}
			c.pending = append(c.pending[:i], c.pending[i+1:]...)
			break
		}
	})
}
