package notify

import (
	"context"
	"log"
	"sync"
	"time"
)

// SnapshotFunc fetches the authoritative balance snapshot for a user.
type SnapshotFunc func(ctx context.Context, userID string) (map[string]int64, error)

// Poller periodically refreshes wallet snapshots for watched users and raises
// balance_changed events when the authoritative state moved. It is the
// fallback convergence path for clients that do not hold a push subscription.
type Poller struct {
	notifier *Notifier
	fetch    SnapshotFunc
	interval time.Duration

	mu      sync.Mutex
	watched map[string]map[string]int64 // userID -> last seen snapshot
}

func NewPoller(notifier *Notifier, fetch SnapshotFunc, interval time.Duration) *Poller {
	return &Poller{
		notifier: notifier,
		fetch:    fetch,
		interval: interval,
		watched:  make(map[string]map[string]int64),
	}
}

// Watch registers a user for periodic refresh.
func (p *Poller) Watch(userID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.watched[userID]; !ok {
		p.watched[userID] = nil
	}
}

// Unwatch removes a user from the refresh set.
func (p *Poller) Unwatch(userID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.watched, userID)
}

// Run polls until the context is cancelled.
func (p *Poller) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.refreshAll(ctx)
		}
	}
}

func (p *Poller) refreshAll(ctx context.Context) {
	p.mu.Lock()
	users := make([]string, 0, len(p.watched))
	for userID := range p.watched {
		users = append(users, userID)
	}
	p.mu.Unlock()

	for _, userID := range users {
		snapshot, err := p.fetch(ctx, userID)
		if err != nil {
			log.Printf("[POLLER] Snapshot fetch failed for %s: %v", userID, err)
			continue
		}

		p.mu.Lock()
		prev, ok := p.watched[userID]
		if ok {
			p.watched[userID] = snapshot
		}
		p.mu.Unlock()
		if !ok {
			continue // unwatched mid-flight
		}

		if prev != nil && !snapshotsEqual(prev, snapshot) {
			p.notifier.Publish(ctx, EventBalanceChanged, userID, snapshot)
		}
	}
}

func snapshotsEqual(a, b map[string]int64) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if b[k] != v {
			return false
		}
	}
	return true
}
