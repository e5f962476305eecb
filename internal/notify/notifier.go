package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
)

// Event types raised by the ledger on state transitions.
const (
	EventBalanceChanged   = "balance_changed"
	EventRequestApproved  = "request_approved"
	EventRequestRejected  = "request_rejected"
	EventRequestHeld      = "request_held"
	EventRequestFlagged   = "request_flagged"
	EventLoanAccepted     = "loan_accepted"
	EventLoanRepaid       = "loan_repaid"
	EventLoanDefaulted    = "loan_defaulted"
	EventLoanCancelled    = "loan_cancelled"
)

// Event is the payload delivered to subscribers and the pub/sub feed.
type Event struct {
	Type      string    `json:"type"`
	UserID    string    `json:"user_id"`
	Payload   any       `json:"payload,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Notifier fans ledger events out to in-process subscribers and, when Redis
// is available, to a pub/sub channel keyed by user. Delivery is
// fire-and-forget: a slow or absent consumer never blocks the ledger.
type Notifier struct {
	redis *redis.Client

	mu   sync.RWMutex
	subs map[string][]chan Event
}

func NewNotifier(redisClient *redis.Client) *Notifier {
	return &Notifier{
		redis: redisClient,
		subs:  make(map[string][]chan Event),
	}
}

// Publish raises an event for a user. Never returns an error and never blocks.
func (n *Notifier) Publish(ctx context.Context, eventType, userID string, payload any) {
	event := Event{
		Type:      eventType,
		UserID:    userID,
		Payload:   payload,
		Timestamp: time.Now(),
	}

	if n.redis != nil {
		data, err := json.Marshal(event)
		if err == nil {
			channel := fmt.Sprintf("events:%s", userID)
			if err := n.redis.Publish(ctx, channel, data).Err(); err != nil {
				log.Printf("[NOTIFY] Publish to %s failed: %v", channel, err)
			}
		}
	}

	n.mu.RLock()
	defer n.mu.RUnlock()
	for _, ch := range n.subs[userID] {
		select {
		case ch <- event:
		default:
			// subscriber is not keeping up, drop rather than block
		}
	}
}

// Subscribe returns a buffered channel of events for the user and a cancel
// function that must be called when the consumer is done.
func (n *Notifier) Subscribe(userID string) (<-chan Event, func()) {
	ch := make(chan Event, 16)

	n.mu.Lock()
	n.subs[userID] = append(n.subs[userID], ch)
	n.mu.Unlock()

	cancel := func() {
		n.mu.Lock()
		defer n.mu.Unlock()
		channels := n.subs[userID]
		for i, c := range channels {
			if c == ch {
				n.subs[userID] = append(channels[:i], channels[i+1:]...)
				close(c)
				break
			}
		}
		if len(n.subs[userID]) == 0 {
			delete(n.subs, userID)
		}
	}
	return ch, cancel
}
