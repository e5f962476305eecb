package audit

import (
	"encoding/json"
	"log"
	"time"
)

type Event struct {
	Timestamp   time.Time `json:"timestamp"`
	EventType   string    `json:"event_type"`
	ReferenceID string    `json:"reference_id"`
	UserID      string    `json:"user_id"`
	Amount      int64     `json:"amount"`
	Status      string    `json:"status"`
	Details     any       `json:"details"`
}

// Logger emits one JSON audit line per balance movement, decision, or error.
type Logger struct{}

func NewLogger() *Logger {
	return &Logger{}
}

func (a *Logger) LogTransfer(refID, fromWallet, toWallet string, amount int64, status string) {
	event := Event{
		Timestamp:   time.Now(),
		EventType:   "TRANSFER",
		ReferenceID: refID,
		Amount:      amount,
		Status:      status,
		Details: map[string]string{
			"from_wallet": fromWallet,
			"to_wallet":   toWallet,
		},
	}
	a.log(event)
}

func (a *Logger) LogDecision(requestID, adminID, decision string, amount int64) {
	event := Event{
		Timestamp:   time.Now(),
		EventType:   "REQUEST_DECISION",
		ReferenceID: requestID,
		UserID:      adminID,
		Amount:      amount,
		Status:      decision,
	}
	a.log(event)
}

func (a *Logger) LogLoanEvent(loanID, userID, eventType string, amount int64) {
	event := Event{
		Timestamp:   time.Now(),
		EventType:   eventType,
		ReferenceID: loanID,
		UserID:      userID,
		Amount:      amount,
		Status:      "SUCCESS",
	}
	a.log(event)
}

func (a *Logger) LogError(refID, userID string, err error) {
	event := Event{
		Timestamp:   time.Now(),
		EventType:   "ERROR",
		ReferenceID: refID,
		UserID:      userID,
		Status:      "FAILED",
		Details:     map[string]string{"error": err.Error()},
	}
	a.log(event)
}

func (a *Logger) log(event Event) {
	data, _ := json.Marshal(event)
	log.Printf("AUDIT: %s", string(data))
}
