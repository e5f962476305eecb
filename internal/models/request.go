package models

import (
	"time"
)

// RequestDirection distinguishes cash-in (deposit) from cash-out (withdrawal).
type RequestDirection string

const (
	CashIn  RequestDirection = "cash_in"
	CashOut RequestDirection = "cash_out"
)

func (d RequestDirection) Valid() bool {
	return d == CashIn || d == CashOut
}

// RequestStatus is the admin-review state of a cash request.
type RequestStatus string

const (
	RequestPending    RequestStatus = "pending"
	RequestApproved   RequestStatus = "approved"
	RequestRejected   RequestStatus = "rejected"
	RequestOnHold     RequestStatus = "on_hold"
	RequestFlagged    RequestStatus = "flagged"
	RequestProcessing RequestStatus = "processing"
)

// Terminal reports whether the status is final. Terminal requests and their
// balance effects are immutable.
func (s RequestStatus) Terminal() bool {
	return s == RequestApproved || s == RequestRejected
}

// CashRequest is an admin-reviewed request to move value between a member's
// main wallet and the external payment rail.
type CashRequest struct {
	ID              string           `json:"id" db:"id"`
	UserID          string           `json:"user_id" db:"user_id"`
	Direction       RequestDirection `json:"direction" db:"direction"`
	Amount          int64            `json:"amount" db:"amount"`
	FeeAmount       int64            `json:"fee_amount" db:"fee_amount"`
	NetAmount       int64            `json:"net_amount" db:"net_amount"` // amount - fee, paid externally on cash-out
	PaymentMethod   string           `json:"payment_method" db:"payment_method"`
	ProofRef        string           `json:"proof_ref,omitempty" db:"proof_ref"`
	PinVerified     bool             `json:"pin_verified" db:"pin_verified"` // cash-out precondition, stamped at creation
	Status          RequestStatus    `json:"status" db:"status"`
	RejectionReason string           `json:"rejection_reason,omitempty" db:"rejection_reason"`
	ReviewedBy      string           `json:"reviewed_by,omitempty" db:"reviewed_by"`
	ReviewedAt      *time.Time       `json:"reviewed_at,omitempty" db:"reviewed_at"`
	CreatedAt       time.Time        `json:"created_at" db:"created_at"`
}

// RequestDecision is an admin action on a pending request.
type RequestDecision string

const (
	DecisionApprove RequestDecision = "approve"
	DecisionReject  RequestDecision = "reject"
	DecisionHold    RequestDecision = "hold"
	DecisionFlag    RequestDecision = "flag"
)

func (d RequestDecision) Valid() bool {
	switch d {
	case DecisionApprove, DecisionReject, DecisionHold, DecisionFlag:
		return true
	}
	return false
}
