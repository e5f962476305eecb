package models

import (
	"time"
)

// LoanStatus drives fund movement across the loan lifecycle.
type LoanStatus string

const (
	LoanPending   LoanStatus = "pending"   // offer posted, principal escrowed
	LoanActive    LoanStatus = "active"    // accepted, principal with borrower
	LoanRepaid    LoanStatus = "repaid"    // total_repayment returned to lender
	LoanDefaulted LoanStatus = "defaulted" // due date passed, borrower could not cover
	LoanCancelled LoanStatus = "cancelled" // unaccepted offer withdrawn, principal returned
)

func (s LoanStatus) Terminal() bool {
	switch s {
	case LoanRepaid, LoanDefaulted, LoanCancelled:
		return true
	}
	return false
}

// Loan is a peer-to-peer loan between two members. TotalRepayment is fixed at
// offer creation and never recomputed: principal + interest - processing fee
// (fee comes off after interest accrual, the one canonical order used across
// the ledger).
type Loan struct {
	ID             string     `json:"id" db:"id"`
	LenderID       string     `json:"lender_id" db:"lender_id"`
	BorrowerID     string     `json:"borrower_id,omitempty" db:"borrower_id"` // empty until accepted
	Principal      int64      `json:"principal_amount" db:"principal_amount"`
	InterestRate   float64    `json:"interest_rate" db:"interest_rate"`
	InterestAmount int64      `json:"interest_amount" db:"interest_amount"`
	ProcessingFee  int64      `json:"processing_fee" db:"processing_fee"`
	TotalRepayment int64      `json:"total_repayment" db:"total_repayment"`
	TermDays       int        `json:"term_days" db:"term_days"`
	Status         LoanStatus `json:"status" db:"status"`
	EscrowWalletID string     `json:"escrow_wallet_id" db:"escrow_wallet_id"`
	CreatedAt      time.Time  `json:"created_at" db:"created_at"`
	AcceptedAt     *time.Time `json:"accepted_at,omitempty" db:"accepted_at"`
	DueAt          *time.Time `json:"due_at,omitempty" db:"due_at"`
	RepaidAt       *time.Time `json:"repaid_at,omitempty" db:"repaid_at"`
}

// SweepResult aggregates one pass of the expired-loan sweep.
type SweepResult struct {
	RepaidCount    int   `json:"repaid_count"`
	DefaultedCount int   `json:"defaulted_count"`
	TotalRepaid    int64 `json:"total_repaid"`
}
