package models

import (
	"time"
)

// WalletType identifies one of a member's balance buckets.
type WalletType string

const (
	WalletMain    WalletType = "main"
	WalletTask    WalletType = "task"
	WalletRoyalty WalletType = "royalty"
	// WalletEscrow holds a lender's principal between loan offer and acceptance.
	WalletEscrow WalletType = "escrow"
)

// Valid reports whether wt is a member-facing wallet type.
func (wt WalletType) Valid() bool {
	switch wt {
	case WalletMain, WalletTask, WalletRoyalty:
		return true
	}
	return false
}

type Wallet struct {
	ID         string     `json:"id" db:"id"`
	UserID     string     `json:"user_id" db:"user_id"`
	WalletType WalletType `json:"wallet_type" db:"wallet_type"`
	Balance    int64      `json:"balance" db:"balance"` // whole credit units, never negative
	Version    int        `json:"version" db:"version"` // for optimistic locking
	UpdatedAt  time.Time  `json:"updated_at" db:"updated_at"`
}

// LedgerTransaction is the immutable audit record of one balance delta.
// Rows are append-only: never updated, never deleted.
type LedgerTransaction struct {
	ID              string    `json:"id" db:"id"`
	WalletID        string    `json:"wallet_id" db:"wallet_id"`
	UserID          string    `json:"user_id" db:"user_id"`
	Amount          int64     `json:"amount" db:"amount"` // signed delta
	TransactionType string    `json:"transaction_type" db:"transaction_type"`
	Description     string    `json:"description" db:"description"`
	ReferenceID     string    `json:"reference_id" db:"reference_id"`
	CreatedAt       time.Time `json:"created_at" db:"created_at"`
}

// Transfer transaction types recorded on ledger rows.
const (
	TxTypeTransfer      = "transfer"
	TxTypeCashIn        = "cash_in"
	TxTypeCashOut       = "cash_out"
	TxTypeLoanEscrow    = "loan_escrow"
	TxTypeLoanDisburse  = "loan_disburse"
	TxTypeLoanRepayment = "loan_repayment"
	TxTypeLoanRefund    = "loan_refund"
)

// Balances is the per-user snapshot returned to clients and pollers.
type Balances struct {
	Main    int64 `json:"main"`
	Task    int64 `json:"task"`
	Royalty int64 `json:"royalty"`
}

// Total sums the member-facing buckets.
func (b Balances) Total() int64 {
	return b.Main + b.Task + b.Royalty
}
