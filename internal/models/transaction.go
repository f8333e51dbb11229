package models

import (
	"time"
)

// LedgerTransaction is the durable, immutable record of an applied
// charge. Corrections are new transactions (negative offsetting
// entries), never edits. BalanceBefore/BalanceAfter form an audit chain:
// BalanceAfter of the latest transaction for a member equals the
// member's stored balance.
type LedgerTransaction struct {
	ID              string    `json:"id" db:"id"`
	MemberID        string    `json:"member_id" db:"member_id"`
	BusinessID      string    `json:"business_id" db:"business_id"`
	Amount          int64     `json:"amount" db:"amount"` // in cents, signed
	BalanceBefore   int64     `json:"balance_before" db:"balance_before"`
	BalanceAfter    int64     `json:"balance_after" db:"balance_after"`
	Description     string    `json:"description" db:"description"`
	DeviceID        string    `json:"device_id" db:"device_id"`
	ClientTxID      string    `json:"client_tx_id" db:"client_tx_id"`
	BillingPeriodID string    `json:"billing_period_id" db:"billing_period_id"`
	OccurredAt      time.Time `json:"occurred_at" db:"occurred_at"` // client-reported, advisory
	CreatedAt       time.Time `json:"created_at" db:"created_at"`
}

// IdempotencyRecord maps (device_id, client_tx_id) to the outcome of the
// first accepted submission. Written in the same database transaction as
// the ledger row; never written for rejections.
type IdempotencyRecord struct {
	DeviceID            string    `json:"device_id" db:"device_id"`
	ClientTxID          string    `json:"client_tx_id" db:"client_tx_id"`
	ServerTransactionID string    `json:"server_transaction_id" db:"server_transaction_id"`
	BalanceAfter        int64     `json:"balance_after" db:"balance_after"`
	CreatedAt           time.Time `json:"created_at" db:"created_at"`
}
