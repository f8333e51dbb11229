package models

import (
	"time"
)

// Member statuses. A DELETED member is soft-deleted and treated as
// nonexistent by the sync path.
const (
	MemberStatusActive  = "ACTIVE"
	MemberStatusPaused  = "PAUSED"
	MemberStatusDeleted = "DELETED"
)

// Member is a balance-bearing account. Balance is in cents and may go
// negative (treated as a receivable, not a wallet).
type Member struct {
	ID        string    `json:"id" db:"id"`
	Name      string    `json:"name" db:"name"`
	Balance   int64     `json:"balance" db:"balance"` // in cents
	Status    string    `json:"status" db:"status"`
	Version   int       `json:"version" db:"version"` // for optimistic locking
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// Business is a charging party: an entity permitted to initiate charges
// against member balances from a kiosk.
type Business struct {
	ID          string    `json:"id" db:"id"`
	Name        string    `json:"name" db:"name"`
	Active      bool      `json:"active" db:"active"`
	CanCharge   bool      `json:"can_charge" db:"can_charge"`
	PerVisitFee int64     `json:"per_visit_fee" db:"per_visit_fee"` // pass-through, in cents
	UpdatedAt   time.Time `json:"updated_at" db:"updated_at"`
}

// Billing period statuses. Exactly one period is ACTIVE at a time; the
// uniqueness is enforced by a partial unique index on the table, not by
// the sync component.
const (
	BillingPeriodActive = "ACTIVE"
	BillingPeriodClosed = "CLOSED"
)

type BillingPeriod struct {
	ID       string     `json:"id" db:"id"`
	Status   string     `json:"status" db:"status"`
	StartsAt time.Time  `json:"starts_at" db:"starts_at"`
	EndsAt   *time.Time `json:"ends_at" db:"ends_at"`
}
