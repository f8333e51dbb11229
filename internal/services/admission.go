package services

import (
	"math"

	"github.com/kioskpay/backend/internal/models"
)

// Reject reasons reported to devices. Rejections are retryable: the
// device keeps the item queued and resubmits it on the next sync cycle.
type RejectReason string

const (
	ReasonBusinessNotFound RejectReason = "charging party not found"
	ReasonPermissionDenied RejectReason = "permission denied"
	ReasonBusinessInactive RejectReason = "charging party inactive"
	ReasonNoActivePeriod   RejectReason = "no active billing period"
	ReasonMemberNotFound   RejectReason = "account not found"
	ReasonInvalidAmount    RejectReason = "invalid amount"
	ReasonStoreUnavailable RejectReason = "transaction could not be processed"
)

// AdmissionError carries the reason a proposed charge was refused.
type AdmissionError struct {
	Reason RejectReason
}

func (e *AdmissionError) Error() string {
	return string(e.Reason)
}

// AdmissionChecker validates a single proposed charge against snapshot
// state. It performs no I/O and no mutation; callers load the snapshots
// inside the apply transaction.
type AdmissionChecker struct {
	maxAmountCents int64
}

func NewAdmissionChecker(maxAmountCents int64) *AdmissionChecker {
	return &AdmissionChecker{maxAmountCents: maxAmountCents}
}

// Check runs the admission rules in order, short-circuiting on the first
// failure. A nil business, period, or member means the record was not
// found. There is no balance-sufficiency rule: members may go negative.
func (c *AdmissionChecker) Check(business *models.Business, member *models.Member, period *models.BillingPeriod, amount float64) *AdmissionError {
	if business == nil {
		return &AdmissionError{Reason: ReasonBusinessNotFound}
	}
	if !business.CanCharge {
		return &AdmissionError{Reason: ReasonPermissionDenied}
	}
	if !business.Active {
		return &AdmissionError{Reason: ReasonBusinessInactive}
	}
	if period == nil {
		return &AdmissionError{Reason: ReasonNoActivePeriod}
	}
	if member == nil || member.Status == models.MemberStatusDeleted {
		return &AdmissionError{Reason: ReasonMemberNotFound}
	}
	if !c.validAmount(amount) {
		return &AdmissionError{Reason: ReasonInvalidAmount}
	}
	return nil
}

func (c *AdmissionChecker) validAmount(amount float64) bool {
	if math.IsNaN(amount) || math.IsInf(amount, 0) {
		return false
	}
	cents := AmountToCents(amount)
	if cents == 0 {
		return false
	}
	if cents > c.maxAmountCents || cents < -c.maxAmountCents {
		return false
	}
	return true
}

// AmountToCents converts a decimal currency amount to cents, rounding
// half away from zero.
func AmountToCents(amount float64) int64 {
	return int64(math.Round(amount * 100))
}

// CentsToAmount converts cents back to a decimal currency amount.
func CentsToAmount(cents int64) float64 {
	return float64(cents) / 100
}
