package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/kioskpay/backend/internal/models"
)

// Outcome statuses reported per transaction.
const (
	StatusAccepted  = "accepted"
	StatusDuplicate = "duplicate"
	StatusRejected  = "rejected"
)

// ApplyRequest is one client transaction as replayed by a kiosk.
type ApplyRequest struct {
	DeviceID    string
	ClientTxID  string
	MemberID    string
	BusinessID  string
	Amount      float64 // decimal currency units, signed
	Description string
	OccurredAt  time.Time
}

// Outcome is the result of applying one client transaction. Applied is
// set only on accepted, for post-commit audit emission.
type Outcome struct {
	Status              string
	ServerTransactionID string
	BalanceAfter        int64 // in cents
	Reason              RejectReason
	Applied             *models.LedgerTransaction
}

// LedgerService applies client transactions to the ledger with
// at-most-once economic effect. Duplicate check, admission, balance
// mutation, ledger append, and idempotency record all commit in a single
// database transaction; a rejection persists nothing.
type LedgerService struct {
	db        *sql.DB
	admission *AdmissionChecker
}

func NewLedgerService(db *sql.DB, maxAmountCents int64) *LedgerService {
	return &LedgerService{
		db:        db,
		admission: NewAdmissionChecker(maxAmountCents),
	}
}

// Apply processes exactly one client transaction. Resubmitting the same
// (device_id, client_tx_id) yields the original outcome with no further
// mutation. Two concurrent submissions of the same id serialize on the
// member row lock and the unique index on sync_idempotency: the loser's
// insert fails with a unique violation and is reported as a duplicate.
func (s *LedgerService) Apply(ctx context.Context, req ApplyRequest) (Outcome, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Outcome{}, fmt.Errorf("begin apply transaction: %w", err)
	}
	defer tx.Rollback()

	rec, err := s.lookupIdempotency(tx, req.DeviceID, req.ClientTxID)
	if err != nil {
		return Outcome{}, err
	}
	if rec != nil {
		return Outcome{
			Status:              StatusDuplicate,
			ServerTransactionID: rec.ServerTransactionID,
			BalanceAfter:        rec.BalanceAfter,
		}, nil
	}

	business, err := s.fetchBusiness(tx, req.BusinessID)
	if err != nil {
		return Outcome{}, err
	}
	period, err := s.fetchActivePeriod(tx)
	if err != nil {
		return Outcome{}, err
	}
	member, err := s.lockMember(tx, req.MemberID)
	if err != nil {
		return Outcome{}, err
	}

	if admErr := s.admission.Check(business, member, period, req.Amount); admErr != nil {
		// No idempotency record for rejections: a corrected
		// resubmission with the same client id must be retryable.
		return Outcome{Status: StatusRejected, Reason: admErr.Reason}, nil
	}

	amount := AmountToCents(req.Amount)
	ledgerTx := &models.LedgerTransaction{
		ID:              uuid.New().String(),
		MemberID:        member.ID,
		BusinessID:      business.ID,
		Amount:          amount,
		BalanceBefore:   member.Balance,
		BalanceAfter:    member.Balance + amount,
		Description:     req.Description,
		DeviceID:        req.DeviceID,
		ClientTxID:      req.ClientTxID,
		BillingPeriodID: period.ID,
		OccurredAt:      req.OccurredAt,
		CreatedAt:       time.Now(),
	}

	if err := s.insertLedgerTransaction(tx, ledgerTx); err != nil {
		return Outcome{}, err
	}
	if err := s.updateMemberBalance(tx, member.ID, ledgerTx.BalanceAfter, member.Version); err != nil {
		return Outcome{}, err
	}
	if err := s.insertIdempotencyRecord(tx, ledgerTx); err != nil {
		if isUniqueViolation(err) {
			tx.Rollback()
			return s.resolveDuplicate(ctx, req.DeviceID, req.ClientTxID)
		}
		return Outcome{}, fmt.Errorf("insert idempotency record: %w", err)
	}

	if err := tx.Commit(); err != nil {
		if isUniqueViolation(err) {
			return s.resolveDuplicate(ctx, req.DeviceID, req.ClientTxID)
		}
		return Outcome{}, fmt.Errorf("commit apply transaction: %w", err)
	}

	return Outcome{
		Status:              StatusAccepted,
		ServerTransactionID: ledgerTx.ID,
		BalanceAfter:        ledgerTx.BalanceAfter,
		Applied:             ledgerTx,
	}, nil
}

func (s *LedgerService) lookupIdempotency(tx *sql.Tx, deviceID, clientTxID string) (*models.IdempotencyRecord, error) {
	rec := &models.IdempotencyRecord{DeviceID: deviceID, ClientTxID: clientTxID}
	err := tx.QueryRow(`
		SELECT server_transaction_id, balance_after
		FROM sync_idempotency
		WHERE device_id = $1 AND client_tx_id = $2
		FOR UPDATE`, deviceID, clientTxID).
		Scan(&rec.ServerTransactionID, &rec.BalanceAfter)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("idempotency lookup: %w", err)
	}
	return rec, nil
}

func (s *LedgerService) fetchBusiness(tx *sql.Tx, businessID string) (*models.Business, error) {
	business := &models.Business{ID: businessID}
	err := tx.QueryRow(`
		SELECT active, can_charge, per_visit_fee
		FROM businesses
		WHERE id = $1`, businessID).
		Scan(&business.Active, &business.CanCharge, &business.PerVisitFee)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("business lookup: %w", err)
	}
	return business, nil
}

func (s *LedgerService) fetchActivePeriod(tx *sql.Tx) (*models.BillingPeriod, error) {
	period := &models.BillingPeriod{Status: models.BillingPeriodActive}
	err := tx.QueryRow(`
		SELECT id FROM billing_periods
		WHERE status = 'ACTIVE'
		LIMIT 1`).
		Scan(&period.ID)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("billing period lookup: %w", err)
	}
	return period, nil
}

func (s *LedgerService) lockMember(tx *sql.Tx, memberID string) (*models.Member, error) {
	member := &models.Member{ID: memberID}
	err := tx.QueryRow(`
		SELECT balance, status, version
		FROM members
		WHERE id = $1
		FOR UPDATE`, memberID).
		Scan(&member.Balance, &member.Status, &member.Version)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("member lookup: %w", err)
	}
	return member, nil
}

func (s *LedgerService) insertLedgerTransaction(tx *sql.Tx, lt *models.LedgerTransaction) error {
	_, err := tx.Exec(`
		INSERT INTO ledger_transactions
		(id, member_id, business_id, amount, balance_before, balance_after, description,
		 device_id, client_tx_id, billing_period_id, occurred_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		lt.ID, lt.MemberID, lt.BusinessID, lt.Amount, lt.BalanceBefore, lt.BalanceAfter,
		lt.Description, lt.DeviceID, lt.ClientTxID, lt.BillingPeriodID, lt.OccurredAt, lt.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert ledger transaction: %w", err)
	}
	return nil
}

func (s *LedgerService) updateMemberBalance(tx *sql.Tx, memberID string, newBalance int64, version int) error {
	result, err := tx.Exec(`
		UPDATE members
		SET balance = $1, version = version + 1, updated_at = $2
		WHERE id = $3 AND version = $4`,
		newBalance, time.Now(), memberID, version)
	if err != nil {
		return fmt.Errorf("update member balance: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rowsAffected == 0 {
		return fmt.Errorf("optimistic lock failed for member %s", memberID)
	}
	return nil
}

func (s *LedgerService) insertIdempotencyRecord(tx *sql.Tx, lt *models.LedgerTransaction) error {
	_, err := tx.Exec(`
		INSERT INTO sync_idempotency
		(device_id, client_tx_id, server_transaction_id, balance_after, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		lt.DeviceID, lt.ClientTxID, lt.ID, lt.BalanceAfter, time.Now())
	return err
}

// resolveDuplicate re-reads the winner's idempotency record after this
// attempt lost the insert race. The unique index guarantees the record
// is committed by the time the violation surfaces.
func (s *LedgerService) resolveDuplicate(ctx context.Context, deviceID, clientTxID string) (Outcome, error) {
	rec := models.IdempotencyRecord{DeviceID: deviceID, ClientTxID: clientTxID}
	err := s.db.QueryRowContext(ctx, `
		SELECT server_transaction_id, balance_after
		FROM sync_idempotency
		WHERE device_id = $1 AND client_tx_id = $2`, deviceID, clientTxID).
		Scan(&rec.ServerTransactionID, &rec.BalanceAfter)
	if err != nil {
		return Outcome{}, fmt.Errorf("resolve duplicate: %w", err)
	}

	return Outcome{
		Status:              StatusDuplicate,
		ServerTransactionID: rec.ServerTransactionID,
		BalanceAfter:        rec.BalanceAfter,
	}, nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}
