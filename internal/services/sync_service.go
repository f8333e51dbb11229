package services

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-redis/redis/v8"

	"github.com/kioskpay/backend/internal/audit"
	"github.com/kioskpay/backend/internal/config"
	"github.com/kioskpay/backend/internal/models"
)

// SyncService receives replayed transaction batches from kiosks and
// exposes operator views over the resulting ledger.
type SyncService struct {
	db        *sql.DB
	redis     *redis.Client
	ledger    *LedgerService
	audit     *audit.Logger
	validator *ValidationHelper
	cfg       *config.SyncConfig
}

func NewSyncService(db *sql.DB, redisClient *redis.Client, cfg *config.SyncConfig) *SyncService {
	return &SyncService{
		db:        db,
		redis:     redisClient,
		ledger:    NewLedgerService(db, cfg.MaxAmountCents),
		audit:     audit.NewLogger(redisClient, cfg.AuditQueue),
		validator: NewValidationHelper(),
		cfg:       cfg,
	}
}

// ClientTransaction is one queued kiosk transaction as submitted by a
// device. ClientTxID is generated on the device and unique per device.
type ClientTransaction struct {
	ClientTxID  string  `json:"clientTxId" validate:"required,max=64"`
	BusinessID  string  `json:"businessId" validate:"required"`
	MemberID    string  `json:"memberId" validate:"required"`
	Amount      float64 `json:"amount"`
	Description string  `json:"description" validate:"max=200"`
	OccurredAt  string  `json:"occurredAt,omitempty"` // RFC 3339, advisory
}

// SyncResult is the per-transaction outcome echoed back to the device.
// Devices purge accepted and duplicate items from their local queue;
// rejected items stay queued and are resubmitted on the next cycle.
type SyncResult struct {
	ClientTxID          string   `json:"client_tx_id"`
	Status              string   `json:"status"`
	ServerTransactionID string   `json:"server_transaction_id,omitempty"`
	BalanceAfter        *float64 `json:"balance_after,omitempty"`
	Error               string   `json:"error,omitempty"`
}

// SyncBatch processes an ordered batch of queued kiosk transactions
// @Summary Sync a batch of kiosk transactions
// @Description Replay up to 100 queued client transactions against the ledger with idempotent, per-item outcomes
// @Tags sync
// @Accept json
// @Produce json
// @Param transactions body object{transactions=[]ClientTransaction} true "Batch payload"
// @Success 200 {object} object{success=bool,device_id=string,processed=int,results=[]SyncResult}
// @Failure 400 {object} ErrorResponse
// @Failure 401 {object} ErrorResponse
// @Router /sync/batch [post]
func (ss *SyncService) SyncBatch(w http.ResponseWriter, r *http.Request) {
	deviceID, ok := r.Context().Value("deviceID").(string)
	if !ok || deviceID == "" {
		SendErrorResponse(w, "Device ID missing", http.StatusBadRequest, nil)
		return
	}

	var req struct {
		Transactions []ClientTransaction `json:"transactions"`
	}

	maxBytes := 1_048_576 // 1 MB
	r.Body = http.MaxBytesReader(w, r.Body, int64(maxBytes))

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(&req); err != nil {
		log.Printf("[SYNC] Failed to decode batch from device %s: %v", deviceID, err)
		SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return
	}

	if err := dec.Decode(&struct{}{}); err != io.EOF {
		SendErrorResponse(w, "Request body must only contain a single JSON object", http.StatusBadRequest, nil)
		return
	}

	if len(req.Transactions) == 0 {
		SendErrorResponse(w, "No transactions provided", http.StatusBadRequest, nil)
		return
	}

	if len(req.Transactions) > ss.cfg.MaxBatchSize {
		log.Printf("[SYNC] Device %s batch of %d exceeds limit %d", deviceID, len(req.Transactions), ss.cfg.MaxBatchSize)
		SendErrorResponse(w, fmt.Sprintf("Batch size exceeds limit (%d)", ss.cfg.MaxBatchSize), http.StatusBadRequest, nil)
		return
	}

	log.Printf("[SYNC] Device %s submitted batch of %d", deviceID, len(req.Transactions))

	// Sequential and independent: one item's failure never aborts the
	// rest, and results mirror the input order.
	results := make([]SyncResult, 0, len(req.Transactions))
	for _, item := range req.Transactions {
		results = append(results, ss.processOne(r, deviceID, item))
	}

	ss.recordHeartbeat(r, deviceID)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"success":   true,
		"device_id": deviceID,
		"processed": len(results),
		"results":   results,
	})
}

func (ss *SyncService) processOne(r *http.Request, deviceID string, in ClientTransaction) SyncResult {
	if err := ss.validator.ValidateStruct(&in); err != nil {
		ss.audit.LogRejected(deviceID, in.ClientTxID, "malformed transaction")
		return SyncResult{
			ClientTxID: in.ClientTxID,
			Status:     StatusRejected,
			Error:      "missing or invalid transaction fields",
		}
	}

	outcome, err := ss.ledger.Apply(r.Context(), ApplyRequest{
		DeviceID:    deviceID,
		ClientTxID:  in.ClientTxID,
		MemberID:    in.MemberID,
		BusinessID:  in.BusinessID,
		Amount:      in.Amount,
		Description: in.Description,
		OccurredAt:  parseOccurredAt(in.OccurredAt),
	})
	if err != nil {
		// Infrastructure failure: the atomic boundary guarantees
		// nothing was persisted, so the item is safe to retry.
		log.Printf("[SYNC] Apply failed for device %s tx %s: %v", deviceID, in.ClientTxID, err)
		ss.audit.LogError(deviceID, in.ClientTxID, err)
		return SyncResult{
			ClientTxID: in.ClientTxID,
			Status:     StatusRejected,
			Error:      string(ReasonStoreUnavailable),
		}
	}

	switch outcome.Status {
	case StatusAccepted:
		ss.audit.LogApplied(outcome.Applied)
	case StatusDuplicate:
		ss.audit.LogDuplicate(deviceID, in.ClientTxID, outcome.ServerTransactionID)
	case StatusRejected:
		ss.audit.LogRejected(deviceID, in.ClientTxID, string(outcome.Reason))
		return SyncResult{
			ClientTxID: in.ClientTxID,
			Status:     StatusRejected,
			Error:      string(outcome.Reason),
		}
	}

	balance := CentsToAmount(outcome.BalanceAfter)
	return SyncResult{
		ClientTxID:          in.ClientTxID,
		Status:              outcome.Status,
		ServerTransactionID: outcome.ServerTransactionID,
		BalanceAfter:        &balance,
	}
}

// parseOccurredAt tolerates a missing or malformed client timestamp; it
// is advisory, used for audit display only, never for balance
// sequencing.
func parseOccurredAt(raw string) time.Time {
	if raw == "" {
		return time.Now()
	}
	ts, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Now()
	}
	return ts
}

func (ss *SyncService) recordHeartbeat(r *http.Request, deviceID string) {
	if ss.redis == nil {
		return
	}
	key := "kiosk:lastsync:" + deviceID
	if err := ss.redis.Set(r.Context(), key, time.Now().Format(time.RFC3339), ss.cfg.HeartbeatTTL).Err(); err != nil {
		log.Printf("[SYNC] Heartbeat update failed for device %s: %v", deviceID, err)
	}
}

// GetTransaction retrieves a ledger transaction
// @Summary Get ledger transaction by ID
// @Description Retrieve an applied ledger transaction by its server-assigned ID
// @Tags transactions
// @Produce json
// @Param txID path string true "Server transaction ID"
// @Success 200 {object} models.LedgerTransaction
// @Failure 404 {object} map[string]string
// @Router /transactions/{txID} [get]
func (ss *SyncService) GetTransaction(w http.ResponseWriter, r *http.Request) {
	txID := chi.URLParam(r, "txID")

	lt, err := ss.fetchTransaction(txID)
	if err != nil {
		if err == sql.ErrNoRows {
			http.Error(w, "Transaction not found", http.StatusNotFound)
		} else {
			http.Error(w, "Failed to fetch transaction", http.StatusInternalServerError)
		}
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(lt)
}

// ListTransactions retrieves ledger transactions with optional filters
// @Summary List ledger transactions
// @Description List applied ledger transactions, optionally filtered by member, device, or billing period
// @Tags transactions
// @Produce json
// @Param memberId query string false "Filter by member ID"
// @Param deviceId query string false "Filter by originating device ID"
// @Param periodId query string false "Filter by billing period ID"
// @Param limit query int false "Max rows to return (default 50)"
// @Success 200 {object} object{transactions=[]models.LedgerTransaction,count=int}
// @Failure 500 {object} map[string]string
// @Router /transactions [get]
func (ss *SyncService) ListTransactions(w http.ResponseWriter, r *http.Request) {
	memberID := r.URL.Query().Get("memberId")
	deviceID := r.URL.Query().Get("deviceId")
	periodID := r.URL.Query().Get("periodId")

	limit := 50
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 && l <= 500 {
			limit = l
		}
	}

	transactions, err := ss.fetchTransactions(memberID, deviceID, periodID, limit)
	if err != nil {
		log.Printf("[SYNC] Failed to list transactions: %v", err)
		http.Error(w, "Failed to fetch transactions", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"transactions": transactions,
		"count":        len(transactions),
	})
}

// MemberBalance retrieves a member's current balance
// @Summary Get member balance
// @Description Retrieve the stored balance and status for a member
// @Tags members
// @Produce json
// @Param memberID path string true "Member ID"
// @Success 200 {object} object{member_id=string,balance=number,status=string}
// @Failure 404 {object} map[string]string
// @Router /members/{memberID}/balance [get]
func (ss *SyncService) MemberBalance(w http.ResponseWriter, r *http.Request) {
	memberID := chi.URLParam(r, "memberID")

	var balance int64
	var status string
	err := ss.db.QueryRow(`
		SELECT balance, status FROM members
		WHERE id = $1`, memberID).Scan(&balance, &status)

	if err != nil || status == models.MemberStatusDeleted {
		http.Error(w, "Member not found", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"member_id": memberID,
		"balance":   CentsToAmount(balance),
		"status":    status,
	})
}

// DeviceSyncStatus reports when a device last completed a sync
// @Summary Get device sync status
// @Description Report the last successful sync time recorded for a kiosk device
// @Tags sync
// @Produce json
// @Param deviceID path string true "Device ID"
// @Success 200 {object} object{device_id=string,last_synced_at=string}
// @Failure 404 {object} map[string]string
// @Router /sync/devices/{deviceID} [get]
func (ss *SyncService) DeviceSyncStatus(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "deviceID")

	if ss.redis == nil {
		http.Error(w, "Sync status unavailable", http.StatusNotFound)
		return
	}

	lastSync, err := ss.redis.Get(r.Context(), "kiosk:lastsync:"+deviceID).Result()
	if err != nil {
		http.Error(w, "Device has not synced", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{
		"device_id":      deviceID,
		"last_synced_at": lastSync,
	})
}

// Database helper functions

func (ss *SyncService) fetchTransaction(txID string) (*models.LedgerTransaction, error) {
	lt := &models.LedgerTransaction{}
	err := ss.db.QueryRow(`
		SELECT id, member_id, business_id, amount, balance_before, balance_after,
		       description, device_id, client_tx_id, billing_period_id, occurred_at, created_at
		FROM ledger_transactions
		WHERE id = $1`, txID).Scan(
		&lt.ID, &lt.MemberID, &lt.BusinessID, &lt.Amount, &lt.BalanceBefore, &lt.BalanceAfter,
		&lt.Description, &lt.DeviceID, &lt.ClientTxID, &lt.BillingPeriodID, &lt.OccurredAt, &lt.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return lt, nil
}

func (ss *SyncService) fetchTransactions(memberID, deviceID, periodID string, limit int) ([]models.LedgerTransaction, error) {
	var conditions []string
	var args []interface{}
	argIndex := 1

	baseQuery := `
		SELECT id, member_id, business_id, amount, balance_before, balance_after,
		       description, device_id, client_tx_id, billing_period_id, occurred_at, created_at
		FROM ledger_transactions
	`

	if memberID != "" {
		conditions = append(conditions, fmt.Sprintf("member_id = $%d", argIndex))
		args = append(args, memberID)
		argIndex++
	}
	if deviceID != "" {
		conditions = append(conditions, fmt.Sprintf("device_id = $%d", argIndex))
		args = append(args, deviceID)
		argIndex++
	}
	if periodID != "" {
		conditions = append(conditions, fmt.Sprintf("billing_period_id = $%d", argIndex))
		args = append(args, periodID)
		argIndex++
	}

	query := baseQuery
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY created_at DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIndex)
	args = append(args, limit)

	rows, err := ss.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	transactions := []models.LedgerTransaction{}
	for rows.Next() {
		var lt models.LedgerTransaction
		err := rows.Scan(
			&lt.ID, &lt.MemberID, &lt.BusinessID, &lt.Amount, &lt.BalanceBefore, &lt.BalanceAfter,
			&lt.Description, &lt.DeviceID, &lt.ClientTxID, &lt.BillingPeriodID, &lt.OccurredAt, &lt.CreatedAt,
		)
		if err != nil {
			return nil, err
		}
		transactions = append(transactions, lt)
	}

	return transactions, rows.Err()
}
