package services

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-chi/chi/v5"
	"github.com/go-redis/redismock/v8"
	"github.com/stretchr/testify/assert"

	"github.com/kioskpay/backend/internal/config"
)

func testSyncConfig() *config.SyncConfig {
	return &config.SyncConfig{
		MaxBatchSize:   100,
		MaxAmountCents: 100_000_00,
		Currency:       "USD",
		AuditQueue:     "ledger_audit_queue",
		HeartbeatTTL:   time.Hour,
	}
}

func deviceRequest(body string) *http.Request {
	req := httptest.NewRequest("POST", "/sync/batch", bytes.NewBufferString(body))
	return req.WithContext(context.WithValue(req.Context(), "deviceID", "kiosk-01"))
}

type batchResponse struct {
	Success   bool         `json:"success"`
	DeviceID  string       `json:"device_id"`
	Processed int          `json:"processed"`
	Results   []SyncResult `json:"results"`
}

func TestSyncService_SyncBatch(t *testing.T) {
	t.Run("accepted transaction", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		assert.NoError(t, err)
		defer db.Close()

		redisClient, _ := redismock.NewClientMock()
		service := NewSyncService(db, redisClient, testSyncConfig())

		mock.ExpectBegin()
		mock.ExpectQuery("SELECT server_transaction_id, balance_after FROM sync_idempotency").
			WithArgs("kiosk-01", "a1").
			WillReturnError(sql.ErrNoRows)
		expectSnapshots(mock, 1000, 3)
		mock.ExpectExec("INSERT INTO ledger_transactions").
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectExec("UPDATE members SET balance").
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectExec("INSERT INTO sync_idempotency").
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectCommit()

		body := `{"transactions":[{"clientTxId":"a1","businessId":"B1","memberId":"M1","amount":42.50,"description":"pool visit","occurredAt":"2026-08-31T18:04:05Z"}]}`
		w := httptest.NewRecorder()
		service.SyncBatch(w, deviceRequest(body))

		assert.Equal(t, http.StatusOK, w.Code)
		var resp batchResponse
		assert.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.True(t, resp.Success)
		assert.Equal(t, "kiosk-01", resp.DeviceID)
		assert.Equal(t, 1, resp.Processed)
		assert.Len(t, resp.Results, 1)
		assert.Equal(t, "a1", resp.Results[0].ClientTxID)
		assert.Equal(t, StatusAccepted, resp.Results[0].Status)
		assert.NotEmpty(t, resp.Results[0].ServerTransactionID)
		assert.Equal(t, 52.50, *resp.Results[0].BalanceAfter)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("retry resolves as duplicate with original outcome", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		assert.NoError(t, err)
		defer db.Close()

		redisClient, _ := redismock.NewClientMock()
		service := NewSyncService(db, redisClient, testSyncConfig())

		mock.ExpectBegin()
		mock.ExpectQuery("SELECT server_transaction_id, balance_after FROM sync_idempotency").
			WithArgs("kiosk-01", "a1").
			WillReturnRows(sqlmock.NewRows([]string{"server_transaction_id", "balance_after"}).
				AddRow("srv-123", 5250))
		mock.ExpectRollback()

		body := `{"transactions":[{"clientTxId":"a1","businessId":"B1","memberId":"M1","amount":42.50}]}`
		w := httptest.NewRecorder()
		service.SyncBatch(w, deviceRequest(body))

		assert.Equal(t, http.StatusOK, w.Code)
		var resp batchResponse
		assert.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.Equal(t, StatusDuplicate, resp.Results[0].Status)
		assert.Equal(t, "srv-123", resp.Results[0].ServerTransactionID)
		assert.Equal(t, 52.50, *resp.Results[0].BalanceAfter)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("rejected item does not abort the rest of the batch", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		assert.NoError(t, err)
		defer db.Close()

		redisClient, _ := redismock.NewClientMock()
		service := NewSyncService(db, redisClient, testSyncConfig())

		// Item 1: business B2 lacks the charge permission.
		mock.ExpectBegin()
		mock.ExpectQuery("SELECT server_transaction_id, balance_after FROM sync_idempotency").
			WithArgs("kiosk-01", "a1").
			WillReturnError(sql.ErrNoRows)
		mock.ExpectQuery("SELECT active, can_charge, per_visit_fee FROM businesses WHERE id = \\$1").
			WithArgs("B2").
			WillReturnRows(sqlmock.NewRows([]string{"active", "can_charge", "per_visit_fee"}).
				AddRow(true, false, 0))
		mock.ExpectQuery("SELECT id FROM billing_periods WHERE status = 'ACTIVE'").
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("2026-09"))
		mock.ExpectQuery("SELECT balance, status, version FROM members WHERE id = \\$1 FOR UPDATE").
			WithArgs("M1").
			WillReturnRows(sqlmock.NewRows([]string{"balance", "status", "version"}).
				AddRow(1000, "ACTIVE", 3))
		mock.ExpectRollback()

		// Item 2 proceeds normally.
		mock.ExpectBegin()
		mock.ExpectQuery("SELECT server_transaction_id, balance_after FROM sync_idempotency").
			WithArgs("kiosk-01", "a2").
			WillReturnError(sql.ErrNoRows)
		expectSnapshots(mock, 1000, 3)
		mock.ExpectExec("INSERT INTO ledger_transactions").
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectExec("UPDATE members SET balance").
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectExec("INSERT INTO sync_idempotency").
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectCommit()

		body := `{"transactions":[
			{"clientTxId":"a1","businessId":"B2","memberId":"M1","amount":10},
			{"clientTxId":"a2","businessId":"B1","memberId":"M1","amount":42.50}
		]}`
		w := httptest.NewRecorder()
		service.SyncBatch(w, deviceRequest(body))

		assert.Equal(t, http.StatusOK, w.Code)
		var resp batchResponse
		assert.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.True(t, resp.Success)
		assert.Equal(t, 2, resp.Processed)
		assert.Equal(t, StatusRejected, resp.Results[0].Status)
		assert.Equal(t, "permission denied", resp.Results[0].Error)
		assert.Empty(t, resp.Results[0].ServerTransactionID)
		assert.Equal(t, StatusAccepted, resp.Results[1].Status)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("store failure is reported per item and is retryable", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		assert.NoError(t, err)
		defer db.Close()

		redisClient, _ := redismock.NewClientMock()
		service := NewSyncService(db, redisClient, testSyncConfig())

		mock.ExpectBegin().WillReturnError(fmt.Errorf("store down"))

		body := `{"transactions":[{"clientTxId":"a1","businessId":"B1","memberId":"M1","amount":42.50}]}`
		w := httptest.NewRecorder()
		service.SyncBatch(w, deviceRequest(body))

		assert.Equal(t, http.StatusOK, w.Code)
		var resp batchResponse
		assert.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.True(t, resp.Success)
		assert.Equal(t, StatusRejected, resp.Results[0].Status)
		assert.Equal(t, string(ReasonStoreUnavailable), resp.Results[0].Error)
	})

	t.Run("malformed entry is rejected per item", func(t *testing.T) {
		db, _, err := sqlmock.New()
		assert.NoError(t, err)
		defer db.Close()

		redisClient, _ := redismock.NewClientMock()
		service := NewSyncService(db, redisClient, testSyncConfig())

		body := `{"transactions":[{"clientTxId":"a1","businessId":"B1","amount":42.50}]}`
		w := httptest.NewRecorder()
		service.SyncBatch(w, deviceRequest(body))

		assert.Equal(t, http.StatusOK, w.Code)
		var resp batchResponse
		assert.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.Equal(t, StatusRejected, resp.Results[0].Status)
		assert.Equal(t, "a1", resp.Results[0].ClientTxID)
	})

	t.Run("empty batch", func(t *testing.T) {
		db, _, err := sqlmock.New()
		assert.NoError(t, err)
		defer db.Close()

		redisClient, _ := redismock.NewClientMock()
		service := NewSyncService(db, redisClient, testSyncConfig())

		w := httptest.NewRecorder()
		service.SyncBatch(w, deviceRequest(`{"transactions":[]}`))
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("oversize batch rejected whole with no processing", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		assert.NoError(t, err)
		defer db.Close()

		redisClient, _ := redismock.NewClientMock()
		service := NewSyncService(db, redisClient, testSyncConfig())

		batch := struct {
			Transactions []ClientTransaction `json:"transactions"`
		}{}
		for i := 0; i < 101; i++ {
			batch.Transactions = append(batch.Transactions, ClientTransaction{
				ClientTxID: fmt.Sprintf("tx-%d", i),
				BusinessID: "B1",
				MemberID:   "M1",
				Amount:     1,
			})
		}
		payload, _ := json.Marshal(batch)

		w := httptest.NewRecorder()
		service.SyncBatch(w, deviceRequest(string(payload)))

		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.NoError(t, mock.ExpectationsWereMet()) // nothing touched the store
	})

	t.Run("invalid request body", func(t *testing.T) {
		db, _, err := sqlmock.New()
		assert.NoError(t, err)
		defer db.Close()

		redisClient, _ := redismock.NewClientMock()
		service := NewSyncService(db, redisClient, testSyncConfig())

		w := httptest.NewRecorder()
		service.SyncBatch(w, deviceRequest("not json"))
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("missing device context", func(t *testing.T) {
		db, _, err := sqlmock.New()
		assert.NoError(t, err)
		defer db.Close()

		redisClient, _ := redismock.NewClientMock()
		service := NewSyncService(db, redisClient, testSyncConfig())

		req := httptest.NewRequest("POST", "/sync/batch", bytes.NewBufferString(`{"transactions":[]}`))
		w := httptest.NewRecorder()
		service.SyncBatch(w, req)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestSyncService_GetTransaction(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	redisClient, _ := redismock.NewClientMock()
	service := NewSyncService(db, redisClient, testSyncConfig())

	r := chi.NewRouter()
	r.Get("/transactions/{txID}", service.GetTransaction)

	t.Run("found", func(t *testing.T) {
		now := time.Now()
		mock.ExpectQuery("SELECT id, member_id, business_id, amount, balance_before, balance_after").
			WithArgs("srv-123").
			WillReturnRows(sqlmock.NewRows([]string{
				"id", "member_id", "business_id", "amount", "balance_before", "balance_after",
				"description", "device_id", "client_tx_id", "billing_period_id", "occurred_at", "created_at",
			}).AddRow("srv-123", "M1", "B1", 4250, 1000, 5250, "pool visit", "kiosk-01", "a1", "2026-09", now, now))

		req := httptest.NewRequest("GET", "/transactions/srv-123", nil)
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)

		assert.Equal(t, http.StatusOK, w.Code)
		var response map[string]any
		json.Unmarshal(w.Body.Bytes(), &response)
		assert.Equal(t, "srv-123", response["id"])
		assert.Equal(t, float64(4250), response["amount"])
	})

	t.Run("not found", func(t *testing.T) {
		mock.ExpectQuery("SELECT id, member_id, business_id, amount, balance_before, balance_after").
			WithArgs("missing").
			WillReturnError(sql.ErrNoRows)

		req := httptest.NewRequest("GET", "/transactions/missing", nil)
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)

		assert.Equal(t, http.StatusNotFound, w.Code)
	})
}

func TestSyncService_MemberBalance(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	redisClient, _ := redismock.NewClientMock()
	service := NewSyncService(db, redisClient, testSyncConfig())

	r := chi.NewRouter()
	r.Get("/members/{memberID}/balance", service.MemberBalance)

	t.Run("negative balance is reported as-is", func(t *testing.T) {
		mock.ExpectQuery("SELECT balance, status FROM members").
			WithArgs("M1").
			WillReturnRows(sqlmock.NewRows([]string{"balance", "status"}).AddRow(-2500, "ACTIVE"))

		req := httptest.NewRequest("GET", "/members/M1/balance", nil)
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)

		assert.Equal(t, http.StatusOK, w.Code)
		var response map[string]any
		json.Unmarshal(w.Body.Bytes(), &response)
		assert.Equal(t, -25.0, response["balance"])
	})

	t.Run("deleted member is hidden", func(t *testing.T) {
		mock.ExpectQuery("SELECT balance, status FROM members").
			WithArgs("M2").
			WillReturnRows(sqlmock.NewRows([]string{"balance", "status"}).AddRow(0, "DELETED"))

		req := httptest.NewRequest("GET", "/members/M2/balance", nil)
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)

		assert.Equal(t, http.StatusNotFound, w.Code)
	})
}

func TestSyncService_DeviceSyncStatus(t *testing.T) {
	db, _, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	redisClient, redisMock := redismock.NewClientMock()
	service := NewSyncService(db, redisClient, testSyncConfig())

	r := chi.NewRouter()
	r.Get("/sync/devices/{deviceID}", service.DeviceSyncStatus)

	t.Run("known device", func(t *testing.T) {
		redisMock.ExpectGet("kiosk:lastsync:kiosk-01").SetVal("2026-08-31T18:04:05Z")

		req := httptest.NewRequest("GET", "/sync/devices/kiosk-01", nil)
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)

		assert.Equal(t, http.StatusOK, w.Code)
		var response map[string]string
		json.Unmarshal(w.Body.Bytes(), &response)
		assert.Equal(t, "2026-08-31T18:04:05Z", response["last_synced_at"])
	})

	t.Run("device never synced", func(t *testing.T) {
		redisMock.ExpectGet("kiosk:lastsync:kiosk-99").RedisNil()

		req := httptest.NewRequest("GET", "/sync/devices/kiosk-99", nil)
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)

		assert.Equal(t, http.StatusNotFound, w.Code)
	})
}
