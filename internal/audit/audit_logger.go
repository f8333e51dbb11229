package audit

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/kioskpay/backend/internal/models"
)

type Event struct {
	Timestamp     time.Time `json:"timestamp"`
	EventType     string    `json:"event_type"`
	TransactionID string    `json:"transaction_id"`
	DeviceID      string    `json:"device_id"`
	ClientTxID    string    `json:"client_tx_id"`
	MemberID      string    `json:"member_id"`
	BusinessID    string    `json:"business_id"`
	Amount        int64     `json:"amount"`
	Status        string    `json:"status"`
	Details       any       `json:"details"`
}

// Logger emits structured audit events for cross-system logging. Events
// go to the application log and, when redis is available, onto a queue
// drained by the reporting system. Emission is best-effort: it runs
// outside the apply transaction and a failure never affects the caller.
type Logger struct {
	redis *redis.Client
	queue string
}

func NewLogger(redisClient *redis.Client, queue string) *Logger {
	return &Logger{redis: redisClient, queue: queue}
}

func (a *Logger) LogApplied(tx *models.LedgerTransaction) {
	a.log(Event{
		Timestamp:     time.Now(),
		EventType:     "CHARGE_APPLIED",
		TransactionID: tx.ID,
		DeviceID:      tx.DeviceID,
		ClientTxID:    tx.ClientTxID,
		MemberID:      tx.MemberID,
		BusinessID:    tx.BusinessID,
		Amount:        tx.Amount,
		Status:        "ACCEPTED",
		Details: map[string]any{
			"balance_before":    tx.BalanceBefore,
			"balance_after":     tx.BalanceAfter,
			"billing_period_id": tx.BillingPeriodID,
		},
	})
}

func (a *Logger) LogDuplicate(deviceID, clientTxID, serverTxID string) {
	a.log(Event{
		Timestamp:     time.Now(),
		EventType:     "CHARGE_REPLAYED",
		TransactionID: serverTxID,
		DeviceID:      deviceID,
		ClientTxID:    clientTxID,
		Status:        "DUPLICATE",
	})
}

func (a *Logger) LogRejected(deviceID, clientTxID, reason string) {
	a.log(Event{
		Timestamp:  time.Now(),
		EventType:  "CHARGE_REJECTED",
		DeviceID:   deviceID,
		ClientTxID: clientTxID,
		Status:     "REJECTED",
		Details:    map[string]string{"reason": reason},
	})
}

func (a *Logger) LogError(deviceID, clientTxID string, err error) {
	a.log(Event{
		Timestamp:  time.Now(),
		EventType:  "ERROR",
		DeviceID:   deviceID,
		ClientTxID: clientTxID,
		Status:     "FAILED",
		Details:    map[string]string{"error": err.Error()},
	})
}

func (a *Logger) log(event Event) {
	data, _ := json.Marshal(event)
	log.Printf("AUDIT: %s", string(data))

	if a.redis == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := a.redis.RPush(ctx, a.queue, string(data)).Err(); err != nil {
		log.Printf("AUDIT: queue push failed, event logged only: %v", err)
	}
}
