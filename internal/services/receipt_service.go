package services

import (
	"bytes"
	"database/sql"
	"encoding/json"
	"image/png"
	"time"

	"github.com/skip2/go-qrcode"

	"github.com/kioskpay/backend/internal/models"
)

// ReceiptService renders kiosk-printable receipts for applied ledger
// transactions. The QR payload carries the server transaction reference
// so a later dispute can be matched against the ledger.
type ReceiptService struct {
	db *sql.DB
}

func NewReceiptService(db *sql.DB) *ReceiptService {
	return &ReceiptService{db: db}
}

type receiptPayload struct {
	TransactionID string  `json:"txId"`
	MemberID      string  `json:"memberId"`
	BusinessID    string  `json:"businessId"`
	Amount        float64 `json:"amount"`
	IssuedAt      int64   `json:"issuedAt"`
}

// GenerateReceipt returns a PNG QR image for the given server
// transaction id, or sql.ErrNoRows when the transaction does not exist.
func (s *ReceiptService) GenerateReceipt(txID string) ([]byte, *models.LedgerTransaction, error) {
	lt := &models.LedgerTransaction{}
	err := s.db.QueryRow(`
		SELECT id, member_id, business_id, amount, created_at
		FROM ledger_transactions
		WHERE id = $1`, txID).Scan(
		&lt.ID, &lt.MemberID, &lt.BusinessID, &lt.Amount, &lt.CreatedAt,
	)
	if err != nil {
		return nil, nil, err
	}

	payload, err := json.Marshal(receiptPayload{
		TransactionID: lt.ID,
		MemberID:      lt.MemberID,
		BusinessID:    lt.BusinessID,
		Amount:        CentsToAmount(lt.Amount),
		IssuedAt:      time.Now().Unix(),
	})
	if err != nil {
		return nil, nil, err
	}

	qr, err := qrcode.New(string(payload), qrcode.Medium)
	if err != nil {
		return nil, nil, err
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, qr.Image(256)); err != nil {
		return nil, nil, err
	}

	return buf.Bytes(), lt, nil
}
