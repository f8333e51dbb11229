package services

import (
	"database/sql"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/moov-io/iso20022/pkg/common"
	"github.com/moov-io/iso20022/pkg/pacs_v08"

	"github.com/kioskpay/backend/internal/config"
	"github.com/kioskpay/backend/internal/models"
)

// SettlementService converts applied ledger transactions into ISO 20022
// messages for the upstream settlement bank. Export is a read-only view
// over the ledger; it never mutates balances.
type SettlementService struct {
	db        *sql.DB
	cfg       *config.SyncConfig
	validator *ValidationHelper
}

func NewSettlementService(db *sql.DB, cfg *config.SyncConfig) *SettlementService {
	return &SettlementService{
		db:        db,
		cfg:       cfg,
		validator: NewValidationHelper(),
	}
}

// ExportPeriod exports a billing period's ledger as a pacs.008 message
// @Summary Export billing period for settlement
// @Description Convert all applied ledger transactions of a billing period to a pacs.008 credit transfer message
// @Tags settlement
// @Accept json
// @Produce json
// @Param export body object{periodId=string} true "Billing period to export"
// @Success 200 {object} object{status=string,messageType=string,transactions=int}
// @Failure 400 {object} ErrorResponse
// @Failure 404 {object} map[string]string
// @Router /settlement/export [post]
func (s *SettlementService) ExportPeriod(w http.ResponseWriter, r *http.Request) {
	var req struct {
		PeriodID string `json:"periodId" validate:"required"`
	}

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return
	}
	if err := s.validator.ValidateStruct(&req); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	transactions, err := s.fetchPeriodTransactions(req.PeriodID)
	if err != nil {
		log.Printf("[SETTLEMENT] Failed to load transactions for period %s: %v", req.PeriodID, err)
		SendErrorResponse(w, "Failed to load period transactions", http.StatusInternalServerError, nil)
		return
	}
	if len(transactions) == 0 {
		http.Error(w, "No transactions in billing period", http.StatusNotFound)
		return
	}

	doc, err := s.BuildPeriodTransfer(req.PeriodID, transactions)
	if err != nil {
		SendErrorResponse(w, err.Error(), http.StatusInternalServerError, nil)
		return
	}

	if err := s.SendToSettlement(doc); err != nil {
		log.Printf("[SETTLEMENT] Send failed for period %s: %v", req.PeriodID, err)
		SendErrorResponse(w, "Failed to send to settlement", http.StatusInternalServerError, nil)
		return
	}

	log.Printf("[SETTLEMENT] Exported %d transactions for period %s", len(transactions), req.PeriodID)
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"status":       "exported",
		"messageType":  "pacs.008.001.08",
		"transactions": len(transactions),
	})
}

// AcknowledgeTransaction builds a pacs.002 status report for one transaction
// @Summary Build settlement status report
// @Description Produce a pacs.002 payment status report for an applied ledger transaction
// @Tags settlement
// @Accept json
// @Produce json
// @Param ack body object{transactionId=string,status=string} true "Transaction and ISO status code"
// @Success 200 {object} object{status=string,messageType=string,xml=string}
// @Failure 400 {object} ErrorResponse
// @Failure 404 {object} map[string]string
// @Router /settlement/ack [post]
func (s *SettlementService) AcknowledgeTransaction(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TransactionID string `json:"transactionId" validate:"required"`
		Status        string `json:"status" validate:"required,oneof=ACCP RJCT ACSC"`
	}

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return
	}
	if err := s.validator.ValidateStruct(&req); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	lt, err := s.fetchLedgerTransaction(req.TransactionID)
	if err != nil {
		if err == sql.ErrNoRows {
			http.Error(w, "Transaction not found", http.StatusNotFound)
		} else {
			SendErrorResponse(w, "Failed to fetch transaction", http.StatusInternalServerError, nil)
		}
		return
	}

	doc, err := s.BuildStatusReport(lt, req.Status)
	if err != nil {
		SendErrorResponse(w, err.Error(), http.StatusInternalServerError, nil)
		return
	}

	xmlData, err := s.ConvertToXML(doc)
	if err != nil {
		SendErrorResponse(w, err.Error(), http.StatusInternalServerError, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"status":      "built",
		"messageType": "pacs.002.001.08",
		"xml":         xmlData,
	})
}

// BuildPeriodTransfer creates a pacs.008 FIToFICustomerCreditTransfer
// message carrying every ledger transaction of the period.
func (s *SettlementService) BuildPeriodTransfer(periodID string, transactions []models.LedgerTransaction) (*pacs_v08.FIToFICustomerCreditTransferV08, error) {
	msgID := uuid.New().String()
	now := time.Now()

	var total float64
	entries := make([]pacs_v08.CreditTransferTransaction39, 0, len(transactions))
	for i := range transactions {
		lt := &transactions[i]
		amount := CentsToAmount(lt.Amount)
		total += amount

		entries = append(entries, pacs_v08.CreditTransferTransaction39{
			PmtId: pacs_v08.PaymentIdentification7{
				InstrId:    max35Ptr(lt.ID),
				EndToEndId: common.Max35Text(lt.ClientTxID),
				TxId:       max35Ptr(lt.ID),
			},
			IntrBkSttlmAmt: pacs_v08.ActiveCurrencyAndAmount{
				Ccy:   common.ActiveCurrencyCode(s.cfg.Currency),
				Value: amount,
			},
			IntrBkSttlmDt: (*common.ISODate)(&now),
			ChrgBr:        "SLEV",
			DbtrAgt: pacs_v08.BranchAndFinancialInstitutionIdentification6{
				FinInstnId: pacs_v08.FinancialInstitutionIdentification18{
					BICFI: bicPtr(s.cfg.SettlementBIC),
				},
			},
			Dbtr: pacs_v08.PartyIdentification135{
				Nm: max140Ptr(lt.MemberID),
			},
			CdtrAgt: pacs_v08.BranchAndFinancialInstitutionIdentification6{
				FinInstnId: pacs_v08.FinancialInstitutionIdentification18{
					ClrSysMmbId: &pacs_v08.ClearingSystemMemberIdentification2{
						MmbId: common.Max35Text(lt.BusinessID),
					},
				},
			},
			Cdtr: pacs_v08.PartyIdentification135{
				Nm: max140Ptr(lt.BusinessID),
			},
		})
	}

	doc := &pacs_v08.FIToFICustomerCreditTransferV08{
		GrpHdr: pacs_v08.GroupHeader93{
			MsgId:   common.Max35Text(msgID),
			CreDtTm: common.ISODateTime(now),
			NbOfTxs: common.Max15NumericText(strconv.Itoa(len(entries))),
			TtlIntrBkSttlmAmt: &pacs_v08.ActiveCurrencyAndAmount{
				Ccy:   common.ActiveCurrencyCode(s.cfg.Currency),
				Value: total,
			},
			IntrBkSttlmDt: (*common.ISODate)(&now),
			SttlmInf: pacs_v08.SettlementInstruction7{
				SttlmMtd: "CLRG",
			},
		},
		CdtTrfTxInf: entries,
	}

	return doc, nil
}

// BuildStatusReport creates a pacs.002 payment status report for one
// ledger transaction. Status is an ISO external status code (ACCP,
// RJCT, ACSC).
func (s *SettlementService) BuildStatusReport(lt *models.LedgerTransaction, status string) (*pacs_v08.FIToFIPaymentStatusReportV08, error) {
	msgID := uuid.New().String()
	txStatus := pacs_v08.ExternalPaymentTransactionStatus1Code(status)

	doc := &pacs_v08.FIToFIPaymentStatusReportV08{
		GrpHdr: pacs_v08.GroupHeader53{
			MsgId:   common.Max35Text(msgID),
			CreDtTm: common.ISODateTime(time.Now()),
		},
		TxInfAndSts: []pacs_v08.PaymentTransaction80{
			{
				OrgnlInstrId:    max35Ptr(lt.ID),
				OrgnlEndToEndId: max35Ptr(lt.ClientTxID),
				OrgnlTxId:       max35Ptr(lt.ID),
				TxSts:           &txStatus,
			},
		},
	}

	return doc, nil
}

// ConvertToXML marshals an ISO 20022 document to an XML string.
func (s *SettlementService) ConvertToXML(doc interface{}) (string, error) {
	xmlData, err := xml.MarshalIndent(doc, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal XML: %w", err)
	}
	return xml.Header + string(xmlData), nil
}

func (s *SettlementService) SendToSettlement(doc interface{}) error {
	xmlData, err := xml.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal XML: %w", err)
	}

	// TODO: deliver to the bank's settlement gateway once credentials
	// are provisioned; logged for now.
	log.Printf("[SETTLEMENT] Outbound message (%d bytes)", len(xmlData))
	return nil
}

func (s *SettlementService) fetchPeriodTransactions(periodID string) ([]models.LedgerTransaction, error) {
	rows, err := s.db.Query(`
		SELECT id, member_id, business_id, amount, balance_before, balance_after,
		       description, device_id, client_tx_id, billing_period_id, occurred_at, created_at
		FROM ledger_transactions
		WHERE billing_period_id = $1
		ORDER BY created_at`, periodID)
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

func (s *SettlementService) fetchLedgerTransaction(txID string) (*models.LedgerTransaction, error) {
	lt := &models.LedgerTransaction{}
	err := s.db.QueryRow(`
		SELECT id, member_id, business_id, amount, client_tx_id, billing_period_id
		FROM ledger_transactions
		WHERE id = $1`, txID).Scan(
		&lt.ID, &lt.MemberID, &lt.BusinessID, &lt.Amount, &lt.ClientTxID, &lt.BillingPeriodID,
	)
	if err != nil {
		return nil, err
	}
	return lt, nil
}

func max35Ptr(s string) *common.Max35Text {
	v := common.Max35Text(s)
	return &v
}

func max140Ptr(s string) *common.Max140Text {
	v := common.Max140Text(s)
	return &v
}

func bicPtr(s string) *common.BICFIDec2014Identifier {
	v := common.BICFIDec2014Identifier(s)
	return &v
}
