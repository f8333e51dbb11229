package handlers

import (
	"database/sql"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/kioskpay/backend/internal/services"
)

type ReceiptHandler struct {
	service *services.ReceiptService
}

func NewReceiptHandler(service *services.ReceiptService) *ReceiptHandler {
	return &ReceiptHandler{service: service}
}

// TransactionReceipt renders a QR receipt for a ledger transaction
// @Summary Get transaction receipt
// @Description Render a PNG QR receipt for an applied ledger transaction
// @Tags transactions
// @Produce png
// @Security BearerAuth
// @Param txID path string true "Server transaction ID"
// @Success 200 {file} file
// @Failure 404 {object} map[string]string
// @Router /transactions/{txID}/receipt [get]
func (h *ReceiptHandler) TransactionReceipt(w http.ResponseWriter, r *http.Request) {
	txID := chi.URLParam(r, "txID")

	image, _, err := h.service.GenerateReceipt(txID)
	if err != nil {
		if err == sql.ErrNoRows {
			http.Error(w, "Transaction not found", http.StatusNotFound)
		} else {
			http.Error(w, "Failed to render receipt", http.StatusInternalServerError)
		}
		return
	}

	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "private, max-age=86400")
	w.Write(image)
}
