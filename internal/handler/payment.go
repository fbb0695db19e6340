package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/josh-kwaku/cbu-rotation-reconciler/internal/logging"
	"github.com/josh-kwaku/cbu-rotation-reconciler/internal/service/reconcile"
)

type paymentIngestor interface {
	IngestConfirmedPayment(ctx context.Context, in reconcile.PaymentInput) (*reconcile.IngestResult, error)
}

// PaymentHandler accepts confirmed payments pushed by an operator or a
// trusted integration, bypassing the webhook inbox.
type PaymentHandler struct {
	payments paymentIngestor
}

func NewPaymentHandler(payments paymentIngestor) *PaymentHandler {
	return &PaymentHandler{payments: payments}
}

type confirmedPaymentRequest struct {
	ID                 string          `json:"id"`
	Amount             decimal.Decimal `json:"amount"`
	ProviderReceiverID string          `json:"provider_receiver_id"`
	PayerIdentity      string          `json:"payer_identity"`
	CreatedAt          *time.Time      `json:"created_at"`
	Status             string          `json:"status"`
}

func (r confirmedPaymentRequest) Validate() []FieldError {
	var errs []FieldError

	if strings.TrimSpace(r.ID) == "" {
		errs = append(errs, FieldError{Field: "id", Message: "required"})
	}
	if !r.Amount.IsPositive() {
		errs = append(errs, FieldError{Field: "amount", Message: "must be greater than 0"})
	}
	if strings.TrimSpace(r.Status) == "" {
		errs = append(errs, FieldError{Field: "status", Message: "required"})
	}

	return errs
}

type ingestResultDTO struct {
	Transaction transactionDTO  `json:"transaction"`
	Outcome     matchOutcomeDTO `json:"outcome"`
}

func (h *PaymentHandler) Confirm(w http.ResponseWriter, r *http.Request) {
	var req confirmedPaymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		RespondAppError(w, ErrInvalidRequest, nil)
		return
	}

	if fields := req.Validate(); len(fields) > 0 {
		RespondValidationError(w, fields)
		return
	}

	result, err := h.payments.IngestConfirmedPayment(r.Context(), reconcile.PaymentInput{
		ID:                 req.ID,
		Amount:             req.Amount,
		ProviderReceiverID: req.ProviderReceiverID,
		PayerIdentity:      req.PayerIdentity,
		CreatedAt:          req.CreatedAt,
		Status:             req.Status,
	})
	if err != nil {
		logging.FromContext(r.Context()).Warn("payment ingest failed", "payment_id", req.ID, "error", err)
		RespondDomainError(w, err)
		return
	}

	RespondSuccess(w, http.StatusOK, ingestResultDTO{
		Transaction: toTransactionDTO(result.Transaction),
		Outcome:     toMatchOutcomeDTO(result.Outcome),
	})
}
