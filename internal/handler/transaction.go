package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/josh-kwaku/cbu-rotation-reconciler/internal/domain"
	"github.com/josh-kwaku/cbu-rotation-reconciler/internal/logging"
)

type transactionReader interface {
	GetTransaction(ctx context.Context, origin domain.Origin, id string) (*domain.Transaction, error)
}

type transactionEventReader interface {
	GetByTransaction(ctx context.Context, origin domain.Origin, id string) ([]domain.TransactionEvent, error)
}

type TransactionHandler struct {
	transactions transactionReader
	events       transactionEventReader
}

func NewTransactionHandler(transactions transactionReader, events transactionEventReader) *TransactionHandler {
	return &TransactionHandler{transactions: transactions, events: events}
}

type transactionDTO struct {
	Origin             string          `json:"origin"`
	ID                 string          `json:"id"`
	Kind               string          `json:"kind"`
	Amount             decimal.Decimal `json:"amount"`
	Status             string          `json:"status"`
	ProviderStatus     *string         `json:"provider_status,omitempty"`
	PayerIdentity      string          `json:"payer_identity,omitempty"`
	RecipientCBU       string          `json:"recipient_cbu,omitempty"`
	ProviderReceiverID string          `json:"provider_receiver_id,omitempty"`
	ConfirmedPaymentID *string         `json:"confirmed_payment_id"`
	MatchedDepositID   *string         `json:"matched_deposit_id"`
	ErrorReason        *string         `json:"error_reason,omitempty"`
	CreatedAt          *time.Time      `json:"created_at"`
	RecordedAt         time.Time       `json:"recorded_at"`
	UpdatedAt          time.Time       `json:"updated_at"`
}

func toTransactionDTO(t *domain.Transaction) transactionDTO {
	return transactionDTO{
		Origin:             string(t.Origin),
		ID:                 t.ID,
		Kind:               string(t.Kind),
		Amount:             t.Amount,
		Status:             string(t.Status),
		ProviderStatus:     t.ProviderStatus,
		PayerIdentity:      t.PayerIdentity,
		RecipientCBU:       t.RecipientCBU,
		ProviderReceiverID: t.ProviderReceiverID,
		ConfirmedPaymentID: t.ConfirmedPaymentID,
		MatchedDepositID:   t.MatchedDepositID,
		ErrorReason:        t.ErrorReason,
		CreatedAt:          t.CreatedAt,
		RecordedAt:         t.RecordedAt,
		UpdatedAt:          t.UpdatedAt,
	}
}

type matchOutcomeDTO struct {
	Result    string `json:"result"`
	DepositID string `json:"deposit_id,omitempty"`
	PaymentID string `json:"payment_id,omitempty"`
}

func toMatchOutcomeDTO(o domain.MatchOutcome) matchOutcomeDTO {
	return matchOutcomeDTO{
		Result:    string(o.Result),
		DepositID: o.DepositID,
		PaymentID: o.PaymentID,
	}
}

type transactionEventDTO struct {
	EventType string          `json:"event_type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

func (h *TransactionHandler) Get(w http.ResponseWriter, r *http.Request) {
	origin := domain.Origin(chi.URLParam(r, "origin"))
	id := chi.URLParam(r, "id")

	t, err := h.transactions.GetTransaction(r.Context(), origin, id)
	if err != nil {
		logging.FromContext(r.Context()).Warn("transaction lookup failed",
			"origin", origin,
			"transaction_id", id,
			"error", err,
		)
		RespondDomainError(w, err)
		return
	}

	RespondSuccess(w, http.StatusOK, toTransactionDTO(t))
}

// Events lists the audit trail of one transaction, oldest first.
func (h *TransactionHandler) Events(w http.ResponseWriter, r *http.Request) {
	origin := domain.Origin(chi.URLParam(r, "origin"))
	id := chi.URLParam(r, "id")

	if _, err := h.transactions.GetTransaction(r.Context(), origin, id); err != nil {
		RespondDomainError(w, err)
		return
	}

	history, err := h.events.GetByTransaction(r.Context(), origin, id)
	if err != nil {
		logging.FromContext(r.Context()).Error("failed to load transaction events", "error", err)
		RespondAppError(w, ErrInternalError, nil)
		return
	}

	dtos := make([]transactionEventDTO, 0, len(history))
	for _, e := range history {
		dtos = append(dtos, transactionEventDTO{
			EventType: string(e.EventType),
			Payload:   e.Payload,
			CreatedAt: e.CreatedAt,
		})
	}
	RespondSuccess(w, http.StatusOK, dtos)
}
