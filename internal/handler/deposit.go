package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/josh-kwaku/cbu-rotation-reconciler/internal/logging"
	"github.com/josh-kwaku/cbu-rotation-reconciler/internal/service/reconcile"
)

type depositReporter interface {
	ReportDeposit(ctx context.Context, in reconcile.DepositInput) (*reconcile.DepositReport, error)
}

type DepositHandler struct {
	deposits depositReporter
}

func NewDepositHandler(deposits depositReporter) *DepositHandler {
	return &DepositHandler{deposits: deposits}
}

type reportDepositRequest struct {
	ID            string          `json:"id"`
	Amount        decimal.Decimal `json:"amount"`
	CBU           string          `json:"cbu"`
	PayerIdentity string          `json:"payer_identity"`
	CreatedAt     *time.Time      `json:"created_at"`
}

func (r reportDepositRequest) Validate() []FieldError {
	var errs []FieldError

	if strings.TrimSpace(r.ID) == "" {
		errs = append(errs, FieldError{Field: "id", Message: "required"})
	}
	if !r.Amount.IsPositive() {
		errs = append(errs, FieldError{Field: "amount", Message: "must be greater than 0"})
	}
	if strings.TrimSpace(r.CBU) == "" {
		errs = append(errs, FieldError{Field: "cbu", Message: "required"})
	}

	return errs
}

type depositReportDTO struct {
	Transaction transactionDTO  `json:"transaction"`
	Duplicate   bool            `json:"duplicate"`
	Outcome     matchOutcomeDTO `json:"outcome"`
}

// Report records a client-reported deposit and returns it with the outcome
// of the matching attempt. A known id answers 200 with duplicate set.
func (h *DepositHandler) Report(w http.ResponseWriter, r *http.Request) {
	log := logging.FromContext(r.Context())

	var req reportDepositRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		RespondAppError(w, ErrInvalidRequest, nil)
		return
	}

	if fields := req.Validate(); len(fields) > 0 {
		RespondValidationError(w, fields)
		return
	}

	report, err := h.deposits.ReportDeposit(r.Context(), reconcile.DepositInput{
		ID:            req.ID,
		Amount:        req.Amount,
		CBU:           req.CBU,
		PayerIdentity: req.PayerIdentity,
		CreatedAt:     req.CreatedAt,
	})
	if err != nil {
		log.Warn("deposit report failed", "deposit_id", req.ID, "error", err)
		RespondDomainError(w, err)
		return
	}

	status := http.StatusCreated
	if report.Duplicate {
		status = http.StatusOK
	}

	w.Header().Set("Location", fmt.Sprintf("/api/v1/transactions/reported/%s", report.Transaction.ID))
	RespondSuccess(w, status, depositReportDTO{
		Transaction: toTransactionDTO(report.Transaction),
		Duplicate:   report.Duplicate,
		Outcome:     toMatchOutcomeDTO(report.Outcome),
	})
}
