package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/josh-kwaku/cbu-rotation-reconciler/internal/domain"
	"github.com/josh-kwaku/cbu-rotation-reconciler/internal/logging"
)

type rotationService interface {
	Allocate(ctx context.Context, amount decimal.Decimal, partitionKey string) (*domain.Allocation, error)
	Status(ctx context.Context, partitionKey string) (*domain.RotationStatus, error)
	Reset(ctx context.Context, partitionKey string) (int64, error)
	RecordRealizedAmount(ctx context.Context, cbu string, amount decimal.Decimal) error
}

type RotationHandler struct {
	rotation rotationService
}

func NewRotationHandler(rotation rotationService) *RotationHandler {
	return &RotationHandler{rotation: rotation}
}

type allocateRequest struct {
	Amount       decimal.Decimal `json:"amount"`
	PartitionKey string          `json:"partition_key"`
}

type allocationDTO struct {
	CBU         string `json:"cbu"`
	DisplayName string `json:"display_name"`
}

type rotationAccountDTO struct {
	CBU         string          `json:"cbu"`
	Accumulated decimal.Decimal `json:"accumulated"`
	IsAvailable bool            `json:"is_available"`
}

type rotationStatusDTO struct {
	PartitionKey     string               `json:"partition_key"`
	Accounts         []rotationAccountDTO `json:"accounts"`
	NextAvailableCBU string               `json:"next_available_cbu"`
}

type resetRequest struct {
	PartitionKey string `json:"partition_key"`
}

type accumulatedRequest struct {
	CBU    string          `json:"cbu"`
	Amount decimal.Decimal `json:"amount"`
}

func (r accumulatedRequest) Validate() []FieldError {
	var errs []FieldError

	if strings.TrimSpace(r.CBU) == "" {
		errs = append(errs, FieldError{Field: "cbu", Message: "required"})
	}
	if !r.Amount.IsPositive() {
		errs = append(errs, FieldError{Field: "amount", Message: "must be greater than 0"})
	}

	return errs
}

// Allocate picks the account a new deposit should be sent to. A non-positive
// amount is rejected by the service as INVALID_AMOUNT.
func (h *RotationHandler) Allocate(w http.ResponseWriter, r *http.Request) {
	var req allocateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		RespondAppError(w, ErrInvalidRequest, nil)
		return
	}

	alloc, err := h.rotation.Allocate(r.Context(), req.Amount, req.PartitionKey)
	if err != nil {
		logging.FromContext(r.Context()).Warn("allocation failed",
			"partition_key", req.PartitionKey,
			"amount", req.Amount.String(),
			"error", err,
		)
		RespondDomainError(w, err)
		return
	}

	RespondSuccess(w, http.StatusOK, allocationDTO{CBU: alloc.CBU, DisplayName: alloc.DisplayName})
}

func (h *RotationHandler) Status(w http.ResponseWriter, r *http.Request) {
	partitionKey := r.URL.Query().Get("partition_key")

	status, err := h.rotation.Status(r.Context(), partitionKey)
	if err != nil {
		logging.FromContext(r.Context()).Error("rotation status failed", "partition_key", partitionKey, "error", err)
		RespondDomainError(w, err)
		return
	}

	accounts := make([]rotationAccountDTO, 0, len(status.Accounts))
	for _, a := range status.Accounts {
		accounts = append(accounts, rotationAccountDTO{
			CBU:         a.CBU,
			Accumulated: a.Accumulated,
			IsAvailable: a.IsAvailable,
		})
	}

	RespondSuccess(w, http.StatusOK, rotationStatusDTO{
		PartitionKey:     status.PartitionKey,
		Accounts:         accounts,
		NextAvailableCBU: status.NextAvailableCBU,
	})
}

// Reset zeroes the counters of one partition, or of every partition when
// partition_key is empty, and clears the sticky selection.
func (h *RotationHandler) Reset(w http.ResponseWriter, r *http.Request) {
	var req resetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		RespondAppError(w, ErrInvalidRequest, nil)
		return
	}

	count, err := h.rotation.Reset(r.Context(), req.PartitionKey)
	if err != nil {
		logging.FromContext(r.Context()).Error("rotation reset failed", "partition_key", req.PartitionKey, "error", err)
		RespondDomainError(w, err)
		return
	}

	RespondSuccess(w, http.StatusOK, map[string]int64{"count": count})
}

func (h *RotationHandler) RecordAccumulated(w http.ResponseWriter, r *http.Request) {
	var req accumulatedRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		RespondAppError(w, ErrInvalidRequest, nil)
		return
	}

	if fields := req.Validate(); len(fields) > 0 {
		RespondValidationError(w, fields)
		return
	}

	if err := h.rotation.RecordRealizedAmount(r.Context(), req.CBU, req.Amount); err != nil {
		logging.FromContext(r.Context()).Warn("recording realized amount failed", "cbu", req.CBU, "error", err)
		RespondDomainError(w, err)
		return
	}

	RespondSuccess(w, http.StatusOK, map[string]string{"status": "recorded"})
}
