package handler

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/josh-kwaku/cbu-rotation-reconciler/internal/domain"
	"github.com/josh-kwaku/cbu-rotation-reconciler/internal/logging"
	"github.com/josh-kwaku/cbu-rotation-reconciler/internal/repository"
)

type webhookEventRepository interface {
	Create(ctx context.Context, event *domain.WebhookEvent) error
}

// WebhookHandler stores signed provider notifications in the inbox. The
// webhook processor resolves them later.
type WebhookHandler struct {
	webhooks webhookEventRepository
	secret   string
}

func NewWebhookHandler(webhooks webhookEventRepository, secret string) *WebhookHandler {
	return &WebhookHandler{webhooks: webhooks, secret: secret}
}

func validateNotification(n domain.ProviderNotification) []FieldError {
	var errs []FieldError

	if n.ID == "" {
		errs = append(errs, FieldError{Field: "id", Message: "required"})
	}
	if n.Type == "" {
		errs = append(errs, FieldError{Field: "type", Message: "required"})
	}
	if n.Type == domain.NotificationTypePayment && n.Data.ID == "" {
		errs = append(errs, FieldError{Field: "data.id", Message: "required"})
	}

	return errs
}

func (h *WebhookHandler) ReceiveProviderWebhook(w http.ResponseWriter, r *http.Request) {
	log := logging.FromContext(r.Context())

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		log.Error("failed to read webhook body", "error", err)
		RespondAppError(w, ErrInvalidRequest, nil)
		return
	}

	sig := r.Header.Get("X-Webhook-Signature")
	if !verifyHMAC(body, sig, h.secret) {
		log.Warn("webhook signature verification failed")
		RespondAppError(w, ErrInvalidSignature, nil)
		return
	}

	var n domain.ProviderNotification
	if err := json.Unmarshal(body, &n); err != nil {
		log.Warn("failed to parse webhook payload", "error", err)
		RespondAppError(w, ErrInvalidRequest, nil)
		return
	}

	if fields := validateNotification(n); len(fields) > 0 {
		RespondValidationError(w, fields)
		return
	}

	if n.Type != domain.NotificationTypePayment {
		log.Info("ignoring notification", "notification_id", n.ID, "type", n.Type)
		RespondSuccess(w, http.StatusOK, map[string]string{"status": "ignored"})
		return
	}

	event := &domain.WebhookEvent{
		ID:             uuid.New(),
		IdempotencyKey: n.ID.String(),
		EventType:      n.Type,
		Payload:        body,
		Status:         domain.WebhookEventStatusPending,
		CreatedAt:      time.Now().UTC(),
	}

	if err := h.webhooks.Create(r.Context(), event); err != nil {
		if repository.IsUniqueViolation(err) {
			log.Info("duplicate webhook received", "notification_id", n.ID, "payment_id", n.Data.ID)
			RespondSuccess(w, http.StatusOK, map[string]string{"status": "already_received"})
			return
		}
		log.Error("failed to store webhook event", "error", err)
		RespondAppError(w, ErrInternalError, nil)
		return
	}

	log.Info("webhook event stored",
		"webhook_event_id", event.ID,
		"notification_id", n.ID,
		"payment_id", n.Data.ID,
		"action", n.Action,
	)

	RespondSuccess(w, http.StatusOK, map[string]string{"status": "received"})
}

// verifyHMAC accepts a hex HMAC-SHA256 of body, optionally prefixed with
// "sha256=", in either letter case.
func verifyHMAC(body []byte, signature, secret string) bool {
	signature = strings.TrimPrefix(strings.TrimSpace(signature), "sha256=")
	got, err := hex.DecodeString(signature)
	if err != nil || len(got) != sha256.Size {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(mac.Sum(nil), got)
}
