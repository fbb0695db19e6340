package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/josh-kwaku/cbu-rotation-reconciler/internal/domain"
)

type pinger interface {
	PingContext(ctx context.Context) error
}

type inboxCounter interface {
	CountByStatus(ctx context.Context, status domain.WebhookEventStatus) (int, error)
}

type HealthHandler struct {
	db      pinger
	inbox   inboxCounter
	version string
}

func NewHealthHandler(db pinger, inbox inboxCounter, version string) *HealthHandler {
	return &HealthHandler{db: db, inbox: inbox, version: version}
}

func (h *HealthHandler) Liveness(w http.ResponseWriter, r *http.Request) {
	RespondJSON(w, http.StatusOK, map[string]string{
		"status":    "ok",
		"version":   h.version,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// Readiness reports database reachability. The webhook backlog is reported
// for operators but never fails the check.
func (h *HealthHandler) Readiness(w http.ResponseWriter, r *http.Request) {
	dbStatus := "ok"
	httpStatus := http.StatusOK

	if err := h.db.PingContext(r.Context()); err != nil {
		slog.Warn("readiness check failed: database unreachable", "error", err)
		dbStatus = "down"
		httpStatus = http.StatusServiceUnavailable
	}

	overallStatus := "ok"
	if httpStatus != http.StatusOK {
		overallStatus = "down"
	}

	body := map[string]any{
		"status":    overallStatus,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"checks": map[string]string{
			"database": dbStatus,
		},
	}
	if dbStatus == "ok" && h.inbox != nil {
		if pending, err := h.inbox.CountByStatus(r.Context(), domain.WebhookEventStatusPending); err == nil {
			body["pending_webhooks"] = pending
		}
	}

	RespondJSON(w, httpStatus, body)
}
