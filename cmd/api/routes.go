package main

import (
	_ "embed"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/josh-kwaku/cbu-rotation-reconciler/internal/handler"
	"github.com/josh-kwaku/cbu-rotation-reconciler/internal/middleware"
)

//go:embed openapi.yaml
var openAPISpec []byte

type handlers struct {
	health       *handler.HealthHandler
	rotation     *handler.RotationHandler
	deposits     *handler.DepositHandler
	payments     *handler.PaymentHandler
	transactions *handler.TransactionHandler
	webhooks     *handler.WebhookHandler
}

func newRouter(h handlers, logger *slog.Logger, requestTimeout time.Duration) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Logging(logger))
	r.Use(middleware.Recovery)
	r.Use(chimw.Timeout(requestTimeout))

	r.Get("/health/live", h.health.Liveness)
	r.Get("/health/ready", h.health.Readiness)
	r.Get("/docs", handler.ServeDocs("/docs/openapi.yaml"))
	r.Get("/docs/openapi.yaml", handler.ServeSpec(openAPISpec))

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/rotation", func(r chi.Router) {
			r.Post("/allocate", h.rotation.Allocate)
			r.Get("/status", h.rotation.Status)
			r.Post("/reset", h.rotation.Reset)
			r.Post("/accumulated", h.rotation.RecordAccumulated)
		})

		r.Post("/deposits", h.deposits.Report)
		r.Post("/payments/confirmed", h.payments.Confirm)

		r.Get("/transactions/{origin}/{id}", h.transactions.Get)
		r.Get("/transactions/{origin}/{id}/events", h.transactions.Events)

		r.Post("/webhooks/provider", h.webhooks.ReceiveProviderWebhook)
	})

	return r
}
