package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/josh-kwaku/cbu-rotation-reconciler/internal/domain"
	"github.com/josh-kwaku/cbu-rotation-reconciler/internal/logging"
	"github.com/josh-kwaku/cbu-rotation-reconciler/internal/service/reconcile"
)

// maxAttempts bounds how often a notification is retried after a
// processing error before it is marked failed.
const maxAttempts = 5

// staleClaimAge is how long an event may sit in processing before it is
// considered abandoned and handed out again.
const staleClaimAge = 5 * time.Minute

type webhookRepo interface {
	ClaimPending(ctx context.Context, limit int) ([]domain.WebhookEvent, error)
	UpdateStatus(ctx context.Context, id uuid.UUID, status domain.WebhookEventStatus) error
	ReleaseStale(ctx context.Context, olderThan time.Time) (int64, error)
}

type paymentFetcher interface {
	FetchPayment(ctx context.Context, paymentID string) (*domain.PaymentDetails, error)
}

type paymentIngestor interface {
	IngestConfirmedPayment(ctx context.Context, in reconcile.PaymentInput) (*reconcile.IngestResult, error)
	RecordIngestFailure(ctx context.Context, paymentID, reason string) error
}

// WebhookProcessor drains the notification inbox: it resolves each payment
// notification to full payment details and hands them to the engine.
type WebhookProcessor struct {
	webhooks  webhookRepo
	fetcher   paymentFetcher
	ingestor  paymentIngestor
	logger    *slog.Logger
	interval  time.Duration
	batchSize int
}

func NewWebhookProcessor(
	webhooks webhookRepo,
	fetcher paymentFetcher,
	ingestor paymentIngestor,
	logger *slog.Logger,
	interval time.Duration,
	batchSize int,
) *WebhookProcessor {
	return &WebhookProcessor{
		webhooks:  webhooks,
		fetcher:   fetcher,
		ingestor:  ingestor,
		logger:    logger,
		interval:  interval,
		batchSize: batchSize,
	}
}

func (p *WebhookProcessor) Start(ctx context.Context) {
	p.logger.Info("webhook processor started", "interval", p.interval)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("webhook processor stopped")
			return
		case <-ticker.C:
			p.poll(ctx)
		}
	}
}

func (p *WebhookProcessor) poll(ctx context.Context) {
	released, err := p.webhooks.ReleaseStale(ctx, time.Now().Add(-staleClaimAge))
	if err != nil {
		p.logger.Error("failed to release stale webhook events", "error", err)
	} else if released > 0 {
		p.logger.Warn("released stale webhook events", "count", released)
	}

	events, err := p.webhooks.ClaimPending(ctx, p.batchSize)
	if err != nil {
		p.logger.Error("failed to claim pending webhook events", "error", err)
		return
	}

	for _, event := range events {
		if err := p.processEvent(ctx, event); err != nil {
			p.logger.Error("failed to process webhook event",
				"webhook_event_id", event.ID,
				"error", err,
			)
		}
	}
}

func (p *WebhookProcessor) processEvent(ctx context.Context, event domain.WebhookEvent) error {
	ctx, log := logging.With(logging.WithLogger(ctx, p.logger), "webhook_event_id", event.ID)

	var n domain.ProviderNotification
	if err := json.Unmarshal(event.Payload, &n); err != nil {
		log.Error("malformed webhook payload", "error", err)
		return p.webhooks.UpdateStatus(ctx, event.ID, domain.WebhookEventStatusFailed)
	}

	if n.Type != domain.NotificationTypePayment || n.Data.ID == "" {
		log.Info("ignoring non-payment notification", "type", n.Type, "action", n.Action)
		return p.webhooks.UpdateStatus(ctx, event.ID, domain.WebhookEventStatusDispatched)
	}

	paymentID := n.Data.ID.String()
	ctx, log = logging.With(ctx, "payment_id", paymentID)

	details, err := p.fetcher.FetchPayment(ctx, paymentID)
	if err != nil {
		if ctx.Err() != nil {
			return p.release(ctx, event, err)
		}
		log.Warn("payment lookup failed", "error", err)
		if recErr := p.ingestor.RecordIngestFailure(ctx, paymentID, err.Error()); recErr != nil {
			return p.retryOrFail(ctx, event, fmt.Errorf("processEvent: %w", recErr))
		}
		return p.webhooks.UpdateStatus(ctx, event.ID, domain.WebhookEventStatusFailed)
	}

	result, err := p.ingestor.IngestConfirmedPayment(ctx, reconcile.PaymentInputFromDetails(*details))
	if err != nil {
		if errors.Is(err, domain.ErrInvalidAmount) || errors.Is(err, domain.ErrInvalidRequest) {
			log.Error("provider returned unusable payment", "error", err)
			return p.webhooks.UpdateStatus(ctx, event.ID, domain.WebhookEventStatusFailed)
		}
		if ctx.Err() != nil {
			return p.release(ctx, event, err)
		}
		return p.retryOrFail(ctx, event, fmt.Errorf("processEvent: %w", err))
	}

	log.Info("notification processed",
		"status", result.Transaction.Status,
		"outcome", result.Outcome.Result,
	)
	return p.webhooks.UpdateStatus(ctx, event.ID, domain.WebhookEventStatusDispatched)
}

// retryOrFail returns the event to the inbox for another tick until it has
// used its attempts.
func (p *WebhookProcessor) retryOrFail(ctx context.Context, event domain.WebhookEvent, cause error) error {
	status := domain.WebhookEventStatusPending
	if event.Attempts >= maxAttempts {
		status = domain.WebhookEventStatusFailed
	}
	if err := p.webhooks.UpdateStatus(ctx, event.ID, status); err != nil {
		return errors.Join(cause, err)
	}
	return cause
}

// release puts an event interrupted by shutdown back to pending.
func (p *WebhookProcessor) release(ctx context.Context, event domain.WebhookEvent, cause error) error {
	if err := p.webhooks.UpdateStatus(context.WithoutCancel(ctx), event.ID, domain.WebhookEventStatusPending); err != nil {
		return errors.Join(cause, err)
	}
	return cause
}
