package reconcile

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/josh-kwaku/cbu-rotation-reconciler/internal/domain"
	"github.com/josh-kwaku/cbu-rotation-reconciler/internal/logging"
)

type PaymentInput struct {
	ID                 string
	Amount             decimal.Decimal
	ProviderReceiverID string
	PayerIdentity      string
	CreatedAt          *time.Time
	Status             string
}

type IngestResult struct {
	Transaction *domain.Transaction
	Outcome     domain.MatchOutcome
}

// PaymentInputFromDetails adapts a provider lookup into an ingest request.
func PaymentInputFromDetails(p domain.PaymentDetails) PaymentInput {
	return PaymentInput{
		ID:                 p.ID,
		Amount:             p.Amount,
		ProviderReceiverID: p.ProviderReceiverID,
		PayerIdentity:      p.PayerIdentity,
		CreatedAt:          p.CreatedAt,
		Status:             p.Status,
	}
}

// IngestConfirmedPayment upserts a provider payment and, when it is approved
// and unconsumed, matches it against Pending deposits. The first approval of
// a payment credits its receiving account.
func (e *Engine) IngestConfirmedPayment(ctx context.Context, in PaymentInput) (*IngestResult, error) {
	in.ID = strings.TrimSpace(in.ID)
	in.Status = strings.ToLower(strings.TrimSpace(in.Status))
	if in.ID == "" {
		return nil, fmt.Errorf("IngestConfirmedPayment: id is required: %w", domain.ErrInvalidRequest)
	}
	if in.Status == "" {
		return nil, fmt.Errorf("IngestConfirmedPayment: status is required: %w", domain.ErrInvalidRequest)
	}
	if !in.Amount.IsPositive() {
		return nil, fmt.Errorf("IngestConfirmedPayment: %w", domain.ErrInvalidAmount)
	}

	payment, closedFor, err := e.persistPayment(ctx, in)
	if err != nil {
		return nil, fmt.Errorf("IngestConfirmedPayment: %w", err)
	}

	outcome := domain.NoMatch()
	switch {
	case closedFor != "":
		outcome = domain.Matched(closedFor, payment.ID)
		e.publishMatched(ctx, closedFor, payment.ID, payment.Amount, true)
	case payment.Status == domain.TransactionStatusPending && payment.IsApproved() && !payment.IsConsumed():
		outcome, err = e.matchPayment(ctx, payment)
		if err != nil {
			return nil, fmt.Errorf("IngestConfirmedPayment: %w", err)
		}
	}

	current, err := e.transactions.GetByID(ctx, domain.OriginProvider, payment.ID)
	if err != nil {
		return nil, fmt.Errorf("IngestConfirmedPayment: %w", err)
	}
	return &IngestResult{Transaction: current, Outcome: outcome}, nil
}

// RecordIngestFailure stores an Error placeholder for a payment whose details
// could not be fetched, so a retried notification finds a known id. A
// payment already stored with real data is left as it is.
func (e *Engine) RecordIngestFailure(ctx context.Context, paymentID, reason string) error {
	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("RecordIngestFailure: begin tx: %w", err)
	}
	defer tx.Rollback()

	written, err := e.transactions.RecordError(ctx, tx, domain.OriginProvider, paymentID, reason)
	if err != nil {
		return fmt.Errorf("RecordIngestFailure: %w", err)
	}
	if written {
		if err := e.recordEvent(ctx, tx, domain.OriginProvider, paymentID, domain.TransactionEventErrored,
			map[string]any{"reason": reason}); err != nil {
			return fmt.Errorf("RecordIngestFailure: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("RecordIngestFailure: commit: %w", err)
	}

	if written {
		logging.FromContext(ctx).Warn("payment ingest failed", "payment_id", paymentID, "reason", reason)
		e.publishErrored(ctx, domain.OriginProvider, paymentID, reason)
	}
	return nil
}

// persistPayment stores the payment and, in the same transaction, credits
// the receiving account on its first approval and consumes the payment for a
// deposit that already claimed it. It returns that deposit's id, if any.
func (e *Engine) persistPayment(ctx context.Context, in PaymentInput) (*domain.Transaction, string, error) {
	log := logging.FromContext(ctx)

	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, "", fmt.Errorf("persistPayment: begin tx: %w", err)
	}
	defer tx.Rollback()

	providerStatus := in.Status
	t := &domain.Transaction{
		Origin:             domain.OriginProvider,
		ID:                 in.ID,
		Kind:               domain.TransactionKindDeposit,
		Amount:             in.Amount,
		Status:             domain.StatusFromProvider(in.Status),
		ProviderStatus:     &providerStatus,
		PayerIdentity:      strings.TrimSpace(in.PayerIdentity),
		ProviderReceiverID: strings.TrimSpace(in.ProviderReceiverID),
		CreatedAt:          in.CreatedAt,
	}

	inserted, err := e.transactions.Insert(ctx, tx, t)
	if err != nil {
		return nil, "", fmt.Errorf("persistPayment: %w", err)
	}

	var stored *domain.Transaction
	if inserted {
		stored, err = e.transactions.GetForUpdate(ctx, tx, domain.OriginProvider, t.ID)
	} else {
		stored, err = e.transactions.Upsert(ctx, tx, t)
	}
	if err != nil {
		return nil, "", fmt.Errorf("persistPayment: %w", err)
	}

	if err := e.recordEvent(ctx, tx, domain.OriginProvider, stored.ID, domain.TransactionEventIngested, map[string]any{
		"provider_status": in.Status,
		"amount":          stored.Amount.String(),
	}); err != nil {
		return nil, "", fmt.Errorf("persistPayment: %w", err)
	}

	// a payment counts against its receiver once, however often its
	// provider status flips back to approved
	if stored.IsApproved() && stored.Status != domain.TransactionStatusRejected {
		first, err := e.transactions.MarkCredited(ctx, tx, stored.ID)
		if err != nil {
			return nil, "", fmt.Errorf("persistPayment: %w", err)
		}
		if first {
			if err := e.creditReceiver(ctx, tx, stored); err != nil {
				return nil, "", fmt.Errorf("persistPayment: %w", err)
			}
		}
	}

	closedFor := ""
	if stored.Status == domain.TransactionStatusPending && !stored.IsConsumed() {
		closedFor, err = e.closeLoop(ctx, tx, stored.ID)
		if err != nil {
			return nil, "", fmt.Errorf("persistPayment: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, "", fmt.Errorf("persistPayment: commit: %w", err)
	}

	log.Info("confirmed payment ingested",
		"payment_id", stored.ID,
		"provider_status", in.Status,
		"status", stored.Status,
		"amount", stored.Amount.String(),
	)
	if closedFor != "" {
		log.Info("payment consumed for earlier claim", "payment_id", stored.ID, "deposit_id", closedFor)
	}
	return stored, closedFor, nil
}

func (e *Engine) creditReceiver(ctx context.Context, tx *sql.Tx, payment *domain.Transaction) error {
	log := logging.FromContext(ctx)
	if payment.ProviderReceiverID == "" {
		log.Warn("approved payment has no receiver", "payment_id", payment.ID)
		return nil
	}

	acct, err := e.accounts.GetByProviderIdentifier(ctx, tx, payment.ProviderReceiverID)
	if errors.Is(err, domain.ErrNotFound) {
		log.Warn("approved payment for unknown receiver",
			"payment_id", payment.ID,
			"provider_receiver_id", payment.ProviderReceiverID,
		)
		return nil
	}
	if err != nil {
		return fmt.Errorf("creditReceiver: %w", err)
	}

	if err := e.accounts.IncrementAccumulated(ctx, tx, acct.ID, payment.Amount); err != nil {
		return fmt.Errorf("creditReceiver: %w", err)
	}
	log.Info("realized amount credited",
		"payment_id", payment.ID,
		"cbu", acct.CBU,
		"amount", payment.Amount.String(),
	)
	return nil
}

func (e *Engine) matchPayment(ctx context.Context, payment *domain.Transaction) (domain.MatchOutcome, error) {
	log := logging.FromContext(ctx)

	candidates, err := e.transactions.ListMatchableDeposits(ctx, payment.Amount)
	if err != nil {
		return domain.NoMatch(), fmt.Errorf("matchPayment: %w", err)
	}

	cache := newAccountCache(e.accounts)
	outcome := domain.NoMatch()
	for i := range candidates {
		d := &candidates[i]
		acct, err := cache.get(ctx, d.RecipientCBU)
		if err != nil {
			return domain.NoMatch(), fmt.Errorf("matchPayment: %w", err)
		}
		if ok, reason := matches(d, payment, acct, e.cfg.MatchWindow); !ok {
			logMismatch(log, d.ID, payment.ID, reason)
			continue
		}

		res, err := e.claimLocal(ctx, d.ID, payment.ID)
		if err != nil {
			return domain.NoMatch(), fmt.Errorf("matchPayment: %w", err)
		}

		switch res {
		case claimed:
			log.Info("deposit matched", "deposit_id", d.ID, "payment_id", payment.ID)
			e.publishMatched(ctx, d.ID, payment.ID, payment.Amount, false)
			return domain.Matched(d.ID, payment.ID), nil
		case depositTaken:
			outcome = domain.AlreadyConsumed(d.ID, payment.ID)
		case paymentTaken:
			depositID, err := e.closeLoopTx(ctx, payment.ID)
			if err != nil {
				return domain.NoMatch(), fmt.Errorf("matchPayment: %w", err)
			}
			if depositID != "" {
				e.publishMatched(ctx, depositID, payment.ID, payment.Amount, true)
				return domain.Matched(depositID, payment.ID), nil
			}
			return domain.AlreadyConsumed(d.ID, payment.ID), nil
		}
	}

	// a deposit may have claimed this payment through the upstream search
	// while it was being stored, out of sight of persistPayment
	depositID, err := e.closeLoopTx(ctx, payment.ID)
	if err != nil {
		return domain.NoMatch(), fmt.Errorf("matchPayment: %w", err)
	}
	if depositID != "" {
		log.Info("payment consumed for earlier claim", "payment_id", payment.ID, "deposit_id", depositID)
		e.publishMatched(ctx, depositID, payment.ID, payment.Amount, true)
		return domain.Matched(depositID, payment.ID), nil
	}
	return outcome, nil
}
