// Package reconcile matches reported deposits against provider-confirmed
// payments. A payment validates at most one deposit and a deposit is
// validated by at most one payment; every claim re-checks both rows under
// lock and the database unique indexes reject any claim that slips past.
package reconcile

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/josh-kwaku/cbu-rotation-reconciler/internal/domain"
	"github.com/josh-kwaku/cbu-rotation-reconciler/internal/events"
	"github.com/josh-kwaku/cbu-rotation-reconciler/internal/logging"
)

type transactionRepo interface {
	GetByID(ctx context.Context, origin domain.Origin, id string) (*domain.Transaction, error)
	GetForUpdate(ctx context.Context, tx *sql.Tx, origin domain.Origin, id string) (*domain.Transaction, error)
	Insert(ctx context.Context, tx *sql.Tx, t *domain.Transaction) (bool, error)
	Upsert(ctx context.Context, tx *sql.Tx, t *domain.Transaction) (*domain.Transaction, error)
	Redrive(ctx context.Context, tx *sql.Tx, t *domain.Transaction) (*domain.Transaction, error)
	RecordError(ctx context.Context, tx *sql.Tx, origin domain.Origin, id, reason string) (bool, error)
	SetStatus(ctx context.Context, tx *sql.Tx, origin domain.Origin, id string, from, to domain.TransactionStatus, reason *string) error
	LinkDeposit(ctx context.Context, tx *sql.Tx, depositID, paymentID string) error
	ConsumePayment(ctx context.Context, tx *sql.Tx, paymentID, depositID string) error
	MarkCredited(ctx context.Context, tx *sql.Tx, paymentID string) (bool, error)
	ListMatchablePayments(ctx context.Context, amount decimal.Decimal) ([]domain.Transaction, error)
	ListMatchableDeposits(ctx context.Context, amount decimal.Decimal) ([]domain.Transaction, error)
	ListPendingDeposits(ctx context.Context, olderThan time.Time, limit int) ([]domain.Transaction, error)
	ListReferencedPayments(ctx context.Context, limit int) ([]domain.Transaction, error)
	GetDepositByConfirmedPayment(ctx context.Context, tx *sql.Tx, paymentID string) (*domain.Transaction, error)
}

type accountRepo interface {
	GetByCBU(ctx context.Context, cbu string) (*domain.Account, error)
	GetByProviderIdentifier(ctx context.Context, tx *sql.Tx, providerID string) (*domain.Account, error)
	IncrementAccumulated(ctx context.Context, tx *sql.Tx, id int64, amount decimal.Decimal) error
}

type eventRepo interface {
	Create(ctx context.Context, tx *sql.Tx, event *domain.TransactionEvent) error
}

// Upstream searches the provider for payments approved since the given
// time. The preferred cbu's credential is tried first.
type Upstream interface {
	QueryRecentApproved(ctx context.Context, preferredCBU string, since time.Time) ([]domain.PaymentDetails, error)
}

type publisher interface {
	Publish(ctx context.Context, routingKey string, body any) error
}

type Config struct {
	MatchWindow time.Duration
	Lookback    time.Duration
}

type Engine struct {
	transactions transactionRepo
	accounts     accountRepo
	events       eventRepo
	upstream     Upstream
	publisher    publisher
	db           *sql.DB
	cfg          Config
}

// NewEngine builds the engine. upstream may be nil, in which case deposits
// are matched against locally stored payments only.
func NewEngine(
	transactions transactionRepo,
	accounts accountRepo,
	events eventRepo,
	upstream Upstream,
	pub publisher,
	db *sql.DB,
	cfg Config,
) *Engine {
	return &Engine{
		transactions: transactions,
		accounts:     accounts,
		events:       events,
		upstream:     upstream,
		publisher:    pub,
		db:           db,
		cfg:          cfg,
	}
}

func (e *Engine) GetTransaction(ctx context.Context, origin domain.Origin, id string) (*domain.Transaction, error) {
	if !origin.IsValid() {
		return nil, fmt.Errorf("GetTransaction: origin %q: %w", origin, domain.ErrInvalidRequest)
	}
	t, err := e.transactions.GetByID(ctx, origin, id)
	if err != nil {
		return nil, fmt.Errorf("GetTransaction: %w", err)
	}
	return t, nil
}

type claimResult int

const (
	claimed claimResult = iota
	// paymentTaken: the payment is consumed, referenced, or no longer approved.
	paymentTaken
	// depositTaken: the deposit left Pending or already carries a payment.
	depositTaken
)

// claimLocal links a stored deposit and a stored payment in one transaction.
// Rows are locked payment first, then deposit, the same order ingestion uses.
func (e *Engine) claimLocal(ctx context.Context, depositID, paymentID string) (claimResult, error) {
	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("claimLocal: begin tx: %w", err)
	}
	defer tx.Rollback()

	payment, err := e.transactions.GetForUpdate(ctx, tx, domain.OriginProvider, paymentID)
	if err != nil {
		return 0, fmt.Errorf("claimLocal: %w", err)
	}
	if payment.Status != domain.TransactionStatusPending || payment.IsConsumed() || !payment.IsApproved() {
		return paymentTaken, nil
	}

	result, err := e.linkLocked(ctx, tx, depositID, payment.ID, true)
	if err != nil || result != claimed {
		return result, err
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("claimLocal: commit: %w", err)
	}
	return claimed, nil
}

// claimRemote links a deposit to a payment seen only through the upstream
// search. If the payment was ingested in the meantime it is consumed in the
// same transaction; otherwise, or while only an Error placeholder is stored,
// ingestion consumes it later.
func (e *Engine) claimRemote(ctx context.Context, depositID, paymentID string) (claimResult, error) {
	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("claimRemote: begin tx: %w", err)
	}
	defer tx.Rollback()

	consume := false
	payment, err := e.transactions.GetForUpdate(ctx, tx, domain.OriginProvider, paymentID)
	switch {
	case err == nil:
		switch {
		case payment.Status == domain.TransactionStatusError:
		case payment.Status != domain.TransactionStatusPending || payment.IsConsumed():
			return paymentTaken, nil
		default:
			consume = true
		}
	case errors.Is(err, domain.ErrNotFound):
	default:
		return 0, fmt.Errorf("claimRemote: %w", err)
	}

	result, err := e.linkLocked(ctx, tx, depositID, paymentID, consume)
	if err != nil || result != claimed {
		return result, err
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("claimRemote: commit: %w", err)
	}
	return claimed, nil
}

// linkLocked runs inside a claim transaction whose payment row, when it
// exists, is already locked.
func (e *Engine) linkLocked(ctx context.Context, tx *sql.Tx, depositID, paymentID string, consume bool) (claimResult, error) {
	deposit, err := e.transactions.GetForUpdate(ctx, tx, domain.OriginReported, depositID)
	if err != nil {
		return 0, fmt.Errorf("linkLocked: %w", err)
	}
	if deposit.Status != domain.TransactionStatusPending || deposit.IsConsumed() {
		return depositTaken, nil
	}

	if err := e.transactions.LinkDeposit(ctx, tx, depositID, paymentID); err != nil {
		if errors.Is(err, domain.ErrAlreadyConsumed) {
			return paymentTaken, nil
		}
		return 0, fmt.Errorf("linkLocked: %w", err)
	}
	if err := e.recordEvent(ctx, tx, domain.OriginReported, depositID, domain.TransactionEventMatched,
		map[string]any{"payment_id": paymentID, "remote": !consume}); err != nil {
		return 0, fmt.Errorf("linkLocked: %w", err)
	}

	if !consume {
		return claimed, nil
	}

	if err := e.transactions.ConsumePayment(ctx, tx, paymentID, depositID); err != nil {
		if errors.Is(err, domain.ErrAlreadyConsumed) {
			return paymentTaken, nil
		}
		return 0, fmt.Errorf("linkLocked: %w", err)
	}
	if err := e.recordEvent(ctx, tx, domain.OriginProvider, paymentID, domain.TransactionEventConsumed,
		map[string]any{"deposit_id": depositID}); err != nil {
		return 0, fmt.Errorf("linkLocked: %w", err)
	}
	return claimed, nil
}

// closeLoop consumes a stored payment for the deposit that already claimed
// it through the upstream search. It returns the deposit id when it did.
func (e *Engine) closeLoop(ctx context.Context, tx *sql.Tx, paymentID string) (string, error) {
	deposit, err := e.transactions.GetDepositByConfirmedPayment(ctx, tx, paymentID)
	if errors.Is(err, domain.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("closeLoop: %w", err)
	}

	if err := e.transactions.ConsumePayment(ctx, tx, paymentID, deposit.ID); err != nil {
		return "", fmt.Errorf("closeLoop: %w", err)
	}
	if err := e.recordEvent(ctx, tx, domain.OriginProvider, paymentID, domain.TransactionEventConsumed,
		map[string]any{"deposit_id": deposit.ID, "closed_loop": true}); err != nil {
		return "", fmt.Errorf("closeLoop: %w", err)
	}
	return deposit.ID, nil
}

// closeLoopTx runs closeLoop in its own transaction. It is used after a
// claim lost to a deposit that referenced the payment first, after an
// ingest found no deposit of its own, and by the sweep.
func (e *Engine) closeLoopTx(ctx context.Context, paymentID string) (string, error) {
	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("closeLoopTx: begin tx: %w", err)
	}
	defer tx.Rollback()

	payment, err := e.transactions.GetForUpdate(ctx, tx, domain.OriginProvider, paymentID)
	if err != nil {
		return "", fmt.Errorf("closeLoopTx: %w", err)
	}
	if payment.Status != domain.TransactionStatusPending || payment.IsConsumed() {
		return "", nil
	}

	depositID, err := e.closeLoop(ctx, tx, paymentID)
	if err != nil || depositID == "" {
		return "", err
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("closeLoopTx: commit: %w", err)
	}
	return depositID, nil
}

func (e *Engine) recordEvent(ctx context.Context, tx *sql.Tx, origin domain.Origin, id string, eventType domain.TransactionEventType, payload map[string]any) error {
	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("recordEvent: marshal: %w", err)
		}
		raw = b
	}

	event := &domain.TransactionEvent{
		ID:            uuid.New(),
		Origin:        origin,
		TransactionID: id,
		EventType:     eventType,
		Payload:       raw,
		CreatedAt:     time.Now().UTC(),
	}
	if err := e.events.Create(ctx, tx, event); err != nil {
		return fmt.Errorf("recordEvent: %w", err)
	}
	return nil
}

func (e *Engine) publish(ctx context.Context, routingKey string, body any) {
	if e.publisher == nil {
		return
	}
	if err := e.publisher.Publish(ctx, routingKey, body); err != nil {
		logging.FromContext(ctx).Error("failed to publish event", "routing_key", routingKey, "error", err)
	}
}

func (e *Engine) publishMatched(ctx context.Context, depositID, paymentID string, amount decimal.Decimal, remote bool) {
	e.publish(ctx, events.RoutingKeyDepositMatched, events.DepositMatched{
		DepositID:  depositID,
		PaymentID:  paymentID,
		Amount:     amount,
		Remote:     remote,
		OccurredAt: time.Now().UTC(),
	})
}

func (e *Engine) publishErrored(ctx context.Context, origin domain.Origin, id, reason string) {
	e.publish(ctx, events.RoutingKeyTransactionErrored, events.TransactionErrored{
		Origin:     string(origin),
		ID:         id,
		Reason:     reason,
		OccurredAt: time.Now().UTC(),
	})
}

// accountCache memoizes cbu lookups for the length of one scan.
type accountCache struct {
	accounts accountRepo
	byCBU    map[string]*domain.Account
}

func newAccountCache(accounts accountRepo) *accountCache {
	return &accountCache{accounts: accounts, byCBU: make(map[string]*domain.Account)}
}

func (c *accountCache) get(ctx context.Context, cbu string) (*domain.Account, error) {
	if a, ok := c.byCBU[cbu]; ok {
		return a, nil
	}
	a, err := c.accounts.GetByCBU(ctx, cbu)
	if errors.Is(err, domain.ErrNotFound) {
		c.byCBU[cbu] = nil
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	c.byCBU[cbu] = a
	return a, nil
}

func logMismatch(log *slog.Logger, depositID, paymentID, reason string) {
	log.Debug("candidate rejected", "deposit_id", depositID, "payment_id", paymentID, "reason", reason)
}
