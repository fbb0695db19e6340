package reconcile

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/josh-kwaku/cbu-rotation-reconciler/internal/domain"
	"github.com/josh-kwaku/cbu-rotation-reconciler/internal/logging"
)

type DepositInput struct {
	ID            string
	Amount        decimal.Decimal
	CBU           string
	PayerIdentity string
	CreatedAt     *time.Time
}

// DepositReport is the result of ReportDeposit. Duplicate is set when the id
// was already known and the stored transaction was returned unchanged.
type DepositReport struct {
	Transaction *domain.Transaction
	Duplicate   bool
	Outcome     domain.MatchOutcome
}

// ReportDeposit records a client-reported deposit and tries to match it,
// first against stored payments and then against the provider's recent
// approved payments. Reporting a known id returns the stored transaction,
// unless it is in Error, in which case it is re-driven.
func (e *Engine) ReportDeposit(ctx context.Context, in DepositInput) (*DepositReport, error) {
	in.ID = strings.TrimSpace(in.ID)
	in.CBU = strings.TrimSpace(in.CBU)
	if in.ID == "" {
		return nil, fmt.Errorf("ReportDeposit: id is required: %w", domain.ErrInvalidRequest)
	}
	if !in.Amount.IsPositive() {
		return nil, fmt.Errorf("ReportDeposit: %w", domain.ErrInvalidAmount)
	}

	deposit, duplicate, err := e.persistDeposit(ctx, in)
	if err != nil {
		return nil, fmt.Errorf("ReportDeposit: %w", err)
	}
	if duplicate {
		logging.FromContext(ctx).Info("deposit already reported",
			"deposit_id", deposit.ID,
			"status", deposit.Status,
		)
		return &DepositReport{Transaction: deposit, Duplicate: true, Outcome: outcomeOf(deposit)}, nil
	}

	outcome, err := e.matchDeposit(ctx, deposit)
	if err != nil {
		return nil, fmt.Errorf("ReportDeposit: %w", err)
	}

	current, err := e.transactions.GetByID(ctx, domain.OriginReported, deposit.ID)
	if err != nil {
		return nil, fmt.Errorf("ReportDeposit: %w", err)
	}
	return &DepositReport{Transaction: current, Outcome: outcome}, nil
}

// SweepPending re-runs local matching for deposits still Pending that were
// recorded before the given time, then consumes stored payments a deposit
// already claimed. The upstream provider is not consulted. It returns the
// number of pairs it completed.
func (e *Engine) SweepPending(ctx context.Context, before time.Time, limit int) (int, error) {
	deposits, err := e.transactions.ListPendingDeposits(ctx, before, limit)
	if err != nil {
		return 0, fmt.Errorf("SweepPending: %w", err)
	}

	cache := newAccountCache(e.accounts)
	matched := 0
	for i := range deposits {
		d := &deposits[i]
		acct, err := cache.get(ctx, d.RecipientCBU)
		if err != nil {
			return matched, fmt.Errorf("SweepPending: %w", err)
		}
		if acct == nil {
			continue
		}

		outcome, _, err := e.matchDepositLocal(ctx, d, acct)
		if err != nil {
			return matched, fmt.Errorf("SweepPending: %w", err)
		}
		if outcome.IsMatched() {
			matched++
		}
	}

	referenced, err := e.transactions.ListReferencedPayments(ctx, limit)
	if err != nil {
		return matched, fmt.Errorf("SweepPending: %w", err)
	}
	for i := range referenced {
		p := &referenced[i]
		depositID, err := e.closeLoopTx(ctx, p.ID)
		if err != nil {
			return matched, fmt.Errorf("SweepPending: %w", err)
		}
		if depositID != "" {
			logging.FromContext(ctx).Info("payment consumed for earlier claim", "payment_id", p.ID, "deposit_id", depositID)
			e.publishMatched(ctx, depositID, p.ID, p.Amount, true)
			matched++
		}
	}
	return matched, nil
}

func (e *Engine) persistDeposit(ctx context.Context, in DepositInput) (*domain.Transaction, bool, error) {
	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("persistDeposit: begin tx: %w", err)
	}
	defer tx.Rollback()

	t := &domain.Transaction{
		Origin:        domain.OriginReported,
		ID:            in.ID,
		Kind:          domain.TransactionKindDeposit,
		Amount:        in.Amount,
		Status:        domain.TransactionStatusPending,
		PayerIdentity: strings.TrimSpace(in.PayerIdentity),
		RecipientCBU:  in.CBU,
		CreatedAt:     in.CreatedAt,
	}

	inserted, err := e.transactions.Insert(ctx, tx, t)
	if err != nil {
		return nil, false, fmt.Errorf("persistDeposit: %w", err)
	}

	var stored *domain.Transaction
	eventType := domain.TransactionEventReported

	if inserted {
		stored, err = e.transactions.GetForUpdate(ctx, tx, domain.OriginReported, t.ID)
		if err != nil {
			return nil, false, fmt.Errorf("persistDeposit: %w", err)
		}
	} else {
		existing, err := e.transactions.GetForUpdate(ctx, tx, domain.OriginReported, t.ID)
		if err != nil {
			return nil, false, fmt.Errorf("persistDeposit: %w", err)
		}
		if existing.Status != domain.TransactionStatusError {
			return existing, true, nil
		}

		stored, err = e.transactions.Redrive(ctx, tx, t)
		if err != nil {
			return nil, false, fmt.Errorf("persistDeposit: %w", err)
		}
		eventType = domain.TransactionEventRedriven
	}

	if err := e.recordEvent(ctx, tx, domain.OriginReported, stored.ID, eventType, map[string]any{
		"amount": stored.Amount.String(),
		"cbu":    stored.RecipientCBU,
	}); err != nil {
		return nil, false, fmt.Errorf("persistDeposit: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("persistDeposit: commit: %w", err)
	}

	logging.FromContext(ctx).Info("deposit recorded",
		"deposit_id", stored.ID,
		"amount", stored.Amount.String(),
		"cbu", stored.RecipientCBU,
		"event", eventType,
	)
	return stored, false, nil
}

func (e *Engine) matchDeposit(ctx context.Context, deposit *domain.Transaction) (domain.MatchOutcome, error) {
	acct, err := newAccountCache(e.accounts).get(ctx, deposit.RecipientCBU)
	if err != nil {
		return domain.NoMatch(), fmt.Errorf("matchDeposit: %w", err)
	}
	if acct == nil {
		// no account owns the cbu, so no payment can satisfy the receiver rule
		logging.FromContext(ctx).Debug("deposit targets unknown cbu",
			"deposit_id", deposit.ID,
			"cbu", deposit.RecipientCBU,
		)
		return domain.NoMatch(), nil
	}

	outcome, done, err := e.matchDepositLocal(ctx, deposit, acct)
	if err != nil || done {
		return outcome, err
	}
	if e.upstream == nil {
		return outcome, nil
	}

	remote, err := e.matchDepositRemote(ctx, deposit, acct)
	if err != nil {
		return domain.NoMatch(), err
	}
	if remote.Result == domain.MatchResultNoMatch {
		return outcome, nil
	}
	return remote, nil
}

// matchDepositLocal scans stored payments. done is true once the deposit is
// matched or found to be matched already.
func (e *Engine) matchDepositLocal(ctx context.Context, deposit *domain.Transaction, acct *domain.Account) (domain.MatchOutcome, bool, error) {
	log := logging.FromContext(ctx)

	candidates, err := e.transactions.ListMatchablePayments(ctx, deposit.Amount)
	if err != nil {
		return domain.NoMatch(), false, fmt.Errorf("matchDepositLocal: %w", err)
	}

	outcome := domain.NoMatch()
	for i := range candidates {
		p := &candidates[i]
		if ok, reason := matches(deposit, p, acct, e.cfg.MatchWindow); !ok {
			logMismatch(log, deposit.ID, p.ID, reason)
			continue
		}

		res, err := e.claimLocal(ctx, deposit.ID, p.ID)
		if err != nil {
			return domain.NoMatch(), false, fmt.Errorf("matchDepositLocal: %w", err)
		}

		switch res {
		case claimed:
			log.Info("deposit matched", "deposit_id", deposit.ID, "payment_id", p.ID)
			e.publishMatched(ctx, deposit.ID, p.ID, deposit.Amount, false)
			return domain.Matched(deposit.ID, p.ID), true, nil
		case depositTaken:
			return domain.AlreadyConsumed(deposit.ID, p.ID), true, nil
		case paymentTaken:
			outcome = domain.AlreadyConsumed(deposit.ID, p.ID)
			e.closeLoopAfterLoss(ctx, p.ID, p.Amount)
		}
	}
	return outcome, false, nil
}

func (e *Engine) matchDepositRemote(ctx context.Context, deposit *domain.Transaction, acct *domain.Account) (domain.MatchOutcome, error) {
	log := logging.FromContext(ctx)

	since := time.Now().UTC().Add(-e.cfg.Lookback)
	payments, err := e.upstream.QueryRecentApproved(ctx, acct.CBU, since)
	if err != nil {
		if ctx.Err() != nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			// cancelled by the caller: the deposit stays Pending
			return domain.NoMatch(), fmt.Errorf("matchDepositRemote: %w", err)
		}
		marked, markErr := e.failDeposit(ctx, deposit.ID, err)
		if markErr != nil {
			return domain.NoMatch(), fmt.Errorf("matchDepositRemote: %w", errors.Join(err, markErr))
		}
		if !marked {
			return domain.NoMatch(), nil
		}
		return domain.NoMatch(), fmt.Errorf("matchDepositRemote: %w", err)
	}

	outcome := domain.NoMatch()
	for _, details := range payments {
		p := paymentFromDetails(details)
		if ok, reason := matches(deposit, p, acct, e.cfg.MatchWindow); !ok {
			logMismatch(log, deposit.ID, p.ID, reason)
			continue
		}

		// stored payments were already considered by the local scan, except
		// Error placeholders whose details never arrived
		stored, err := e.transactions.GetByID(ctx, domain.OriginProvider, p.ID)
		switch {
		case err == nil && stored.Status != domain.TransactionStatusError:
			continue
		case err != nil && !errors.Is(err, domain.ErrNotFound):
			return domain.NoMatch(), fmt.Errorf("matchDepositRemote: %w", err)
		}

		res, err := e.claimRemote(ctx, deposit.ID, p.ID)
		if err != nil {
			return domain.NoMatch(), fmt.Errorf("matchDepositRemote: %w", err)
		}

		switch res {
		case claimed:
			log.Info("deposit matched against upstream payment", "deposit_id", deposit.ID, "payment_id", p.ID)
			e.publishMatched(ctx, deposit.ID, p.ID, deposit.Amount, true)
			return domain.Matched(deposit.ID, p.ID), nil
		case depositTaken:
			return domain.AlreadyConsumed(deposit.ID, p.ID), nil
		case paymentTaken:
			outcome = domain.AlreadyConsumed(deposit.ID, p.ID)
		}
	}
	return outcome, nil
}

// failDeposit moves a Pending deposit to Error after the upstream search
// failed. It reports false when the deposit had already left Pending.
func (e *Engine) failDeposit(ctx context.Context, depositID string, cause error) (bool, error) {
	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failDeposit: begin tx: %w", err)
	}
	defer tx.Rollback()

	reason := cause.Error()
	err = e.transactions.SetStatus(ctx, tx, domain.OriginReported, depositID,
		domain.TransactionStatusPending, domain.TransactionStatusError, &reason)
	if errors.Is(err, domain.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failDeposit: %w", err)
	}

	if err := e.recordEvent(ctx, tx, domain.OriginReported, depositID, domain.TransactionEventErrored,
		map[string]any{"reason": reason}); err != nil {
		return false, fmt.Errorf("failDeposit: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failDeposit: commit: %w", err)
	}

	logging.FromContext(ctx).Warn("deposit marked as error", "deposit_id", depositID, "reason", reason)
	e.publishErrored(ctx, domain.OriginReported, depositID, reason)
	return true, nil
}

// closeLoopAfterLoss handles a claim that lost because another deposit had
// already referenced the payment through the upstream search.
func (e *Engine) closeLoopAfterLoss(ctx context.Context, paymentID string, amount decimal.Decimal) {
	depositID, err := e.closeLoopTx(ctx, paymentID)
	if err != nil {
		logging.FromContext(ctx).Error("failed to close payment loop", "payment_id", paymentID, "error", err)
		return
	}
	if depositID != "" {
		logging.FromContext(ctx).Info("payment consumed for earlier claim",
			"payment_id", paymentID,
			"deposit_id", depositID,
		)
		e.publishMatched(ctx, depositID, paymentID, amount, true)
	}
}

func outcomeOf(t *domain.Transaction) domain.MatchOutcome {
	switch {
	case t.Origin == domain.OriginReported && t.ConfirmedPaymentID != nil:
		return domain.Matched(t.ID, *t.ConfirmedPaymentID)
	case t.Origin == domain.OriginProvider && t.MatchedDepositID != nil:
		return domain.Matched(*t.MatchedDepositID, t.ID)
	default:
		return domain.NoMatch()
	}
}
