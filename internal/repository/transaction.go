package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/josh-kwaku/cbu-rotation-reconciler/internal/domain"
)

const transactionColumns = `origin, id, kind, amount, status, provider_status,
	payer_identity, recipient_cbu, provider_receiver_id, confirmed_payment_id,
	matched_deposit_id, error_reason, created_at, recorded_at, updated_at`

type TransactionRepository struct {
	db *sql.DB
}

func NewTransactionRepository(db *sql.DB) *TransactionRepository {
	return &TransactionRepository{db: db}
}

func (r *TransactionRepository) GetByID(ctx context.Context, origin domain.Origin, id string) (*domain.Transaction, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+transactionColumns+` FROM transactions WHERE origin = $1 AND id = $2`,
		origin, id,
	)
	t, err := scanTransaction(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("GetByID: %w", domain.ErrNotFound)
		}
		return nil, fmt.Errorf("GetByID: %w", err)
	}
	return t, nil
}

func (r *TransactionRepository) GetForUpdate(ctx context.Context, tx *sql.Tx, origin domain.Origin, id string) (*domain.Transaction, error) {
	row := tx.QueryRowContext(ctx,
		`SELECT `+transactionColumns+` FROM transactions WHERE origin = $1 AND id = $2 FOR UPDATE`,
		origin, id,
	)
	t, err := scanTransaction(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("GetForUpdate: %w", domain.ErrNotFound)
		}
		return nil, fmt.Errorf("GetForUpdate: %w", err)
	}
	return t, nil
}

// Insert creates t unless a row with the same origin and id exists. The
// returned bool is false for an existing row, which is left untouched.
func (r *TransactionRepository) Insert(ctx context.Context, tx *sql.Tx, t *domain.Transaction) (bool, error) {
	res, err := tx.ExecContext(ctx,
		`INSERT INTO transactions (
			origin, id, kind, amount, status, provider_status,
			payer_identity, recipient_cbu, provider_receiver_id, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''), NULLIF($8, ''), NULLIF($9, ''), $10)
		ON CONFLICT (origin, id) DO NOTHING`,
		t.Origin, t.ID, t.Kind, t.Amount, t.Status, t.ProviderStatus,
		t.PayerIdentity, t.RecipientCBU, t.ProviderReceiverID, t.CreatedAt,
	)
	if err != nil {
		return false, fmt.Errorf("Insert: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("Insert: rows affected: %w", err)
	}
	return n == 1, nil
}

// Upsert merges t over any existing row: non-empty incoming fields win, match
// references are never cleared, and the terminal Accepted and Rejected
// statuses are kept.
func (r *TransactionRepository) Upsert(ctx context.Context, tx *sql.Tx, t *domain.Transaction) (*domain.Transaction, error) {
	row := tx.QueryRowContext(ctx,
		`INSERT INTO transactions (
			origin, id, kind, amount, status, provider_status,
			payer_identity, recipient_cbu, provider_receiver_id, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''), NULLIF($8, ''), NULLIF($9, ''), $10)
		ON CONFLICT (origin, id) DO UPDATE SET
			kind = EXCLUDED.kind,
			amount = CASE WHEN EXCLUDED.amount > 0 THEN EXCLUDED.amount ELSE transactions.amount END,
			status = CASE WHEN transactions.status IN ('accepted', 'rejected') THEN transactions.status ELSE EXCLUDED.status END,
			provider_status = COALESCE(EXCLUDED.provider_status, transactions.provider_status),
			payer_identity = COALESCE(EXCLUDED.payer_identity, transactions.payer_identity),
			recipient_cbu = COALESCE(EXCLUDED.recipient_cbu, transactions.recipient_cbu),
			provider_receiver_id = COALESCE(EXCLUDED.provider_receiver_id, transactions.provider_receiver_id),
			created_at = COALESCE(EXCLUDED.created_at, transactions.created_at),
			error_reason = NULL,
			updated_at = now()
		RETURNING `+transactionColumns,
		t.Origin, t.ID, t.Kind, t.Amount, t.Status, t.ProviderStatus,
		t.PayerIdentity, t.RecipientCBU, t.ProviderReceiverID, t.CreatedAt,
	)
	out, err := scanTransaction(row)
	if err != nil {
		return nil, fmt.Errorf("Upsert: %w", err)
	}
	return out, nil
}

// Redrive moves an Error transaction back to Pending with t's fields merged
// in. It returns ErrNotFound when the row is not in Error.
func (r *TransactionRepository) Redrive(ctx context.Context, tx *sql.Tx, t *domain.Transaction) (*domain.Transaction, error) {
	row := tx.QueryRowContext(ctx,
		`UPDATE transactions SET
			status = 'pending',
			amount = CASE WHEN $3::numeric > 0 THEN $3::numeric ELSE amount END,
			payer_identity = COALESCE(NULLIF($4, ''), payer_identity),
			recipient_cbu = COALESCE(NULLIF($5, ''), recipient_cbu),
			created_at = COALESCE($6, created_at),
			error_reason = NULL,
			updated_at = now()
		WHERE origin = $1 AND id = $2 AND status = 'error'
		RETURNING `+transactionColumns,
		t.Origin, t.ID, t.Amount, t.PayerIdentity, t.RecipientCBU, t.CreatedAt,
	)
	out, err := scanTransaction(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("Redrive: %w", domain.ErrNotFound)
		}
		return nil, fmt.Errorf("Redrive: %w", err)
	}
	return out, nil
}

// RecordError stores an Error placeholder for an id that could not be
// resolved. Rows already holding real data are left as they are; the
// returned bool reports whether the placeholder was written.
func (r *TransactionRepository) RecordError(ctx context.Context, tx *sql.Tx, origin domain.Origin, id, reason string) (bool, error) {
	res, err := tx.ExecContext(ctx,
		`INSERT INTO transactions (origin, id, status, error_reason)
		VALUES ($1, $2, 'error', $3)
		ON CONFLICT (origin, id) DO UPDATE SET
			error_reason = EXCLUDED.error_reason,
			updated_at = now()
		WHERE transactions.status = 'error'`,
		origin, id, reason,
	)
	if err != nil {
		return false, fmt.Errorf("RecordError: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("RecordError: rows affected: %w", err)
	}
	return n == 1, nil
}

// SetStatus moves a transaction to status only while it is still in from.
func (r *TransactionRepository) SetStatus(ctx context.Context, tx *sql.Tx, origin domain.Origin, id string, from, to domain.TransactionStatus, reason *string) error {
	res, err := tx.ExecContext(ctx,
		`UPDATE transactions SET status = $1, error_reason = $2, updated_at = now()
		WHERE origin = $3 AND id = $4 AND status = $5`,
		to, reason, origin, id, from,
	)
	if err != nil {
		return fmt.Errorf("SetStatus: %w", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("SetStatus: rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("SetStatus: %s %s not %s: %w", origin, id, from, domain.ErrNotFound)
	}
	return nil
}

// LinkDeposit accepts a pending deposit and points it at paymentID. Both the
// WHERE guard and the unique index turn a lost race into ErrAlreadyConsumed.
func (r *TransactionRepository) LinkDeposit(ctx context.Context, tx *sql.Tx, depositID, paymentID string) error {
	res, err := tx.ExecContext(ctx,
		`UPDATE transactions SET status = 'accepted', confirmed_payment_id = $1, updated_at = now()
		WHERE origin = 'reported' AND id = $2 AND status = 'pending' AND confirmed_payment_id IS NULL`,
		paymentID, depositID,
	)
	if err != nil {
		if IsUniqueViolation(err) {
			return fmt.Errorf("LinkDeposit: payment %s: %w", paymentID, domain.ErrAlreadyConsumed)
		}
		return fmt.Errorf("LinkDeposit: %w", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("LinkDeposit: rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("LinkDeposit: deposit %s: %w", depositID, domain.ErrAlreadyConsumed)
	}
	return nil
}

// ConsumePayment marks a Pending confirmed payment as used by depositID, once.
func (r *TransactionRepository) ConsumePayment(ctx context.Context, tx *sql.Tx, paymentID, depositID string) error {
	res, err := tx.ExecContext(ctx,
		`UPDATE transactions SET status = 'accepted', matched_deposit_id = $1, updated_at = now()
		WHERE origin = 'provider' AND id = $2 AND status = 'pending' AND matched_deposit_id IS NULL`,
		depositID, paymentID,
	)
	if err != nil {
		if IsUniqueViolation(err) {
			return fmt.Errorf("ConsumePayment: deposit %s: %w", depositID, domain.ErrAlreadyConsumed)
		}
		return fmt.Errorf("ConsumePayment: %w", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("ConsumePayment: rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("ConsumePayment: payment %s: %w", paymentID, domain.ErrAlreadyConsumed)
	}
	return nil
}

// MarkCredited flags a provider payment as counted against its receiving
// account. It reports false when the payment was already credited.
func (r *TransactionRepository) MarkCredited(ctx context.Context, tx *sql.Tx, paymentID string) (bool, error) {
	res, err := tx.ExecContext(ctx,
		`UPDATE transactions SET credited_at = now()
		WHERE origin = 'provider' AND id = $1 AND credited_at IS NULL`,
		paymentID,
	)
	if err != nil {
		return false, fmt.Errorf("MarkCredited: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("MarkCredited: rows affected: %w", err)
	}
	return n == 1, nil
}

// ListMatchablePayments returns approved, unconsumed confirmed payments of
// exactly amount, oldest first.
func (r *TransactionRepository) ListMatchablePayments(ctx context.Context, amount decimal.Decimal) ([]domain.Transaction, error) {
	return r.list(ctx, "ListMatchablePayments",
		`SELECT `+transactionColumns+` FROM transactions
		WHERE origin = 'provider' AND status = 'pending' AND provider_status = 'approved'
			AND matched_deposit_id IS NULL AND amount = $1
		ORDER BY created_at ASC NULLS LAST, id ASC`,
		amount,
	)
}

// ListMatchableDeposits returns pending, unlinked deposits of exactly amount,
// earliest createdAt first.
func (r *TransactionRepository) ListMatchableDeposits(ctx context.Context, amount decimal.Decimal) ([]domain.Transaction, error) {
	return r.list(ctx, "ListMatchableDeposits",
		`SELECT `+transactionColumns+` FROM transactions
		WHERE origin = 'reported' AND status = 'pending'
			AND confirmed_payment_id IS NULL AND amount = $1
		ORDER BY created_at ASC NULLS LAST, id ASC`,
		amount,
	)
}

func (r *TransactionRepository) ListPendingDeposits(ctx context.Context, olderThan time.Time, limit int) ([]domain.Transaction, error) {
	return r.list(ctx, "ListPendingDeposits",
		`SELECT `+transactionColumns+` FROM transactions
		WHERE origin = 'reported' AND status = 'pending'
			AND confirmed_payment_id IS NULL AND recorded_at < $1
		ORDER BY recorded_at ASC, id ASC
		LIMIT $2`,
		olderThan, limit,
	)
}

// ListReferencedPayments returns Pending, unconsumed payments that a deposit
// already points at: claims made through the upstream search whose payment
// was stored without being consumed.
func (r *TransactionRepository) ListReferencedPayments(ctx context.Context, limit int) ([]domain.Transaction, error) {
	return r.list(ctx, "ListReferencedPayments",
		`SELECT `+transactionColumns+` FROM transactions
		WHERE origin = 'provider' AND status = 'pending' AND matched_deposit_id IS NULL
			AND id IN (
				SELECT confirmed_payment_id FROM transactions
				WHERE origin = 'reported' AND confirmed_payment_id IS NOT NULL
			)
		ORDER BY recorded_at ASC, id ASC
		LIMIT $1`,
		limit,
	)
}

// GetDepositByConfirmedPayment finds the deposit that already claimed paymentID.
func (r *TransactionRepository) GetDepositByConfirmedPayment(ctx context.Context, tx *sql.Tx, paymentID string) (*domain.Transaction, error) {
	row := tx.QueryRowContext(ctx,
		`SELECT `+transactionColumns+` FROM transactions
		WHERE origin = 'reported' AND confirmed_payment_id = $1`,
		paymentID,
	)
	t, err := scanTransaction(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("GetDepositByConfirmedPayment: %w", domain.ErrNotFound)
		}
		return nil, fmt.Errorf("GetDepositByConfirmedPayment: %w", err)
	}
	return t, nil
}

func (r *TransactionRepository) list(ctx context.Context, op, query string, args ...any) ([]domain.Transaction, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	var txns []domain.Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("%s: scan: %w", op, err)
		}
		txns = append(txns, *t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: rows: %w", op, err)
	}
	return txns, nil
}

func scanTransaction(s scanner) (*domain.Transaction, error) {
	var t domain.Transaction
	var payer, recipient, receiver sql.NullString

	err := s.Scan(
		&t.Origin, &t.ID, &t.Kind, &t.Amount, &t.Status, &t.ProviderStatus,
		&payer, &recipient, &receiver, &t.ConfirmedPaymentID,
		&t.MatchedDepositID, &t.ErrorReason, &t.CreatedAt, &t.RecordedAt, &t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	t.PayerIdentity = nullString(payer)
	t.RecipientCBU = nullString(recipient)
	t.ProviderReceiverID = nullString(receiver)
	return &t, nil
}
