package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/josh-kwaku/cbu-rotation-reconciler/internal/domain"
)

const accountColumns = `id, cbu, display_name, provider_identifier, wallet_kind,
	partition_key, status, accumulated_amount, created_at`

// An empty partition key addresses every account of the wallet kind.
const partitionFilter = `($2 = '' OR partition_key = $2)`

type AccountRepository struct {
	db *sql.DB
}

func NewAccountRepository(db *sql.DB) *AccountRepository {
	return &AccountRepository{db: db}
}

func (r *AccountRepository) GetByID(ctx context.Context, tx *sql.Tx, id int64) (*domain.Account, error) {
	row := tx.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE id = $1`, id,
	)
	a, err := scanAccount(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("GetByID: %w", domain.ErrNotFound)
		}
		return nil, fmt.Errorf("GetByID: %w", err)
	}
	return a, nil
}

// GetByCBU prefers the active owner of the cbu over inactive historical rows.
func (r *AccountRepository) GetByCBU(ctx context.Context, cbu string) (*domain.Account, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM accounts
		WHERE cbu = $1
		ORDER BY (status = 'active') DESC, id
		LIMIT 1`, cbu,
	)
	a, err := scanAccount(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("GetByCBU: %w", domain.ErrNotFound)
		}
		return nil, fmt.Errorf("GetByCBU: %w", err)
	}
	return a, nil
}

func (r *AccountRepository) GetByProviderIdentifier(ctx context.Context, tx *sql.Tx, providerID string) (*domain.Account, error) {
	row := tx.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM accounts
		WHERE provider_identifier = $1
		ORDER BY (status = 'active') DESC, id
		LIMIT 1`, providerID,
	)
	a, err := scanAccount(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("GetByProviderIdentifier: %w", domain.ErrNotFound)
		}
		return nil, fmt.Errorf("GetByProviderIdentifier: %w", err)
	}
	return a, nil
}

// ListActive returns the rotation pool in allocation order: accumulated
// ascending, id ascending.
func (r *AccountRepository) ListActive(ctx context.Context, tx *sql.Tx, kind domain.WalletKind, partitionKey string) ([]domain.Account, error) {
	rows, err := tx.QueryContext(ctx,
		`SELECT `+accountColumns+` FROM accounts
		WHERE wallet_kind = $1 AND `+partitionFilter+` AND status = 'active'
		ORDER BY accumulated_amount ASC, id ASC`,
		kind, partitionKey,
	)
	if err != nil {
		return nil, fmt.Errorf("ListActive: %w", err)
	}
	defer rows.Close()

	var accounts []domain.Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("ListActive: scan: %w", err)
		}
		accounts = append(accounts, *a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ListActive: rows: %w", err)
	}
	return accounts, nil
}

// ResetAccumulated zeroes the whole pool in one statement so no reader can
// observe a half-reset pool.
func (r *AccountRepository) ResetAccumulated(ctx context.Context, tx *sql.Tx, kind domain.WalletKind, partitionKey string) (int64, error) {
	res, err := tx.ExecContext(ctx,
		`UPDATE accounts SET accumulated_amount = 0
		WHERE id IN (
			SELECT id FROM accounts
			WHERE wallet_kind = $1 AND `+partitionFilter+` AND status = 'active'
			ORDER BY id FOR UPDATE
		)`,
		kind, partitionKey,
	)
	if err != nil {
		return 0, fmt.Errorf("ResetAccumulated: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("ResetAccumulated: rows affected: %w", err)
	}
	return n, nil
}

func (r *AccountRepository) IncrementAccumulated(ctx context.Context, tx *sql.Tx, id int64, amount decimal.Decimal) error {
	res, err := tx.ExecContext(ctx,
		`UPDATE accounts SET accumulated_amount = accumulated_amount + $1 WHERE id = $2`,
		amount, id,
	)
	if err != nil {
		return fmt.Errorf("IncrementAccumulated: %w", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("IncrementAccumulated: rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("IncrementAccumulated: %w", domain.ErrNotFound)
	}
	return nil
}

// ListCredentials returns one credential per active account of the kind, in id order.
func (r *AccountRepository) ListCredentials(ctx context.Context, kind domain.WalletKind) ([]domain.Credential, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, cbu, provider_credential FROM accounts
		WHERE wallet_kind = $1 AND status = 'active'
			AND provider_credential IS NOT NULL AND provider_credential <> ''
		ORDER BY id`,
		kind,
	)
	if err != nil {
		return nil, fmt.Errorf("ListCredentials: %w", err)
	}
	defer rows.Close()

	var creds []domain.Credential
	for rows.Next() {
		var c domain.Credential
		if err := rows.Scan(&c.AccountID, &c.CBU, &c.Token); err != nil {
			return nil, fmt.Errorf("ListCredentials: scan: %w", err)
		}
		creds = append(creds, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ListCredentials: rows: %w", err)
	}
	return creds, nil
}

func scanAccount(s scanner) (*domain.Account, error) {
	var a domain.Account
	var providerID sql.NullString
	err := s.Scan(
		&a.ID, &a.CBU, &a.DisplayName, &providerID, &a.WalletKind,
		&a.PartitionKey, &a.Status, &a.Accumulated, &a.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	a.ProviderIdentifier = nullString(providerID)
	return &a, nil
}
