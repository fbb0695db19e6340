package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// RotationCursorRepository stores the sticky account per partition. Locking
// the cursor row serializes allocations for that partition across replicas.
type RotationCursorRepository struct {
	db *sql.DB
}

func NewRotationCursorRepository(db *sql.DB) *RotationCursorRepository {
	return &RotationCursorRepository{db: db}
}

// Lock creates the cursor row if needed and holds it FOR UPDATE until tx ends.
func (r *RotationCursorRepository) Lock(ctx context.Context, tx *sql.Tx, partitionKey string) (*int64, error) {
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO rotation_cursors (partition_key) VALUES ($1)
		ON CONFLICT (partition_key) DO NOTHING`, partitionKey,
	); err != nil {
		return nil, fmt.Errorf("Lock: insert: %w", err)
	}

	var accountID sql.NullInt64
	err := tx.QueryRowContext(ctx,
		`SELECT account_id FROM rotation_cursors WHERE partition_key = $1 FOR UPDATE`, partitionKey,
	).Scan(&accountID)
	if err != nil {
		return nil, fmt.Errorf("Lock: %w", err)
	}
	if !accountID.Valid {
		return nil, nil
	}
	return &accountID.Int64, nil
}

func (r *RotationCursorRepository) Get(ctx context.Context, tx *sql.Tx, partitionKey string) (*int64, error) {
	var accountID sql.NullInt64
	err := tx.QueryRowContext(ctx,
		`SELECT account_id FROM rotation_cursors WHERE partition_key = $1`, partitionKey,
	).Scan(&accountID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("Get: %w", err)
	}
	if !accountID.Valid {
		return nil, nil
	}
	return &accountID.Int64, nil
}

func (r *RotationCursorRepository) Set(ctx context.Context, tx *sql.Tx, partitionKey string, accountID int64) error {
	_, err := tx.ExecContext(ctx,
		`UPDATE rotation_cursors SET account_id = $1, updated_at = now() WHERE partition_key = $2`,
		accountID, partitionKey,
	)
	if err != nil {
		return fmt.Errorf("Set: %w", err)
	}
	return nil
}

// Clear drops the sticky account so the next allocation starts from the
// front. An empty key clears every partition. Rows are locked in key order.
func (r *RotationCursorRepository) Clear(ctx context.Context, tx *sql.Tx, partitionKey string) error {
	if _, err := tx.ExecContext(ctx,
		`SELECT partition_key FROM rotation_cursors
		WHERE ($1 = '' OR partition_key = $1)
		ORDER BY partition_key FOR UPDATE`, partitionKey,
	); err != nil {
		return fmt.Errorf("Clear: lock: %w", err)
	}

	_, err := tx.ExecContext(ctx,
		`UPDATE rotation_cursors SET account_id = NULL, updated_at = now()
		WHERE ($1 = '' OR partition_key = $1)`,
		partitionKey,
	)
	if err != nil {
		return fmt.Errorf("Clear: %w", err)
	}
	return nil
}
