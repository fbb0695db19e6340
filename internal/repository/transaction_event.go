package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/josh-kwaku/cbu-rotation-reconciler/internal/domain"
)

const transactionEventColumns = `id, origin, transaction_id, event_type, payload, created_at`

type TransactionEventRepository struct {
	db *sql.DB
}

func NewTransactionEventRepository(db *sql.DB) *TransactionEventRepository {
	return &TransactionEventRepository{db: db}
}

func (r *TransactionEventRepository) Create(ctx context.Context, tx *sql.Tx, event *domain.TransactionEvent) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO transaction_events (id, origin, transaction_id, event_type, payload, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		event.ID, event.Origin, event.TransactionID, event.EventType,
		nullableJSON(event.Payload), event.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("Create: %w", err)
	}
	return nil
}

func (r *TransactionEventRepository) GetByTransaction(ctx context.Context, origin domain.Origin, id string) ([]domain.TransactionEvent, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+transactionEventColumns+` FROM transaction_events
		WHERE origin = $1 AND transaction_id = $2 ORDER BY created_at, id`, origin, id,
	)
	if err != nil {
		return nil, fmt.Errorf("GetByTransaction: %w", err)
	}
	defer rows.Close()

	var events []domain.TransactionEvent
	for rows.Next() {
		e, err := scanTransactionEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("GetByTransaction: scan: %w", err)
		}
		events = append(events, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("GetByTransaction: rows: %w", err)
	}
	return events, nil
}

func nullableJSON(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return []byte(b)
}

func scanTransactionEvent(s scanner) (*domain.TransactionEvent, error) {
	var e domain.TransactionEvent
	var payload []byte
	err := s.Scan(
		&e.ID, &e.Origin, &e.TransactionID, &e.EventType,
		&payload, &e.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	e.Payload = payload
	return &e, nil
}
