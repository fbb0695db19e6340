// Package rotation hands out receiving accounts so that each one fills up to
// the capacity threshold before the next one is used.
package rotation

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/josh-kwaku/cbu-rotation-reconciler/internal/domain"
	"github.com/josh-kwaku/cbu-rotation-reconciler/internal/events"
	"github.com/josh-kwaku/cbu-rotation-reconciler/internal/logging"
)

type accountRepo interface {
	GetByCBU(ctx context.Context, cbu string) (*domain.Account, error)
	ListActive(ctx context.Context, tx *sql.Tx, kind domain.WalletKind, partitionKey string) ([]domain.Account, error)
	ResetAccumulated(ctx context.Context, tx *sql.Tx, kind domain.WalletKind, partitionKey string) (int64, error)
	IncrementAccumulated(ctx context.Context, tx *sql.Tx, id int64, amount decimal.Decimal) error
}

type cursorRepo interface {
	Lock(ctx context.Context, tx *sql.Tx, partitionKey string) (*int64, error)
	Get(ctx context.Context, tx *sql.Tx, partitionKey string) (*int64, error)
	Set(ctx context.Context, tx *sql.Tx, partitionKey string, accountID int64) error
	Clear(ctx context.Context, tx *sql.Tx, partitionKey string) error
}

type publisher interface {
	Publish(ctx context.Context, routingKey string, body any) error
}

type Service struct {
	accounts   accountRepo
	cursors    cursorRepo
	publisher  publisher
	db         *sql.DB
	walletKind domain.WalletKind
	threshold  decimal.Decimal
}

func NewService(
	accounts accountRepo,
	cursors cursorRepo,
	pub publisher,
	db *sql.DB,
	walletKind domain.WalletKind,
	threshold decimal.Decimal,
) *Service {
	return &Service{
		accounts:   accounts,
		cursors:    cursors,
		publisher:  pub,
		db:         db,
		walletKind: walletKind,
		threshold:  threshold,
	}
}

// Allocate picks the account that should receive the next deposit in the
// partition. The cursor row lock serializes concurrent allocations for the
// same partition until the transaction ends.
func (s *Service) Allocate(ctx context.Context, amount decimal.Decimal, partitionKey string) (*domain.Allocation, error) {
	if !amount.IsPositive() {
		return nil, fmt.Errorf("Allocate: %w", domain.ErrInvalidAmount)
	}

	log := logging.FromContext(ctx)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("Allocate: begin tx: %w", err)
	}
	defer tx.Rollback()

	sticky, err := s.cursors.Lock(ctx, tx, partitionKey)
	if err != nil {
		return nil, fmt.Errorf("Allocate: %w", err)
	}

	pool, err := s.accounts.ListActive(ctx, tx, s.walletKind, partitionKey)
	if err != nil {
		return nil, fmt.Errorf("Allocate: %w", err)
	}
	if len(pool) == 0 {
		return nil, fmt.Errorf("Allocate: %w", &domain.NoAccountsAvailableError{PartitionKey: partitionKey})
	}

	var resetCount int64
	chosen := choose(sticky, pool, s.threshold)
	if chosen == nil {
		resetCount, err = s.accounts.ResetAccumulated(ctx, tx, s.walletKind, partitionKey)
		if err != nil {
			return nil, fmt.Errorf("Allocate: %w", err)
		}

		pool, err = s.accounts.ListActive(ctx, tx, s.walletKind, partitionKey)
		if err != nil {
			return nil, fmt.Errorf("Allocate: %w", err)
		}
		chosen = choose(nil, pool, s.threshold)
		if chosen == nil {
			return nil, fmt.Errorf("Allocate: %w", &domain.NoAccountsAvailableError{PartitionKey: partitionKey})
		}
	}

	if sticky == nil || *sticky != chosen.ID {
		if err := s.cursors.Set(ctx, tx, partitionKey, chosen.ID); err != nil {
			return nil, fmt.Errorf("Allocate: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("Allocate: commit: %w", err)
	}

	if resetCount > 0 {
		log.Info("rotation pool saturated, counters reset",
			"partition_key", partitionKey,
			"count", resetCount,
		)
		s.publishReset(ctx, partitionKey, resetCount)
	}

	log.Info("account allocated",
		"partition_key", partitionKey,
		"cbu", chosen.CBU,
		"accumulated", chosen.Accumulated.String(),
		"amount", amount.String(),
	)

	return &domain.Allocation{CBU: chosen.CBU, DisplayName: chosen.DisplayName}, nil
}

// Status reports every account in the partition and the account the next
// allocation would return, from one consistent snapshot.
func (s *Service) Status(ctx context.Context, partitionKey string) (*domain.RotationStatus, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("Status: begin tx: %w", err)
	}
	defer tx.Rollback()

	sticky, err := s.cursors.Get(ctx, tx, partitionKey)
	if err != nil {
		return nil, fmt.Errorf("Status: %w", err)
	}

	pool, err := s.accounts.ListActive(ctx, tx, s.walletKind, partitionKey)
	if err != nil {
		return nil, fmt.Errorf("Status: %w", err)
	}

	status := &domain.RotationStatus{
		PartitionKey: partitionKey,
		Accounts:     make([]domain.RotationAccountStatus, 0, len(pool)),
	}
	for _, a := range pool {
		status.Accounts = append(status.Accounts, domain.RotationAccountStatus{
			CBU:         a.CBU,
			Accumulated: a.Accumulated,
			IsAvailable: a.Accumulated.LessThan(s.threshold),
		})
	}

	if next := choose(sticky, pool, s.threshold); next != nil {
		status.NextAvailableCBU = next.CBU
	} else if first := lowestID(pool); first != nil {
		// a saturated pool restarts from the lowest id after its reset
		status.NextAvailableCBU = first.CBU
	}

	return status, nil
}

// Reset zeroes every counter in the partition and forgets the sticky
// account. An empty partition key resets the whole wallet kind.
func (s *Service) Reset(ctx context.Context, partitionKey string) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("Reset: begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := s.cursors.Lock(ctx, tx, partitionKey); err != nil {
		return 0, fmt.Errorf("Reset: %w", err)
	}
	if err := s.cursors.Clear(ctx, tx, partitionKey); err != nil {
		return 0, fmt.Errorf("Reset: %w", err)
	}

	count, err := s.accounts.ResetAccumulated(ctx, tx, s.walletKind, partitionKey)
	if err != nil {
		return 0, fmt.Errorf("Reset: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("Reset: commit: %w", err)
	}

	logging.FromContext(ctx).Info("rotation reset", "partition_key", partitionKey, "count", count)
	s.publishReset(ctx, partitionKey, count)

	return count, nil
}

// RecordRealizedAmount adds a received payment amount to the account that
// owns cbu.
func (s *Service) RecordRealizedAmount(ctx context.Context, cbu string, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return fmt.Errorf("RecordRealizedAmount: %w", domain.ErrInvalidAmount)
	}

	acct, err := s.accounts.GetByCBU(ctx, cbu)
	if err != nil {
		return fmt.Errorf("RecordRealizedAmount: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("RecordRealizedAmount: begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := s.accounts.IncrementAccumulated(ctx, tx, acct.ID, amount); err != nil {
		return fmt.Errorf("RecordRealizedAmount: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("RecordRealizedAmount: commit: %w", err)
	}

	logging.FromContext(ctx).Info("realized amount recorded", "cbu", cbu, "amount", amount.String())
	return nil
}

func (s *Service) publishReset(ctx context.Context, partitionKey string, count int64) {
	if s.publisher == nil {
		return
	}
	err := s.publisher.Publish(ctx, events.RoutingKeyRotationReset, events.RotationReset{
		PartitionKey: partitionKey,
		Count:        count,
		OccurredAt:   time.Now().UTC(),
	})
	if err != nil {
		logging.FromContext(ctx).Error("failed to publish rotation reset",
			"partition_key", partitionKey,
			"error", err,
		)
	}
}

// choose returns the sticky account while it is still in the pool and under
// threshold, otherwise the first account under threshold in pool order. Nil
// means the pool is saturated. pool must be ordered by accumulated, then id.
func choose(sticky *int64, pool []domain.Account, threshold decimal.Decimal) *domain.Account {
	if sticky != nil {
		for i := range pool {
			if pool[i].ID == *sticky && pool[i].Accumulated.LessThan(threshold) {
				return &pool[i]
			}
		}
	}
	for i := range pool {
		if pool[i].Accumulated.LessThan(threshold) {
			return &pool[i]
		}
	}
	return nil
}

func lowestID(pool []domain.Account) *domain.Account {
	var first *domain.Account
	for i := range pool {
		if first == nil || pool[i].ID < first.ID {
			first = &pool[i]
		}
	}
	return first
}
