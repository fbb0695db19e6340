package testutil

import (
	"database/sql"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/josh-kwaku/cbu-rotation-reconciler/internal/domain"
)

// AccountSeed describes a receiving account inserted directly into the pool.
type AccountSeed struct {
	CBU                string
	DisplayName        string
	ProviderIdentifier string
	Credential         string
	WalletKind         domain.WalletKind
	PartitionKey       string
	Status             domain.AccountStatus
	Accumulated        decimal.Decimal
}

func SeedAccount(t *testing.T, db *sql.DB, seed AccountSeed) *domain.Account {
	t.Helper()

	if seed.WalletKind == "" {
		seed.WalletKind = domain.WalletKindMercadoPago
	}
	if seed.Status == "" {
		seed.Status = domain.AccountStatusActive
	}
	if seed.DisplayName == "" {
		seed.DisplayName = seed.CBU
	}

	a := &domain.Account{
		CBU:                seed.CBU,
		DisplayName:        seed.DisplayName,
		ProviderIdentifier: seed.ProviderIdentifier,
		WalletKind:         seed.WalletKind,
		PartitionKey:       seed.PartitionKey,
		Status:             seed.Status,
		Accumulated:        seed.Accumulated,
	}
	err := db.QueryRow(
		`INSERT INTO accounts (
			cbu, display_name, provider_identifier, provider_credential,
			wallet_kind, partition_key, status, accumulated_amount
		) VALUES ($1, $2, NULLIF($3, ''), NULLIF($4, ''), $5, $6, $7, $8)
		RETURNING id, created_at`,
		seed.CBU, seed.DisplayName, seed.ProviderIdentifier, seed.Credential,
		seed.WalletKind, seed.PartitionKey, seed.Status, seed.Accumulated,
	).Scan(&a.ID, &a.CreatedAt)
	if err != nil {
		t.Fatalf("seed account %s: %v", seed.CBU, err)
	}
	return a
}

func SetAccumulated(t *testing.T, db *sql.DB, accountID int64, amount decimal.Decimal) {
	t.Helper()
	if _, err := db.Exec(`UPDATE accounts SET accumulated_amount = $1 WHERE id = $2`, amount, accountID); err != nil {
		t.Fatalf("set accumulated for %d: %v", accountID, err)
	}
}

func GetAccumulated(t *testing.T, db *sql.DB, accountID int64) decimal.Decimal {
	t.Helper()
	var amount decimal.Decimal
	if err := db.QueryRow(`SELECT accumulated_amount FROM accounts WHERE id = $1`, accountID).Scan(&amount); err != nil {
		t.Fatalf("get accumulated for %d: %v", accountID, err)
	}
	return amount
}

// TransactionRow is the match-relevant slice of a stored transaction.
type TransactionRow struct {
	Status             domain.TransactionStatus
	ConfirmedPaymentID sql.NullString
	MatchedDepositID   sql.NullString
	ErrorReason        sql.NullString
}

func GetTransaction(t *testing.T, db *sql.DB, origin domain.Origin, id string) TransactionRow {
	t.Helper()
	var row TransactionRow
	err := db.QueryRow(
		`SELECT status, confirmed_payment_id, matched_deposit_id, error_reason
		FROM transactions WHERE origin = $1 AND id = $2`, origin, id,
	).Scan(&row.Status, &row.ConfirmedPaymentID, &row.MatchedDepositID, &row.ErrorReason)
	if err != nil {
		t.Fatalf("get transaction %s/%s: %v", origin, id, err)
	}
	return row
}

func CountTransactionEvents(t *testing.T, db *sql.DB, origin domain.Origin, id string, eventType domain.TransactionEventType) int {
	t.Helper()
	var n int
	err := db.QueryRow(
		`SELECT COUNT(*) FROM transaction_events WHERE origin = $1 AND transaction_id = $2 AND event_type = $3`,
		origin, id, eventType,
	).Scan(&n)
	if err != nil {
		t.Fatalf("count transaction events: %v", err)
	}
	return n
}

// Ptr returns a pointer to a copy of v.
func Ptr[T any](v T) *T {
	return &v
}

func TimeAt(base time.Time, offset time.Duration) *time.Time {
	ts := base.Add(offset)
	return &ts
}
