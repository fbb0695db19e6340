package repository_test

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/josh-kwaku/cbu-rotation-reconciler/internal/domain"
	"github.com/josh-kwaku/cbu-rotation-reconciler/internal/repository"
	"github.com/josh-kwaku/cbu-rotation-reconciler/internal/testutil"
)

// inTx runs fn in its own transaction and commits when fn succeeds.
func inTx(t *testing.T, db *sql.DB, fn func(tx *sql.Tx) error) error {
	t.Helper()
	tx, err := db.BeginTx(context.Background(), nil)
	require.NoError(t, err)
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func deposit(id, amount string, createdAt *time.Time) *domain.Transaction {
	return &domain.Transaction{
		Origin:        domain.OriginReported,
		ID:            id,
		Kind:          domain.TransactionKindDeposit,
		Amount:        decimal.RequireFromString(amount),
		Status:        domain.TransactionStatusPending,
		PayerIdentity: "20-12345678-9",
		CreatedAt:     createdAt,
	}
}

func payment(id, amount string, createdAt *time.Time) *domain.Transaction {
	return &domain.Transaction{
		Origin:         domain.OriginProvider,
		ID:             id,
		Kind:           domain.TransactionKindDeposit,
		Amount:         decimal.RequireFromString(amount),
		Status:         domain.TransactionStatusPending,
		ProviderStatus: testutil.Ptr(domain.ProviderStatusApproved),
		PayerIdentity:  "20-12345678-9",
		CreatedAt:      createdAt,
	}
}

func insertAll(t *testing.T, db *sql.DB, repo *repository.TransactionRepository, txns ...*domain.Transaction) {
	t.Helper()
	require.NoError(t, inTx(t, db, func(tx *sql.Tx) error {
		for _, txn := range txns {
			if _, err := repo.Insert(context.Background(), tx, txn); err != nil {
				return err
			}
		}
		return nil
	}))
}

func TestTransactionRepository_InsertIsIdempotent(t *testing.T) {
	db := testutil.SetupTestDB(t)
	repo := repository.NewTransactionRepository(db)
	ctx := context.Background()
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	var first, second bool
	require.NoError(t, inTx(t, db, func(tx *sql.Tx) error {
		var err error
		first, err = repo.Insert(ctx, tx, deposit("d-1", "100.00", &base))
		return err
	}))
	require.NoError(t, inTx(t, db, func(tx *sql.Tx) error {
		var err error
		second, err = repo.Insert(ctx, tx, deposit("d-1", "999.00", nil))
		return err
	}))

	assert.True(t, first)
	assert.False(t, second)

	got, err := repo.GetByID(ctx, domain.OriginReported, "d-1")
	require.NoError(t, err)
	assert.True(t, decimal.RequireFromString("100").Equal(got.Amount))
	require.NotNil(t, got.CreatedAt)
	assert.True(t, base.Equal(*got.CreatedAt))
}

func TestTransactionRepository_GetByIDNotFound(t *testing.T) {
	db := testutil.SetupTestDB(t)
	repo := repository.NewTransactionRepository(db)

	_, err := repo.GetByID(context.Background(), domain.OriginProvider, "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestTransactionRepository_UpsertMerges(t *testing.T) {
	db := testutil.SetupTestDB(t)
	repo := repository.NewTransactionRepository(db)
	ctx := context.Background()

	accepted := payment("p-1", "50.00", nil)
	accepted.Status = domain.TransactionStatusAccepted
	accepted.RecipientCBU = "0000003100010000000001"
	insertAll(t, db, repo, accepted)

	var out *domain.Transaction
	require.NoError(t, inTx(t, db, func(tx *sql.Tx) error {
		incoming := payment("p-1", "0", nil)
		incoming.PayerIdentity = ""
		var err error
		out, err = repo.Upsert(ctx, tx, incoming)
		return err
	}))

	assert.Equal(t, domain.TransactionStatusAccepted, out.Status)
	assert.True(t, decimal.RequireFromString("50").Equal(out.Amount))
	assert.Equal(t, "20-12345678-9", out.PayerIdentity)
	assert.Equal(t, "0000003100010000000001", out.RecipientCBU)
}

func TestTransactionRepository_RecordError(t *testing.T) {
	db := testutil.SetupTestDB(t)
	repo := repository.NewTransactionRepository(db)
	ctx := context.Background()

	insertAll(t, db, repo, payment("p-real", "10.00", nil))

	tests := []struct {
		name       string
		id         string
		reason     string
		wantStored bool
		wantStatus domain.TransactionStatus
		wantReason string
	}{
		{"new id gets a placeholder", "p-new", "upstream unavailable", true, domain.TransactionStatusError, "upstream unavailable"},
		{"existing placeholder is refreshed", "p-new", "upstream auth failed", true, domain.TransactionStatusError, "upstream auth failed"},
		{"real row is left alone", "p-real", "upstream unavailable", false, domain.TransactionStatusPending, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var stored bool
			require.NoError(t, inTx(t, db, func(tx *sql.Tx) error {
				var err error
				stored, err = repo.RecordError(ctx, tx, domain.OriginProvider, tt.id, tt.reason)
				return err
			}))
			assert.Equal(t, tt.wantStored, stored)

			row := testutil.GetTransaction(t, db, domain.OriginProvider, tt.id)
			assert.Equal(t, tt.wantStatus, row.Status)
			assert.Equal(t, tt.wantReason, row.ErrorReason.String)
		})
	}
}

func TestTransactionRepository_Redrive(t *testing.T) {
	db := testutil.SetupTestDB(t)
	repo := repository.NewTransactionRepository(db)
	ctx := context.Background()

	insertAll(t, db, repo, payment("p-ok", "10.00", nil))
	require.NoError(t, inTx(t, db, func(tx *sql.Tx) error {
		_, err := repo.RecordError(ctx, tx, domain.OriginProvider, "p-err", "upstream unavailable")
		return err
	}))

	var out *domain.Transaction
	require.NoError(t, inTx(t, db, func(tx *sql.Tx) error {
		var err error
		out, err = repo.Redrive(ctx, tx, payment("p-err", "75.50", nil))
		return err
	}))
	assert.Equal(t, domain.TransactionStatusPending, out.Status)
	assert.True(t, decimal.RequireFromString("75.5").Equal(out.Amount))
	assert.Nil(t, out.ErrorReason)

	err := inTx(t, db, func(tx *sql.Tx) error {
		_, err := repo.Redrive(ctx, tx, payment("p-ok", "10.00", nil))
		return err
	})
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestTransactionRepository_SetStatusRequiresFrom(t *testing.T) {
	db := testutil.SetupTestDB(t)
	repo := repository.NewTransactionRepository(db)
	ctx := context.Background()

	insertAll(t, db, repo, deposit("d-1", "10.00", nil))

	reason := "rejected upstream"
	require.NoError(t, inTx(t, db, func(tx *sql.Tx) error {
		return repo.SetStatus(ctx, tx, domain.OriginReported, "d-1",
			domain.TransactionStatusPending, domain.TransactionStatusRejected, &reason)
	}))

	err := inTx(t, db, func(tx *sql.Tx) error {
		return repo.SetStatus(ctx, tx, domain.OriginReported, "d-1",
			domain.TransactionStatusPending, domain.TransactionStatusAccepted, nil)
	})
	assert.ErrorIs(t, err, domain.ErrNotFound)

	row := testutil.GetTransaction(t, db, domain.OriginReported, "d-1")
	assert.Equal(t, domain.TransactionStatusRejected, row.Status)
	assert.Equal(t, reason, row.ErrorReason.String)
}

func TestTransactionRepository_LinkDepositOnce(t *testing.T) {
	db := testutil.SetupTestDB(t)
	repo := repository.NewTransactionRepository(db)
	ctx := context.Background()

	insertAll(t, db, repo,
		deposit("d-1", "100.00", nil),
		deposit("d-2", "100.00", nil),
		payment("p-1", "100.00", nil),
		payment("p-2", "100.00", nil),
	)

	require.NoError(t, inTx(t, db, func(tx *sql.Tx) error {
		return repo.LinkDeposit(ctx, tx, "d-1", "p-1")
	}))

	tests := []struct {
		name      string
		depositID string
		paymentID string
	}{
		{"deposit already linked", "d-1", "p-2"},
		{"payment already claimed by another deposit", "d-2", "p-1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := inTx(t, db, func(tx *sql.Tx) error {
				return repo.LinkDeposit(ctx, tx, tt.depositID, tt.paymentID)
			})
			assert.ErrorIs(t, err, domain.ErrAlreadyConsumed)
		})
	}

	row := testutil.GetTransaction(t, db, domain.OriginReported, "d-1")
	assert.Equal(t, domain.TransactionStatusAccepted, row.Status)
	assert.Equal(t, "p-1", row.ConfirmedPaymentID.String)

	row = testutil.GetTransaction(t, db, domain.OriginReported, "d-2")
	assert.Equal(t, domain.TransactionStatusPending, row.Status)
	assert.False(t, row.ConfirmedPaymentID.Valid)

	var linked *domain.Transaction
	require.NoError(t, inTx(t, db, func(tx *sql.Tx) error {
		var err error
		linked, err = repo.GetDepositByConfirmedPayment(ctx, tx, "p-1")
		return err
	}))
	assert.Equal(t, "d-1", linked.ID)
}

func TestTransactionRepository_ConsumePaymentOnce(t *testing.T) {
	db := testutil.SetupTestDB(t)
	repo := repository.NewTransactionRepository(db)
	ctx := context.Background()

	insertAll(t, db, repo, payment("p-1", "100.00", nil), payment("p-2", "100.00", nil))

	require.NoError(t, inTx(t, db, func(tx *sql.Tx) error {
		return repo.ConsumePayment(ctx, tx, "p-1", "d-1")
	}))

	err := inTx(t, db, func(tx *sql.Tx) error {
		return repo.ConsumePayment(ctx, tx, "p-1", "d-2")
	})
	assert.ErrorIs(t, err, domain.ErrAlreadyConsumed)

	err = inTx(t, db, func(tx *sql.Tx) error {
		return repo.ConsumePayment(ctx, tx, "p-2", "d-1")
	})
	assert.ErrorIs(t, err, domain.ErrAlreadyConsumed)

	row := testutil.GetTransaction(t, db, domain.OriginProvider, "p-1")
	assert.Equal(t, domain.TransactionStatusAccepted, row.Status)
	assert.Equal(t, "d-1", row.MatchedDepositID.String)
}

func TestTransactionRepository_ListMatchablePayments(t *testing.T) {
	db := testutil.SetupTestDB(t)
	repo := repository.NewTransactionRepository(db)
	ctx := context.Background()
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	notApproved := payment("p-pending-upstream", "100.00", testutil.TimeAt(base, -time.Hour))
	notApproved.ProviderStatus = testutil.Ptr("in_process")

	insertAll(t, db, repo,
		payment("p-late", "100.00", testutil.TimeAt(base, time.Minute)),
		payment("p-early", "100", testutil.TimeAt(base, 0)),
		payment("p-other-amount", "100.01", testutil.TimeAt(base, -time.Minute)),
		payment("p-consumed", "100.00", testutil.TimeAt(base, -2*time.Minute)),
		notApproved,
	)
	require.NoError(t, inTx(t, db, func(tx *sql.Tx) error {
		return repo.ConsumePayment(ctx, tx, "p-consumed", "d-x")
	}))

	got, err := repo.ListMatchablePayments(ctx, decimal.RequireFromString("100.00"))
	require.NoError(t, err)

	ids := make([]string, len(got))
	for i, p := range got {
		ids[i] = p.ID
	}
	assert.Equal(t, []string{"p-early", "p-late"}, ids)
}

func TestTransactionRepository_ListMatchableDeposits(t *testing.T) {
	db := testutil.SetupTestDB(t)
	repo := repository.NewTransactionRepository(db)
	ctx := context.Background()
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	insertAll(t, db, repo,
		deposit("d-undated", "20.00", nil),
		deposit("d-2", "20.00", testutil.TimeAt(base, time.Hour)),
		deposit("d-1", "20.00", testutil.TimeAt(base, 0)),
		deposit("d-other", "21.00", testutil.TimeAt(base, 0)),
	)

	got, err := repo.ListMatchableDeposits(ctx, decimal.RequireFromString("20"))
	require.NoError(t, err)

	ids := make([]string, len(got))
	for i, d := range got {
		ids[i] = d.ID
	}
	assert.Equal(t, []string{"d-1", "d-2", "d-undated"}, ids)
}

func TestTransactionRepository_ListPendingDeposits(t *testing.T) {
	db := testutil.SetupTestDB(t)
	repo := repository.NewTransactionRepository(db)
	ctx := context.Background()

	insertAll(t, db, repo, deposit("d-1", "10.00", nil))
	insertAll(t, db, repo, deposit("d-2", "10.00", nil), payment("p-1", "10.00", nil))

	got, err := repo.ListPendingDeposits(ctx, time.Now().Add(time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "d-1", got[0].ID)

	limited, err := repo.ListPendingDeposits(ctx, time.Now().Add(time.Hour), 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)

	none, err := repo.ListPendingDeposits(ctx, time.Now().Add(-time.Hour), 10)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestTransactionRepository_AmountsKeepFullPrecision(t *testing.T) {
	db := testutil.SetupTestDB(t)
	repo := repository.NewTransactionRepository(db)
	ctx := context.Background()

	insertAll(t, db, repo,
		deposit("d-sub-cent", "100.004", nil),
		deposit("d-tiny", "0.001", nil),
		payment("p-sub-cent", "100.001", nil),
	)

	d, err := repo.GetByID(ctx, domain.OriginReported, "d-sub-cent")
	require.NoError(t, err)
	assert.True(t, decimal.RequireFromString("100.004").Equal(d.Amount), "got %s", d.Amount)

	tiny, err := repo.GetByID(ctx, domain.OriginReported, "d-tiny")
	require.NoError(t, err)
	assert.True(t, tiny.Amount.IsPositive())

	payments, err := repo.ListMatchablePayments(ctx, d.Amount)
	require.NoError(t, err)
	assert.Empty(t, payments)

	deposits, err := repo.ListMatchableDeposits(ctx, decimal.RequireFromString("100.001"))
	require.NoError(t, err)
	assert.Empty(t, deposits)

	payments, err = repo.ListMatchablePayments(ctx, decimal.RequireFromString("100.001"))
	require.NoError(t, err)
	require.Len(t, payments, 1)
	assert.Equal(t, "p-sub-cent", payments[0].ID)
}

func TestTransactionRepository_UpsertKeepsRejected(t *testing.T) {
	db := testutil.SetupTestDB(t)
	repo := repository.NewTransactionRepository(db)
	ctx := context.Background()

	rejected := payment("p-1", "50.00", nil)
	rejected.Status = domain.TransactionStatusRejected
	rejected.ProviderStatus = testutil.Ptr("refunded")
	insertAll(t, db, repo, rejected)

	var out *domain.Transaction
	require.NoError(t, inTx(t, db, func(tx *sql.Tx) error {
		var err error
		out, err = repo.Upsert(ctx, tx, payment("p-1", "50.00", nil))
		return err
	}))

	assert.Equal(t, domain.TransactionStatusRejected, out.Status)
	require.NotNil(t, out.ProviderStatus)
	assert.Equal(t, domain.ProviderStatusApproved, *out.ProviderStatus)

	err := inTx(t, db, func(tx *sql.Tx) error {
		return repo.ConsumePayment(ctx, tx, "p-1", "d-1")
	})
	assert.ErrorIs(t, err, domain.ErrAlreadyConsumed)
}

func TestTransactionRepository_MarkCreditedOnce(t *testing.T) {
	db := testutil.SetupTestDB(t)
	repo := repository.NewTransactionRepository(db)
	ctx := context.Background()

	insertAll(t, db, repo, payment("p-1", "10.00", nil))

	var results []bool
	for range 2 {
		require.NoError(t, inTx(t, db, func(tx *sql.Tx) error {
			first, err := repo.MarkCredited(ctx, tx, "p-1")
			results = append(results, first)
			return err
		}))
	}
	assert.Equal(t, []bool{true, false}, results)
}

func TestTransactionRepository_ListReferencedPayments(t *testing.T) {
	db := testutil.SetupTestDB(t)
	repo := repository.NewTransactionRepository(db)
	ctx := context.Background()

	insertAll(t, db, repo,
		deposit("d-1", "10.00", nil),
		deposit("d-2", "10.00", nil),
		payment("p-referenced", "10.00", nil),
		payment("p-free", "10.00", nil),
		payment("p-consumed", "10.00", nil),
	)
	require.NoError(t, inTx(t, db, func(tx *sql.Tx) error {
		if err := repo.LinkDeposit(ctx, tx, "d-1", "p-referenced"); err != nil {
			return err
		}
		if err := repo.LinkDeposit(ctx, tx, "d-2", "p-consumed"); err != nil {
			return err
		}
		return repo.ConsumePayment(ctx, tx, "p-consumed", "d-2")
	}))

	got, err := repo.ListReferencedPayments(ctx, 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "p-referenced", got[0].ID)
}
