package repository_test

import (
	"context"
	"database/sql"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/josh-kwaku/cbu-rotation-reconciler/internal/repository"
	"github.com/josh-kwaku/cbu-rotation-reconciler/internal/testutil"
)

func TestRotationCursorRepository_LockSetGet(t *testing.T) {
	db := testutil.SetupTestDB(t)
	repo := repository.NewRotationCursorRepository(db)
	ctx := context.Background()

	acct := testutil.SeedAccount(t, db, testutil.AccountSeed{CBU: "0000003100010000000001", PartitionKey: "store-1"})

	require.NoError(t, inTx(t, db, func(tx *sql.Tx) error {
		current, err := repo.Lock(ctx, tx, "store-1")
		if err != nil {
			return err
		}
		assert.Nil(t, current)
		return repo.Set(ctx, tx, "store-1", acct.ID)
	}))

	require.NoError(t, inTx(t, db, func(tx *sql.Tx) error {
		current, err := repo.Lock(ctx, tx, "store-1")
		if err != nil {
			return err
		}
		require.NotNil(t, current)
		assert.Equal(t, acct.ID, *current)

		missing, err := repo.Get(ctx, tx, "store-2")
		if err != nil {
			return err
		}
		assert.Nil(t, missing)
		return nil
	}))
}

func TestRotationCursorRepository_Clear(t *testing.T) {
	tests := []struct {
		name      string
		clear     string
		wantStore bool
		wantOther bool
	}{
		{"single partition", "store-1", false, true},
		{"empty key clears every partition", "", false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db := testutil.SetupTestDB(t)
			repo := repository.NewRotationCursorRepository(db)
			ctx := context.Background()

			a := testutil.SeedAccount(t, db, testutil.AccountSeed{CBU: "0000003100010000000001", PartitionKey: "store-1"})
			b := testutil.SeedAccount(t, db, testutil.AccountSeed{CBU: "0000003100010000000002", PartitionKey: "store-2"})

			require.NoError(t, inTx(t, db, func(tx *sql.Tx) error {
				for key, id := range map[string]int64{"store-1": a.ID, "store-2": b.ID} {
					if _, err := repo.Lock(ctx, tx, key); err != nil {
						return err
					}
					if err := repo.Set(ctx, tx, key, id); err != nil {
						return err
					}
				}
				return nil
			}))

			require.NoError(t, inTx(t, db, func(tx *sql.Tx) error {
				return repo.Clear(ctx, tx, tt.clear)
			}))

			require.NoError(t, inTx(t, db, func(tx *sql.Tx) error {
				store, err := repo.Get(ctx, tx, "store-1")
				if err != nil {
					return err
				}
				other, err := repo.Get(ctx, tx, "store-2")
				if err != nil {
					return err
				}
				assert.Equal(t, tt.wantStore, store != nil)
				assert.Equal(t, tt.wantOther, other != nil)
				return nil
			}))
		})
	}
}
