package main

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/josh-kwaku/cbu-rotation-reconciler/internal/domain"
)

type fakeRotation struct {
	resetKey  *string
	allocated decimal.Decimal
	credited  map[string]decimal.Decimal
	err       error
}

func (f *fakeRotation) Allocate(_ context.Context, amount decimal.Decimal, _ string) (*domain.Allocation, error) {
	f.allocated = amount
	if f.err != nil {
		return nil, f.err
	}
	return &domain.Allocation{CBU: "CBU-1", DisplayName: "Office One"}, nil
}

func (f *fakeRotation) Status(_ context.Context, key string) (*domain.RotationStatus, error) {
	return &domain.RotationStatus{
		PartitionKey: key,
		Accounts: []domain.RotationAccountStatus{
			{CBU: "CBU-1", Accumulated: decimal.NewFromInt(300000), IsAvailable: false},
			{CBU: "CBU-2", Accumulated: decimal.RequireFromString("12.5"), IsAvailable: true},
		},
		NextAvailableCBU: "CBU-2",
	}, nil
}

func (f *fakeRotation) Reset(_ context.Context, key string) (int64, error) {
	f.resetKey = &key
	return 2, nil
}

func (f *fakeRotation) RecordRealizedAmount(_ context.Context, cbu string, amount decimal.Decimal) error {
	if f.credited == nil {
		f.credited = map[string]decimal.Decimal{}
	}
	f.credited[cbu] = amount
	return nil
}

func run(t *testing.T, fake *fakeRotation, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd(func(context.Context) (rotationAPI, func(), error) {
		return fake, func() {}, nil
	})

	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestStatusCommand(t *testing.T) {
	out, err := run(t, &fakeRotation{}, "status", "--partition", "office1")
	require.NoError(t, err)
	assert.Contains(t, out, "CBU-1")
	assert.Contains(t, out, "300000.00")
	assert.Contains(t, out, "12.50")
	assert.Contains(t, out, "next: CBU-2")
}

func TestResetCommand(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		wantKey string
		wantErr bool
	}{
		{name: "one partition", args: []string{"reset", "-p", "office1"}, wantKey: "office1"},
		{name: "all partitions", args: []string{"reset", "--all"}, wantKey: ""},
		{name: "explicit empty partition", args: []string{"reset", "--partition="}, wantKey: ""},
		{name: "no target", args: []string{"reset"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fake := &fakeRotation{}
			out, err := run(t, fake, tt.args...)
			if tt.wantErr {
				require.Error(t, err)
				assert.Nil(t, fake.resetKey)
				return
			}
			require.NoError(t, err)
			require.NotNil(t, fake.resetKey)
			assert.Equal(t, tt.wantKey, *fake.resetKey)
			assert.Contains(t, out, "reset 2 account(s)")
		})
	}
}

func TestAllocateCommand(t *testing.T) {
	fake := &fakeRotation{}
	out, err := run(t, fake, "allocate", "1500.50")
	require.NoError(t, err)
	assert.Contains(t, out, "CBU-1")
	assert.True(t, fake.allocated.Equal(decimal.RequireFromString("1500.5")))

	_, err = run(t, fake, "allocate", "lots")
	assert.ErrorContains(t, err, "invalid amount")

	_, err = run(t, &fakeRotation{err: &domain.NoAccountsAvailableError{PartitionKey: "x"}}, "allocate", "1")
	assert.ErrorIs(t, err, domain.ErrNoAccountsAvailable)
}

func TestCreditCommand(t *testing.T) {
	fake := &fakeRotation{}
	out, err := run(t, fake, "credit", "CBU-9", "42")
	require.NoError(t, err)
	assert.Contains(t, out, "credited 42 to CBU-9")
	assert.True(t, fake.credited["CBU-9"].Equal(decimal.NewFromInt(42)))
}

func TestOpenFailureIsReported(t *testing.T) {
	cmd := newRootCmd(func(context.Context) (rotationAPI, func(), error) {
		return nil, nil, errors.New("no database")
	})
	cmd.SetArgs([]string{"status"})
	cmd.SetOut(&bytes.Buffer{})
	err := cmd.Execute()
	assert.ErrorContains(t, err, "no database")
}
