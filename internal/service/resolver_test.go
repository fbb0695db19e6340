package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/josh-kwaku/cbu-rotation-reconciler/internal/domain"
)

type staticCredentials []domain.Credential

func (s staticCredentials) ListCredentials(context.Context, domain.WalletKind) ([]domain.Credential, error) {
	return s, nil
}

type scriptedProvider struct {
	fetch  map[string]error
	search map[string]error
	tokens []string
}

func (p *scriptedProvider) FetchPayment(_ context.Context, token, paymentID string) (*domain.PaymentDetails, error) {
	p.tokens = append(p.tokens, token)
	if err := p.fetch[token]; err != nil {
		return nil, err
	}
	return &domain.PaymentDetails{ID: paymentID, Status: "approved"}, nil
}

func (p *scriptedProvider) SearchApproved(_ context.Context, token string, _ time.Time, _ int) ([]domain.PaymentDetails, error) {
	p.tokens = append(p.tokens, token)
	if err := p.search[token]; err != nil {
		return nil, err
	}
	return []domain.PaymentDetails{{ID: "from-" + token}}, nil
}

var testCreds = staticCredentials{
	{AccountID: 1, CBU: "CBU-A", Token: "a"},
	{AccountID: 2, CBU: "CBU-B", Token: "b"},
	{AccountID: 3, CBU: "CBU-C", Token: "c"},
}

func TestPaymentResolver_FetchFallsBackToNextCredential(t *testing.T) {
	provider := &scriptedProvider{fetch: map[string]error{
		"a": domain.ErrUpstreamNotFound,
		"b": domain.ErrUpstreamAuth,
	}}
	r := NewPaymentResolver(testCreds, provider, domain.WalletKindMercadoPago, 10)

	got, err := r.FetchPayment(context.Background(), "p1")
	require.NoError(t, err)
	assert.Equal(t, "p1", got.ID)
	assert.Equal(t, []string{"a", "b", "c"}, provider.tokens)
}

func TestPaymentResolver_FetchAggregatesFailures(t *testing.T) {
	tests := []struct {
		name   string
		errors map[string]error
		want   error
	}{
		{
			name:   "all not found",
			errors: map[string]error{"a": domain.ErrUpstreamNotFound, "b": domain.ErrUpstreamNotFound, "c": domain.ErrUpstreamNotFound},
			want:   domain.ErrUpstreamNotFound,
		},
		{
			name:   "auth outranks not found",
			errors: map[string]error{"a": domain.ErrUpstreamNotFound, "b": domain.ErrUpstreamAuth, "c": domain.ErrUpstreamNotFound},
			want:   domain.ErrUpstreamAuth,
		},
		{
			name:   "outage outranks auth",
			errors: map[string]error{"a": domain.ErrUpstreamUnavailable, "b": domain.ErrUpstreamAuth, "c": domain.ErrUpstreamAuth},
			want:   domain.ErrUpstreamUnavailable,
		},
		{
			name:   "unknown error counts as outage",
			errors: map[string]error{"a": errors.New("boom"), "b": domain.ErrUpstreamAuth, "c": domain.ErrUpstreamNotFound},
			want:   domain.ErrUpstreamUnavailable,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			provider := &scriptedProvider{fetch: tt.errors}
			r := NewPaymentResolver(testCreds, provider, domain.WalletKindMercadoPago, 10)

			_, err := r.FetchPayment(context.Background(), "p1")
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.want)
			assert.Len(t, provider.tokens, 3)
		})
	}
}

func TestPaymentResolver_FetchWithoutCredentials(t *testing.T) {
	r := NewPaymentResolver(staticCredentials(nil), &scriptedProvider{}, domain.WalletKindMercadoPago, 10)
	_, err := r.FetchPayment(context.Background(), "p1")
	assert.ErrorIs(t, err, domain.ErrUpstreamAuth)
}

func TestPaymentResolver_QueryPrefersTargetAccount(t *testing.T) {
	provider := &scriptedProvider{search: map[string]error{"c": domain.ErrUpstreamUnavailable}}
	r := NewPaymentResolver(testCreds, provider, domain.WalletKindMercadoPago, 10)

	got, err := r.QueryRecentApproved(context.Background(), "CBU-C", time.Now())
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "from-a", got[0].ID)
	assert.Equal(t, []string{"c", "a"}, provider.tokens)
}

func TestPaymentResolver_QueryAllFail(t *testing.T) {
	provider := &scriptedProvider{search: map[string]error{
		"a": domain.ErrUpstreamAuth,
		"b": domain.ErrUpstreamAuth,
		"c": domain.ErrUpstreamAuth,
	}}
	r := NewPaymentResolver(testCreds, provider, domain.WalletKindMercadoPago, 10)

	_, err := r.QueryRecentApproved(context.Background(), "CBU-A", time.Now())
	assert.ErrorIs(t, err, domain.ErrUpstreamAuth)
	assert.Len(t, provider.tokens, 3)
}

func TestPaymentResolver_QueryWithoutCredentials(t *testing.T) {
	r := NewPaymentResolver(staticCredentials(nil), &scriptedProvider{}, domain.WalletKindMercadoPago, 10)
	got, err := r.QueryRecentApproved(context.Background(), "CBU-A", time.Now())
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestPaymentResolver_StopsOnCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	provider := &scriptedProvider{fetch: map[string]error{"a": context.Canceled}}
	r := NewPaymentResolver(testCreds, provider, domain.WalletKindMercadoPago, 10)

	_, err := r.FetchPayment(ctx, "p1")
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, []string{"a"}, provider.tokens)
}
