package service

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/josh-kwaku/cbu-rotation-reconciler/internal/domain"
)

func TestProviderClient_FetchPayment(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/payments/123", r.URL.Path)
		assert.Equal(t, "Bearer token-a", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"id": 123,
			"status": "approved",
			"transaction_amount": 1500.50,
			"collector_id": 777,
			"payer": {"email": "a@x.com"},
			"date_created": "2026-03-01T09:00:00.000-03:00"
		}`))
	}))
	defer srv.Close()

	client := NewProviderClient(srv.URL, time.Second)
	got, err := client.FetchPayment(context.Background(), "token-a", "123")
	require.NoError(t, err)

	assert.Equal(t, "123", got.ID)
	assert.Equal(t, "approved", got.Status)
	assert.True(t, got.Amount.Equal(decimal.RequireFromString("1500.50")))
	assert.Equal(t, "777", got.ProviderReceiverID)
	assert.Equal(t, "a@x.com", got.PayerIdentity)
	require.NotNil(t, got.CreatedAt)
	assert.True(t, got.CreatedAt.Equal(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)))
}

func TestProviderClient_StatusClassification(t *testing.T) {
	tests := []struct {
		name   string
		status int
		want   error
	}{
		{name: "not found", status: http.StatusNotFound, want: domain.ErrUpstreamNotFound},
		{name: "unauthorized", status: http.StatusUnauthorized, want: domain.ErrUpstreamAuth},
		{name: "forbidden", status: http.StatusForbidden, want: domain.ErrUpstreamAuth},
		{name: "server error", status: http.StatusBadGateway, want: domain.ErrUpstreamUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "nope", tt.status)
			}))
			defer srv.Close()

			_, err := NewProviderClient(srv.URL, time.Second).FetchPayment(context.Background(), "t", "1")
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestProviderClient_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	_, err := NewProviderClient(srv.URL, 20*time.Millisecond).FetchPayment(context.Background(), "t", "1")
	assert.ErrorIs(t, err, domain.ErrUpstreamUnavailable)
}

func TestProviderClient_CancelledContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := NewProviderClient(srv.URL, time.Second).FetchPayment(ctx, "t", "1")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.NotErrorIs(t, err, domain.ErrUpstreamUnavailable)
}

func TestProviderClient_SearchApproved(t *testing.T) {
	since := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/payments/search", r.URL.Path)
		q := r.URL.Query()
		assert.Equal(t, "approved", q.Get("status"))
		assert.Equal(t, "desc", q.Get("criteria"))
		assert.Equal(t, "25", q.Get("limit"))
		assert.Equal(t, "2026-03-01T00:00:00Z", q.Get("begin_date"))
		w.Write([]byte(`{"results":[
			{"id":"2","status":"approved","transaction_amount":"10","collector_id":"c","payer":{"email":"b@x.com"}},
			{"id":"1","status":"approved","transaction_amount":20,"collector_id":"c","payer":{"email":"a@x.com"}}
		]}`))
	}))
	defer srv.Close()

	got, err := NewProviderClient(srv.URL, time.Second).SearchApproved(context.Background(), "t", since, 25)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "2", got[0].ID)
	assert.True(t, got[1].Amount.Equal(decimal.NewFromInt(20)))
	assert.Nil(t, got[0].CreatedAt)
}
