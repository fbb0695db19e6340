package main

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/josh-kwaku/cbu-rotation-reconciler/internal/domain"
	"github.com/josh-kwaku/cbu-rotation-reconciler/internal/service"
)

func newTestServer(t *testing.T, n *notifier) (*httptest.Server, *store) {
	t.Helper()
	st := newStore(map[string]string{"token-a": "collector-a", "token-b": "collector-b"})
	srv := httptest.NewServer((&server{store: st, notifier: n, logger: slog.Default()}).routes())
	t.Cleanup(srv.Close)
	return srv, st
}

func TestProviderClientAgainstMock(t *testing.T) {
	srv, st := newTestServer(t, nil)
	created := time.Now().UTC().Add(-time.Hour).Truncate(time.Second)

	p := st.add(payment{
		Status:            "approved",
		TransactionAmount: decimal.RequireFromString("1500.50"),
		CollectorID:       "collector-a",
		Payer:             payer{Email: "a@x.com"},
		DateCreated:       created,
	})
	st.add(payment{Status: "rejected", TransactionAmount: decimal.NewFromInt(5), CollectorID: "collector-a"})
	st.add(payment{Status: "approved", TransactionAmount: decimal.NewFromInt(7), CollectorID: "collector-b"})

	client := service.NewProviderClient(srv.URL, time.Second)
	ctx := context.Background()
	id := strconv.FormatInt(p.ID, 10)

	got, err := client.FetchPayment(ctx, "token-a", id)
	require.NoError(t, err)
	assert.Equal(t, id, got.ID)
	assert.Equal(t, "collector-a", got.ProviderReceiverID)
	assert.Equal(t, "a@x.com", got.PayerIdentity)
	assert.True(t, got.Amount.Equal(decimal.RequireFromString("1500.5")))
	require.NotNil(t, got.CreatedAt)
	assert.True(t, got.CreatedAt.Equal(created))

	_, err = client.FetchPayment(ctx, "token-b", id)
	assert.ErrorIs(t, err, domain.ErrUpstreamNotFound)

	_, err = client.FetchPayment(ctx, "bogus", id)
	assert.ErrorIs(t, err, domain.ErrUpstreamAuth)

	results, err := client.SearchApproved(ctx, "token-a", created.Add(-time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, id, results[0].ID)
}

func TestStoreSearchOrderAndLimit(t *testing.T) {
	st := newStore(map[string]string{"t": "c"})
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for i := range 5 {
		st.add(payment{Status: "approved", CollectorID: "c", DateCreated: base.Add(time.Duration(i) * time.Minute)})
	}

	got := st.search("c", "approved", base.Add(time.Minute), 3)
	require.Len(t, got, 3)
	assert.True(t, got[0].DateCreated.Equal(base.Add(4*time.Minute)))
	assert.True(t, got[2].DateCreated.Equal(base.Add(2*time.Minute)))
}

func TestCreatePaymentNotifies(t *testing.T) {
	received := make(chan *http.Request, 1)
	var body []byte
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ = io.ReadAll(r.Body)
		received <- r
		w.WriteHeader(http.StatusOK)
	}))
	defer hook.Close()

	srv, _ := newTestServer(t, &notifier{url: hook.URL, secret: "s", client: hook.Client()})

	resp, err := http.Post(srv.URL+"/admin/payments", "application/json",
		strings.NewReader(`{"collector_id":"collector-a","amount":"10","payer_email":"a@x.com","notify":true}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var p payment
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&p))

	req := <-received
	assert.NotEmpty(t, req.Header.Get("X-Webhook-Signature"))

	var n domain.ProviderNotification
	require.NoError(t, json.Unmarshal(body, &n))
	assert.Equal(t, "payment", n.Type)
	assert.Equal(t, strconv.FormatInt(p.ID, 10), n.Data.ID.String())
}
