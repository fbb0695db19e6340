package main

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type notifier struct {
	url    string
	secret string
	client *http.Client
}

// notify posts a signed payment notification to the reconciler webhook.
func (n *notifier) notify(ctx context.Context, paymentID int64) error {
	if n == nil || n.url == "" {
		return nil
	}

	body, err := json.Marshal(map[string]any{
		"id":     uuid.NewString(),
		"type":   "payment",
		"action": "payment.created",
		"data":   map[string]any{"id": paymentID},
	})
	if err != nil {
		return fmt.Errorf("notify: %w", err)
	}

	mac := hmac.New(sha256.New, []byte(n.secret))
	mac.Write(body)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("notify: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Webhook-Signature", hex.EncodeToString(mac.Sum(nil)))

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("notify: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("notify: unexpected status %d", resp.StatusCode)
	}
	return nil
}

type server struct {
	store    *store
	notifier *notifier
	logger   *slog.Logger
}

func (s *server) routes() http.Handler {
	r := chi.NewRouter()

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Group(func(r chi.Router) {
		r.Use(s.requireToken)
		r.Get("/v1/payments/search", s.searchPayments)
		r.Get("/v1/payments/{id}", s.getPayment)
	})

	r.Post("/admin/payments", s.createPayment)
	return r
}

type collectorKey struct{}

func (s *server) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"message": "missing bearer token"})
			return
		}
		collector, known := s.store.collectorFor(token)
		if !known {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"message": "invalid access token"})
			return
		}
		ctx := context.WithValue(r.Context(), collectorKey{}, collector)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func collectorFrom(ctx context.Context) string {
	c, _ := ctx.Value(collectorKey{}).(string)
	return c
}

func (s *server) getPayment(w http.ResponseWriter, r *http.Request) {
	p, ok := s.store.get(collectorFrom(r.Context()), chi.URLParam(r, "id"))
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"message": "payment not found"})
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *server) searchPayments(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	since := time.Time{}
	if raw := q.Get("begin_date"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"message": "invalid begin_date"})
			return
		}
		since = parsed
	}

	limit, _ := strconv.Atoi(q.Get("limit"))
	results := s.store.search(collectorFrom(r.Context()), q.Get("status"), since, limit)
	if results == nil {
		results = []payment{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": results})
}

type createPaymentRequest struct {
	Collector  string          `json:"collector_id"`
	Amount     decimal.Decimal `json:"amount"`
	PayerEmail string          `json:"payer_email"`
	Status     string          `json:"status"`
	CreatedAt  *time.Time      `json:"created_at"`
	Notify     bool            `json:"notify"`
}

// createPayment seeds a payment, and optionally notifies the reconciler the
// way the provider does after a checkout.
func (s *server) createPayment(w http.ResponseWriter, r *http.Request) {
	var req createPaymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Collector == "" || !req.Amount.IsPositive() {
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": "collector_id and positive amount required"})
		return
	}
	if req.Status == "" {
		req.Status = "approved"
	}

	p := payment{
		Status:            req.Status,
		TransactionAmount: req.Amount,
		CollectorID:       req.Collector,
		Payer:             payer{Email: req.PayerEmail},
	}
	if req.CreatedAt != nil {
		p.DateCreated = req.CreatedAt.UTC()
	}
	p = s.store.add(p)
	s.logger.Info("payment created", "payment_id", p.ID, "collector_id", p.CollectorID, "amount", p.TransactionAmount.String())

	if req.Notify {
		if err := s.notifier.notify(r.Context(), p.ID); err != nil {
			s.logger.Warn("notification failed", "payment_id", p.ID, "error", err)
		}
	}

	writeJSON(w, http.StatusCreated, p)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Error("failed to write response", "error", err)
	}
}
