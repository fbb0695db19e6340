package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/josh-kwaku/cbu-rotation-reconciler/internal/domain"
	"github.com/josh-kwaku/cbu-rotation-reconciler/internal/logging"
)

// ProviderClient talks to the payment provider's REST API with one bearer
// token per call.
type ProviderClient struct {
	baseURL    string
	httpClient *http.Client
}

func NewProviderClient(baseURL string, timeout time.Duration) *ProviderClient {
	return &ProviderClient{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

type providerPayment struct {
	ID                domain.ExternalID `json:"id"`
	Status            string            `json:"status"`
	TransactionAmount decimal.Decimal   `json:"transaction_amount"`
	CollectorID       domain.ExternalID `json:"collector_id"`
	Payer             struct {
		Email string `json:"email"`
	} `json:"payer"`
	DateCreated *time.Time `json:"date_created"`
}

func (p providerPayment) toDetails() domain.PaymentDetails {
	return domain.PaymentDetails{
		ID:                 p.ID.String(),
		Status:             p.Status,
		Amount:             p.TransactionAmount,
		ProviderReceiverID: p.CollectorID.String(),
		PayerIdentity:      p.Payer.Email,
		CreatedAt:          p.DateCreated,
	}
}

type providerSearchResponse struct {
	Results []providerPayment `json:"results"`
}

func (c *ProviderClient) FetchPayment(ctx context.Context, token, paymentID string) (*domain.PaymentDetails, error) {
	var payment providerPayment
	if err := c.get(ctx, token, "/v1/payments/"+url.PathEscape(paymentID), nil, &payment); err != nil {
		return nil, fmt.Errorf("FetchPayment: %w", err)
	}
	details := payment.toDetails()
	return &details, nil
}

// SearchApproved lists approved payments created since the given time, newest first.
func (c *ProviderClient) SearchApproved(ctx context.Context, token string, since time.Time, limit int) ([]domain.PaymentDetails, error) {
	q := url.Values{}
	q.Set("status", domain.ProviderStatusApproved)
	q.Set("sort", "date_created")
	q.Set("criteria", "desc")
	q.Set("limit", strconv.Itoa(limit))
	q.Set("range", "date_created")
	q.Set("begin_date", since.UTC().Format(time.RFC3339))
	q.Set("end_date", "NOW")

	var resp providerSearchResponse
	if err := c.get(ctx, token, "/v1/payments/search", q, &resp); err != nil {
		return nil, fmt.Errorf("SearchApproved: %w", err)
	}

	payments := make([]domain.PaymentDetails, 0, len(resp.Results))
	for _, p := range resp.Results {
		payments = append(payments, p.toDetails())
	}
	return payments, nil
}

func (c *ProviderClient) get(ctx context.Context, token, path string, query url.Values, out any) error {
	log := logging.FromContext(ctx)

	endpoint := c.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("send: %w", ctxErr)
		}
		return fmt.Errorf("send: %w", errors.Join(domain.ErrUpstreamUnavailable, err))
	}
	defer resp.Body.Close()

	log.Debug("provider response received",
		"path", path,
		"status", resp.StatusCode,
		"duration_ms", time.Since(start).Milliseconds(),
	)

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("unexpected status %d: %s: %w", resp.StatusCode, string(respBody), classifyStatus(resp.StatusCode))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", errors.Join(domain.ErrUpstreamUnavailable, err))
	}
	return nil
}

func classifyStatus(code int) error {
	switch code {
	case http.StatusNotFound:
		return domain.ErrUpstreamNotFound
	case http.StatusUnauthorized, http.StatusForbidden:
		return domain.ErrUpstreamAuth
	default:
		return domain.ErrUpstreamUnavailable
	}
}
