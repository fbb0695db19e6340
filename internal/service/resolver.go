package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/josh-kwaku/cbu-rotation-reconciler/internal/domain"
	"github.com/josh-kwaku/cbu-rotation-reconciler/internal/logging"
)

type credentialSource interface {
	ListCredentials(ctx context.Context, kind domain.WalletKind) ([]domain.Credential, error)
}

type paymentProvider interface {
	FetchPayment(ctx context.Context, token, paymentID string) (*domain.PaymentDetails, error)
	SearchApproved(ctx context.Context, token string, since time.Time, limit int) ([]domain.PaymentDetails, error)
}

// PaymentResolver calls the provider with the credentials of the active
// receiving accounts. Each credential is tried once, in order, until one
// succeeds.
type PaymentResolver struct {
	credentials credentialSource
	provider    paymentProvider
	walletKind  domain.WalletKind
	queryLimit  int
}

func NewPaymentResolver(credentials credentialSource, provider paymentProvider, walletKind domain.WalletKind, queryLimit int) *PaymentResolver {
	return &PaymentResolver{
		credentials: credentials,
		provider:    provider,
		walletKind:  walletKind,
		queryLimit:  queryLimit,
	}
}

// FetchPayment looks a payment up by id. With no credentials at all it
// fails with ErrUpstreamAuth.
func (r *PaymentResolver) FetchPayment(ctx context.Context, paymentID string) (*domain.PaymentDetails, error) {
	creds, err := r.credentials.ListCredentials(ctx, r.walletKind)
	if err != nil {
		return nil, fmt.Errorf("FetchPayment: %w", err)
	}
	if len(creds) == 0 {
		return nil, fmt.Errorf("FetchPayment: no provider credentials: %w", domain.ErrUpstreamAuth)
	}

	var failures attemptErrors
	for _, c := range creds {
		details, err := r.provider.FetchPayment(ctx, c.Token, paymentID)
		if err == nil {
			return details, nil
		}
		if ctx.Err() != nil {
			return nil, fmt.Errorf("FetchPayment: %w", ctx.Err())
		}
		logging.FromContext(ctx).Debug("payment lookup failed with credential",
			"payment_id", paymentID,
			"cbu", c.CBU,
			"error", err,
		)
		failures = append(failures, err)
	}
	return nil, fmt.Errorf("FetchPayment: %s: %w", paymentID, failures.summary())
}

// QueryRecentApproved returns the first successful search, trying the
// credential of preferredCBU before the others. An empty credential pool
// yields no payments.
func (r *PaymentResolver) QueryRecentApproved(ctx context.Context, preferredCBU string, since time.Time) ([]domain.PaymentDetails, error) {
	log := logging.FromContext(ctx)

	creds, err := r.credentials.ListCredentials(ctx, r.walletKind)
	if err != nil {
		return nil, fmt.Errorf("QueryRecentApproved: %w", err)
	}
	if len(creds) == 0 {
		log.Warn("no provider credentials, skipping upstream search")
		return nil, nil
	}

	var failures attemptErrors
	for _, c := range preferFirst(creds, preferredCBU) {
		payments, err := r.provider.SearchApproved(ctx, c.Token, since, r.queryLimit)
		if err == nil {
			return payments, nil
		}
		if ctx.Err() != nil {
			return nil, fmt.Errorf("QueryRecentApproved: %w", ctx.Err())
		}
		log.Debug("payment search failed with credential", "cbu", c.CBU, "error", err)
		failures = append(failures, err)
	}
	return nil, fmt.Errorf("QueryRecentApproved: %w", failures.summary())
}

func preferFirst(creds []domain.Credential, cbu string) []domain.Credential {
	ordered := make([]domain.Credential, 0, len(creds))
	for _, c := range creds {
		if c.CBU == cbu {
			ordered = append(ordered, c)
		}
	}
	for _, c := range creds {
		if c.CBU != cbu {
			ordered = append(ordered, c)
		}
	}
	return ordered
}

type attemptErrors []error

// summary reduces per-credential failures to one upstream error. An outage
// outranks a rejected credential, which outranks not found.
func (errs attemptErrors) summary() error {
	kind := domain.ErrUpstreamNotFound
	for _, err := range errs {
		switch {
		case errors.Is(err, domain.ErrUpstreamUnavailable):
			kind = domain.ErrUpstreamUnavailable
		case errors.Is(err, domain.ErrUpstreamAuth) && kind != domain.ErrUpstreamUnavailable:
			kind = domain.ErrUpstreamAuth
		case errors.Is(err, domain.ErrUpstreamNotFound):
		default:
			kind = domain.ErrUpstreamUnavailable
		}
	}
	if len(errs) == 0 {
		return kind
	}
	return fmt.Errorf("%d credential(s) failed, last: %v: %w", len(errs), errs[len(errs)-1], kind)
}
