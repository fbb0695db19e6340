package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Origin discriminates the two streams sharing the transactions table.
type Origin string

const (
	OriginReported Origin = "reported"
	OriginProvider Origin = "provider"
)

func (o Origin) IsValid() bool {
	return o == OriginReported || o == OriginProvider
}

type TransactionKind string

const (
	TransactionKindDeposit  TransactionKind = "deposit"
	TransactionKindWithdraw TransactionKind = "withdraw"
)

type TransactionStatus string

const (
	TransactionStatusPending  TransactionStatus = "pending"
	TransactionStatusAccepted TransactionStatus = "accepted"
	TransactionStatusRejected TransactionStatus = "rejected"
	TransactionStatusError    TransactionStatus = "error"
)

// ProviderStatusApproved is the only provider status that makes a payment
// eligible for matching.
const ProviderStatusApproved = "approved"

type Transaction struct {
	Origin             Origin
	ID                 string
	Kind               TransactionKind
	Amount             decimal.Decimal
	Status             TransactionStatus
	ProviderStatus     *string
	PayerIdentity      string
	RecipientCBU       string
	ProviderReceiverID string
	ConfirmedPaymentID *string
	MatchedDepositID   *string
	ErrorReason        *string
	CreatedAt          *time.Time
	RecordedAt         time.Time
	UpdatedAt          time.Time
}

func (t *Transaction) IsApproved() bool {
	return t.ProviderStatus != nil && *t.ProviderStatus == ProviderStatusApproved
}

// IsConsumed reports whether the transaction already carries its match reference.
func (t *Transaction) IsConsumed() bool {
	switch t.Origin {
	case OriginReported:
		return t.ConfirmedPaymentID != nil
	case OriginProvider:
		return t.MatchedDepositID != nil
	default:
		return false
	}
}

// StatusFromProvider maps a provider payment status onto the ledger state
// machine. Approved payments stay Pending until they validate a deposit.
func StatusFromProvider(providerStatus string) TransactionStatus {
	switch providerStatus {
	case "rejected", "cancelled", "refunded", "charged_back":
		return TransactionStatusRejected
	default:
		return TransactionStatusPending
	}
}

// PaymentDetails is a payment as reported by the upstream provider.
type PaymentDetails struct {
	ID                 string
	Status             string
	Amount             decimal.Decimal
	ProviderReceiverID string
	PayerIdentity      string
	CreatedAt          *time.Time
}
