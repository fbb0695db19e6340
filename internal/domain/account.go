package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type WalletKind string

const (
	WalletKindMercadoPago WalletKind = "mercadopago"
	WalletKindBank        WalletKind = "bank"
	WalletKindCrypto      WalletKind = "crypto"
)

type AccountStatus string

const (
	AccountStatusActive   AccountStatus = "active"
	AccountStatusInactive AccountStatus = "inactive"
)

// Account is a receiving account in a rotation pool. Accumulated only grows
// between resets and is never negative.
type Account struct {
	ID                 int64
	CBU                string
	DisplayName        string
	ProviderIdentifier string
	WalletKind         WalletKind
	PartitionKey       string
	Status             AccountStatus
	Accumulated        decimal.Decimal
	CreatedAt          time.Time
}

func (a *Account) IsActive() bool {
	return a.Status == AccountStatusActive
}

// Credential is the provider access token attached to one active receiving account.
type Credential struct {
	AccountID int64
	CBU       string
	Token     string
}
