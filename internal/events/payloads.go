package events

import (
	"time"

	"github.com/shopspring/decimal"
)

type DepositMatched struct {
	DepositID  string          `json:"deposit_id"`
	PaymentID  string          `json:"payment_id"`
	Amount     decimal.Decimal `json:"amount"`
	Remote     bool            `json:"remote"`
	OccurredAt time.Time       `json:"occurred_at"`
}

type TransactionErrored struct {
	Origin     string    `json:"origin"`
	ID         string    `json:"id"`
	Reason     string    `json:"reason"`
	OccurredAt time.Time `json:"occurred_at"`
}

type RotationReset struct {
	PartitionKey string    `json:"partition_key"`
	Count        int64     `json:"count"`
	OccurredAt   time.Time `json:"occurred_at"`
}
