package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type TransactionEventType string

const (
	TransactionEventReported TransactionEventType = "reported"
	TransactionEventRedriven TransactionEventType = "redriven"
	TransactionEventIngested TransactionEventType = "ingested"
	TransactionEventMatched  TransactionEventType = "matched"
	TransactionEventConsumed TransactionEventType = "consumed"
	TransactionEventErrored  TransactionEventType = "errored"
)

type TransactionEvent struct {
	ID            uuid.UUID
	Origin        Origin
	TransactionID string
	EventType     TransactionEventType
	Payload       json.RawMessage
	CreatedAt     time.Time
}
