package domain

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type WebhookEventStatus string

const (
	WebhookEventStatusPending    WebhookEventStatus = "pending"
	WebhookEventStatusProcessing WebhookEventStatus = "processing"
	WebhookEventStatusDispatched WebhookEventStatus = "dispatched"
	WebhookEventStatusFailed     WebhookEventStatus = "failed"
)

// WebhookEvent is a raw provider notification waiting in the inbox.
type WebhookEvent struct {
	ID             uuid.UUID
	IdempotencyKey string
	EventType      string
	Payload        json.RawMessage
	Status         WebhookEventStatus
	Attempts       int
	LastAttempt    *time.Time
	CreatedAt      time.Time
}

// NotificationTypePayment is the only notification type that is ingested.
const NotificationTypePayment = "payment"

// ProviderNotification is the body the provider posts to the webhook. It
// only names the payment; details are fetched separately.
type ProviderNotification struct {
	ID     ExternalID `json:"id"`
	Type   string     `json:"type"`
	Action string     `json:"action"`
	Data   struct {
		ID ExternalID `json:"id"`
	} `json:"data"`
}

// ExternalID is a provider identifier that may be encoded as a JSON string
// or number.
type ExternalID string

func (id *ExternalID) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*id = ExternalID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("external id: %w", err)
	}
	*id = ExternalID(n.String())
	return nil
}

func (id ExternalID) String() string {
	return string(id)
}
