package messaging

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Event subjects
const (
	SubjectPaymentCreated   = "payments.created"
	SubjectPaymentConfirmed = "payments.confirmed"
	SubjectPaymentDeclined  = "payments.declined"
	SubjectPaymentExpired   = "payments.expired"

	SubjectRewardMinted     = "rewards.minted"
	SubjectRewardMintFailed = "rewards.mint_failed"
)

// Event is the envelope carried on every subject
type Event struct {
	ID            uuid.UUID       `json:"id"`
	Type          string          `json:"type"`
	PaymentID     uuid.UUID       `json:"payment_id"`
	Timestamp     time.Time       `json:"timestamp"`
	Data          json.RawMessage `json:"data"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	Source        string          `json:"source,omitempty"`
}

// PaymentEvent describes a payment lifecycle change
type PaymentEvent struct {
	PaymentID    uuid.UUID `json:"payment_id"`
	PayerID      string    `json:"payer_id"`
	PayeeID      string    `json:"payee_id"`
	AmountMinor  int64     `json:"amount_minor"`
	RewardMinor  int64     `json:"reward_minor"`
	Status       string    `json:"status"`
	RewardMinted bool      `json:"reward_minted"`
	RewardTxRef  string    `json:"reward_tx_ref,omitempty"`
	OccurredAt   time.Time `json:"occurred_at"`
}

// RewardEvent describes the outcome of a mint attempt
type RewardEvent struct {
	PaymentID   uuid.UUID `json:"payment_id"`
	PayerID     string    `json:"payer_id"`
	AmountMinor int64     `json:"amount_minor"`
	TxRef       string    `json:"tx_ref,omitempty"`
	Error       string    `json:"error,omitempty"`
	OccurredAt  time.Time `json:"occurred_at"`
}

// NewEvent wraps a payload in the event envelope
func NewEvent(eventType string, paymentID uuid.UUID, data interface{}) (*Event, error) {
	dataBytes, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}

	return &Event{
		ID:        uuid.New(),
		Type:      eventType,
		PaymentID: paymentID,
		Timestamp: time.Now(),
		Data:      dataBytes,
	}, nil
}

// ParseEventData parses event data into the specified type
func ParseEventData[T any](event *Event) (*T, error) {
	var data T
	if err := json.Unmarshal(event.Data, &data); err != nil {
		return nil, err
	}
	return &data, nil
}
