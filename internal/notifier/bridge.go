package notifier

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go"

	"github.com/punchcard-io/punchcard/pkg/messaging"
)

// Bridge feeds settlement events published on NATS into the local hub, so a
// session connected to this instance still sees settlements processed by
// another instance.
type Bridge struct {
	client *messaging.Client
	hub    *Hub
	logger *slog.Logger
}

// NewBridge creates a bridge between NATS and the hub
func NewBridge(client *messaging.Client, hub *Hub, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{client: client, hub: hub, logger: logger}
}

// Start subscribes to every settlement subject.
func (b *Bridge) Start() error {
	subjects := []string{
		messaging.SubjectPaymentCreated,
		messaging.SubjectPaymentConfirmed,
		messaging.SubjectPaymentDeclined,
		messaging.SubjectPaymentExpired,
		messaging.SubjectRewardMinted,
		messaging.SubjectRewardMintFailed,
	}

	for _, subject := range subjects {
		if err := b.client.Subscribe(subject, b.handle); err != nil {
			return fmt.Errorf("failed to bridge subject %s: %w", subject, err)
		}
	}
	return nil
}

func (b *Bridge) handle(msg *nats.Msg) {
	var event messaging.Event
	if err := json.Unmarshal(msg.Data, &event); err != nil {
		b.logger.Warn("dropping malformed event", "subject", msg.Subject, "error", err)
		return
	}

	for _, identity := range eventRecipients(&event) {
		b.hub.Publish(identity, &event)
	}
}

// eventRecipients extracts the identities an event concerns.
func eventRecipients(event *messaging.Event) []string {
	switch event.Type {
	case messaging.SubjectRewardMinted, messaging.SubjectRewardMintFailed:
		data, err := messaging.ParseEventData[messaging.RewardEvent](event)
		if err != nil || data.PayerID == "" {
			return nil
		}
		return []string{data.PayerID}
	default:
		data, err := messaging.ParseEventData[messaging.PaymentEvent](event)
		if err != nil {
			return nil
		}
		recipients := make([]string, 0, 2)
		if data.PayerID != "" {
			recipients = append(recipients, data.PayerID)
		}
		if data.PayeeID != "" && data.PayeeID != data.PayerID {
			recipients = append(recipients, data.PayeeID)
		}
		return recipients
	}
}
