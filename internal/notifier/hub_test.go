package notifier

import (
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/punchcard-io/punchcard/pkg/messaging"
)

func testEvent(t *testing.T, eventType string) *messaging.Event {
	t.Helper()
	event, err := messaging.NewEvent(eventType, uuid.New(), messaging.PaymentEvent{
		PaymentID: uuid.New(),
		PayerID:   "cust-1",
		PayeeID:   "merch-1",
	})
	require.NoError(t, err)
	return event
}

func TestHubFanout(t *testing.T) {
	t.Run("should deliver to every session for the identity", func(t *testing.T) {
		hub := NewHub(4, nil)
		phone := hub.Subscribe("cust-1")
		tablet := hub.Subscribe("cust-1")
		other := hub.Subscribe("merch-1")

		hub.Publish("cust-1", testEvent(t, messaging.SubjectPaymentConfirmed))

		assert.Len(t, phone.Events, 1)
		assert.Len(t, tablet.Events, 1)
		assert.Empty(t, other.Events)
	})

	t.Run("should drop events with no subscribers", func(t *testing.T) {
		hub := NewHub(4, nil)
		// Nothing to assert beyond not panicking or blocking.
		hub.Publish("nobody", testEvent(t, messaging.SubjectPaymentConfirmed))
	})

	t.Run("should drop instead of blocking on a slow subscriber", func(t *testing.T) {
		hub := NewHub(1, nil)
		slow := hub.Subscribe("cust-1")

		hub.Publish("cust-1", testEvent(t, messaging.SubjectPaymentConfirmed))
		hub.Publish("cust-1", testEvent(t, messaging.SubjectPaymentDeclined))

		assert.Len(t, slow.Events, 1)
	})
}

func TestSessionClose(t *testing.T) {
	t.Run("should be safe to close twice", func(t *testing.T) {
		hub := NewHub(4, nil)
		session := hub.Subscribe("cust-1")

		session.Close()
		session.Close()

		assert.Equal(t, 0, hub.SessionCount("cust-1"))
	})

	t.Run("should not affect other sessions", func(t *testing.T) {
		hub := NewHub(4, nil)
		closing := hub.Subscribe("cust-1")
		staying := hub.Subscribe("cust-1")

		closing.Close()
		hub.Publish("cust-1", testEvent(t, messaging.SubjectPaymentConfirmed))

		assert.Len(t, staying.Events, 1)
		assert.Equal(t, 1, hub.SessionCount("cust-1"))
	})
}

func TestHubConcurrency(t *testing.T) {
	t.Run("concurrent subscribe, publish and close must not race", func(t *testing.T) {
		hub := NewHub(8, nil)

		var wg sync.WaitGroup
		for i := 0; i < 20; i++ {
			wg.Add(2)
			go func() {
				defer wg.Done()
				s := hub.Subscribe("cust-1")
				s.Close()
			}()
			go func() {
				defer wg.Done()
				hub.Publish("cust-1", testEvent(t, messaging.SubjectPaymentConfirmed))
			}()
		}
		wg.Wait()

		assert.Equal(t, 0, hub.SessionCount("cust-1"))
	})
}

func TestEventRecipients(t *testing.T) {
	t.Run("payment events go to payer and payee", func(t *testing.T) {
		event := testEvent(t, messaging.SubjectPaymentConfirmed)
		assert.ElementsMatch(t, []string{"cust-1", "merch-1"}, eventRecipients(event))
	})

	t.Run("reward events go to the payer only", func(t *testing.T) {
		event, err := messaging.NewEvent(messaging.SubjectRewardMinted, uuid.New(), messaging.RewardEvent{
			PaymentID: uuid.New(),
			PayerID:   "cust-1",
		})
		require.NoError(t, err)
		assert.Equal(t, []string{"cust-1"}, eventRecipients(event))
	})
}
