package reconcile

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aigentsy/dealcore/pkg/deal"
	"github.com/aigentsy/dealcore/pkg/money"
)

func webhookDeal(t *testing.T) *deal.Deal {
	t.Helper()
	d, err := deal.New("intent_1", "buyer", "agent", "standard", money.FromMajor(1000, "USD"), testNow)
	require.NoError(t, err)
	d.State = deal.StateInProgress
	d.Escrow.PaymentReference = "pi_123"
	return d
}

func TestProcessWebhook(t *testing.T) {
	p := NewProcessor(zerolog.Nop()).WithClock(func() time.Time { return testNow })
	d := webhookDeal(t)

	res, err := p.ProcessWebhook(d, "evt_1", "payment_intent.succeeded", map[string]any{
		"amount": 100000, "currency": "usd", "id": "pi_123",
	})
	require.NoError(t, err)
	assert.True(t, res.Handled)
	require.NotNil(t, res.Event)
	assert.Equal(t, deal.EventType("WEBHOOK_PAYMENT_SUCCEEDED"), res.Event.Type)
	assert.Equal(t, int64(100000), res.Event.Amount.AmountMinor)
	assert.Equal(t, "wh_evt_1", res.Event.IdempotencyKey)
	assert.True(t, d.WebhookProcessed("evt_1"))
}

func TestProcessWebhook_Dedup(t *testing.T) {
	p := NewProcessor(zerolog.Nop()).WithClock(func() time.Time { return testNow })
	d := webhookDeal(t)
	payload := map[string]any{"amount": 100000}

	_, err := p.ProcessWebhook(d, "evt_1", "payment_intent.succeeded", payload)
	require.NoError(t, err)

	_, err = p.ProcessWebhook(d, "evt_1", "payment_intent.succeeded", payload)
	assert.ErrorIs(t, err, ErrWebhookAlreadyProcessed)
	// Exactly one domain-level effect.
	assert.Len(t, d.MoneyEvents, 1)
	assert.Len(t, d.ProcessedWebhooks, 1)

	// A distinct event id of the same type still applies.
	_, err = p.ProcessWebhook(d, "evt_2", "charge.captured", payload)
	require.NoError(t, err)
	assert.Len(t, d.MoneyEvents, 2)
}

func TestProcessWebhook_UnhandledType(t *testing.T) {
	p := NewProcessor(zerolog.Nop())
	d := webhookDeal(t)

	res, err := p.ProcessWebhook(d, "evt_1", "customer.subscription.created", map[string]any{})
	require.NoError(t, err)
	assert.False(t, res.Handled)
	assert.Empty(t, d.MoneyEvents)
	// Unhandled events stay unprocessed so a later interpreter can apply them.
	assert.False(t, d.WebhookProcessed("evt_1"))
}

func TestProcessWebhook_InvalidPayload(t *testing.T) {
	p := NewProcessor(zerolog.Nop())
	d := webhookDeal(t)

	cases := []struct {
		name    string
		payload map[string]any
	}{
		{"missing amount", map[string]any{"currency": "usd"}},
		{"negative amount", map[string]any{"amount": -5}},
		{"wrong type", map[string]any{"amount": "lots"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := p.ProcessWebhook(d, "evt_bad", "charge.refunded", tc.payload)
			assert.ErrorIs(t, err, ErrInvalidPayload)
			assert.Empty(t, d.MoneyEvents)
			assert.False(t, d.WebhookProcessed("evt_bad"))
		})
	}
}

func TestProcessWebhook_FailureEvent(t *testing.T) {
	p := NewProcessor(zerolog.Nop()).WithClock(func() time.Time { return testNow })
	d := webhookDeal(t)

	res, err := p.ProcessWebhook(d, "evt_1", "payment_intent.payment_failed", map[string]any{
		"failure_message": "card declined",
	})
	require.NoError(t, err)
	require.NotNil(t, res.Event)
	assert.Equal(t, deal.EventType("WEBHOOK_PAYMENT_FAILED"), res.Event.Type)
	assert.True(t, res.Event.Amount.IsZero())
	assert.Equal(t, "card declined", res.Event.Metadata["failure_message"])
}

func TestProcessWebhook_MissingEventID(t *testing.T) {
	p := NewProcessor(zerolog.Nop())
	d := webhookDeal(t)
	_, err := p.ProcessWebhook(d, "", "charge.captured", map[string]any{"amount": 1})
	assert.ErrorIs(t, err, ErrInvalidPayload)
}
