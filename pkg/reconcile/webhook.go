package reconcile

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/aigentsy/dealcore/pkg/deal"
	"github.com/aigentsy/dealcore/pkg/money"
)

var (
	// ErrWebhookAlreadyProcessed is returned on redelivery of an event id
	// the deal has already applied.
	ErrWebhookAlreadyProcessed = errors.New("webhook event already processed")
	// ErrInvalidPayload is returned when the event payload fails schema
	// validation.
	ErrInvalidPayload = errors.New("webhook payload failed validation")
)

// amountSchema validates payloads that must carry an amount.
var amountSchema = jsonschema.MustCompileString(
	"https://dealcore.schemas.local/webhook/amount.schema.json", `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["amount"],
	"properties": {
		"amount":   {"type": "integer", "minimum": 0},
		"currency": {"type": "string", "minLength": 3, "maxLength": 3},
		"id":       {"type": "string"}
	}
}`)

// failureSchema validates failure payloads, which carry no amount.
var failureSchema = jsonschema.MustCompileString(
	"https://dealcore.schemas.local/webhook/failure.schema.json", `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"properties": {
		"id":              {"type": "string"},
		"failure_message": {"type": "string"}
	}
}`)

// handledEvents maps provider event types to the recorded money event type
// and the schema their payload must satisfy.
var handledEvents = map[string]struct {
	eventType deal.EventType
	schema    *jsonschema.Schema
}{
	"payment_intent.succeeded":      {deal.EventType("WEBHOOK_PAYMENT_SUCCEEDED"), amountSchema},
	"payment_intent.payment_failed": {deal.EventType("WEBHOOK_PAYMENT_FAILED"), failureSchema},
	"charge.captured":               {deal.EventType("WEBHOOK_CHARGE_CAPTURED"), amountSchema},
	"charge.refunded":               {deal.EventType("WEBHOOK_CHARGE_REFUNDED"), amountSchema},
}

// Processor applies provider webhook events to deals exactly once.
type Processor struct {
	clock func() time.Time
	log   zerolog.Logger
}

// NewProcessor creates a webhook processor.
func NewProcessor(log zerolog.Logger) *Processor {
	return &Processor{clock: time.Now, log: log}
}

// WithClock overrides the clock for testing.
func (p *Processor) WithClock(clock func() time.Time) *Processor {
	p.clock = clock
	return p
}

// WebhookResult reports how an event was applied.
type WebhookResult struct {
	// Handled is false for event types the engine does not interpret;
	// those are acknowledged without effect so the provider stops retrying.
	Handled bool             `json:"handled"`
	Event   *deal.MoneyEvent `json:"event,omitempty"`
}

// ProcessWebhook applies one provider event to the deal. Redelivery of a
// processed event id fails with ErrWebhookAlreadyProcessed and has no
// further effect; validation failures leave the deal untouched and the
// event unprocessed so a corrected redelivery can succeed.
func (p *Processor) ProcessWebhook(d *deal.Deal, eventID, eventType string, payload map[string]any) (WebhookResult, error) {
	if eventID == "" {
		return WebhookResult{}, fmt.Errorf("%w: missing event id", ErrInvalidPayload)
	}
	if d.WebhookProcessed(eventID) {
		return WebhookResult{}, fmt.Errorf("%w: %s", ErrWebhookAlreadyProcessed, eventID)
	}

	handler, ok := handledEvents[eventType]
	if !ok {
		p.log.Debug().Str("deal_id", d.ID).Str("event_type", eventType).Msg("unhandled webhook event type")
		return WebhookResult{}, nil
	}
	if err := handler.schema.Validate(normalize(payload)); err != nil {
		return WebhookResult{}, fmt.Errorf("%w: %s: %v", ErrInvalidPayload, eventType, err)
	}

	now := p.clock()
	amount := money.Zero(d.JobValue.Currency)
	if raw, ok := payload["amount"]; ok {
		amount = money.New(toInt64(raw), d.JobValue.Currency)
	}
	meta := map[string]any{"provider_event_type": eventType}
	if msg, ok := payload["failure_message"].(string); ok && msg != "" {
		meta["failure_message"] = msg
	}
	ev := deal.MoneyEvent{
		ID:               "evt_" + uuid.NewString(),
		Type:             handler.eventType,
		PaymentReference: d.Escrow.PaymentReference,
		Amount:           amount,
		IdempotencyKey:   "wh_" + eventID,
		StateAtEvent:     d.State,
		Metadata:         meta,
		CreatedAt:        now,
	}
	d.MoneyEvents = append(d.MoneyEvents, ev)
	d.ProcessedWebhooks = append(d.ProcessedWebhooks, eventID)
	d.UpdatedAt = now

	p.log.Info().
		Str("deal_id", d.ID).
		Str("event_id", eventID).
		Str("event_type", eventType).
		Msg("webhook applied")
	return WebhookResult{Handled: true, Event: &ev}, nil
}

// normalize converts the payload into plain JSON types the schema
// validator accepts.
func normalize(payload map[string]any) map[string]any {
	out := make(map[string]any, len(payload))
	for k, v := range payload {
		switch t := v.(type) {
		case int:
			out[k] = float64(t)
		case int64:
			out[k] = float64(t)
		default:
			out[k] = v
		}
	}
	return out
}

func toInt64(v any) int64 {
	switch t := v.(type) {
	case int64:
		return t
	case int:
		return int64(t)
	case float64:
		return int64(t)
	default:
		return 0
	}
}
