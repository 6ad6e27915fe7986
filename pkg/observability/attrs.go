package observability

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Semantic convention attributes for deal settlement spans and metrics.
var (
	AttrDealID    = attribute.Key("dealcore.deal.id")
	AttrDealState = attribute.Key("dealcore.deal.state")
	AttrDealTier  = attribute.Key("dealcore.deal.tier")
	AttrOperation = attribute.Key("dealcore.operation")

	AttrAmountMinor = attribute.Key("dealcore.money.amount_minor")
	AttrCurrency    = attribute.Key("dealcore.money.currency")

	AttrSettleReason = attribute.Key("dealcore.settle.reason")
	AttrWebhookType  = attribute.Key("dealcore.webhook.type")
	AttrPaymentRef   = attribute.Key("dealcore.payment.reference")
)

// DealOperation creates attributes for one engine operation on a deal.
func DealOperation(dealID, state, operation string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrDealID.String(dealID),
		AttrDealState.String(state),
		AttrOperation.String(operation),
	}
}

// MoneyOperation creates attributes for a money movement.
func MoneyOperation(dealID, operation, currency string, amountMinor int64) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrDealID.String(dealID),
		AttrOperation.String(operation),
		AttrCurrency.String(currency),
		AttrAmountMinor.Int64(amountMinor),
	}
}

// WebhookOperation creates attributes for a provider webhook event.
func WebhookOperation(dealID, eventType, paymentRef string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrDealID.String(dealID),
		AttrWebhookType.String(eventType),
		AttrPaymentRef.String(paymentRef),
	}
}

// SpanFromContext extracts the span from context.
func SpanFromContext(ctx context.Context) trace.Span {
	return trace.SpanFromContext(ctx)
}

// AddSpanEvent adds an event to the current span.
func AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	span := trace.SpanFromContext(ctx)
	span.AddEvent(name, trace.WithAttributes(attrs...))
}

// SetSpanStatus records err on the current span when non-nil.
func SetSpanStatus(ctx context.Context, err error) {
	span := trace.SpanFromContext(ctx)
	if err != nil {
		span.RecordError(err)
	}
}
