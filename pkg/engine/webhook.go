package engine

import (
	"context"
	"errors"

	"github.com/aigentsy/dealcore/pkg/deal"
	"github.com/aigentsy/dealcore/pkg/psp"
	"github.com/aigentsy/dealcore/pkg/reconcile"
)

// HandleWebhook applies a verified provider event to a deal. The caller
// (the HTTP boundary) has already checked the HMAC signature via
// psp.ParseEvent; this method only records the event in the aggregate.
//
// A replayed event id is a success no-op: the first delivery already
// committed, so there is nothing left to apply.
func (e *Engine) HandleWebhook(ctx context.Context, dealID string, event psp.Event) (reconcile.WebhookResult, error) {
	var res reconcile.WebhookResult
	_, err := e.repo.Update(ctx, dealID, func(d *deal.Deal) error {
		var innerErr error
		res, innerErr = e.webhooks.ProcessWebhook(d, event.ID, event.Type, event.Data.Object)
		return innerErr
	})
	if err != nil {
		if errors.Is(err, reconcile.ErrWebhookAlreadyProcessed) {
			e.log.Debug().
				Str("deal_id", dealID).
				Str("event_id", event.ID).
				Msg("webhook replay ignored")
			return reconcile.WebhookResult{}, nil
		}
		return reconcile.WebhookResult{}, err
	}

	e.obs.RecordWebhook(ctx, event.Type, res.Handled)
	if res.Handled {
		e.log.Info().
			Str("deal_id", dealID).
			Str("event_id", event.ID).
			Str("event_type", event.Type).
			Msg("webhook applied")
	}
	return res, nil
}
