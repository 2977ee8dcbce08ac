package billing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/maisonswap/maisonswap/internal/credit"
	"github.com/maisonswap/maisonswap/internal/gateway"
	"github.com/maisonswap/maisonswap/internal/notify"
	"github.com/maisonswap/maisonswap/internal/tracing"
)

// HandleCheckoutEvent applies a verified event from the checkout webhook
// endpoint. It never returns an error to the caller: after signature
// verification the endpoint always acknowledges, and anything left
// unapplied here is picked up by the reconciler sweep.
//
// Idempotency is two-layered. The event id is claimed first by inserting the
// audit transaction, whose storage-level uniqueness rejects replays; behind
// that, the ledger transition itself is a no-op when the payment has already
// left PENDING.
func (s *Service) HandleCheckoutEvent(ctx context.Context, event *gateway.Event) {
	ctx, endSpan := tracing.StartSpan(ctx, "apply_checkout_event")
	defer endSpan(nil)

	switch event.Kind {
	case gateway.EventCheckoutCompleted:
		s.applyCheckoutCompleted(ctx, event)
	case gateway.EventCheckoutExpired:
		s.applyCheckoutExpired(ctx, event)
	case gateway.EventInvoicePaymentFailed:
		// Pack purchases are one-off payments, never invoiced; the event
		// is acknowledged without touching the ledger.
		slog.InfoContext(ctx, "ignoring invoice payment failure for one-off purchase", "event_id", event.ID)
		if s.metrics != nil {
			s.metrics.IncWebhookEvents(event.Kind.String(), WebhookUnhandled)
		}
	default:
		slog.InfoContext(ctx, "ignoring unhandled webhook event type", "event_type", event.Type, "event_id", event.ID)
		if s.metrics != nil {
			s.metrics.IncWebhookEvents(event.Kind.String(), WebhookUnhandled)
		}
	}
}

func (s *Service) applyCheckoutCompleted(ctx context.Context, event *gateway.Event) {
	payment, err := s.payments.GetBySessionID(event.Session.ID)
	if err != nil {
		// Unknown session: leave the event unclaimed so a replay after the
		// payment record appears can still apply it.
		slog.WarnContext(ctx, "checkout completed for unknown session", "session_id", event.Session.ID, "event_id", event.ID)
		return
	}

	paymentIntentID := event.Session.PaymentIntentID
	chargeID := event.Session.ChargeID
	if chargeID == "" {
		// The webhook payload carries the payment intent unexpanded; fetch
		// the session with the latest charge so refunds have a target.
		sess, err := s.gateway.RetrieveCheckoutSession(ctx, event.Session.ID)
		if err != nil {
			slog.ErrorContext(ctx, "failed to retrieve session for charge id", "session_id", event.Session.ID, "error", err)
		} else if sess != nil {
			chargeID = sess.ChargeID
			if paymentIntentID == "" {
				paymentIntentID = sess.PaymentIntentID
			}
		}
	}

	if !s.claimEvent(ctx, event, payment, credit.TxPaymentSucceeded, event.Session.ID) {
		return
	}

	links := s.resolveLinks(ctx, payment.UserID)
	applied, err := s.ledger.ApplyPurchase(ctx, payment.ID, paymentIntentID, chargeID, links)
	if err != nil {
		slog.ErrorContext(ctx, "failed to apply purchase", "payment_id", payment.ID, "event_id", event.ID, "error", err)
		return
	}
	if !applied {
		slog.InfoContext(ctx, "purchase already applied, skipping", "payment_id", payment.ID, "event_id", event.ID)
		return
	}

	if s.metrics != nil {
		s.metrics.IncPayments(OutcomeSucceeded)
		s.metrics.IncWebhookEvents(event.Kind.String(), WebhookProcessed)
	}
	slog.InfoContext(ctx, "payment reconciled as succeeded",
		"payment_id", payment.ID, "session_id", event.Session.ID, "matches", payment.MatchesInitial)

	if u, err := s.users.GetByID(payment.UserID); err == nil {
		notify.Async(s.notifier, notify.Message{
			To:      u.Email,
			Subject: "Payment confirmed",
			Body: fmt.Sprintf("Your payment of %s %s was confirmed and %d match credits were added to your account.",
				payment.AmountTotal.StringFixed(2), payment.Currency, payment.MatchesInitial),
		})
	}
}

func (s *Service) applyCheckoutExpired(ctx context.Context, event *gateway.Event) {
	payment, err := s.payments.GetBySessionID(event.Session.ID)
	if err != nil {
		slog.WarnContext(ctx, "checkout expired for unknown session", "session_id", event.Session.ID, "event_id", event.ID)
		return
	}

	if !s.claimEvent(ctx, event, payment, credit.TxPaymentFailed, event.Session.ID) {
		return
	}

	changed, err := s.ledger.MarkPaymentFailed(ctx, payment.ID)
	if err != nil {
		slog.ErrorContext(ctx, "failed to mark payment failed", "payment_id", payment.ID, "error", err)
		return
	}
	if !changed {
		// The session completed before it expired; the success stands.
		slog.InfoContext(ctx, "expiry ignored for non-pending payment", "payment_id", payment.ID, "event_id", event.ID)
		return
	}

	if s.metrics != nil {
		s.metrics.IncPayments(OutcomeFailed)
		s.metrics.IncWebhookEvents(event.Kind.String(), WebhookProcessed)
	}
	slog.InfoContext(ctx, "payment marked failed after session expiry",
		"payment_id", payment.ID, "session_id", event.Session.ID)
}

// HandleRefundEvent applies a verified event from the refund webhook
// endpoint. A succeeded refund only confirms what the optimistic refund
// flow already committed; a failed refund triggers the compensating revert.
func (s *Service) HandleRefundEvent(ctx context.Context, event *gateway.Event) {
	ctx, endSpan := tracing.StartSpan(ctx, "apply_refund_event")
	defer endSpan(nil)

	if event.Kind != gateway.EventRefundUpdated {
		slog.InfoContext(ctx, "ignoring unhandled webhook event type", "event_type", event.Type, "event_id", event.ID)
		if s.metrics != nil {
			s.metrics.IncWebhookEvents(event.Kind.String(), WebhookUnhandled)
		}
		return
	}

	payment, err := s.payments.GetByChargeID(event.Refund.ChargeID)
	if err != nil {
		slog.WarnContext(ctx, "refund update for unknown charge", "charge_id", event.Refund.ChargeID, "event_id", event.ID)
		return
	}

	switch event.Refund.Status {
	case gateway.RefundSucceeded:
		if !s.claimEvent(ctx, event, payment, credit.TxRefundSucceeded, event.Refund.ID) {
			return
		}
		if s.metrics != nil {
			s.metrics.IncWebhookEvents(event.Kind.String(), WebhookProcessed)
		}
		slog.InfoContext(ctx, "refund settled by provider",
			"payment_id", payment.ID,
			"refund_id", event.Refund.ID,
			"amount", fromMinorUnits(event.Refund.AmountMinor).StringFixed(2))

	case gateway.RefundFailed, gateway.RefundCanceled:
		if !s.claimEvent(ctx, event, payment, credit.TxRefundFailed, event.Refund.ID) {
			return
		}
		reverted, err := s.ledger.RevertRefund(ctx, payment.ID)
		if err != nil {
			slog.ErrorContext(ctx, "failed to revert refund", "payment_id", payment.ID, "error", err)
			return
		}
		if s.metrics != nil {
			s.metrics.IncWebhookEvents(event.Kind.String(), WebhookProcessed)
		}
		slog.WarnContext(ctx, "provider refund failed, credits restored",
			"payment_id", payment.ID,
			"refund_id", event.Refund.ID,
			"reverted_units", reverted,
			"reason", event.Refund.FailureReason)

		if u, err := s.users.GetByID(payment.UserID); err == nil {
			notify.Async(s.notifier, notify.Message{
				To:      u.Email,
				Subject: "Your refund could not be completed",
				Body: "The payment provider could not complete your refund, so the match credits " +
					"have been restored to your account. Please contact support if the problem persists.",
			})
		}

	default:
		// Intermediate states carry no action; the terminal event for this
		// refund will arrive under its own event id.
		slog.InfoContext(ctx, "ignoring non-terminal refund status",
			"refund_id", event.Refund.ID, "status", string(event.Refund.Status), "event_id", event.ID)
		if s.metrics != nil {
			s.metrics.IncWebhookEvents(event.Kind.String(), WebhookUnhandled)
		}
	}
}

// claimEvent inserts the audit transaction that claims the webhook event id.
// Returns false when the event was already processed or the claim could not
// be written.
func (s *Service) claimEvent(ctx context.Context, event *gateway.Event, payment *credit.Payment, txType credit.TransactionType, objectID string) bool {
	eventID := event.ID
	tx := &credit.Transaction{
		PaymentID:        payment.ID,
		UserID:           payment.UserID,
		Type:             txType,
		Status:           "processed",
		ExternalEventID:  &eventID,
		ExternalObjectID: &objectID,
		Amount:           payment.AmountTotal,
		Currency:         payment.Currency,
	}
	if event.Refund != nil {
		tx.Amount = fromMinorUnits(event.Refund.AmountMinor)
	}

	if err := s.transactions.Insert(tx); err != nil {
		if errors.Is(err, credit.ErrDuplicateEvent) {
			slog.InfoContext(ctx, "webhook event already processed, ignoring", "event_id", event.ID)
			if s.metrics != nil {
				s.metrics.IncWebhookEvents(event.Kind.String(), WebhookDuplicate)
			}
			return false
		}
		slog.ErrorContext(ctx, "failed to record webhook event", "event_id", event.ID, "error", err)
		return false
	}
	return true
}

// resolveLinks reads the user's current home and search references for
// intent backfill. Missing users yield empty links.
func (s *Service) resolveLinks(ctx context.Context, userID string) credit.IntentLinks {
	u, err := s.users.GetByID(userID)
	if err != nil {
		return credit.IntentLinks{}
	}
	home, search := u.Links()
	return credit.IntentLinks{HomeID: home, SearchID: search}
}
