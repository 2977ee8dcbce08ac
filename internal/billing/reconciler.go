package billing

import (
	"context"
	"log/slog"
	"time"

	"github.com/maisonswap/maisonswap/internal/credit"
	"github.com/maisonswap/maisonswap/internal/gateway"
)

// Reconciler periodically sweeps payments stuck in PENDING and resolves them
// against the provider's view of their checkout session. It closes the gap
// left by the always-acknowledge webhook contract: an event whose application
// failed after acknowledgement is re-derived from provider state here.
type Reconciler struct {
	service  *Service
	payments credit.PaymentRepository
	interval time.Duration
	minAge   time.Duration
	batch    int
}

// NewReconciler creates a reconciler sweeping every interval, considering
// only payments pending for at least minAge.
func NewReconciler(service *Service, payments credit.PaymentRepository, interval, minAge time.Duration) *Reconciler {
	return &Reconciler{
		service:  service,
		payments: payments,
		interval: interval,
		minAge:   minAge,
		batch:    50,
	}
}

// Start runs the sweep loop until the context is canceled.
func (r *Reconciler) Start(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	slog.Info("payment reconciler started", "interval", r.interval, "min_age", r.minAge)

	for {
		select {
		case <-ctx.Done():
			slog.Info("payment reconciler stopped")
			return
		case <-ticker.C:
			r.tick(ctx)
		}
	}
}

// tick resolves one batch of stale pending payments.
func (r *Reconciler) tick(ctx context.Context) {
	if r.service.metrics != nil {
		r.service.metrics.IncReconcilerSweeps()
	}

	cutoff := time.Now().Add(-r.minAge)
	pending, err := r.payments.ListPendingOlderThan(cutoff, r.batch)
	if err != nil {
		slog.ErrorContext(ctx, "reconciler failed to list pending payments", "error", err)
		return
	}
	if len(pending) == 0 {
		return
	}

	slog.InfoContext(ctx, "reconciling stale pending payments", "count", len(pending))

	for _, payment := range pending {
		if ctx.Err() != nil {
			return
		}
		r.reconcilePayment(ctx, payment)
	}
}

func (r *Reconciler) reconcilePayment(ctx context.Context, payment *credit.Payment) {
	if payment.SessionID == nil {
		// Session creation failed mid-checkout; nothing to ask the
		// provider about, the payment can never complete.
		if _, err := r.service.ledger.MarkPaymentFailed(ctx, payment.ID); err != nil {
			slog.ErrorContext(ctx, "reconciler failed to mark sessionless payment failed", "payment_id", payment.ID, "error", err)
		}
		return
	}

	sess, err := r.service.gateway.RetrieveCheckoutSession(ctx, *payment.SessionID)
	if err != nil {
		slog.ErrorContext(ctx, "reconciler failed to retrieve session",
			"payment_id", payment.ID, "session_id", *payment.SessionID, "error", err)
		return
	}
	if sess == nil {
		slog.WarnContext(ctx, "reconciler found unknown session at provider",
			"payment_id", payment.ID, "session_id", *payment.SessionID)
		return
	}

	switch sess.Status {
	case gateway.SessionComplete:
		// Synthetic event id per session keeps the claim idempotent across
		// sweeps while staying distinct from the provider's webhook event.
		r.service.applyCheckoutCompleted(ctx, &gateway.Event{
			ID:   "reconciler:" + sess.ID,
			Type: "checkout.session.completed",
			Kind: gateway.EventCheckoutCompleted,
			Session: &gateway.SessionData{
				ID:              sess.ID,
				PaymentIntentID: sess.PaymentIntentID,
				ChargeID:        sess.ChargeID,
				Status:          string(sess.Status),
			},
		})

	case gateway.SessionExpired:
		r.service.applyCheckoutExpired(ctx, &gateway.Event{
			ID:   "reconciler:" + sess.ID + ":expired",
			Type: "checkout.session.expired",
			Kind: gateway.EventCheckoutExpired,
			Session: &gateway.SessionData{
				ID:     sess.ID,
				Status: string(sess.Status),
			},
		})

	default:
		// Still open at the provider; leave it for the next sweep.
	}
}
