// Package billing orchestrates checkout, refunds and webhook reconciliation
// over the credit ledger and the payment gateway.
package billing

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics names as constants for consistency.
const (
	MetricCheckoutsCreatedTotal = "billing_checkouts_created_total"
	MetricPaymentsTotal         = "billing_payments_total"
	MetricCreditsConsumedTotal  = "billing_credits_consumed_total"
	MetricRefundsTotal          = "billing_refunds_total"
	MetricWebhookEventsTotal    = "billing_webhook_events_total"
	MetricReconcilerSweepsTotal = "billing_reconciler_sweeps_total"
)

// Payment outcome constants for labeling.
const (
	OutcomeSucceeded = "succeeded"
	OutcomeFailed    = "failed"
)

// Webhook event result constants for labeling.
const (
	WebhookProcessed = "processed"
	WebhookDuplicate = "duplicate"
	WebhookUnhandled = "unhandled"
)

// Metrics contains Prometheus metrics for billing operations.
// All operations are thread-safe.
type Metrics struct {
	checkoutsCreated *prometheus.CounterVec
	payments         *prometheus.CounterVec
	creditsConsumed  prometheus.Counter
	refunds          *prometheus.CounterVec
	webhookEvents    *prometheus.CounterVec
	reconcilerSweeps prometheus.Counter
}

// NewMetrics creates and returns a new Metrics instance with all collectors initialized.
// The metrics are not registered; call Register to register them with a registry.
func NewMetrics() *Metrics {
	return &Metrics{
		checkoutsCreated: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricCheckoutsCreatedTotal,
				Help: "Total number of checkout sessions created by plan type",
			},
			[]string{"plan_type"},
		),
		payments: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricPaymentsTotal,
				Help: "Total number of payment resolutions by outcome",
			},
			[]string{"outcome"},
		),
		creditsConsumed: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: MetricCreditsConsumedTotal,
				Help: "Total number of match credits consumed",
			},
		),
		refunds: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricRefundsTotal,
				Help: "Total number of refund attempts by outcome",
			},
			[]string{"outcome"},
		),
		webhookEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricWebhookEventsTotal,
				Help: "Total number of webhook events by kind and result",
			},
			[]string{"kind", "result"},
		),
		reconcilerSweeps: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: MetricReconcilerSweepsTotal,
				Help: "Total number of pending-payment reconciliation sweeps",
			},
		),
	}
}

// Register registers all metrics with the given registry.
// Returns an error if registration fails.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		m.checkoutsCreated,
		m.payments,
		m.creditsConsumed,
		m.refunds,
		m.webhookEvents,
		m.reconcilerSweeps,
	}

	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// IncCheckoutsCreated increments the checkout counter for a plan type.
func (m *Metrics) IncCheckoutsCreated(planType string) {
	m.checkoutsCreated.WithLabelValues(planType).Inc()
}

// IncPayments increments the payment resolution counter.
// outcome: OutcomeSucceeded or OutcomeFailed
func (m *Metrics) IncPayments(outcome string) {
	m.payments.WithLabelValues(outcome).Inc()
}

// IncCreditsConsumed increments the consumed-credit counter.
func (m *Metrics) IncCreditsConsumed() {
	m.creditsConsumed.Inc()
}

// IncRefunds increments the refund counter.
// outcome: OutcomeSucceeded or OutcomeFailed
func (m *Metrics) IncRefunds(outcome string) {
	m.refunds.WithLabelValues(outcome).Inc()
}

// IncWebhookEvents increments the webhook event counter.
// result: WebhookProcessed, WebhookDuplicate or WebhookUnhandled
func (m *Metrics) IncWebhookEvents(kind, result string) {
	m.webhookEvents.WithLabelValues(kind, result).Inc()
}

// IncReconcilerSweeps increments the reconciler sweep counter.
func (m *Metrics) IncReconcilerSweeps() {
	m.reconcilerSweeps.Inc()
}

// Collectors returns all Prometheus collectors for testing.
func (m *Metrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.checkoutsCreated,
		m.payments,
		m.creditsConsumed,
		m.refunds,
		m.webhookEvents,
		m.reconcilerSweeps,
	}
}
