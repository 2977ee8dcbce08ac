// Package credit provides the match-credit ledger: intents, payments and the
// append-only transaction log, plus the FIFO consumption and refund accounting
// that keeps their counters consistent.
package credit

import (
	"time"

	"github.com/shopspring/decimal"
)

// PaymentStatus is the lifecycle state of a Payment.
type PaymentStatus string

// Payment lifecycle states. PENDING transitions to SUCCEEDED only through
// webhook reconciliation; FAILED is terminal. PARTIALLY_REFUNDED can receive
// further refunds until fully refunded.
const (
	PaymentPending           PaymentStatus = "PENDING"
	PaymentSucceeded         PaymentStatus = "SUCCEEDED"
	PaymentFailed            PaymentStatus = "FAILED"
	PaymentRefunded          PaymentStatus = "REFUNDED"
	PaymentPartiallyRefunded PaymentStatus = "PARTIALLY_REFUNDED"
)

// Intent aggregates one user's match-credit position. There is at most one
// intent per user, created lazily on the first purchase attempt.
//
// Invariant after every mutation:
//
//	TotalRemaining == TotalPurchased - TotalUsed - sum(MatchesRefunded over payments)
//	TotalRemaining >= 0
type Intent struct {
	ID     string `json:"id"`
	UserID string `json:"user_id"`

	TotalPurchased int `json:"total_purchased"`
	TotalUsed      int `json:"total_used"`
	TotalRemaining int `json:"total_remaining"`

	// IsInFlow is true iff the user has remaining credit and is linked to
	// both an outgoing-home record and a search record.
	IsInFlow bool    `json:"is_in_flow"`
	HomeID   *string `json:"home_id,omitempty"`
	SearchID *string `json:"search_id,omitempty"`

	// RefundCooldownUntil blocks new purchases while in the future.
	RefundCooldownUntil *time.Time `json:"refund_cooldown_until,omitempty"`

	// MatchingProcessingUntil blocks refunds while in the future. The lock
	// is acquired by the external matching engine; this core only reads it.
	MatchingProcessingUntil *time.Time `json:"matching_processing_until,omitempty"`
	MatchingProcessingBy    string     `json:"matching_processing_by,omitempty"`

	LastRefundAt *time.Time `json:"last_refund_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// MatchingLocked reports whether the matching engine currently holds the
// processing lock on this intent.
func (i *Intent) MatchingLocked(now time.Time) bool {
	return i.MatchingProcessingUntil != nil && i.MatchingProcessingUntil.After(now)
}

// CooldownActive reports whether the post-refund rebuy cooldown is in effect.
func (i *Intent) CooldownActive(now time.Time) bool {
	return i.RefundCooldownUntil != nil && i.RefundCooldownUntil.After(now)
}

// Payment is one checkout attempt for a credit pack.
//
// Invariant: MatchesUsed + MatchesRefunded <= MatchesInitial, with both
// counters monotonically non-decreasing (except the compensating revert when
// a provider refund ultimately fails).
type Payment struct {
	ID       string `json:"id"`
	IntentID string `json:"intent_id"`
	UserID   string `json:"user_id"`

	PlanType        string `json:"plan_type"`
	MatchesInitial  int    `json:"matches_initial"`
	MatchesUsed     int    `json:"matches_used"`
	MatchesRefunded int    `json:"matches_refunded"`

	AmountBase   decimal.Decimal `json:"amount_base"`
	AmountFees   decimal.Decimal `json:"amount_fees"`
	AmountTotal  decimal.Decimal `json:"amount_total"`
	PricePerUnit decimal.Decimal `json:"price_per_unit"`
	Currency     string          `json:"currency"`

	Status PaymentStatus `json:"status"`

	// Provider identifiers, nullable until the provider confirms them.
	SessionID       *string `json:"session_id,omitempty"`
	PaymentIntentID *string `json:"payment_intent_id,omitempty"`
	ChargeID        *string `json:"charge_id,omitempty"`
	RefundID        *string `json:"refund_id,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	SucceededAt *time.Time `json:"succeeded_at,omitempty"`
	RefundedAt  *time.Time `json:"refunded_at,omitempty"`
}

// UnusedMatches returns the credits on this payment not yet spent or refunded.
func (p *Payment) UnusedMatches() int {
	return p.MatchesInitial - p.MatchesUsed - p.MatchesRefunded
}

// Consumable reports whether this payment can still supply a credit.
func (p *Payment) Consumable() bool {
	return (p.Status == PaymentSucceeded || p.Status == PaymentPartiallyRefunded) && p.UnusedMatches() > 0
}

// TransactionType classifies audit-log rows.
type TransactionType string

// Transaction types, one per payment lifecycle event.
const (
	TxPaymentCreated   TransactionType = "PAYMENT_CREATED"
	TxPaymentSucceeded TransactionType = "PAYMENT_SUCCEEDED"
	TxPaymentFailed    TransactionType = "PAYMENT_FAILED"
	TxRefundRequested  TransactionType = "REFUND_REQUESTED"
	TxRefundSucceeded  TransactionType = "REFUND_SUCCEEDED"
	TxRefundFailed     TransactionType = "REFUND_FAILED"
)

// Transaction is an append-only audit row. Rows sourced from provider webhooks
// carry the provider event id, which is unique across the log and serves as
// the idempotency key for webhook replays. Rows are never mutated after
// creation except to backfill ExternalObjectID once the provider returns it.
type Transaction struct {
	ID        string          `json:"id"`
	PaymentID string          `json:"payment_id"`
	UserID    string          `json:"user_id"`
	Type      TransactionType `json:"type"`
	Status    string          `json:"status"`

	// ExternalEventID is the provider's event id; unique when set.
	ExternalEventID *string `json:"external_event_id,omitempty"`
	// ExternalObjectID is the provider object this row refers to
	// (checkout session, charge or refund id).
	ExternalObjectID *string `json:"external_object_id,omitempty"`

	Amount   decimal.Decimal   `json:"amount"`
	Currency string            `json:"currency"`
	Metadata map[string]string `json:"metadata,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// MatchingSummary is the read-only projection served to clients.
type MatchingSummary struct {
	TotalPurchased int  `json:"total_purchased"`
	TotalUsed      int  `json:"total_used"`
	TotalRemaining int  `json:"total_remaining"`
	IsInFlow       bool `json:"is_in_flow"`

	// UnusedMatches and PotentialRefundAmount sum over SUCCEEDED and
	// PARTIALLY_REFUNDED payments at each payment's own per-unit price.
	UnusedMatches         int             `json:"unused_matches"`
	PotentialRefundAmount decimal.Decimal `json:"potential_refund_amount"`
	Currency              string          `json:"currency"`

	RefundCooldownUntil     *time.Time `json:"refund_cooldown_until,omitempty"`
	MatchingProcessingUntil *time.Time `json:"matching_processing_until,omitempty"`
}
