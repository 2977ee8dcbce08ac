package credit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/maisonswap/maisonswap/internal/tracing"
)

// ErrNothingToRefund is returned when no payment is eligible for a refund.
var ErrNothingToRefund = errors.New("no refundable payments")

// ErrRefundExceedsInitial is returned when a refund would push used+refunded
// past a payment's initial match count.
var ErrRefundExceedsInitial = errors.New("refund would exceed initial match count")

// MatchingInProgressError is returned when a refund is requested while the
// external matching engine holds the processing lock on the intent.
type MatchingInProgressError struct {
	Until  time.Time
	Holder string
}

func (e *MatchingInProgressError) Error() string {
	return fmt.Sprintf("matching in progress until %s", e.Until.Format(time.RFC3339))
}

// IntentLinks carries the user's outgoing-home and search record references,
// resolved by the caller, for backfilling onto the intent.
type IntentLinks struct {
	HomeID   *string
	SearchID *string
}

// RefundedPayment describes one payment successfully refunded in a batch.
type RefundedPayment struct {
	PaymentID string
	RefundID  string
	Units     int
	Amount    decimal.Decimal
	Currency  string
}

// RefundResult aggregates the outcome of a refund batch.
type RefundResult struct {
	Refunds         []RefundedPayment
	RefundedMatches int
	RefundedAmount  decimal.Decimal
	Attempted       int
	Failed          int
}

// Ledger is the only writer to intent counters. Every mutation runs inside a
// per-intent critical section, so a FIFO select-then-increment can never race
// with another consumption, and a refund's eligibility computation and commit
// share one section with consumption excluded.
type Ledger struct {
	intents  IntentRepository
	payments PaymentRepository

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewLedger creates a ledger over the given repositories.
func NewLedger(intents IntentRepository, payments PaymentRepository) *Ledger {
	return &Ledger{
		intents:  intents,
		payments: payments,
		locks:    make(map[string]*sync.Mutex),
	}
}

// lockIntent acquires the per-intent mutex and returns the unlock function.
// Entries are never evicted: intents outlive this core and the map is bounded
// by the number of distinct intents the process has touched.
func (l *Ledger) lockIntent(intentID string) func() {
	l.mu.Lock()
	m, ok := l.locks[intentID]
	if !ok {
		m = &sync.Mutex{}
		l.locks[intentID] = m
	}
	l.mu.Unlock()

	m.Lock()
	return m.Unlock
}

// EnsureIntent returns the user's intent, creating it if absent.
func (l *Ledger) EnsureIntent(ctx context.Context, userID string, links IntentLinks) (*Intent, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	intent, err := l.intents.GetByUserID(userID)
	if err == nil {
		return intent, nil
	}
	if !errors.Is(err, ErrIntentNotFound) {
		return nil, err
	}

	intent = &Intent{
		UserID:   userID,
		HomeID:   links.HomeID,
		SearchID: links.SearchID,
	}
	if err := l.intents.Insert(intent); err != nil {
		return nil, err
	}
	return intent, nil
}

// ConsumeCredit spends one credit from the oldest payment that still has
// unused matches. Returns false without side effects when no credit is
// available. The FIFO selection and the counter increments form one critical
// section per intent, so concurrent consumptions cannot double-spend the
// same unit.
func (l *Ledger) ConsumeCredit(ctx context.Context, intentID string) (bool, error) {
	ctx, endSpan := tracing.StartLedgerSpan(ctx, "consume_credit")
	var opErr error
	defer func() { endSpan(opErr) }()

	unlock := l.lockIntent(intentID)
	defer unlock()

	intent, err := l.intents.GetByID(intentID)
	if err != nil {
		opErr = err
		return false, err
	}

	payments, err := l.payments.ListByIntent(intentID)
	if err != nil {
		opErr = err
		return false, err
	}

	var target *Payment
	for _, p := range payments {
		if p.Consumable() {
			target = p
			break
		}
	}
	if target == nil {
		return false, nil
	}

	target.MatchesUsed++
	intent.TotalUsed++
	intent.TotalRemaining--
	if intent.TotalRemaining <= 0 {
		intent.IsInFlow = false
	}

	if err := l.payments.Update(target); err != nil {
		opErr = err
		return false, err
	}
	if err := l.intents.Update(intent); err != nil {
		opErr = err
		return false, err
	}

	return true, nil
}

// ApplyPurchase marks a payment SUCCEEDED and credits its matches to the
// intent. Returns false when the payment had already succeeded (idempotent
// second layer behind the event-id check). Links are backfilled when the
// intent is missing them; IsInFlow flips true only when both links are set.
func (l *Ledger) ApplyPurchase(ctx context.Context, paymentID, paymentIntentID, chargeID string, links IntentLinks) (bool, error) {
	ctx, endSpan := tracing.StartLedgerSpan(ctx, "apply_purchase")
	var opErr error
	defer func() { endSpan(opErr) }()

	payment, err := l.payments.GetByID(paymentID)
	if err != nil {
		opErr = err
		return false, err
	}

	unlock := l.lockIntent(payment.IntentID)
	defer unlock()

	// Re-read under the lock.
	payment, err = l.payments.GetByID(paymentID)
	if err != nil {
		opErr = err
		return false, err
	}
	if payment.Status == PaymentSucceeded || payment.Status == PaymentPartiallyRefunded || payment.Status == PaymentRefunded {
		return false, nil
	}

	intent, err := l.intents.GetByID(payment.IntentID)
	if err != nil {
		opErr = err
		return false, err
	}

	now := time.Now()
	payment.Status = PaymentSucceeded
	payment.SucceededAt = &now
	if paymentIntentID != "" {
		payment.PaymentIntentID = &paymentIntentID
	}
	if chargeID != "" {
		payment.ChargeID = &chargeID
	}

	intent.TotalPurchased += payment.MatchesInitial
	intent.TotalRemaining += payment.MatchesInitial
	if intent.HomeID == nil {
		intent.HomeID = links.HomeID
	}
	if intent.SearchID == nil {
		intent.SearchID = links.SearchID
	}
	intent.IsInFlow = intent.TotalRemaining > 0 && intent.HomeID != nil && intent.SearchID != nil

	if err := l.payments.Update(payment); err != nil {
		opErr = err
		return false, err
	}
	if err := l.intents.Update(intent); err != nil {
		opErr = err
		return false, err
	}

	return true, nil
}

// MarkPaymentFailed transitions a PENDING payment to FAILED. Returns false
// when the payment is not PENDING (expired webhook after a success is a no-op).
func (l *Ledger) MarkPaymentFailed(ctx context.Context, paymentID string) (bool, error) {
	payment, err := l.payments.GetByID(paymentID)
	if err != nil {
		return false, err
	}

	unlock := l.lockIntent(payment.IntentID)
	defer unlock()

	payment, err = l.payments.GetByID(paymentID)
	if err != nil {
		return false, err
	}
	if payment.Status != PaymentPending {
		return false, nil
	}

	payment.Status = PaymentFailed
	if err := l.payments.Update(payment); err != nil {
		return false, err
	}

	return true, nil
}

// ExecuteRefund runs the refund batch for an intent inside one per-intent
// critical section: the matching-lock guard, the FIFO eligibility
// computation, the provider attempts and the ledger commit all happen with
// consumption excluded.
//
// attempt is called for each eligible payment in FIFO order and performs the
// provider refund, returning the provider refund id. An attempt error skips
// that payment and processing continues (partial success is an accepted
// outcome). After any success the intent's remaining count is decremented,
// IsInFlow recomputed and the rebuy cooldown stamped, optimistically assuming
// the provider settlement will confirm.
func (l *Ledger) ExecuteRefund(ctx context.Context, intentID string, now time.Time, cooldown time.Duration, attempt func(p *Payment, amount decimal.Decimal) (string, error)) (*RefundResult, error) {
	ctx, endSpan := tracing.StartLedgerSpan(ctx, "execute_refund")
	var opErr error
	defer func() { endSpan(opErr) }()

	unlock := l.lockIntent(intentID)
	defer unlock()

	intent, err := l.intents.GetByID(intentID)
	if err != nil {
		opErr = err
		return nil, err
	}

	if intent.MatchingLocked(now) {
		opErr = &MatchingInProgressError{Until: *intent.MatchingProcessingUntil, Holder: intent.MatchingProcessingBy}
		return nil, opErr
	}

	payments, err := l.payments.ListByIntent(intentID)
	if err != nil {
		opErr = err
		return nil, err
	}

	// Eligible set: SUCCEEDED or PARTIALLY_REFUNDED, unused credit left,
	// and a recorded charge id (no charge id means the provider cannot
	// refund it, so it is excluded even if otherwise eligible).
	var eligible []*Payment
	for _, p := range payments {
		if (p.Status == PaymentSucceeded || p.Status == PaymentPartiallyRefunded) &&
			p.UnusedMatches() > 0 && p.ChargeID != nil {
			eligible = append(eligible, p)
		}
	}
	if len(eligible) == 0 {
		opErr = ErrNothingToRefund
		return nil, ErrNothingToRefund
	}

	result := &RefundResult{RefundedAmount: decimal.Zero}
	for _, p := range eligible {
		unused := p.UnusedMatches()
		amount := p.PricePerUnit.Mul(decimal.NewFromInt(int64(unused)))
		result.Attempted++

		refundID, err := attempt(p, amount)
		if err != nil {
			result.Failed++
			continue
		}

		if p.MatchesUsed+p.MatchesRefunded+unused > p.MatchesInitial {
			// Would break conservation; abort only this payment's update.
			result.Failed++
			continue
		}

		p.MatchesRefunded += unused
		if p.UnusedMatches() == 0 {
			p.Status = PaymentRefunded
		} else {
			p.Status = PaymentPartiallyRefunded
		}
		refundedAt := now
		p.RefundedAt = &refundedAt
		p.RefundID = &refundID

		if err := l.payments.Update(p); err != nil {
			opErr = err
			return nil, err
		}

		result.Refunds = append(result.Refunds, RefundedPayment{
			PaymentID: p.ID,
			RefundID:  refundID,
			Units:     unused,
			Amount:    amount,
			Currency:  p.Currency,
		})
		result.RefundedMatches += unused
		result.RefundedAmount = result.RefundedAmount.Add(amount)
	}

	if result.RefundedMatches > 0 {
		intent.TotalRemaining -= result.RefundedMatches
		if intent.TotalRemaining < 0 {
			intent.TotalRemaining = 0
		}
		intent.IsInFlow = intent.TotalRemaining > 0 && intent.HomeID != nil && intent.SearchID != nil
		until := now.Add(cooldown)
		intent.RefundCooldownUntil = &until
		last := now
		intent.LastRefundAt = &last

		if err := l.intents.Update(intent); err != nil {
			opErr = err
			return nil, err
		}
	}

	return result, nil
}

// RevertRefund compensates for a provider refund that ultimately failed
// after the optimistic REFUNDED transition: the payment reverts to
// SUCCEEDED, the refund id and timestamp are cleared, and the reverted
// units are credited back to the intent's remaining count so the
// conservation invariant holds. Returns the number of reverted units, 0
// when the payment was not in the REFUNDED state.
func (l *Ledger) RevertRefund(ctx context.Context, paymentID string) (int, error) {
	payment, err := l.payments.GetByID(paymentID)
	if err != nil {
		return 0, err
	}

	unlock := l.lockIntent(payment.IntentID)
	defer unlock()

	payment, err = l.payments.GetByID(paymentID)
	if err != nil {
		return 0, err
	}
	if payment.Status != PaymentRefunded {
		return 0, nil
	}

	intent, err := l.intents.GetByID(payment.IntentID)
	if err != nil {
		return 0, err
	}

	reverted := payment.MatchesRefunded
	payment.MatchesRefunded = 0
	payment.Status = PaymentSucceeded
	payment.RefundID = nil
	payment.RefundedAt = nil

	intent.TotalRemaining += reverted
	intent.IsInFlow = intent.TotalRemaining > 0 && intent.HomeID != nil && intent.SearchID != nil

	if err := l.payments.Update(payment); err != nil {
		return 0, err
	}
	if err := l.intents.Update(intent); err != nil {
		return 0, err
	}

	return reverted, nil
}

// Summary builds the read-only projection for a user. Returns a zero
// summary when the user has no intent yet.
func (l *Ledger) Summary(ctx context.Context, userID string) (*MatchingSummary, error) {
	intent, err := l.intents.GetByUserID(userID)
	if errors.Is(err, ErrIntentNotFound) {
		return &MatchingSummary{PotentialRefundAmount: decimal.Zero}, nil
	}
	if err != nil {
		return nil, err
	}

	payments, err := l.payments.ListByIntent(intent.ID)
	if err != nil {
		return nil, err
	}

	summary := &MatchingSummary{
		TotalPurchased:          intent.TotalPurchased,
		TotalUsed:               intent.TotalUsed,
		TotalRemaining:          intent.TotalRemaining,
		IsInFlow:                intent.IsInFlow,
		PotentialRefundAmount:   decimal.Zero,
		RefundCooldownUntil:     intent.RefundCooldownUntil,
		MatchingProcessingUntil: intent.MatchingProcessingUntil,
	}

	// Per-payment price, not a global average: packs carry different
	// unit prices, so each payment's unused credits are valued at its own
	// PricePerUnit.
	for _, p := range payments {
		if p.Status != PaymentSucceeded && p.Status != PaymentPartiallyRefunded {
			continue
		}
		unused := p.UnusedMatches()
		if unused <= 0 {
			continue
		}
		summary.UnusedMatches += unused
		summary.PotentialRefundAmount = summary.PotentialRefundAmount.Add(
			p.PricePerUnit.Mul(decimal.NewFromInt(int64(unused))))
		if summary.Currency == "" {
			summary.Currency = p.Currency
		}
	}

	return summary, nil
}
