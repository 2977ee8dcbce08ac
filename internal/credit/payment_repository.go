// Package credit provides repositories for payment persistence.
package credit

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrPaymentNotFound is returned when a payment is not found.
var ErrPaymentNotFound = errors.New("payment not found")

// PaymentRepository defines methods for payment persistence.
type PaymentRepository interface {
	Insert(payment *Payment) error
	GetByID(id string) (*Payment, error)
	GetBySessionID(sessionID string) (*Payment, error)
	GetByChargeID(chargeID string) (*Payment, error)
	// ListByIntent returns all payments for an intent ordered by creation
	// time ascending. FIFO consumption and refund ordering depend on this.
	ListByIntent(intentID string) ([]*Payment, error)
	// ListPendingOlderThan returns up to limit PENDING payments created
	// before the cutoff, for the reconciliation sweep.
	ListPendingOlderThan(cutoff time.Time, limit int) ([]*Payment, error)
	Update(payment *Payment) error
}

// InMemoryPaymentRepository implements PaymentRepository with in-memory storage.
type InMemoryPaymentRepository struct {
	mu       sync.RWMutex
	payments map[string]*Payment
	seq      uint64
	order    map[string]uint64 // insertion order tiebreak for equal CreatedAt
}

// NewInMemoryPaymentRepository creates a new in-memory payment repository.
func NewInMemoryPaymentRepository() *InMemoryPaymentRepository {
	return &InMemoryPaymentRepository{
		payments: make(map[string]*Payment),
		order:    make(map[string]uint64),
	}
}

// Insert adds a new payment.
func (r *InMemoryPaymentRepository) Insert(payment *Payment) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if payment.ID == "" {
		payment.ID = uuid.New().String()
	}
	if payment.CreatedAt.IsZero() {
		payment.CreatedAt = time.Now()
	}

	r.seq++
	r.order[payment.ID] = r.seq

	// Deep copy to prevent external mutation
	copied := clonePayment(payment)
	r.payments[payment.ID] = copied

	return nil
}

// GetByID retrieves a payment by ID.
func (r *InMemoryPaymentRepository) GetByID(id string) (*Payment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	payment, ok := r.payments[id]
	if !ok {
		return nil, ErrPaymentNotFound
	}

	return clonePayment(payment), nil
}

// GetBySessionID retrieves a payment by its checkout session ID.
func (r *InMemoryPaymentRepository) GetBySessionID(sessionID string) (*Payment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, payment := range r.payments {
		if payment.SessionID != nil && *payment.SessionID == sessionID {
			return clonePayment(payment), nil
		}
	}

	return nil, ErrPaymentNotFound
}

// GetByChargeID retrieves a payment by its charge ID.
func (r *InMemoryPaymentRepository) GetByChargeID(chargeID string) (*Payment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, payment := range r.payments {
		if payment.ChargeID != nil && *payment.ChargeID == chargeID {
			return clonePayment(payment), nil
		}
	}

	return nil, ErrPaymentNotFound
}

// ListByIntent returns the intent's payments ordered oldest-first.
func (r *InMemoryPaymentRepository) ListByIntent(intentID string) ([]*Payment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var result []*Payment
	for _, payment := range r.payments {
		if payment.IntentID == intentID {
			result = append(result, clonePayment(payment))
		}
	}

	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return r.order[result[i].ID] < r.order[result[j].ID]
		}
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})

	return result, nil
}

// ListPendingOlderThan returns stale PENDING payments oldest-first.
func (r *InMemoryPaymentRepository) ListPendingOlderThan(cutoff time.Time, limit int) ([]*Payment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var result []*Payment
	for _, payment := range r.payments {
		if payment.Status == PaymentPending && payment.CreatedAt.Before(cutoff) {
			result = append(result, clonePayment(payment))
		}
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})

	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}

	return result, nil
}

// Update updates an existing payment.
func (r *InMemoryPaymentRepository) Update(payment *Payment) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.payments[payment.ID]; !ok {
		return ErrPaymentNotFound
	}

	r.payments[payment.ID] = clonePayment(payment)

	return nil
}

// clonePayment deep-copies a payment including its pointer fields.
func clonePayment(p *Payment) *Payment {
	copied := *p
	copied.SessionID = cloneStr(p.SessionID)
	copied.PaymentIntentID = cloneStr(p.PaymentIntentID)
	copied.ChargeID = cloneStr(p.ChargeID)
	copied.RefundID = cloneStr(p.RefundID)
	copied.SucceededAt = cloneTime(p.SucceededAt)
	copied.RefundedAt = cloneTime(p.RefundedAt)
	return &copied
}

func cloneStr(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
