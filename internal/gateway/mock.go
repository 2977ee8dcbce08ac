package gateway

import (
	"context"
	"fmt"
	"sync"
)

// Mock is the deterministic in-process provider used when no Stripe
// credentials are configured. Sessions and refunds get stable sequential
// identifiers and refunds always succeed, so every flow is exercisable in
// development and tests without network access.
type Mock struct {
	mu       sync.Mutex
	seq      int
	sessions map[string]*Session
}

// NewMock creates a mock gateway.
func NewMock() *Mock {
	return &Mock{sessions: make(map[string]*Session)}
}

// IsConfigured reports that no real provider credentials are in use.
func (m *Mock) IsConfigured() bool {
	return false
}

// CreateCheckoutSession returns an open session whose URL points at the
// caller's success URL with a marker query parameter instead of a hosted
// checkout page.
func (m *Mock) CreateCheckoutSession(ctx context.Context, params *SessionParams) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.seq++
	sess := &Session{
		ID:               fmt.Sprintf("mock_cs_%d", m.seq),
		URL:              params.SuccessURL + "?mock=true",
		Status:           SessionOpen,
		AmountTotalMinor: params.AmountTotalMinor,
	}
	m.sessions[sess.ID] = sess

	copied := *sess
	return &copied, nil
}

// RetrieveCheckoutSession returns the stored session state, or (nil, nil)
// for an unknown id.
func (m *Mock) RetrieveCheckoutSession(ctx context.Context, sessionID string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, ok := m.sessions[sessionID]
	if !ok {
		return nil, nil
	}
	copied := *sess
	return &copied, nil
}

// CreateRefund returns an immediately succeeded refund.
func (m *Mock) CreateRefund(ctx context.Context, chargeID string, amountMinor int64, metadata map[string]string) (*Refund, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.seq++
	return &Refund{
		ID:          fmt.Sprintf("mock_re_%d", m.seq),
		Status:      RefundSucceeded,
		ChargeID:    chargeID,
		AmountMinor: amountMinor,
	}, nil
}

// CompleteSession transitions a mock session to complete and attaches
// payment intent and charge ids, simulating the provider finishing a
// checkout. Returns the updated session or (nil, false) for an unknown id.
func (m *Mock) CompleteSession(sessionID string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, ok := m.sessions[sessionID]
	if !ok {
		return nil, false
	}
	sess.Status = SessionComplete
	sess.PaymentIntentID = "mock_pi_" + sessionID
	sess.ChargeID = "mock_ch_" + sessionID

	copied := *sess
	return &copied, true
}

// ExpireSession transitions a mock session to expired. Returns false for an
// unknown id.
func (m *Mock) ExpireSession(sessionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, ok := m.sessions[sessionID]
	if !ok {
		return false
	}
	sess.Status = SessionExpired
	return true
}
