// Package gateway abstracts the payment provider behind a small client
// interface so the rest of the system never touches provider SDK types. The
// live Stripe adapter and the deterministic mock both implement Client; the
// choice is made once at startup and never changes for the process lifetime.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/webhook"
)

// SessionParams carries everything needed to open a hosted checkout session.
// Amounts are in minor units (cents).
type SessionParams struct {
	PaymentID        string
	UserID           string
	UserEmail        string
	PlanType         string
	ProductName      string
	AmountTotalMinor int64
	Currency         string
	SuccessURL       string
	CancelURL        string
}

// Session is the provider-neutral view of a checkout session.
type Session struct {
	ID               string
	URL              string
	PaymentIntentID  string
	ChargeID         string
	Status           SessionStatus
	AmountTotalMinor int64
}

// SessionStatus is the provider-neutral checkout session state.
type SessionStatus string

const (
	SessionOpen     SessionStatus = "open"
	SessionComplete SessionStatus = "complete"
	SessionExpired  SessionStatus = "expired"
)

// Refund is the provider-neutral view of a refund.
type Refund struct {
	ID          string
	Status      RefundStatus
	ChargeID    string
	AmountMinor int64
	Currency    string
}

// RefundStatus is the provider-neutral refund state.
type RefundStatus string

const (
	RefundPending   RefundStatus = "pending"
	RefundSucceeded RefundStatus = "succeeded"
	RefundFailed    RefundStatus = "failed"
	RefundCanceled  RefundStatus = "canceled"
)

// Client is the payment-provider interface. Implementations must be safe for
// concurrent use.
type Client interface {
	// IsConfigured reports whether real provider credentials are in use.
	IsConfigured() bool

	// CreateCheckoutSession opens a hosted checkout session.
	CreateCheckoutSession(ctx context.Context, params *SessionParams) (*Session, error)

	// RetrieveCheckoutSession fetches a session's current state. Returns
	// (nil, nil) when the session is unknown to the provider.
	RetrieveCheckoutSession(ctx context.Context, sessionID string) (*Session, error)

	// CreateRefund issues a refund against a charge for the given minor-unit
	// amount.
	CreateRefund(ctx context.Context, chargeID string, amountMinor int64, metadata map[string]string) (*Refund, error)
}

// EventKind is the closed set of webhook event kinds this system reacts to.
// Anything else maps to EventUnrecognized and is acknowledged without action.
type EventKind int

const (
	EventUnrecognized EventKind = iota
	EventCheckoutCompleted
	EventCheckoutExpired
	EventInvoicePaymentFailed
	EventRefundUpdated
)

func (k EventKind) String() string {
	switch k {
	case EventCheckoutCompleted:
		return "checkout_completed"
	case EventCheckoutExpired:
		return "checkout_expired"
	case EventInvoicePaymentFailed:
		return "invoice_payment_failed"
	case EventRefundUpdated:
		return "refund_updated"
	default:
		return "unrecognized"
	}
}

// SessionData is the session payload carried by checkout events.
type SessionData struct {
	ID              string
	PaymentIntentID string
	ChargeID        string
	Status          string
}

// RefundData is the refund payload carried by refund events.
type RefundData struct {
	ID            string
	Status        RefundStatus
	ChargeID      string
	AmountMinor   int64
	Currency      string
	FailureReason string
}

// Event is a verified, classified webhook event. Exactly one of Session and
// Refund is non-nil for the kinds that carry a payload.
type Event struct {
	ID      string
	Type    string
	Kind    EventKind
	Session *SessionData
	Refund  *RefundData
}

// VerifyEvent checks the webhook signature against the raw payload and
// classifies the event. Returns an error when the signature is invalid or
// the payload cannot be parsed; both must be rejected before the endpoint
// enters its always-acknowledge regime.
func VerifyEvent(payload []byte, sigHeader, secret string) (*Event, error) {
	stripeEvent, err := webhook.ConstructEvent(payload, sigHeader, secret)
	if err != nil {
		return nil, fmt.Errorf("signature verification failed: %w", err)
	}

	event := &Event{
		ID:   stripeEvent.ID,
		Type: string(stripeEvent.Type),
	}

	switch stripeEvent.Type {
	case "checkout.session.completed", "checkout.session.expired":
		var session stripe.CheckoutSession
		if err := json.Unmarshal(stripeEvent.Data.Raw, &session); err != nil {
			return nil, fmt.Errorf("parse checkout session: %w", err)
		}
		data := &SessionData{
			ID:     session.ID,
			Status: string(session.Status),
		}
		if session.PaymentIntent != nil {
			data.PaymentIntentID = session.PaymentIntent.ID
			if session.PaymentIntent.LatestCharge != nil {
				data.ChargeID = session.PaymentIntent.LatestCharge.ID
			}
		}
		event.Session = data
		if stripeEvent.Type == "checkout.session.completed" {
			event.Kind = EventCheckoutCompleted
		} else {
			event.Kind = EventCheckoutExpired
		}

	case "invoice.payment_failed":
		event.Kind = EventInvoicePaymentFailed

	case "refund.updated", "charge.refund.updated":
		var refund stripe.Refund
		if err := json.Unmarshal(stripeEvent.Data.Raw, &refund); err != nil {
			return nil, fmt.Errorf("parse refund: %w", err)
		}
		data := &RefundData{
			ID:            refund.ID,
			Status:        RefundStatus(refund.Status),
			AmountMinor:   refund.Amount,
			Currency:      string(refund.Currency),
			FailureReason: string(refund.FailureReason),
		}
		if refund.Charge != nil {
			data.ChargeID = refund.Charge.ID
		}
		event.Refund = data
		event.Kind = EventRefundUpdated

	default:
		event.Kind = EventUnrecognized
	}

	return event, nil
}

// New selects the provider implementation once at startup: the live Stripe
// adapter when a secret key is configured, the deterministic mock otherwise.
func New(secretKey string) Client {
	if secretKey == "" {
		return NewMock()
	}
	return NewStripe(secretKey)
}
