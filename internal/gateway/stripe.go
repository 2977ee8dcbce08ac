package gateway

import (
	"context"
	"errors"
	"fmt"

	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/checkout/session"
	"github.com/stripe/stripe-go/v81/refund"

	"github.com/maisonswap/maisonswap/internal/tracing"
)

// Stripe implements Client against the live Stripe API.
type Stripe struct{}

// NewStripe creates a Stripe client with the given API key.
func NewStripe(apiKey string) *Stripe {
	stripe.Key = apiKey
	return &Stripe{}
}

// IsConfigured reports that real provider credentials are in use.
func (c *Stripe) IsConfigured() bool {
	return true
}

// CreateCheckoutSession opens a hosted checkout session in payment mode with
// a single ad-hoc line item priced in minor units.
func (c *Stripe) CreateCheckoutSession(ctx context.Context, params *SessionParams) (*Session, error) {
	ctx, endSpan := tracing.StartGatewaySpan(ctx, "create_checkout_session")
	var opErr error
	defer func() { endSpan(opErr) }()

	sessionParams := &stripe.CheckoutSessionParams{
		Mode: stripe.String(string(stripe.CheckoutSessionModePayment)),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
					Currency:   stripe.String(params.Currency),
					UnitAmount: stripe.Int64(params.AmountTotalMinor),
					ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
						Name: stripe.String(params.ProductName),
					},
				},
				Quantity: stripe.Int64(1),
			},
		},
		SuccessURL:        stripe.String(params.SuccessURL),
		CancelURL:         stripe.String(params.CancelURL),
		ClientReferenceID: stripe.String(params.PaymentID),
		Metadata: map[string]string{
			"payment_id": params.PaymentID,
			"user_id":    params.UserID,
			"plan_type":  params.PlanType,
		},
	}
	if params.UserEmail != "" {
		sessionParams.CustomerEmail = stripe.String(params.UserEmail)
	}
	sessionParams.Context = ctx

	sess, err := session.New(sessionParams)
	if err != nil {
		opErr = fmt.Errorf("create checkout session: %w", err)
		return nil, opErr
	}

	return toSession(sess), nil
}

// RetrieveCheckoutSession fetches a session with the payment intent and its
// latest charge expanded, so the charge id is available for later refunds.
// Returns (nil, nil) when the session does not exist.
func (c *Stripe) RetrieveCheckoutSession(ctx context.Context, sessionID string) (*Session, error) {
	ctx, endSpan := tracing.StartGatewaySpan(ctx, "retrieve_checkout_session")
	var opErr error
	defer func() { endSpan(opErr) }()

	params := &stripe.CheckoutSessionParams{}
	params.Context = ctx
	params.AddExpand("payment_intent")
	params.AddExpand("payment_intent.latest_charge")

	sess, err := session.Get(sessionID, params)
	if err != nil {
		var stripeErr *stripe.Error
		if errors.As(err, &stripeErr) && stripeErr.Code == stripe.ErrorCodeResourceMissing {
			return nil, nil
		}
		opErr = fmt.Errorf("retrieve checkout session: %w", err)
		return nil, opErr
	}

	return toSession(sess), nil
}

// CreateRefund issues a partial or full refund against a charge.
func (c *Stripe) CreateRefund(ctx context.Context, chargeID string, amountMinor int64, metadata map[string]string) (*Refund, error) {
	ctx, endSpan := tracing.StartGatewaySpan(ctx, "create_refund")
	var opErr error
	defer func() { endSpan(opErr) }()

	params := &stripe.RefundParams{
		Charge:   stripe.String(chargeID),
		Amount:   stripe.Int64(amountMinor),
		Metadata: metadata,
	}
	params.Context = ctx

	ref, err := refund.New(params)
	if err != nil {
		opErr = fmt.Errorf("create refund: %w", err)
		return nil, opErr
	}

	result := &Refund{
		ID:          ref.ID,
		Status:      RefundStatus(ref.Status),
		AmountMinor: ref.Amount,
		Currency:    string(ref.Currency),
	}
	if ref.Charge != nil {
		result.ChargeID = ref.Charge.ID
	}

	return result, nil
}

func toSession(sess *stripe.CheckoutSession) *Session {
	result := &Session{
		ID:               sess.ID,
		URL:              sess.URL,
		Status:           sessionStatus(sess),
		AmountTotalMinor: sess.AmountTotal,
	}
	if sess.PaymentIntent != nil {
		result.PaymentIntentID = sess.PaymentIntent.ID
		if sess.PaymentIntent.LatestCharge != nil {
			result.ChargeID = sess.PaymentIntent.LatestCharge.ID
		}
	}
	return result
}

func sessionStatus(sess *stripe.CheckoutSession) SessionStatus {
	switch sess.Status {
	case stripe.CheckoutSessionStatusComplete:
		return SessionComplete
	case stripe.CheckoutSessionStatusExpired:
		return SessionExpired
	default:
		return SessionOpen
	}
}
