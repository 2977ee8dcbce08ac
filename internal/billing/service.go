package billing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/maisonswap/maisonswap/internal/credit"
	"github.com/maisonswap/maisonswap/internal/gateway"
	"github.com/maisonswap/maisonswap/internal/notify"
	"github.com/maisonswap/maisonswap/internal/pack"
	"github.com/maisonswap/maisonswap/internal/user"
)

// Account guard errors surfaced to the HTTP layer.
var (
	ErrUserBanned          = errors.New("user is banned")
	ErrAccountNotValidated = errors.New("account not validated")
)

// CooldownActiveError is returned when a purchase is attempted before the
// post-refund cooldown has elapsed.
type CooldownActiveError struct {
	Until time.Time
}

func (e *CooldownActiveError) Error() string {
	return fmt.Sprintf("refund cooldown active until %s", e.Until.Format(time.RFC3339))
}

// CheckoutResult is returned after a checkout session is opened.
type CheckoutResult struct {
	PaymentID  string
	SessionID  string
	SessionURL string
}

// Service orchestrates the payment flows: it owns the guard checks and
// transaction logging around the ledger and delegates provider calls to the
// gateway. All money amounts cross the gateway boundary in minor units; the
// ledger keeps decimal currency units.
type Service struct {
	users        user.Repository
	ledger       *credit.Ledger
	payments     credit.PaymentRepository
	transactions credit.TransactionRepository
	gateway      gateway.Client
	notifier     notify.Notifier
	catalog      *pack.Catalog
	redirectBase string
	cooldown     time.Duration
	metrics      *Metrics
}

// NewService creates the billing service.
func NewService(
	users user.Repository,
	ledger *credit.Ledger,
	payments credit.PaymentRepository,
	transactions credit.TransactionRepository,
	gw gateway.Client,
	notifier notify.Notifier,
	catalog *pack.Catalog,
	redirectBase string,
	cooldown time.Duration,
	metrics *Metrics,
) *Service {
	return &Service{
		users:        users,
		ledger:       ledger,
		payments:     payments,
		transactions: transactions,
		gateway:      gw,
		notifier:     notifier,
		catalog:      catalog,
		redirectBase: redirectBase,
		cooldown:     cooldown,
		metrics:      metrics,
	}
}

// Packs returns the purchasable catalog.
func (s *Service) Packs() []pack.Pack {
	return s.catalog.ListAvailable()
}

// CreateCheckoutSession validates the account, creates a PENDING payment and
// opens a hosted checkout session for the requested pack. The account state
// is read fresh on every call; a ban or missing validation at purchase time
// rejects the request regardless of any earlier state.
func (s *Service) CreateCheckoutSession(ctx context.Context, userID, planType string) (*CheckoutResult, error) {
	u, err := s.users.GetByID(userID)
	if err != nil {
		return nil, err
	}
	if u.Banned {
		return nil, ErrUserBanned
	}
	if !u.KYCVerified {
		return nil, ErrAccountNotValidated
	}

	home, search := u.Links()
	intent, err := s.ledger.EnsureIntent(ctx, userID, credit.IntentLinks{HomeID: home, SearchID: search})
	if err != nil {
		return nil, err
	}

	now := time.Now()
	if intent.CooldownActive(now) {
		return nil, &CooldownActiveError{Until: *intent.RefundCooldownUntil}
	}

	p, err := s.catalog.ByPlanType(planType)
	if err != nil {
		return nil, err
	}

	payment := &credit.Payment{
		IntentID:       intent.ID,
		UserID:         userID,
		PlanType:       p.PlanType,
		MatchesInitial: p.MatchCount,
		AmountBase:     p.BaseAmount,
		AmountFees:     p.Fees,
		AmountTotal:    p.TotalAmount,
		PricePerUnit:   p.PricePerUnit,
		Currency:       p.Currency,
		Status:         credit.PaymentPending,
	}
	if err := s.payments.Insert(payment); err != nil {
		return nil, err
	}

	session, err := s.gateway.CreateCheckoutSession(ctx, &gateway.SessionParams{
		PaymentID:        payment.ID,
		UserID:           userID,
		UserEmail:        u.Email,
		PlanType:         p.PlanType,
		ProductName:      fmt.Sprintf("%s pack (%d matches)", p.Label, p.MatchCount),
		AmountTotalMinor: toMinorUnits(p.TotalAmount),
		Currency:         p.Currency,
		SuccessURL:       s.redirectBase + "/payments/success",
		CancelURL:        s.redirectBase + "/payments/cancel",
	})
	if err != nil {
		return nil, fmt.Errorf("open checkout session: %w", err)
	}

	payment.SessionID = &session.ID
	if err := s.payments.Update(payment); err != nil {
		return nil, err
	}

	tx := &credit.Transaction{
		PaymentID:        payment.ID,
		UserID:           userID,
		Type:             credit.TxPaymentCreated,
		Status:           "pending",
		ExternalObjectID: &session.ID,
		Amount:           p.TotalAmount,
		Currency:         p.Currency,
		Metadata:         map[string]string{"plan_type": p.PlanType},
	}
	if err := s.transactions.Insert(tx); err != nil {
		slog.ErrorContext(ctx, "failed to record checkout transaction", "payment_id", payment.ID, "error", err)
	}

	if s.metrics != nil {
		s.metrics.IncCheckoutsCreated(p.PlanType)
	}
	slog.InfoContext(ctx, "checkout session created",
		"user_id", userID, "payment_id", payment.ID, "session_id", session.ID, "plan_type", p.PlanType)

	return &CheckoutResult{
		PaymentID:  payment.ID,
		SessionID:  session.ID,
		SessionURL: session.URL,
	}, nil
}

// Summary returns the user's match-credit projection.
func (s *Service) Summary(ctx context.Context, userID string) (*credit.MatchingSummary, error) {
	return s.ledger.Summary(ctx, userID)
}

// SessionPayment returns the payment backing a checkout session, scoped to
// the requesting user.
func (s *Service) SessionPayment(ctx context.Context, userID, sessionID string) (*credit.Payment, error) {
	payment, err := s.payments.GetBySessionID(sessionID)
	if err != nil {
		return nil, err
	}
	if payment.UserID != userID {
		return nil, credit.ErrPaymentNotFound
	}
	return payment, nil
}

// ConsumeMatchCredit spends one credit for the user, FIFO across payments.
// Returns false when the user has no intent or no remaining credit.
func (s *Service) ConsumeMatchCredit(ctx context.Context, userID string) (bool, error) {
	intent, err := s.ledger.EnsureIntent(ctx, userID, credit.IntentLinks{})
	if err != nil {
		return false, err
	}

	consumed, err := s.ledger.ConsumeCredit(ctx, intent.ID)
	if err != nil {
		return false, err
	}
	if consumed && s.metrics != nil {
		s.metrics.IncCreditsConsumed()
	}
	return consumed, nil
}

// RequestRefund refunds all unused credit across the user's payments in FIFO
// order. On any provider success it records a REFUND_REQUESTED transaction
// per payment and notifies the user after the ledger has committed.
func (s *Service) RequestRefund(ctx context.Context, userID string) (*credit.RefundResult, error) {
	u, err := s.users.GetByID(userID)
	if err != nil {
		return nil, err
	}

	home, search := u.Links()
	intent, err := s.ledger.EnsureIntent(ctx, userID, credit.IntentLinks{HomeID: home, SearchID: search})
	if err != nil {
		return nil, err
	}

	result, err := s.ledger.ExecuteRefund(ctx, intent.ID, time.Now(), s.cooldown,
		func(p *credit.Payment, amount decimal.Decimal) (string, error) {
			refund, err := s.gateway.CreateRefund(ctx, *p.ChargeID, toMinorUnits(amount), map[string]string{
				"payment_id": p.ID,
				"user_id":    userID,
			})
			if err != nil {
				slog.ErrorContext(ctx, "provider refund failed",
					"payment_id", p.ID, "charge_id", *p.ChargeID, "error", err)
				return "", err
			}
			return refund.ID, nil
		})
	if err != nil {
		if s.metrics != nil && !errors.Is(err, credit.ErrNothingToRefund) {
			s.metrics.IncRefunds(OutcomeFailed)
		}
		return nil, err
	}

	for _, r := range result.Refunds {
		refundID := r.RefundID
		tx := &credit.Transaction{
			PaymentID:        r.PaymentID,
			UserID:           userID,
			Type:             credit.TxRefundRequested,
			Status:           "pending",
			ExternalObjectID: &refundID,
			Amount:           r.Amount,
			Currency:         r.Currency,
			Metadata:         map[string]string{"units": fmt.Sprintf("%d", r.Units)},
		}
		if err := s.transactions.Insert(tx); err != nil {
			slog.ErrorContext(ctx, "failed to record refund transaction", "payment_id", r.PaymentID, "error", err)
		}
	}

	if s.metrics != nil {
		for range result.Refunds {
			s.metrics.IncRefunds(OutcomeSucceeded)
		}
		for i := 0; i < result.Failed; i++ {
			s.metrics.IncRefunds(OutcomeFailed)
		}
	}

	if result.RefundedMatches > 0 {
		slog.InfoContext(ctx, "refund batch executed",
			"user_id", userID,
			"refunded_matches", result.RefundedMatches,
			"refunded_amount", result.RefundedAmount.StringFixed(2),
			"failed_attempts", result.Failed)

		notify.Async(s.notifier, notify.Message{
			To:      u.Email,
			Subject: "Your refund request was submitted",
			Body: fmt.Sprintf("We have requested a refund of %s %s for %d unused match credits. "+
				"The amount will reach your account once the payment provider settles it.",
				result.RefundedAmount.StringFixed(2), pack.Currency, result.RefundedMatches),
		})
	}

	return result, nil
}

// toMinorUnits converts a decimal currency amount to provider minor units.
func toMinorUnits(amount decimal.Decimal) int64 {
	return amount.Mul(decimal.NewFromInt(100)).Round(0).IntPart()
}

// fromMinorUnits converts provider minor units back to a decimal amount.
func fromMinorUnits(minor int64) decimal.Decimal {
	return decimal.NewFromInt(minor).Div(decimal.NewFromInt(100))
}
