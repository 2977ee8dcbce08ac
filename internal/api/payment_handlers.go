package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/maisonswap/maisonswap/internal/billing"
	"github.com/maisonswap/maisonswap/internal/credit"
	"github.com/maisonswap/maisonswap/internal/middleware"
	"github.com/maisonswap/maisonswap/internal/pack"
	"github.com/maisonswap/maisonswap/internal/user"
)

// PaymentHandlers serves the authenticated payment flows: checkout, summary,
// refund and the internal credit-consumption endpoint.
type PaymentHandlers struct {
	service *billing.Service
}

// NewPaymentHandlers creates a new payment handler.
func NewPaymentHandlers(service *billing.Service) *PaymentHandlers {
	return &PaymentHandlers{service: service}
}

// CreateCheckoutRequest represents the request to open a checkout session.
type CreateCheckoutRequest struct {
	PlanType string `json:"plan_type"`
}

// CreateCheckoutResponse represents the response after a session is opened.
type CreateCheckoutResponse struct {
	PaymentID string `json:"payment_id"`
	SessionID string `json:"session_id"`
	URL       string `json:"url"`
}

// CreateCheckout handles POST /payments/checkout.
// Opens a hosted checkout session for the requested pack. Account guards
// (ban, identity validation, refund cooldown) are re-evaluated on every call.
func (h *PaymentHandlers) CreateCheckout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		ctx := middleware.SetErrorCode(r.Context(), ErrCodeBadRequest)
		WriteError(w, ctx, http.StatusMethodNotAllowed, ErrCodeBadRequest, "Method not allowed")
		return
	}

	userID := middleware.GetUserID(r.Context())
	if userID == "" {
		ctx := middleware.SetErrorCode(r.Context(), ErrCodeUnauthorized)
		WriteError(w, ctx, http.StatusUnauthorized, ErrCodeUnauthorized, "Authentication required")
		return
	}

	var req CreateCheckoutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		ctx := middleware.SetErrorCode(r.Context(), ErrCodeValidation)
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeValidation, "Invalid request body")
		return
	}
	if req.PlanType == "" {
		ctx := middleware.SetErrorCode(r.Context(), ErrCodeValidation)
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeValidation, "plan_type is required")
		return
	}

	result, err := h.service.CreateCheckoutSession(r.Context(), userID, req.PlanType)
	if err != nil {
		h.writeCheckoutError(w, r, userID, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(CreateCheckoutResponse{
		PaymentID: result.PaymentID,
		SessionID: result.SessionID,
		URL:       result.SessionURL,
	}); err != nil {
		slog.ErrorContext(r.Context(), "failed to encode checkout response", "error", err)
	}
}

func (h *PaymentHandlers) writeCheckoutError(w http.ResponseWriter, r *http.Request, userID string, err error) {
	var cooldownErr *billing.CooldownActiveError
	switch {
	case errors.Is(err, user.ErrUserNotFound):
		ctx := middleware.SetErrorCode(r.Context(), ErrCodeUnauthorized)
		WriteError(w, ctx, http.StatusUnauthorized, ErrCodeUnauthorized, "Unknown user")
	case errors.Is(err, billing.ErrUserBanned):
		ctx := middleware.SetErrorCode(r.Context(), ErrCodeUserBanned)
		WriteError(w, ctx, StatusCodeMapping(ErrCodeUserBanned), ErrCodeUserBanned,
			"This account is not allowed to purchase credit packs")
	case errors.Is(err, billing.ErrAccountNotValidated):
		ctx := middleware.SetErrorCode(r.Context(), ErrCodeAccountNotValidated)
		WriteError(w, ctx, StatusCodeMapping(ErrCodeAccountNotValidated), ErrCodeAccountNotValidated,
			"Your account must be validated before purchasing")
	case errors.Is(err, pack.ErrUnknownPlan):
		ctx := middleware.SetErrorCode(r.Context(), ErrCodeUnknownPlan)
		WriteError(w, ctx, StatusCodeMapping(ErrCodeUnknownPlan), ErrCodeUnknownPlan, "Unknown plan type")
	case errors.As(err, &cooldownErr):
		ctx := middleware.SetErrorCode(r.Context(), ErrCodeRefundCooldownActive)
		WriteErrorDetail(w, ctx, StatusCodeMapping(ErrCodeRefundCooldownActive), ErrorDetail{
			Code:          ErrCodeRefundCooldownActive,
			Message:       "A recent refund blocks new purchases until the cooldown elapses",
			CooldownUntil: cooldownErr.Until.UTC().Format(time.RFC3339),
		})
	default:
		slog.ErrorContext(r.Context(), "failed to create checkout session", "user_id", userID, "error", err)
		ctx := middleware.SetErrorCode(r.Context(), ErrCodeInternal)
		WriteError(w, ctx, http.StatusInternalServerError, ErrCodeInternal, "Failed to create checkout session")
	}
}

// Summary handles GET /payments/summary.
// Returns the caller's match-credit projection. Users with no intent yet get
// an all-zero summary rather than an error.
func (h *PaymentHandlers) Summary(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		ctx := middleware.SetErrorCode(r.Context(), ErrCodeBadRequest)
		WriteError(w, ctx, http.StatusMethodNotAllowed, ErrCodeBadRequest, "Method not allowed")
		return
	}

	userID := middleware.GetUserID(r.Context())
	if userID == "" {
		ctx := middleware.SetErrorCode(r.Context(), ErrCodeUnauthorized)
		WriteError(w, ctx, http.StatusUnauthorized, ErrCodeUnauthorized, "Authentication required")
		return
	}

	summary, err := h.service.Summary(r.Context(), userID)
	if err != nil {
		slog.ErrorContext(r.Context(), "failed to compute matching summary", "user_id", userID, "error", err)
		ctx := middleware.SetErrorCode(r.Context(), ErrCodeInternal)
		WriteError(w, ctx, http.StatusInternalServerError, ErrCodeInternal, "Failed to compute summary")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(summary); err != nil {
		slog.ErrorContext(r.Context(), "failed to encode summary response", "error", err)
	}
}

// SessionPaymentResponse represents the post-redirect session status.
type SessionPaymentResponse struct {
	PaymentID string               `json:"payment_id"`
	PlanType  string               `json:"plan_type"`
	Status    credit.PaymentStatus `json:"status"`
	Amount    string               `json:"amount"`
	Currency  string               `json:"currency"`
	Matches   int                  `json:"matches"`
}

// SessionPayment handles GET /payments/session/{id}.
// Serves the success page poll after the provider redirect. The payment is
// scoped to the caller; someone else's session id reads as not found.
func (h *PaymentHandlers) SessionPayment(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		ctx := middleware.SetErrorCode(r.Context(), ErrCodeBadRequest)
		WriteError(w, ctx, http.StatusMethodNotAllowed, ErrCodeBadRequest, "Method not allowed")
		return
	}

	userID := middleware.GetUserID(r.Context())
	if userID == "" {
		ctx := middleware.SetErrorCode(r.Context(), ErrCodeUnauthorized)
		WriteError(w, ctx, http.StatusUnauthorized, ErrCodeUnauthorized, "Authentication required")
		return
	}

	sessionID := strings.TrimPrefix(r.URL.Path, "/payments/session/")
	if sessionID == "" || strings.Contains(sessionID, "/") {
		ctx := middleware.SetErrorCode(r.Context(), ErrCodeValidation)
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeValidation, "Session ID is required")
		return
	}

	payment, err := h.service.SessionPayment(r.Context(), userID, sessionID)
	if err != nil {
		if errors.Is(err, credit.ErrPaymentNotFound) {
			ctx := middleware.SetErrorCode(r.Context(), ErrCodeNotFound)
			WriteError(w, ctx, http.StatusNotFound, ErrCodeNotFound, "Session not found")
			return
		}
		slog.ErrorContext(r.Context(), "failed to load session payment", "session_id", sessionID, "error", err)
		ctx := middleware.SetErrorCode(r.Context(), ErrCodeInternal)
		WriteError(w, ctx, http.StatusInternalServerError, ErrCodeInternal, "Failed to load session")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(SessionPaymentResponse{
		PaymentID: payment.ID,
		PlanType:  payment.PlanType,
		Status:    payment.Status,
		Amount:    payment.AmountTotal.StringFixed(2),
		Currency:  payment.Currency,
		Matches:   payment.MatchesInitial,
	}); err != nil {
		slog.ErrorContext(r.Context(), "failed to encode session response", "error", err)
	}
}

// RefundResponse represents the outcome of a refund batch.
type RefundResponse struct {
	Success         bool   `json:"success"`
	Message         string `json:"message"`
	RefundedAmount  string `json:"refunded_amount"`
	MatchesRefunded int    `json:"matches_refunded"`
	FailedAttempts  int    `json:"failed_attempts,omitempty"`
}

// RequestRefund handles POST /payments/refund.
// Refunds all unused credit across the caller's payments, oldest first.
func (h *PaymentHandlers) RequestRefund(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		ctx := middleware.SetErrorCode(r.Context(), ErrCodeBadRequest)
		WriteError(w, ctx, http.StatusMethodNotAllowed, ErrCodeBadRequest, "Method not allowed")
		return
	}

	userID := middleware.GetUserID(r.Context())
	if userID == "" {
		ctx := middleware.SetErrorCode(r.Context(), ErrCodeUnauthorized)
		WriteError(w, ctx, http.StatusUnauthorized, ErrCodeUnauthorized, "Authentication required")
		return
	}

	result, err := h.service.RequestRefund(r.Context(), userID)
	if err != nil {
		var lockErr *credit.MatchingInProgressError
		switch {
		case errors.Is(err, user.ErrUserNotFound):
			ctx := middleware.SetErrorCode(r.Context(), ErrCodeUnauthorized)
			WriteError(w, ctx, http.StatusUnauthorized, ErrCodeUnauthorized, "Unknown user")
		case errors.As(err, &lockErr):
			retryAfter := int(time.Until(lockErr.Until).Seconds())
			if retryAfter < 1 {
				retryAfter = 1
			}
			ctx := middleware.SetErrorCode(r.Context(), ErrCodeMatchingInProgress)
			WriteErrorDetail(w, ctx, StatusCodeMapping(ErrCodeMatchingInProgress), ErrorDetail{
				Code:       ErrCodeMatchingInProgress,
				Message:    "A matching run is in progress; retry once it completes",
				RetryAfter: retryAfter,
			})
		case errors.Is(err, credit.ErrNothingToRefund):
			ctx := middleware.SetErrorCode(r.Context(), ErrCodeNothingToRefund)
			WriteError(w, ctx, StatusCodeMapping(ErrCodeNothingToRefund), ErrCodeNothingToRefund,
				"No refundable credit on this account")
		default:
			slog.ErrorContext(r.Context(), "refund request failed", "user_id", userID, "error", err)
			ctx := middleware.SetErrorCode(r.Context(), ErrCodeInternal)
			WriteError(w, ctx, http.StatusInternalServerError, ErrCodeInternal, "Failed to process refund")
		}
		return
	}

	message := fmt.Sprintf("Refunded %d unused match credits", result.RefundedMatches)
	if result.Failed > 0 {
		message = fmt.Sprintf("Refunded %d unused match credits; %d payments could not be refunded",
			result.RefundedMatches, result.Failed)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(RefundResponse{
		Success:         true,
		Message:         message,
		RefundedAmount:  result.RefundedAmount.StringFixed(2),
		MatchesRefunded: result.RefundedMatches,
		FailedAttempts:  result.Failed,
	}); err != nil {
		slog.ErrorContext(r.Context(), "failed to encode refund response", "error", err)
	}
}

// ConsumeCreditRequest represents the matching engine's consumption request.
type ConsumeCreditRequest struct {
	UserID string `json:"user_id"`
}

// ConsumeCreditResponse reports whether a credit was spent.
type ConsumeCreditResponse struct {
	Consumed bool `json:"consumed"`
}

// ConsumeCredit handles POST /internal/matching/consume.
// Called by the matching engine when a swap match is confirmed. Spends one
// credit FIFO across the user's payments; consumed=false means the user has
// no remaining credit and the match must not proceed.
func (h *PaymentHandlers) ConsumeCredit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		ctx := middleware.SetErrorCode(r.Context(), ErrCodeBadRequest)
		WriteError(w, ctx, http.StatusMethodNotAllowed, ErrCodeBadRequest, "Method not allowed")
		return
	}

	var req ConsumeCreditRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		ctx := middleware.SetErrorCode(r.Context(), ErrCodeValidation)
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeValidation, "Invalid request body")
		return
	}
	if req.UserID == "" {
		ctx := middleware.SetErrorCode(r.Context(), ErrCodeValidation)
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeValidation, "user_id is required")
		return
	}

	consumed, err := h.service.ConsumeMatchCredit(r.Context(), req.UserID)
	if err != nil {
		slog.ErrorContext(r.Context(), "credit consumption failed", "user_id", req.UserID, "error", err)
		ctx := middleware.SetErrorCode(r.Context(), ErrCodeInternal)
		WriteError(w, ctx, http.StatusInternalServerError, ErrCodeInternal, "Failed to consume credit")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(ConsumeCreditResponse{Consumed: consumed}); err != nil {
		slog.ErrorContext(r.Context(), "failed to encode consume response", "error", err)
	}
}

// RedirectResponse is served on the provider redirect landing routes.
type RedirectResponse struct {
	Status    string `json:"status"`
	SessionID string `json:"session_id,omitempty"`
}

// CheckoutSuccess handles GET /payments/success.
// Landing route for the provider redirect. The session outcome is still
// pending until the webhook lands; clients poll /payments/session/{id}.
func (h *PaymentHandlers) CheckoutSuccess(w http.ResponseWriter, r *http.Request) {
	h.writeRedirect(w, r, "success")
}

// CheckoutCancel handles GET /payments/cancel.
func (h *PaymentHandlers) CheckoutCancel(w http.ResponseWriter, r *http.Request) {
	h.writeRedirect(w, r, "canceled")
}

func (h *PaymentHandlers) writeRedirect(w http.ResponseWriter, r *http.Request, status string) {
	if r.Method != http.MethodGet {
		ctx := middleware.SetErrorCode(r.Context(), ErrCodeBadRequest)
		WriteError(w, ctx, http.StatusMethodNotAllowed, ErrCodeBadRequest, "Method not allowed")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(RedirectResponse{
		Status:    status,
		SessionID: r.URL.Query().Get("session_id"),
	}); err != nil {
		slog.ErrorContext(r.Context(), "failed to encode redirect response", "error", err)
	}
}
