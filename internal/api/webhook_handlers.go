package api

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"

	"github.com/maisonswap/maisonswap/internal/billing"
	"github.com/maisonswap/maisonswap/internal/gateway"
	"github.com/maisonswap/maisonswap/internal/middleware"
)

// maxWebhookBodySize limits webhook payloads to 64KB to prevent memory exhaustion.
const maxWebhookBodySize = 64 * 1024

// WebhookHandlers receives provider webhook deliveries. The two endpoints
// carry distinct signing secrets; a delivery signed for one endpoint does not
// verify on the other.
//
// After signature verification succeeds, the endpoint always responds 200 no
// matter what happens internally. Anything else would make the provider
// retry deliveries we have already claimed by event id.
type WebhookHandlers struct {
	service        *billing.Service
	checkoutSecret string
	refundSecret   string
}

// NewWebhookHandlers creates a new webhook handler.
func NewWebhookHandlers(service *billing.Service, checkoutSecret, refundSecret string) *WebhookHandlers {
	return &WebhookHandlers{
		service:        service,
		checkoutSecret: checkoutSecret,
		refundSecret:   refundSecret,
	}
}

// webhookAck is the acknowledgement body sent for every accepted delivery.
type webhookAck struct {
	Received bool `json:"received"`
}

// HandleCheckout handles POST /webhooks/checkout.
// Receives checkout.session.* and invoice.payment_failed events.
func (h *WebhookHandlers) HandleCheckout(w http.ResponseWriter, r *http.Request) {
	h.handle(w, r, h.checkoutSecret, h.service.HandleCheckoutEvent)
}

// HandleRefund handles POST /webhooks/refund.
// Receives refund.updated events, including late failures of refunds already
// applied optimistically.
func (h *WebhookHandlers) HandleRefund(w http.ResponseWriter, r *http.Request) {
	h.handle(w, r, h.refundSecret, h.service.HandleRefundEvent)
}

func (h *WebhookHandlers) handle(w http.ResponseWriter, r *http.Request, secret string, apply func(ctx context.Context, event *gateway.Event)) {
	if r.Method != http.MethodPost {
		ctx := middleware.SetErrorCode(r.Context(), ErrCodeBadRequest)
		WriteError(w, ctx, http.StatusMethodNotAllowed, ErrCodeBadRequest, "Method not allowed")
		return
	}

	// The signature is computed over the raw bytes; the body must not be
	// parsed before verification.
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBodySize))
	if err != nil {
		ctx := middleware.SetErrorCode(r.Context(), ErrCodeBadRequest)
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeBadRequest, "Failed to read request body")
		return
	}
	if len(body) == 0 {
		ctx := middleware.SetErrorCode(r.Context(), ErrCodeBadRequest)
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeBadRequest, "Empty request body")
		return
	}

	sigHeader := r.Header.Get("Stripe-Signature")
	if sigHeader == "" {
		ctx := middleware.SetErrorCode(r.Context(), ErrCodeBadRequest)
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeBadRequest, "Missing signature header")
		return
	}

	event, err := gateway.VerifyEvent(body, sigHeader, secret)
	if err != nil {
		slog.WarnContext(r.Context(), "webhook signature verification failed",
			"path", r.URL.Path, "error", err)
		ctx := middleware.SetErrorCode(r.Context(), ErrCodeBadRequest)
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeBadRequest, "Invalid signature")
		return
	}

	// From here on the delivery is acknowledged regardless of outcome.
	apply(r.Context(), event)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(webhookAck{Received: true}); err != nil {
		slog.ErrorContext(r.Context(), "failed to encode webhook acknowledgement", "error", err)
	}
}
