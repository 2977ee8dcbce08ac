package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/maisonswap/maisonswap/internal/billing"
	"github.com/maisonswap/maisonswap/internal/credit"
	"github.com/maisonswap/maisonswap/internal/gateway"
	"github.com/maisonswap/maisonswap/internal/middleware"
	"github.com/maisonswap/maisonswap/internal/notify"
	"github.com/maisonswap/maisonswap/internal/pack"
	"github.com/maisonswap/maisonswap/internal/user"
)

const (
	testCheckoutSecret = "whsec_checkout_test_secret"
	testRefundSecret   = "whsec_refund_test_secret"
)

// apiFixture wires the billing service with in-memory repositories and the
// mock gateway, the same composition main uses when no provider key is set.
type apiFixture struct {
	users        *user.InMemoryRepository
	intents      *credit.InMemoryIntentRepository
	payments     *credit.InMemoryPaymentRepository
	transactions *credit.InMemoryTransactionRepository
	ledger       *credit.Ledger
	gw           *gateway.Mock
	notifier     *notify.Recording
	service      *billing.Service

	payment *PaymentHandlers
	webhook *WebhookHandlers
	packs   *PackHandlers
	userID  string
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()

	f := &apiFixture{
		users:        user.NewInMemoryRepository(),
		intents:      credit.NewInMemoryIntentRepository(),
		payments:     credit.NewInMemoryPaymentRepository(),
		transactions: credit.NewInMemoryTransactionRepository(),
		gw:           gateway.NewMock(),
		notifier:     notify.NewRecording(),
	}
	f.ledger = credit.NewLedger(f.intents, f.payments)

	home := "home-1"
	search := "search-1"
	u := &user.User{
		Email:       "marie@example.com",
		KYCVerified: true,
		HomeID:      &home,
		SearchID:    &search,
	}
	if err := f.users.Insert(u); err != nil {
		t.Fatalf("insert user: %v", err)
	}
	f.userID = u.ID

	catalog := pack.NewCatalog(5.0)
	f.service = billing.NewService(
		f.users, f.ledger, f.payments, f.transactions,
		f.gw, f.notifier, catalog,
		"https://app.example.com", 30*24*time.Hour, nil,
	)

	f.payment = NewPaymentHandlers(f.service)
	f.webhook = NewWebhookHandlers(f.service, testCheckoutSecret, testRefundSecret)
	f.packs = NewPackHandlers(catalog)
	return f
}

// authedRequest builds a request carrying the given user id, as the auth
// middleware would after validating a token.
func authedRequest(method, path string, body io.Reader, userID string) *http.Request {
	req := httptest.NewRequest(method, path, body)
	if userID != "" {
		req = req.WithContext(middleware.SetUserID(req.Context(), userID))
	}
	return req
}

func jsonBody(t *testing.T, v any) *bytes.Reader {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal body: %v", err)
	}
	return bytes.NewReader(data)
}

func decodeErrorResponse(t *testing.T, w *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var resp ErrorResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode error response: %v", err)
	}
	return resp
}

// completePurchase runs a checkout and applies the completion event,
// leaving the user with a succeeded payment for the plan.
func (f *apiFixture) completePurchase(t *testing.T, planType string) *credit.Payment {
	t.Helper()

	result, err := f.service.CreateCheckoutSession(context.Background(), f.userID, planType)
	if err != nil {
		t.Fatalf("CreateCheckoutSession(%s): %v", planType, err)
	}
	if _, ok := f.gw.CompleteSession(result.SessionID); !ok {
		t.Fatalf("CompleteSession(%s): unknown session", result.SessionID)
	}

	f.service.HandleCheckoutEvent(context.Background(), &gateway.Event{
		ID:      "evt_" + result.SessionID,
		Type:    "checkout.session.completed",
		Kind:    gateway.EventCheckoutCompleted,
		Session: &gateway.SessionData{ID: result.SessionID},
	})

	payment, err := f.payments.GetByID(result.PaymentID)
	if err != nil {
		t.Fatalf("GetByID(%s): %v", result.PaymentID, err)
	}
	if payment.Status != credit.PaymentSucceeded {
		t.Fatalf("payment status = %s, want SUCCEEDED", payment.Status)
	}
	return payment
}
