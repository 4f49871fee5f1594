package paymentclient

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v82"
)

type recordedRequest struct {
	method         string
	path           string
	form           url.Values
	idempotencyKey string
}

// fakeStripe answers the three endpoints the client calls and records every request.
type fakeStripe struct {
	*httptest.Server
	mu       sync.Mutex
	requests []recordedRequest
}

func newFakeStripe(t *testing.T) *fakeStripe {
	t.Helper()
	f := &fakeStripe{}
	f.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, r.ParseForm())
		f.mu.Lock()
		f.requests = append(f.requests, recordedRequest{
			method:         r.Method,
			path:           r.URL.Path,
			form:           r.PostForm,
			idempotencyKey: r.Header.Get("Idempotency-Key"),
		})
		f.mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		switch {
		case r.URL.Path == "/v1/payment_intents" && r.PostForm.Get("amount") == "666":
			w.WriteHeader(http.StatusPaymentRequired)
			_, _ = w.Write([]byte(`{"error": {"type": "card_error", "code": "amount_too_small", "message": "declined"}}`))
		case r.URL.Path == "/v1/payment_intents":
			_, _ = w.Write([]byte(`{"id": "pi_123", "object": "payment_intent", "client_secret": "pi_123_secret_abc", "status": "requires_payment_method"}`))
		case r.URL.Path == "/v1/payment_intents/pi_123/cancel":
			_, _ = w.Write([]byte(`{"id": "pi_123", "object": "payment_intent", "status": "canceled"}`))
		case r.URL.Path == "/v1/refunds":
			_, _ = w.Write([]byte(`{"id": "re_456", "object": "refund", "status": "succeeded"}`))
		default:
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"error": {"type": "invalid_request_error", "message": "unknown path"}}`))
		}
	}))
	t.Cleanup(f.Close)
	return f
}

func (f *fakeStripe) client() *StripeClient {
	return NewStripeClient("sk_test_fake", stripe.NewBackendsWithConfig(&stripe.BackendConfig{
		URL:               stripe.String(f.URL),
		HTTPClient:        f.Server.Client(),
		MaxNetworkRetries: stripe.Int64(0),
		LeveledLogger:     &stripe.LeveledLogger{Level: stripe.LevelNull},
	}))
}

func (f *fakeStripe) last(t *testing.T) recordedRequest {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.requests)
	return f.requests[len(f.requests)-1]
}

func TestStripeClientCreatePaymentIntent(t *testing.T) {
	fake := newFakeStripe(t)

	intent, err := fake.client().CreatePaymentIntent(context.Background(), IntentParams{
		AmountMinor:    1059,
		Currency:       " USD ",
		EventID:        "evt-uuid",
		ContributorID:  "user_1",
		Contribution:   "10.00",
		Description:    "Contribution to Birthday portfolio",
		IdempotencyKey: "intent-evt-uuid-user_1-key-1",
	})
	require.NoError(t, err)
	assert.Equal(t, "pi_123", intent.Reference)
	assert.Equal(t, "pi_123_secret_abc", intent.ClientSecret)
	assert.Equal(t, "requires_payment_method", intent.Status)

	req := fake.last(t)
	assert.Equal(t, http.MethodPost, req.method)
	assert.Equal(t, "/v1/payment_intents", req.path)
	assert.Equal(t, "1059", req.form.Get("amount"))
	assert.Equal(t, "usd", req.form.Get("currency"))
	assert.Equal(t, "true", req.form.Get("automatic_payment_methods[enabled]"))
	assert.Equal(t, "evt-uuid", req.form.Get("metadata[event_id]"))
	assert.Equal(t, "user_1", req.form.Get("metadata[contributor_id]"))
	assert.Equal(t, "10.00", req.form.Get("metadata[contribution_amount]"))
	assert.Equal(t, "Contribution to Birthday portfolio", req.form.Get("description"))
	assert.Equal(t, "intent-evt-uuid-user_1-key-1", req.idempotencyKey)
}

func TestStripeClientCreatePaymentIntentErrors(t *testing.T) {
	fake := newFakeStripe(t)
	client := fake.client()

	_, err := client.CreatePaymentIntent(context.Background(), IntentParams{AmountMinor: 0})
	assert.ErrorContains(t, err, "must be positive")
	assert.Empty(t, fake.requests)

	_, err = client.CreatePaymentIntent(context.Background(), IntentParams{AmountMinor: 666, Currency: "usd"})
	require.Error(t, err)
	assert.ErrorContains(t, err, "stripe create payment intent")
	var stripeErr *stripe.Error
	require.ErrorAs(t, err, &stripeErr)
	assert.Equal(t, http.StatusPaymentRequired, stripeErr.HTTPStatusCode)
}

func TestStripeClientCancelPaymentIntent(t *testing.T) {
	fake := newFakeStripe(t)

	require.NoError(t, fake.client().CancelPaymentIntent(context.Background(), "pi_123", "payment_window_expired"))

	req := fake.last(t)
	assert.Equal(t, "/v1/payment_intents/pi_123/cancel", req.path)
	assert.Equal(t, "abandoned", req.form.Get("cancellation_reason"))

	err := fake.client().CancelPaymentIntent(context.Background(), "pi_missing", "event_cancelled")
	assert.ErrorContains(t, err, "stripe cancel payment intent pi_missing")
}

func TestStripeClientRefundPayment(t *testing.T) {
	fake := newFakeStripe(t)

	refund, err := fake.client().RefundPayment(context.Background(), RefundParams{
		PaymentReference: "pi_123",
		AmountMinor:      1000,
		Reason:           "changed my mind",
		IdempotencyKey:   "refund-contribution-1",
	})
	require.NoError(t, err)
	assert.Equal(t, "re_456", refund.ID)
	assert.Equal(t, "succeeded", refund.Status)

	req := fake.last(t)
	assert.Equal(t, "/v1/refunds", req.path)
	assert.Equal(t, "pi_123", req.form.Get("payment_intent"))
	assert.Equal(t, "1000", req.form.Get("amount"))
	assert.Equal(t, "requested_by_customer", req.form.Get("reason"))
	assert.Equal(t, "changed my mind", req.form.Get("metadata[funding_reason]"))
	assert.Equal(t, "refund-contribution-1", req.idempotencyKey)
}

func TestStripeClientFullRefundOmitsAmount(t *testing.T) {
	fake := newFakeStripe(t)

	_, err := fake.client().RefundPayment(context.Background(), RefundParams{PaymentReference: "pi_123", IdempotencyKey: "uncollectable-pi_123"})
	require.NoError(t, err)

	req := fake.last(t)
	_, hasAmount := req.form["amount"]
	assert.False(t, hasAmount)
	assert.Equal(t, "uncollectable-pi_123", req.idempotencyKey)
}
