/**
 * @description
 * Thin wrapper around the Stripe API for the three calls the funding service makes:
 * open a PaymentIntent for a contribution, cancel one that will never be applied,
 * and refund a captured charge.
 *
 * @notes
 * - Amounts are minor units (cents). Callers convert with domain.ToMinorUnits.
 * - Every mutating call carries an idempotency key so retries never double charge.
 */
package paymentclient

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/stripe/stripe-go/v82"
)

// ErrNotConfigured is returned by Unconfigured for every call.
var ErrNotConfigured = errors.New("payment processor is not configured")

// Metadata keys written on every PaymentIntent.
const (
	MetadataEventID       = "event_id"
	MetadataContributorID = "contributor_id"
	MetadataAmount        = "contribution_amount"
)

// IntentParams describes the charge for one contribution.
type IntentParams struct {
	AmountMinor    int64
	Currency       string
	EventID        string
	ContributorID  string
	Contribution   string
	Description    string
	IdempotencyKey string
}

// Intent is the processor's handle on an opened payment.
type Intent struct {
	Reference    string
	ClientSecret string
	Status       string
}

// RefundParams describes a refund of a captured payment.
type RefundParams struct {
	PaymentReference string
	AmountMinor      int64
	Reason           string
	IdempotencyKey   string
}

// Refund is the processor's record of a refund.
type Refund struct {
	ID     string
	Status string
}

// StripeClient implements the payment processor calls against Stripe.
type StripeClient struct {
	client *stripe.Client
}

// NewStripeClient builds a client for secretKey. backends may be nil; tests pass
// backends that point at an httptest server.
func NewStripeClient(secretKey string, backends *stripe.Backends) *StripeClient {
	if backends != nil {
		return &StripeClient{client: stripe.NewClient(secretKey, stripe.WithBackends(backends))}
	}
	return &StripeClient{client: stripe.NewClient(secretKey)}
}

func (c *StripeClient) CreatePaymentIntent(ctx context.Context, params IntentParams) (*Intent, error) {
	if params.AmountMinor <= 0 {
		return nil, fmt.Errorf("payment intent amount must be positive, got %d", params.AmountMinor)
	}
	currency := strings.ToLower(strings.TrimSpace(params.Currency))
	if currency == "" {
		currency = string(stripe.CurrencyUSD)
	}

	createParams := &stripe.PaymentIntentCreateParams{
		Amount:   stripe.Int64(params.AmountMinor),
		Currency: stripe.String(currency),
		AutomaticPaymentMethods: &stripe.PaymentIntentCreateAutomaticPaymentMethodsParams{
			Enabled: stripe.Bool(true),
		},
		Metadata: map[string]string{
			MetadataEventID:       params.EventID,
			MetadataContributorID: params.ContributorID,
			MetadataAmount:        params.Contribution,
		},
	}
	if desc := strings.TrimSpace(params.Description); desc != "" {
		createParams.Description = stripe.String(desc)
	}
	if key := strings.TrimSpace(params.IdempotencyKey); key != "" {
		createParams.SetIdempotencyKey(key)
	}

	pi, err := c.client.V1PaymentIntents.Create(ctx, createParams)
	if err != nil {
		return nil, fmt.Errorf("stripe create payment intent: %w", err)
	}
	return &Intent{Reference: pi.ID, ClientSecret: pi.ClientSecret, Status: string(pi.Status)}, nil
}

// CancelPaymentIntent cancels an uncaptured intent. The funding reason is only logged;
// Stripe records every cancellation from this service as abandoned.
func (c *StripeClient) CancelPaymentIntent(ctx context.Context, reference, reason string) error {
	params := &stripe.PaymentIntentCancelParams{
		CancellationReason: stripe.String(string(stripe.PaymentIntentCancellationReasonAbandoned)),
	}
	log.Printf("level=info component=payment_client msg=\"cancelling payment intent\" payment_reference=%s reason=%q", reference, reason)
	if _, err := c.client.V1PaymentIntents.Cancel(ctx, reference, params); err != nil {
		return fmt.Errorf("stripe cancel payment intent %s: %w", reference, err)
	}
	return nil
}

// RefundPayment refunds AmountMinor of the payment. Zero refunds the full charge.
func (c *StripeClient) RefundPayment(ctx context.Context, params RefundParams) (*Refund, error) {
	refundParams := &stripe.RefundCreateParams{
		PaymentIntent: stripe.String(params.PaymentReference),
		Reason:        stripe.String(string(stripe.RefundReasonRequestedByCustomer)),
	}
	if params.AmountMinor > 0 {
		refundParams.Amount = stripe.Int64(params.AmountMinor)
	}
	if reason := strings.TrimSpace(params.Reason); reason != "" {
		refundParams.AddMetadata("funding_reason", reason)
	}
	if key := strings.TrimSpace(params.IdempotencyKey); key != "" {
		refundParams.SetIdempotencyKey(key)
	}

	refund, err := c.client.V1Refunds.Create(ctx, refundParams)
	if err != nil {
		return nil, fmt.Errorf("stripe refund %s: %w", params.PaymentReference, err)
	}
	return &Refund{ID: refund.ID, Status: string(refund.Status)}, nil
}

// Unconfigured is used when no Stripe key is set. Every call fails, so payment
// endpoints answer with an error instead of the service refusing to boot.
type Unconfigured struct{}

func (Unconfigured) CreatePaymentIntent(ctx context.Context, params IntentParams) (*Intent, error) {
	log.Printf("level=warn component=payment_client mode=unconfigured msg=\"create payment intent rejected\" event_id=%s", params.EventID)
	return nil, ErrNotConfigured
}

func (Unconfigured) CancelPaymentIntent(ctx context.Context, reference, reason string) error {
	return ErrNotConfigured
}

func (Unconfigured) RefundPayment(ctx context.Context, params RefundParams) (*Refund, error) {
	log.Printf("level=warn component=payment_client mode=unconfigured msg=\"refund rejected\" payment_reference=%s", params.PaymentReference)
	return nil, ErrNotConfigured
}
