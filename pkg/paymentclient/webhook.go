package paymentclient

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"
)

// ErrInvalidSignature is returned when a webhook payload fails verification.
var ErrInvalidSignature = errors.New("invalid webhook signature")

// Outcome is what a webhook means for the contribution behind the intent.
type Outcome string

const (
	OutcomeIgnored   Outcome = ""
	OutcomeSucceeded Outcome = "succeeded"
	OutcomeFailed    Outcome = "failed"
)

// WebhookEvent is a verified Stripe event reduced to the fields the funding
// service acts on.
type WebhookEvent struct {
	ID               string
	Type             string
	Outcome          Outcome
	PaymentReference string
	EventID          string
	ContributorID    string
	FailureReason    string
}

type intentHandler func(pi stripe.PaymentIntent, evt *WebhookEvent)

var intentHandlers = map[string]intentHandler{
	"payment_intent.succeeded": func(pi stripe.PaymentIntent, evt *WebhookEvent) {
		evt.Outcome = OutcomeSucceeded
	},
	"payment_intent.payment_failed": func(pi stripe.PaymentIntent, evt *WebhookEvent) {
		evt.Outcome = OutcomeFailed
		evt.FailureReason = "payment_failed"
		if pi.LastPaymentError != nil && pi.LastPaymentError.Code != "" {
			evt.FailureReason = string(pi.LastPaymentError.Code)
		}
	},
	"payment_intent.canceled": func(pi stripe.PaymentIntent, evt *WebhookEvent) {
		evt.Outcome = OutcomeFailed
		evt.FailureReason = "payment_canceled"
		if pi.CancellationReason != "" {
			evt.FailureReason = "payment_canceled:" + string(pi.CancellationReason)
		}
	},
}

// ParseWebhook verifies the Stripe-Signature header and decodes the PaymentIntent
// carried by the event. Event types the service does not act on come back with
// OutcomeIgnored.
func ParseWebhook(payload []byte, signature, secret string) (*WebhookEvent, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, fmt.Errorf("%w: webhook secret is not configured", ErrInvalidSignature)
	}
	event, err := webhook.ConstructEventWithOptions(payload, signature, secret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	out := &WebhookEvent{ID: event.ID, Type: string(event.Type)}
	handler, ok := intentHandlers[out.Type]
	if !ok {
		return out, nil
	}
	if event.Data == nil || event.Data.Raw == nil {
		return nil, fmt.Errorf("webhook %s: event data is empty", event.ID)
	}

	var pi stripe.PaymentIntent
	if err := json.Unmarshal(event.Data.Raw, &pi); err != nil {
		return nil, fmt.Errorf("webhook %s: decode payment intent: %w", event.ID, err)
	}
	if pi.ID == "" {
		return nil, fmt.Errorf("webhook %s: payment intent id is empty", event.ID)
	}

	out.PaymentReference = pi.ID
	out.EventID = pi.Metadata[MetadataEventID]
	out.ContributorID = pi.Metadata[MetadataContributorID]
	handler(pi, out)
	return out, nil
}
