package app

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/giftstock/funding-service/internal/domain"
	"github.com/giftstock/funding-service/internal/funding"
	"github.com/giftstock/funding-service/pkg/paymentclient"
	"github.com/google/uuid"
)

// HandleStripeWebhook verifies a Stripe webhook and applies it. A nil error tells
// the caller to acknowledge the delivery; anything else makes Stripe retry.
func (s *Service) HandleStripeWebhook(ctx context.Context, payload []byte, signature string) error {
	evt, err := paymentclient.ParseWebhook(payload, signature, s.webhookSecret)
	if err != nil {
		return err
	}
	return s.HandlePaymentEvent(ctx, *evt)
}

// HandlePaymentEvent applies a verified processor event.
func (s *Service) HandlePaymentEvent(ctx context.Context, evt paymentclient.WebhookEvent) error {
	switch evt.Outcome {
	case paymentclient.OutcomeSucceeded:
		return s.handlePaymentSucceeded(ctx, evt)
	case paymentclient.OutcomeFailed:
		return s.handlePaymentFailed(ctx, evt)
	default:
		log.Printf("level=debug component=stripe_webhook msg=\"event ignored\" stripe_event_id=%s type=%s", evt.ID, evt.Type)
		return nil
	}
}

func (s *Service) handlePaymentSucceeded(ctx context.Context, evt paymentclient.WebhookEvent) error {
	_, err := s.ConfirmPayment(ctx, evt.PaymentReference)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, domain.ErrUnknownPaymentReference):
		log.Printf("level=warn component=stripe_webhook msg=\"payment for unknown reference\" payment_reference=%s event_id=%s", evt.PaymentReference, evt.EventID)
		return nil
	case errors.Is(err, domain.ErrNotFound):
		return s.refundCapturedPayment(ctx, evt.PaymentReference, domain.FailureReasonPaymentWindowExpired)
	case errors.Is(err, domain.ErrFundingCapExceeded):
		return s.rejectCapturedPayment(ctx, evt.PaymentReference, failureReasonFundingCapExceeded)
	case errors.Is(err, domain.ErrEventNotAccepting):
		return s.rejectCapturedPayment(ctx, evt.PaymentReference, failureReasonEventNotAccepting)
	case errors.Is(err, domain.ErrInvalidState):
		log.Printf("level=warn component=stripe_webhook msg=\"payment succeeded for refunded contribution\" payment_reference=%s", evt.PaymentReference)
		return nil
	default:
		return err
	}
}

func (s *Service) handlePaymentFailed(ctx context.Context, evt paymentclient.WebhookEvent) error {
	_, err := s.FailPayment(ctx, evt.PaymentReference, evt.FailureReason)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, domain.ErrUnknownPaymentReference), errors.Is(err, domain.ErrNotFound):
		log.Printf("level=warn component=stripe_webhook msg=\"failure for unknown reference\" payment_reference=%s", evt.PaymentReference)
		return nil
	case errors.Is(err, domain.ErrInvalidState):
		log.Printf("level=warn component=stripe_webhook msg=\"failure for settled contribution ignored\" payment_reference=%s err=%v", evt.PaymentReference, err)
		return nil
	default:
		return err
	}
}

// rejectCapturedPayment fails a captured contribution that cannot be applied,
// flags it as orphaned and returns the money.
func (s *Service) rejectCapturedPayment(ctx context.Context, ref, reason string) error {
	existing, err := s.repo.FindLatestContributionByReference(ctx, ref)
	if err != nil {
		return err
	}
	if err := s.withMachine(ctx, existing.EventID, func(m *funding.Machine) error {
		failed, failErr := m.Ledger().MarkFailed(ctx, ref, reason)
		if failErr != nil {
			return failErr
		}
		return m.FlagOrphanedPayment(ctx, failed)
	}); err != nil {
		return err
	}
	return s.refundCapturedPayment(ctx, ref, reason)
}

// refundCapturedPayment returns a full charge. Every path sends identical
// parameters under one idempotency key per reference, so redeliveries never refund twice.
func (s *Service) refundCapturedPayment(ctx context.Context, ref, reason string) error {
	refund, err := s.processor.RefundPayment(ctx, paymentclient.RefundParams{
		PaymentReference: ref,
		IdempotencyKey:   "uncollectable-" + ref,
	})
	if err != nil {
		log.Printf("level=error component=stripe_webhook msg=\"refund of uncollectable payment failed\" payment_reference=%s err=%v", ref, err)
		return fmt.Errorf("%w: %v", domain.ErrPaymentProcessorFailure, err)
	}
	log.Printf("level=info component=stripe_webhook msg=\"uncollectable payment refunded\" payment_reference=%s processor_refund_id=%s reason=%s", ref, refund.ID, reason)
	return nil
}

// ParseEventID is shared by the HTTP and broker entry points.
func ParseEventID(raw string) (uuid.UUID, error) {
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: invalid event id %q", domain.ErrEventNotFound, raw)
	}
	return id, nil
}
