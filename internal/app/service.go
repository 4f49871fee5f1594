/**
 * @description
 * Application service for the funding-service. It coordinates the payment
 * processor, the per-event critical section, and the funding state machine.
 *
 * @notes
 * - Processor calls never run while an event is locked. Each flow validates under
 *   the lock, releases it, calls out, then reacquires the lock to commit.
 * - Every committed transition writes its notifications to the outbox in the same
 *   transaction; OutboxDispatcher relays them to RabbitMQ.
 */
package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/giftstock/funding-service/internal/domain"
	"github.com/giftstock/funding-service/internal/funding"
	"github.com/giftstock/funding-service/internal/ledger"
	"github.com/giftstock/funding-service/internal/store"
	"github.com/giftstock/funding-service/pkg/paymentclient"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"
)

const (
	defaultCurrency                 = "usd"
	defaultExchange                 = "giftstock.events"
	defaultPendingTTL               = 30 * time.Minute
	confirmTimeout                  = 30 * time.Second
	paymentIntentRateLimitScope     = "payment_intent"
	eventIntentRateLimitScope       = "event_payment_intent"
	failureReasonFundingCapExceeded = "funding_cap_exceeded"
	failureReasonEventNotAccepting  = "event_not_accepting"
)

// PaymentProcessor is the subset of the payment processor the service calls.
type PaymentProcessor interface {
	CreatePaymentIntent(ctx context.Context, params paymentclient.IntentParams) (*paymentclient.Intent, error)
	CancelPaymentIntent(ctx context.Context, reference, reason string) error
	RefundPayment(ctx context.Context, params paymentclient.RefundParams) (*paymentclient.Refund, error)
}

// RateLimiter throttles payment-intent creation per contributor and per event.
type RateLimiter interface {
	Consume(ctx context.Context, quotas ...RateQuota) (RateDecision, error)
}

// RateLimitError reports a throttled request and when it may be retried.
type RateLimitError struct {
	Scope             string
	RetryAfterSeconds int
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("%s: retry after %ds", domain.ErrRateLimited.Error(), e.RetryAfterSeconds)
}

func (e *RateLimitError) Is(target error) bool {
	return target == domain.ErrRateLimited
}

// Options configures a Service.
type Options struct {
	Currency                        string
	Exchange                        string
	Fees                            domain.FeeSchedule
	Limits                          domain.AmountLimits
	PendingTTL                      time.Duration
	PaymentIntentRateLimitPerMinute int
	EventIntentRateLimitPerMinute   int
	WebhookSecret                   string
	Now                             func() time.Time
}

// Service provides the funding use cases.
type Service struct {
	repo          store.Repository
	processor     PaymentProcessor
	limiter       RateLimiter
	fees          domain.FeeSchedule
	limits        domain.AmountLimits
	currency      string
	exchange      string
	pendingTTL    time.Duration
	intentLimit   int
	eventLimit    int
	webhookSecret string
	confirmations singleflight.Group
	now           func() time.Time
}

// NewService creates a new funding service.
func NewService(repo store.Repository, processor PaymentProcessor, opts Options) *Service {
	if processor == nil {
		processor = paymentclient.Unconfigured{}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Fees.Rate.IsZero() && opts.Fees.FixedFee.IsZero() {
		opts.Fees = domain.DefaultFeeSchedule()
	}
	if opts.Limits.Min.IsZero() && opts.Limits.Max.IsZero() {
		opts.Limits = domain.DefaultAmountLimits()
	}
	if opts.PendingTTL <= 0 {
		opts.PendingTTL = defaultPendingTTL
	}
	currency := strings.ToLower(strings.TrimSpace(opts.Currency))
	if currency == "" {
		currency = defaultCurrency
	}
	exchange := strings.TrimSpace(opts.Exchange)
	if exchange == "" {
		exchange = defaultExchange
	}
	return &Service{
		repo:          repo,
		processor:     processor,
		fees:          opts.Fees,
		limits:        opts.Limits,
		currency:      currency,
		exchange:      exchange,
		pendingTTL:    opts.PendingTTL,
		intentLimit:   opts.PaymentIntentRateLimitPerMinute,
		eventLimit:    opts.EventIntentRateLimitPerMinute,
		webhookSecret: opts.WebhookSecret,
		now:           opts.Now,
	}
}

// SetRateLimiter installs the limiter used on payment-intent creation.
func (s *Service) SetRateLimiter(limiter RateLimiter) {
	s.limiter = limiter
}

// PendingTTL is how long a pending contribution may wait for confirmation.
func (s *Service) PendingTTL() time.Duration {
	return s.pendingTTL
}

func (s *Service) machineOptions() funding.Options {
	return funding.Options{Exchange: s.exchange, Fees: s.fees, Now: s.now}
}

// withMachine runs fn inside the event's critical section. Writes commit only if fn returns nil.
func (s *Service) withMachine(ctx context.Context, eventID uuid.UUID, fn func(m *funding.Machine) error) error {
	return s.repo.WithEventLock(ctx, eventID, func(tx store.EventTx) error {
		m, err := funding.Load(ctx, tx, s.machineOptions())
		if err != nil {
			return err
		}
		return fn(m)
	})
}

// CreateEvent opens a new gifting event in the active state.
func (s *Service) CreateEvent(ctx context.Context, creatorID string, req domain.CreateEventRequest) (*domain.Event, error) {
	creatorID = strings.TrimSpace(creatorID)
	if creatorID == "" {
		return nil, domain.ErrForbidden
	}
	target, err := domain.ParseTargetAmount(req.TargetAmount)
	if err != nil {
		return nil, err
	}
	now := s.now().UTC()
	if req.Deadline != nil && !req.Deadline.After(now) {
		return nil, domain.ErrInvalidDeadline
	}

	event := &domain.Event{
		ID:            uuid.New(),
		Title:         strings.TrimSpace(req.Title),
		RecipientName: strings.TrimSpace(req.RecipientName),
		TargetAmount:  target,
		CurrentAmount: decimal.Zero,
		Currency:      s.currency,
		Status:        domain.EventStatusActive,
		CreatedBy:     creatorID,
		Deadline:      req.Deadline,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.repo.CreateEvent(ctx, event); err != nil {
		return nil, err
	}
	log.Printf("level=info component=service msg=\"event created\" event_id=%s created_by=%s target=%s", event.ID, creatorID, target.StringFixed(2))
	return event, nil
}

// GetEvent returns the event with its contributions.
func (s *Service) GetEvent(ctx context.Context, eventID uuid.UUID) (*domain.EventDetails, error) {
	event, err := s.repo.FindEventByID(ctx, eventID)
	if err != nil {
		return nil, err
	}
	contributions, err := s.repo.ListContributionsByEvent(ctx, eventID)
	if err != nil {
		return nil, err
	}
	return &domain.EventDetails{Event: *event, RemainingAmount: event.RemainingAmount(), Contributions: contributions}, nil
}

// ListContributions returns every contribution of an event in creation order.
func (s *Service) ListContributions(ctx context.Context, eventID uuid.UUID) ([]domain.Contribution, error) {
	if _, err := s.repo.FindEventByID(ctx, eventID); err != nil {
		return nil, err
	}
	return s.repo.ListContributionsByEvent(ctx, eventID)
}

// QuoteFee validates raw and returns the fee breakdown a contributor would be charged.
func (s *Service) QuoteFee(raw any) (domain.FeeBreakdown, error) {
	result := domain.ValidateAmount(raw, s.limits)
	if !result.Valid {
		return domain.FeeBreakdown{}, result.Err()
	}
	return domain.CalculateFee(result.Amount, s.fees)
}

// CreatePaymentIntent validates a contribution, opens a processor payment for
// amount plus fee, and records a pending contribution under the processor reference.
func (s *Service) CreatePaymentIntent(ctx context.Context, contributorID string, eventID uuid.UUID, req domain.CreatePaymentIntentRequest) (*domain.PaymentIntent, error) {
	result := domain.ValidateAmount(req.Amount, s.limits)
	if !result.Valid {
		return nil, result.Err()
	}
	if err := domain.ValidateMessage(req.Message); err != nil {
		return nil, err
	}
	if err := s.checkIntentRateLimit(ctx, eventID, contributorID); err != nil {
		return nil, err
	}
	quote, err := domain.CalculateFee(result.Amount, s.fees)
	if err != nil {
		return nil, err
	}

	var event domain.Event
	if err := s.withMachine(ctx, eventID, func(m *funding.Machine) error {
		event = m.Event()
		return m.CheckCanContribute(result.Amount)
	}); err != nil {
		return nil, err
	}

	currency := event.Currency
	if currency == "" {
		currency = s.currency
	}
	intent, err := s.processor.CreatePaymentIntent(ctx, paymentclient.IntentParams{
		AmountMinor:    domain.ToMinorUnits(quote.Total),
		Currency:       currency,
		EventID:        eventID.String(),
		ContributorID:  contributorID,
		Contribution:   quote.Amount.StringFixed(2),
		Description:    fmt.Sprintf("Contribution to %s", event.Title),
		IdempotencyKey: intentIdempotencyKey(eventID, contributorID, req.IdempotencyKey),
	})
	if err != nil {
		log.Printf("level=error component=service msg=\"payment intent creation failed\" event_id=%s contributor_id=%s err=%v", eventID, contributorID, err)
		return nil, fmt.Errorf("%w: %v", domain.ErrPaymentProcessorFailure, err)
	}

	var contribution domain.Contribution
	err = s.withMachine(ctx, eventID, func(m *funding.Machine) error {
		c, appendErr := m.AppendPending(ctx, ledger.PendingInput{
			PaymentReference: intent.Reference,
			ContributorID:    contributorID,
			Amount:           result.Amount,
			Message:          req.Message,
		})
		if errors.Is(appendErr, domain.ErrDuplicateReference) {
			if existing, ok := m.Ledger().Lookup(intent.Reference); ok && existing.Status == domain.ContributionStatusPending && existing.ContributorID == contributorID {
				contribution = existing
				return nil
			}
		}
		contribution = c
		return appendErr
	})
	if err != nil {
		// The event changed while the processor was being called.
		if cancelErr := s.processor.CancelPaymentIntent(ctx, intent.Reference, "contribution_not_recorded"); cancelErr != nil {
			log.Printf("level=warn component=service msg=\"failed to cancel unrecorded payment intent\" payment_reference=%s err=%v", intent.Reference, cancelErr)
		}
		return nil, err
	}

	log.Printf("level=info component=service msg=\"payment intent opened\" event_id=%s contribution_id=%s payment_reference=%s amount=%s fee=%s",
		eventID, contribution.ID, intent.Reference, quote.Amount.StringFixed(2), quote.Fee.StringFixed(2))
	return &domain.PaymentIntent{
		PaymentReference: intent.Reference,
		ClientSecret:     intent.ClientSecret,
		Contribution:     contribution,
		Fee:              quote,
	}, nil
}

// intentIdempotencyKey scopes a client-supplied key to the event and contributor, so
// a retried POST gets the same processor intent back and a reused key from another
// caller cannot collide with it.
func intentIdempotencyKey(eventID uuid.UUID, contributorID, clientKey string) string {
	clientKey = strings.TrimSpace(clientKey)
	if clientKey == "" {
		return ""
	}
	return fmt.Sprintf("intent-%s-%s-%s", eventID, contributorID, clientKey)
}

func (s *Service) checkIntentRateLimit(ctx context.Context, eventID uuid.UUID, contributorID string) error {
	if s.limiter == nil || (s.intentLimit <= 0 && s.eventLimit <= 0) {
		return nil
	}
	decision, err := s.limiter.Consume(ctx,
		RateQuota{Scope: paymentIntentRateLimitScope, Subject: contributorID, Limit: s.intentLimit, Window: time.Minute},
		RateQuota{Scope: eventIntentRateLimitScope, Subject: eventID.String(), Limit: s.eventLimit, Window: time.Minute},
	)
	if err != nil {
		log.Printf("level=warn component=service msg=\"rate limiter unavailable; allowing request\" contributor_id=%s err=%v", contributorID, err)
		return nil
	}
	if !decision.Allowed {
		log.Printf("level=info component=service msg=\"payment intent throttled\" scope=%s event_id=%s contributor_id=%s retry_after_s=%d",
			decision.Scope, eventID, contributorID, decision.RetryAfterSeconds)
		return &RateLimitError{Scope: decision.Scope, RetryAfterSeconds: decision.RetryAfterSeconds}
	}
	return nil
}

// ConfirmPayment applies the contribution behind paymentReference exactly once.
// Concurrent confirmations of one reference inside this process share a single
// critical section; across processes the event lock serializes them.
func (s *Service) ConfirmPayment(ctx context.Context, paymentReference string) (*domain.Contribution, error) {
	ref := strings.TrimSpace(paymentReference)
	if ref == "" {
		return nil, domain.ErrUnknownPaymentReference
	}
	// The shared call outlives any single caller so one disconnect cannot fail the others.
	results := s.confirmations.DoChan(ref, func() (interface{}, error) {
		sharedCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), confirmTimeout)
		defer cancel()
		return s.confirm(sharedCtx, ref)
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-results:
		if res.Err != nil {
			return nil, res.Err
		}
		contribution := res.Val.(domain.Contribution)
		return &contribution, nil
	}
}

func (s *Service) confirm(ctx context.Context, ref string) (domain.Contribution, error) {
	existing, err := s.repo.FindLatestContributionByReference(ctx, ref)
	if err != nil {
		if errors.Is(err, domain.ErrContributionNotFound) {
			return domain.Contribution{}, fmt.Errorf("%w: %s", domain.ErrUnknownPaymentReference, ref)
		}
		return domain.Contribution{}, err
	}

	var (
		applied  domain.Contribution
		orphaned bool
	)
	err = s.withMachine(ctx, existing.EventID, func(m *funding.Machine) error {
		c, applyErr := m.Apply(ctx, ref)
		switch {
		case applyErr == nil:
			applied = c
			return nil
		case errors.Is(applyErr, domain.ErrAlreadyApplied):
			log.Printf("level=info component=service msg=\"confirmation already applied\" payment_reference=%s contribution_id=%s", ref, c.ID)
			applied = c
			return nil
		case errors.Is(applyErr, domain.ErrNotFound) && c.Status == domain.ContributionStatusFailed:
			// Payment captured after the record failed; flag it for a refund and still report NotFound.
			orphaned = true
			return m.FlagOrphanedPayment(ctx, c)
		default:
			return applyErr
		}
	})
	if err != nil {
		return domain.Contribution{}, err
	}
	if orphaned {
		log.Printf("level=warn component=service msg=\"confirmation after contribution failed\" payment_reference=%s event_id=%s", ref, existing.EventID)
		return domain.Contribution{}, fmt.Errorf("%w: payment window expired for %s", domain.ErrNotFound, ref)
	}
	return applied, nil
}

// FailPayment marks the pending contribution for paymentReference as failed.
// Failing an already failed reference succeeds without change.
func (s *Service) FailPayment(ctx context.Context, paymentReference, reason string) (*domain.Contribution, error) {
	ref := strings.TrimSpace(paymentReference)
	existing, err := s.repo.FindLatestContributionByReference(ctx, ref)
	if err != nil {
		if errors.Is(err, domain.ErrContributionNotFound) {
			return nil, fmt.Errorf("%w: %s", domain.ErrUnknownPaymentReference, ref)
		}
		return nil, err
	}

	var failed domain.Contribution
	if err := s.withMachine(ctx, existing.EventID, func(m *funding.Machine) error {
		c, failErr := m.Ledger().MarkFailed(ctx, ref, reason)
		failed = c
		return failErr
	}); err != nil {
		return nil, err
	}
	log.Printf("level=info component=service msg=\"payment failed\" payment_reference=%s event_id=%s reason=%q", ref, existing.EventID, reason)
	return &failed, nil
}

// SweepStalePending fails pending contributions older than olderThan and cancels
// their processor payments. It returns how many contributions were failed.
func (s *Service) SweepStalePending(ctx context.Context, olderThan time.Duration, limit int) (int, error) {
	if olderThan <= 0 {
		olderThan = s.pendingTTL
	}
	cutoff := s.now().Add(-olderThan)
	stale, err := s.repo.ListStalePendingContributions(ctx, cutoff, limit)
	if err != nil {
		return 0, err
	}

	swept := 0
	for _, candidate := range stale {
		failed := false
		err := s.withMachine(ctx, candidate.EventID, func(m *funding.Machine) error {
			current, ok := m.Ledger().Find(candidate.ID)
			if !ok || current.IsTerminal() {
				return nil
			}
			if _, err := m.Ledger().MarkFailed(ctx, current.PaymentReference, domain.FailureReasonPaymentWindowExpired); err != nil {
				return err
			}
			failed = true
			return nil
		})
		if err != nil {
			log.Printf("level=error component=service msg=\"failed to sweep pending contribution\" contribution_id=%s err=%v", candidate.ID, err)
			continue
		}
		if !failed {
			continue
		}
		swept++
		if cancelErr := s.processor.CancelPaymentIntent(ctx, candidate.PaymentReference, domain.FailureReasonPaymentWindowExpired); cancelErr != nil {
			log.Printf("level=warn component=service msg=\"failed to cancel expired payment intent\" payment_reference=%s err=%v", candidate.PaymentReference, cancelErr)
		}
	}
	return swept, nil
}

// RequestRefund refunds an applied contribution. requesterID must be the
// contributor or the event creator; an empty requesterID marks an internal caller.
func (s *Service) RequestRefund(ctx context.Context, requesterID string, contributionID uuid.UUID, req domain.RefundRequest) (*domain.RefundResult, error) {
	contribution, err := s.repo.FindContributionByID(ctx, contributionID)
	if err != nil {
		return nil, err
	}
	event, err := s.repo.FindEventByID(ctx, contribution.EventID)
	if err != nil {
		return nil, err
	}
	requesterID = strings.TrimSpace(requesterID)
	if requesterID != "" && requesterID != contribution.ContributorID && requesterID != event.CreatedBy {
		return nil, domain.ErrForbidden
	}

	var reservation funding.RefundOutcome
	if err := s.withMachine(ctx, event.ID, func(m *funding.Machine) error {
		o, reserveErr := m.ReserveRefund(ctx, contributionID, req.Reason, req.RollbackFunding)
		reservation = o
		return reserveErr
	}); err != nil {
		return nil, err
	}
	target := reservation.Contribution

	refund, err := s.processor.RefundPayment(ctx, paymentclient.RefundParams{
		PaymentReference: target.PaymentReference,
		AmountMinor:      domain.ToMinorUnits(target.Amount),
		Reason:           req.Reason,
		IdempotencyKey:   "refund-" + target.ID.String(),
	})
	if err != nil {
		log.Printf("level=error component=service msg=\"processor refund failed\" contribution_id=%s err=%v", contributionID, err)
		releaseCtx := context.WithoutCancel(ctx)
		if releaseErr := s.withMachine(releaseCtx, event.ID, func(m *funding.Machine) error {
			return m.ReleaseRefund(releaseCtx, contributionID)
		}); releaseErr != nil {
			log.Printf("level=error component=service msg=\"failed to release refund reservation\" contribution_id=%s err=%v", contributionID, releaseErr)
		}
		return nil, fmt.Errorf("%w: %v", domain.ErrPaymentProcessorFailure, err)
	}

	var (
		outcome funding.RefundOutcome
		updated domain.Event
	)
	commitCtx := context.WithoutCancel(ctx)
	err = s.withMachine(commitCtx, event.ID, func(m *funding.Machine) error {
		o, refundErr := m.Refund(commitCtx, funding.RefundInput{
			ContributionID:    contributionID,
			Reason:            req.Reason,
			ProcessorRefundID: refund.ID,
			RollbackFunding:   req.RollbackFunding,
		})
		outcome = o
		updated = m.Event()
		return refundErr
	})
	if err != nil {
		// The contribution stays reserved; a retry reuses the idempotency key and commits it.
		log.Printf("level=error component=service msg=\"refund issued but ledger not updated\" contribution_id=%s processor_refund_id=%s err=%v", contributionID, refund.ID, err)
		return nil, err
	}

	rolledBack := reservation.RolledBack || outcome.RolledBack
	log.Printf("level=info component=service msg=\"contribution refunded\" contribution_id=%s event_id=%s amount=%s rolled_back=%t",
		contributionID, event.ID, target.Amount.StringFixed(2), rolledBack)
	return &domain.RefundResult{
		Contribution:      outcome.Contribution,
		Event:             updated,
		RefundAmount:      outcome.Contribution.Amount,
		ProcessorRefundID: refund.ID,
		RolledBack:        rolledBack,
	}, nil
}

// CancelEvent cancels an active or funded event on behalf of its creator and
// cancels the processor payments of the contributions that were still pending.
func (s *Service) CancelEvent(ctx context.Context, requesterID string, eventID uuid.UUID, reason string) (*domain.Event, error) {
	event, err := s.repo.FindEventByID(ctx, eventID)
	if err != nil {
		return nil, err
	}
	if requesterID = strings.TrimSpace(requesterID); requesterID != "" && requesterID != event.CreatedBy {
		return nil, domain.ErrForbidden
	}

	var (
		failed  []domain.Contribution
		updated domain.Event
	)
	if err := s.withMachine(ctx, eventID, func(m *funding.Machine) error {
		f, _, cancelErr := m.Cancel(ctx, reason)
		failed = f
		updated = m.Event()
		return cancelErr
	}); err != nil {
		return nil, err
	}

	for _, c := range failed {
		if cancelErr := s.processor.CancelPaymentIntent(ctx, c.PaymentReference, domain.FailureReasonEventCancelled); cancelErr != nil {
			log.Printf("level=warn component=service msg=\"failed to cancel payment intent of cancelled event\" payment_reference=%s err=%v", c.PaymentReference, cancelErr)
		}
	}
	return &updated, nil
}

// MarkEventPurchasing records that the brokerage placed the order for a funded event.
func (s *Service) MarkEventPurchasing(ctx context.Context, eventID uuid.UUID, orderID, reason string) (*domain.Event, error) {
	return s.advance(ctx, eventID, domain.EventStatusPurchasing, orderID, reason)
}

// MarkEventInvested records that the brokerage order filled.
func (s *Service) MarkEventInvested(ctx context.Context, eventID uuid.UUID, orderID, reason string) (*domain.Event, error) {
	return s.advance(ctx, eventID, domain.EventStatusInvested, orderID, reason)
}

// MarkEventCompleted records that the position was delivered to the recipient.
func (s *Service) MarkEventCompleted(ctx context.Context, eventID uuid.UUID, reason string) (*domain.Event, error) {
	return s.advance(ctx, eventID, domain.EventStatusCompleted, "", reason)
}

func (s *Service) advance(ctx context.Context, eventID uuid.UUID, to domain.EventStatus, orderID, reason string) (*domain.Event, error) {
	var updated domain.Event
	if err := s.withMachine(ctx, eventID, func(m *funding.Machine) error {
		changed, err := m.Advance(ctx, to, orderID, reason)
		updated = m.Event()
		if err == nil && !changed {
			log.Printf("level=info component=service msg=\"event already in requested status\" event_id=%s status=%s", eventID, to)
		}
		return err
	}); err != nil {
		return nil, err
	}
	return &updated, nil
}
