/**
 * @description
 * The funding state machine owns an event's status and current amount. It consumes
 * ledger totals to decide transitions, enforces the funding cap, and records every
 * transition in the outbox so downstream services are notified after commit.
 *
 * @notes
 * - A Machine is bound to one locked event transaction; build a new one for every
 *   critical section.
 * - Lifecycle: active -> funded -> purchasing -> invested -> completed, plus
 *   active|funded -> cancelled. funded -> active only happens as part of a refund.
 * - Only settled money funds an event: an applied contribution with a refund in
 *   flight still counts toward the cap but not toward reaching the target.
 */

package funding

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/giftstock/funding-service/internal/domain"
	"github.com/giftstock/funding-service/internal/ledger"
	"github.com/giftstock/funding-service/internal/store"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var allowedTransitions = map[domain.EventStatus][]domain.EventStatus{
	domain.EventStatusActive:     {domain.EventStatusFunded, domain.EventStatusCancelled},
	domain.EventStatusFunded:     {domain.EventStatusPurchasing, domain.EventStatusCancelled},
	domain.EventStatusPurchasing: {domain.EventStatusInvested},
	domain.EventStatusInvested:   {domain.EventStatusCompleted},
}

// CanTransition reports whether from -> to is a forward lifecycle move.
func CanTransition(from, to domain.EventStatus) bool {
	if from.IsTerminal() {
		return false
	}
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Options configures a Machine.
type Options struct {
	Exchange string
	Fees     domain.FeeSchedule
	Now      func() time.Time
}

// Machine drives one locked event through its lifecycle.
type Machine struct {
	tx     store.EventTx
	event  domain.Event
	ledger *ledger.Ledger
	opts   Options
}

// Load binds a Machine to the event held by tx.
func Load(ctx context.Context, tx store.EventTx, opts Options) (*Machine, error) {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	l, err := ledger.Open(ctx, tx, opts.Fees, opts.Now)
	if err != nil {
		return nil, err
	}
	m := &Machine{tx: tx, event: tx.Event(), ledger: l, opts: opts}
	if total := l.TotalApplied(); !total.Equal(m.event.CurrentAmount) {
		log.Printf("level=warn component=funding msg=\"stored current amount drifted from ledger; ledger wins on next write\" event_id=%s stored=%s ledger=%s",
			m.event.ID, m.event.CurrentAmount.StringFixed(2), total.StringFixed(2))
	}
	return m, nil
}

// Event returns the machine's current view of the event.
func (m *Machine) Event() domain.Event {
	return m.event
}

// Ledger exposes the event's contribution ledger.
func (m *Machine) Ledger() *ledger.Ledger {
	return m.ledger
}

// Remaining is the amount that can still be applied before the target is reached.
func (m *Machine) Remaining() decimal.Decimal {
	remaining := m.event.TargetAmount.Sub(m.ledger.TotalApplied())
	if remaining.IsNegative() {
		return decimal.Zero
	}
	return remaining
}

// CheckCanContribute validates that a payment intent for amount may be opened.
func (m *Machine) CheckCanContribute(amount decimal.Decimal) error {
	if !m.event.AcceptsContributions(m.opts.Now()) {
		return fmt.Errorf("%w: event %s is %s", domain.ErrEventNotAccepting, m.event.ID, m.event.Status)
	}
	if amount.GreaterThan(m.Remaining()) {
		return &domain.FundingCapError{Remaining: m.Remaining()}
	}
	return nil
}

// AppendPending opens a pending contribution after re-checking availability under the lock.
func (m *Machine) AppendPending(ctx context.Context, in ledger.PendingInput) (domain.Contribution, error) {
	if err := m.CheckCanContribute(in.Amount); err != nil {
		return domain.Contribution{}, err
	}
	return m.ledger.AppendPending(ctx, in)
}

// Apply confirms the pending contribution for ref. The cap is checked before the
// ledger write; a contribution that would overshoot the target is rejected and the
// ledger is left untouched. An already applied reference returns the existing record
// together with domain.ErrAlreadyApplied.
func (m *Machine) Apply(ctx context.Context, paymentReference string) (domain.Contribution, error) {
	c, ok := m.ledger.Lookup(paymentReference)
	if !ok || c.Status == domain.ContributionStatusFailed {
		return c, fmt.Errorf("%w: %s", domain.ErrNotFound, strings.TrimSpace(paymentReference))
	}
	if c.Status != domain.ContributionStatusPending {
		return m.ledger.MarkApplied(ctx, paymentReference)
	}
	if m.event.Status == domain.EventStatusCancelled {
		return c, fmt.Errorf("%w: event %s is cancelled", domain.ErrEventNotAccepting, m.event.ID)
	}

	projected := m.ledger.TotalApplied().Add(c.Amount)
	if projected.GreaterThan(m.event.TargetAmount) {
		return c, &domain.FundingCapError{Remaining: m.Remaining()}
	}

	applied, err := m.ledger.MarkApplied(ctx, paymentReference)
	if err != nil {
		return applied, err
	}
	if err := m.recompute(ctx, "contribution_applied"); err != nil {
		return applied, err
	}
	if err := m.tx.Enqueue(ctx, m.opts.Exchange, domain.RoutingKeyContributionApplied, domain.ContributionApplied{
		ContributionID:   applied.ID,
		EventID:          applied.EventID,
		PaymentReference: applied.PaymentReference,
		ContributorID:    applied.ContributorID,
		Amount:           applied.Amount,
		CurrentAmount:    m.event.CurrentAmount,
		AppliedAt:        *applied.AppliedAt,
	}); err != nil {
		return applied, err
	}
	return applied, nil
}

// CheckRefund validates a refund without writing anything.
func (m *Machine) CheckRefund(contributionID uuid.UUID, rollbackFunding bool) (domain.Contribution, error) {
	c, ok := m.ledger.Find(contributionID)
	if !ok {
		return domain.Contribution{}, domain.ErrContributionNotFound
	}
	if c.Status != domain.ContributionStatusApplied {
		return c, fmt.Errorf("%w: contribution %s is %s", domain.ErrInvalidState, c.ID, c.Status)
	}
	if c.RefundInFlight() {
		return c, nil
	}
	switch m.event.Status {
	case domain.EventStatusActive, domain.EventStatusCancelled:
		return c, nil
	case domain.EventStatusFunded:
		if rollbackFunding {
			return c, nil
		}
	}
	return c, fmt.Errorf("%w: event %s is %s", domain.ErrRefundNotAllowedAfterFunding, m.event.ID, m.event.Status)
}

// RefundInput describes a refund to commit.
type RefundInput struct {
	ContributionID    uuid.UUID
	Reason            string
	ProcessorRefundID string
	RollbackFunding   bool
}

// RefundOutcome is the committed result of Refund.
type RefundOutcome struct {
	Contribution domain.Contribution
	RolledBack   bool
}

// ReserveRefund validates a refund and holds the contribution while the processor
// refund is in flight. The held amount stops counting toward the target, so a
// funded event moves back to active here and no confirmation can fund the event
// until the refund is committed or released.
func (m *Machine) ReserveRefund(ctx context.Context, contributionID uuid.UUID, reason string, rollbackFunding bool) (RefundOutcome, error) {
	if _, err := m.CheckRefund(contributionID, rollbackFunding); err != nil {
		return RefundOutcome{}, err
	}
	wasFunded := m.event.Status == domain.EventStatusFunded
	reserved, err := m.ledger.ReserveRefund(ctx, contributionID, reason)
	if err != nil {
		return RefundOutcome{}, err
	}
	if err := m.recompute(ctx, "refund_requested"); err != nil {
		return RefundOutcome{}, err
	}
	return RefundOutcome{
		Contribution: reserved,
		RolledBack:   wasFunded && m.event.Status == domain.EventStatusActive,
	}, nil
}

// ReleaseRefund undoes ReserveRefund after the processor refused the refund. The
// event is funded again if the released amount completes the target.
func (m *Machine) ReleaseRefund(ctx context.Context, contributionID uuid.UUID) error {
	if _, err := m.ledger.ReleaseRefund(ctx, contributionID); err != nil {
		return err
	}
	return m.recompute(ctx, "refund_released")
}

// Refund reverses an applied contribution. On a funded event it also moves the event
// back to active in the same transaction, but only when the caller asked for it.
// A contribution reserved by ReserveRefund is always committed: the processor has
// already returned the money. Committing the same processor refund twice is a no-op.
func (m *Machine) Refund(ctx context.Context, in RefundInput) (RefundOutcome, error) {
	current, ok := m.ledger.Find(in.ContributionID)
	if ok && current.Status == domain.ContributionStatusRefunded && current.ProcessorRefundID != nil &&
		strings.TrimSpace(in.ProcessorRefundID) != "" && *current.ProcessorRefundID == strings.TrimSpace(in.ProcessorRefundID) {
		return RefundOutcome{Contribution: current}, nil
	}
	if _, err := m.CheckRefund(in.ContributionID, in.RollbackFunding); err != nil {
		return RefundOutcome{}, err
	}

	wasFunded := m.event.Status == domain.EventStatusFunded
	refunded, err := m.ledger.MarkRefunded(ctx, in.ContributionID, in.Reason, in.ProcessorRefundID)
	if err != nil {
		return RefundOutcome{}, err
	}
	if err := m.recompute(ctx, "contribution_refunded"); err != nil {
		return RefundOutcome{}, err
	}
	rolledBack := wasFunded && m.event.Status == domain.EventStatusActive

	if err := m.tx.Enqueue(ctx, m.opts.Exchange, domain.RoutingKeyContributionRefunded, domain.ContributionRefunded{
		ContributionID:    refunded.ID,
		EventID:           refunded.EventID,
		ContributorID:     refunded.ContributorID,
		RefundAmount:      refunded.Amount,
		Reason:            strings.TrimSpace(in.Reason),
		ProcessorRefundID: strings.TrimSpace(in.ProcessorRefundID),
		CurrentAmount:     m.event.CurrentAmount,
		RefundedAt:        *refunded.RefundedAt,
	}); err != nil {
		return RefundOutcome{}, err
	}
	return RefundOutcome{Contribution: refunded, RolledBack: rolledBack}, nil
}

// Advance performs a brokerage-driven forward transition. Repeating a transition the
// event has already made reports changed=false without error.
func (m *Machine) Advance(ctx context.Context, to domain.EventStatus, orderID, reason string) (bool, error) {
	switch to {
	case domain.EventStatusPurchasing, domain.EventStatusInvested, domain.EventStatusCompleted:
	default:
		return false, &domain.TransitionError{From: m.event.Status, To: to}
	}
	if m.event.Status == to {
		return false, nil
	}
	if !CanTransition(m.event.Status, to) {
		return false, &domain.TransitionError{From: m.event.Status, To: to}
	}
	if to == domain.EventStatusPurchasing {
		if order := strings.TrimSpace(orderID); order != "" {
			m.event.BrokerageOrderID = &order
		}
	}
	if err := m.moveTo(ctx, to, reason); err != nil {
		return false, err
	}
	return true, m.save(ctx)
}

// Cancel moves an active or funded event to cancelled and fails every pending
// contribution in the same transaction. Cancelling a cancelled event is a no-op.
func (m *Machine) Cancel(ctx context.Context, reason string) ([]domain.Contribution, bool, error) {
	if m.event.Status == domain.EventStatusCancelled {
		return nil, false, nil
	}
	if !CanTransition(m.event.Status, domain.EventStatusCancelled) {
		return nil, false, &domain.TransitionError{From: m.event.Status, To: domain.EventStatusCancelled}
	}
	failed, err := m.ledger.FailAllPending(ctx, domain.FailureReasonEventCancelled)
	if err != nil {
		return nil, false, err
	}
	if err := m.moveTo(ctx, domain.EventStatusCancelled, reason); err != nil {
		return nil, false, err
	}
	return failed, true, m.save(ctx)
}

// FlagOrphanedPayment records that the processor captured a payment for a
// contribution that can no longer be applied, so operations can refund it.
func (m *Machine) FlagOrphanedPayment(ctx context.Context, c domain.Contribution) error {
	reason := "unknown"
	if c.FailureReason != nil && strings.TrimSpace(*c.FailureReason) != "" {
		reason = strings.TrimSpace(*c.FailureReason)
	}
	log.Printf("level=warn component=funding msg=\"orphaned payment flagged\" event_id=%s payment_reference=%s reason=%s", m.event.ID, c.PaymentReference, reason)
	return m.tx.Enqueue(ctx, m.opts.Exchange, domain.RoutingKeyOrphanedPayment, domain.OrphanedPayment{
		EventID:          m.event.ID,
		PaymentReference: c.PaymentReference,
		FailureReason:    reason,
		DetectedAt:       m.opts.Now().UTC(),
	})
}

// recompute sets current amount from the ledger. An active event is funded when
// settled money reaches the target exactly; a funded event whose settled money
// dropped below the target goes back to active.
func (m *Machine) recompute(ctx context.Context, reason string) error {
	total := m.ledger.TotalApplied()
	if total.GreaterThan(m.event.TargetAmount) {
		return &domain.FundingCapError{Remaining: decimal.Zero}
	}
	m.event.CurrentAmount = total
	settled := m.ledger.TotalSettled()
	switch {
	case m.event.Status == domain.EventStatusActive && settled.Equal(m.event.TargetAmount):
		if err := m.moveTo(ctx, domain.EventStatusFunded, reason); err != nil {
			return err
		}
	case m.event.Status == domain.EventStatusFunded && settled.LessThan(m.event.TargetAmount):
		if err := m.moveTo(ctx, domain.EventStatusActive, "refund_rollback"); err != nil {
			return err
		}
	}
	return m.save(ctx)
}

// moveTo changes status and enqueues the notifications for it. The caller is
// responsible for legality and for saving.
func (m *Machine) moveTo(ctx context.Context, to domain.EventStatus, reason string) error {
	now := m.opts.Now().UTC()
	from := m.event.Status
	m.event.Status = to
	m.event.UpdatedAt = now
	if trimmed := strings.TrimSpace(reason); trimmed != "" {
		m.event.StatusReason = &trimmed
	}

	if err := m.tx.Enqueue(ctx, m.opts.Exchange, domain.RoutingKeyEventStatusChanged, domain.EventStatusChanged{
		EventID:       m.event.ID,
		From:          from,
		To:            to,
		CurrentAmount: m.ledger.TotalApplied(),
		TargetAmount:  m.event.TargetAmount,
		Reason:        strings.TrimSpace(reason),
		OccurredAt:    now,
	}); err != nil {
		return err
	}
	if to == domain.EventStatusFunded {
		if err := m.tx.Enqueue(ctx, m.opts.Exchange, domain.RoutingKeyEventFunded, domain.EventFunded{
			EventID:       m.event.ID,
			CurrentAmount: m.ledger.TotalApplied(),
			Currency:      m.event.Currency,
			RecipientName: m.event.RecipientName,
			CreatedBy:     m.event.CreatedBy,
			FundedAt:      now,
		}); err != nil {
			return err
		}
	}
	log.Printf("level=info component=funding msg=\"event status changed\" event_id=%s from=%s to=%s reason=%q", m.event.ID, from, to, reason)
	return nil
}

func (m *Machine) save(ctx context.Context) error {
	m.event.CurrentAmount = m.ledger.TotalApplied()
	m.event.UpdatedAt = m.opts.Now().UTC()
	return m.tx.SaveEvent(ctx, m.event)
}
