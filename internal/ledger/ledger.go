// Package ledger owns the contribution records of a single event. A Ledger is only
// valid inside the per-event critical section handed out by store.Repository.WithEventLock;
// every method reads and writes through that locked transaction.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/giftstock/funding-service/internal/domain"
	"github.com/giftstock/funding-service/internal/store"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// PendingInput describes a contribution whose payment intent has just been opened.
type PendingInput struct {
	PaymentReference string
	ContributorID    string
	Amount           decimal.Decimal
	Message          string
}

// Ledger is the authoritative contribution list of one event.
type Ledger struct {
	tx      store.EventTx
	eventID uuid.UUID
	records []domain.Contribution
	fees    domain.FeeSchedule
	now     func() time.Time
}

// Open loads the event's contributions from the locked transaction.
func Open(ctx context.Context, tx store.EventTx, fees domain.FeeSchedule, now func() time.Time) (*Ledger, error) {
	if now == nil {
		now = time.Now
	}
	records, err := tx.Contributions(ctx)
	if err != nil {
		return nil, fmt.Errorf("load ledger: %w", err)
	}
	return &Ledger{
		tx:      tx,
		eventID: tx.Event().ID,
		records: records,
		fees:    fees,
		now:     now,
	}, nil
}

// AppendPending records a new pending contribution. A reference may only be reused
// once every earlier record for it has failed.
func (l *Ledger) AppendPending(ctx context.Context, in PendingInput) (domain.Contribution, error) {
	ref := strings.TrimSpace(in.PaymentReference)
	if ref == "" {
		return domain.Contribution{}, errors.New("payment reference is required")
	}
	if !in.Amount.IsPositive() {
		return domain.Contribution{}, fmt.Errorf("%w: amount must be positive", domain.ErrInvalidAmount)
	}
	if err := domain.ValidateMessage(in.Message); err != nil {
		return domain.Contribution{}, err
	}
	if _, live := l.live(ref); live {
		return domain.Contribution{}, fmt.Errorf("%w: %s", domain.ErrDuplicateReference, ref)
	}

	quote, err := domain.CalculateFee(in.Amount, l.fees)
	if err != nil {
		return domain.Contribution{}, err
	}

	now := l.now().UTC()
	c := domain.Contribution{
		ID:               uuid.New(),
		EventID:          l.eventID,
		PaymentReference: ref,
		ContributorID:    in.ContributorID,
		Amount:           quote.Amount,
		Fee:              quote.Fee,
		NetToEvent:       quote.Amount,
		Status:           domain.ContributionStatusPending,
		Message:          in.Message,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := l.tx.InsertContribution(ctx, c); err != nil {
		return domain.Contribution{}, err
	}
	l.records = append(l.records, c)
	return c, nil
}

// Lookup returns the record a payment reference currently resolves to: the live
// (non-failed) record if one exists, otherwise the most recent failed one.
func (l *Ledger) Lookup(paymentReference string) (domain.Contribution, bool) {
	ref := strings.TrimSpace(paymentReference)
	if c, ok := l.live(ref); ok {
		return c, true
	}
	var (
		latest domain.Contribution
		found  bool
	)
	for _, c := range l.records {
		if c.PaymentReference == ref && (!found || c.CreatedAt.After(latest.CreatedAt)) {
			latest, found = c, true
		}
	}
	return latest, found
}

func (l *Ledger) live(ref string) (domain.Contribution, bool) {
	for _, c := range l.records {
		if c.PaymentReference == ref && c.Status != domain.ContributionStatusFailed {
			return c, true
		}
	}
	return domain.Contribution{}, false
}

// Find returns a contribution of this event by id.
func (l *Ledger) Find(contributionID uuid.UUID) (domain.Contribution, bool) {
	for _, c := range l.records {
		if c.ID == contributionID {
			return c, true
		}
	}
	return domain.Contribution{}, false
}

// MarkApplied moves the pending record for ref to applied. Calling it again for an
// applied reference returns the existing record with domain.ErrAlreadyApplied.
// A reference whose records have all failed yields domain.ErrNotFound.
func (l *Ledger) MarkApplied(ctx context.Context, paymentReference string) (domain.Contribution, error) {
	ref := strings.TrimSpace(paymentReference)
	c, ok := l.live(ref)
	if !ok {
		return domain.Contribution{}, fmt.Errorf("%w: %s", domain.ErrNotFound, ref)
	}
	switch c.Status {
	case domain.ContributionStatusApplied:
		return c, domain.ErrAlreadyApplied
	case domain.ContributionStatusRefunded:
		return c, fmt.Errorf("%w: contribution %s was refunded", domain.ErrInvalidState, c.ID)
	}

	quote, err := domain.CalculateFee(c.Amount, l.fees)
	if err != nil {
		return domain.Contribution{}, err
	}
	now := l.now().UTC()
	c.Status = domain.ContributionStatusApplied
	c.Fee = quote.Fee
	c.NetToEvent = c.Amount
	c.AppliedAt = &now
	c.UpdatedAt = now
	if err := l.save(ctx, c); err != nil {
		return domain.Contribution{}, err
	}
	return c, nil
}

// MarkFailed moves the pending record for ref to failed. Failing an already failed
// reference is a no-op that returns the failed record.
func (l *Ledger) MarkFailed(ctx context.Context, paymentReference, reason string) (domain.Contribution, error) {
	ref := strings.TrimSpace(paymentReference)
	c, ok := l.Lookup(ref)
	if !ok {
		return domain.Contribution{}, fmt.Errorf("%w: %s", domain.ErrNotFound, ref)
	}
	switch c.Status {
	case domain.ContributionStatusFailed:
		return c, nil
	case domain.ContributionStatusApplied, domain.ContributionStatusRefunded:
		return c, fmt.Errorf("%w: contribution %s is %s", domain.ErrInvalidState, c.ID, c.Status)
	}
	return l.fail(ctx, c, reason)
}

func (l *Ledger) fail(ctx context.Context, c domain.Contribution, reason string) (domain.Contribution, error) {
	now := l.now().UTC()
	trimmed := strings.TrimSpace(reason)
	c.Status = domain.ContributionStatusFailed
	c.FailureReason = &trimmed
	c.FailedAt = &now
	c.UpdatedAt = now
	if err := l.save(ctx, c); err != nil {
		return domain.Contribution{}, err
	}
	return c, nil
}

// FailAllPending fails every pending record with the same reason and returns them.
func (l *Ledger) FailAllPending(ctx context.Context, reason string) ([]domain.Contribution, error) {
	failed := make([]domain.Contribution, 0)
	for _, c := range l.Pending() {
		updated, err := l.fail(ctx, c, reason)
		if err != nil {
			return nil, err
		}
		failed = append(failed, updated)
	}
	return failed, nil
}

// ReserveRefund marks an applied contribution as having a processor refund in
// flight. Reserving an already reserved contribution returns it unchanged.
func (l *Ledger) ReserveRefund(ctx context.Context, contributionID uuid.UUID, reason string) (domain.Contribution, error) {
	c, ok := l.Find(contributionID)
	if !ok {
		return domain.Contribution{}, domain.ErrContributionNotFound
	}
	if c.Status != domain.ContributionStatusApplied {
		return c, fmt.Errorf("%w: contribution %s is %s", domain.ErrInvalidState, c.ID, c.Status)
	}
	if c.RefundInFlight() {
		return c, nil
	}

	now := l.now().UTC()
	trimmed := strings.TrimSpace(reason)
	c.RefundReason = &trimmed
	c.RefundRequestedAt = &now
	c.UpdatedAt = now
	if err := l.save(ctx, c); err != nil {
		return domain.Contribution{}, err
	}
	return c, nil
}

// ReleaseRefund drops the reservation taken by ReserveRefund after the processor
// refused the refund.
func (l *Ledger) ReleaseRefund(ctx context.Context, contributionID uuid.UUID) (domain.Contribution, error) {
	c, ok := l.Find(contributionID)
	if !ok {
		return domain.Contribution{}, domain.ErrContributionNotFound
	}
	if !c.RefundInFlight() {
		return c, nil
	}
	c.RefundReason = nil
	c.RefundRequestedAt = nil
	c.UpdatedAt = l.now().UTC()
	if err := l.save(ctx, c); err != nil {
		return domain.Contribution{}, err
	}
	return c, nil
}

// MarkRefunded moves an applied contribution to refunded.
func (l *Ledger) MarkRefunded(ctx context.Context, contributionID uuid.UUID, reason, processorRefundID string) (domain.Contribution, error) {
	c, ok := l.Find(contributionID)
	if !ok {
		return domain.Contribution{}, domain.ErrContributionNotFound
	}
	if c.Status != domain.ContributionStatusApplied {
		return c, fmt.Errorf("%w: contribution %s is %s", domain.ErrInvalidState, c.ID, c.Status)
	}

	now := l.now().UTC()
	trimmed := strings.TrimSpace(reason)
	c.Status = domain.ContributionStatusRefunded
	c.RefundReason = &trimmed
	if refundID := strings.TrimSpace(processorRefundID); refundID != "" {
		c.ProcessorRefundID = &refundID
	}
	c.RefundedAt = &now
	c.UpdatedAt = now
	if err := l.save(ctx, c); err != nil {
		return domain.Contribution{}, err
	}
	return c, nil
}

// TotalApplied sums NetToEvent over applied records. Fees are charged on top, so
// NetToEvent equals the contributed amount. The total is always derived from the records.
func (l *Ledger) TotalApplied() decimal.Decimal {
	total := decimal.Zero
	for _, c := range l.records {
		if c.Status == domain.ContributionStatusApplied {
			total = total.Add(c.NetToEvent)
		}
	}
	return total
}

// TotalSettled is TotalApplied without the contributions whose refund is in flight.
// Only settled money can fund an event.
func (l *Ledger) TotalSettled() decimal.Decimal {
	total := decimal.Zero
	for _, c := range l.records {
		if c.Status == domain.ContributionStatusApplied && !c.RefundInFlight() {
			total = total.Add(c.NetToEvent)
		}
	}
	return total
}

// Pending returns the pending records in ledger order.
func (l *Ledger) Pending() []domain.Contribution {
	pending := make([]domain.Contribution, 0)
	for _, c := range l.records {
		if c.Status == domain.ContributionStatusPending {
			pending = append(pending, c)
		}
	}
	return pending
}

func (l *Ledger) save(ctx context.Context, c domain.Contribution) error {
	if err := l.tx.UpdateContribution(ctx, c); err != nil {
		return err
	}
	for i := range l.records {
		if l.records[i].ID == c.ID {
			l.records[i] = c
			break
		}
	}
	return nil
}
