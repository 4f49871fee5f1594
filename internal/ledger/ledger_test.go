package ledger

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/giftstock/funding-service/internal/domain"
	"github.com/giftstock/funding-service/internal/store"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errAbort = errors.New("abort")

type fixture struct {
	repo    *store.MemoryRepository
	eventID uuid.UUID
	clock   time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	repo := store.NewMemoryRepository()
	f := &fixture{
		repo:    repo,
		eventID: uuid.New(),
		clock:   time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	require.NoError(t, repo.CreateEvent(context.Background(), &domain.Event{
		ID:            f.eventID,
		Title:         "Graduation",
		RecipientName: "Sam",
		TargetAmount:  decimal.RequireFromString("100.00"),
		CurrentAmount: decimal.Zero,
		Currency:      "usd",
		Status:        domain.EventStatusActive,
		CreatedBy:     "user_creator",
	}))
	return f
}

func (f *fixture) now() time.Time {
	f.clock = f.clock.Add(time.Second)
	return f.clock
}

func (f *fixture) with(t *testing.T, fn func(l *Ledger) error) error {
	t.Helper()
	return f.repo.WithEventLock(context.Background(), f.eventID, func(tx store.EventTx) error {
		l, err := Open(context.Background(), tx, domain.DefaultFeeSchedule(), f.now)
		require.NoError(t, err)
		return fn(l)
	})
}

func pending(ref, amount string) PendingInput {
	return PendingInput{
		PaymentReference: ref,
		ContributorID:    "user_" + ref,
		Amount:           decimal.RequireFromString(amount),
	}
}

func TestAppendPendingRecordsFeeAndNet(t *testing.T) {
	f := newFixture(t)

	var created domain.Contribution
	require.NoError(t, f.with(t, func(l *Ledger) error {
		var err error
		created, err = l.AppendPending(context.Background(), pending("pi_1", "25.00"))
		return err
	}))

	assert.Equal(t, domain.ContributionStatusPending, created.Status)
	assert.Equal(t, "1.03", created.Fee.StringFixed(2))
	assert.True(t, created.NetToEvent.Equal(created.Amount))

	stored, err := f.repo.FindContributionByID(context.Background(), created.ID)
	require.NoError(t, err)
	assert.Equal(t, "pi_1", stored.PaymentReference)
}

func TestAppendPendingRejectsLiveDuplicateButAllowsReuseAfterFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.with(t, func(l *Ledger) error {
		_, err := l.AppendPending(ctx, pending("pi_dup", "10.00"))
		return err
	}))

	err := f.with(t, func(l *Ledger) error {
		_, err := l.AppendPending(ctx, pending("pi_dup", "10.00"))
		return err
	})
	assert.ErrorIs(t, err, domain.ErrDuplicateReference)

	require.NoError(t, f.with(t, func(l *Ledger) error {
		_, err := l.MarkFailed(ctx, "pi_dup", "card_declined")
		return err
	}))
	require.NoError(t, f.with(t, func(l *Ledger) error {
		_, err := l.AppendPending(ctx, pending("pi_dup", "12.00"))
		return err
	}))

	records, err := f.repo.ListContributionsByEvent(ctx, f.eventID)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, domain.ContributionStatusFailed, records[0].Status)
	assert.Equal(t, domain.ContributionStatusPending, records[1].Status)
}

func TestAppendPendingValidatesInput(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tests := []struct {
		name    string
		input   PendingInput
		wantErr error
	}{
		{name: "zero amount", input: pending("pi_zero", "0"), wantErr: domain.ErrInvalidAmount},
		{name: "negative amount", input: pending("pi_neg", "-5"), wantErr: domain.ErrInvalidAmount},
		{
			name: "message too long",
			input: PendingInput{
				PaymentReference: "pi_msg",
				Amount:           decimal.RequireFromString("5"),
				Message:          string(make([]rune, domain.MaxContributionMessageLength+1)),
			},
			wantErr: domain.ErrMessageTooLong,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := f.with(t, func(l *Ledger) error {
				_, err := l.AppendPending(ctx, tt.input)
				return err
			})
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}

	err := f.with(t, func(l *Ledger) error {
		_, err := l.AppendPending(ctx, pending("   ", "5"))
		return err
	})
	assert.Error(t, err)
}

func TestMarkAppliedIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.with(t, func(l *Ledger) error {
		_, err := l.AppendPending(ctx, pending("pi_apply", "40.00"))
		return err
	}))

	var first domain.Contribution
	require.NoError(t, f.with(t, func(l *Ledger) error {
		var err error
		first, err = l.MarkApplied(ctx, "pi_apply")
		if err != nil {
			return err
		}
		assert.Equal(t, "40.00", l.TotalApplied().StringFixed(2))
		return nil
	}))
	require.NotNil(t, first.AppliedAt)

	require.NoError(t, f.with(t, func(l *Ledger) error {
		again, err := l.MarkApplied(ctx, "pi_apply")
		assert.ErrorIs(t, err, domain.ErrAlreadyApplied)
		assert.Equal(t, first.ID, again.ID)
		assert.Equal(t, "40.00", l.TotalApplied().StringFixed(2))
		return nil
	}))
}

func TestMarkAppliedUnknownOrFailedReference(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.with(t, func(l *Ledger) error {
		if _, err := l.AppendPending(ctx, pending("pi_expired", "10.00")); err != nil {
			return err
		}
		_, err := l.MarkFailed(ctx, "pi_expired", domain.FailureReasonPaymentWindowExpired)
		return err
	}))

	require.NoError(t, f.with(t, func(l *Ledger) error {
		_, err := l.MarkApplied(ctx, "pi_expired")
		assert.ErrorIs(t, err, domain.ErrNotFound)

		_, err = l.MarkApplied(ctx, "pi_missing")
		assert.ErrorIs(t, err, domain.ErrNotFound)

		c, ok := l.Lookup("pi_expired")
		require.True(t, ok)
		assert.Equal(t, domain.ContributionStatusFailed, c.Status)
		require.NotNil(t, c.FailureReason)
		assert.Equal(t, domain.FailureReasonPaymentWindowExpired, *c.FailureReason)
		return nil
	}))
}

func TestMarkFailedRules(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.with(t, func(l *Ledger) error {
		if _, err := l.AppendPending(ctx, pending("pi_a", "10.00")); err != nil {
			return err
		}
		if _, err := l.AppendPending(ctx, pending("pi_b", "10.00")); err != nil {
			return err
		}
		_, err := l.MarkApplied(ctx, "pi_a")
		return err
	}))

	require.NoError(t, f.with(t, func(l *Ledger) error {
		_, err := l.MarkFailed(ctx, "pi_a", "late_failure")
		assert.ErrorIs(t, err, domain.ErrInvalidState)

		failed, err := l.MarkFailed(ctx, "pi_b", "card_declined")
		require.NoError(t, err)
		assert.Equal(t, domain.ContributionStatusFailed, failed.Status)

		again, err := l.MarkFailed(ctx, "pi_b", "other")
		require.NoError(t, err)
		assert.Equal(t, "card_declined", *again.FailureReason)

		_, err = l.MarkFailed(ctx, "pi_none", "x")
		assert.ErrorIs(t, err, domain.ErrNotFound)
		return nil
	}))
}

func TestMarkRefundedReducesTotal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var toRefund domain.Contribution
	require.NoError(t, f.with(t, func(l *Ledger) error {
		for _, ref := range []string{"pi_1", "pi_2", "pi_3"} {
			if _, err := l.AppendPending(ctx, pending(ref, "25.00")); err != nil {
				return err
			}
			applied, err := l.MarkApplied(ctx, ref)
			if err != nil {
				return err
			}
			toRefund = applied
		}
		return nil
	}))

	require.NoError(t, f.with(t, func(l *Ledger) error {
		require.Equal(t, "75.00", l.TotalApplied().StringFixed(2))
		refunded, err := l.MarkRefunded(ctx, toRefund.ID, "duplicate gift", "re_123")
		require.NoError(t, err)
		assert.Equal(t, domain.ContributionStatusRefunded, refunded.Status)
		require.NotNil(t, refunded.ProcessorRefundID)
		assert.Equal(t, "re_123", *refunded.ProcessorRefundID)
		assert.Equal(t, "50.00", l.TotalApplied().StringFixed(2))

		_, err = l.MarkRefunded(ctx, toRefund.ID, "again", "")
		assert.ErrorIs(t, err, domain.ErrInvalidState)

		_, err = l.MarkRefunded(ctx, uuid.New(), "missing", "")
		assert.ErrorIs(t, err, domain.ErrContributionNotFound)

		_, err = l.MarkApplied(ctx, toRefund.PaymentReference)
		assert.ErrorIs(t, err, domain.ErrInvalidState)
		return nil
	}))
}

func TestReserveRefundHoldsAmountOutOfSettledTotal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var held, pendingOnly domain.Contribution
	require.NoError(t, f.with(t, func(l *Ledger) error {
		for _, ref := range []string{"pi_1", "pi_2"} {
			if _, err := l.AppendPending(ctx, pending(ref, "30.00")); err != nil {
				return err
			}
			applied, err := l.MarkApplied(ctx, ref)
			if err != nil {
				return err
			}
			held = applied
		}
		var err error
		pendingOnly, err = l.AppendPending(ctx, pending("pi_3", "10.00"))
		return err
	}))

	require.NoError(t, f.with(t, func(l *Ledger) error {
		reserved, err := l.ReserveRefund(ctx, held.ID, " duplicate gift ")
		require.NoError(t, err)
		assert.True(t, reserved.RefundInFlight())
		require.NotNil(t, reserved.RefundReason)
		assert.Equal(t, "duplicate gift", *reserved.RefundReason)
		assert.Equal(t, "60.00", l.TotalApplied().StringFixed(2))
		assert.Equal(t, "30.00", l.TotalSettled().StringFixed(2))

		again, err := l.ReserveRefund(ctx, held.ID, "other")
		require.NoError(t, err)
		assert.Equal(t, reserved.RefundRequestedAt, again.RefundRequestedAt)
		assert.Equal(t, "duplicate gift", *again.RefundReason)

		_, err = l.ReserveRefund(ctx, pendingOnly.ID, "x")
		assert.ErrorIs(t, err, domain.ErrInvalidState)
		_, err = l.ReserveRefund(ctx, uuid.New(), "x")
		assert.ErrorIs(t, err, domain.ErrContributionNotFound)
		return nil
	}))

	stored, err := f.repo.FindContributionByID(ctx, held.ID)
	require.NoError(t, err)
	assert.NotNil(t, stored.RefundRequestedAt)

	require.NoError(t, f.with(t, func(l *Ledger) error {
		released, err := l.ReleaseRefund(ctx, held.ID)
		require.NoError(t, err)
		assert.False(t, released.RefundInFlight())
		assert.Nil(t, released.RefundReason)
		assert.Equal(t, "60.00", l.TotalSettled().StringFixed(2))

		unchanged, err := l.ReleaseRefund(ctx, held.ID)
		require.NoError(t, err)
		assert.Equal(t, released.UpdatedAt, unchanged.UpdatedAt)
		return nil
	}))
}

func TestFailAllPendingLeavesAppliedAlone(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.with(t, func(l *Ledger) error {
		for _, ref := range []string{"pi_1", "pi_2", "pi_3"} {
			if _, err := l.AppendPending(ctx, pending(ref, "5.00")); err != nil {
				return err
			}
		}
		_, err := l.MarkApplied(ctx, "pi_2")
		return err
	}))

	require.NoError(t, f.with(t, func(l *Ledger) error {
		failed, err := l.FailAllPending(ctx, domain.FailureReasonEventCancelled)
		require.NoError(t, err)
		assert.Len(t, failed, 2)
		assert.Empty(t, l.Pending())
		assert.Equal(t, "5.00", l.TotalApplied().StringFixed(2))
		return nil
	}))
}

func TestWritesAreDiscardedWhenCriticalSectionFails(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	err := f.with(t, func(l *Ledger) error {
		if _, err := l.AppendPending(ctx, pending("pi_rollback", "10.00")); err != nil {
			return err
		}
		return errAbort
	})
	require.ErrorIs(t, err, errAbort)

	records, err := f.repo.ListContributionsByEvent(ctx, f.eventID)
	require.NoError(t, err)
	assert.Empty(t, records)
}
