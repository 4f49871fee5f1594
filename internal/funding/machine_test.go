package funding

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/giftstock/funding-service/internal/domain"
	"github.com/giftstock/funding-service/internal/ledger"
	"github.com/giftstock/funding-service/internal/store"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type harness struct {
	repo    *store.MemoryRepository
	eventID uuid.UUID
	clock   time.Time
}

func newHarness(t *testing.T, target string) *harness {
	t.Helper()
	h := &harness{
		repo:    store.NewMemoryRepository(),
		eventID: uuid.New(),
		clock:   time.Date(2026, 5, 10, 9, 0, 0, 0, time.UTC),
	}
	require.NoError(t, h.repo.CreateEvent(context.Background(), &domain.Event{
		ID:            h.eventID,
		Title:         "Wedding fund",
		RecipientName: "Alex",
		TargetAmount:  decimal.RequireFromString(target),
		CurrentAmount: decimal.Zero,
		Currency:      "usd",
		Status:        domain.EventStatusActive,
		CreatedBy:     "user_creator",
	}))
	return h
}

func (h *harness) now() time.Time {
	h.clock = h.clock.Add(time.Second)
	return h.clock
}

func (h *harness) run(t *testing.T, fn func(m *Machine) error) error {
	t.Helper()
	return h.repo.WithEventLock(context.Background(), h.eventID, func(tx store.EventTx) error {
		m, err := Load(context.Background(), tx, Options{Exchange: "giftstock.events", Fees: domain.DefaultFeeSchedule(), Now: h.now})
		require.NoError(t, err)
		return fn(m)
	})
}

func (h *harness) event(t *testing.T) domain.Event {
	t.Helper()
	event, err := h.repo.FindEventByID(context.Background(), h.eventID)
	require.NoError(t, err)
	return *event
}

// contribute opens and applies a contribution in two critical sections.
func (h *harness) contribute(t *testing.T, ref, amount string) (domain.Contribution, error) {
	t.Helper()
	err := h.run(t, func(m *Machine) error {
		_, err := m.AppendPending(context.Background(), ledger.PendingInput{
			PaymentReference: ref,
			ContributorID:    "user_" + ref,
			Amount:           decimal.RequireFromString(amount),
		})
		return err
	})
	if err != nil {
		return domain.Contribution{}, err
	}
	var applied domain.Contribution
	err = h.run(t, func(m *Machine) error {
		var applyErr error
		applied, applyErr = m.Apply(context.Background(), ref)
		return applyErr
	})
	return applied, err
}

func (h *harness) routingKeys() []string {
	keys := make([]string, 0)
	for _, msg := range h.repo.OutboxMessages() {
		keys = append(keys, msg.RoutingKey)
	}
	return keys
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to domain.EventStatus
		want     bool
	}{
		{domain.EventStatusActive, domain.EventStatusFunded, true},
		{domain.EventStatusActive, domain.EventStatusCancelled, true},
		{domain.EventStatusFunded, domain.EventStatusPurchasing, true},
		{domain.EventStatusFunded, domain.EventStatusCancelled, true},
		{domain.EventStatusPurchasing, domain.EventStatusInvested, true},
		{domain.EventStatusInvested, domain.EventStatusCompleted, true},
		{domain.EventStatusActive, domain.EventStatusPurchasing, false},
		{domain.EventStatusFunded, domain.EventStatusActive, false},
		{domain.EventStatusPurchasing, domain.EventStatusCancelled, false},
		{domain.EventStatusCompleted, domain.EventStatusActive, false},
		{domain.EventStatusCancelled, domain.EventStatusActive, false},
		{domain.EventStatusCompleted, domain.EventStatusCancelled, false},
		{domain.EventStatusCancelled, domain.EventStatusFunded, false},
		{domain.EventStatus("archived"), domain.EventStatusActive, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, CanTransition(tt.from, tt.to))
		})
	}
}

func TestApplyRejectsOvershootAndKeepsCurrentAmount(t *testing.T) {
	h := newHarness(t, "100.00")

	_, err := h.contribute(t, "pi_90", "90.00")
	require.NoError(t, err)

	// Open the pending record while the remaining amount still allowed it.
	require.NoError(t, h.run(t, func(m *Machine) error {
		_, err := m.Ledger().AppendPending(context.Background(), ledger.PendingInput{
			PaymentReference: "pi_20",
			Amount:           decimal.RequireFromString("20.00"),
		})
		return err
	}))

	err = h.run(t, func(m *Machine) error {
		_, err := m.Apply(context.Background(), "pi_20")
		return err
	})
	require.ErrorIs(t, err, domain.ErrFundingCapExceeded)
	var capErr *domain.FundingCapError
	require.ErrorAs(t, err, &capErr)
	assert.Equal(t, "10.00", capErr.Remaining.StringFixed(2))

	event := h.event(t)
	assert.Equal(t, "90.00", event.CurrentAmount.StringFixed(2))
	assert.Equal(t, domain.EventStatusActive, event.Status)
}

func TestCheckCanContributeRejectsAboveRemaining(t *testing.T) {
	h := newHarness(t, "100.00")
	_, err := h.contribute(t, "pi_90", "90.00")
	require.NoError(t, err)

	err = h.run(t, func(m *Machine) error {
		return m.CheckCanContribute(decimal.RequireFromString("20.00"))
	})
	assert.ErrorIs(t, err, domain.ErrFundingCapExceeded)

	err = h.run(t, func(m *Machine) error {
		return m.CheckCanContribute(decimal.RequireFromString("10.00"))
	})
	assert.NoError(t, err)
}

func TestReachingTargetFundsEvent(t *testing.T) {
	h := newHarness(t, "100.00")

	_, err := h.contribute(t, "pi_99", "99.00")
	require.NoError(t, err)
	assert.Equal(t, domain.EventStatusActive, h.event(t).Status)

	_, err = h.contribute(t, "pi_1", "1.00")
	require.NoError(t, err)

	event := h.event(t)
	assert.Equal(t, domain.EventStatusFunded, event.Status)
	assert.Equal(t, "100.00", event.CurrentAmount.StringFixed(2))
	assert.Contains(t, h.routingKeys(), domain.RoutingKeyEventFunded)

	err = h.run(t, func(m *Machine) error {
		return m.CheckCanContribute(decimal.RequireFromString("1.00"))
	})
	assert.ErrorIs(t, err, domain.ErrEventNotAccepting)
}

func TestApplyTwiceReturnsAlreadyApplied(t *testing.T) {
	h := newHarness(t, "100.00")
	first, err := h.contribute(t, "pi_twice", "30.00")
	require.NoError(t, err)

	err = h.run(t, func(m *Machine) error {
		again, err := m.Apply(context.Background(), "pi_twice")
		assert.Equal(t, first.ID, again.ID)
		return err
	})
	assert.ErrorIs(t, err, domain.ErrAlreadyApplied)
	assert.Equal(t, "30.00", h.event(t).CurrentAmount.StringFixed(2))
}

func TestRefundOnActiveEvent(t *testing.T) {
	h := newHarness(t, "100.00")
	var last domain.Contribution
	for _, ref := range []string{"pi_a", "pi_b", "pi_c"} {
		c, err := h.contribute(t, ref, "25.00")
		require.NoError(t, err)
		last = c
	}
	require.Equal(t, "75.00", h.event(t).CurrentAmount.StringFixed(2))

	var outcome RefundOutcome
	require.NoError(t, h.run(t, func(m *Machine) error {
		var err error
		outcome, err = m.Refund(context.Background(), RefundInput{ContributionID: last.ID, Reason: "changed mind", ProcessorRefundID: "re_1"})
		return err
	}))

	assert.False(t, outcome.RolledBack)
	assert.Equal(t, domain.ContributionStatusRefunded, outcome.Contribution.Status)
	event := h.event(t)
	assert.Equal(t, "50.00", event.CurrentAmount.StringFixed(2))
	assert.Equal(t, domain.EventStatusActive, event.Status)
	assert.Contains(t, h.routingKeys(), domain.RoutingKeyContributionRefunded)
}

func TestRefundAfterFundingRequiresRollback(t *testing.T) {
	h := newHarness(t, "50.00")
	a, err := h.contribute(t, "pi_a", "25.00")
	require.NoError(t, err)
	_, err = h.contribute(t, "pi_b", "25.00")
	require.NoError(t, err)
	require.Equal(t, domain.EventStatusFunded, h.event(t).Status)

	err = h.run(t, func(m *Machine) error {
		_, err := m.Refund(context.Background(), RefundInput{ContributionID: a.ID, Reason: "oops"})
		return err
	})
	require.ErrorIs(t, err, domain.ErrRefundNotAllowedAfterFunding)
	assert.Equal(t, domain.EventStatusFunded, h.event(t).Status)
	assert.Equal(t, "50.00", h.event(t).CurrentAmount.StringFixed(2))

	var outcome RefundOutcome
	require.NoError(t, h.run(t, func(m *Machine) error {
		var err error
		outcome, err = m.Refund(context.Background(), RefundInput{ContributionID: a.ID, Reason: "oops", RollbackFunding: true})
		return err
	}))
	assert.True(t, outcome.RolledBack)

	event := h.event(t)
	assert.Equal(t, domain.EventStatusActive, event.Status)
	assert.Equal(t, "25.00", event.CurrentAmount.StringFixed(2))
}

func TestReservedRefundKeepsEventFromFunding(t *testing.T) {
	h := newHarness(t, "100.00")
	a, err := h.contribute(t, "pi_a", "50.00")
	require.NoError(t, err)

	require.NoError(t, h.run(t, func(m *Machine) error {
		outcome, err := m.ReserveRefund(context.Background(), a.ID, "changed mind", false)
		assert.False(t, outcome.RolledBack)
		return err
	}))

	b, err := h.contribute(t, "pi_b", "50.00")
	require.NoError(t, err)
	assert.Equal(t, domain.ContributionStatusApplied, b.Status)
	event := h.event(t)
	assert.Equal(t, domain.EventStatusActive, event.Status, "money being refunded cannot fund the event")
	assert.Equal(t, "100.00", event.CurrentAmount.StringFixed(2))
	assert.NotContains(t, h.routingKeys(), domain.RoutingKeyEventFunded)

	_, err = h.contribute(t, "pi_c", "0.01")
	var capErr *domain.FundingCapError
	require.ErrorAs(t, err, &capErr, "the reserved amount still counts toward the cap")

	require.NoError(t, h.run(t, func(m *Machine) error {
		return m.ReleaseRefund(context.Background(), a.ID)
	}))
	assert.Equal(t, domain.EventStatusFunded, h.event(t).Status)
	assert.Contains(t, h.routingKeys(), domain.RoutingKeyEventFunded)
}

func TestReserveRefundOnFundedEventRollsBackAndCommits(t *testing.T) {
	h := newHarness(t, "50.00")
	a, err := h.contribute(t, "pi_a", "50.00")
	require.NoError(t, err)
	require.Equal(t, domain.EventStatusFunded, h.event(t).Status)

	err = h.run(t, func(m *Machine) error {
		_, err := m.ReserveRefund(context.Background(), a.ID, "oops", false)
		return err
	})
	require.ErrorIs(t, err, domain.ErrRefundNotAllowedAfterFunding)

	var reserved RefundOutcome
	require.NoError(t, h.run(t, func(m *Machine) error {
		var err error
		reserved, err = m.ReserveRefund(context.Background(), a.ID, "oops", true)
		return err
	}))
	assert.True(t, reserved.RolledBack)
	assert.Equal(t, domain.EventStatusActive, h.event(t).Status)

	var committed RefundOutcome
	for i := 0; i < 2; i++ {
		require.NoError(t, h.run(t, func(m *Machine) error {
			var err error
			committed, err = m.Refund(context.Background(), RefundInput{ContributionID: a.ID, Reason: "oops", ProcessorRefundID: "re_1"})
			return err
		}))
	}
	assert.Equal(t, domain.ContributionStatusRefunded, committed.Contribution.Status)
	assert.False(t, committed.RolledBack)

	refunds := 0
	for _, key := range h.routingKeys() {
		if key == domain.RoutingKeyContributionRefunded {
			refunds++
		}
	}
	assert.Equal(t, 1, refunds, "committing the same processor refund twice emits one refund message")
	assert.Equal(t, "0.00", h.event(t).CurrentAmount.StringFixed(2))
}

func TestRefundBlockedOncePurchasing(t *testing.T) {
	h := newHarness(t, "20.00")
	c, err := h.contribute(t, "pi_full", "20.00")
	require.NoError(t, err)

	require.NoError(t, h.run(t, func(m *Machine) error {
		changed, err := m.Advance(context.Background(), domain.EventStatusPurchasing, "ord_1", "order placed")
		assert.True(t, changed)
		return err
	}))
	event := h.event(t)
	require.Equal(t, domain.EventStatusPurchasing, event.Status)
	require.NotNil(t, event.BrokerageOrderID)
	assert.Equal(t, "ord_1", *event.BrokerageOrderID)

	err = h.run(t, func(m *Machine) error {
		_, err := m.Refund(context.Background(), RefundInput{ContributionID: c.ID, Reason: "late", RollbackFunding: true})
		return err
	})
	assert.ErrorIs(t, err, domain.ErrRefundNotAllowedAfterFunding)
}

func TestRefundOfPendingContributionIsInvalidState(t *testing.T) {
	h := newHarness(t, "100.00")
	var pendingID uuid.UUID
	require.NoError(t, h.run(t, func(m *Machine) error {
		c, err := m.AppendPending(context.Background(), ledger.PendingInput{PaymentReference: "pi_p", Amount: decimal.RequireFromString("5")})
		pendingID = c.ID
		return err
	}))

	err := h.run(t, func(m *Machine) error {
		_, err := m.Refund(context.Background(), RefundInput{ContributionID: pendingID, Reason: "x"})
		return err
	})
	assert.ErrorIs(t, err, domain.ErrInvalidState)
}

func TestAdvanceLifecycle(t *testing.T) {
	h := newHarness(t, "10.00")

	err := h.run(t, func(m *Machine) error {
		_, err := m.Advance(context.Background(), domain.EventStatusPurchasing, "ord", "")
		return err
	})
	require.ErrorIs(t, err, domain.ErrIllegalTransition)
	var transitionErr *domain.TransitionError
	require.ErrorAs(t, err, &transitionErr)
	assert.Equal(t, domain.EventStatusActive, transitionErr.From)

	_, err = h.contribute(t, "pi_all", "10.00")
	require.NoError(t, err)

	steps := []domain.EventStatus{domain.EventStatusPurchasing, domain.EventStatusInvested, domain.EventStatusCompleted}
	for _, to := range steps {
		require.NoError(t, h.run(t, func(m *Machine) error {
			_, err := m.Advance(context.Background(), to, "ord_9", "")
			return err
		}))
		assert.Equal(t, to, h.event(t).Status)
	}

	require.NoError(t, h.run(t, func(m *Machine) error {
		changed, err := m.Advance(context.Background(), domain.EventStatusCompleted, "", "")
		assert.False(t, changed)
		return err
	}))

	err = h.run(t, func(m *Machine) error {
		_, err := m.Advance(context.Background(), domain.EventStatusFunded, "", "")
		return err
	})
	assert.ErrorIs(t, err, domain.ErrIllegalTransition)
}

func TestCancelFailsPendingContributions(t *testing.T) {
	h := newHarness(t, "100.00")
	_, err := h.contribute(t, "pi_applied", "10.00")
	require.NoError(t, err)
	require.NoError(t, h.run(t, func(m *Machine) error {
		_, err := m.AppendPending(context.Background(), ledger.PendingInput{PaymentReference: "pi_open", Amount: decimal.RequireFromString("5")})
		return err
	}))

	var failed []domain.Contribution
	require.NoError(t, h.run(t, func(m *Machine) error {
		var changed bool
		var err error
		failed, changed, err = m.Cancel(context.Background(), "creator cancelled")
		assert.True(t, changed)
		return err
	}))
	require.Len(t, failed, 1)
	assert.Equal(t, "pi_open", failed[0].PaymentReference)
	assert.Equal(t, domain.FailureReasonEventCancelled, *failed[0].FailureReason)

	event := h.event(t)
	assert.Equal(t, domain.EventStatusCancelled, event.Status)
	assert.Equal(t, "10.00", event.CurrentAmount.StringFixed(2))

	require.NoError(t, h.run(t, func(m *Machine) error {
		_, changed, err := m.Cancel(context.Background(), "again")
		assert.False(t, changed)
		return err
	}))

	err = h.run(t, func(m *Machine) error {
		return m.CheckCanContribute(decimal.RequireFromString("1"))
	})
	assert.ErrorIs(t, err, domain.ErrEventNotAccepting)
}

func TestCancelAfterPurchasingIsIllegal(t *testing.T) {
	h := newHarness(t, "10.00")
	_, err := h.contribute(t, "pi_all", "10.00")
	require.NoError(t, err)
	require.NoError(t, h.run(t, func(m *Machine) error {
		_, err := m.Advance(context.Background(), domain.EventStatusPurchasing, "ord", "")
		return err
	}))

	err = h.run(t, func(m *Machine) error {
		_, _, err := m.Cancel(context.Background(), "too late")
		return err
	})
	assert.ErrorIs(t, err, domain.ErrIllegalTransition)
}

func TestStatusChangePayload(t *testing.T) {
	h := newHarness(t, "5.00")
	_, err := h.contribute(t, "pi_5", "5.00")
	require.NoError(t, err)

	var changed domain.EventStatusChanged
	for _, msg := range h.repo.OutboxMessages() {
		if msg.RoutingKey == domain.RoutingKeyEventStatusChanged {
			require.NoError(t, json.Unmarshal(msg.Payload, &changed))
		}
	}
	assert.Equal(t, h.eventID, changed.EventID)
	assert.Equal(t, domain.EventStatusActive, changed.From)
	assert.Equal(t, domain.EventStatusFunded, changed.To)
	assert.Equal(t, "giftstock.events", h.repo.OutboxMessages()[0].Exchange)
}
