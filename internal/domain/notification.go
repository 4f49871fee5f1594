package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Routing keys published on the events exchange.
const (
	RoutingKeyEventStatusChanged    = "funding.event.status_changed"
	RoutingKeyEventFunded           = "funding.event.funded"
	RoutingKeyContributionApplied   = "funding.contribution.applied"
	RoutingKeyContributionRefunded  = "funding.contribution.refunded"
	RoutingKeyOrphanedPayment       = "funding.contribution.orphaned_payment"
	RoutingKeyBrokerageOrderPlaced  = "brokerage.order.placed"
	RoutingKeyBrokerageOrderFilled  = "brokerage.order.filled"
	RoutingKeyBrokeragePositionDone = "brokerage.position.delivered"
)

// EventStatusChanged is emitted on every event status transition.
type EventStatusChanged struct {
	EventID       uuid.UUID       `json:"event_id"`
	From          EventStatus     `json:"from"`
	To            EventStatus     `json:"to"`
	CurrentAmount decimal.Decimal `json:"current_amount"`
	TargetAmount  decimal.Decimal `json:"target_amount"`
	Reason        string          `json:"reason,omitempty"`
	OccurredAt    time.Time       `json:"occurred_at"`
}

// EventFunded tells the brokerage execution service that an event is ready to buy.
type EventFunded struct {
	EventID       uuid.UUID       `json:"event_id"`
	CurrentAmount decimal.Decimal `json:"current_amount"`
	Currency      string          `json:"currency"`
	RecipientName string          `json:"recipient_name"`
	CreatedBy     string          `json:"created_by"`
	FundedAt      time.Time       `json:"funded_at"`
}

// ContributionApplied is emitted once per contribution when its payment is confirmed.
type ContributionApplied struct {
	ContributionID   uuid.UUID       `json:"contribution_id"`
	EventID          uuid.UUID       `json:"event_id"`
	PaymentReference string          `json:"payment_reference"`
	ContributorID    string          `json:"contributor_id"`
	Amount           decimal.Decimal `json:"amount"`
	CurrentAmount    decimal.Decimal `json:"current_amount"`
	AppliedAt        time.Time       `json:"applied_at"`
}

// ContributionRefunded is emitted when a refund completes.
type ContributionRefunded struct {
	ContributionID    uuid.UUID       `json:"contribution_id"`
	EventID           uuid.UUID       `json:"event_id"`
	ContributorID     string          `json:"contributor_id"`
	RefundAmount      decimal.Decimal `json:"refund_amount"`
	Reason            string          `json:"reason"`
	ProcessorRefundID string          `json:"processor_refund_id,omitempty"`
	CurrentAmount     decimal.Decimal `json:"current_amount"`
	RefundedAt        time.Time       `json:"refunded_at"`
}

// OrphanedPayment flags a payment that succeeded at the processor after its contribution was
// already failed. Operations must refund the card out of band.
type OrphanedPayment struct {
	EventID          uuid.UUID `json:"event_id"`
	PaymentReference string    `json:"payment_reference"`
	FailureReason    string    `json:"failure_reason"`
	DetectedAt       time.Time `json:"detected_at"`
}

// BrokerageOrderUpdate is consumed from the brokerage execution service.
type BrokerageOrderUpdate struct {
	EventID    uuid.UUID `json:"event_id"`
	OrderID    string    `json:"order_id"`
	Status     string    `json:"status"`
	Reason     string    `json:"reason,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}
