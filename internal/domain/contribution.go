package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ContributionStatus is the lifecycle state of a single contribution.
type ContributionStatus string

const (
	ContributionStatusPending  ContributionStatus = "pending"
	ContributionStatusApplied  ContributionStatus = "applied"
	ContributionStatusFailed   ContributionStatus = "failed"
	ContributionStatusRefunded ContributionStatus = "refunded"
)

// MaxContributionMessageLength caps the free-text note attached to a contribution.
const MaxContributionMessageLength = 200

// FailureReasonPaymentWindowExpired is recorded when the janitor sweeps a stale pending contribution.
const FailureReasonPaymentWindowExpired = "payment_window_expired"

// FailureReasonEventCancelled is recorded on pending contributions failed by an event cancellation.
const FailureReasonEventCancelled = "event_cancelled"

// Contribution is one friend's payment toward an event. It maps to the `contributions` table.
type Contribution struct {
	ID                uuid.UUID          `json:"id"`
	EventID           uuid.UUID          `json:"event_id"`
	PaymentReference  string             `json:"payment_reference"`
	ContributorID     string             `json:"contributor_id"`
	Amount            decimal.Decimal    `json:"amount"`
	Fee               decimal.Decimal    `json:"fee"`
	NetToEvent        decimal.Decimal    `json:"net_to_event"`
	Status            ContributionStatus `json:"status"`
	Message           string             `json:"message,omitempty"`
	FailureReason     *string            `json:"failure_reason,omitempty"`
	RefundReason      *string            `json:"refund_reason,omitempty"`
	ProcessorRefundID *string            `json:"processor_refund_id,omitempty"`
	CreatedAt         time.Time          `json:"created_at"`
	UpdatedAt         time.Time          `json:"updated_at"`
	AppliedAt         *time.Time         `json:"applied_at,omitempty"`
	FailedAt          *time.Time         `json:"failed_at,omitempty"`
	RefundedAt        *time.Time         `json:"refunded_at,omitempty"`
	RefundRequestedAt *time.Time         `json:"refund_requested_at,omitempty"`
}

// IsTerminal reports whether the contribution can no longer move to applied.
func (c Contribution) IsTerminal() bool {
	return c.Status != ContributionStatusPending
}

// RefundInFlight reports whether an applied contribution is reserved by a refund
// that the processor has not confirmed yet.
func (c Contribution) RefundInFlight() bool {
	return c.Status == ContributionStatusApplied && c.RefundRequestedAt != nil
}

// CreatePaymentIntentRequest is the DTO for opening a new contribution payment.
// Amount is decoded loosely (string or json.Number) and checked by ValidateAmount.
// IdempotencyKey comes from the Idempotency-Key header, not the body.
type CreatePaymentIntentRequest struct {
	Amount         any    `json:"amount" validate:"required"`
	Message        string `json:"message"`
	IdempotencyKey string `json:"-"`
}

// PaymentIntent is returned to the client so it can complete card entry with the processor.
type PaymentIntent struct {
	PaymentReference string       `json:"payment_reference"`
	ClientSecret     string       `json:"client_secret"`
	Contribution     Contribution `json:"contribution"`
	Fee              FeeBreakdown `json:"fee"`
}

// RefundRequest is the DTO for refunding an applied contribution.
type RefundRequest struct {
	Reason          string `json:"reason" validate:"required,max=500"`
	RollbackFunding bool   `json:"rollback_funding"`
}

// RefundResult describes a completed refund.
type RefundResult struct {
	Contribution      Contribution    `json:"contribution"`
	Event             Event           `json:"event"`
	RefundAmount      decimal.Decimal `json:"refund_amount"`
	ProcessorRefundID string          `json:"processor_refund_id,omitempty"`
	RolledBack        bool            `json:"rolled_back"`
}
