/**
 * @description
 * This file defines the gifting event aggregate and its lifecycle statuses.
 * An event collects contributions from friends toward a target amount which is
 * later used to buy stock on behalf of the recipient.
 *
 * @notes
 * - Amounts are decimal values in major currency units (e.g. dollars) with at most
 *   two fractional digits; they are never represented as float64.
 * - CurrentAmount is only ever written by the funding state machine and always
 *   equals the sum of applied contributions.
 */

package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// EventStatus is the lifecycle state of a gifting event.
type EventStatus string

const (
	EventStatusActive     EventStatus = "active"
	EventStatusFunded     EventStatus = "funded"
	EventStatusPurchasing EventStatus = "purchasing"
	EventStatusInvested   EventStatus = "invested"
	EventStatusCompleted  EventStatus = "completed"
	EventStatusCancelled  EventStatus = "cancelled"
)

// IsTerminal reports whether no further transition is possible from s.
func (s EventStatus) IsTerminal() bool {
	return s == EventStatusCompleted || s == EventStatusCancelled
}

// Valid reports whether s is a known status.
func (s EventStatus) Valid() bool {
	switch s {
	case EventStatusActive, EventStatusFunded, EventStatusPurchasing,
		EventStatusInvested, EventStatusCompleted, EventStatusCancelled:
		return true
	}
	return false
}

// Event represents a gifting event. It maps to the `events` table.
type Event struct {
	ID               uuid.UUID       `json:"id"`
	Title            string          `json:"title"`
	RecipientName    string          `json:"recipient_name"`
	TargetAmount     decimal.Decimal `json:"target_amount"`
	CurrentAmount    decimal.Decimal `json:"current_amount"`
	Currency         string          `json:"currency"`
	Status           EventStatus     `json:"status"`
	CreatedBy        string          `json:"created_by"`
	Deadline         *time.Time      `json:"deadline,omitempty"`
	BrokerageOrderID *string         `json:"brokerage_order_id,omitempty"`
	StatusReason     *string         `json:"status_reason,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// RemainingAmount is how much can still be applied before the event reaches its target.
func (e Event) RemainingAmount() decimal.Decimal {
	remaining := e.TargetAmount.Sub(e.CurrentAmount)
	if remaining.IsNegative() {
		return decimal.Zero
	}
	return remaining
}

// AcceptsContributions reports whether new payment intents may be opened for the event.
func (e Event) AcceptsContributions(now time.Time) bool {
	if e.Status != EventStatusActive {
		return false
	}
	if e.Deadline != nil && now.After(*e.Deadline) {
		return false
	}
	return true
}

// CreateEventRequest is the DTO for creating a new gifting event.
type CreateEventRequest struct {
	Title         string     `json:"title" validate:"required,max=120"`
	RecipientName string     `json:"recipient_name" validate:"required,max=120"`
	TargetAmount  string     `json:"target_amount" validate:"required"`
	Deadline      *time.Time `json:"deadline,omitempty"`
}

// CancelEventRequest is the DTO for cancelling an event.
type CancelEventRequest struct {
	Reason string `json:"reason" validate:"max=500"`
}

// EventDetails bundles an event with its contribution ledger for read endpoints.
type EventDetails struct {
	Event           Event           `json:"event"`
	RemainingAmount decimal.Decimal `json:"remaining_amount"`
	Contributions   []Contribution  `json:"contributions"`
}
