/**
 * @description
 * This file defines the storage contracts for the funding-service. The business
 * logic only depends on these interfaces, which lets the same ledger and state
 * machine run against PostgreSQL in production and against the in-memory store
 * in tests and local development.
 *
 * @notes
 * - Every write that touches an event's balance, status or contribution set goes
 *   through WithEventLock, which serializes writers per event. Reads outside the
 *   lock are snapshots and must never be used to decide a write.
 */

package store

import (
	"context"
	"time"

	"github.com/giftstock/funding-service/internal/domain"
	"github.com/google/uuid"
)

// Repository defines the set of methods for interacting with durable storage.
type Repository interface {
	// Event methods
	CreateEvent(ctx context.Context, event *domain.Event) error
	FindEventByID(ctx context.Context, eventID uuid.UUID) (*domain.Event, error)

	// Contribution reads. These are unlocked snapshots.
	FindContributionByID(ctx context.Context, contributionID uuid.UUID) (*domain.Contribution, error)
	// FindLatestContributionByReference prefers the newest non-failed record for the
	// reference and falls back to the newest failed one.
	FindLatestContributionByReference(ctx context.Context, paymentReference string) (*domain.Contribution, error)
	ListContributionsByEvent(ctx context.Context, eventID uuid.UUID) ([]domain.Contribution, error)
	ListStalePendingContributions(ctx context.Context, createdBefore time.Time, limit int) ([]domain.Contribution, error)

	// WithEventLock runs fn inside the per-event critical section. Everything fn writes
	// through the EventTx is committed atomically when fn returns nil and discarded
	// otherwise. Returns domain.ErrEventNotFound if the event does not exist.
	WithEventLock(ctx context.Context, eventID uuid.UUID, fn func(tx EventTx) error) error

	OutboxRepository
}

// EventTx is the view of one locked event handed to WithEventLock callbacks.
type EventTx interface {
	// Event returns the event row as read under the lock.
	Event() domain.Event
	SaveEvent(ctx context.Context, event domain.Event) error
	Contributions(ctx context.Context) ([]domain.Contribution, error)
	InsertContribution(ctx context.Context, contribution domain.Contribution) error
	UpdateContribution(ctx context.Context, contribution domain.Contribution) error
	// Enqueue records an outbound message that is published only if the transaction commits.
	Enqueue(ctx context.Context, exchange, routingKey string, payload interface{}) error
}

// OutboxMessage is a committed notification waiting to be published to RabbitMQ.
type OutboxMessage struct {
	ID         int64
	Exchange   string
	RoutingKey string
	Payload    []byte
	Attempts   int
}

// OutboxRepository is used by the outbox dispatcher.
type OutboxRepository interface {
	ClaimOutboxMessages(ctx context.Context, limit int, staleAfterSeconds int) ([]OutboxMessage, error)
	MarkOutboxPublished(ctx context.Context, id int64) error
	MarkOutboxFailed(ctx context.Context, id int64, retryAfterSeconds int, reason string) error
}
