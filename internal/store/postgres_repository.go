/**
 * @description
 * PostgreSQL implementation of the Repository interface using pgx.
 *
 * @notes
 * - The per-event critical section is a `SELECT ... FOR UPDATE` on the events row
 *   held for the lifetime of one pgx transaction.
 * - NUMERIC columns are read and written as text and converted with shopspring/decimal
 *   so no value ever passes through float64.
 */

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/giftstock/funding-service/internal/domain"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

const (
	pgUniqueViolation = "23505"
	pgUndefinedTable  = "42P01"
)

const eventColumns = `
	id, title, recipient_name, target_amount::text, current_amount::text, currency, status,
	created_by, deadline, brokerage_order_id, status_reason, created_at, updated_at`

const contributionColumns = `
	id, event_id, payment_reference, contributor_id, amount::text, fee::text, net_to_event::text,
	status, message, failure_reason, refund_reason, processor_refund_id,
	created_at, updated_at, applied_at, failed_at, refunded_at, refund_requested_at`

// PostgresRepository is the PostgreSQL implementation of the Repository interface.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository creates a new PostgresRepository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}

func isUndefinedTableError(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUndefinedTable
}

type rowScanner interface {
	Scan(dest ...any) error
}

func parseNumeric(column, raw string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("invalid numeric in %s: %w", column, err)
	}
	return d, nil
}

func scanEvent(row rowScanner) (*domain.Event, error) {
	var (
		event                 domain.Event
		target, current, stat string
	)
	if err := row.Scan(
		&event.ID, &event.Title, &event.RecipientName, &target, &current, &event.Currency, &stat,
		&event.CreatedBy, &event.Deadline, &event.BrokerageOrderID, &event.StatusReason,
		&event.CreatedAt, &event.UpdatedAt,
	); err != nil {
		return nil, err
	}
	var err error
	if event.TargetAmount, err = parseNumeric("target_amount", target); err != nil {
		return nil, err
	}
	if event.CurrentAmount, err = parseNumeric("current_amount", current); err != nil {
		return nil, err
	}
	event.Status = domain.EventStatus(stat)
	if !event.Status.Valid() {
		return nil, fmt.Errorf("unknown event status %q for event %s", stat, event.ID)
	}
	return &event, nil
}

func scanContribution(row rowScanner) (*domain.Contribution, error) {
	var (
		c                domain.Contribution
		amount, fee, net string
		status           string
	)
	if err := row.Scan(
		&c.ID, &c.EventID, &c.PaymentReference, &c.ContributorID, &amount, &fee, &net,
		&status, &c.Message, &c.FailureReason, &c.RefundReason, &c.ProcessorRefundID,
		&c.CreatedAt, &c.UpdatedAt, &c.AppliedAt, &c.FailedAt, &c.RefundedAt, &c.RefundRequestedAt,
	); err != nil {
		return nil, err
	}
	var err error
	if c.Amount, err = parseNumeric("amount", amount); err != nil {
		return nil, err
	}
	if c.Fee, err = parseNumeric("fee", fee); err != nil {
		return nil, err
	}
	if c.NetToEvent, err = parseNumeric("net_to_event", net); err != nil {
		return nil, err
	}
	c.Status = domain.ContributionStatus(status)
	return &c, nil
}

func collectContributions(rows pgx.Rows) ([]domain.Contribution, error) {
	defer rows.Close()
	contributions := make([]domain.Contribution, 0)
	for rows.Next() {
		c, err := scanContribution(rows)
		if err != nil {
			return nil, err
		}
		contributions = append(contributions, *c)
	}
	return contributions, rows.Err()
}

// CreateEvent inserts a new event row.
func (r *PostgresRepository) CreateEvent(ctx context.Context, event *domain.Event) error {
	query := `
		INSERT INTO events (
			id, title, recipient_name, target_amount, current_amount, currency, status,
			created_by, deadline, created_at, updated_at
		)
		VALUES ($1, $2, $3, $4::numeric, $5::numeric, $6, $7, $8, $9, $10, $11)
	`
	_, err := r.db.Exec(ctx, query,
		event.ID, event.Title, event.RecipientName, event.TargetAmount.StringFixed(2), event.CurrentAmount.StringFixed(2),
		event.Currency, string(event.Status), event.CreatedBy, event.Deadline, event.CreatedAt, event.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create event: %w", err)
	}
	return nil
}

// FindEventByID returns an unlocked snapshot of the event.
func (r *PostgresRepository) FindEventByID(ctx context.Context, eventID uuid.UUID) (*domain.Event, error) {
	query := `SELECT ` + eventColumns + ` FROM events WHERE id = $1`
	event, err := scanEvent(r.db.QueryRow(ctx, query, eventID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrEventNotFound
		}
		return nil, fmt.Errorf("failed to find event: %w", err)
	}
	return event, nil
}

func (r *PostgresRepository) FindContributionByID(ctx context.Context, contributionID uuid.UUID) (*domain.Contribution, error) {
	query := `SELECT ` + contributionColumns + ` FROM contributions WHERE id = $1`
	c, err := scanContribution(r.db.QueryRow(ctx, query, contributionID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrContributionNotFound
		}
		return nil, fmt.Errorf("failed to find contribution: %w", err)
	}
	return c, nil
}

func (r *PostgresRepository) FindLatestContributionByReference(ctx context.Context, paymentReference string) (*domain.Contribution, error) {
	query := `
		SELECT ` + contributionColumns + `
		FROM contributions
		WHERE payment_reference = $1
		ORDER BY (status <> 'failed') DESC, created_at DESC
		LIMIT 1
	`
	c, err := scanContribution(r.db.QueryRow(ctx, query, strings.TrimSpace(paymentReference)))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrContributionNotFound
		}
		return nil, fmt.Errorf("failed to find contribution by reference: %w", err)
	}
	return c, nil
}

func (r *PostgresRepository) ListContributionsByEvent(ctx context.Context, eventID uuid.UUID) ([]domain.Contribution, error) {
	query := `SELECT ` + contributionColumns + ` FROM contributions WHERE event_id = $1 ORDER BY created_at, id`
	rows, err := r.db.Query(ctx, query, eventID)
	if err != nil {
		return nil, fmt.Errorf("failed to list contributions: %w", err)
	}
	return collectContributions(rows)
}

func (r *PostgresRepository) ListStalePendingContributions(ctx context.Context, createdBefore time.Time, limit int) ([]domain.Contribution, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT ` + contributionColumns + `
		FROM contributions
		WHERE status = 'pending' AND created_at < $1
		ORDER BY created_at
		LIMIT $2
	`
	rows, err := r.db.Query(ctx, query, createdBefore, limit)
	if err != nil {
		if isUndefinedTableError(err) {
			return []domain.Contribution{}, nil
		}
		return nil, fmt.Errorf("failed to list stale pending contributions: %w", err)
	}
	return collectContributions(rows)
}

// WithEventLock locks the event row for the duration of fn and commits what fn wrote.
func (r *PostgresRepository) WithEventLock(ctx context.Context, eventID uuid.UUID, fn func(tx EventTx) error) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	query := `SELECT ` + eventColumns + ` FROM events WHERE id = $1 FOR UPDATE`
	event, err := scanEvent(tx.QueryRow(ctx, query, eventID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.ErrEventNotFound
		}
		return fmt.Errorf("failed to get and lock event: %w", err)
	}

	if err := fn(&postgresEventTx{tx: tx, event: *event}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit event transaction: %w", err)
	}
	return nil
}

type postgresEventTx struct {
	tx    pgx.Tx
	event domain.Event
}

func (t *postgresEventTx) Event() domain.Event {
	return t.event
}

func (t *postgresEventTx) SaveEvent(ctx context.Context, event domain.Event) error {
	if event.ID != t.event.ID {
		return fmt.Errorf("event %s is not locked by this transaction", event.ID)
	}
	query := `
		UPDATE events
		SET current_amount = $2::numeric,
			status = $3,
			brokerage_order_id = $4,
			status_reason = $5,
			updated_at = $6
		WHERE id = $1
	`
	if _, err := t.tx.Exec(ctx, query,
		event.ID, event.CurrentAmount.StringFixed(2), string(event.Status),
		event.BrokerageOrderID, event.StatusReason, event.UpdatedAt,
	); err != nil {
		return fmt.Errorf("failed to update event: %w", err)
	}
	t.event = event
	return nil
}

func (t *postgresEventTx) Contributions(ctx context.Context) ([]domain.Contribution, error) {
	query := `SELECT ` + contributionColumns + ` FROM contributions WHERE event_id = $1 ORDER BY created_at, id`
	rows, err := t.tx.Query(ctx, query, t.event.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to load contributions: %w", err)
	}
	return collectContributions(rows)
}

func (t *postgresEventTx) InsertContribution(ctx context.Context, c domain.Contribution) error {
	query := `
		INSERT INTO contributions (
			id, event_id, payment_reference, contributor_id, amount, fee, net_to_event,
			status, message, created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5::numeric, $6::numeric, $7::numeric, $8, $9, $10, $11)
	`
	_, err := t.tx.Exec(ctx, query,
		c.ID, c.EventID, c.PaymentReference, c.ContributorID,
		c.Amount.StringFixed(2), c.Fee.StringFixed(2), c.NetToEvent.StringFixed(2),
		string(c.Status), c.Message, c.CreatedAt, c.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ErrDuplicateReference
		}
		return fmt.Errorf("failed to insert contribution: %w", err)
	}
	return nil
}

func (t *postgresEventTx) UpdateContribution(ctx context.Context, c domain.Contribution) error {
	query := `
		UPDATE contributions
		SET status = $2,
			fee = $3::numeric,
			net_to_event = $4::numeric,
			failure_reason = $5,
			refund_reason = $6,
			processor_refund_id = $7,
			updated_at = $8,
			applied_at = $9,
			failed_at = $10,
			refunded_at = $11,
			refund_requested_at = $13
		WHERE id = $1 AND event_id = $12
	`
	tag, err := t.tx.Exec(ctx, query,
		c.ID, string(c.Status), c.Fee.StringFixed(2), c.NetToEvent.StringFixed(2),
		c.FailureReason, c.RefundReason, c.ProcessorRefundID, c.UpdatedAt,
		c.AppliedAt, c.FailedAt, c.RefundedAt, t.event.ID, c.RefundRequestedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update contribution: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrContributionNotFound
	}
	return nil
}

func (t *postgresEventTx) Enqueue(ctx context.Context, exchange, routingKey string, payload interface{}) error {
	return enqueueEventTx(ctx, t.tx, exchange, routingKey, payload)
}

func enqueueEventTx(ctx context.Context, tx pgx.Tx, exchange, routingKey string, payload interface{}) error {
	blob, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO event_outbox (exchange, routing_key, payload)
		VALUES ($1, $2, $3::jsonb)
	`, strings.TrimSpace(exchange), strings.TrimSpace(routingKey), string(blob))
	if err != nil {
		return fmt.Errorf("failed to enqueue outbox event: %w", err)
	}
	return nil
}

// ClaimOutboxMessages moves up to limit due messages to processing. Messages stuck in
// processing for longer than staleAfterSeconds are reclaimed.
func (r *PostgresRepository) ClaimOutboxMessages(ctx context.Context, limit int, staleAfterSeconds int) ([]OutboxMessage, error) {
	if limit <= 0 {
		limit = 50
	}
	if staleAfterSeconds <= 0 {
		staleAfterSeconds = 120
	}

	query := `
		WITH candidates AS (
			SELECT id
			FROM event_outbox
			WHERE (
				(status = 'pending' AND next_attempt_at <= NOW())
				OR (status = 'processing' AND processing_started_at < NOW() - ($2 * INTERVAL '1 second'))
			)
			ORDER BY created_at
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		UPDATE event_outbox AS o
		SET status = 'processing',
			processing_started_at = NOW(),
			attempts = o.attempts + 1
		FROM candidates
		WHERE o.id = candidates.id
		RETURNING o.id, o.exchange, o.routing_key, o.payload::text, o.attempts
	`

	rows, err := r.db.Query(ctx, query, limit, staleAfterSeconds)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	messages := make([]OutboxMessage, 0, limit)
	for rows.Next() {
		var (
			msg         OutboxMessage
			payloadText string
		)
		if err := rows.Scan(&msg.ID, &msg.Exchange, &msg.RoutingKey, &payloadText, &msg.Attempts); err != nil {
			return nil, err
		}
		msg.Payload = []byte(payloadText)
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

func (r *PostgresRepository) MarkOutboxPublished(ctx context.Context, id int64) error {
	_, err := r.db.Exec(ctx, `
		UPDATE event_outbox
		SET status = 'published',
			published_at = NOW(),
			processing_started_at = NULL,
			last_error = NULL
		WHERE id = $1
	`, id)
	return err
}

func (r *PostgresRepository) MarkOutboxFailed(ctx context.Context, id int64, retryAfterSeconds int, reason string) error {
	if retryAfterSeconds < 1 {
		retryAfterSeconds = 1
	}
	if len(reason) > 2000 {
		reason = reason[:2000]
	}
	_, err := r.db.Exec(ctx, `
		UPDATE event_outbox
		SET status = 'pending',
			next_attempt_at = NOW() + ($2 * INTERVAL '1 second'),
			processing_started_at = NULL,
			last_error = $3
		WHERE id = $1
	`, id, retryAfterSeconds, reason)
	return err
}
