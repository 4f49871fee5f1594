package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/giftstock/funding-service/internal/domain"
	"github.com/google/uuid"
)

const (
	outboxStatusPending    = "pending"
	outboxStatusProcessing = "processing"
	outboxStatusPublished  = "published"
)

type memoryOutboxRow struct {
	message             OutboxMessage
	status              string
	nextAttemptAt       time.Time
	processingStartedAt time.Time
	lastError           string
}

// MemoryRepository keeps all state in process memory. A mutex per event gives the
// same writer serialization as the row lock taken by PostgresRepository.
type MemoryRepository struct {
	mu            sync.RWMutex
	events        map[uuid.UUID]domain.Event
	contributions map[uuid.UUID]domain.Contribution
	byEvent       map[uuid.UUID][]uuid.UUID
	outbox        []*memoryOutboxRow
	nextOutboxID  int64

	locksMu    sync.Mutex
	eventLocks map[uuid.UUID]*sync.Mutex

	now func() time.Time
}

// NewMemoryRepository creates an empty in-memory repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		events:        make(map[uuid.UUID]domain.Event),
		contributions: make(map[uuid.UUID]domain.Contribution),
		byEvent:       make(map[uuid.UUID][]uuid.UUID),
		eventLocks:    make(map[uuid.UUID]*sync.Mutex),
		now:           time.Now,
	}
}

// SetClock overrides the time source used for outbox scheduling.
func (r *MemoryRepository) SetClock(now func() time.Time) {
	r.now = now
}

func (r *MemoryRepository) CreateEvent(ctx context.Context, event *domain.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.events[event.ID]; exists {
		return fmt.Errorf("event %s already exists", event.ID)
	}
	r.events[event.ID] = *event
	return nil
}

func (r *MemoryRepository) FindEventByID(ctx context.Context, eventID uuid.UUID) (*domain.Event, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	event, ok := r.events[eventID]
	if !ok {
		return nil, domain.ErrEventNotFound
	}
	return &event, nil
}

func (r *MemoryRepository) FindContributionByID(ctx context.Context, contributionID uuid.UUID) (*domain.Contribution, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.contributions[contributionID]
	if !ok {
		return nil, domain.ErrContributionNotFound
	}
	return &c, nil
}

func (r *MemoryRepository) FindLatestContributionByReference(ctx context.Context, paymentReference string) (*domain.Contribution, error) {
	ref := strings.TrimSpace(paymentReference)
	r.mu.RLock()
	defer r.mu.RUnlock()

	var best *domain.Contribution
	for _, c := range r.contributions {
		if c.PaymentReference != ref {
			continue
		}
		candidate := c
		if best == nil || preferReference(candidate, *best) {
			best = &candidate
		}
	}
	if best == nil {
		return nil, domain.ErrContributionNotFound
	}
	return best, nil
}

// preferReference orders records for one reference: non-failed first, then newest.
func preferReference(a, b domain.Contribution) bool {
	aLive := a.Status != domain.ContributionStatusFailed
	bLive := b.Status != domain.ContributionStatusFailed
	if aLive != bLive {
		return aLive
	}
	return a.CreatedAt.After(b.CreatedAt)
}

func (r *MemoryRepository) ListContributionsByEvent(ctx context.Context, eventID uuid.UUID) ([]domain.Contribution, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.contributionsForEventLocked(eventID), nil
}

func (r *MemoryRepository) contributionsForEventLocked(eventID uuid.UUID) []domain.Contribution {
	ids := r.byEvent[eventID]
	out := make([]domain.Contribution, 0, len(ids))
	for _, id := range ids {
		out = append(out, r.contributions[id])
	}
	return out
}

func (r *MemoryRepository) ListStalePendingContributions(ctx context.Context, createdBefore time.Time, limit int) ([]domain.Contribution, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stale := make([]domain.Contribution, 0)
	for _, c := range r.contributions {
		if c.Status == domain.ContributionStatusPending && c.CreatedAt.Before(createdBefore) {
			stale = append(stale, c)
		}
	}
	sort.Slice(stale, func(i, j int) bool { return stale[i].CreatedAt.Before(stale[j].CreatedAt) })
	if limit > 0 && len(stale) > limit {
		stale = stale[:limit]
	}
	return stale, nil
}

func (r *MemoryRepository) lockFor(eventID uuid.UUID) *sync.Mutex {
	r.locksMu.Lock()
	defer r.locksMu.Unlock()
	lock, ok := r.eventLocks[eventID]
	if !ok {
		lock = &sync.Mutex{}
		r.eventLocks[eventID] = lock
	}
	return lock
}

func (r *MemoryRepository) WithEventLock(ctx context.Context, eventID uuid.UUID, fn func(tx EventTx) error) error {
	lock := r.lockFor(eventID)
	lock.Lock()
	defer lock.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	r.mu.RLock()
	event, ok := r.events[eventID]
	var contributions []domain.Contribution
	if ok {
		contributions = r.contributionsForEventLocked(eventID)
	}
	r.mu.RUnlock()
	if !ok {
		return domain.ErrEventNotFound
	}

	tx := &memoryEventTx{
		event:         event,
		contributions: contributions,
		dirty:         make(map[uuid.UUID]bool),
	}
	if err := fn(tx); err != nil {
		return err
	}
	r.commit(tx)
	return nil
}

func (r *MemoryRepository) commit(tx *memoryEventTx) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if tx.eventSaved {
		r.events[tx.event.ID] = tx.event
	}
	for _, c := range tx.contributions {
		if !tx.dirty[c.ID] {
			continue
		}
		if _, exists := r.contributions[c.ID]; !exists {
			r.byEvent[c.EventID] = append(r.byEvent[c.EventID], c.ID)
		}
		r.contributions[c.ID] = c
	}
	now := r.now()
	for _, msg := range tx.outbox {
		r.nextOutboxID++
		msg.ID = r.nextOutboxID
		r.outbox = append(r.outbox, &memoryOutboxRow{
			message:       msg,
			status:        outboxStatusPending,
			nextAttemptAt: now,
		})
	}
}

func (r *MemoryRepository) ClaimOutboxMessages(ctx context.Context, limit int, staleAfterSeconds int) ([]OutboxMessage, error) {
	if limit <= 0 {
		limit = 50
	}
	if staleAfterSeconds <= 0 {
		staleAfterSeconds = 120
	}
	staleBefore := r.now().Add(-time.Duration(staleAfterSeconds) * time.Second)
	now := r.now()

	r.mu.Lock()
	defer r.mu.Unlock()

	claimed := make([]OutboxMessage, 0, limit)
	for _, row := range r.outbox {
		if len(claimed) == limit {
			break
		}
		ready := row.status == outboxStatusPending && !row.nextAttemptAt.After(now)
		stale := row.status == outboxStatusProcessing && row.processingStartedAt.Before(staleBefore)
		if !ready && !stale {
			continue
		}
		row.status = outboxStatusProcessing
		row.processingStartedAt = now
		row.message.Attempts++
		claimed = append(claimed, row.message)
	}
	return claimed, nil
}

func (r *MemoryRepository) MarkOutboxPublished(ctx context.Context, id int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, row := range r.outbox {
		if row.message.ID == id {
			row.status = outboxStatusPublished
			row.lastError = ""
			return nil
		}
	}
	return fmt.Errorf("outbox message %d not found", id)
}

func (r *MemoryRepository) MarkOutboxFailed(ctx context.Context, id int64, retryAfterSeconds int, reason string) error {
	if retryAfterSeconds < 1 {
		retryAfterSeconds = 1
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, row := range r.outbox {
		if row.message.ID == id {
			row.status = outboxStatusPending
			row.nextAttemptAt = r.now().Add(time.Duration(retryAfterSeconds) * time.Second)
			row.lastError = reason
			return nil
		}
	}
	return fmt.Errorf("outbox message %d not found", id)
}

// OutboxMessages returns every committed outbox message in enqueue order, published or not.
func (r *MemoryRepository) OutboxMessages() []OutboxMessage {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]OutboxMessage, 0, len(r.outbox))
	for _, row := range r.outbox {
		out = append(out, row.message)
	}
	return out
}

type memoryEventTx struct {
	event         domain.Event
	eventSaved    bool
	contributions []domain.Contribution
	dirty         map[uuid.UUID]bool
	outbox        []OutboxMessage
}

func (tx *memoryEventTx) Event() domain.Event {
	return tx.event
}

func (tx *memoryEventTx) SaveEvent(ctx context.Context, event domain.Event) error {
	if event.ID != tx.event.ID {
		return fmt.Errorf("event %s is not locked by this transaction", event.ID)
	}
	tx.event = event
	tx.eventSaved = true
	return nil
}

func (tx *memoryEventTx) Contributions(ctx context.Context) ([]domain.Contribution, error) {
	out := make([]domain.Contribution, len(tx.contributions))
	copy(out, tx.contributions)
	return out, nil
}

func (tx *memoryEventTx) InsertContribution(ctx context.Context, contribution domain.Contribution) error {
	if contribution.EventID != tx.event.ID {
		return fmt.Errorf("contribution belongs to event %s, not %s", contribution.EventID, tx.event.ID)
	}
	for _, existing := range tx.contributions {
		if existing.ID == contribution.ID {
			return fmt.Errorf("contribution %s already exists", contribution.ID)
		}
		if existing.PaymentReference == contribution.PaymentReference && existing.Status != domain.ContributionStatusFailed {
			return domain.ErrDuplicateReference
		}
	}
	tx.contributions = append(tx.contributions, contribution)
	tx.dirty[contribution.ID] = true
	return nil
}

func (tx *memoryEventTx) UpdateContribution(ctx context.Context, contribution domain.Contribution) error {
	for i, existing := range tx.contributions {
		if existing.ID == contribution.ID {
			tx.contributions[i] = contribution
			tx.dirty[contribution.ID] = true
			return nil
		}
	}
	return domain.ErrContributionNotFound
}

func (tx *memoryEventTx) Enqueue(ctx context.Context, exchange, routingKey string, payload interface{}) error {
	blob, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to enqueue outbox event: %w", err)
	}
	tx.outbox = append(tx.outbox, OutboxMessage{
		Exchange:   strings.TrimSpace(exchange),
		RoutingKey: strings.TrimSpace(routingKey),
		Payload:    blob,
	})
	return nil
}
