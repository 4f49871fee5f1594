package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/giftstock/funding-service/internal/domain"
	"github.com/google/uuid"
)

// BrokerageLifecycle is the part of Service the brokerage consumer drives.
type BrokerageLifecycle interface {
	MarkEventPurchasing(ctx context.Context, eventID uuid.UUID, orderID, reason string) (*domain.Event, error)
	MarkEventInvested(ctx context.Context, eventID uuid.UUID, orderID, reason string) (*domain.Event, error)
	MarkEventCompleted(ctx context.Context, eventID uuid.UUID, reason string) (*domain.Event, error)
}

// BrokerageConsumer applies order updates from the brokerage execution service.
type BrokerageConsumer struct {
	lifecycle BrokerageLifecycle
}

func NewBrokerageConsumer(lifecycle BrokerageLifecycle) *BrokerageConsumer {
	return &BrokerageConsumer{lifecycle: lifecycle}
}

// Bindings maps each inbound routing key to its handler.
func (c *BrokerageConsumer) Bindings() map[string]func([]byte) bool {
	return map[string]func([]byte) bool{
		domain.RoutingKeyBrokerageOrderPlaced:  c.HandleMessage,
		domain.RoutingKeyBrokerageOrderFilled:  c.HandleMessage,
		domain.RoutingKeyBrokeragePositionDone: c.HandleMessage,
	}
}

// HandleMessage returns true to ack and false to retry. Malformed payloads,
// unknown events and illegal transitions are acked; they will never succeed.
func (c *BrokerageConsumer) HandleMessage(body []byte) bool {
	var update domain.BrokerageOrderUpdate
	if err := json.Unmarshal(body, &update); err != nil {
		log.Printf("level=warn component=brokerage_consumer msg=\"failed to unmarshal payload\" err=%v", err)
		return true
	}
	if update.EventID == uuid.Nil {
		log.Printf("level=warn component=brokerage_consumer msg=\"missing event id\" status=%s", update.Status)
		return true
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	err := c.apply(ctx, update)
	switch {
	case err == nil:
		return true
	case errors.Is(err, domain.ErrEventNotFound), errors.Is(err, domain.ErrIllegalTransition), errors.Is(err, errUnknownOrderStatus):
		log.Printf("level=warn component=brokerage_consumer msg=\"update rejected; acknowledging\" event_id=%s status=%s err=%v", update.EventID, update.Status, err)
		return true
	default:
		log.Printf("level=error component=brokerage_consumer msg=\"processing error\" event_id=%s status=%s err=%v", update.EventID, update.Status, err)
		return false
	}
}

var errUnknownOrderStatus = errors.New("unknown brokerage order status")

func (c *BrokerageConsumer) apply(ctx context.Context, update domain.BrokerageOrderUpdate) error {
	var err error
	switch normalizeOrderStatus(update.Status) {
	case "placed":
		_, err = c.lifecycle.MarkEventPurchasing(ctx, update.EventID, update.OrderID, update.Reason)
	case "filled":
		_, err = c.lifecycle.MarkEventInvested(ctx, update.EventID, update.OrderID, update.Reason)
	case "delivered":
		_, err = c.lifecycle.MarkEventCompleted(ctx, update.EventID, update.Reason)
	default:
		return fmt.Errorf("%w: %q", errUnknownOrderStatus, update.Status)
	}
	return err
}

func normalizeOrderStatus(status string) string {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "placed", "submitted", "accepted":
		return "placed"
	case "filled", "executed":
		return "filled"
	case "delivered", "completed", "settled":
		return "delivered"
	default:
		return ""
	}
}
