package adapter

import (
	"context"
	"time"

	"subscription-payments/internal/domain/model"
)

type OrderEventType string

const (
	OrderEventCreated         OrderEventType = "order.created"
	OrderEventActivated       OrderEventType = "order.activated"
	OrderEventFailed          OrderEventType = "order.failed"
	OrderEventExpired         OrderEventType = "order.expired"
	OrderEventActivationStall OrderEventType = "order.activation_stalled"
)

// OrderEvent is a lifecycle notification about an order.
type OrderEvent struct {
	Type     OrderEventType   `json:"type"`
	OrderID  string           `json:"order_id"`
	UserID   string           `json:"user_id"`
	Tier     model.Tier       `json:"tier"`
	Provider model.Provider   `json:"provider"`
	State    model.OrderState `json:"state"`
	TxID     string           `json:"tx_id,omitempty"`
	At       time.Time        `json:"at"`
}

func NewOrderEvent(t OrderEventType, o *model.Order, at time.Time) OrderEvent {
	return OrderEvent{
		Type:     t,
		OrderID:  o.ID,
		UserID:   o.UserID,
		Tier:     o.Tier,
		Provider: o.Provider,
		State:    o.State,
		TxID:     o.ActivationTxID,
		At:       at,
	}
}

// EventPublisher forwards order events to downstream consumers, best effort.
type EventPublisher interface {
	Publish(ctx context.Context, ev OrderEvent) error
}
