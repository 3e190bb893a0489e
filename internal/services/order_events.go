package services

import (
	"context"
	"time"

	domain "github.com/tiendaflow/api/internal/domain"
)

const (
	OrderEventCreated           = "order.created"
	OrderEventStatusChanged     = "order.status_changed"
	OrderEventPaymentReconciled = "order.payment_reconciled"
)

// OrderEvent is published after an order mutation commits.
type OrderEvent struct {
	Type           string               `json:"type"`
	OrderID        string               `json:"orderId"`
	OrderNumber    string               `json:"orderNumber"`
	Status         domain.OrderStatus   `json:"status"`
	PaymentStatus  domain.PaymentStatus `json:"paymentStatus"`
	PreviousStatus domain.OrderStatus   `json:"previousStatus,omitempty"`
	PaymentID      string               `json:"paymentId,omitempty"`
	Actor          string               `json:"actor,omitempty"`
	OccurredAt     time.Time            `json:"occurredAt"`
}

// OrderEventPublisher delivers order events to downstream consumers.
type OrderEventPublisher interface {
	PublishOrderEvent(ctx context.Context, event OrderEvent) error
}

// publishOrderEvent never fails the caller; the mutation has already committed.
func publishOrderEvent(ctx context.Context, publisher OrderEventPublisher, logger func(context.Context, string, map[string]any), event OrderEvent) {
	if publisher == nil {
		return
	}
	if err := publisher.PublishOrderEvent(ctx, event); err != nil {
		logger(ctx, "order.event.publish_failed", map[string]any{
			"type":  event.Type,
			"order": event.OrderID,
			"error": err.Error(),
		})
	}
}

func newOrderEvent(eventType string, order domain.Order, previous domain.OrderStatus, actor string, at time.Time) OrderEvent {
	return OrderEvent{
		Type:           eventType,
		OrderID:        order.ID,
		OrderNumber:    order.OrderNumber,
		Status:         order.Status,
		PaymentStatus:  order.PaymentStatus,
		PreviousStatus: previous,
		PaymentID:      order.PaymentID,
		Actor:          actor,
		OccurredAt:     at,
	}
}
