package broker

import (
	"context"
	"fmt"

	"course-checkout/internal/models"
)

// EventPublisher handles publishing domain events. All events of one order
// share a key so consumers see them in order.
type EventPublisher struct {
	producer *Producer
}

// NewEventPublisher creates a new event publisher
func NewEventPublisher(producer *Producer) *EventPublisher {
	return &EventPublisher{producer: producer}
}

func orderKey(orderID string) string {
	return fmt.Sprintf("order-%s", orderID)
}

// PublishOrderCompleted publishes OrderCompleted event
func (ep *EventPublisher) PublishOrderCompleted(ctx context.Context, event *models.OrderCompletedEvent) error {
	return ep.producer.PublishEvent(ctx, orderKey(event.OrderID), event.EventType, event)
}

// PublishEnrollmentGranted publishes EnrollmentGranted event
func (ep *EventPublisher) PublishEnrollmentGranted(ctx context.Context, event *models.EnrollmentGrantedEvent) error {
	return ep.producer.PublishEvent(ctx, orderKey(event.OrderID), event.EventType, event)
}
