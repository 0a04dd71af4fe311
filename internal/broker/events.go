package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"navdrishti/internal/models"

	"github.com/segmentio/kafka-go"
)

// EventPublisher publishes order lifecycle events keyed by order id so
// all events for one order land on the same partition.
type EventPublisher struct {
	producer *Producer
}

// NewEventPublisher creates a new event publisher
func NewEventPublisher(producer *Producer) *EventPublisher {
	return &EventPublisher{producer: producer}
}

// PublishOrderEvent publishes a lifecycle event to the order topic
func (ep *EventPublisher) PublishOrderEvent(ctx context.Context, event *models.OrderEvent) error {
	key := fmt.Sprintf("order-%d", event.OrderID)
	return ep.producer.PublishEvent(ctx, key, event)
}

// EventHandler dispatches decoded order events to a registered
// callback per event type.
type EventHandler struct {
	handlers map[string]func(context.Context, *models.OrderEvent) error
}

// NewEventHandler creates a new event handler
func NewEventHandler() *EventHandler {
	return &EventHandler{
		handlers: make(map[string]func(context.Context, *models.OrderEvent) error),
	}
}

// On registers a handler for an event type
func (eh *EventHandler) On(eventType string, handler func(context.Context, *models.OrderEvent) error) {
	eh.handlers[eventType] = handler
}

// HandleMessage decodes a message once at the boundary and routes it.
// Unregistered event types are acknowledged and skipped.
func (eh *EventHandler) HandleMessage(ctx context.Context, msg kafka.Message) error {
	var event models.OrderEvent
	if err := json.Unmarshal(msg.Value, &event); err != nil {
		return fmt.Errorf("failed to unmarshal order event: %w", err)
	}

	handler, ok := eh.handlers[event.EventType]
	if !ok {
		log.Printf("Unhandled event type: %s", event.EventType)
		return nil
	}

	return handler(ctx, &event)
}
