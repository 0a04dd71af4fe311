package models

import "time"

// Event types published to the order-events topic
const (
	EventTypeOrderCreated   = "ORDER_CREATED"
	EventTypeOrderConfirmed = "ORDER_CONFIRMED"
	EventTypeOrderCancelled = "ORDER_CANCELLED"
	EventTypeOrderRefunded  = "ORDER_REFUNDED"
	EventTypeOrderShipped   = "ORDER_SHIPPED"
	EventTypeOrderDelivered = "ORDER_DELIVERED"
)

// BaseEvent contains common fields for all events
type BaseEvent struct {
	EventID   string    `json:"event_id"`
	EventType string    `json:"event_type"`
	Timestamp time.Time `json:"timestamp"`
}

// OrderEvent is the single lifecycle event shape for the notification
// stream. Fields not relevant to a given transition stay zero.
type OrderEvent struct {
	BaseEvent
	OrderID     int64  `json:"order_id"`
	OrderNumber string `json:"order_number"`
	BuyerID     int64  `json:"buyer_id"`
	SellerID    int64  `json:"seller_id"`
	TotalAmount int64  `json:"total_amount"`
	Reason      string `json:"reason,omitempty"`
	Waybill     string `json:"waybill,omitempty"`
}
