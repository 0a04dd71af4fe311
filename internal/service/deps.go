package service

import (
	"context"
	"fmt"
	"time"

	"navdrishti/internal/carrier"
	"navdrishti/internal/gateway"
	"navdrishti/internal/models"
	"navdrishti/internal/store"
)

// Datastore is the persistence surface the services require. The
// compound operations (capture, cancel, refund, ship) are atomic:
// status change, stock mutation and audit row commit together.
type Datastore interface {
	GetInventoryItem(ctx context.Context, id int64) (*models.InventoryItem, error)

	CreateOrderWithItems(ctx context.Context, order *models.Order, items []*models.OrderItem, payment *models.Payment) error
	GetOrderByID(ctx context.Context, id int64) (*models.Order, error)
	GetOrderByIdempotencyKey(ctx context.Context, key string) (*models.Order, error)
	GetOrderItemsByOrderID(ctx context.Context, orderID int64) ([]models.OrderItem, error)
	ListOrdersByBuyer(ctx context.Context, buyerID int64) ([]models.Order, error)
	ListOrdersBySeller(ctx context.Context, sellerID int64) ([]models.Order, error)
	GetOrderStatusHistory(ctx context.Context, orderID int64) ([]models.OrderStatusHistory, error)
	ListStalePendingOrders(ctx context.Context, cutoff time.Time, limit int) ([]models.Order, error)

	TransitionOrder(ctx context.Context, orderID int64, newStatus, changedBy, reason string) (*models.Order, error)
	CancelOrder(ctx context.Context, orderID int64, changedBy, reason string) (*models.Order, error)
	RefundOrder(ctx context.Context, orderID int64, changedBy string, amount int64) (*models.Order, error)

	CapturePayment(ctx context.Context, gatewayOrderID, gatewayPaymentID, method string) (store.CaptureOutcome, *models.Order, error)
	FailPayment(ctx context.Context, gatewayOrderID, gatewayPaymentID, reason string) (store.FailOutcome, *models.Order, error)
	GetPaymentByOrderID(ctx context.Context, orderID int64) (*models.Payment, error)
	GetPaymentByGatewayOrderID(ctx context.Context, gatewayOrderID string) (*models.Payment, error)

	CreateShipment(ctx context.Context, detail *models.ShippingDetail, changedBy string) (*models.Order, error)
	AppendTrackingEvent(ctx context.Context, waybill string, event *models.TrackingEvent) (*models.Order, bool, error)
	GetShipmentByWaybill(ctx context.Context, waybill string) (*models.ShippingDetail, error)
	GetShipmentByOrderID(ctx context.Context, orderID int64) (*models.ShippingDetail, error)
	GetTrackingEvents(ctx context.Context, shippingDetailID int64) ([]models.TrackingEvent, error)
}

// PaymentGateway is the narrow surface of the external payment
// provider.
type PaymentGateway interface {
	CreateOrder(ctx context.Context, amount int64, receipt string, notes map[string]string) (*gateway.OrderRef, error)
	VerifyClientSignature(gatewayOrderID, gatewayPaymentID, signature string) bool
	VerifyWebhookSignature(rawBody []byte, signature string) bool
}

// ShippingProvider is the narrow surface of the external carrier.
type ShippingProvider interface {
	CreateShipment(ctx context.Context, req *carrier.ShipmentRequest) (*carrier.ShipmentRef, error)
	Track(ctx context.Context, waybill string) ([]carrier.ScanEvent, error)
}

// EventPublisher emits lifecycle events for the notification stream.
// Publishing is fire-and-forget: failures are logged by callers, never
// propagated into a decided state transition.
type EventPublisher interface {
	PublishOrderEvent(ctx context.Context, event *models.OrderEvent) error
}

// IdempotencyCache is the shared cache fast path for duplicate order
// submissions. The database unique key remains authoritative.
type IdempotencyCache interface {
	GetIdempotencyKey(ctx context.Context, key string) (int64, error)
	SetIdempotencyKey(ctx context.Context, key string, orderID int64, ttl time.Duration) error
}

// Actor is the resolved caller identity. Authentication happens
// upstream; the core only needs id and role.
type Actor struct {
	UserID int64
	Role   string
}

const (
	RoleAdmin  = "admin"
	RoleSystem = "system"
)

// IsAdmin reports whether the actor bypasses ownership checks.
func (a Actor) IsAdmin() bool {
	return a.Role == RoleAdmin
}

// ChangedBy renders the actor for the audit trail.
func (a Actor) ChangedBy() string {
	if a.Role == RoleSystem {
		return "system"
	}
	return fmt.Sprintf("%s:%d", a.Role, a.UserID)
}
