package models

import (
	"database/sql"
	"time"
)

// InventoryItem is a sellable catalog entry. Quantity is the only
// source of truth for how many units an order may reserve.
type InventoryItem struct {
	ID        int64     `db:"id" json:"id"`
	SellerID  int64     `db:"seller_id" json:"seller_id"`
	Title     string    `db:"title" json:"title"`
	Price     int64     `db:"price" json:"price"`
	Quantity  int       `db:"quantity" json:"quantity"`
	Status    string    `db:"status" json:"status"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// Inventory item statuses
const (
	ItemStatusActive   = "active"
	ItemStatusSold     = "sold"
	ItemStatusInactive = "inactive"
)

// Order is a financial record and is never physically deleted.
type Order struct {
	ID              int64     `db:"id" json:"id"`
	OrderNumber     string    `db:"order_number" json:"order_number"`
	BuyerID         int64     `db:"buyer_id" json:"buyer_id"`
	SellerID        int64     `db:"seller_id" json:"seller_id"`
	Status          string    `db:"status" json:"status"`
	TotalAmount     int64     `db:"total_amount" json:"total_amount"`
	ShippingAddress string    `db:"shipping_address" json:"shipping_address"`
	BillingAddress  string    `db:"billing_address" json:"billing_address"`
	IdempotencyKey  string    `db:"idempotency_key" json:"idempotency_key,omitempty"`
	CreatedAt       time.Time `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time `db:"updated_at" json:"updated_at"`
}

// OrderItem snapshots catalog fields at purchase time. Later price
// changes must not alter historical orders.
type OrderItem struct {
	ID              int64  `db:"id" json:"id"`
	OrderID         int64  `db:"order_id" json:"order_id"`
	InventoryItemID int64  `db:"inventory_item_id" json:"inventory_item_id"`
	Quantity        int    `db:"quantity" json:"quantity"`
	UnitPrice       int64  `db:"unit_price" json:"unit_price"`
	TotalPrice      int64  `db:"total_price" json:"total_price"`
	ItemSnapshot    string `db:"item_snapshot" json:"item_snapshot"`
}

// Payment is one gateway payment attempt for an order. At most one
// payment per order ever reaches captured or refunded.
type Payment struct {
	ID               int64          `db:"id" json:"id"`
	OrderID          int64          `db:"order_id" json:"order_id"`
	GatewayOrderID   string         `db:"gateway_order_id" json:"gateway_order_id"`
	GatewayPaymentID sql.NullString `db:"gateway_payment_id" json:"gateway_payment_id,omitempty"`
	Amount           int64          `db:"amount" json:"amount"`
	Status           string         `db:"status" json:"status"`
	Method           sql.NullString `db:"method" json:"method,omitempty"`
	CapturedAt       sql.NullTime   `db:"captured_at" json:"captured_at,omitempty"`
	RefundedAt       sql.NullTime   `db:"refunded_at" json:"refunded_at,omitempty"`
	RefundAmount     int64          `db:"refund_amount" json:"refund_amount"`
	FailureReason    sql.NullString `db:"failure_reason" json:"failure_reason,omitempty"`
	CreatedAt        time.Time      `db:"created_at" json:"created_at"`
	UpdatedAt        time.Time      `db:"updated_at" json:"updated_at"`
}

// ShippingDetail tracks one shipment per order.
type ShippingDetail struct {
	ID               int64        `db:"id" json:"id"`
	OrderID          int64        `db:"order_id" json:"order_id"`
	Waybill          string       `db:"waybill" json:"waybill"`
	Carrier          string       `db:"carrier" json:"carrier"`
	TrackingStatus   string       `db:"tracking_status" json:"tracking_status"`
	PickupDate       sql.NullTime `db:"pickup_date" json:"pickup_date,omitempty"`
	ExpectedDelivery sql.NullTime `db:"expected_delivery" json:"expected_delivery,omitempty"`
	ActualDelivery   sql.NullTime `db:"actual_delivery" json:"actual_delivery,omitempty"`
	CreatedAt        time.Time    `db:"created_at" json:"created_at"`
}

// TrackingEvent is an append-only carrier scan for a shipment.
type TrackingEvent struct {
	ID               int64     `db:"id" json:"id"`
	ShippingDetailID int64     `db:"shipping_detail_id" json:"shipping_detail_id"`
	Status           string    `db:"status" json:"status"`
	Location         string    `db:"location" json:"location"`
	OccurredAt       time.Time `db:"occurred_at" json:"occurred_at"`
}

// OrderStatusHistory is the audit log; every order transition appends
// exactly one row in the same transaction.
type OrderStatusHistory struct {
	ID             int64     `db:"id" json:"id"`
	OrderID        int64     `db:"order_id" json:"order_id"`
	PreviousStatus string    `db:"previous_status" json:"previous_status"`
	NewStatus      string    `db:"new_status" json:"new_status"`
	ChangedBy      string    `db:"changed_by" json:"changed_by"`
	Reason         string    `db:"reason" json:"reason"`
	CreatedAt      time.Time `db:"created_at" json:"created_at"`
}

// Order statuses
const (
	OrderStatusPaymentPending = "payment_pending"
	OrderStatusConfirmed      = "confirmed"
	OrderStatusProcessing     = "processing"
	OrderStatusShipped        = "shipped"
	OrderStatusDelivered      = "delivered"
	OrderStatusCancelled      = "cancelled"
	OrderStatusRefunded       = "refunded"
)

// Payment statuses
const (
	PaymentStatusCreated        = "created"
	PaymentStatusPending        = "pending"
	PaymentStatusCaptured       = "captured"
	PaymentStatusFailed         = "failed"
	PaymentStatusRefunded       = "refunded"
	PaymentStatusReconciliation = "needs_reconciliation"
)

// Delivered is the carrier status that closes out an order.
const TrackingStatusDelivered = "Delivered"
