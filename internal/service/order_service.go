package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"navdrishti/internal/models"
	"navdrishti/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// OrderService owns order creation and the buyer/seller-driven
// transitions: cancel, refund and the PATCH status surface.
type OrderService struct {
	store     Datastore
	gateway   PaymentGateway
	publisher EventPublisher
	cache     IdempotencyCache
	logger    *zap.Logger
}

// NewOrderService creates a new order service. cache may be nil; the
// database idempotency key is authoritative either way.
func NewOrderService(store Datastore, gateway PaymentGateway, publisher EventPublisher, cache IdempotencyCache) *OrderService {
	return &OrderService{
		store:     store,
		gateway:   gateway,
		publisher: publisher,
		cache:     cache,
		logger:    util.GetLogger(),
	}
}

// CreateOrderRequest represents a buyer-initiated purchase
type CreateOrderRequest struct {
	ItemID          int64  `json:"item_id" binding:"required"`
	Quantity        int    `json:"quantity" binding:"required,min=1"`
	ShippingAddress string `json:"shipping_address" binding:"required"`
	BillingAddress  string `json:"billing_address"`
	IdempotencyKey  string `json:"idempotency_key,omitempty"`
}

// CreateOrderResponse carries what the client needs to start checkout
type CreateOrderResponse struct {
	OrderID        int64  `json:"order_id"`
	OrderNumber    string `json:"order_number"`
	GatewayOrderID string `json:"gateway_order_id"`
	Amount         int64  `json:"amount"`
	Status         string `json:"status"`
}

// CreateOrder validates the purchase, issues a gateway order and
// persists the order in payment_pending. Stock is checked here but not
// decremented; the decrement happens exactly once at capture.
func (s *OrderService) CreateOrder(ctx context.Context, buyer Actor, req *CreateOrderRequest) (*CreateOrderResponse, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.CreateOrder")
	defer span.End()

	if req.IdempotencyKey != "" {
		if s.cache != nil {
			if cachedID, err := s.cache.GetIdempotencyKey(ctx, req.IdempotencyKey); err != nil {
				s.logger.Warn("Idempotency cache unavailable", zap.Error(err))
			} else if cachedID != 0 {
				return s.replayOrder(ctx, cachedID)
			}
		}

		existing, err := s.store.GetOrderByIdempotencyKey(ctx, req.IdempotencyKey)
		if err != nil {
			return nil, fmt.Errorf("failed to check idempotency: %w", err)
		}
		if existing != nil {
			s.logger.Info("Duplicate order request",
				zap.String("idempotency_key", req.IdempotencyKey),
				zap.Int64("order_id", existing.ID))
			return s.replayOrder(ctx, existing.ID)
		}
	}

	item, err := s.store.GetInventoryItem(ctx, req.ItemID)
	if err != nil {
		util.OrdersFailedTotal.WithLabelValues("item_not_found").Inc()
		return nil, err
	}

	if item.Status != models.ItemStatusActive {
		util.OrdersFailedTotal.WithLabelValues("item_inactive").Inc()
		return nil, models.NewValidationError("item_id", "item is not available for purchase")
	}
	if item.SellerID == buyer.UserID {
		util.OrdersFailedTotal.WithLabelValues("self_purchase").Inc()
		return nil, models.NewValidationError("item_id", "buyer cannot purchase their own item")
	}
	if item.Quantity < req.Quantity {
		util.OrdersFailedTotal.WithLabelValues("insufficient_stock").Inc()
		util.InventoryReservationsFailed.WithLabelValues("at_creation").Inc()
		return nil, models.ErrInsufficientStock
	}

	totalAmount := item.Price * int64(req.Quantity)
	orderNumber := fmt.Sprintf("NAV-%s", uuid.New().String()[:13])

	gwOrder, err := s.gateway.CreateOrder(ctx, totalAmount, orderNumber, map[string]string{
		"item_id": fmt.Sprintf("%d", item.ID),
	})
	if err != nil {
		util.OrdersFailedTotal.WithLabelValues("gateway_error").Inc()
		return nil, fmt.Errorf("failed to create gateway order: %w", err)
	}

	snapshot, err := json.Marshal(map[string]interface{}{
		"title":     item.Title,
		"price":     item.Price,
		"seller_id": item.SellerID,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to snapshot item: %w", err)
	}

	billing := req.BillingAddress
	if billing == "" {
		billing = req.ShippingAddress
	}

	order := &models.Order{
		OrderNumber:     orderNumber,
		BuyerID:         buyer.UserID,
		SellerID:        item.SellerID,
		Status:          models.OrderStatusPaymentPending,
		TotalAmount:     totalAmount,
		ShippingAddress: req.ShippingAddress,
		BillingAddress:  billing,
		IdempotencyKey:  req.IdempotencyKey,
	}

	orderItem := &models.OrderItem{
		InventoryItemID: item.ID,
		Quantity:        req.Quantity,
		UnitPrice:       item.Price,
		TotalPrice:      totalAmount,
		ItemSnapshot:    string(snapshot),
	}

	payment := &models.Payment{
		GatewayOrderID: gwOrder.ID,
		Amount:         totalAmount,
		Status:         models.PaymentStatusCreated,
	}

	if err := s.store.CreateOrderWithItems(ctx, order, []*models.OrderItem{orderItem}, payment); err != nil {
		// A concurrent request with the same key won the insert race;
		// serve its order instead of surfacing the conflict. The
		// gateway order issued above is orphaned and simply expires.
		if errors.Is(err, models.ErrDuplicateOrder) && req.IdempotencyKey != "" {
			existing, lerr := s.store.GetOrderByIdempotencyKey(ctx, req.IdempotencyKey)
			if lerr == nil && existing != nil {
				s.logger.Info("Lost idempotency insert race, replaying",
					zap.String("idempotency_key", req.IdempotencyKey),
					zap.Int64("order_id", existing.ID))
				return s.replayOrder(ctx, existing.ID)
			}
		}
		util.OrdersFailedTotal.WithLabelValues("db_error").Inc()
		return nil, fmt.Errorf("failed to create order: %w", err)
	}

	if req.IdempotencyKey != "" && s.cache != nil {
		if err := s.cache.SetIdempotencyKey(ctx, req.IdempotencyKey, order.ID, 24*time.Hour); err != nil {
			s.logger.Warn("Failed to cache idempotency key", zap.Error(err))
		}
	}

	util.OrdersCreatedTotal.Inc()
	s.logger.Info("Order created",
		zap.Int64("order_id", order.ID),
		zap.String("order_number", order.OrderNumber),
		zap.String("gateway_order_id", gwOrder.ID))

	s.publish(ctx, models.EventTypeOrderCreated, order, "", "")

	return &CreateOrderResponse{
		OrderID:        order.ID,
		OrderNumber:    order.OrderNumber,
		GatewayOrderID: gwOrder.ID,
		Amount:         totalAmount,
		Status:         order.Status,
	}, nil
}

// replayOrder rebuilds the creation response for a duplicate request.
func (s *OrderService) replayOrder(ctx context.Context, orderID int64) (*CreateOrderResponse, error) {
	order, err := s.store.GetOrderByID(ctx, orderID)
	if err != nil {
		return nil, err
	}
	payment, err := s.store.GetPaymentByOrderID(ctx, orderID)
	if err != nil {
		return nil, err
	}
	return &CreateOrderResponse{
		OrderID:        order.ID,
		OrderNumber:    order.OrderNumber,
		GatewayOrderID: payment.GatewayOrderID,
		Amount:         order.TotalAmount,
		Status:         order.Status,
	}, nil
}

// GetOrder retrieves an order with its items, guarded by ownership.
func (s *OrderService) GetOrder(ctx context.Context, actor Actor, orderID int64) (*models.Order, []models.OrderItem, error) {
	order, err := s.store.GetOrderByID(ctx, orderID)
	if err != nil {
		return nil, nil, err
	}

	if !actor.IsAdmin() && order.BuyerID != actor.UserID && order.SellerID != actor.UserID {
		return nil, nil, models.ErrForbidden
	}

	items, err := s.store.GetOrderItemsByOrderID(ctx, orderID)
	if err != nil {
		return nil, nil, err
	}

	return order, items, nil
}

// ListOrders returns the caller's purchases, or their sales when
// asSeller is set.
func (s *OrderService) ListOrders(ctx context.Context, actor Actor, asSeller bool) ([]models.Order, error) {
	if asSeller {
		return s.store.ListOrdersBySeller(ctx, actor.UserID)
	}
	return s.store.ListOrdersByBuyer(ctx, actor.UserID)
}

// GetOrderHistory returns the audit trail, guarded by ownership.
func (s *OrderService) GetOrderHistory(ctx context.Context, actor Actor, orderID int64) ([]models.OrderStatusHistory, error) {
	order, err := s.store.GetOrderByID(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if !actor.IsAdmin() && order.BuyerID != actor.UserID && order.SellerID != actor.UserID {
		return nil, models.ErrForbidden
	}
	return s.store.GetOrderStatusHistory(ctx, orderID)
}

// Cancel cancels an order on behalf of the buyer or seller. State
// legality and side effects are re-validated under lock in the store.
func (s *OrderService) Cancel(ctx context.Context, actor Actor, orderID int64, reason string) (*models.Order, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.Cancel")
	defer span.End()

	order, err := s.store.GetOrderByID(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if !actor.IsAdmin() && actor.Role != RoleSystem &&
		order.BuyerID != actor.UserID && order.SellerID != actor.UserID {
		return nil, models.ErrForbidden
	}

	if reason == "" {
		reason = "cancelled_by_user"
	}

	order, err = s.store.CancelOrder(ctx, orderID, actor.ChangedBy(), reason)
	if err != nil {
		return nil, err
	}

	util.OrdersCancelledTotal.WithLabelValues(reason).Inc()
	s.logger.Info("Order cancelled",
		zap.Int64("order_id", orderID),
		zap.String("reason", reason))

	s.publish(ctx, models.EventTypeOrderCancelled, order, reason, "")
	return order, nil
}

// Refund reverses a captured payment. Seller only; amount zero means
// the full captured amount.
func (s *OrderService) Refund(ctx context.Context, actor Actor, orderID int64, amount int64) (*models.Order, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.Refund")
	defer span.End()

	order, err := s.store.GetOrderByID(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if !actor.IsAdmin() && order.SellerID != actor.UserID {
		return nil, models.ErrForbidden
	}

	if amount == 0 {
		payment, err := s.store.GetPaymentByOrderID(ctx, orderID)
		if err != nil {
			return nil, err
		}
		amount = payment.Amount
	}

	order, err = s.store.RefundOrder(ctx, orderID, actor.ChangedBy(), amount)
	if err != nil {
		return nil, err
	}

	util.OrdersRefundedTotal.Inc()
	s.logger.Info("Order refunded",
		zap.Int64("order_id", orderID),
		zap.Int64("amount", amount))

	s.publish(ctx, models.EventTypeOrderRefunded, order, "seller_refund", "")
	return order, nil
}

// UpdateStatus is the PATCH surface. Only transitions without side
// effects are reachable here; confirmation, shipping, delivery,
// cancellation and refunds go through their own flows.
func (s *OrderService) UpdateStatus(ctx context.Context, actor Actor, orderID int64, newStatus, reason string) (*models.Order, error) {
	if !models.ValidOrderStatus(newStatus) {
		return nil, models.NewValidationError("status", "unknown status")
	}

	switch newStatus {
	case models.OrderStatusCancelled:
		return s.Cancel(ctx, actor, orderID, reason)
	case models.OrderStatusProcessing:
	default:
		return nil, fmt.Errorf("%w: %s is not reachable via status update", models.ErrInvalidStateTransition, newStatus)
	}

	order, err := s.store.GetOrderByID(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if !actor.IsAdmin() && order.SellerID != actor.UserID {
		return nil, models.ErrForbidden
	}

	return s.store.TransitionOrder(ctx, orderID, newStatus, actor.ChangedBy(), reason)
}

// ExpireStaleOrders cancels payment_pending orders older than the
// timeout. Run by the reconciler; returns how many were cancelled.
func (s *OrderService) ExpireStaleOrders(ctx context.Context, olderThan time.Duration, limit int) (int, error) {
	cutoff := time.Now().Add(-olderThan)
	stale, err := s.store.ListStalePendingOrders(ctx, cutoff, limit)
	if err != nil {
		return 0, fmt.Errorf("failed to list stale orders: %w", err)
	}

	cancelled := 0
	for _, order := range stale {
		if _, err := s.Cancel(ctx, Actor{Role: RoleSystem}, order.ID, "payment_timeout"); err != nil {
			s.logger.Error("Failed to expire stale order",
				zap.Int64("order_id", order.ID),
				zap.Error(err))
			continue
		}
		cancelled++
	}
	return cancelled, nil
}

// publish emits a lifecycle event; failures are logged, never
// propagated.
func (s *OrderService) publish(ctx context.Context, eventType string, order *models.Order, reason, waybill string) {
	if s.publisher == nil {
		return
	}

	event := &models.OrderEvent{
		BaseEvent: models.BaseEvent{
			EventID:   uuid.New().String(),
			EventType: eventType,
			Timestamp: time.Now(),
		},
		OrderID:     order.ID,
		OrderNumber: order.OrderNumber,
		BuyerID:     order.BuyerID,
		SellerID:    order.SellerID,
		TotalAmount: order.TotalAmount,
		Reason:      reason,
		Waybill:     waybill,
	}

	if err := s.publisher.PublishOrderEvent(ctx, event); err != nil {
		s.logger.Error("Failed to publish order event",
			zap.String("event_type", eventType),
			zap.Int64("order_id", order.ID),
			zap.Error(err))
	}
}
