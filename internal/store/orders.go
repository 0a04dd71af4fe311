package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"navdrishti/internal/models"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

// CreateOrderWithItems persists the order, its line items and the
// initial payment row in one transaction.
func (s *Store) CreateOrderWithItems(ctx context.Context, order *models.Order, items []*models.OrderItem, payment *models.Payment) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	err = tx.GetContext(ctx, order, `
		INSERT INTO orders (order_number, buyer_id, seller_id, status, total_amount,
		                    shipping_address, billing_address, idempotency_key)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id, created_at, updated_at`,
		order.OrderNumber, order.BuyerID, order.SellerID, order.Status, order.TotalAmount,
		order.ShippingAddress, order.BillingAddress, order.IdempotencyKey)
	if err != nil {
		// Two requests carrying the same key can both pass the read
		// check; the unique index decides, the loser replays.
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" && pqErr.Constraint == "idx_orders_idempotency_key" {
			return models.ErrDuplicateOrder
		}
		return fmt.Errorf("failed to insert order: %w", err)
	}

	for _, item := range items {
		item.OrderID = order.ID
		err = tx.GetContext(ctx, &item.ID, `
			INSERT INTO order_items (order_id, inventory_item_id, quantity, unit_price, total_price, item_snapshot)
			VALUES ($1, $2, $3, $4, $5, $6)
			RETURNING id`,
			item.OrderID, item.InventoryItemID, item.Quantity, item.UnitPrice, item.TotalPrice, item.ItemSnapshot)
		if err != nil {
			return fmt.Errorf("failed to insert order item: %w", err)
		}
	}

	payment.OrderID = order.ID
	err = tx.GetContext(ctx, payment, `
		INSERT INTO payments (order_id, gateway_order_id, amount, status)
		VALUES ($1, $2, $3, $4)
		RETURNING id, created_at, updated_at`,
		payment.OrderID, payment.GatewayOrderID, payment.Amount, payment.Status)
	if err != nil {
		return fmt.Errorf("failed to insert payment: %w", err)
	}

	return tx.Commit()
}

// GetOrderByID retrieves an order by ID
func (s *Store) GetOrderByID(ctx context.Context, id int64) (*models.Order, error) {
	var order models.Order
	err := s.db.GetContext(ctx, &order, "SELECT * FROM orders WHERE id = $1", id)
	if err == sql.ErrNoRows {
		return nil, models.ErrOrderNotFound
	}
	if err != nil {
		return nil, err
	}
	return &order, nil
}

// GetOrderByIdempotencyKey returns nil without error when no order
// carries the key.
func (s *Store) GetOrderByIdempotencyKey(ctx context.Context, key string) (*models.Order, error) {
	var order models.Order
	err := s.db.GetContext(ctx, &order, "SELECT * FROM orders WHERE idempotency_key = $1", key)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &order, nil
}

// GetOrderItemsByOrderID retrieves all line items for an order
func (s *Store) GetOrderItemsByOrderID(ctx context.Context, orderID int64) ([]models.OrderItem, error) {
	var items []models.OrderItem
	err := s.db.SelectContext(ctx, &items,
		"SELECT * FROM order_items WHERE order_id = $1", orderID)
	return items, err
}

// ListOrdersByBuyer retrieves a buyer's orders, newest first
func (s *Store) ListOrdersByBuyer(ctx context.Context, buyerID int64) ([]models.Order, error) {
	var orders []models.Order
	err := s.db.SelectContext(ctx, &orders,
		"SELECT * FROM orders WHERE buyer_id = $1 ORDER BY created_at DESC", buyerID)
	return orders, err
}

// ListOrdersBySeller retrieves a seller's sales, newest first
func (s *Store) ListOrdersBySeller(ctx context.Context, sellerID int64) ([]models.Order, error) {
	var orders []models.Order
	err := s.db.SelectContext(ctx, &orders,
		"SELECT * FROM orders WHERE seller_id = $1 ORDER BY created_at DESC", sellerID)
	return orders, err
}

// GetOrderStatusHistory retrieves the audit trail for an order
func (s *Store) GetOrderStatusHistory(ctx context.Context, orderID int64) ([]models.OrderStatusHistory, error) {
	var history []models.OrderStatusHistory
	err := s.db.SelectContext(ctx, &history,
		"SELECT * FROM order_status_history WHERE order_id = $1 ORDER BY created_at", orderID)
	return history, err
}

// ListStalePendingOrders returns payment_pending orders created before
// the cutoff, oldest first. The reconciler cancels them.
func (s *Store) ListStalePendingOrders(ctx context.Context, cutoff time.Time, limit int) ([]models.Order, error) {
	var orders []models.Order
	err := s.db.SelectContext(ctx, &orders, `
		SELECT * FROM orders
		WHERE status = $1 AND created_at < $2
		ORDER BY created_at
		LIMIT $3`,
		models.OrderStatusPaymentPending, cutoff, limit)
	return orders, err
}

// TransitionOrder moves an order to a new status after re-validating
// the transition under a row lock, appending the audit row in the same
// transaction.
func (s *Store) TransitionOrder(ctx context.Context, orderID int64, newStatus, changedBy, reason string) (*models.Order, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	order, err := lockOrderTx(ctx, tx, orderID)
	if err != nil {
		return nil, err
	}

	if !models.CanTransition(order.Status, newStatus) {
		return nil, fmt.Errorf("%w: %s -> %s", models.ErrInvalidStateTransition, order.Status, newStatus)
	}

	if err := setOrderStatusTx(ctx, tx, order, newStatus, changedBy, reason); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return order, nil
}

// CancelOrder cancels an order, restoring stock when it had been
// decremented and reversing any captured payment, all in one
// transaction.
func (s *Store) CancelOrder(ctx context.Context, orderID int64, changedBy, reason string) (*models.Order, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	// Payment first, then order, the same lock order as the capture
	// path, so a cancel racing a webhook cannot deadlock.
	payment, err := lockPaymentByOrderTx(ctx, tx, orderID)
	if err != nil && err != models.ErrPaymentNotFound {
		return nil, err
	}

	order, err := lockOrderTx(ctx, tx, orderID)
	if err != nil {
		return nil, err
	}

	if order.Status != models.OrderStatusPaymentPending && order.Status != models.OrderStatusConfirmed {
		return nil, fmt.Errorf("%w: cannot cancel from %s", models.ErrInvalidStateTransition, order.Status)
	}

	// Stock was only decremented once the order reached confirmed.
	if order.Status == models.OrderStatusConfirmed {
		if err := restoreOrderStockTx(ctx, tx, order.ID); err != nil {
			return nil, err
		}
	}
	if payment != nil {
		switch payment.Status {
		case models.PaymentStatusCaptured:
			if err := refundPaymentTx(ctx, tx, payment.ID, payment.Amount); err != nil {
				return nil, err
			}
		case models.PaymentStatusCreated, models.PaymentStatusPending:
			if err := failPaymentTx(ctx, tx, payment.ID, reason); err != nil {
				return nil, err
			}
		}
	}

	if err := setOrderStatusTx(ctx, tx, order, models.OrderStatusCancelled, changedBy, reason); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return order, nil
}

// RefundOrder reverses a captured payment, restores stock and moves
// the order to refunded, all in one transaction. amount must not
// exceed the captured amount.
func (s *Store) RefundOrder(ctx context.Context, orderID int64, changedBy string, amount int64) (*models.Order, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	// Same lock order as the capture path: payment, then order.
	payment, err := lockPaymentByOrderTx(ctx, tx, orderID)
	if err != nil {
		return nil, err
	}

	order, err := lockOrderTx(ctx, tx, orderID)
	if err != nil {
		return nil, err
	}

	switch order.Status {
	case models.OrderStatusConfirmed, models.OrderStatusProcessing, models.OrderStatusShipped:
	default:
		return nil, fmt.Errorf("%w: cannot refund from %s", models.ErrInvalidStateTransition, order.Status)
	}
	if payment.Status != models.PaymentStatusCaptured {
		return nil, fmt.Errorf("%w: payment is %s, not captured", models.ErrInvalidStateTransition, payment.Status)
	}
	if amount <= 0 || amount > payment.Amount {
		return nil, models.NewValidationError("amount", "refund amount must be positive and at most the captured amount")
	}

	if err := refundPaymentTx(ctx, tx, payment.ID, amount); err != nil {
		return nil, err
	}

	if err := restoreOrderStockTx(ctx, tx, order.ID); err != nil {
		return nil, err
	}

	if err := setOrderStatusTx(ctx, tx, order, models.OrderStatusRefunded, changedBy, "seller_refund"); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return order, nil
}

// lockOrderTx loads an order under FOR UPDATE.
func lockOrderTx(ctx context.Context, tx *sqlx.Tx, orderID int64) (*models.Order, error) {
	var order models.Order
	err := tx.GetContext(ctx, &order, "SELECT * FROM orders WHERE id = $1 FOR UPDATE", orderID)
	if err == sql.ErrNoRows {
		return nil, models.ErrOrderNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock order %d: %w", orderID, err)
	}
	return &order, nil
}

// setOrderStatusTx updates the order status and appends the history
// row. order.Status is updated in place on success.
func setOrderStatusTx(ctx context.Context, tx *sqlx.Tx, order *models.Order, newStatus, changedBy, reason string) error {
	_, err := tx.ExecContext(ctx,
		"UPDATE orders SET status = $1, updated_at = NOW() WHERE id = $2",
		newStatus, order.ID)
	if err != nil {
		return fmt.Errorf("failed to update order status: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO order_status_history (order_id, previous_status, new_status, changed_by, reason)
		VALUES ($1, $2, $3, $4, $5)`,
		order.ID, order.Status, newStatus, changedBy, reason)
	if err != nil {
		return fmt.Errorf("failed to append status history: %w", err)
	}

	order.Status = newStatus
	return nil
}

// restoreOrderStockTx increments stock for every line item of an order.
func restoreOrderStockTx(ctx context.Context, tx *sqlx.Tx, orderID int64) error {
	var items []models.OrderItem
	if err := tx.SelectContext(ctx, &items,
		"SELECT * FROM order_items WHERE order_id = $1", orderID); err != nil {
		return fmt.Errorf("failed to load order items: %w", err)
	}

	for _, item := range items {
		if err := restoreStockTx(ctx, tx, item.InventoryItemID, item.Quantity); err != nil {
			return err
		}
	}
	return nil
}
