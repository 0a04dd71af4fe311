package store

import (
	"context"
	"database/sql"
	"fmt"

	"navdrishti/internal/models"

	"github.com/jmoiron/sqlx"
)

// CaptureOutcome describes what a capture attempt actually did.
type CaptureOutcome int

const (
	// CaptureApplied means this call confirmed the order and
	// decremented stock.
	CaptureApplied CaptureOutcome = iota
	// CaptureAlreadyDone means an earlier call (the other race arm)
	// had already captured; this call changed nothing.
	CaptureAlreadyDone
	// CaptureFlagged means money was taken but the order could not be
	// confirmed; the payment is parked for manual reconciliation.
	CaptureFlagged
)

// CapturePayment applies a gateway capture idempotently. The payment
// row is locked first so the client-verify path and the webhook path
// serialize; whichever loses the race observes captured state and
// returns CaptureAlreadyDone. Stock decrement, payment capture, order
// confirmation and the audit row commit atomically.
func (s *Store) CapturePayment(ctx context.Context, gatewayOrderID, gatewayPaymentID, method string) (CaptureOutcome, *models.Order, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return CaptureAlreadyDone, nil, err
	}
	defer tx.Rollback()

	payment, err := lockPaymentByGatewayOrderTx(ctx, tx, gatewayOrderID)
	if err != nil {
		return CaptureAlreadyDone, nil, err
	}

	switch payment.Status {
	case models.PaymentStatusCaptured, models.PaymentStatusRefunded, models.PaymentStatusReconciliation:
		order, err := lockOrderTx(ctx, tx, payment.OrderID)
		if err != nil {
			return CaptureAlreadyDone, nil, err
		}
		return CaptureAlreadyDone, order, tx.Commit()
	}

	order, err := lockOrderTx(ctx, tx, payment.OrderID)
	if err != nil {
		return CaptureAlreadyDone, nil, err
	}

	if order.Status != models.OrderStatusPaymentPending {
		// Money was taken for an order we can no longer confirm
		// (e.g. cancelled by the reconciler before the capture
		// arrived). Park the payment for a human.
		if err := flagReconciliationTx(ctx, tx, payment.ID, gatewayPaymentID,
			fmt.Sprintf("capture arrived while order was %s", order.Status)); err != nil {
			return CaptureFlagged, nil, err
		}
		return CaptureFlagged, order, tx.Commit()
	}

	var items []models.OrderItem
	if err := tx.SelectContext(ctx, &items,
		"SELECT * FROM order_items WHERE order_id = $1", order.ID); err != nil {
		return CaptureAlreadyDone, nil, fmt.Errorf("failed to load order items: %w", err)
	}

	for i, item := range items {
		if err := reserveStockTx(ctx, tx, item.InventoryItemID, item.Quantity); err != nil {
			if err == models.ErrInsufficientStock {
				// The no-reservation window between order creation
				// and capture lost the race for the last units.
				// Give back what earlier line items took, then park
				// the payment instead of confirming an unfulfillable
				// order.
				for _, done := range items[:i] {
					if rerr := restoreStockTx(ctx, tx, done.InventoryItemID, done.Quantity); rerr != nil {
						return CaptureFlagged, nil, rerr
					}
				}
				if ferr := flagReconciliationTx(ctx, tx, payment.ID, gatewayPaymentID,
					fmt.Sprintf("insufficient stock for item %d at capture time", item.InventoryItemID)); ferr != nil {
					return CaptureFlagged, nil, ferr
				}
				return CaptureFlagged, order, tx.Commit()
			}
			return CaptureAlreadyDone, nil, err
		}
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE payments
		SET status = $1, gateway_payment_id = $2, method = $3, captured_at = NOW(), updated_at = NOW()
		WHERE id = $4`,
		models.PaymentStatusCaptured, gatewayPaymentID, method, payment.ID)
	if err != nil {
		return CaptureAlreadyDone, nil, fmt.Errorf("failed to capture payment: %w", err)
	}

	if err := setOrderStatusTx(ctx, tx, order, models.OrderStatusConfirmed, "system", "payment_captured"); err != nil {
		return CaptureAlreadyDone, nil, err
	}

	if err := tx.Commit(); err != nil {
		return CaptureAlreadyDone, nil, err
	}
	return CaptureApplied, order, nil
}

// FailOutcome describes what a failure event actually did.
type FailOutcome int

const (
	// FailApplied means the payment was marked failed and the pending
	// order cancelled.
	FailApplied FailOutcome = iota
	// FailAlreadyDone means the failure had already been recorded.
	FailAlreadyDone
	// FailStale means the order was already confirmed by the capture
	// path; a late failure event must never un-confirm it.
	FailStale
)

// FailPayment records a gateway payment failure idempotently. A still
// pending order is cancelled; a confirmed order is left untouched.
func (s *Store) FailPayment(ctx context.Context, gatewayOrderID, gatewayPaymentID, reason string) (FailOutcome, *models.Order, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return FailAlreadyDone, nil, err
	}
	defer tx.Rollback()

	payment, err := lockPaymentByGatewayOrderTx(ctx, tx, gatewayOrderID)
	if err != nil {
		return FailAlreadyDone, nil, err
	}

	switch payment.Status {
	case models.PaymentStatusCaptured, models.PaymentStatusRefunded, models.PaymentStatusReconciliation:
		order, err := lockOrderTx(ctx, tx, payment.OrderID)
		if err != nil {
			return FailStale, nil, err
		}
		return FailStale, order, tx.Commit()
	case models.PaymentStatusFailed:
		order, err := lockOrderTx(ctx, tx, payment.OrderID)
		if err != nil {
			return FailAlreadyDone, nil, err
		}
		return FailAlreadyDone, order, tx.Commit()
	}

	order, err := lockOrderTx(ctx, tx, payment.OrderID)
	if err != nil {
		return FailAlreadyDone, nil, err
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE payments
		SET status = $1, gateway_payment_id = $2, failure_reason = $3, updated_at = NOW()
		WHERE id = $4`,
		models.PaymentStatusFailed, gatewayPaymentID, reason, payment.ID)
	if err != nil {
		return FailAlreadyDone, nil, fmt.Errorf("failed to mark payment failed: %w", err)
	}

	if order.Status == models.OrderStatusPaymentPending {
		if err := setOrderStatusTx(ctx, tx, order, models.OrderStatusCancelled, "system", "payment_failed"); err != nil {
			return FailAlreadyDone, nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return FailAlreadyDone, nil, err
	}
	return FailApplied, order, nil
}

// GetPaymentByOrderID retrieves the latest payment for an order
func (s *Store) GetPaymentByOrderID(ctx context.Context, orderID int64) (*models.Payment, error) {
	var payment models.Payment
	err := s.db.GetContext(ctx, &payment,
		"SELECT * FROM payments WHERE order_id = $1 ORDER BY created_at DESC LIMIT 1", orderID)
	if err == sql.ErrNoRows {
		return nil, models.ErrPaymentNotFound
	}
	if err != nil {
		return nil, err
	}
	return &payment, nil
}

// GetPaymentByGatewayOrderID retrieves a payment by the gateway's
// order identifier
func (s *Store) GetPaymentByGatewayOrderID(ctx context.Context, gatewayOrderID string) (*models.Payment, error) {
	var payment models.Payment
	err := s.db.GetContext(ctx, &payment,
		"SELECT * FROM payments WHERE gateway_order_id = $1", gatewayOrderID)
	if err == sql.ErrNoRows {
		return nil, models.ErrPaymentNotFound
	}
	if err != nil {
		return nil, err
	}
	return &payment, nil
}

func lockPaymentByGatewayOrderTx(ctx context.Context, tx *sqlx.Tx, gatewayOrderID string) (*models.Payment, error) {
	var payment models.Payment
	err := tx.GetContext(ctx, &payment,
		"SELECT * FROM payments WHERE gateway_order_id = $1 FOR UPDATE", gatewayOrderID)
	if err == sql.ErrNoRows {
		return nil, models.ErrPaymentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock payment for gateway order %s: %w", gatewayOrderID, err)
	}
	return &payment, nil
}

func lockPaymentByOrderTx(ctx context.Context, tx *sqlx.Tx, orderID int64) (*models.Payment, error) {
	var payment models.Payment
	err := tx.GetContext(ctx, &payment,
		"SELECT * FROM payments WHERE order_id = $1 ORDER BY created_at DESC LIMIT 1 FOR UPDATE", orderID)
	if err == sql.ErrNoRows {
		return nil, models.ErrPaymentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock payment for order %d: %w", orderID, err)
	}
	return &payment, nil
}

func refundPaymentTx(ctx context.Context, tx *sqlx.Tx, paymentID, amount int64) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE payments
		SET status = $1, refund_amount = $2, refunded_at = NOW(), updated_at = NOW()
		WHERE id = $3`,
		models.PaymentStatusRefunded, amount, paymentID)
	if err != nil {
		return fmt.Errorf("failed to refund payment: %w", err)
	}
	return nil
}

func failPaymentTx(ctx context.Context, tx *sqlx.Tx, paymentID int64, reason string) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE payments
		SET status = $1, failure_reason = $2, updated_at = NOW()
		WHERE id = $3`,
		models.PaymentStatusFailed, reason, paymentID)
	if err != nil {
		return fmt.Errorf("failed to mark payment failed: %w", err)
	}
	return nil
}

func flagReconciliationTx(ctx context.Context, tx *sqlx.Tx, paymentID int64, gatewayPaymentID, reason string) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE payments
		SET status = $1, gateway_payment_id = $2, failure_reason = $3, captured_at = NOW(), updated_at = NOW()
		WHERE id = $4`,
		models.PaymentStatusReconciliation, gatewayPaymentID, reason, paymentID)
	if err != nil {
		return fmt.Errorf("failed to flag payment for reconciliation: %w", err)
	}
	return nil
}
