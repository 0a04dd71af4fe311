package store

import (
	"context"
	"database/sql"
	"fmt"

	"navdrishti/internal/models"
)

// CreateShipment persists the shipping detail and moves the order to
// shipped in one transaction. Legal only from confirmed or processing.
func (s *Store) CreateShipment(ctx context.Context, detail *models.ShippingDetail, changedBy string) (*models.Order, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	order, err := lockOrderTx(ctx, tx, detail.OrderID)
	if err != nil {
		return nil, err
	}

	if order.Status != models.OrderStatusConfirmed && order.Status != models.OrderStatusProcessing {
		return nil, fmt.Errorf("%w: cannot ship from %s", models.ErrInvalidStateTransition, order.Status)
	}

	err = tx.GetContext(ctx, detail, `
		INSERT INTO shipping_details (order_id, waybill, carrier, tracking_status, pickup_date, expected_delivery)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at`,
		detail.OrderID, detail.Waybill, detail.Carrier, detail.TrackingStatus,
		detail.PickupDate, detail.ExpectedDelivery)
	if err != nil {
		return nil, fmt.Errorf("failed to insert shipping detail: %w", err)
	}

	if err := setOrderStatusTx(ctx, tx, order, models.OrderStatusShipped, changedBy, "shipment_created"); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return order, nil
}

// AppendTrackingEvent appends a carrier scan and updates the rolling
// tracking status. A Delivered scan also moves a shipped order to
// delivered and stamps the delivery time; repeated Delivered scans are
// no-ops past the first.
func (s *Store) AppendTrackingEvent(ctx context.Context, waybill string, event *models.TrackingEvent) (*models.Order, bool, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, false, err
	}
	defer tx.Rollback()

	var detail models.ShippingDetail
	err = tx.GetContext(ctx, &detail,
		"SELECT * FROM shipping_details WHERE waybill = $1 FOR UPDATE", waybill)
	if err == sql.ErrNoRows {
		return nil, false, models.ErrShipmentNotFound
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to lock shipment %s: %w", waybill, err)
	}

	event.ShippingDetailID = detail.ID
	err = tx.GetContext(ctx, &event.ID, `
		INSERT INTO tracking_events (shipping_detail_id, status, location, occurred_at)
		VALUES ($1, $2, $3, $4)
		RETURNING id`,
		event.ShippingDetailID, event.Status, event.Location, event.OccurredAt)
	if err != nil {
		return nil, false, fmt.Errorf("failed to insert tracking event: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		"UPDATE shipping_details SET tracking_status = $1 WHERE id = $2",
		event.Status, detail.ID)
	if err != nil {
		return nil, false, fmt.Errorf("failed to update tracking status: %w", err)
	}

	order, err := lockOrderTx(ctx, tx, detail.OrderID)
	if err != nil {
		return nil, false, err
	}

	delivered := false
	if event.Status == models.TrackingStatusDelivered && order.Status == models.OrderStatusShipped {
		_, err = tx.ExecContext(ctx,
			"UPDATE shipping_details SET actual_delivery = $1 WHERE id = $2",
			event.OccurredAt, detail.ID)
		if err != nil {
			return nil, false, fmt.Errorf("failed to stamp delivery: %w", err)
		}

		if err := setOrderStatusTx(ctx, tx, order, models.OrderStatusDelivered, "system", "carrier_delivered"); err != nil {
			return nil, false, err
		}
		delivered = true
	}

	if err := tx.Commit(); err != nil {
		return nil, false, err
	}
	return order, delivered, nil
}

// GetShipmentByWaybill retrieves a shipping detail by waybill
func (s *Store) GetShipmentByWaybill(ctx context.Context, waybill string) (*models.ShippingDetail, error) {
	var detail models.ShippingDetail
	err := s.db.GetContext(ctx, &detail,
		"SELECT * FROM shipping_details WHERE waybill = $1", waybill)
	if err == sql.ErrNoRows {
		return nil, models.ErrShipmentNotFound
	}
	if err != nil {
		return nil, err
	}
	return &detail, nil
}

// GetShipmentByOrderID retrieves the shipping detail for an order
func (s *Store) GetShipmentByOrderID(ctx context.Context, orderID int64) (*models.ShippingDetail, error) {
	var detail models.ShippingDetail
	err := s.db.GetContext(ctx, &detail,
		"SELECT * FROM shipping_details WHERE order_id = $1", orderID)
	if err == sql.ErrNoRows {
		return nil, models.ErrShipmentNotFound
	}
	if err != nil {
		return nil, err
	}
	return &detail, nil
}

// GetTrackingEvents retrieves the scan history for a shipment, oldest
// first
func (s *Store) GetTrackingEvents(ctx context.Context, shippingDetailID int64) ([]models.TrackingEvent, error) {
	var events []models.TrackingEvent
	err := s.db.SelectContext(ctx, &events,
		"SELECT * FROM tracking_events WHERE shipping_detail_id = $1 ORDER BY occurred_at", shippingDetailID)
	return events, err
}
