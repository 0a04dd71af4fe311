package service

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"navdrishti/internal/carrier"
	"navdrishti/internal/models"
	"navdrishti/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ShippingService books shipments with the carrier and applies
// tracking updates to orders.
type ShippingService struct {
	store     Datastore
	provider  ShippingProvider
	publisher EventPublisher
	logger    *zap.Logger
}

// NewShippingService creates a new shipping service
func NewShippingService(store Datastore, provider ShippingProvider, publisher EventPublisher) *ShippingService {
	return &ShippingService{
		store:     store,
		provider:  provider,
		publisher: publisher,
		logger:    util.GetLogger(),
	}
}

// CreateShipmentRequest books a pickup for a confirmed order
type CreateShipmentRequest struct {
	OrderID       int64   `json:"order_id" binding:"required"`
	PickupAddress string  `json:"pickup_address" binding:"required"`
	WeightGrams   int     `json:"weight_grams" binding:"required,min=1"`
	LengthCM      float64 `json:"length_cm"`
	WidthCM       float64 `json:"width_cm"`
	HeightCM      float64 `json:"height_cm"`
}

// CreateShipment books the pickup with the carrier and persists the
// shipping detail, moving the order to shipped. Seller only.
func (ss *ShippingService) CreateShipment(ctx context.Context, actor Actor, req *CreateShipmentRequest) (*models.ShippingDetail, error) {
	ctx, span := util.StartSpan(ctx, "ShippingService.CreateShipment")
	defer span.End()

	order, err := ss.store.GetOrderByID(ctx, req.OrderID)
	if err != nil {
		return nil, err
	}
	if !actor.IsAdmin() && order.SellerID != actor.UserID {
		return nil, models.ErrForbidden
	}

	// A retried request for an already shipped order returns the
	// existing waybill instead of booking a second pickup.
	existing, err := ss.store.GetShipmentByOrderID(ctx, order.ID)
	if err == nil {
		return existing, nil
	}
	if err != models.ErrShipmentNotFound {
		return nil, err
	}

	if order.Status != models.OrderStatusConfirmed && order.Status != models.OrderStatusProcessing {
		return nil, fmt.Errorf("%w: cannot ship from %s", models.ErrInvalidStateTransition, order.Status)
	}

	ref, err := ss.provider.CreateShipment(ctx, &carrier.ShipmentRequest{
		OrderNumber:     order.OrderNumber,
		PickupAddress:   req.PickupAddress,
		DeliveryAddress: order.ShippingAddress,
		WeightGrams:     req.WeightGrams,
		LengthCM:        req.LengthCM,
		WidthCM:         req.WidthCM,
		HeightCM:        req.HeightCM,
	})
	if err != nil {
		return nil, fmt.Errorf("carrier booking failed: %w", err)
	}

	detail := &models.ShippingDetail{
		OrderID:          order.ID,
		Waybill:          ref.Waybill,
		Carrier:          ref.Carrier,
		TrackingStatus:   "Pickup Scheduled",
		PickupDate:       sql.NullTime{Time: ref.PickupDate, Valid: !ref.PickupDate.IsZero()},
		ExpectedDelivery: sql.NullTime{Time: ref.ExpectedDelivery, Valid: !ref.ExpectedDelivery.IsZero()},
	}

	order, err = ss.store.CreateShipment(ctx, detail, actor.ChangedBy())
	if err != nil {
		// The waybill exists at the carrier but not here; surface the
		// error and leave it to the seller to retry with the carrier.
		ss.logger.Error("Shipment persisted failed after carrier booking",
			zap.String("waybill", ref.Waybill),
			zap.Error(err))
		return nil, err
	}

	util.ShipmentsCreatedTotal.Inc()
	ss.logger.Info("Shipment created",
		zap.Int64("order_id", order.ID),
		zap.String("waybill", ref.Waybill))

	ss.publishEvent(ctx, models.EventTypeOrderShipped, order, ref.Waybill)
	return detail, nil
}

// RecordTrackingEvent appends a carrier scan. A Delivered scan closes
// out the order.
func (ss *ShippingService) RecordTrackingEvent(ctx context.Context, waybill, status, location string, occurredAt time.Time) error {
	ctx, span := util.StartSpan(ctx, "ShippingService.RecordTrackingEvent")
	defer span.End()

	if occurredAt.IsZero() {
		occurredAt = time.Now()
	}

	event := &models.TrackingEvent{
		Status:     status,
		Location:   location,
		OccurredAt: occurredAt,
	}

	order, delivered, err := ss.store.AppendTrackingEvent(ctx, waybill, event)
	if err != nil {
		return err
	}

	util.TrackingEventsTotal.Inc()

	if delivered {
		ss.logger.Info("Order delivered",
			zap.Int64("order_id", order.ID),
			zap.String("waybill", waybill))
		ss.publishEvent(ctx, models.EventTypeOrderDelivered, order, waybill)
	}

	return nil
}

// Track returns the local shipment record with its scan history,
// refreshing from the carrier when it is reachable.
func (ss *ShippingService) Track(ctx context.Context, waybill string) (*models.ShippingDetail, []models.TrackingEvent, error) {
	detail, err := ss.store.GetShipmentByWaybill(ctx, waybill)
	if err != nil {
		return nil, nil, err
	}

	// Best effort refresh; carrier outages must not break reads.
	if scans, err := ss.provider.Track(ctx, waybill); err != nil {
		ss.logger.Warn("Carrier tracking unavailable, serving stored events",
			zap.String("waybill", waybill),
			zap.Error(err))
	} else {
		known, err := ss.store.GetTrackingEvents(ctx, detail.ID)
		if err != nil {
			return nil, nil, err
		}
		var fresh []carrier.ScanEvent
		if len(scans) > len(known) {
			fresh = scans[len(known):]
		}
		for _, scan := range fresh {
			if err := ss.RecordTrackingEvent(ctx, waybill, scan.Status, scan.Location, scan.OccurredAt); err != nil {
				ss.logger.Error("Failed to record fetched scan",
					zap.String("waybill", waybill),
					zap.Error(err))
				break
			}
		}
	}

	events, err := ss.store.GetTrackingEvents(ctx, detail.ID)
	if err != nil {
		return nil, nil, err
	}
	return detail, events, nil
}

func (ss *ShippingService) publishEvent(ctx context.Context, eventType string, order *models.Order, waybill string) {
	if ss.publisher == nil {
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
		Waybill:     waybill,
	}

	if err := ss.publisher.PublishOrderEvent(ctx, event); err != nil {
		ss.logger.Error("Failed to publish order event",
			zap.String("event_type", eventType),
			zap.Int64("order_id", order.ID),
			zap.Error(err))
	}
}
