package service

import (
	"context"
	"fmt"
	"time"

	"navdrishti/internal/gateway"
	"navdrishti/internal/models"
	"navdrishti/internal/store"
	"navdrishti/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// PaymentService converges the two payment confirmation paths, client
// verify and gateway webhook, onto the same idempotent capture.
type PaymentService struct {
	store     Datastore
	gateway   PaymentGateway
	publisher EventPublisher
	logger    *zap.Logger
}

// NewPaymentService creates a new payment service
func NewPaymentService(store Datastore, gateway PaymentGateway, publisher EventPublisher) *PaymentService {
	return &PaymentService{
		store:     store,
		gateway:   gateway,
		publisher: publisher,
		logger:    util.GetLogger(),
	}
}

// VerifyPaymentRequest is what the buyer's browser posts after
// checkout completes.
type VerifyPaymentRequest struct {
	GatewayOrderID   string `json:"gateway_order_id" binding:"required"`
	GatewayPaymentID string `json:"gateway_payment_id" binding:"required"`
	Signature        string `json:"signature" binding:"required"`
}

// VerifyPayment checks the client signature and applies the capture.
// Safe to call any number of times with the same gateway payment id;
// losing the race against the webhook is success.
func (ps *PaymentService) VerifyPayment(ctx context.Context, req *VerifyPaymentRequest) (*models.Order, error) {
	ctx, span := util.StartSpan(ctx, "PaymentService.VerifyPayment")
	defer span.End()

	if !ps.gateway.VerifyClientSignature(req.GatewayOrderID, req.GatewayPaymentID, req.Signature) {
		util.SignatureFailuresTotal.Inc()
		ps.logger.Warn("Client payment signature rejected",
			zap.String("gateway_order_id", req.GatewayOrderID))
		return nil, models.ErrSignatureMismatch
	}

	return ps.applyCapture(ctx, req.GatewayOrderID, req.GatewayPaymentID, "")
}

// HandleWebhook verifies the signature over the raw body, decodes the
// event once and applies it idempotently. Delivery is at-least-once
// and unordered; every branch tolerates replays and reordering.
func (ps *PaymentService) HandleWebhook(ctx context.Context, rawBody []byte, signature string) error {
	ctx, span := util.StartSpan(ctx, "PaymentService.HandleWebhook")
	defer span.End()

	// Signature first, over the raw bytes. Parsing before verifying
	// would open a canonicalization gap.
	if !ps.gateway.VerifyWebhookSignature(rawBody, signature) {
		util.SignatureFailuresTotal.Inc()
		ps.logger.Warn("Webhook signature rejected")
		return models.ErrSignatureMismatch
	}

	event, err := gateway.ParseEvent(rawBody)
	if err != nil {
		return models.NewValidationError("body", err.Error())
	}

	switch event.Kind {
	case gateway.KindPaymentCaptured:
		_, err := ps.applyCapture(ctx, event.GatewayOrderID, event.PaymentID, event.Method)
		if err != nil {
			util.WebhookEventsTotal.WithLabelValues(event.RawType, "error").Inc()
			return err
		}
		util.WebhookEventsTotal.WithLabelValues(event.RawType, "applied").Inc()
		return nil

	case gateway.KindPaymentFailed:
		return ps.applyFailure(ctx, event)

	default:
		// Acknowledge events we don't model so the gateway stops
		// retrying them.
		util.WebhookEventsTotal.WithLabelValues(event.RawType, "ignored").Inc()
		ps.logger.Info("Ignoring unmodeled webhook event",
			zap.String("event", event.RawType))
		return nil
	}
}

// applyCapture funnels both confirmation paths through the store's
// idempotent capture transaction and handles each outcome.
func (ps *PaymentService) applyCapture(ctx context.Context, gatewayOrderID, gatewayPaymentID, method string) (*models.Order, error) {
	start := time.Now()
	defer func() {
		util.PaymentCaptureLatency.Observe(time.Since(start).Seconds())
	}()

	outcome, order, err := ps.store.CapturePayment(ctx, gatewayOrderID, gatewayPaymentID, method)
	if err != nil {
		return nil, fmt.Errorf("capture failed for gateway order %s: %w", gatewayOrderID, err)
	}

	switch outcome {
	case store.CaptureApplied:
		util.PaymentsCapturedTotal.Inc()
		util.OrdersConfirmedTotal.Inc()
		ps.logger.Info("Payment captured, order confirmed",
			zap.Int64("order_id", order.ID),
			zap.String("gateway_payment_id", gatewayPaymentID))
		ps.publishEvent(ctx, models.EventTypeOrderConfirmed, order, "")

	case store.CaptureAlreadyDone:
		ps.logger.Info("Capture already applied, no-op",
			zap.Int64("order_id", order.ID),
			zap.String("gateway_payment_id", gatewayPaymentID))

	case store.CaptureFlagged:
		util.PaymentsReconciliationTotal.Inc()
		ps.logger.Error("Capture parked for manual reconciliation",
			zap.Int64("order_id", order.ID),
			zap.String("order_status", order.Status),
			zap.String("gateway_payment_id", gatewayPaymentID))
	}

	return order, nil
}

// applyFailure records a payment failure. A failure arriving after the
// order was confirmed is stale and must never un-confirm it.
func (ps *PaymentService) applyFailure(ctx context.Context, event *gateway.Event) error {
	outcome, order, err := ps.store.FailPayment(ctx, event.GatewayOrderID, event.PaymentID, event.FailureReason)
	if err != nil {
		util.WebhookEventsTotal.WithLabelValues(event.RawType, "error").Inc()
		return fmt.Errorf("failure handling failed for gateway order %s: %w", event.GatewayOrderID, err)
	}

	switch outcome {
	case store.FailApplied:
		util.PaymentsFailedTotal.Inc()
		util.WebhookEventsTotal.WithLabelValues(event.RawType, "applied").Inc()
		ps.logger.Info("Payment failed, order cancelled",
			zap.Int64("order_id", order.ID),
			zap.String("reason", event.FailureReason))
		util.OrdersCancelledTotal.WithLabelValues("payment_failed").Inc()
		ps.publishEvent(ctx, models.EventTypeOrderCancelled, order, "payment_failed")

	case store.FailAlreadyDone:
		util.WebhookEventsTotal.WithLabelValues(event.RawType, "duplicate").Inc()

	case store.FailStale:
		util.WebhookEventsTotal.WithLabelValues(event.RawType, "stale").Inc()
		ps.logger.Warn("Stale payment failure for settled order, ignoring",
			zap.Int64("order_id", order.ID),
			zap.String("gateway_order_id", event.GatewayOrderID))
	}

	return nil
}

// GetPayment returns the payment for an order.
func (ps *PaymentService) GetPayment(ctx context.Context, orderID int64) (*models.Payment, error) {
	return ps.store.GetPaymentByOrderID(ctx, orderID)
}

func (ps *PaymentService) publishEvent(ctx context.Context, eventType string, order *models.Order, reason string) {
	if ps.publisher == nil {
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
	}

	if err := ps.publisher.PublishOrderEvent(ctx, event); err != nil {
		ps.logger.Error("Failed to publish order event",
			zap.String("event_type", eventType),
			zap.Int64("order_id", order.ID),
			zap.Error(err))
	}
}
