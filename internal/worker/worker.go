package worker

import (
	"context"
	"fmt"
	"log"
	"time"

	"navdrishti/internal/broker"
	"navdrishti/internal/models"
	"navdrishti/internal/service"
	"navdrishti/internal/util"

	"go.uber.org/zap"
)

// NotificationSink delivers user-facing messages. Failures are logged,
// never propagated back into order processing.
type NotificationSink interface {
	Notify(ctx context.Context, userID int64, message string) error
}

// LogSink is the default sink; real channels (email, push) hang off
// the same interface.
type LogSink struct {
	logger *zap.Logger
}

func NewLogSink() *LogSink {
	return &LogSink{logger: util.GetLogger()}
}

func (s *LogSink) Notify(_ context.Context, userID int64, message string) error {
	s.logger.Info("Notification",
		zap.Int64("user_id", userID),
		zap.String("message", message))
	return nil
}

// NotificationWorker consumes order lifecycle events and notifies the
// parties to each order.
type NotificationWorker struct {
	consumer     *broker.Consumer
	eventHandler *broker.EventHandler
	sink         NotificationSink
}

// NewNotificationWorker creates a new notification worker
func NewNotificationWorker(consumer *broker.Consumer, sink NotificationSink) *NotificationWorker {
	w := &NotificationWorker{
		consumer: consumer,
		sink:     sink,
	}

	eventHandler := broker.NewEventHandler()
	eventHandler.On(models.EventTypeOrderConfirmed, w.onConfirmed)
	eventHandler.On(models.EventTypeOrderCancelled, w.onCancelled)
	eventHandler.On(models.EventTypeOrderRefunded, w.onRefunded)
	eventHandler.On(models.EventTypeOrderShipped, w.onShipped)
	eventHandler.On(models.EventTypeOrderDelivered, w.onDelivered)
	w.eventHandler = eventHandler

	return w
}

// Start starts the worker
func (w *NotificationWorker) Start(ctx context.Context) error {
	log.Println("Starting notification worker...")
	return w.consumer.StartConsuming(ctx, w.eventHandler.HandleMessage)
}

// Stop stops the worker
func (w *NotificationWorker) Stop() error {
	log.Println("Stopping notification worker...")
	return w.consumer.Close()
}

func (w *NotificationWorker) onConfirmed(ctx context.Context, ev *models.OrderEvent) error {
	w.notify(ctx, ev.BuyerID, fmt.Sprintf("Your order %s is confirmed.", ev.OrderNumber))
	w.notify(ctx, ev.SellerID, fmt.Sprintf("Order %s is paid; please arrange shipment.", ev.OrderNumber))
	return nil
}

func (w *NotificationWorker) onCancelled(ctx context.Context, ev *models.OrderEvent) error {
	w.notify(ctx, ev.BuyerID, fmt.Sprintf("Order %s was cancelled (%s).", ev.OrderNumber, ev.Reason))
	w.notify(ctx, ev.SellerID, fmt.Sprintf("Order %s was cancelled (%s).", ev.OrderNumber, ev.Reason))
	return nil
}

func (w *NotificationWorker) onRefunded(ctx context.Context, ev *models.OrderEvent) error {
	w.notify(ctx, ev.BuyerID, fmt.Sprintf("Order %s was refunded.", ev.OrderNumber))
	return nil
}

func (w *NotificationWorker) onShipped(ctx context.Context, ev *models.OrderEvent) error {
	w.notify(ctx, ev.BuyerID, fmt.Sprintf("Order %s shipped, waybill %s.", ev.OrderNumber, ev.Waybill))
	return nil
}

func (w *NotificationWorker) onDelivered(ctx context.Context, ev *models.OrderEvent) error {
	w.notify(ctx, ev.BuyerID, fmt.Sprintf("Order %s was delivered.", ev.OrderNumber))
	w.notify(ctx, ev.SellerID, fmt.Sprintf("Order %s was delivered.", ev.OrderNumber))
	return nil
}

func (w *NotificationWorker) notify(ctx context.Context, userID int64, message string) {
	if err := w.sink.Notify(ctx, userID, message); err != nil {
		util.GetLogger().Error("Notification delivery failed",
			zap.Int64("user_id", userID),
			zap.Error(err))
	}
}

// ReconcilerWorker periodically cancels payment_pending orders whose
// payment never arrived within the timeout. Closes the window left by
// not reserving stock between order creation and capture.
type ReconcilerWorker struct {
	orders    *service.OrderService
	timeout   time.Duration
	interval  time.Duration
	batchSize int
	cancel    context.CancelFunc
}

// NewReconcilerWorker creates a new reconciler worker
func NewReconcilerWorker(orders *service.OrderService, timeout, interval time.Duration) *ReconcilerWorker {
	return &ReconcilerWorker{
		orders:    orders,
		timeout:   timeout,
		interval:  interval,
		batchSize: 100,
	}
}

// Start runs the reconcile loop until the context is cancelled.
func (rw *ReconcilerWorker) Start(ctx context.Context) error {
	log.Println("Starting reconciler worker...")

	ctx, rw.cancel = context.WithCancel(ctx)
	ticker := time.NewTicker(rw.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			expired, err := rw.orders.ExpireStaleOrders(ctx, rw.timeout, rw.batchSize)
			if err != nil {
				util.GetLogger().Error("Reconcile pass failed", zap.Error(err))
				continue
			}
			if expired > 0 {
				util.GetLogger().Info("Expired stale pending orders", zap.Int("count", expired))
			}
		}
	}
}

// Stop stops the worker
func (rw *ReconcilerWorker) Stop() error {
	log.Println("Stopping reconciler worker...")
	if rw.cancel != nil {
		rw.cancel()
	}
	return nil
}
