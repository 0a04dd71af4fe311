package service

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"testing"

	"navdrishti/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "whsec_test_secret"

func sign(msg string) string {
	mac := hmac.New(sha256.New, []byte(testSecret))
	mac.Write([]byte(msg))
	return hex.EncodeToString(mac.Sum(nil))
}

func capturedBody(gatewayOrderID, paymentID string) string {
	return fmt.Sprintf(`{"event":"payment.captured","payload":{"payment":{"id":%q,"order_id":%q,"method":"upi"}}}`,
		paymentID, gatewayOrderID)
}

func failedBody(gatewayOrderID, paymentID, reason string) string {
	return fmt.Sprintf(`{"event":"payment.failed","payload":{"payment":{"id":%q,"order_id":%q,"error_reason":%q}}}`,
		paymentID, gatewayOrderID, reason)
}

type fixture struct {
	store     *memStore
	gateway   *fakeGateway
	publisher *recordPublisher
	orders    *OrderService
	payments  *PaymentService
	shipping  *ShippingService
	carrier   *fakeCarrier
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st := newMemStore()
	gw := newFakeGateway(testSecret)
	pub := &recordPublisher{}
	ca := newFakeCarrier()
	return &fixture{
		store:     st,
		gateway:   gw,
		publisher: pub,
		carrier:   ca,
		orders:    NewOrderService(st, gw, pub, nil),
		payments:  NewPaymentService(st, gw, pub),
		shipping:  NewShippingService(st, ca, pub),
	}
}

// placeOrder creates an order for the given item and returns the
// creation response.
func (f *fixture) placeOrder(t *testing.T, buyerID, itemID int64, qty int) *CreateOrderResponse {
	t.Helper()
	resp, err := f.orders.CreateOrder(context.Background(), Actor{UserID: buyerID, Role: "buyer"}, &CreateOrderRequest{
		ItemID:          itemID,
		Quantity:        qty,
		ShippingAddress: "12 MG Road, Bengaluru",
	})
	require.NoError(t, err)
	return resp
}

// confirm drives an order to confirmed via the client verify path.
func (f *fixture) confirm(t *testing.T, resp *CreateOrderResponse) {
	t.Helper()
	paymentID := "pay_" + resp.GatewayOrderID
	order, err := f.payments.VerifyPayment(context.Background(), &VerifyPaymentRequest{
		GatewayOrderID:   resp.GatewayOrderID,
		GatewayPaymentID: paymentID,
		Signature:        sign(resp.GatewayOrderID + "|" + paymentID),
	})
	require.NoError(t, err)
	require.Equal(t, models.OrderStatusConfirmed, order.Status)
}

func TestVerifyPaymentConfirmsOrder(t *testing.T) {
	f := newFixture(t)
	item := f.store.addItem(2, 50000, 5, models.ItemStatusActive)

	resp := f.placeOrder(t, 1, item.ID, 2)
	assert.Equal(t, models.OrderStatusPaymentPending, resp.Status)
	assert.Equal(t, int64(100000), resp.Amount)
	assert.Equal(t, 5, f.store.itemQuantity(item.ID), "stock is not reserved before capture")

	f.confirm(t, resp)

	assert.Equal(t, 3, f.store.itemQuantity(item.ID))
	payment := f.store.paymentForOrder(resp.OrderID)
	assert.Equal(t, models.PaymentStatusCaptured, payment.Status)
	assert.Equal(t, 1, f.publisher.countByType(models.EventTypeOrderConfirmed))
}

func TestVerifyPaymentRejectsBadSignature(t *testing.T) {
	f := newFixture(t)
	item := f.store.addItem(2, 50000, 5, models.ItemStatusActive)
	resp := f.placeOrder(t, 1, item.ID, 1)

	_, err := f.payments.VerifyPayment(context.Background(), &VerifyPaymentRequest{
		GatewayOrderID:   resp.GatewayOrderID,
		GatewayPaymentID: "pay_x",
		Signature:        "deadbeef",
	})
	assert.ErrorIs(t, err, models.ErrSignatureMismatch)
	assert.Equal(t, models.OrderStatusPaymentPending, f.store.orderStatus(resp.OrderID))
	assert.Equal(t, 5, f.store.itemQuantity(item.ID))
}

// A tampered webhook body must be rejected with no state change at all.
func TestWebhookTamperedBodyRejected(t *testing.T) {
	f := newFixture(t)
	item := f.store.addItem(2, 50000, 5, models.ItemStatusActive)
	resp := f.placeOrder(t, 1, item.ID, 1)

	body := capturedBody(resp.GatewayOrderID, "pay_1")
	sig := sign(body)
	tampered := []byte(body)
	tampered[len(tampered)/2] ^= 0x01

	err := f.payments.HandleWebhook(context.Background(), tampered, sig)
	assert.ErrorIs(t, err, models.ErrSignatureMismatch)

	assert.Equal(t, models.OrderStatusPaymentPending, f.store.orderStatus(resp.OrderID))
	assert.Equal(t, 5, f.store.itemQuantity(item.ID))
	payment := f.store.paymentForOrder(resp.OrderID)
	assert.Equal(t, models.PaymentStatusCreated, payment.Status)
	assert.Equal(t, 0, f.publisher.countByType(models.EventTypeOrderConfirmed))
}

// N deliveries of the same captured webhook must have the effect of
// exactly one.
func TestWebhookCaptureIdempotent(t *testing.T) {
	f := newFixture(t)
	item := f.store.addItem(2, 30000, 4, models.ItemStatusActive)
	resp := f.placeOrder(t, 1, item.ID, 2)

	body := capturedBody(resp.GatewayOrderID, "pay_1")
	sig := sign(body)

	for i := 0; i < 5; i++ {
		require.NoError(t, f.payments.HandleWebhook(context.Background(), []byte(body), sig))
	}

	assert.Equal(t, models.OrderStatusConfirmed, f.store.orderStatus(resp.OrderID))
	assert.Equal(t, 2, f.store.itemQuantity(item.ID), "stock decremented exactly once")
	assert.Equal(t, 1, f.publisher.countByType(models.EventTypeOrderConfirmed))
}

// The client verify path and the webhook racing each other must
// converge on a single capture.
func TestVerifyAndWebhookRaceConverges(t *testing.T) {
	f := newFixture(t)
	item := f.store.addItem(2, 30000, 10, models.ItemStatusActive)
	resp := f.placeOrder(t, 1, item.ID, 3)

	paymentID := "pay_race"
	body := capturedBody(resp.GatewayOrderID, paymentID)
	webhookSig := sign(body)
	clientSig := sign(resp.GatewayOrderID + "|" + paymentID)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, _ = f.payments.VerifyPayment(context.Background(), &VerifyPaymentRequest{
				GatewayOrderID:   resp.GatewayOrderID,
				GatewayPaymentID: paymentID,
				Signature:        clientSig,
			})
		}()
		go func() {
			defer wg.Done()
			_ = f.payments.HandleWebhook(context.Background(), []byte(body), webhookSig)
		}()
	}
	wg.Wait()

	assert.Equal(t, models.OrderStatusConfirmed, f.store.orderStatus(resp.OrderID))
	assert.Equal(t, 7, f.store.itemQuantity(item.ID), "exactly one decrement despite the race")
	assert.Equal(t, 1, f.publisher.countByType(models.EventTypeOrderConfirmed))
}

// Concurrent confirmations of competing orders must never drive
// inventory negative: the losers get parked for reconciliation.
func TestConcurrentCapturesNeverOversell(t *testing.T) {
	f := newFixture(t)
	item := f.store.addItem(2, 10000, 3, models.ItemStatusActive)

	const buyers = 10
	resps := make([]*CreateOrderResponse, buyers)
	for i := 0; i < buyers; i++ {
		resps[i] = f.placeOrder(t, int64(100+i), item.ID, 1)
	}

	var wg sync.WaitGroup
	for _, resp := range resps {
		wg.Add(1)
		go func(resp *CreateOrderResponse) {
			defer wg.Done()
			body := capturedBody(resp.GatewayOrderID, "pay_"+resp.GatewayOrderID)
			_ = f.payments.HandleWebhook(context.Background(), []byte(body), sign(body))
		}(resp)
	}
	wg.Wait()

	assert.GreaterOrEqual(t, f.store.itemQuantity(item.ID), 0, "inventory never goes negative")
	assert.Equal(t, 0, f.store.itemQuantity(item.ID))

	confirmed, flagged := 0, 0
	for _, resp := range resps {
		payment := f.store.paymentForOrder(resp.OrderID)
		switch payment.Status {
		case models.PaymentStatusCaptured:
			confirmed++
			assert.Equal(t, models.OrderStatusConfirmed, f.store.orderStatus(resp.OrderID))
		case models.PaymentStatusReconciliation:
			flagged++
			assert.Equal(t, models.OrderStatusPaymentPending, f.store.orderStatus(resp.OrderID))
		default:
			t.Fatalf("unexpected payment status %s", payment.Status)
		}
	}
	assert.Equal(t, 3, confirmed)
	assert.Equal(t, buyers-3, flagged)
}

func TestWebhookFailureCancelsPendingOrder(t *testing.T) {
	f := newFixture(t)
	item := f.store.addItem(2, 20000, 2, models.ItemStatusActive)
	resp := f.placeOrder(t, 1, item.ID, 1)

	body := failedBody(resp.GatewayOrderID, "pay_1", "card_declined")
	require.NoError(t, f.payments.HandleWebhook(context.Background(), []byte(body), sign(body)))

	assert.Equal(t, models.OrderStatusCancelled, f.store.orderStatus(resp.OrderID))
	payment := f.store.paymentForOrder(resp.OrderID)
	assert.Equal(t, models.PaymentStatusFailed, payment.Status)
	assert.Equal(t, "card_declined", payment.FailureReason.String)
	assert.Equal(t, 2, f.store.itemQuantity(item.ID), "nothing to restore, stock was never reserved")
	assert.Equal(t, 1, f.publisher.countByType(models.EventTypeOrderCancelled))

	// Replay is acknowledged without a second cancellation.
	require.NoError(t, f.payments.HandleWebhook(context.Background(), []byte(body), sign(body)))
	assert.Equal(t, 1, f.publisher.countByType(models.EventTypeOrderCancelled))
}

// A failure event arriving after the capture is stale and must not
// un-confirm the order.
func TestStaleFailureAfterCaptureIgnored(t *testing.T) {
	f := newFixture(t)
	item := f.store.addItem(2, 20000, 2, models.ItemStatusActive)
	resp := f.placeOrder(t, 1, item.ID, 1)
	f.confirm(t, resp)

	body := failedBody(resp.GatewayOrderID, "pay_late", "timeout")
	require.NoError(t, f.payments.HandleWebhook(context.Background(), []byte(body), sign(body)))

	assert.Equal(t, models.OrderStatusConfirmed, f.store.orderStatus(resp.OrderID))
	payment := f.store.paymentForOrder(resp.OrderID)
	assert.Equal(t, models.PaymentStatusCaptured, payment.Status)
	assert.Equal(t, 1, f.store.itemQuantity(item.ID))
}

// A capture landing on an already cancelled order is parked for
// reconciliation instead of confirming it.
func TestCaptureAfterCancelFlagged(t *testing.T) {
	f := newFixture(t)
	item := f.store.addItem(2, 20000, 2, models.ItemStatusActive)
	resp := f.placeOrder(t, 1, item.ID, 1)

	_, err := f.orders.Cancel(context.Background(), Actor{UserID: 1, Role: "buyer"}, resp.OrderID, "")
	require.NoError(t, err)

	body := capturedBody(resp.GatewayOrderID, "pay_1")
	require.NoError(t, f.payments.HandleWebhook(context.Background(), []byte(body), sign(body)))

	assert.Equal(t, models.OrderStatusCancelled, f.store.orderStatus(resp.OrderID))
	payment := f.store.paymentForOrder(resp.OrderID)
	assert.Equal(t, models.PaymentStatusReconciliation, payment.Status)
	assert.Equal(t, 2, f.store.itemQuantity(item.ID))
}

func TestWebhookUnmodeledEventAcknowledged(t *testing.T) {
	f := newFixture(t)
	body := `{"event":"payment.authorized","payload":{"payment":{"id":"pay_1","order_id":"gworder_9"}}}`
	assert.NoError(t, f.payments.HandleWebhook(context.Background(), []byte(body), sign(body)))
}

func TestWebhookUnknownGatewayOrder(t *testing.T) {
	f := newFixture(t)
	body := capturedBody("gworder_missing", "pay_1")
	err := f.payments.HandleWebhook(context.Background(), []byte(body), sign(body))
	assert.ErrorIs(t, err, models.ErrPaymentNotFound)
}
