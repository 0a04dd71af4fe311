package service

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"navdrishti/internal/carrier"
	"navdrishti/internal/gateway"
	"navdrishti/internal/models"
	"navdrishti/internal/store"
)

// memStore mirrors the postgres store's conditional-update semantics
// under a single mutex, standing in for row locks.
type memStore struct {
	mu sync.Mutex

	nextID     int64
	items      map[int64]*models.InventoryItem
	orders     map[int64]*models.Order
	orderItems map[int64][]*models.OrderItem
	payments   map[int64]*models.Payment
	payByGw    map[string]int64
	shipments  map[string]*models.ShippingDetail
	shipByOrd  map[int64]string
	tracking   map[int64][]models.TrackingEvent
	history    map[int64][]models.OrderStatusHistory

	// createHook runs before an order insert takes the lock, letting
	// tests interleave a competing insert.
	createHook func()
}

func newMemStore() *memStore {
	return &memStore{
		items:      make(map[int64]*models.InventoryItem),
		orders:     make(map[int64]*models.Order),
		orderItems: make(map[int64][]*models.OrderItem),
		payments:   make(map[int64]*models.Payment),
		payByGw:    make(map[string]int64),
		shipments:  make(map[string]*models.ShippingDetail),
		shipByOrd:  make(map[int64]string),
		tracking:   make(map[int64][]models.TrackingEvent),
		history:    make(map[int64][]models.OrderStatusHistory),
	}
}

func (m *memStore) id() int64 {
	m.nextID++
	return m.nextID
}

func (m *memStore) addItem(sellerID int64, price int64, quantity int, status string) *models.InventoryItem {
	m.mu.Lock()
	defer m.mu.Unlock()
	item := &models.InventoryItem{
		ID:       m.id(),
		SellerID: sellerID,
		Title:    "test item",
		Price:    price,
		Quantity: quantity,
		Status:   status,
	}
	m.items[item.ID] = item
	return item
}

func (m *memStore) itemQuantity(id int64) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.items[id].Quantity
}

func (m *memStore) orderStatus(id int64) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.orders[id].Status
}

func (m *memStore) paymentForOrder(orderID int64) *models.Payment {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.payments {
		if p.OrderID == orderID {
			cp := *p
			return &cp
		}
	}
	return nil
}

func (m *memStore) GetInventoryItem(_ context.Context, id int64) (*models.InventoryItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.items[id]
	if !ok {
		return nil, models.ErrItemNotFound
	}
	cp := *item
	return &cp, nil
}

func (m *memStore) CreateOrderWithItems(_ context.Context, order *models.Order, items []*models.OrderItem, payment *models.Payment) error {
	if m.createHook != nil {
		m.createHook()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if order.IdempotencyKey != "" {
		for _, o := range m.orders {
			if o.IdempotencyKey == order.IdempotencyKey {
				return models.ErrDuplicateOrder
			}
		}
	}

	order.ID = m.id()
	order.CreatedAt = time.Now()
	cp := *order
	m.orders[order.ID] = &cp

	for _, item := range items {
		item.ID = m.id()
		item.OrderID = order.ID
		icp := *item
		m.orderItems[order.ID] = append(m.orderItems[order.ID], &icp)
	}

	payment.ID = m.id()
	payment.OrderID = order.ID
	pcp := *payment
	m.payments[payment.ID] = &pcp
	m.payByGw[payment.GatewayOrderID] = payment.ID
	return nil
}

func (m *memStore) GetOrderByID(_ context.Context, id int64) (*models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	order, ok := m.orders[id]
	if !ok {
		return nil, models.ErrOrderNotFound
	}
	cp := *order
	return &cp, nil
}

func (m *memStore) GetOrderByIdempotencyKey(_ context.Context, key string) (*models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, o := range m.orders {
		if o.IdempotencyKey == key {
			cp := *o
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *memStore) GetOrderItemsByOrderID(_ context.Context, orderID int64) ([]models.OrderItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.OrderItem
	for _, it := range m.orderItems[orderID] {
		out = append(out, *it)
	}
	return out, nil
}

func (m *memStore) ListOrdersByBuyer(_ context.Context, buyerID int64) ([]models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Order
	for _, o := range m.orders {
		if o.BuyerID == buyerID {
			out = append(out, *o)
		}
	}
	return out, nil
}

func (m *memStore) ListOrdersBySeller(_ context.Context, sellerID int64) ([]models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Order
	for _, o := range m.orders {
		if o.SellerID == sellerID {
			out = append(out, *o)
		}
	}
	return out, nil
}

func (m *memStore) GetOrderStatusHistory(_ context.Context, orderID int64) ([]models.OrderStatusHistory, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.OrderStatusHistory(nil), m.history[orderID]...), nil
}

func (m *memStore) ListStalePendingOrders(_ context.Context, cutoff time.Time, limit int) ([]models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Order
	for _, o := range m.orders {
		if o.Status == models.OrderStatusPaymentPending && o.CreatedAt.Before(cutoff) && len(out) < limit {
			out = append(out, *o)
		}
	}
	return out, nil
}

func (m *memStore) appendHistory(order *models.Order, newStatus, changedBy, reason string) {
	m.history[order.ID] = append(m.history[order.ID], models.OrderStatusHistory{
		OrderID:        order.ID,
		PreviousStatus: order.Status,
		NewStatus:      newStatus,
		ChangedBy:      changedBy,
		Reason:         reason,
		CreatedAt:      time.Now(),
	})
	order.Status = newStatus
}

func (m *memStore) reserve(itemID int64, qty int) error {
	item := m.items[itemID]
	if item == nil || item.Quantity < qty {
		return models.ErrInsufficientStock
	}
	item.Quantity -= qty
	if item.Quantity == 0 {
		item.Status = models.ItemStatusSold
	}
	return nil
}

func (m *memStore) restore(itemID int64, qty int) {
	item := m.items[itemID]
	item.Quantity += qty
	if item.Status == models.ItemStatusSold {
		item.Status = models.ItemStatusActive
	}
}

func (m *memStore) TransitionOrder(_ context.Context, orderID int64, newStatus, changedBy, reason string) (*models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	order, ok := m.orders[orderID]
	if !ok {
		return nil, models.ErrOrderNotFound
	}
	if !models.CanTransition(order.Status, newStatus) {
		return nil, fmt.Errorf("%w: %s -> %s", models.ErrInvalidStateTransition, order.Status, newStatus)
	}
	m.appendHistory(order, newStatus, changedBy, reason)
	cp := *order
	return &cp, nil
}

func (m *memStore) CancelOrder(_ context.Context, orderID int64, changedBy, reason string) (*models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	order, ok := m.orders[orderID]
	if !ok {
		return nil, models.ErrOrderNotFound
	}
	if order.Status != models.OrderStatusPaymentPending && order.Status != models.OrderStatusConfirmed {
		return nil, fmt.Errorf("%w: cannot cancel from %s", models.ErrInvalidStateTransition, order.Status)
	}

	if order.Status == models.OrderStatusConfirmed {
		for _, it := range m.orderItems[orderID] {
			m.restore(it.InventoryItemID, it.Quantity)
		}
	}

	for _, p := range m.payments {
		if p.OrderID != orderID {
			continue
		}
		switch p.Status {
		case models.PaymentStatusCaptured:
			p.Status = models.PaymentStatusRefunded
			p.RefundAmount = p.Amount
			p.RefundedAt.Time, p.RefundedAt.Valid = time.Now(), true
		case models.PaymentStatusCreated, models.PaymentStatusPending:
			p.Status = models.PaymentStatusFailed
			p.FailureReason.String, p.FailureReason.Valid = reason, true
		}
	}

	m.appendHistory(order, models.OrderStatusCancelled, changedBy, reason)
	cp := *order
	return &cp, nil
}

func (m *memStore) RefundOrder(_ context.Context, orderID int64, changedBy string, amount int64) (*models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	order, ok := m.orders[orderID]
	if !ok {
		return nil, models.ErrOrderNotFound
	}
	switch order.Status {
	case models.OrderStatusConfirmed, models.OrderStatusProcessing, models.OrderStatusShipped:
	default:
		return nil, fmt.Errorf("%w: cannot refund from %s", models.ErrInvalidStateTransition, order.Status)
	}

	var payment *models.Payment
	for _, p := range m.payments {
		if p.OrderID == orderID {
			payment = p
		}
	}
	if payment == nil {
		return nil, models.ErrPaymentNotFound
	}
	if payment.Status != models.PaymentStatusCaptured {
		return nil, fmt.Errorf("%w: payment is %s, not captured", models.ErrInvalidStateTransition, payment.Status)
	}
	if amount <= 0 || amount > payment.Amount {
		return nil, models.NewValidationError("amount", "refund amount must be positive and at most the captured amount")
	}

	payment.Status = models.PaymentStatusRefunded
	payment.RefundAmount = amount
	payment.RefundedAt.Time, payment.RefundedAt.Valid = time.Now(), true

	for _, it := range m.orderItems[orderID] {
		m.restore(it.InventoryItemID, it.Quantity)
	}

	m.appendHistory(order, models.OrderStatusRefunded, changedBy, "seller_refund")
	cp := *order
	return &cp, nil
}

func (m *memStore) CapturePayment(_ context.Context, gatewayOrderID, gatewayPaymentID, method string) (store.CaptureOutcome, *models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	pid, ok := m.payByGw[gatewayOrderID]
	if !ok {
		return store.CaptureAlreadyDone, nil, models.ErrPaymentNotFound
	}
	payment := m.payments[pid]
	order := m.orders[payment.OrderID]

	switch payment.Status {
	case models.PaymentStatusCaptured, models.PaymentStatusRefunded, models.PaymentStatusReconciliation:
		cp := *order
		return store.CaptureAlreadyDone, &cp, nil
	}

	if order.Status != models.OrderStatusPaymentPending {
		payment.Status = models.PaymentStatusReconciliation
		payment.GatewayPaymentID.String, payment.GatewayPaymentID.Valid = gatewayPaymentID, true
		cp := *order
		return store.CaptureFlagged, &cp, nil
	}

	for i, it := range m.orderItems[order.ID] {
		if err := m.reserve(it.InventoryItemID, it.Quantity); err != nil {
			// Roll back the partial decrement, then park the payment.
			for _, done := range m.orderItems[order.ID][:i] {
				m.restore(done.InventoryItemID, done.Quantity)
			}
			payment.Status = models.PaymentStatusReconciliation
			payment.GatewayPaymentID.String, payment.GatewayPaymentID.Valid = gatewayPaymentID, true
			cp := *order
			return store.CaptureFlagged, &cp, nil
		}
	}

	payment.Status = models.PaymentStatusCaptured
	payment.GatewayPaymentID.String, payment.GatewayPaymentID.Valid = gatewayPaymentID, true
	payment.Method.String, payment.Method.Valid = method, method != ""
	payment.CapturedAt.Time, payment.CapturedAt.Valid = time.Now(), true

	m.appendHistory(order, models.OrderStatusConfirmed, "system", "payment_captured")
	cp := *order
	return store.CaptureApplied, &cp, nil
}

func (m *memStore) FailPayment(_ context.Context, gatewayOrderID, gatewayPaymentID, reason string) (store.FailOutcome, *models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	pid, ok := m.payByGw[gatewayOrderID]
	if !ok {
		return store.FailAlreadyDone, nil, models.ErrPaymentNotFound
	}
	payment := m.payments[pid]
	order := m.orders[payment.OrderID]

	switch payment.Status {
	case models.PaymentStatusCaptured, models.PaymentStatusRefunded, models.PaymentStatusReconciliation:
		cp := *order
		return store.FailStale, &cp, nil
	case models.PaymentStatusFailed:
		cp := *order
		return store.FailAlreadyDone, &cp, nil
	}

	payment.Status = models.PaymentStatusFailed
	payment.GatewayPaymentID.String, payment.GatewayPaymentID.Valid = gatewayPaymentID, true
	payment.FailureReason.String, payment.FailureReason.Valid = reason, true

	if order.Status == models.OrderStatusPaymentPending {
		m.appendHistory(order, models.OrderStatusCancelled, "system", "payment_failed")
	}
	cp := *order
	return store.FailApplied, &cp, nil
}

func (m *memStore) GetPaymentByOrderID(_ context.Context, orderID int64) (*models.Payment, error) {
	p := m.paymentForOrder(orderID)
	if p == nil {
		return nil, models.ErrPaymentNotFound
	}
	return p, nil
}

func (m *memStore) GetPaymentByGatewayOrderID(_ context.Context, gatewayOrderID string) (*models.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pid, ok := m.payByGw[gatewayOrderID]
	if !ok {
		return nil, models.ErrPaymentNotFound
	}
	cp := *m.payments[pid]
	return &cp, nil
}

func (m *memStore) CreateShipment(_ context.Context, detail *models.ShippingDetail, changedBy string) (*models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	order, ok := m.orders[detail.OrderID]
	if !ok {
		return nil, models.ErrOrderNotFound
	}
	if order.Status != models.OrderStatusConfirmed && order.Status != models.OrderStatusProcessing {
		return nil, fmt.Errorf("%w: cannot ship from %s", models.ErrInvalidStateTransition, order.Status)
	}

	detail.ID = m.id()
	cp := *detail
	m.shipments[detail.Waybill] = &cp
	m.shipByOrd[order.ID] = detail.Waybill

	m.appendHistory(order, models.OrderStatusShipped, changedBy, "shipment_created")
	ocp := *order
	return &ocp, nil
}

func (m *memStore) AppendTrackingEvent(_ context.Context, waybill string, event *models.TrackingEvent) (*models.Order, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	detail, ok := m.shipments[waybill]
	if !ok {
		return nil, false, models.ErrShipmentNotFound
	}

	event.ID = m.id()
	event.ShippingDetailID = detail.ID
	m.tracking[detail.ID] = append(m.tracking[detail.ID], *event)
	detail.TrackingStatus = event.Status

	order := m.orders[detail.OrderID]
	delivered := false
	if event.Status == models.TrackingStatusDelivered && order.Status == models.OrderStatusShipped {
		detail.ActualDelivery.Time, detail.ActualDelivery.Valid = event.OccurredAt, true
		m.appendHistory(order, models.OrderStatusDelivered, "system", "carrier_delivered")
		delivered = true
	}

	cp := *order
	return &cp, delivered, nil
}

func (m *memStore) GetShipmentByWaybill(_ context.Context, waybill string) (*models.ShippingDetail, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	detail, ok := m.shipments[waybill]
	if !ok {
		return nil, models.ErrShipmentNotFound
	}
	cp := *detail
	return &cp, nil
}

func (m *memStore) GetShipmentByOrderID(_ context.Context, orderID int64) (*models.ShippingDetail, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	waybill, ok := m.shipByOrd[orderID]
	if !ok {
		return nil, models.ErrShipmentNotFound
	}
	cp := *m.shipments[waybill]
	return &cp, nil
}

func (m *memStore) GetTrackingEvents(_ context.Context, shippingDetailID int64) ([]models.TrackingEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.TrackingEvent(nil), m.tracking[shippingDetailID]...), nil
}

// fakeGateway stubs order issuance while reusing the real HMAC
// signature scheme.
type fakeGateway struct {
	*gateway.Client
	counter int64
	fail    bool
}

func newFakeGateway(secret string) *fakeGateway {
	return &fakeGateway{
		Client: gateway.NewClient("https://gw.test", "key_test", secret, "INR"),
	}
}

func (g *fakeGateway) CreateOrder(_ context.Context, amount int64, receipt string, _ map[string]string) (*gateway.OrderRef, error) {
	if g.fail {
		return nil, models.ErrGatewayUnavailable
	}
	id := atomic.AddInt64(&g.counter, 1)
	return &gateway.OrderRef{
		ID:       fmt.Sprintf("gworder_%d", id),
		Amount:   amount,
		Currency: "INR",
		Receipt:  receipt,
		Status:   "created",
	}, nil
}

// recordPublisher accumulates published events for assertions.
type recordPublisher struct {
	mu     sync.Mutex
	events []*models.OrderEvent
}

func (p *recordPublisher) PublishOrderEvent(_ context.Context, event *models.OrderEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return nil
}

func (p *recordPublisher) countByType(eventType string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, ev := range p.events {
		if ev.EventType == eventType {
			n++
		}
	}
	return n
}

// fakeCarrier stubs the shipping provider.
type fakeCarrier struct {
	counter int64
	scans   map[string][]carrier.ScanEvent
	fail    bool
}

func newFakeCarrier() *fakeCarrier {
	return &fakeCarrier{scans: make(map[string][]carrier.ScanEvent)}
}

func (c *fakeCarrier) CreateShipment(_ context.Context, _ *carrier.ShipmentRequest) (*carrier.ShipmentRef, error) {
	if c.fail {
		return nil, fmt.Errorf("carrier unavailable")
	}
	id := atomic.AddInt64(&c.counter, 1)
	return &carrier.ShipmentRef{
		Waybill:          fmt.Sprintf("WB%06d", id),
		Carrier:          "testship",
		PickupDate:       time.Now().Add(24 * time.Hour),
		ExpectedDelivery: time.Now().Add(96 * time.Hour),
	}, nil
}

func (c *fakeCarrier) Track(_ context.Context, waybill string) ([]carrier.ScanEvent, error) {
	if c.fail {
		return nil, fmt.Errorf("carrier unavailable")
	}
	return c.scans[waybill], nil
}
