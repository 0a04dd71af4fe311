package api

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strconv"
	"time"

	"navdrishti/internal/models"
	"navdrishti/internal/redisclient"
	"navdrishti/internal/service"
	"navdrishti/internal/util"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Handler contains HTTP handlers
type Handler struct {
	orders   *service.OrderService
	payments *service.PaymentService
	shipping *service.ShippingService

	redis              *redisclient.Client
	rateLimitPerMinute int
	carrierToken       string
}

// NewHandler creates a new HTTP handler
func NewHandler(
	orders *service.OrderService,
	payments *service.PaymentService,
	shipping *service.ShippingService,
	redis *redisclient.Client,
	rateLimitPerMinute int,
	carrierToken string,
) *Handler {
	return &Handler{
		orders:             orders,
		payments:           payments,
		shipping:           shipping,
		redis:              redis,
		rateLimitPerMinute: rateLimitPerMinute,
		carrierToken:       carrierToken,
	}
}

// SetupRoutes sets up HTTP routes
func (h *Handler) SetupRoutes(router *gin.Engine) {
	router.Use(gin.Recovery())
	router.Use(prometheusMiddleware())
	router.Use(gin.Logger())

	router.GET("/health", h.healthCheck)
	router.GET("/ready", h.readinessCheck)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/api/v1")

	// Webhooks authenticate by signature or shared token, not by
	// caller identity.
	v1.POST("/payments/webhook", h.paymentWebhook)
	v1.POST("/shipping/webhook", h.shippingWebhook)

	authed := v1.Group("")
	authed.Use(identityMiddleware())
	if h.redis != nil {
		authed.Use(rateLimitMiddleware(h.redis, h.rateLimitPerMinute))
	}
	{
		authed.POST("/orders", h.createOrder)
		authed.GET("/orders", h.listOrders)
		authed.GET("/orders/:id", h.getOrder)
		authed.GET("/orders/:id/history", h.getOrderHistory)
		authed.PATCH("/orders/:id", h.updateOrderStatus)
		authed.POST("/orders/:id/refund", h.refundOrder)
		authed.POST("/orders/verify-payment", h.verifyPayment)
		authed.POST("/shipping/create", h.createShipment)
		authed.GET("/shipping/track/:waybill", h.trackShipment)
	}
}

// healthCheck handles health check requests
func (h *Handler) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"time":   time.Now().Unix(),
	})
}

// readinessCheck handles readiness check requests
func (h *Handler) readinessCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ready",
		"time":   time.Now().Unix(),
	})
}

// createOrder handles the buyer purchase flow
func (h *Handler) createOrder(c *gin.Context) {
	var req service.CreateOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body", "details": err.Error()})
		return
	}

	if req.IdempotencyKey == "" {
		req.IdempotencyKey = c.GetHeader("Idempotency-Key")
	}

	resp, err := h.orders.CreateOrder(c.Request.Context(), currentActor(c), &req)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, resp)
}

// getOrder handles get order by ID
func (h *Handler) getOrder(c *gin.Context) {
	orderID, ok := paramID(c, "id")
	if !ok {
		return
	}

	order, items, err := h.orders.GetOrder(c.Request.Context(), currentActor(c), orderID)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"order": order, "items": items})
}

// listOrders lists the caller's purchases, or sales with ?role=seller
func (h *Handler) listOrders(c *gin.Context) {
	asSeller := c.Query("role") == "seller"

	orders, err := h.orders.ListOrders(c.Request.Context(), currentActor(c), asSeller)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"orders": orders})
}

// getOrderHistory returns the status audit trail
func (h *Handler) getOrderHistory(c *gin.Context) {
	orderID, ok := paramID(c, "id")
	if !ok {
		return
	}

	history, err := h.orders.GetOrderHistory(c.Request.Context(), currentActor(c), orderID)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"history": history})
}

type updateStatusRequest struct {
	Status string `json:"status" binding:"required"`
	Reason string `json:"reason"`
}

// updateOrderStatus handles PATCH /orders/:id
func (h *Handler) updateOrderStatus(c *gin.Context) {
	orderID, ok := paramID(c, "id")
	if !ok {
		return
	}

	var req updateStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body", "details": err.Error()})
		return
	}

	order, err := h.orders.UpdateStatus(c.Request.Context(), currentActor(c), orderID, req.Status, req.Reason)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"order": order})
}

type refundRequest struct {
	Amount int64 `json:"amount"`
}

// refundOrder handles POST /orders/:id/refund (seller only)
func (h *Handler) refundOrder(c *gin.Context) {
	orderID, ok := paramID(c, "id")
	if !ok {
		return
	}

	var req refundRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body", "details": err.Error()})
		return
	}

	order, err := h.orders.Refund(c.Request.Context(), currentActor(c), orderID, req.Amount)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"order": order})
}

// verifyPayment handles the client-side payment confirmation
func (h *Handler) verifyPayment(c *gin.Context) {
	var req service.VerifyPaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body", "details": err.Error()})
		return
	}

	order, err := h.payments.VerifyPayment(c.Request.Context(), &req)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"order": order})
}

// paymentWebhook ingests the gateway's asynchronous event stream. The
// body must stay raw until the signature is verified.
func (h *Handler) paymentWebhook(c *gin.Context) {
	rawBody, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable body"})
		return
	}

	signature := c.GetHeader("X-Signature")
	if err := h.payments.HandleWebhook(c.Request.Context(), rawBody, signature); err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// createShipment handles POST /shipping/create (seller only)
func (h *Handler) createShipment(c *gin.Context) {
	var req service.CreateShipmentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body", "details": err.Error()})
		return
	}

	detail, err := h.shipping.CreateShipment(c.Request.Context(), currentActor(c), &req)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"shipment": detail})
}

// trackShipment handles GET /shipping/track/:waybill
func (h *Handler) trackShipment(c *gin.Context) {
	waybill := c.Param("waybill")

	detail, events, err := h.shipping.Track(c.Request.Context(), waybill)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"shipment": detail, "events": events})
}

type carrierWebhookRequest struct {
	Waybill    string    `json:"waybill" binding:"required"`
	Status     string    `json:"status" binding:"required"`
	Location   string    `json:"location"`
	OccurredAt time.Time `json:"occurred_at"`
}

// shippingWebhook ingests carrier tracking pushes, authenticated by a
// shared token.
func (h *Handler) shippingWebhook(c *gin.Context) {
	token := c.GetHeader("X-Carrier-Token")
	if h.carrierToken == "" || subtle.ConstantTimeCompare([]byte(token), []byte(h.carrierToken)) != 1 {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid carrier token"})
		return
	}

	var req carrierWebhookRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body", "details": err.Error()})
		return
	}

	err := h.shipping.RecordTrackingEvent(c.Request.Context(), req.Waybill, req.Status, req.Location, req.OccurredAt)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func paramID(c *gin.Context, name string) (int64, bool) {
	id, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid " + name})
		return 0, false
	}
	return id, true
}

// respondError maps domain errors onto HTTP status codes in one
// place. Unexpected errors are logged with context and surfaced
// opaquely.
func respondError(c *gin.Context, err error) {
	var validation *models.ValidationError

	switch {
	case errors.Is(err, models.ErrUnauthenticated):
		c.JSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
	case errors.Is(err, models.ErrForbidden):
		c.JSON(http.StatusForbidden, gin.H{"error": "not allowed"})
	case errors.Is(err, models.ErrOrderNotFound),
		errors.Is(err, models.ErrItemNotFound),
		errors.Is(err, models.ErrPaymentNotFound),
		errors.Is(err, models.ErrShipmentNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.As(err, &validation):
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation failed", "field": validation.Field, "details": validation.Message})
	case errors.Is(err, models.ErrInsufficientStock):
		c.JSON(http.StatusBadRequest, gin.H{"error": "insufficient stock"})
	case errors.Is(err, models.ErrSignatureMismatch):
		// Never reveal which part of the signature failed.
		c.JSON(http.StatusBadRequest, gin.H{"error": "signature verification failed"})
	case errors.Is(err, models.ErrInvalidStateTransition):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, models.ErrGatewayUnavailable):
		c.JSON(http.StatusBadGateway, gin.H{"error": "payment gateway unavailable, retry later"})
	default:
		util.GetLogger().Error("Unhandled request error", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
