package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"course-checkout/internal/gateway"
	"course-checkout/internal/service"
	"course-checkout/internal/util"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// maxWebhookBody caps a webhook delivery; checkout session events are a few KB
const maxWebhookBody = 64 << 10

// Pinger reports whether a dependency is reachable
type Pinger interface {
	Ping(ctx context.Context) error
}

// Config carries what the HTTP layer needs beyond its services
type Config struct {
	JWTSecret      string
	AllowedOrigins []string
}

// Handler contains HTTP handlers
type Handler struct {
	checkout *service.CheckoutService
	ledger   *service.OrderLedger
	payments *service.PaymentRecorder
	verifier gateway.Verifier
	db       Pinger
	config   Config
	logger   *zap.Logger
}

// NewHandler creates a new HTTP handler
func NewHandler(
	checkout *service.CheckoutService,
	ledger *service.OrderLedger,
	payments *service.PaymentRecorder,
	verifier gateway.Verifier,
	db Pinger,
	config Config,
) *Handler {
	return &Handler{
		checkout: checkout,
		ledger:   ledger,
		payments: payments,
		verifier: verifier,
		db:       db,
		config:   config,
		logger:   util.GetLogger(),
	}
}

// SetupRoutes sets up HTTP routes
func (h *Handler) SetupRoutes(router *gin.Engine) {
	router.Use(gin.Recovery())
	router.Use(prometheusMiddleware())
	if len(h.config.AllowedOrigins) > 0 {
		router.Use(corsMiddleware(h.config.AllowedOrigins))
	}

	router.GET("/health", h.healthCheck)
	router.GET("/ready", h.readinessCheck)

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/api/v1")
	{
		v1.GET("/checkout/success", h.checkoutSuccess)
		v1.GET("/checkout/cancel", h.checkoutCancel)
		v1.POST("/webhooks/stripe", h.stripeWebhook)

		authed := v1.Group("", authMiddleware(h.config.JWTSecret))
		authed.POST("/checkout", h.startCheckout)
		authed.GET("/orders", h.listOrders)
		authed.GET("/orders/:order_id", h.getOrder)
	}
}

// healthCheck handles health check requests
func (h *Handler) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"time":   time.Now().Unix(),
	})
}

// readinessCheck reports ready only while the database answers
func (h *Handler) readinessCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	if err := h.db.Ping(ctx); err != nil {
		h.logger.Warn("Readiness check failed", zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status": "unavailable",
			"time":   time.Now().Unix(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status": "ready",
		"time":   time.Now().Unix(),
	})
}

type startCheckoutRequest struct {
	CourseID int64 `json:"course_id" binding:"required,gt=0"`
}

// startCheckout opens (or reuses) a checkout session for the caller
func (h *Handler) startCheckout(c *gin.Context) {
	var req startCheckoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}

	result, err := h.checkout.StartCheckout(c.Request.Context(), currentUser(c), req.CourseID)
	if err != nil {
		status, message := checkoutErrorStatus(err)
		if status >= http.StatusInternalServerError {
			h.logger.Error("Checkout failed",
				zap.Int64("user_id", currentUser(c)),
				zap.Int64("course_id", req.CourseID),
				zap.Error(err))
		}
		c.JSON(status, gin.H{"error": message})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"order_id":     result.Order.OrderID,
		"session_id":   result.SessionRef,
		"checkout_url": result.RedirectURL,
	})
}

func checkoutErrorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, service.ErrCourseNotFound):
		return http.StatusNotFound, "Course not found"
	case errors.Is(err, service.ErrAlreadyOwned):
		return http.StatusConflict, "Course already owned"
	case errors.Is(err, service.ErrInvalidState):
		return http.StatusConflict, "Order is no longer pending"
	case errors.Is(err, service.ErrGatewayUnavailable):
		return http.StatusBadGateway, "Payment provider unavailable, please retry"
	}
	return http.StatusInternalServerError, "Failed to start checkout"
}

// checkoutSuccess is where the provider sends the user back after paying.
// The session id is only a hint; the session is re-read from the provider.
func (h *Handler) checkoutSuccess(c *gin.Context) {
	sessionRef := c.Query("session_id")
	if sessionRef == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Missing session_id"})
		return
	}

	result, err := h.checkout.ConfirmRedirect(c.Request.Context(), sessionRef)
	if err != nil {
		status, message := redirectErrorStatus(err)
		switch {
		case service.IsRejection(err):
			h.logger.Warn("Redirect confirmation rejected",
				zap.String("session_ref", sessionRef), zap.Error(err))
		case status >= http.StatusInternalServerError:
			h.logger.Error("Redirect confirmation failed",
				zap.String("session_ref", sessionRef), zap.Error(err))
		}
		c.JSON(status, gin.H{"error": message})
		return
	}

	if !result.Paid {
		c.JSON(http.StatusAccepted, gin.H{
			"status":     "processing",
			"session_id": sessionRef,
		})
		return
	}

	order := result.Outcome.Order
	c.JSON(http.StatusOK, gin.H{
		"order_id":  order.OrderID,
		"course_id": order.CourseID,
		"status":    order.Status,
		"enrolled":  result.Outcome.Enrollment != nil,
	})
}

func redirectErrorStatus(err error) (int, string) {
	switch {
	case service.IsRejection(err):
		return http.StatusBadRequest, "Checkout session could not be verified"
	case errors.Is(err, service.ErrGatewayUnavailable):
		return http.StatusBadGateway, "Payment provider unavailable, your payment is safe; please refresh shortly"
	case errors.Is(err, service.ErrUnknownOrder):
		return http.StatusNotFound, "No order for this checkout session"
	case errors.Is(err, service.ErrInvalidState):
		return http.StatusConflict, "Order can no longer be completed"
	}
	return http.StatusInternalServerError, "Could not confirm payment yet, your payment is safe; please refresh shortly"
}

// checkoutCancel is informational; an abandoned checkout leaves the order pending
func (h *Handler) checkoutCancel(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "cancelled"})
}

// stripeWebhook verifies and applies a provider event. Only a 2xx stops
// the provider from re-delivering.
func (h *Handler) stripeWebhook(c *gin.Context) {
	payload, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxWebhookBody))
	if err != nil {
		h.rejectWebhook(c, "body", err)
		return
	}

	event, err := h.verifier.VerifyEvent(payload, c.GetHeader("Stripe-Signature"))
	if err != nil {
		reason := "malformed"
		if errors.Is(err, gateway.ErrInvalidSignature) {
			reason = "signature"
		}
		h.rejectWebhook(c, reason, err)
		return
	}

	disposition, err := h.checkout.HandleEvent(c.Request.Context(), event)
	if err != nil {
		if service.IsRejection(err) {
			h.rejectWebhook(c, "verification", err)
			return
		}
		h.logger.Error("Webhook processing failed",
			zap.String("event_id", event.ID),
			zap.String("event_type", event.Type),
			zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Temporary failure, retry later"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"received":    true,
		"disposition": disposition,
	})
}

func (h *Handler) rejectWebhook(c *gin.Context, reason string, err error) {
	util.WebhookRejectedTotal.WithLabelValues(reason).Inc()
	h.logger.Warn("Webhook rejected",
		zap.String("reason", reason),
		zap.String("remote_addr", c.ClientIP()),
		zap.Error(err))
	c.JSON(http.StatusBadRequest, gin.H{"error": "Webhook rejected"})
}

// listOrders returns the caller's order history, newest first
func (h *Handler) listOrders(c *gin.Context) {
	page := 1
	if raw := c.Query("page"); raw != "" {
		p, err := strconv.Atoi(raw)
		if err != nil || p < 1 || p > service.MaxOrdersPage {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid page"})
			return
		}
		page = p
	}

	orders, err := h.ledger.ListForUser(c.Request.Context(), currentUser(c), page)
	if err != nil {
		h.logger.Error("Failed to list orders", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list orders"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"orders": orders,
		"page":   page,
	})
}

// getOrder returns one of the caller's orders with its payment
func (h *Handler) getOrder(c *gin.Context) {
	ctx := c.Request.Context()

	order, err := h.ledger.FindByOrderID(ctx, c.Param("order_id"))
	if err != nil {
		h.logger.Error("Failed to load order", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load order"})
		return
	}
	if order == nil || order.UserID != currentUser(c) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Order not found"})
		return
	}

	payment, err := h.payments.GetForOrder(ctx, order.OrderID)
	if err != nil {
		h.logger.Error("Failed to load payment", zap.String("order_id", order.OrderID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load order"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"order":   order,
		"payment": payment,
	})
}
