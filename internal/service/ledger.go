package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"course-checkout/internal/models"
	"course-checkout/internal/util"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

const (
	// OrdersPageSize is the order history page length
	OrdersPageSize = 10
	// MaxOrdersPage bounds the page number so the offset stays in range
	MaxOrdersPage = 100_000
)

// an existing pending order can complete between our insert and our read;
// after this many rounds something else is wrong
const maxPendingOrderAttempts = 3

// OrderLedger is the source of truth for whether a purchase intent has been paid
type OrderLedger struct {
	orders OrderRepository
	logger *zap.Logger
}

// NewOrderLedger creates a new order ledger
func NewOrderLedger(orders OrderRepository) *OrderLedger {
	return &OrderLedger{
		orders: orders,
		logger: util.GetLogger(),
	}
}

// GetOrCreatePendingOrder returns the pending order for (user, course),
// creating one if none exists. created reports whether this call inserted it.
func (l *OrderLedger) GetOrCreatePendingOrder(ctx context.Context, userID, courseID int64, amount decimal.Decimal, currency string) (*models.Order, bool, error) {
	ctx, span := util.StartSpan(ctx, "OrderLedger.GetOrCreatePendingOrder",
		attribute.Int64("user_id", userID),
		attribute.Int64("course_id", courseID))
	defer span.End()

	for attempt := 1; attempt <= maxPendingOrderAttempts; attempt++ {
		order := &models.Order{
			OrderID:  uuid.New().String(),
			UserID:   userID,
			CourseID: courseID,
			Amount:   amount,
			Currency: strings.ToUpper(currency),
		}

		created, err := l.orders.CreatePendingOrder(ctx, order)
		if err != nil {
			return nil, false, util.SpanError(span, fmt.Errorf("failed to create order: %w", err))
		}
		if created {
			util.OrdersCreatedTotal.WithLabelValues(util.ResultCreated).Inc()
			l.logger.Info("Pending order created",
				zap.String("order_id", order.OrderID),
				zap.Int64("user_id", userID),
				zap.Int64("course_id", courseID))
			return order, true, nil
		}

		existing, err := l.orders.GetPendingOrder(ctx, userID, courseID)
		if err != nil {
			return nil, false, util.SpanError(span, fmt.Errorf("failed to load pending order: %w", err))
		}
		if existing != nil {
			util.OrdersCreatedTotal.WithLabelValues(util.ResultDuplicate).Inc()
			span.SetAttributes(attribute.String("order_id", existing.OrderID))
			return existing, false, nil
		}

		l.logger.Debug("Pending order vanished before it could be read, retrying",
			zap.Int64("user_id", userID),
			zap.Int64("course_id", courseID),
			zap.Int("attempt", attempt))
	}

	return nil, false, util.SpanError(span,
		fmt.Errorf("pending order for user %d course %d kept changing after %d attempts",
			userID, courseID, maxPendingOrderAttempts))
}

// AttachSession records sessionRef as the order's current checkout session.
// Only pending orders accept a session.
func (l *OrderLedger) AttachSession(ctx context.Context, order *models.Order, sessionRef string) (*models.Order, error) {
	ctx, span := util.StartSpan(ctx, "OrderLedger.AttachSession",
		attribute.String("order_id", order.OrderID),
		attribute.String("session_ref", sessionRef))
	defer span.End()

	if order.Status.IsTerminal() {
		return order, util.SpanError(span,
			fmt.Errorf("order %s is %s: %w", order.OrderID, order.Status, ErrInvalidState))
	}

	updated, attached, err := l.orders.AttachSession(ctx, order.OrderID, sessionRef)
	if err != nil {
		return nil, util.SpanError(span, fmt.Errorf("failed to attach session: %w", err))
	}
	if updated == nil {
		return nil, util.SpanError(span, fmt.Errorf("order %s: %w", order.OrderID, ErrOrderNotFound))
	}
	if !attached {
		return updated, util.SpanError(span,
			fmt.Errorf("order %s is %s: %w", updated.OrderID, updated.Status, ErrInvalidState))
	}
	return updated, nil
}

// MarkCompleted moves a pending order to completed, recording order.SessionRef
// as the session that paid. This compare-and-set is the only place concurrent
// confirmations are ordered. A second call for an already completed order
// returns it with didTransition=false.
func (l *OrderLedger) MarkCompleted(ctx context.Context, order *models.Order) (*models.Order, bool, error) {
	return l.transition(ctx, order, models.OrderStatusCompleted)
}

// MarkFailed moves a pending order to failed
func (l *OrderLedger) MarkFailed(ctx context.Context, order *models.Order) (*models.Order, bool, error) {
	return l.transition(ctx, order, models.OrderStatusFailed)
}

// MarkCancelled moves a pending order to cancelled
func (l *OrderLedger) MarkCancelled(ctx context.Context, order *models.Order) (*models.Order, bool, error) {
	return l.transition(ctx, order, models.OrderStatusCancelled)
}

func (l *OrderLedger) transition(ctx context.Context, order *models.Order, to models.OrderStatus) (*models.Order, bool, error) {
	ctx, span := util.StartSpan(ctx, "OrderLedger.Transition",
		attribute.String("order_id", order.OrderID),
		attribute.String("to", to.String()))
	defer span.End()

	if !models.OrderStatusPending.CanTransitionTo(to) {
		return nil, false, util.SpanError(span, fmt.Errorf("cannot move to %s: %w", to, ErrInvalidState))
	}

	var settledBy string
	if to == models.OrderStatusCompleted {
		settledBy = order.SessionRef
	}

	updated, ok, err := l.orders.TransitionOrder(ctx, order.OrderID, models.OrderStatusPending, to, settledBy)
	if err != nil {
		return nil, false, util.SpanError(span, err)
	}
	if updated == nil {
		return nil, false, util.SpanError(span, fmt.Errorf("order %s: %w", order.OrderID, ErrOrderNotFound))
	}

	span.SetAttributes(attribute.Bool("did_transition", ok))
	if ok {
		util.OrderTransitionsTotal.WithLabelValues(to.String()).Inc()
		l.logger.Info("Order transitioned",
			zap.String("order_id", updated.OrderID),
			zap.String("to", to.String()))
		return updated, true, nil
	}

	if updated.Status == to {
		return updated, false, nil
	}

	util.InvalidStateTotal.Inc()
	return updated, false, util.SpanError(span,
		fmt.Errorf("order %s is %s, cannot become %s: %w", updated.OrderID, updated.Status, to, ErrInvalidState))
}

// FindBySessionRef resolves any session ever attached to an order; nil when unknown
func (l *OrderLedger) FindBySessionRef(ctx context.Context, sessionRef string) (*models.Order, error) {
	order, err := l.orders.GetOrderBySessionRef(ctx, sessionRef)
	if err != nil {
		return nil, fmt.Errorf("failed to find order for session %s: %w", sessionRef, err)
	}
	return order, nil
}

// FindByOrderID returns the order or nil
func (l *OrderLedger) FindByOrderID(ctx context.Context, orderID string) (*models.Order, error) {
	order, err := l.orders.GetOrderByOrderID(ctx, orderID)
	if err != nil {
		return nil, fmt.Errorf("failed to find order %s: %w", orderID, err)
	}
	return order, nil
}

// HasCompletedOrder reports whether the user already paid for the course
func (l *OrderLedger) HasCompletedOrder(ctx context.Context, userID, courseID int64) (bool, error) {
	return l.orders.HasCompletedOrder(ctx, userID, courseID)
}

// ListForUser returns one page (1-based) of the user's orders, newest first.
// Pages past MaxOrdersPage are empty.
func (l *OrderLedger) ListForUser(ctx context.Context, userID int64, page int) ([]models.Order, error) {
	if page < 1 {
		page = 1
	}
	if page > MaxOrdersPage {
		return []models.Order{}, nil
	}
	return l.orders.GetOrdersByUserID(ctx, userID, OrdersPageSize, (page-1)*OrdersPageSize)
}

// StalePending returns pending orders with a session untouched since before
func (l *OrderLedger) StalePending(ctx context.Context, before time.Time, limit int) ([]models.Order, error) {
	return l.orders.FindStalePendingOrders(ctx, before, limit)
}

// UnsettledCompleted returns completed orders missing their payment or enrollment
func (l *OrderLedger) UnsettledCompleted(ctx context.Context, limit int) ([]models.Order, error) {
	return l.orders.FindUnsettledCompletedOrders(ctx, limit)
}

// MarkChecked records a sweep visit so the next pass starts with orders it
// has not looked at yet
func (l *OrderLedger) MarkChecked(ctx context.Context, orderID string) error {
	if err := l.orders.MarkOrderChecked(ctx, orderID); err != nil {
		return fmt.Errorf("failed to mark order %s checked: %w", orderID, err)
	}
	return nil
}
