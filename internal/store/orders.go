package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"course-checkout/internal/models"
)

const orderColumns = `id, order_id, user_id, course_id, amount, currency, status,
	session_ref, created_at, updated_at, completed_at, checked_at`

// CreatePendingOrder inserts order as pending unless the (user, course) pair
// already has a pending order. It reports whether a row was inserted; on
// conflict order is left untouched.
func (s *Store) CreatePendingOrder(ctx context.Context, order *models.Order) (bool, error) {
	query := `
		INSERT INTO orders (order_id, user_id, course_id, amount, currency, status)
		VALUES ($1, $2, $3, $4, $5, 'pending')
		ON CONFLICT (user_id, course_id) WHERE status = 'pending' DO NOTHING
		RETURNING ` + orderColumns

	err := s.db.GetContext(ctx, order, query,
		order.OrderID, order.UserID, order.CourseID, order.Amount, order.Currency)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to insert pending order: %w", err)
	}
	return true, nil
}

// GetPendingOrder retrieves the pending order for a (user, course) pair
func (s *Store) GetPendingOrder(ctx context.Context, userID, courseID int64) (*models.Order, error) {
	return s.getOrder(ctx,
		"SELECT "+orderColumns+" FROM orders WHERE user_id = $1 AND course_id = $2 AND status = 'pending'",
		userID, courseID)
}

// GetOrderByOrderID retrieves an order by its public identifier
func (s *Store) GetOrderByOrderID(ctx context.Context, orderID string) (*models.Order, error) {
	return s.getOrder(ctx, "SELECT "+orderColumns+" FROM orders WHERE order_id = $1", orderID)
}

// GetOrderBySessionRef resolves any session ever attached to an order
func (s *Store) GetOrderBySessionRef(ctx context.Context, sessionRef string) (*models.Order, error) {
	return s.getOrder(ctx,
		"SELECT "+orderColumns+" FROM orders WHERE order_id = (SELECT order_id FROM checkout_sessions WHERE session_ref = $1)",
		sessionRef)
}

func (s *Store) getOrder(ctx context.Context, query string, args ...interface{}) (*models.Order, error) {
	var order models.Order
	err := s.db.GetContext(ctx, &order, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get order: %w", err)
	}
	return &order, nil
}

// AttachSession records sessionRef on a pending order. When the order is no
// longer pending nothing is written and the current row is returned with
// attached=false.
func (s *Store) AttachSession(ctx context.Context, orderID, sessionRef string) (*models.Order, bool, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, false, err
	}
	defer tx.Rollback()

	var order models.Order
	err = tx.GetContext(ctx, &order, `
		UPDATE orders SET session_ref = $2, updated_at = NOW()
		WHERE order_id = $1 AND status = 'pending'
		RETURNING `+orderColumns, orderID, sessionRef)
	if errors.Is(err, sql.ErrNoRows) {
		_ = tx.Rollback()
		current, err := s.GetOrderByOrderID(ctx, orderID)
		return current, false, err
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to attach session: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		"INSERT INTO checkout_sessions (session_ref, order_id) VALUES ($1, $2) ON CONFLICT (session_ref) DO NOTHING",
		sessionRef, orderID)
	if err != nil {
		return nil, false, fmt.Errorf("failed to link session: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, false, err
	}
	return &order, true, nil
}

// TransitionOrder moves an order from one status to another as a single
// conditional update. A non-empty sessionRef replaces the current session,
// recording which session settled the order. It returns the row as it is
// after the statement and whether this call performed the transition. A
// missing order yields nil.
func (s *Store) TransitionOrder(ctx context.Context, orderID string, from, to models.OrderStatus, sessionRef string) (*models.Order, bool, error) {
	var order models.Order
	err := s.db.GetContext(ctx, &order, `
		UPDATE orders
		SET status = $3,
		    updated_at = NOW(),
		    completed_at = CASE WHEN $4::boolean THEN NOW() ELSE completed_at END,
		    session_ref = CASE WHEN $5::text = '' THEN session_ref ELSE $5::text END
		WHERE order_id = $1 AND status = $2
		RETURNING `+orderColumns,
		orderID, from, to, to == models.OrderStatusCompleted, sessionRef)
	if errors.Is(err, sql.ErrNoRows) {
		current, err := s.GetOrderByOrderID(ctx, orderID)
		return current, false, err
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to transition order %s to %s: %w", orderID, to, err)
	}
	return &order, true, nil
}

// HasCompletedOrder reports whether the user already paid for the course
func (s *Store) HasCompletedOrder(ctx context.Context, userID, courseID int64) (bool, error) {
	var exists bool
	err := s.db.GetContext(ctx, &exists,
		"SELECT EXISTS(SELECT 1 FROM orders WHERE user_id = $1 AND course_id = $2 AND status = 'completed')",
		userID, courseID)
	return exists, err
}

// GetOrdersByUserID retrieves a page of orders for a user, newest first
func (s *Store) GetOrdersByUserID(ctx context.Context, userID int64, limit, offset int) ([]models.Order, error) {
	orders := []models.Order{}
	err := s.db.SelectContext(ctx, &orders,
		"SELECT "+orderColumns+" FROM orders WHERE user_id = $1 ORDER BY created_at DESC, id DESC LIMIT $2 OFFSET $3",
		userID, limit, offset)
	return orders, err
}

// FindStalePendingOrders retrieves pending orders with a session that were
// last touched before the given time, least recently checked first
func (s *Store) FindStalePendingOrders(ctx context.Context, before time.Time, limit int) ([]models.Order, error) {
	orders := []models.Order{}
	err := s.db.SelectContext(ctx, &orders, `
		SELECT `+orderColumns+` FROM orders
		WHERE status = 'pending' AND session_ref <> '' AND updated_at < $1
		ORDER BY checked_at NULLS FIRST, updated_at
		LIMIT $2`, before, limit)
	return orders, err
}

// MarkOrderChecked records that the sweep visited an order. It leaves
// updated_at alone so a visit never makes an order look fresh
func (s *Store) MarkOrderChecked(ctx context.Context, orderID string) error {
	_, err := s.db.ExecContext(ctx, "UPDATE orders SET checked_at = NOW() WHERE order_id = $1", orderID)
	return err
}

// FindUnsettledCompletedOrders retrieves completed orders that are missing
// their payment or their enrollment
func (s *Store) FindUnsettledCompletedOrders(ctx context.Context, limit int) ([]models.Order, error) {
	orders := []models.Order{}
	err := s.db.SelectContext(ctx, &orders, `
		SELECT `+orderColumns+` FROM orders o
		WHERE o.status = 'completed' AND o.session_ref <> ''
		  AND (NOT EXISTS (SELECT 1 FROM payments p WHERE p.order_id = o.order_id)
		    OR NOT EXISTS (SELECT 1 FROM enrollments e WHERE e.user_id = o.user_id AND e.course_id = o.course_id))
		ORDER BY o.checked_at NULLS FIRST, o.completed_at
		LIMIT $1`, limit)
	return orders, err
}
