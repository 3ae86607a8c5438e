package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"course-checkout/internal/models"
)

const paymentColumns = "id, order_id, charge_ref, amount, fee, currency, status, created_at"

// CreatePaymentIfAbsent inserts payment unless its order already has one.
// Either way payment is filled with the stored row; created reports which.
func (s *Store) CreatePaymentIfAbsent(ctx context.Context, payment *models.Payment) (bool, error) {
	query := `
		INSERT INTO payments (order_id, charge_ref, amount, fee, currency, status)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (order_id) DO NOTHING
		RETURNING ` + paymentColumns

	err := s.db.GetContext(ctx, payment, query,
		payment.OrderID, payment.ChargeRef, payment.Amount, payment.Fee, payment.Currency, payment.Status)
	if err == nil {
		return true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return false, fmt.Errorf("failed to insert payment: %w", err)
	}

	existing, err := s.GetPaymentByOrderID(ctx, payment.OrderID)
	if err != nil {
		return false, err
	}
	if existing == nil {
		return false, fmt.Errorf("payment for order %s vanished after conflict", payment.OrderID)
	}
	*payment = *existing
	return false, nil
}

// GetPaymentByOrderID retrieves the payment for an order, nil if none
func (s *Store) GetPaymentByOrderID(ctx context.Context, orderID string) (*models.Payment, error) {
	var payment models.Payment
	err := s.db.GetContext(ctx, &payment,
		"SELECT "+paymentColumns+" FROM payments WHERE order_id = $1", orderID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get payment for order %s: %w", orderID, err)
	}
	return &payment, nil
}
