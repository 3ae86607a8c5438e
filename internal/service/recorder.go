package service

import (
	"context"
	"fmt"
	"strings"

	"course-checkout/internal/models"
	"course-checkout/internal/util"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// PaymentRecorder keeps the audit record of processor-confirmed charges
type PaymentRecorder struct {
	payments PaymentRepository
	logger   *zap.Logger
}

// NewPaymentRecorder creates a new payment recorder
func NewPaymentRecorder(payments PaymentRepository) *PaymentRecorder {
	return &PaymentRecorder{
		payments: payments,
		logger:   util.GetLogger(),
	}
}

// RecordIfAbsent stores the payment for order unless one already exists, in
// which case the existing record is returned with created=false
func (r *PaymentRecorder) RecordIfAbsent(ctx context.Context, order *models.Order, chargeRef string, amount decimal.Decimal, currency, status string) (*models.Payment, bool, error) {
	ctx, span := util.StartSpan(ctx, "PaymentRecorder.RecordIfAbsent",
		attribute.String("order_id", order.OrderID),
		attribute.String("charge_ref", chargeRef))
	defer span.End()

	payment := &models.Payment{
		OrderID:   order.OrderID,
		ChargeRef: chargeRef,
		Amount:    amount,
		Fee:       decimal.Zero,
		Currency:  strings.ToUpper(currency),
		Status:    status,
	}

	created, err := r.payments.CreatePaymentIfAbsent(ctx, payment)
	if err != nil {
		return nil, false, util.SpanError(span, fmt.Errorf("failed to record payment: %w", err))
	}

	util.PaymentsRecordedTotal.WithLabelValues(util.CreatedLabel(created)).Inc()
	r.logger.Info("Payment recorded",
		zap.String("order_id", order.OrderID),
		zap.String("charge_ref", payment.ChargeRef),
		zap.Bool("duplicate", !created))
	return payment, created, nil
}

// GetForOrder returns the payment of an order or nil
func (r *PaymentRecorder) GetForOrder(ctx context.Context, orderID string) (*models.Payment, error) {
	return r.payments.GetPaymentByOrderID(ctx, orderID)
}

// EnrollmentGrantor gives users durable access to courses
type EnrollmentGrantor struct {
	enrollments EnrollmentRepository
	logger      *zap.Logger
}

// NewEnrollmentGrantor creates a new enrollment grantor
func NewEnrollmentGrantor(enrollments EnrollmentRepository) *EnrollmentGrantor {
	return &EnrollmentGrantor{
		enrollments: enrollments,
		logger:      util.GetLogger(),
	}
}

// GrantIfAbsent enrolls the user unless already enrolled. New enrollments
// start at progress 0 and not completed.
func (g *EnrollmentGrantor) GrantIfAbsent(ctx context.Context, userID, courseID int64) (*models.Enrollment, bool, error) {
	ctx, span := util.StartSpan(ctx, "EnrollmentGrantor.GrantIfAbsent",
		attribute.Int64("user_id", userID),
		attribute.Int64("course_id", courseID))
	defer span.End()

	enrollment := &models.Enrollment{UserID: userID, CourseID: courseID}
	created, err := g.enrollments.CreateEnrollmentIfAbsent(ctx, enrollment)
	if err != nil {
		return nil, false, util.SpanError(span, fmt.Errorf("failed to grant enrollment: %w", err))
	}

	util.EnrollmentsGrantedTotal.WithLabelValues(util.CreatedLabel(created)).Inc()
	g.logger.Info("Enrollment granted",
		zap.Int64("user_id", userID),
		zap.Int64("course_id", courseID),
		zap.Bool("duplicate", !created))
	return enrollment, created, nil
}

// IsEnrolled reports whether the user can already access the course
func (g *EnrollmentGrantor) IsEnrolled(ctx context.Context, userID, courseID int64) (bool, error) {
	enrollment, err := g.enrollments.GetEnrollment(ctx, userID, courseID)
	if err != nil {
		return false, err
	}
	return enrollment != nil, nil
}
