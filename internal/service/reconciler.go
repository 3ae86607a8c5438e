package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"course-checkout/internal/gateway"
	"course-checkout/internal/models"
	"course-checkout/internal/util"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// Source names the channel a confirmation arrived through
type Source string

const (
	SourceRedirect Source = "redirect"
	SourceWebhook  Source = "webhook"
	SourceSweep    Source = "sweep"
	SourceCLI      Source = "cli"
)

// ReconcileRequest is a processor confirmation of one checkout session
type ReconcileRequest struct {
	SessionRef      string
	ChargeRef       string
	Amount          decimal.Decimal
	Currency        string
	ProcessorStatus string
	// OrderRef is the order id echoed in session metadata, if any
	OrderRef string
	Source   Source
}

// RequestFromSession builds a confirmation from the provider's view of a session
func RequestFromSession(session *gateway.Session, source Source) ReconcileRequest {
	return ReconcileRequest{
		SessionRef:      session.Ref,
		ChargeRef:       session.ChargeRef,
		Amount:          session.Amount,
		Currency:        session.Currency,
		ProcessorStatus: string(session.PaymentStatus),
		OrderRef:        session.Metadata.OrderRef,
		Source:          source,
	}
}

func (r ReconcileRequest) validate() error {
	switch {
	case strings.TrimSpace(r.SessionRef) == "":
		return fmt.Errorf("%w: missing session reference", ErrMalformedEvent)
	case strings.TrimSpace(r.ChargeRef) == "":
		return fmt.Errorf("%w: missing charge reference", ErrMalformedEvent)
	case r.Amount.IsNegative():
		return fmt.Errorf("%w: negative amount %s", ErrMalformedEvent, r.Amount)
	case !isCurrencyCode(r.Currency):
		return fmt.Errorf("%w: bad currency %q", ErrMalformedEvent, r.Currency)
	}
	return nil
}

func isCurrencyCode(s string) bool {
	if len(s) != 3 {
		return false
	}
	for _, c := range s {
		if (c < 'A' || c > 'Z') && (c < 'a' || c > 'z') {
			return false
		}
	}
	return true
}

// ReconcileOutcome reports what a Reconcile call found and changed
type ReconcileOutcome struct {
	Order             *models.Order
	DidTransition     bool
	Payment           *models.Payment
	PaymentCreated    bool
	Enrollment        *models.Enrollment
	EnrollmentCreated bool

	// ExtraCharge is set when the order was already paid by another charge.
	// The extra charge is not recorded and has to be refunded by hand.
	ExtraCharge bool
}

// Duplicate reports whether the call changed nothing
func (o *ReconcileOutcome) Duplicate() bool {
	return !o.DidTransition && !o.PaymentCreated && !o.EnrollmentCreated
}

// Reconciler turns a processor confirmation into a completed order, a
// payment record and an enrollment, each exactly once
type Reconciler struct {
	ledger      *OrderLedger
	payments    *PaymentRecorder
	enrollments *EnrollmentGrantor
	publisher   EventPublisher
	logger      *zap.Logger
}

// NewReconciler creates a new reconciler. publisher may be nil.
func NewReconciler(
	ledger *OrderLedger,
	payments *PaymentRecorder,
	enrollments *EnrollmentGrantor,
	publisher EventPublisher,
) *Reconciler {
	return &Reconciler{
		ledger:      ledger,
		payments:    payments,
		enrollments: enrollments,
		publisher:   publisher,
		logger:      util.GetLogger(),
	}
}

// Reconcile applies a confirmation. Every channel calls it with the same
// session reference; the order's status compare-and-set decides which call
// transitions, and payment and enrollment are created if absent on every
// call so a crash between steps is healed by the next delivery.
func (r *Reconciler) Reconcile(ctx context.Context, req ReconcileRequest) (*ReconcileOutcome, error) {
	ctx, span := util.StartSpan(ctx, "Reconciler.Reconcile",
		attribute.String("session_ref", req.SessionRef),
		attribute.String("source", string(req.Source)))
	defer span.End()

	start := time.Now()
	defer func() {
		util.ReconcileLatency.WithLabelValues(string(req.Source)).Observe(time.Since(start).Seconds())
	}()

	outcome, err := r.reconcile(ctx, req)
	util.ReconcileTotal.WithLabelValues(string(req.Source), reconcileResult(outcome, err)).Inc()
	if err != nil {
		return nil, util.SpanError(span, err)
	}

	span.SetAttributes(
		attribute.String("order_id", outcome.Order.OrderID),
		attribute.Bool("did_transition", outcome.DidTransition))
	r.logger.Info("Order reconciled",
		zap.String("order_id", outcome.Order.OrderID),
		zap.String("session_ref", req.SessionRef),
		zap.String("source", string(req.Source)),
		zap.Bool("did_transition", outcome.DidTransition),
		zap.Bool("duplicate", outcome.Duplicate()))

	r.publish(ctx, req, outcome)
	return outcome, nil
}

func (r *Reconciler) reconcile(ctx context.Context, req ReconcileRequest) (*ReconcileOutcome, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}

	order, err := r.ledger.FindBySessionRef(ctx, req.SessionRef)
	if err != nil {
		return nil, err
	}
	if order == nil {
		return nil, fmt.Errorf("session %s: %w", req.SessionRef, ErrUnknownOrder)
	}

	if req.OrderRef != "" && req.OrderRef != order.OrderID {
		return nil, fmt.Errorf("session %s names order %s but belongs to %s: %w",
			req.SessionRef, req.OrderRef, order.OrderID, ErrVerificationFailure)
	}
	if !req.Amount.Equal(order.Amount) || !strings.EqualFold(req.Currency, order.Currency) {
		return nil, fmt.Errorf("order %s expects %s %s, confirmed %s %s: %w",
			order.OrderID, order.Amount, order.Currency, req.Amount, req.Currency, ErrAmountMismatch)
	}

	order.SessionRef = req.SessionRef
	completed, didTransition, err := r.ledger.MarkCompleted(ctx, order)
	if err != nil {
		return nil, err
	}

	payment, paymentCreated, err := r.payments.RecordIfAbsent(ctx, completed,
		req.ChargeRef, req.Amount, req.Currency, req.ProcessorStatus)
	if err != nil {
		return nil, err
	}
	extraCharge := !paymentCreated && payment.ChargeRef != req.ChargeRef
	if extraCharge {
		r.logger.Error("Order was paid twice, refund the extra charge",
			zap.String("order_id", completed.OrderID),
			zap.String("session_ref", req.SessionRef),
			zap.String("recorded_charge", payment.ChargeRef),
			zap.String("extra_charge", req.ChargeRef),
			zap.String("amount", req.Amount.String()),
			zap.String("currency", req.Currency))
	}

	enrollment, enrollmentCreated, err := r.enrollments.GrantIfAbsent(ctx, completed.UserID, completed.CourseID)
	if err != nil {
		return nil, err
	}

	return &ReconcileOutcome{
		Order:             completed,
		DidTransition:     didTransition,
		Payment:           payment,
		PaymentCreated:    paymentCreated,
		Enrollment:        enrollment,
		EnrollmentCreated: enrollmentCreated,
		ExtraCharge:       extraCharge,
	}, nil
}

func reconcileResult(outcome *ReconcileOutcome, err error) string {
	switch {
	case err == nil && outcome.ExtraCharge:
		return util.ResultExtraCharge
	case err == nil && outcome.DidTransition:
		return "completed"
	case err == nil && outcome.Duplicate():
		return util.ResultDuplicate
	case err == nil:
		return "healed"
	case IsRejection(err):
		return "rejected"
	case errors.Is(err, ErrUnknownOrder):
		return "unknown_order"
	case errors.Is(err, ErrInvalidState):
		return "invalid_state"
	}
	return util.ResultError
}

// publish is best effort: the ledger is already consistent and the sweep
// never re-publishes
func (r *Reconciler) publish(ctx context.Context, req ReconcileRequest, outcome *ReconcileOutcome) {
	if r.publisher == nil {
		return
	}
	order := outcome.Order

	if outcome.DidTransition {
		event := &models.OrderCompletedEvent{
			BaseEvent: models.BaseEvent{
				EventID:   uuid.New().String(),
				EventType: models.EventTypeOrderCompleted,
				Timestamp: time.Now(),
			},
			OrderID:   order.OrderID,
			UserID:    order.UserID,
			CourseID:  order.CourseID,
			Amount:    order.Amount.StringFixed(2),
			Currency:  order.Currency,
			ChargeRef: outcome.Payment.ChargeRef,
			Source:    string(req.Source),
		}
		if err := r.publisher.PublishOrderCompleted(ctx, event); err != nil {
			util.EventsPublishFailedTotal.WithLabelValues(models.EventTypeOrderCompleted).Inc()
			r.logger.Error("Failed to publish order completed event",
				zap.String("order_id", order.OrderID), zap.Error(err))
		}
	}

	if outcome.EnrollmentCreated {
		event := &models.EnrollmentGrantedEvent{
			BaseEvent: models.BaseEvent{
				EventID:   uuid.New().String(),
				EventType: models.EventTypeEnrollmentGranted,
				Timestamp: time.Now(),
			},
			EnrollmentID: outcome.Enrollment.ID,
			UserID:       order.UserID,
			CourseID:     order.CourseID,
			OrderID:      order.OrderID,
		}
		if err := r.publisher.PublishEnrollmentGranted(ctx, event); err != nil {
			util.EventsPublishFailedTotal.WithLabelValues(models.EventTypeEnrollmentGranted).Inc()
			r.logger.Error("Failed to publish enrollment granted event",
				zap.String("order_id", order.OrderID), zap.Error(err))
		}
	}
}
