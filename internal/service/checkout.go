package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"course-checkout/internal/gateway"
	"course-checkout/internal/models"
	"course-checkout/internal/util"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// CheckoutConfig carries the URLs handed to the provider and the session cache TTL
type CheckoutConfig struct {
	SuccessURL      string
	CancelURL       string
	SessionCacheTTL time.Duration
}

// CheckoutService turns purchase intents into checkout sessions and routes
// confirmations from the redirect and the webhook into the reconciler
type CheckoutService struct {
	catalog     CourseCatalog
	ledger      *OrderLedger
	enrollments *EnrollmentGrantor
	reconciler  *Reconciler
	gateway     gateway.Gateway
	cache       SessionCache
	config      CheckoutConfig
	logger      *zap.Logger
}

// NewCheckoutService creates a new checkout service. cache may be nil.
func NewCheckoutService(
	catalog CourseCatalog,
	ledger *OrderLedger,
	enrollments *EnrollmentGrantor,
	reconciler *Reconciler,
	gw gateway.Gateway,
	cache SessionCache,
	config CheckoutConfig,
) *CheckoutService {
	return &CheckoutService{
		catalog:     catalog,
		ledger:      ledger,
		enrollments: enrollments,
		reconciler:  reconciler,
		gateway:     gw,
		cache:       cache,
		config:      config,
		logger:      util.GetLogger(),
	}
}

// CheckoutResult is where to send the user to pay for an order
type CheckoutResult struct {
	Order       *models.Order
	SessionRef  string
	RedirectURL string
	// Reused is set when a live session was returned instead of a new one
	Reused bool
}

// StartCheckout prices the course, finds or opens the pending order and
// returns a checkout session for it
func (s *CheckoutService) StartCheckout(ctx context.Context, userID, courseID int64) (*CheckoutResult, error) {
	ctx, span := util.StartSpan(ctx, "CheckoutService.StartCheckout",
		attribute.Int64("user_id", userID),
		attribute.Int64("course_id", courseID))
	defer span.End()

	course, err := s.catalog.GetCourse(ctx, courseID)
	if err != nil {
		return nil, util.SpanError(span, fmt.Errorf("failed to load course: %w", err))
	}
	if course == nil {
		return nil, fmt.Errorf("course %d: %w", courseID, ErrCourseNotFound)
	}

	owned, err := s.owns(ctx, userID, courseID)
	if err != nil {
		return nil, util.SpanError(span, err)
	}
	if owned {
		return nil, fmt.Errorf("user %d course %d: %w", userID, courseID, ErrAlreadyOwned)
	}

	order, created, err := s.ledger.GetOrCreatePendingOrder(ctx, userID, courseID, course.Price, course.Currency)
	if err != nil {
		return nil, util.SpanError(span, err)
	}
	span.SetAttributes(attribute.String("order_id", order.OrderID))

	if !created {
		if cached := s.cachedSession(ctx, order); cached != nil {
			util.CheckoutSessionsTotal.WithLabelValues("cache").Inc()
			return &CheckoutResult{
				Order:       order,
				SessionRef:  cached.SessionRef,
				RedirectURL: cached.URL,
				Reused:      true,
			}, nil
		}
	}

	session, err := s.gateway.CreateSession(ctx, gateway.SessionRequest{
		Amount:      order.Amount,
		Currency:    order.Currency,
		ProductName: course.Title,
		Description: course.Description,
		SuccessURL:  s.config.SuccessURL,
		CancelURL:   s.config.CancelURL,
		Metadata:    gateway.NewMetadata(order.OrderID, courseID, userID),
	})
	if err != nil {
		return nil, util.SpanError(span, fmt.Errorf("%w: %v", ErrGatewayUnavailable, err))
	}

	order, err = s.ledger.AttachSession(ctx, order, session.Ref)
	if err != nil {
		return nil, util.SpanError(span, err)
	}
	util.CheckoutSessionsTotal.WithLabelValues("gateway").Inc()

	if s.cache != nil {
		cached := CachedSession{SessionRef: session.Ref, URL: session.URL}
		if err := s.cache.SetSession(ctx, order.OrderID, cached, s.config.SessionCacheTTL); err != nil {
			s.logger.Warn("Failed to cache checkout session",
				zap.String("order_id", order.OrderID), zap.Error(err))
		}
	}

	s.logger.Info("Checkout session created",
		zap.String("order_id", order.OrderID),
		zap.String("session_ref", session.Ref))

	return &CheckoutResult{
		Order:       order,
		SessionRef:  session.Ref,
		RedirectURL: session.URL,
	}, nil
}

func (s *CheckoutService) owns(ctx context.Context, userID, courseID int64) (bool, error) {
	completed, err := s.ledger.HasCompletedOrder(ctx, userID, courseID)
	if err != nil {
		return false, fmt.Errorf("failed to check completed orders: %w", err)
	}
	if completed {
		return true, nil
	}
	enrolled, err := s.enrollments.IsEnrolled(ctx, userID, courseID)
	if err != nil {
		return false, fmt.Errorf("failed to check enrollment: %w", err)
	}
	return enrolled, nil
}

// cachedSession returns the cached session only if it is still the order's current one
func (s *CheckoutService) cachedSession(ctx context.Context, order *models.Order) *CachedSession {
	if s.cache == nil || order.SessionRef == "" {
		return nil
	}
	cached, err := s.cache.GetSession(ctx, order.OrderID)
	if err != nil {
		s.logger.Warn("Session cache lookup failed",
			zap.String("order_id", order.OrderID), zap.Error(err))
		return nil
	}
	if cached == nil || cached.SessionRef != order.SessionRef {
		return nil
	}
	return cached
}

// RedirectResult is the outcome of a user returning from the hosted checkout
type RedirectResult struct {
	SessionRef string
	Paid       bool
	// Outcome is set when Paid
	Outcome *ReconcileOutcome
}

// ConfirmRedirect re-reads the session from the provider and reconciles it
// when paid. The query string the user arrived with is never trusted.
func (s *CheckoutService) ConfirmRedirect(ctx context.Context, sessionRef string) (*RedirectResult, error) {
	ctx, span := util.StartSpan(ctx, "CheckoutService.ConfirmRedirect",
		attribute.String("session_ref", sessionRef))
	defer span.End()

	if sessionRef == "" {
		return nil, fmt.Errorf("%w: missing session reference", ErrMalformedEvent)
	}

	session, err := s.gateway.GetSession(ctx, sessionRef)
	if err != nil {
		return nil, util.SpanError(span, fmt.Errorf("%w: %v", ErrGatewayUnavailable, err))
	}
	if !session.Paid() {
		s.logger.Info("Redirect for unpaid session",
			zap.String("session_ref", sessionRef),
			zap.String("payment_status", string(session.PaymentStatus)))
		return &RedirectResult{SessionRef: sessionRef}, nil
	}

	outcome, err := s.reconciler.Reconcile(ctx, RequestFromSession(session, SourceRedirect))
	if err != nil {
		return nil, err
	}
	return &RedirectResult{SessionRef: sessionRef, Paid: true, Outcome: outcome}, nil
}

// WebhookDisposition is how a verified webhook event was handled. Every
// disposition is acknowledged to the provider.
type WebhookDisposition string

const (
	DispositionProcessed       WebhookDisposition = "processed"
	DispositionDuplicate       WebhookDisposition = "duplicate"
	DispositionAwaitingPayment WebhookDisposition = "awaiting_payment"
	DispositionFailed          WebhookDisposition = "failed"
	DispositionAcknowledged    WebhookDisposition = "acknowledged"
	DispositionUnknownOrder    WebhookDisposition = "unknown_order"
	DispositionInvalidState    WebhookDisposition = "invalid_state"
	DispositionIgnored         WebhookDisposition = "ignored"
)

// HandleEvent applies a verified webhook event. A returned error means the
// event must not be acknowledged: IsRejection errors are permanent, the
// rest are worth a re-delivery.
func (s *CheckoutService) HandleEvent(ctx context.Context, event *gateway.Event) (WebhookDisposition, error) {
	ctx, span := util.StartSpan(ctx, "CheckoutService.HandleEvent",
		attribute.String("event_id", event.ID),
		attribute.String("event_type", event.Type))
	defer span.End()

	disposition, err := s.handleEvent(ctx, event)
	outcome := string(disposition)
	if err != nil {
		outcome = "error"
		if IsRejection(err) {
			outcome = "rejected"
		}
		util.SpanError(span, err)
	}
	util.WebhookEventsTotal.WithLabelValues(event.Kind.String(), outcome).Inc()
	return disposition, err
}

func (s *CheckoutService) handleEvent(ctx context.Context, event *gateway.Event) (WebhookDisposition, error) {
	switch event.Kind {
	case gateway.EventSessionCompleted, gateway.EventAsyncPaymentSucceeded:
		if event.Session == nil {
			return "", fmt.Errorf("%w: event %s has no session", ErrMalformedEvent, event.ID)
		}
		if !event.Session.Paid() {
			s.logger.Info("Checkout completed without payment yet",
				zap.String("session_ref", event.Session.Ref),
				zap.String("payment_status", string(event.Session.PaymentStatus)))
			return DispositionAwaitingPayment, nil
		}
		return s.reconcileEvent(ctx, event)

	case gateway.EventAsyncPaymentFailed:
		if event.Session == nil {
			return "", fmt.Errorf("%w: event %s has no session", ErrMalformedEvent, event.ID)
		}
		return s.failEvent(ctx, event)

	case gateway.EventSessionExpired:
		if event.Session != nil {
			s.logger.Info("Checkout session expired", zap.String("session_ref", event.Session.Ref))
		}
		return DispositionAcknowledged, nil

	case gateway.EventUnknown:
		s.logger.Debug("Ignoring webhook event", zap.String("event_type", event.Type))
		return DispositionIgnored, nil
	}
	return DispositionIgnored, nil
}

func (s *CheckoutService) reconcileEvent(ctx context.Context, event *gateway.Event) (WebhookDisposition, error) {
	outcome, err := s.reconciler.Reconcile(ctx, RequestFromSession(event.Session, SourceWebhook))
	switch {
	case err == nil && outcome.DidTransition:
		return DispositionProcessed, nil
	case err == nil:
		return DispositionDuplicate, nil
	case errors.Is(err, ErrUnknownOrder):
		s.logger.Warn("Webhook for unknown session",
			zap.String("event_id", event.ID),
			zap.String("session_ref", event.Session.Ref))
		return DispositionUnknownOrder, nil
	case errors.Is(err, ErrInvalidState):
		s.logger.Error("Payment confirmed for an order that cannot complete",
			zap.String("event_id", event.ID),
			zap.String("session_ref", event.Session.Ref),
			zap.Error(err))
		return DispositionInvalidState, nil
	}
	return "", err
}

func (s *CheckoutService) failEvent(ctx context.Context, event *gateway.Event) (WebhookDisposition, error) {
	session := event.Session
	order, err := s.ledger.FindBySessionRef(ctx, session.Ref)
	if err != nil {
		return "", err
	}
	if order == nil {
		return DispositionUnknownOrder, nil
	}
	if session.Metadata.OrderRef != "" && session.Metadata.OrderRef != order.OrderID {
		return "", fmt.Errorf("session %s names order %s but belongs to %s: %w",
			session.Ref, session.Metadata.OrderRef, order.OrderID, ErrVerificationFailure)
	}
	if order.SessionRef != session.Ref {
		// the user has since opened another session for this order
		return DispositionAcknowledged, nil
	}

	_, _, err = s.ledger.MarkFailed(ctx, order)
	if errors.Is(err, ErrInvalidState) {
		s.logger.Warn("Payment failure for an order that is no longer pending",
			zap.String("order_id", order.OrderID), zap.Error(err))
		return DispositionAcknowledged, nil
	}
	if err != nil {
		return "", err
	}
	return DispositionFailed, nil
}
