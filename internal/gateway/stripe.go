package gateway

import (
	"context"
	"fmt"
	"strings"
	"time"

	"course-checkout/internal/util"

	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/client"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// StripeGateway creates and reads Stripe Checkout sessions
type StripeGateway struct {
	api    *client.API
	logger *zap.Logger
}

// NewStripeGateway creates a gateway bound to secretKey. A non-empty
// baseURL overrides the Stripe API endpoint.
func NewStripeGateway(secretKey, baseURL string) *StripeGateway {
	var backends *stripe.Backends
	if baseURL != "" {
		backend := stripe.GetBackendWithConfig(stripe.APIBackend, &stripe.BackendConfig{
			URL:               stripe.String(baseURL),
			MaxNetworkRetries: stripe.Int64(0),
		})
		backends = &stripe.Backends{API: backend, Connect: backend, Uploads: backend}
	}

	return &StripeGateway{
		api:    client.New(secretKey, backends),
		logger: util.GetLogger(),
	}
}

// CreateSession creates a one-item payment-mode checkout session
func (g *StripeGateway) CreateSession(ctx context.Context, req SessionRequest) (*Session, error) {
	ctx, span := util.StartSpan(ctx, "StripeGateway.CreateSession",
		attribute.String("order_id", req.Metadata.OrderRef))
	defer span.End()

	unitAmount, err := ToMinorUnits(req.Amount, req.Currency)
	if err != nil {
		return nil, util.SpanError(span, err)
	}

	productData := &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
		Name: stripe.String(req.ProductName),
	}
	if req.Description != "" {
		productData.Description = stripe.String(truncate(req.Description, 500))
	}

	params := &stripe.CheckoutSessionParams{
		Mode:              stripe.String(string(stripe.CheckoutSessionModePayment)),
		SuccessURL:        stripe.String(req.SuccessURL),
		CancelURL:         stripe.String(req.CancelURL),
		ClientReferenceID: stripe.String(req.Metadata.OrderRef),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
					Currency:    stripe.String(strings.ToLower(req.Currency)),
					ProductData: productData,
					UnitAmount:  stripe.Int64(unitAmount),
				},
				Quantity: stripe.Int64(1),
			},
		},
	}
	params.Context = ctx
	for k, v := range req.Metadata.toMap() {
		params.AddMetadata(k, v)
	}

	start := time.Now()
	s, err := g.api.CheckoutSessions.New(params)
	util.GatewayLatency.WithLabelValues("create_session").Observe(time.Since(start).Seconds())
	if err != nil {
		util.GatewayErrorsTotal.WithLabelValues("create_session").Inc()
		g.logger.Error("Failed to create checkout session",
			zap.String("order_id", req.Metadata.OrderRef),
			zap.Error(err))
		return nil, util.SpanError(span, fmt.Errorf("stripe create session: %w", err))
	}

	return sessionFromStripe(s), nil
}

// GetSession retrieves the current state of a session from Stripe
func (g *StripeGateway) GetSession(ctx context.Context, sessionRef string) (*Session, error) {
	ctx, span := util.StartSpan(ctx, "StripeGateway.GetSession",
		attribute.String("session_ref", sessionRef))
	defer span.End()

	params := &stripe.CheckoutSessionParams{}
	params.Context = ctx

	start := time.Now()
	s, err := g.api.CheckoutSessions.Get(sessionRef, params)
	util.GatewayLatency.WithLabelValues("get_session").Observe(time.Since(start).Seconds())
	if err != nil {
		util.GatewayErrorsTotal.WithLabelValues("get_session").Inc()
		return nil, util.SpanError(span, fmt.Errorf("stripe get session %s: %w", sessionRef, err))
	}

	return sessionFromStripe(s), nil
}

func sessionFromStripe(s *stripe.CheckoutSession) *Session {
	currency := strings.ToUpper(string(s.Currency))
	session := &Session{
		Ref:           s.ID,
		URL:           s.URL,
		PaymentStatus: PaymentStatus(s.PaymentStatus),
		Amount:        FromMinorUnits(s.AmountTotal, currency),
		Currency:      currency,
		Metadata:      metadataFromMap(s.Metadata),
	}
	if s.PaymentIntent != nil {
		session.ChargeRef = s.PaymentIntent.ID
	}
	if session.Metadata.OrderRef == "" {
		session.Metadata.OrderRef = s.ClientReferenceID
	}
	return session
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
