package util

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Result label values shared by the counters below
const (
	ResultCreated   = "created"
	ResultDuplicate = "duplicate"
	ResultError     = "error"

	// ResultExtraCharge marks a confirmation for an order another charge already paid
	ResultExtraCharge = "extra_charge"
)

var (
	OrdersCreatedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "checkout_orders_total",
		Help: "Pending orders requested, by whether a new order was created or an existing one reused",
	}, []string{"result"})

	CheckoutSessionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "checkout_sessions_total",
		Help: "Checkout sessions handed to users, by source (gateway or cache)",
	}, []string{"source"})

	ReconcileTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "checkout_reconcile_total",
		Help: "Reconciliation attempts by confirmation channel and result",
	}, []string{"source", "result"})

	ReconcileLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "checkout_reconcile_latency_seconds",
		Help:    "Latency of reconciliation",
		Buckets: prometheus.DefBuckets,
	}, []string{"source"})

	PaymentsRecordedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "checkout_payments_recorded_total",
		Help: "Payment records, by created or duplicate",
	}, []string{"result"})

	EnrollmentsGrantedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "checkout_enrollments_granted_total",
		Help: "Enrollment grants, by created or duplicate",
	}, []string{"result"})

	OrderTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "checkout_order_transitions_total",
		Help: "Order status transitions performed",
	}, []string{"to"})

	InvalidStateTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "checkout_invalid_state_total",
		Help: "Confirmations that hit an order in an incompatible state",
	})

	WebhookEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "checkout_webhook_events_total",
		Help: "Verified webhook events by kind and outcome",
	}, []string{"kind", "outcome"})

	WebhookRejectedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "checkout_webhook_rejected_total",
		Help: "Webhook deliveries rejected before any mutation",
	}, []string{"reason"})

	GatewayLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "checkout_gateway_latency_seconds",
		Help:    "Latency of checkout gateway calls",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation"})

	GatewayErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "checkout_gateway_errors_total",
		Help: "Failed checkout gateway calls",
	}, []string{"operation"})

	SweepOrdersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "checkout_sweep_orders_total",
		Help: "Orders visited by the pending sweep, by result",
	}, []string{"result"})

	EventsPublishFailedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "checkout_events_publish_failed_total",
		Help: "Domain events that could not be published",
	}, []string{"event_type"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "HTTP request latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})
)

// CreatedLabel maps a created flag onto the result label
func CreatedLabel(created bool) string {
	if created {
		return ResultCreated
	}
	return ResultDuplicate
}
