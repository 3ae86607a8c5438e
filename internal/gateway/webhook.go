package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/webhook"
)

var (
	// ErrInvalidSignature means the delivery could not be attributed to the provider
	ErrInvalidSignature = errors.New("invalid webhook signature")
	// ErrMalformedPayload means the signed body could not be decoded
	ErrMalformedPayload = errors.New("malformed webhook payload")
)

// EventKind is the closed set of webhook event types this service reacts to
type EventKind int

const (
	EventUnknown EventKind = iota
	EventSessionCompleted
	EventAsyncPaymentSucceeded
	EventAsyncPaymentFailed
	EventSessionExpired
)

var eventKindNames = map[string]EventKind{
	"checkout.session.completed":               EventSessionCompleted,
	"checkout.session.async_payment_succeeded": EventAsyncPaymentSucceeded,
	"checkout.session.async_payment_failed":    EventAsyncPaymentFailed,
	"checkout.session.expired":                 EventSessionExpired,
}

// ParseEventKind maps a provider event type onto EventKind. Anything not
// listed is EventUnknown.
func ParseEventKind(eventType string) EventKind {
	return eventKindNames[eventType]
}

func (k EventKind) String() string {
	for name, kind := range eventKindNames {
		if kind == k {
			return name
		}
	}
	return "unknown"
}

// Event is a verified webhook delivery. Session is set for every known kind.
type Event struct {
	ID      string
	Type    string
	Kind    EventKind
	Session *Session
}

// Verifier authenticates and decodes webhook deliveries
type Verifier interface {
	VerifyEvent(payload []byte, signatureHeader string) (*Event, error)
}

// StripeVerifier checks the Stripe-Signature header against the endpoint secret
type StripeVerifier struct {
	secret    string
	tolerance time.Duration
}

// NewStripeVerifier creates a verifier; tolerance bounds the signed timestamp age
func NewStripeVerifier(secret string, tolerance time.Duration) *StripeVerifier {
	if tolerance <= 0 {
		tolerance = webhook.DefaultTolerance
	}
	return &StripeVerifier{secret: secret, tolerance: tolerance}
}

// VerifyEvent verifies payload and decodes the checkout session it carries
func (v *StripeVerifier) VerifyEvent(payload []byte, signatureHeader string) (*Event, error) {
	if v.secret == "" {
		return nil, fmt.Errorf("%w: no endpoint secret configured", ErrInvalidSignature)
	}

	evt, err := webhook.ConstructEventWithOptions(payload, signatureHeader, v.secret,
		webhook.ConstructEventOptions{
			Tolerance:                v.tolerance,
			IgnoreAPIVersionMismatch: true,
		})
	if err != nil {
		if isSignatureError(err) {
			return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}

	event := &Event{
		ID:   evt.ID,
		Type: string(evt.Type),
		Kind: ParseEventKind(string(evt.Type)),
	}
	if event.Kind == EventUnknown {
		return event, nil
	}

	if evt.Data == nil {
		return nil, fmt.Errorf("%w: event %s has no data", ErrMalformedPayload, evt.ID)
	}
	var s stripe.CheckoutSession
	if err := json.Unmarshal(evt.Data.Raw, &s); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if s.ID == "" {
		return nil, fmt.Errorf("%w: event %s carries no session id", ErrMalformedPayload, evt.ID)
	}
	event.Session = sessionFromStripe(&s)
	return event, nil
}

func isSignatureError(err error) bool {
	return errors.Is(err, webhook.ErrNotSigned) ||
		errors.Is(err, webhook.ErrInvalidHeader) ||
		errors.Is(err, webhook.ErrNoValidSignature) ||
		errors.Is(err, webhook.ErrTooOld)
}
