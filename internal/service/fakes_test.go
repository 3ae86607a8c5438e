package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"course-checkout/internal/gateway"
	"course-checkout/internal/models"
	"course-checkout/internal/store"

	"github.com/shopspring/decimal"
)

type fakeGateway struct {
	mu       sync.Mutex
	sessions map[string]*gateway.Session
	created  int
	err      error
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{sessions: make(map[string]*gateway.Session)}
}

func (g *fakeGateway) CreateSession(_ context.Context, req gateway.SessionRequest) (*gateway.Session, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.err != nil {
		return nil, g.err
	}
	g.created++
	ref := fmt.Sprintf("cs_test_%d", g.created)
	s := &gateway.Session{
		Ref:           ref,
		URL:           "https://checkout.test/" + ref,
		PaymentStatus: gateway.PaymentStatusUnpaid,
		Amount:        req.Amount,
		Currency:      req.Currency,
		Metadata:      req.Metadata,
	}
	g.sessions[ref] = s
	cp := *s
	return &cp, nil
}

func (g *fakeGateway) GetSession(_ context.Context, ref string) (*gateway.Session, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.err != nil {
		return nil, g.err
	}
	s, ok := g.sessions[ref]
	if !ok {
		return nil, fmt.Errorf("no such session %s", ref)
	}
	cp := *s
	return &cp, nil
}

// pay marks a session paid and returns the provider's view of it
func (g *fakeGateway) pay(ref, chargeRef string) *gateway.Session {
	g.mu.Lock()
	defer g.mu.Unlock()
	s := g.sessions[ref]
	s.PaymentStatus = gateway.PaymentStatusPaid
	s.ChargeRef = chargeRef
	cp := *s
	return &cp
}

func (g *fakeGateway) fail(err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.err = err
}

type fakeCache struct {
	mu       sync.Mutex
	sessions map[string]CachedSession
}

func newFakeCache() *fakeCache {
	return &fakeCache{sessions: make(map[string]CachedSession)}
}

func (c *fakeCache) GetSession(_ context.Context, orderID string) (*CachedSession, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.sessions[orderID]
	if !ok {
		return nil, nil
	}
	return &s, nil
}

func (c *fakeCache) SetSession(_ context.Context, orderID string, session CachedSession, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessions[orderID] = session
	return nil
}

func (c *fakeCache) clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessions = make(map[string]CachedSession)
}

type fakePublisher struct {
	mu          sync.Mutex
	completed   []*models.OrderCompletedEvent
	enrollments []*models.EnrollmentGrantedEvent
	err         error
}

func (p *fakePublisher) PublishOrderCompleted(_ context.Context, event *models.OrderCompletedEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.completed = append(p.completed, event)
	return nil
}

func (p *fakePublisher) PublishEnrollmentGranted(_ context.Context, event *models.EnrollmentGrantedEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.enrollments = append(p.enrollments, event)
	return nil
}

func (p *fakePublisher) counts() (int, int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.completed), len(p.enrollments)
}

var errGatewayDown = errors.New("connection refused")

const (
	testUser   int64 = 42
	testCourse int64 = 1
)

type testEnv struct {
	store       *store.MemoryStore
	gateway     *fakeGateway
	cache       *fakeCache
	publisher   *fakePublisher
	ledger      *OrderLedger
	payments    *PaymentRecorder
	enrollments *EnrollmentGrantor
	reconciler  *Reconciler
	checkout    *CheckoutService
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	st := store.NewMemoryStore()
	st.AddCourse(models.Course{
		ID:          testCourse,
		Title:       "Go Fundamentals",
		Description: "Types, interfaces and concurrency",
		Price:       decimal.RequireFromString("50.00"),
		Currency:    "USD",
	})

	env := &testEnv{
		store:     st,
		gateway:   newFakeGateway(),
		cache:     newFakeCache(),
		publisher: &fakePublisher{},
	}
	env.ledger = NewOrderLedger(st)
	env.payments = NewPaymentRecorder(st)
	env.enrollments = NewEnrollmentGrantor(st)
	env.reconciler = NewReconciler(env.ledger, env.payments, env.enrollments, env.publisher)
	env.checkout = NewCheckoutService(st, env.ledger, env.enrollments, env.reconciler,
		env.gateway, env.cache, CheckoutConfig{
			SuccessURL:      "https://app.test/checkout/success?session_id={CHECKOUT_SESSION_ID}",
			CancelURL:       "https://app.test/checkout/cancel",
			SessionCacheTTL: time.Hour,
		})
	return env
}

func sessionEvent(kind gateway.EventKind, session *gateway.Session) *gateway.Event {
	return &gateway.Event{
		ID:      "evt_" + session.Ref,
		Type:    kind.String(),
		Kind:    kind,
		Session: session,
	}
}
