package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"course-checkout/internal/gateway"
	"course-checkout/internal/models"
	"course-checkout/internal/redisclient"
	"course-checkout/internal/service"
	"course-checkout/internal/store"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeGateway struct {
	mu       sync.Mutex
	sessions map[string]*gateway.Session
	err      error
}

func (g *fakeGateway) CreateSession(context.Context, gateway.SessionRequest) (*gateway.Session, error) {
	return nil, errors.New("not used by the sweep")
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

type fakeLocker struct {
	mu       sync.Mutex
	held     bool
	acquired int
	released int
}

func (l *fakeLocker) AcquireLock(_ context.Context, name string, _ time.Duration) (*redisclient.Lock, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held {
		return nil, nil
	}
	l.held = true
	l.acquired++
	return &redisclient.Lock{Key: "lock:" + name, Token: "t"}, nil
}

func (l *fakeLocker) ExtendLock(context.Context, *redisclient.Lock, time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.held, nil
}

func (l *fakeLocker) ReleaseLock(context.Context, *redisclient.Lock) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.held = false
	l.released++
	return nil
}

type sweepEnv struct {
	store    *store.MemoryStore
	gateway  *fakeGateway
	ledger   *service.OrderLedger
	sweeper  *PendingSweeper
	payments *service.PaymentRecorder
}

func newSweepEnv(t *testing.T, locker Locker) *sweepEnv {
	t.Helper()
	st := store.NewMemoryStore()
	gw := &fakeGateway{sessions: make(map[string]*gateway.Session)}
	ledger := service.NewOrderLedger(st)
	payments := service.NewPaymentRecorder(st)
	reconciler := service.NewReconciler(ledger, payments, service.NewEnrollmentGrantor(st), nil)

	return &sweepEnv{
		store:    st,
		gateway:  gw,
		ledger:   ledger,
		payments: payments,
		sweeper: NewPendingSweeper(ledger, reconciler, gw, locker, SweepConfig{
			Interval:   time.Minute,
			StaleAfter: 10 * time.Minute,
			Batch:      50,
		}),
	}
}

// pendingOrder creates an order with an attached session the gateway knows about
func (e *sweepEnv) pendingOrder(t *testing.T, userID int64, status gateway.PaymentStatus) *models.Order {
	t.Helper()
	ctx := context.Background()
	amount := decimal.RequireFromString("50.00")

	order, _, err := e.ledger.GetOrCreatePendingOrder(ctx, userID, 1, amount, "USD")
	require.NoError(t, err)
	ref := fmt.Sprintf("cs_test_%d", userID)
	order, err = e.ledger.AttachSession(ctx, order, ref)
	require.NoError(t, err)

	e.gateway.mu.Lock()
	e.gateway.sessions[ref] = &gateway.Session{
		Ref:           ref,
		PaymentStatus: status,
		ChargeRef:     "ch_" + ref,
		Amount:        amount,
		Currency:      "USD",
		Metadata:      gateway.NewMetadata(order.OrderID, 1, userID),
	}
	e.gateway.mu.Unlock()
	return order
}

func (e *sweepEnv) age(order *models.Order) {
	e.store.Touch(order.OrderID, time.Now().Add(-time.Hour))
}

func TestSweepReconcilesStalePaidOrders(t *testing.T) {
	env := newSweepEnv(t, nil)
	ctx := context.Background()

	paid := env.pendingOrder(t, 1, gateway.PaymentStatusPaid)
	unpaid := env.pendingOrder(t, 2, gateway.PaymentStatusUnpaid)
	fresh := env.pendingOrder(t, 3, gateway.PaymentStatusPaid)
	env.age(paid)
	env.age(unpaid)

	result, err := env.sweeper.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, result.Visited)
	assert.Equal(t, 1, result.Reconciled)
	assert.Equal(t, 1, result.Unpaid)

	got, err := env.ledger.FindByOrderID(ctx, paid.OrderID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusCompleted, got.Status)

	got, err = env.ledger.FindByOrderID(ctx, unpaid.OrderID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusPending, got.Status, "the sweep never cancels")

	got, err = env.ledger.FindByOrderID(ctx, fresh.OrderID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusPending, got.Status, "recent orders are left to the webhook")

	again, err := env.sweeper.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, again.Reconciled)
}

func TestSweepRotatesThroughUnpaidOrders(t *testing.T) {
	env := newSweepEnv(t, nil)
	env.sweeper.config.Batch = 2
	ctx := context.Background()

	// two abandoned checkouts older than the one that was paid
	abandoned := []*models.Order{
		env.pendingOrder(t, 1, gateway.PaymentStatusUnpaid),
		env.pendingOrder(t, 2, gateway.PaymentStatusUnpaid),
	}
	paid := env.pendingOrder(t, 3, gateway.PaymentStatusPaid)
	env.store.Touch(abandoned[0].OrderID, time.Now().Add(-3*time.Hour))
	env.store.Touch(abandoned[1].OrderID, time.Now().Add(-2*time.Hour))
	env.store.Touch(paid.OrderID, time.Now().Add(-time.Hour))

	first, err := env.sweeper.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, first.Unpaid)
	assert.Equal(t, 0, first.Reconciled)

	second, err := env.sweeper.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, second.Reconciled)

	got, err := env.ledger.FindByOrderID(ctx, paid.OrderID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusCompleted, got.Status)

	for _, o := range abandoned {
		got, err := env.ledger.FindByOrderID(ctx, o.OrderID)
		require.NoError(t, err)
		assert.Equal(t, models.OrderStatusPending, got.Status)
		assert.NotNil(t, got.CheckedAt)
	}
}

func TestSweepRotatesThroughUnhealableOrders(t *testing.T) {
	env := newSweepEnv(t, nil)
	env.sweeper.config.Batch = 2
	ctx := context.Background()

	var orders []*models.Order
	for userID := int64(1); userID <= 3; userID++ {
		order := env.pendingOrder(t, userID, gateway.PaymentStatusPaid)
		_, ok, err := env.ledger.MarkCompleted(ctx, order)
		require.NoError(t, err)
		require.True(t, ok)
		orders = append(orders, order)
	}
	// the provider no longer knows the first two sessions
	env.gateway.mu.Lock()
	delete(env.gateway.sessions, orders[0].SessionRef)
	delete(env.gateway.sessions, orders[1].SessionRef)
	env.gateway.mu.Unlock()

	first, err := env.sweeper.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, first.Failed)
	assert.Equal(t, 0, first.Healed)

	second, err := env.sweeper.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, second.Healed)

	payment, err := env.payments.GetForOrder(ctx, orders[2].OrderID)
	require.NoError(t, err)
	assert.NotNil(t, payment)
}

func TestSweepHealsCompletedOrderWithoutPayment(t *testing.T) {
	env := newSweepEnv(t, nil)
	ctx := context.Background()

	order := env.pendingOrder(t, 1, gateway.PaymentStatusPaid)
	// a process died right after the status compare-and-set
	_, ok, err := env.ledger.MarkCompleted(ctx, order)
	require.NoError(t, err)
	require.True(t, ok)

	result, err := env.sweeper.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Healed)

	payment, err := env.payments.GetForOrder(ctx, order.OrderID)
	require.NoError(t, err)
	require.NotNil(t, payment)
	assert.Equal(t, "ch_cs_test_1", payment.ChargeRef)

	enrollment, err := env.store.GetEnrollment(ctx, 1, 1)
	require.NoError(t, err)
	assert.NotNil(t, enrollment)
}

func TestSweepGatewayFailureLeavesOrdersPending(t *testing.T) {
	env := newSweepEnv(t, nil)
	order := env.pendingOrder(t, 1, gateway.PaymentStatusPaid)
	env.age(order)
	env.gateway.err = errors.New("connection refused")

	result, err := env.sweeper.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.Failed)

	got, err := env.ledger.FindByOrderID(context.Background(), order.OrderID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusPending, got.Status)
}

func TestSweepHonoursLock(t *testing.T) {
	locker := &fakeLocker{}
	env := newSweepEnv(t, locker)
	order := env.pendingOrder(t, 1, gateway.PaymentStatusPaid)
	env.age(order)

	locker.held = true
	result, err := env.sweeper.RunOnce(context.Background())
	require.NoError(t, err)
	assert.True(t, result.Skipped)
	assert.Zero(t, result.Visited)

	locker.held = false
	result, err = env.sweeper.RunOnce(context.Background())
	require.NoError(t, err)
	assert.False(t, result.Skipped)
	assert.Equal(t, 1, result.Reconciled)
	assert.Equal(t, 1, locker.acquired)
	assert.Equal(t, 1, locker.released)
	assert.False(t, locker.held)
}

func TestSweeperStop(t *testing.T) {
	env := newSweepEnv(t, nil)
	env.sweeper.config.Interval = 10 * time.Millisecond

	done := make(chan error, 1)
	go func() { done <- env.sweeper.Start(context.Background()) }()

	time.Sleep(30 * time.Millisecond)
	env.sweeper.Stop()
	env.sweeper.Stop()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop")
	}
}
