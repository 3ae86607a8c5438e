package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"course-checkout/internal/gateway"
	"course-checkout/internal/models"
	"course-checkout/internal/redisclient"
	"course-checkout/internal/service"
	"course-checkout/internal/util"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

const sweepLockName = "pending-sweep"

// Locker elects a single sweeper across replicas
type Locker interface {
	AcquireLock(ctx context.Context, name string, ttl time.Duration) (*redisclient.Lock, error)
	ExtendLock(ctx context.Context, lock *redisclient.Lock, ttl time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, lock *redisclient.Lock) error
}

// SweepConfig tunes the pending sweep
type SweepConfig struct {
	Interval   time.Duration
	StaleAfter time.Duration
	Batch      int
}

// SweepResult counts what one pass did
type SweepResult struct {
	Skipped    bool
	Visited    int
	Reconciled int
	Healed     int
	Unpaid     int
	Failed     int
}

// PendingSweeper re-verifies orders whose confirmation may have been lost.
// It reconciles sessions the gateway reports paid and heals completed orders
// missing their payment or enrollment. It never cancels or fails an order.
type PendingSweeper struct {
	ledger     *service.OrderLedger
	reconciler *service.Reconciler
	gateway    gateway.Gateway
	locker     Locker
	config     SweepConfig
	logger     *zap.Logger
	now        func() time.Time

	stopOnce sync.Once
	stop     chan struct{}
}

// NewPendingSweeper creates a new sweeper. locker may be nil, in which case
// every replica sweeps.
func NewPendingSweeper(
	ledger *service.OrderLedger,
	reconciler *service.Reconciler,
	gw gateway.Gateway,
	locker Locker,
	config SweepConfig,
) *PendingSweeper {
	return &PendingSweeper{
		ledger:     ledger,
		reconciler: reconciler,
		gateway:    gw,
		locker:     locker,
		config:     config,
		logger:     util.GetLogger(),
		now:        time.Now,
		stop:       make(chan struct{}),
	}
}

// Start runs a pass every interval until ctx is done or Stop is called
func (w *PendingSweeper) Start(ctx context.Context) error {
	w.logger.Info("Starting pending sweep worker",
		zap.Duration("interval", w.config.Interval),
		zap.Duration("stale_after", w.config.StaleAfter))

	ticker := time.NewTicker(w.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-w.stop:
			return nil
		case <-ticker.C:
			if _, err := w.RunOnce(ctx); err != nil {
				w.logger.Error("Pending sweep failed", zap.Error(err))
			}
		}
	}
}

// Stop stops the worker
func (w *PendingSweeper) Stop() {
	w.stopOnce.Do(func() {
		w.logger.Info("Stopping pending sweep worker")
		close(w.stop)
	})
}

// RunOnce performs a single sweep pass
func (w *PendingSweeper) RunOnce(ctx context.Context) (SweepResult, error) {
	ctx, span := util.StartSpan(ctx, "PendingSweeper.RunOnce")
	defer span.End()

	var result SweepResult

	if w.locker != nil {
		lock, err := w.locker.AcquireLock(ctx, sweepLockName, w.lockTTL())
		if err != nil {
			return result, util.SpanError(span, err)
		}
		if lock == nil {
			w.logger.Debug("Pending sweep held by another replica")
			result.Skipped = true
			return result, nil
		}
		defer func() {
			if err := w.locker.ReleaseLock(context.Background(), lock); err != nil {
				w.logger.Warn("Failed to release sweep lock", zap.Error(err))
			}
		}()

		if err := w.sweepStale(ctx, &result); err != nil {
			return result, util.SpanError(span, err)
		}
		held, err := w.locker.ExtendLock(ctx, lock, w.lockTTL())
		if err != nil {
			return result, util.SpanError(span, err)
		}
		if !held {
			w.logger.Warn("Sweep lock lost between phases")
			return result, nil
		}
	} else if err := w.sweepStale(ctx, &result); err != nil {
		return result, util.SpanError(span, err)
	}

	if err := w.healUnsettled(ctx, &result); err != nil {
		return result, util.SpanError(span, err)
	}

	span.SetAttributes(
		attribute.Int("visited", result.Visited),
		attribute.Int("reconciled", result.Reconciled),
		attribute.Int("healed", result.Healed))
	if result.Visited > 0 {
		w.logger.Info("Pending sweep finished",
			zap.Int("visited", result.Visited),
			zap.Int("reconciled", result.Reconciled),
			zap.Int("healed", result.Healed),
			zap.Int("unpaid", result.Unpaid),
			zap.Int("failed", result.Failed))
	}
	return result, nil
}

func (w *PendingSweeper) lockTTL() time.Duration {
	if w.config.Interval > 0 {
		return w.config.Interval
	}
	return time.Minute
}

// sweepStale reconciles pending orders whose current session was paid but
// whose confirmation never arrived
func (w *PendingSweeper) sweepStale(ctx context.Context, result *SweepResult) error {
	orders, err := w.ledger.StalePending(ctx, w.now().Add(-w.config.StaleAfter), w.config.Batch)
	if err != nil {
		return fmt.Errorf("failed to load stale pending orders: %w", err)
	}

	for i := range orders {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		result.Visited++
		switch w.settle(ctx, &orders[i]) {
		case settleReconciled:
			result.Reconciled++
		case settleUnpaid:
			result.Unpaid++
		default:
			result.Failed++
		}
	}
	return nil
}

// healUnsettled re-runs reconciliation for completed orders missing their
// payment or enrollment
func (w *PendingSweeper) healUnsettled(ctx context.Context, result *SweepResult) error {
	orders, err := w.ledger.UnsettledCompleted(ctx, w.config.Batch)
	if err != nil {
		return fmt.Errorf("failed to load unsettled orders: %w", err)
	}

	for i := range orders {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		result.Visited++
		switch w.settle(ctx, &orders[i]) {
		case settleReconciled:
			result.Healed++
		case settleUnpaid:
			result.Unpaid++
		default:
			result.Failed++
		}
	}
	return nil
}

type settleResult string

const (
	settleReconciled settleResult = "reconciled"
	settleUnpaid     settleResult = "unpaid"
	settleFailed     settleResult = util.ResultError
)

func (w *PendingSweeper) settle(ctx context.Context, order *models.Order) settleResult {
	res := w.settleOrder(ctx, order)
	util.SweepOrdersTotal.WithLabelValues(string(res)).Inc()

	// rotate to the back of the queue whatever the result
	if err := w.ledger.MarkChecked(ctx, order.OrderID); err != nil {
		w.logger.Warn("Sweep could not record its visit",
			zap.String("order_id", order.OrderID),
			zap.Error(err))
	}
	return res
}

func (w *PendingSweeper) settleOrder(ctx context.Context, order *models.Order) settleResult {
	session, err := w.gateway.GetSession(ctx, order.SessionRef)
	if err != nil {
		w.logger.Warn("Sweep could not fetch checkout session",
			zap.String("order_id", order.OrderID),
			zap.String("session_ref", order.SessionRef),
			zap.Error(err))
		return settleFailed
	}
	if !session.Paid() {
		if order.Status == models.OrderStatusCompleted {
			w.logger.Error("Completed order's session is not paid",
				zap.String("order_id", order.OrderID),
				zap.String("session_ref", order.SessionRef),
				zap.String("payment_status", string(session.PaymentStatus)))
		}
		return settleUnpaid
	}

	if _, err := w.reconciler.Reconcile(ctx, service.RequestFromSession(session, service.SourceSweep)); err != nil {
		w.logger.Warn("Sweep reconcile failed",
			zap.String("order_id", order.OrderID),
			zap.String("session_ref", order.SessionRef),
			zap.Error(err))
		return settleFailed
	}
	return settleReconciled
}
