// Package reconcile возвращает на склад резервы, которые не удалось
// провести или откатить в момент оформления или отмены заказа.
package reconcile

import (
	"context"
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

const defaultMaxAttempts = 5

var (
	// ErrAttemptsExhausted задача не завершена за отведённое число попыток.
	ErrAttemptsExhausted = errors.New("reconciliation attempts exhausted")
	// ErrUnknownKind задача неизвестного вида.
	ErrUnknownKind = errors.New("unknown reconciliation kind")
)

var reconcileTasks = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "storefront_reconcile_tasks_total",
	Help: "Total number of handled reconciliation tasks grouped by kind and result.",
}, []string{"kind", "result"})

// Reconciler решает, какие строки задачи нужно вернуть на склад, и возвращает их.
type Reconciler struct {
	orders      domain.OrderRepository
	ledger      domain.InventoryLedger
	queue       domain.ReconciliationQueue
	logger      *log.Entry
	maxAttempts int
}

// NewReconciler создаёт обработчик задач сверки. queue используется для повторной постановки остатка.
func NewReconciler(orders domain.OrderRepository, ledger domain.InventoryLedger, queue domain.ReconciliationQueue, logger *log.Entry, maxAttempts int) *Reconciler {
	if logger == nil {
		logger = log.WithField("component", "reconciler")
	}
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	return &Reconciler{
		orders:      orders,
		ledger:      ledger,
		queue:       queue,
		logger:      logger,
		maxAttempts: maxAttempts,
	}
}

// Handle обрабатывает одну задачу.
//
// Для placement_persist_failed резервы возвращаются, только если заказ так и не был записан:
// записанный заказ владеет своими резервами. Для release_failed и rollback_failed строки
// возвращаются всегда. Невозвращённый остаток ставится в очередь заново с Attempt+1;
// после maxAttempts возвращается ErrAttemptsExhausted.
func (r *Reconciler) Handle(ctx context.Context, task domain.ReconciliationTask) error {
	logger := r.logger.WithFields(log.Fields{
		"task_id":      task.ID,
		"kind":         task.Kind,
		"order_id":     task.OrderID,
		"user_id":      task.UserID,
		"attempt":      task.Attempt,
		"reservations": task.Lines,
	})

	switch task.Kind {
	case domain.ReconcilePlacementPersistFailed:
		if task.OrderID != "" {
			_, err := r.orders.Get(ctx, task.OrderID)
			if err == nil {
				logger.Info("order was persisted, reservation kept")
				reconcileTasks.WithLabelValues(string(task.Kind), "kept").Inc()
				return nil
			}
			if !errors.Is(err, domain.ErrOrderNotFound) {
				logger.WithError(err).Warn("order lookup failed")
				return r.requeue(ctx, task, task.Lines, logger)
			}
		}
	case domain.ReconcileReleaseFailed, domain.ReconcileRollbackFailed:
	default:
		reconcileTasks.WithLabelValues(string(task.Kind), "unknown").Inc()
		return fmt.Errorf("%w %q", ErrUnknownKind, task.Kind)
	}

	var remaining []domain.ReservationLine
	for _, line := range task.Lines {
		if err := r.ledger.Release(ctx, line.ProductID, line.Quantity); err != nil {
			if errors.Is(err, domain.ErrProductNotFound) {
				logger.WithField("product_id", line.ProductID).Warn("product vanished, line dropped")
				continue
			}
			logger.WithError(err).WithField("product_id", line.ProductID).Warn("release failed")
			remaining = append(remaining, line)
		}
	}

	if len(remaining) == 0 {
		logger.Info("reservations released")
		reconcileTasks.WithLabelValues(string(task.Kind), "released").Inc()
		return nil
	}

	return r.requeue(ctx, task, remaining, logger)
}

// requeue ставит невыполненный остаток задачи в очередь с увеличенным Attempt.
func (r *Reconciler) requeue(ctx context.Context, task domain.ReconciliationTask, remaining []domain.ReservationLine, logger *log.Entry) error {
	next := task
	next.Lines = remaining
	next.Attempt++
	if next.Attempt >= r.maxAttempts || r.queue == nil {
		logger.WithField("remaining", remaining).Error("reconciliation attempts exhausted")
		reconcileTasks.WithLabelValues(string(task.Kind), "exhausted").Inc()
		return fmt.Errorf("%w: task %s, %d lines left", ErrAttemptsExhausted, task.ID, len(remaining))
	}
	if err := r.queue.Enqueue(ctx, next); err != nil {
		reconcileTasks.WithLabelValues(string(task.Kind), "error").Inc()
		return fmt.Errorf("re-enqueue reconciliation task: %w", err)
	}
	reconcileTasks.WithLabelValues(string(task.Kind), "requeued").Inc()
	return nil
}
