package reconcile

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

const (
	defaultPollInterval = 5 * time.Second
	defaultBatchSize    = 50
)

// Source очередь, из которой можно забирать задачи пачками (in-memory реализация).
type Source interface {
	Dequeue(ctx context.Context, limit int) ([]domain.ReconciliationTask, error)
}

// Handler обрабатывает задачу сверки.
type Handler interface {
	Handle(ctx context.Context, task domain.ReconciliationTask) error
}

// Worker периодически разбирает очередь сверки.
type Worker struct {
	source       Source
	handler      Handler
	logger       *log.Entry
	pollInterval time.Duration
	batchSize    int
}

// NewWorker создаёт воркер. Нулевые параметры заменяются значениями по умолчанию.
func NewWorker(source Source, handler Handler, logger *log.Entry, pollInterval time.Duration, batchSize int) *Worker {
	if logger == nil {
		logger = log.WithField("component", "reconcile-worker")
	}
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	return &Worker{
		source:       source,
		handler:      handler,
		logger:       logger,
		pollInterval: pollInterval,
		batchSize:    batchSize,
	}
}

// Run разбирает очередь до отмены ctx.
func (w *Worker) Run(ctx context.Context) {
	if w.source == nil || w.handler == nil {
		w.logger.Warn("reconcile worker is disabled: source or handler is nil")
		return
	}

	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	w.ProcessOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.ProcessOnce(ctx)
		}
	}
}

// ProcessOnce обрабатывает одну пачку задач и возвращает их количество.
func (w *Worker) ProcessOnce(ctx context.Context) int {
	if ctx.Err() != nil {
		return 0
	}

	tasks, err := w.source.Dequeue(ctx, w.batchSize)
	if err != nil {
		w.logger.WithError(err).Warn("failed to dequeue reconciliation tasks")
		return 0
	}

	for _, task := range tasks {
		if err := w.handler.Handle(ctx, task); err != nil {
			w.logger.WithError(err).WithFields(log.Fields{
				"task_id":      task.ID,
				"kind":         task.Kind,
				"order_id":     task.OrderID,
				"reservations": task.Lines,
			}).Error("reconciliation task failed")
		}
	}
	return len(tasks)
}
