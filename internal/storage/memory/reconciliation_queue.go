package memory

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

// ReconciliationQueue очередь задач сверки склада в памяти процесса.
// Задачи теряются при рестарте, поэтому в проде используется Kafka-реализация.
type ReconciliationQueue struct {
	mu     sync.Mutex
	tasks  []domain.ReconciliationTask
	closed bool
}

// NewReconciliationQueue создаёт пустую очередь.
func NewReconciliationQueue() *ReconciliationQueue {
	return &ReconciliationQueue{}
}

// Enqueue добавляет задачу в конец очереди.
func (q *ReconciliationQueue) Enqueue(_ context.Context, task domain.ReconciliationTask) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return domain.ErrReconciliationQueueClosed
	}
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now().UTC()
	}
	task.Lines = append([]domain.ReservationLine(nil), task.Lines...)
	q.tasks = append(q.tasks, task)
	return nil
}

// Dequeue забирает до limit задач из начала очереди.
func (q *ReconciliationQueue) Dequeue(_ context.Context, limit int) ([]domain.ReconciliationTask, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if limit <= 0 || limit > len(q.tasks) {
		limit = len(q.tasks)
	}
	batch := append([]domain.ReconciliationTask(nil), q.tasks[:limit]...)
	q.tasks = q.tasks[limit:]
	return batch, nil
}

// Len возвращает число ожидающих задач.
func (q *ReconciliationQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}

// Close запрещает новые задачи; уже поставленные можно дочитать.
func (q *ReconciliationQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
}

var _ domain.ReconciliationQueue = (*ReconciliationQueue)(nil)
