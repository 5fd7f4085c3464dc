package kafka

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/IBM/sarama"
	"github.com/google/uuid"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

// ReconciliationQueue пишет задачи сверки в Kafka: очередь переживает недоступность БД заказов.
type ReconciliationQueue struct {
	producer *Producer
	topic    string
}

// NewReconciliationQueue создаёт очередь поверх producer.
func NewReconciliationQueue(producer *Producer, topic string) *ReconciliationQueue {
	if topic == "" {
		topic = TopicReconciliation
	}
	return &ReconciliationQueue{producer: producer, topic: topic}
}

// Enqueue публикует задачу. Ключ — id заказа, иначе id задачи.
func (q *ReconciliationQueue) Enqueue(ctx context.Context, task domain.ReconciliationTask) error {
	if q == nil || q.producer == nil {
		return domain.ErrReconciliationQueueClosed
	}
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now().UTC()
	}

	key := task.OrderID
	if key == "" {
		key = task.ID
	}
	if err := q.producer.PublishJSON(ctx, q.topic, key, task,
		Header(HeaderEventType, string(task.Kind)),
		Header(HeaderRetryCount, strconv.Itoa(task.Attempt)),
	); err != nil {
		return fmt.Errorf("enqueue reconciliation task %s: %w", task.ID, err)
	}
	return nil
}

// TaskHandler обрабатывает задачу сверки.
type TaskHandler interface {
	Handle(ctx context.Context, task domain.ReconciliationTask) error
}

// ReconciliationHandler превращает обработчик задач в MessageHandler для Consumer.
func ReconciliationHandler(handler TaskHandler) MessageHandler {
	return func(ctx context.Context, message *sarama.ConsumerMessage) error {
		task, err := ParseReconciliationTask(message)
		if err != nil {
			return err
		}
		return handler.Handle(ctx, task)
	}
}

var _ domain.ReconciliationQueue = (*ReconciliationQueue)(nil)
