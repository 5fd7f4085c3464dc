package kafka

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/IBM/sarama"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

// Topics для Kafka.
const (
	TopicOrderEvents     = "storefront.order.events"
	TopicReconciliation  = "storefront.reconciliation"
	TopicDeadLetterQueue = "storefront.dlq"
)

// Kafka headers.
const (
	HeaderEventType     = "x-event-type"
	HeaderRetryCount    = "x-retry-count"
	HeaderOriginalTopic = "x-original-topic"
	HeaderErrorMessage  = "x-error-message"
	HeaderFailedAt      = "x-failed-at"
)

// ErrPoisonMessage сообщение невозможно разобрать; повторять обработку бессмысленно.
var ErrPoisonMessage = errors.New("poison message")

// OrderEventEnvelope формат события заказа в топике storefront.order.events.
type OrderEventEnvelope struct {
	ID            string          `json:"id"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   string          `json:"aggregate_id"`
	EventType     string          `json:"event_type"`
	Payload       json.RawMessage `json:"payload"`
	PublishedAt   time.Time       `json:"published_at"`
}

// NewOrderEventEnvelope упаковывает outbox-запись для публикации.
func NewOrderEventEnvelope(msg domain.OutboxMessage, publishedAt time.Time) OrderEventEnvelope {
	return OrderEventEnvelope{
		ID:            msg.ID,
		AggregateType: msg.AggregateType,
		AggregateID:   msg.AggregateID,
		EventType:     msg.EventType,
		Payload:       json.RawMessage(msg.Payload),
		PublishedAt:   publishedAt,
	}
}

// DeadLetter сообщение, которое consumer не смог обработать.
type DeadLetter struct {
	OriginalTopic     string `json:"original_topic"`
	OriginalPartition int32  `json:"original_partition"`
	OriginalOffset    int64  `json:"original_offset"`
	OriginalKey       string `json:"original_key"`
	OriginalValue     string `json:"original_value"`
	ErrorMessage      string `json:"error_message"`
	FailedAt          string `json:"failed_at"`
	RetryCount        int    `json:"retry_count"`
}

// ParseOrderEvent разбирает событие заказа.
func ParseOrderEvent(message *sarama.ConsumerMessage) (OrderEventEnvelope, error) {
	var event OrderEventEnvelope
	if err := json.Unmarshal(message.Value, &event); err != nil {
		return OrderEventEnvelope{}, fmt.Errorf("%w: unmarshal order event: %v", ErrPoisonMessage, err)
	}
	return event, nil
}

// ParseReconciliationTask разбирает задачу сверки.
func ParseReconciliationTask(message *sarama.ConsumerMessage) (domain.ReconciliationTask, error) {
	var task domain.ReconciliationTask
	if err := json.Unmarshal(message.Value, &task); err != nil {
		return domain.ReconciliationTask{}, fmt.Errorf("%w: unmarshal reconciliation task: %v", ErrPoisonMessage, err)
	}
	if task.Kind == "" {
		return domain.ReconciliationTask{}, fmt.Errorf("%w: reconciliation task without kind", ErrPoisonMessage)
	}
	return task, nil
}

// ParseDeadLetter разбирает сообщение из DLQ, записанное consumer'ом.
func ParseDeadLetter(message *sarama.ConsumerMessage) (DeadLetter, error) {
	var letter DeadLetter
	if err := json.Unmarshal(message.Value, &letter); err != nil {
		return DeadLetter{}, fmt.Errorf("%w: unmarshal dead letter: %v", ErrPoisonMessage, err)
	}
	if letter.OriginalValue == "" {
		return DeadLetter{}, fmt.Errorf("%w: dead letter without original value", ErrPoisonMessage)
	}
	return letter, nil
}

func header(message *sarama.ConsumerMessage, key string) (string, bool) {
	for _, h := range message.Headers {
		if h != nil && string(h.Key) == key {
			return string(h.Value), true
		}
	}
	return "", false
}
