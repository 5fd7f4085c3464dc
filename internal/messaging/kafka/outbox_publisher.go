package kafka

import (
	"context"
	"time"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

// OutboxTopicPublisher отправляет outbox-записи в один topic в конверте OrderEventEnvelope.
// Ключ записи это id заказа, поэтому события одного заказа идут по порядку в одной партиции.
type OutboxTopicPublisher struct {
	producer *Producer
	topic    string
}

// NewOutboxPublisher публикует в topic, пустой topic означает TopicOrderEvents.
func NewOutboxPublisher(producer *Producer, topic string) *OutboxTopicPublisher {
	if topic == "" {
		topic = TopicOrderEvents
	}
	return &OutboxTopicPublisher{producer: producer, topic: topic}
}

// NewDLQPublisher публикует записи, от которых отказался outbox relay.
func NewDLQPublisher(producer *Producer) *OutboxTopicPublisher {
	return NewOutboxPublisher(producer, TopicDeadLetterQueue)
}

// Topic куда уходят записи.
func (p *OutboxTopicPublisher) Topic() string { return p.topic }

func (p *OutboxTopicPublisher) Publish(ctx context.Context, event domain.OutboxMessage) error {
	if p == nil || p.producer == nil {
		return ErrProducerUnavailable
	}
	key := event.AggregateID
	if key == "" {
		key = event.ID
	}
	envelope := NewOrderEventEnvelope(event, time.Now().UTC())
	return p.producer.PublishJSON(ctx, p.topic, key, envelope, Header(HeaderEventType, event.EventType))
}

var _ domain.OutboxPublisher = (*OutboxTopicPublisher)(nil)
