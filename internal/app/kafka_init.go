package app

import (
	"context"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
	"github.com/vladislavdragonenkov/storefront/internal/messaging/kafka"
	"github.com/vladislavdragonenkov/storefront/internal/service/reconcile"
	"github.com/vladislavdragonenkov/storefront/internal/storage/memory"
)

// messagingDependencies публикация outbox и очередь сверки.
// Без kafka события пишутся в лог, а сверка идёт через очередь в памяти.
type messagingDependencies struct {
	producer  *kafka.Producer
	publisher domain.OutboxPublisher
	dlq       domain.OutboxPublisher
	queue     domain.ReconciliationQueue
	// source задан только для очереди в памяти; kafka-очередь разбирает consumer group.
	source reconcile.Source
}

func initMessaging(cfg Config, logger *log.Entry) messagingDependencies {
	producer, _ := initKafkaProducer(cfg.KafkaBrokers, logger)
	if producer == nil {
		queue := memory.NewReconciliationQueue()
		return messagingDependencies{
			publisher: newLogPublisher(logger.WithField("component", "outbox-log-publisher")),
			queue:     queue,
			source:    queue,
		}
	}

	return messagingDependencies{
		producer:  producer,
		publisher: kafka.NewOutboxPublisher(producer, kafka.TopicOrderEvents),
		dlq:       kafka.NewDLQPublisher(producer),
		queue:     kafka.NewReconciliationQueue(producer, kafka.TopicReconciliation),
	}
}

// initKafkaProducer инициализирует Kafka producer если brokers не пустой.
// Возвращает nil, nil если brokers пустой; при ошибке подключения сервис продолжает работу без kafka.
func initKafkaProducer(brokers string, logger *log.Entry) (*kafka.Producer, error) {
	brokerList := splitBrokers(brokers)
	if len(brokerList) == 0 {
		return nil, nil
	}

	producer, err := kafka.NewProducer(brokerList)
	if err != nil {
		logger.WithError(err).Warn("failed to create kafka producer, continuing without kafka")
		return nil, err
	}

	logger.WithField("brokers", brokerList).Info("kafka producer initialized")
	return producer, nil
}

// startReconciliationConsumer подписывает сверку на топик storefront.reconciliation.
// Сообщения, не обработанные за KafkaMaxRetries попыток, уходят в storefront.dlq.
func startReconciliationConsumer(ctx context.Context, cfg Config, producer *kafka.Producer, handler kafka.TaskHandler) (*kafka.Consumer, error) {
	consumer, err := kafka.NewConsumer(kafka.ConsumerConfig{
		Brokers:    cfg.KafkaBrokerList(),
		GroupID:    cfg.KafkaConsumerGroup,
		Topics:     []string{kafka.TopicReconciliation},
		MaxRetries: cfg.KafkaMaxRetries,
	}, kafka.ReconciliationHandler(handler), producer)
	if err != nil {
		return nil, fmt.Errorf("create reconciliation consumer: %w", err)
	}
	if err := consumer.Start(ctx); err != nil {
		_ = consumer.Stop()
		return nil, fmt.Errorf("start reconciliation consumer: %w", err)
	}
	return consumer, nil
}

// closeKafkaProducer закрывает Kafka producer если он не nil.
func closeKafkaProducer(producer *kafka.Producer, logger *log.Entry) {
	if producer == nil {
		return
	}

	if err := producer.Close(); err != nil {
		logger.WithError(err).Warn("failed to close kafka producer")
	} else {
		logger.Info("kafka producer closed")
	}
}

func stopConsumer(consumer *kafka.Consumer, logger *log.Entry) {
	if consumer == nil {
		return
	}
	if err := consumer.Stop(); err != nil {
		logger.WithError(err).Warn("failed to stop reconciliation consumer")
	}
}

// logPublisher публикатор outbox для запуска без kafka.
type logPublisher struct {
	logger *log.Entry
}

func newLogPublisher(logger *log.Entry) *logPublisher {
	return &logPublisher{logger: logger}
}

// Publish пишет событие в лог и считает его доставленным.
func (p *logPublisher) Publish(_ context.Context, event domain.OutboxMessage) error {
	p.logger.WithFields(log.Fields{
		"event_id":     event.ID,
		"event_type":   event.EventType,
		"aggregate_id": event.AggregateID,
	}).Info("order event")
	return nil
}
