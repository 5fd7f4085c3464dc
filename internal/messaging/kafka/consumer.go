package kafka

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"
)

const (
	defaultMaxRetries    = 3
	defaultRetryDelay    = 200 * time.Millisecond
	defaultMaxRetryDelay = 5 * time.Second
)

// Исходы обработки сообщения для метрики storefront_kafka_consumed_total.
const (
	outcomeProcessed    = "processed"
	outcomeRetried      = "retried"
	outcomeDeadLettered = "dead_lettered"
	outcomeDropped      = "dropped"
	outcomeFailed       = "failed"
)

var consumedMessages = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "storefront_kafka_consumed_total",
	Help: "Kafka messages handled by storefront consumers, by topic and outcome.",
}, []string{"topic", "outcome"})

// MessageHandler обрабатывает сообщение из Kafka.
// ErrPoisonMessage означает, что повтор не поможет.
type MessageHandler func(ctx context.Context, message *sarama.ConsumerMessage) error

// ConsumerConfig параметры consumer group.
type ConsumerConfig struct {
	Brokers []string
	GroupID string
	Topics  []string
	// MaxRetries общее число попыток с учётом x-retry-count из заголовков.
	MaxRetries    int
	RetryDelay    time.Duration
	MaxRetryDelay time.Duration
}

func (c ConsumerConfig) withDefaults() ConsumerConfig {
	if c.MaxRetries <= 0 {
		c.MaxRetries = defaultMaxRetries
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = defaultRetryDelay
	}
	if c.MaxRetryDelay < c.RetryDelay {
		c.MaxRetryDelay = defaultMaxRetryDelay
		if c.MaxRetryDelay < c.RetryDelay {
			c.MaxRetryDelay = c.RetryDelay
		}
	}
	return c
}

// backoff задержка перед попыткой attempt+1: RetryDelay * 2^(attempt-1), не больше MaxRetryDelay.
func (c ConsumerConfig) backoff(attempt int) time.Duration {
	delay := c.RetryDelay
	for i := 1; i < attempt && delay < c.MaxRetryDelay; i++ {
		delay *= 2
	}
	if delay > c.MaxRetryDelay {
		delay = c.MaxRetryDelay
	}
	return delay
}

// Consumer читает топики сверки через consumer group.
// Исчерпавшие попытки сообщения уходят в DLQ; без DLQ offset не сдвигается.
type Consumer struct {
	group   sarama.ConsumerGroup
	cfg     ConsumerConfig
	handler MessageHandler
	dlq     *Producer
	logger  *log.Entry
	sleep   func(ctx context.Context, d time.Duration) error
	wg      sync.WaitGroup
}

// NewConsumer подключается к брокерам; dlq может быть nil.
func NewConsumer(cfg ConsumerConfig, handler MessageHandler, dlq *Producer) (*Consumer, error) {
	config := sarama.NewConfig()
	config.ClientID = "storefront"
	config.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRoundRobin()}
	config.Consumer.Offsets.Initial = sarama.OffsetOldest
	config.Consumer.Return.Errors = true

	group, err := sarama.NewConsumerGroup(cfg.Brokers, cfg.GroupID, config)
	if err != nil {
		return nil, fmt.Errorf("create consumer group %s: %w", cfg.GroupID, err)
	}
	return newConsumer(group, cfg, handler, dlq), nil
}

func newConsumer(group sarama.ConsumerGroup, cfg ConsumerConfig, handler MessageHandler, dlq *Producer) *Consumer {
	cfg = cfg.withDefaults()
	return &Consumer{
		group:   group,
		cfg:     cfg,
		handler: handler,
		dlq:     dlq,
		logger: log.WithFields(log.Fields{
			"component": "kafka-consumer",
			"group":     cfg.GroupID,
		}),
		sleep: sleepContext,
	}
}

// Start запускает чтение в фоне; остановка через Stop или отмену ctx.
func (c *Consumer) Start(ctx context.Context) error {
	c.wg.Add(2)
	go func() {
		defer c.wg.Done()
		for {
			// Consume возвращается при каждом rebalance.
			if err := c.group.Consume(ctx, c.cfg.Topics, c); err != nil {
				if errors.Is(err, sarama.ErrClosedConsumerGroup) {
					return
				}
				c.logger.WithError(err).Error("consume session failed")
			}
			if ctx.Err() != nil {
				return
			}
		}
	}()
	go func() {
		defer c.wg.Done()
		for err := range c.group.Errors() {
			c.logger.WithError(err).Error("consumer group error")
		}
	}()

	c.logger.WithField("topics", c.cfg.Topics).Info("kafka consumer started")
	return nil
}

func (c *Consumer) Stop() error {
	if err := c.group.Close(); err != nil {
		return fmt.Errorf("close consumer group: %w", err)
	}
	c.wg.Wait()
	c.logger.Info("kafka consumer stopped")
	return nil
}

func (c *Consumer) Setup(sarama.ConsumerGroupSession) error   { return nil }
func (c *Consumer) Cleanup(sarama.ConsumerGroupSession) error { return nil }

// ConsumeClaim обрабатывает partition последовательно, сохраняя порядок задач заказа.
func (c *Consumer) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case message, ok := <-claim.Messages():
			if !ok || message == nil {
				return nil
			}
			outcome := c.process(session.Context(), message)
			consumedMessages.WithLabelValues(message.Topic, outcome).Inc()
			if outcome != outcomeFailed {
				session.MarkMessage(message, "")
			}

		case <-session.Context().Done():
			return nil
		}
	}
}

// process прогоняет сообщение через handler и решает судьбу offset.
func (c *Consumer) process(ctx context.Context, message *sarama.ConsumerMessage) string {
	logger := c.logger.WithFields(log.Fields{
		"topic":     message.Topic,
		"partition": message.Partition,
		"offset":    message.Offset,
	})

	err := c.handleWithRetry(ctx, message, logger)
	switch {
	case err == nil:
		return outcomeProcessed
	case ctx.Err() != nil:
		return outcomeFailed
	}

	if c.dlq == nil {
		if errors.Is(err, ErrPoisonMessage) {
			// Битое сообщение не станет валидным при перечитывании.
			logger.WithError(err).Error("poison message dropped, no DLQ configured")
			return outcomeDropped
		}
		logger.WithError(err).Error("message processing failed, offset kept")
		return outcomeFailed
	}

	if dlqErr := c.sendToDLQ(ctx, message, err); dlqErr != nil {
		logger.WithError(dlqErr).Error("publish to DLQ failed, offset kept")
		return outcomeFailed
	}
	logger.WithError(err).Warn("message moved to DLQ")
	return outcomeDeadLettered
}

// handleWithRetry делает оставшиеся попытки с экспоненциальной задержкой.
func (c *Consumer) handleWithRetry(ctx context.Context, message *sarama.ConsumerMessage, logger *log.Entry) error {
	attempts := c.cfg.MaxRetries - retryCount(message)
	if attempts < 1 {
		attempts = 1
	}

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err = c.handler(ctx, message); err == nil {
			return nil
		}
		if errors.Is(err, ErrPoisonMessage) || attempt == attempts {
			return err
		}

		consumedMessages.WithLabelValues(message.Topic, outcomeRetried).Inc()
		delay := c.cfg.backoff(attempt)
		logger.WithError(err).WithFields(log.Fields{
			"attempt": attempt,
			"of":      attempts,
			"delay":   delay,
		}).Warn("message processing failed, retrying")
		if sleepErr := c.sleep(ctx, delay); sleepErr != nil {
			return sleepErr
		}
	}
	return err
}

// retryCount читает x-retry-count, выставленный dlq-replay при повторной публикации.
func retryCount(message *sarama.ConsumerMessage) int {
	value, ok := header(message, HeaderRetryCount)
	if !ok {
		return 0
	}
	count, err := strconv.Atoi(value)
	if err != nil || count < 0 {
		return 0
	}
	return count
}

func (c *Consumer) sendToDLQ(ctx context.Context, message *sarama.ConsumerMessage, processingErr error) error {
	failedAt := time.Now().UTC().Format(time.RFC3339)
	letter := DeadLetter{
		OriginalTopic:     message.Topic,
		OriginalPartition: message.Partition,
		OriginalOffset:    message.Offset,
		OriginalKey:       string(message.Key),
		OriginalValue:     string(message.Value),
		ErrorMessage:      processingErr.Error(),
		FailedAt:          failedAt,
		RetryCount:        retryCount(message),
	}

	return c.dlq.PublishJSON(
		context.WithoutCancel(ctx),
		TopicDeadLetterQueue,
		string(message.Key),
		letter,
		Header(HeaderOriginalTopic, message.Topic),
		Header(HeaderErrorMessage, processingErr.Error()),
		Header(HeaderFailedAt, failedAt),
	)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
