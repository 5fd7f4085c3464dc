package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"
)

// ErrProducerUnavailable producer не создан или уже закрыт.
var ErrProducerUnavailable = errors.New("kafka producer is not available")

var producedMessages = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "storefront_kafka_produced_messages_total",
	Help: "Messages sent to kafka grouped by topic and result.",
}, []string{"topic", "result"})

// NewProducerConfig настройки sync producer: идемпотентная запись с acks=all,
// поэтому в полёте не больше одного запроса на брокер.
func NewProducerConfig() *sarama.Config {
	cfg := sarama.NewConfig()
	cfg.ClientID = "storefront"
	cfg.Producer.Idempotent = true
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Net.MaxOpenRequests = 1
	cfg.Producer.Retry.Max = 5
	cfg.Producer.Retry.Backoff = 150 * time.Millisecond
	cfg.Producer.Return.Successes = true
	cfg.Producer.Compression = sarama.CompressionSnappy
	return cfg
}

// Header собирает заголовок записи.
func Header(key, value string) sarama.RecordHeader {
	return sarama.RecordHeader{Key: []byte(key), Value: []byte(value)}
}

// Producer синхронно пишет записи в kafka и учитывает результат в метриках.
type Producer struct {
	sync   sarama.SyncProducer
	logger *log.Entry
	now    func() time.Time
}

// NewProducer подключается к брокерам.
func NewProducer(brokers []string) (*Producer, error) {
	sp, err := sarama.NewSyncProducer(brokers, NewProducerConfig())
	if err != nil {
		return nil, fmt.Errorf("connect kafka producer to %v: %w", brokers, err)
	}
	return NewProducerFromSync(sp, nil), nil
}

// NewProducerFromSync оборачивает готовый sarama.SyncProducer (в тестах mocks.SyncProducer).
func NewProducerFromSync(sp sarama.SyncProducer, logger *log.Entry) *Producer {
	if logger == nil {
		logger = log.WithField("component", "kafka-producer")
	}
	return &Producer{
		sync:   sp,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// PublishJSON кодирует value в JSON и пишет запись.
func (p *Producer) PublishJSON(ctx context.Context, topic, key string, value any, headers ...sarama.RecordHeader) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode %T for %s: %w", value, topic, err)
	}
	return p.PublishRaw(ctx, topic, key, raw, headers...)
}

// PublishRaw пишет готовые байты. Отменённый ctx проверяется до отправки:
// сам SendMessage контекст не принимает.
func (p *Producer) PublishRaw(ctx context.Context, topic, key string, value []byte, headers ...sarama.RecordHeader) error {
	if p == nil || p.sync == nil {
		return ErrProducerUnavailable
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	partition, offset, err := p.sync.SendMessage(&sarama.ProducerMessage{
		Topic:     topic,
		Key:       sarama.StringEncoder(key),
		Value:     sarama.ByteEncoder(value),
		Headers:   headers,
		Timestamp: p.now(),
	})
	fields := log.Fields{"topic": topic, "key": key}
	if err != nil {
		producedMessages.WithLabelValues(topic, "error").Inc()
		p.logger.WithError(err).WithFields(fields).Error("kafka send failed")
		return fmt.Errorf("send to %s: %w", topic, err)
	}

	producedMessages.WithLabelValues(topic, "ok").Inc()
	fields["partition"], fields["offset"] = partition, offset
	p.logger.WithFields(fields).Debug("kafka message sent")
	return nil
}

// Close закрывает producer; повторный вызов и nil допустимы.
func (p *Producer) Close() error {
	if p == nil || p.sync == nil {
		return nil
	}
	sp := p.sync
	p.sync = nil
	if err := sp.Close(); err != nil {
		return fmt.Errorf("close kafka producer: %w", err)
	}
	return nil
}
