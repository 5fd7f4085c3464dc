package main

import (
	"context"
	"fmt"
	"io"

	"github.com/IBM/sarama"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/storefront/internal/messaging/kafka"
)

type offsetReader interface {
	Partitions(topic string) ([]int32, error)
	GetOffset(topic string, partition int32, time int64) (int64, error)
}

type partitionStream interface {
	Messages() <-chan *sarama.ConsumerMessage
	Errors() <-chan *sarama.ConsumerError
	Close() error
}

type partitionSource interface {
	ConsumePartition(topic string, partition int32, offset int64) (partitionStream, error)
}

type publisher interface {
	PublishRaw(ctx context.Context, topic, key string, value []byte, headers ...sarama.RecordHeader) error
}

// kafkaClients держит соединения одного прохода; sink пустой в dry-run.
type kafkaClients struct {
	offsets offsetReader
	source  partitionSource
	sink    publisher
	closers []io.Closer
}

// Close закрывает соединения в обратном порядке открытия.
func (c *kafkaClients) Close() {
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i].Close(); err != nil {
			log.WithError(err).Warn("close kafka connection")
		}
	}
}

type connectFunc func(opts options) (*kafkaClients, error)

type saramaSource struct {
	consumer sarama.Consumer
}

func (s saramaSource) ConsumePartition(topic string, partition int32, offset int64) (partitionStream, error) {
	return s.consumer.ConsumePartition(topic, partition, offset)
}

func connectKafka(opts options) (*kafkaClients, error) {
	cfg := sarama.NewConfig()
	cfg.ClientID = "storefront-dlq-replay"
	cfg.Consumer.Return.Errors = true

	client, err := sarama.NewClient(opts.brokers, cfg)
	if err != nil {
		return nil, fmt.Errorf("create kafka client: %w", err)
	}
	clients := &kafkaClients{offsets: client, closers: []io.Closer{client}}

	consumer, err := sarama.NewConsumerFromClient(client)
	if err != nil {
		clients.Close()
		return nil, fmt.Errorf("create kafka consumer: %w", err)
	}
	clients.source = saramaSource{consumer: consumer}
	clients.closers = append(clients.closers, consumer)

	if opts.execute {
		producer, err := kafka.NewProducer(opts.brokers)
		if err != nil {
			clients.Close()
			return nil, fmt.Errorf("create kafka producer: %w", err)
		}
		clients.sink = producer
		clients.closers = append(clients.closers, producer)
	}
	return clients, nil
}
