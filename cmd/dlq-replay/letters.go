package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/IBM/sarama"

	"github.com/vladislavdragonenkov/storefront/internal/messaging/kafka"
	"github.com/vladislavdragonenkov/storefront/internal/service/outbox"
)

var errUnknownLetter = errors.New("unknown dead letter format")

// replayRecord сообщение, готовое к повторной публикации.
type replayRecord struct {
	topic     string
	key       string
	value     []byte
	eventType string
	attempt   int
}

func (r replayRecord) headers() []sarama.RecordHeader {
	headers := []sarama.RecordHeader{
		{Key: []byte(kafka.HeaderRetryCount), Value: []byte(strconv.Itoa(r.attempt))},
	}
	if r.eventType != "" {
		headers = append(headers, sarama.RecordHeader{Key: []byte(kafka.HeaderEventType), Value: []byte(r.eventType)})
	}
	return headers
}

// decodeDeadLetter понимает письма consumer'а и outbox-конверты.
// Письма consumer'а возвращаются в исходный топик, outbox-конверты в orderTopic.
func decodeDeadLetter(msg *sarama.ConsumerMessage, orderTopic string) (replayRecord, error) {
	if letter, err := kafka.ParseDeadLetter(msg); err == nil {
		topic := strings.TrimSpace(letter.OriginalTopic)
		if topic == "" {
			topic = orderTopic
		}
		return replayRecord{
			topic:   topic,
			key:     letter.OriginalKey,
			value:   []byte(letter.OriginalValue),
			attempt: letter.RetryCount + 1,
		}, nil
	}

	envelope, err := kafka.ParseOrderEvent(msg)
	if err != nil || len(envelope.Payload) == 0 {
		return replayRecord{}, errUnknownLetter
	}

	letter, err := outbox.DecodeDeadLetter(envelope.Payload)
	if err != nil {
		return replayRecord{}, err
	}

	original := letter.Original()
	original.ID = orDefault(original.ID, envelope.ID)
	original.AggregateType = orDefault(original.AggregateType, envelope.AggregateType)
	original.AggregateID = orDefault(original.AggregateID, envelope.AggregateID)
	original.EventType = orDefault(original.EventType, envelope.EventType)

	restored := kafka.NewOrderEventEnvelope(original, time.Now().UTC())
	value, err := json.Marshal(restored)
	if err != nil {
		return replayRecord{}, fmt.Errorf("encode order event: %w", err)
	}

	return replayRecord{
		topic:     orderTopic,
		key:       orDefault(restored.AggregateID, restored.ID),
		value:     value,
		eventType: restored.EventType,
		attempt:   letter.Attempts,
	}, nil
}

func orDefault(value, fallback string) string {
	if strings.TrimSpace(value) != "" {
		return value
	}
	return fallback
}
