package main

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/IBM/sarama"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
	"github.com/vladislavdragonenkov/storefront/internal/messaging/kafka"
)

const reconciliationLetter = `{"original_topic":"storefront.reconciliation","original_key":"order-1","original_value":"{\"id\":\"task-1\",\"kind\":\"release_failed\"}","retry_count":2}`

func outboxLetterMessage(t *testing.T, nested map[string]any) *sarama.ConsumerMessage {
	t.Helper()
	raw, err := json.Marshal(map[string]any{
		"id":             "outbox-1",
		"aggregate_type": "order",
		"aggregate_id":   "order-1",
		"event_type":     domain.EventOrderCancelled,
		"payload":        nested,
	})
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}
	return &sarama.ConsumerMessage{Value: raw}
}

func TestDecodeDeadLetter_ConsumerLetter(t *testing.T) {
	got, err := decodeDeadLetter(&sarama.ConsumerMessage{Value: []byte(reconciliationLetter)}, kafka.TopicOrderEvents)
	if err != nil {
		t.Fatalf("decodeDeadLetter failed: %v", err)
	}
	if got.topic != kafka.TopicReconciliation || got.key != "order-1" {
		t.Fatalf("letter must go back to its original topic and key: %+v", got)
	}
	if got.attempt != 3 {
		t.Fatalf("attempt must grow on replay, got %d", got.attempt)
	}
	task, err := kafka.ParseReconciliationTask(&sarama.ConsumerMessage{Value: got.value})
	if err != nil || task.Kind != domain.ReconcileReleaseFailed {
		t.Fatalf("original task must survive replay: %+v, %v", task, err)
	}
}

func TestDecodeDeadLetter_ConsumerLetterWithoutTopic(t *testing.T) {
	raw := []byte(`{"original_key":"order-9","original_value":"{}"}`)
	got, err := decodeDeadLetter(&sarama.ConsumerMessage{Value: raw}, "fallback.topic")
	if err != nil || got.topic != "fallback.topic" || got.attempt != 1 {
		t.Fatalf("unexpected record %+v, err %v", got, err)
	}
}

func TestDecodeDeadLetter_OutboxLetter(t *testing.T) {
	msg := outboxLetterMessage(t, map[string]any{
		"outbox_id":      "outbox-1",
		"aggregate_type": "order",
		"aggregate_id":   "order-1",
		"event_type":     domain.EventOrderCancelled,
		"payload":        map[string]any{"reason": "changed mind"},
		"attempts":       5,
		"publish_error":  "timeout",
	})

	got, err := decodeDeadLetter(msg, kafka.TopicOrderEvents)
	if err != nil {
		t.Fatalf("decodeDeadLetter failed: %v", err)
	}
	if got.topic != kafka.TopicOrderEvents || got.key != "order-1" || got.eventType != domain.EventOrderCancelled || got.attempt != 5 {
		t.Fatalf("unexpected record: %+v", got)
	}

	restored, err := kafka.ParseOrderEvent(&sarama.ConsumerMessage{Value: got.value})
	if err != nil {
		t.Fatalf("replayed value must be an order event: %v", err)
	}
	if string(restored.Payload) != `{"reason":"changed mind"}` || restored.ID != "outbox-1" {
		t.Fatalf("original event must be restored, got %+v", restored)
	}

	headers := map[string]string{}
	for _, h := range got.headers() {
		headers[string(h.Key)] = string(h.Value)
	}
	if headers[kafka.HeaderRetryCount] != "5" || headers[kafka.HeaderEventType] != domain.EventOrderCancelled {
		t.Fatalf("unexpected headers: %v", headers)
	}
}

func TestDecodeDeadLetter_Rejects(t *testing.T) {
	cases := []struct {
		name    string
		value   string
		unknown bool
	}{
		{name: "foreign json", value: `{"foo":"bar"}`, unknown: true},
		{name: "not json", value: `<xml/>`, unknown: true},
		{name: "payload is not an object", value: `{"id":"x","payload":"not-an-object"}`},
		{name: "missing nested payload", value: `{"id":"x","aggregate_id":"order-1","payload":{"outbox_id":"x"}}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := decodeDeadLetter(&sarama.ConsumerMessage{Value: []byte(tc.value)}, kafka.TopicOrderEvents)
			if err == nil {
				t.Fatal("expected error")
			}
			if errors.Is(err, errUnknownLetter) != tc.unknown {
				t.Fatalf("unknown=%v expected, got %v", tc.unknown, err)
			}
		})
	}
}

func TestReplayRecordHeaders_NoEventType(t *testing.T) {
	headers := replayRecord{attempt: 1}.headers()
	if len(headers) != 1 || string(headers[0].Key) != kafka.HeaderRetryCount {
		t.Fatalf("unexpected headers: %v", headers)
	}
}

func TestOrDefault(t *testing.T) {
	if got := orDefault("  ", "x"); got != "x" {
		t.Fatalf("blank value must fall back, got %q", got)
	}
	if got := orDefault("y", "x"); got != "y" {
		t.Fatalf("got %q", got)
	}
}
