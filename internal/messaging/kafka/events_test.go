package kafka

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

func TestParseOrderEvent(t *testing.T) {
	publishedAt := time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)
	envelope := NewOrderEventEnvelope(domain.OutboxMessage{
		ID:            "evt-1",
		AggregateType: "order",
		AggregateID:   "order-1",
		EventType:     domain.EventOrderPlaced,
		Payload:       []byte(`{"total_minor":7480}`),
	}, publishedAt)

	value, err := json.Marshal(envelope)
	require.NoError(t, err)

	parsed, err := ParseOrderEvent(&sarama.ConsumerMessage{Value: value})
	require.NoError(t, err)
	require.Equal(t, "order-1", parsed.AggregateID)
	require.Equal(t, domain.EventOrderPlaced, parsed.EventType)
	require.JSONEq(t, `{"total_minor":7480}`, string(parsed.Payload))
	require.True(t, parsed.PublishedAt.Equal(publishedAt))

	_, err = ParseOrderEvent(&sarama.ConsumerMessage{Value: []byte("{not json")})
	require.True(t, errors.Is(err, ErrPoisonMessage))
}

func TestParseReconciliationTask(t *testing.T) {
	tests := []struct {
		name    string
		value   string
		wantErr bool
	}{
		{name: "valid", value: `{"id":"t-1","kind":"rollback_failed","lines":[{"product_id":"mug","quantity":1}]}`},
		{name: "missing kind", value: `{"id":"t-1"}`, wantErr: true},
		{name: "broken json", value: `[1,2`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			task, err := ParseReconciliationTask(&sarama.ConsumerMessage{Value: []byte(tt.value)})
			if tt.wantErr {
				require.ErrorIs(t, err, ErrPoisonMessage)
				return
			}
			require.NoError(t, err)
			require.Equal(t, domain.ReconcileRollbackFailed, task.Kind)
			require.Len(t, task.Lines, 1)
		})
	}
}

func TestParseDeadLetter(t *testing.T) {
	letter, err := ParseDeadLetter(&sarama.ConsumerMessage{
		Value: []byte(`{"original_topic":"storefront.reconciliation","original_offset":9,"original_value":"{}","retry_count":2}`),
	})
	require.NoError(t, err)
	require.Equal(t, TopicReconciliation, letter.OriginalTopic)
	require.EqualValues(t, 9, letter.OriginalOffset)
	require.Equal(t, 2, letter.RetryCount)

	_, err = ParseDeadLetter(&sarama.ConsumerMessage{Value: []byte(`{"original_topic":"x"}`)})
	require.ErrorIs(t, err, ErrPoisonMessage)

	_, err = ParseDeadLetter(&sarama.ConsumerMessage{Value: []byte(`nope`)})
	require.ErrorIs(t, err, ErrPoisonMessage)
}

func TestHeaderLookup(t *testing.T) {
	msg := &sarama.ConsumerMessage{Headers: []*sarama.RecordHeader{
		nil,
		{Key: []byte(HeaderEventType), Value: []byte(domain.EventOrderCancelled)},
	}}

	value, ok := header(msg, HeaderEventType)
	require.True(t, ok)
	require.Equal(t, domain.EventOrderCancelled, value)

	_, ok = header(msg, HeaderFailedAt)
	require.False(t, ok)
}
