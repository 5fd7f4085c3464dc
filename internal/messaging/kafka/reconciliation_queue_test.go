package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

type recordingTaskHandler struct {
	tasks []domain.ReconciliationTask
	err   error
}

func (h *recordingTaskHandler) Handle(_ context.Context, task domain.ReconciliationTask) error {
	h.tasks = append(h.tasks, task)
	return h.err
}

func TestReconciliationQueue_Enqueue(t *testing.T) {
	mockProducer := mocks.NewSyncProducer(t, nil)
	mockProducer.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(func(msg *sarama.ProducerMessage) error {
		if msg.Topic != TopicReconciliation {
			return fmt.Errorf("unexpected topic %s", msg.Topic)
		}
		key, _ := msg.Key.Encode()
		if string(key) != "order-1" {
			return fmt.Errorf("unexpected key %q", key)
		}
		value, _ := msg.Value.Encode()
		var task domain.ReconciliationTask
		if err := json.Unmarshal(value, &task); err != nil {
			return err
		}
		if task.ID == "" || task.CreatedAt.IsZero() {
			return fmt.Errorf("id and created_at must be assigned: %+v", task)
		}
		return nil
	})

	queue := NewReconciliationQueue(NewProducerFromSync(mockProducer, nil), "")
	err := queue.Enqueue(context.Background(), domain.ReconciliationTask{
		Kind:    domain.ReconcileReleaseFailed,
		OrderID: "order-1",
		Lines:   []domain.ReservationLine{{ProductID: "A", Quantity: 2}},
	})
	require.NoError(t, err)
	require.NoError(t, mockProducer.Close())
}

func TestReconciliationQueue_EnqueueFailure(t *testing.T) {
	mockProducer := mocks.NewSyncProducer(t, nil)
	mockProducer.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)

	queue := NewReconciliationQueue(NewProducerFromSync(mockProducer, nil), TopicReconciliation)
	err := queue.Enqueue(context.Background(), domain.ReconciliationTask{Kind: domain.ReconcileRollbackFailed})
	require.Error(t, err)
	require.NoError(t, mockProducer.Close())

	var closed *ReconciliationQueue
	require.ErrorIs(t, closed.Enqueue(context.Background(), domain.ReconciliationTask{}), domain.ErrReconciliationQueueClosed)
}

func TestReconciliationHandler(t *testing.T) {
	handler := &recordingTaskHandler{}
	handle := ReconciliationHandler(handler)

	msg := &sarama.ConsumerMessage{Value: []byte(`{"id":"t-1","kind":"placement_persist_failed","order_id":"o-1","lines":[],"attempt":0}`)}
	require.NoError(t, handle(context.Background(), msg))
	require.Len(t, handler.tasks, 1)
	require.Equal(t, domain.ReconcilePlacementPersistFailed, handler.tasks[0].Kind)

	err := handle(context.Background(), &sarama.ConsumerMessage{Value: []byte("not json")})
	require.ErrorIs(t, err, ErrPoisonMessage)
	require.Len(t, handler.tasks, 1)

	handler.err = errors.New("ledger down")
	require.ErrorContains(t, handle(context.Background(), msg), "ledger down")
}
