package ordering

import (
	"context"
	"encoding/json"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

// emitEvent пишет событие в outbox и timeline. Ошибки только логируются:
// заказ уже сохранён, а outbox-воркер и сверка не зависят от ответа клиенту.
func (s *Service) emitEvent(ctx context.Context, order *domain.Order, eventType string, payload map[string]any) {
	ctx = context.WithoutCancel(ctx)
	if payload == nil {
		payload = make(map[string]any)
	}
	payload["order_id"] = order.ID

	logger := s.logger.WithFields(log.Fields{
		"order_id": order.ID,
		"event":    eventType,
	})

	if s.outbox != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			logger.WithError(err).Error("marshal event failed")
		} else if _, err := s.outbox.Enqueue(ctx, domain.OutboxMessage{
			AggregateType: "order",
			AggregateID:   order.ID,
			EventType:     eventType,
			Payload:       data,
		}); err != nil {
			logger.WithError(err).Error("enqueue event failed")
		} else {
			s.metrics.RecordOutboxEvent()
		}
	}

	if s.timeline == nil {
		return
	}
	reason, _ := payload["reason"].(string)
	occurred := s.now()
	if ts, ok := payload["ts"].(string); ok {
		if parsed, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			occurred = parsed
		}
	}
	if err := s.timeline.Append(ctx, domain.TimelineEvent{
		OrderID:  order.ID,
		Type:     eventType,
		Reason:   reason,
		Occurred: occurred,
	}); err != nil {
		logger.WithError(err).Warn("append timeline event failed")
		return
	}
	s.metrics.RecordTimelineEvent()
}

// enqueueReconciliation передаёт расхождение склада в очередь сверки.
// Без очереди задача остаётся только в логе уровня Error.
func (s *Service) enqueueReconciliation(ctx context.Context, task domain.ReconciliationTask) {
	ctx = context.WithoutCancel(ctx)
	if task.CreatedAt.IsZero() {
		task.CreatedAt = s.now()
	}
	s.metrics.RecordReconciliationTask(string(task.Kind))

	logger := s.logger.WithFields(log.Fields{
		"kind":         task.Kind,
		"order_id":     task.OrderID,
		"user_id":      task.UserID,
		"reservations": task.Lines,
	})
	if s.reconciliation == nil {
		logger.Error("reconciliation queue is not configured, task logged only")
		return
	}
	if err := s.reconciliation.Enqueue(ctx, task); err != nil {
		logger.WithError(err).Error("enqueue reconciliation task failed")
		return
	}
	logger.Warn("reconciliation task enqueued")
}
