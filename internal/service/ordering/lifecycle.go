package ordering

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

// Actor аутентифицированный инициатор запроса.
type Actor struct {
	UserID string
	Admin  bool
}

// CanAccess проверяет, что актор владеет заказом или является администратором.
func (a Actor) CanAccess(order domain.Order) bool {
	return a.Admin || order.OwnedBy(a.UserID)
}

// OrderDetails заказ вместе с историей событий.
type OrderDetails struct {
	Order    domain.Order
	Timeline []domain.TimelineEvent
}

// Get возвращает заказ владельцу или администратору; чужой заказ не отличим от отсутствующего.
func (s *Service) Get(ctx context.Context, actor Actor, orderID string) (OrderDetails, error) {
	order, err := s.loadForActor(ctx, actor, orderID)
	if err != nil {
		return OrderDetails{}, err
	}

	details := OrderDetails{Order: order, Timeline: []domain.TimelineEvent{}}
	if s.timeline != nil {
		events, err := s.timeline.List(ctx, order.ID)
		if err != nil {
			s.logger.WithError(err).WithField("order_id", order.ID).Warn("load timeline failed")
		} else {
			details.Timeline = events
		}
	}
	return details, nil
}

// ListForUser возвращает страницу заказов пользователя.
func (s *Service) ListForUser(ctx context.Context, userID string, filter domain.OrderFilter, page domain.PageRequest) (domain.OrderPage, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return domain.OrderPage{}, domain.NewOrderError(domain.KindInvalidRequest, domain.ErrUserRequired)
	}
	if err := validateFilter(filter); err != nil {
		return domain.OrderPage{}, err
	}
	result, err := s.orders.ListForUser(ctx, userID, filter, page)
	if err != nil {
		return domain.OrderPage{}, domain.NewOrderError(domain.KindInternal, err)
	}
	return result, nil
}

// ListAll возвращает страницу всех заказов для администратора.
func (s *Service) ListAll(ctx context.Context, filter domain.OrderFilter, page domain.PageRequest) (domain.OrderPage, error) {
	if err := validateFilter(filter); err != nil {
		return domain.OrderPage{}, err
	}
	result, err := s.orders.ListAll(ctx, filter, page)
	if err != nil {
		return domain.OrderPage{}, domain.NewOrderError(domain.KindInternal, err)
	}
	return result, nil
}

// UpdateStatus выполняет переход по автомату статусов или аннотацию (статус равен текущему).
// Вызывается администратором.
func (s *Service) UpdateStatus(ctx context.Context, orderID string, change domain.StatusChange) (domain.Order, error) {
	if !change.Status.Valid() {
		status, err := domain.ParseOrderStatus(string(change.Status))
		if err != nil {
			return domain.Order{}, domain.NewOrderError(domain.KindInvalidStatus, err)
		}
		change.Status = status
	}
	return s.transition(ctx, orderID, "ordering.UpdateStatus", func(order *domain.Order) (string, error) {
		_, err := order.ApplyStatusChange(change, s.now())
		return "", err
	})
}

// Cancel отменяет заказ до отгрузки и возвращает остатки ровно один раз.
func (s *Service) Cancel(ctx context.Context, actor Actor, orderID, reason string) (domain.Order, error) {
	if _, err := s.loadForActor(ctx, actor, orderID); err != nil {
		return domain.Order{}, err
	}

	reason = strings.TrimSpace(reason)
	return s.transition(ctx, orderID, "ordering.Cancel", func(order *domain.Order) (string, error) {
		if !order.Status.Cancellable() {
			return "", fmt.Errorf("%w: order in status %s cannot be cancelled", domain.ErrInvalidTransition, order.Status)
		}
		_, err := order.ApplyStatusChange(domain.StatusChange{Status: domain.OrderStatusCancelled}, s.now())
		return reason, err
	})
}

// transition перечитывает заказ, применяет mutate и сохраняет с optimistic locking.
// При конфликте версий попытка повторяется на свежем состоянии с экспоненциальной задержкой.
func (s *Service) transition(ctx context.Context, orderID, spanName string, mutate func(*domain.Order) (string, error)) (result domain.Order, err error) {
	ctx, span := s.tracer.Start(ctx, spanName, trace.WithAttributes(attribute.String("order.id", orderID)))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, string(domain.KindOf(err)))
		}
		span.End()
	}()

	delay := s.cfg.RetryBaseDelay
	for attempt := 1; attempt <= s.cfg.MaxStatusRetries; attempt++ {
		order, err := s.orders.Get(ctx, orderID)
		if err != nil {
			return domain.Order{}, classifyRepoError(err)
		}
		before := order.Clone()

		reason, err := mutate(&order)
		if err != nil {
			return domain.Order{}, classifyTransitionError(err)
		}

		releaseNeeded := order.Status == domain.OrderStatusCancelled &&
			before.Status != domain.OrderStatusCancelled &&
			!order.InventoryReleased
		if releaseNeeded {
			// Флаг сохраняется вместе со статусом до возврата остатков: повторный возврат невозможен.
			order.InventoryReleased = true
		}

		err = s.orders.UpdateStatus(ctx, order)
		if err == nil {
			order.Version++
			s.afterTransition(ctx, before, &order, reason, releaseNeeded)
			return order, nil
		}
		if !domain.IsVersionConflict(err) {
			return domain.Order{}, classifyRepoError(err)
		}

		s.logger.WithFields(log.Fields{
			"order_id": orderID,
			"attempt":  attempt,
			"version":  order.Version,
		}).Warn("version conflict detected, retrying")
		if attempt == s.cfg.MaxStatusRetries {
			break
		}
		if err := sleepContext(ctx, delay); err != nil {
			return domain.Order{}, domain.NewOrderError(domain.KindInternal, err)
		}
		delay *= 2
	}

	return domain.Order{}, domain.NewOrderError(domain.KindConflict, domain.ErrOrderVersionConflict)
}

// afterTransition возвращает остатки отменённого заказа и пишет события.
func (s *Service) afterTransition(ctx context.Context, before domain.Order, order *domain.Order, reason string, releaseNeeded bool) {
	ts := order.UpdatedAt.Format(time.RFC3339Nano)

	if before.Status == order.Status {
		s.emitEvent(ctx, order, domain.EventOrderAnnotated, map[string]any{
			"status":          order.Status,
			"tracking_number": order.TrackingNumber,
			"notes":           order.Notes,
			"ts":              ts,
		})
		return
	}

	s.metrics.RecordTransition(string(before.Status), string(order.Status))
	s.logger.WithFields(log.Fields{
		"order_id": order.ID,
		"from":     before.Status,
		"to":       order.Status,
	}).Info("order status changed")

	s.emitEvent(ctx, order, domain.EventOrderStatusChanged, map[string]any{
		"from":            before.Status,
		"status":          order.Status,
		"tracking_number": order.TrackingNumber,
		"ts":              ts,
	})

	switch order.Status {
	case domain.OrderStatusCancelled:
		payload := map[string]any{"ts": ts}
		if reason != "" {
			payload["reason"] = reason
		}
		s.emitEvent(ctx, order, domain.EventOrderCancelled, payload)
		if releaseNeeded {
			s.releaseOrder(ctx, order)
		}
	case domain.OrderStatusRefunded:
		s.emitEvent(ctx, order, domain.EventOrderRefunded, map[string]any{
			"amount_minor": order.TotalMinor,
			"currency":     order.Currency,
			"ts":           ts,
		})
	}
}

// releaseOrder возвращает на склад все позиции отменённого заказа.
// Не возвращённые позиции уходят в очередь сверки: флаг InventoryReleased уже сохранён.
func (s *Service) releaseOrder(ctx context.Context, order *domain.Order) {
	lines := domain.LinesFromItems(order.Items)
	failed := s.releaseLines(ctx, lines)
	if len(failed) > 0 {
		s.logger.WithFields(log.Fields{
			"order_id": order.ID,
			"user_id":  order.UserID,
			"items":    failed,
		}).Error("inventory release after cancel incomplete")
		s.enqueueReconciliation(ctx, domain.ReconciliationTask{
			Kind:    domain.ReconcileReleaseFailed,
			OrderID: order.ID,
			UserID:  order.UserID,
			Lines:   failed,
			Reason:  "release after cancel failed",
		})
	}

	s.emitEvent(ctx, order, domain.EventInventoryReleased, map[string]any{
		"lines":  lines,
		"failed": failed,
		"ts":     s.now().Format(time.RFC3339Nano),
	})
}

func (s *Service) loadForActor(ctx context.Context, actor Actor, orderID string) (domain.Order, error) {
	if strings.TrimSpace(actor.UserID) == "" {
		return domain.Order{}, domain.NewOrderError(domain.KindInvalidRequest, domain.ErrUserRequired)
	}
	order, err := s.orders.Get(ctx, orderID)
	if err != nil {
		return domain.Order{}, classifyRepoError(err)
	}
	if !actor.CanAccess(order) {
		return domain.Order{}, domain.NewOrderError(domain.KindOrderNotFound, domain.ErrOrderNotFound)
	}
	return order, nil
}

func validateFilter(filter domain.OrderFilter) error {
	if filter.Status != "" && !filter.Status.Valid() {
		return domain.Errorf(domain.KindInvalidStatus, "%w: %q", domain.ErrInvalidStatus, filter.Status)
	}
	return nil
}

func classifyRepoError(err error) error {
	if errors.Is(err, domain.ErrOrderNotFound) {
		return domain.NewOrderError(domain.KindOrderNotFound, err)
	}
	return domain.NewOrderError(domain.KindInternal, err)
}

func classifyTransitionError(err error) error {
	switch {
	case errors.Is(err, domain.ErrInvalidStatus):
		return domain.NewOrderError(domain.KindInvalidStatus, err)
	case errors.Is(err, domain.ErrInvalidTransition):
		return domain.NewOrderError(domain.KindInvalidTransition, err)
	default:
		return domain.NewOrderError(domain.KindInternal, err)
	}
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
