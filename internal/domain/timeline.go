package domain

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

// Типы событий timeline и outbox.
const (
	EventOrderPlaced        = "OrderPlaced"
	EventOrderStatusChanged = "OrderStatusChanged"
	EventOrderAnnotated     = "OrderAnnotated"
	EventOrderCancelled     = "OrderCancelled"
	EventOrderRefunded      = "OrderRefunded"
	EventInventoryReleased  = "InventoryReleased"
)

// MaxTimelineReasonLength ограничивает длину reason в рунах.
const MaxTimelineReasonLength = 512

var knownTimelineEvents = map[string]struct{}{
	EventOrderPlaced:        {},
	EventOrderStatusChanged: {},
	EventOrderAnnotated:     {},
	EventOrderCancelled:     {},
	EventOrderRefunded:      {},
	EventInventoryReleased:  {},
}

// TimelineEvent описывает событие в жизненном цикле заказа.
type TimelineEvent struct {
	OrderID  string
	Type     string
	Reason   string
	Occurred time.Time
}

// IsKnownTimelineEvent сообщает, входит ли тип в словарь событий заказа.
func IsKnownTimelineEvent(eventType string) bool {
	_, ok := knownTimelineEvents[eventType]
	return ok
}

// Normalize проверяет событие перед записью: заказ и тип обязательны,
// reason обрезается до MaxTimelineReasonLength, пустое время заменяется на now (UTC).
func (e TimelineEvent) Normalize(now time.Time) (TimelineEvent, error) {
	e.OrderID = strings.TrimSpace(e.OrderID)
	if e.OrderID == "" {
		return TimelineEvent{}, fmt.Errorf("%w: order_id is empty", ErrTimelineEventInvalid)
	}
	if !IsKnownTimelineEvent(e.Type) {
		return TimelineEvent{}, fmt.Errorf("%w: unknown type %q", ErrTimelineEventInvalid, e.Type)
	}

	e.Reason = strings.TrimSpace(e.Reason)
	if utf8.RuneCountInString(e.Reason) > MaxTimelineReasonLength {
		e.Reason = string([]rune(e.Reason)[:MaxTimelineReasonLength])
	}

	if e.Occurred.IsZero() {
		e.Occurred = now
	}
	e.Occurred = e.Occurred.UTC()
	return e, nil
}
