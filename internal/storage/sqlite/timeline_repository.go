package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

// Время события хранится в наносекундах unix, сортировка по нему совпадает с хронологией.
const (
	appendTimelineEvent = `
		INSERT INTO timeline_events (order_id, type, reason, occurred)
		SELECT ?, ?, ?, ?
		WHERE EXISTS (SELECT 1 FROM orders WHERE id = ?)`
	listTimelineEvents = `
		SELECT type, reason, occurred
		FROM timeline_events
		WHERE order_id = ?
		ORDER BY occurred, id`
)

// TimelineRepository история заказа в той же базе, что и заказы.
type TimelineRepository struct {
	db  *sql.DB
	now func() time.Time
}

func NewTimelineRepository(store *Store) *TimelineRepository {
	return &TimelineRepository{db: store.DB(), now: time.Now}
}

// Append пишет событие только для существующего заказа; проверка и вставка
// идут одним запросом, без опоры на PRAGMA foreign_keys.
func (r *TimelineRepository) Append(ctx context.Context, event domain.TimelineEvent) error {
	event, err := event.Normalize(r.now())
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	res, err := r.db.ExecContext(ctx, appendTimelineEvent,
		event.OrderID, event.Type, event.Reason, event.Occurred.UnixNano(), event.OrderID)
	if err != nil {
		return fmt.Errorf("append %s to timeline of %s: %w", event.Type, event.OrderID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("timeline of %s: %w", event.OrderID, domain.ErrOrderNotFound)
	}
	return nil
}

// List возвращает историю по возрастанию времени; для неизвестного заказа пустой срез.
func (r *TimelineRepository) List(ctx context.Context, orderID string) ([]domain.TimelineEvent, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	rows, err := r.db.QueryContext(ctx, listTimelineEvents, orderID)
	if err != nil {
		return nil, fmt.Errorf("timeline of %s: %w", orderID, err)
	}
	defer rows.Close()

	history := []domain.TimelineEvent{}
	for rows.Next() {
		event := domain.TimelineEvent{OrderID: orderID}
		var nanos int64
		if err := rows.Scan(&event.Type, &event.Reason, &nanos); err != nil {
			return nil, fmt.Errorf("timeline of %s: %w", orderID, err)
		}
		event.Occurred = time.Unix(0, nanos).UTC()
		history = append(history, event)
	}
	return history, rows.Err()
}

var _ domain.TimelineRepository = (*TimelineRepository)(nil)
