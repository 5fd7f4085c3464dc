package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

const (
	appendTimelineEvent = `
		INSERT INTO timeline_events (order_id, type, reason, occurred)
		VALUES ($1, $2, $3, $4)`
	listTimelineEvents = `
		SELECT type, reason, occurred
		FROM timeline_events
		WHERE order_id = $1
		ORDER BY occurred, id`
)

// TimelineRepository история заказа; timeline_events.order_id ссылается на orders(id).
type TimelineRepository struct {
	db  *sql.DB
	now func() time.Time
}

func NewTimelineRepository(store *Store) *TimelineRepository {
	return &TimelineRepository{db: store.DB(), now: time.Now}
}

// Append пишет событие. Нарушение внешнего ключа означает, что заказа нет.
func (r *TimelineRepository) Append(ctx context.Context, event domain.TimelineEvent) error {
	event, err := event.Normalize(r.now())
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	_, err = r.db.ExecContext(ctx, appendTimelineEvent, event.OrderID, event.Type, event.Reason, event.Occurred)
	if isForeignKeyViolation(err) {
		return fmt.Errorf("timeline of %s: %w", event.OrderID, domain.ErrOrderNotFound)
	}
	if err != nil {
		return fmt.Errorf("append %s to timeline of %s: %w", event.Type, event.OrderID, err)
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

	return collectRows(rows, func(row rowScanner) (domain.TimelineEvent, error) {
		event := domain.TimelineEvent{OrderID: orderID}
		if err := row.Scan(&event.Type, &event.Reason, &event.Occurred); err != nil {
			return domain.TimelineEvent{}, err
		}
		event.Occurred = event.Occurred.UTC()
		return event, nil
	})
}

var _ domain.TimelineRepository = (*TimelineRepository)(nil)
