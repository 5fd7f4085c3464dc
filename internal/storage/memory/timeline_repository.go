package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

// timelineRepositoryInMemory хранит события по заказам, каждый срез отсортирован по Occurred.
type timelineRepositoryInMemory struct {
	mu     sync.RWMutex
	events map[string][]domain.TimelineEvent
	orders domain.OrderRepository
	now    func() time.Time
}

// TimelineOption настраивает in-memory timeline.
type TimelineOption func(*timelineRepositoryInMemory)

// WithOrders включает проверку существования заказа при Append.
func WithOrders(orders domain.OrderRepository) TimelineOption {
	return func(r *timelineRepositoryInMemory) {
		r.orders = orders
	}
}

// NewTimelineRepository создаёт in-memory реализацию TimelineRepository.
func NewTimelineRepository(opts ...TimelineOption) domain.TimelineRepository {
	r := &timelineRepositoryInMemory{
		events: make(map[string][]domain.TimelineEvent),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Append вставляет событие после всех событий с тем же или более ранним временем.
// Без WithOrders события принимаются для любого order_id.
func (r *timelineRepositoryInMemory) Append(ctx context.Context, event domain.TimelineEvent) error {
	event, err := event.Normalize(r.now())
	if err != nil {
		return err
	}
	if r.orders != nil {
		if _, err := r.orders.Get(ctx, event.OrderID); err != nil {
			return err
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	events := r.events[event.OrderID]
	pos := sort.Search(len(events), func(i int) bool {
		return events[i].Occurred.After(event.Occurred)
	})
	events = append(events, domain.TimelineEvent{})
	copy(events[pos+1:], events[pos:])
	events[pos] = event
	r.events[event.OrderID] = events

	return nil
}

func (r *timelineRepositoryInMemory) List(_ context.Context, orderID string) ([]domain.TimelineEvent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return append([]domain.TimelineEvent{}, r.events[orderID]...), nil
}

var _ domain.TimelineRepository = (*timelineRepositoryInMemory)(nil)
