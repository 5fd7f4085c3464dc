package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

// orderRepositoryInMemory простая in-memory реализация OrderRepository.
type orderRepositoryInMemory struct {
	mu    sync.RWMutex
	items map[string]domain.Order
	// byIdempotency: userID + "\x00" + key -> orderID.
	byIdempotency map[string]string
}

// NewOrderRepository возвращает in-memory репозиторий для локальной разработки и тестов.
func NewOrderRepository() domain.OrderRepository {
	return &orderRepositoryInMemory{
		items:         make(map[string]domain.Order),
		byIdempotency: make(map[string]string),
	}
}

func idempotencyIndexKey(userID, key string) string {
	return userID + "\x00" + key
}

// Create сохраняет новый заказ, если не заняты ни ID, ни пара (пользователь, ключ).
func (r *orderRepositoryInMemory) Create(_ context.Context, order domain.Order) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.items[order.ID]; exists {
		return domain.ErrOrderAlreadyExists
	}
	if order.IdempotencyKey != "" {
		indexKey := idempotencyIndexKey(order.UserID, order.IdempotencyKey)
		if _, exists := r.byIdempotency[indexKey]; exists {
			return domain.ErrOrderAlreadyExists
		}
		r.byIdempotency[indexKey] = order.ID
	}

	// Сохраняем копию, чтобы избежать непредсказуемых мутаций извне.
	r.items[order.ID] = order.Clone()
	return nil
}

// Get возвращает заказ или ErrOrderNotFound, если его нет.
func (r *orderRepositoryInMemory) Get(_ context.Context, id string) (domain.Order, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	order, ok := r.items[id]
	if !ok {
		return domain.Order{}, domain.ErrOrderNotFound
	}
	return order.Clone(), nil
}

func (r *orderRepositoryInMemory) FindByIdempotencyKey(_ context.Context, userID, key string) (domain.Order, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.byIdempotency[idempotencyIndexKey(userID, key)]
	if !ok {
		return domain.Order{}, domain.ErrOrderNotFound
	}
	return r.items[id].Clone(), nil
}

// UpdateStatus переносит изменяемые поля заказа, проверяя версию (optimistic locking).
func (r *orderRepositoryInMemory) UpdateStatus(_ context.Context, order domain.Order) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.items[order.ID]
	if !ok {
		return domain.ErrOrderNotFound
	}
	if current.Version != order.Version {
		return domain.ErrOrderVersionConflict
	}

	current.Status = order.Status
	current.PaymentStatus = order.PaymentStatus
	current.TrackingNumber = order.TrackingNumber
	current.Notes = order.Notes
	current.InventoryReleased = order.InventoryReleased
	current.UpdatedAt = order.UpdatedAt
	current.DeliveredAt = order.DeliveredAt
	current.CancelledAt = order.CancelledAt
	current.Version++

	r.items[order.ID] = current.Clone()
	return nil
}

func (r *orderRepositoryInMemory) ListForUser(_ context.Context, userID string, filter domain.OrderFilter, page domain.PageRequest) (domain.OrderPage, error) {
	return r.list(func(order domain.Order) bool {
		return order.UserID == userID && filter.Matches(order)
	}, page), nil
}

func (r *orderRepositoryInMemory) ListAll(_ context.Context, filter domain.OrderFilter, page domain.PageRequest) (domain.OrderPage, error) {
	return r.list(filter.Matches, page), nil
}

func (r *orderRepositoryInMemory) list(match func(domain.Order) bool, page domain.PageRequest) domain.OrderPage {
	page = page.Normalize()

	r.mu.RLock()
	matched := make([]domain.Order, 0, len(r.items))
	for _, order := range r.items {
		if match(order) {
			matched = append(matched, order.Clone())
		}
	}
	r.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].CreatedAt.After(matched[j].CreatedAt)
		}
		return matched[i].ID > matched[j].ID
	})

	total := len(matched)
	start := page.Offset()
	if start < 0 || start > total {
		start = total
	}
	end := start + page.Limit
	if end > total {
		end = total
	}

	return domain.NewOrderPage(matched[start:end], total, page)
}

var _ domain.OrderRepository = (*orderRepositoryInMemory)(nil)
