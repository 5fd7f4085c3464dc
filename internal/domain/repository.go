package domain

import (
	"context"
	"math"
	"strings"
)

// DefaultPageLimit размер страницы списка заказов по умолчанию.
const DefaultPageLimit = 10

// MaxPageLimit ограничивает размер страницы.
const MaxPageLimit = 100

// MaxPage последняя допустимая страница; дальше смещение не помещается в int32.
const MaxPage = math.MaxInt32 / MaxPageLimit

// OrderFilter задаёт фильтры списка заказов.
type OrderFilter struct {
	Status OrderStatus
	// Search ищет по номеру заказа и имени/фамилии получателя без учёта регистра.
	Search string
}

// Matches применяет фильтр к заказу (для хранилищ без SQL).
func (f OrderFilter) Matches(order Order) bool {
	if f.Status != "" && order.Status != f.Status {
		return false
	}
	search := strings.ToLower(strings.TrimSpace(f.Search))
	if search == "" {
		return true
	}
	return strings.Contains(strings.ToLower(order.OrderNumber), search) ||
		strings.Contains(strings.ToLower(order.ShippingAddress.FirstName), search) ||
		strings.Contains(strings.ToLower(order.ShippingAddress.LastName), search)
}

// PageRequest параметры пагинации, Page начинается с 1.
type PageRequest struct {
	Page  int
	Limit int
}

// Normalize подставляет значения по умолчанию.
func (p PageRequest) Normalize() PageRequest {
	if p.Page < 1 {
		p.Page = 1
	}
	if p.Page > MaxPage {
		p.Page = MaxPage
	}
	if p.Limit <= 0 {
		p.Limit = DefaultPageLimit
	}
	if p.Limit > MaxPageLimit {
		p.Limit = MaxPageLimit
	}
	return p
}

// Offset возвращает смещение для выборки.
func (p PageRequest) Offset() int {
	p = p.Normalize()
	return (p.Page - 1) * p.Limit
}

// OrderPage страница заказов.
type OrderPage struct {
	Orders      []Order
	Total       int
	TotalPages  int
	CurrentPage int
}

// NewOrderPage считает количество страниц.
func NewOrderPage(orders []Order, total int, page PageRequest) OrderPage {
	page = page.Normalize()
	totalPages := 0
	if total > 0 {
		totalPages = (total + page.Limit - 1) / page.Limit
	}
	if orders == nil {
		orders = []Order{}
	}
	return OrderPage{
		Orders:      orders,
		Total:       total,
		TotalPages:  totalPages,
		CurrentPage: page.Page,
	}
}

// OrderRepository описывает требования к хранилищу заказов.
// Заказы никогда не удаляются, только переводятся по статусам или аннотируются.
type OrderRepository interface {
	// Create сохраняет новый заказ. Дубликат id или (UserID, IdempotencyKey) -> ErrOrderAlreadyExists.
	Create(ctx context.Context, order Order) error
	// Get возвращает заказ по идентификатору или ErrOrderNotFound.
	Get(ctx context.Context, id string) (Order, error)
	// FindByIdempotencyKey ищет заказ пользователя по клиентскому ключу.
	FindByIdempotencyKey(ctx context.Context, userID, key string) (Order, error)
	// UpdateStatus сохраняет статус, аннотации и отметки времени с учётом optimistic locking.
	// Позиции и суммы заказа не перезаписываются.
	UpdateStatus(ctx context.Context, order Order) error
	// ListForUser возвращает страницу заказов пользователя, новые первыми.
	ListForUser(ctx context.Context, userID string, filter OrderFilter, page PageRequest) (OrderPage, error)
	// ListAll возвращает страницу всех заказов (для администратора).
	ListAll(ctx context.Context, filter OrderFilter, page PageRequest) (OrderPage, error)
}
