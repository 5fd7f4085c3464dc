package domain

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// CatalogStore источник актуальных цен и доступности товаров.
type CatalogStore interface {
	// GetProduct возвращает товар или ErrProductNotFound.
	GetProduct(ctx context.Context, id string) (Product, error)
}

// CatalogAdmin операции управления каталогом (создание товаров).
type CatalogAdmin interface {
	CatalogStore
	// CreateProduct сохраняет новый товар; дубликат id или slug -> ErrProductAlreadyExists.
	CreateProduct(ctx context.Context, product Product) error
	// SlugExists проверяет, занят ли slug.
	SlugExists(ctx context.Context, slug string) (bool, error)
}

// InventoryLedger единственный источник истины об остатках.
type InventoryLedger interface {
	// Reserve атомарно списывает quantity или возвращает *InsufficientStockError.
	// Для товаров без учёта остатка ничего не меняет и всегда успешен.
	Reserve(ctx context.Context, productID string, quantity int64) error
	// Release возвращает quantity на склад. Дубликаты не отслеживаются.
	Release(ctx context.Context, productID string, quantity int64) error
	// Adjust меняет остаток на delta (поступление или списание); возвращает новый остаток.
	Adjust(ctx context.Context, productID string, delta int64) (int64, error)
}

// OutboxPublisher публикует события из transactional outbox.
type OutboxPublisher interface {
	// Publish передаёт событие наружу; должен быть идемпотентным.
	Publish(ctx context.Context, event OutboxMessage) error
}

// OutboxRepository позволяет сохранять события для последующей публикации.
type OutboxRepository interface {
	Enqueue(ctx context.Context, msg OutboxMessage) (OutboxMessage, error)
	PullPending(ctx context.Context, limit int) ([]OutboxMessage, error)
	Stats(ctx context.Context) (OutboxStats, error)
	MarkSent(ctx context.Context, id string) error
	MarkFailed(ctx context.Context, id string) error
}

// TimelineRepository хранит события жизненного цикла заказа.
type TimelineRepository interface {
	Append(ctx context.Context, event TimelineEvent) error
	List(ctx context.Context, orderID string) ([]TimelineEvent, error)
}

// IdempotencyRepository хранит состояние обработки запросов по idempotency-key.
type IdempotencyRepository interface {
	CreateProcessing(ctx context.Context, key, requestHash string, ttlAt time.Time) (IdempotencyRecord, error)
	Get(ctx context.Context, key string) (IdempotencyRecord, error)
	MarkDone(ctx context.Context, key string, responseBody []byte, httpStatus int) error
	MarkFailed(ctx context.Context, key string, responseBody []byte, httpStatus int) error
	DeleteExpired(ctx context.Context, before time.Time, limit int) (int, error)
}

// ReconciliationQueue принимает задачи сверки склада.
// Реализация должна переживать недоступность основной БД заказов.
type ReconciliationQueue interface {
	Enqueue(ctx context.Context, task ReconciliationTask) error
}

// Статусы записей transactional outbox.
const (
	OutboxStatusPending = "pending"
	OutboxStatusSent    = "sent"
	OutboxStatusFailed  = "failed"
)

// OutboxMessage хранит данные для публикуемого события.
type OutboxMessage struct {
	ID            string
	AggregateType string
	AggregateID   string
	EventType     string
	Payload       []byte
}

// Validate проверяет, что сообщение можно адресовать: агрегат и тип события обязательны.
func (m OutboxMessage) Validate() error {
	switch {
	case strings.TrimSpace(m.AggregateType) == "":
		return fmt.Errorf("%w: aggregate_type is empty", ErrOutboxMessageInvalid)
	case strings.TrimSpace(m.AggregateID) == "":
		return fmt.Errorf("%w: aggregate_id is empty", ErrOutboxMessageInvalid)
	case strings.TrimSpace(m.EventType) == "":
		return fmt.Errorf("%w: event_type is empty", ErrOutboxMessageInvalid)
	}
	return nil
}

// OutboxStats описывает текущее состояние backlog transactional outbox.
type OutboxStats struct {
	PendingCount    int
	OldestPendingAt time.Time
}
