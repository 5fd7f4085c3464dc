package domain

import (
	"errors"
	"fmt"
)

var (
	// Ошибка отсутствующего идентификатора пользователя.
	ErrUserRequired = errors.New("user_id is required")
	// Ошибка отсутствующего кода валюты.
	ErrCurrencyRequired = errors.New("currency is required")
	// Ошибка пустой корзины.
	ErrItemsRequired = errors.New("order must contain at least one item")
	// Ошибка при некорректном количестве товара (<= 0).
	ErrQuantityInvalid = errors.New("quantity must be greater than zero")
	// Ошибка слишком большого количества в одной позиции.
	ErrQuantityTooLarge = fmt.Errorf("quantity must not exceed %d", MaxLineQuantity)
	// Ошибка отрицательной цены.
	ErrPriceInvalid = errors.New("price must be non-negative")
	// Ошибка отсутствующего идентификатора товара в позиции.
	ErrProductIDRequired = errors.New("product_id is required")
	// Ошибка отсутствующего названия товара.
	ErrProductNameRequired = errors.New("product name is required")
	// Ошибка несоответствия итоговой суммы и слагаемых.
	ErrTotalMismatch = errors.New("order total does not match subtotal + tax + shipping")
	// Ошибка несоответствия подытога сумме позиций.
	ErrSubtotalMismatch = errors.New("order subtotal does not match items sum")
	// Ошибка неизвестного способа оплаты.
	ErrPaymentMethodInvalid = errors.New("payment method is not supported")
	// Ошибка неполного адреса.
	ErrAddressIncomplete = errors.New("address is incomplete")

	// ErrProductNotFound возвращается каталогом, если товара нет.
	ErrProductNotFound = errors.New("product not found")
	// ErrProductAlreadyExists сигнализирует о дубликате id/sku/slug.
	ErrProductAlreadyExists = errors.New("product already exists")
	// ErrOrderNotFound возвращается, если заказ не найден в репозитории.
	ErrOrderNotFound = errors.New("order not found")
	// ErrOrderAlreadyExists сигнализирует о повторном создании заказа (id или idempotency key).
	ErrOrderAlreadyExists = errors.New("order already exists")
	// ErrOrderVersionConflict сигнализирует о конфликте версий при сохранении.
	ErrOrderVersionConflict = errors.New("order version conflict")
	// ErrInvalidStatus неизвестное значение статуса.
	ErrInvalidStatus = errors.New("invalid order status")
	// ErrInvalidTransition переход между статусами запрещён автоматом.
	ErrInvalidTransition = errors.New("order status transition is not allowed")
	// ErrTimelineEventInvalid событие timeline без заказа или с неизвестным типом.
	ErrTimelineEventInvalid = errors.New("timeline event is invalid")
	// ErrOrderImmutable попытка изменить позиции или суммы после терминального статуса.
	ErrOrderImmutable = errors.New("order is in a terminal state")

	// ErrInsufficientStock бизнес-ошибка склада, подробности в InsufficientStockError.
	ErrInsufficientStock = errors.New("insufficient stock")
	// ErrQuantityOverflow остаток после изменения не помещается в int64.
	ErrQuantityOverflow = errors.New("stock quantity overflows")
	// ErrInventoryTemporary временная ошибка при обращении к складу.
	ErrInventoryTemporary = errors.New("inventory temporary error")

	// ErrOutboxPublish ошибка при публикации сообщения из outbox.
	ErrOutboxPublish = errors.New("outbox publish failed")
	// ErrOutboxMessageInvalid сообщение без агрегата или типа события.
	ErrOutboxMessageInvalid = errors.New("outbox message is invalid")
	// ErrReconciliationQueueClosed очередь сверки закрыта.
	ErrReconciliationQueueClosed = errors.New("reconciliation queue is closed")

	// ErrIdempotencyKeyRequired пустой ключ идемпотентности.
	ErrIdempotencyKeyRequired = errors.New("idempotency key is required")
	// ErrIdempotencyRequestHashRequired пустой hash запроса.
	ErrIdempotencyRequestHashRequired = errors.New("idempotency request hash is required")
	// ErrIdempotencyKeyAlreadyExists ключ уже использован тем же запросом.
	ErrIdempotencyKeyAlreadyExists = errors.New("idempotency key already exists")
	// ErrIdempotencyHashMismatch ключ уже использован с другим телом запроса.
	ErrIdempotencyHashMismatch = errors.New("idempotency key reused with different request")
	// ErrIdempotencyKeyNotFound записи для ключа нет.
	ErrIdempotencyKeyNotFound = errors.New("idempotency key not found")
	// ErrIdempotencyKeyCompleted ключ уже указывает на оформленный заказ и не перезаписывается.
	ErrIdempotencyKeyCompleted = errors.New("idempotency key already completed")
	// ErrIdempotencyStatusInvalid запись можно завершить только статусом done или failed.
	ErrIdempotencyStatusInvalid = errors.New("idempotency status is invalid")
)

// InsufficientStockError описывает нехватку остатка по конкретному товару.
type InsufficientStockError struct {
	ProductID string
	Requested int64
	Available int64
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for product %s: requested %d, available %d", e.ProductID, e.Requested, e.Available)
}

// Unwrap позволяет сравнивать через errors.Is(err, ErrInsufficientStock).
func (e *InsufficientStockError) Unwrap() error {
	return ErrInsufficientStock
}

// IsVersionConflict проверяет, является ли ошибка конфликтом версий.
func IsVersionConflict(err error) bool {
	return errors.Is(err, ErrOrderVersionConflict)
}

// IsIdempotencyConflict проверяет, что ключ уже занят (тем же или другим запросом).
func IsIdempotencyConflict(err error) bool {
	return errors.Is(err, ErrIdempotencyKeyAlreadyExists) || errors.Is(err, ErrIdempotencyHashMismatch)
}

// AsInsufficientStock извлекает подробности о нехватке остатка.
func AsInsufficientStock(err error) (*InsufficientStockError, bool) {
	var stockErr *InsufficientStockError
	if errors.As(err, &stockErr) {
		return stockErr, true
	}
	return nil, false
}
