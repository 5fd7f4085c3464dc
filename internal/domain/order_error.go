package domain

import (
	"errors"
	"fmt"
)

// ErrorKind машиночитаемый вид ошибки, который видит клиент API.
type ErrorKind string

const (
	KindEmptyCart           ErrorKind = "EmptyCart"
	KindInvalidRequest      ErrorKind = "InvalidRequest"
	KindProductUnavailable  ErrorKind = "ProductUnavailable"
	KindInsufficientStock   ErrorKind = "InsufficientStock"
	KindPersistenceFailed   ErrorKind = "PersistenceFailed"
	KindOrderNotFound       ErrorKind = "OrderNotFound"
	KindProductNotFound     ErrorKind = "ProductNotFound"
	KindInvalidStatus       ErrorKind = "InvalidStatus"
	KindInvalidTransition   ErrorKind = "InvalidTransition"
	KindConflict            ErrorKind = "Conflict"
	KindIdempotencyConflict ErrorKind = "IdempotencyConflict"
	KindInProgress          ErrorKind = "InProgress"
	KindInternal            ErrorKind = "Internal"
)

// OrderError структурированная ошибка операций с заказом.
// Для InsufficientStock дополнительно заполнены ProductID, Requested, Available.
type OrderError struct {
	Kind      ErrorKind `json:"kind"`
	Message   string    `json:"message"`
	ProductID string    `json:"product_id,omitempty"`
	Requested int64     `json:"requested,omitempty"`
	Available int64     `json:"available,omitempty"`

	err error
}

// NewOrderError оборачивает причину в ошибку заданного вида.
func NewOrderError(kind ErrorKind, cause error) *OrderError {
	e := &OrderError{Kind: kind, err: cause}
	if cause != nil {
		e.Message = cause.Error()
	}
	if stockErr, ok := AsInsufficientStock(cause); ok {
		e.ProductID = stockErr.ProductID
		e.Requested = stockErr.Requested
		e.Available = stockErr.Available
	}
	return e
}

// Errorf создаёт ошибку заданного вида с форматированным сообщением.
func Errorf(kind ErrorKind, format string, args ...any) *OrderError {
	cause := fmt.Errorf(format, args...)
	return &OrderError{Kind: kind, Message: cause.Error(), err: errors.Unwrap(cause)}
}

func (e *OrderError) Error() string {
	if e.Message == "" {
		return string(e.Kind)
	}
	return string(e.Kind) + ": " + e.Message
}

func (e *OrderError) Unwrap() error {
	return e.err
}

// KindOf классифицирует произвольную ошибку. Неизвестные ошибки считаются Internal.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}

	var orderErr *OrderError
	if errors.As(err, &orderErr) {
		return orderErr.Kind
	}

	switch {
	case errors.Is(err, ErrItemsRequired):
		return KindEmptyCart
	case errors.Is(err, ErrInsufficientStock):
		return KindInsufficientStock
	case errors.Is(err, ErrProductNotFound):
		return KindProductNotFound
	case errors.Is(err, ErrOrderNotFound):
		return KindOrderNotFound
	case errors.Is(err, ErrInvalidStatus):
		return KindInvalidStatus
	case errors.Is(err, ErrInvalidTransition), errors.Is(err, ErrOrderImmutable):
		return KindInvalidTransition
	case errors.Is(err, ErrOrderVersionConflict), errors.Is(err, ErrOrderAlreadyExists), errors.Is(err, ErrProductAlreadyExists):
		return KindConflict
	case errors.Is(err, ErrIdempotencyHashMismatch):
		return KindIdempotencyConflict
	case errors.Is(err, ErrUserRequired),
		errors.Is(err, ErrQuantityInvalid),
		errors.Is(err, ErrPriceInvalid),
		errors.Is(err, ErrProductIDRequired),
		errors.Is(err, ErrProductNameRequired),
		errors.Is(err, ErrPaymentMethodInvalid),
		errors.Is(err, ErrAddressIncomplete),
		errors.Is(err, ErrCurrencyRequired):
		return KindInvalidRequest
	default:
		return KindInternal
	}
}
