package domain

import (
	"fmt"
	"strings"
	"time"
)

// OrderStatus описывает жизненный цикл заказа.
type OrderStatus string

const (
	// OrderStatusPending заказ создан, остатки зарезервированы.
	OrderStatusPending OrderStatus = "pending"
	// OrderStatusConfirmed заказ подтверждён магазином.
	OrderStatusConfirmed OrderStatus = "confirmed"
	// OrderStatusProcessing заказ собирается.
	OrderStatusProcessing OrderStatus = "processing"
	// OrderStatusShipped заказ передан в доставку, отмена больше невозможна.
	OrderStatusShipped OrderStatus = "shipped"
	// OrderStatusDelivered заказ получен покупателем.
	OrderStatusDelivered OrderStatus = "delivered"
	// OrderStatusCancelled заказ отменён до отгрузки.
	OrderStatusCancelled OrderStatus = "cancelled"
	// OrderStatusRefunded деньги по заказу возвращены.
	OrderStatusRefunded OrderStatus = "refunded"
)

// orderTransitions допустимые переходы. Повторно войти в пройденный статус нельзя.
var orderTransitions = map[OrderStatus][]OrderStatus{
	OrderStatusPending:    {OrderStatusConfirmed, OrderStatusCancelled},
	OrderStatusConfirmed:  {OrderStatusProcessing, OrderStatusCancelled},
	OrderStatusProcessing: {OrderStatusShipped, OrderStatusCancelled},
	OrderStatusShipped:    {OrderStatusDelivered},
	OrderStatusDelivered:  {OrderStatusRefunded},
	OrderStatusCancelled:  {OrderStatusRefunded},
}

// ParseOrderStatus нормализует строку и проверяет, что статус известен.
func ParseOrderStatus(raw string) (OrderStatus, error) {
	status := OrderStatus(strings.ToLower(strings.TrimSpace(raw)))
	if !status.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidStatus, raw)
	}
	return status, nil
}

// Valid проверяет, что статус относится к поддерживаемым значениям.
func (s OrderStatus) Valid() bool {
	switch s {
	case OrderStatusPending, OrderStatusConfirmed, OrderStatusProcessing, OrderStatusShipped,
		OrderStatusDelivered, OrderStatusCancelled, OrderStatusRefunded:
		return true
	default:
		return false
	}
}

// IsTerminal сообщает, что позиции и суммы заказа больше менять нельзя.
func (s OrderStatus) IsTerminal() bool {
	return s == OrderStatusDelivered || s == OrderStatusCancelled || s == OrderStatusRefunded
}

// Cancellable отмена возможна только до отгрузки.
func (s OrderStatus) Cancellable() bool {
	return s.CanTransitionTo(OrderStatusCancelled)
}

// CanTransitionTo проверяет переход по автомату статусов.
func (s OrderStatus) CanTransitionTo(next OrderStatus) bool {
	for _, allowed := range orderTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// PaymentStatus описывает состояние оплаты заказа.
type PaymentStatus string

const (
	PaymentStatusPending  PaymentStatus = "pending"
	PaymentStatusPaid     PaymentStatus = "paid"
	PaymentStatusFailed   PaymentStatus = "failed"
	PaymentStatusRefunded PaymentStatus = "refunded"
)

// PaymentMethod способ оплаты, выбранный при оформлении.
type PaymentMethod string

const (
	PaymentMethodCreditCard PaymentMethod = "credit_card"
	PaymentMethodPayPal     PaymentMethod = "paypal"
)

// ParsePaymentMethod проверяет способ оплаты.
func ParsePaymentMethod(raw string) (PaymentMethod, error) {
	method := PaymentMethod(strings.ToLower(strings.TrimSpace(raw)))
	switch method {
	case PaymentMethodCreditCard, PaymentMethodPayPal:
		return method, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrPaymentMethodInvalid, raw)
	}
}

// MaxLineQuantity верхняя граница количества в одной позиции.
const MaxLineQuantity = 10_000

// OrderItem позиция заказа со снимком цены на момент оформления.
type OrderItem struct {
	ProductID string
	Name      string
	SKU       string
	Image     string
	Quantity  int64
	// UnitPriceMinor цена за единицу в центах, зафиксированная при оформлении.
	UnitPriceMinor int64
	LineTotalMinor int64
}

// Order агрегирует состояние заказа и его позиции.
type Order struct {
	ID          string
	OrderNumber string
	UserID      string
	Items       []OrderItem
	Currency    string

	SubtotalMinor int64
	TaxMinor      int64
	ShippingMinor int64
	TotalMinor    int64

	Status          OrderStatus
	PaymentStatus   PaymentStatus
	PaymentMethod   PaymentMethod
	ShippingAddress Address
	BillingAddress  Address
	TrackingNumber  string
	Notes           string

	// IdempotencyKey клиентский ключ; пара (UserID, IdempotencyKey) уникальна.
	IdempotencyKey string
	// InventoryReleased выставляется один раз при отмене, чтобы не вернуть остаток дважды.
	InventoryReleased bool

	Version     int64
	CreatedAt   time.Time
	UpdatedAt   time.Time
	DeliveredAt *time.Time
	CancelledAt *time.Time
}

// ValidateInvariants проверяет базовые инварианты заказа и возвращает список замечаний.
func (o *Order) ValidateInvariants() []error {
	var errs []error

	if o.UserID == "" {
		errs = append(errs, ErrUserRequired)
	}
	if o.Currency == "" {
		errs = append(errs, ErrCurrencyRequired)
	}
	if len(o.Items) == 0 {
		errs = append(errs, ErrItemsRequired)
	}
	if !o.Status.Valid() {
		errs = append(errs, ErrInvalidStatus)
	}

	var subtotal int64
	for _, item := range o.Items {
		if item.ProductID == "" {
			errs = append(errs, ErrProductIDRequired)
		}
		if item.Quantity <= 0 {
			errs = append(errs, ErrQuantityInvalid)
		}
		if item.UnitPriceMinor < 0 {
			errs = append(errs, ErrPriceInvalid)
		}
		subtotal += item.Quantity * item.UnitPriceMinor
	}
	if subtotal != o.SubtotalMinor {
		errs = append(errs, ErrSubtotalMismatch)
	}
	if o.SubtotalMinor+o.TaxMinor+o.ShippingMinor != o.TotalMinor {
		errs = append(errs, ErrTotalMismatch)
	}

	return errs
}

// StatusChange запрос администратора на смену статуса или аннотацию заказа.
type StatusChange struct {
	Status         OrderStatus
	TrackingNumber *string
	Notes          *string
}

// ApplyStatusChange проверяет переход и применяет его к заказу.
// Позиции и суммы не трогаются никогда; статус, равный текущему, означает только аннотацию.
func (o *Order) ApplyStatusChange(change StatusChange, now time.Time) (transitioned bool, err error) {
	if !change.Status.Valid() {
		return false, fmt.Errorf("%w: %q", ErrInvalidStatus, change.Status)
	}

	if change.Status != o.Status {
		if !o.Status.CanTransitionTo(change.Status) {
			return false, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, o.Status, change.Status)
		}
		o.Status = change.Status
		transitioned = true

		switch change.Status {
		case OrderStatusDelivered:
			o.DeliveredAt = timePtr(now)
		case OrderStatusCancelled:
			o.CancelledAt = timePtr(now)
		case OrderStatusRefunded:
			o.PaymentStatus = PaymentStatusRefunded
		}
	}

	if change.TrackingNumber != nil {
		o.TrackingNumber = strings.TrimSpace(*change.TrackingNumber)
	}
	if change.Notes != nil {
		o.Notes = strings.TrimSpace(*change.Notes)
	}
	o.UpdatedAt = now

	return transitioned, nil
}

// OwnedBy проверяет владельца заказа.
func (o *Order) OwnedBy(userID string) bool {
	return userID != "" && o.UserID == userID
}

// Clone возвращает копию заказа без общих слайсов и указателей.
func (o Order) Clone() Order {
	dst := o
	dst.Items = append([]OrderItem(nil), o.Items...)
	if o.DeliveredAt != nil {
		dst.DeliveredAt = timePtr(*o.DeliveredAt)
	}
	if o.CancelledAt != nil {
		dst.CancelledAt = timePtr(*o.CancelledAt)
	}
	return dst
}

func timePtr(t time.Time) *time.Time {
	return &t
}
