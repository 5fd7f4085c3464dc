// Package api содержит JSON-представления, общие для REST и gRPC.
// Суммы передаются строками с двумя знаками после точки.
package api

import (
	"fmt"
	"strings"
	"time"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
	"github.com/vladislavdragonenkov/storefront/internal/pricing"
	"github.com/vladislavdragonenkov/storefront/internal/service/catalog"
	"github.com/vladislavdragonenkov/storefront/internal/service/ordering"
)

// OrderItem позиция заказа в ответе.
type OrderItem struct {
	ProductID string `json:"productId"`
	Name      string `json:"name"`
	SKU       string `json:"sku,omitempty"`
	Image     string `json:"image,omitempty"`
	Quantity  int64  `json:"quantity"`
	UnitPrice string `json:"unitPrice"`
	LineTotal string `json:"lineTotal"`
}

// Order заказ в ответе API.
type Order struct {
	ID              string         `json:"id"`
	OrderNumber     string         `json:"orderNumber"`
	UserID          string         `json:"userId"`
	Items           []OrderItem    `json:"items"`
	Currency        string         `json:"currency"`
	Subtotal        string         `json:"subtotal"`
	Tax             string         `json:"tax"`
	Shipping        string         `json:"shipping"`
	Total           string         `json:"total"`
	Status          string         `json:"status"`
	PaymentStatus   string         `json:"paymentStatus"`
	PaymentMethod   string         `json:"paymentMethod"`
	ShippingAddress domain.Address `json:"shippingAddress"`
	BillingAddress  domain.Address `json:"billingAddress"`
	TrackingNumber  string         `json:"trackingNumber,omitempty"`
	Notes           string         `json:"notes,omitempty"`
	Version         int64          `json:"version"`
	CreatedAt       time.Time      `json:"createdAt"`
	UpdatedAt       time.Time      `json:"updatedAt"`
	DeliveredAt     *time.Time     `json:"deliveredAt,omitempty"`
	CancelledAt     *time.Time     `json:"cancelledAt,omitempty"`
}

// TimelineEvent запись истории заказа.
type TimelineEvent struct {
	Type     string    `json:"type"`
	Reason   string    `json:"reason,omitempty"`
	Occurred time.Time `json:"occurred"`
}

// OrderDetails заказ вместе с историей.
type OrderDetails struct {
	Order
	Timeline []TimelineEvent `json:"timeline"`
}

// OrderPage страница списка заказов.
type OrderPage struct {
	Orders      []Order `json:"orders"`
	Total       int     `json:"total"`
	TotalPages  int     `json:"totalPages"`
	CurrentPage int     `json:"currentPage"`
}

// Inventory складские параметры товара.
type Inventory struct {
	Quantity       int64 `json:"quantity"`
	TrackQuantity  bool  `json:"trackQuantity"`
	AllowBackorder bool  `json:"allowBackorder"`
}

// Product товар каталога.
type Product struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	SKU       string    `json:"sku,omitempty"`
	Slug      string    `json:"slug"`
	Image     string    `json:"image,omitempty"`
	Price     string    `json:"price"`
	Active    bool      `json:"active"`
	Inventory Inventory `json:"inventory"`
}

// LineRequest позиция корзины в запросе.
type LineRequest struct {
	ProductID string `json:"productId"`
	Quantity  int64  `json:"quantity"`
}

// PlaceOrderRequest тело POST /api/orders.
type PlaceOrderRequest struct {
	Items           []LineRequest   `json:"items"`
	ShippingAddress domain.Address  `json:"shippingAddress"`
	BillingAddress  *domain.Address `json:"billingAddress,omitempty"`
	PaymentMethod   string          `json:"paymentMethod"`
	Notes           string          `json:"notes,omitempty"`
}

// CancelOrderRequest тело запроса отмены.
type CancelOrderRequest struct {
	Reason string `json:"reason,omitempty"`
}

// UpdateStatusRequest тело запроса смены статуса администратором.
type UpdateStatusRequest struct {
	Status         string  `json:"status"`
	TrackingNumber *string `json:"trackingNumber,omitempty"`
	Notes          *string `json:"notes,omitempty"`
}

// CreateProductRequest тело запроса создания товара.
type CreateProductRequest struct {
	ID        string    `json:"id,omitempty"`
	Name      string    `json:"name"`
	SKU       string    `json:"sku,omitempty"`
	Image     string    `json:"image,omitempty"`
	Price     string    `json:"price"`
	Active    *bool     `json:"active,omitempty"`
	Inventory Inventory `json:"inventory"`
}

// AdjustStockRequest изменение остатка со знаком.
type AdjustStockRequest struct {
	Delta int64 `json:"delta"`
}

// ToCommand собирает команду оформления. Пользователь и ключ идемпотентности приходят из заголовков.
func (r PlaceOrderRequest) ToCommand(userID, idempotencyKey string) ordering.PlaceOrderCommand {
	items := make([]ordering.LineRequest, 0, len(r.Items))
	for _, item := range r.Items {
		items = append(items, ordering.LineRequest{ProductID: item.ProductID, Quantity: item.Quantity})
	}
	cmd := ordering.PlaceOrderCommand{
		UserID:          userID,
		Items:           items,
		ShippingAddress: r.ShippingAddress,
		PaymentMethod:   r.PaymentMethod,
		Notes:           r.Notes,
		IdempotencyKey:  idempotencyKey,
	}
	if r.BillingAddress != nil {
		cmd.BillingAddress = *r.BillingAddress
	}
	return cmd
}

// ToStatusChange переводит запрос в доменную команду. Неизвестный статус отклоняется сервисом.
func (r UpdateStatusRequest) ToStatusChange() domain.StatusChange {
	return domain.StatusChange{
		Status:         domain.OrderStatus(strings.TrimSpace(r.Status)),
		TrackingNumber: r.TrackingNumber,
		Notes:          r.Notes,
	}
}

// ToCommand разбирает цену и собирает команду каталога.
func (r CreateProductRequest) ToCommand() (catalog.CreateProductCommand, error) {
	price, err := pricing.ParseMinor(r.Price)
	if err != nil {
		return catalog.CreateProductCommand{}, domain.NewOrderError(domain.KindInvalidRequest, fmt.Errorf("price: %w", err))
	}
	return catalog.CreateProductCommand{
		ID:         r.ID,
		Name:       r.Name,
		SKU:        r.SKU,
		Image:      r.Image,
		PriceMinor: price,
		Active:     r.Active,
		Inventory: domain.Inventory{
			Quantity:       r.Inventory.Quantity,
			TrackQuantity:  r.Inventory.TrackQuantity,
			AllowBackorder: r.Inventory.AllowBackorder,
		},
	}, nil
}

// FromOrder строит представление заказа.
func FromOrder(order domain.Order) Order {
	items := make([]OrderItem, 0, len(order.Items))
	for _, item := range order.Items {
		items = append(items, OrderItem{
			ProductID: item.ProductID,
			Name:      item.Name,
			SKU:       item.SKU,
			Image:     item.Image,
			Quantity:  item.Quantity,
			UnitPrice: pricing.FormatMinor(item.UnitPriceMinor),
			LineTotal: pricing.FormatMinor(item.LineTotalMinor),
		})
	}
	return Order{
		ID:              order.ID,
		OrderNumber:     order.OrderNumber,
		UserID:          order.UserID,
		Items:           items,
		Currency:        order.Currency,
		Subtotal:        pricing.FormatMinor(order.SubtotalMinor),
		Tax:             pricing.FormatMinor(order.TaxMinor),
		Shipping:        pricing.FormatMinor(order.ShippingMinor),
		Total:           pricing.FormatMinor(order.TotalMinor),
		Status:          string(order.Status),
		PaymentStatus:   string(order.PaymentStatus),
		PaymentMethod:   string(order.PaymentMethod),
		ShippingAddress: order.ShippingAddress,
		BillingAddress:  order.BillingAddress,
		TrackingNumber:  order.TrackingNumber,
		Notes:           order.Notes,
		Version:         order.Version,
		CreatedAt:       order.CreatedAt,
		UpdatedAt:       order.UpdatedAt,
		DeliveredAt:     order.DeliveredAt,
		CancelledAt:     order.CancelledAt,
	}
}

// FromDetails добавляет к заказу историю.
func FromDetails(details ordering.OrderDetails) OrderDetails {
	timeline := make([]TimelineEvent, 0, len(details.Timeline))
	for _, event := range details.Timeline {
		timeline = append(timeline, TimelineEvent{Type: event.Type, Reason: event.Reason, Occurred: event.Occurred})
	}
	return OrderDetails{Order: FromOrder(details.Order), Timeline: timeline}
}

// FromPage строит страницу списка.
func FromPage(page domain.OrderPage) OrderPage {
	orders := make([]Order, 0, len(page.Orders))
	for _, order := range page.Orders {
		orders = append(orders, FromOrder(order))
	}
	return OrderPage{
		Orders:      orders,
		Total:       page.Total,
		TotalPages:  page.TotalPages,
		CurrentPage: page.CurrentPage,
	}
}

// FromProduct строит представление товара.
func FromProduct(product domain.Product) Product {
	return Product{
		ID:     product.ID,
		Name:   product.Name,
		SKU:    product.SKU,
		Slug:   product.Slug,
		Image:  product.Image,
		Price:  pricing.FormatMinor(product.PriceMinor),
		Active: product.Active,
		Inventory: Inventory{
			Quantity:       product.Inventory.Quantity,
			TrackQuantity:  product.Inventory.TrackQuantity,
			AllowBackorder: product.Inventory.AllowBackorder,
		},
	}
}
