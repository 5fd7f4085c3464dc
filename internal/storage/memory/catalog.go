package memory

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

// Catalog хранит товары и их остатки в памяти.
// Каталог и складской журнал делят одну таблицу, как и в SQL-хранилищах.
type Catalog struct {
	mu       sync.RWMutex
	products map[string]domain.Product
	slugs    map[string]string
}

// NewCatalog создаёт пустой in-memory каталог.
func NewCatalog() *Catalog {
	return &Catalog{
		products: make(map[string]domain.Product),
		slugs:    make(map[string]string),
	}
}

// CreateProduct сохраняет товар; id и slug должны быть уникальны.
func (c *Catalog) CreateProduct(_ context.Context, product domain.Product) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.products[product.ID]; exists {
		return fmt.Errorf("%w: id %s", domain.ErrProductAlreadyExists, product.ID)
	}
	if product.Slug != "" {
		if _, exists := c.slugs[product.Slug]; exists {
			return fmt.Errorf("%w: slug %s", domain.ErrProductAlreadyExists, product.Slug)
		}
		c.slugs[product.Slug] = product.ID
	}
	c.products[product.ID] = product
	return nil
}

// GetProduct возвращает актуальное состояние товара.
func (c *Catalog) GetProduct(_ context.Context, id string) (domain.Product, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	product, ok := c.products[strings.TrimSpace(id)]
	if !ok {
		return domain.Product{}, domain.ErrProductNotFound
	}
	return product, nil
}

// SlugExists проверяет, занят ли slug.
func (c *Catalog) SlugExists(_ context.Context, slug string) (bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	_, ok := c.slugs[slug]
	return ok, nil
}

// Reserve списывает остаток под одной блокировкой: проверка и списание неделимы.
func (c *Catalog) Reserve(_ context.Context, productID string, quantity int64) error {
	if quantity <= 0 {
		return domain.ErrQuantityInvalid
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	product, ok := c.products[productID]
	if !ok {
		return domain.ErrProductNotFound
	}
	if !product.Inventory.TrackQuantity {
		return nil
	}
	if !product.Inventory.CanReserve(quantity) {
		return &domain.InsufficientStockError{
			ProductID: productID,
			Requested: quantity,
			Available: product.Inventory.Quantity,
		}
	}

	next, err := domain.ShiftQuantity(product.Inventory.Quantity, -quantity)
	if err != nil {
		return err
	}
	product.Inventory.Quantity = next
	product.UpdatedAt = time.Now().UTC()
	c.products[productID] = product
	return nil
}

// Release возвращает остаток на склад.
func (c *Catalog) Release(_ context.Context, productID string, quantity int64) error {
	if quantity <= 0 {
		return domain.ErrQuantityInvalid
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	product, ok := c.products[productID]
	if !ok {
		return domain.ErrProductNotFound
	}
	if !product.Inventory.TrackQuantity {
		return nil
	}

	next, err := domain.ShiftQuantity(product.Inventory.Quantity, quantity)
	if err != nil {
		return err
	}
	product.Inventory.Quantity = next
	product.UpdatedAt = time.Now().UTC()
	c.products[productID] = product
	return nil
}

// Adjust применяет поступление (delta > 0) или списание (delta < 0).
// Списание ниже нуля запрещено, если товар не допускает предзаказ.
func (c *Catalog) Adjust(_ context.Context, productID string, delta int64) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	product, ok := c.products[productID]
	if !ok {
		return 0, domain.ErrProductNotFound
	}

	next, err := domain.ShiftQuantity(product.Inventory.Quantity, delta)
	if err != nil {
		return product.Inventory.Quantity, err
	}
	if delta < 0 && next < 0 && product.Inventory.TrackQuantity && !product.Inventory.AllowBackorder {
		return product.Inventory.Quantity, &domain.InsufficientStockError{
			ProductID: productID,
			Requested: -delta,
			Available: product.Inventory.Quantity,
		}
	}

	product.Inventory.Quantity = next
	product.UpdatedAt = time.Now().UTC()
	c.products[productID] = product
	return next, nil
}

var (
	_ domain.CatalogAdmin    = (*Catalog)(nil)
	_ domain.InventoryLedger = (*Catalog)(nil)
)
