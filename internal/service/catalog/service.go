// Package catalog управляет товарами витрины: создание, чтение и корректировка остатков.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

// maxSlugAttempts ограничивает перебор суффиксов slug-2, slug-3, ...
const maxSlugAttempts = 50

// CreateProductCommand данные нового товара. Slug строится из названия.
type CreateProductCommand struct {
	ID         string           `json:"id,omitempty"`
	Name       string           `json:"name"`
	SKU        string           `json:"sku,omitempty"`
	Image      string           `json:"image,omitempty"`
	PriceMinor int64            `json:"price_minor"`
	Active     *bool            `json:"active,omitempty"`
	Inventory  domain.Inventory `json:"inventory"`
}

// Service операции администратора над каталогом.
type Service struct {
	catalog domain.CatalogAdmin
	ledger  domain.InventoryLedger
	logger  *log.Entry
	now     func() time.Time
}

// NewService создаёт сервис каталога.
func NewService(catalog domain.CatalogAdmin, ledger domain.InventoryLedger, logger *log.Entry) *Service {
	if logger == nil {
		logger = log.WithField("component", "catalog")
	}
	return &Service{
		catalog: catalog,
		ledger:  ledger,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// CreateProduct сохраняет товар с уникальным slug.
// При занятом slug добавляется числовой суффикс.
func (s *Service) CreateProduct(ctx context.Context, cmd CreateProductCommand) (domain.Product, error) {
	now := s.now()
	product := domain.Product{
		ID:         strings.TrimSpace(cmd.ID),
		Name:       strings.TrimSpace(cmd.Name),
		SKU:        strings.TrimSpace(cmd.SKU),
		Image:      strings.TrimSpace(cmd.Image),
		PriceMinor: cmd.PriceMinor,
		Active:     true,
		Inventory:  cmd.Inventory,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if product.ID == "" {
		product.ID = uuid.NewString()
	}
	if cmd.Active != nil {
		product.Active = *cmd.Active
	}
	if errs := product.Validate(); len(errs) > 0 {
		return domain.Product{}, domain.NewOrderError(domain.KindInvalidRequest, errors.Join(errs...))
	}

	base := domain.Slugify(product.Name)
	if base == "" {
		base = strings.ToLower(product.ID)
	}

	for attempt := 1; attempt <= maxSlugAttempts; attempt++ {
		slug := base
		if attempt > 1 {
			slug = fmt.Sprintf("%s-%d", base, attempt)
		}
		taken, err := s.catalog.SlugExists(ctx, slug)
		if err != nil {
			return domain.Product{}, domain.NewOrderError(domain.KindInternal, err)
		}
		if taken {
			continue
		}

		product.Slug = slug
		err = s.catalog.CreateProduct(ctx, product)
		if err == nil {
			s.logger.WithFields(log.Fields{
				"product_id": product.ID,
				"slug":       product.Slug,
			}).Info("product created")
			return product, nil
		}
		if !errors.Is(err, domain.ErrProductAlreadyExists) {
			return domain.Product{}, domain.NewOrderError(domain.KindInternal, err)
		}
		// Занят id или slug ушёл параллельному запросу.
		if exists, getErr := s.catalog.GetProduct(ctx, product.ID); getErr == nil && exists.ID != "" {
			return domain.Product{}, domain.NewOrderError(domain.KindConflict, err)
		}
	}

	return domain.Product{}, domain.Errorf(domain.KindConflict, "%w: no free slug for %q", domain.ErrProductAlreadyExists, base)
}

// GetProduct возвращает товар с актуальным остатком.
func (s *Service) GetProduct(ctx context.Context, id string) (domain.Product, error) {
	product, err := s.catalog.GetProduct(ctx, strings.TrimSpace(id))
	if err != nil {
		if errors.Is(err, domain.ErrProductNotFound) {
			return domain.Product{}, domain.NewOrderError(domain.KindProductNotFound, err)
		}
		return domain.Product{}, domain.NewOrderError(domain.KindInternal, err)
	}
	return product, nil
}

// AdjustStock проводит поступление или списание через складской журнал.
func (s *Service) AdjustStock(ctx context.Context, id string, delta int64) (domain.Product, error) {
	id = strings.TrimSpace(id)
	if delta == 0 {
		return domain.Product{}, domain.Errorf(domain.KindInvalidRequest, "stock delta must not be zero")
	}

	quantity, err := s.ledger.Adjust(ctx, id, delta)
	switch {
	case err == nil:
	case errors.Is(err, domain.ErrProductNotFound):
		return domain.Product{}, domain.NewOrderError(domain.KindProductNotFound, err)
	case errors.Is(err, domain.ErrInsufficientStock):
		return domain.Product{}, domain.NewOrderError(domain.KindInsufficientStock, err)
	case errors.Is(err, domain.ErrQuantityOverflow):
		return domain.Product{}, domain.NewOrderError(domain.KindInvalidRequest, err)
	default:
		return domain.Product{}, domain.NewOrderError(domain.KindInternal, err)
	}

	s.logger.WithFields(log.Fields{
		"product_id": id,
		"delta":      delta,
		"quantity":   quantity,
	}).Info("stock adjusted")

	return s.GetProduct(ctx, id)
}
