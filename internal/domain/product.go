package domain

import (
	"fmt"
	"math"
	"regexp"
	"strings"
	"time"
)

// Inventory складские настройки товара.
type Inventory struct {
	// Quantity остаток на складе; учитывается только при TrackQuantity.
	Quantity       int64
	TrackQuantity  bool
	AllowBackorder bool
}

// ShiftQuantity возвращает остаток после изменения на delta или ErrQuantityOverflow.
func ShiftQuantity(current, delta int64) (int64, error) {
	if (delta > 0 && current > math.MaxInt64-delta) || (delta < 0 && current < math.MinInt64-delta) {
		return current, fmt.Errorf("%w: %d%+d", ErrQuantityOverflow, current, delta)
	}
	return current + delta, nil
}

// Product товар каталога с актуальной ценой и остатком.
type Product struct {
	ID         string
	Name       string
	SKU        string
	Slug       string
	Image      string
	PriceMinor int64
	Active     bool
	Inventory  Inventory
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Validate проверяет обязательные поля товара.
func (p *Product) Validate() []error {
	var errs []error

	if strings.TrimSpace(p.ID) == "" {
		errs = append(errs, ErrProductIDRequired)
	}
	if strings.TrimSpace(p.Name) == "" {
		errs = append(errs, ErrProductNameRequired)
	}
	if p.PriceMinor < 0 {
		errs = append(errs, ErrPriceInvalid)
	}
	if p.Inventory.TrackQuantity && !p.Inventory.AllowBackorder && p.Inventory.Quantity < 0 {
		errs = append(errs, ErrQuantityInvalid)
	}

	return errs
}

// CanReserve проверяет, хватает ли остатка без изменения состояния.
// Хранилища выполняют ту же проверку атомарно; метод нужен in-memory реализации и тестам.
func (inv Inventory) CanReserve(quantity int64) bool {
	if !inv.TrackQuantity || inv.AllowBackorder {
		return true
	}
	return inv.Quantity >= quantity
}

var (
	slugNonWord    = regexp.MustCompile(`[^\w-]+`)
	slugWhitespace = regexp.MustCompile(`\s+`)
	slugDashes     = regexp.MustCompile(`-{2,}`)
)

// Slugify строит URL-slug из названия товара: "  Red  Shoes! " -> "red-shoes".
func Slugify(name string) string {
	slug := strings.ToLower(strings.TrimSpace(name))
	slug = slugWhitespace.ReplaceAllString(slug, "-")
	slug = slugNonWord.ReplaceAllString(slug, "")
	slug = slugDashes.ReplaceAllString(slug, "-")
	return strings.Trim(slug, "-")
}
