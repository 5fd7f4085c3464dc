package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

// Catalog PostgreSQL-реализация каталога и складского журнала.
// Остаток хранится в строке товара, поэтому резерв — один условный UPDATE.
type Catalog struct {
	db *sql.DB
}

// NewCatalog создаёт каталог поверх Store.
func NewCatalog(store *Store) *Catalog {
	return &Catalog{db: store.DB()}
}

const selectProductSQL = `
	SELECT id, name, sku, slug, image, price_minor, active,
	       quantity, track_quantity, allow_backorder, created_at, updated_at
	FROM products
	WHERE id = $1
`

func (c *Catalog) CreateProduct(ctx context.Context, product domain.Product) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	_, err := c.db.ExecContext(ctx, `
		INSERT INTO products (
			id, name, sku, slug, image, price_minor, active,
			quantity, track_quantity, allow_backorder, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
	`,
		product.ID, product.Name, product.SKU, product.Slug, product.Image, product.PriceMinor, product.Active,
		product.Inventory.Quantity, product.Inventory.TrackQuantity, product.Inventory.AllowBackorder,
		product.CreatedAt, product.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s", domain.ErrProductAlreadyExists, product.ID)
		}
		return fmt.Errorf("insert product: %w", err)
	}
	return nil
}

func (c *Catalog) GetProduct(ctx context.Context, id string) (domain.Product, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var p domain.Product
	err := c.db.QueryRowContext(ctx, selectProductSQL, id).Scan(
		&p.ID, &p.Name, &p.SKU, &p.Slug, &p.Image, &p.PriceMinor, &p.Active,
		&p.Inventory.Quantity, &p.Inventory.TrackQuantity, &p.Inventory.AllowBackorder,
		&p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Product{}, domain.ErrProductNotFound
		}
		return domain.Product{}, fmt.Errorf("select product: %w", err)
	}
	return p, nil
}

func (c *Catalog) SlugExists(ctx context.Context, slug string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var exists bool
	if err := c.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM products WHERE slug = $1)`, slug).Scan(&exists); err != nil {
		return false, fmt.Errorf("check slug: %w", err)
	}
	return exists, nil
}

// Reserve списывает остаток одним условным UPDATE; параллельные резервы сериализуются блокировкой строки.
func (c *Catalog) Reserve(ctx context.Context, productID string, quantity int64) error {
	if quantity <= 0 {
		return domain.ErrQuantityInvalid
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	res, err := c.db.ExecContext(ctx, `
		UPDATE products
		SET quantity = CASE WHEN track_quantity THEN quantity - $2 ELSE quantity END,
		    updated_at = $3
		WHERE id = $1
		  AND (NOT track_quantity OR allow_backorder OR quantity >= $2)
	`, productID, quantity, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("%w: reserve %s: %v", domain.ErrInventoryTemporary, productID, err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("reserve rows affected: %w", err)
	}
	if affected == 1 {
		return nil
	}

	available, err := c.quantity(ctx, productID)
	if err != nil {
		return err
	}
	return &domain.InsufficientStockError{ProductID: productID, Requested: quantity, Available: available}
}

func (c *Catalog) Release(ctx context.Context, productID string, quantity int64) error {
	if quantity <= 0 {
		return domain.ErrQuantityInvalid
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	res, err := c.db.ExecContext(ctx, `
		UPDATE products
		SET quantity = CASE WHEN track_quantity THEN quantity + $2 ELSE quantity END,
		    updated_at = $3
		WHERE id = $1
	`, productID, quantity, time.Now().UTC())
	if isNumericOutOfRange(err) {
		return fmt.Errorf("%w: release %d of %s", domain.ErrQuantityOverflow, quantity, productID)
	}
	if err != nil {
		return fmt.Errorf("%w: release %s: %v", domain.ErrInventoryTemporary, productID, err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("release rows affected: %w", err)
	}
	if affected == 0 {
		return domain.ErrProductNotFound
	}
	return nil
}

func (c *Catalog) Adjust(ctx context.Context, productID string, delta int64) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var next int64
	err := c.db.QueryRowContext(ctx, `
		UPDATE products
		SET quantity = quantity + $2,
		    updated_at = $3
		WHERE id = $1
		  AND ($2 >= 0 OR NOT track_quantity OR allow_backorder OR quantity + $2 >= 0)
		RETURNING quantity
	`, productID, delta, time.Now().UTC()).Scan(&next)
	if err == nil {
		return next, nil
	}
	if isNumericOutOfRange(err) {
		return 0, fmt.Errorf("%w: adjust %s by %d", domain.ErrQuantityOverflow, productID, delta)
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("adjust stock: %w", err)
	}

	available, qErr := c.quantity(ctx, productID)
	if qErr != nil {
		return 0, qErr
	}
	return available, &domain.InsufficientStockError{ProductID: productID, Requested: -delta, Available: available}
}

func (c *Catalog) quantity(ctx context.Context, productID string) (int64, error) {
	var quantity int64
	err := c.db.QueryRowContext(ctx, `SELECT quantity FROM products WHERE id = $1`, productID).Scan(&quantity)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, domain.ErrProductNotFound
		}
		return 0, fmt.Errorf("select quantity: %w", err)
	}
	return quantity, nil
}

var (
	_ domain.CatalogAdmin    = (*Catalog)(nil)
	_ domain.InventoryLedger = (*Catalog)(nil)
)
