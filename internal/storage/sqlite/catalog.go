package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

// Catalog каталог и складской журнал поверх SQLite.
type Catalog struct {
	db *sql.DB
}

// NewCatalog создаёт SQLite-каталог.
func NewCatalog(store *Store) *Catalog {
	return &Catalog{db: store.DB()}
}

func (c *Catalog) CreateProduct(ctx context.Context, product domain.Product) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	_, err := c.db.ExecContext(ctx, `
		INSERT INTO products (
			id, name, sku, slug, image, price_minor, active,
			quantity, track_quantity, allow_backorder, created_at, updated_at
		) VALUES (?,?,?,?,?,?,?,?,?,?,?,?)
	`,
		product.ID, product.Name, product.SKU, product.Slug, product.Image, product.PriceMinor, product.Active,
		product.Inventory.Quantity, product.Inventory.TrackQuantity, product.Inventory.AllowBackorder,
		product.CreatedAt.UnixNano(), product.UpdatedAt.UnixNano(),
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

	var (
		p                    domain.Product
		createdAt, updatedAt int64
	)
	err := c.db.QueryRowContext(ctx, `
		SELECT id, name, sku, slug, image, price_minor, active,
		       quantity, track_quantity, allow_backorder, created_at, updated_at
		FROM products
		WHERE id = ?
	`, id).Scan(
		&p.ID, &p.Name, &p.SKU, &p.Slug, &p.Image, &p.PriceMinor, &p.Active,
		&p.Inventory.Quantity, &p.Inventory.TrackQuantity, &p.Inventory.AllowBackorder,
		&createdAt, &updatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Product{}, domain.ErrProductNotFound
		}
		return domain.Product{}, fmt.Errorf("get product: %w", err)
	}
	p.CreatedAt = time.Unix(0, createdAt).UTC()
	p.UpdatedAt = time.Unix(0, updatedAt).UTC()
	return p, nil
}

func (c *Catalog) SlugExists(ctx context.Context, slug string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var exists bool
	if err := c.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM products WHERE slug = ?)`, slug).Scan(&exists); err != nil {
		return false, fmt.Errorf("check slug: %w", err)
	}
	return exists, nil
}

// Reserve выполняет условное списание одним UPDATE.
func (c *Catalog) Reserve(ctx context.Context, productID string, quantity int64) error {
	if quantity <= 0 {
		return domain.ErrQuantityInvalid
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	res, err := c.db.ExecContext(ctx, `
		UPDATE products
		SET quantity = CASE WHEN track_quantity THEN quantity - ? ELSE quantity END,
		    updated_at = ?
		WHERE id = ?
		  AND (NOT track_quantity OR allow_backorder OR quantity >= ?)
	`, quantity, time.Now().UTC().UnixNano(), productID, quantity)
	if err != nil {
		return fmt.Errorf("reserve stock: %w", err)
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
		SET quantity = CASE WHEN track_quantity THEN quantity + ? ELSE quantity END,
		    updated_at = ?
		WHERE id = ?
		  AND (NOT track_quantity OR quantity <= ?)
	`, quantity, time.Now().UTC().UnixNano(), productID, math.MaxInt64-quantity)
	if err != nil {
		return fmt.Errorf("release stock: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("release rows affected: %w", err)
	}
	if affected == 1 {
		return nil
	}
	if _, err := c.quantity(ctx, productID); err != nil {
		return err
	}
	return fmt.Errorf("%w: release %d of %s", domain.ErrQuantityOverflow, quantity, productID)
}

func (c *Catalog) Adjust(ctx context.Context, productID string, delta int64) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	// SQLite не падает на переполнении, а переводит результат в REAL: диапазон проверяем заранее.
	lo, hi := int64(math.MinInt64), int64(math.MaxInt64)
	if delta > 0 {
		hi -= delta
	} else {
		lo -= delta
	}

	var next int64
	err := c.db.QueryRowContext(ctx, `
		UPDATE products
		SET quantity = quantity + ?,
		    updated_at = ?
		WHERE id = ?
		  AND (? >= 0 OR NOT track_quantity OR allow_backorder OR quantity + ? >= 0)
		  AND quantity BETWEEN ? AND ?
		RETURNING quantity
	`, delta, time.Now().UTC().UnixNano(), productID, delta, delta, lo, hi).Scan(&next)
	if err == nil {
		return next, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("adjust stock: %w", err)
	}

	available, qErr := c.quantity(ctx, productID)
	if qErr != nil {
		return 0, qErr
	}
	if _, shiftErr := domain.ShiftQuantity(available, delta); shiftErr != nil {
		return available, shiftErr
	}
	return available, &domain.InsufficientStockError{ProductID: productID, Requested: -delta, Available: available}
}

func (c *Catalog) quantity(ctx context.Context, productID string) (int64, error) {
	var quantity int64
	err := c.db.QueryRowContext(ctx, `SELECT quantity FROM products WHERE id = ?`, productID).Scan(&quantity)
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
