package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

const (
	opTimeout = 5 * time.Second
)

const orderColumns = `
	id, order_number, user_id, currency,
	subtotal_minor, tax_minor, shipping_minor, total_minor,
	status, payment_status, payment_method, shipping_address, billing_address,
	tracking_number, notes, idempotency_key, inventory_released, version,
	created_at, updated_at, delivered_at, cancelled_at
`

type orderRepository struct {
	db *sql.DB
}

// NewOrderRepository создаёт PostgreSQL-реализацию OrderRepository.
func NewOrderRepository(store *Store) domain.OrderRepository {
	return &orderRepository{db: store.DB()}
}

func (r *orderRepository) Create(ctx context.Context, order domain.Order) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	shipping, err := json.Marshal(order.ShippingAddress)
	if err != nil {
		return fmt.Errorf("marshal shipping address: %w", err)
	}
	billing, err := json.Marshal(order.BillingAddress)
	if err != nil {
		return fmt.Errorf("marshal billing address: %w", err)
	}

	return inTx(ctx, r.db, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO orders (`+orderColumns+`)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22)
		`,
			order.ID, order.OrderNumber, order.UserID, order.Currency,
			order.SubtotalMinor, order.TaxMinor, order.ShippingMinor, order.TotalMinor,
			string(order.Status), string(order.PaymentStatus), string(order.PaymentMethod), string(shipping), string(billing),
			order.TrackingNumber, order.Notes, nullString(order.IdempotencyKey), order.InventoryReleased, order.Version,
			order.CreatedAt, order.UpdatedAt, order.DeliveredAt, order.CancelledAt,
		); err != nil {
			if isUniqueViolation(err) {
				return domain.ErrOrderAlreadyExists
			}
			return fmt.Errorf("insert order: %w", err)
		}

		for i, item := range order.Items {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO order_items (
					order_id, position, product_id, name, sku, image,
					quantity, unit_price_minor, line_total_minor
				) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
			`,
				order.ID, i, item.ProductID, item.Name, item.SKU, item.Image,
				item.Quantity, item.UnitPriceMinor, item.LineTotalMinor,
			); err != nil {
				return fmt.Errorf("insert order item %d: %w", i, err)
			}
		}
		return nil
	})
}

func (r *orderRepository) Get(ctx context.Context, id string) (domain.Order, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	return r.getOne(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id)
}

func (r *orderRepository) FindByIdempotencyKey(ctx context.Context, userID, key string) (domain.Order, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	return r.getOne(ctx, `SELECT `+orderColumns+` FROM orders WHERE user_id = $1 AND idempotency_key = $2`, userID, key)
}

func (r *orderRepository) getOne(ctx context.Context, query string, args ...any) (domain.Order, error) {
	order, err := scanOrder(r.db.QueryRowContext(ctx, query, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Order{}, domain.ErrOrderNotFound
		}
		return domain.Order{}, fmt.Errorf("select order: %w", err)
	}

	items, err := r.loadItems(ctx, order.ID)
	if err != nil {
		return domain.Order{}, err
	}
	order.Items = items

	return order, nil
}

// UpdateStatus обновляет только статус, аннотации и отметки времени; позиции и суммы не трогаются.
func (r *orderRepository) UpdateStatus(ctx context.Context, order domain.Order) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	res, err := r.db.ExecContext(ctx, `
		UPDATE orders
		SET status = $1,
		    payment_status = $2,
		    tracking_number = $3,
		    notes = $4,
		    inventory_released = $5,
		    delivered_at = $6,
		    cancelled_at = $7,
		    updated_at = $8,
		    version = version + 1
		WHERE id = $9
		  AND version = $10
	`,
		string(order.Status),
		string(order.PaymentStatus),
		order.TrackingNumber,
		order.Notes,
		order.InventoryReleased,
		order.DeliveredAt,
		order.CancelledAt,
		order.UpdatedAt,
		order.ID,
		order.Version,
	)
	if err != nil {
		return fmt.Errorf("update order status: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		exists, err := r.orderExists(ctx, order.ID)
		if err != nil {
			return err
		}
		if !exists {
			return domain.ErrOrderNotFound
		}
		return domain.ErrOrderVersionConflict
	}

	return nil
}

func (r *orderRepository) ListForUser(ctx context.Context, userID string, filter domain.OrderFilter, page domain.PageRequest) (domain.OrderPage, error) {
	where := []string{"user_id = $1"}
	args := []any{userID}
	return r.list(ctx, where, args, filter, page)
}

func (r *orderRepository) ListAll(ctx context.Context, filter domain.OrderFilter, page domain.PageRequest) (domain.OrderPage, error) {
	return r.list(ctx, nil, nil, filter, page)
}

func (r *orderRepository) list(ctx context.Context, where []string, args []any, filter domain.OrderFilter, page domain.PageRequest) (domain.OrderPage, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	page = page.Normalize()

	if filter.Status != "" {
		args = append(args, string(filter.Status))
		where = append(where, "status = $"+strconv.Itoa(len(args)))
	}
	if search := strings.TrimSpace(filter.Search); search != "" {
		args = append(args, "%"+escapeLike(search)+"%")
		n := "$" + strconv.Itoa(len(args))
		where = append(where, "(order_number ILIKE "+n+
			" OR shipping_address->>'firstName' ILIKE "+n+
			" OR shipping_address->>'lastName' ILIKE "+n+")")
	}

	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM orders`+clause, args...).Scan(&total); err != nil {
		return domain.OrderPage{}, fmt.Errorf("count orders: %w", err)
	}

	args = append(args, page.Limit, page.Offset())
	query := `SELECT ` + orderColumns + ` FROM orders` + clause +
		` ORDER BY created_at DESC, id DESC LIMIT $` + strconv.Itoa(len(args)-1) + ` OFFSET $` + strconv.Itoa(len(args))

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return domain.OrderPage{}, fmt.Errorf("list orders: %w", err)
	}
	defer rows.Close()

	orders := make([]domain.Order, 0, page.Limit)
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return domain.OrderPage{}, fmt.Errorf("scan order row: %w", err)
		}
		orders = append(orders, order)
	}
	if err := rows.Err(); err != nil {
		return domain.OrderPage{}, fmt.Errorf("iterate order rows: %w", err)
	}
	rows.Close()

	for i := range orders {
		items, err := r.loadItems(ctx, orders[i].ID)
		if err != nil {
			return domain.OrderPage{}, err
		}
		orders[i].Items = items
	}

	return domain.NewOrderPage(orders, total, page), nil
}

func (r *orderRepository) loadItems(ctx context.Context, orderID string) ([]domain.OrderItem, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT product_id, name, sku, image, quantity, unit_price_minor, line_total_minor
		FROM order_items
		WHERE order_id = $1
		ORDER BY position ASC
	`, orderID)
	if err != nil {
		return nil, fmt.Errorf("load order items: %w", err)
	}
	defer rows.Close()

	items, err := collectRows(rows, scanOrderItem)
	if err != nil {
		return nil, fmt.Errorf("load order items: %w", err)
	}
	return items, nil
}

func scanOrderItem(row rowScanner) (domain.OrderItem, error) {
	var item domain.OrderItem
	err := row.Scan(
		&item.ProductID, &item.Name, &item.SKU, &item.Image,
		&item.Quantity, &item.UnitPriceMinor, &item.LineTotalMinor,
	)
	return item, err
}

func (r *orderRepository) orderExists(ctx context.Context, orderID string) (bool, error) {
	var exists bool
	if err := r.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM orders WHERE id = $1)`, orderID).Scan(&exists); err != nil {
		return false, fmt.Errorf("check order exists: %w", err)
	}
	return exists, nil
}

func scanOrder(row rowScanner) (domain.Order, error) {
	var (
		order                         domain.Order
		status, paymentStatus, method string
		shipping, billing             []byte
		idempotencyKey                sql.NullString
		deliveredAt, cancelledAt      sql.NullTime
	)

	if err := row.Scan(
		&order.ID, &order.OrderNumber, &order.UserID, &order.Currency,
		&order.SubtotalMinor, &order.TaxMinor, &order.ShippingMinor, &order.TotalMinor,
		&status, &paymentStatus, &method, &shipping, &billing,
		&order.TrackingNumber, &order.Notes, &idempotencyKey, &order.InventoryReleased, &order.Version,
		&order.CreatedAt, &order.UpdatedAt, &deliveredAt, &cancelledAt,
	); err != nil {
		return domain.Order{}, err
	}

	order.Status = domain.OrderStatus(status)
	order.PaymentStatus = domain.PaymentStatus(paymentStatus)
	order.PaymentMethod = domain.PaymentMethod(method)
	order.IdempotencyKey = idempotencyKey.String
	if deliveredAt.Valid {
		t := deliveredAt.Time.UTC()
		order.DeliveredAt = &t
	}
	if cancelledAt.Valid {
		t := cancelledAt.Time.UTC()
		order.CancelledAt = &t
	}
	if err := json.Unmarshal(shipping, &order.ShippingAddress); err != nil {
		return domain.Order{}, fmt.Errorf("decode shipping address: %w", err)
	}
	if err := json.Unmarshal(billing, &order.BillingAddress); err != nil {
		return domain.Order{}, fmt.Errorf("decode billing address: %w", err)
	}

	return order, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func escapeLike(s string) string {
	return likeEscaper.Replace(s)
}

var _ domain.OrderRepository = (*orderRepository)(nil)
