package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

// orderRepository хранит заказ целиком JSON-документом;
// отдельные колонки нужны только для уникальности, фильтров и сортировки.
type orderRepository struct {
	db *sql.DB
}

// NewOrderRepository создаёт SQLite-реализацию OrderRepository.
func NewOrderRepository(store *Store) domain.OrderRepository {
	return &orderRepository{db: store.DB()}
}

func (r *orderRepository) Create(ctx context.Context, order domain.Order) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	document, err := json.Marshal(order)
	if err != nil {
		return fmt.Errorf("marshal order document: %w", err)
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO orders (
			id, order_number, user_id, idempotency_key, status,
			shipping_first_name, shipping_last_name, version, created_at, document
		) VALUES (?,?,?,?,?,?,?,?,?,?)
	`,
		order.ID, order.OrderNumber, order.UserID, nullString(order.IdempotencyKey), string(order.Status),
		order.ShippingAddress.FirstName, order.ShippingAddress.LastName, order.Version,
		order.CreatedAt.UnixNano(), string(document),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s", domain.ErrOrderAlreadyExists, order.ID)
		}
		return fmt.Errorf("insert order: %w", err)
	}
	return nil
}

func (r *orderRepository) Get(ctx context.Context, id string) (domain.Order, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	return r.getOne(ctx, `SELECT document FROM orders WHERE id = ?`, id)
}

func (r *orderRepository) FindByIdempotencyKey(ctx context.Context, userID, key string) (domain.Order, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	return r.getOne(ctx, `SELECT document FROM orders WHERE user_id = ? AND idempotency_key = ?`, userID, key)
}

func (r *orderRepository) getOne(ctx context.Context, query string, args ...any) (domain.Order, error) {
	var document string
	if err := r.db.QueryRowContext(ctx, query, args...).Scan(&document); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Order{}, domain.ErrOrderNotFound
		}
		return domain.Order{}, fmt.Errorf("get order: %w", err)
	}
	return decodeOrder(document)
}

// UpdateStatus переписывает документ под проверкой версии.
// Позиции и суммы берутся из сохранённого документа, а не из аргумента.
func (r *orderRepository) UpdateStatus(ctx context.Context, order domain.Order) (err error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	var raw string
	if err = tx.QueryRowContext(ctx, `SELECT document FROM orders WHERE id = ?`, order.ID).Scan(&raw); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.ErrOrderNotFound
		}
		return fmt.Errorf("load order: %w", err)
	}
	stored, err := decodeOrder(raw)
	if err != nil {
		return err
	}
	if stored.Version != order.Version {
		return domain.ErrOrderVersionConflict
	}

	stored.Status = order.Status
	stored.PaymentStatus = order.PaymentStatus
	stored.TrackingNumber = order.TrackingNumber
	stored.Notes = order.Notes
	stored.InventoryReleased = order.InventoryReleased
	stored.UpdatedAt = order.UpdatedAt
	stored.DeliveredAt = order.DeliveredAt
	stored.CancelledAt = order.CancelledAt
	stored.Version++

	document, err := json.Marshal(stored)
	if err != nil {
		return fmt.Errorf("marshal order document: %w", err)
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE orders
		SET status = ?, version = ?, document = ?
		WHERE id = ? AND version = ?
	`, string(stored.Status), stored.Version, string(document), order.ID, order.Version)
	if err != nil {
		return fmt.Errorf("update order: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update order rows affected: %w", err)
	}
	if affected == 0 {
		err = domain.ErrOrderVersionConflict
		return err
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func (r *orderRepository) ListForUser(ctx context.Context, userID string, filter domain.OrderFilter, page domain.PageRequest) (domain.OrderPage, error) {
	return r.list(ctx, []string{"user_id = ?"}, []any{userID}, filter, page)
}

func (r *orderRepository) ListAll(ctx context.Context, filter domain.OrderFilter, page domain.PageRequest) (domain.OrderPage, error) {
	return r.list(ctx, nil, nil, filter, page)
}

func (r *orderRepository) list(ctx context.Context, where []string, args []any, filter domain.OrderFilter, page domain.PageRequest) (domain.OrderPage, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	page = page.Normalize()

	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}
	if search := strings.TrimSpace(filter.Search); search != "" {
		pattern := "%" + escapeLike(search) + "%"
		// LIKE в SQLite регистронезависим для ASCII.
		where = append(where, `(order_number LIKE ? ESCAPE '\' OR shipping_first_name LIKE ? ESCAPE '\' OR shipping_last_name LIKE ? ESCAPE '\')`)
		args = append(args, pattern, pattern, pattern)
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
	rows, err := r.db.QueryContext(ctx,
		`SELECT document FROM orders`+clause+` ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`, args...)
	if err != nil {
		return domain.OrderPage{}, fmt.Errorf("list orders: %w", err)
	}
	defer rows.Close()

	orders := make([]domain.Order, 0, page.Limit)
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return domain.OrderPage{}, fmt.Errorf("scan order row: %w", err)
		}
		order, err := decodeOrder(raw)
		if err != nil {
			return domain.OrderPage{}, err
		}
		orders = append(orders, order)
	}
	if err := rows.Err(); err != nil {
		return domain.OrderPage{}, fmt.Errorf("iterate order rows: %w", err)
	}

	return domain.NewOrderPage(orders, total, page), nil
}

func decodeOrder(raw string) (domain.Order, error) {
	var order domain.Order
	if err := json.Unmarshal([]byte(raw), &order); err != nil {
		return domain.Order{}, fmt.Errorf("decode order document: %w", err)
	}
	return order, nil
}

func nullString(s string) sql.NullString {
	s = strings.TrimSpace(s)
	return sql.NullString{String: s, Valid: s != ""}
}

var _ domain.OrderRepository = (*orderRepository)(nil)
