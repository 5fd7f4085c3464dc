package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/vladislavdragonenkov/storefront/internal/telemetry"
)

const driverName = "pgx"

// SQLSTATE коды, которые репозитории переводят в доменные ошибки.
const (
	sqlStateUniqueViolation     = "23505"
	sqlStateForeignKeyViolation = "23503"
	sqlStateNumericOutOfRange   = "22003"
)

var errStoreNotInitialized = errors.New("postgres store is not initialized")

// poolConfig задаёт параметры пула database/sql.
type poolConfig struct {
	maxOpenConns    int
	maxIdleConns    int
	connMaxLifetime time.Duration
	connMaxIdleTime time.Duration
	pingTimeout     time.Duration
}

func defaultPoolConfig() poolConfig {
	return poolConfig{
		maxOpenConns:    25,
		maxIdleConns:    25,
		connMaxLifetime: 30 * time.Minute,
		connMaxIdleTime: 5 * time.Minute,
		pingTimeout:     5 * time.Second,
	}
}

// Option настраивает пул подключений Store.
type Option func(*poolConfig)

// WithMaxConns ограничивает число открытых соединений; idle-лимит не превышает его.
func WithMaxConns(n int) Option {
	return func(c *poolConfig) {
		if n <= 0 {
			return
		}
		c.maxOpenConns = n
		if c.maxIdleConns > n {
			c.maxIdleConns = n
		}
	}
}

// WithConnLifetime задаёт максимальное время жизни и простоя соединения.
func WithConnLifetime(lifetime, idle time.Duration) Option {
	return func(c *poolConfig) {
		if lifetime > 0 {
			c.connMaxLifetime = lifetime
		}
		if idle > 0 {
			c.connMaxIdleTime = idle
		}
	}
}

// WithPingTimeout задаёт таймаут проверки доступности в Open и Ping.
func WithPingTimeout(timeout time.Duration) Option {
	return func(c *poolConfig) {
		if timeout > 0 {
			c.pingTimeout = timeout
		}
	}
}

// Store владеет пулом соединений с PostgreSQL: заказы, каталог, outbox и idempotency.
type Store struct {
	db          *sql.DB
	dsn         string
	pingTimeout time.Duration
}

// Open открывает инструментированный пул и проверяет доступность базы.
func Open(ctx context.Context, dsn string, opts ...Option) (*Store, error) {
	cfg := defaultPoolConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	db, err := telemetry.OpenDB(driverName, dsn, telemetry.PostgresSystem)
	if err != nil {
		return nil, fmt.Errorf("open postgres connection: %w", err)
	}
	db.SetMaxOpenConns(cfg.maxOpenConns)
	db.SetMaxIdleConns(cfg.maxIdleConns)
	db.SetConnMaxLifetime(cfg.connMaxLifetime)
	db.SetConnMaxIdleTime(cfg.connMaxIdleTime)

	store := &Store{db: db, dsn: dsn, pingTimeout: cfg.pingTimeout}
	if err := store.Ping(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return store, nil
}

// DB возвращает пул для репозиториев пакета и health-проверок.
func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) Ping(ctx context.Context) error {
	if s == nil || s.db == nil {
		return errStoreNotInitialized
	}

	pingCtx, cancel := context.WithTimeout(ctx, s.pingTimeout)
	defer cancel()
	return s.db.PingContext(pingCtx)
}

// EnsureSchema применяет все up-миграции.
func (s *Store) EnsureSchema(ctx context.Context) error {
	return s.MigrateUp(ctx, 0)
}

// InTx выполняет fn в транзакции: коммит при nil, откат при ошибке или панике.
func (s *Store) InTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	if s == nil || s.db == nil {
		return errStoreNotInitialized
	}
	return inTx(ctx, s.db, fn)
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func inTx(ctx context.Context, db *sql.DB, fn func(tx *sql.Tx) error) (err error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if err = fn(tx); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

// collectRows сканирует все строки и проверяет rows.Err; закрытие остаётся за вызывающим.
func collectRows[T any](rows *sql.Rows, scan func(rowScanner) (T, error)) ([]T, error) {
	result := make([]T, 0)
	for rows.Next() {
		item, err := scan(rows)
		if err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		result = append(result, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return result, nil
}

func sqlState(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}

func isUniqueViolation(err error) bool {
	return sqlState(err) == sqlStateUniqueViolation
}

func isForeignKeyViolation(err error) bool {
	return sqlState(err) == sqlStateForeignKeyViolation
}

func isNumericOutOfRange(err error) bool {
	return sqlState(err) == sqlStateNumericOutOfRange
}
