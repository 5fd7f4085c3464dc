package app

import (
	"context"
	"errors"
	"fmt"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
	healthcheck "github.com/vladislavdragonenkov/storefront/internal/health"
	"github.com/vladislavdragonenkov/storefront/internal/storage/memory"
	"github.com/vladislavdragonenkov/storefront/internal/storage/postgres"
	"github.com/vladislavdragonenkov/storefront/internal/storage/redisstore"
	"github.com/vladislavdragonenkov/storefront/internal/storage/sqlite"
)

// catalogLedger хранилище, которое одновременно ведёт каталог и остатки.
type catalogLedger interface {
	domain.CatalogAdmin
	domain.InventoryLedger
}

type runtimeDependencies struct {
	catalog         catalogLedger
	repo            domain.OrderRepository
	outboxRepo      domain.OutboxRepository
	timelineRepo    domain.TimelineRepository
	idempotencyRepo domain.IdempotencyRepository

	storageChecker healthcheck.Checker
	redisChecker   healthcheck.Checker
	closeFn        func() error
}

// initRuntimeDependencies открывает выбранное хранилище и, если задан REDIS_URL,
// переносит ключи идемпотентности в redis.
func initRuntimeDependencies(ctx context.Context, cfg Config, logger *log.Entry) (*runtimeDependencies, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.StorageDriver))
	if driver == "" {
		driver = StorageDriverMemory
	}

	var (
		deps *runtimeDependencies
		err  error
	)
	switch driver {
	case StorageDriverMemory:
		deps = newMemoryDependencies()
	case StorageDriverPostgres:
		deps, err = newPostgresDependencies(ctx, cfg)
	case StorageDriverSQLite:
		deps, err = newSQLiteDependencies(ctx, cfg)
	default:
		return nil, fmt.Errorf("unsupported storage driver %q", cfg.StorageDriver)
	}
	if err != nil {
		return nil, err
	}
	logger.WithField("driver", driver).Info("storage initialized")

	if url := strings.TrimSpace(cfg.RedisURL); url != "" {
		client, err := redisstore.Open(ctx, url)
		if err != nil {
			_ = deps.close()
			return nil, fmt.Errorf("init redis idempotency store: %w", err)
		}
		deps.idempotencyRepo = redisstore.NewIdempotencyRepository(client)
		deps.redisChecker = healthcheck.NewPingChecker("redis", func(ctx context.Context) error {
			return client.Ping(ctx).Err()
		})
		deps.chainClose(client.Close)
		logger.Info("idempotency keys are stored in redis")
	}

	return deps, nil
}

func newMemoryDependencies() *runtimeDependencies {
	orders := memory.NewOrderRepository()
	return &runtimeDependencies{
		catalog:         memory.NewCatalog(),
		repo:            orders,
		outboxRepo:      memory.NewOutboxRepository(),
		timelineRepo:    memory.NewTimelineRepository(memory.WithOrders(orders)),
		idempotencyRepo: memory.NewIdempotencyRepository(),
	}
}

func newPostgresDependencies(ctx context.Context, cfg Config) (*runtimeDependencies, error) {
	dsn := strings.TrimSpace(cfg.PostgresDSN)
	if dsn == "" {
		return nil, errors.New("postgres storage requires STOREFRONT_POSTGRES_DSN")
	}

	store, err := postgres.Open(ctx, dsn, postgres.WithMaxConns(cfg.PostgresMaxConns))
	if err != nil {
		return nil, err
	}
	if cfg.PostgresAutoMigrate {
		if err := store.EnsureSchema(ctx); err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("apply postgres migrations: %w", err)
		}
	}

	return &runtimeDependencies{
		catalog:         postgres.NewCatalog(store),
		repo:            postgres.NewOrderRepository(store),
		outboxRepo:      postgres.NewOutboxRepository(store),
		timelineRepo:    postgres.NewTimelineRepository(store),
		idempotencyRepo: postgres.NewIdempotencyRepository(store),
		storageChecker:  healthcheck.NewPingChecker("postgres", store.Ping),
		closeFn:         store.Close,
	}, nil
}

// newSQLiteDependencies однонодовый режим: outbox и ключи идемпотентности живут в памяти процесса.
func newSQLiteDependencies(ctx context.Context, cfg Config) (*runtimeDependencies, error) {
	store, err := sqlite.Open(ctx, cfg.SQLitePath)
	if err != nil {
		return nil, err
	}

	return &runtimeDependencies{
		catalog:         sqlite.NewCatalog(store),
		repo:            sqlite.NewOrderRepository(store),
		outboxRepo:      memory.NewOutboxRepository(),
		timelineRepo:    sqlite.NewTimelineRepository(store),
		idempotencyRepo: memory.NewIdempotencyRepository(),
		storageChecker:  healthcheck.NewPingChecker("sqlite", store.Ping),
		closeFn:         store.Close,
	}, nil
}

func (d *runtimeDependencies) chainClose(next func() error) {
	prev := d.closeFn
	d.closeFn = func() error {
		err := next()
		if prev != nil {
			err = errors.Join(err, prev())
		}
		return err
	}
}

func (d *runtimeDependencies) close() error {
	if d == nil || d.closeFn == nil {
		return nil
	}
	return d.closeFn()
}

