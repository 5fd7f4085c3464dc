package app

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/vladislavdragonenkov/storefront/internal/pricing"
	"github.com/vladislavdragonenkov/storefront/internal/service/ordering"
)

// Поддерживаемые хранилища.
const (
	StorageDriverMemory   = "memory"
	StorageDriverPostgres = "postgres"
	StorageDriverSQLite   = "sqlite"
)

// Config описывает настройки запуска витрины.
// Структура сравнима через ==, поэтому ставка налога хранится строкой.
type Config struct {
	HTTPAddr    string
	GRPCAddr    string
	MetricsAddr string

	StorageDriver       string
	PostgresDSN         string
	PostgresAutoMigrate bool
	PostgresMaxConns    int
	SQLitePath          string
	RedisURL            string

	KafkaBrokers       string
	KafkaConsumerGroup string
	KafkaMaxRetries    int

	OutboxPollInterval time.Duration
	OutboxBatchSize    int
	OutboxMaxAttempts  int
	OutboxRetryDelay   time.Duration
	// OutboxMaxPending backlog, выше которого /healthz сообщает degraded; 0 отключает проверку.
	OutboxMaxPending int

	IdempotencyTTL              time.Duration
	IdempotencyCleanupInterval  time.Duration
	IdempotencyCleanupBatchSize int

	ReconcileInterval    time.Duration
	ReconcileMaxAttempts int

	TaxRate               string
	FreeShippingOverMinor int64
	FlatShippingMinor     int64
	Currency              string

	OTelEnabled  bool
	OTelEndpoint string
}

// DefaultConfig возвращает настройки для локального запуска на in-memory хранилище.
func DefaultConfig() Config {
	rules := pricing.DefaultRules()
	return Config{
		HTTPAddr:    ":8080",
		GRPCAddr:    ":50051",
		MetricsAddr: ":9090",

		StorageDriver:       StorageDriverMemory,
		PostgresAutoMigrate: true,
		PostgresMaxConns:    25,
		SQLitePath:          "storefront.db",

		KafkaConsumerGroup: "storefront-reconciler",
		KafkaMaxRetries:    3,

		OutboxPollInterval: time.Second,
		OutboxBatchSize:    100,
		OutboxMaxAttempts:  5,
		OutboxRetryDelay:   200 * time.Millisecond,
		OutboxMaxPending:   1000,

		IdempotencyTTL:              24 * time.Hour,
		IdempotencyCleanupInterval:  time.Hour,
		IdempotencyCleanupBatchSize: 500,

		ReconcileInterval:    5 * time.Second,
		ReconcileMaxAttempts: 5,

		TaxRate:               rules.TaxRate.String(),
		FreeShippingOverMinor: rules.FreeShippingOverMinor,
		FlatShippingMinor:     rules.FlatShippingMinor,
		Currency:              "USD",
	}
}

// KafkaBrokerList разбирает список брокеров через запятую.
func (c Config) KafkaBrokerList() []string {
	return splitBrokers(c.KafkaBrokers)
}

// OrderingConfig собирает параметры сервиса оформления.
func (c Config) OrderingConfig() (ordering.Config, error) {
	rate, err := pricing.ParseRate(c.TaxRate)
	if err != nil {
		return ordering.Config{}, fmt.Errorf("invalid tax rate %q: %w", c.TaxRate, err)
	}
	if rate.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return ordering.Config{}, fmt.Errorf("invalid tax rate %q: must be in [0, 1)", c.TaxRate)
	}
	if c.FreeShippingOverMinor < 0 || c.FlatShippingMinor < 0 {
		return ordering.Config{}, fmt.Errorf("shipping amounts must not be negative")
	}

	cfg := ordering.DefaultConfig()
	cfg.Pricing = pricing.Rules{
		TaxRate:               rate,
		FreeShippingOverMinor: c.FreeShippingOverMinor,
		FlatShippingMinor:     c.FlatShippingMinor,
	}
	if currency := strings.ToUpper(strings.TrimSpace(c.Currency)); currency != "" {
		cfg.Currency = currency
	}
	if c.IdempotencyTTL > 0 {
		cfg.IdempotencyTTL = c.IdempotencyTTL
	}
	return cfg, nil
}

func splitBrokers(raw string) []string {
	var brokers []string
	for _, broker := range strings.Split(raw, ",") {
		if broker = strings.TrimSpace(broker); broker != "" {
			brokers = append(brokers, broker)
		}
	}
	return brokers
}
