package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/storefront/internal/app"
	"github.com/vladislavdragonenkov/storefront/internal/pricing"
	"github.com/vladislavdragonenkov/storefront/internal/version"
)

const (
	envHTTPAddr                    = "STOREFRONT_HTTP_ADDR"
	envGRPCAddr                    = "STOREFRONT_GRPC_ADDR"
	envMetricsAddr                 = "STOREFRONT_METRICS_ADDR"
	envStorageDriver               = "STOREFRONT_STORAGE_DRIVER"
	envPostgresDSN                 = "STOREFRONT_POSTGRES_DSN"
	envPostgresAutoMigrate         = "STOREFRONT_POSTGRES_AUTO_MIGRATE"
	envPostgresMaxConns            = "STOREFRONT_POSTGRES_MAX_CONNS"
	envSQLitePath                  = "STOREFRONT_SQLITE_PATH"
	envRedisURL                    = "STOREFRONT_REDIS_URL"
	envKafkaBrokers                = "STOREFRONT_KAFKA_BROKERS"
	envKafkaConsumerGroup          = "STOREFRONT_KAFKA_CONSUMER_GROUP"
	envKafkaMaxRetries             = "STOREFRONT_KAFKA_MAX_RETRIES"
	envOutboxPollInterval          = "STOREFRONT_OUTBOX_POLL_INTERVAL"
	envOutboxBatchSize             = "STOREFRONT_OUTBOX_BATCH_SIZE"
	envOutboxMaxAttempts           = "STOREFRONT_OUTBOX_MAX_ATTEMPTS"
	envOutboxRetryDelay            = "STOREFRONT_OUTBOX_RETRY_DELAY"
	envOutboxMaxPending            = "STOREFRONT_OUTBOX_MAX_PENDING"
	envIdempotencyTTL              = "STOREFRONT_IDEMPOTENCY_TTL"
	envIdempotencyCleanupInterval  = "STOREFRONT_IDEMPOTENCY_CLEANUP_INTERVAL"
	envIdempotencyCleanupBatchSize = "STOREFRONT_IDEMPOTENCY_CLEANUP_BATCH_SIZE"
	envReconcileInterval           = "STOREFRONT_RECONCILE_INTERVAL"
	envReconcileMaxAttempts        = "STOREFRONT_RECONCILE_MAX_ATTEMPTS"
	envTaxRate                     = "STOREFRONT_TAX_RATE"
	envFreeShippingOver            = "STOREFRONT_FREE_SHIPPING_OVER"
	envFlatShipping                = "STOREFRONT_FLAT_SHIPPING"
	envCurrency                    = "STOREFRONT_CURRENCY"
	envOTelEnabled                 = "STOREFRONT_OTEL_ENABLED"
	envOTelEndpoint                = "STOREFRONT_OTEL_ENDPOINT"
	envLogLevel                    = "STOREFRONT_LOG_LEVEL"
	envLogFormat                   = "STOREFRONT_LOG_FORMAT"
)

type envLookup func(string) (string, bool)

// setupLogger настраивает формат и уровень логирования для сервиса.
func setupLogger(lookup envLookup) []string {
	var warnings []string

	if format, ok := lookupTrimmed(lookup, envLogFormat); ok && strings.EqualFold(format, "json") {
		log.SetFormatter(&log.JSONFormatter{})
	} else {
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	}

	level := log.InfoLevel
	if raw, ok := lookupTrimmed(lookup, envLogLevel); ok {
		parsed, err := log.ParseLevel(raw)
		if err != nil {
			warnings = append(warnings, fmt.Sprintf("%s: %v", envLogLevel, err))
		} else {
			level = parsed
		}
	}
	log.SetLevel(level)

	return warnings
}

// readConfigFromEnv собирает конфигурацию поверх значений по умолчанию.
// Невалидные значения не прерывают запуск: остаётся значение по умолчанию, а причина попадает в warnings.
func readConfigFromEnv(lookup envLookup) (app.Config, []string) {
	cfg := app.DefaultConfig()
	var warnings []string
	warn := func(key string, err error) {
		warnings = append(warnings, fmt.Sprintf("%s: %v", key, err))
	}

	setString := func(key string, dst *string) {
		if v, ok := lookupTrimmed(lookup, key); ok {
			*dst = v
		}
	}
	setBool := func(key string, dst *bool) {
		if v, ok := lookupTrimmed(lookup, key); ok {
			parsed, err := parseBool(v)
			if err != nil {
				warn(key, err)
				return
			}
			*dst = parsed
		}
	}
	setInt := func(key string, dst *int, valid func(int) bool, rule string) {
		if v, ok := lookupTrimmed(lookup, key); ok {
			parsed, err := parseInt(v, valid, rule)
			if err != nil {
				warn(key, err)
				return
			}
			*dst = parsed
		}
	}
	setDuration := func(key string, dst *time.Duration, valid func(time.Duration) bool, rule string) {
		if v, ok := lookupTrimmed(lookup, key); ok {
			parsed, err := parseDuration(v, valid, rule)
			if err != nil {
				warn(key, err)
				return
			}
			*dst = parsed
		}
	}
	setMoney := func(key string, dst *int64) {
		if v, ok := lookupTrimmed(lookup, key); ok {
			parsed, err := pricing.ParseMinor(v)
			if err == nil && parsed < 0 {
				err = errors.New("must be >= 0")
			}
			if err != nil {
				warn(key, err)
				return
			}
			*dst = parsed
		}
	}

	positive := func(v int) bool { return v > 0 }
	nonNegative := func(v int) bool { return v >= 0 }
	positiveDuration := func(v time.Duration) bool { return v > 0 }
	nonNegativeDuration := func(v time.Duration) bool { return v >= 0 }

	setString(envHTTPAddr, &cfg.HTTPAddr)
	setString(envGRPCAddr, &cfg.GRPCAddr)
	setString(envMetricsAddr, &cfg.MetricsAddr)
	if v, ok := lookupTrimmed(lookup, envStorageDriver); ok {
		cfg.StorageDriver = strings.ToLower(v)
	}
	setString(envPostgresDSN, &cfg.PostgresDSN)
	setBool(envPostgresAutoMigrate, &cfg.PostgresAutoMigrate)
	setInt(envPostgresMaxConns, &cfg.PostgresMaxConns, positive, "must be > 0")
	setString(envSQLitePath, &cfg.SQLitePath)
	setString(envRedisURL, &cfg.RedisURL)

	setString(envKafkaBrokers, &cfg.KafkaBrokers)
	setString(envKafkaConsumerGroup, &cfg.KafkaConsumerGroup)
	setInt(envKafkaMaxRetries, &cfg.KafkaMaxRetries, positive, "must be > 0")

	setDuration(envOutboxPollInterval, &cfg.OutboxPollInterval, positiveDuration, "must be > 0")
	setInt(envOutboxBatchSize, &cfg.OutboxBatchSize, positive, "must be > 0")
	setInt(envOutboxMaxAttempts, &cfg.OutboxMaxAttempts, positive, "must be > 0")
	setDuration(envOutboxRetryDelay, &cfg.OutboxRetryDelay, nonNegativeDuration, "must be >= 0")
	setInt(envOutboxMaxPending, &cfg.OutboxMaxPending, nonNegative, "must be >= 0")

	setDuration(envIdempotencyTTL, &cfg.IdempotencyTTL, positiveDuration, "must be > 0")
	setDuration(envIdempotencyCleanupInterval, &cfg.IdempotencyCleanupInterval, positiveDuration, "must be > 0")
	setInt(envIdempotencyCleanupBatchSize, &cfg.IdempotencyCleanupBatchSize, positive, "must be > 0")
	setDuration(envReconcileInterval, &cfg.ReconcileInterval, positiveDuration, "must be > 0")
	setInt(envReconcileMaxAttempts, &cfg.ReconcileMaxAttempts, positive, "must be > 0")

	setString(envTaxRate, &cfg.TaxRate)
	setMoney(envFreeShippingOver, &cfg.FreeShippingOverMinor)
	setMoney(envFlatShipping, &cfg.FlatShippingMinor)
	if v, ok := lookupTrimmed(lookup, envCurrency); ok {
		cfg.Currency = strings.ToUpper(v)
	}

	setBool(envOTelEnabled, &cfg.OTelEnabled)
	setString(envOTelEndpoint, &cfg.OTelEndpoint)

	return cfg, warnings
}

func lookupTrimmed(lookup envLookup, key string) (string, bool) {
	value, ok := lookup(key)
	if !ok {
		return "", false
	}
	value = strings.TrimSpace(value)
	return value, value != ""
}

func parseBool(raw string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "1", "true", "yes", "y", "on":
		return true, nil
	case "0", "false", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("invalid bool value %q", raw)
	}
}

func parseInt(raw string, valid func(int) bool, rule string) (int, error) {
	value, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid int value %q: %w", raw, err)
	}
	if valid != nil && !valid(value) {
		return 0, fmt.Errorf("invalid value %d: %s", value, rule)
	}
	return value, nil
}

func parseDuration(raw string, valid func(time.Duration) bool, rule string) (time.Duration, error) {
	value, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	if valid != nil && !valid(value) {
		return 0, fmt.Errorf("invalid duration %s: %s", value, rule)
	}
	return value, nil
}

func main() {
	logWarnings := setupLogger(os.LookupEnv)
	cfg, warnings := readConfigFromEnv(os.LookupEnv)
	for _, warning := range append(logWarnings, warnings...) {
		log.WithField("warning", warning).Warn("invalid environment value, default is used")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.WithFields(log.Fields{
		"http_addr":      cfg.HTTPAddr,
		"grpc_addr":      cfg.GRPCAddr,
		"metrics_addr":   cfg.MetricsAddr,
		"storage_driver": cfg.StorageDriver,
		"kafka":          cfg.KafkaBrokers != "",
		"redis":          cfg.RedisURL != "",
		"version":        version.String(),
	}).Info("запускаем storefront")

	if err := app.Run(ctx, cfg); err != nil && !errors.Is(err, context.Canceled) {
		log.WithError(err).Fatal("приложение завершилось с ошибкой")
	}

	log.Info("storefront остановлен")
}
