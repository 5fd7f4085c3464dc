// Package telemetry настраивает OpenTelemetry: трассировку запросов и инструментирование SQL.
package telemetry

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/XSAM/otelsql"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// InstrumentationName имя трейсера сервиса.
const InstrumentationName = "github.com/vladislavdragonenkov/storefront"

// DefaultEndpoint адрес OTLP collector по умолчанию.
const DefaultEndpoint = "localhost:4317"

// Config описывает экспорт трейсов.
type Config struct {
	Enabled        bool
	Endpoint       string
	ServiceName    string
	ServiceVersion string
}

// ShutdownFunc сбрасывает буферы экспортёра.
type ShutdownFunc func(context.Context) error

// InitTracerProvider регистрирует глобальный TracerProvider с OTLP/gRPC экспортёром.
// При выключенной трассировке остаётся noop-провайдер.
func InitTracerProvider(ctx context.Context, cfg Config) (ShutdownFunc, error) {
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	if !cfg.Enabled {
		return func(context.Context) error { return nil }, nil
	}

	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}

	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(endpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("create otlp exporter: %w", err)
	}

	res := resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(cfg.ServiceName),
		semconv.ServiceVersion(cfg.ServiceVersion),
	)

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	return tp.Shutdown, nil
}

// Tracer возвращает трейсер сервиса из глобального провайдера.
func Tracer() trace.Tracer {
	return otel.Tracer(InstrumentationName)
}

// OpenDB открывает database/sql подключение, обёрнутое otelsql.
func OpenDB(driverName, dsn string, system attribute.KeyValue) (*sql.DB, error) {
	return otelsql.Open(driverName, dsn,
		otelsql.WithAttributes(system),
	)
}

// PostgresSystem и SQLiteSystem атрибуты db.system для OpenDB.
var (
	PostgresSystem = semconv.DBSystemPostgreSQL
	SQLiteSystem   = semconv.DBSystemSqlite
)
