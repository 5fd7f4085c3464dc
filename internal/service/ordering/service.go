// Package ordering оформляет заказы и ведёт их по автомату статусов.
package ordering

import (
	"strings"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/trace"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
	"github.com/vladislavdragonenkov/storefront/internal/metrics"
	"github.com/vladislavdragonenkov/storefront/internal/pricing"
	"github.com/vladislavdragonenkov/storefront/internal/telemetry"
)

const (
	placeOrderOperation = "place-order"

	defaultCurrency         = "USD"
	defaultIdempotencyTTL   = 24 * time.Hour
	defaultMaxStatusRetries = 3
	defaultRetryBaseDelay   = 10 * time.Millisecond
)

// Config параметры оформления, не зависящие от хранилища.
type Config struct {
	Pricing        pricing.Rules
	Currency       string
	IdempotencyTTL time.Duration
	// MaxStatusRetries попытки сохранить смену статуса при конфликте версий.
	MaxStatusRetries int
	RetryBaseDelay   time.Duration
}

// DefaultConfig возвращает значения по умолчанию: налог 8%, бесплатная доставка от 100.00.
func DefaultConfig() Config {
	return Config{
		Pricing:          pricing.DefaultRules(),
		Currency:         defaultCurrency,
		IdempotencyTTL:   defaultIdempotencyTTL,
		MaxStatusRetries: defaultMaxStatusRetries,
		RetryBaseDelay:   defaultRetryBaseDelay,
	}
}

// Dependencies порты, с которыми работает сервис.
// Idempotency и Reconciliation опциональны.
type Dependencies struct {
	Catalog        domain.CatalogStore
	Ledger         domain.InventoryLedger
	Orders         domain.OrderRepository
	Timeline       domain.TimelineRepository
	Outbox         domain.OutboxRepository
	Idempotency    domain.IdempotencyRepository
	Reconciliation domain.ReconciliationQueue
}

// Option настраивает Service.
type Option func(*Service)

// WithLogger задаёт логгер сервиса.
func WithLogger(logger *log.Entry) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMetrics включает prometheus-метрики.
func WithMetrics(m *metrics.OrderMetrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

// WithConfig задаёт правила расчёта и ретраев.
func WithConfig(cfg Config) Option {
	return func(s *Service) {
		s.cfg = cfg.normalize()
	}
}

// WithClock подменяет источник времени.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// WithIDGenerator подменяет генератор идентификаторов заказов.
func WithIDGenerator(newID func() string) Option {
	return func(s *Service) {
		if newID != nil {
			s.newID = newID
		}
	}
}

// WithTracer задаёт OpenTelemetry-трейсер.
func WithTracer(tracer trace.Tracer) Option {
	return func(s *Service) {
		if tracer != nil {
			s.tracer = tracer
		}
	}
}

// Service оформляет заказы и управляет их жизненным циклом.
// Сервис не берёт блокировок: от перепродажи защищает атомарный Reserve склада,
// от потерянных обновлений — optimistic locking репозитория.
type Service struct {
	catalog        domain.CatalogStore
	ledger         domain.InventoryLedger
	orders         domain.OrderRepository
	timeline       domain.TimelineRepository
	outbox         domain.OutboxRepository
	idempotency    domain.IdempotencyRepository
	reconciliation domain.ReconciliationQueue

	cfg     Config
	logger  *log.Entry
	metrics *metrics.OrderMetrics
	tracer  trace.Tracer
	now     func() time.Time
	newID   func() string
}

// NewService создаёт сервис заказов.
func NewService(deps Dependencies, opts ...Option) *Service {
	s := &Service{
		catalog:        deps.Catalog,
		ledger:         deps.Ledger,
		orders:         deps.Orders,
		timeline:       deps.Timeline,
		outbox:         deps.Outbox,
		idempotency:    deps.Idempotency,
		reconciliation: deps.Reconciliation,
		cfg:            DefaultConfig(),
		logger:         log.WithField("component", "ordering"),
		tracer:         telemetry.Tracer(),
		now:            func() time.Time { return time.Now().UTC() },
		newID:          uuid.NewString,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (c Config) normalize() Config {
	def := DefaultConfig()
	if c.Pricing.TaxRate.IsNegative() {
		c.Pricing.TaxRate = def.Pricing.TaxRate
	}
	if strings.TrimSpace(c.Currency) == "" {
		c.Currency = def.Currency
	}
	if c.IdempotencyTTL <= 0 {
		c.IdempotencyTTL = def.IdempotencyTTL
	}
	if c.MaxStatusRetries <= 0 {
		c.MaxStatusRetries = def.MaxStatusRetries
	}
	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = def.RetryBaseDelay
	}
	return c
}

// orderNumber строит человекочитаемый номер ORD-YYYYMMDD-XXXXXXXX.
func orderNumber(now time.Time, id string) string {
	suffix := strings.ToUpper(strings.ReplaceAll(id, "-", ""))
	if len(suffix) > 8 {
		suffix = suffix[:8]
	}
	return "ORD-" + now.Format("20060102") + "-" + suffix
}
