// Package outbox доставляет события заказов из transactional outbox в брокер.
package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

var (
	publishAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "storefront_outbox_publish_attempts_total",
		Help: "Outbox publish attempts grouped by result.",
	}, []string{"result"})
	pendingRecords = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "storefront_outbox_pending_records",
		Help: "Pending records in the order events outbox.",
	})
	oldestPendingAge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "storefront_outbox_oldest_pending_age_seconds",
		Help: "Age of the oldest pending outbox record.",
	})
)

// Config параметры доставки.
type Config struct {
	PollInterval time.Duration
	BatchSize    int
	MaxAttempts  int
	// RetryDelay базовая пауза между попытками; 0 публикует без пауз.
	RetryDelay    time.Duration
	MaxRetryDelay time.Duration
}

func (c Config) normalized() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.RetryDelay < 0 {
		c.RetryDelay = 0
	}
	if c.MaxRetryDelay <= 0 {
		c.MaxRetryDelay = 5 * time.Second
	}
	return c
}

// backoff пауза после attempt-й неудачи: RetryDelay * 2^(attempt-1), не больше MaxRetryDelay.
func (c Config) backoff(attempt int) time.Duration {
	if c.RetryDelay <= 0 {
		return 0
	}
	delay := c.RetryDelay
	for i := 1; i < attempt && delay < c.MaxRetryDelay; i++ {
		delay *= 2
	}
	return min(delay, c.MaxRetryDelay)
}

// Option настраивает Relay.
type Option func(*Relay)

// WithLogger задаёт logger.
func WithLogger(logger *log.Entry) Option {
	return func(r *Relay) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithDeadLetters задаёт publisher для событий, исчерпавших попытки.
func WithDeadLetters(publisher domain.OutboxPublisher) Option {
	return func(r *Relay) { r.dlq = publisher }
}

// BatchResult итог одного прохода по outbox.
type BatchResult struct {
	Pulled       int
	Sent         int
	Failed       int
	DeadLettered int
}

// Relay публикует pending-события и переводит каждое в sent или failed.
type Relay struct {
	repo      domain.OutboxRepository
	publisher domain.OutboxPublisher
	dlq       domain.OutboxPublisher
	cfg       Config
	logger    *log.Entry
	sleep     func(ctx context.Context, d time.Duration) error
	now       func() time.Time
}

// NewRelay создаёт relay поверх репозитория и publisher'а.
func NewRelay(repo domain.OutboxRepository, publisher domain.OutboxPublisher, cfg Config, opts ...Option) *Relay {
	r := &Relay{
		repo:      repo,
		publisher: publisher,
		cfg:       cfg.normalized(),
		logger:    log.WithField("component", "outbox-relay"),
		sleep:     sleepContext,
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run опрашивает outbox до отмены ctx. Полная пачка сразу запускает следующую.
func (r *Relay) Run(ctx context.Context) {
	if r.repo == nil || r.publisher == nil {
		r.logger.Warn("outbox relay is disabled: repo or publisher is nil")
		return
	}

	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()

	for {
		result := r.Flush(ctx)
		if result.Pulled == r.cfg.BatchSize && result.Sent+result.Failed > 0 && ctx.Err() == nil {
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Flush публикует одну пачку.
func (r *Relay) Flush(ctx context.Context) BatchResult {
	var result BatchResult
	if ctx.Err() != nil {
		return result
	}
	defer r.refreshBacklogMetrics(ctx)

	batch, err := r.repo.PullPending(ctx, r.cfg.BatchSize)
	if err != nil {
		r.logger.WithError(err).Warn("pull pending outbox messages")
		return result
	}
	result.Pulled = len(batch)

	for _, msg := range batch {
		if ctx.Err() != nil {
			// Невыданные записи вернутся в pending после истечения lease.
			break
		}
		logger := r.logger.WithFields(log.Fields{
			"outbox_id":  msg.ID,
			"order_id":   msg.AggregateID,
			"event_type": msg.EventType,
		})

		if err := undeliverable(msg); err != nil {
			logger.WithError(err).Error("outbox record can never be published")
			publishAttempts.WithLabelValues("invalid").Inc()
			r.markFailed(ctx, msg, logger)
			result.Failed++
			continue
		}

		attempts, err := r.deliver(ctx, msg, logger)
		switch {
		case err == nil:
			if markErr := r.repo.MarkSent(ctx, msg.ID); markErr != nil {
				logger.WithError(markErr).Warn("mark outbox record as sent")
				continue
			}
			result.Sent++
		case ctx.Err() != nil:
			return result
		default:
			logger.WithError(err).WithField("attempts", attempts).Error("outbox publish failed")
			publishAttempts.WithLabelValues("failed").Inc()
			if r.deadLetter(ctx, msg, attempts, err, logger) {
				result.DeadLettered++
			}
			r.markFailed(ctx, msg, logger)
			result.Failed++
		}
	}
	return result
}

// undeliverable отсеивает записи, которые ни один брокер не примет.
func undeliverable(msg domain.OutboxMessage) error {
	if err := msg.Validate(); err != nil {
		return err
	}
	if len(msg.Payload) > 0 && !json.Valid(msg.Payload) {
		return fmt.Errorf("%w: payload is not valid JSON", domain.ErrOutboxMessageInvalid)
	}
	return nil
}

func (r *Relay) deliver(ctx context.Context, msg domain.OutboxMessage, logger *log.Entry) (int, error) {
	var err error
	for attempt := 1; ; attempt++ {
		if err = r.publisher.Publish(ctx, msg); err == nil {
			publishAttempts.WithLabelValues("sent").Inc()
			return attempt, nil
		}
		if attempt == r.cfg.MaxAttempts {
			return attempt, fmt.Errorf("%w: %v", domain.ErrOutboxPublish, err)
		}

		publishAttempts.WithLabelValues("retry").Inc()
		delay := r.cfg.backoff(attempt)
		logger.WithError(err).WithFields(log.Fields{"attempt": attempt, "delay": delay}).Debug("outbox publish retry")
		if sleepErr := r.sleep(ctx, delay); sleepErr != nil {
			return attempt, sleepErr
		}
	}
}

func (r *Relay) markFailed(ctx context.Context, msg domain.OutboxMessage, logger *log.Entry) {
	if err := r.repo.MarkFailed(ctx, msg.ID); err != nil {
		logger.WithError(err).Warn("mark outbox record as failed")
	}
}

func (r *Relay) deadLetter(ctx context.Context, msg domain.OutboxMessage, attempts int, publishErr error, logger *log.Entry) bool {
	if r.dlq == nil {
		return false
	}
	letter, err := NewDeadLetter(msg, attempts, publishErr, r.now()).Message()
	if err == nil {
		err = r.dlq.Publish(ctx, letter)
	}
	if err != nil {
		logger.WithError(err).Warn("publish outbox record to DLQ")
		publishAttempts.WithLabelValues("dlq_failed").Inc()
		return false
	}
	publishAttempts.WithLabelValues("dlq").Inc()
	return true
}

func (r *Relay) refreshBacklogMetrics(ctx context.Context) {
	stats, err := r.repo.Stats(context.WithoutCancel(ctx))
	if err != nil {
		r.logger.WithError(err).Warn("collect outbox backlog stats")
		return
	}

	pendingRecords.Set(float64(stats.PendingCount))
	if stats.PendingCount == 0 || stats.OldestPendingAt.IsZero() {
		oldestPendingAge.Set(0)
		return
	}
	oldestPendingAge.Set(max(r.now().Sub(stats.OldestPendingAt).Seconds(), 0))
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
