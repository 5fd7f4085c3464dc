// Package idempotency удаляет просроченные ключи идемпотентности оформления заказов.
package idempotency

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

var (
	sweepRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "storefront_idempotency_cleanup_runs_total",
		Help: "Idempotency cleanup runs grouped by result.",
	}, []string{"result"})
	sweepDeleted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "storefront_idempotency_cleanup_deleted_total",
		Help: "Expired idempotency keys removed.",
	})
	sweepLastSuccess = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "storefront_idempotency_cleanup_last_success_timestamp_seconds",
		Help: "Unix time of the last successful idempotency cleanup run.",
	})
)

// SweepConfig параметры очистки. Нулевые значения заменяются значениями по умолчанию.
type SweepConfig struct {
	Interval  time.Duration
	BatchSize int
	// MaxBatches ограничивает один проход, чтобы большой backlog не задерживал остановку.
	MaxBatches int
}

func (c SweepConfig) normalized() SweepConfig {
	if c.Interval <= 0 {
		c.Interval = 10 * time.Minute
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 500
	}
	if c.MaxBatches <= 0 {
		c.MaxBatches = 100
	}
	return c
}

// SweepResult итог одного прохода.
type SweepResult struct {
	Deleted int
	Batches int
	// Truncated: проход упёрся в MaxBatches, остаток дочистит следующий.
	Truncated bool
}

// Sweeper периодически удаляет ключи, у которых истёк TTL.
type Sweeper struct {
	repo   domain.IdempotencyRepository
	cfg    SweepConfig
	logger *log.Entry
	now    func() time.Time
}

// NewSweeper создаёт очистку поверх репозитория ключей. logger может быть nil.
func NewSweeper(repo domain.IdempotencyRepository, cfg SweepConfig, logger *log.Entry) *Sweeper {
	if logger == nil {
		logger = log.WithField("component", "idempotency-sweeper")
	}
	return &Sweeper{
		repo:   repo,
		cfg:    cfg.normalized(),
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Run делает проход сразу и затем раз в Interval, пока ctx не отменён.
func (s *Sweeper) Run(ctx context.Context) {
	if s.repo == nil {
		s.logger.Warn("idempotency sweeper disabled: no repository")
		return
	}

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		s.tick(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Sweeper) tick(ctx context.Context) {
	result, err := s.Sweep(ctx)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return
		}
		sweepRuns.WithLabelValues("error").Inc()
		s.logger.WithError(err).WithField("deleted", result.Deleted).Warn("idempotency sweep failed")
		return
	}

	sweepRuns.WithLabelValues("ok").Inc()
	sweepLastSuccess.Set(float64(s.now().Unix()))
	if result.Deleted == 0 {
		return
	}
	entry := s.logger.WithFields(log.Fields{"deleted": result.Deleted, "batches": result.Batches})
	if result.Truncated {
		entry.Warn("idempotency sweep stopped at batch limit")
		return
	}
	entry.Info("expired idempotency keys removed")
}

// Sweep удаляет ключи с TTL не позже текущего момента порциями BatchSize.
// При ошибке возвращает то, что успел удалить.
func (s *Sweeper) Sweep(ctx context.Context) (SweepResult, error) {
	before := s.now()
	var result SweepResult
	for result.Batches < s.cfg.MaxBatches {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		deleted, err := s.repo.DeleteExpired(ctx, before, s.cfg.BatchSize)
		if err != nil {
			return result, err
		}
		result.Batches++
		result.Deleted += deleted
		sweepDeleted.Add(float64(deleted))
		if deleted < s.cfg.BatchSize {
			return result, nil
		}
	}
	result.Truncated = true
	return result, nil
}
