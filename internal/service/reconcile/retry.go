package reconcile

import (
	"context"
	"errors"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

// ErrCircuitOpen возвращается, пока предохранитель разомкнут.
var ErrCircuitOpen = errors.New("reconciliation circuit breaker is open")

// RetryConfig задаёт повторы обработки одной задачи.
type RetryConfig struct {
	MaxAttempts   int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
}

// DefaultRetryConfig возвращает конфигурацию по умолчанию.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:   3,
		InitialDelay:  100 * time.Millisecond,
		MaxDelay:      5 * time.Second,
		BackoffFactor: 2.0,
	}
}

// RetryingHandler повторяет обработку задачи с экспоненциальной задержкой.
// Если задан breaker, серия неудач размыкает его и задачи сразу получают ErrCircuitOpen.
type RetryingHandler struct {
	inner   Handler
	config  RetryConfig
	breaker *CircuitBreaker
	logger  *log.Entry
	sleep   func(context.Context, time.Duration) error
}

// NewRetryingHandler оборачивает обработчик. breaker может быть nil.
func NewRetryingHandler(inner Handler, config RetryConfig, breaker *CircuitBreaker, logger *log.Entry) *RetryingHandler {
	if logger == nil {
		logger = log.WithField("component", "reconcile-retry")
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 1
	}
	if config.BackoffFactor < 1 {
		config.BackoffFactor = 1
	}
	return &RetryingHandler{
		inner:   inner,
		config:  config,
		breaker: breaker,
		logger:  logger,
		sleep:   sleepContext,
	}
}

// Handle реализует Handler.
func (h *RetryingHandler) Handle(ctx context.Context, task domain.ReconciliationTask) error {
	logger := h.logger.WithFields(log.Fields{
		"task_id":  task.ID,
		"kind":     task.Kind,
		"order_id": task.OrderID,
	})

	var lastErr error
	delay := h.config.InitialDelay
	for attempt := 1; attempt <= h.config.MaxAttempts; attempt++ {
		err := h.execute(ctx, task)
		if err == nil {
			if attempt > 1 {
				logger.WithField("attempt", attempt).Info("reconciliation succeeded after retry")
			}
			return nil
		}
		lastErr = err

		if !shouldRetry(err) {
			logger.WithError(err).Warn("reconciliation failed with non-retryable error")
			return err
		}
		if attempt == h.config.MaxAttempts {
			break
		}

		logger.WithError(err).WithFields(log.Fields{
			"attempt": attempt,
			"delay":   delay,
		}).Warn("reconciliation failed, retrying")
		if err := h.sleep(ctx, delay); err != nil {
			return err
		}
		delay = time.Duration(float64(delay) * h.config.BackoffFactor)
		if h.config.MaxDelay > 0 && delay > h.config.MaxDelay {
			delay = h.config.MaxDelay
		}
	}

	logger.WithError(lastErr).WithField("max_attempts", h.config.MaxAttempts).Error("reconciliation failed after all retry attempts")
	return lastErr
}

func (h *RetryingHandler) execute(ctx context.Context, task domain.ReconciliationTask) error {
	if h.breaker == nil {
		return h.inner.Handle(ctx, task)
	}
	return h.breaker.Execute(string(task.Kind), func() error {
		return h.inner.Handle(ctx, task)
	})
}

// shouldRetry отсекает ошибки, которые повтор не исправит.
func shouldRetry(err error) bool {
	switch {
	case errors.Is(err, ErrAttemptsExhausted),
		errors.Is(err, ErrUnknownKind),
		errors.Is(err, ErrCircuitOpen),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return false
	default:
		return true
	}
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

// CircuitState состояние предохранителя.
type CircuitState int

const (
	CircuitClosed CircuitState = iota
	CircuitOpen
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return "closed"
	}
}

// CircuitBreaker размыкается после maxFailures подряд и пропускает пробный вызов через resetTimeout.
type CircuitBreaker struct {
	mu           sync.Mutex
	maxFailures  int
	resetTimeout time.Duration
	failures     int
	lastFailure  time.Time
	state        CircuitState
	now          func() time.Time
	logger       *log.Entry
}

// NewCircuitBreaker создаёт предохранитель в замкнутом состоянии.
func NewCircuitBreaker(maxFailures int, resetTimeout time.Duration, logger *log.Entry) *CircuitBreaker {
	if logger == nil {
		logger = log.WithField("component", "reconcile-breaker")
	}
	if maxFailures <= 0 {
		maxFailures = 1
	}
	return &CircuitBreaker{
		maxFailures:  maxFailures,
		resetTimeout: resetTimeout,
		state:        CircuitClosed,
		now:          time.Now,
		logger:       logger,
	}
}

// State возвращает текущее состояние.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Execute выполняет fn, если предохранитель это позволяет.
func (cb *CircuitBreaker) Execute(operation string, fn func() error) error {
	cb.mu.Lock()
	if cb.state == CircuitOpen {
		if cb.now().Sub(cb.lastFailure) < cb.resetTimeout {
			cb.mu.Unlock()
			return ErrCircuitOpen
		}
		cb.state = CircuitHalfOpen
		cb.logger.WithField("operation", operation).Info("circuit breaker half-open")
	}
	cb.mu.Unlock()

	err := fn()

	cb.mu.Lock()
	defer cb.mu.Unlock()
	if err != nil {
		cb.failures++
		cb.lastFailure = cb.now()
		if cb.state == CircuitHalfOpen || cb.failures >= cb.maxFailures {
			cb.state = CircuitOpen
			cb.logger.WithFields(log.Fields{
				"operation": operation,
				"failures":  cb.failures,
			}).Warn("circuit breaker opened")
		}
		return err
	}

	if cb.state == CircuitHalfOpen {
		cb.state = CircuitClosed
		cb.logger.WithField("operation", operation).Info("circuit breaker closed")
	}
	cb.failures = 0
	return nil
}
