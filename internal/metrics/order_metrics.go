package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// OrderMetrics содержит метрики оформления и жизненного цикла заказов.
type OrderMetrics struct {
	// Оформление
	placed          prometheus.Counter
	placementFailed *prometheus.CounterVec
	replayed        prometheus.Counter
	rollbacks       prometheus.Counter

	// Гистограммы времени выполнения
	placementDuration prometheus.Histogram
	stepDuration      *prometheus.HistogramVec

	// Жизненный цикл
	transitions *prometheus.CounterVec

	timelineEvents prometheus.Counter
	outboxEvents   prometheus.Counter
	reconciliation *prometheus.CounterVec

	activePlacements prometheus.Gauge
}

// NewOrderMetrics регистрирует метрики в prometheus.DefaultRegisterer.
// Повторный вызов возвращает уже зарегистрированные коллекторы.
func NewOrderMetrics() *OrderMetrics {
	return NewOrderMetricsWithRegisterer(prometheus.DefaultRegisterer)
}

// NewOrderMetricsWithRegisterer регистрирует метрики в заданном реестре.
func NewOrderMetricsWithRegisterer(registerer prometheus.Registerer) *OrderMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	return &OrderMetrics{
		placed: registerCounter(registerer, prometheus.CounterOpts{
			Name: "storefront_orders_placed_total",
			Help: "Total number of orders placed successfully",
		}),
		placementFailed: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "storefront_order_placement_failed_total",
			Help: "Total number of failed order placements by error kind",
		}, []string{"kind"}),
		replayed: registerCounter(registerer, prometheus.CounterOpts{
			Name: "storefront_order_placement_replayed_total",
			Help: "Total number of placements answered from an idempotency key",
		}),
		rollbacks: registerCounter(registerer, prometheus.CounterOpts{
			Name: "storefront_inventory_rollbacks_total",
			Help: "Total number of placement attempts whose reservations were rolled back",
		}),
		placementDuration: registerHistogram(registerer, prometheus.HistogramOpts{
			Name:    "storefront_order_placement_duration_seconds",
			Help:    "Duration of order placement in seconds",
			Buckets: prometheus.DefBuckets,
		}),
		stepDuration: registerHistogramVec(registerer, prometheus.HistogramOpts{
			Name:    "storefront_order_step_duration_seconds",
			Help:    "Duration of individual placement steps in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0},
		}, []string{"step"}),
		transitions: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "storefront_order_transitions_total",
			Help: "Total number of order status transitions",
		}, []string{"from", "to"}),
		timelineEvents: registerCounter(registerer, prometheus.CounterOpts{
			Name: "storefront_timeline_events_total",
			Help: "Total number of timeline events recorded",
		}),
		outboxEvents: registerCounter(registerer, prometheus.CounterOpts{
			Name: "storefront_outbox_events_total",
			Help: "Total number of events enqueued to the outbox",
		}),
		reconciliation: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "storefront_reconciliation_tasks_total",
			Help: "Total number of inventory reconciliation tasks by kind",
		}, []string{"kind"}),
		activePlacements: registerGauge(registerer, prometheus.GaugeOpts{
			Name: "storefront_active_placements",
			Help: "Number of order placements in progress",
		}),
	}
}

func registerCounter(registerer prometheus.Registerer, opts prometheus.CounterOpts) prometheus.Counter {
	return register(registerer, opts.Name, prometheus.NewCounter(opts))
}

func registerCounterVec(registerer prometheus.Registerer, opts prometheus.CounterOpts, labels []string) *prometheus.CounterVec {
	return register(registerer, opts.Name, prometheus.NewCounterVec(opts, labels))
}

func registerGauge(registerer prometheus.Registerer, opts prometheus.GaugeOpts) prometheus.Gauge {
	return register(registerer, opts.Name, prometheus.NewGauge(opts))
}

func registerHistogram(registerer prometheus.Registerer, opts prometheus.HistogramOpts) prometheus.Histogram {
	return register(registerer, opts.Name, prometheus.NewHistogram(opts))
}

func registerHistogramVec(registerer prometheus.Registerer, opts prometheus.HistogramOpts, labels []string) *prometheus.HistogramVec {
	return register(registerer, opts.Name, prometheus.NewHistogramVec(opts, labels))
}

// register возвращает уже зарегистрированный коллектор того же типа вместо паники.
func register[C prometheus.Collector](registerer prometheus.Registerer, name string, collector C) C {
	if err := registerer.Register(collector); err != nil {
		if alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := alreadyRegistered.ExistingCollector.(C)
			if !ok {
				panic(fmt.Sprintf("collector %q already registered with unexpected type", name))
			}
			return existing
		}
		panic(fmt.Sprintf("register collector %q: %v", name, err))
	}
	return collector
}

// PlacementStarted увеличивает количество оформлений в работе.
func (m *OrderMetrics) PlacementStarted() {
	if m == nil {
		return
	}
	m.activePlacements.Inc()
}

// PlacementFinished фиксирует длительность оформления и его исход.
// Пустой kind означает успех.
func (m *OrderMetrics) PlacementFinished(kind string, duration time.Duration) {
	if m == nil {
		return
	}
	m.activePlacements.Dec()
	m.placementDuration.Observe(duration.Seconds())
	if kind == "" {
		m.placed.Inc()
		return
	}
	m.placementFailed.WithLabelValues(kind).Inc()
}

// RecordReplay учитывает ответ из ключа идемпотентности.
func (m *OrderMetrics) RecordReplay() {
	if m == nil {
		return
	}
	m.replayed.Inc()
}

// RecordRollback учитывает откат резервов попытки оформления.
func (m *OrderMetrics) RecordRollback() {
	if m == nil {
		return
	}
	m.rollbacks.Inc()
}

// RecordStepDuration записывает время выполнения шага оформления.
func (m *OrderMetrics) RecordStepDuration(step string, duration time.Duration) {
	if m == nil {
		return
	}
	m.stepDuration.WithLabelValues(step).Observe(duration.Seconds())
}

// RecordTransition учитывает смену статуса заказа.
func (m *OrderMetrics) RecordTransition(from, to string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(from, to).Inc()
}

// RecordTimelineEvent увеличивает счётчик событий timeline.
func (m *OrderMetrics) RecordTimelineEvent() {
	if m == nil {
		return
	}
	m.timelineEvents.Inc()
}

// RecordOutboxEvent увеличивает счётчик событий outbox.
func (m *OrderMetrics) RecordOutboxEvent() {
	if m == nil {
		return
	}
	m.outboxEvents.Inc()
}

// RecordReconciliationTask учитывает задачу сверки склада.
func (m *OrderMetrics) RecordReconciliationTask(kind string) {
	if m == nil {
		return
	}
	m.reconciliation.WithLabelValues(kind).Inc()
}
