// Package metrics provides Prometheus metrics for the dose engine.
package metrics

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all application metrics. A nil *Metrics is valid and
// records nothing, so components can run without a registry in tests.
type Metrics struct {
	DosesRecorded         *prometheus.CounterVec
	DoseRejections        *prometheus.CounterVec
	LedgerDuration        prometheus.Histogram
	InventoryAnomalies    prometheus.Counter
	InventoryLowStock     prometheus.Counter
	Refills               prometheus.Counter
	AdherenceComputations prometheus.Counter
	RemindersPublished    *prometheus.CounterVec
	KafkaMessagesProduced prometheus.Counter
	KafkaMessagesConsumed prometheus.Counter
	OutboxPending         prometheus.Gauge
	CircuitBreakerState   *prometheus.GaugeVec
	ConsumerLag           *prometheus.GaugeVec
	HTTPRequests          *prometheus.CounterVec
	HTTPDuration          *prometheus.HistogramVec
}

// New creates all metrics and registers them with reg. A nil registerer
// uses the default Prometheus registry.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		DosesRecorded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "doses_recorded_total",
			Help: "Dose dispositions recorded, by disposition",
		}, []string{"disposition"}),
		DoseRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dose_rejections_total",
			Help: "Dose recordings rejected, by reason",
		}, []string{"reason"}),
		LedgerDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "dose_ledger_write_duration_seconds",
			Help:    "Dose ledger write duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		}),
		InventoryAnomalies: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "inventory_anomalies_total",
			Help: "Consumption recorded beyond available stock",
		}),
		InventoryLowStock: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "inventory_low_stock_transitions_total",
			Help: "Inventory records that crossed the low stock threshold",
		}),
		Refills: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "inventory_refills_total",
			Help: "Total refills applied",
		}),
		AdherenceComputations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "adherence_computations_total",
			Help: "Total adherence reports computed",
		}),
		RemindersPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dose_reminders_published_total",
			Help: "Dose reminders published, by status",
		}, []string{"status"}),
		KafkaMessagesProduced: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kafka_messages_produced_total",
			Help: "Total Kafka messages produced",
		}),
		KafkaMessagesConsumed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kafka_messages_consumed_total",
			Help: "Total Kafka messages consumed",
		}),
		OutboxPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "outbox_pending_entries",
			Help: "Pending outbox entries",
		}),
		CircuitBreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		}, []string{"name"}),
		ConsumerLag: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "kafka_consumer_group_lag",
			Help: "Records not yet consumed by the group, by topic",
		}, []string{"topic"}),
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "API requests, by route and status class",
		}, []string{"method", "route", "status"}),
		HTTPDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "API request duration, by route",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),
	}

	reg.MustRegister(
		m.DosesRecorded,
		m.DoseRejections,
		m.LedgerDuration,
		m.InventoryAnomalies,
		m.InventoryLowStock,
		m.Refills,
		m.AdherenceComputations,
		m.RemindersPublished,
		m.KafkaMessagesProduced,
		m.KafkaMessagesConsumed,
		m.OutboxPending,
		m.CircuitBreakerState,
		m.ConsumerLag,
		m.HTTPRequests,
		m.HTTPDuration,
	)

	return m
}

// DoseRecorded counts a committed disposition and its write latency
func (m *Metrics) DoseRecorded(disposition string, took time.Duration) {
	if m == nil {
		return
	}
	m.DosesRecorded.WithLabelValues(disposition).Inc()
	m.LedgerDuration.Observe(took.Seconds())
}

// DoseRejected counts a rejected recording
func (m *Metrics) DoseRejected(reason string) {
	if m == nil {
		return
	}
	m.DoseRejections.WithLabelValues(reason).Inc()
}

// InventoryChanged counts anomaly, low stock and refill transitions
func (m *Metrics) InventoryChanged(anomaly, becameLow, refill bool) {
	if m == nil {
		return
	}
	if anomaly {
		m.InventoryAnomalies.Inc()
	}
	if becameLow {
		m.InventoryLowStock.Inc()
	}
	if refill {
		m.Refills.Inc()
	}
}

// AdherenceComputed counts a report
func (m *Metrics) AdherenceComputed() {
	if m == nil {
		return
	}
	m.AdherenceComputations.Inc()
}

// ReminderPublished counts a reminder event
func (m *Metrics) ReminderPublished(status string) {
	if m == nil {
		return
	}
	m.RemindersPublished.WithLabelValues(status).Inc()
}

// MessageProduced counts a produced record
func (m *Metrics) MessageProduced() {
	if m == nil {
		return
	}
	m.KafkaMessagesProduced.Inc()
}

// MessageConsumed counts a consumed record
func (m *Metrics) MessageConsumed() {
	if m == nil {
		return
	}
	m.KafkaMessagesConsumed.Inc()
}

// SetOutboxPending reports the outbox backlog
func (m *Metrics) SetOutboxPending(n int) {
	if m == nil {
		return
	}
	m.OutboxPending.Set(float64(n))
}

// SetBreakerState reports a circuit breaker state
func (m *Metrics) SetBreakerState(name string, state int) {
	if m == nil {
		return
	}
	m.CircuitBreakerState.WithLabelValues(name).Set(float64(state))
}

// SetConsumerLag reports the group lag of one topic
func (m *Metrics) SetConsumerLag(topic string, lag int64) {
	if m == nil {
		return
	}
	m.ConsumerLag.WithLabelValues(topic).Set(float64(lag))
}

// HTTPRequest counts a served request. Statuses are bucketed as 2xx, 4xx...
func (m *Metrics) HTTPRequest(method, route string, status int, took time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(method, route, fmt.Sprintf("%dxx", status/100)).Inc()
	m.HTTPDuration.WithLabelValues(route).Observe(took.Seconds())
}

// Handler returns the Prometheus HTTP handler for the default registry
func Handler() http.Handler {
	return promhttp.Handler()
}

// HandlerFor returns an HTTP handler serving the given gatherer
func HandlerFor(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
