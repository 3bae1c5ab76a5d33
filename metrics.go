package settle

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the engine's prometheus instrumentation. A nil *Metrics is
// valid everywhere and records nothing, so instrumentation stays optional
// for embedders that don't scrape.
type Metrics struct {
	transactions      *prometheus.CounterVec
	retries           prometheus.Counter
	breakerTrips      prometheus.Counter
	breakerRejections prometheus.Counter
	breakerStateGauge prometheus.Gauge
	chunksSettled     prometheus.Counter
}

// NewMetrics builds the metric set, registering on reg. Pass nil to keep
// the metrics unregistered (useful in tests).
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		transactions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "settle",
			Name:      "transactions_total",
			Help:      "Transactions by terminal outcome.",
		}, []string{"outcome"}),
		retries: f.NewCounter(prometheus.CounterOpts{
			Namespace: "settle",
			Name:      "retries_total",
			Help:      "Retry attempts across all retried operations.",
		}),
		breakerTrips: f.NewCounter(prometheus.CounterOpts{
			Namespace: "settle",
			Name:      "breaker_trips_total",
			Help:      "Circuit breaker CLOSED/HALF_OPEN to OPEN transitions.",
		}),
		breakerRejections: f.NewCounter(prometheus.CounterOpts{
			Namespace: "settle",
			Name:      "breaker_rejections_total",
			Help:      "Submissions rejected without an attempt because the circuit was open.",
		}),
		breakerStateGauge: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "settle",
			Name:      "breaker_state",
			Help:      "Current breaker state (0 closed, 1 open, 2 half-open).",
		}),
		chunksSettled: f.NewCounter(prometheus.CounterOpts{
			Namespace: "settle",
			Name:      "batch_chunks_settled_total",
			Help:      "Batch chunks settled successfully.",
		}),
	}
}

func (m *Metrics) txOutcome(outcome string) {
	if m == nil {
		return
	}
	m.transactions.WithLabelValues(outcome).Inc()
}

func (m *Metrics) retry() {
	if m == nil {
		return
	}
	m.retries.Inc()
}

func (m *Metrics) breakerTrip() {
	if m == nil {
		return
	}
	m.breakerTrips.Inc()
}

func (m *Metrics) breakerRejection() {
	if m == nil {
		return
	}
	m.breakerRejections.Inc()
}

func (m *Metrics) breakerState(s BreakerState) {
	if m == nil {
		return
	}
	m.breakerStateGauge.Set(float64(s))
}

func (m *Metrics) chunkSettled() {
	if m == nil {
		return
	}
	m.chunksSettled.Inc()
}
