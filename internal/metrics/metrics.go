package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the sync layer's instrumentation. A nil *Metrics is valid
// and records nothing, so tests can wire components without a registry.
type Metrics struct {
	pullsTotal    *prometheus.CounterVec
	pullDuration  *prometheus.HistogramVec
	cachedRecords *prometheus.GaugeVec
	importRows    *prometheus.CounterVec
}

func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		pullsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "posapp",
			Subsystem: "sync",
			Name:      "pulls_total",
			Help:      "Pull attempts per entity by result (ok, unchanged, network_error, server_error, storage_error).",
		}, []string{"entity", "result"}),
		pullDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "posapp",
			Subsystem: "sync",
			Name:      "pull_duration_seconds",
			Help:      "Duration of entity pulls.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"entity"}),
		cachedRecords: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "posapp",
			Subsystem: "sync",
			Name:      "cached_records",
			Help:      "Records currently held in the local cache per entity.",
		}, []string{"entity"}),
		importRows: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "posapp",
			Subsystem: "import",
			Name:      "rows_total",
			Help:      "Import rows processed by outcome (inserted, updated, skipped, failed).",
		}, []string{"result"}),
	}

	reg.MustRegister(m.pullsTotal, m.pullDuration, m.cachedRecords, m.importRows)
	return m
}

func (m *Metrics) ObservePull(entity, result string, d time.Duration) {
	if m == nil {
		return
	}
	m.pullsTotal.WithLabelValues(entity, result).Inc()
	m.pullDuration.WithLabelValues(entity).Observe(d.Seconds())
}

func (m *Metrics) SetCachedRecords(entity string, n int) {
	if m == nil {
		return
	}
	m.cachedRecords.WithLabelValues(entity).Set(float64(n))
}

func (m *Metrics) AddImportRows(result string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.importRows.WithLabelValues(result).Add(float64(n))
}
