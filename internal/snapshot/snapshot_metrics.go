package snapshot

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds Prometheus metrics for snapshot persistence. A nil *Metrics
// records nothing.
type Metrics struct {
	SavesTotal    *prometheus.CounterVec
	SaveDuration  prometheus.Histogram
	RestoresTotal *prometheus.CounterVec
}

// NewMetrics registers and returns snapshot metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		SavesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hush_snapshot_saves_total",
			Help: "Snapshot flush attempts by result (ok, error, skipped).",
		}, []string{"result"}),
		SaveDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "hush_snapshot_save_duration_seconds",
			Help:    "Duration of snapshot writes in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms .. ~2s
		}),
		RestoresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hush_snapshot_restores_total",
			Help: "Snapshot restore attempts by result (ok, empty, error).",
		}, []string{"result"}),
	}

	reg.MustRegister(m.SavesTotal, m.SaveDuration, m.RestoresTotal)

	return m
}

func (m *Metrics) saved(result string, dur time.Duration) {
	if m == nil {
		return
	}
	m.SavesTotal.WithLabelValues(result).Inc()
	if result != "skipped" {
		m.SaveDuration.Observe(dur.Seconds())
	}
}

func (m *Metrics) restored(result string) {
	if m == nil {
		return
	}
	m.RestoresTotal.WithLabelValues(result).Inc()
}
