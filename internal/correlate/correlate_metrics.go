package correlate

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds Prometheus metrics for the correlation engine.
type Metrics struct {
	AlertsTotal     *prometheus.CounterVec
	VerdictsTotal   *prometheus.CounterVec
	EscalationTotal prometheus.Counter
	ClosedTotal     prometheus.Counter
	OpenIncidents   prometheus.Gauge
	ProcessDuration prometheus.Histogram
}

// NewMetrics registers and returns engine metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		AlertsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hush_alerts_processed_total",
			Help: "Total alerts processed by outcome (created or folded).",
		}, []string{"outcome"}),
		VerdictsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hush_incident_verdicts_total",
			Help: "Risk bucket of the incident after each processed alert.",
		}, []string{"bucket", "noise"}),
		EscalationTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hush_incident_escalations_total",
			Help: "Incidents that newly reached the CRITICAL bucket.",
		}),
		ClosedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hush_incidents_closed_total",
			Help: "Incidents moved to the archive after their window elapsed.",
		}),
		OpenIncidents: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "hush_open_incidents",
			Help: "Open incidents after the last processed alert.",
		}),
		ProcessDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "hush_process_duration_seconds",
			Help:    "Time spent folding and enriching one alert.",
			Buckets: prometheus.ExponentialBuckets(0.00001, 4, 8), // 10us .. ~160ms
		}),
	}

	reg.MustRegister(
		m.AlertsTotal,
		m.VerdictsTotal,
		m.EscalationTotal,
		m.ClosedTotal,
		m.OpenIncidents,
		m.ProcessDuration,
	)

	return m
}

// Hooks returns engine Hooks that update the metrics.
func (m *Metrics) Hooks() Hooks {
	return Hooks{
		OnProcess: func(e ProcessEvent) {
			outcome := "created"
			if e.Folded {
				outcome = "folded"
			}
			noise := "false"
			if e.IsNoise {
				noise = "true"
			}
			m.AlertsTotal.WithLabelValues(outcome).Inc()
			m.VerdictsTotal.WithLabelValues(string(e.Bucket), noise).Inc()
			if e.Closed {
				m.ClosedTotal.Inc()
			}
			m.OpenIncidents.Set(float64(e.Open))
			m.ProcessDuration.Observe(e.Duration)
		},
		OnEscalate: func(_ *Incident) {
			m.EscalationTotal.Inc()
		},
	}
}

// Chain combines hooks so that each callback runs in order.
func Chain(hs ...Hooks) Hooks {
	return Hooks{
		OnProcess: func(e ProcessEvent) {
			for _, h := range hs {
				if h.OnProcess != nil {
					h.OnProcess(e)
				}
			}
		},
		OnEscalate: func(inc *Incident) {
			for _, h := range hs {
				if h.OnEscalate != nil {
					h.OnEscalate(inc)
				}
			}
		},
	}
}
